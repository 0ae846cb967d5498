// guard.go - In-flight settlement guard.
//
// Duplicate-submit prevention is the caller's half of the exactly-once
// contract with the relayer: while a uuid is held, a second settlement
// attempt for it must be rejected before anything is submitted.

package lifecycle

import (
	"sync"

	"github.com/google/uuid"
)

// Guard tracks order uuids with a settlement in flight.
type Guard interface {
	// TryAcquire marks id in flight. It returns false if id is already held.
	TryAcquire(id uuid.UUID) bool
	// Release clears id. Releasing an unheld id is a no-op.
	Release(id uuid.UUID)
}

// MapGuard is the default mutex-protected Guard.
type MapGuard struct {
	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

func NewMapGuard() *MapGuard {
	return &MapGuard{inflight: make(map[uuid.UUID]struct{})}
}

func (g *MapGuard) TryAcquire(id uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.inflight[id]; held {
		return false
	}
	g.inflight[id] = struct{}{}
	return true
}

func (g *MapGuard) Release(id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, id)
}
