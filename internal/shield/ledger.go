// ledger.go - In-memory shielded output set with double-spend detection.
//
// Ledger is the reference chain state behind MiMCBackend: live outputs keyed
// by address, published serial numbers, and public balances credited by burns.
// It is the simulation counterpart of the chain RPC; production deployments
// resolve outputs and broadcast through internal/chain instead.
//
// NOTE: Ledger is safe for concurrent use; all access goes through its mutex.

package shield

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

type Ledger struct {
	mu        sync.Mutex
	outputs   map[string]Output // live outputs by address
	byAccount map[string]Output // live outputs by account commitment
	spent     map[string]bool   // published serial numbers
	public    map[string]uint64 // public balances credited by burns
}

func NewLedger() *Ledger {
	return &Ledger{
		outputs:   make(map[string]Output),
		byAccount: make(map[string]Output),
		spent:     make(map[string]bool),
		public:    make(map[string]uint64),
	}
}

// ResolveOutput returns the live output for an address, implementing
// OutputSource. A consumed or never-funded address yields ErrOutputNotFound.
func (l *Ledger) ResolveOutput(ctx context.Context, address string) (Output, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out, ok := l.outputs[address]
	if !ok {
		return Output{}, ErrOutputNotFound
	}
	return out, nil
}

// Fund registers an output directly, bypassing transfer validation. Used to
// seed balances in tests and local simulation.
func (l *Ledger) Fund(out Output) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outputs[out.Address] = out
	l.byAccount[out.AccountHex] = out
}

// FundAddress mints an output of the given value at an address, standing in
// for the public-to-shielded bridging mint. Returns the created output.
func (l *Ledger) FundAddress(address string, value uint64) (Output, error) {
	addrBytes, err := hex.DecodeString(address)
	if err != nil {
		return Output{}, fmt.Errorf("invalid address: %w", err)
	}
	scalar := randomScalar()
	scalarBytes, _ := hex.DecodeString(scalar)
	out := Output{
		AccountHex: hex.EncodeToString(commitment(value, addrBytes, scalarBytes)),
		Address:    address,
		Scalar:     scalar,
		EncValue:   maskValue(value, scalarBytes),
	}
	l.Fund(out)
	return out, nil
}

// PublicBalance returns the public-chain balance credited to an address by
// bridging burns.
func (l *Ledger) PublicBalance(address string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.public[address]
}

func (l *Ledger) outputByAccount(accountHex string) (Output, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out, ok := l.byAccount[accountHex]
	return out, ok
}

func (l *Ledger) isSpent(serial string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spent[serial]
}

// SimChain applies broadcast transactions to a Ledger, standing in for the
// chain client. Broadcast returns only after the transaction is applied, so a
// successful return means the transfer is confirmed.
type SimChain struct {
	ledger *Ledger
}

func NewSimChain(ledger *Ledger) *SimChain {
	return &SimChain{ledger: ledger}
}

// Broadcast decodes and applies a transaction. Every serial is checked before
// any state changes, so a rejected transaction leaves the ledger untouched.
func (s *SimChain) Broadcast(ctx context.Context, txHex string) (string, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return "", fmt.Errorf("%w: invalid tx hex: %v", ErrBroadcastFailed, err)
	}
	var msg txMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", fmt.Errorf("%w: undecodable tx: %v", ErrBroadcastFailed, err)
	}
	if len(msg.Serials) != len(msg.Consumed) {
		return "", fmt.Errorf("%w: malformed tx", ErrBroadcastFailed)
	}

	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, sn := range msg.Serials {
		if l.spent[sn] {
			return "", fmt.Errorf("%w: serial %s", ErrDoubleSpend, sn)
		}
	}
	for i, sn := range msg.Serials {
		l.spent[sn] = true
		if old, ok := l.outputs[msg.Consumed[i]]; ok {
			delete(l.byAccount, old.AccountHex)
			delete(l.outputs, msg.Consumed[i])
		}
	}
	for _, out := range msg.Outputs {
		l.outputs[out.Address] = out
		l.byAccount[out.AccountHex] = out
	}
	if msg.Type == "burn" {
		l.public[msg.BurnDest] += msg.BurnAmt
	}
	return hex.EncodeToString(mimcHash(raw)), nil
}
