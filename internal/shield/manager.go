// manager.go - Spend/rotate protocol for one shielded balance.
//
// A Manager owns exactly one PrivateAccount. Every successful spend consumes
// the account's current output and rotates its address/scalar to the change
// output; the prior address is permanently retired. Rotation commits only
// after the broadcast is confirmed, so a failed or timed-out spend never
// leaves the account half-rotated.
//
// NOTE: a Manager is not safe for concurrent spends on the same logical
// account. Callers must fully complete one PrivateTxSingle (including
// rotation) before issuing the next; the order lifecycle's in-flight guard
// provides this for settlement flows.

package shield

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Manager drives the spend/rotate protocol for a single shielded account.
type Manager struct {
	account   PrivateAccount
	pubkey    string
	signature string

	backend Backend
	outputs OutputSource
	caster  Broadcaster
	log     *logrus.Entry
}

// SpendResult reports a confirmed private transfer: the change output's
// blinding scalar, the broadcast transaction id, and the rotated address.
type SpendResult struct {
	Scalar         string
	TxID           string
	UpdatedAddress string
}

// New derives a fresh empty-balance identity for the given wallet signature.
// The identity exists only in memory until it is funded.
func New(ctx context.Context, signature, tag string, backend Backend, outputs OutputSource, caster Broadcaster, log *logrus.Entry) (*Manager, error) {
	pubkey, err := backend.GenerateKeypair(signature)
	if err != nil {
		return nil, fmt.Errorf("keypair generation failed: %w", err)
	}
	scalar, err := backend.GenerateScalar()
	if err != nil {
		return nil, fmt.Errorf("scalar generation failed: %w", err)
	}
	accountHex, err := backend.DeriveAccount(pubkey, 0, scalar)
	if err != nil {
		return nil, fmt.Errorf("account derivation failed: %w", err)
	}
	address, err := backend.DeriveAddress(accountHex)
	if err != nil {
		return nil, fmt.Errorf("address derivation failed: %w", err)
	}
	return &Manager{
		account: PrivateAccount{
			LogicalID: uuid.New(),
			Address:   address,
			Scalar:    scalar,
			Value:     0,
			OnChain:   false,
			Kind:      KindMemo,
			Tag:       tag,
			CreatedAt: time.Now().UTC(),
		},
		pubkey:    pubkey,
		signature: signature,
		backend:   backend,
		outputs:   outputs,
		caster:    caster,
		log:       log.WithField("component", "shield.manager"),
	}, nil
}

// Resume rebuilds a manager around an existing account. It resolves the
// account's current on-chain output, failing with ErrOutputNotFound if none
// exists, and decrypts the true value when the cached one is unset.
func Resume(ctx context.Context, signature string, existing PrivateAccount, backend Backend, outputs OutputSource, caster Broadcaster, log *logrus.Entry) (*Manager, error) {
	pubkey, err := backend.GenerateKeypair(signature)
	if err != nil {
		return nil, fmt.Errorf("keypair generation failed: %w", err)
	}
	out, err := outputs.ResolveOutput(ctx, existing.Address)
	if err != nil {
		return nil, fmt.Errorf("resolving output for %s: %w", existing.Address, err)
	}
	if existing.Value == 0 {
		v, err := backend.DecryptValue(signature, out.AccountHex)
		if err != nil {
			return nil, fmt.Errorf("value decryption failed: %w", err)
		}
		existing.Value = v
	}
	existing.OnChain = true
	// A resolved output is a confirmed one.
	if existing.Kind == KindMemo {
		existing.Kind = KindCoin
	}
	return &Manager{
		account:   existing,
		pubkey:    pubkey,
		signature: signature,
		backend:   backend,
		outputs:   outputs,
		caster:    caster,
		log:       log.WithField("component", "shield.manager"),
	}, nil
}

// Account returns a snapshot of the managed account.
func (m *Manager) Account() PrivateAccount {
	return m.account
}

// PrivateTxSingle transfers amount to receiverAddress, rotating this account
// to its change output on confirmed success. If receiverExisting is given the
// transfer merges into the receiver's current balance, consuming the
// receiver's live output as well.
//
// The prior address is retired permanently once this returns without error.
func (m *Manager) PrivateTxSingle(ctx context.Context, amount uint64, receiverAddress string, receiverExisting *PrivateAccount) (SpendResult, error) {
	if amount > m.account.Value {
		return SpendResult{}, fmt.Errorf("%w: have %d, want %d", ErrInsufficientFunds, m.account.Value, amount)
	}

	out, err := m.outputs.ResolveOutput(ctx, m.account.Address)
	if err != nil {
		return SpendResult{}, fmt.Errorf("resolving spend input: %w", err)
	}
	in, err := m.backend.BuildInputFromOutput(out)
	if err != nil {
		return SpendResult{}, fmt.Errorf("building spend input: %w", err)
	}

	var receiverIn *Input
	if receiverExisting != nil {
		rout, err := m.outputs.ResolveOutput(ctx, receiverExisting.Address)
		if err != nil {
			return SpendResult{}, fmt.Errorf("resolving receiver input: %w", err)
		}
		rin, err := m.backend.BuildInputFromOutput(rout)
		if err != nil {
			return SpendResult{}, fmt.Errorf("building receiver input: %w", err)
		}
		receiverIn = &rin
	}

	updated := m.account.Value - amount
	transfer, err := m.backend.BuildTransfer(in, amount, receiverAddress, m.signature, updated, receiverIn)
	if err != nil {
		return SpendResult{}, fmt.Errorf("building transfer: %w", err)
	}

	txID, err := m.caster.Broadcast(ctx, transfer.TxHex)
	if err != nil {
		// No rotation: the account still points at its current output.
		return SpendResult{}, fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}

	newAccountHex, err := m.backend.DeriveAccount(m.pubkey, updated, transfer.ScalarHex)
	if err != nil {
		return SpendResult{}, fmt.Errorf("deriving rotated account: %w", err)
	}
	newAddress, err := m.backend.DeriveAddress(newAccountHex)
	if err != nil {
		return SpendResult{}, fmt.Errorf("deriving rotated address: %w", err)
	}

	prior := m.account.Address
	m.account.Address = newAddress
	m.account.Scalar = transfer.ScalarHex
	m.account.Value = updated
	m.account.OnChain = true
	m.account.Kind = KindCoin

	m.log.WithFields(logrus.Fields{
		"logical_id": m.account.LogicalID,
		"retired":    prior,
		"rotated_to": newAddress,
		"tx_id":      txID,
		"amount":     amount,
	}).Debug("private transfer confirmed, address rotated")

	return SpendResult{Scalar: transfer.ScalarHex, TxID: txID, UpdatedAddress: newAddress}, nil
}

// Burn spends the entire remaining value to a public-chain destination,
// bridging it out of the shielded subsystem. Requires a confirmed on-chain
// output.
func (m *Manager) Burn(ctx context.Context, targetAddress string) (string, error) {
	if !m.account.OnChain {
		return "", ErrNotOnChain
	}
	out, err := m.outputs.ResolveOutput(ctx, m.account.Address)
	if err != nil {
		return "", fmt.Errorf("resolving burn input: %w", err)
	}
	in, err := m.backend.BuildInputFromOutput(out)
	if err != nil {
		return "", fmt.Errorf("building burn input: %w", err)
	}
	txHex, err := m.backend.BuildBurn(in, targetAddress, m.account.Value, m.account.Scalar, m.signature)
	if err != nil {
		return "", fmt.Errorf("building burn: %w", err)
	}
	txHash, err := m.caster.Broadcast(ctx, txHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}

	m.account.Value = 0
	m.account.OnChain = false

	m.log.WithFields(logrus.Fields{
		"logical_id": m.account.LogicalID,
		"target":     targetAddress,
		"tx_hash":    txHash,
	}).Debug("burn confirmed, account retired")
	return txHash, nil
}

// AccountBalance queries the authoritative remote value for this account
// without mutating local state. Callers reconcile the result themselves.
func (m *Manager) AccountBalance(ctx context.Context) (uint64, error) {
	out, err := m.outputs.ResolveOutput(ctx, m.account.Address)
	if err != nil {
		return 0, fmt.Errorf("resolving output: %w", err)
	}
	return m.backend.DecryptValue(m.signature, out.AccountHex)
}
