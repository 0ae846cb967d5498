// backend.go - The opaque crypto-backend capability and its MiMC reference
// implementation.
//
// The manager and everything above it only ever see the Backend, OutputSource,
// and Broadcaster interfaces; proof construction and transaction-hex assembly
// are this capability's problem. MiMCBackend is a working reference built from
// the same primitives a production backend would use, wired to an in-memory
// Ledger so spend/rotate flows can run end to end without a live chain.

package shield

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Output is the on-chain representation of an unspent commitment.
type Output struct {
	AccountHex string `json:"account"`
	Address    string `json:"address"`
	Scalar     string `json:"scalar"`
	EncValue   uint64 `json:"enc_value"`
}

// Input is an output resolved for spending: serial number computed, value
// decrypted.
type Input struct {
	Output Output
	Serial string
	Value  uint64
}

// Transfer is an assembled private transfer ready to broadcast. ScalarHex is
// the blinding factor of the sender's change output; the manager rotates to it
// once the broadcast is confirmed.
type Transfer struct {
	TxHex     string
	ScalarHex string
}

// Backend assembles shielded identities and transactions. Implementations own
// all cryptographic detail; callers treat every result as opaque.
type Backend interface {
	GenerateKeypair(signature string) (pubkeyHex string, err error)
	GenerateScalar() (string, error)
	DeriveAccount(pubkeyHex string, balance uint64, scalar string) (accountHex string, err error)
	DeriveAddress(accountHex string) (string, error)
	DecryptValue(signature, accountHex string) (uint64, error)
	BuildInputFromOutput(out Output) (Input, error)
	BuildTransfer(in Input, amount uint64, receiver, signature string, updatedBalance uint64, receiverIn *Input) (Transfer, error)
	BuildBurn(in Input, address string, amount uint64, scalar, signature string) (txHex string, err error)
}

// OutputSource resolves the current live output for an address. The reference
// Ledger implements it directly; in production it is backed by the chain RPC.
type OutputSource interface {
	ResolveOutput(ctx context.Context, address string) (Output, error)
}

// Broadcaster submits a signed message to the chain and returns its hash.
//
// Implementations must return only once the transaction is applied: the
// manager rotates account state on a nil return, so an implementation that
// returns on mere node acceptance must first poll the transaction to
// confirmation itself.
type Broadcaster interface {
	Broadcast(ctx context.Context, txHex string) (string, error)
}

// txMessage is the reference wire shape for transfer and burn transactions.
type txMessage struct {
	Type     string   `json:"type"` // "transfer" or "burn"
	Serials  []string `json:"serials"`
	Consumed []string `json:"consumed"` // addresses of consumed outputs, aligned with Serials
	Outputs  []Output `json:"outputs"`
	BurnDest string   `json:"burn_dest,omitempty"`
	BurnAmt  uint64   `json:"burn_amount,omitempty"`
}

// MiMCBackend is the reference Backend implementation.
type MiMCBackend struct {
	ledger *Ledger
}

// NewMiMCBackend creates a backend bound to the given ledger.
func NewMiMCBackend(ledger *Ledger) *MiMCBackend {
	return &MiMCBackend{ledger: ledger}
}

func (b *MiMCBackend) GenerateKeypair(signature string) (string, error) {
	kp, err := deriveKeypair(signature)
	if err != nil {
		return "", fmt.Errorf("keypair derivation failed: %w", err)
	}
	return hex.EncodeToString(kp.pubkeyBytes()), nil
}

func (b *MiMCBackend) GenerateScalar() (string, error) {
	return randomScalar(), nil
}

func (b *MiMCBackend) DeriveAccount(pubkeyHex string, balance uint64, scalar string) (string, error) {
	pk, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return "", fmt.Errorf("invalid pubkey hex: %w", err)
	}
	sc, err := hex.DecodeString(scalar)
	if err != nil {
		return "", fmt.Errorf("invalid scalar hex: %w", err)
	}
	return hex.EncodeToString(commitment(balance, pk, sc)), nil
}

func (b *MiMCBackend) DeriveAddress(accountHex string) (string, error) {
	acc, err := hex.DecodeString(accountHex)
	if err != nil {
		return "", fmt.Errorf("invalid account hex: %w", err)
	}
	return hex.EncodeToString(mimcHash(acc)), nil
}

// DecryptValue recovers the true value of an output by account commitment.
// The signature identifies the caller as the owner; the reference ledger
// stands in for the encrypted memo a production chain would deliver.
func (b *MiMCBackend) DecryptValue(signature, accountHex string) (uint64, error) {
	out, ok := b.ledger.outputByAccount(accountHex)
	if !ok {
		return 0, ErrOutputNotFound
	}
	sc, err := hex.DecodeString(out.Scalar)
	if err != nil {
		return 0, fmt.Errorf("corrupt output scalar: %w", err)
	}
	return maskValue(out.EncValue, sc), nil
}

func (b *MiMCBackend) BuildInputFromOutput(out Output) (Input, error) {
	sc, err := hex.DecodeString(out.Scalar)
	if err != nil {
		return Input{}, fmt.Errorf("invalid output scalar: %w", err)
	}
	addr, err := hex.DecodeString(out.Address)
	if err != nil {
		return Input{}, fmt.Errorf("invalid output address: %w", err)
	}
	serial := outputSerial(sc, addr)
	if b.ledger.isSpent(serial) {
		return Input{}, ErrDoubleSpend
	}
	return Input{
		Output: out,
		Serial: serial,
		Value:  maskValue(out.EncValue, sc),
	}, nil
}

// BuildTransfer assembles a transfer consuming in (and receiverIn when merging
// into an existing balance), paying amount to receiver and updatedBalance back
// to the sender as change.
func (b *MiMCBackend) BuildTransfer(in Input, amount uint64, receiver, signature string, updatedBalance uint64, receiverIn *Input) (Transfer, error) {
	if amount > in.Value {
		return Transfer{}, ErrInsufficientFunds
	}
	pubkey, err := b.GenerateKeypair(signature)
	if err != nil {
		return Transfer{}, err
	}

	// Change output: fresh scalar, fresh address. This is what the sender
	// rotates to.
	changeScalar := randomScalar()
	changeAccount, err := b.DeriveAccount(pubkey, updatedBalance, changeScalar)
	if err != nil {
		return Transfer{}, err
	}
	changeAddr, err := b.DeriveAddress(changeAccount)
	if err != nil {
		return Transfer{}, err
	}
	changeScalarBytes, _ := hex.DecodeString(changeScalar)

	serials := []string{in.Serial}
	consumed := []string{in.Output.Address}

	// Receiver output: lands at the receiver's address. Merging consumes the
	// receiver's existing output and re-issues the combined value.
	recvValue := amount
	if receiverIn != nil {
		recvValue += receiverIn.Value
		serials = append(serials, receiverIn.Serial)
		consumed = append(consumed, receiverIn.Output.Address)
	}
	recvScalar := randomScalar()
	recvScalarBytes, _ := hex.DecodeString(recvScalar)
	recvAddrBytes, err := hex.DecodeString(receiver)
	if err != nil {
		return Transfer{}, fmt.Errorf("invalid receiver address: %w", err)
	}
	recvAccount := hex.EncodeToString(commitment(recvValue, recvAddrBytes, recvScalarBytes))

	msg := txMessage{
		Type:     "transfer",
		Serials:  serials,
		Consumed: consumed,
		Outputs: []Output{
			{
				AccountHex: changeAccount,
				Address:    changeAddr,
				Scalar:     changeScalar,
				EncValue:   maskValue(updatedBalance, changeScalarBytes),
			},
			{
				AccountHex: recvAccount,
				Address:    receiver,
				Scalar:     recvScalar,
				EncValue:   maskValue(recvValue, recvScalarBytes),
			},
		},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return Transfer{}, fmt.Errorf("transfer encoding failed: %w", err)
	}
	return Transfer{TxHex: hex.EncodeToString(raw), ScalarHex: changeScalar}, nil
}

// BuildBurn assembles a bridging burn moving the input's full value to a
// public-chain destination.
func (b *MiMCBackend) BuildBurn(in Input, address string, amount uint64, scalar, signature string) (string, error) {
	if amount > in.Value {
		return "", ErrInsufficientFunds
	}
	msg := txMessage{
		Type:     "burn",
		Serials:  []string{in.Serial},
		Consumed: []string{in.Output.Address},
		BurnDest: address,
		BurnAmt:  amount,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("burn encoding failed: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
