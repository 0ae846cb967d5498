// crypto.go - Cryptographic primitives for the shielded account backend.
//
// Implements MiMC-based commitments, serial-number PRFs, scalar generation,
// and BLS12-377 keypairs. A shielded account is a single-owner value
// commitment; spending it reveals its serial number and creates a fresh
// commitment for the change, which is what makes address rotation mandatory.

package shield

import (
	"encoding/hex"
	"fmt"
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"
)

// mimcHash computes the MiMC hash of the concatenated inputs.
func mimcHash(data ...[]byte) []byte {
	h := mimcNative.NewMiMC()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// commitment computes cm = Com(value || owner, scalar) over MiMC.
// The hex encoding of this commitment is the account_hex the backend hands out.
func commitment(value uint64, owner, scalar []byte) []byte {
	return mimcHash(new(big.Int).SetUint64(value).Bytes(), owner, scalar)
}

// serialNumber computes the PRF sn = H(sk || rho) that marks an output spent.
// Publishing sn is irreversible; the same output can never be consumed twice.
func serialNumber(sk, rho []byte) []byte {
	return mimcHash(sk, rho)
}

// randomScalar generates a random BLS12-377 scalar, hex-encoded.
func randomScalar() string {
	var s bls12377_fr.Element
	s.SetRandom()
	b := s.Bytes()
	return hex.EncodeToString(b[:])
}

// keypair derives a deterministic BLS12-377 keypair from a wallet signature.
// The secret scalar is H(signature) reduced into the field, so the same
// signature always yields the same spending key.
type keypair struct {
	pk *bls12377.G1Affine
}

func deriveKeypair(signature string) (*keypair, error) {
	if signature == "" {
		return nil, fmt.Errorf("empty signature")
	}
	skBig := new(big.Int).SetBytes(mimcHash([]byte(signature)))
	skBig.Mod(skBig, bls12377_fr.Modulus())

	g1Jac, _, _, _ := bls12377.Generators()
	var pk bls12377.G1Affine
	pk.FromJacobian(&g1Jac)
	pk.ScalarMultiplication(&pk, skBig)
	return &keypair{pk: &pk}, nil
}

// pubkeyBytes returns the compressed public key bytes.
func (kp *keypair) pubkeyBytes() []byte {
	b := kp.pk.Bytes()
	return b[:]
}

// maskValue encrypts or decrypts a value under a MiMC mask derived from the
// output's blinding scalar. XOR, so the operation is its own inverse; whoever
// holds the scalar can read the value.
func maskValue(value uint64, scalar []byte) uint64 {
	mask := mimcHash(scalar, []byte("value-mask"))
	var m uint64
	for i := 0; i < 8; i++ {
		m = m<<8 | uint64(mask[i])
	}
	return value ^ m
}

// outputSerial computes the serial number consuming an output publishes.
func outputSerial(scalar, address []byte) string {
	return hex.EncodeToString(serialNumber(scalar, address))
}
