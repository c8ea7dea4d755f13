package host

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/nacl/box"
)

// Fake is a deterministic-enough Host for use in package tests across the
// kernel: it delegates to the same real primitives as Default (there is no
// faithful way to fake secp256k1 math) but lets tests fix a seed reader so
// RandBytes output is reproducible across a test run. Key generation always
// draws from crypto/rand, so generated keys are not reproducible.
type Fake struct {
	Rand func(n int) ([]byte, error)
}

// NewFake returns a Fake host backed by crypto/rand, suitable for unit
// tests that don't need reproducible randomness, only a working Host.
func NewFake() *Fake {
	return &Fake{Rand: func(n int) ([]byte, error) {
		buf := make([]byte, n)
		_, err := rand.Read(buf)
		return buf, err
	}}
}

func (f *Fake) RandBytes(n int, _ string) ([]byte, error) {
	return f.Rand(n)
}

func (f *Fake) GenSecp256k1Keypair() (*ecdsa.PublicKey, []byte, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("fake host: generate secp256k1 key: %w", err)
	}
	return &priv.PublicKey, crypto.FromECDSA(priv), nil
}

func (f *Fake) SignPrehashed(priv []byte, digest [32]byte) ([]byte, error) {
	return Default().SignPrehashed(priv, digest)
}

func (f *Fake) GenX25519Keypair() (*[32]byte, *[32]byte, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func (f *Fake) X25519Shared(peerPub, ourPriv *[32]byte) ([32]byte, error) {
	return Default().X25519Shared(peerPub, ourPriv)
}

func (f *Fake) Keccak256(data ...[]byte) [32]byte {
	return Default().Keccak256(data...)
}

func (f *Fake) ToEthAddress(pub *ecdsa.PublicKey) [20]byte {
	return Default().ToEthAddress(pub)
}

var _ Host = (*Fake)(nil)
