// Package host models the confidential-host primitives the kernel assumes
// are supplied by its enclosing TEE: secure randomness, secp256k1 keygen
// and prehashed signing, Curve25519 key agreement with authenticated
// encryption, Keccak-256, and Ethereum address derivation. The kernel
// never talks to these facilities directly except through the Host
// interface, so tests can substitute a deterministic fake.
package host

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/nacl/box"
)

// Host is the set of confidential-environment primitives the kernel
// consumes. A production kernel is wired to Default(); tests use Fake,
// which can return canned randomness from RandBytes.
type Host interface {
	// RandBytes returns n cryptographically secure random bytes. Both the
	// production host and Fake ignore the personalization string.
	RandBytes(n int, personalization string) ([]byte, error)

	// GenSecp256k1Keypair generates a fresh secp256k1 keypair.
	GenSecp256k1Keypair() (pub *ecdsa.PublicKey, priv []byte, err error)

	// SignPrehashed signs a 32-byte digest with the given secp256k1
	// private key and returns a DER-encoded signature.
	SignPrehashed(priv []byte, digest [32]byte) ([]byte, error)

	// GenX25519Keypair generates a fresh Curve25519 keypair.
	GenX25519Keypair() (pub, priv *[32]byte, err error)

	// X25519Shared derives the shared secret for the envelope AEAD from a
	// peer public key and our own private key.
	X25519Shared(peerPub, ourPriv *[32]byte) ([32]byte, error)

	// Keccak256 hashes the given byte slices, concatenated.
	Keccak256(data ...[]byte) [32]byte

	// ToEthAddress derives the 20-byte Ethereum address from a secp256k1
	// public key (lower 20 bytes of Keccak256 of the uncompressed key,
	// minus the leading 0x04 prefix byte).
	ToEthAddress(pub *ecdsa.PublicKey) [20]byte
}

// defaultHost is the production Host backed by go-ethereum's crypto
// package (secp256k1 + Keccak) and golang.org/x/crypto/nacl/box
// (Curve25519 key agreement, the X25519 half of the Curve25519 envelope).
type defaultHost struct{}

// Default returns the production Host implementation.
func Default() Host {
	return defaultHost{}
}

func (defaultHost) RandBytes(n int, _ string) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("host: rand_bytes: %w", err)
	}
	return buf, nil
}

func (defaultHost) GenSecp256k1Keypair() (*ecdsa.PublicKey, []byte, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("host: generate secp256k1 key: %w", err)
	}
	return &priv.PublicKey, crypto.FromECDSA(priv), nil
}

func (defaultHost) SignPrehashed(priv []byte, digest [32]byte) ([]byte, error) {
	ecdsaKey, err := crypto.ToECDSA(priv)
	if err != nil {
		return nil, fmt.Errorf("host: parse private key: %w", err)
	}
	// crypto.Sign returns the 65-byte [R || S || V] recoverable signature;
	// the registry hands back a DER encoding of (R, S) to callers instead
	// of the recoverable form.
	sig, err := crypto.Sign(digest[:], ecdsaKey)
	if err != nil {
		return nil, fmt.Errorf("host: sign: %w", err)
	}
	return toDER(sig[:64]), nil
}

func (defaultHost) GenX25519Keypair() (*[32]byte, *[32]byte, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("host: generate x25519 key: %w", err)
	}
	return pub, priv, nil
}

func (defaultHost) X25519Shared(peerPub, ourPriv *[32]byte) ([32]byte, error) {
	var shared [32]byte
	box.Precompute(&shared, peerPub, ourPriv)
	return shared, nil
}

func (defaultHost) Keccak256(data ...[]byte) [32]byte {
	var out [32]byte
	copy(out[:], crypto.Keccak256(data...))
	return out
}

func (defaultHost) ToEthAddress(pub *ecdsa.PublicKey) [20]byte {
	return crypto.PubkeyToAddress(*pub)
}

// toDER encodes a 64-byte (R || S) signature as a minimal DER ECDSA-Sig-Value.
func toDER(rs []byte) []byte {
	r := rs[:32]
	s := rs[32:]
	rEnc := derInt(r)
	sEnc := derInt(s)
	seq := append(append([]byte{}, rEnc...), sEnc...)
	return append([]byte{0x30, byte(len(seq))}, seq...)
}

// derInt encodes b as a DER INTEGER, stripping leading zero bytes and
// re-adding a single 0x00 pad byte if the high bit would otherwise flip
// the sign.
func derInt(b []byte) []byte {
	for len(b) > 1 && b[0] == 0x00 {
		b = b[1:]
	}
	if len(b) > 0 && b[0]&0x80 != 0 {
		b = append([]byte{0x00}, b...)
	}
	return append([]byte{0x02, byte(len(b))}, b...)
}
