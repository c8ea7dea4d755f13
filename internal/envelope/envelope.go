// Package envelope implements an ECIES-style authenticated key-transport
// envelope used for key export. Every ciphertext is sealed with nacl/box
// under the shared key of an X25519 agreement between the caller-supplied
// sender and recipient keys (the same key for the same pair) and carries
// a fresh random 24-byte nonce, so no nonce is reused under one shared key.
package envelope

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/nacl/box"

	"github.com/liquefaction-labs/liquefaction/internal/host"
)

// ErrDecryptFailed is returned when a ciphertext cannot be opened under
// the given keypair: either it was tampered with, or it was not actually
// addressed to the recipient.
var ErrDecryptFailed = errors.New("envelope: decryption failed")

// Envelope is a sealed X25519 box: a nonce and the AEAD ciphertext.
//
// The nonce is 24 bytes, nacl/box's fixed width, not the 32 bytes a
// hand-rolled export scheme might otherwise pick — deliberately deferring
// to the library's own construction rather than to a round number.
type Envelope struct {
	Nonce      [24]byte
	Ciphertext []byte
}

// Seal encrypts plaintext to recipientPub using senderPriv for key
// agreement. The plaintext is held in a memguard LockedBuffer for the
// duration of the call and destroyed before Seal returns.
func Seal(h host.Host, plaintext []byte, recipientPub, senderPriv *[32]byte) (*Envelope, error) {
	buf := memguard.NewBufferFromBytes(append([]byte(nil), plaintext...))
	defer buf.Destroy()

	nonceBytes, err := h.RandBytes(24, "envelope-nonce")
	if err != nil {
		return nil, fmt.Errorf("envelope: generate nonce: %w", err)
	}
	var nonce [24]byte
	copy(nonce[:], nonceBytes)

	ct := box.Seal(nil, buf.Bytes(), &nonce, recipientPub, senderPriv)
	return &Envelope{Nonce: nonce, Ciphertext: ct}, nil
}

// Open decrypts env using recipientPriv and the sender's public key,
// returning the plaintext sealed in a memguard LockedBuffer that the
// caller must Destroy once done with it.
func Open(env *Envelope, senderPub, recipientPriv *[32]byte) (*memguard.LockedBuffer, error) {
	plain, ok := box.Open(nil, env.Ciphertext, &env.Nonce, senderPub, recipientPriv)
	if !ok {
		return nil, ErrDecryptFailed
	}
	buf := memguard.NewBufferFromBytes(plain)
	for i := range plain {
		plain[i] = 0
	}
	return buf, nil
}
