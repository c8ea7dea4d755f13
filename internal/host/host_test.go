package host_test

import (
	"crypto/sha256"
	"encoding/asn1"
	"testing"

	"github.com/liquefaction-labs/liquefaction/internal/host"
)

func TestSignPrehashed_ProducesValidDER(t *testing.T) {
	h := host.Default()
	_, priv, err := h.GenSecp256k1Keypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	digest := sha256.Sum256([]byte("hello world"))
	sig, err := h.SignPrehashed(priv, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var parsed struct{ R, S []byte }
	if _, err := asn1.Unmarshal(sig, &parsed); err != nil {
		t.Fatalf("signature is not valid DER: %v", err)
	}
}

func TestX25519Shared_IsSymmetric(t *testing.T) {
	h := host.Default()

	aPub, aPriv, err := h.GenX25519Keypair()
	if err != nil {
		t.Fatalf("keygen a: %v", err)
	}
	bPub, bPriv, err := h.GenX25519Keypair()
	if err != nil {
		t.Fatalf("keygen b: %v", err)
	}

	sharedA, err := h.X25519Shared(bPub, aPriv)
	if err != nil {
		t.Fatalf("shared a: %v", err)
	}
	sharedB, err := h.X25519Shared(aPub, bPriv)
	if err != nil {
		t.Fatalf("shared b: %v", err)
	}

	if sharedA != sharedB {
		t.Fatal("shared secrets diverge between the two ends of key agreement")
	}
}

func TestToEthAddress_Deterministic(t *testing.T) {
	h := host.Default()
	pub, _, err := h.GenSecp256k1Keypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	a1 := h.ToEthAddress(pub)
	a2 := h.ToEthAddress(pub)
	if a1 != a2 {
		t.Fatal("address derivation is not deterministic for the same public key")
	}
}
