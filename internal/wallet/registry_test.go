package wallet_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/liquefaction-labs/liquefaction/internal/asset"
	"github.com/liquefaction-labs/liquefaction/internal/envelope"
	"github.com/liquefaction-labs/liquefaction/internal/eventbus"
	"github.com/liquefaction-labs/liquefaction/internal/host"
	"github.com/liquefaction-labs/liquefaction/internal/policy"
	"github.com/liquefaction-labs/liquefaction/internal/wallet"
)

func newRegistry(t *testing.T) (*wallet.Registry, *policy.Table, *eventbus.Bus) {
	t.Helper()
	policies := policy.NewTable()
	bus := eventbus.New()
	r, err := wallet.New(host.NewFake(), policies, bus)
	if err != nil {
		t.Fatalf("wallet.New: %v", err)
	}
	return r, policies, bus
}

var idxA = [32]byte{0x01}
var idxB = [32]byte{0x02}

func TestCreateWallet_IdempotentUnderSameIndex(t *testing.T) {
	r, _, _ := newRegistry(t)

	created1, addr1, err := r.CreateWallet("alice", idxA, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created1 {
		t.Fatal("expected first call to create")
	}

	created2, addr2, err := r.CreateWallet("alice", idxA, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created2 {
		t.Fatal("expected second call to be a no-op")
	}
	if addr1 != addr2 {
		t.Fatalf("expected idempotent address, got %s and %s", addr1.Hex(), addr2.Hex())
	}
}

func TestGetPublicKey_PendingInCreationBlock(t *testing.T) {
	r, _, _ := newRegistry(t)
	_, _, err := r.CreateWallet("alice", idxA, 10)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := r.GetPublicKey("alice", idxA, 10); !errors.Is(err, wallet.ErrPending) {
		t.Fatalf("expected ErrPending reading from creation block, got %v", err)
	}
	if _, err := r.GetPublicKey("alice", idxA, 11); err != nil {
		t.Fatalf("expected success from a later block, got %v", err)
	}
}

func TestGetAddress_WrongManagerNotFound(t *testing.T) {
	r, _, _ := newRegistry(t)
	_, _, err := r.CreateWallet("alice", idxA, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := r.GetAddress("mallory", idxA, 5); !errors.Is(err, wallet.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound under a foreign index, got %v", err)
	}
}

func TestTransferOwnership_OldOwnerLosesAccessImmediately(t *testing.T) {
	r, _, _ := newRegistry(t)
	_, addr, err := r.CreateWallet("alice", idxA, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	newIndex, err := r.TransferOwnership("alice", idxA, "bob", 5)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if _, err := r.GetAddress("alice", idxA, 6); !errors.Is(err, wallet.ErrWalletNotFound) {
		t.Fatalf("expected old (manager, index) pair to be gone, got %v", err)
	}

	if _, err := r.GetAddress("bob", newIndex, 5); !errors.Is(err, wallet.ErrPending) {
		t.Fatalf("expected new owner's view to be pending in the transfer block, got %v", err)
	}
	got, err := r.GetAddress("bob", newIndex, 6)
	if err != nil {
		t.Fatalf("expected new owner to resolve the wallet from a later block: %v", err)
	}
	if got != addr {
		t.Fatalf("expected same underlying wallet address, got %s want %s", got.Hex(), addr.Hex())
	}
}

func TestEnterEncumbrance_GrantsLeaseAndGatesSigning(t *testing.T) {
	r, _, _ := newRegistry(t)
	_, addr, err := r.CreateWallet("alice", idxA, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	assets := []asset.Tag{asset.EthSignedMessagePrefix}
	if err := r.EnterEncumbrance(context.Background(), "alice", idxA, assets, "policy-1", 100, nil, 5, 5); err != nil {
		t.Fatalf("enter encumbrance: %v", err)
	}

	payload := []byte{0x19, 0x45, 0xaa, 0xbb}

	if _, err := r.SignMessage("policy-1", addr, payload, 6, 5); !errors.Is(err, wallet.ErrPending) {
		t.Fatalf("expected ErrPending signing from the same block as the grant, got %v", err)
	}

	sig, err := r.SignMessage("policy-1", addr, payload, 6, 6)
	if err != nil {
		t.Fatalf("expected sign to succeed once the lease is finalized: %v", err)
	}
	if len(sig) == 0 {
		t.Fatal("expected a non-empty DER signature")
	}

	if _, err := r.SignMessage("mallory", addr, payload, 6, 6); !errors.Is(err, wallet.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for a non-leaseholder caller, got %v", err)
	}

	if _, err := r.SignMessage("policy-1", addr, payload, 101, 6); !errors.Is(err, wallet.ErrExpired) {
		t.Fatalf("expected ErrExpired once the lease's now has passed expiry, got %v", err)
	}
}

func TestEnterEncumbrance_AlreadyEncumberedRejected(t *testing.T) {
	r, _, _ := newRegistry(t)
	_, _, err := r.CreateWallet("alice", idxA, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	assets := []asset.Tag{asset.EthSignedMessagePrefix}
	if err := r.EnterEncumbrance(context.Background(), "alice", idxA, assets, "policy-1", 100, nil, 5, 5); err != nil {
		t.Fatalf("first grant: %v", err)
	}
	if err := r.EnterEncumbrance(context.Background(), "alice", idxA, assets, "policy-2", 200, nil, 6, 6); !errors.Is(err, wallet.ErrAlreadyEncumbered) {
		t.Fatalf("expected ErrAlreadyEncumbered while the existing lease hasn't expired, got %v", err)
	}
}

func TestEnterEncumbrance_PolicyVetoRollsBackGrant(t *testing.T) {
	r, policies, _ := newRegistry(t)
	_, _, err := r.CreateWallet("alice", idxA, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	errVeto := errors.New("insufficient collateral")
	policies.Register("policy-1", policy.Func(func(_ context.Context, _ policy.EnrollmentNotice) error {
		return errVeto
	}))

	assets := []asset.Tag{asset.EthSignedMessagePrefix}
	err = r.EnterEncumbrance(context.Background(), "alice", idxA, assets, "policy-1", 100, nil, 5, 5)
	if !errors.Is(err, errVeto) {
		t.Fatalf("expected veto error to propagate, got %v", err)
	}

	// A later grant over the same asset must succeed, proving the vetoed
	// lease was rolled back rather than left dangling.
	policies.Register("policy-1", policy.Func(func(_ context.Context, _ policy.EnrollmentNotice) error {
		return nil
	}))
	if err := r.EnterEncumbrance(context.Background(), "alice", idxA, assets, "policy-1", 100, nil, 6, 6); err != nil {
		t.Fatalf("expected grant to succeed after rollback, got %v", err)
	}
}

func TestSignMessage_UnclassifiablePayloadRejected(t *testing.T) {
	r, _, _ := newRegistry(t)
	_, addr, err := r.CreateWallet("alice", idxA, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := r.SignMessage("alice", addr, []byte{0xff, 0xff}, 5, 5); !errors.Is(err, wallet.ErrAssetUnknown) {
		t.Fatalf("expected ErrAssetUnknown, got %v", err)
	}
}

func TestSignTypedData_DomainGatesLeaseIndependentlyOfMessageLease(t *testing.T) {
	r, _, _ := newRegistry(t)
	_, addr, err := r.CreateWallet("alice", idxA, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	h := host.NewFake()
	tag := asset.ClassifyTypedData(h, "MyDApp")

	if err := r.EnterEncumbrance(context.Background(), "alice", idxA, []asset.Tag{tag}, "policy-1", 100, nil, 5, 5); err != nil {
		t.Fatalf("enter encumbrance: %v", err)
	}

	var domainSeparator, typeHash [32]byte
	domainSeparator[0] = 0xaa
	typeHash[0] = 0xbb

	if _, err := r.SignTypedData("policy-1", addr, "OtherDApp", domainSeparator, typeHash, nil, 6, 6); !errors.Is(err, wallet.ErrNotAuthorized) {
		t.Fatalf("expected a lease on a different domain name to not authorize signing, got %v", err)
	}

	sig, err := r.SignTypedData("policy-1", addr, "MyDApp", domainSeparator, typeHash, nil, 6, 6)
	if err != nil {
		t.Fatalf("expected typed-data signing to succeed under the matching domain's lease: %v", err)
	}
	if len(sig) == 0 {
		t.Fatal("expected a non-empty signature")
	}
}

func TestKeyExport_FullLifecycle(t *testing.T) {
	r, _, _ := newRegistry(t)
	h := host.NewFake()

	_, addr, err := r.CreateWallet("alice", idxA, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	counterpartyPub, counterpartyPriv, err := h.GenX25519Keypair()
	if err != nil {
		t.Fatalf("gen x25519: %v", err)
	}

	stringType, _ := abi.NewType("string", "", nil)
	addressType, _ := abi.NewType("address", "", nil)
	args := abi.Arguments{{Type: stringType}, {Type: addressType}}
	tagBytes, err := args.Pack("Key export", addr)
	if err != nil {
		t.Fatalf("pack tag: %v", err)
	}

	exportPub := r.ExportPublicKey()
	proof, err := envelope.Seal(h, tagBytes, &exportPub, counterpartyPriv)
	if err != nil {
		t.Fatalf("seal proof: %v", err)
	}

	if err := r.RequestKeyExport("alice", idxA, *counterpartyPub, proof, 1, 5); err != nil {
		t.Fatalf("request key export: %v", err)
	}

	if _, err := r.ExportKey("alice", idxA, 5); !errors.Is(err, wallet.ErrPending) {
		t.Fatalf("expected ErrPending in the request block, got %v", err)
	}

	env, err := r.ExportKey("alice", idxA, 6)
	if err != nil {
		t.Fatalf("export key: %v", err)
	}
	exported, err := envelope.Open(env, &exportPub, counterpartyPriv)
	if err != nil {
		t.Fatalf("counterparty failed to open exported key: %v", err)
	}
	if len(exported.Bytes()) == 0 {
		t.Fatal("expected non-empty exported private key material")
	}
	exported.Destroy()

	if err := r.DestroyExportedKey("alice", idxA, 7); err != nil {
		t.Fatalf("destroy exported key: %v", err)
	}

	if _, err := r.SignMessage("alice", addr, []byte{0x19, 0x45}, 8, 8); !errors.Is(err, wallet.ErrExported) {
		t.Fatalf("expected signing to be refused after destruction, got %v", err)
	}
}

func TestRequestKeyExport_WrongTagRejected(t *testing.T) {
	r, _, _ := newRegistry(t)
	h := host.NewFake()

	_, _, err := r.CreateWallet("alice", idxA, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	counterpartyPub, counterpartyPriv, err := h.GenX25519Keypair()
	if err != nil {
		t.Fatalf("gen x25519: %v", err)
	}

	exportPub := r.ExportPublicKey()
	badProof, err := envelope.Seal(h, []byte("not the expected tuple"), &exportPub, counterpartyPriv)
	if err != nil {
		t.Fatalf("seal bad proof: %v", err)
	}

	if err := r.RequestKeyExport("alice", idxA, *counterpartyPub, badProof, 1, 5); !errors.Is(err, wallet.ErrWrongExportTag) {
		t.Fatalf("expected ErrWrongExportTag, got %v", err)
	}
}
