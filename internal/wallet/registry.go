// Package wallet implements the encumbered-wallet registry: the kernel's
// sole custodian of secp256k1 private key material. It owns wallet
// creation, ownership transfer, encumbrance leases, the signing gate, and
// confidential key export, built around a memguard-sealed key the same
// way a TTL-gated signing session is: activate, sign, check status,
// destroy, with a sentinel-to-taxonomy error mapping at every boundary.
package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/liquefaction-labs/liquefaction/internal/asset"
	"github.com/liquefaction-labs/liquefaction/internal/cell"
	"github.com/liquefaction-labs/liquefaction/internal/envelope"
	"github.com/liquefaction-labs/liquefaction/internal/eventbus"
	"github.com/liquefaction-labs/liquefaction/internal/host"
	"github.com/liquefaction-labs/liquefaction/internal/policy"
)

// AttendedEntry is one entry in a principal's attended-wallet log: a
// wallet they newly manage, and the block at which that became true.
type AttendedEntry struct {
	AccountIndex  [32]byte
	CreationBlock uint64
}

// Lease is one encumbrance grant: encumbrance[walletAddress][asset].
type Lease struct {
	Policy *cell.Cell[string] // delayed-finalization: the leaseholder principal
	Expiry uint64             // plain field, no delayed-finalization needed
}

// walletRecord is the registry's internal record for one custodied key. The
// private key is held only inside a memguard Enclave, opened momentarily
// during signing or export.
type walletRecord struct {
	address common.Address
	pubKey  []byte // uncompressed secp256k1 public key bytes
	enclave *memguard.Enclave

	owner        *cell.Cell[string] // access manager principal
	accountIndex [32]byte           // owner-facing index under the CURRENT owner

	maxExpiry uint64 // per-wallet max expiry ever granted, gates export

	exportRequested    *cell.Cell[bool]
	exportCounterparty *[32]byte

	destroyed bool
}

// exportFinalized reports whether the wallet's export-requested cell has
// finalized to true as of block. A wallet that has never had export
// requested has a nil cell, which is simply "not exported" rather than a
// pending state.
func (rec *walletRecord) exportFinalized(block uint64) bool {
	if rec.exportRequested == nil {
		return false
	}
	return rec.exportRequested.IsFinalizedEqualTo(true, block, func(a, b bool) bool { return a == b })
}

// Registry is Component D.
type Registry struct {
	mu sync.Mutex

	h        host.Host
	policies *policy.Table
	bus      *eventbus.Bus

	wallets        map[common.Address]*walletRecord
	byManagerIndex map[string]common.Address // "<manager>|<accountIndexHex>" -> address
	attendedLog    map[string][]AttendedEntry

	encumbrance map[common.Address]map[asset.Tag]*Lease

	exportPub  *[32]byte
	exportPriv *[32]byte
}

// New creates an empty Registry with its own static Curve25519 export
// keypair (Component B's counterparty-facing identity).
func New(h host.Host, policies *policy.Table, bus *eventbus.Bus) (*Registry, error) {
	pub, priv, err := h.GenX25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("wallet: generate export keypair: %w", err)
	}
	return &Registry{
		h:              h,
		policies:       policies,
		bus:            bus,
		wallets:        make(map[common.Address]*walletRecord),
		byManagerIndex: make(map[string]common.Address),
		attendedLog:    make(map[string][]AttendedEntry),
		encumbrance:    make(map[common.Address]map[asset.Tag]*Lease),
		exportPub:      pub,
		exportPriv:     priv,
	}, nil
}

// ExportPublicKey returns the registry's static Curve25519 export public
// key, which counterparties encrypt their control-proof tag to.
func (r *Registry) ExportPublicKey() [32]byte {
	return *r.exportPub
}

func indexKey(manager string, accountIndex [32]byte) string {
	return manager + "|" + common.Bytes2Hex(accountIndex[:])
}

// CreateWallet generates a fresh secp256k1 keypair and installs ownership
// under (manager, accountIndex). Idempotent: returns created=false if a
// wallet already exists under that pair.
func (r *Registry) CreateWallet(manager string, accountIndex [32]byte, block uint64) (created bool, address common.Address, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := indexKey(manager, accountIndex)
	if existing, ok := r.byManagerIndex[key]; ok {
		return false, existing, nil
	}

	pub, priv, err := r.h.GenSecp256k1Keypair()
	if err != nil {
		return false, common.Address{}, fmt.Errorf("wallet: generate keypair: %w", err)
	}
	ethAddr := common.Address(r.h.ToEthAddress(pub))

	rec := &walletRecord{
		address:      ethAddr,
		pubKey:       crypto.FromECDSAPub(pub),
		enclave:      memguard.NewEnclave(priv),
		owner:        cell.New(manager, block),
		accountIndex: accountIndex,
	}

	r.wallets[ethAddr] = rec
	r.byManagerIndex[key] = ethAddr
	r.attendedLog[manager] = append(r.attendedLog[manager], AttendedEntry{AccountIndex: accountIndex, CreationBlock: block})
	r.encumbrance[ethAddr] = make(map[asset.Tag]*Lease)

	r.publish(eventbus.WalletCreated, manager, ethAddr.Hex(), block, nil)

	return true, ethAddr, nil
}

// lookupOwned resolves (manager, accountIndex) to a wallet record,
// failing WalletNotFound if absent.
func (r *Registry) lookupOwned(manager string, accountIndex [32]byte) (*walletRecord, error) {
	addr, ok := r.byManagerIndex[indexKey(manager, accountIndex)]
	if !ok {
		return nil, ErrWalletNotFound
	}
	rec, ok := r.wallets[addr]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return rec, nil
}

// requireFinalizedOwner checks that manager is the wallet's finalized
// owner as of block.
func requireFinalizedOwner(rec *walletRecord, manager string, block uint64) error {
	owner, err := rec.owner.Finalized(block)
	if err != nil {
		return ErrPending
	}
	if owner != manager {
		return ErrNotAuthorized
	}
	return nil
}

// GetPublicKey returns the wallet's uncompressed public key. Authenticated:
// caller must currently own the wallet and the ownership cell must be
// finalized.
func (r *Registry) GetPublicKey(manager string, accountIndex [32]byte, block uint64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.lookupOwned(manager, accountIndex)
	if err != nil {
		return nil, err
	}
	if err := requireFinalizedOwner(rec, manager, block); err != nil {
		return nil, err
	}
	out := make([]byte, len(rec.pubKey))
	copy(out, rec.pubKey)
	return out, nil
}

// GetAddress returns the wallet's externally visible address, with the
// same authentication requirement as GetPublicKey.
func (r *Registry) GetAddress(manager string, accountIndex [32]byte, block uint64) (common.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.lookupOwned(manager, accountIndex)
	if err != nil {
		return common.Address{}, err
	}
	if err := requireFinalizedOwner(rec, manager, block); err != nil {
		return common.Address{}, err
	}
	return rec.address, nil
}

// TransferOwnership atomically re-parents a wallet to newOwner under a
// freshly chosen random accountIndex, blocking the old owner's access
// this same block (the ownership cell advances to block, which is not
// yet finalized from block's own vantage point).
func (r *Registry) TransferOwnership(manager string, accountIndex [32]byte, newOwner string, block uint64) ([32]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.lookupOwned(manager, accountIndex)
	if err != nil {
		return [32]byte{}, err
	}
	if err := requireFinalizedOwner(rec, manager, block); err != nil {
		return [32]byte{}, err
	}
	if rec.destroyed {
		return [32]byte{}, ErrExported
	}
	if rec.exportFinalized(block) {
		return [32]byte{}, ErrExported
	}

	newIndex, err := r.freshAccountIndex(newOwner)
	if err != nil {
		return [32]byte{}, err
	}

	if err := rec.owner.UpdateTo(newOwner, block); err != nil {
		return [32]byte{}, err
	}

	delete(r.byManagerIndex, indexKey(manager, accountIndex))
	r.byManagerIndex[indexKey(newOwner, newIndex)] = rec.address
	rec.accountIndex = newIndex
	r.attendedLog[newOwner] = append(r.attendedLog[newOwner], AttendedEntry{AccountIndex: newIndex, CreationBlock: block})

	r.publish(eventbus.OwnershipTransferred, manager, rec.address.Hex(), block, map[string]string{"new_owner": newOwner})

	return newIndex, nil
}

// freshAccountIndex draws a random 256-bit index for newOwner, retrying
// on the astronomically unlikely collision rather than silently
// overwriting an existing mapping.
func (r *Registry) freshAccountIndex(newOwner string) ([32]byte, error) {
	const maxAttempts = 8
	for i := 0; i < maxAttempts; i++ {
		raw, err := r.h.RandBytes(32, "account-index")
		if err != nil {
			return [32]byte{}, fmt.Errorf("wallet: generate account index: %w", err)
		}
		var idx [32]byte
		copy(idx[:], raw)
		if _, collides := r.byManagerIndex[indexKey(newOwner, idx)]; !collides {
			return idx, nil
		}
	}
	return [32]byte{}, fmt.Errorf("wallet: could not find a free account index after %d attempts", maxAttempts)
}

// EnterEncumbrance grants signing authority over assets to policyPrincipal
// until expiry, then synchronously notifies the policy (Component H),
// rolling back the whole grant if the policy vetoes.
func (r *Registry) EnterEncumbrance(ctx context.Context, manager string, accountIndex [32]byte, assets []asset.Tag, policyPrincipal string, expiry uint64, data []byte, now, block uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.lookupOwned(manager, accountIndex)
	if err != nil {
		return err
	}
	if err := requireFinalizedOwner(rec, manager, block); err != nil {
		return err
	}
	if rec.destroyed || rec.exportFinalized(block) {
		return ErrExported
	}
	if expiry <= now {
		return ErrInvalidExpiry
	}
	if policyPrincipal == "" {
		return ErrInvalidPolicy
	}

	leases := r.encumbrance[rec.address]

	// Validate every asset before mutating any of them, so a single bad
	// asset doesn't partially encumber the wallet.
	for _, a := range assets {
		if existing, ok := leases[a]; ok {
			if existing.Expiry >= now {
				return ErrAlreadyEncumbered
			}
		}
	}

	// Snapshot for rollback if the policy vetoes.
	snapshot := make(map[asset.Tag]leaseSnapshotEntry, len(assets))
	for _, a := range assets {
		l, ok := leases[a]
		snapshot[a] = leaseSnapshotEntry{lease: l, existed: ok}
	}
	prevMaxExpiry := rec.maxExpiry

	for _, a := range assets {
		if existing, ok := leases[a]; ok {
			// Replace rather than mutate, so the snapshot keeps the old lease.
			if wroteAt, written := existing.Policy.WroteAt(); written && wroteAt == block {
				r.rollbackLeases(leases, snapshot)
				rec.maxExpiry = prevMaxExpiry
				return cell.ErrSameBlockWrite
			}
			leases[a] = &Lease{Policy: cell.New(policyPrincipal, block), Expiry: expiry}
		} else {
			leases[a] = &Lease{Policy: cell.New(policyPrincipal, block), Expiry: expiry}
		}
		if expiry > rec.maxExpiry {
			rec.maxExpiry = expiry
		}
	}

	if cb, ok := r.policies.Lookup(policyPrincipal); ok {
		notice := policy.EnrollmentNotice{Manager: manager, Account: rec.address.Hex(), Assets: tagsToBytes(assets), Expiration: expiry, Data: data}
		if err := cb.NotifyEnrollment(ctx, notice); err != nil {
			r.rollbackLeases(leases, snapshot)
			rec.maxExpiry = prevMaxExpiry
			return err
		}
	}

	r.publish(eventbus.LeaseGranted, policyPrincipal, rec.address.Hex(), block, map[string]string{"manager": manager})

	return nil
}

// leaseSnapshotEntry captures one (chain) lease's pre-mutation state so
// rollbackLeases can restore it verbatim if a policy vetoes enrollment.
type leaseSnapshotEntry struct {
	lease   *Lease
	existed bool
}

func (r *Registry) rollbackLeases(leases map[asset.Tag]*Lease, snapshot map[asset.Tag]leaseSnapshotEntry) {
	for a, s := range snapshot {
		if s.existed {
			leases[a] = s.lease
		} else {
			delete(leases, a)
		}
	}
}

func tagsToBytes(tags []asset.Tag) [][32]byte {
	out := make([][32]byte, len(tags))
	for i, t := range tags {
		out[i] = [32]byte(t)
	}
	return out
}

// leaseholderOf returns the finalized policy principal and unexpired
// status for (address, assetTag) as of (now, block).
func (r *Registry) leaseholderOf(address common.Address, tag asset.Tag, now, block uint64) (string, error) {
	leases, ok := r.encumbrance[address]
	if !ok {
		return "", ErrNotAuthorized
	}
	lease, ok := leases[tag]
	if !ok {
		return "", ErrNotAuthorized
	}
	principal, err := lease.Policy.Finalized(block)
	if err != nil {
		return "", ErrPending
	}
	if lease.Expiry <= now {
		return "", ErrExpired
	}
	return principal, nil
}

// SignMessage classifies payload into an asset, verifies the caller holds
// the unexpired, finalized lease on (address, asset), and signs
// Keccak(payload).
func (r *Registry) SignMessage(caller string, address common.Address, payload []byte, now, block uint64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.wallets[address]
	if !ok {
		return nil, ErrWalletNotFound
	}
	if rec.destroyed {
		return nil, ErrExported
	}

	tag := asset.ClassifyPayload(payload)
	if tag.IsZero() {
		return nil, ErrAssetUnknown
	}

	principal, err := r.leaseholderOf(address, tag, now, block)
	if err != nil {
		return nil, err
	}
	if principal != caller {
		return nil, ErrNotAuthorized
	}

	digest := r.h.Keccak256(payload)
	sig, err := r.signWithEnclave(rec, digest)
	if err != nil {
		return nil, err
	}

	r.publish(eventbus.SignatureIssued, caller, address.Hex(), block, map[string]string{"kind": "message"})
	return sig, nil
}

// eip712Prefix is the two-byte EIP-191 version-0x01 prefix.
var eip712Prefix = []byte{0x19, 0x01}

// SignTypedData signs the EIP-712 digest
// Keccak(0x1901 || domainSeparator || Keccak(typeHash || encodedData)).
// The asset is derived from domainName alone. domainSeparator and
// typeHash are supplied by the caller: constructing them from a domain
// struct is left to an out-of-scope "EIP-712 domain string builder"
// collaborator.
func (r *Registry) SignTypedData(caller string, address common.Address, domainName string, domainSeparator, typeHash [32]byte, encodedData []byte, now, block uint64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.wallets[address]
	if !ok {
		return nil, ErrWalletNotFound
	}
	if rec.destroyed {
		return nil, ErrExported
	}

	tag := asset.ClassifyTypedData(r.h, domainName)

	principal, err := r.leaseholderOf(address, tag, now, block)
	if err != nil {
		return nil, err
	}
	if principal != caller {
		return nil, ErrNotAuthorized
	}

	structHash := r.h.Keccak256(typeHash[:], encodedData)
	digest := r.h.Keccak256(eip712Prefix, domainSeparator[:], structHash[:])

	sig, err := r.signWithEnclave(rec, digest)
	if err != nil {
		return nil, err
	}

	r.publish(eventbus.SignatureIssued, caller, address.Hex(), block, map[string]string{"kind": "typed_data"})
	return sig, nil
}

func (r *Registry) signWithEnclave(rec *walletRecord, digest [32]byte) ([]byte, error) {
	buf, err := rec.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("wallet: open enclave: %w", err)
	}
	privCopy := make([]byte, len(buf.Bytes()))
	copy(privCopy, buf.Bytes())
	buf.Destroy()

	sig, err := r.h.SignPrehashed(privCopy, digest)
	for i := range privCopy {
		privCopy[i] = 0
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: sign: %w", err)
	}
	return sig, nil
}

// exportKeyTagArgs is the ABI tuple ("Key export", walletAddress) a
// counterparty must encrypt to the registry's export key to prove control
// of the matching secret.
var exportKeyTagArgs = abi.Arguments{
	{Type: mustType("string")},
	{Type: mustType("address")},
}

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// RequestKeyExport may only be called once the wallet's max-expiry-ever-
// granted is strictly in the past and no export has previously been
// requested. The counterparty proves control of its secret key by
// encrypting the expected ABI tuple to the registry's static export
// public key; the registry decrypts with its own secret key and checks
// byte-equality.
func (r *Registry) RequestKeyExport(manager string, accountIndex [32]byte, counterpartyPub [32]byte, proof *envelope.Envelope, now, block uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.lookupOwned(manager, accountIndex)
	if err != nil {
		return err
	}
	if err := requireFinalizedOwner(rec, manager, block); err != nil {
		return err
	}
	if rec.destroyed {
		return ErrExported
	}
	if rec.exportRequested != nil {
		return ErrExported
	}
	if rec.maxExpiry >= now {
		return ErrMaxExpiryNotElapsed
	}

	expected, err := exportKeyTagArgs.Pack("Key export", rec.address)
	if err != nil {
		return fmt.Errorf("wallet: pack export tag: %w", err)
	}

	buf, err := envelope.Open(proof, &counterpartyPub, r.exportPriv)
	if err != nil {
		return ErrWrongExportTag
	}
	defer buf.Destroy()

	if !bytesEqual(buf.Bytes(), expected) {
		return ErrWrongExportTag
	}

	rec.exportRequested = cell.New(true, block)
	cp := counterpartyPub
	rec.exportCounterparty = &cp

	r.publish(eventbus.KeyExportRequested, manager, rec.address.Hex(), block, nil)
	return nil
}

// ExportKey encrypts the wallet's private key to the counterparty
// recorded by RequestKeyExport, once that request has finalized.
func (r *Registry) ExportKey(manager string, accountIndex [32]byte, block uint64) (*envelope.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.lookupOwned(manager, accountIndex)
	if err != nil {
		return nil, err
	}
	if err := requireFinalizedOwner(rec, manager, block); err != nil {
		return nil, err
	}
	if rec.destroyed {
		return nil, ErrExported
	}
	if rec.exportRequested == nil {
		return nil, ErrExportNotRequested
	}
	finalized, err := rec.exportRequested.Finalized(block)
	if err != nil || !finalized {
		return nil, ErrPending
	}

	buf, err := rec.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("wallet: open enclave: %w", err)
	}
	plaintext := make([]byte, len(buf.Bytes()))
	copy(plaintext, buf.Bytes())
	buf.Destroy()

	env, err := envelope.Seal(r.h, plaintext, rec.exportCounterparty, r.exportPriv)
	for i := range plaintext {
		plaintext[i] = 0
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: seal exported key: %w", err)
	}

	r.publish(eventbus.KeyExported, manager, rec.address.Hex(), block, nil)
	return env, nil
}

// DestroyExportedKey overwrites the private-key slot with known bytes,
// moving the wallet to its terminal Destroyed state. Requires the
// finalized export flag.
func (r *Registry) DestroyExportedKey(manager string, accountIndex [32]byte, block uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.lookupOwned(manager, accountIndex)
	if err != nil {
		return err
	}
	if err := requireFinalizedOwner(rec, manager, block); err != nil {
		return err
	}
	if rec.exportRequested == nil {
		return ErrExportNotRequested
	}
	finalized, err := rec.exportRequested.Finalized(block)
	if err != nil || !finalized {
		return ErrPending
	}

	rec.enclave = memguard.NewEnclave(make([]byte, 32))
	rec.destroyed = true

	r.publish(eventbus.KeyDestroyed, manager, rec.address.Hex(), block, nil)
	return nil
}

// AttendedWallets returns the append-only log of wallets newly managed by
// principal (post ownership transfer, or creation).
func (r *Registry) AttendedWallets(principal string) []AttendedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AttendedEntry, len(r.attendedLog[principal]))
	copy(out, r.attendedLog[principal])
	return out
}

// PublicKeyOf returns the uncompressed public key for a wallet address,
// with no ownership check: used by Component G to verify the signature on
// an externally supplied, already-signed transaction, where the caller
// supplies the claimed signer rather than authenticating as its owner.
func (r *Registry) PublicKeyOf(address common.Address) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.wallets[address]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(rec.pubKey))
	copy(out, rec.pubKey)
	return out, true
}

// LeaseholderOf exposes leaseholderOf for Component G's use when it needs
// to check who currently holds an asset it does not itself classify
// payloads for (e.g. verifying its own Ethereum-transaction lease).
func (r *Registry) LeaseholderOf(address common.Address, tag asset.Tag, now, block uint64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaseholderOf(address, tag, now, block)
}

func (r *Registry) publish(kind eventbus.Kind, principal, subject string, block uint64, attrs map[string]string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Kind: kind, Principal: principal, Subject: subject, Block: block, Attrs: attrs})
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
