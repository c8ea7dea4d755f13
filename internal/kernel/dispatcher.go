// Package kernel is the top-level dispatcher wiring the wallet registry,
// every registered Ethereum-transaction policy, the audit event bus, and
// confidential storage into the single entry point every external call
// goes through. The Dispatcher owns both components as values, threads
// the caller principal and wall-clock/block numbers as explicit
// parameters rather than thread-locals, and reduces every operation's
// outcome to the *OpError taxonomy rather than letting package-specific
// sentinels leak past this boundary.
//
// Built around a single long-lived object gating all access to the
// enclave-held key material, generalized from one signing session to the
// full wallet registry plus its registered policies.
package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/liquefaction-labs/liquefaction/internal/asset"
	"github.com/liquefaction-labs/liquefaction/internal/envelope"
	"github.com/liquefaction-labs/liquefaction/internal/ethtx"
	"github.com/liquefaction-labs/liquefaction/internal/eventbus"
	"github.com/liquefaction-labs/liquefaction/internal/host"
	"github.com/liquefaction-labs/liquefaction/internal/oracle"
	"github.com/liquefaction-labs/liquefaction/internal/policy"
	"github.com/liquefaction-labs/liquefaction/internal/store"
	"github.com/liquefaction-labs/liquefaction/internal/wallet"
)

// Dispatcher is the kernel's single external entry point. dispatchMu
// serializes the wallet-registry calls against each other. The
// Ethereum-transaction (Component G) pass-throughs hold dispatchMu only
// while looking up the registered policy; the call itself runs under
// ethtx.Policy's own lock, so it can interleave with other dispatches.
type Dispatcher struct {
	dispatchMu sync.Mutex

	registry *wallet.Registry
	policies *policy.Table
	bus      *eventbus.Bus
	store    store.Store
	host     host.Host

	ethtxPolicies map[string]*ethtx.Policy
}

// Deps bundles the collaborators a Dispatcher is built from.
type Deps struct {
	Host     host.Host
	Store    store.Store
	Bus      *eventbus.Bus
	Policies *policy.Table
}

// New wires a fresh Dispatcher: a wallet registry over h/policies/bus, with
// no Ethereum-transaction policies registered yet (see RegisterEthTxPolicy).
func New(deps Deps) (*Dispatcher, error) {
	registry, err := wallet.New(deps.Host, deps.Policies, deps.Bus)
	if err != nil {
		return nil, fmt.Errorf("kernel: create wallet registry: %w", err)
	}
	return &Dispatcher{
		registry:      registry,
		policies:      deps.Policies,
		bus:           deps.Bus,
		store:         deps.Store,
		host:          deps.Host,
		ethtxPolicies: make(map[string]*ethtx.Policy),
	}, nil
}

// RegisterEthTxPolicy creates Component G under principal, registers it
// into D's policy table so enter_encumbrance can enroll it, and remembers
// it under the Dispatcher so later ethtx-specific calls can be routed by
// principal without the caller holding onto the *ethtx.Policy directly.
func (d *Dispatcher) RegisterEthTxPolicy(principal string, oracleC oracle.BlockHashOracle, verifier oracle.ProofVerifier) *ethtx.Policy {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	p := ethtx.New(principal, d.registry, oracleC, verifier, d.host, d.bus)
	d.policies.Register(principal, p)
	d.ethtxPolicies[principal] = p
	return p
}

// EthTxPolicy returns the Ethereum-transaction policy registered under
// principal, if any.
func (d *Dispatcher) EthTxPolicy(principal string) (*ethtx.Policy, bool) {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	p, ok := d.ethtxPolicies[principal]
	return p, ok
}

// Registry exposes the underlying wallet registry for callers (notably
// ethtx sub-policies) that need direct D-level access beyond what the
// Dispatcher's own pass-throughs cover, e.g. PublicKeyOf/LeaseholderOf.
func (d *Dispatcher) Registry() *wallet.Registry {
	return d.registry
}

// --- Component D pass-throughs -------------------------------------------------

func (d *Dispatcher) CreateWallet(manager string, accountIndex [32]byte, block uint64) (bool, common.Address, error) {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	created, addr, err := d.registry.CreateWallet(manager, accountIndex, block)
	return created, addr, classifyErr(err)
}

func (d *Dispatcher) GetPublicKey(manager string, accountIndex [32]byte, block uint64) ([]byte, error) {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	pub, err := d.registry.GetPublicKey(manager, accountIndex, block)
	return pub, classifyErr(err)
}

func (d *Dispatcher) GetAddress(manager string, accountIndex [32]byte, block uint64) (common.Address, error) {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	addr, err := d.registry.GetAddress(manager, accountIndex, block)
	return addr, classifyErr(err)
}

func (d *Dispatcher) TransferOwnership(manager string, accountIndex [32]byte, newOwner string, block uint64) ([32]byte, error) {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	idx, err := d.registry.TransferOwnership(manager, accountIndex, newOwner, block)
	return idx, classifyErr(err)
}

func (d *Dispatcher) EnterEncumbrance(ctx context.Context, manager string, accountIndex [32]byte, assets []asset.Tag, policyPrincipal string, expiry uint64, data []byte, now, block uint64) error {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	return classifyErr(d.registry.EnterEncumbrance(ctx, manager, accountIndex, assets, policyPrincipal, expiry, data, now, block))
}

func (d *Dispatcher) SignMessage(caller string, address common.Address, payload []byte, now, block uint64) ([]byte, error) {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	sig, err := d.registry.SignMessage(caller, address, payload, now, block)
	return sig, classifyErr(err)
}

func (d *Dispatcher) SignTypedData(caller string, address common.Address, domainName string, domainSeparator, typeHash [32]byte, encodedData []byte, now, block uint64) ([]byte, error) {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	sig, err := d.registry.SignTypedData(caller, address, domainName, domainSeparator, typeHash, encodedData, now, block)
	return sig, classifyErr(err)
}

func (d *Dispatcher) RequestKeyExport(manager string, accountIndex [32]byte, counterpartyPub [32]byte, proof *envelope.Envelope, now, block uint64) error {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	return classifyErr(d.registry.RequestKeyExport(manager, accountIndex, counterpartyPub, proof, now, block))
}

func (d *Dispatcher) ExportKey(manager string, accountIndex [32]byte, block uint64) (*envelope.Envelope, error) {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	env, err := d.registry.ExportKey(manager, accountIndex, block)
	return env, classifyErr(err)
}

func (d *Dispatcher) DestroyExportedKey(manager string, accountIndex [32]byte, block uint64) error {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	return classifyErr(d.registry.DestroyExportedKey(manager, accountIndex, block))
}

func (d *Dispatcher) AttendedWallets(principal string) []wallet.AttendedEntry {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	return d.registry.AttendedWallets(principal)
}

// --- Component G pass-throughs -------------------------------------------------
// Each takes the registered principal explicitly so the Dispatcher can
// support more than one Ethereum-transaction policy instance (e.g. one per
// chain family) without any global default.

func (d *Dispatcher) EnterSubLease(ctx context.Context, ethtxPrincipal, manager string, account common.Address, destinations []struct {
	ChainID uint64
	To      common.Address
}, subPolicy string, expiry uint64, params ethtx.SubLeaseParams, now, block uint64) error {
	p, err := d.requireEthTxPolicy(ethtxPrincipal)
	if err != nil {
		return err
	}
	return classifyErr(p.EnterSubLease(ctx, manager, account, destinations, subPolicy, expiry, params, now, block))
}

func (d *Dispatcher) CommitToDeposit(ethtxPrincipal, caller string, signedTxHash [32]byte, now uint64) error {
	p, err := d.requireEthTxPolicy(ethtxPrincipal)
	if err != nil {
		return err
	}
	return classifyErr(p.CommitToDeposit(caller, signedTxHash, now))
}

func (d *Dispatcher) DepositFunds(ctx context.Context, ethtxPrincipal, caller string, signedTx ethtx.SignedTx, proof oracle.TxInclusionProof) error {
	p, err := d.requireEthTxPolicy(ethtxPrincipal)
	if err != nil {
		return err
	}
	return classifyErr(p.DepositFunds(ctx, caller, signedTx, proof))
}

func (d *Dispatcher) DepositLocalFunds(ethtxPrincipal, subPolicy string, account common.Address, chainID uint64, amount *uint256.Int, block uint64) error {
	p, err := d.requireEthTxPolicy(ethtxPrincipal)
	if err != nil {
		return err
	}
	p.DepositLocalFunds(subPolicy, account, chainID, amount, block)
	return nil
}

func (d *Dispatcher) FinalizeLocalFunds(ethtxPrincipal, subPolicy string, account common.Address, chainID, currentBlock uint64) error {
	p, err := d.requireEthTxPolicy(ethtxPrincipal)
	if err != nil {
		return err
	}
	return classifyErr(p.FinalizeLocalFunds(subPolicy, account, chainID, currentBlock))
}

func (d *Dispatcher) CommitToTransaction(ethtxPrincipal, caller string, account common.Address, tx *ethtx.Tx, block uint64) error {
	p, err := d.requireEthTxPolicy(ethtxPrincipal)
	if err != nil {
		return err
	}
	return classifyErr(p.CommitToTransaction(caller, account, tx, block))
}

func (d *Dispatcher) SignTransaction(ethtxPrincipal, caller string, account common.Address, tx ethtx.Tx, now, block uint64) ([]byte, error) {
	p, err := d.requireEthTxPolicy(ethtxPrincipal)
	if err != nil {
		return nil, err
	}
	sig, serr := p.SignTransaction(caller, account, tx, now, block)
	return sig, classifyErr(serr)
}

func (d *Dispatcher) ProveTransactionInclusion(ctx context.Context, ethtxPrincipal string, signedTx ethtx.SignedTx, proof oracle.TxInclusionProof, blockNumber uint64, caller string) (*uint256.Int, error) {
	p, err := d.requireEthTxPolicy(ethtxPrincipal)
	if err != nil {
		return nil, err
	}
	paid, perr := p.ProveTransactionInclusion(ctx, signedTx, proof, blockNumber, caller)
	return paid, classifyErr(perr)
}

func (d *Dispatcher) ReleaseCommitmentRequirement(ethtxPrincipal, manager string, account common.Address, chainID uint64, to common.Address) error {
	p, err := d.requireEthTxPolicy(ethtxPrincipal)
	if err != nil {
		return err
	}
	return classifyErr(p.ReleaseCommitmentRequirement(manager, account, chainID, to))
}

func (d *Dispatcher) requireEthTxPolicy(principal string) (*ethtx.Policy, error) {
	d.dispatchMu.Lock()
	p, ok := d.ethtxPolicies[principal]
	d.dispatchMu.Unlock()
	if !ok {
		return nil, &OpError{Kind: KindWalletNotFound, Err: fmt.Errorf("kernel: no ethtx policy registered under principal %q", principal)}
	}
	return p, nil
}
