package ethtx

import (
	"context"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/liquefaction-labs/liquefaction/internal/asset"
	"github.com/liquefaction-labs/liquefaction/internal/eventbus"
	"github.com/liquefaction-labs/liquefaction/internal/host"
	"github.com/liquefaction-labs/liquefaction/internal/oracle"
	"github.com/liquefaction-labs/liquefaction/internal/policy"
	"github.com/liquefaction-labs/liquefaction/internal/wallet"
)

// Policy is Component G: a policy registered with the wallet registry for
// asset 0x02 (and applicable EIP-712 domains) that sub-leases signing
// rights to downstream sub-policies and meters their ETH collateral.
type Policy struct {
	mu sync.Mutex

	principal string // our own principal, as registered in D's policy table
	registry  *wallet.Registry
	oracleC   oracle.BlockHashOracle
	verifier  oracle.ProofVerifier
	h         host.Host
	bus       *eventbus.Bus
	subs      *policy.Table // sub-policy notification hooks, one level below us

	txManager map[common.Address]string // account -> access manager that installed us
	ourExpiry map[common.Address]uint64 // account -> expiry of our own D-level lease

	subLeases     map[destKey]*subLease
	lastUnlimited map[destKey]string

	depositTx      map[[32]byte]depositRecord
	depositSeen    map[[32]byte]bool
	depositControl map[string]bool
	ethBalance     map[string]map[common.Address]map[uint64]*uint256.Int // [subPolicy][to][chainID]

	localPending   map[string]map[common.Address]map[uint64]*pendingLocal     // [subPolicy][account][chainID]
	localFinalized map[string]map[common.Address]map[uint64]*uint256.Int     // [subPolicy][account][chainID]

	txCount       map[common.Address]map[uint64]uint64                        // [account][chainID]
	txCommitments map[common.Address]map[uint64]map[uint64]txCommitment       // [account][chainID][nonce]

	signedIncluded map[common.Address]map[string][][32]byte // [signer][subPolicy]
}

// New creates Component G. principal is the identity this policy will use
// when it calls back into the wallet registry's sign_message.
func New(principal string, registry *wallet.Registry, oracleC oracle.BlockHashOracle, verifier oracle.ProofVerifier, h host.Host, bus *eventbus.Bus) *Policy {
	return &Policy{
		principal:      principal,
		registry:       registry,
		oracleC:        oracleC,
		verifier:       verifier,
		h:              h,
		bus:            bus,
		subs:           policy.NewTable(),
		txManager:      make(map[common.Address]string),
		ourExpiry:      make(map[common.Address]uint64),
		subLeases:      make(map[destKey]*subLease),
		lastUnlimited:  make(map[destKey]string),
		depositTx:      make(map[[32]byte]depositRecord),
		depositSeen:    make(map[[32]byte]bool),
		depositControl: make(map[string]bool),
		ethBalance:     make(map[string]map[common.Address]map[uint64]*uint256.Int),
		localPending:   make(map[string]map[common.Address]map[uint64]*pendingLocal),
		localFinalized: make(map[string]map[common.Address]map[uint64]*uint256.Int),
		txCount:        make(map[common.Address]map[uint64]uint64),
		txCommitments:  make(map[common.Address]map[uint64]map[uint64]txCommitment),
		signedIncluded: make(map[common.Address]map[string][][32]byte),
	}
}

// RegisterSubPolicy installs a sub-policy's enrollment hook, one level
// below us, mirroring how we ourselves are registered under D.
func (p *Policy) RegisterSubPolicy(principal string, sub policy.NotifyEnrollment) {
	p.subs.Register(principal, sub)
}

// NotifyEnrollment implements policy.NotifyEnrollment: this is D calling
// us back during enter_encumbrance. We remember who the account's
// transaction manager is and the expiry we were granted, both needed to
// gate enter_sub_lease.
func (p *Policy) NotifyEnrollment(_ context.Context, notice policy.EnrollmentNotice) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	account := common.HexToAddress(notice.Account)
	p.txManager[account] = notice.Manager
	p.ourExpiry[account] = notice.Expiration
	return nil
}

var _ policy.NotifyEnrollment = (*Policy)(nil)

func destAssetTag(h host.Host, chainID uint64, to common.Address) asset.Tag {
	var chainBytes [8]byte
	binary.BigEndian.PutUint64(chainBytes[:], chainID)
	return asset.Tag(h.Keccak256(chainBytes[:], to.Bytes()))
}

// EnterSubLease installs a lease over each destination to subPolicy, gated
// on manager being the account's recorded transaction manager and on the
// requested expiry not exceeding our own D-level lease.
func (p *Policy) EnterSubLease(ctx context.Context, manager string, account common.Address, destinations []struct {
	ChainID uint64
	To      common.Address
}, subPolicy string, expiry uint64, params SubLeaseParams, now, block uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.txManager[account] != manager {
		return ErrNotTransactionManager
	}
	if expiry > p.ourExpiry[account] {
		return ErrExpiryExceedsOurs
	}

	keys := make([]destKey, len(destinations))
	for i, d := range destinations {
		key := destKey{account: account, chainID: d.ChainID, to: d.To}
		if existing, ok := p.subLeases[key]; ok && existing.expiry >= now {
			return ErrDestinationLeased
		}
		keys[i] = key
	}

	for _, key := range keys {
		p.subLeases[key] = &subLease{
			subPolicy:              subPolicy,
			writtenAt:              block,
			sigCommitmentsRequired: params.SigCommitmentsRequired,
			usesDepositControl:     params.UsesDepositControl,
			expiry:                 expiry,
		}
		if !params.SigCommitmentsRequired {
			p.lastUnlimitedSigner(key, subPolicy)
		}
	}
	p.depositControl[subPolicy] = params.UsesDepositControl

	if cb, ok := p.subs.Lookup(subPolicy); ok {
		tags := make([][32]byte, len(destinations))
		for i, d := range destinations {
			tags[i] = [32]byte(destAssetTag(p.h, d.ChainID, d.To))
		}
		notice := policy.EnrollmentNotice{Manager: manager, Account: account.Hex(), Assets: tags, Expiration: expiry}
		if err := cb.NotifyEnrollment(ctx, notice); err != nil {
			for _, key := range keys {
				delete(p.subLeases, key)
			}
			return err
		}
	}

	p.publish(eventbus.SubLeaseGranted, subPolicy, account.Hex(), block, nil)
	return nil
}

func (p *Policy) lastUnlimitedSigner(key destKey, subPolicy string) {
	p.lastUnlimited[key] = subPolicy
}

// CommitToDeposit records a first-writer-wins commitment to signedTxHash.
func (p *Policy) CommitToDeposit(caller string, signedTxHash [32]byte, now uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.depositTx[signedTxHash]; exists {
		return ErrNotCommitter
	}
	p.depositTx[signedTxHash] = depositRecord{caller: caller, at: now}
	return nil
}

// DepositFunds credits ethBalance[caller][signedTx.to][signedTx.chainId]
// once the caller's prior commitment, the oracle's header, and the
// inclusion proof all agree.
func (p *Policy) DepositFunds(ctx context.Context, caller string, signedTx SignedTx, proof oracle.TxInclusionProof) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := p.txHash(signedTx)

	rec, ok := p.depositTx[hash]
	if !ok || rec.caller != caller {
		return ErrNotCommitter
	}
	if p.depositSeen[hash] {
		return ErrAlreadySeen
	}

	chainHash, err := p.oracleC.GetBlockHash(ctx, signedTx.ChainID, proof.Header.BlockNumber)
	if err != nil || chainHash != proof.Header.Hash {
		return fmt.Errorf("%w: header hash mismatch", ErrProofMismatch)
	}

	serialized, err := serializeSignedTx(signedTx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProofMismatch, err)
	}
	provenBytes, err := p.verifier.ValidateTxProof(proof)
	if err != nil || !bytesEqual(provenBytes, serialized) {
		return ErrProofMismatch
	}

	if err := p.verifySigner(signedTx); err != nil {
		return err
	}

	if p.depositControl[caller] && proof.Header.Timestamp < rec.at {
		return fmt.Errorf("%w: block timestamp precedes commitment", ErrProofMismatch)
	}

	p.depositSeen[hash] = true
	p.creditEthBalance(caller, signedTx.To, signedTx.ChainID, valueOrZero(signedTx.Value))

	p.publish(eventbus.DepositCredited, caller, signedTx.To.Hex(), proof.Header.BlockNumber, map[string]string{"chain_id": fmt.Sprint(signedTx.ChainID)})
	return nil
}

func (p *Policy) creditEthBalance(subPolicy string, to common.Address, chainID uint64, amount *uint256.Int) {
	if p.ethBalance[subPolicy] == nil {
		p.ethBalance[subPolicy] = make(map[common.Address]map[uint64]*uint256.Int)
	}
	if p.ethBalance[subPolicy][to] == nil {
		p.ethBalance[subPolicy][to] = make(map[uint64]*uint256.Int)
	}
	bal := p.ethBalance[subPolicy][to][chainID]
	if bal == nil {
		bal = new(uint256.Int)
	}
	p.ethBalance[subPolicy][to][chainID] = new(uint256.Int).Add(bal, amount)
}

// DepositLocalFunds credits subPolicy's pending local collateral for
// (account, chainId), accumulating within the same block or finalizing an
// older pending entry before starting a fresh one.
func (p *Policy) DepositLocalFunds(subPolicy string, account common.Address, chainID uint64, amount *uint256.Int, block uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ensurePendingMaps(subPolicy, account)
	existing := p.localPending[subPolicy][account][chainID]
	if existing == nil {
		p.localPending[subPolicy][account][chainID] = &pendingLocal{amount: new(uint256.Int).Set(amount), block: block}
		return
	}
	if existing.block == block {
		existing.amount = new(uint256.Int).Add(existing.amount, amount)
		return
	}
	p.finalizeLocked(subPolicy, account, chainID)
	p.localPending[subPolicy][account][chainID] = &pendingLocal{amount: new(uint256.Int).Set(amount), block: block}
}

// FinalizeLocalFunds moves subPolicy's pending local collateral to
// finalized once the pending entry's block is strictly in the past.
func (p *Policy) FinalizeLocalFunds(subPolicy string, account common.Address, chainID uint64, currentBlock uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending := p.localPending[subPolicy][account][chainID]
	if pending == nil || pending.block >= currentBlock {
		return ErrPendingNotElapsed
	}
	p.finalizeLocked(subPolicy, account, chainID)
	return nil
}

func (p *Policy) finalizeLocked(subPolicy string, account common.Address, chainID uint64) {
	pending := p.localPending[subPolicy][account][chainID]
	if pending == nil {
		return
	}
	p.ensureFinalizedMaps(subPolicy, account)
	bal := p.localFinalized[subPolicy][account][chainID]
	if bal == nil {
		bal = new(uint256.Int)
	}
	p.localFinalized[subPolicy][account][chainID] = new(uint256.Int).Add(bal, pending.amount)
	delete(p.localPending[subPolicy][account], chainID)
}

func (p *Policy) ensurePendingMaps(subPolicy string, account common.Address) {
	if p.localPending[subPolicy] == nil {
		p.localPending[subPolicy] = make(map[common.Address]map[uint64]*pendingLocal)
	}
	if p.localPending[subPolicy][account] == nil {
		p.localPending[subPolicy][account] = make(map[uint64]*pendingLocal)
	}
}

func (p *Policy) ensureFinalizedMaps(subPolicy string, account common.Address) {
	if p.localFinalized[subPolicy] == nil {
		p.localFinalized[subPolicy] = make(map[common.Address]map[uint64]*uint256.Int)
	}
	if p.localFinalized[subPolicy][account] == nil {
		p.localFinalized[subPolicy][account] = make(map[uint64]*uint256.Int)
	}
}

// CommitToTransaction records caller's commitment to tx, overwriting the
// nonce with our authoritative count so the caller cannot commit to a
// stale one.
func (p *Policy) CommitToTransaction(caller string, account common.Address, tx *Tx, block uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := destKey{account: account, chainID: tx.ChainID, to: tx.To}
	lease, ok := p.subLeases[key]
	if !ok || lease.subPolicy != caller {
		return ErrNotLeaseholder
	}

	tx.Nonce = p.txCount[account][tx.ChainID]

	if p.txCommitments[account] == nil {
		p.txCommitments[account] = make(map[uint64]map[uint64]txCommitment)
	}
	if p.txCommitments[account][tx.ChainID] == nil {
		p.txCommitments[account][tx.ChainID] = make(map[uint64]txCommitment)
	}
	p.txCommitments[account][tx.ChainID][tx.Nonce] = txCommitment{subPolicy: caller, block: block}
	return nil
}

// SignTransaction evaluates the five sign_transaction pre-conditions in
// spec order and, if all pass, delegates to D's sign_message on the
// transaction's serialized bytes.
func (p *Policy) SignTransaction(caller string, account common.Address, tx Tx, now, block uint64) ([]byte, error) {
	p.mu.Lock()

	key := destKey{account: account, chainID: tx.ChainID, to: tx.To}
	lease, ok := p.subLeases[key]

	serialized, err := serializeTx(tx)
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("ethtx: serialize transaction: %w", err)
	}

	// 1. Pre-funded inclusion-proof reimbursement. L is the length of the
	// whole serialized (unsigned) type-2 envelope rather than the payload alone; the
	// payout below (ProveTransactionInclusion) costs the same envelope,
	// so the two stay consistent even though this diverges from costing
	// the bare payload.
	needed := estimateInclusionProofCost(len(serialized))
	available := p.localFinalizedOf(caller, account, tx.ChainID)
	if available.Cmp(needed) < 0 {
		p.mu.Unlock()
		return nil, ErrInsufficientCollateral
	}

	// 2. Commitment requirement, unless caller is the unlimited signer.
	if p.lastUnlimitedOf(key) != caller {
		commit, ok := p.txCommitments[account][tx.ChainID][tx.Nonce]
		if !ok || commit.subPolicy != caller {
			p.mu.Unlock()
			return nil, ErrCommitmentRequired
		}
		if commit.block >= block {
			p.mu.Unlock()
			return nil, ErrCommitmentTooEarly
		}
	}

	// 3. Current, unexpired (chainId, to) lease.
	if !ok || lease.subPolicy != caller || lease.expiry <= now {
		p.mu.Unlock()
		return nil, ErrNotLeaseholder
	}

	// 4. Authoritative nonce.
	if tx.Nonce != p.txCount[account][tx.ChainID] {
		p.mu.Unlock()
		return nil, ErrBadNonce
	}

	// 5. Proved ETH balance covers max cost.
	maxCost := tx.MaxCost()
	balance := p.ethBalanceOf(caller, account, tx.ChainID)
	if balance.Cmp(maxCost) < 0 {
		p.mu.Unlock()
		return nil, ErrInsufficientBalance
	}

	p.mu.Unlock()

	sig, err := p.registry.SignMessage(p.principal, account, serialized, now, block)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.publish(eventbus.TransactionSigned, caller, account.Hex(), block, map[string]string{"chain_id": fmt.Sprint(tx.ChainID)})
	p.mu.Unlock()

	return sig, nil
}

func (p *Policy) localFinalizedOf(subPolicy string, account common.Address, chainID uint64) *uint256.Int {
	bal := p.localFinalized[subPolicy][account][chainID]
	if bal == nil {
		return new(uint256.Int)
	}
	return bal
}

func (p *Policy) ethBalanceOf(subPolicy string, account common.Address, chainID uint64) *uint256.Int {
	bal := p.ethBalance[subPolicy][account][chainID]
	if bal == nil {
		return new(uint256.Int)
	}
	return bal
}

func (p *Policy) lastUnlimitedOf(key destKey) string {
	if p.lastUnlimited == nil {
		return ""
	}
	return p.lastUnlimited[key]
}

// ProveTransactionInclusion verifies a transaction's on-chain inclusion,
// advances the account's nonce counter, debits the responsible
// sub-policy's proved ETH balance, and reimburses the caller from that
// sub-policy's local collateral.
func (p *Policy) ProveTransactionInclusion(ctx context.Context, signedTx SignedTx, proof oracle.TxInclusionProof, blockNumber uint64, caller string) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	chainHash, err := p.oracleC.GetBlockHash(ctx, signedTx.ChainID, blockNumber)
	if err != nil || chainHash != proof.Header.Hash {
		return nil, fmt.Errorf("%w: header hash mismatch", ErrProofMismatch)
	}

	if err := p.verifySigner(signedTx); err != nil {
		return nil, err
	}
	signer := signedTx.Account

	serialized, err := serializeSignedTx(signedTx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProofMismatch, err)
	}
	provenBytes, err := p.verifier.ValidateTxProof(proof)
	if err != nil || !bytesEqual(provenBytes, serialized) {
		return nil, ErrProofMismatch
	}

	if signedTx.Nonce != p.txCount[signer][signedTx.ChainID] {
		return nil, ErrBadNonce
	}
	if p.txCount[signer] == nil {
		p.txCount[signer] = make(map[uint64]uint64)
	}
	p.txCount[signer][signedTx.ChainID]++

	key := destKey{account: signer, chainID: signedTx.ChainID, to: signedTx.To}
	lease := p.subLeases[key]
	var currentLeaseholder string
	if lease != nil {
		currentLeaseholder = lease.subPolicy
	}

	debited := p.lastUnlimitedOf(key)
	if debited != currentLeaseholder {
		if commit, ok := p.txCommitments[signer][signedTx.ChainID][signedTx.Nonce]; ok {
			debited = commit.subPolicy
		}
	}
	if debited == "" {
		debited = currentLeaseholder
	}

	maxCost := signedTx.MaxCost()
	bal := p.ethBalanceOf(debited, signer, signedTx.ChainID)
	_, remaining := saturatingPay(maxCost, bal)
	p.setEthBalance(debited, signer, signedTx.ChainID, remaining)

	p.lastUnlimitedSigner(key, currentLeaseholder)

	if p.signedIncluded[signer] == nil {
		p.signedIncluded[signer] = make(map[string][][32]byte)
	}
	hash := p.txHash(signedTx)
	p.signedIncluded[signer][debited] = append(p.signedIncluded[signer][debited], hash)

	// Same L as the sign-gate's pre-funding check above: the whole serialized
	// unsigned envelope, so collateral required and collateral paid out conserve.
	reimbursement := estimateInclusionProofCost(len(serialized))
	collateral := p.localFinalizedOf(debited, signer, signedTx.ChainID)
	paid, remainingCollateral := saturatingPay(reimbursement, collateral)
	p.ensureFinalizedMaps(debited, signer)
	p.localFinalized[debited][signer][signedTx.ChainID] = remainingCollateral

	p.publish(eventbus.InclusionProved, caller, signer.Hex(), blockNumber, map[string]string{"debited": debited})

	return paid, nil
}

func (p *Policy) setEthBalance(subPolicy string, account common.Address, chainID uint64, amount *uint256.Int) {
	if p.ethBalance[subPolicy] == nil {
		p.ethBalance[subPolicy] = make(map[common.Address]map[uint64]*uint256.Int)
	}
	if p.ethBalance[subPolicy][account] == nil {
		p.ethBalance[subPolicy][account] = make(map[uint64]*uint256.Int)
	}
	p.ethBalance[subPolicy][account][chainID] = amount
}

// ReleaseCommitmentRequirement is manager-only: it clears the commitment
// obligation on destAsset by pinning lastUnlimitedSigner to the current
// leaseholder.
func (p *Policy) ReleaseCommitmentRequirement(manager string, account common.Address, chainID uint64, to common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.txManager[account] != manager {
		return ErrNotManager
	}
	key := destKey{account: account, chainID: chainID, to: to}
	lease, ok := p.subLeases[key]
	if !ok {
		return ErrNotLeaseholder
	}
	p.lastUnlimitedSigner(key, lease.subPolicy)
	return nil
}

func (p *Policy) publish(kind eventbus.Kind, principal, subject string, block uint64, attrs map[string]string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Kind: kind, Principal: principal, Subject: subject, Block: block, Attrs: attrs})
}

// serializeTx produces the EIP-2718 type-2 (dynamic fee) envelope bytes
// for tx's unsigned body, via go-ethereum's core transaction type. The
// envelope's leading byte is 0x02, which is what asset.ClassifyPayload
// recognizes as Component G's asset class.
func serializeTx(tx Tx) ([]byte, error) {
	ethTx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(tx.ChainID),
		Nonce:     tx.Nonce,
		GasTipCap: new(big.Int),
		GasFeeCap: valueOrZero(tx.MaxFeePerGas).ToBig(),
		Gas:       tx.GasLimit,
		To:        &tx.To,
		Value:     valueOrZero(tx.Value).ToBig(),
		Data:      tx.Payload,
	})
	return ethTx.MarshalBinary()
}

func serializeSignedTx(signedTx SignedTx) ([]byte, error) {
	return serializeTx(signedTx.Tx)
}

func (p *Policy) txHash(signedTx SignedTx) [32]byte {
	serialized, _ := serializeSignedTx(signedTx)
	return p.h.Keccak256(serialized, signedTx.Signature)
}

// verifySigner checks that signedTx.Signature is a valid DER ECDSA
// signature over Keccak(serialized unsigned tx) under signedTx.Account's
// known public key. This stands in for "recovering the signer" where our
// signing gate returns DER rather than a (v,r,s) recoverable signature.
func (p *Policy) verifySigner(signedTx SignedTx) error {
	pub, ok := p.registry.PublicKeyOf(signedTx.Account)
	if !ok {
		return fmt.Errorf("%w: unknown signer account", ErrProofMismatch)
	}
	serialized, err := serializeSignedTx(signedTx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProofMismatch, err)
	}
	digest := p.h.Keccak256(serialized)
	rs, err := derToRS(signedTx.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProofMismatch, err)
	}
	if !crypto.VerifySignature(pub, digest[:], rs) {
		return ErrProofMismatch
	}
	return nil
}

// derToRS decodes a DER ECDSA-Sig-Value back into a 64-byte (R || S) pair.
func derToRS(der []byte) ([]byte, error) {
	var sig struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, err
	}
	out := make([]byte, 64)
	sig.R.FillBytes(out[:32])
	sig.S.FillBytes(out[32:])
	return out, nil
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
