// Package ethtx implements the Ethereum-transaction policy: a policy that
// sub-leases signing rights over specific (chainId, destination) pairs to
// downstream sub-policies, tracks proved ETH deposits and local collateral
// per sub-policy, gates transaction signing on pre-funding and nonce
// discipline, and reimburses whoever submits an inclusion proof. Built in
// a fail-fast precondition style, with per-key state tracking for every
// sub-leased destination.
package ethtx

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Tx is an unsigned Ethereum type-2 (EIP-1559) transaction as the kernel
// understands it: just enough fields to gate and cost a signature.
type Tx struct {
	ChainID      uint64
	To           common.Address
	Value        *uint256.Int
	GasLimit     uint64
	MaxFeePerGas *uint256.Int
	Nonce        uint64
	Payload      []byte
}

// SignedTx pairs a Tx with its DER signature and the signing account.
type SignedTx struct {
	Tx
	Account   common.Address
	Signature []byte
}

// MaxCost returns value + gasLimit*maxFeePerGas, saturating at the
// uint256 ceiling rather than overflowing.
func (t Tx) MaxCost() *uint256.Int {
	gas := new(uint256.Int).SetUint64(t.GasLimit)
	fee := new(uint256.Int)
	if t.MaxFeePerGas != nil {
		fee.Set(t.MaxFeePerGas)
	}
	total, overflow := new(uint256.Int).MulOverflow(gas, fee)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	sum, overflow := new(uint256.Int).AddOverflow(total, valueOrZero(t.Value))
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return sum
}

func valueOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// destKey identifies one (account, chainId, destination) sub-lease slot.
type destKey struct {
	account common.Address
	chainID uint64
	to      common.Address
}

// subLease is one sub-policy's grant over a destination, mirroring D's
// Lease but one layer down. Unlike D's Lease, the policy principal
// (subPolicy) is a plain value, not a delayed-finalization cell: writtenAt
// is recorded but not consulted, so a sub-lease is usable in the block it
// is written. The expiry is a plain value too.
type subLease struct {
	subPolicy              string
	writtenAt              uint64
	sigCommitmentsRequired bool
	usesDepositControl     bool
	expiry                 uint64
}

// SubLeaseParams are the flags accompanying enter_sub_lease.
type SubLeaseParams struct {
	SigCommitmentsRequired bool
	UsesDepositControl     bool
}

// txCommitment records a sub-policy's prior commit_to_transaction call for
// a given (account, chainId, nonce), so sign_transaction's commitment
// pre-condition can find it.
type txCommitment struct {
	subPolicy string
	block     uint64
}

// depositRecord is one commit_to_deposit entry.
type depositRecord struct {
	caller string
	at     uint64
}

// pendingLocal is one un-finalized deposit_local_funds entry.
type pendingLocal struct {
	amount *uint256.Int
	block  uint64
}
