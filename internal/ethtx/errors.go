package ethtx

import "errors"

// Sentinel error taxonomy for the Ethereum-transaction policy: every
// pre-condition violation fails and reverts state.
var (
	ErrNotLeaseholder         = errors.New("ethtx: caller does not hold the current (chainId, to) lease")
	ErrLeaseExpired           = errors.New("ethtx: sub-lease has expired")
	ErrExpiryExceedsOurs      = errors.New("ethtx: sub-lease expiry exceeds our own lease on the account")
	ErrNotTransactionManager  = errors.New("ethtx: caller is not the account's transaction manager")
	ErrDestinationLeased      = errors.New("ethtx: destination is already leased and unexpired")
	ErrNotCommitter           = errors.New("ethtx: caller did not commit to this deposit hash")
	ErrAlreadySeen            = errors.New("ethtx: deposit already credited")
	ErrProofMismatch          = errors.New("ethtx: inclusion proof does not match the claimed transaction or header")
	ErrBadNonce               = errors.New("ethtx: transaction nonce does not match the account's authoritative count")
	ErrCommitmentRequired     = errors.New("ethtx: caller holds no unlimited-signer grant and no matching prior commitment")
	ErrCommitmentTooEarly     = errors.New("ethtx: matching commitment exists but not from a strictly earlier block")
	ErrInsufficientBalance    = errors.New("ethtx: sub-policy's proved ETH balance cannot cover the transaction's max cost")
	ErrInsufficientCollateral = errors.New("ethtx: sub-policy has not pre-funded the inclusion-proof reimbursement")
	ErrPendingNotElapsed      = errors.New("ethtx: pending local funds entry has not yet finalized")
	ErrNotManager             = errors.New("ethtx: caller is not the account's access manager")
)
