package kernel

import (
	"errors"

	"github.com/liquefaction-labs/liquefaction/internal/cell"
	"github.com/liquefaction-labs/liquefaction/internal/ethtx"
	"github.com/liquefaction-labs/liquefaction/internal/wallet"
)

// Kind is the error taxonomy: the single sum-typed result every
// dispatched operation reduces to, regardless of which component package
// raised the underlying sentinel. Every Kind is non-retryable within the
// same operation; callers re-dispatch with corrected inputs.
type Kind string

const (
	KindNone                Kind = ""
	KindNotAuthorized       Kind = "NotAuthorized"
	KindPending             Kind = "Pending"
	KindExpired             Kind = "Expired"
	KindAlreadyEncumbered   Kind = "AlreadyEncumbered"
	KindWalletNotFound      Kind = "WalletNotFound"
	KindAssetUnknown        Kind = "AssetUnknown"
	KindExported            Kind = "Exported"
	KindProofMismatch       Kind = "ProofMismatch"
	KindAlreadySeen         Kind = "AlreadySeen"
	KindInsufficientBalance Kind = "InsufficientBalance"
	KindCommitmentRequired  Kind = "CommitmentRequired"
	KindCommitmentTooEarly  Kind = "CommitmentTooEarly"
	KindBadNonce            Kind = "BadNonce"
	KindWrongExportTag      Kind = "WrongExportTag"
	// KindInternal covers anything the taxonomy above doesn't name,
	// including wallet's ErrExportNotRequested, ErrInvalidExpiry,
	// ErrInvalidPolicy and ErrMaxExpiryNotElapsed, which Classify does not
	// map; a dispatcher boundary must be total over its inputs.
	KindInternal Kind = "Internal"
)

// Classify maps a sentinel error returned by internal/wallet, internal/ethtx,
// or internal/cell to its taxonomy Kind. Returns KindNone for a nil error.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	switch {
	case errors.Is(err, wallet.ErrNotAuthorized),
		errors.Is(err, ethtx.ErrNotLeaseholder),
		errors.Is(err, ethtx.ErrNotTransactionManager),
		errors.Is(err, ethtx.ErrNotManager):
		return KindNotAuthorized

	case errors.Is(err, wallet.ErrPending), errors.Is(err, cell.ErrPending), errors.Is(err, cell.ErrSameBlockWrite):
		return KindPending

	case errors.Is(err, wallet.ErrExpired), errors.Is(err, ethtx.ErrLeaseExpired), errors.Is(err, ethtx.ErrExpiryExceedsOurs):
		return KindExpired

	case errors.Is(err, wallet.ErrAlreadyEncumbered), errors.Is(err, ethtx.ErrDestinationLeased):
		return KindAlreadyEncumbered

	case errors.Is(err, wallet.ErrWalletNotFound):
		return KindWalletNotFound

	case errors.Is(err, wallet.ErrAssetUnknown):
		return KindAssetUnknown

	case errors.Is(err, wallet.ErrExported):
		return KindExported

	case errors.Is(err, ethtx.ErrProofMismatch):
		return KindProofMismatch

	case errors.Is(err, ethtx.ErrAlreadySeen):
		return KindAlreadySeen

	case errors.Is(err, ethtx.ErrInsufficientBalance), errors.Is(err, ethtx.ErrInsufficientCollateral), errors.Is(err, ethtx.ErrPendingNotElapsed):
		return KindInsufficientBalance

	case errors.Is(err, ethtx.ErrCommitmentRequired), errors.Is(err, ethtx.ErrNotCommitter):
		return KindCommitmentRequired

	case errors.Is(err, ethtx.ErrCommitmentTooEarly):
		return KindCommitmentTooEarly

	case errors.Is(err, ethtx.ErrBadNonce):
		return KindBadNonce

	case errors.Is(err, wallet.ErrWrongExportTag):
		return KindWrongExportTag

	default:
		return KindInternal
	}
}

// OpError wraps an underlying component error with its classified Kind, the
// shape every Dispatcher method returns on failure.
type OpError struct {
	Kind Kind
	Err  error
}

func (e *OpError) Error() string {
	return e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// classifyErr wraps a non-nil err into *OpError, or returns nil.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Kind: Classify(err), Err: err}
}
