package wallet

import "errors"

// Sentinel error taxonomy. Every error is non-retryable
// within the same operation: the caller must repair the mismatch and
// re-dispatch.
var (
	ErrNotAuthorized       = errors.New("wallet: not authorized")
	ErrPending             = errors.New("wallet: pending finalization")
	ErrExpired             = errors.New("wallet: lease expired")
	ErrAlreadyEncumbered   = errors.New("wallet: asset already encumbered")
	ErrWalletNotFound      = errors.New("wallet: not found")
	ErrAssetUnknown        = errors.New("wallet: asset unknown")
	ErrExported            = errors.New("wallet: key has been exported, writes refused")
	ErrExportNotRequested  = errors.New("wallet: key export has not been requested")
	ErrWrongExportTag      = errors.New("wallet: counterparty failed to prove control of the export key")
	ErrInvalidExpiry       = errors.New("wallet: expiry must be strictly in the future")
	ErrInvalidPolicy       = errors.New("wallet: policy principal must be non-zero")
	ErrMaxExpiryNotElapsed = errors.New("wallet: a granted lease has not yet expired")
)
