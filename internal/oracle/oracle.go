// Package oracle defines the two injected, assumed-trustworthy chain
// collaborators: the block-hash oracle and the proof verifier.
// Implementations live outside this repo's scope — it does not implement
// a canonical light client itself; this package only carries the
// interfaces the Ethereum-transaction policy is built against, plus a
// freshness gate.
package oracle

import "context"

// Header is the minimal subset of an Ethereum block header the kernel
// needs: its own hash (for oracle comparison) and the fields proofs are
// rooted at.
type Header struct {
	ChainID          uint64
	BlockNumber      uint64
	Hash             [32]byte
	Timestamp        uint64
	TransactionsRoot [32]byte
	StateRoot        [32]byte
}

// BlockHashOracle supplies trusted foreign-chain header hashes (Component
// E). The kernel trusts whatever hash this returns; the caller-supplied
// header is only accepted if its own hash matches.
type BlockHashOracle interface {
	GetBlockHash(ctx context.Context, chainID, blockNumber uint64) ([32]byte, error)
}

// TxInclusionProof is an opaque Merkle-Patricia inclusion proof rooted at
// a header's TransactionsRoot.
type TxInclusionProof struct {
	Header           Header
	TransactionIndex  uint64
	Proof             [][]byte
}

// StorageProof is an opaque account-state + storage-slot inclusion proof
// rooted at a header's StateRoot.
type StorageProof struct {
	Header  Header
	Address [20]byte
	Slot    [32]byte
	Proof   [][]byte
}

// ProofVerifier verifies transaction-inclusion and storage proofs against
// a header (Component F).
type ProofVerifier interface {
	// ValidateTxProof enforces a Merkle-Patricia path from the header's
	// TransactionsRoot to the RLP-encoded transaction at
	// TransactionIndex, returning the serialized included transaction.
	ValidateTxProof(proof TxInclusionProof) (serializedTx []byte, err error)

	// ValidateStorageProof enforces account-state + storage paths from
	// the header's StateRoot to a specific slot of a specific address.
	ValidateStorageProof(proof StorageProof) (value [32]byte, err error)
}
