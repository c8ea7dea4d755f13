// Package asset implements a pure classifier mapping a payload (or a
// typed-data domain) to the 32-byte asset tag that gates signing
// authority in the wallet registry. An unrecognized payload classifies
// to the zero tag, which the registry always rejects: no pre-signing of
// unknown message classes.
package asset

import (
	"github.com/liquefaction-labs/liquefaction/internal/host"
)

// Tag is a 32-byte asset identifier.
type Tag [32]byte

// Zero is the rejected/unclassified tag.
var Zero Tag

// EthSignedMessagePrefix is the asset tag for payloads beginning with the
// "\x19Ethereum Signed Message" convention's 0x19 0x45 byte pair.
var EthSignedMessagePrefix = Tag{0x19, 0x45}

// EthTransactionEnvelope is the asset tag for an Ethereum type-2
// (EIP-1559) transaction envelope, i.e. any payload whose first byte is
// 0x02.
//
// 0x02 is also a valid leading byte of an arbitrary non-transaction
// payload. The classifier accepts this ambiguity byte-for-byte; it is
// not a bug to fix here.
var EthTransactionEnvelope = Tag{0x02}

// eip712Prefix is prepended to a typed-data domain name before hashing to
// derive that domain's asset tag.
var eip712Prefix = []byte("EIP-712 ")

// ClassifyPayload derives the asset tag for a raw signable payload:
//
//	payload[0]==0x19 && payload[1]==0x01 -> Zero (EIP-712 must flow through
//	                                         ClassifyTypedData instead)
//	payload[0]==0x19 && payload[1]==0x45 -> EthSignedMessagePrefix
//	payload[0]==0x02                     -> EthTransactionEnvelope
//	otherwise                            -> Zero (rejected)
func ClassifyPayload(payload []byte) Tag {
	if len(payload) >= 2 && payload[0] == 0x19 && payload[1] == 0x01 {
		return Zero
	}
	if len(payload) >= 2 && payload[0] == 0x19 && payload[1] == 0x45 {
		return EthSignedMessagePrefix
	}
	if len(payload) >= 1 && payload[0] == 0x02 {
		return EthTransactionEnvelope
	}
	return Zero
}

// ClassifyTypedData derives the asset tag for an EIP-712 typed-data
// request from the domain name alone: Keccak("EIP-712 " || domainName).
func ClassifyTypedData(h host.Host, domainName string) Tag {
	return Tag(h.Keccak256(eip712Prefix, []byte(domainName)))
}

// DomainFieldMask encodes which optional EIP712Domain fields are present,
// in the canonical order name, version, chainId, verifyingContract, salt.
// The domain's reconstructed type string includes only the masked-in
// fields, in this order.
type DomainFieldMask struct {
	Name              bool
	Version           bool
	ChainID           bool
	VerifyingContract bool
	Salt              bool
}

// DomainTypeString reconstructs the EIP712Domain type string for the
// subset of fields indicated by mask, in the canonical field order.
func DomainTypeString(mask DomainFieldMask) string {
	type field struct {
		present bool
		decl    string
	}
	fields := []field{
		{mask.Name, "string name"},
		{mask.Version, "string version"},
		{mask.ChainID, "uint256 chainId"},
		{mask.VerifyingContract, "address verifyingContract"},
		{mask.Salt, "bytes32 salt"},
	}

	out := "EIP712Domain("
	first := true
	for _, f := range fields {
		if !f.present {
			continue
		}
		if !first {
			out += ","
		}
		out += f.decl
		first = false
	}
	return out + ")"
}

// IsZero reports whether t is the rejected zero tag.
func (t Tag) IsZero() bool {
	return t == Zero
}
