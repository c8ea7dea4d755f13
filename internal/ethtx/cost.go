package ethtx

import "github.com/holiman/uint256"

// estimateInclusionProofCost models the gas cost (in wei) of verifying one
// inclusion proof on-chain, as a function of the length L of the
// transaction's serialized unsigned type-2 envelope:
//
//	((L / 1024) * 86853 + 289032) * 100 * 1e9
//
// The coefficients are calibrated to the proof verifier's gas curve; this
// implementation keeps the exact relation rather than re-deriving it, so
// re-calibration stays a one-line change here.
func estimateInclusionProofCost(payloadLen int) *uint256.Int {
	l := new(uint256.Int).SetUint64(uint64(payloadLen))
	kib := new(uint256.Int).Div(l, uint256.NewInt(1024))

	term := new(uint256.Int).Mul(kib, uint256.NewInt(86853))
	term.Add(term, uint256.NewInt(289032))

	gwei := new(uint256.Int).Mul(uint256.NewInt(100), uint256.NewInt(1_000_000_000))
	return term.Mul(term, gwei)
}

// saturatingPay returns min(amount, available) and the remainder of
// available after paying it out.
func saturatingPay(amount, available *uint256.Int) (paid, remaining *uint256.Int) {
	if available.Cmp(amount) <= 0 {
		return new(uint256.Int).Set(available), new(uint256.Int)
	}
	return new(uint256.Int).Set(amount), new(uint256.Int).Sub(available, amount)
}
