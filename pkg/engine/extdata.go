package engine

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/yourorg/mixerzk/internal/mimc"
)

// truncateAndPad keeps the first 20 bytes of an address string and pads them
// to 32. Shorter inputs are zero padded.
func truncateAndPad(addr string) []byte {
	out := make([]byte, 32)
	b := []byte(addr)
	if len(b) > 20 {
		b = b[:20]
	}
	copy(out, b)
	return out
}

// le16 is the little-endian Uint128 encoding of v.
func le16(v *uint256.Int) []byte {
	be := v.Bytes32()
	out := make([]byte, 16)
	for i := range out {
		out[i] = be[31-i]
	}
	return out
}

// ExtDataHash binds the withdrawal's recipient, relayer, fee and refund to
// the proof: keccak256(recipient ‖ relayer ‖ fee ‖ refund) reduced into the
// scalar field.
func ExtDataHash(recipient, relayer string, fee, refund *uint256.Int) common.Hash {
	if fee == nil {
		fee = new(uint256.Int)
	}
	if refund == nil {
		refund = new(uint256.Int)
	}
	h := crypto.Keccak256(
		truncateAndPad(recipient),
		truncateAndPad(relayer),
		le16(fee),
		le16(refund),
	)
	return mimc.Canonical(h)
}
