package circuits

import (
	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/frontend"

	"github.com/yourorg/mixerzk/internal/mimc"
)

func Curve() ecc.ID { return ecc.BN254 }

// MixerCircuit proves knowledge of a note whose commitment sits at LeafIndex
// of the tree with the public Root, and reveals only its nullifier hash.
type MixerCircuit struct {
	Root          frontend.Variable `gnark:",public"`
	NullifierHash frontend.Variable `gnark:",public"`
	ExtDataHash   frontend.Variable `gnark:",public"` // keccak(recipient ‖ relayer ‖ fee ‖ refund) mod r

	Secret    frontend.Variable
	Nullifier frontend.Variable
	LeafIndex frontend.Variable
	Path      []frontend.Variable
}

// NewMixerCircuit allocates the blueprint for a tree of the given depth.
func NewMixerCircuit(levels int) *MixerCircuit {
	return &MixerCircuit{Path: make([]frontend.Variable, levels)}
}

func (c *MixerCircuit) Define(api frontend.API) error {
	leaf := mimc.Hash(api, c.Secret, c.Nullifier)
	api.AssertIsEqual(mimc.Hash(api, c.Nullifier, c.Nullifier), c.NullifierHash)

	bits := api.ToBinary(c.LeafIndex, len(c.Path))
	cur := leaf
	for i, sib := range c.Path {
		left := api.Select(bits[i], sib, cur)
		right := api.Select(bits[i], cur, sib)
		cur = mimc.Hash(api, left, right)
	}
	api.AssertIsEqual(cur, c.Root)

	// squared so the external data is bound to the proof
	api.Mul(c.ExtDataHash, c.ExtDataHash)
	return nil
}
