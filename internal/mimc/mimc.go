// Package mimc wraps the BN254 MiMC hasher in its two forms: the native one
// used off-circuit and the gadget used inside circuits. Both consume 32-byte
// field elements, so every input is reduced modulo the scalar field first.
package mimc

import (
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	nativemimc "github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark/frontend"
	stdhash "github.com/consensys/gnark/std/hash"
	stdmimc "github.com/consensys/gnark/std/hash/mimc"
	"github.com/ethereum/go-ethereum/common"
)

// New returns the in-circuit hasher.
func New(api frontend.API) stdhash.FieldHasher {
	h, err := stdmimc.NewMiMC(api)
	if err != nil {
		panic(err)
	}
	return &h
}

// Hash hashes vars inside a circuit.
func Hash(api frontend.API, vars ...frontend.Variable) frontend.Variable {
	h := New(api)
	h.Write(vars...)
	return h.Sum()
}

// Element reduces a big-endian byte string into the scalar field.
func Element(b []byte) fr.Element {
	var e fr.Element
	e.SetBytes(b)
	return e
}

// Canonical returns the reduced 32-byte form of b.
func Canonical(b []byte) common.Hash {
	e := Element(b)
	return common.Hash(e.Bytes())
}

// BigInt returns the reduced value of b, suitable as a witness assignment.
func BigInt(b []byte) *big.Int {
	e := Element(b)
	return e.BigInt(new(big.Int))
}

// Sum hashes the reduced inputs off-circuit.
func Sum(inputs ...[]byte) common.Hash {
	h := nativemimc.NewMiMC()
	for _, in := range inputs {
		c := Canonical(in)
		_, _ = h.Write(c[:]) // canonical elements never fail
	}
	return common.BytesToHash(h.Sum(nil))
}
