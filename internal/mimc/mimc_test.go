package mimc

import (
	"crypto/rand"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/test"
	"github.com/stretchr/testify/require"
)

/* ---------------- circuit ---------------- */

type pairCircuit struct {
	Left, Right frontend.Variable
	Digest      frontend.Variable `gnark:",public"`
}

func (c *pairCircuit) Define(api frontend.API) error {
	api.AssertIsEqual(Hash(api, c.Left, c.Right), c.Digest)
	return nil
}

/* ---------------- tests ------------------- */

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestNativeMatchesGadget(t *testing.T) {
	for i := 0; i < 4; i++ {
		l, r := randomBytes(t, 32), randomBytes(t, 32)
		digest := Sum(l, r)

		w := &pairCircuit{Left: BigInt(l), Right: BigInt(r), Digest: BigInt(digest[:])}
		require.NoError(t, test.IsSolved(&pairCircuit{}, w, ecc.BN254.ScalarField()))
	}
}

func TestGadgetRejectsWrongDigest(t *testing.T) {
	l, r := randomBytes(t, 32), randomBytes(t, 32)
	digest := Sum(r, l)

	w := &pairCircuit{Left: BigInt(l), Right: BigInt(r), Digest: BigInt(digest[:])}
	require.Error(t, test.IsSolved(&pairCircuit{}, w, ecc.BN254.ScalarField()))
}

func TestSumIsDeterministicAndReduces(t *testing.T) {
	x := randomBytes(t, 32)
	require.Equal(t, Sum(x), Sum(x))

	// 0xff..ff is above the modulus; it must hash like its reduction
	over := make([]byte, 32)
	for i := range over {
		over[i] = 0xff
	}
	reduced := Canonical(over)
	require.Equal(t, Sum(over), Sum(reduced[:]))
	require.NotEqual(t, over, reduced[:])
}
