package engine

import (
	"fmt"

	backendwitness "github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/frontend"
	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/mixerzk/circuits"
	"github.com/yourorg/mixerzk/internal/mimc"
	"github.com/yourorg/mixerzk/pkg/merkle"
	"github.com/yourorg/mixerzk/pkg/proof"
)

// PublicInputs are the values a verifier needs besides the proof.
type PublicInputs struct {
	Root          common.Hash `json:"root"`
	NullifierHash common.Hash `json:"nullifierHash"`
	ExtDataHash   common.Hash `json:"extDataHash"`
}

// Witness is the assembled circuit input for one withdrawal.
type Witness struct {
	Full       backendwitness.Witness
	Public     PublicInputs
	Commitment common.Hash
}

func publicAssignment(levels int, pub PublicInputs) *circuits.MixerCircuit {
	a := circuits.NewMixerCircuit(levels)
	a.Root = mimc.BigInt(pub.Root[:])
	a.NullifierHash = mimc.BigInt(pub.NullifierHash[:])
	a.ExtDataHash = mimc.BigInt(pub.ExtDataHash[:])
	return a
}

// BuildWitness rebuilds the tree over req.Leaves and assigns every circuit
// input for the note at req.LeafIndex.
func BuildWitness(levels int, req proof.Request) (*Witness, error) {
	secret, nullifier := req.Note.Secret(), req.Note.Nullifier()
	leaf := Commitment(req.Note)

	if int64(req.LeafIndex) >= int64(len(req.Leaves)) {
		return nil, fmt.Errorf("leaf index %d out of range (leaves=%d)", req.LeafIndex, len(req.Leaves))
	}
	if req.Leaves[req.LeafIndex] != leaf {
		return nil, fmt.Errorf("leaf %d is %s, note commits to %s", req.LeafIndex, req.Leaves[req.LeafIndex], leaf)
	}

	tree, err := merkle.New(levels, req.Leaves)
	if err != nil {
		return nil, err
	}
	path, err := tree.Path(uint64(req.LeafIndex))
	if err != nil {
		return nil, err
	}

	pub := PublicInputs{
		Root:          tree.Root(),
		NullifierHash: NullifierHash(req.Note),
		ExtDataHash:   ExtDataHash(req.Recipient, req.Relayer, req.Fee, req.Refund),
	}

	assignment := publicAssignment(levels, pub)
	assignment.Secret = mimc.BigInt(secret[:])
	assignment.Nullifier = mimc.BigInt(nullifier[:])
	assignment.LeafIndex = req.LeafIndex
	for i, p := range path {
		assignment.Path[i] = mimc.BigInt(p[:])
	}

	full, err := frontend.NewWitness(assignment, circuits.Curve().ScalarField())
	if err != nil {
		return nil, fmt.Errorf("assign witness: %w", err)
	}
	return &Witness{Full: full, Public: pub, Commitment: leaf}, nil
}

// PublicWitness assigns only the public inputs.
func PublicWitness(levels int, pub PublicInputs) (backendwitness.Witness, error) {
	return frontend.NewWitness(publicAssignment(levels, pub), circuits.Curve().ScalarField(), frontend.PublicOnly())
}
