// Package engine is a reference proving engine for the mixer: a Groth16
// circuit over BN254 with MiMC commitments, nullifier hashes and tree nodes.
package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/yourorg/mixerzk/circuits"
	"github.com/yourorg/mixerzk/internal/mimc"
	"github.com/yourorg/mixerzk/pkg/merkle"
	"github.com/yourorg/mixerzk/pkg/note"
	"github.com/yourorg/mixerzk/pkg/proof"
)

// Engine compiles the circuit once and proves against cached keys.
type Engine struct {
	levels      int
	ccs         constraint.ConstraintSystem
	pk          groth16.ProvingKey
	vk          groth16.VerifyingKey
	proofLen    int
	fingerprint string
}

var _ proof.Engine = (*Engine)(nil)

// Option configures New.
type Option func(*options)

type options struct {
	keyDir string
}

// WithKeyDir loads the proving and verifying keys from dir, running the
// setup and writing them there when they are missing.
func WithKeyDir(dir string) Option {
	return func(o *options) { o.keyDir = dir }
}

// New compiles the circuit for a tree of the given depth and prepares keys.
// Without WithKeyDir a throwaway setup is run, which is only fit for tests.
func New(levels int, opts ...Option) (*Engine, error) {
	if levels <= 0 || levels > merkle.MaxLevels {
		return nil, fmt.Errorf("tree levels must be in [1,%d], got %d", merkle.MaxLevels, levels)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	ccs, err := frontend.Compile(circuits.Curve().ScalarField(), r1cs.NewBuilder, circuits.NewMixerCircuit(levels))
	if err != nil {
		return nil, fmt.Errorf("compile circuit: %w", err)
	}

	var buf bytes.Buffer
	if _, err := ccs.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serialize circuit: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())

	e := &Engine{levels: levels, ccs: ccs, fingerprint: hex.EncodeToString(sum[:4])}
	if o.keyDir != "" {
		err = e.loadOrSetup(o.keyDir)
	} else {
		e.pk, e.vk, err = groth16.Setup(ccs)
	}
	if err != nil {
		return nil, err
	}

	var zero bytes.Buffer
	if _, err := groth16.NewProof(circuits.Curve()).WriteTo(&zero); err != nil {
		return nil, err
	}
	e.proofLen = zero.Len()

	log.Info("Prepared proving engine", "levels", levels, "constraints", ccs.GetNbConstraints(),
		"circuit", e.fingerprint, "elapsed", time.Since(start))
	return e, nil
}

func (e *Engine) keyPaths(dir string) (string, string) {
	base := fmt.Sprintf("mixer_%d_%s", e.levels, e.fingerprint)
	return filepath.Join(dir, base+"_pk.bin"), filepath.Join(dir, base+"_vk.bin")
}

func (e *Engine) loadOrSetup(dir string) error {
	pkPath, vkPath := e.keyPaths(dir)

	pkBytes, pkErr := os.ReadFile(pkPath)
	vkBytes, vkErr := os.ReadFile(vkPath)
	if pkErr == nil && vkErr == nil {
		e.pk = groth16.NewProvingKey(circuits.Curve())
		if _, err := e.pk.ReadFrom(bytes.NewReader(pkBytes)); err != nil {
			return fmt.Errorf("read %s: %w", pkPath, err)
		}
		e.vk = groth16.NewVerifyingKey(circuits.Curve())
		if _, err := e.vk.ReadFrom(bytes.NewReader(vkBytes)); err != nil {
			return fmt.Errorf("read %s: %w", vkPath, err)
		}
		log.Debug("Loaded proving keys", "dir", dir)
		return nil
	}

	pk, vk, err := groth16.Setup(e.ccs)
	if err != nil {
		return fmt.Errorf("groth16 setup: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var b bytes.Buffer
	if _, err := pk.WriteTo(&b); err != nil {
		return err
	}
	if err := os.WriteFile(pkPath, b.Bytes(), 0o644); err != nil {
		return err
	}
	b.Reset()
	if _, err := vk.WriteTo(&b); err != nil {
		return err
	}
	if err := os.WriteFile(vkPath, b.Bytes(), 0o644); err != nil {
		return err
	}
	e.pk, e.vk = pk, vk
	log.Info("Wrote proving keys", "pk", pkPath, "vk", vkPath)
	return nil
}

func (e *Engine) Levels() int         { return e.levels }
func (e *Engine) ProofLen() int       { return e.proofLen }
func (e *Engine) Fingerprint() string { return e.fingerprint }

// VerifyingKey serializes the verifying key for a contract deployment.
func (e *Engine) VerifyingKey() ([]byte, error) {
	var b bytes.Buffer
	if _, err := e.vk.WriteTo(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (e *Engine) GenerateNote() (note.Note, error) { return note.Generate() }

// Commitment is MiMC(secret, nullifier).
func Commitment(n note.Note) note.Commitment {
	s, nf := n.Secret(), n.Nullifier()
	return mimc.Sum(s[:], nf[:])
}

// NullifierHash is MiMC(nullifier, nullifier).
func NullifierHash(n note.Note) common.Hash {
	nf := n.Nullifier()
	return mimc.Sum(nf[:], nf[:])
}

func (e *Engine) Derive(n note.Note) note.Commitment    { return Commitment(n) }
func (e *Engine) NullifierHash(n note.Note) common.Hash { return NullifierHash(n) }

func (e *Engine) GenerateWithdrawProof(ctx context.Context, req proof.Request) (*proof.RawBundle, error) {
	w, err := BuildWitness(e.levels, req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	p, err := groth16.Prove(e.ccs, e.pk, w.Full)
	if err != nil {
		return nil, fmt.Errorf("groth16 prove: %w", err)
	}
	var buf bytes.Buffer
	if _, err := p.WriteTo(&buf); err != nil {
		return nil, err
	}
	log.Debug("Generated proof", "leaf", req.LeafIndex, "elapsed", time.Since(start))

	return &proof.RawBundle{
		Proof:         buf.Bytes(),
		Root:          w.Public.Root.Bytes(),
		NullifierHash: w.Public.NullifierHash.Bytes(),
		Commitment:    w.Commitment.Bytes(),
	}, nil
}

// Verify checks a bundle against the withdrawal parameters it was built for.
func (e *Engine) Verify(b *proof.Bundle, params proof.Params) error {
	params = params.Normalized()
	pub := PublicInputs{
		Root:          b.Root,
		NullifierHash: b.NullifierHash,
		ExtDataHash:   ExtDataHash(params.Recipient, params.Relayer, params.Fee, params.Refund),
	}
	pw, err := PublicWitness(e.levels, pub)
	if err != nil {
		return fmt.Errorf("public witness: %w", err)
	}

	p := groth16.NewProof(circuits.Curve())
	if _, err := p.ReadFrom(bytes.NewReader(b.Proof)); err != nil {
		return fmt.Errorf("decode proof: %w", err)
	}
	if err := groth16.Verify(p, e.vk, pw); err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	return nil
}
