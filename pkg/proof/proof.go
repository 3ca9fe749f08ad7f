// Package proof wraps a proving engine with the checks a withdrawal proof
// must pass before it is allowed anywhere near the ledger.
package proof

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/yourorg/mixerzk/pkg/anonset"
	"github.com/yourorg/mixerzk/pkg/mixerr"
	"github.com/yourorg/mixerzk/pkg/note"
)

// Deriver maps a note to its commitment. It must be deterministic.
type Deriver interface {
	Derive(n note.Note) note.Commitment
}

// NoteGenerator draws fresh notes.
type NoteGenerator interface {
	GenerateNote() (note.Note, error)
}

// Prover produces withdrawal proofs.
type Prover interface {
	GenerateWithdrawProof(ctx context.Context, req Request) (*RawBundle, error)
}

// Engine is the full proving engine surface.
type Engine interface {
	NoteGenerator
	Deriver
	Prover
}

// FixedLength is implemented by engines whose proofs have a constant size.
type FixedLength interface {
	ProofLen() int
}

// RootChecker confirms a root is among a contract's accepted roots.
type RootChecker interface {
	KnownRoot(ctx context.Context, contract string, root common.Hash) (bool, error)
}

// Params are the withdrawal inputs chosen by the user. Nil amounts are zero.
type Params struct {
	Recipient string
	Relayer   string
	Fee       *uint256.Int
	Refund    *uint256.Int
}

// Normalized returns a copy with nil amounts replaced by zero.
func (p Params) Normalized() Params {
	if p.Fee == nil {
		p.Fee = new(uint256.Int)
	}
	if p.Refund == nil {
		p.Refund = new(uint256.Int)
	}
	return p
}

// Request is what the engine receives.
type Request struct {
	Note      note.Note
	LeafIndex uint32
	Leaves    []note.Commitment
	Recipient string
	Relayer   string
	Fee       *uint256.Int
	Refund    *uint256.Int
}

// RawBundle is the unvalidated engine output.
type RawBundle struct {
	Proof         []byte
	Root          []byte
	NullifierHash []byte
	Commitment    []byte
}

// Bundle is a validated proof ready for submission.
type Bundle struct {
	Proof         []byte
	Root          common.Hash
	NullifierHash common.Hash
	Commitment    note.Commitment
	LeafIndex     uint32
}

// Orchestrator drives one proof request.
type Orchestrator struct {
	deriver Deriver
	prover  Prover
	roots   RootChecker
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithRootChecker rejects bundles whose root the contract does not know.
func WithRootChecker(rc RootChecker) OrchestratorOption {
	return func(o *Orchestrator) { o.roots = rc }
}

func NewOrchestrator(d Deriver, p Prover, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{deriver: d, prover: p}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// BuildWithdrawProof resolves the note in set, asks the engine for a proof
// and validates the result.
func (o *Orchestrator) BuildWithdrawProof(ctx context.Context, n note.Note, set anonset.Set, p Params) (*Bundle, error) {
	p = p.Normalized()
	if err := checkParams(p); err != nil {
		return nil, err
	}

	c := o.deriver.Derive(n)
	idx, err := anonset.Resolve(set, c)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := o.prover.GenerateWithdrawProof(ctx, Request{
		Note:      n,
		LeafIndex: idx,
		Leaves:    set.Commitments(),
		Recipient: p.Recipient,
		Relayer:   p.Relayer,
		Fee:       p.Fee,
		Refund:    p.Refund,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, &mixerr.CanceledError{At: mixerr.StageProve, Err: ctx.Err()}
		}
		return nil, &mixerr.InvalidProofBundleError{Reason: "engine failed", Err: err}
	}

	b, err := o.validate(raw, c)
	if err != nil {
		return nil, err
	}
	b.LeafIndex = idx

	if o.roots != nil {
		ok, err := o.roots.KnownRoot(ctx, set.Contract(), b.Root)
		if err != nil {
			return nil, &mixerr.SyncError{Contract: set.Contract(), Op: "known root", Err: err}
		}
		if !ok {
			return nil, &mixerr.InvalidProofBundleError{Reason: fmt.Sprintf("root %s is not in the contract's history", b.Root)}
		}
	}

	log.Debug("Built withdrawal proof", "contract", set.Contract(), "leaf", idx,
		"leaves", set.Len(), "root", b.Root, "elapsed", time.Since(start))
	return b, nil
}

func checkParams(p Params) error {
	if p.Recipient == "" {
		return &mixerr.InvalidProofBundleError{Reason: "empty recipient"}
	}
	if p.Relayer == "" {
		return &mixerr.InvalidProofBundleError{Reason: "empty relayer"}
	}
	if p.Fee.BitLen() > 128 || p.Refund.BitLen() > 128 {
		return &mixerr.InvalidProofBundleError{Reason: "fee and refund must fit in 128 bits"}
	}
	return nil
}

func (o *Orchestrator) validate(raw *RawBundle, want note.Commitment) (*Bundle, error) {
	if raw == nil {
		return nil, &mixerr.InvalidProofBundleError{Reason: "engine returned no bundle"}
	}
	if len(raw.Proof) == 0 {
		return nil, &mixerr.InvalidProofBundleError{Reason: "empty proof"}
	}
	if fl, ok := o.prover.(FixedLength); ok && len(raw.Proof) != fl.ProofLen() {
		return nil, &mixerr.InvalidProofBundleError{
			Reason: fmt.Sprintf("proof is %d bytes, engine emits %d", len(raw.Proof), fl.ProofLen()),
		}
	}
	for _, f := range []struct {
		name string
		b    []byte
	}{
		{"root", raw.Root},
		{"nullifier hash", raw.NullifierHash},
		{"commitment", raw.Commitment},
	} {
		if len(f.b) != common.HashLength {
			return nil, &mixerr.InvalidProofBundleError{
				Reason: fmt.Sprintf("%s is %d bytes, want %d", f.name, len(f.b), common.HashLength),
			}
		}
	}

	b := &Bundle{
		Proof:         append([]byte(nil), raw.Proof...),
		Root:          common.BytesToHash(raw.Root),
		NullifierHash: common.BytesToHash(raw.NullifierHash),
		Commitment:    common.BytesToHash(raw.Commitment),
	}
	if b.Commitment != want {
		return nil, &mixerr.InvalidProofBundleError{
			Reason: fmt.Sprintf("bundle commitment %s does not match note commitment %s", b.Commitment, want),
		}
	}
	if b.Root == (common.Hash{}) {
		return nil, &mixerr.InvalidProofBundleError{Reason: "zero root"}
	}
	return b, nil
}
