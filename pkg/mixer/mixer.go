// Package mixer wires the note codec, synchronizer, proof orchestrator and
// transaction orchestrator into the deposit and withdraw pipelines for one
// contract.
package mixer

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/log"

	"github.com/yourorg/mixerzk/pkg/anonset"
	"github.com/yourorg/mixerzk/pkg/mixerr"
	"github.com/yourorg/mixerzk/pkg/note"
	"github.com/yourorg/mixerzk/pkg/proof"
	"github.com/yourorg/mixerzk/pkg/txn"
)

// Client runs the pipelines. A Client is safe for concurrent use; pipelines
// for different notes share the synchronizer's cache.
type Client struct {
	engine proof.Engine
	sync   *anonset.Synchronizer
	proofs *proof.Orchestrator
	tx     *txn.Orchestrator
}

func New(engine proof.Engine, sync *anonset.Synchronizer, tx *txn.Orchestrator, opts ...proof.OrchestratorOption) *Client {
	return &Client{
		engine: engine,
		sync:   sync,
		proofs: proof.NewOrchestrator(engine, engine, opts...),
		tx:     tx,
	}
}

func (c *Client) Contract() string { return c.tx.Contract() }

// NewNote draws a note from the engine.
func (c *Client) NewNote() (note.Note, error) { return c.engine.GenerateNote() }

// Deposit submits n to the contract.
func (c *Client) Deposit(ctx context.Context, sender string, n note.Note) (*txn.TxResult, error) {
	return c.tx.Deposit(ctx, sender, n)
}

// Prove syncs the anonymity set and builds a withdrawal proof for n. When
// the note is not in the cached set, the set is refreshed once and the
// lookup retried.
func (c *Client) Prove(ctx context.Context, n note.Note, p proof.Params) (*proof.Bundle, error) {
	set, err := c.sync.Sync(ctx, c.Contract())
	if err != nil {
		return nil, err
	}

	b, err := c.proofs.BuildWithdrawProof(ctx, n, set, p)
	var nf *mixerr.NotFoundError
	if !errors.As(err, &nf) {
		return b, err
	}

	log.Debug("Note not in cached set, refreshing", "contract", c.Contract(), "leaves", set.Len())
	if set, err = c.sync.Refresh(ctx, c.Contract()); err != nil {
		return nil, err
	}
	return c.proofs.BuildWithdrawProof(ctx, n, set, p)
}

// Withdraw proves and submits a withdrawal of n.
func (c *Client) Withdraw(ctx context.Context, sender string, n note.Note, p proof.Params) (*txn.TxResult, error) {
	b, err := c.Prove(ctx, n, p)
	if err != nil {
		return nil, err
	}
	return c.tx.Withdraw(ctx, sender, b, p)
}
