// Package txn builds the mixer's deposit and withdraw execute messages and
// hands them to a ledger client.
package txn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/yourorg/mixerzk/pkg/chain"
	"github.com/yourorg/mixerzk/pkg/mixerr"
	"github.com/yourorg/mixerzk/pkg/note"
	"github.com/yourorg/mixerzk/pkg/proof"
)

const (
	ActionDeposit  = "deposit"
	ActionWithdraw = "withdraw"
)

// Coin is an amount of one denomination attached to an execute message.
type Coin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

// TxResult is what the ledger client reports for an included transaction.
type TxResult struct {
	Hash    string `json:"hash"`
	Height  int64  `json:"height"`
	GasUsed int64  `json:"gas_used,omitempty"`
}

// Executor signs, broadcasts and waits for inclusion of a contract call.
type Executor interface {
	Execute(ctx context.Context, sender, contract string, msg json.RawMessage, funds []Coin) (*TxResult, error)
}

// ConfigReader reads the mixer's configuration.
type ConfigReader interface {
	Config(ctx context.Context, contract string) (*chain.ConfigResponse, error)
}

// DepositMsg and WithdrawMsg mirror the contract's execute variants. Byte
// fields marshal as standard base64, the CosmWasm Binary encoding.
type DepositMsg struct {
	Commitment []byte `json:"commitment"`
}

type WithdrawMsg struct {
	ProofBytes    []byte `json:"proof_bytes"`
	Root          []byte `json:"root"`
	NullifierHash []byte `json:"nullifier_hash"`
	Recipient     string `json:"recipient"`
	Relayer       string `json:"relayer"`
	Fee           string `json:"fee"`
	Refund        string `json:"refund"`
}

type executeMsg struct {
	Deposit  *DepositMsg  `json:"deposit,omitempty"`
	Withdraw *WithdrawMsg `json:"withdraw,omitempty"`
}

// Orchestrator submits mixer transactions for one contract.
type Orchestrator struct {
	contract string
	exec     Executor
	config   ConfigReader
	deriver  proof.Deriver
}

func NewOrchestrator(contract string, exec Executor, config ConfigReader, deriver proof.Deriver) *Orchestrator {
	return &Orchestrator{contract: contract, exec: exec, config: config, deriver: deriver}
}

func (o *Orchestrator) Contract() string { return o.contract }

func (o *Orchestrator) readConfig(ctx context.Context) (*chain.ConfigResponse, *uint256.Int, error) {
	cfg, err := o.config.Config(ctx, o.contract)
	if err != nil {
		return nil, nil, &mixerr.SyncError{Contract: o.contract, Op: "config", Err: err}
	}
	size, err := cfg.DepositAmount()
	if err != nil {
		return nil, nil, &mixerr.SyncError{Contract: o.contract, Op: "config", Err: err}
	}
	return cfg, size, nil
}

// BuildDeposit derives n's commitment and returns the deposit message and the
// funds it must carry.
func (o *Orchestrator) BuildDeposit(ctx context.Context, n note.Note) (json.RawMessage, []Coin, note.Commitment, error) {
	cfg, size, err := o.readConfig(ctx)
	if err != nil {
		return nil, nil, note.Commitment{}, err
	}
	if cfg.NativeTokenDenom == "" {
		return nil, nil, note.Commitment{}, &mixerr.SyncError{Contract: o.contract, Op: "config",
			Err: fmt.Errorf("contract has no native denomination (cw20 %q deposits are not supported)", cfg.Cw20Address)}
	}

	c := o.deriver.Derive(n)
	msg, err := json.Marshal(executeMsg{Deposit: &DepositMsg{Commitment: c.Bytes()}})
	if err != nil {
		return nil, nil, note.Commitment{}, err
	}
	return msg, []Coin{{Denom: cfg.NativeTokenDenom, Amount: size.Dec()}}, c, nil
}

// Deposit submits a deposit for n with exactly the configured deposit size.
func (o *Orchestrator) Deposit(ctx context.Context, sender string, n note.Note) (*TxResult, error) {
	msg, funds, c, err := o.BuildDeposit(ctx, n)
	if err != nil {
		return nil, err
	}
	res, err := o.exec.Execute(ctx, sender, o.contract, msg, funds)
	if err != nil {
		return nil, &mixerr.SubmissionError{Action: ActionDeposit, Contract: o.contract, Err: err}
	}
	log.Info("Deposit included", "contract", o.contract, "commitment", c, "tx", res.Hash, "height", res.Height)
	return res, nil
}

// BuildWithdraw returns the withdraw message for a validated bundle and the
// refund funds it must carry. The fee may not exceed the deposit size.
func (o *Orchestrator) BuildWithdraw(ctx context.Context, b *proof.Bundle, p proof.Params) (json.RawMessage, []Coin, error) {
	if b == nil {
		return nil, nil, o.rejected(fmt.Errorf("no proof bundle"))
	}
	p = p.Normalized()
	if p.Fee.BitLen() > 128 || p.Refund.BitLen() > 128 {
		return nil, nil, o.rejected(fmt.Errorf("fee and refund must fit in 128 bits"))
	}

	var funds []Coin
	if !p.Fee.IsZero() || !p.Refund.IsZero() {
		cfg, size, err := o.readConfig(ctx)
		if err != nil {
			return nil, nil, err
		}
		if p.Fee.Gt(size) {
			return nil, nil, o.rejected(fmt.Errorf("fee %s exceeds deposit size %s", p.Fee.Dec(), size.Dec()))
		}
		if !p.Refund.IsZero() {
			funds = []Coin{{Denom: cfg.NativeTokenDenom, Amount: p.Refund.Dec()}}
		}
	}

	msg, err := json.Marshal(executeMsg{Withdraw: &WithdrawMsg{
		ProofBytes:    b.Proof,
		Root:          b.Root.Bytes(),
		NullifierHash: b.NullifierHash.Bytes(),
		Recipient:     p.Recipient,
		Relayer:       p.Relayer,
		Fee:           p.Fee.Dec(),
		Refund:        p.Refund.Dec(),
	}})
	if err != nil {
		return nil, nil, err
	}
	return msg, funds, nil
}

// rejected reports a withdrawal refused before it reached the ledger.
func (o *Orchestrator) rejected(err error) error {
	return &mixerr.SubmissionError{Action: ActionWithdraw, Contract: o.contract, Err: err}
}

// Withdraw submits a withdrawal. Ledger errors are returned once, wrapped as
// a SubmissionError; nothing is retried.
func (o *Orchestrator) Withdraw(ctx context.Context, sender string, b *proof.Bundle, p proof.Params) (*TxResult, error) {
	msg, funds, err := o.BuildWithdraw(ctx, b, p)
	if err != nil {
		return nil, err
	}
	res, err := o.exec.Execute(ctx, sender, o.contract, msg, funds)
	if err != nil {
		return nil, &mixerr.SubmissionError{Action: ActionWithdraw, Contract: o.contract, Err: err}
	}
	log.Info("Withdrawal included", "contract", o.contract, "nullifier", b.NullifierHash, "tx", res.Hash, "height", res.Height)
	return res, nil
}
