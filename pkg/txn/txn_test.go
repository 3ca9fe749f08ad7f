package txn

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/mixerzk/pkg/chain"
	"github.com/yourorg/mixerzk/pkg/chain/chaintest"
	"github.com/yourorg/mixerzk/pkg/mixerr"
	"github.com/yourorg/mixerzk/pkg/note"
	"github.com/yourorg/mixerzk/pkg/proof"
)

const (
	contract = "orai1mixer"
	sender   = "orai1sender"
)

/* ---------------- fakes ---------------- */

type call struct {
	sender, contract string
	msg              json.RawMessage
	funds            []Coin
}

type fakeExec struct {
	calls []call
	err   error
}

func (f *fakeExec) Execute(_ context.Context, sender, contract string, msg json.RawMessage, funds []Coin) (*TxResult, error) {
	f.calls = append(f.calls, call{sender, contract, msg, funds})
	if f.err != nil {
		return nil, f.err
	}
	return &TxResult{Hash: "ABCD", Height: 7}, nil
}

type fakeConfig struct {
	cfg   chain.ConfigResponse
	err   error
	reads int
}

func (f *fakeConfig) Config(context.Context, string) (*chain.ConfigResponse, error) {
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	c := f.cfg
	return &c, nil
}

type shaDeriver struct{}

func (shaDeriver) Derive(n note.Note) note.Commitment { return sha256.Sum256(n[:]) }

// nodeExec executes against the fake node's contract simulation.
type nodeExec struct{ node *chaintest.Node }

func (e nodeExec) Execute(_ context.Context, _, contract string, msg json.RawMessage, funds []Coin) (*TxResult, error) {
	coins := make([]chaintest.Coin, len(funds))
	for i, f := range funds {
		coins[i] = chaintest.Coin{Denom: f.Denom, Amount: f.Amount}
	}
	tx, err := e.node.Apply(contract, msg, coins)
	if err != nil {
		return nil, err
	}
	return &TxResult{Hash: tx.Hash, Height: tx.Height}, nil
}

var oraiConfig = chain.ConfigResponse{NativeTokenDenom: "orai", DepositSize: "1000000"}

func bundle() *proof.Bundle {
	return &proof.Bundle{
		Proof:         []byte{1, 2, 3, 4},
		Root:          common.HexToHash("0x0a"),
		NullifierHash: common.HexToHash("0x0b"),
		Commitment:    common.HexToHash("0x0c"),
	}
}

/* ---------------- deposit ---------------- */

func TestDepositAttachesDepositSize(t *testing.T) {
	exec := &fakeExec{}
	o := NewOrchestrator(contract, exec, &fakeConfig{cfg: oraiConfig}, shaDeriver{})
	n, err := note.Generate()
	require.NoError(t, err)

	res, err := o.Deposit(context.Background(), sender, n)
	require.NoError(t, err)
	require.Equal(t, "ABCD", res.Hash)

	require.Len(t, exec.calls, 1)
	c := exec.calls[0]
	require.Equal(t, sender, c.sender)
	require.Equal(t, contract, c.contract)
	require.Equal(t, []Coin{{Denom: "orai", Amount: "1000000"}}, c.funds)

	want := shaDeriver{}.Derive(n)
	require.JSONEq(t,
		`{"deposit":{"commitment":"`+base64.StdEncoding.EncodeToString(want[:])+`"}}`,
		string(c.msg))
}

func TestDepositConfigFailures(t *testing.T) {
	vec := []struct {
		name string
		cfg  *fakeConfig
	}{
		{"query error", &fakeConfig{err: errors.New("connection refused")}},
		{"bad amount", &fakeConfig{cfg: chain.ConfigResponse{NativeTokenDenom: "orai", DepositSize: "1e6"}}},
		{"cw20 only", &fakeConfig{cfg: chain.ConfigResponse{Cw20Address: "orai1token", DepositSize: "10"}}},
	}
	for _, v := range vec {
		t.Run(v.name, func(t *testing.T) {
			exec := &fakeExec{}
			_, err := NewOrchestrator(contract, exec, v.cfg, shaDeriver{}).Deposit(context.Background(), sender, note.Note{})
			require.Equal(t, mixerr.StageSync, mixerr.StageOf(err))
			require.Empty(t, exec.calls)
		})
	}
}

func TestDepositSubmissionErrorIsWrappedOnce(t *testing.T) {
	ledgerErr := errors.New("out of gas")
	exec := &fakeExec{err: ledgerErr}
	_, err := NewOrchestrator(contract, exec, &fakeConfig{cfg: oraiConfig}, shaDeriver{}).
		Deposit(context.Background(), sender, note.Note{})

	var sub *mixerr.SubmissionError
	require.ErrorAs(t, err, &sub)
	require.Equal(t, ledgerErr, sub.Err)
	require.Equal(t, ActionDeposit, sub.Action)
	require.Len(t, exec.calls, 1)
}

func TestConfigReadIsIdempotent(t *testing.T) {
	node := chaintest.New(t, chaintest.Options{})
	node.AddContract(contract, 8, oraiConfig)
	c, err := chain.Dial(context.Background(), node.URL())
	require.NoError(t, err)
	defer c.Close()

	a, err := c.Config(context.Background(), contract)
	require.NoError(t, err)
	b, err := c.Config(context.Background(), contract)
	require.NoError(t, err)
	require.Equal(t, a.DepositSize, b.DepositSize)

	o := NewOrchestrator(contract, &fakeExec{}, c, shaDeriver{})
	_, f1, _, err := o.BuildDeposit(context.Background(), note.Note{})
	require.NoError(t, err)
	_, f2, _, err := o.BuildDeposit(context.Background(), note.Note{1})
	require.NoError(t, err)
	require.Equal(t, f1, f2)
}

func TestDepositAcceptedByContract(t *testing.T) {
	node := chaintest.New(t, chaintest.Options{})
	node.AddContract(contract, 8, oraiConfig)
	c, err := chain.Dial(context.Background(), node.URL())
	require.NoError(t, err)
	defer c.Close()

	n, err := note.Generate()
	require.NoError(t, err)
	_, err = NewOrchestrator(contract, nodeExec{node}, c, shaDeriver{}).Deposit(context.Background(), sender, n)
	require.NoError(t, err)
	require.Equal(t, []common.Hash{shaDeriver{}.Derive(n)}, node.Leaves(contract))
}

/* ---------------- withdraw ---------------- */

func TestWithdrawDefaultsToZero(t *testing.T) {
	exec := &fakeExec{}
	cfg := &fakeConfig{cfg: oraiConfig}
	o := NewOrchestrator(contract, exec, cfg, shaDeriver{})

	_, err := o.Withdraw(context.Background(), sender, bundle(), proof.Params{Recipient: "orai1rcpt", Relayer: "orai1rly"})
	require.NoError(t, err)
	require.Zero(t, cfg.reads)

	c := exec.calls[0]
	require.Empty(t, c.funds)

	var got struct {
		Withdraw map[string]any `json:"withdraw"`
	}
	require.NoError(t, json.Unmarshal(c.msg, &got))
	b := bundle()
	require.Equal(t, map[string]any{
		"proof_bytes":    base64.StdEncoding.EncodeToString(b.Proof),
		"root":           base64.StdEncoding.EncodeToString(b.Root[:]),
		"nullifier_hash": base64.StdEncoding.EncodeToString(b.NullifierHash[:]),
		"recipient":      "orai1rcpt",
		"relayer":        "orai1rly",
		"fee":            "0",
		"refund":         "0",
	}, got.Withdraw)
}

func TestWithdrawFeeAndRefund(t *testing.T) {
	exec := &fakeExec{}
	o := NewOrchestrator(contract, exec, &fakeConfig{cfg: oraiConfig}, shaDeriver{})
	p := proof.Params{Recipient: "r", Relayer: "l", Fee: uint256.NewInt(2500), Refund: uint256.NewInt(40)}

	_, err := o.Withdraw(context.Background(), sender, bundle(), p)
	require.NoError(t, err)
	require.Equal(t, []Coin{{Denom: "orai", Amount: "40"}}, exec.calls[0].funds)

	var got struct {
		Withdraw WithdrawMsg `json:"withdraw"`
	}
	require.NoError(t, json.Unmarshal(exec.calls[0].msg, &got))
	require.Equal(t, "2500", got.Withdraw.Fee)
	require.Equal(t, "40", got.Withdraw.Refund)
}

func TestWithdrawRejectsFeeAboveDeposit(t *testing.T) {
	exec := &fakeExec{}
	o := NewOrchestrator(contract, exec, &fakeConfig{cfg: oraiConfig}, shaDeriver{})

	_, err := o.Withdraw(context.Background(), sender, bundle(),
		proof.Params{Recipient: "r", Relayer: "l", Fee: uint256.NewInt(1000001)})
	require.Equal(t, mixerr.StageSubmit, mixerr.StageOf(err))
	require.Empty(t, exec.calls)
}

func TestWithdrawSubmissionErrorNotRetried(t *testing.T) {
	ledgerErr := errors.New("nullifier already used")
	exec := &fakeExec{err: ledgerErr}
	o := NewOrchestrator(contract, exec, &fakeConfig{cfg: oraiConfig}, shaDeriver{})

	_, err := o.Withdraw(context.Background(), sender, bundle(), proof.Params{Recipient: "r", Relayer: "l"})
	require.ErrorIs(t, err, ledgerErr)
	require.Equal(t, mixerr.StageSubmit, mixerr.StageOf(err))
	require.False(t, mixerr.Retryable(err))
	require.Len(t, exec.calls, 1)
}

func TestWithdrawRejectsMissingBundle(t *testing.T) {
	exec := &fakeExec{}
	o := NewOrchestrator(contract, exec, &fakeConfig{cfg: oraiConfig}, shaDeriver{})

	_, err := o.Withdraw(context.Background(), sender, nil, proof.Params{Recipient: "r", Relayer: "l"})
	var sub *mixerr.SubmissionError
	require.ErrorAs(t, err, &sub)
	require.Equal(t, ActionWithdraw, sub.Action)
	require.Empty(t, exec.calls)
}
