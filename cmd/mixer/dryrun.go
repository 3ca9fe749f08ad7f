package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/ethereum/go-ethereum/log"

	"github.com/yourorg/mixerzk/pkg/txn"
)

// dryRun prints execute messages instead of broadcasting them. Signing is
// left to a wallet that consumes the printed payload.
type dryRun struct {
	out io.Writer
}

type executePayload struct {
	Sender   string          `json:"sender"`
	Contract string          `json:"contract"`
	Msg      json.RawMessage `json:"msg"`
	Funds    []txn.Coin      `json:"funds"`
}

func (d dryRun) Execute(_ context.Context, sender, contract string, msg json.RawMessage, funds []txn.Coin) (*txn.TxResult, error) {
	if funds == nil {
		funds = []txn.Coin{}
	}
	b, err := json.MarshalIndent(executePayload{Sender: sender, Contract: contract, Msg: msg, Funds: funds}, "", "  ")
	if err != nil {
		return nil, err
	}
	if _, err := d.out.Write(append(b, '\n')); err != nil {
		return nil, err
	}
	log.Info("Execute message printed, not broadcast", "contract", contract, "funds", len(funds))
	return &txn.TxResult{}, nil
}
