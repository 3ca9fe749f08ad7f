package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"github.com/yourorg/mixerzk/pkg/note"
)

// Deposit actions emitted by the mixer contract.
const (
	ActionDepositNative = "deposit_native"
	ActionDepositCw20   = "deposit_cw20"
)

const (
	eventWasm      = "wasm"
	attrContract   = "_contract_address"
	attrAction     = "action"
	attrCommitment = "commitment"
	attrIndex      = "inserted_index"
)

// Deposit is one commitment insertion observed in a deposit event.
type Deposit struct {
	Commitment    note.Commitment
	InsertedIndex uint32 // valid when HasIndex
	HasIndex      bool
	Height        int64
	TxIndex       uint32
	EventSeq      int // position among the deposit events of the same tx
	TxHash        string
}

// DepositQuery selects deposit events.
type DepositQuery struct {
	Contract  string
	Action    string
	MinHeight int64 // 0 means from genesis
}

func (q DepositQuery) String() string {
	s := fmt.Sprintf("%s.%s='%s' AND %s.%s='%s'", eventWasm, attrContract, q.Contract, eventWasm, attrAction, q.Action)
	if q.MinHeight > 0 {
		s += fmt.Sprintf(" AND tx.height>=%d", q.MinHeight)
	}
	return s
}

func (q DepositQuery) validate() error {
	if q.Contract == "" || q.Action == "" {
		return errors.New("deposit query needs a contract and an action")
	}
	if strings.ContainsAny(q.Contract+q.Action, "'\\") {
		return fmt.Errorf("deposit query contains quote characters: %q %q", q.Contract, q.Action)
	}
	return nil
}

type eventAttribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type abciEvent struct {
	Type       string           `json:"type"`
	Attributes []eventAttribute `json:"attributes"`
}

type txSearchResult struct {
	Txs []struct {
		Hash     string  `json:"hash"`
		Height   jsonInt `json:"height"`
		Index    jsonInt `json:"index"`
		TxResult struct {
			Code   jsonInt     `json:"code"`
			Events []abciEvent `json:"events"`
		} `json:"tx_result"`
	} `json:"txs"`
	TotalCount jsonInt `json:"total_count"`
}

// SearchDeposits pages through tx_search in ascending order and returns the
// deposits in the order the node reports them. Failed transactions are
// skipped. Callers decide how much to trust that order.
func (c *Client) SearchDeposits(ctx context.Context, q DepositQuery) ([]Deposit, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	var (
		out   []Deposit
		seen  int
		query = q.String()
	)
	for page := 1; ; page++ {
		var res txSearchResult
		err := c.call(ctx, &res, "tx_search",
			query, false, strconv.Itoa(page), strconv.Itoa(c.perPage), "asc")
		if err != nil {
			return nil, err
		}

		for _, tx := range res.Txs {
			if tx.TxResult.Code != 0 {
				log.Debug("Skipping failed deposit tx", "hash", tx.Hash, "code", int64(tx.TxResult.Code))
				continue
			}
			deps, err := depositsFromEvents(tx.TxResult.Events, q)
			if err != nil {
				return nil, fmt.Errorf("tx %s at height %d: %w", tx.Hash, int64(tx.Height), err)
			}
			for _, d := range deps {
				d.Height = int64(tx.Height)
				d.TxIndex = uint32(tx.Index)
				d.TxHash = tx.Hash
				out = append(out, d)
			}
		}
		seen += len(res.Txs)

		log.Debug("Fetched deposit page", "contract", q.Contract, "action", q.Action,
			"page", page, "txs", len(res.Txs), "total", int64(res.TotalCount))

		if len(res.Txs) == 0 || seen >= int(res.TotalCount) {
			break
		}
	}
	return out, nil
}

func depositsFromEvents(events []abciEvent, q DepositQuery) ([]Deposit, error) {
	var out []Deposit
	for _, ev := range events {
		if ev.Type != eventWasm {
			continue
		}
		attrs := normalizeAttributes(ev.Attributes)
		if attrs[attrContract] != q.Contract || attrs[attrAction] != q.Action {
			continue
		}

		raw, ok := attrs[attrCommitment]
		if !ok {
			return nil, fmt.Errorf("%s event without %s attribute", q.Action, attrCommitment)
		}
		b, err := DecodeBinary(raw)
		if err != nil {
			return nil, fmt.Errorf("decode commitment %q: %w", raw, err)
		}
		cm, err := note.CommitmentFromBytes(b)
		if err != nil {
			return nil, err
		}

		d := Deposit{Commitment: cm, EventSeq: len(out)}
		if s, ok := attrs[attrIndex]; ok {
			idx, err := strconv.ParseUint(s, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("decode %s %q: %w", attrIndex, s, err)
			}
			d.InsertedIndex, d.HasIndex = uint32(idx), true
		}
		out = append(out, d)
	}
	return out, nil
}

// normalizeAttributes flattens an event into a map. CometBFT 0.34 base64
// encodes attribute keys and values; later versions send them verbatim.
func normalizeAttributes(attrs []eventAttribute) map[string]string {
	plain := make(map[string]string, len(attrs))
	for _, a := range attrs {
		plain[a.Key] = a.Value
	}
	if _, ok := plain[attrContract]; ok {
		return plain
	}

	decoded := make(map[string]string, len(attrs))
	for _, a := range attrs {
		k, err := base64.StdEncoding.DecodeString(a.Key)
		if err != nil {
			return plain
		}
		v, err := base64.StdEncoding.DecodeString(a.Value)
		if err != nil {
			return plain
		}
		decoded[string(k)] = string(v)
	}
	return decoded
}

// DecodeBinary normalises a CosmWasm Binary rendered either as base64 or as
// a JSON byte array.
func DecodeBinary(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(s), &ints); err != nil {
			return nil, err
		}
		out := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 0xff {
				return nil, fmt.Errorf("byte %d out of range: %d", i, v)
			}
			out[i] = byte(v)
		}
		return out, nil
	}
	return note.DecodeBase64(s)
}
