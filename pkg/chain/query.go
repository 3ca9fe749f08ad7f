package chain

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
)

// RootHistorySize is the number of recent roots the contract accepts.
const RootHistorySize = 100

// ConfigResponse is the answer to {"config":{}}.
type ConfigResponse struct {
	NativeTokenDenom string `json:"native_token_denom"`
	Cw20Address      string `json:"cw20_address,omitempty"`
	DepositSize      string `json:"deposit_size"`
}

// DepositAmount parses DepositSize, a decimal Uint128.
func (c *ConfigResponse) DepositAmount() (*uint256.Int, error) {
	v, err := uint256.FromDecimal(c.DepositSize)
	if err != nil {
		return nil, fmt.Errorf("deposit_size %q: %w", c.DepositSize, err)
	}
	if v.BitLen() > 128 {
		return nil, fmt.Errorf("deposit_size %q exceeds Uint128", c.DepositSize)
	}
	return v, nil
}

// MerkleTreeInfoResponse is the answer to {"merkle_tree_info":{}}.
type MerkleTreeInfoResponse struct {
	Levels           uint32 `json:"levels"`
	CurrentRootIndex uint32 `json:"current_root_index"`
	NextIndex        uint32 `json:"next_index"`
}

type merkleRootResponse struct {
	Root string `json:"root"`
}

type abciQueryResult struct {
	Response struct {
		Code      jsonInt `json:"code"`
		Log       string  `json:"log"`
		Codespace string  `json:"codespace"`
		Value     string  `json:"value"`
	} `json:"response"`
}

// QuerySmart runs a CosmWasm smart query and returns the contract's raw JSON
// answer.
func (c *Client) QuerySmart(ctx context.Context, contract string, query any) (json.RawMessage, error) {
	q, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("encode smart query: %w", err)
	}

	var res abciQueryResult
	err = c.call(ctx, &res, "abci_query",
		SmartQueryPath, hex.EncodeToString(encodeSmartQuery(contract, q)), "0", false)
	if err != nil {
		return nil, err
	}
	if res.Response.Code != 0 {
		return nil, fmt.Errorf("smart query %s on %s: code %d (%s): %s",
			q, contract, int64(res.Response.Code), res.Response.Codespace, res.Response.Log)
	}

	raw, err := base64.StdEncoding.DecodeString(res.Response.Value)
	if err != nil {
		return nil, fmt.Errorf("smart query value: %w", err)
	}
	data, err := decodeSmartResponse(raw)
	if err != nil {
		return nil, err
	}
	log.Trace("Smart query", "contract", contract, "query", string(q), "bytes", len(data))
	return data, nil
}

func (c *Client) querySmartInto(ctx context.Context, contract string, query, out any) error {
	data, err := c.QuerySmart(ctx, contract, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode smart query answer %s: %w", data, err)
	}
	return nil
}

// Config returns the mixer's denomination and deposit size.
func (c *Client) Config(ctx context.Context, contract string) (*ConfigResponse, error) {
	var out ConfigResponse
	if err := c.querySmartInto(ctx, contract, map[string]any{"config": struct{}{}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MerkleTreeInfo returns the on-chain tree cursor.
func (c *Client) MerkleTreeInfo(ctx context.Context, contract string) (*MerkleTreeInfoResponse, error) {
	var out MerkleTreeInfoResponse
	if err := c.querySmartInto(ctx, contract, map[string]any{"merkle_tree_info": struct{}{}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MerkleRoot returns the root stored in history slot id.
func (c *Client) MerkleRoot(ctx context.Context, contract string, id uint32) (common.Hash, error) {
	var out merkleRootResponse
	q := map[string]any{"merkle_root": map[string]uint32{"id": id}}
	if err := c.querySmartInto(ctx, contract, q, &out); err != nil {
		return common.Hash{}, err
	}
	b, err := DecodeBinary(out.Root)
	if err != nil {
		return common.Hash{}, fmt.Errorf("merkle root %d: %w", id, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("merkle root %d: %d bytes", id, len(b))
	}
	return common.BytesToHash(b), nil
}

// KnownRoot reports whether root is among the contract's recent roots,
// walking the history ring backward from the current slot. The zero root is
// never known.
func (c *Client) KnownRoot(ctx context.Context, contract string, root common.Hash) (bool, error) {
	if root == (common.Hash{}) {
		return false, nil
	}
	info, err := c.MerkleTreeInfo(ctx, contract)
	if err != nil {
		return false, err
	}

	// The ring holds the initial root plus one per insertion.
	n := uint64(info.NextIndex) + 1
	if n > RootHistorySize {
		n = RootHistorySize
	}
	i := info.CurrentRootIndex % RootHistorySize
	for k := uint64(0); k < n; k++ {
		got, err := c.MerkleRoot(ctx, contract, i)
		if err != nil {
			return false, err
		}
		if got == root {
			return true, nil
		}
		if i == 0 {
			i = RootHistorySize
		}
		i--
	}
	return false, nil
}
