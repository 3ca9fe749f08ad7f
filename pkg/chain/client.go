// Package chain is the read side of the ledger: a CometBFT JSON-RPC client
// that searches the mixer's deposit events and runs CosmWasm smart queries.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/rpc"
)

// DefaultPerPage is the largest page CometBFT serves from tx_search.
const DefaultPerPage = 100

// Client talks to a CometBFT node.
type Client struct {
	rpc     *rpc.Client
	perPage int
}

// Option tweaks a Client.
type Option func(*Client)

// WithPerPage overrides the tx_search page size.
func WithPerPage(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.perPage = n
		}
	}
}

// Dial connects to the node's RPC endpoint (http, https, ws or wss).
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewClient(rc, opts...), nil
}

// NewClient wraps an existing RPC connection.
func NewClient(rc *rpc.Client, opts ...Option) *Client {
	c := &Client{rpc: rc, perPage: DefaultPerPage}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Close releases the underlying connection.
func (c *Client) Close() { c.rpc.Close() }

// jsonInt accepts both quoted and bare integers, since CometBFT quotes every
// 64-bit field and leaves the narrower ones bare.
type jsonInt int64

func (i *jsonInt) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		s = unq
	}
	if s == "" {
		*i = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("integer field %s: %w", string(b), err)
	}
	*i = jsonInt(v)
	return nil
}

func (c *Client) call(ctx context.Context, out any, method string, params ...any) error {
	var raw json.RawMessage
	if err := c.rpc.CallContext(ctx, &raw, method, params...); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}
