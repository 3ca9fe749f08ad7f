// Package chaintest runs an in-process fake CometBFT node that serves the
// subset of JSON-RPC the mixer client uses: tx_search over deposit events and
// abci_query smart queries against a simulated mixer contract.
package chaintest

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/yourorg/mixerzk/pkg/chain"
	"github.com/yourorg/mixerzk/pkg/merkle"
)

// Event is one wasm deposit event.
type Event struct {
	Contract      string
	Action        string
	Commitment    common.Hash
	InsertedIndex uint32
	OmitIndex     bool
}

// Tx is one indexed transaction.
type Tx struct {
	Hash   string
	Height int64
	Index  uint32
	Code   uint32
	Events []Event
}

// Contract is the simulated mixer state.
type Contract struct {
	Config chain.ConfigResponse
	Levels int

	leaves    []common.Hash
	roots     [chain.RootHistorySize]common.Hash
	rootIndex uint32
	spent     map[common.Hash]bool
}

// Options changes how the node renders events.
type Options struct {
	LegacyAttributes     bool // base64 keys and values, CometBFT 0.34 style
	JSONArrayCommitments bool // commitments as [1,2,...] instead of base64
}

// Node is the fake.
type Node struct {
	mu        sync.Mutex
	opts      Options
	height    int64
	txs       []*Tx
	contracts map[string]*Contract
	calls     map[string]int
	fail      map[string][]error
	hooks     map[string]func()

	srv *httptest.Server
}

// New starts a node and registers its shutdown with t.
func New(t testing.TB, opts Options) *Node {
	t.Helper()
	n := &Node{
		opts:      opts,
		contracts: map[string]*Contract{},
		calls:     map[string]int{},
		fail:      map[string][]error{},
		hooks:     map[string]func(){},
	}
	n.srv = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.srv.Close)
	return n
}

// URL is the node's RPC endpoint.
func (n *Node) URL() string { return n.srv.URL }

// AddContract instantiates a mixer at addr with a tree of the given depth.
func (n *Node) AddContract(addr string, levels int, cfg chain.ConfigResponse) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := &Contract{Config: cfg, Levels: levels, spent: map[common.Hash]bool{}}
	c.roots[0] = merkle.Zeros(levels)[levels]
	n.contracts[addr] = c
}

// Deposit indexes one successful deposit transaction per commitment.
func (n *Node) Deposit(addr string, cms ...common.Hash) {
	for _, cm := range cms {
		n.DepositTx(addr, cm)
	}
}

// DepositTx indexes a single transaction carrying one deposit event for each
// commitment.
func (n *Node) DepositTx(addr string, cms ...common.Hash) *Tx {
	n.mu.Lock()
	defer n.mu.Unlock()
	tx, err := n.depositLocked(addr, cms)
	if err != nil {
		panic(err)
	}
	return tx
}

// FailedTx indexes a deposit transaction with a non-zero result code. The
// contract state is unchanged.
func (n *Node) FailedTx(addr string, cm common.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.height++
	n.txs = append(n.txs, &Tx{
		Hash:   txHash(n.height, 0),
		Height: n.height,
		Code:   5,
		Events: []Event{{Contract: addr, Action: chain.ActionDepositNative, Commitment: cm}},
	})
}

// Mutate rewrites the indexed transactions, e.g. to simulate a node that
// reorders or forgets history.
func (n *Node) Mutate(f func([]*Tx) []*Tx) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.txs = f(n.txs)
}

// Leaves returns the simulated contract's leaves.
func (n *Node) Leaves(addr string) []common.Hash {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]common.Hash(nil), n.contracts[addr].leaves...)
}

// Spent reports whether a nullifier hash was consumed by a withdrawal.
func (n *Node) Spent(addr string, nullifierHash common.Hash) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.contracts[addr].spent[nullifierHash]
}

// Calls returns how many times method was served.
func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

// FailNext makes the next calls to method fail with errs, one per call.
func (n *Node) FailNext(method string, errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail[method] = append(n.fail[method], errs...)
}

// Hook runs f before every call to method, outside the node lock.
func (n *Node) Hook(method string, f func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hooks[method] = f
}

// Coin mirrors the funds attached to an execute message.
type Coin struct {
	Denom  string
	Amount string
}

// Apply executes a contract message the way the mixer contract would,
// indexing the resulting deposit events. Withdrawals are checked for a known
// root, an unspent nullifier and refund funds, but not for proof validity.
func (n *Node) Apply(addr string, msg []byte, funds []Coin) (*Tx, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	c, ok := n.contracts[addr]
	if !ok {
		return nil, fmt.Errorf("no contract %s", addr)
	}

	var m struct {
		Deposit *struct {
			Commitment string `json:"commitment"`
		} `json:"deposit"`
		Withdraw *struct {
			ProofBytes    string `json:"proof_bytes"`
			Root          string `json:"root"`
			NullifierHash string `json:"nullifier_hash"`
			Recipient     string `json:"recipient"`
			Relayer       string `json:"relayer"`
			Fee           string `json:"fee"`
			Refund        string `json:"refund"`
		} `json:"withdraw"`
	}
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil, fmt.Errorf("parse execute msg: %w", err)
	}

	switch {
	case m.Deposit != nil:
		if len(funds) != 1 || funds[0].Denom != c.Config.NativeTokenDenom || funds[0].Amount != c.Config.DepositSize {
			return nil, errors.New("insufficient funds")
		}
		b, err := base64.StdEncoding.DecodeString(m.Deposit.Commitment)
		if err != nil || len(b) != common.HashLength {
			return nil, errors.New("invalid commitment")
		}
		return n.depositLocked(addr, []common.Hash{common.BytesToHash(b)})

	case m.Withdraw != nil:
		w := m.Withdraw
		root, err := base64.StdEncoding.DecodeString(w.Root)
		if err != nil || !c.knownRoot(common.BytesToHash(root)) {
			return nil, errors.New("cannot find your merkle root")
		}
		nh, err := base64.StdEncoding.DecodeString(w.NullifierHash)
		if err != nil || len(nh) != common.HashLength {
			return nil, errors.New("invalid nullifier hash")
		}
		if c.spent[common.BytesToHash(nh)] {
			return nil, errors.New("nullifier already used")
		}
		if _, err := base64.StdEncoding.DecodeString(w.ProofBytes); err != nil || w.ProofBytes == "" {
			return nil, errors.New("invalid proof bytes")
		}
		if w.Refund != "0" {
			if len(funds) != 1 || funds[0].Amount != w.Refund {
				return nil, errors.New("sent insufficient refund")
			}
		} else if len(funds) != 0 {
			return nil, errors.New("unexpected funds")
		}
		c.spent[common.BytesToHash(nh)] = true
		n.height++
		tx := &Tx{Hash: txHash(n.height, 0), Height: n.height}
		n.txs = append(n.txs, tx)
		return tx, nil
	}
	return nil, errors.New("unknown execute msg")
}

func (n *Node) depositLocked(addr string, cms []common.Hash) (*Tx, error) {
	c, ok := n.contracts[addr]
	if !ok {
		return nil, fmt.Errorf("no contract %s", addr)
	}
	n.height++
	tx := &Tx{Hash: txHash(n.height, 0), Height: n.height}
	for _, cm := range cms {
		c.leaves = append(c.leaves, cm)
		t, err := merkle.New(c.Levels, c.leaves)
		if err != nil {
			return nil, err
		}
		c.rootIndex = (c.rootIndex + 1) % chain.RootHistorySize
		c.roots[c.rootIndex] = t.Root()
		tx.Events = append(tx.Events, Event{
			Contract:      addr,
			Action:        chain.ActionDepositNative,
			Commitment:    cm,
			InsertedIndex: uint32(len(c.leaves) - 1),
		})
	}
	n.txs = append(n.txs, tx)
	return tx, nil
}

func (c *Contract) knownRoot(root common.Hash) bool {
	if root == (common.Hash{}) {
		return false
	}
	for _, r := range c.roots {
		if r == root {
			return true
		}
	}
	return false
}

func txHash(height int64, index uint32) string {
	h := crypto.Keccak256([]byte(fmt.Sprintf("tx-%d-%d", height, index)))
	return strings.ToUpper(hex.EncodeToString(h))
}

/* ---------------- json-rpc ---------------- */

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (n *Node) serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.calls[req.Method]++
	hook := n.hooks[req.Method]
	var injected error
	if q := n.fail[req.Method]; len(q) > 0 {
		injected, n.fail[req.Method] = q[0], q[1:]
	}
	n.mu.Unlock()

	if hook != nil {
		hook()
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	var result any
	switch {
	case injected != nil:
		err = injected
	case req.Method == "tx_search":
		result, err = n.txSearch(req.Params)
	case req.Method == "abci_query":
		result, err = n.abciQuery(req.Params)
	default:
		err = fmt.Errorf("method %s not found", req.Method)
	}
	if err != nil {
		resp.Error = &rpcError{Code: -32603, Message: err.Error()}
	} else {
		resp.Result = result
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

var queryRe = regexp.MustCompile(`^wasm\._contract_address='([^']*)' AND wasm\.action='([^']*)'(?: AND tx\.height>=(\d+))?$`)

func stringParam(params []json.RawMessage, i int) (string, error) {
	if i >= len(params) {
		return "", fmt.Errorf("missing param %d", i)
	}
	var s string
	if err := json.Unmarshal(params[i], &s); err != nil {
		return "", fmt.Errorf("param %d: %w", i, err)
	}
	return s, nil
}

func (n *Node) txSearch(params []json.RawMessage) (any, error) {
	query, err := stringParam(params, 0)
	if err != nil {
		return nil, err
	}
	m := queryRe.FindStringSubmatch(query)
	if m == nil {
		return nil, fmt.Errorf("unsupported query %q", query)
	}
	contract, action := m[1], m[2]
	var minHeight int64
	if m[3] != "" {
		minHeight, _ = strconv.ParseInt(m[3], 10, 64)
	}

	page, perPage := 1, 30
	if s, err := stringParam(params, 2); err == nil {
		page, _ = strconv.Atoi(s)
	}
	if s, err := stringParam(params, 3); err == nil {
		perPage, _ = strconv.Atoi(s)
	}
	if page < 1 || perPage < 1 {
		return nil, fmt.Errorf("bad paging %d/%d", page, perPage)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	var matched []*Tx
	for _, tx := range n.txs {
		if tx.Height < minHeight {
			continue
		}
		for _, ev := range tx.Events {
			if ev.Contract == contract && ev.Action == action {
				matched = append(matched, tx)
				break
			}
		}
	}

	lo := (page - 1) * perPage
	if lo > len(matched) {
		lo = len(matched)
	}
	hi := lo + perPage
	if hi > len(matched) {
		hi = len(matched)
	}

	txs := make([]map[string]any, 0, hi-lo)
	for _, tx := range matched[lo:hi] {
		txs = append(txs, n.renderTx(tx))
	}
	return map[string]any{
		"txs":         txs,
		"total_count": strconv.Itoa(len(matched)),
	}, nil
}

func (n *Node) renderTx(tx *Tx) map[string]any {
	attr := func(k, v string) map[string]any {
		if n.opts.LegacyAttributes {
			k = base64.StdEncoding.EncodeToString([]byte(k))
			v = base64.StdEncoding.EncodeToString([]byte(v))
		}
		return map[string]any{"key": k, "value": v, "index": true}
	}

	events := []map[string]any{{
		"type":       "message",
		"attributes": []map[string]any{attr("action", "/cosmwasm.wasm.v1.MsgExecuteContract")},
	}}
	for _, ev := range tx.Events {
		cm := base64.StdEncoding.EncodeToString(ev.Commitment[:])
		if n.opts.JSONArrayCommitments {
			ints := make([]string, len(ev.Commitment))
			for i, b := range ev.Commitment {
				ints[i] = strconv.Itoa(int(b))
			}
			cm = "[" + strings.Join(ints, ",") + "]"
		}
		attrs := []map[string]any{
			attr("_contract_address", ev.Contract),
			attr("action", ev.Action),
		}
		if !ev.OmitIndex {
			attrs = append(attrs, attr("inserted_index", strconv.FormatUint(uint64(ev.InsertedIndex), 10)))
		}
		attrs = append(attrs, attr("commitment", cm))
		events = append(events, map[string]any{"type": "wasm", "attributes": attrs})
	}

	return map[string]any{
		"hash":   tx.Hash,
		"height": strconv.FormatInt(tx.Height, 10),
		"index":  tx.Index,
		"tx_result": map[string]any{
			"code":   tx.Code,
			"events": events,
		},
	}
}

func (n *Node) abciQuery(params []json.RawMessage) (any, error) {
	path, err := stringParam(params, 0)
	if err != nil {
		return nil, err
	}
	if path != chain.SmartQueryPath {
		return nil, fmt.Errorf("unsupported path %q", path)
	}
	data, err := stringParam(params, 1)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("abci data: %w", err)
	}
	contract, query, err := decodeRequest(raw)
	if err != nil {
		return nil, err
	}

	answer, qerr := n.smart(contract, query)
	if qerr != nil {
		return map[string]any{"response": map[string]any{
			"code": 1, "codespace": "wasm", "log": qerr.Error(), "value": nil,
		}}, nil
	}

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, answer)
	return map[string]any{"response": map[string]any{
		"code":   0,
		"log":    "",
		"height": strconv.FormatInt(n.currentHeight(), 10),
		"value":  base64.StdEncoding.EncodeToString(b),
	}}, nil
}

func (n *Node) currentHeight() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.height
}

func decodeRequest(b []byte) (string, []byte, error) {
	var (
		contract string
		query    []byte
	)
	for len(b) > 0 {
		num, typ, k := protowire.ConsumeTag(b)
		if k < 0 || typ != protowire.BytesType {
			return "", nil, errors.New("malformed smart query request")
		}
		b = b[k:]
		v, k := protowire.ConsumeBytes(b)
		if k < 0 {
			return "", nil, errors.New("malformed smart query request")
		}
		b = b[k:]
		switch num {
		case 1:
			contract = string(v)
		case 2:
			query = v
		}
	}
	return contract, query, nil
}

func (n *Node) smart(addr string, query []byte) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	c, ok := n.contracts[addr]
	if !ok {
		return nil, fmt.Errorf("no such contract: %s", addr)
	}

	var q struct {
		Config         *struct{} `json:"config"`
		MerkleTreeInfo *struct{} `json:"merkle_tree_info"`
		MerkleRoot     *struct {
			ID uint32 `json:"id"`
		} `json:"merkle_root"`
	}
	if err := json.Unmarshal(query, &q); err != nil {
		return nil, err
	}

	switch {
	case q.Config != nil:
		return json.Marshal(c.Config)
	case q.MerkleTreeInfo != nil:
		return json.Marshal(chain.MerkleTreeInfoResponse{
			Levels:           uint32(c.Levels),
			CurrentRootIndex: c.rootIndex,
			NextIndex:        uint32(len(c.leaves)),
		})
	case q.MerkleRoot != nil:
		if q.MerkleRoot.ID >= chain.RootHistorySize {
			return nil, fmt.Errorf("root id %d out of range", q.MerkleRoot.ID)
		}
		r := c.roots[q.MerkleRoot.ID]
		return json.Marshal(map[string]string{"root": base64.StdEncoding.EncodeToString(r[:])})
	}
	return nil, fmt.Errorf("unknown query %s", query)
}
