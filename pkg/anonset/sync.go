package anonset

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/singleflight"

	"github.com/yourorg/mixerzk/pkg/chain"
	"github.com/yourorg/mixerzk/pkg/mixerr"
)

// DefaultFetchTimeout bounds a single fetch. Fetches outlive the callers
// that triggered them, so they carry their own deadline.
const DefaultFetchTimeout = 2 * time.Minute

// DepositSource is the chain query surface the synchronizer needs.
type DepositSource interface {
	SearchDeposits(ctx context.Context, q chain.DepositQuery) ([]chain.Deposit, error)
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithDepositActions sets the wasm actions that insert leaves.
func WithDepositActions(actions ...string) Option {
	return func(s *Synchronizer) {
		if len(actions) > 0 {
			s.actions = append([]string(nil), actions...)
		}
	}
}

// WithMaxAge makes Sync refetch cached sets older than d.
func WithMaxAge(d time.Duration) Option {
	return func(s *Synchronizer) { s.maxAge = d }
}

// WithIncremental fetches only the blocks at or after the newest known leaf.
func WithIncremental() Option {
	return func(s *Synchronizer) { s.incremental = true }
}

// WithStore persists every accepted set and seeds cold starts from it.
func WithStore(st Store) Option {
	return func(s *Synchronizer) { s.store = st }
}

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

// Synchronizer caches one anonymity set per contract. At most one fetch per
// contract is in flight; concurrent callers share its outcome.
type Synchronizer struct {
	src          DepositSource
	actions      []string
	maxAge       time.Duration
	incremental  bool
	store        Store
	fetchTimeout time.Duration
	now          func() time.Time

	group singleflight.Group

	mu   sync.Mutex
	sets map[string]Set
}

func NewSynchronizer(src DepositSource, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		src:          src,
		actions:      []string{chain.ActionDepositNative},
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		sets:         map[string]Set{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Cached returns the in-memory set for contract without touching the chain.
func (s *Synchronizer) Cached(contract string) (Set, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[contract]
	return set, ok
}

// Sync returns the cached set when it is populated and fresh, and fetches
// otherwise. An empty set counts as unpopulated, so polling a contract with
// no deposits queries the chain on every call.
func (s *Synchronizer) Sync(ctx context.Context, contract string) (Set, error) {
	if set, ok := s.Cached(contract); ok && set.Len() > 0 && !s.stale(set) {
		return set, nil
	}
	return s.Refresh(ctx, contract)
}

// Refresh always fetches. On any error the cached set is left as it was.
func (s *Synchronizer) Refresh(ctx context.Context, contract string) (Set, error) {
	ch := s.group.DoChan(contract, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return s.fetch(fctx, contract)
	})

	select {
	case <-ctx.Done():
		return Set{}, &mixerr.SyncError{Contract: contract, Op: "wait", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return Set{}, res.Err
		}
		return res.Val.(Set), nil
	}
}

func (s *Synchronizer) stale(set Set) bool {
	return s.maxAge > 0 && s.now().Sub(set.FetchedAt()) >= s.maxAge
}

func (s *Synchronizer) baseline(contract string) (Set, error) {
	if set, ok := s.Cached(contract); ok {
		return set, nil
	}
	if s.store == nil {
		return Set{}, nil
	}
	set, ok, err := s.store.Load(contract)
	if err != nil {
		return Set{}, &mixerr.SyncError{Contract: contract, Op: "load snapshot", Err: err}
	}
	if ok {
		log.Debug("Resuming anonymity set from snapshot", "contract", contract, "leaves", set.Len())
	}
	return set, nil
}

// fetch runs only as the singleflight leader for contract.
func (s *Synchronizer) fetch(ctx context.Context, contract string) (Set, error) {
	start := s.now()
	base, err := s.baseline(contract)
	if err != nil {
		return Set{}, err
	}

	// In incremental mode the prefix below the newest known height is kept
	// and the leaves at that height are refetched along with the tail.
	var (
		minHeight int64
		kept      []Leaf
	)
	if s.incremental && base.Len() > 0 {
		minHeight = base.LastHeight()
		for _, l := range base.leaves {
			if l.Height >= minHeight {
				break
			}
			kept = append(kept, l)
		}
	}

	var deps []chain.Deposit
	for _, action := range s.actions {
		got, err := s.src.SearchDeposits(ctx, chain.DepositQuery{
			Contract:  contract,
			Action:    action,
			MinHeight: minHeight,
		})
		if err != nil {
			return Set{}, &mixerr.SyncError{Contract: contract, Op: "tx_search " + action, Err: err}
		}
		deps = append(deps, got...)
	}
	sortDeposits(deps)

	leaves := append(kept[:len(kept):len(kept)], make([]Leaf, 0, len(deps))...)
	for _, d := range deps {
		pos := uint32(len(leaves))
		if d.HasIndex && d.InsertedIndex != pos {
			return Set{}, &mixerr.SyncError{Contract: contract, Op: "order",
				Err: fmt.Errorf("deposit in tx %s reports leaf index %d at position %d", d.TxHash, d.InsertedIndex, pos)}
		}
		leaves = append(leaves, Leaf{Index: pos, Commitment: d.Commitment, Height: d.Height, TxHash: d.TxHash})
	}

	if err := checkExtends(base, leaves); err != nil {
		return Set{}, &mixerr.SyncError{Contract: contract, Op: "monotonicity", Err: err}
	}

	for c, idx := range duplicates(leaves) {
		log.Warn("Duplicate commitment in anonymity set", "contract", contract, "commitment", c, "indices", idx)
	}

	set := Set{contract: contract, leaves: leaves, fetchedAt: s.now()}
	if s.store != nil {
		if err := s.store.Save(set); err != nil {
			return Set{}, &mixerr.SyncError{Contract: contract, Op: "save snapshot", Err: err}
		}
	}

	s.mu.Lock()
	s.sets[contract] = set
	s.mu.Unlock()

	log.Info("Synchronized anonymity set", "contract", contract, "leaves", set.Len(),
		"new", set.Len()-base.Len(), "from", minHeight, "elapsed", s.now().Sub(start))
	return set, nil
}

// sortDeposits orders deposits by block position. The sort is stable so the
// node's order breaks any remaining tie.
func sortDeposits(deps []chain.Deposit) {
	sort.SliceStable(deps, func(i, j int) bool {
		a, b := deps[i], deps[j]
		if a.Height != b.Height {
			return a.Height < b.Height
		}
		if a.TxIndex != b.TxIndex {
			return a.TxIndex < b.TxIndex
		}
		return a.EventSeq < b.EventSeq
	})
}

func checkExtends(base Set, leaves []Leaf) error {
	if len(leaves) < base.Len() {
		return fmt.Errorf("set shrank from %d to %d leaves", base.Len(), len(leaves))
	}
	for i, l := range base.leaves {
		if leaves[i].Commitment != l.Commitment {
			return fmt.Errorf("leaf %d changed from %s to %s", i, l.Commitment, leaves[i].Commitment)
		}
	}
	return nil
}
