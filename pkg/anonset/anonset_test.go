package anonset

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/mixerzk/pkg/chain"
	"github.com/yourorg/mixerzk/pkg/chain/chaintest"
	"github.com/yourorg/mixerzk/pkg/mixerr"
)

const contract = "orai1mixer"

/* ---------------- fake source ---------------- */

type fakeSource struct {
	mu      sync.Mutex
	deps    map[string][]chain.Deposit // by action
	err     error
	calls   atomic.Int32
	queries []chain.DepositQuery
	gate    chan struct{} // when set, every call blocks until it is closed
}

func newFakeSource() *fakeSource {
	return &fakeSource{deps: map[string][]chain.Deposit{}}
}

func (f *fakeSource) SearchDeposits(ctx context.Context, q chain.DepositQuery) ([]chain.Deposit, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	var out []chain.Deposit
	for _, d := range f.deps[q.Action] {
		if d.Height >= q.MinHeight {
			out = append(out, d)
		}
	}
	return out, nil
}

// add appends one deposit per commitment, each in its own block.
func (f *fakeSource) add(cms ...common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deps := f.deps[chain.ActionDepositNative]
	for _, c := range cms {
		n := len(deps)
		deps = append(deps, chain.Deposit{
			Commitment:    c,
			InsertedIndex: uint32(n),
			HasIndex:      true,
			Height:        int64(10 + n),
			TxHash:        common.BytesToHash([]byte{byte(n)}).Hex(),
		})
	}
	f.deps[chain.ActionDepositNative] = deps
}

func (f *fakeSource) set(action string, deps []chain.Deposit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deps[action] = deps
}

func cm(i int) common.Hash { return common.BytesToHash([]byte{0xcc, byte(i)}) }

func cms(n int) []common.Hash {
	out := make([]common.Hash, n)
	for i := range out {
		out[i] = cm(i)
	}
	return out
}

/* ---------------- resolver ---------------- */

func TestResolve(t *testing.T) {
	leaves := []Leaf{{Index: 0, Commitment: cm(0)}, {Index: 1, Commitment: cm(1)}, {Index: 2, Commitment: cm(2)}}
	set, err := NewSet(contract, leaves, time.Now())
	require.NoError(t, err)

	for i := range leaves {
		idx, err := Resolve(set, cm(i))
		require.NoError(t, err)
		require.Equal(t, uint32(i), idx)
	}

	_, err = Resolve(set, cm(9))
	var nf *mixerr.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, 3, nf.SetSize)
	require.True(t, mixerr.Retryable(err))

	_, err = Resolve(Set{}, cm(0))
	require.ErrorAs(t, err, &nf)
}

func TestResolveDuplicateNeverPicksFirst(t *testing.T) {
	src := newFakeSource()
	src.add(cm(0), cm(1), cm(0))

	set, err := NewSynchronizer(src).Sync(context.Background(), contract)
	require.NoError(t, err)
	require.Equal(t, 3, set.Len())

	_, err = Resolve(set, cm(0))
	var dup *mixerr.DuplicateCommitmentError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, []uint32{0, 2}, dup.Indices)
	require.False(t, mixerr.Retryable(err))

	idx, err := Resolve(set, cm(1))
	require.NoError(t, err)
	require.Equal(t, uint32(1), idx)
}

func TestNewSetRejectsGaps(t *testing.T) {
	_, err := NewSet(contract, []Leaf{{Index: 0}, {Index: 2}}, time.Time{})
	require.Error(t, err)
}

func TestSetAccessorsCopy(t *testing.T) {
	set, err := NewSet(contract, []Leaf{{Index: 0, Commitment: cm(0)}}, time.Time{})
	require.NoError(t, err)

	leaves := set.Leaves()
	leaves[0].Commitment = cm(7)
	cs := set.Commitments()
	cs[0] = cm(8)

	l, ok := set.Leaf(0)
	require.True(t, ok)
	require.Equal(t, cm(0), l.Commitment)
	_, ok = set.Leaf(1)
	require.False(t, ok)
}

/* ---------------- synchronizer ---------------- */

func TestSyncUnchangedRemoteIsStable(t *testing.T) {
	src := newFakeSource()
	src.add(cms(4)...)
	s := NewSynchronizer(src)
	ctx := context.Background()

	a, err := s.Sync(ctx, contract)
	require.NoError(t, err)
	b, err := s.Refresh(ctx, contract)
	require.NoError(t, err)

	require.Equal(t, a.Len(), b.Len())
	require.Equal(t, a.Leaves(), b.Leaves())
}

func TestSyncServesCache(t *testing.T) {
	src := newFakeSource()
	src.add(cms(2)...)
	s := NewSynchronizer(src)
	ctx := context.Background()

	_, err := s.Sync(ctx, contract)
	require.NoError(t, err)
	src.add(cm(2))

	set, err := s.Sync(ctx, contract)
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())
	require.Equal(t, int32(1), src.calls.Load())

	set, err = s.Refresh(ctx, contract)
	require.NoError(t, err)
	require.Equal(t, 3, set.Len())
}

func TestSyncEmptySetRefetches(t *testing.T) {
	src := newFakeSource()
	s := NewSynchronizer(src)
	ctx := context.Background()

	set, err := s.Sync(ctx, contract)
	require.NoError(t, err)
	require.Zero(t, set.Len())

	src.add(cm(0))
	set, err = s.Sync(ctx, contract)
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
}

func TestSyncMaxAge(t *testing.T) {
	src := newFakeSource()
	src.add(cm(0))
	s := NewSynchronizer(src, WithMaxAge(time.Minute))
	clock := time.Unix(1700000000, 0)
	s.now = func() time.Time { return clock }
	ctx := context.Background()

	_, err := s.Sync(ctx, contract)
	require.NoError(t, err)
	src.add(cm(1))

	clock = clock.Add(30 * time.Second)
	set, err := s.Sync(ctx, contract)
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())

	clock = clock.Add(time.Minute)
	set, err = s.Sync(ctx, contract)
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())
}

func TestSyncGrowthKeepsPrefix(t *testing.T) {
	src := newFakeSource()
	s := NewSynchronizer(src)
	ctx := context.Background()

	var prev Set
	for i := 0; i < 5; i++ {
		src.add(cm(i))
		set, err := s.Refresh(ctx, contract)
		require.NoError(t, err)
		require.Equal(t, prev.Len()+1, set.Len())
		require.Equal(t, prev.Commitments(), set.Commitments()[:prev.Len()])
		for j, l := range prev.Leaves() {
			require.Equal(t, l, set.Leaves()[j])
		}
		prev = set
	}
}

func TestSyncRejectsShrinkAndRewrite(t *testing.T) {
	src := newFakeSource()
	src.add(cms(3)...)
	s := NewSynchronizer(src)
	ctx := context.Background()

	before, err := s.Sync(ctx, contract)
	require.NoError(t, err)

	src.set(chain.ActionDepositNative, src.deps[chain.ActionDepositNative][:2])
	_, err = s.Refresh(ctx, contract)
	var syncErr *mixerr.SyncError
	require.ErrorAs(t, err, &syncErr)
	require.Equal(t, "monotonicity", syncErr.Op)

	rewritten := []chain.Deposit{
		{Commitment: cm(0), Height: 10},
		{Commitment: cm(9), Height: 11},
		{Commitment: cm(2), Height: 12},
	}
	src.set(chain.ActionDepositNative, rewritten)
	_, err = s.Refresh(ctx, contract)
	require.ErrorAs(t, err, &syncErr)

	after, ok := s.Cached(contract)
	require.True(t, ok)
	require.Equal(t, before.Leaves(), after.Leaves())
}

func TestSyncOrdersByBlockPosition(t *testing.T) {
	src := newFakeSource()
	// reported out of order, without inserted_index
	src.set(chain.ActionDepositNative, []chain.Deposit{
		{Commitment: cm(2), Height: 20, TxIndex: 0},
		{Commitment: cm(1), Height: 10, TxIndex: 1, EventSeq: 1},
		{Commitment: cm(0), Height: 10, TxIndex: 1, EventSeq: 0},
	})

	set, err := NewSynchronizer(src).Sync(context.Background(), contract)
	require.NoError(t, err)
	require.Equal(t, cms(3), set.Commitments())
}

func TestSyncRejectsIndexMismatch(t *testing.T) {
	src := newFakeSource()
	src.set(chain.ActionDepositNative, []chain.Deposit{
		{Commitment: cm(0), HasIndex: true, InsertedIndex: 0, Height: 10},
		{Commitment: cm(1), HasIndex: true, InsertedIndex: 2, Height: 11},
	})

	_, err := NewSynchronizer(src).Sync(context.Background(), contract)
	var syncErr *mixerr.SyncError
	require.ErrorAs(t, err, &syncErr)
	require.Equal(t, "order", syncErr.Op)
}

func TestSyncMergesDepositActions(t *testing.T) {
	src := newFakeSource()
	src.set(chain.ActionDepositNative, []chain.Deposit{
		{Commitment: cm(0), HasIndex: true, InsertedIndex: 0, Height: 10},
		{Commitment: cm(2), HasIndex: true, InsertedIndex: 2, Height: 30},
	})
	src.set(chain.ActionDepositCw20, []chain.Deposit{
		{Commitment: cm(1), HasIndex: true, InsertedIndex: 1, Height: 20},
	})

	s := NewSynchronizer(src, WithDepositActions(chain.ActionDepositNative, chain.ActionDepositCw20))
	set, err := s.Sync(context.Background(), contract)
	require.NoError(t, err)
	require.Equal(t, cms(3), set.Commitments())
}

func TestSyncFailureLeavesCache(t *testing.T) {
	src := newFakeSource()
	src.add(cms(2)...)
	st, err := OpenLevelStore("")
	require.NoError(t, err)
	defer st.Close()
	s := NewSynchronizer(src, WithStore(st))
	ctx := context.Background()

	before, err := s.Sync(ctx, contract)
	require.NoError(t, err)

	src.add(cm(2))
	src.err = errors.New("connection reset")
	_, err = s.Refresh(ctx, contract)
	require.Error(t, err)
	require.Equal(t, mixerr.StageSync, mixerr.StageOf(err))
	require.True(t, mixerr.Retryable(err))

	after, _ := s.Cached(contract)
	require.Equal(t, before.Leaves(), after.Leaves())
	stored, ok, err := st.Load(contract)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, before.Leaves(), stored.Leaves())
}

func TestSyncCoalescesConcurrentCallers(t *testing.T) {
	src := newFakeSource()
	src.add(cms(3)...)
	src.gate = make(chan struct{})
	s := NewSynchronizer(src)

	const callers = 8
	var (
		wg      sync.WaitGroup
		results [callers]Set
		errs    [callers]error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Sync(context.Background(), contract)
		}(i)
	}

	require.Eventually(t, func() bool { return src.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	require.Equal(t, int32(1), src.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].Leaves(), results[i].Leaves())
	}
}

func TestSyncCallerContextBoundsOnlyItsWait(t *testing.T) {
	src := newFakeSource()
	src.add(cms(2)...)
	src.gate = make(chan struct{})
	s := NewSynchronizer(src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Sync(ctx, contract)
		done <- err
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	other := make(chan Set, 1)
	go func() {
		set, err := s.Sync(context.Background(), contract)
		if err == nil {
			other <- set
		}
		close(other)
	}()

	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, mixerr.StageSync, mixerr.StageOf(err))

	close(src.gate)
	set, ok := <-other
	require.True(t, ok)
	require.Equal(t, 2, set.Len())
}

func TestSyncResumesFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	src := newFakeSource()
	src.add(cms(3)...)
	ctx := context.Background()

	st, err := OpenLevelStore(dir)
	require.NoError(t, err)
	_, err = NewSynchronizer(src, WithStore(st)).Sync(ctx, contract)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// a node that forgot history must not shrink the resumed set
	src.set(chain.ActionDepositNative, src.deps[chain.ActionDepositNative][:1])

	st, err = OpenLevelStore(dir)
	require.NoError(t, err)
	defer st.Close()
	_, err = NewSynchronizer(src, WithStore(st)).Sync(ctx, contract)
	var syncErr *mixerr.SyncError
	require.ErrorAs(t, err, &syncErr)

	stored, ok, err := st.Load(contract)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cms(3), stored.Commitments())
}

func TestSyncIncremental(t *testing.T) {
	src := newFakeSource()
	src.add(cms(3)...)
	s := NewSynchronizer(src, WithIncremental())
	ctx := context.Background()

	_, err := s.Sync(ctx, contract)
	require.NoError(t, err)

	src.add(cm(3), cm(4))
	set, err := s.Refresh(ctx, contract)
	require.NoError(t, err)
	require.Equal(t, cms(5), set.Commitments())

	src.mu.Lock()
	last := src.queries[len(src.queries)-1]
	src.mu.Unlock()
	require.Equal(t, int64(12), last.MinHeight)
}

func TestSyncAgainstNode(t *testing.T) {
	node := chaintest.New(t, chaintest.Options{LegacyAttributes: true})
	node.AddContract(contract, 8, chain.ConfigResponse{NativeTokenDenom: "orai", DepositSize: "1"})
	node.Deposit(contract, cms(4)...)
	node.DepositTx(contract, cm(4), cm(5))

	c, err := chain.Dial(context.Background(), node.URL(), chain.WithPerPage(2))
	require.NoError(t, err)
	defer c.Close()

	set, err := NewSynchronizer(c).Sync(context.Background(), contract)
	require.NoError(t, err)
	require.Equal(t, cms(6), set.Commitments())
	require.Equal(t, node.Leaves(contract), set.Commitments())
}
