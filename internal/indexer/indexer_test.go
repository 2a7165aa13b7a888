package indexer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"question-bounty/internal/ledger"
	"question-bounty/internal/metrics"
	"question-bounty/internal/models"
	"question-bounty/internal/readmodel"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	factory   = common.HexToAddress("0x00000000000000000000000000000000000000fa")
	contract  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	creator   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	responder = common.HexToAddress("0x0000000000000000000000000000000000000001")
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func addrTopic(a common.Address) common.Hash { return common.BytesToHash(a.Bytes()) }

func questionCreatedLog(id int64, block uint64) types.Log {
	return types.Log{
		Address:     factory,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xc1"),
		Topics: []common.Hash{
			ledger.EventTopics()[0],
			common.BigToHash(big.NewInt(id)),
			addrTopic(contract),
			addrTopic(creator),
		},
	}
}

func answerSubmittedLog(t *testing.T, who common.Address, index int64) types.Log {
	data, err := abi.Arguments{{Type: mustType("bytes32")}, {Type: mustType("address")}}.
		Pack([32]byte(ledger.ContentHash("hi")), common.Address{})
	require.NoError(t, err)
	return types.Log{
		Address: contract,
		TxHash:  common.HexToHash("0xa1"),
		Topics: []common.Hash{
			ledger.EventTopics()[1],
			addrTopic(who),
			common.BigToHash(big.NewInt(index)),
		},
		Data: data,
	}
}

func rewardClaimedLog(t *testing.T, who common.Address) types.Log {
	data, err := abi.Arguments{{Type: mustType("uint256")}}.Pack(big.NewInt(500))
	require.NoError(t, err)
	return types.Log{
		Address: contract,
		TxHash:  common.HexToHash("0xc2"),
		Topics:  []common.Hash{ledger.EventTopics()[2], addrTopic(who)},
		Data:    data,
	}
}

func answersEvaluatedLog(t *testing.T, ranked ...int64) types.Log {
	vals := make([]*big.Int, len(ranked))
	for i, r := range ranked {
		vals[i] = big.NewInt(r)
	}
	data, err := abi.Arguments{{Type: mustType("uint256[]")}}.Pack(vals)
	require.NoError(t, err)
	return types.Log{
		Address: contract,
		TxHash:  common.HexToHash("0xe1"),
		Topics:  []common.Hash{ledger.EventTopics()[3]},
		Data:    data,
	}
}

type staticPool struct{ amount *big.Int }

func (p staticPool) RewardPool(context.Context, common.Address) (*big.Int, error) {
	return p.amount, nil
}

func newIndexer(store Store, m *metrics.Metrics) *Indexer {
	return New(nil, store, staticPool{amount: big.NewInt(9000)}, nil, nil, m, Options{Factory: factory})
}

func TestQuestionCreatedIsMirroredOnce(t *testing.T) {
	ctx := context.Background()
	store := readmodel.NewMemoryStore()
	m := metrics.New()
	ix := newIndexer(store, m)

	require.NoError(t, ix.Handle(ctx, questionCreatedLog(3, 10)))
	require.NoError(t, ix.Handle(ctx, questionCreatedLog(3, 10)))

	q, err := store.GetQuestion(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, ledger.NormalizeAddress(contract), q.ContractAddress)
	assert.Equal(t, ledger.NormalizeAddress(creator), q.Creator)
	assert.Equal(t, models.QuestionActive, q.Status)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.IndexerEvents.WithLabelValues("question_created")))
	assert.Equal(t, uint64(10), ix.lastProcessed())
}

func TestQuestionCreatedFromOtherEmitterIgnored(t *testing.T) {
	store := readmodel.NewMemoryStore()
	ix := newIndexer(store, nil)
	l := questionCreatedLog(4, 1)
	l.Address = common.HexToAddress("0xbad")

	require.NoError(t, ix.Handle(context.Background(), l))
	_, err := store.GetQuestion(context.Background(), 4)
	assert.ErrorIs(t, err, readmodel.ErrQuestionNotFound)
}

func TestAnswerSubmittedWithoutMirrorIsCounted(t *testing.T) {
	ctx := context.Background()
	store := readmodel.NewMemoryStore()
	m := metrics.New()
	ix := newIndexer(store, m)
	require.NoError(t, ix.Handle(ctx, questionCreatedLog(3, 1)))

	require.NoError(t, ix.Handle(ctx, answerSubmittedLog(t, responder, 0)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnmirroredAnswers))

	_, err := store.InsertAnswer(ctx, readmodel.NewAnswer{
		QuestionID:       3,
		Responder:        responder.Hex(),
		Content:          "hi",
		SubmissionTxHash: "0xa1",
	})
	require.NoError(t, err)
	require.NoError(t, ix.Handle(ctx, answerSubmittedLog(t, responder, 0)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnmirroredAnswers))

	q, err := store.GetQuestion(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "9000", q.RewardPool)
}

func TestEventsFromUnknownContractsSkipped(t *testing.T) {
	store := readmodel.NewMemoryStore()
	m := metrics.New()
	ix := newIndexer(store, m)

	require.NoError(t, ix.Handle(context.Background(), answerSubmittedLog(t, responder, 0)))
	assert.Zero(t, testutil.ToFloat64(m.UnmirroredAnswers))
	require.NoError(t, ix.Handle(context.Background(), types.Log{Topics: []common.Hash{common.HexToHash("0x01")}}))
}

func TestRewardClaimedMarksAnswer(t *testing.T) {
	ctx := context.Background()
	store := readmodel.NewMemoryStore()
	ix := newIndexer(store, nil)
	require.NoError(t, ix.Handle(ctx, questionCreatedLog(3, 1)))

	require.NoError(t, ix.Handle(ctx, rewardClaimedLog(t, responder)))

	_, err := store.InsertAnswer(ctx, readmodel.NewAnswer{QuestionID: 3, Responder: responder.Hex(), SubmissionTxHash: "0xa1"})
	require.NoError(t, err)
	require.NoError(t, ix.Handle(ctx, rewardClaimedLog(t, responder)))

	a, err := store.GetAnswer(ctx, 3, responder.Hex())
	require.NoError(t, err)
	assert.True(t, a.Claimed)
	assert.Equal(t, common.HexToHash("0xc2").Hex(), a.ClaimTxHash)
}

func TestAnswersEvaluatedClosesQuestion(t *testing.T) {
	ctx := context.Background()
	store := readmodel.NewMemoryStore()
	ix := newIndexer(store, nil)
	require.NoError(t, ix.Handle(ctx, questionCreatedLog(3, 1)))

	require.NoError(t, ix.Handle(ctx, answersEvaluatedLog(t, 2, 0)))
	require.NoError(t, ix.Handle(ctx, answersEvaluatedLog(t, 2, 0)))

	q, err := store.GetQuestion(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, models.QuestionEvaluated, q.Status)
	assert.NotNil(t, q.FinalizedAt)
}

type fakeSub struct {
	errc chan error
	once sync.Once
}

func newFakeSub() *fakeSub { return &fakeSub{errc: make(chan error, 1)} }

func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errc) }) }
func (s *fakeSub) Err() <-chan error { return s.errc }

type fakeSource struct {
	mu       sync.Mutex
	logs     chan<- types.Log
	logSub   *fakeSub
	backfill []types.Log
	queries  []ethereum.FilterQuery
	closed   bool

	// head is delivered as soon as heads are subscribed, before any backfill.
	head      *types.Header
	filterErr error
	onFilter  func(f *fakeSource)
}

func (f *fakeSource) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = ch
	f.logSub = newFakeSub()
	return f.logSub, nil
}

func (f *fakeSource) SubscribeNewHead(_ context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	if f.head != nil {
		ch <- f.head
	}
	return newFakeSub(), nil
}

func (f *fakeSource) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	hook, err, logs := f.onFilter, f.filterErr, f.backfill
	f.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (f *fakeSource) backfillFrom(t *testing.T) *big.Int {
	t.Helper()
	var from *big.Int
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.queries) == 0 {
			return false
		}
		from = f.queries[0].FromBlock
		return true
	}, time.Second, 5*time.Millisecond)
	return from
}

func (f *fakeSource) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSource) send(l types.Log) {
	f.mu.Lock()
	ch := f.logs
	f.mu.Unlock()
	ch <- l
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	sub := f.logSub
	f.mu.Unlock()
	sub.errc <- err
}

func (f *fakeSource) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs != nil
}

func TestRunMirrorsLiveLogsAndReconnects(t *testing.T) {
	store := readmodel.NewMemoryStore()
	m := metrics.New()

	var mu sync.Mutex
	var sources []*fakeSource
	dial := func(context.Context) (Source, error) {
		mu.Lock()
		defer mu.Unlock()
		src := &fakeSource{}
		sources = append(sources, src)
		return src, nil
	}
	current := func() *fakeSource {
		mu.Lock()
		defer mu.Unlock()
		if len(sources) == 0 {
			return nil
		}
		return sources[len(sources)-1]
	}

	ix := New(dial, store, nil, nil, nil, m, Options{Factory: factory, ReconnectDelay: 10 * time.Millisecond, StallTimeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()

	require.Eventually(t, func() bool { s := current(); return s != nil && s.subscribed() }, time.Second, 5*time.Millisecond)
	current().send(questionCreatedLog(5, 42))
	require.Eventually(t, func() bool {
		_, err := store.GetQuestion(context.Background(), 5)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	first := current()
	first.fail(errors.New("connection reset"))
	require.Eventually(t, func() bool { s := current(); return s != first && s.subscribed() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexerReconnects))

	second := current()
	require.Eventually(t, func() bool {
		second.mu.Lock()
		defer second.mu.Unlock()
		return len(second.queries) == 1
	}, time.Second, 5*time.Millisecond)
	second.mu.Lock()
	assert.Equal(t, big.NewInt(43), second.queries[0].FromBlock)
	second.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("indexer did not stop")
	}
	first.mu.Lock()
	assert.True(t, first.closed)
	first.mu.Unlock()
}

func TestWatchdogDetectsStall(t *testing.T) {
	ix := New(nil, readmodel.NewMemoryStore(), nil, nil, nil, nil, Options{StallTimeout: time.Minute})
	now := time.Now()
	ix.now = func() time.Time { return now }
	ix.touch()
	assert.False(t, ix.stalled())

	now = now.Add(2 * time.Minute)
	assert.True(t, ix.stalled())
}

func TestBackfillCursorIgnoresHeadsAndUnfinishedCycles(t *testing.T) {
	store := readmodel.NewMemoryStore()
	mirrored := func(id uint64) bool {
		_, err := store.GetQuestion(context.Background(), id)
		return err == nil
	}

	var ix *Indexer
	heldBack := func(block uint64) bool {
		ix.mu.RLock()
		defer ix.mu.RUnlock()
		return ix.pending == block
	}

	var mu sync.Mutex
	var sources []*fakeSource
	dial := func(context.Context) (Source, error) {
		mu.Lock()
		defer mu.Unlock()
		// every node reports a far newer head before backfill starts
		src := &fakeSource{head: &types.Header{Number: big.NewInt(500)}}
		switch len(sources) {
		case 0:
			src.backfill = []types.Log{questionCreatedLog(5, 42)}
		case 1:
			// a live log from a later block is handled, then the backfill fails
			src.filterErr = errors.New("request timed out")
			src.onFilter = func(f *fakeSource) {
				f.send(questionCreatedLog(9, 600))
				deadline := time.Now().Add(time.Second)
				for !(mirrored(9) && heldBack(600)) && time.Now().Before(deadline) {
					time.Sleep(2 * time.Millisecond)
				}
			}
		}
		sources = append(sources, src)
		return src, nil
	}
	source := func(i int) *fakeSource {
		var src *fakeSource
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			if len(sources) <= i {
				return false
			}
			src = sources[i]
			return true
		}, time.Second, 5*time.Millisecond)
		return src
	}

	ix = New(dial, store, nil, nil, nil, nil, Options{Factory: factory, FromBlock: 40, ReconnectDelay: 10 * time.Millisecond, StallTimeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()

	first := source(0)
	assert.Equal(t, big.NewInt(40), first.backfillFrom(t))
	require.Eventually(t, func() bool { return ix.lastProcessed() == 42 }, time.Second, 5*time.Millisecond)
	assert.True(t, mirrored(5))

	first.fail(errors.New("connection reset"))
	assert.Equal(t, big.NewInt(43), source(1).backfillFrom(t))
	assert.True(t, mirrored(9))
	assert.Equal(t, big.NewInt(43), source(2).backfillFrom(t))
	assert.Equal(t, uint64(42), ix.lastProcessed())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("indexer did not stop")
	}
}
