// Package indexer mirrors factory and question contract events into the read
// model so it converges with the ledger even when a client never finished its
// own write.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"question-bounty/internal/ledger"
	"question-bounty/internal/logger"
	"question-bounty/internal/metrics"
	"question-bounty/internal/models"
	"question-bounty/internal/readmodel"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	DefaultStallTimeout   = 60 * time.Second
	DefaultReconnectDelay = 3 * time.Second
	logBuffer             = 256
)

// Source is a node connection that can stream logs and heads.
type Source interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// Dialer opens a fresh Source for each connection cycle.
type Dialer func(ctx context.Context) (Source, error)

// DialWebsocket dials url with ethclient on every cycle.
func DialWebsocket(url string) Dialer {
	return func(ctx context.Context) (Source, error) {
		c, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		return c, nil
	}
}

// PoolReader refreshes a question's reward pool after events that move it.
type PoolReader interface {
	RewardPool(ctx context.Context, contract common.Address) (*big.Int, error)
}

type Store interface {
	EnsureQuestion(ctx context.Context, q *models.Question) error
	GetQuestionByContract(ctx context.Context, contract string) (*models.Question, error)
	HasAnswered(ctx context.Context, questionID uint64, responder string) (bool, error)
	MarkClaimed(ctx context.Context, questionID uint64, responder, txHash string, at time.Time) error
	SetQuestionStatus(ctx context.Context, id uint64, status models.QuestionStatus, at time.Time) error
	UpdateRewardPool(ctx context.Context, id uint64, pool *big.Int) error
}

type Options struct {
	Factory        common.Address
	FromBlock      uint64
	StallTimeout   time.Duration
	ReconnectDelay time.Duration
}

type Indexer struct {
	dial    Dialer
	store   Store
	pool    PoolReader
	cache   readmodel.Invalidator
	log     *logger.Logger
	metrics *metrics.Metrics
	opts    Options

	// lastSeen tracks liveness only. processed is the last block whose logs
	// were all handled; live logs that arrive while a cycle is still
	// backfilling are held in pending until the backfill succeeds.
	mu        sync.RWMutex
	lastSeen  time.Time
	processed uint64
	pending   uint64
	caughtUp  bool

	handleMu sync.Mutex
	now      func() time.Time
}

// New builds an indexer. pool, cache and m may be nil.
func New(dial Dialer, store Store, pool PoolReader, cache readmodel.Invalidator, log *logger.Logger, m *metrics.Metrics, opts Options) *Indexer {
	if cache == nil {
		cache = readmodel.NopInvalidator{}
	}
	if log == nil {
		log = logger.Discard()
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	ix := &Indexer{
		dial:    dial,
		store:   store,
		pool:    pool,
		cache:   cache,
		log:     log.With("indexer"),
		metrics: m,
		opts:    opts,
		now:      time.Now,
		caughtUp: true,
	}
	if opts.FromBlock > 0 {
		ix.processed = opts.FromBlock - 1
	}
	return ix
}

// Run reconnects until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) error {
	for {
		err := ix.runLoop(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, errStalled) {
			ix.log.Warnf("run loop error: %v, reconnecting...", err)
		}
		if ix.metrics != nil {
			ix.metrics.IndexerReconnects.Inc()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(ix.opts.ReconnectDelay):
		}
	}
}

var errStalled = errors.New("reconnect: subscription stalled")

func (ix *Indexer) runLoop(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	src, err := ix.dial(loopCtx)
	if err != nil {
		return err
	}
	defer src.Close()

	logs := make(chan types.Log, logBuffer)
	logSub, err := src.SubscribeFilterLogs(loopCtx, ix.filter(), logs)
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	defer logSub.Unsubscribe()

	heads := make(chan *types.Header, 16)
	headSub, err := src.SubscribeNewHead(loopCtx, heads)
	if err != nil {
		return fmt.Errorf("subscribe heads: %w", err)
	}
	defer headSub.Unsubscribe()

	from := ix.beginCycle()
	ix.touch()
	startHandler[types.Log](loopCtx, ix.log, "logs", logs, func(l types.Log) {
		if err := ix.Handle(loopCtx, l); err != nil {
			ix.log.Errorf("handle log %s#%d: %v", l.TxHash.Hex(), l.Index, err)
		}
	})
	startHandler[*types.Header](loopCtx, ix.log, "heads", heads, func(h *types.Header) {
		if h != nil {
			ix.touch()
		}
	})

	if err := ix.backfill(loopCtx, src, from); err != nil {
		return err
	}
	ix.catchUp()
	ix.log.Infof("subscribed to question events (from block %d)", from+1)

	return ix.watchdogLoop(loopCtx, logSub.Err(), headSub.Err())
}

func (ix *Indexer) filter() ethereum.FilterQuery {
	return ethereum.FilterQuery{Topics: [][]common.Hash{ledger.EventTopics()}}
}

// backfill replays logs emitted after block from. Handlers are idempotent so
// overlap with the live subscription is harmless.
func (ix *Indexer) backfill(ctx context.Context, src Source, from uint64) error {
	if from == 0 && ix.opts.FromBlock == 0 {
		return nil
	}
	q := ix.filter()
	q.FromBlock = new(big.Int).SetUint64(from + 1)
	if ix.opts.FromBlock > 0 && from+1 < ix.opts.FromBlock {
		q.FromBlock = new(big.Int).SetUint64(ix.opts.FromBlock)
	}
	logs, err := src.FilterLogs(ctx, q)
	if err != nil {
		return fmt.Errorf("backfill from %s: %w", q.FromBlock, err)
	}
	for _, l := range logs {
		if err := ix.Handle(ctx, l); err != nil {
			ix.log.Errorf("backfill log %s#%d: %v", l.TxHash.Hex(), l.Index, err)
		}
	}
	if len(logs) > 0 {
		ix.log.Infof("backfilled %d logs from block %s", len(logs), q.FromBlock)
	}
	return nil
}

func startHandler[T any](ctx context.Context, log *logger.Logger, name string, ch <-chan T, handler func(T)) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					log.Printf("%s channel closed", name)
					return
				}
				handler(ev)
			}
		}
	}()
}

func (ix *Indexer) touch() {
	ix.mu.Lock()
	ix.lastSeen = ix.now()
	ix.mu.Unlock()
}

// beginCycle returns the backfill cursor and holds live progress back until
// catchUp.
func (ix *Indexer) beginCycle() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.caughtUp = false
	ix.pending = 0
	return ix.processed
}

func (ix *Indexer) catchUp() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.caughtUp = true
	ix.processed = max(ix.processed, ix.pending)
}

func (ix *Indexer) markProcessed(block uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.caughtUp {
		ix.processed = max(ix.processed, block)
	} else {
		ix.pending = max(ix.pending, block)
	}
}

func (ix *Indexer) lastProcessed() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.processed
}

func (ix *Indexer) watchdogLoop(ctx context.Context, logErr, headErr <-chan error) error {
	interval := ix.opts.StallTimeout / 2
	watchdog := time.NewTicker(interval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-logErr:
			return fmt.Errorf("log subscription: %w", err)
		case err := <-headErr:
			return fmt.Errorf("head subscription: %w", err)
		case <-watchdog.C:
			if ix.stalled() {
				ix.log.Warnf("no heads or logs for %s, reconnecting", ix.opts.StallTimeout)
				return errStalled
			}
		}
	}
}

func (ix *Indexer) stalled() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.now().Sub(ix.lastSeen) > ix.opts.StallTimeout
}

// Handle mirrors one log. Unknown logs are ignored.
func (ix *Indexer) Handle(ctx context.Context, l types.Log) error {
	ix.handleMu.Lock()
	defer ix.handleMu.Unlock()

	if l.Removed {
		ix.log.Warnf("log %s#%d removed by reorg, mirror keeps it", l.TxHash.Hex(), l.Index)
		return nil
	}
	ev, err := ledger.ParseEvent(l)
	if err != nil {
		return err
	}
	ix.touch()

	switch e := ev.(type) {
	case ledger.QuestionCreated:
		err = ix.onQuestionCreated(ctx, l.Address, e)
		ix.count("question_created", err)
	case ledger.AnswerSubmitted:
		err = ix.onAnswerSubmitted(ctx, e)
		ix.count("answer_submitted", err)
	case ledger.RewardClaimed:
		err = ix.onRewardClaimed(ctx, e)
		ix.count("reward_claimed", err)
	case ledger.AnswersEvaluated:
		err = ix.onAnswersEvaluated(ctx, e)
		ix.count("answers_evaluated", err)
	}
	if err == nil {
		ix.markProcessed(l.BlockNumber)
	}
	return err
}

func (ix *Indexer) count(event string, err error) {
	if ix.metrics == nil || err != nil {
		return
	}
	ix.metrics.IndexerEvents.WithLabelValues(event).Inc()
}

func (ix *Indexer) onQuestionCreated(ctx context.Context, emitter common.Address, e ledger.QuestionCreated) error {
	if ix.opts.Factory != (common.Address{}) && emitter != ix.opts.Factory {
		ix.log.Printf("ignoring QuestionCreated from %s", emitter.Hex())
		return nil
	}
	q := &models.Question{
		ID:              e.QuestionID,
		ContractAddress: ledger.NormalizeAddress(e.Contract),
		Creator:         ledger.NormalizeAddress(e.Creator),
		Status:          models.QuestionActive,
		CreationTxHash:  e.TxHash.Hex(),
	}
	if err := ix.store.EnsureQuestion(ctx, q); err != nil {
		return fmt.Errorf("ensure question %d: %w", e.QuestionID, err)
	}
	ix.invalidate(ctx, readmodel.QuestionKey(e.QuestionID), readmodel.ActiveQuestionsKey())
	ix.log.Printf("question %d at %s mirrored", e.QuestionID, q.ContractAddress)
	return nil
}

// question resolves the emitting contract. Contracts the mirror does not know
// are not ours and are skipped.
func (ix *Indexer) question(ctx context.Context, contract common.Address) (*models.Question, error) {
	q, err := ix.store.GetQuestionByContract(ctx, ledger.NormalizeAddress(contract))
	if errors.Is(err, readmodel.ErrQuestionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup question at %s: %w", contract.Hex(), err)
	}
	return q, nil
}

// onAnswerSubmitted only checks the mirror: answer content is never onchain,
// so a missing row is reported rather than invented.
func (ix *Indexer) onAnswerSubmitted(ctx context.Context, e ledger.AnswerSubmitted) error {
	q, err := ix.question(ctx, e.Contract)
	if err != nil || q == nil {
		return err
	}
	responder := ledger.NormalizeAddress(e.Responder)
	ok, err := ix.store.HasAnswered(ctx, q.ID, responder)
	if err != nil {
		return fmt.Errorf("check answer %d/%s: %w", q.ID, responder, err)
	}
	if !ok {
		if ix.metrics != nil {
			ix.metrics.UnmirroredAnswers.Inc()
		}
		ix.log.Warnf("question=%d responder=%s answered onchain in %s but has no mirrored answer", q.ID, responder, e.TxHash.Hex())
	}
	ix.refreshPool(ctx, q)
	ix.invalidate(ctx, readmodel.AnswerExistsKey(q.ID, responder), readmodel.SubmissionStatusKey(q.ID, responder))
	return nil
}

func (ix *Indexer) onRewardClaimed(ctx context.Context, e ledger.RewardClaimed) error {
	q, err := ix.question(ctx, e.Contract)
	if err != nil || q == nil {
		return err
	}
	responder := ledger.NormalizeAddress(e.Responder)
	err = ix.store.MarkClaimed(ctx, q.ID, responder, e.TxHash.Hex(), ix.now())
	if errors.Is(err, readmodel.ErrAnswerNotFound) {
		ix.log.Warnf("question=%d responder=%s claimed but has no mirrored answer", q.ID, responder)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark claimed %d/%s: %w", q.ID, responder, err)
	}
	return nil
}

func (ix *Indexer) onAnswersEvaluated(ctx context.Context, e ledger.AnswersEvaluated) error {
	q, err := ix.question(ctx, e.Contract)
	if err != nil || q == nil {
		return err
	}
	err = ix.store.SetQuestionStatus(ctx, q.ID, models.QuestionEvaluated, ix.now())
	if err != nil && !errors.Is(err, readmodel.ErrInvalidStatus) {
		return fmt.Errorf("mark question %d evaluated: %w", q.ID, err)
	}
	ix.refreshPool(ctx, q)
	ix.invalidate(ctx, readmodel.QuestionKey(q.ID), readmodel.ActiveQuestionsKey())
	ix.log.Infof("question=%d evaluated onchain, ranking %v", q.ID, e.RankedIndices)
	return nil
}

func (ix *Indexer) refreshPool(ctx context.Context, q *models.Question) {
	if ix.pool == nil {
		return
	}
	pool, err := ix.pool.RewardPool(ctx, common.HexToAddress(q.ContractAddress))
	if err != nil {
		ix.log.Warnf("question=%d reward pool read failed: %v", q.ID, err)
		return
	}
	if err := ix.store.UpdateRewardPool(ctx, q.ID, pool); err != nil {
		ix.log.Warnf("question=%d reward pool update failed: %v", q.ID, err)
	}
}

func (ix *Indexer) invalidate(ctx context.Context, keys ...string) {
	if err := ix.cache.Invalidate(ctx, keys...); err != nil {
		ix.log.Warnf("cache invalidation (%s) failed: %v", strings.Join(keys, ","), err)
	}
}
