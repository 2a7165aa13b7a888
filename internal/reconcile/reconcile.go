// Package reconcile applies reviewer overrides to an automated allocation and
// pushes the final ranking onchain.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"question-bounty/internal/evaluation"
	"question-bounty/internal/ledger"
	"question-bounty/internal/logger"
	"question-bounty/internal/metrics"
	"question-bounty/internal/models"
	"question-bounty/internal/readmodel"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidRequest   = errors.New("reconcile: invalid request")
	ErrQuestionNotFound = errors.New("reconcile: question not found")
	ErrUnknownAnswer    = errors.New("reconcile: answer does not belong to question")
	ErrNotEvaluated     = errors.New("reconcile: question has answers without an allocation")
	ErrFinalized        = errors.New("reconcile: question is already finalized")
	ErrNoWinners        = errors.New("reconcile: allocation has no positive awards")
)

// Chain is the part of the ledger client finalization needs.
type Chain interface {
	EvaluateAnswers(ctx context.Context, contract common.Address, rankedIndices []uint64) (common.Hash, error)
	WaitForReceipt(ctx context.Context, tx common.Hash) (*types.Receipt, error)
}

type Store interface {
	GetQuestion(ctx context.Context, id uint64) (*models.Question, error)
	ListAnswers(ctx context.Context, questionID uint64) ([]models.Answer, error)
	ApplyReview(ctx context.Context, questionID uint64, updates []readmodel.RewardUpdate) error
	SetQuestionStatus(ctx context.Context, id uint64, status models.QuestionStatus, at time.Time) error
}

// Entry is one reviewer award.
type Entry struct {
	AnswerID     string  `json:"answer_id"`
	RewardAmount float64 `json:"reward_amount"`
	RewardReason string  `json:"reward_reason"`
}

type ReviewRequest struct {
	Evaluations      []Entry `json:"evaluations"`
	ActualRewardPool float64 `json:"actualRewardPool"`
}

// Comparison shows one answer's automated and reviewed awards side by side.
type Comparison struct {
	AnswerID       string                  `json:"answer_id"`
	AnswerIndex    int64                   `json:"answer_index"`
	Responder      string                  `json:"responder"`
	Response       string                  `json:"response"`
	AIAmount       float64                 `json:"ai_reward_amount"`
	AIReason       string                  `json:"ai_reward_reason"`
	ReviewerAmount float64                 `json:"reviewer_reward_amount"`
	ReviewerReason string                  `json:"reviewer_reward_reason"`
	Status         models.EvaluationStatus `json:"evaluation_status"`
	Changed        bool                    `json:"changed"`
}

type ComparisonView struct {
	QuestionID    uint64       `json:"question_id"`
	Status        string       `json:"status"`
	AITotal       float64      `json:"ai_total"`
	ReviewerTotal float64      `json:"reviewer_total"`
	Answers       []Comparison `json:"answers"`
}

// Finalization is the outcome of pushing the ranking onchain.
type Finalization struct {
	QuestionID    uint64
	RankedIndices []uint64
	TxHash        common.Hash
}

type Reconciler struct {
	store   Store
	chain   Chain
	pool    evaluation.PoolSource
	cache   readmodel.Invalidator
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New builds a reconciler. chain may be nil when finalization is not served;
// pool may be nil to trust the pool a review request states.
func New(store Store, chain Chain, pool evaluation.PoolSource, cache readmodel.Invalidator, log *logger.Logger, m *metrics.Metrics) *Reconciler {
	if cache == nil {
		cache = readmodel.NopInvalidator{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Reconciler{
		store:   store,
		chain:   chain,
		pool:    pool,
		cache:   cache,
		log:     log.With("reconcile"),
		metrics: m,
		now:     time.Now,
	}
}

func (r *Reconciler) loadQuestion(ctx context.Context, id uint64) (*models.Question, error) {
	q, err := r.store.GetQuestion(ctx, id)
	if errors.Is(err, readmodel.ErrQuestionNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrQuestionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load question %d: %w", id, err)
	}
	return q, nil
}

func (r *Reconciler) loadEvaluated(ctx context.Context, q *models.Question) ([]models.Answer, error) {
	answers, err := r.store.ListAnswers(ctx, q.ID)
	if err != nil {
		return nil, fmt.Errorf("load answers for %d: %w", q.ID, err)
	}
	if len(answers) == 0 {
		return nil, fmt.Errorf("%w: no answers", ErrNotEvaluated)
	}
	for _, a := range answers {
		if !a.Evaluated() {
			return nil, fmt.Errorf("%w: answer %s is %s", ErrNotEvaluated, a.ID, a.EvaluationStatus)
		}
	}
	return answers, nil
}

// Review replaces the question's allocation with the reviewer's. Answers the
// request does not name are written with zero so the stored allocation is
// exactly the validated one. Nothing is written on rejection.
func (r *Reconciler) Review(ctx context.Context, questionID uint64, req ReviewRequest) (err error) {
	defer func() { r.recordReview(questionID, err) }()

	pool := req.ActualRewardPool
	if math.IsNaN(pool) || math.IsInf(pool, 0) || evaluation.ToCents(pool) <= 0 {
		return fmt.Errorf("%w: actualRewardPool must be a positive amount", ErrInvalidRequest)
	}
	if len(req.Evaluations) == 0 {
		return fmt.Errorf("%w: evaluations are required", ErrInvalidRequest)
	}

	q, err := r.loadQuestion(ctx, questionID)
	if err != nil {
		return err
	}
	if q.Status == models.QuestionEvaluated || q.Status == models.QuestionEmergency {
		return fmt.Errorf("%w: status %s", ErrFinalized, q.Status)
	}
	if r.pool != nil {
		onchain, err := r.pool.DisplayPool(ctx, q)
		if err != nil {
			return fmt.Errorf("%w: %v", evaluation.ErrPoolUnavailable, err)
		}
		if !evaluation.WithinTolerance(pool, onchain) {
			return &evaluation.SumMismatchError{Expected: onchain, Actual: pool}
		}
	}
	answers, err := r.loadEvaluated(ctx, q)
	if err != nil {
		return err
	}

	byID := make(map[string]int, len(answers))
	shares := make([]evaluation.Share, len(answers))
	for i, a := range answers {
		byID[a.ID] = i
		shares[i] = evaluation.Share{AnswerID: a.ID, Address: a.Responder, AnswerIndex: a.AnswerIndex}
	}
	seen := make(map[string]bool, len(req.Evaluations))
	for _, e := range req.Evaluations {
		id := strings.TrimSpace(e.AnswerID)
		i, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownAnswer, e.AnswerID)
		}
		if seen[id] {
			return fmt.Errorf("%w: answer %s listed twice", ErrInvalidRequest, id)
		}
		seen[id] = true
		shares[i].Amount = e.RewardAmount
		shares[i].Reason = e.RewardReason
	}

	if err := evaluation.Validate(shares, pool, q.WinnerCap(len(answers))); err != nil {
		return err
	}

	updates := make([]readmodel.RewardUpdate, len(shares))
	for i, s := range shares {
		updates[i] = readmodel.RewardUpdate{AnswerID: s.AnswerID, Amount: s.Amount, Reason: s.Reason}
	}
	if err := r.store.ApplyReview(ctx, q.ID, updates); err != nil {
		if errors.Is(err, readmodel.ErrUnknownAnswer) {
			return fmt.Errorf("%w: %v", ErrUnknownAnswer, err)
		}
		return fmt.Errorf("persist review for %d: %w", q.ID, err)
	}
	r.invalidate(ctx, q.ID)
	r.log.Infof("question=%d reviewed: %d answers, pool %.2f", q.ID, len(answers), pool)
	return nil
}

// Compare lists every answer's automated and reviewed awards.
func (r *Reconciler) Compare(ctx context.Context, questionID uint64) (*ComparisonView, error) {
	q, err := r.loadQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	answers, err := r.store.ListAnswers(ctx, q.ID)
	if err != nil {
		return nil, fmt.Errorf("load answers for %d: %w", q.ID, err)
	}
	view := &ComparisonView{
		QuestionID: q.ID,
		Status:     string(q.EffectiveStatus(r.now())),
		Answers:    make([]Comparison, len(answers)),
	}
	var aiCents, reviewerCents int64
	for i, a := range answers {
		view.Answers[i] = Comparison{
			AnswerID:       a.ID,
			AnswerIndex:    a.AnswerIndex,
			Responder:      a.Responder,
			Response:       a.Content,
			AIAmount:       a.AIRewardAmount,
			AIReason:       a.AIRewardReason,
			ReviewerAmount: a.ReviewerRewardAmount,
			ReviewerReason: a.ReviewerRewardReason,
			Status:         a.EvaluationStatus,
			Changed:        evaluation.ToCents(a.AIRewardAmount) != evaluation.ToCents(a.ReviewerRewardAmount),
		}
		aiCents += evaluation.ToCents(a.AIRewardAmount)
		reviewerCents += evaluation.ToCents(a.ReviewerRewardAmount)
	}
	view.AITotal = float64(aiCents) / 100
	view.ReviewerTotal = float64(reviewerCents) / 100
	return view, nil
}

// Finalize submits the reviewed ranking to the question contract and marks
// the question evaluated once the transaction is mined. A contract that was
// already evaluated still gets its mirror marked, and the error is returned.
func (r *Reconciler) Finalize(ctx context.Context, questionID uint64) (f *Finalization, err error) {
	defer func() { r.recordFinalize(questionID, err) }()

	if r.chain == nil {
		return nil, errors.New("reconcile: no ledger configured")
	}
	q, err := r.loadQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if q.Status == models.QuestionEvaluated {
		return nil, fmt.Errorf("%w: finalized at %v", ErrFinalized, q.FinalizedAt)
	}
	if q.Status == models.QuestionEmergency {
		return nil, fmt.Errorf("%w: status %s", ErrFinalized, q.Status)
	}
	answers, err := r.loadEvaluated(ctx, q)
	if err != nil {
		return nil, err
	}
	ranked := evaluation.RankedIndices(answers)
	if len(ranked) == 0 {
		return nil, ErrNoWinners
	}

	contract := common.HexToAddress(q.ContractAddress)
	tx, err := r.chain.EvaluateAnswers(ctx, contract, ranked)
	if err != nil {
		return nil, r.settle(ctx, q, fmt.Errorf("evaluateAnswers on %s: %w", q.ContractAddress, err))
	}
	r.log.Printf("question=%d evaluateAnswers broadcast %s ranking=%v", q.ID, tx.Hex(), ranked)

	// The ranking is committed once broadcast; finish on a detached context.
	detached := context.WithoutCancel(ctx)
	if _, err := r.chain.WaitForReceipt(detached, tx); err != nil {
		return nil, r.settle(detached, q, fmt.Errorf("evaluateAnswers receipt %s: %w", tx.Hex(), err))
	}
	if err := r.markEvaluated(detached, q.ID); err != nil {
		return nil, err
	}
	r.log.Infof("question=%d finalized in %s", q.ID, tx.Hex())
	return &Finalization{QuestionID: q.ID, RankedIndices: ranked, TxHash: tx}, nil
}

func (r *Reconciler) settle(ctx context.Context, q *models.Question, cause error) error {
	if !errors.Is(cause, ledger.ErrAlreadyEvaluated) {
		return cause
	}
	if err := r.markEvaluated(ctx, q.ID); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (r *Reconciler) markEvaluated(ctx context.Context, id uint64) error {
	if err := r.store.SetQuestionStatus(ctx, id, models.QuestionEvaluated, r.now()); err != nil {
		return fmt.Errorf("mark question %d evaluated: %w", id, err)
	}
	r.invalidate(ctx, id)
	return nil
}

func (r *Reconciler) invalidate(ctx context.Context, id uint64) {
	if err := r.cache.Invalidate(ctx, readmodel.QuestionKey(id), readmodel.ActiveQuestionsKey()); err != nil {
		r.log.Warnf("question=%d cache invalidation failed: %v", id, err)
	}
}

func (r *Reconciler) recordReview(questionID uint64, err error) {
	if r.metrics != nil {
		r.metrics.Reviews.WithLabelValues(evaluation.Outcome(err)).Inc()
	}
	if err != nil {
		r.log.Warnf("question=%d review rejected: %v", questionID, err)
	}
}

func (r *Reconciler) recordFinalize(questionID uint64, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrAlreadyEvaluated):
		outcome = "already_evaluated"
	default:
		outcome = "error"
	}
	if r.metrics != nil {
		r.metrics.Finalizations.WithLabelValues(outcome).Inc()
	}
	if err != nil {
		r.log.Warnf("question=%d finalization failed: %v", questionID, err)
	}
}
