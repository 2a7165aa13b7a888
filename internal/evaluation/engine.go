// Package evaluation splits a question's prize pool across its answers with an
// automated scorer and checks the result before anything is persisted.
package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"question-bounty/internal/logger"
	"question-bounty/internal/metrics"
	"question-bounty/internal/models"
	"question-bounty/internal/readmodel"
)

var (
	ErrInvalidRequest    = errors.New("evaluation: invalid request")
	ErrQuestionNotFound  = errors.New("evaluation: question not found")
	ErrAlreadyEvaluated  = errors.New("evaluation: question already evaluated")
	ErrQuestionNotEnded  = errors.New("evaluation: question has not ended")
	ErrNoAnswers         = errors.New("evaluation: question has no answers")
	ErrMalformedResponse = errors.New("evaluation: malformed scorer response")
	ErrScorerFailed      = errors.New("evaluation: scorer call failed")
	ErrPoolUnavailable   = errors.New("evaluation: ledger reward pool unavailable")
	ErrNoPositiveAward   = errors.New("evaluation: allocation awards nothing")
	ErrInvalidAmount     = errors.New("evaluation: invalid award amount")
)

// Scorer produces a JSON allocation for a prompt, shaped by schema.
type Scorer interface {
	Evaluate(ctx context.Context, prompt string, schema *Schema) (json.RawMessage, error)
}

// PoolSource reports the question's reward pool in display units as the
// ledger sees it.
type PoolSource interface {
	DisplayPool(ctx context.Context, q *models.Question) (float64, error)
}

// Store is the part of the read model the engine uses.
type Store interface {
	GetQuestion(ctx context.Context, id uint64) (*models.Question, error)
	ListAnswers(ctx context.Context, questionID uint64) ([]models.Answer, error)
	ApplyAIEvaluation(ctx context.Context, questionID uint64, updates []readmodel.RewardUpdate, at time.Time) error
}

type Request struct {
	QuestionID       uint64  `json:"questionId"`
	ActualRewardPool float64 `json:"actualRewardPool"`
}

// Award is a persisted share together with the answer it rewards.
type Award struct {
	Share
	Response string
}

type Result struct {
	QuestionID uint64
	Pool       float64
	Awards     []Award
}

type Engine struct {
	store   Store
	scorer  Scorer
	pool    PoolSource
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEngine builds an engine. pool and m may be nil.
func NewEngine(store Store, scorer Scorer, pool PoolSource, log *logger.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = logger.Discard()
	}
	return &Engine{
		store:   store,
		scorer:  scorer,
		pool:    pool,
		log:     log.With("evaluation"),
		metrics: m,
		now:     time.Now,
	}
}

// Evaluate scores every answer of the question and persists the allocation.
// Nothing is written unless every check passes.
func (e *Engine) Evaluate(ctx context.Context, req Request) (res *Result, err error) {
	defer func() { e.record(req.QuestionID, err) }()

	pool := req.ActualRewardPool
	if math.IsNaN(pool) || math.IsInf(pool, 0) || ToCents(pool) <= 0 {
		return nil, fmt.Errorf("%w: actualRewardPool must be a positive amount", ErrInvalidRequest)
	}

	q, err := e.store.GetQuestion(ctx, req.QuestionID)
	if errors.Is(err, readmodel.ErrQuestionNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrQuestionNotFound, req.QuestionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load question %d: %w", req.QuestionID, err)
	}
	switch q.EffectiveStatus(e.now()) {
	case models.QuestionEvaluated, models.QuestionEmergency:
		return nil, fmt.Errorf("%w: status %s", ErrAlreadyEvaluated, q.Status)
	case models.QuestionActive:
		return nil, fmt.Errorf("%w: ends at %s", ErrQuestionNotEnded, q.EndTime.UTC().Format(time.RFC3339))
	}

	if e.pool != nil {
		onchain, err := e.pool.DisplayPool(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
		}
		if !WithinTolerance(pool, onchain) {
			return nil, &SumMismatchError{Expected: onchain, Actual: pool}
		}
	}

	answers, err := e.store.ListAnswers(ctx, q.ID)
	if err != nil {
		return nil, fmt.Errorf("load answers for %d: %w", q.ID, err)
	}
	if len(answers) == 0 {
		return nil, ErrNoAnswers
	}
	for _, a := range answers {
		if a.EvaluationStatus == models.CreatorReviewed {
			return nil, fmt.Errorf("%w: reviewer allocation already recorded", ErrAlreadyEvaluated)
		}
	}

	winnerCap := q.WinnerCap(len(answers))
	prompt := BuildPrompt(q, answers, pool, winnerCap)

	started := time.Now()
	raw, err := e.scorer.Evaluate(ctx, prompt, ResponseSchema)
	if e.metrics != nil {
		e.metrics.ScorerLatency.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		if errors.Is(err, ErrMalformedResponse) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrScorerFailed, err)
	}

	shares, err := decodeShares(raw, answers)
	if err != nil {
		return nil, err
	}
	if err := Validate(shares, pool, winnerCap); err != nil {
		return nil, err
	}
	shares, err = Normalize(shares, pool)
	if err != nil {
		return nil, err
	}

	updates := make([]readmodel.RewardUpdate, len(shares))
	for i, s := range shares {
		updates[i] = readmodel.RewardUpdate{AnswerID: s.AnswerID, Amount: s.Amount, Reason: s.Reason}
	}
	if err := e.store.ApplyAIEvaluation(ctx, q.ID, updates, e.now()); err != nil {
		return nil, fmt.Errorf("persist evaluation for %d: %w", q.ID, err)
	}

	res = &Result{QuestionID: q.ID, Pool: pool, Awards: make([]Award, len(shares))}
	for i, s := range shares {
		res.Awards[i] = Award{Share: s, Response: answers[i].Content}
	}
	e.log.Infof("question=%d evaluated: %d answers, pool %.2f, %d winners", q.ID, len(answers), pool, winners(shares))
	return res, nil
}

// decodeShares maps the scorer's entries onto answers, one share per answer in
// the order given. Answers the scorer did not mention get zero.
func decodeShares(raw json.RawMessage, answers []models.Answer) ([]Share, error) {
	if err := ResponseSchema.Validate(raw); err != nil {
		return nil, err
	}
	var resp scoredResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	byResponder := make(map[string]int, len(answers))
	shares := make([]Share, len(answers))
	for i, a := range answers {
		addr := readmodel.NormalizeAddress(a.Responder)
		byResponder[addr] = i
		shares[i] = Share{AnswerID: a.ID, Address: addr, AnswerIndex: a.AnswerIndex}
	}

	seen := make(map[string]bool, len(resp.Evaluations))
	for _, ev := range resp.Evaluations {
		addr := readmodel.NormalizeAddress(ev.Address)
		i, ok := byResponder[addr]
		if !ok {
			return nil, fmt.Errorf("%w: unknown responder %q", ErrMalformedResponse, ev.Address)
		}
		if seen[addr] {
			return nil, fmt.Errorf("%w: responder %s listed twice", ErrMalformedResponse, addr)
		}
		seen[addr] = true
		shares[i].Amount = ev.RewardAmount
		shares[i].Reason = ev.RewardReason
	}
	return shares, nil
}

func winners(shares []Share) int {
	n := 0
	for _, s := range shares {
		if s.Amount > 0 {
			n++
		}
	}
	return n
}

func (e *Engine) record(questionID uint64, err error) {
	outcome := Outcome(err)
	if e.metrics != nil {
		e.metrics.Evaluations.WithLabelValues(outcome).Inc()
	}
	if err != nil {
		e.log.Warnf("question=%d evaluation rejected (%s): %v", questionID, outcome, err)
	}
}

// Outcome is the metric label for an evaluation or review result.
func Outcome(err error) string {
	var sum *SumMismatchError
	var capErr *WinnerCapError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &sum):
		return "sum_mismatch"
	case errors.As(err, &capErr):
		return "winner_cap"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, ErrScorerFailed):
		return "scorer_error"
	case errors.Is(err, ErrNoPositiveAward), errors.Is(err, ErrInvalidAmount):
		return "invalid_allocation"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrQuestionNotFound),
		errors.Is(err, ErrQuestionNotEnded), errors.Is(err, ErrAlreadyEvaluated), errors.Is(err, ErrNoAnswers):
		return "rejected"
	}
	return "error"
}
