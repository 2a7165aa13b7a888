// Package readmodel is the off-chain mirror of question and answer state.
//
// Writes are single-row upserts keyed by natural identifiers: (question,
// responder) for answers and the question id for counters. A conflict on the
// answer key means the responder already answered; it is reported as
// ErrDuplicateAnswer, never as a transient failure.
package readmodel

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"question-bounty/internal/models"
)

var (
	ErrQuestionNotFound = errors.New("readmodel: question not found")
	ErrAnswerNotFound   = errors.New("readmodel: answer not found")
	ErrDuplicateAnswer  = errors.New("readmodel: responder already answered this question")
	ErrUnknownAnswer    = errors.New("readmodel: answer does not belong to question")
	ErrInvalidStatus    = errors.New("readmodel: invalid question status transition")
	// ErrIndexContention means concurrent inserts kept taking the next answer
	// index. The write can be retried.
	ErrIndexContention = errors.New("readmodel: answer index contention")
)

// NewAnswer is a confirmed submission ready to be mirrored.
type NewAnswer struct {
	QuestionID       uint64
	Responder        string
	Content          string
	AnswerHash       string
	SubmissionTxHash string
	Referrer         string
	Fee              *big.Int
	SubmittedAt      time.Time
}

// RewardUpdate sets one answer's reward amount (display units) and rationale.
type RewardUpdate struct {
	AnswerID string
	Amount   float64
	Reason   string
}

type Scope int

const (
	ScopeAll Scope = iota
	ScopeActive
	ScopePast
)

// QuestionFilter selects questions for list views. Active means status active
// and end time still ahead of Now; past is everything else.
type QuestionFilter struct {
	Scope   Scope
	Creator string
	Now     time.Time
	Limit   int
}

// Store is the read model port.
type Store interface {
	// EnsureQuestion inserts the question unless one with the same id exists.
	EnsureQuestion(ctx context.Context, q *models.Question) error
	// UpsertQuestion inserts the question or overwrites its descriptive fields.
	// Counters and status are never regressed.
	UpsertQuestion(ctx context.Context, q *models.Question) error
	GetQuestion(ctx context.Context, id uint64) (*models.Question, error)
	GetQuestionByContract(ctx context.Context, contract string) (*models.Question, error)
	ListQuestions(ctx context.Context, f QuestionFilter) ([]models.Question, error)
	SetQuestionStatus(ctx context.Context, id uint64, status models.QuestionStatus, at time.Time) error
	UpdateRewardPool(ctx context.Context, id uint64, pool *big.Int) error

	// InsertAnswer assigns the next answer index, stores the answer and bumps
	// the question counters in one unit. ErrDuplicateAnswer on (question, responder) conflict.
	InsertAnswer(ctx context.Context, a NewAnswer) (*models.Answer, error)
	// ListAnswers returns the question's answers, newest first.
	ListAnswers(ctx context.Context, questionID uint64) ([]models.Answer, error)
	GetAnswer(ctx context.Context, questionID uint64, responder string) (*models.Answer, error)
	HasAnswered(ctx context.Context, questionID uint64, responder string) (bool, error)

	// ApplyAIEvaluation writes AI and reviewer reward fields and marks the
	// answers ai_evaluated. All-or-nothing.
	ApplyAIEvaluation(ctx context.Context, questionID uint64, updates []RewardUpdate, at time.Time) error
	// ApplyReview writes reviewer reward fields and marks the answers
	// creator_reviewed. All-or-nothing.
	ApplyReview(ctx context.Context, questionID uint64, updates []RewardUpdate) error
	MarkClaimed(ctx context.Context, questionID uint64, responder, txHash string, at time.Time) error
}

// Invalidator drops cached views so dependent reads refresh.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string) error
}

// NopInvalidator is used when no cache is configured.
type NopInvalidator struct{}

func (NopInvalidator) Invalidate(context.Context, ...string) error { return nil }

func NormalizeAddress(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

func AnswerExistsKey(questionID uint64, responder string) string {
	return fmt.Sprintf("answer-exists:%d:%s", questionID, NormalizeAddress(responder))
}

func SubmissionStatusKey(questionID uint64, responder string) string {
	return fmt.Sprintf("submission-status:%d:%s", questionID, NormalizeAddress(responder))
}

func QuestionKey(questionID uint64) string {
	return fmt.Sprintf("question:%d", questionID)
}

func ActiveQuestionsKey() string {
	return "questions:active"
}

// SubmissionKeys are the views a completed submission makes stale.
func SubmissionKeys(questionID uint64, responder string) []string {
	return []string{
		AnswerExistsKey(questionID, responder),
		SubmissionStatusKey(questionID, responder),
		QuestionKey(questionID),
		ActiveQuestionsKey(),
	}
}

func isActive(q *models.Question, now time.Time) bool {
	return q.EffectiveStatus(now) == models.QuestionActive
}

func matchesFilter(q *models.Question, f QuestionFilter) bool {
	if f.Creator != "" && NormalizeAddress(q.Creator) != NormalizeAddress(f.Creator) {
		return false
	}
	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}
	switch f.Scope {
	case ScopeActive:
		return isActive(q, now)
	case ScopePast:
		return !isActive(q, now)
	}
	return true
}

func checkUpdates(updates []RewardUpdate) error {
	seen := make(map[string]struct{}, len(updates))
	for _, u := range updates {
		if u.AnswerID == "" {
			return fmt.Errorf("%w: empty answer id", ErrUnknownAnswer)
		}
		if _, dup := seen[u.AnswerID]; dup {
			return fmt.Errorf("%w: %s listed twice", ErrUnknownAnswer, u.AnswerID)
		}
		seen[u.AnswerID] = struct{}{}
	}
	return nil
}
