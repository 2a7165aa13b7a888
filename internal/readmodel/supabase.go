package readmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"question-bounty/internal/logger"
	"question-bounty/internal/models"

	"github.com/supabase-community/postgrest-go"
	supa "github.com/supabase-community/supabase-go"
)

const (
	questionsTable = "questions"
	answersTable   = "answers"

	indexRetries = 3
)

// Tables is the PostgREST entry point. *supabase.Client and *postgrest.Client satisfy it.
type Tables interface {
	From(table string) *postgrest.QueryBuilder
}

// SupabaseStore is the read model over Supabase's PostgREST API. PostgREST has
// no multi-statement transactions, so every write is a single request and the
// question counters are recomputed from the answers table after each insert.
type SupabaseStore struct {
	db  Tables
	log *logger.Logger
	now func() time.Time
}

// DialSupabase connects with the project url and service key.
func DialSupabase(url, key string, log *logger.Logger) (*SupabaseStore, error) {
	client, err := supa.NewClient(url, key, nil)
	if err != nil {
		return nil, fmt.Errorf("connect supabase: %w", err)
	}
	return NewSupabaseStore(client, log), nil
}

func NewSupabaseStore(db Tables, log *logger.Logger) *SupabaseStore {
	if log == nil {
		log = logger.Discard()
	}
	return &SupabaseStore{db: db, log: log.With("supabase"), now: time.Now}
}

// PostgREST renders numeric columns as JSON numbers; amounts are decoded through json.Number.
type questionRecord struct {
	models.Question
	EntryFee   json.Number `json:"entry_fee"`
	SeedAmount json.Number `json:"seed_amount"`
	TotalFees  json.Number `json:"total_fees"`
	RewardPool json.Number `json:"reward_pool"`
}

func toRecord(q models.Question) questionRecord {
	return questionRecord{
		Question:   q,
		EntryFee:   amountNumber(q.EntryFee),
		SeedAmount: amountNumber(q.SeedAmount),
		TotalFees:  amountNumber(q.TotalFees),
		RewardPool: amountNumber(q.RewardPool),
	}
}

func (r questionRecord) model() models.Question {
	q := r.Question
	q.EntryFee = models.FormatAmount(models.ParseAmount(r.EntryFee.String()))
	q.SeedAmount = models.FormatAmount(models.ParseAmount(r.SeedAmount.String()))
	q.TotalFees = models.FormatAmount(models.ParseAmount(r.TotalFees.String()))
	q.RewardPool = models.FormatAmount(models.ParseAmount(r.RewardPool.String()))
	return q
}

func amountNumber(s string) json.Number {
	return json.Number(models.FormatAmount(models.ParseAmount(s)))
}

func idString(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func (s *SupabaseStore) EnsureQuestion(ctx context.Context, q *models.Question) error {
	_, err := s.GetQuestion(ctx, q.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrQuestionNotFound) {
		return err
	}
	err = s.insertQuestion(s.freshQuestion(q))
	if isPostgrestConflict(err) {
		return nil
	}
	return err
}

func (s *SupabaseStore) UpsertQuestion(ctx context.Context, q *models.Question) error {
	cur, err := s.GetQuestion(ctx, q.ID)
	if errors.Is(err, ErrQuestionNotFound) {
		return s.insertQuestion(s.freshQuestion(q))
	}
	if err != nil {
		return err
	}
	next := s.freshQuestion(q)
	next.CreatedAt = cur.CreatedAt
	next.SubmissionCount = cur.SubmissionCount
	next.TotalFees = cur.TotalFees
	next.RewardPool = cur.RewardPool
	next.AIEvaluatedAt = cur.AIEvaluatedAt
	next.FinalizedAt = cur.FinalizedAt
	if q.CreationTxHash == "" {
		next.CreationTxHash = cur.CreationTxHash
	}
	if q.Status == "" || !cur.Status.CanTransition(q.Status) {
		next.Status = cur.Status
	}
	var out []questionRecord
	_, err = s.db.From(questionsTable).Upsert(toRecord(next), "id", "", "").ExecuteTo(&out)
	if err != nil {
		return fmt.Errorf("upsert question %d: %w", q.ID, err)
	}
	return nil
}

func (s *SupabaseStore) freshQuestion(q *models.Question) models.Question {
	row := *q
	row.ContractAddress = NormalizeAddress(row.ContractAddress)
	row.TokenAddress = NormalizeAddress(row.TokenAddress)
	row.Creator = NormalizeAddress(row.Creator)
	if row.Status == "" {
		row.Status = models.QuestionActive
	}
	now := s.now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	return row
}

func (s *SupabaseStore) insertQuestion(q models.Question) error {
	var out []questionRecord
	_, err := s.db.From(questionsTable).Insert(toRecord(q), false, "", "", "").ExecuteTo(&out)
	if err != nil {
		return fmt.Errorf("insert question %d: %w", q.ID, err)
	}
	return nil
}

func (s *SupabaseStore) GetQuestion(_ context.Context, id uint64) (*models.Question, error) {
	return s.oneQuestion("id", idString(id))
}

func (s *SupabaseStore) GetQuestionByContract(_ context.Context, contract string) (*models.Question, error) {
	return s.oneQuestion("contract_address", NormalizeAddress(contract))
}

func (s *SupabaseStore) oneQuestion(column, value string) (*models.Question, error) {
	var rows []questionRecord
	_, err := s.db.From(questionsTable).Select("*", "", false).Eq(column, value).Limit(1, "").ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("get question %s=%s: %w", column, value, err)
	}
	if len(rows) == 0 {
		return nil, ErrQuestionNotFound
	}
	q := rows[0].model()
	return &q, nil
}

func (s *SupabaseStore) ListQuestions(_ context.Context, f QuestionFilter) ([]models.Question, error) {
	now := f.Now
	if now.IsZero() {
		now = s.now()
	}
	ts := now.UTC().Format(time.RFC3339)
	fb := s.db.From(questionsTable).Select("*", "", false)
	switch f.Scope {
	case ScopeActive:
		fb = fb.Eq("status", string(models.QuestionActive)).Gt("end_time", ts)
	case ScopePast:
		fb = fb.Or(fmt.Sprintf("status.neq.%s,end_time.lte.%s", models.QuestionActive, ts), "")
	}
	if f.Creator != "" {
		fb = fb.Eq("creator", NormalizeAddress(f.Creator))
	}
	fb = fb.Order("id", &postgrest.OrderOpts{Ascending: false})
	if f.Limit > 0 {
		fb = fb.Limit(f.Limit, "")
	}
	var rows []questionRecord
	if _, err := fb.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	out := make([]models.Question, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

func (s *SupabaseStore) SetQuestionStatus(ctx context.Context, id uint64, status models.QuestionStatus, at time.Time) error {
	q, err := s.GetQuestion(ctx, id)
	if err != nil {
		return err
	}
	if q.Status == status {
		return nil
	}
	if !q.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, q.Status, status)
	}
	fields := map[string]interface{}{
		"status":     status,
		"updated_at": s.now().UTC(),
	}
	if status == models.QuestionEvaluated && q.FinalizedAt == nil {
		fields["finalized_at"] = at.UTC()
	}
	return s.updateQuestion(id, fields)
}

func (s *SupabaseStore) UpdateRewardPool(ctx context.Context, id uint64, pool *big.Int) error {
	if _, err := s.GetQuestion(ctx, id); err != nil {
		return err
	}
	return s.updateQuestion(id, map[string]interface{}{
		"reward_pool": json.Number(models.FormatAmount(pool)),
		"updated_at":  s.now().UTC(),
	})
}

func (s *SupabaseStore) updateQuestion(id uint64, fields map[string]interface{}) error {
	var out []questionRecord
	_, err := s.db.From(questionsTable).Update(fields, "", "").Eq("id", idString(id)).ExecuteTo(&out)
	if err != nil {
		return fmt.Errorf("update question %d: %w", id, err)
	}
	return nil
}

// InsertAnswer retries index assignment when a concurrent insert took the
// same index; a responder or tx-hash conflict is a duplicate.
func (s *SupabaseStore) InsertAnswer(ctx context.Context, na NewAnswer) (*models.Answer, error) {
	q, err := s.GetQuestion(ctx, na.QuestionID)
	if err != nil {
		return nil, err
	}

	var row *models.Answer
	for attempt := 0; ; attempt++ {
		next, err := s.nextIndex(na.QuestionID)
		if err != nil {
			return nil, err
		}
		row = newAnswerRow(na, next, s.now().UTC())
		var out []models.Answer
		_, err = s.db.From(answersTable).Insert(row, false, "", "", "").ExecuteTo(&out)
		if err == nil {
			break
		}
		if !isPostgrestConflict(err) {
			return nil, fmt.Errorf("insert answer: %w", err)
		}
		if !strings.Contains(err.Error(), "ux_question_index") {
			return nil, ErrDuplicateAnswer
		}
		if attempt+1 >= indexRetries {
			return nil, fmt.Errorf("insert answer after %d attempts: %w: %v", indexRetries, ErrIndexContention, err)
		}
		s.log.Printf("answer index %d for question %d taken, retrying", next, na.QuestionID)
	}

	if err := s.refreshCounters(q); err != nil {
		s.log.Warnf("refresh counters question=%d: %v", q.ID, err)
	}
	return row, nil
}

func (s *SupabaseStore) nextIndex(questionID uint64) (int64, error) {
	var rows []struct {
		AnswerIndex int64 `json:"answer_index"`
	}
	_, err := s.db.From(answersTable).
		Select("answer_index", "", false).
		Eq("question_id", idString(questionID)).
		Order("answer_index", &postgrest.OrderOpts{Ascending: false}).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return 0, fmt.Errorf("next answer index: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].AnswerIndex + 1, nil
}

// refreshCounters derives submission_count and total_fees from the answers
// table so concurrent writers converge on the same values.
func (s *SupabaseStore) refreshCounters(q *models.Question) error {
	var ids []struct {
		ID string `json:"id"`
	}
	_, err := s.db.From(answersTable).Select("id", "", false).Eq("question_id", idString(q.ID)).ExecuteTo(&ids)
	if err != nil {
		return err
	}
	n := int64(len(ids))
	total := new(big.Int).Mul(q.EntryFeeInt(), big.NewInt(n))
	return s.updateQuestion(q.ID, map[string]interface{}{
		"submission_count": n,
		"total_fees":       json.Number(total.String()),
		"updated_at":       s.now().UTC(),
	})
}

func (s *SupabaseStore) ListAnswers(_ context.Context, questionID uint64) ([]models.Answer, error) {
	var rows []models.Answer
	_, err := s.db.From(answersTable).
		Select("*", "", false).
		Eq("question_id", idString(questionID)).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Order("answer_index", &postgrest.OrderOpts{Ascending: false}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("list answers %d: %w", questionID, err)
	}
	return rows, nil
}

func (s *SupabaseStore) GetAnswer(_ context.Context, questionID uint64, responder string) (*models.Answer, error) {
	var rows []models.Answer
	_, err := s.db.From(answersTable).
		Select("*", "", false).
		Eq("question_id", idString(questionID)).
		Eq("responder", NormalizeAddress(responder)).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("get answer: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrAnswerNotFound
	}
	return &rows[0], nil
}

func (s *SupabaseStore) HasAnswered(ctx context.Context, questionID uint64, responder string) (bool, error) {
	_, err := s.GetAnswer(ctx, questionID, responder)
	if errors.Is(err, ErrAnswerNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *SupabaseStore) ApplyAIEvaluation(ctx context.Context, questionID uint64, updates []RewardUpdate, at time.Time) error {
	err := s.applyRewards(ctx, questionID, updates, func(a *models.Answer, u RewardUpdate) {
		a.AIRewardAmount = u.Amount
		a.AIRewardReason = u.Reason
		a.ReviewerRewardAmount = u.Amount
		a.ReviewerRewardReason = u.Reason
		a.EvaluationStatus = models.AIEvaluated
	})
	if err != nil {
		return err
	}
	return s.updateQuestion(questionID, map[string]interface{}{
		"ai_evaluated_at": at.UTC(),
		"updated_at":      s.now().UTC(),
	})
}

func (s *SupabaseStore) ApplyReview(ctx context.Context, questionID uint64, updates []RewardUpdate) error {
	return s.applyRewards(ctx, questionID, updates, func(a *models.Answer, u RewardUpdate) {
		a.ReviewerRewardAmount = u.Amount
		a.ReviewerRewardReason = u.Reason
		a.EvaluationStatus = models.CreatorReviewed
	})
}

// applyRewards validates every update against the stored rows, then writes
// them in one bulk upsert so a rejected batch leaves nothing behind.
func (s *SupabaseStore) applyRewards(ctx context.Context, questionID uint64, updates []RewardUpdate, apply func(*models.Answer, RewardUpdate)) error {
	if err := checkUpdates(updates); err != nil {
		return err
	}
	if _, err := s.GetQuestion(ctx, questionID); err != nil {
		return err
	}
	current, err := s.ListAnswers(ctx, questionID)
	if err != nil {
		return err
	}
	byID := make(map[string]*models.Answer, len(current))
	for i := range current {
		byID[current[i].ID] = &current[i]
	}
	now := s.now().UTC()
	rows := make([]models.Answer, 0, len(updates))
	for _, u := range updates {
		a, ok := byID[u.AnswerID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAnswer, u.AnswerID)
		}
		apply(a, u)
		a.UpdatedAt = now
		rows = append(rows, *a)
	}
	if len(rows) == 0 {
		return nil
	}
	var out []models.Answer
	if _, err := s.db.From(answersTable).Upsert(rows, "id", "", "").ExecuteTo(&out); err != nil {
		return fmt.Errorf("write rewards question=%d: %w", questionID, err)
	}
	return nil
}

func (s *SupabaseStore) MarkClaimed(ctx context.Context, questionID uint64, responder, txHash string, at time.Time) error {
	a, err := s.GetAnswer(ctx, questionID, responder)
	if err != nil {
		return err
	}
	if a.Claimed {
		return nil
	}
	var out []models.Answer
	_, err = s.db.From(answersTable).
		Update(map[string]interface{}{
			"claimed":       true,
			"claim_tx_hash": txHash,
			"claimed_at":    at.UTC(),
			"updated_at":    s.now().UTC(),
		}, "", "").
		Eq("id", a.ID).
		ExecuteTo(&out)
	if err != nil {
		return fmt.Errorf("mark claimed: %w", err)
	}
	return nil
}

const uniqueViolation = "23505"

// postgrestCode extracts the SQLSTATE from an execute error. postgrest-go
// flattens the response body into "(code) message" and exports no error type.
func postgrestCode(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	end := strings.IndexByte(msg, ')')
	if !strings.HasPrefix(msg, "(") || end < 0 {
		return ""
	}
	return msg[1:end]
}

// isPostgrestConflict recognizes a unique violation relayed by PostgREST.
func isPostgrestConflict(err error) bool {
	return postgrestCode(err) == uniqueViolation
}

var _ Store = (*SupabaseStore)(nil)
