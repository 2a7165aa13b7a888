package readmodel

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"question-bounty/internal/models"

	"github.com/google/uuid"
)

// MemoryStore keeps the read model in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	questions map[uint64]*models.Question
	answers   map[uint64][]*models.Answer
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		questions: make(map[uint64]*models.Question),
		answers:   make(map[uint64][]*models.Answer),
		now:       time.Now,
	}
}

func (m *MemoryStore) EnsureQuestion(_ context.Context, q *models.Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.questions[q.ID]; ok {
		return nil
	}
	m.putQuestion(q)
	return nil
}

func (m *MemoryStore) UpsertQuestion(_ context.Context, q *models.Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.questions[q.ID]
	if !ok {
		m.putQuestion(q)
		return nil
	}
	cur.ContractAddress = NormalizeAddress(q.ContractAddress)
	cur.TokenAddress = NormalizeAddress(q.TokenAddress)
	cur.Creator = NormalizeAddress(q.Creator)
	cur.Content = q.Content
	cur.Rubric = q.Rubric
	cur.EntryFee = q.EntryFee
	cur.MaxWinners = q.MaxWinners
	cur.StartTime = q.StartTime
	cur.EndTime = q.EndTime
	cur.EvaluationDeadline = q.EvaluationDeadline
	cur.SeedAmount = q.SeedAmount
	if q.CreationTxHash != "" {
		cur.CreationTxHash = q.CreationTxHash
	}
	if q.Status != "" && cur.Status.CanTransition(q.Status) {
		cur.Status = q.Status
	}
	cur.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) putQuestion(q *models.Question) {
	cp := *q
	cp.ContractAddress = NormalizeAddress(cp.ContractAddress)
	cp.TokenAddress = NormalizeAddress(cp.TokenAddress)
	cp.Creator = NormalizeAddress(cp.Creator)
	if cp.Status == "" {
		cp.Status = models.QuestionActive
	}
	for _, s := range []*string{&cp.EntryFee, &cp.SeedAmount, &cp.TotalFees, &cp.RewardPool} {
		if *s == "" {
			*s = "0"
		}
	}
	now := m.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.questions[cp.ID] = &cp
}

func (m *MemoryStore) GetQuestion(_ context.Context, id uint64) (*models.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.questions[id]
	if !ok {
		return nil, ErrQuestionNotFound
	}
	cp := *q
	return &cp, nil
}

func (m *MemoryStore) GetQuestionByContract(_ context.Context, contract string) (*models.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	contract = NormalizeAddress(contract)
	for _, q := range m.questions {
		if q.ContractAddress == contract {
			cp := *q
			return &cp, nil
		}
	}
	return nil, ErrQuestionNotFound
}

func (m *MemoryStore) ListQuestions(_ context.Context, f QuestionFilter) ([]models.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Question, 0, len(m.questions))
	for _, q := range m.questions {
		if matchesFilter(q, f) {
			out = append(out, *q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) SetQuestionStatus(_ context.Context, id uint64, status models.QuestionStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[id]
	if !ok {
		return ErrQuestionNotFound
	}
	if !q.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, q.Status, status)
	}
	q.Status = status
	if status == models.QuestionEvaluated && q.FinalizedAt == nil {
		t := at
		q.FinalizedAt = &t
	}
	q.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) UpdateRewardPool(_ context.Context, id uint64, pool *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[id]
	if !ok {
		return ErrQuestionNotFound
	}
	q.RewardPool = models.FormatAmount(pool)
	q.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) InsertAnswer(_ context.Context, na NewAnswer) (*models.Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[na.QuestionID]
	if !ok {
		return nil, ErrQuestionNotFound
	}
	responder := NormalizeAddress(na.Responder)
	next := int64(0)
	for _, a := range m.answers[na.QuestionID] {
		if a.Responder == responder {
			return nil, ErrDuplicateAnswer
		}
		if a.AnswerIndex >= next {
			next = a.AnswerIndex + 1
		}
	}
	for _, list := range m.answers {
		for _, a := range list {
			if a.SubmissionTxHash == na.SubmissionTxHash {
				return nil, ErrDuplicateAnswer
			}
		}
	}

	a := newAnswerRow(na, next, m.now())
	m.answers[na.QuestionID] = append(m.answers[na.QuestionID], a)

	q.SubmissionCount++
	q.TotalFees = models.FormatAmount(new(big.Int).Add(q.TotalFeesInt(), feeOrZero(na.Fee)))
	q.UpdatedAt = a.CreatedAt

	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAnswers(_ context.Context, questionID uint64) ([]models.Answer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.answers[questionID]
	out := make([]models.Answer, len(list))
	for i, a := range list {
		out[i] = *a
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) GetAnswer(_ context.Context, questionID uint64, responder string) (*models.Answer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a := m.findAnswer(questionID, responder); a != nil {
		cp := *a
		return &cp, nil
	}
	return nil, ErrAnswerNotFound
}

func (m *MemoryStore) HasAnswered(_ context.Context, questionID uint64, responder string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findAnswer(questionID, responder) != nil, nil
}

func (m *MemoryStore) findAnswer(questionID uint64, responder string) *models.Answer {
	responder = NormalizeAddress(responder)
	for _, a := range m.answers[questionID] {
		if a.Responder == responder {
			return a
		}
	}
	return nil
}

func (m *MemoryStore) ApplyAIEvaluation(_ context.Context, questionID uint64, updates []RewardUpdate, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[questionID]
	if !ok {
		return ErrQuestionNotFound
	}
	rows, err := m.resolve(questionID, updates)
	if err != nil {
		return err
	}
	now := m.now()
	for i, u := range updates {
		a := rows[i]
		a.AIRewardAmount = u.Amount
		a.AIRewardReason = u.Reason
		a.ReviewerRewardAmount = u.Amount
		a.ReviewerRewardReason = u.Reason
		a.EvaluationStatus = models.AIEvaluated
		a.UpdatedAt = now
	}
	t := at
	q.AIEvaluatedAt = &t
	q.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ApplyReview(_ context.Context, questionID uint64, updates []RewardUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, err := m.resolve(questionID, updates)
	if err != nil {
		return err
	}
	now := m.now()
	for i, u := range updates {
		a := rows[i]
		a.ReviewerRewardAmount = u.Amount
		a.ReviewerRewardReason = u.Reason
		a.EvaluationStatus = models.CreatorReviewed
		a.UpdatedAt = now
	}
	return nil
}

// resolve maps every update to its row before anything is written.
func (m *MemoryStore) resolve(questionID uint64, updates []RewardUpdate) ([]*models.Answer, error) {
	if err := checkUpdates(updates); err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Answer, len(m.answers[questionID]))
	for _, a := range m.answers[questionID] {
		byID[a.ID] = a
	}
	rows := make([]*models.Answer, len(updates))
	for i, u := range updates {
		a, ok := byID[u.AnswerID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAnswer, u.AnswerID)
		}
		rows[i] = a
	}
	return rows, nil
}

func (m *MemoryStore) MarkClaimed(_ context.Context, questionID uint64, responder, txHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.findAnswer(questionID, responder)
	if a == nil {
		return ErrAnswerNotFound
	}
	if a.Claimed {
		return nil
	}
	t := at
	a.Claimed = true
	a.ClaimTxHash = txHash
	a.ClaimedAt = &t
	a.UpdatedAt = m.now()
	return nil
}

func newAnswerRow(na NewAnswer, index int64, now time.Time) *models.Answer {
	created := na.SubmittedAt
	if created.IsZero() {
		created = now
	}
	return &models.Answer{
		ID:               uuid.NewString(),
		QuestionID:       na.QuestionID,
		AnswerIndex:      index,
		Responder:        NormalizeAddress(na.Responder),
		Content:          na.Content,
		AnswerHash:       na.AnswerHash,
		SubmissionTxHash: na.SubmissionTxHash,
		Referrer:         NormalizeAddress(na.Referrer),
		EvaluationStatus: models.Unevaluated,
		CreatedAt:        created,
		UpdatedAt:        now,
	}
}

func feeOrZero(fee *big.Int) *big.Int {
	if fee == nil {
		return new(big.Int)
	}
	return fee
}

func sortNewestFirst(list []models.Answer) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].AnswerIndex > list[j].AnswerIndex
	})
}

var _ Store = (*MemoryStore)(nil)
