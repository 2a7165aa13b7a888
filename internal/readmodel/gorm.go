package readmodel

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"question-bounty/internal/logger"
	"question-bounty/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the postgres-backed read model.
type GormStore struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

func NewGormStore(db *gorm.DB, log *logger.Logger) *GormStore {
	if log == nil {
		log = logger.Discard()
	}
	return &GormStore{db: db, log: log.With("readmodel"), now: time.Now}
}

func (s *GormStore) EnsureQuestion(ctx context.Context, q *models.Question) error {
	row := s.questionRow(q)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("ensure question %d: %w", q.ID, err)
	}
	return nil
}

func (s *GormStore) UpsertQuestion(ctx context.Context, q *models.Question) error {
	row := s.questionRow(q)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"contract_address", "token_address", "creator", "content", "rubric",
				"entry_fee", "max_winners", "start_time", "end_time", "evaluation_deadline",
				"seed_amount", "updated_at",
			}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("upsert question %d: %w", q.ID, err)
		}
		if q.Status == "" {
			return nil
		}
		err = setStatus(tx, q.ID, q.Status, s.now())
		if errors.Is(err, ErrInvalidStatus) {
			return nil
		}
		return err
	})
}

func (s *GormStore) questionRow(q *models.Question) models.Question {
	row := *q
	row.ContractAddress = NormalizeAddress(row.ContractAddress)
	row.TokenAddress = NormalizeAddress(row.TokenAddress)
	row.Creator = NormalizeAddress(row.Creator)
	if row.Status == "" {
		row.Status = models.QuestionActive
	}
	for _, v := range []*string{&row.EntryFee, &row.SeedAmount, &row.TotalFees, &row.RewardPool} {
		if *v == "" {
			*v = "0"
		}
	}
	return row
}

func (s *GormStore) GetQuestion(ctx context.Context, id uint64) (*models.Question, error) {
	var q models.Question
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrQuestionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get question %d: %w", id, err)
	}
	return &q, nil
}

func (s *GormStore) GetQuestionByContract(ctx context.Context, contract string) (*models.Question, error) {
	var q models.Question
	err := s.db.WithContext(ctx).Where("contract_address = ?", NormalizeAddress(contract)).First(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrQuestionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get question by contract %s: %w", contract, err)
	}
	return &q, nil
}

func (s *GormStore) ListQuestions(ctx context.Context, f QuestionFilter) ([]models.Question, error) {
	now := f.Now
	if now.IsZero() {
		now = s.now()
	}
	tx := s.db.WithContext(ctx).Model(&models.Question{})
	switch f.Scope {
	case ScopeActive:
		tx = tx.Where("status = ? AND end_time > ?", models.QuestionActive, now)
	case ScopePast:
		tx = tx.Where("NOT (status = ? AND end_time > ?)", models.QuestionActive, now)
	}
	if f.Creator != "" {
		tx = tx.Where("creator = ?", NormalizeAddress(f.Creator))
	}
	if f.Limit > 0 {
		tx = tx.Limit(f.Limit)
	}
	var out []models.Question
	if err := tx.Order("id DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	return out, nil
}

func (s *GormStore) SetQuestionStatus(ctx context.Context, id uint64, status models.QuestionStatus, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return setStatus(tx, id, status, at)
	})
}

func setStatus(tx *gorm.DB, id uint64, status models.QuestionStatus, at time.Time) error {
	var q models.Question
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrQuestionNotFound
	}
	if err != nil {
		return fmt.Errorf("lock question %d: %w", id, err)
	}
	if q.Status == status {
		return nil
	}
	if !q.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, q.Status, status)
	}
	updates := map[string]interface{}{"status": status}
	if status == models.QuestionEvaluated && q.FinalizedAt == nil {
		updates["finalized_at"] = at
	}
	return tx.Model(&models.Question{}).Where("id = ?", id).Updates(updates).Error
}

func (s *GormStore) UpdateRewardPool(ctx context.Context, id uint64, pool *big.Int) error {
	res := s.db.WithContext(ctx).Model(&models.Question{}).
		Where("id = ?", id).
		Update("reward_pool", models.FormatAmount(pool))
	if res.Error != nil {
		return fmt.Errorf("update reward pool %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrQuestionNotFound
	}
	return nil
}

// InsertAnswer locks the question row so index assignment and the counter
// increments are serialized per question.
func (s *GormStore) InsertAnswer(ctx context.Context, na NewAnswer) (*models.Answer, error) {
	var out *models.Answer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var q models.Question
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", na.QuestionID).First(&q).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrQuestionNotFound
		}
		if err != nil {
			return err
		}

		var last int64
		if err := tx.Model(&models.Answer{}).
			Where("question_id = ?", na.QuestionID).
			Select("COALESCE(MAX(answer_index), -1)").
			Row().Scan(&last); err != nil {
			return fmt.Errorf("next answer index: %w", err)
		}

		row := newAnswerRow(na, last+1, s.now())
		if err := tx.Create(row).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateAnswer
			}
			return err
		}

		err = tx.Model(&models.Question{}).Where("id = ?", na.QuestionID).Updates(map[string]interface{}{
			"submission_count": gorm.Expr("submission_count + 1"),
			"total_fees":       gorm.Expr("total_fees + CAST(? AS numeric)", models.FormatAmount(feeOrZero(na.Fee))),
		}).Error
		if err != nil {
			return fmt.Errorf("bump counters: %w", err)
		}
		out = row
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrDuplicateAnswer) && !errors.Is(err, ErrQuestionNotFound) {
			s.log.Errorf("insert answer question=%d responder=%s: %v", na.QuestionID, na.Responder, err)
		}
		return nil, err
	}
	return out, nil
}

func (s *GormStore) ListAnswers(ctx context.Context, questionID uint64) ([]models.Answer, error) {
	var out []models.Answer
	err := s.db.WithContext(ctx).
		Where("question_id = ?", questionID).
		Order("created_at DESC").
		Order("answer_index DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list answers %d: %w", questionID, err)
	}
	return out, nil
}

func (s *GormStore) GetAnswer(ctx context.Context, questionID uint64, responder string) (*models.Answer, error) {
	var a models.Answer
	err := s.db.WithContext(ctx).
		Where("question_id = ? AND responder = ?", questionID, NormalizeAddress(responder)).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAnswerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get answer: %w", err)
	}
	return &a, nil
}

func (s *GormStore) HasAnswered(ctx context.Context, questionID uint64, responder string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Answer{}).
		Where("question_id = ? AND responder = ?", questionID, NormalizeAddress(responder)).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("has answered: %w", err)
	}
	return n > 0, nil
}

func (s *GormStore) ApplyAIEvaluation(ctx context.Context, questionID uint64, updates []RewardUpdate, at time.Time) error {
	if err := checkUpdates(updates); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			err := updateAnswer(tx, questionID, u.AnswerID, map[string]interface{}{
				"ai_reward_amount":       u.Amount,
				"ai_reward_reason":       u.Reason,
				"reviewer_reward_amount": u.Amount,
				"reviewer_reward_reason": u.Reason,
				"evaluation_status":      models.AIEvaluated,
			})
			if err != nil {
				return err
			}
		}
		res := tx.Model(&models.Question{}).Where("id = ?", questionID).Update("ai_evaluated_at", at)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrQuestionNotFound
		}
		return nil
	})
}

func (s *GormStore) ApplyReview(ctx context.Context, questionID uint64, updates []RewardUpdate) error {
	if err := checkUpdates(updates); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			err := updateAnswer(tx, questionID, u.AnswerID, map[string]interface{}{
				"reviewer_reward_amount": u.Amount,
				"reviewer_reward_reason": u.Reason,
				"evaluation_status":      models.CreatorReviewed,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func updateAnswer(tx *gorm.DB, questionID uint64, answerID string, fields map[string]interface{}) error {
	res := tx.Model(&models.Answer{}).
		Where("id = ? AND question_id = ?", answerID, questionID).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update answer %s: %w", answerID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownAnswer, answerID)
	}
	return nil
}

func (s *GormStore) MarkClaimed(ctx context.Context, questionID uint64, responder, txHash string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Answer{}).
		Where("question_id = ? AND responder = ? AND claimed = ?", questionID, NormalizeAddress(responder), false).
		Updates(map[string]interface{}{
			"claimed":       true,
			"claim_tx_hash": txHash,
			"claimed_at":    at,
		})
	if res.Error != nil {
		return fmt.Errorf("mark claimed: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	ok, err := s.HasAnswered(ctx, questionID, responder)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAnswerNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return (errors.As(err, &pgErr) && pgErr.Code == "23505") || errors.Is(err, gorm.ErrDuplicatedKey)
}

var _ Store = (*GormStore)(nil)
