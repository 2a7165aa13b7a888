package readmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"question-bounty/internal/logger"
	"question-bounty/internal/models"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "bounty:"

// CachedStore serves hot reads from redis and drops the affected keys on every write.
type CachedStore struct {
	Store
	rdb redis.Cmdable
	ttl time.Duration
	log *logger.Logger
}

// NewRedisClient parses a redis:// url.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func NewCachedStore(inner Store, rdb redis.Cmdable, ttl time.Duration, log *logger.Logger) *CachedStore {
	if log == nil {
		log = logger.Discard()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{Store: inner, rdb: rdb, ttl: ttl, log: log.With("cache")}
}

// Invalidate deletes the given view keys.
func (c *CachedStore) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = keyPrefix + k
	}
	if err := c.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("invalidate %v: %w", keys, err)
	}
	return nil
}

func (c *CachedStore) drop(ctx context.Context, keys ...string) {
	if err := c.Invalidate(ctx, keys...); err != nil {
		c.log.Warnf("%v", err)
	}
}

func (c *CachedStore) getJSON(ctx context.Context, key string, out interface{}) bool {
	raw, err := c.rdb.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Printf("get %s: %v", key, err)
		}
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.log.Printf("decode %s: %v", key, err)
		return false
	}
	return true
}

func (c *CachedStore) setJSON(ctx context.Context, key string, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, keyPrefix+key, raw, c.ttl).Err(); err != nil {
		c.log.Printf("set %s: %v", key, err)
	}
}

func (c *CachedStore) GetQuestion(ctx context.Context, id uint64) (*models.Question, error) {
	var q models.Question
	if c.getJSON(ctx, QuestionKey(id), &q) {
		return &q, nil
	}
	got, err := c.Store.GetQuestion(ctx, id)
	if err != nil {
		return nil, err
	}
	c.setJSON(ctx, QuestionKey(id), got)
	return got, nil
}

func (c *CachedStore) HasAnswered(ctx context.Context, questionID uint64, responder string) (bool, error) {
	key := AnswerExistsKey(questionID, responder)
	var exists bool
	if c.getJSON(ctx, key, &exists) {
		return exists, nil
	}
	exists, err := c.Store.HasAnswered(ctx, questionID, responder)
	if err != nil {
		return false, err
	}
	c.setJSON(ctx, key, exists)
	return exists, nil
}

// ListQuestions caches only the unfiltered active list.
func (c *CachedStore) ListQuestions(ctx context.Context, f QuestionFilter) ([]models.Question, error) {
	cacheable := f.Scope == ScopeActive && f.Creator == "" && f.Limit == 0
	if cacheable {
		var list []models.Question
		if c.getJSON(ctx, ActiveQuestionsKey(), &list) {
			return list, nil
		}
	}
	list, err := c.Store.ListQuestions(ctx, f)
	if err != nil {
		return nil, err
	}
	if cacheable {
		c.setJSON(ctx, ActiveQuestionsKey(), list)
	}
	return list, nil
}

func (c *CachedStore) EnsureQuestion(ctx context.Context, q *models.Question) error {
	err := c.Store.EnsureQuestion(ctx, q)
	c.drop(ctx, QuestionKey(q.ID), ActiveQuestionsKey())
	return err
}

func (c *CachedStore) UpsertQuestion(ctx context.Context, q *models.Question) error {
	err := c.Store.UpsertQuestion(ctx, q)
	c.drop(ctx, QuestionKey(q.ID), ActiveQuestionsKey())
	return err
}

func (c *CachedStore) SetQuestionStatus(ctx context.Context, id uint64, status models.QuestionStatus, at time.Time) error {
	err := c.Store.SetQuestionStatus(ctx, id, status, at)
	c.drop(ctx, QuestionKey(id), ActiveQuestionsKey())
	return err
}

func (c *CachedStore) UpdateRewardPool(ctx context.Context, id uint64, pool *big.Int) error {
	err := c.Store.UpdateRewardPool(ctx, id, pool)
	c.drop(ctx, QuestionKey(id), ActiveQuestionsKey())
	return err
}

func (c *CachedStore) InsertAnswer(ctx context.Context, na NewAnswer) (*models.Answer, error) {
	a, err := c.Store.InsertAnswer(ctx, na)
	c.drop(ctx, SubmissionKeys(na.QuestionID, na.Responder)...)
	return a, err
}

func (c *CachedStore) ApplyAIEvaluation(ctx context.Context, questionID uint64, updates []RewardUpdate, at time.Time) error {
	err := c.Store.ApplyAIEvaluation(ctx, questionID, updates, at)
	c.drop(ctx, QuestionKey(questionID))
	return err
}

func (c *CachedStore) MarkClaimed(ctx context.Context, questionID uint64, responder, txHash string, at time.Time) error {
	err := c.Store.MarkClaimed(ctx, questionID, responder, txHash, at)
	c.drop(ctx, SubmissionStatusKey(questionID, responder))
	return err
}

var (
	_ Store       = (*CachedStore)(nil)
	_ Invalidator = (*CachedStore)(nil)
	_ Invalidator = NopInvalidator{}
)
