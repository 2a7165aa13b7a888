package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"question-bounty/internal/evaluation"
	"question-bounty/internal/ledger"
	"question-bounty/internal/metrics"
	"question-bounty/internal/models"
	"question-bounty/internal/readmodel"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	ranked     []uint64
	evalErr    error
	receiptErr error
	calls      int
}

func (f *fakeChain) EvaluateAnswers(_ context.Context, _ common.Address, ranked []uint64) (common.Hash, error) {
	f.calls++
	f.ranked = ranked
	if f.evalErr != nil {
		return common.Hash{}, f.evalErr
	}
	return common.HexToHash("0xfeed"), nil
}

func (f *fakeChain) WaitForReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

type countingStore struct {
	*readmodel.MemoryStore
	reviews int
}

func (c *countingStore) ApplyReview(ctx context.Context, id uint64, u []readmodel.RewardUpdate) error {
	c.reviews++
	return c.MemoryStore.ApplyReview(ctx, id, u)
}

type recordingInvalidator struct{ keys []string }

func (r *recordingInvalidator) Invalidate(_ context.Context, keys ...string) error {
	r.keys = append(r.keys, keys...)
	return nil
}

// seed stores a question with n answers and, when ai is set, an automated
// allocation giving everything to the first answer.
func seed(t *testing.T, n int, ai bool) (*countingStore, []models.Answer) {
	t.Helper()
	ctx := context.Background()
	s := &countingStore{MemoryStore: readmodel.NewMemoryStore()}
	require.NoError(t, s.UpsertQuestion(ctx, &models.Question{
		ID:              7,
		ContractAddress: "0x00000000000000000000000000000000000000aa",
		TokenAddress:    "0x00000000000000000000000000000000000000bb",
		MaxWinners:      2,
		EndTime:         time.Now().Add(-time.Hour),
	}))
	for i := 0; i < n; i++ {
		_, err := s.InsertAnswer(ctx, readmodel.NewAnswer{
			QuestionID:       7,
			Responder:        fmt.Sprintf("0x%040x", i+1),
			Content:          fmt.Sprintf("answer %d", i),
			SubmissionTxHash: fmt.Sprintf("0x%02d", i),
			Fee:              big.NewInt(1),
		})
		require.NoError(t, err)
	}
	answers, err := s.ListAnswers(ctx, 7)
	require.NoError(t, err)
	if ai {
		updates := make([]readmodel.RewardUpdate, len(answers))
		for i, a := range answers {
			updates[i] = readmodel.RewardUpdate{AnswerID: a.ID, Reason: "ai"}
			if a.AnswerIndex == 0 {
				updates[i].Amount = 100
			}
		}
		require.NoError(t, s.ApplyAIEvaluation(ctx, 7, updates, time.Now()))
		answers, err = s.ListAnswers(ctx, 7)
		require.NoError(t, err)
	}
	return s, answers
}

func byIndex(answers []models.Answer, idx int64) models.Answer {
	for _, a := range answers {
		if a.AnswerIndex == idx {
			return a
		}
	}
	return models.Answer{}
}

func TestReviewRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, answers := seed(t, 3, true)
	inv := &recordingInvalidator{}
	r := New(store, nil, nil, inv, nil, nil)

	for _, a := range answers {
		assert.Equal(t, a.AIRewardAmount, a.ReviewerRewardAmount)
		assert.Equal(t, a.AIRewardReason, a.ReviewerRewardReason)
	}

	err := r.Review(ctx, 7, ReviewRequest{
		ActualRewardPool: 100,
		Evaluations: []Entry{
			{AnswerID: byIndex(answers, 1).ID, RewardAmount: 70, RewardReason: "clearer"},
			{AnswerID: byIndex(answers, 2).ID, RewardAmount: 30, RewardReason: "novel"},
		},
	})
	require.NoError(t, err)

	after, err := store.ListAnswers(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 0.0, byIndex(after, 0).ReviewerRewardAmount)
	assert.Equal(t, 100.0, byIndex(after, 0).AIRewardAmount)
	assert.Equal(t, 70.0, byIndex(after, 1).ReviewerRewardAmount)
	assert.Equal(t, "clearer", byIndex(after, 1).ReviewerRewardReason)
	assert.Equal(t, 30.0, byIndex(after, 2).ReviewerRewardAmount)
	for _, a := range after {
		assert.Equal(t, models.CreatorReviewed, a.EvaluationStatus)
	}
	assert.Contains(t, inv.keys, readmodel.QuestionKey(7))
}

func TestReviewScenarioETolerance(t *testing.T) {
	ctx := context.Background()
	store, answers := seed(t, 2, true)
	r := New(store, nil, nil, nil, nil, nil)
	req := func(second float64) ReviewRequest {
		return ReviewRequest{ActualRewardPool: 100, Evaluations: []Entry{
			{AnswerID: byIndex(answers, 0).ID, RewardAmount: 60},
			{AnswerID: byIndex(answers, 1).ID, RewardAmount: second},
		}}
	}

	for _, second := range []float64{39.985, 40.014, 39.98} {
		var mismatch *evaluation.SumMismatchError
		require.ErrorAs(t, r.Review(ctx, 7, req(second)), &mismatch, "second=%v", second)
	}
	assert.Zero(t, store.reviews)

	err := r.Review(ctx, 7, req(39.98))
	var mismatch *evaluation.SumMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 100.0, mismatch.Expected)
	assert.InDelta(t, 99.98, mismatch.Actual, 1e-9)
	assert.Zero(t, store.reviews)

	require.NoError(t, r.Review(ctx, 7, req(39.99)))
	after, _ := store.ListAnswers(ctx, 7)
	assert.Equal(t, 39.99, byIndex(after, 1).ReviewerRewardAmount)
}

func TestReviewRejectionsWriteNothing(t *testing.T) {
	ctx := context.Background()
	store, answers := seed(t, 3, true)
	m := metrics.New()
	r := New(store, nil, nil, nil, nil, m)
	first, second, third := byIndex(answers, 0).ID, byIndex(answers, 1).ID, byIndex(answers, 2).ID

	cases := []struct {
		name string
		req  ReviewRequest
		want error
	}{
		{"zero pool", ReviewRequest{Evaluations: []Entry{{AnswerID: first, RewardAmount: 1}}}, ErrInvalidRequest},
		{"empty", ReviewRequest{ActualRewardPool: 100}, ErrInvalidRequest},
		{"unknown answer", ReviewRequest{ActualRewardPool: 100, Evaluations: []Entry{{AnswerID: "nope", RewardAmount: 100}}}, ErrUnknownAnswer},
		{"duplicate", ReviewRequest{ActualRewardPool: 100, Evaluations: []Entry{{AnswerID: first, RewardAmount: 50}, {AnswerID: first, RewardAmount: 50}}}, ErrInvalidRequest},
		{"no winners", ReviewRequest{ActualRewardPool: 100, Evaluations: []Entry{{AnswerID: first}}}, evaluation.ErrNoPositiveAward},
		{"negative", ReviewRequest{ActualRewardPool: 100, Evaluations: []Entry{{AnswerID: first, RewardAmount: 110}, {AnswerID: second, RewardAmount: -10}}}, evaluation.ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, r.Review(ctx, 7, tc.req), tc.want)
		})
	}

	err := r.Review(ctx, 7, ReviewRequest{ActualRewardPool: 100, Evaluations: []Entry{
		{AnswerID: first, RewardAmount: 40}, {AnswerID: second, RewardAmount: 30}, {AnswerID: third, RewardAmount: 30},
	}})
	var capErr *evaluation.WinnerCapError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 2, capErr.Cap)

	assert.Zero(t, store.reviews)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reviews.WithLabelValues("winner_cap")))
}

func TestReviewRequiresEvaluation(t *testing.T) {
	store, answers := seed(t, 2, false)
	r := New(store, nil, nil, nil, nil, nil)
	err := r.Review(context.Background(), 7, ReviewRequest{ActualRewardPool: 100, Evaluations: []Entry{
		{AnswerID: answers[0].ID, RewardAmount: 100},
	}})
	assert.ErrorIs(t, err, ErrNotEvaluated)

	err = r.Review(context.Background(), 99, ReviewRequest{ActualRewardPool: 100, Evaluations: []Entry{{AnswerID: "x", RewardAmount: 1}}})
	assert.ErrorIs(t, err, ErrQuestionNotFound)
}

func TestCompare(t *testing.T) {
	ctx := context.Background()
	store, answers := seed(t, 2, true)
	r := New(store, nil, nil, nil, nil, nil)
	require.NoError(t, r.Review(ctx, 7, ReviewRequest{ActualRewardPool: 100, Evaluations: []Entry{
		{AnswerID: byIndex(answers, 0).ID, RewardAmount: 40},
		{AnswerID: byIndex(answers, 1).ID, RewardAmount: 60},
	}}))

	view, err := r.Compare(ctx, 7)
	require.NoError(t, err)
	require.Len(t, view.Answers, 2)
	assert.Equal(t, 100.0, view.AITotal)
	assert.Equal(t, 100.0, view.ReviewerTotal)
	assert.Equal(t, "ended", view.Status)
	for _, c := range view.Answers {
		assert.True(t, c.Changed)
		assert.Equal(t, models.CreatorReviewed, c.Status)
	}
}

func TestFinalizePushesRanking(t *testing.T) {
	ctx := context.Background()
	store, answers := seed(t, 3, true)
	require.NoError(t, New(store, nil, nil, nil, nil, nil).Review(ctx, 7, ReviewRequest{ActualRewardPool: 100, Evaluations: []Entry{
		{AnswerID: byIndex(answers, 1).ID, RewardAmount: 25},
		{AnswerID: byIndex(answers, 2).ID, RewardAmount: 75},
	}}))

	chain := &fakeChain{}
	m := metrics.New()
	r := New(store, chain, nil, nil, nil, m)
	f, err := r.Finalize(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 1}, chain.ranked)
	assert.Equal(t, []uint64{2, 1}, f.RankedIndices)

	q, err := store.GetQuestion(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.QuestionEvaluated, q.Status)
	assert.NotNil(t, q.FinalizedAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Finalizations.WithLabelValues("ok")))

	_, err = r.Finalize(ctx, 7)
	assert.ErrorIs(t, err, ErrFinalized)
	assert.Equal(t, 1, chain.calls)
}

func TestFinalizeAlreadyEvaluatedOnchain(t *testing.T) {
	ctx := context.Background()
	store, _ := seed(t, 2, true)
	chain := &fakeChain{evalErr: fmt.Errorf("execution reverted: %w", ledger.ErrAlreadyEvaluated)}
	r := New(store, chain, nil, nil, nil, nil)

	_, err := r.Finalize(ctx, 7)
	assert.ErrorIs(t, err, ledger.ErrAlreadyEvaluated)
	q, _ := store.GetQuestion(ctx, 7)
	assert.Equal(t, models.QuestionEvaluated, q.Status)
}

func TestFinalizeFailureLeavesQuestionOpen(t *testing.T) {
	ctx := context.Background()
	store, _ := seed(t, 2, true)
	r := New(store, &fakeChain{receiptErr: errors.New("reverted")}, nil, nil, nil, nil)

	_, err := r.Finalize(ctx, 7)
	require.Error(t, err)
	q, _ := store.GetQuestion(ctx, 7)
	assert.NotEqual(t, models.QuestionEvaluated, q.Status)

	unevaluated, _ := seed(t, 2, false)
	_, err = New(unevaluated, &fakeChain{}, nil, nil, nil, nil).Finalize(ctx, 7)
	assert.ErrorIs(t, err, ErrNotEvaluated)
}

type fixedPool struct {
	amount float64
	err    error
}

func (p fixedPool) DisplayPool(context.Context, *models.Question) (float64, error) {
	return p.amount, p.err
}

func TestReviewChecksStatedPoolAgainstLedger(t *testing.T) {
	ctx := context.Background()
	store, answers := seed(t, 2, true)
	first, second := byIndex(answers, 0).ID, byIndex(answers, 1).ID
	inflated := ReviewRequest{ActualRewardPool: 1000, Evaluations: []Entry{
		{AnswerID: first, RewardAmount: 600},
		{AnswerID: second, RewardAmount: 400},
	}}

	err := New(store, nil, fixedPool{amount: 100}, nil, nil, nil).Review(ctx, 7, inflated)
	var mismatch *evaluation.SumMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 100.0, mismatch.Expected)
	assert.Equal(t, 1000.0, mismatch.Actual)

	err = New(store, nil, fixedPool{err: errors.New("rpc down")}, nil, nil, nil).Review(ctx, 7, inflated)
	assert.ErrorIs(t, err, evaluation.ErrPoolUnavailable)
	assert.Zero(t, store.reviews)

	honest := ReviewRequest{ActualRewardPool: 100, Evaluations: []Entry{
		{AnswerID: first, RewardAmount: 60},
		{AnswerID: second, RewardAmount: 40},
	}}
	require.NoError(t, New(store, nil, fixedPool{amount: 100.004}, nil, nil, nil).Review(ctx, 7, honest))
	assert.Equal(t, 1, store.reviews)
}
