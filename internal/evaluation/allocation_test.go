package evaluation

import (
	"math"
	"testing"

	"question-bounty/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTolerance(t *testing.T) {
	shares := []Share{{Amount: 60}, {Amount: 39.99}}
	assert.NoError(t, Validate(shares, 100, 2))

	shares[1].Amount = 39.98
	var mismatch *SumMismatchError
	require.ErrorAs(t, Validate(shares, 100, 2), &mismatch)
	assert.InDelta(t, -0.02, mismatch.Discrepancy(), 1e-9)
	assert.Contains(t, mismatch.Error(), "expected 100.00")

	shares[1].Amount = 40.01
	assert.NoError(t, Validate(shares, 100, 2))
}

func TestValidateToleranceIsNotWidenedByRounding(t *testing.T) {
	cases := []struct {
		name    string
		amounts []float64
		ok      bool
	}{
		{"exact", []float64{50, 50}, true},
		{"one cent over", []float64{50, 50.01}, true},
		{"one cent under", []float64{50, 49.99}, true},
		{"over by 0.014", []float64{50, 50.014}, false},
		{"under by 0.014", []float64{50, 49.986}, false},
		{"under by 0.015", []float64{50, 49.985}, false},
		{"three way under by 0.015", []float64{33.33, 33.33, 33.325}, false},
		{"single under by 0.015", []float64{99.985}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			shares := make([]Share, len(tc.amounts))
			for i, a := range tc.amounts {
				shares[i] = Share{AnswerIndex: int64(i), Amount: a}
			}
			err := Validate(shares, 100, len(shares))
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			var mismatch *SumMismatchError
			assert.ErrorAs(t, err, &mismatch)
		})
	}
}

func TestValidateRejectsNonFinite(t *testing.T) {
	assert.ErrorIs(t, Validate([]Share{{Amount: math.NaN()}}, 1, 1), ErrInvalidAmount)
	assert.ErrorIs(t, Validate([]Share{{Amount: math.Inf(1)}}, 1, 1), ErrInvalidAmount)
}

func TestNormalizeTieGoesToLowestIndex(t *testing.T) {
	out, err := Normalize([]Share{
		{AnswerIndex: 4, Amount: 25},
		{AnswerIndex: 1, Amount: 25},
		{AnswerIndex: 2, Amount: 49.99},
	}, 100)
	require.NoError(t, err)
	assert.Equal(t, 25.0, out[0].Amount)
	assert.Equal(t, 25.0, out[1].Amount)
	assert.Equal(t, 50.0, out[2].Amount)

	out, err = Normalize([]Share{
		{AnswerIndex: 4, Amount: 50},
		{AnswerIndex: 1, Amount: 49.99},
		{AnswerIndex: 0, Amount: 0},
	}, 100)
	require.NoError(t, err)
	assert.Equal(t, 50.01, out[0].Amount)
}

func TestNormalizeHalfUp(t *testing.T) {
	out, err := Normalize([]Share{{AnswerIndex: 0, Amount: 66.665}, {AnswerIndex: 1, Amount: 33.335}}, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), ToCents(out[0].Amount)+ToCents(out[1].Amount))
}

func TestProportional(t *testing.T) {
	got := Proportional(100, []float64{3, 2, 1, 0, -4})
	assert.InDelta(t, 50, got[0], 1e-9)
	assert.InDelta(t, 33.333, got[1], 1e-3)
	assert.InDelta(t, 16.667, got[2], 1e-3)
	assert.Zero(t, got[3])
	assert.Zero(t, got[4])

	assert.Equal(t, []float64{0, 0}, Proportional(10, []float64{0, 0}))
}

func TestRankedIndices(t *testing.T) {
	answers := []models.Answer{
		{AnswerIndex: 0, ReviewerRewardAmount: 10},
		{AnswerIndex: 1, ReviewerRewardAmount: 0},
		{AnswerIndex: 2, ReviewerRewardAmount: 60},
		{AnswerIndex: 3, ReviewerRewardAmount: 10},
		{AnswerIndex: 4, ReviewerRewardAmount: 20},
	}
	assert.Equal(t, []uint64{2, 4, 0, 3}, RankedIndices(answers))
}

func TestSchemaConversion(t *testing.T) {
	s := toGenaiSchema(ResponseSchema.Doc)
	require.NotNil(t, s.Properties["evaluations"])
	items := s.Properties["evaluations"].Items
	require.NotNil(t, items)
	assert.ElementsMatch(t, []string{"address", "reward_amount", "reward_reason"}, items.Required)
	assert.NotNil(t, items.Properties["reward_amount"])
}
