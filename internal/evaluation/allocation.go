package evaluation

import (
	"fmt"
	"math"
	"sort"

	"question-bounty/internal/models"
)

// Tolerance is the allowed gap between an allocation's sum and the pool, in
// display units. toleranceSlack absorbs float error in the sum itself.
const (
	Tolerance      = 0.01
	toleranceSlack = 1e-9
)

// Share is one answer's slice of the pool in display units.
type Share struct {
	AnswerID    string
	Address     string
	AnswerIndex int64
	Amount      float64
	Reason      string
}

// ToCents rounds a display amount half-up to whole cents.
func ToCents(x float64) int64 {
	return int64(math.Floor(x*100 + 0.5))
}

func fromCents(c int64) float64 {
	return float64(c) / 100
}

// SumMismatchError reports an allocation that does not exhaust the pool.
type SumMismatchError struct {
	Expected float64
	Actual   float64
}

func (e *SumMismatchError) Error() string {
	return fmt.Sprintf("allocation sums to %.2f, expected %.2f (discrepancy %.2f)", e.Actual, e.Expected, e.Discrepancy())
}

// Discrepancy is Actual minus Expected, rounded to six decimals.
func (e *SumMismatchError) Discrepancy() float64 {
	return math.Round((e.Actual-e.Expected)*1e6) / 1e6
}

// WithinTolerance reports whether |sum - pool| <= Tolerance.
func WithinTolerance(sum, pool float64) bool {
	return math.Abs(sum-pool) <= Tolerance+toleranceSlack
}

// WinnerCapError reports more positive awards than the question allows.
type WinnerCapError struct {
	Cap     int
	Winners int
}

func (e *WinnerCapError) Error() string {
	return fmt.Sprintf("%d answers awarded, at most %d allowed", e.Winners, e.Cap)
}

// Validate checks the allocation invariants: finite non-negative amounts, at
// least one positive award, at most winnerCap positive awards and a sum within
// Tolerance of pool.
func Validate(shares []Share, pool float64, winnerCap int) error {
	winners := 0
	sum := 0.0
	for _, s := range shares {
		if math.IsNaN(s.Amount) || math.IsInf(s.Amount, 0) {
			return fmt.Errorf("%w: non-finite amount for %s", ErrInvalidAmount, s.label())
		}
		if s.Amount < 0 {
			return fmt.Errorf("%w: negative amount %.2f for %s", ErrInvalidAmount, s.Amount, s.label())
		}
		if s.Amount > 0 {
			winners++
		}
		sum += s.Amount
	}
	if winners == 0 {
		return ErrNoPositiveAward
	}
	if winners > winnerCap {
		return &WinnerCapError{Cap: winnerCap, Winners: winners}
	}
	if !WithinTolerance(sum, pool) {
		return &SumMismatchError{Expected: pool, Actual: sum}
	}
	return nil
}

func (s Share) label() string {
	if s.Address != "" {
		return s.Address
	}
	return s.AnswerID
}

// Normalize rounds every share half-up to cents and assigns the residual to
// the largest share, ties going to the lowest answer index, so the result sums
// to the pool exactly. The input must already pass Validate.
func Normalize(shares []Share, pool float64) ([]Share, error) {
	out := make([]Share, len(shares))
	copy(out, shares)
	if len(out) == 0 {
		return out, nil
	}

	target := ToCents(pool)
	cents := make([]int64, len(out))
	var total int64
	largest := 0
	for i, s := range out {
		cents[i] = ToCents(s.Amount)
		total += cents[i]
		if cents[i] > cents[largest] || (cents[i] == cents[largest] && s.AnswerIndex < out[largest].AnswerIndex) {
			largest = i
		}
	}
	cents[largest] += target - total
	if cents[largest] < 0 {
		return nil, &SumMismatchError{Expected: pool, Actual: fromCents(total)}
	}
	for i := range out {
		out[i].Amount = fromCents(cents[i])
	}
	return out, nil
}

// Proportional splits pool across non-negative scores in proportion to their
// weight. All-zero scores yield all-zero amounts.
func Proportional(pool float64, scores []float64) []float64 {
	out := make([]float64, len(scores))
	total := 0.0
	for _, s := range scores {
		if s > 0 {
			total += s
		}
	}
	if total == 0 {
		return out
	}
	for i, s := range scores {
		if s > 0 {
			out[i] = pool * s / total
		}
	}
	return out
}

// RankedIndices orders the answers with a positive reviewer amount by that
// amount, highest first, ties by answer index. This is the ranking submitted
// onchain.
func RankedIndices(answers []models.Answer) []uint64 {
	ranked := make([]models.Answer, 0, len(answers))
	for _, a := range answers {
		if ToCents(a.ReviewerRewardAmount) > 0 {
			ranked = append(ranked, a)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		ci, cj := ToCents(ranked[i].ReviewerRewardAmount), ToCents(ranked[j].ReviewerRewardAmount)
		if ci != cj {
			return ci > cj
		}
		return ranked[i].AnswerIndex < ranked[j].AnswerIndex
	})
	out := make([]uint64, len(ranked))
	for i, a := range ranked {
		out[i] = uint64(a.AnswerIndex)
	}
	return out
}
