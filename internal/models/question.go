// Package models defines the database models of the off-chain read model.
package models

import (
	"math/big"
	"time"
)

// QuestionStatus is the lifecycle status of a question. It only moves forward.
type QuestionStatus string

const (
	QuestionActive    QuestionStatus = "active"
	QuestionEnded     QuestionStatus = "ended"
	QuestionEvaluated QuestionStatus = "evaluated"
	QuestionEmergency QuestionStatus = "emergency"
)

func (s QuestionStatus) Valid() bool {
	switch s {
	case QuestionActive, QuestionEnded, QuestionEvaluated, QuestionEmergency:
		return true
	}
	return false
}

func (s QuestionStatus) rank() int {
	switch s {
	case QuestionActive:
		return 0
	case QuestionEnded:
		return 1
	case QuestionEvaluated:
		return 2
	case QuestionEmergency:
		return 3
	}
	return -1
}

// CanTransition reports whether a question may move from s to next.
// Emergency is reachable from any state; everything else only moves forward.
func (s QuestionStatus) CanTransition(next QuestionStatus) bool {
	if !next.Valid() {
		return false
	}
	if next == QuestionEmergency {
		return true
	}
	if s == QuestionEmergency {
		return false
	}
	return next.rank() >= s.rank()
}

// Question mirrors one deployed question contract.
// Amounts are token base units stored as decimal strings.
type Question struct {
	ID                 uint64         `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ContractAddress    string         `gorm:"size:42;uniqueIndex;not null" json:"contract_address"`
	TokenAddress       string         `gorm:"size:42;not null" json:"token_address"`
	Creator            string         `gorm:"size:42;index" json:"creator"`
	Content            string         `gorm:"type:text" json:"content"`
	Rubric             string         `gorm:"type:text" json:"rubric"`
	EntryFee           string         `gorm:"type:numeric(78,0);not null;default:0" json:"entry_fee"`
	MaxWinners         int            `gorm:"not null" json:"max_winners"`
	StartTime          time.Time      `gorm:"index" json:"start_time"`
	EndTime            time.Time      `gorm:"index" json:"end_time"`
	EvaluationDeadline time.Time      `gorm:"index" json:"evaluation_deadline"`
	SeedAmount         string         `gorm:"type:numeric(78,0);not null;default:0" json:"seed_amount"`
	SubmissionCount    int64          `gorm:"not null;default:0" json:"submission_count"`
	TotalFees          string         `gorm:"type:numeric(78,0);not null;default:0" json:"total_fees"`
	RewardPool         string         `gorm:"type:numeric(78,0);not null;default:0" json:"reward_pool"`
	Status             QuestionStatus `gorm:"size:16;index;not null" json:"status"`
	CreationTxHash     string         `gorm:"size:66" json:"creation_tx_hash"`
	AIEvaluatedAt      *time.Time     `gorm:"column:ai_evaluated_at" json:"ai_evaluated_at,omitempty"`
	FinalizedAt        *time.Time     `json:"finalized_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// EffectiveStatus reports ended for an active question whose end time has passed.
func (q *Question) EffectiveStatus(now time.Time) QuestionStatus {
	if q.Status == QuestionActive && !q.EndTime.IsZero() && !now.Before(q.EndTime) {
		return QuestionEnded
	}
	return q.Status
}

// WinnerCap is min(max_winners, submitted) for the given number of answers.
func (q *Question) WinnerCap(submitted int) int {
	if q.MaxWinners <= 0 || submitted < q.MaxWinners {
		return submitted
	}
	return q.MaxWinners
}

func (q *Question) EntryFeeInt() *big.Int   { return ParseAmount(q.EntryFee) }
func (q *Question) SeedAmountInt() *big.Int { return ParseAmount(q.SeedAmount) }
func (q *Question) TotalFeesInt() *big.Int  { return ParseAmount(q.TotalFees) }
func (q *Question) RewardPoolInt() *big.Int { return ParseAmount(q.RewardPool) }

// ParseAmount parses a base-10 base-unit amount, treating garbage as zero.
func ParseAmount(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}

// FormatAmount renders a base-unit amount for storage.
func FormatAmount(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}
