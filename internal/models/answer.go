package models

import "time"

// EvaluationStatus tracks how far an answer's reward fields have progressed.
type EvaluationStatus string

const (
	Unevaluated     EvaluationStatus = "unevaluated"
	AIEvaluated     EvaluationStatus = "ai_evaluated"
	CreatorReviewed EvaluationStatus = "creator_reviewed"
)

// Answer is one responder's submission to a question.
// At most one answer exists per (question, responder).
// Reward amounts are in the pool token's display units.
type Answer struct {
	ID                   string           `gorm:"primaryKey;size:36" json:"id"`
	QuestionID           uint64           `gorm:"index:ux_question_responder,unique;index:ux_question_index,unique;not null" json:"question_id"`
	AnswerIndex          int64            `gorm:"index:ux_question_index,unique;not null" json:"answer_index"`
	Responder            string           `gorm:"size:42;index:ux_question_responder,unique;not null" json:"responder"`
	Content              string           `gorm:"type:text" json:"content"`
	AnswerHash           string           `gorm:"size:66;not null" json:"answer_hash"`
	SubmissionTxHash     string           `gorm:"size:66;uniqueIndex;not null" json:"submission_tx_hash"`
	Referrer             string           `gorm:"size:42" json:"referrer"`
	AIRewardAmount       float64          `gorm:"column:ai_reward_amount;type:numeric(38,2);not null;default:0" json:"ai_reward_amount"`
	AIRewardReason       string           `gorm:"column:ai_reward_reason;type:text" json:"ai_reward_reason"`
	ReviewerRewardAmount float64          `gorm:"type:numeric(38,2);not null;default:0" json:"reviewer_reward_amount"`
	ReviewerRewardReason string           `gorm:"type:text" json:"reviewer_reward_reason"`
	EvaluationStatus     EvaluationStatus `gorm:"size:24;index;not null;default:unevaluated" json:"evaluation_status"`
	Claimed              bool             `gorm:"not null;default:false" json:"claimed"`
	ClaimTxHash          string           `gorm:"size:66" json:"claim_tx_hash"`
	ClaimedAt            *time.Time       `json:"claimed_at,omitempty"`
	CreatedAt            time.Time        `gorm:"index" json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// Evaluated reports whether an allocation (automated or reviewed) has been recorded.
func (a *Answer) Evaluated() bool {
	return a.EvaluationStatus == AIEvaluated || a.EvaluationStatus == CreatorReviewed
}
