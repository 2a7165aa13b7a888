// Package ledger wraps the question, factory and token contracts behind typed calls.
// Writes return the transaction hash on broadcast; callers wait for the receipt
// before treating the effect as durable.
package ledger

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserAnswer is the onchain record of a responder's commitment.
type UserAnswer struct {
	AnswerHash  common.Hash
	AnswerIndex uint64
	SubmittedAt time.Time
}

// TokenInfo is the ERC-20 metadata needed for unit conversion.
type TokenInfo struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// CreateQuestionParams are the factory arguments for a new question.
type CreateQuestionParams struct {
	Token              common.Address
	EntryFee           *big.Int
	SeedAmount         *big.Int
	MaxWinners         uint64
	StartTime          time.Time
	EndTime            time.Time
	EvaluationDeadline time.Time
}

// Ledger is the full surface of the onchain side. Consumers depend on the
// subsets they need.
type Ledger interface {
	ReadAllowance(ctx context.Context, owner, spender, token common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, owner, token common.Address) (*big.Int, error)
	Approve(ctx context.Context, spender, token common.Address, amount *big.Int) (common.Hash, error)
	TokenMetadata(ctx context.Context, token common.Address) (TokenInfo, error)

	SubmitAnswer(ctx context.Context, contract common.Address, answerHash common.Hash, referrer *common.Address) (common.Hash, error)
	GetUserAnswer(ctx context.Context, contract, user common.Address) (*UserAnswer, error)
	SubmissionTx(ctx context.Context, contract, user common.Address) (common.Hash, error)
	ClaimReward(ctx context.Context, contract common.Address) (common.Hash, error)
	ClaimableAmount(ctx context.Context, contract, user common.Address) (*big.Int, error)
	EvaluateAnswers(ctx context.Context, contract common.Address, rankedIndices []uint64) (common.Hash, error)
	Evaluated(ctx context.Context, contract common.Address) (bool, error)
	RewardPool(ctx context.Context, contract common.Address) (*big.Int, error)

	CreateQuestion(ctx context.Context, p CreateQuestionParams) (common.Hash, error)
	QuestionCount(ctx context.Context) (uint64, error)
	IsWhitelisted(ctx context.Context, account common.Address) (bool, error)

	WaitForReceipt(ctx context.Context, tx common.Hash) (*types.Receipt, error)
}

// ContentHash is the commitment submitted onchain and persisted with the answer.
func ContentHash(content string) common.Hash {
	return crypto.Keccak256Hash([]byte(content))
}

// NormalizeAddress renders an address the way the read model stores it.
func NormalizeAddress(a common.Address) string {
	return strings.ToLower(a.Hex())
}
