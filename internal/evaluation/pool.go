package evaluation

import (
	"context"
	"fmt"
	"math/big"

	"question-bounty/internal/models"

	"github.com/ethereum/go-ethereum/common"
)

// PoolReader reads a question contract's reward pool in base units.
type PoolReader interface {
	RewardPool(ctx context.Context, contract common.Address) (*big.Int, error)
}

// DisplayConverter turns a base-unit amount into display units for a token.
type DisplayConverter interface {
	ToDisplay(ctx context.Context, token common.Address, base string) (float64, error)
}

// LedgerPool reads the pool from the question contract.
type LedgerPool struct {
	Reader PoolReader
	Units  DisplayConverter
}

func (p LedgerPool) DisplayPool(ctx context.Context, q *models.Question) (float64, error) {
	raw, err := p.Reader.RewardPool(ctx, common.HexToAddress(q.ContractAddress))
	if err != nil {
		return 0, fmt.Errorf("read reward pool of %s: %w", q.ContractAddress, err)
	}
	return p.Units.ToDisplay(ctx, common.HexToAddress(q.TokenAddress), raw.String())
}
