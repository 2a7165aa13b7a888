package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"question-bounty/internal/ledger"
	"question-bounty/internal/models"
	"question-bounty/internal/readmodel"

	"github.com/ethereum/go-ethereum/common"
)

// CreateRequest deploys a new question through the factory.
type CreateRequest struct {
	Account            common.Address
	Token              common.Address
	EntryFee           *big.Int
	SeedAmount         *big.Int
	MaxWinners         uint64
	StartTime          time.Time
	EndTime            time.Time
	EvaluationDeadline time.Time
	Content            string
	Rubric             string
}

func (r CreateRequest) validate() error {
	switch {
	case r.Account == (common.Address{}) || r.Token == (common.Address{}):
		return fmt.Errorf("%w: account and token are required", ErrInvalidRequest)
	case strings.TrimSpace(r.Content) == "":
		return fmt.Errorf("%w: question content is required", ErrInvalidRequest)
	case r.EntryFee == nil || r.EntryFee.Sign() <= 0:
		return fmt.Errorf("%w: entry fee must be positive", ErrInvalidRequest)
	case r.SeedAmount != nil && r.SeedAmount.Sign() < 0:
		return fmt.Errorf("%w: seed amount is negative", ErrInvalidRequest)
	case r.MaxWinners == 0:
		return fmt.Errorf("%w: max winners must be at least 1", ErrInvalidRequest)
	case !r.EndTime.After(r.StartTime):
		return fmt.Errorf("%w: end time must follow start time", ErrInvalidRequest)
	case r.EvaluationDeadline.Before(r.EndTime):
		return fmt.Errorf("%w: evaluation deadline precedes end time", ErrInvalidRequest)
	}
	return nil
}

// Create runs whitelist check, seed approval, createQuestion and the mirror write.
// The session's QuestionID is set once the factory event is decoded.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest, progress chan<- Progress) (*Session, *models.Question, error) {
	s := newSession(FlowCreate, 0, req.Account, progress, o.now)
	defer o.record(s)

	if err := req.validate(); err != nil {
		return s, nil, s.fail(err)
	}
	if o.opts.Factory == (common.Address{}) {
		return s, nil, s.fail(ledger.ErrNoFactory)
	}
	ok, err := o.chain.IsWhitelisted(ctx, req.Account)
	if err != nil {
		return s, nil, s.fail(fmt.Errorf("check whitelist: %w", err))
	}
	if !ok {
		return s, nil, s.fail(ledger.ErrNotWhitelisted)
	}

	seed := req.SeedAmount
	if seed == nil {
		seed = new(big.Int)
	}
	if err := s.advance(CheckingAllowance, common.Hash{}); err != nil {
		return s, nil, err
	}
	if err := o.ensureAllowance(ctx, s, req.Account, o.opts.Factory, req.Token, seed, Creating); err != nil {
		return s, nil, s.fail(err)
	}

	tx, err := o.chain.CreateQuestion(ctx, ledger.CreateQuestionParams{
		Token:              req.Token,
		EntryFee:           req.EntryFee,
		SeedAmount:         seed,
		MaxWinners:         req.MaxWinners,
		StartTime:          req.StartTime,
		EndTime:            req.EndTime,
		EvaluationDeadline: req.EvaluationDeadline,
	})
	if err != nil {
		return s, nil, s.fail(fmt.Errorf("create question: %w", err))
	}
	s.CreationTx = tx

	detached := context.WithoutCancel(ctx)
	receipt, err := o.chain.WaitForReceipt(detached, tx)
	if err != nil {
		return s, nil, s.fail(fmt.Errorf("creation receipt %s: %w", tx.Hex(), err))
	}
	ev, err := ledger.QuestionCreatedFromReceipt(receipt)
	if err != nil {
		return s, nil, s.fail(fmt.Errorf("decode creation receipt %s: %w", tx.Hex(), err))
	}
	s.QuestionID = ev.QuestionID
	if err := s.advance(Storing, tx); err != nil {
		return s, nil, err
	}

	q := &models.Question{
		ID:                 ev.QuestionID,
		ContractAddress:    ledger.NormalizeAddress(ev.Contract),
		TokenAddress:       ledger.NormalizeAddress(req.Token),
		Creator:            ledger.NormalizeAddress(req.Account),
		Content:            req.Content,
		Rubric:             req.Rubric,
		EntryFee:           models.FormatAmount(req.EntryFee),
		MaxWinners:         int(req.MaxWinners),
		StartTime:          req.StartTime.UTC(),
		EndTime:            req.EndTime.UTC(),
		EvaluationDeadline: req.EvaluationDeadline.UTC(),
		SeedAmount:         models.FormatAmount(seed),
		RewardPool:         models.FormatAmount(seed),
		Status:             models.QuestionActive,
		CreationTxHash:     tx.Hex(),
	}
	if err := o.store.UpsertQuestion(detached, q); err != nil {
		o.log.Errorf("question=%d deployed at %s but mirror write failed: %v", q.ID, q.ContractAddress, err)
		return s, nil, s.fail(fmt.Errorf("store question: %w", err))
	}
	if err := s.advance(Completed, tx); err != nil {
		return s, nil, err
	}
	o.invalidate(detached, readmodel.QuestionKey(q.ID), readmodel.ActiveQuestionsKey())
	o.log.Infof("question=%d created at %s tx=%s", q.ID, q.ContractAddress, tx.Hex())
	return s, q, nil
}
