package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"question-bounty/internal/ledger"
	"question-bounty/internal/readmodel"

	"github.com/ethereum/go-ethereum/common"
)

// ClaimRequest withdraws an account's reward from one question.
type ClaimRequest struct {
	QuestionID uint64
	Account    common.Address
}

// Claim runs Idle -> CheckingClaim -> Claiming -> Storing -> Completed.
// A reward that was already withdrawn ends in AlreadyClaimed and is never retried.
func (o *Orchestrator) Claim(ctx context.Context, req ClaimRequest, progress chan<- Progress) (*Session, error) {
	s := newSession(FlowClaim, req.QuestionID, req.Account, progress, o.now)
	defer o.record(s)

	if req.Account == (common.Address{}) {
		return s, s.fail(fmt.Errorf("%w: account is required", ErrInvalidRequest))
	}
	q, err := o.store.GetQuestion(ctx, req.QuestionID)
	if err != nil {
		return s, s.fail(fmt.Errorf("load question %d: %w", req.QuestionID, err))
	}
	contract := common.HexToAddress(q.ContractAddress)
	responder := ledger.NormalizeAddress(req.Account)

	if err := s.advance(CheckingClaim, common.Hash{}); err != nil {
		return s, err
	}
	amount, err := o.chain.ClaimableAmount(ctx, contract, req.Account)
	if err != nil {
		return s, o.settle(s, fmt.Errorf("read claimable amount: %w", err))
	}
	if amount.Sign() == 0 {
		a, err := o.store.GetAnswer(ctx, q.ID, responder)
		if err == nil && a.Claimed {
			return s, s.advance(AlreadyClaimed, common.Hash{})
		}
		if err != nil && !errors.Is(err, readmodel.ErrAnswerNotFound) {
			return s, s.fail(fmt.Errorf("check mirror: %w", err))
		}
		return s, s.fail(ErrNoReward)
	}

	if err := s.advance(Claiming, common.Hash{}); err != nil {
		return s, err
	}
	tx, err := o.chain.ClaimReward(ctx, contract)
	if err != nil {
		return s, o.settle(s, fmt.Errorf("claim reward: %w", err))
	}
	s.ClaimTx = tx
	o.log.Infof("question=%d responder=%s claim broadcast tx=%s amount=%s", q.ID, responder, tx.Hex(), amount)

	detached := context.WithoutCancel(ctx)
	if _, err := o.chain.WaitForReceipt(detached, tx); err != nil {
		return s, o.settle(s, fmt.Errorf("claim receipt %s: %w", tx.Hex(), err))
	}
	if err := s.advance(Storing, tx); err != nil {
		return s, err
	}
	err = o.store.MarkClaimed(detached, q.ID, responder, tx.Hex(), o.now())
	if err != nil && !errors.Is(err, readmodel.ErrAnswerNotFound) {
		return s, s.fail(fmt.Errorf("store claim: %w", err))
	}
	if err != nil {
		o.log.Warnf("question=%d responder=%s claimed onchain but has no mirrored answer", q.ID, responder)
	}
	if err := s.advance(Completed, tx); err != nil {
		return s, err
	}
	o.invalidate(detached, readmodel.SubmissionStatusKey(q.ID, responder), readmodel.QuestionKey(q.ID))
	return s, nil
}
