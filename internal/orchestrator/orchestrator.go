// Package orchestrator sequences token approval, answer submission, reward
// claims and question creation against the ledger, and mirrors each confirmed
// effect into the read model.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"question-bounty/internal/ledger"
	"question-bounty/internal/logger"
	"question-bounty/internal/metrics"
	"question-bounty/internal/models"
	"question-bounty/internal/readmodel"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrApprovalNotObserved = errors.New("orchestrator: approval mined but allowance not observed")
	ErrInvalidRequest      = errors.New("orchestrator: invalid request")
	ErrQuestionClosed      = errors.New("orchestrator: question is not accepting answers")
	ErrNoReward            = errors.New("orchestrator: nothing claimable for this account")
)

// Chain is the part of the ledger the flows drive.
type Chain interface {
	ReadAllowance(ctx context.Context, owner, spender, token common.Address) (*big.Int, error)
	Approve(ctx context.Context, spender, token common.Address, amount *big.Int) (common.Hash, error)
	SubmitAnswer(ctx context.Context, contract common.Address, answerHash common.Hash, referrer *common.Address) (common.Hash, error)
	GetUserAnswer(ctx context.Context, contract, user common.Address) (*ledger.UserAnswer, error)
	SubmissionTx(ctx context.Context, contract, user common.Address) (common.Hash, error)
	ClaimReward(ctx context.Context, contract common.Address) (common.Hash, error)
	ClaimableAmount(ctx context.Context, contract, user common.Address) (*big.Int, error)
	CreateQuestion(ctx context.Context, p ledger.CreateQuestionParams) (common.Hash, error)
	IsWhitelisted(ctx context.Context, account common.Address) (bool, error)
	WaitForReceipt(ctx context.Context, tx common.Hash) (*types.Receipt, error)
}

// Options tune the flows.
type Options struct {
	AllowanceRetryAttempts int
	AllowanceRetryDelay    time.Duration
	// Factory is the spender for the seed approval of the create flow.
	Factory common.Address
}

// Orchestrator runs one session per call. It holds no per-session state and
// is safe for concurrent use.
type Orchestrator struct {
	chain   Chain
	store   readmodel.Store
	cache   readmodel.Invalidator
	log     *logger.Logger
	metrics *metrics.Metrics
	opts    Options

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(chain Chain, store readmodel.Store, cache readmodel.Invalidator, log *logger.Logger, m *metrics.Metrics, opts Options) *Orchestrator {
	if cache == nil {
		cache = readmodel.NopInvalidator{}
	}
	if log == nil {
		log = logger.Discard()
	}
	if opts.AllowanceRetryAttempts < 1 {
		opts.AllowanceRetryAttempts = 5
	}
	if opts.AllowanceRetryDelay <= 0 {
		opts.AllowanceRetryDelay = 2 * time.Second
	}
	return &Orchestrator{
		chain:   chain,
		store:   store,
		cache:   cache,
		log:     log.With("orchestrator"),
		metrics: m,
		opts:    opts,
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SubmitRequest is a respondent's answer to one question.
type SubmitRequest struct {
	QuestionID uint64
	Account    common.Address
	Content    string
	Referrer   *common.Address
}

// Submit runs the submission flow. A session ending in AlreadySubmitted is not
// an error; any other failure returns the session in Idle along with the error.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest, progress chan<- Progress) (*Session, error) {
	s := newSession(FlowSubmit, req.QuestionID, req.Account, progress, o.now)
	defer o.record(s)

	if strings.TrimSpace(req.Content) == "" || req.Account == (common.Address{}) {
		return s, s.fail(fmt.Errorf("%w: content and account are required", ErrInvalidRequest))
	}
	q, err := o.store.GetQuestion(ctx, req.QuestionID)
	if err != nil {
		return s, s.fail(fmt.Errorf("load question %d: %w", req.QuestionID, err))
	}
	if q.EffectiveStatus(o.now()) != models.QuestionActive || (!q.StartTime.IsZero() && o.now().Before(q.StartTime)) {
		return s, s.fail(fmt.Errorf("%w: question %d is %s", ErrQuestionClosed, q.ID, q.EffectiveStatus(o.now())))
	}
	contract := common.HexToAddress(q.ContractAddress)
	token := common.HexToAddress(q.TokenAddress)
	fee := q.EntryFeeInt()
	responder := ledger.NormalizeAddress(req.Account)

	hash := ledger.ContentHash(req.Content)

	// Either side saying "answered" is enough, unless the ledger holds this
	// very content and only the mirror write is missing.
	answered, err := o.store.HasAnswered(ctx, q.ID, responder)
	if err != nil {
		return s, s.fail(fmt.Errorf("check mirror: %w", err))
	}
	if !answered {
		ua, err := o.chain.GetUserAnswer(ctx, contract, req.Account)
		if err != nil {
			return s, s.fail(fmt.Errorf("check ledger: %w", err))
		}
		if ua != nil && ua.AnswerHash == hash {
			return s, o.resumeStoring(ctx, s, q, req, ua)
		}
		answered = ua != nil
	}
	if answered {
		return s, s.advance(AlreadySubmitted, common.Hash{})
	}

	if err := s.advance(CheckingAllowance, common.Hash{}); err != nil {
		return s, err
	}
	if err := o.ensureAllowance(ctx, s, req.Account, contract, token, fee, Submitting); err != nil {
		return s, o.settle(s, err)
	}

	tx, err := o.chain.SubmitAnswer(ctx, contract, hash, req.Referrer)
	if err != nil {
		return s, o.settle(s, fmt.Errorf("submit answer: %w", err))
	}
	s.SubmissionTx = tx
	o.log.Infof("question=%d responder=%s submission broadcast tx=%s", q.ID, responder, tx.Hex())

	// Past this point the answer is on its way onchain; finish regardless of the caller.
	detached := context.WithoutCancel(ctx)
	if _, err := o.chain.WaitForReceipt(detached, tx); err != nil {
		return s, o.settle(s, fmt.Errorf("submission receipt %s: %w", tx.Hex(), err))
	}
	if err := s.advance(Storing, tx); err != nil {
		return s, err
	}
	return s, o.storeAnswer(detached, s, q, req, hash, o.now())
}

// resumeStoring mirrors an answer the ledger already recorded with the same
// content, for sessions that ended before their mirror write succeeded.
func (o *Orchestrator) resumeStoring(ctx context.Context, s *Session, q *models.Question, req SubmitRequest, ua *ledger.UserAnswer) error {
	tx, err := o.chain.SubmissionTx(ctx, common.HexToAddress(q.ContractAddress), req.Account)
	if err != nil {
		return s.fail(fmt.Errorf("find submission tx: %w", err))
	}
	s.SubmissionTx = tx
	o.log.Printf("question=%d responder=%s answered onchain in %s without a mirrored row; storing it now", q.ID, ledger.NormalizeAddress(req.Account), tx.Hex())
	if err := s.advance(Storing, tx); err != nil {
		return err
	}
	submittedAt := ua.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = o.now()
	}
	return o.storeAnswer(context.WithoutCancel(ctx), s, q, req, ua.AnswerHash, submittedAt)
}

// storeAnswer moves a session in Storing to its terminal state.
func (o *Orchestrator) storeAnswer(ctx context.Context, s *Session, q *models.Question, req SubmitRequest, hash common.Hash, at time.Time) error {
	responder := ledger.NormalizeAddress(req.Account)
	referrer := ""
	if req.Referrer != nil && *req.Referrer != (common.Address{}) {
		referrer = ledger.NormalizeAddress(*req.Referrer)
	}
	_, err := o.store.InsertAnswer(ctx, readmodel.NewAnswer{
		QuestionID:       q.ID,
		Responder:        responder,
		Content:          req.Content,
		AnswerHash:       hash.Hex(),
		SubmissionTxHash: s.SubmissionTx.Hex(),
		Referrer:         referrer,
		Fee:              q.EntryFeeInt(),
		SubmittedAt:      at,
	})
	if err != nil {
		if !errors.Is(err, readmodel.ErrDuplicateAnswer) {
			o.log.Errorf("question=%d responder=%s mirrored write failed after tx=%s, submitting the same content again will store it: %v", q.ID, responder, s.SubmissionTx.Hex(), err)
		}
		return o.settle(s, fmt.Errorf("store answer: %w", err))
	}
	if err := s.advance(Completed, s.SubmissionTx); err != nil {
		return err
	}
	o.invalidate(ctx, readmodel.SubmissionKeys(q.ID, responder)...)
	return nil
}

// ensureAllowance leaves the session in next once the spender may pull amount.
func (o *Orchestrator) ensureAllowance(ctx context.Context, s *Session, owner, spender, token common.Address, amount *big.Int, next State) error {
	allowance, err := o.chain.ReadAllowance(ctx, owner, spender, token)
	if err != nil {
		return fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(amount) >= 0 {
		return s.advance(next, common.Hash{})
	}

	if err := s.advance(Approving, common.Hash{}); err != nil {
		return err
	}
	tx, err := o.chain.Approve(ctx, spender, token, amount)
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	s.ApprovalTx = tx
	if _, err := o.chain.WaitForReceipt(ctx, tx); err != nil {
		return fmt.Errorf("approval receipt %s: %w", tx.Hex(), err)
	}

	// The node serving reads may lag the one that mined the approval.
	for attempt := 1; ; attempt++ {
		allowance, err = o.chain.ReadAllowance(ctx, owner, spender, token)
		if err == nil && allowance.Cmp(amount) >= 0 {
			return s.advance(next, tx)
		}
		if attempt >= o.opts.AllowanceRetryAttempts {
			if err != nil {
				return fmt.Errorf("%w: %w", ErrApprovalNotObserved, err)
			}
			return fmt.Errorf("%w: have %s want %s", ErrApprovalNotObserved, allowance, amount)
		}
		o.log.Printf("allowance not yet visible (attempt %d/%d)", attempt, o.opts.AllowanceRetryAttempts)
		if err := o.sleep(ctx, o.opts.AllowanceRetryDelay); err != nil {
			return err
		}
	}
}

// settle ends the session after a failure: duplicate signals land in the
// matching terminal state, everything else returns to Idle.
func (o *Orchestrator) settle(s *Session, err error) error {
	switch {
	case s.Flow == FlowSubmit && (errors.Is(err, ledger.ErrAlreadySubmitted) || errors.Is(err, readmodel.ErrDuplicateAnswer)):
		if advErr := s.advance(AlreadySubmitted, s.SubmissionTx); advErr == nil {
			if s.SubmissionTx != (common.Hash{}) {
				o.invalidate(context.Background(), readmodel.SubmissionKeys(s.QuestionID, ledger.NormalizeAddress(s.Account))...)
			}
			return nil
		}
	case s.Flow == FlowClaim && (errors.Is(err, ledger.ErrNothingToClaim) || errors.Is(err, ledger.ErrAlreadyClaimed)):
		if advErr := s.advance(AlreadyClaimed, s.ClaimTx); advErr == nil {
			return nil
		}
	}
	return s.fail(err)
}

func (o *Orchestrator) invalidate(ctx context.Context, keys ...string) {
	if err := o.cache.Invalidate(ctx, keys...); err != nil {
		o.log.Warnf("invalidate %v: %v", keys, err)
	}
}

func (o *Orchestrator) record(s *Session) {
	if o.metrics != nil {
		o.metrics.Sessions.WithLabelValues(s.Flow.String(), s.State.String()).Inc()
	}
	if s.Err != nil {
		o.log.Warnf("%s session %s question=%d ended in %s: %v", s.Flow, s.ID, s.QuestionID, s.State, s.Err)
		return
	}
	o.log.Printf("%s session %s question=%d ended in %s", s.Flow, s.ID, s.QuestionID, s.State)
}
