package orchestrator

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Flow is the user action a session carries out.
type Flow uint8

const (
	FlowSubmit Flow = iota
	FlowClaim
	FlowCreate
)

func (f Flow) String() string {
	switch f {
	case FlowSubmit:
		return "submit"
	case FlowClaim:
		return "claim"
	case FlowCreate:
		return "create"
	}
	return fmt.Sprintf("flow(%d)", uint8(f))
}

// Step is one recorded transition.
type Step struct {
	State  State
	At     time.Time
	TxHash common.Hash
}

// Progress is published on every transition.
type Progress struct {
	SessionID  string
	Flow       Flow
	QuestionID uint64
	From       State
	To         State
	TxHash     common.Hash
	Err        error
	At         time.Time
}

// Session is the state of one user action.
type Session struct {
	ID         string
	Flow       Flow
	QuestionID uint64
	Account    common.Address
	State      State

	ApprovalTx   common.Hash
	SubmissionTx common.Hash
	ClaimTx      common.Hash
	CreationTx   common.Hash

	Err     error
	History []Step

	progress chan<- Progress
	now      func() time.Time
}

func newSession(flow Flow, questionID uint64, account common.Address, progress chan<- Progress, now func() time.Time) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		Flow:       flow,
		QuestionID: questionID,
		Account:    account,
		State:      Idle,
		progress:   progress,
		now:        now,
	}
	s.History = append(s.History, Step{State: Idle, At: now()})
	return s
}

// advance moves the session to next after checking the transition table.
func (s *Session) advance(next State, tx common.Hash) error {
	if !CanTransition(s.State, next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.State, next)
	}
	prev := s.State
	s.State = next
	at := s.now()
	s.History = append(s.History, Step{State: next, At: at, TxHash: tx})
	s.publish(Progress{From: prev, To: next, TxHash: tx, At: at})
	return nil
}

// fail records err and returns the session to Idle.
func (s *Session) fail(err error) error {
	s.Err = err
	if s.State != Idle {
		prev := s.State
		s.State = Idle
		at := s.now()
		s.History = append(s.History, Step{State: Idle, At: at})
		s.publish(Progress{From: prev, To: Idle, Err: err, At: at})
	}
	return err
}

func (s *Session) publish(p Progress) {
	if s.progress == nil {
		return
	}
	p.SessionID = s.ID
	p.Flow = s.Flow
	p.QuestionID = s.QuestionID
	select {
	case s.progress <- p:
	default:
	}
}

// States lists the visited states in order.
func (s *Session) States() []State {
	out := make([]State, len(s.History))
	for i, st := range s.History {
		out[i] = st.State
	}
	return out
}
