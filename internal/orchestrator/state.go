package orchestrator

import (
	"errors"
	"fmt"
)

// State is a step of an orchestration session.
type State uint8

const (
	Idle State = iota
	CheckingAllowance
	Approving
	Submitting
	Storing
	Completed
	AlreadySubmitted
	CheckingClaim
	Claiming
	AlreadyClaimed
	Creating
)

var stateNames = [...]string{
	Idle:              "idle",
	CheckingAllowance: "checking_allowance",
	Approving:         "approving",
	Submitting:        "submitting",
	Storing:           "storing",
	Completed:         "completed",
	AlreadySubmitted:  "already_submitted",
	CheckingClaim:     "checking_claim",
	Claiming:          "claiming",
	AlreadyClaimed:    "already_claimed",
	Creating:          "creating",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether s ends a session successfully. A failed session
// returns to Idle with its error recorded.
func (s State) Terminal() bool {
	return s == Completed || s == AlreadySubmitted || s == AlreadyClaimed
}

// ErrIllegalTransition is returned when a flow tries a move the table does not allow.
var ErrIllegalTransition = errors.New("orchestrator: illegal state transition")

var transitions = map[State][]State{
	Idle:              {CheckingAllowance, CheckingClaim, AlreadySubmitted, Storing},
	CheckingAllowance: {Approving, Submitting, Creating, AlreadySubmitted, Idle},
	Approving:         {Submitting, Creating, Idle},
	Submitting:        {Storing, AlreadySubmitted, Idle},
	Storing:           {Completed, AlreadySubmitted, Idle},
	CheckingClaim:     {Claiming, AlreadyClaimed, Idle},
	Claiming:          {Storing, AlreadyClaimed, Idle},
	Creating:          {Storing, Idle},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
