package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrAlreadySubmitted = errors.New("ledger: answer already submitted")
	ErrNotWhitelisted   = errors.New("ledger: caller is not whitelisted")
	ErrNothingToClaim   = errors.New("ledger: nothing to claim")
	ErrAlreadyClaimed   = errors.New("ledger: reward already claimed")
	ErrAlreadyEvaluated = errors.New("ledger: question already evaluated")
	ErrQuestionNotEnded = errors.New("ledger: question has not ended")
	ErrUnauthorized     = errors.New("ledger: caller is not the evaluator")
	ErrTxReverted       = errors.New("ledger: transaction reverted")
	ErrNoSigner         = errors.New("ledger: no signer configured")
	ErrNoFactory        = errors.New("ledger: no factory address configured")
	ErrEventNotFound    = errors.New("ledger: event not found")
)

// RevertError carries the decoded revert and unwraps to the matching sentinel, if any.
type RevertError struct {
	Reason string
	kind   error
	cause  error
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("execution reverted: %v", e.cause)
	}
	return "execution reverted: " + e.Reason
}

func (e *RevertError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.kind != nil {
		errs = append(errs, e.kind)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// customErrors maps contract custom-error names to sentinels.
var customErrors = map[string]error{
	"AlreadySubmitted": ErrAlreadySubmitted,
	"NotWhitelisted":   ErrNotWhitelisted,
	"NothingToClaim":   ErrNothingToClaim,
	"AlreadyClaimed":   ErrAlreadyClaimed,
	"AlreadyEvaluated": ErrAlreadyEvaluated,
	"QuestionNotEnded": ErrQuestionNotEnded,
	"Unauthorized":     ErrUnauthorized,
}

// reasonSignatures maps lower-cased revert-string fragments to sentinels.
// Checked in order; first match wins.
var reasonSignatures = []struct {
	fragment string
	kind     error
}{
	{"already submitted", ErrAlreadySubmitted},
	{"already answered", ErrAlreadySubmitted},
	{"not whitelisted", ErrNotWhitelisted},
	{"nothing to claim", ErrNothingToClaim},
	{"no reward", ErrNothingToClaim},
	{"already claimed", ErrAlreadyClaimed},
	{"already evaluated", ErrAlreadyEvaluated},
	{"not ended", ErrQuestionNotEnded},
	{"not the evaluator", ErrUnauthorized},
	{"unauthorized", ErrUnauthorized},
	{"only creator", ErrUnauthorized},
}

// classify turns an RPC error into a typed error. Revert data is preferred;
// the error message is only inspected when the node returned no data.
func classify(parsed abi.ABI, err error) error {
	if err == nil {
		return nil
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if data := revertData(de.ErrorData()); len(data) >= 4 {
			return decodeRevert(parsed, data, err)
		}
	}
	if kind := matchReason(err.Error()); kind != nil {
		return &RevertError{Reason: err.Error(), kind: kind, cause: err}
	}
	return err
}

func revertData(v interface{}) []byte {
	switch d := v.(type) {
	case string:
		b, err := hexutil.Decode(d)
		if err != nil {
			return nil
		}
		return b
	case []byte:
		return d
	}
	return nil
}

func decodeRevert(parsed abi.ABI, data []byte, cause error) error {
	if reason, err := abi.UnpackRevert(data); err == nil {
		return &RevertError{Reason: reason, kind: matchReason(reason), cause: cause}
	}
	for name, e := range parsed.Errors {
		if bytes.Equal(e.ID[:4], data[:4]) {
			return &RevertError{Reason: name, kind: customErrors[name], cause: cause}
		}
	}
	return &RevertError{Reason: hexutil.Encode(data[:4]), cause: cause}
}

func matchReason(msg string) error {
	lower := strings.ToLower(msg)
	for _, sig := range reasonSignatures {
		if strings.Contains(lower, sig.fragment) {
			return sig.kind
		}
	}
	return nil
}
