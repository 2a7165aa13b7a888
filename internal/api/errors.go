package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"question-bounty/internal/evaluation"
	"question-bounty/internal/ledger"
	"question-bounty/internal/readmodel"
	"question-bounty/internal/reconcile"
)

var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error       string   `json:"error"`
	Code        string   `json:"code"`
	Expected    *float64 `json:"expected,omitempty"`
	Actual      *float64 `json:"actual,omitempty"`
	Discrepancy *float64 `json:"discrepancy,omitempty"`
}

// classify maps a domain error to its status code and machine-readable code.
func classify(err error) (int, string) {
	var sum *evaluation.SumMismatchError
	var capErr *evaluation.WinnerCapError
	switch {
	case errors.As(err, &sum):
		return http.StatusUnprocessableEntity, "sum_mismatch"
	case errors.As(err, &capErr):
		return http.StatusUnprocessableEntity, "winner_cap_exceeded"

	case errors.Is(err, errBadRequest),
		errors.Is(err, evaluation.ErrInvalidRequest),
		errors.Is(err, reconcile.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, reconcile.ErrUnknownAnswer):
		return http.StatusBadRequest, "unknown_answer"

	case errors.Is(err, ledger.ErrNotWhitelisted),
		errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, evaluation.ErrQuestionNotEnded),
		errors.Is(err, ledger.ErrQuestionNotEnded):
		return http.StatusForbidden, "question_not_ended"

	case errors.Is(err, evaluation.ErrQuestionNotFound),
		errors.Is(err, reconcile.ErrQuestionNotFound),
		errors.Is(err, readmodel.ErrQuestionNotFound):
		return http.StatusNotFound, "question_not_found"
	case errors.Is(err, readmodel.ErrAnswerNotFound):
		return http.StatusNotFound, "answer_not_found"

	case errors.Is(err, evaluation.ErrAlreadyEvaluated),
		errors.Is(err, reconcile.ErrFinalized),
		errors.Is(err, ledger.ErrAlreadyEvaluated):
		return http.StatusConflict, "already_evaluated"

	case errors.Is(err, evaluation.ErrNoPositiveAward),
		errors.Is(err, evaluation.ErrInvalidAmount),
		errors.Is(err, reconcile.ErrNoWinners):
		return http.StatusUnprocessableEntity, "invalid_allocation"
	case errors.Is(err, evaluation.ErrNoAnswers):
		return http.StatusUnprocessableEntity, "no_answers"
	case errors.Is(err, reconcile.ErrNotEvaluated):
		return http.StatusUnprocessableEntity, "not_evaluated"

	case errors.Is(err, evaluation.ErrMalformedResponse):
		return http.StatusBadGateway, "malformed_scorer_response"
	case errors.Is(err, evaluation.ErrScorerFailed):
		return http.StatusBadGateway, "scorer_unavailable"
	case errors.Is(err, evaluation.ErrPoolUnavailable),
		errors.Is(err, ledger.ErrTxReverted):
		return http.StatusBadGateway, "ledger_error"
	case errors.Is(err, ledger.ErrNoSigner):
		return http.StatusServiceUnavailable, "signer_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	body := errorBody{Error: err.Error(), Code: code}

	var sum *evaluation.SumMismatchError
	if errors.As(err, &sum) {
		expected, actual, discrepancy := sum.Expected, sum.Actual, sum.Discrepancy()
		body.Expected, body.Actual, body.Discrepancy = &expected, &actual, &discrepancy
	}
	if status >= http.StatusInternalServerError {
		s.log.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	} else {
		s.log.Printf("%s %s -> %d %s: %v", r.Method, r.URL.Path, status, code, err)
	}
	writeJSON(w, status, body)
}
