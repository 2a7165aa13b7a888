// Package api serves evaluation, reconciliation and read-model queries over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"question-bounty/internal/evaluation"
	"question-bounty/internal/logger"
	"question-bounty/internal/metrics"
	"question-bounty/internal/models"
	"question-bounty/internal/readmodel"
	"question-bounty/internal/reconcile"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 1 << 20

// Reader is the part of the read model the query routes use.
type Reader interface {
	GetQuestion(ctx context.Context, id uint64) (*models.Question, error)
	ListQuestions(ctx context.Context, f readmodel.QuestionFilter) ([]models.Question, error)
	ListAnswers(ctx context.Context, questionID uint64) ([]models.Answer, error)
	HasAnswered(ctx context.Context, questionID uint64, responder string) (bool, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, req evaluation.Request) (*evaluation.Result, error)
}

type Reconciler interface {
	Review(ctx context.Context, questionID uint64, req reconcile.ReviewRequest) error
	Compare(ctx context.Context, questionID uint64) (*reconcile.ComparisonView, error)
	Finalize(ctx context.Context, questionID uint64) (*reconcile.Finalization, error)
}

type Server struct {
	reader     Reader
	evaluator  Evaluator
	reconciler Reconciler
	limiter    *RateLimiter
	log        *logger.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New wires the handlers. limiter and m may be nil.
func New(reader Reader, evaluator Evaluator, reconciler Reconciler, limiter *RateLimiter, log *logger.Logger, m *metrics.Metrics) *Server {
	if log == nil {
		log = logger.Discard()
	}
	if limiter == nil {
		limiter = NewRateLimiter(0, m)
	}
	return &Server{
		reader:     reader,
		evaluator:  evaluator,
		reconciler: reconciler,
		limiter:    limiter,
		log:        log.With("api"),
		metrics:    m,
		now:        time.Now,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(noCache)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/questions", func(api chi.Router) {
		api.Get("/", s.listQuestions)
		api.Route("/{id}", func(q chi.Router) {
			q.Get("/", s.getQuestion)
			q.Get("/answers", s.listAnswers)
			q.Get("/answers/{address}", s.answerExists)
			q.With(s.limiter.Middleware).Post("/evaluate", s.evaluate)
			q.Get("/evaluations", s.compare)
			q.Put("/evaluations", s.review)
			q.Post("/finalize", s.finalize)
		})
	})
	return r
}

func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.metrics == nil {
			return
		}
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.HTTPRequests.WithLabelValues(r.Method+" "+route, strconv.Itoa(status)).Inc()
	})
}

func questionID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: question id %q", errBadRequest, raw)
	}
	return id, nil
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

type questionView struct {
	*models.Question
	EffectiveStatus models.QuestionStatus `json:"effective_status"`
}

func (s *Server) view(q *models.Question) questionView {
	return questionView{Question: q, EffectiveStatus: q.EffectiveStatus(s.now())}
}

func (s *Server) listQuestions(w http.ResponseWriter, r *http.Request) {
	f := readmodel.QuestionFilter{
		Creator: r.URL.Query().Get("creator"),
		Now:     s.now(),
	}
	switch strings.ToLower(r.URL.Query().Get("status")) {
	case "":
		f.Scope = readmodel.ScopeAll
	case "active":
		f.Scope = readmodel.ScopeActive
	case "past":
		f.Scope = readmodel.ScopePast
	default:
		s.writeError(w, r, fmt.Errorf("%w: status must be active or past", errBadRequest))
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit %q", errBadRequest, raw))
			return
		}
		f.Limit = n
	}
	list, err := s.reader.ListQuestions(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]questionView, len(list))
	for i := range list {
		out[i] = s.view(&list[i])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"questions": out})
}

func (s *Server) getQuestion(w http.ResponseWriter, r *http.Request) {
	id, err := questionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.reader.GetQuestion(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(q))
}

func (s *Server) listAnswers(w http.ResponseWriter, r *http.Request) {
	id, err := questionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.reader.GetQuestion(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	answers, err := s.reader.ListAnswers(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"answers": answers})
}

func (s *Server) answerExists(w http.ResponseWriter, r *http.Request) {
	id, err := questionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	addr := readmodel.NormalizeAddress(chi.URLParam(r, "address"))
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		s.writeError(w, r, fmt.Errorf("%w: address %q", errBadRequest, addr))
		return
	}
	ok, err := s.reader.HasAnswered(r.Context(), id, addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"question_id": id, "address": addr, "exists": ok})
}

type evaluationResult struct {
	Address      string  `json:"address"`
	Response     string  `json:"response"`
	RewardAmount float64 `json:"reward_amount"`
	RewardReason string  `json:"reward_reason"`
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	id, err := questionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req evaluation.Request
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.QuestionID != 0 && req.QuestionID != id {
		s.writeError(w, r, fmt.Errorf("%w: questionId %d does not match path %d", errBadRequest, req.QuestionID, id))
		return
	}
	req.QuestionID = id

	res, err := s.evaluator.Evaluate(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	results := make([]evaluationResult, len(res.Awards))
	for i, a := range res.Awards {
		results[i] = evaluationResult{
			Address:      a.Address,
			Response:     a.Response,
			RewardAmount: a.Amount,
			RewardReason: a.Reason,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) compare(w http.ResponseWriter, r *http.Request) {
	id, err := questionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.reconciler.Compare(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) review(w http.ResponseWriter, r *http.Request) {
	id, err := questionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req reconcile.ReviewRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.reconciler.Review(r.Context(), id, req); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.reconciler.Compare(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "evaluations": view})
}

func (s *Server) finalize(w http.ResponseWriter, r *http.Request) {
	id, err := questionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := s.reconciler.Finalize(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"question_id":    f.QuestionID,
		"ranked_indices": f.RankedIndices,
		"tx_hash":        f.TxHash.Hex(),
	})
}

// ListenAndServe runs the router until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Infof("listening on %s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
