// Package handler exposes the evaluation pipeline and the answer store over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/pavelanni/answergrader/internal/evaluation"
	appI18n "github.com/pavelanni/answergrader/internal/i18n"
	"github.com/pavelanni/answergrader/internal/model"
	"github.com/pavelanni/answergrader/internal/store"
)

const maxBodyBytes = 1 << 20

// Fixed error strings of the evaluate contract. Localized text goes in message or details.
const (
	errAnswerNotFound   = "Answer not found"
	errEvaluationFailed = "Evaluation failed"
	errInProgress       = "Evaluation already in progress"
	errInvalidRequest   = "Invalid request"
	errSubmissionFailed = "Submission failed"
	errUnauthorized     = "Unauthorized"
)

// Evaluator runs one evaluation synchronously.
type Evaluator interface {
	Evaluate(ctx context.Context, answerID string) (*evaluation.Outcome, error)
}

// AnswerStore is the part of the store the HTTP surface reads and writes directly.
type AnswerStore interface {
	CreateSubmission(ctx context.Context, studentName string, inputs []model.AnswerInput) ([]string, error)
	GetAnswer(ctx context.Context, id string) (model.SubmittedAnswer, error)
	ListAnswersByExam(ctx context.Context, examID string) ([]model.SubmittedAnswer, error)
}

// Enqueuer hands answers to the background workers.
type Enqueuer interface {
	Enqueue(answerID string) error
}

// Options configures the router.
type Options struct {
	CORSOrigins []string
	APIKeyHash  string // bcrypt; empty disables the gate
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	eval  Evaluator
	store AnswerStore
	queue Enqueuer
	opts  Options
}

// New creates a new Handler.
func New(eval Evaluator, st AnswerStore, q Enqueuer, opts Options) *Handler {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Handler{eval: eval, store: st, queue: q, opts: opts}
}

// Routes registers middleware and all HTTP routes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.opts.CORSOrigins,
		AllowedMethods: corsMethods,
		AllowedHeaders: corsHeaders,
		ExposedHeaders: []string{"Content-Length"},
		MaxAge:         300,
	}))
	r.Use(h.preflight)
	r.Use(appI18n.Middleware)

	r.Get("/healthz", h.handleHealth)
	r.Post("/api/submissions", h.handleSubmit)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAPIKey)
		r.Post("/api/evaluate-answer", h.handleEvaluate)
		r.Get("/api/answers/{answerID}", h.handleGetAnswer)
		r.Get("/api/exams/{examID}/answers", h.handleListExamAnswers)
	})
}

var (
	corsMethods = []string{"GET", "POST", "OPTIONS"}
	corsHeaders = []string{"Authorization", "X-Client-Info", "Apikey", "Content-Type"}
)

// preflight answers any OPTIONS request the CORS handler let through, such as
// one without an Origin. When every origin is allowed the reply carries the
// permissive CORS headers the CORS handler would have set.
func (h *Handler) preflight(next http.Handler) http.Handler {
	allowAll := slices.Contains(h.opts.CORSOrigins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		hdr := w.Header()
		if allowAll && hdr.Get("Access-Control-Allow-Origin") == "" {
			hdr.Set("Access-Control-Allow-Origin", "*")
			hdr.Set("Access-Control-Allow-Methods", strings.Join(corsMethods, ", "))
			hdr.Set("Access-Control-Allow-Headers", strings.ToLower(strings.Join(corsHeaders, ", ")))
		}
		w.WriteHeader(http.StatusOK)
	})
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// EvaluateResponse is the body of a successful evaluation.
type EvaluateResponse struct {
	Success    bool                   `json:"success"`
	Evaluation model.EvaluationResult `json:"evaluation"`
	Message    string                 `json:"message"`
	Source     model.EvaluationSource `json:"source"`
}

// NewEvaluateResponse builds the success body for o, localized by ctx.
func NewEvaluateResponse(ctx context.Context, o *evaluation.Outcome) EvaluateResponse {
	msg := appI18n.T(ctx, "EvaluationSucceeded")
	if o.Source.Degraded() {
		msg = appI18n.T(ctx, "EvaluationDegraded")
	}
	return EvaluateResponse{Success: true, Evaluation: o.Result, Message: msg, Source: o.Source}
}

// EvaluateError maps an evaluation error to its HTTP status and body.
func EvaluateError(err error) (int, ErrorResponse) {
	switch evaluation.ErrorKind(err) {
	case evaluation.KindNotFound:
		return http.StatusNotFound, ErrorResponse{Error: errAnswerNotFound, Details: err.Error()}
	case evaluation.KindInProgress:
		return http.StatusConflict, ErrorResponse{Error: errInProgress, Details: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: errEvaluationFailed, Details: err.Error()}
	}
}

type evaluateRequest struct {
	AnswerID string `json:"answerId"`
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: errInvalidRequest, Details: err.Error()})
		return
	}
	if req.AnswerID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: errInvalidRequest, Details: appI18n.T(r.Context(), "AnswerIDRequired")})
		return
	}

	out, err := h.eval.Evaluate(r.Context(), req.AnswerID)
	if err != nil {
		status, body := EvaluateError(err)
		if status == http.StatusInternalServerError {
			slog.Error("evaluation failed", "answer_id", req.AnswerID, "error", err)
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, NewEvaluateResponse(r.Context(), out))
}

type submissionRequest struct {
	StudentName string              `json:"studentName"`
	Answers     []model.AnswerInput `json:"answers"`
}

type submissionResponse struct {
	Success   bool     `json:"success"`
	AnswerIDs []string `json:"answerIds"`
	Queued    int      `json:"queued"`
	Message   string   `json:"message"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req submissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: errInvalidRequest, Details: err.Error()})
		return
	}
	switch {
	case req.StudentName == "":
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: errInvalidRequest, Details: appI18n.T(ctx, "StudentNameRequired")})
		return
	case len(req.Answers) == 0:
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: errInvalidRequest, Details: appI18n.T(ctx, "NoAnswers")})
		return
	}

	ids, err := h.store.CreateSubmission(ctx, req.StudentName, req.Answers)
	if err != nil {
		var uq *store.UnknownQuestionError
		if errors.As(err, &uq) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   errInvalidRequest,
				Details: appI18n.Td(ctx, "QuestionNotFound", map[string]any{"ID": uq.QuestionID}),
			})
			return
		}
		slog.Error("create submission failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: errSubmissionFailed, Details: err.Error()})
		return
	}

	queued := 0
	for _, id := range ids {
		if err := h.queue.Enqueue(id); err != nil {
			slog.Warn("answer not queued for evaluation", "answer_id", id, "error", err)
			continue
		}
		queued++
	}
	slog.Info("submission accepted", "student", req.StudentName, "answers", len(ids), "queued", queued)

	writeJSON(w, http.StatusAccepted, submissionResponse{
		Success:   true,
		AnswerIDs: ids,
		Queued:    queued,
		Message:   appI18n.Tp(ctx, "SubmissionAccepted", len(ids)),
	})
}

func (h *Handler) handleGetAnswer(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.GetAnswer(r.Context(), chi.URLParam(r, "answerID"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: errAnswerNotFound, Details: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: http.StatusText(http.StatusInternalServerError), Details: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleListExamAnswers(w http.ResponseWriter, r *http.Request) {
	answers, err := h.store.ListAnswersByExam(r.Context(), chi.URLParam(r, "examID"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: http.StatusText(http.StatusInternalServerError), Details: err.Error()})
		return
	}
	if answers == nil {
		answers = []model.SubmittedAnswer{}
	}
	writeJSON(w, http.StatusOK, answers)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Error("encode response", "error", err)
		}
	}
}
