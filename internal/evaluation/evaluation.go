// Package evaluation runs the grading pipeline for a submitted answer: assemble
// context, ask the model, normalize, persist.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/answergrader/internal/grading"
	"github.com/pavelanni/answergrader/internal/llm"
	"github.com/pavelanni/answergrader/internal/model"
	"github.com/pavelanni/answergrader/internal/store"
)

// DefaultClaimTTL is how long a claim blocks other runs for the same answer.
const DefaultClaimTTL = 2 * time.Minute

var (
	ErrAnswerNotFound       = errors.New("answer not found")
	ErrEvaluationInProgress = errors.New("evaluation already in progress")
	ErrPersistence          = errors.New("failed to save evaluation")
)

// Error kinds reported to callers.
const (
	KindNotFound    = "not_found"
	KindInProgress  = "in_progress"
	KindPersistence = "persistence"
	KindInternal    = "internal"
)

// ErrorKind classifies an error returned by Service.Evaluate.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrAnswerNotFound):
		return KindNotFound
	case errors.Is(err, ErrEvaluationInProgress):
		return KindInProgress
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	default:
		return KindInternal
	}
}

// AnswerStore is the persistence the pipeline needs.
type AnswerStore interface {
	DetailsReader
	ClaimEvaluation(ctx context.Context, id string, ttl time.Duration) (int64, error)
	SaveEvaluation(ctx context.Context, id string, res model.EvaluationResult, src model.EvaluationSource, maxMarks int) error
	ReleaseEvaluation(ctx context.Context, id string, token int64) error
}

// Grader requests a raw evaluation from the grading model.
type Grader interface {
	RequestEvaluation(ctx context.Context, ec model.EvaluationContext) (string, error)
}

// Outcome is a persisted evaluation.
type Outcome struct {
	AnswerID string                 `json:"answerId"`
	Result   model.EvaluationResult `json:"evaluation"`
	Source   model.EvaluationSource `json:"source"`
	MaxMarks int                    `json:"maxMarks"`
}

// Service sequences one evaluation run.
type Service struct {
	store     AnswerStore
	assembler *Assembler
	grader    Grader
	claimTTL  time.Duration
}

func NewService(st AnswerStore, images ImageResolver, grader Grader, claimTTL time.Duration) *Service {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &Service{
		store:     st,
		assembler: NewAssembler(st, images),
		grader:    grader,
		claimTTL:  claimTTL,
	}
}

// Evaluate grades one answer and persists the result. Model and parse failures
// degrade to a fallback result and still succeed. Errors are ErrAnswerNotFound,
// ErrEvaluationInProgress, ErrPersistence, or an internal store error.
func (s *Service) Evaluate(ctx context.Context, answerID string) (*Outcome, error) {
	log := slog.With("answer_id", answerID)

	ec, err := s.assembler.Assemble(ctx, answerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrAnswerNotFound, err)
		}
		return nil, fmt.Errorf("fetch answer: %w", err)
	}

	token, err := s.store.ClaimEvaluation(ctx, answerID, s.claimTTL)
	switch {
	case errors.Is(err, store.ErrClaimHeld):
		return nil, fmt.Errorf("%w: %w", ErrEvaluationInProgress, err)
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %w", ErrAnswerNotFound, err)
	case err != nil:
		return nil, fmt.Errorf("claim answer: %w", err)
	}

	// Once claimed, the run ignores caller cancellation. The model call is
	// bounded by the client timeout only.
	detached := context.WithoutCancel(ctx)
	res, src := s.grade(detached, log, ec)

	if err := s.store.SaveEvaluation(detached, answerID, res, src, ec.MaxMarks); err != nil {
		if rerr := s.store.ReleaseEvaluation(detached, answerID, token); rerr != nil {
			log.Warn("release claim failed", "error", rerr)
		}
		log.Error("save evaluation failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	log.Info("answer evaluated", "source", src, "score", res.Score, "max_marks", ec.MaxMarks)
	return &Outcome{AnswerID: answerID, Result: res, Source: src, MaxMarks: ec.MaxMarks}, nil
}

func (s *Service) grade(ctx context.Context, log *slog.Logger, ec model.EvaluationContext) (model.EvaluationResult, model.EvaluationSource) {
	raw, err := s.grader.RequestEvaluation(ctx, ec)
	if err != nil {
		src := model.SourceFallbackUpstreamFailure
		var te *llm.TransportError
		switch {
		case errors.Is(err, llm.ErrMissingCredentials):
			src = model.SourceFallbackMissingCredentials
			log.Warn("grading model not configured, using fallback")
		case errors.As(err, &te):
			log.Warn("grading model call failed, using fallback", "kind", te.Kind, "status", te.StatusCode, "error", te.Err)
		default:
			log.Warn("grading model call failed, using fallback", "error", err)
		}
		return grading.Fallback(src, ec.MaxMarks), src
	}

	n := grading.Normalize(raw, ec.MaxMarks)
	if n.Problem != nil {
		log.Warn("unparseable model output, using fallback", "error", n.Problem)
	}
	return n.Result, n.Source
}
