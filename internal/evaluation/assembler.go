package evaluation

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pavelanni/answergrader/internal/model"
)

// Placeholders used when the course taxonomy is absent.
const (
	DefaultSubject       = "General"
	DefaultBoard         = "AQA"
	DefaultQualification = "GCSE"
)

// DetailsReader loads an answer joined to its question, exam and taxonomy.
type DetailsReader interface {
	GetAnswerDetails(ctx context.Context, id string) (model.AnswerDetails, error)
}

// ImageResolver turns a stored image reference into a URL the model can read.
type ImageResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Assembler builds the grading context for one answer.
type Assembler struct {
	store  DetailsReader
	images ImageResolver
}

// NewAssembler returns an Assembler. images may be nil, in which case image
// references are passed through unchanged.
func NewAssembler(store DetailsReader, images ImageResolver) *Assembler {
	return &Assembler{store: store, images: images}
}

// Assemble reads the answer and returns its evaluation context. A missing answer or
// broken join chain is returned from the store unchanged.
func (a *Assembler) Assemble(ctx context.Context, answerID string) (model.EvaluationContext, error) {
	d, err := a.store.GetAnswerDetails(ctx, answerID)
	if err != nil {
		return model.EvaluationContext{}, err
	}
	return model.EvaluationContext{
		AnswerID:      d.AnswerID,
		StudentName:   d.StudentName,
		Subject:       orDefault(d.Subject, DefaultSubject),
		Board:         orDefault(d.Board, DefaultBoard),
		Qualification: orDefault(d.Qualification, DefaultQualification),
		QuestionText:  d.QuestionText,
		QuestionImage: a.resolve(ctx, d.AnswerID, "question", d.QuestionImage),
		AnswerImage:   a.resolve(ctx, d.AnswerID, "answer", d.AnswerImage),
		AnswerText:    d.TextAnswer,
		MaxMarks:      d.MaxMarks,
	}, nil
}

func (a *Assembler) resolve(ctx context.Context, answerID, which, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if a.images == nil {
		return ref
	}
	url, err := a.images.Resolve(ctx, ref)
	if err != nil {
		slog.Warn("dropping unresolvable image", "answer_id", answerID, "image", which, "ref", ref, "error", err)
		return ""
	}
	return url
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
