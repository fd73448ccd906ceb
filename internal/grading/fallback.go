// Package grading turns raw grading-model output into bounded evaluation results.
package grading

import (
	"math"

	"github.com/pavelanni/answergrader/internal/model"
)

// Fallback score ratios, applied to max marks and rounded.
const (
	MissingCredentialsRatio = 0.5
	UpstreamFailureRatio    = 0.6
	UnparseableRatio        = 0.5
)

type fallbackText struct {
	modelAnswer          string
	positiveFeedback     string
	constructiveFeedback string
}

var fallbackTexts = map[model.EvaluationSource]fallbackText{
	model.SourceFallbackMissingCredentials: {
		modelAnswer:          "Automatic evaluation is not configured, so no model answer is available.",
		positiveFeedback:     "Your answer has been recorded and will be reviewed by a teacher.",
		constructiveFeedback: "Automatic feedback is unavailable. Ask your teacher to review this answer or retry the evaluation later.",
	},
	model.SourceFallbackUpstreamFailure: {
		modelAnswer:          "The grading service could not be reached, so no model answer is available.",
		positiveFeedback:     "Your answer has been recorded. Detailed feedback could not be generated automatically.",
		constructiveFeedback: "Please retry the evaluation for detailed feedback.",
	},
	model.SourceFallbackUnparseable: {
		modelAnswer:          "Unable to generate a model answer due to an evaluation error.",
		positiveFeedback:     "Your answer has been recorded. Detailed feedback could not be generated automatically.",
		constructiveFeedback: "Please retry the evaluation for detailed feedback.",
	},
}

// Ratio returns the fallback score ratio for a degraded source.
func Ratio(src model.EvaluationSource) float64 {
	switch src {
	case model.SourceFallbackMissingCredentials:
		return MissingCredentialsRatio
	case model.SourceFallbackUpstreamFailure:
		return UpstreamFailureRatio
	default:
		return UnparseableRatio
	}
}

// Fallback returns the fixed result substituted when the model cannot produce one.
// An unknown or non-degraded source yields the unparseable fallback.
func Fallback(src model.EvaluationSource, maxMarks int) model.EvaluationResult {
	text, ok := fallbackTexts[src]
	if !ok {
		text = fallbackTexts[model.SourceFallbackUnparseable]
	}
	score := int(math.Round(float64(maxMarks) * Ratio(src)))
	return model.EvaluationResult{
		Score:                Clamp(score, maxMarks),
		ModelAnswer:          text.modelAnswer,
		PositiveFeedback:     text.positiveFeedback,
		ConstructiveFeedback: text.constructiveFeedback,
		QualitativeLabel:     model.LabelPending,
	}
}

// Clamp bounds score to [0, maxMarks]. A negative maxMarks is treated as zero.
func Clamp(score, maxMarks int) int {
	if maxMarks < 0 {
		maxMarks = 0
	}
	if score < 0 {
		return 0
	}
	if score > maxMarks {
		return maxMarks
	}
	return score
}
