package grading

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/pavelanni/answergrader/internal/model"
)

// Default text for feedback fields the model left out.
const (
	DefaultModelAnswer          = "No model answer was provided."
	DefaultPositiveFeedback     = "No specific strengths were identified."
	DefaultConstructiveFeedback = "No specific improvements were suggested."
)

var (
	errNoObject      = errors.New("no JSON object in model output")
	errMissingScore  = errors.New("score missing")
	trailingCommaRex = regexp.MustCompile(`,\s*([}\]])`)
)

// Field aliases in lookup order, keyed by normalized name. The first entry is canonical.
var (
	scoreKeys        = []string{"score", "marksawarded", "marks"}
	modelAnswerKeys  = []string{"modelanswer", "idealanswer"}
	positiveKeys     = []string{"positivefeedback", "correctpoints", "questionfeedback"}
	constructiveKeys = []string{"constructivefeedback", "incorrectpoints", "suggestions"}
	labelKeys        = []string{"qualitativelabel", "label", "verdict"}
)

// Normalized is the outcome of Normalize. Problem is set when the fallback was used.
type Normalized struct {
	Result  model.EvaluationResult
	Source  model.EvaluationSource
	Problem error
}

// Normalize parses raw model output into a result bounded by maxMarks. It never
// fails: output that cannot be used yields the unparseable fallback.
func Normalize(raw string, maxMarks int) Normalized {
	res, err := parse(raw, maxMarks)
	if err != nil {
		return Normalized{
			Result:  Fallback(model.SourceFallbackUnparseable, maxMarks),
			Source:  model.SourceFallbackUnparseable,
			Problem: err,
		}
	}
	return Normalized{Result: res, Source: model.SourceModel}
}

func parse(raw string, maxMarks int) (model.EvaluationResult, error) {
	var res model.EvaluationResult

	doc, err := ExtractJSON(raw)
	if err != nil {
		return res, err
	}
	fields, err := decodeObject(doc)
	if err != nil {
		return res, err
	}

	score, err := scoreField(fields)
	if err != nil {
		return res, err
	}
	res.Score = Clamp(score, maxMarks)

	if res.ModelAnswer, err = textField(fields, modelAnswerKeys, DefaultModelAnswer, false); err != nil {
		return res, err
	}
	if res.PositiveFeedback, err = textField(fields, positiveKeys, DefaultPositiveFeedback, false); err != nil {
		return res, err
	}
	if res.ConstructiveFeedback, err = textField(fields, constructiveKeys, DefaultConstructiveFeedback, true); err != nil {
		return res, err
	}

	label, err := textField(fields, labelKeys, "", false)
	if err != nil {
		return res, err
	}
	res.QualitativeLabel = ParseLabel(label, res.Score, maxMarks)
	return res, nil
}

// StripFences removes a surrounding markdown code fence, with or without a language tag.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(strings.TrimSpace(s), "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ExtractJSON returns the outermost JSON object in s after stripping fences.
func ExtractJSON(s string) (string, error) {
	s = StripFences(s)
	if strings.HasPrefix(s, "[") {
		return "", errNoObject
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return "", errNoObject
	}
	return s[start : end+1], nil
}

// decodeObject decodes doc into normalized keys, retrying once with trailing commas removed.
func decodeObject(doc string) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	err := json.Unmarshal([]byte(doc), &raw)
	if err != nil {
		repaired := trailingCommaRex.ReplaceAllString(doc, "$1")
		if repaired == doc {
			return nil, fmt.Errorf("decode model output: %w", err)
		}
		raw = nil
		if rerr := json.Unmarshal([]byte(repaired), &raw); rerr != nil {
			return nil, fmt.Errorf("decode model output after repair: %w", rerr)
		}
	}
	if raw == nil {
		return nil, errNoObject
	}

	fields := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		nk := normalizeKey(k)
		if _, dup := fields[nk]; !dup {
			fields[nk] = v
		}
	}
	return fields, nil
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(k)
}

func lookup(fields map[string]json.RawMessage, keys []string) (json.RawMessage, bool) {
	for _, k := range keys {
		v, ok := fields[k]
		if ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func scoreField(fields map[string]json.RawMessage) (int, error) {
	v, ok := lookup(fields, scoreKeys)
	if !ok {
		return 0, errMissingScore
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0, fmt.Errorf("score is not a number: %s", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("score is not finite")
	}
	if f < 0 {
		return 0, fmt.Errorf("score is negative: %v", f)
	}
	if f > math.MaxInt32 {
		f = math.MaxInt32
	}
	return int(math.Round(f)), nil
}

// textField returns the first non-empty alias as trimmed text. With join set,
// legacy aliases are concatenated when the canonical key is absent.
func textField(fields map[string]json.RawMessage, keys []string, def string, join bool) (string, error) {
	var parts []string
	for i, k := range keys {
		v, ok := fields[k]
		if !ok || isNull(v) {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", fmt.Errorf("field %s is not a string", k)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if i == 0 {
			return s, nil
		}
		parts = append(parts, s)
		if !join {
			break
		}
	}
	if len(parts) == 0 {
		return def, nil
	}
	return strings.Join(parts, "\n\n"), nil
}

// ParseLabel maps a model-provided label to a known one, case-insensitively.
// A missing or unknown label is derived from the score.
func ParseLabel(s string, score, maxMarks int) model.QualitativeLabel {
	switch normalizeKey(s) {
	case "correct":
		return model.LabelCorrect
	case "incorrect", "wrong":
		return model.LabelIncorrect
	case "partiallycorrect", "partial", "partlycorrect":
		return model.LabelPartiallyCorrect
	}
	return LabelForScore(score, maxMarks)
}

// LabelForScore derives a label from a bounded score.
func LabelForScore(score, maxMarks int) model.QualitativeLabel {
	switch {
	case score <= 0:
		return model.LabelIncorrect
	case score >= maxMarks:
		return model.LabelCorrect
	default:
		return model.LabelPartiallyCorrect
	}
}
