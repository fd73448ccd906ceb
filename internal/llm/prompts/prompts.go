package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// MaxAnswerRunes is the longest answer passed to the model before truncation.
const MaxAnswerRunes = 10000

// PromptVariant represents a grading prompt variant.
type PromptVariant string

const (
	// PromptStrict marks strictly to the mark scheme.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient rewards informal understanding.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

var (
	loadOnce        sync.Once
	loadErr         error
	systemTemplates map[PromptVariant]*template.Template
	userTemplate    *template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// Data holds template data for the grading prompts.
type Data struct {
	Subject          string
	Board            string
	Qualification    string
	QuestionText     string
	MaxMarks         int
	Answer           string
	HasQuestionImage bool
	HasAnswerImage   bool
}

// Load parses the embedded templates once.
func Load() error {
	loadOnce.Do(func() {
		systemTemplates = make(map[PromptVariant]*template.Template)
		for _, v := range []PromptVariant{PromptStrict, PromptStandard, PromptLenient} {
			tmpl, err := parse("templates/system_" + string(v) + ".txt")
			if err != nil {
				loadErr = err
				return
			}
			systemTemplates[v] = tmpl
		}
		userTemplate, loadErr = parse("templates/user.txt")
	})
	return loadErr
}

func parse(name string) (*template.Template, error) {
	content, err := templateFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", name, err)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
	}
	return tmpl, nil
}

// Build renders the system instruction and user payload for variant.
// The answer in data is sanitized before rendering.
func Build(variant PromptVariant, data Data) (system, user string, err error) {
	if err := Load(); err != nil {
		return "", "", fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := systemTemplates[variant]
	if !ok {
		return "", "", errors.New("invalid prompt variant: " + string(variant))
	}
	data.Answer = SanitizeAnswer(data.Answer)

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", "", err
	}
	system = strings.TrimSpace(buf.String())

	buf.Reset()
	if err := userTemplate.Execute(&buf, data); err != nil {
		return "", "", err
	}
	return system, strings.TrimSpace(buf.String()), nil
}

// SanitizeAnswer strips prompt delimiter tags and bounds the answer length.
func SanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > MaxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:MaxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
