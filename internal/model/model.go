package model

import (
	"fmt"
	"time"
)

// QualitativeLabel is the coarse verdict attached to an evaluation.
type QualitativeLabel string

const (
	LabelCorrect          QualitativeLabel = "Correct"
	LabelIncorrect        QualitativeLabel = "Incorrect"
	LabelPartiallyCorrect QualitativeLabel = "PartiallyCorrect"
	LabelPending          QualitativeLabel = "Pending"
)

// Valid reports whether l is one of the known labels.
func (l QualitativeLabel) Valid() bool {
	switch l {
	case LabelCorrect, LabelIncorrect, LabelPartiallyCorrect, LabelPending:
		return true
	}
	return false
}

// EvaluationStatus tracks whether an evaluation run currently owns an answer.
type EvaluationStatus string

const (
	EvaluationNone       EvaluationStatus = "none"
	EvaluationInProgress EvaluationStatus = "in_progress"
	EvaluationDone       EvaluationStatus = "done"
)

// EvaluationSource records where a persisted result came from.
type EvaluationSource string

const (
	SourceModel                      EvaluationSource = "model"
	SourceFallbackMissingCredentials EvaluationSource = "fallback_missing_credentials"
	SourceFallbackUpstreamFailure    EvaluationSource = "fallback_upstream_failure"
	SourceFallbackUnparseable        EvaluationSource = "fallback_unparseable"
)

// Degraded reports whether the result was substituted rather than produced by the model.
func (s EvaluationSource) Degraded() bool {
	return s != SourceModel && s != ""
}

// TaxonomyEntry is one value of a taxonomy dimension (qualification, board, subject or year group).
type TaxonomyEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Course joins exactly one entry of each taxonomy dimension.
type Course struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	QualificationID string `json:"qualificationId,omitempty"`
	BoardID         string `json:"boardId,omitempty"`
	SubjectID       string `json:"subjectId,omitempty"`
	YearGroupID     string `json:"yearGroupId,omitempty"`
}

// Exam belongs to an optional course and owns its questions.
type Exam struct {
	ID        string     `json:"id"`
	CourseID  string     `json:"courseId,omitempty"`
	Name      string     `json:"name"`
	Questions []Question `json:"questions,omitempty"`
}

// Question is immutable after exam authoring.
type Question struct {
	ID       string `json:"id"`
	ExamID   string `json:"examId,omitempty"`
	Text     string `json:"text"`
	ImageRef string `json:"imageRef,omitempty"`
	MaxMarks int    `json:"maxMarks"`
	Order    int    `json:"order"`
}

// School subscribes to courses.
type School struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	ContactEmail  string         `json:"contactEmail,omitempty"`
	Subscriptions []Subscription `json:"subscriptions,omitempty"`
}

// Subscription links a school to a course.
type Subscription struct {
	CourseID  string     `json:"courseId"`
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// EvaluationResult is the structured, score-bounded outcome of grading one answer.
type EvaluationResult struct {
	Score                int              `json:"score"`
	ModelAnswer          string           `json:"modelAnswer"`
	PositiveFeedback     string           `json:"positiveFeedback"`
	ConstructiveFeedback string           `json:"constructiveFeedback"`
	QualitativeLabel     QualitativeLabel `json:"qualitativeLabel"`
}

// Validate checks that r is fully populated and its score lies in [0, maxMarks].
func (r EvaluationResult) Validate(maxMarks int) error {
	if r.Score < 0 || r.Score > maxMarks {
		return fmt.Errorf("score %d outside [0, %d]", r.Score, maxMarks)
	}
	if r.ModelAnswer == "" || r.PositiveFeedback == "" || r.ConstructiveFeedback == "" {
		return fmt.Errorf("evaluation result has empty text fields")
	}
	if !r.QualitativeLabel.Valid() {
		return fmt.Errorf("unknown qualitative label %q", r.QualitativeLabel)
	}
	return nil
}

// SubmittedAnswer is one student's answer to one question.
type SubmittedAnswer struct {
	ID               string            `json:"id"`
	QuestionID       string            `json:"questionId"`
	StudentName      string            `json:"studentName"`
	TextAnswer       string            `json:"textAnswer"`
	ImageRef         string            `json:"imageRef,omitempty"`
	SubmittedAt      time.Time         `json:"submittedAt"`
	Evaluation       *EvaluationResult `json:"evaluation,omitempty"`
	EvaluationStatus EvaluationStatus  `json:"evaluationStatus"`
	EvaluationSource EvaluationSource  `json:"source,omitempty"`
	EvaluatedAt      *time.Time        `json:"evaluatedAt,omitempty"`
}

// AnswerInput is one item of a submission.
type AnswerInput struct {
	QuestionID string `json:"questionId"`
	TextAnswer string `json:"textAnswer"`
	ImageRef   string `json:"imageRef,omitempty"`
}

// AnswerDetails is an answer joined to its question, exam and taxonomy names.
// Taxonomy names are empty when the exam has no course or the course leaves a dimension unset.
type AnswerDetails struct {
	AnswerID      string
	StudentName   string
	TextAnswer    string
	AnswerImage   string
	QuestionID    string
	QuestionText  string
	QuestionImage string
	MaxMarks      int
	ExamID        string
	ExamName      string
	Qualification string
	Board         string
	Subject       string
	YearGroup     string
}

// EvaluationContext is the bounded payload sent to the grading model.
type EvaluationContext struct {
	AnswerID      string
	StudentName   string
	Subject       string
	Board         string
	Qualification string
	QuestionText  string
	QuestionImage string // resolved URL, empty if none
	AnswerImage   string // resolved URL, empty if none
	AnswerText    string
	MaxMarks      int
}

// Catalog is the import document for taxonomy, courses, exams and schools.
type Catalog struct {
	Qualifications []TaxonomyEntry `json:"qualifications"`
	Boards         []TaxonomyEntry `json:"boards"`
	Subjects       []TaxonomyEntry `json:"subjects"`
	YearGroups     []TaxonomyEntry `json:"yearGroups"`
	Courses        []Course        `json:"courses"`
	Exams          []Exam          `json:"exams"`
	Schools        []School        `json:"schools"`
}

// QuestionCount returns the number of questions across all exams in the catalog.
func (c Catalog) QuestionCount() int {
	n := 0
	for _, e := range c.Exams {
		n += len(e.Questions)
	}
	return n
}
