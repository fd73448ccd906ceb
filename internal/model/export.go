package model

import "time"

// AnswersExport is the top-level JSON structure for evaluation export.
type AnswersExport struct {
	ExportedAt time.Time      `json:"exported_at"`
	NumAnswers int            `json:"num_answers"`
	NumGraded  int            `json:"num_graded"`
	Answers    []AnswerExport `json:"answers"`
}

// AnswerExport holds one submitted answer with its context and evaluation.
type AnswerExport struct {
	AnswerID      string            `json:"answer_id"`
	StudentName   string            `json:"student_name"`
	SubmittedAt   time.Time         `json:"submitted_at"`
	ExamID        string            `json:"exam_id"`
	ExamName      string            `json:"exam_name"`
	Qualification string            `json:"qualification,omitempty"`
	Board         string            `json:"board,omitempty"`
	Subject       string            `json:"subject,omitempty"`
	QuestionText  string            `json:"question_text"`
	QuestionOrder int               `json:"question_order"`
	MaxMarks      int               `json:"max_marks"`
	TextAnswer    string            `json:"text_answer"`
	ImageRef      string            `json:"image_ref,omitempty"`
	Status        EvaluationStatus  `json:"status"`
	Source        EvaluationSource  `json:"source,omitempty"`
	EvaluatedAt   *time.Time        `json:"evaluated_at,omitempty"`
	Evaluation    *EvaluationResult `json:"evaluation,omitempty"`
}
