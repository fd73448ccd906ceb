package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/answergrader/internal/model"
)

// ExportAnswers builds export-ready rows for every submitted answer, optionally
// limited to one exam. Answers are grouped by exam and question order.
func (s *Store) ExportAnswers(ctx context.Context, examID string) (model.AnswersExport, error) {
	out := model.AnswersExport{ExportedAt: time.Now().UTC()}

	query := `SELECT a.id, a.student_name, a.submitted_at, e.id, e.name,
	        ql.name, b.name, sb.name,
	        q.text, q.question_order, q.max_marks,
	        a.text_answer, a.image_ref, a.evaluation_status, a.evaluation_source, a.evaluated_at, a.evaluation
	 FROM submitted_answers a
	 JOIN questions q ON q.id = a.question_id
	 JOIN exams e ON e.id = q.exam_id
	 LEFT JOIN courses c ON c.id = e.course_id
	 LEFT JOIN qualifications ql ON ql.id = c.qualification_id
	 LEFT JOIN boards b ON b.id = c.board_id
	 LEFT JOIN subjects sb ON sb.id = c.subject_id`
	var args []any
	if examID != "" {
		query += ` WHERE e.id = ?`
		args = append(args, examID)
	}
	query += ` ORDER BY e.id, q.question_order, a.submitted_at, a.id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return out, fmt.Errorf("query answers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ae                            model.AnswerExport
			qualification, board, subject sql.NullString
			status, source                string
			evaluatedAt                   sql.NullTime
			evaluation                    sql.NullString
		)
		err := rows.Scan(&ae.AnswerID, &ae.StudentName, &ae.SubmittedAt, &ae.ExamID, &ae.ExamName,
			&qualification, &board, &subject,
			&ae.QuestionText, &ae.QuestionOrder, &ae.MaxMarks,
			&ae.TextAnswer, &ae.ImageRef, &status, &source, &evaluatedAt, &evaluation)
		if err != nil {
			return out, fmt.Errorf("scan answer: %w", err)
		}
		ae.Qualification = qualification.String
		ae.Board = board.String
		ae.Subject = subject.String
		ae.Status = model.EvaluationStatus(status)
		ae.Source = model.EvaluationSource(source)
		if evaluatedAt.Valid {
			t := evaluatedAt.Time
			ae.EvaluatedAt = &t
		}
		if evaluation.Valid && evaluation.String != "" {
			var res model.EvaluationResult
			if err := json.Unmarshal([]byte(evaluation.String), &res); err != nil {
				return out, fmt.Errorf("decode evaluation for answer %s: %w", ae.AnswerID, err)
			}
			ae.Evaluation = &res
			out.NumGraded++
		}
		out.Answers = append(out.Answers, ae)
	}
	if err := rows.Err(); err != nil {
		return out, err
	}
	out.NumAnswers = len(out.Answers)
	return out, nil
}
