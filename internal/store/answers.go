package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/answergrader/internal/model"
)

const answerColumns = `id, question_id, student_name, text_answer, image_ref, submitted_at,
	evaluation, evaluation_status, evaluation_source, evaluated_at`

// CreateSubmission stores one answer per input and returns the generated answer IDs
// in input order. Every referenced question must exist.
func (s *Store) CreateSubmission(ctx context.Context, studentName string, inputs []model.AnswerInput) ([]string, error) {
	if studentName == "" {
		return nil, fmt.Errorf("student name is required")
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("submission has no answers")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	ids := make([]string, 0, len(inputs))
	for _, in := range inputs {
		var exists int
		err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM questions WHERE id = ?`), in.QuestionID).Scan(&exists)
		if err == sql.ErrNoRows {
			return nil, &UnknownQuestionError{QuestionID: in.QuestionID}
		}
		if err != nil {
			return nil, fmt.Errorf("check question %q: %w", in.QuestionID, err)
		}

		id := uuid.NewString()
		_, err = tx.ExecContext(ctx, s.q(
			`INSERT INTO submitted_answers (id, question_id, student_name, text_answer, image_ref, submitted_at)
			 VALUES (?, ?, ?, ?, ?, ?)`),
			id, in.QuestionID, studentName, in.TextAnswer, in.ImageRef, now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert answer: %w", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnswer(row rowScanner) (model.SubmittedAnswer, error) {
	var (
		a           model.SubmittedAnswer
		evaluation  sql.NullString
		status      string
		source      string
		evaluatedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.QuestionID, &a.StudentName, &a.TextAnswer, &a.ImageRef, &a.SubmittedAt,
		&evaluation, &status, &source, &evaluatedAt)
	if err != nil {
		return a, err
	}
	a.EvaluationStatus = model.EvaluationStatus(status)
	a.EvaluationSource = model.EvaluationSource(source)
	if evaluatedAt.Valid {
		t := evaluatedAt.Time
		a.EvaluatedAt = &t
	}
	if evaluation.Valid && evaluation.String != "" {
		var res model.EvaluationResult
		if err := json.Unmarshal([]byte(evaluation.String), &res); err != nil {
			return a, fmt.Errorf("decode evaluation for answer %s: %w", a.ID, err)
		}
		a.Evaluation = &res
	}
	return a, nil
}

// GetAnswer returns a submitted answer by ID.
func (s *Store) GetAnswer(ctx context.Context, id string) (model.SubmittedAnswer, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+answerColumns+` FROM submitted_answers WHERE id = ?`), id)
	a, err := scanAnswer(row)
	if err == sql.ErrNoRows {
		return a, fmt.Errorf("answer %q: %w", id, ErrNotFound)
	}
	return a, err
}

// ListAnswersByExam returns all answers submitted for questions of an exam,
// ordered by submission time then question order.
func (s *Store) ListAnswersByExam(ctx context.Context, examID string) ([]model.SubmittedAnswer, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT a.id, a.question_id, a.student_name, a.text_answer, a.image_ref, a.submitted_at,
		        a.evaluation, a.evaluation_status, a.evaluation_source, a.evaluated_at
		 FROM submitted_answers a
		 JOIN questions q ON q.id = a.question_id
		 WHERE q.exam_id = ?
		 ORDER BY a.submitted_at, q.question_order, a.id`), examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var answers []model.SubmittedAnswer
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// GetAnswerDetails joins an answer to its question, exam and the names of the
// course's taxonomy entries. An exam without a course yields empty taxonomy names.
// A missing link in the answer, question, exam or course chain is ErrNotFound.
func (s *Store) GetAnswerDetails(ctx context.Context, id string) (model.AnswerDetails, error) {
	var (
		d             model.AnswerDetails
		courseID      sql.NullString
		courseFound   sql.NullString
		qualification sql.NullString
		board         sql.NullString
		subject       sql.NullString
		yearGroup     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT a.id, a.student_name, a.text_answer, a.image_ref,
		        q.id, q.text, q.image_ref, q.max_marks,
		        e.id, e.name, e.course_id, c.id,
		        ql.name, b.name, sb.name, yg.name
		 FROM submitted_answers a
		 JOIN questions q ON q.id = a.question_id
		 JOIN exams e ON e.id = q.exam_id
		 LEFT JOIN courses c ON c.id = e.course_id
		 LEFT JOIN qualifications ql ON ql.id = c.qualification_id
		 LEFT JOIN boards b ON b.id = c.board_id
		 LEFT JOIN subjects sb ON sb.id = c.subject_id
		 LEFT JOIN year_groups yg ON yg.id = c.year_group_id
		 WHERE a.id = ?`), id,
	).Scan(&d.AnswerID, &d.StudentName, &d.TextAnswer, &d.AnswerImage,
		&d.QuestionID, &d.QuestionText, &d.QuestionImage, &d.MaxMarks,
		&d.ExamID, &d.ExamName, &courseID, &courseFound,
		&qualification, &board, &subject, &yearGroup)
	if err == sql.ErrNoRows {
		if _, gerr := s.GetAnswer(ctx, id); gerr != nil {
			return d, gerr
		}
		return d, fmt.Errorf("answer %q: question or exam missing: %w", id, ErrNotFound)
	}
	if err != nil {
		return d, fmt.Errorf("query answer details: %w", err)
	}
	if courseID.Valid && courseID.String != "" && !courseFound.Valid {
		return d, fmt.Errorf("answer %q: course %q missing: %w", id, courseID.String, ErrNotFound)
	}
	d.Qualification = qualification.String
	d.Board = board.String
	d.Subject = subject.String
	d.YearGroup = yearGroup.String
	return d, nil
}

// ClaimEvaluation marks the answer as being evaluated and returns a token that
// identifies the claim. A claim older than ttl is treated as abandoned and may be
// taken over. Returns ErrClaimHeld if a live claim exists.
func (s *Store) ClaimEvaluation(ctx context.Context, id string, ttl time.Duration) (int64, error) {
	now := time.Now()
	token := now.UnixMilli()
	staleBefore := now.Add(-ttl).UnixMilli()

	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE submitted_answers
		 SET evaluation_status = ?, evaluation_claimed_at = ?
		 WHERE id = ? AND (evaluation_status <> ? OR evaluation_claimed_at < ?)`),
		string(model.EvaluationInProgress), token, id, string(model.EvaluationInProgress), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("claim evaluation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		return token, nil
	}
	if _, err := s.GetAnswer(ctx, id); err != nil {
		return 0, err
	}
	return 0, ErrClaimHeld
}

// SaveEvaluation validates res against maxMarks and stores it as the answer's
// evaluation, replacing any previous one and clearing the claim.
func (s *Store) SaveEvaluation(ctx context.Context, id string, res model.EvaluationResult, src model.EvaluationSource, maxMarks int) error {
	if err := res.Validate(maxMarks); err != nil {
		return fmt.Errorf("invalid evaluation: %w", err)
	}
	doc, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode evaluation: %w", err)
	}
	r, err := s.db.ExecContext(ctx, s.q(
		`UPDATE submitted_answers
		 SET evaluation = ?, evaluation_status = ?, evaluation_source = ?, evaluation_claimed_at = 0, evaluated_at = ?
		 WHERE id = ?`),
		string(doc), string(model.EvaluationDone), string(src), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("save evaluation: %w", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("answer %q: %w", id, ErrNotFound)
	}
	return nil
}

// ReleaseEvaluation drops a claim without writing a result. The status returns to
// done if an earlier evaluation exists, otherwise to none. A claim that was taken
// over by another run is left alone.
func (s *Store) ReleaseEvaluation(ctx context.Context, id string, token int64) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE submitted_answers
		 SET evaluation_status = CASE WHEN evaluation IS NULL THEN ? ELSE ? END, evaluation_claimed_at = 0
		 WHERE id = ? AND evaluation_status = ? AND evaluation_claimed_at = ?`),
		string(model.EvaluationNone), string(model.EvaluationDone), id, string(model.EvaluationInProgress), token,
	)
	return err
}

// ListPendingAnswerIDs returns answers that were never evaluated or whose claim
// has been abandoned for longer than ttl, oldest first.
func (s *Store) ListPendingAnswerIDs(ctx context.Context, ttl time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	staleBefore := time.Now().Add(-ttl).UnixMilli()
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id FROM submitted_answers
		 WHERE evaluation_status = ? OR (evaluation_status = ? AND evaluation_claimed_at < ?)
		 ORDER BY submitted_at, id
		 LIMIT ?`),
		string(model.EvaluationNone), string(model.EvaluationInProgress), staleBefore, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
