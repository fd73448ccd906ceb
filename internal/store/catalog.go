package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/answergrader/internal/model"
)

// ImportCatalog upserts taxonomy, courses, exams with their questions, and schools
// with their subscriptions in a single transaction.
func (s *Store) ImportCatalog(ctx context.Context, cat model.Catalog) error {
	if err := validateCatalog(cat); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	dims := []struct {
		table   string
		entries []model.TaxonomyEntry
	}{
		{"qualifications", cat.Qualifications},
		{"boards", cat.Boards},
		{"subjects", cat.Subjects},
		{"year_groups", cat.YearGroups},
	}
	for _, d := range dims {
		for _, e := range d.entries {
			if err := s.upsertTaxonomy(ctx, tx, d.table, e); err != nil {
				return fmt.Errorf("upsert %s %q: %w", d.table, e.ID, err)
			}
		}
	}

	for _, c := range cat.Courses {
		_, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO courses (id, name, description, qualification_id, board_id, subject_id, year_group_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET name = excluded.name, description = excluded.description,
			   qualification_id = excluded.qualification_id, board_id = excluded.board_id,
			   subject_id = excluded.subject_id, year_group_id = excluded.year_group_id`),
			c.ID, c.Name, c.Description,
			nullIfEmpty(c.QualificationID), nullIfEmpty(c.BoardID), nullIfEmpty(c.SubjectID), nullIfEmpty(c.YearGroupID),
		)
		if err != nil {
			return fmt.Errorf("upsert course %q: %w", c.ID, err)
		}
	}

	now := time.Now().UTC()
	for _, e := range cat.Exams {
		_, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO exams (id, course_id, name, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET course_id = excluded.course_id, name = excluded.name`),
			e.ID, nullIfEmpty(e.CourseID), e.Name, now,
		)
		if err != nil {
			return fmt.Errorf("upsert exam %q: %w", e.ID, err)
		}
		for i, qn := range e.Questions {
			order := qn.Order
			if order == 0 {
				order = i + 1
			}
			_, err := tx.ExecContext(ctx, s.q(
				`INSERT INTO questions (id, exam_id, text, image_ref, max_marks, question_order)
				 VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT (id) DO UPDATE SET exam_id = excluded.exam_id, text = excluded.text,
				   image_ref = excluded.image_ref, max_marks = excluded.max_marks,
				   question_order = excluded.question_order`),
				qn.ID, e.ID, qn.Text, qn.ImageRef, qn.MaxMarks, order,
			)
			if err != nil {
				return fmt.Errorf("upsert question %q: %w", qn.ID, err)
			}
		}
	}

	for _, sc := range cat.Schools {
		_, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO schools (id, name, contact_email) VALUES (?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET name = excluded.name, contact_email = excluded.contact_email`),
			sc.ID, sc.Name, sc.ContactEmail,
		)
		if err != nil {
			return fmt.Errorf("upsert school %q: %w", sc.ID, err)
		}
		for _, sub := range sc.Subscriptions {
			_, err := tx.ExecContext(ctx, s.q(
				`INSERT INTO school_course_subscriptions (school_id, course_id, is_active, expires_at, subscribed_at)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (school_id, course_id) DO UPDATE SET is_active = excluded.is_active,
				   expires_at = excluded.expires_at`),
				sc.ID, sub.CourseID, sub.Active, sub.ExpiresAt, now,
			)
			if err != nil {
				return fmt.Errorf("upsert subscription %q/%q: %w", sc.ID, sub.CourseID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("imported catalog",
		"courses", len(cat.Courses),
		"exams", len(cat.Exams),
		"questions", cat.QuestionCount(),
		"schools", len(cat.Schools),
	)
	return nil
}

func (s *Store) upsertTaxonomy(ctx context.Context, tx *sql.Tx, table string, e model.TaxonomyEntry) error {
	// table comes from a fixed list in ImportCatalog.
	_, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO `+table+` (id, name, description) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, description = excluded.description`),
		e.ID, e.Name, e.Description,
	)
	return err
}

func validateCatalog(cat model.Catalog) error {
	for _, e := range cat.Exams {
		if e.ID == "" || e.Name == "" {
			return fmt.Errorf("exam requires id and name")
		}
		for _, qn := range e.Questions {
			if qn.ID == "" || qn.Text == "" {
				return fmt.Errorf("exam %q: question requires id and text", e.ID)
			}
			if qn.MaxMarks < 1 {
				return fmt.Errorf("exam %q: question %q: max marks must be positive, got %d", e.ID, qn.ID, qn.MaxMarks)
			}
		}
	}
	for _, c := range cat.Courses {
		if c.ID == "" || c.Name == "" {
			return fmt.Errorf("course requires id and name")
		}
	}
	return nil
}

// GetQuestion returns a question by ID.
func (s *Store) GetQuestion(ctx context.Context, id string) (model.Question, error) {
	var qn model.Question
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, exam_id, text, image_ref, max_marks, question_order FROM questions WHERE id = ?`), id,
	).Scan(&qn.ID, &qn.ExamID, &qn.Text, &qn.ImageRef, &qn.MaxMarks, &qn.Order)
	if err == sql.ErrNoRows {
		return qn, fmt.Errorf("question %q: %w", id, ErrNotFound)
	}
	return qn, err
}

// ListExamQuestions returns the questions of an exam in authoring order.
func (s *Store) ListExamQuestions(ctx context.Context, examID string) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, exam_id, text, image_ref, max_marks, question_order
		 FROM questions WHERE exam_id = ? ORDER BY question_order, id`), examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		var qn model.Question
		if err := rows.Scan(&qn.ID, &qn.ExamID, &qn.Text, &qn.ImageRef, &qn.MaxMarks, &qn.Order); err != nil {
			return nil, err
		}
		questions = append(questions, qn)
	}
	return questions, rows.Err()
}

// ListSubscriptions returns the courses a school is subscribed to.
func (s *Store) ListSubscriptions(ctx context.Context, schoolID string) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT course_id, is_active, expires_at FROM school_course_subscriptions
		 WHERE school_id = ? ORDER BY course_id`), schoolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		var expires sql.NullTime
		if err := rows.Scan(&sub.CourseID, &sub.Active, &expires); err != nil {
			return nil, err
		}
		if expires.Valid {
			t := expires.Time
			sub.ExpiresAt = &t
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
