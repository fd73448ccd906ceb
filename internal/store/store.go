package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrClaimHeld is returned when another evaluation run owns the answer.
var ErrClaimHeld = errors.New("evaluation claim held by another run")

// UnknownQuestionError is returned when a submission references a question that does not exist.
type UnknownQuestionError struct {
	QuestionID string
}

func (e *UnknownQuestionError) Error() string {
	return fmt.Sprintf("question %q: %s", e.QuestionID, ErrNotFound)
}

func (e *UnknownQuestionError) Unwrap() error { return ErrNotFound }

type Store struct {
	db     *sql.DB
	driver Driver
}

// New opens the database for driver and ensures the schema exists.
func New(ctx context.Context, driver Driver, dsn string) (*Store, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite"
		if dsn == "" {
			dsn = "answergrader.db"
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx"
		if dsn == "" {
			dsn = "postgres://localhost:5432/answergrader?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection keeps :memory: databases shared and avoids SQLITE_BUSY on writes.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the backend the store was opened with.
func (s *Store) Driver() Driver {
	return s.driver
}

func (s *Store) migrate(ctx context.Context) error {
	schema := schemaSQLite
	if s.driver == DriverPostgres {
		schema = schemaPostgres
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// q rewrites ? placeholders into $N for postgres.
func (s *Store) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS qualifications (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS boards (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS subjects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS year_groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS courses (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	qualification_id TEXT REFERENCES qualifications(id),
	board_id TEXT REFERENCES boards(id),
	subject_id TEXT REFERENCES subjects(id),
	year_group_id TEXT REFERENCES year_groups(id)
);

CREATE TABLE IF NOT EXISTS exams (
	id TEXT PRIMARY KEY,
	course_id TEXT REFERENCES courses(id),
	name TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
	id TEXT PRIMARY KEY,
	exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
	text TEXT NOT NULL,
	image_ref TEXT NOT NULL DEFAULT '',
	max_marks INTEGER NOT NULL CHECK (max_marks > 0),
	question_order INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS schools (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	contact_email TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS school_course_subscriptions (
	school_id TEXT NOT NULL REFERENCES schools(id) ON DELETE CASCADE,
	course_id TEXT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at DATETIME,
	subscribed_at DATETIME NOT NULL,
	PRIMARY KEY (school_id, course_id)
);

CREATE TABLE IF NOT EXISTS submitted_answers (
	id TEXT PRIMARY KEY,
	question_id TEXT NOT NULL REFERENCES questions(id),
	student_name TEXT NOT NULL,
	text_answer TEXT NOT NULL DEFAULT '',
	image_ref TEXT NOT NULL DEFAULT '',
	submitted_at DATETIME NOT NULL,
	evaluation TEXT,
	evaluation_status TEXT NOT NULL DEFAULT 'none',
	evaluation_source TEXT NOT NULL DEFAULT '',
	evaluation_claimed_at INTEGER NOT NULL DEFAULT 0,
	evaluated_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_submitted_answers_question ON submitted_answers(question_id);

CREATE TABLE IF NOT EXISTS imported_files (
	path TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	imported_at DATETIME NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS qualifications (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS boards (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS subjects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS year_groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS courses (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	qualification_id TEXT REFERENCES qualifications(id),
	board_id TEXT REFERENCES boards(id),
	subject_id TEXT REFERENCES subjects(id),
	year_group_id TEXT REFERENCES year_groups(id)
);

CREATE TABLE IF NOT EXISTS exams (
	id TEXT PRIMARY KEY,
	course_id TEXT REFERENCES courses(id),
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
	id TEXT PRIMARY KEY,
	exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
	text TEXT NOT NULL,
	image_ref TEXT NOT NULL DEFAULT '',
	max_marks INTEGER NOT NULL CHECK (max_marks > 0),
	question_order INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS schools (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	contact_email TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS school_course_subscriptions (
	school_id TEXT NOT NULL REFERENCES schools(id) ON DELETE CASCADE,
	course_id TEXT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at TIMESTAMPTZ,
	subscribed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (school_id, course_id)
);

CREATE TABLE IF NOT EXISTS submitted_answers (
	id TEXT PRIMARY KEY,
	question_id TEXT NOT NULL REFERENCES questions(id),
	student_name TEXT NOT NULL,
	text_answer TEXT NOT NULL DEFAULT '',
	image_ref TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ NOT NULL,
	evaluation TEXT,
	evaluation_status TEXT NOT NULL DEFAULT 'none',
	evaluation_source TEXT NOT NULL DEFAULT '',
	evaluation_claimed_at BIGINT NOT NULL DEFAULT 0,
	evaluated_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_submitted_answers_question ON submitted_answers(question_id);

CREATE TABLE IF NOT EXISTS imported_files (
	path TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	imported_at TIMESTAMPTZ NOT NULL
);
`
