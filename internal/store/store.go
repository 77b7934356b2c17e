package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/omrgrade/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = sql.ErrNoRows

// Driver names accepted by New.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

type Store struct {
	db     *sql.DB
	driver string
}

// New opens the record store. For SQLite dsn is a file path (or ":memory:");
// for PostgreSQL it is a pgx connection string.
func New(driver, dsn string) (*Store, error) {
	if driver == "" || driver == "sqlite3" {
		driver = DriverSQLite
	}
	if driver == "postgres" {
		driver = DriverPostgres
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = sql.Open("sqlite", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
		if err == nil && dsn == ":memory:" {
			// Every pooled connection would otherwise get its own empty database.
			db.SetMaxOpenConns(1)
		}
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(c)
	}
	return sb.String()
}

func (s *Store) migrate() error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	ts := "DATETIME"
	if s.driver == DriverPostgres {
		id = "BIGSERIAL PRIMARY KEY"
		ts = "TIMESTAMPTZ"
	}
	schema := `
	CREATE TABLE IF NOT EXISTS operators (
		id ` + id + `,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at ` + ts + ` NOT NULL
	);

	CREATE TABLE IF NOT EXISTS students (
		student_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS exams (
		id ` + id + `,
		name TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		exam_date TEXT NOT NULL DEFAULT '',
		answer_key TEXT NOT NULL,
		created_at ` + ts + ` NOT NULL
	);

	CREATE TABLE IF NOT EXISTS results (
		id ` + id + `,
		student_id TEXT NOT NULL,
		exam_id BIGINT NOT NULL,
		selected_track TEXT NOT NULL DEFAULT '',
		answers TEXT NOT NULL,
		total_score INTEGER NOT NULL,
		max_score INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		graded_at ` + ts + ` NOT NULL,
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);

	CREATE INDEX IF NOT EXISTS results_student_exam ON results (student_id, exam_id);

	CREATE TABLE IF NOT EXISTS scan_batches (
		id TEXT PRIMARY KEY,
		exam_id BIGINT NOT NULL,
		mode TEXT NOT NULL,
		started_at ` + ts + ` NOT NULL,
		finished_at ` + ts + ` NOT NULL,
		succeeded INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		cancelled BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS scan_pages (
		batch_id TEXT NOT NULL,
		page_index INTEGER NOT NULL,
		report TEXT NOT NULL,
		PRIMARY KEY (batch_id, page_index),
		FOREIGN KEY (batch_id) REFERENCES scan_batches(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateExam stores an exam and its answer key.
func (s *Store) CreateExam(ctx context.Context, e model.Exam) (int64, error) {
	key, err := json.Marshal(e.Key)
	if err != nil {
		return 0, fmt.Errorf("encode answer key: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO exams (name, subject, exam_date, answer_key, created_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`),
		e.Name, e.Subject, e.Date, string(key), time.Now().UTC(),
	).Scan(&id)
	return id, err
}

func scanExam(row interface{ Scan(...any) error }) (model.Exam, error) {
	var (
		e   model.Exam
		key string
	)
	if err := row.Scan(&e.ID, &e.Name, &e.Subject, &e.Date, &key, &e.CreatedAt); err != nil {
		return model.Exam{}, err
	}
	if err := json.Unmarshal([]byte(key), &e.Key); err != nil {
		return model.Exam{}, fmt.Errorf("decode answer key of exam %d: %w", e.ID, err)
	}
	return e, nil
}

// GetExam returns an exam by ID.
func (s *Store) GetExam(ctx context.Context, id int64) (model.Exam, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, subject, exam_date, answer_key, created_at FROM exams WHERE id = ?`), id)
	return scanExam(row)
}

// ListExams returns all exams, newest first.
func (s *Store) ListExams(ctx context.Context) ([]model.Exam, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, subject, exam_date, answer_key, created_at FROM exams ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exams []model.Exam
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// UpsertStudent inserts or renames a roster entry. New entries go to the end
// of the roster order.
func (s *Store) UpsertStudent(ctx context.Context, e model.RosterEntry) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO students (student_id, display_name, position)
		 VALUES (?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM students))
		 ON CONFLICT(student_id) DO UPDATE SET display_name = excluded.display_name`),
		e.StudentID, e.DisplayName,
	)
	return err
}

// GetStudent returns one roster entry.
func (s *Store) GetStudent(ctx context.Context, studentID string) (model.RosterEntry, error) {
	var e model.RosterEntry
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT student_id, display_name FROM students WHERE student_id = ?`), studentID,
	).Scan(&e.StudentID, &e.DisplayName)
	return e, err
}

// ListRoster returns the roster in insertion order, which is the order the
// identity matcher walks.
func (s *Store) ListRoster(ctx context.Context) ([]model.RosterEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT student_id, display_name FROM students ORDER BY position, student_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roster []model.RosterEntry
	for rows.Next() {
		var e model.RosterEntry
		if err := rows.Scan(&e.StudentID, &e.DisplayName); err != nil {
			return nil, err
		}
		roster = append(roster, e)
	}
	return roster, rows.Err()
}

// AppendResult adds a graded result to a student's result list. Repeated
// calls for the same exam append duplicates.
func (s *Store) AppendResult(ctx context.Context, r model.StudentResult) (int64, error) {
	return s.insertResult(ctx, s.db, r)
}

// UpsertResult replaces any earlier results of the student for the same
// exam with r.
func (s *Store) UpsertResult(ctx context.Context, r model.StudentResult) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM results WHERE student_id = ? AND exam_id = ?`), r.StudentID, r.ExamID); err != nil {
		return 0, err
	}
	id, err := s.insertResult(ctx, tx, r)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) insertResult(ctx context.Context, q queryer, r model.StudentResult) (int64, error) {
	answers, err := json.Marshal(r.Answers)
	if err != nil {
		return 0, fmt.Errorf("encode answers: %w", err)
	}
	outcome, err := json.Marshal(r.Outcome)
	if err != nil {
		return 0, fmt.Errorf("encode outcome: %w", err)
	}
	gradedAt := r.GradedAt
	if gradedAt.IsZero() {
		gradedAt = time.Now().UTC()
	}
	var id int64
	err = q.QueryRowContext(ctx, s.rebind(
		`INSERT INTO results (student_id, exam_id, selected_track, answers, total_score, max_score, outcome, graded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		r.StudentID, r.ExamID, r.SelectedTrack, string(answers),
		r.Outcome.TotalScore, r.Outcome.MaxScore, string(outcome), gradedAt,
	).Scan(&id)
	return id, err
}

// ListResults returns a student's results, oldest first.
func (s *Store) ListResults(ctx context.Context, studentID string) ([]model.StudentResult, error) {
	return s.queryResults(ctx, `WHERE r.student_id = ?`, studentID)
}

// ListExamResults returns every result of an exam; examID 0 means all exams.
func (s *Store) ListExamResults(ctx context.Context, examID int64) ([]model.StudentResult, error) {
	if examID == 0 {
		return s.queryResults(ctx, ``)
	}
	return s.queryResults(ctx, `WHERE r.exam_id = ?`, examID)
}

func (s *Store) queryResults(ctx context.Context, where string, args ...any) ([]model.StudentResult, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT r.id, r.student_id, r.exam_id, e.name, e.subject, e.exam_date,
		        r.selected_track, r.answers, r.outcome, r.graded_at
		 FROM results r JOIN exams e ON e.id = r.exam_id `+where+` ORDER BY r.id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []model.StudentResult
	for rows.Next() {
		var (
			r                model.StudentResult
			answers, outcome string
		)
		if err := rows.Scan(&r.ID, &r.StudentID, &r.ExamID, &r.ExamName, &r.Subject, &r.ExamDate,
			&r.SelectedTrack, &answers, &outcome, &r.GradedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(answers), &r.Answers); err != nil {
			return nil, fmt.Errorf("decode answers of result %d: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(outcome), &r.Outcome); err != nil {
			return nil, fmt.Errorf("decode outcome of result %d: %w", r.ID, err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// SaveBatchReport records a finished scan batch and its page reports.
func (s *Store) SaveBatchReport(ctx context.Context, b model.BatchReport) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO scan_batches (id, exam_id, mode, started_at, finished_at, succeeded, failed, cancelled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		b.BatchID, b.ExamID, string(b.Mode), b.StartedAt.UTC(), b.FinishedAt.UTC(), b.Succeeded, b.Failed, b.Cancelled,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	for _, p := range b.Pages {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode page %d: %w", p.PageIndex, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO scan_pages (batch_id, page_index, report) VALUES (?, ?, ?)`),
			b.BatchID, p.PageIndex, string(data)); err != nil {
			return fmt.Errorf("insert page %d: %w", p.PageIndex, err)
		}
	}
	return tx.Commit()
}

// GetBatchReport loads a recorded scan batch.
func (s *Store) GetBatchReport(ctx context.Context, batchID string) (model.BatchReport, error) {
	var (
		b    model.BatchReport
		mode string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, exam_id, mode, started_at, finished_at, succeeded, failed, cancelled
		 FROM scan_batches WHERE id = ?`), batchID,
	).Scan(&b.BatchID, &b.ExamID, &mode, &b.StartedAt, &b.FinishedAt, &b.Succeeded, &b.Failed, &b.Cancelled)
	if err != nil {
		return model.BatchReport{}, err
	}
	b.Mode = model.ScanMode(mode)

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT report FROM scan_pages WHERE batch_id = ? ORDER BY page_index`), batchID)
	if err != nil {
		return model.BatchReport{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return model.BatchReport{}, err
		}
		var p model.PageReport
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return model.BatchReport{}, fmt.Errorf("decode page report: %w", err)
		}
		b.Pages = append(b.Pages, p)
	}
	return b, rows.Err()
}

// IsNotFound reports whether err means a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
