// Package lesson persists recorded lessons: ordered steps of narration plus
// the verified action the instructor performed, replayed later against a
// student's live actions.
package lesson

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"lessonlens-server/internal/action"
)

// ErrNotFound is returned when a lesson does not exist.
var ErrNotFound = errors.New("lesson not found")

// Lesson is the stored metadata for one recorded lesson.
type Lesson struct {
	ID          string    `json:"lesson_id"`
	Title       string    `json:"title"`
	CreatorID   string    `json:"creator_id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Step is one recorded lesson step: what the instructor said and what they
// verifiably did.
type Step struct {
	LessonID  string                `json:"lesson_id"`
	Number    int                   `json:"step_number"`
	Narration string                `json:"narration"`
	Expected  action.VerifiedAction `json:"expected"`
}

// Store wraps the SQLite lesson database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS lessons (
	lesson_id   TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	creator_id  TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS lesson_steps (
	lesson_id   TEXT NOT NULL REFERENCES lessons(lesson_id) ON DELETE CASCADE,
	step_number INTEGER NOT NULL,
	narration   TEXT NOT NULL DEFAULT '',
	action_data TEXT NOT NULL,
	PRIMARY KEY (lesson_id, step_number)
);
`

// Open opens (creating if needed) the lesson database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create lesson db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open lesson db: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate lesson db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a lesson. A zero CreatedAt is filled with now.
func (s *Store) Create(ctx context.Context, l Lesson) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lessons (lesson_id, title, creator_id, description, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		l.ID, l.Title, l.CreatorID, l.Description, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert lesson %s: %w", l.ID, err)
	}
	return nil
}

// Get returns a lesson by ID.
func (s *Store) Get(ctx context.Context, id string) (Lesson, error) {
	var l Lesson
	err := s.db.QueryRowContext(ctx,
		`SELECT lesson_id, title, creator_id, description, created_at
		 FROM lessons WHERE lesson_id = ?`, id).
		Scan(&l.ID, &l.Title, &l.CreatorID, &l.Description, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Lesson{}, ErrNotFound
	}
	if err != nil {
		return Lesson{}, fmt.Errorf("get lesson %s: %w", id, err)
	}
	return l, nil
}

// List returns all lessons, newest first.
func (s *Store) List(ctx context.Context) ([]Lesson, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT lesson_id, title, creator_id, description, created_at
		 FROM lessons ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	defer rows.Close()

	var lessons []Lesson
	for rows.Next() {
		var l Lesson
		if err := rows.Scan(&l.ID, &l.Title, &l.CreatorID, &l.Description, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lesson: %w", err)
		}
		lessons = append(lessons, l)
	}
	return lessons, rows.Err()
}

// Update rewrites a lesson's title and description.
func (s *Store) Update(ctx context.Context, id, title, description string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lessons SET title = ?, description = ? WHERE lesson_id = ?`,
		title, description, id)
	if err != nil {
		return fmt.Errorf("update lesson %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a lesson and its steps.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lessons WHERE lesson_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete lesson %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveSteps replaces a lesson's steps in one transaction.
func (s *Store) SaveSteps(ctx context.Context, lessonID string, steps []Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save steps: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM lesson_steps WHERE lesson_id = ?`, lessonID); err != nil {
		return fmt.Errorf("clear steps for %s: %w", lessonID, err)
	}
	for _, step := range steps {
		data, err := json.Marshal(step.Expected)
		if err != nil {
			return fmt.Errorf("encode step %d: %w", step.Number, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO lesson_steps (lesson_id, step_number, narration, action_data)
			 VALUES (?, ?, ?, ?)`,
			lessonID, step.Number, step.Narration, string(data)); err != nil {
			return fmt.Errorf("insert step %d for %s: %w", step.Number, lessonID, err)
		}
	}
	return tx.Commit()
}

// AppendStep adds a single step after the current last one and returns its
// number. Used while recording a lesson live.
func (s *Store) AppendStep(ctx context.Context, lessonID, narration string, expected action.VerifiedAction) (int, error) {
	data, err := json.Marshal(expected)
	if err != nil {
		return 0, fmt.Errorf("encode step: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append step: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step_number), 0) + 1 FROM lesson_steps WHERE lesson_id = ?`,
		lessonID).Scan(&next); err != nil {
		return 0, fmt.Errorf("next step number for %s: %w", lessonID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lesson_steps (lesson_id, step_number, narration, action_data)
		 VALUES (?, ?, ?, ?)`,
		lessonID, next, narration, string(data)); err != nil {
		return 0, fmt.Errorf("append step for %s: %w", lessonID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// Steps returns a lesson's steps in order.
func (s *Store) Steps(ctx context.Context, lessonID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT lesson_id, step_number, narration, action_data
		 FROM lesson_steps WHERE lesson_id = ? ORDER BY step_number`, lessonID)
	if err != nil {
		return nil, fmt.Errorf("steps for %s: %w", lessonID, err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var step Step
		var data string
		if err := rows.Scan(&step.LessonID, &step.Number, &step.Narration, &data); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &step.Expected); err != nil {
			return nil, fmt.Errorf("decode step %d of %s: %w", step.Number, lessonID, err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}
