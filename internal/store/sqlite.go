// Package store provides storage backends for TutorPipe.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/tutorpipe/tutorpipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists all entities in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given options.
// The DSN is a file path to the SQLite database file; the parent directory
// is created if it does not exist.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateActivity(a models.Activity, steps []models.Step) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO activities (id, name, type, step_count, visible, owner, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Type, a.StepCount, a.Visible, a.Owner, a.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateActivity failed", "error", err, "id", a.ID)
		return fmt.Errorf("failed to insert activity %s: %w", a.ID, err)
	}
	for _, st := range steps {
		_, err = tx.Exec(`INSERT INTO steps (id, activity_id, number, objective, prompt, expected_responses, success_message) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			st.ID, a.ID, st.Number, st.Objective, st.Prompt, st.ExpectedResponses, st.SuccessMessage)
		if err != nil {
			slog.Error("SQLiteStore CreateActivity step insert failed", "error", err, "activityID", a.ID, "number", st.Number)
			return fmt.Errorf("failed to insert step %d of activity %s: %w", st.Number, a.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetActivity(id string) (models.Activity, error) {
	row := s.db.QueryRow(`SELECT id, name, type, step_count, visible, owner, created_at FROM activities WHERE id = ?`, id)
	a, err := scanActivityRow(row)
	if err == sql.ErrNoRows {
		return models.Activity{}, fmt.Errorf("activity %s: %w", id, models.ErrActivityNotFound)
	}
	if err != nil {
		return models.Activity{}, fmt.Errorf("failed to query activity %s: %w", id, err)
	}
	return a, nil
}

func (s *SQLiteStore) ListActivities(visibleOnly bool) ([]models.Activity, error) {
	query := `SELECT id, name, type, step_count, visible, owner, created_at FROM activities`
	if visibleOnly {
		query += ` WHERE visible = 1`
	}
	query += ` ORDER BY name`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()
	var out []models.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateActivityVisibility(id string, visible bool) error {
	res, err := s.db.Exec(`UPDATE activities SET visible = ? WHERE id = ?`, visible, id)
	if err != nil {
		return fmt.Errorf("failed to update activity %s visibility: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("activity %s: %w", id, models.ErrActivityNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetStep(activityID string, number int) (models.Step, error) {
	row := s.db.QueryRow(`SELECT id, activity_id, number, objective, prompt, expected_responses, success_message FROM steps WHERE activity_id = ? AND number = ?`, activityID, number)
	st, err := scanStepRow(row)
	if err == sql.ErrNoRows {
		return models.Step{}, fmt.Errorf("step %d of activity %s: %w", number, activityID, models.ErrStepNotFound)
	}
	if err != nil {
		return models.Step{}, fmt.Errorf("failed to query step %d of activity %s: %w", number, activityID, err)
	}
	return st, nil
}

func (s *SQLiteStore) ListSteps(activityID string) ([]models.Step, error) {
	rows, err := s.db.Query(`SELECT id, activity_id, number, objective, prompt, expected_responses, success_message FROM steps WHERE activity_id = ? ORDER BY number`, activityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps of activity %s: %w", activityID, err)
	}
	defer rows.Close()
	var out []models.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateConversation(c models.Conversation) error {
	_, err := s.db.Exec(`INSERT INTO conversations (id, activity_id, previous_activity_id, current_step, user_name, system_prompt, choice_prompt_id, language, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ActivityID, nilIfEmpty(c.PreviousActivityID), c.CurrentStep, c.UserName,
		nilIfEmpty(c.SystemPrompt), nilIfEmpty(c.ChoicePromptID), nilIfEmpty(c.Language), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateConversation failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to insert conversation %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(id string) (models.Conversation, error) {
	row := s.db.QueryRow(`SELECT id, activity_id, previous_activity_id, current_step, user_name, system_prompt, choice_prompt_id, language, created_at, updated_at FROM conversations WHERE id = ?`, id)
	c, err := scanConversationRow(row)
	if err == sql.ErrNoRows {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, models.ErrConversationNotFound)
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to query conversation %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteStore) UpdateConversation(c models.Conversation) error {
	res, err := s.db.Exec(`UPDATE conversations SET activity_id = ?, previous_activity_id = ?, current_step = ?, system_prompt = ?, choice_prompt_id = ?, language = ?, updated_at = ? WHERE id = ?`,
		c.ActivityID, nilIfEmpty(c.PreviousActivityID), c.CurrentStep,
		nilIfEmpty(c.SystemPrompt), nilIfEmpty(c.ChoicePromptID), nilIfEmpty(c.Language), c.UpdatedAt, c.ID)
	if err != nil {
		slog.Error("SQLiteStore UpdateConversation failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to update conversation %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", c.ID, models.ErrConversationNotFound)
	}
	return nil
}

func (s *SQLiteStore) AddMessage(m models.Message) error {
	metadata, err := marshalMetadata(m.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO messages (id, conversation_id, step_id, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, nilIfEmpty(m.StepID), string(m.Role), m.Content, metadata, m.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "id", m.ID)
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(conversationID string) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT id, conversation_id, step_id, role, content, metadata, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages of conversation %s: %w", conversationID, err)
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetEvaluators(conversationID string, evaluators []models.EvaluatorAssignment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM evaluator_assignments WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to clear evaluators of conversation %s: %w", conversationID, err)
	}
	for _, e := range evaluators {
		if _, err := tx.Exec(`INSERT INTO evaluator_assignments (conversation_id, name, active) VALUES (?, ?, ?)`, conversationID, e.Name, e.Active); err != nil {
			return fmt.Errorf("failed to insert evaluator %s: %w", e.Name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListEvaluators(conversationID string) ([]models.EvaluatorAssignment, error) {
	rows, err := s.db.Query(`SELECT conversation_id, name, active FROM evaluator_assignments WHERE conversation_id = ? ORDER BY name`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluators of conversation %s: %w", conversationID, err)
	}
	defer rows.Close()
	var out []models.EvaluatorAssignment
	for rows.Next() {
		var e models.EvaluatorAssignment
		if err := rows.Scan(&e.ConversationID, &e.Name, &e.Active); err != nil {
			return nil, fmt.Errorf("scan evaluator failed: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
