// Package store provides storage backends for TutorPipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/tutorpipe/tutorpipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists all entities in a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateActivity(a models.Activity, steps []models.Step) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO activities (id, name, type, step_count, visible, owner, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.Name, a.Type, a.StepCount, a.Visible, a.Owner, a.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateActivity failed", "error", err, "id", a.ID)
		return fmt.Errorf("failed to insert activity %s: %w", a.ID, err)
	}
	for _, st := range steps {
		_, err = tx.Exec(`INSERT INTO steps (id, activity_id, number, objective, prompt, expected_responses, success_message) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			st.ID, a.ID, st.Number, st.Objective, st.Prompt, st.ExpectedResponses, st.SuccessMessage)
		if err != nil {
			slog.Error("PostgresStore CreateActivity step insert failed", "error", err, "activityID", a.ID, "number", st.Number)
			return fmt.Errorf("failed to insert step %d of activity %s: %w", st.Number, a.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetActivity(id string) (models.Activity, error) {
	row := s.db.QueryRow(`SELECT id, name, type, step_count, visible, owner, created_at FROM activities WHERE id = $1`, id)
	a, err := scanActivityRow(row)
	if err == sql.ErrNoRows {
		return models.Activity{}, fmt.Errorf("activity %s: %w", id, models.ErrActivityNotFound)
	}
	if err != nil {
		return models.Activity{}, fmt.Errorf("failed to query activity %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListActivities(visibleOnly bool) ([]models.Activity, error) {
	query := `SELECT id, name, type, step_count, visible, owner, created_at FROM activities`
	if visibleOnly {
		query += ` WHERE visible = TRUE`
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

func (s *PostgresStore) UpdateActivityVisibility(id string, visible bool) error {
	res, err := s.db.Exec(`UPDATE activities SET visible = $1 WHERE id = $2`, visible, id)
	if err != nil {
		return fmt.Errorf("failed to update activity %s visibility: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("activity %s: %w", id, models.ErrActivityNotFound)
	}
	return nil
}

func (s *PostgresStore) GetStep(activityID string, number int) (models.Step, error) {
	row := s.db.QueryRow(`SELECT id, activity_id, number, objective, prompt, expected_responses, success_message FROM steps WHERE activity_id = $1 AND number = $2`, activityID, number)
	st, err := scanStepRow(row)
	if err == sql.ErrNoRows {
		return models.Step{}, fmt.Errorf("step %d of activity %s: %w", number, activityID, models.ErrStepNotFound)
	}
	if err != nil {
		return models.Step{}, fmt.Errorf("failed to query step %d of activity %s: %w", number, activityID, err)
	}
	return st, nil
}

func (s *PostgresStore) ListSteps(activityID string) ([]models.Step, error) {
	rows, err := s.db.Query(`SELECT id, activity_id, number, objective, prompt, expected_responses, success_message FROM steps WHERE activity_id = $1 ORDER BY number`, activityID)
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

func (s *PostgresStore) CreateConversation(c models.Conversation) error {
	_, err := s.db.Exec(`INSERT INTO conversations (id, activity_id, previous_activity_id, current_step, user_name, system_prompt, choice_prompt_id, language, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.ActivityID, nilIfEmpty(c.PreviousActivityID), c.CurrentStep, c.UserName,
		nilIfEmpty(c.SystemPrompt), nilIfEmpty(c.ChoicePromptID), nilIfEmpty(c.Language), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateConversation failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to insert conversation %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(id string) (models.Conversation, error) {
	row := s.db.QueryRow(`SELECT id, activity_id, previous_activity_id, current_step, user_name, system_prompt, choice_prompt_id, language, created_at, updated_at FROM conversations WHERE id = $1`, id)
	c, err := scanConversationRow(row)
	if err == sql.ErrNoRows {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, models.ErrConversationNotFound)
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to query conversation %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateConversation(c models.Conversation) error {
	res, err := s.db.Exec(`UPDATE conversations SET activity_id = $1, previous_activity_id = $2, current_step = $3, system_prompt = $4, choice_prompt_id = $5, language = $6, updated_at = $7 WHERE id = $8`,
		c.ActivityID, nilIfEmpty(c.PreviousActivityID), c.CurrentStep,
		nilIfEmpty(c.SystemPrompt), nilIfEmpty(c.ChoicePromptID), nilIfEmpty(c.Language), c.UpdatedAt, c.ID)
	if err != nil {
		slog.Error("PostgresStore UpdateConversation failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to update conversation %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", c.ID, models.ErrConversationNotFound)
	}
	return nil
}

func (s *PostgresStore) AddMessage(m models.Message) error {
	metadata, err := marshalMetadata(m.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO messages (id, conversation_id, step_id, role, content, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ConversationID, nilIfEmpty(m.StepID), string(m.Role), m.Content, metadata, m.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "id", m.ID)
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(conversationID string) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT id, conversation_id, step_id, role, content, metadata, created_at FROM messages WHERE conversation_id = $1 ORDER BY created_at, id`, conversationID)
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

func (s *PostgresStore) SetEvaluators(conversationID string, evaluators []models.EvaluatorAssignment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM evaluator_assignments WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("failed to clear evaluators of conversation %s: %w", conversationID, err)
	}
	for _, e := range evaluators {
		if _, err := tx.Exec(`INSERT INTO evaluator_assignments (conversation_id, name, active) VALUES ($1, $2, $3)`, conversationID, e.Name, e.Active); err != nil {
			return fmt.Errorf("failed to insert evaluator %s: %w", e.Name, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ListEvaluators(conversationID string) ([]models.EvaluatorAssignment, error) {
	rows, err := s.db.Query(`SELECT conversation_id, name, active FROM evaluator_assignments WHERE conversation_id = $1 ORDER BY name`, conversationID)
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
