package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tutorpipe/tutorpipe/internal/models"
)

// DetectDSNType classifies a DSN as "postgres" or "sqlite3". PostgreSQL DSNs
// use URL or key=value form; everything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalMetadata encodes message metadata for a nullable text/jsonb column.
func marshalMetadata(m *models.MessageMetadata) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message metadata: %w", err)
	}
	return string(data), nil
}

// scanActivity scans an Activity from sql.Rows.
func scanActivity(rows *sql.Rows) (models.Activity, error) {
	var a models.Activity
	if err := rows.Scan(&a.ID, &a.Name, &a.Type, &a.StepCount, &a.Visible, &a.Owner, &a.CreatedAt); err != nil {
		return a, fmt.Errorf("scan activity failed: %w", err)
	}
	return a, nil
}

// scanActivityRow scans an Activity from a single sql.Row.
func scanActivityRow(row *sql.Row) (models.Activity, error) {
	var a models.Activity
	err := row.Scan(&a.ID, &a.Name, &a.Type, &a.StepCount, &a.Visible, &a.Owner, &a.CreatedAt)
	return a, err
}

// scanStep scans a Step from sql.Rows.
func scanStep(rows *sql.Rows) (models.Step, error) {
	var st models.Step
	if err := rows.Scan(&st.ID, &st.ActivityID, &st.Number, &st.Objective, &st.Prompt, &st.ExpectedResponses, &st.SuccessMessage); err != nil {
		return st, fmt.Errorf("scan step failed: %w", err)
	}
	return st, nil
}

// scanStepRow scans a Step from a single sql.Row.
func scanStepRow(row *sql.Row) (models.Step, error) {
	var st models.Step
	err := row.Scan(&st.ID, &st.ActivityID, &st.Number, &st.Objective, &st.Prompt, &st.ExpectedResponses, &st.SuccessMessage)
	return st, err
}

// scanConversationRow scans a Conversation from a single sql.Row.
func scanConversationRow(row *sql.Row) (models.Conversation, error) {
	var c models.Conversation
	var prevActivity, systemPrompt, choicePrompt, language sql.NullString
	err := row.Scan(&c.ID, &c.ActivityID, &prevActivity, &c.CurrentStep, &c.UserName,
		&systemPrompt, &choicePrompt, &language, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.PreviousActivityID = prevActivity.String
	c.SystemPrompt = systemPrompt.String
	c.ChoicePromptID = choicePrompt.String
	c.Language = language.String
	return c, nil
}

// scanMessage scans a Message from sql.Rows.
func scanMessage(rows *sql.Rows) (models.Message, error) {
	var m models.Message
	var stepID, metadata sql.NullString
	var role string
	if err := rows.Scan(&m.ID, &m.ConversationID, &stepID, &role, &m.Content, &metadata, &m.CreatedAt); err != nil {
		return m, fmt.Errorf("scan message failed: %w", err)
	}
	m.StepID = stepID.String
	m.Role = models.MessageRole(role)
	if metadata.Valid && metadata.String != "" {
		var md models.MessageMetadata
		if err := json.Unmarshal([]byte(metadata.String), &md); err != nil {
			return m, fmt.Errorf("failed to unmarshal metadata of message %s: %w", m.ID, err)
		}
		m.Metadata = &md
	}
	return m, nil
}
