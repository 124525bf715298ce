// Package store provides storage backends for TutorPipe.
//
// It includes an in-memory store for tests and development, plus SQLite and
// PostgreSQL backends behind a single Store interface. The engine is the
// only writer of conversation state; the store is the only writer of
// durable rows.
package store

import (
	"github.com/tutorpipe/tutorpipe/internal/models"
)

// Store is the narrow repository facade over durable lesson and
// conversation state. Implementations must return
// models.ErrActivityNotFound, models.ErrConversationNotFound and
// models.ErrStepNotFound (possibly wrapped) for absent entities.
type Store interface {
	CreateActivity(a models.Activity, steps []models.Step) error
	GetActivity(id string) (models.Activity, error)
	ListActivities(visibleOnly bool) ([]models.Activity, error)
	UpdateActivityVisibility(id string, visible bool) error

	// GetStep resolves a step by exact (activityID, number).
	GetStep(activityID string, number int) (models.Step, error)
	ListSteps(activityID string) ([]models.Step, error)

	CreateConversation(c models.Conversation) error
	GetConversation(id string) (models.Conversation, error)
	UpdateConversation(c models.Conversation) error

	// AddMessage appends a message; messages are never edited or deleted.
	AddMessage(m models.Message) error
	// ListMessages returns all messages of a conversation ordered by creation time.
	ListMessages(conversationID string) ([]models.Message, error)

	// SetEvaluators replaces the evaluator assignment set of a conversation.
	SetEvaluators(conversationID string, evaluators []models.EvaluatorAssignment) error
	ListEvaluators(conversationID string) ([]models.EvaluatorAssignment, error)

	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	// DSN is the database connection string (file path for SQLite).
	DSN string
}

// Option configures store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}
