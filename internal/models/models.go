// Package models defines the core data structures for TutorPipe.
//
// It includes the lesson entities (activities, steps), conversation state,
// messages, and evaluator assignments shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	// RoleUser marks a message submitted by the learner.
	RoleUser MessageRole = "user"
	// RoleAssistant marks a message generated by the tutor model.
	RoleAssistant MessageRole = "assistant"
	// RoleSystem marks a synthetic message produced by the engine itself,
	// e.g. the announcement persisted when an activity switch occurs.
	RoleSystem MessageRole = "system"
)

// Validation constants for input validation
const (
	// MaxMessageLength defines the maximum allowed length for an inbound user message
	MaxMessageLength = 4096
	// MaxActivityNameLength defines the maximum allowed length for activity names
	MaxActivityNameLength = 200
	// ExpectedResponseDelimiter separates alternatives in Step.ExpectedResponses
	ExpectedResponseDelimiter = "|"
)

// Error variables for better error handling and testability
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrActivityNotFound     = errors.New("activity not found")
	ErrStepNotFound         = errors.New("step not found")
	ErrEmptyMessage         = errors.New("message cannot be empty")
	ErrMessageTooLong       = errors.New("message exceeds maximum length")
	ErrEmptyActivityID      = errors.New("activity id is required")
	ErrEmptyActivityName    = errors.New("activity name is required")
	ErrActivityWithoutSteps = errors.New("activity requires at least one step")
	ErrEmptyUserName        = errors.New("user name is required")
	ErrGenerationFailed     = errors.New("generation produced no content")
)

// Activity is a guided lesson: an ordered sequence of steps owned by a user.
// Activities are created on import and mutated only to toggle visibility.
type Activity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type,omitempty"` // content/language type, e.g. "spanish"
	StepCount int       `json:"step_count"`
	Visible   bool      `json:"visible"`
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Step is a single ordered stage of an activity. Numbers are 0- or 1-based
// but unique within the activity.
type Step struct {
	ID                string `json:"id"`
	ActivityID        string `json:"activity_id"`
	Number            int    `json:"number"`
	Objective         string `json:"objective,omitempty"`
	Prompt            string `json:"prompt,omitempty"`
	ExpectedResponses string `json:"expected_responses,omitempty"` // pipe-delimited alternatives
	SuccessMessage    string `json:"success_message,omitempty"`
}

// ExpectedAlternatives splits the pipe-delimited expected responses into
// trimmed, lower-cased alternatives. Empty entries are dropped.
func (s *Step) ExpectedAlternatives() []string {
	if s.ExpectedResponses == "" {
		return nil
	}
	parts := strings.Split(s.ExpectedResponses, ExpectedResponseDelimiter)
	alts := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			alts = append(alts, p)
		}
	}
	return alts
}

// Conversation tracks a learner's progress through the current activity.
// CurrentStep must always resolve to an existing step of the current
// activity; the engine treats a dangling step as a hard error.
type Conversation struct {
	ID                 string    `json:"id"`
	ActivityID         string    `json:"activity_id"`
	PreviousActivityID string    `json:"previous_activity_id,omitempty"`
	CurrentStep        int       `json:"current_step"`
	UserName           string    `json:"user_name"`
	SystemPrompt       string    `json:"system_prompt,omitempty"`
	ChoicePromptID     string    `json:"choice_prompt_id,omitempty"`
	Language           string    `json:"language,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// MessageMetadata records the raw turn decisions alongside the assistant
// message for auditability. Both signals are stored even when the activity
// change takes precedence over the step advance.
type MessageMetadata struct {
	ShouldAdvance  bool   `json:"should_advance"`
	ActivityChange string `json:"activity_change,omitempty"`
}

// Message is an append-only conversation entry bound to the step that was
// active when it was produced.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	StepID         string           `json:"step_id,omitempty"`
	Role           MessageRole      `json:"role"`
	Content        string           `json:"content"`
	Metadata       *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// EvaluatorAssignment links a conversation to a named external judge.
// Assignments only parameterize generation calls; they never alter
// orchestration behavior.
type EvaluatorAssignment struct {
	ConversationID string `json:"conversation_id"`
	Name           string `json:"name"`
	Active         bool   `json:"active"`
}

// CreateActivityRequest is the request body for POST /activity.
type CreateActivityRequest struct {
	Name    string        `json:"name"`
	Type    string        `json:"type,omitempty"`
	Owner   string        `json:"owner,omitempty"`
	Visible bool          `json:"visible"`
	Steps   []StepRequest `json:"steps"`
}

// StepRequest describes one step of a new activity.
type StepRequest struct {
	Number            int    `json:"number"`
	Objective         string `json:"objective,omitempty"`
	Prompt            string `json:"prompt,omitempty"`
	ExpectedResponses string `json:"expected_responses,omitempty"`
	SuccessMessage    string `json:"success_message,omitempty"`
}

// Validate performs validation on a CreateActivityRequest.
func (r *CreateActivityRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return ErrEmptyActivityName
	}
	if len(r.Name) > MaxActivityNameLength {
		return errors.New("activity name exceeds maximum length")
	}
	if len(r.Steps) == 0 {
		return ErrActivityWithoutSteps
	}
	seen := make(map[int]bool, len(r.Steps))
	for _, s := range r.Steps {
		if seen[s.Number] {
			return errors.New("duplicate step number in activity")
		}
		seen[s.Number] = true
	}
	return nil
}

// CreateConversationRequest is the request body for POST /conversation.
type CreateConversationRequest struct {
	ActivityID     string `json:"activity_id"`
	UserName       string `json:"user_name"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
	ChoicePromptID string `json:"choice_prompt_id,omitempty"`
	Language       string `json:"language,omitempty"`
	Generate       bool   `json:"generate,omitempty"` // generate the greeting turn immediately
}

// Validate performs validation on a CreateConversationRequest.
func (r *CreateConversationRequest) Validate() error {
	if strings.TrimSpace(r.ActivityID) == "" {
		return ErrEmptyActivityID
	}
	if strings.TrimSpace(r.UserName) == "" {
		return ErrEmptyUserName
	}
	return nil
}

// MessageRequest is the request body for POST /conversation/{id}/message.
type MessageRequest struct {
	Message string `json:"message"`
}

// Validate performs validation on a MessageRequest.
func (r *MessageRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// EvaluatorSpec names one judge and whether it is active.
type EvaluatorSpec struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// UpdateEvaluatorsRequest is the request body for PUT /conversation/{id}/evaluators.
type UpdateEvaluatorsRequest struct {
	Evaluators []EvaluatorSpec `json:"evaluators"`
}

// Validate performs validation on an UpdateEvaluatorsRequest.
func (r *UpdateEvaluatorsRequest) Validate() error {
	for _, e := range r.Evaluators {
		if strings.TrimSpace(e.Name) == "" {
			return errors.New("evaluator name cannot be empty")
		}
	}
	return nil
}
