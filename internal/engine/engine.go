// Package engine implements the turn orchestrator: it accepts inbound
// messages, acknowledges them synchronously, runs generation and policy
// evaluation in the background, mutates conversation state once per turn,
// and publishes the typed event stream consumed by the transport adapters.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tutorpipe/tutorpipe/internal/bus"
	"github.com/tutorpipe/tutorpipe/internal/genai"
	"github.com/tutorpipe/tutorpipe/internal/models"
	"github.com/tutorpipe/tutorpipe/internal/policy"
	"github.com/tutorpipe/tutorpipe/internal/store"
)

// GenerationTimeout bounds one background generation task, including the
// model call and the follow-up repository writes.
const GenerationTimeout = 2 * time.Minute

// Engine drives conversational turns end-to-end. It is the sole writer of
// Conversation.ActivityID and Conversation.CurrentStep.
//
// Overlapping turns on one conversation are not serialized: background
// tasks reload state fresh and last-writer-wins semantics apply. Callers
// needing single-step consistency must not submit concurrent messages on
// the same conversation.
type Engine struct {
	st store.Store
	eb *bus.Bus
	ga genai.ClientInterface
}

// New creates an engine with its collaborators injected.
func New(st store.Store, eb *bus.Bus, ga genai.ClientInterface) *Engine {
	return &Engine{st: st, eb: eb, ga: ga}
}

// CreateActivity persists a new activity and its steps.
func (e *Engine) CreateActivity(req models.CreateActivityRequest) (models.Activity, error) {
	activity := models.Activity{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Type:      req.Type,
		StepCount: len(req.Steps),
		Visible:   req.Visible,
		Owner:     req.Owner,
		CreatedAt: time.Now().UTC(),
	}
	steps := make([]models.Step, 0, len(req.Steps))
	for _, sr := range req.Steps {
		steps = append(steps, models.Step{
			ID:                uuid.NewString(),
			ActivityID:        activity.ID,
			Number:            sr.Number,
			Objective:         sr.Objective,
			Prompt:            sr.Prompt,
			ExpectedResponses: sr.ExpectedResponses,
			SuccessMessage:    sr.SuccessMessage,
		})
	}
	if err := e.st.CreateActivity(activity, steps); err != nil {
		return models.Activity{}, fmt.Errorf("failed to create activity: %w", err)
	}
	slog.Info("Engine.CreateActivity: activity created", "id", activity.ID, "name", activity.Name, "steps", len(steps))
	return activity, nil
}

// CreateConversation starts a conversation on an activity. The current step
// is seeded from the activity's first step (number 0, falling back to 1).
// When req.Generate is set the greeting turn is generated before returning.
func (e *Engine) CreateConversation(ctx context.Context, req models.CreateConversationRequest) (models.Conversation, []models.Message, error) {
	if _, err := e.st.GetActivity(req.ActivityID); err != nil {
		return models.Conversation{}, nil, err
	}
	first, err := e.firstStep(req.ActivityID)
	if err != nil {
		return models.Conversation{}, nil, err
	}

	now := time.Now().UTC()
	conv := models.Conversation{
		ID:             uuid.NewString(),
		ActivityID:     req.ActivityID,
		CurrentStep:    first.Number,
		UserName:       req.UserName,
		SystemPrompt:   req.SystemPrompt,
		ChoicePromptID: req.ChoicePromptID,
		Language:       req.Language,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.st.CreateConversation(conv); err != nil {
		return models.Conversation{}, nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	slog.Info("Engine.CreateConversation: conversation created", "id", conv.ID, "activityID", conv.ActivityID, "step", conv.CurrentStep)

	var messages []models.Message
	if req.Generate {
		if msg, err := e.generateGreeting(ctx, conv, first); err != nil {
			// The conversation exists either way; the greeting can still be
			// produced lazily on the next read.
			slog.Error("Engine.CreateConversation: greeting generation failed", "error", err, "conversationID", conv.ID)
		} else {
			messages = append(messages, msg)
		}
	}
	return conv, messages, nil
}

// GetConversation loads a conversation and its ordered messages. If the
// conversation has no messages yet, the first assistant message is
// generated before returning; the generation is gated by message count so
// repeated reads do not produce duplicate greetings.
func (e *Engine) GetConversation(ctx context.Context, id string) (models.Conversation, []models.Message, error) {
	conv, err := e.st.GetConversation(id)
	if err != nil {
		return models.Conversation{}, nil, err
	}
	messages, err := e.st.ListMessages(id)
	if err != nil {
		return models.Conversation{}, nil, err
	}
	if len(messages) > 0 {
		return conv, messages, nil
	}

	step, err := e.st.GetStep(conv.ActivityID, conv.CurrentStep)
	if err != nil {
		return models.Conversation{}, nil, err
	}
	msg, err := e.generateGreeting(ctx, conv, step)
	if err != nil {
		return models.Conversation{}, nil, err
	}
	return conv, []models.Message{msg}, nil
}

// generateGreeting produces and persists the opening assistant message.
func (e *Engine) generateGreeting(ctx context.Context, conv models.Conversation, step models.Step) (models.Message, error) {
	req, err := e.buildTurnRequest(conv, step, "", nil)
	if err != nil {
		return models.Message{}, err
	}
	result, err := e.ga.GenerateTurn(ctx, req)
	if err != nil {
		return models.Message{}, fmt.Errorf("greeting generation failed: %w", err)
	}
	if result.Content == "" {
		return models.Message{}, fmt.Errorf("greeting: %w", models.ErrGenerationFailed)
	}
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		StepID:         step.ID,
		Role:           models.RoleAssistant,
		Content:        result.Content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.st.AddMessage(msg); err != nil {
		return models.Message{}, fmt.Errorf("failed to persist greeting: %w", err)
	}
	slog.Info("Engine.generateGreeting: greeting persisted", "conversationID", conv.ID, "messageID", msg.ID)
	return msg, nil
}

// SubmitMessage persists the inbound user message, publishes the
// user-message event, schedules background generation, and returns the
// persisted message as the acknowledgment. The only synchronous guarantee
// is that the message is durably recorded before this returns.
func (e *Engine) SubmitMessage(ctx context.Context, conversationID, text string) (models.Message, error) {
	conv, err := e.st.GetConversation(conversationID)
	if err != nil {
		return models.Message{}, err
	}
	// A dangling current step is a hard error, not something to auto-repair.
	step, err := e.st.GetStep(conv.ActivityID, conv.CurrentStep)
	if err != nil {
		return models.Message{}, err
	}

	userMsg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		StepID:         step.ID,
		Role:           models.RoleUser,
		Content:        text,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.st.AddMessage(userMsg); err != nil {
		return models.Message{}, fmt.Errorf("failed to persist user message: %w", err)
	}
	e.eb.Publish(models.NewUserMessageEvent(userMsg))
	slog.Info("Engine.SubmitMessage: user message persisted", "conversationID", conv.ID, "messageID", userMsg.ID)

	// Detached from the request context: a client disconnect must not
	// cancel in-flight generation.
	go e.runGeneration(conversationID, userMsg)

	return userMsg, nil
}

// SetEvaluators replaces the evaluator assignment set of a conversation.
func (e *Engine) SetEvaluators(conversationID string, specs []models.EvaluatorSpec) ([]models.EvaluatorAssignment, error) {
	if _, err := e.st.GetConversation(conversationID); err != nil {
		return nil, err
	}
	assignments := make([]models.EvaluatorAssignment, 0, len(specs))
	for _, s := range specs {
		assignments = append(assignments, models.EvaluatorAssignment{
			ConversationID: conversationID,
			Name:           s.Name,
			Active:         s.Active,
		})
	}
	if err := e.st.SetEvaluators(conversationID, assignments); err != nil {
		return nil, fmt.Errorf("failed to set evaluators: %w", err)
	}
	return assignments, nil
}

// runGeneration executes the background half of a turn. It never returns an
// error to a caller; every failure path terminates in an error event so no
// transport hangs waiting.
func (e *Engine) runGeneration(conversationID string, userMsg models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), GenerationTimeout)
	defer cancel()

	// Reload fresh: a concurrent turn may already have mutated state.
	conv, err := e.st.GetConversation(conversationID)
	if err != nil {
		e.failTurn(conversationID, "conversation no longer available", err)
		return
	}
	step, err := e.st.GetStep(conv.ActivityID, conv.CurrentStep)
	if err != nil {
		e.failTurn(conversationID, "active step not found", err)
		return
	}

	e.eb.Publish(models.NewThinkingEvent(conversationID))

	req, err := e.buildTurnRequest(conv, step, userMsg.Content, &userMsg)
	if err != nil {
		e.failTurn(conversationID, "failed to load conversation context", err)
		return
	}
	result, err := e.ga.GenerateTurn(ctx, req)
	if err != nil {
		e.failTurn(conversationID, "generation failed", err)
		return
	}
	if result.Content == "" {
		e.failTurn(conversationID, "generation produced no content", models.ErrGenerationFailed)
		return
	}

	shouldAdvance := policy.ReconcileAdvancement(&step, userMsg.Content, result.ShouldAdvance)

	// An activity change always takes precedence over a step advance.
	targetActivity, activityChanged := policy.ResolveActivityChange(conv, result.ActivityChange)
	var targetStep models.Step
	if activityChanged {
		if _, err := e.st.GetActivity(targetActivity); err != nil {
			slog.Warn("Engine.runGeneration: model named unknown activity, ignoring switch", "conversationID", conversationID, "target", targetActivity)
			targetActivity, activityChanged = "", false
		} else if targetStep, err = e.firstStep(targetActivity); err != nil {
			e.failTurn(conversationID, "target activity has no steps", err)
			return
		}
	}

	// The assistant message lands on the target activity's first step when
	// switching, otherwise on the step used for generation.
	assistantStep := step
	if activityChanged {
		assistantStep = targetStep
	}
	assistantMsg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		StepID:         assistantStep.ID,
		Role:           models.RoleAssistant,
		Content:        result.Content,
		Metadata: &models.MessageMetadata{
			ShouldAdvance:  shouldAdvance,
			ActivityChange: targetActivity,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := e.st.AddMessage(assistantMsg); err != nil {
		e.failTurn(conversationID, "failed to persist assistant message", err)
		return
	}

	stepAdvanced := false
	switch {
	case activityChanged:
		if err := e.applyActivitySwitch(&conv, targetActivity, targetStep); err != nil {
			e.failTurn(conversationID, "failed to switch activity", err)
			return
		}
	case shouldAdvance:
		stepAdvanced, err = e.applyStepAdvance(&conv)
		if err != nil {
			e.failTurn(conversationID, "failed to advance step", err)
			return
		}
	}

	e.eb.Publish(models.NewAIResponseEvent(assistantMsg, conv, stepAdvanced, activityChanged))
	slog.Info("Engine.runGeneration: turn completed", "conversationID", conversationID, "stepAdvanced", stepAdvanced, "activityChanged", activityChanged)
}

// applyActivitySwitch repoints the conversation at the target activity,
// remembers the previous one for "go back", and persists a synthetic
// system message announcing the switch.
func (e *Engine) applyActivitySwitch(conv *models.Conversation, targetActivity string, targetStep models.Step) error {
	conv.PreviousActivityID = conv.ActivityID
	conv.ActivityID = targetActivity
	conv.CurrentStep = targetStep.Number
	conv.UpdatedAt = time.Now().UTC()
	if err := e.st.UpdateConversation(*conv); err != nil {
		return err
	}

	name := targetActivity
	if activity, err := e.st.GetActivity(targetActivity); err == nil {
		name = activity.Name
	}
	systemMsg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		StepID:         targetStep.ID,
		Role:           models.RoleSystem,
		Content:        fmt.Sprintf("Switched to activity %q.", name),
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.st.AddMessage(systemMsg); err != nil {
		return err
	}
	slog.Info("Engine.applyActivitySwitch: activity switched", "conversationID", conv.ID, "from", conv.PreviousActivityID, "to", targetActivity)
	return nil
}

// applyStepAdvance increments the current step when a next step exists.
// The current step must always resolve to a real step, so the final step of
// an activity is never advanced past.
func (e *Engine) applyStepAdvance(conv *models.Conversation) (bool, error) {
	next := conv.CurrentStep + 1
	if _, err := e.st.GetStep(conv.ActivityID, next); err != nil {
		if errors.Is(err, models.ErrStepNotFound) {
			slog.Debug("Engine.applyStepAdvance: no next step, staying on final step", "conversationID", conv.ID, "step", conv.CurrentStep)
			return false, nil
		}
		return false, err
	}
	conv.CurrentStep = next
	conv.UpdatedAt = time.Now().UTC()
	if err := e.st.UpdateConversation(*conv); err != nil {
		return false, err
	}
	return true, nil
}

// buildTurnRequest assembles the gateway call context. When exclude is
// non-nil that message is omitted from the history (it is passed separately
// as the current utterance).
func (e *Engine) buildTurnRequest(conv models.Conversation, step models.Step, userText string, exclude *models.Message) (genai.TurnRequest, error) {
	messages, err := e.st.ListMessages(conv.ID)
	if err != nil {
		return genai.TurnRequest{}, err
	}
	history := messages
	if exclude != nil {
		history = make([]models.Message, 0, len(messages))
		for _, m := range messages {
			if m.ID != exclude.ID {
				history = append(history, m)
			}
		}
	}

	evaluators, err := e.st.ListEvaluators(conv.ID)
	if err != nil {
		// Evaluation is fire-and-forget; never let it affect the turn.
		slog.Warn("Engine.buildTurnRequest: failed to load evaluators, continuing without", "error", err, "conversationID", conv.ID)
		evaluators = nil
	}

	activities, err := e.st.ListActivities(true)
	if err != nil {
		slog.Warn("Engine.buildTurnRequest: failed to list activities, continuing without", "error", err, "conversationID", conv.ID)
		activities = nil
	}

	return genai.TurnRequest{
		UserText:     userText,
		Step:         step,
		History:      history,
		SystemPrompt: conv.SystemPrompt,
		ChoicePrompt: conv.ChoicePromptID,
		Activities:   activities,
		Evaluators:   evaluators,
	}, nil
}

// firstStep resolves an activity's opening step: number 0, falling back to 1.
func (e *Engine) firstStep(activityID string) (models.Step, error) {
	step, err := e.st.GetStep(activityID, 0)
	if err == nil {
		return step, nil
	}
	if !errors.Is(err, models.ErrStepNotFound) {
		return models.Step{}, err
	}
	return e.st.GetStep(activityID, 1)
}

// failTurn logs a failed background turn and terminates it in an error
// event so no subscribed client hangs.
func (e *Engine) failTurn(conversationID, message string, err error) {
	slog.Error("Engine.runGeneration: turn failed", "error", err, "conversationID", conversationID, "reason", message)
	e.eb.Publish(models.NewErrorEvent(conversationID, fmt.Sprintf("%s: %v", message, err)))
}
