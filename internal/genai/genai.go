// Package genai provides the generation gateway over the OpenAI API.
//
// It turns one user utterance plus lesson context into the assistant reply
// and the model's advancement/switch decisions. The engine treats the
// returned flags as raw signals; reconciliation happens in the policy
// package.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/tutorpipe/tutorpipe/internal/models"
)

// DefaultModel is the chat model used when none is configured.
var DefaultModel = openai.ChatModelGPT4oMini

// ErrNoChoicesReturned indicates the completion response carried no choices.
var ErrNoChoicesReturned = fmt.Errorf("no choices returned")

// TurnRequest carries the full context for generating one turn.
type TurnRequest struct {
	// UserText is the inbound utterance. Empty for the greeting turn.
	UserText string
	// Step is the lesson step the turn belongs to.
	Step models.Step
	// History holds the prior messages of the conversation, oldest first.
	History []models.Message
	// SystemPrompt is the activity-level guiding prompt, if any.
	SystemPrompt string
	// ChoicePrompt is the activity-selection prompt, set only while the
	// conversation is in a selection state.
	ChoicePrompt string
	// Activities lists the activities the model may switch to.
	Activities []models.Activity
	// Evaluators names the active judges parameterizing this call.
	Evaluators []models.EvaluatorAssignment
}

// TurnResult is the gateway's answer: the reply content plus the model's
// raw advancement and activity-switch decisions.
type TurnResult struct {
	Content        string
	ShouldAdvance  bool
	ActivityChange string
}

// ClientInterface is the narrow gateway surface the engine depends on.
type ClientInterface interface {
	GenerateTurn(ctx context.Context, req TurnRequest) (TurnResult, error)
}

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey string
	Model  openai.ChatModel
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion service for turn generation.
type Client struct {
	chat  chatService
	model openai.ChatModel
}

// NewClient initializes a GenAI client. The API key comes from options or
// the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: &cli.Chat.Completions, model: cfg.Model}, nil
}

// turnPayload is the JSON shape the model is instructed to answer with.
type turnPayload struct {
	Reply          string `json:"reply"`
	AdvanceStep    bool   `json:"advance_step"`
	SwitchActivity string `json:"switch_activity,omitempty"`
}

// GenerateTurn produces the assistant reply and decision flags for one turn.
func (c *Client) GenerateTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	messages := buildMessages(req)
	slog.Debug("Client.GenerateTurn: requesting completion", "model", c.model, "messages", len(messages), "evaluators", len(req.Evaluators))

	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return TurnResult{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return TurnResult{}, ErrNoChoicesReturned
	}

	content := resp.Choices[0].Message.Content
	var payload turnPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		// Model answered in plain text despite JSON mode; use it verbatim.
		slog.Warn("Client.GenerateTurn: non-JSON completion, using raw content", "error", err)
		return TurnResult{Content: strings.TrimSpace(content)}, nil
	}

	result := TurnResult{
		Content:        strings.TrimSpace(payload.Reply),
		ShouldAdvance:  payload.AdvanceStep,
		ActivityChange: strings.TrimSpace(payload.SwitchActivity),
	}
	slog.Debug("Client.GenerateTurn: completion parsed", "shouldAdvance", result.ShouldAdvance, "activityChange", result.ActivityChange, "contentLength", len(result.Content))
	return result, nil
}

// buildMessages assembles the chat context: instructions first, then the
// conversation history, then the current utterance.
func buildMessages(req TurnRequest) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(buildInstructions(req)),
	}
	for _, m := range req.History {
		switch m.Role {
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		case models.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	if req.UserText != "" {
		messages = append(messages, openai.UserMessage(req.UserText))
	}
	return messages
}

func buildInstructions(req TurnRequest) string {
	var b strings.Builder
	if req.SystemPrompt != "" {
		b.WriteString(req.SystemPrompt)
		b.WriteString("\n\n")
	} else {
		b.WriteString("You are a friendly language tutor guiding a learner through a scripted lesson.\n\n")
	}
	if req.ChoicePrompt != "" {
		b.WriteString(req.ChoicePrompt)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "Current step objective: %s\n", req.Step.Objective)
	if req.Step.Prompt != "" {
		fmt.Fprintf(&b, "Scripted step prompt: %s\n", req.Step.Prompt)
	}
	if req.Step.SuccessMessage != "" {
		fmt.Fprintf(&b, "On success say: %s\n", req.Step.SuccessMessage)
	}

	if len(req.Activities) > 0 {
		b.WriteString("\nActivities the learner may switch to (use the id):\n")
		for _, a := range req.Activities {
			fmt.Fprintf(&b, "- %s: %s\n", a.ID, a.Name)
		}
	}

	if len(req.Evaluators) > 0 {
		names := make([]string, 0, len(req.Evaluators))
		for _, e := range req.Evaluators {
			if e.Active {
				names = append(names, e.Name)
			}
		}
		if len(names) > 0 {
			fmt.Fprintf(&b, "\nJudge the learner's answer against these evaluators: %s.\n", strings.Join(names, ", "))
		}
	}

	b.WriteString("\nAnswer with a JSON object: {\"reply\": string, \"advance_step\": bool, \"switch_activity\": string}. " +
		"Set advance_step to true only when the learner fulfilled the step objective. " +
		"Set switch_activity to an activity id only when the learner asked to do something else; otherwise use an empty string.")
	return b.String()
}
