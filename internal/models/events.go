// Package models defines turn events published on the in-process bus.
package models

// EventType discriminates the turn event union.
type EventType string

const (
	// EventConnected is emitted once per stream subscriber on attach.
	EventConnected EventType = "connected"
	// EventUserMessage signals that the inbound message was persisted.
	EventUserMessage EventType = "user-message"
	// EventThinking signals that background generation has started.
	EventThinking EventType = "thinking"
	// EventAIResponse carries the completed turn outcome.
	EventAIResponse EventType = "ai-response"
	// EventError terminates a failed turn.
	EventError EventType = "error"
)

// TurnEvent is the closed union of events published for one conversational
// turn. Exactly the payload for the event's type is set; the rest are nil.
// Events are ephemeral: never persisted, never replayed to late subscribers.
type TurnEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`

	UserMessage *UserMessagePayload `json:"user_message,omitempty"`
	AIResponse  *AIResponsePayload  `json:"ai_response,omitempty"`
	Error       *ErrorPayload       `json:"error,omitempty"`
}

// ConnectedPayload is the wire payload for connected events.
type ConnectedPayload struct {
	ConversationID string `json:"conversationId"`
}

// UserMessagePayload carries the persisted inbound message.
type UserMessagePayload struct {
	Message Message `json:"message"`
}

// AIResponsePayload carries the assistant message, the updated conversation,
// and the applied state-mutation flags.
type AIResponsePayload struct {
	Message         Message      `json:"message"`
	Conversation    Conversation `json:"conversation"`
	StepAdvanced    bool         `json:"stepAdvanced"`
	ActivityChanged bool         `json:"activityChanged"`
}

// ErrorPayload carries a human-readable failure description.
type ErrorPayload struct {
	Error string `json:"error"`
}

// NewUserMessageEvent builds a user-message event for the given message.
func NewUserMessageEvent(msg Message) TurnEvent {
	return TurnEvent{
		Type:           EventUserMessage,
		ConversationID: msg.ConversationID,
		UserMessage:    &UserMessagePayload{Message: msg},
	}
}

// NewThinkingEvent builds a thinking event for the given conversation.
func NewThinkingEvent(conversationID string) TurnEvent {
	return TurnEvent{Type: EventThinking, ConversationID: conversationID}
}

// NewAIResponseEvent builds an ai-response event for a completed turn.
func NewAIResponseEvent(msg Message, conv Conversation, stepAdvanced, activityChanged bool) TurnEvent {
	return TurnEvent{
		Type:           EventAIResponse,
		ConversationID: conv.ID,
		AIResponse: &AIResponsePayload{
			Message:         msg,
			Conversation:    conv,
			StepAdvanced:    stepAdvanced,
			ActivityChanged: activityChanged,
		},
	}
}

// NewErrorEvent builds an error event carrying a human-readable message.
func NewErrorEvent(conversationID, errMsg string) TurnEvent {
	return TurnEvent{
		Type:           EventError,
		ConversationID: conversationID,
		Error:          &ErrorPayload{Error: errMsg},
	}
}

// Payload returns the wire payload for the event, shaped per event type.
// Transports forward this verbatim as the event's data.
func (e TurnEvent) Payload() interface{} {
	switch e.Type {
	case EventConnected:
		return ConnectedPayload{ConversationID: e.ConversationID}
	case EventUserMessage:
		if e.UserMessage != nil {
			return e.UserMessage
		}
	case EventAIResponse:
		if e.AIResponse != nil {
			return e.AIResponse
		}
	case EventError:
		if e.Error != nil {
			return e.Error
		}
	}
	return struct{}{}
}
