package models

import (
	"errors"
	"strings"
	"testing"
)

func TestStepExpectedAlternatives(t *testing.T) {
	step := Step{ExpectedResponses: " Hola | hello |  "}
	alts := step.ExpectedAlternatives()
	if len(alts) != 2 {
		t.Fatalf("expected 2 alternatives, got %d: %v", len(alts), alts)
	}
	if alts[0] != "hola" || alts[1] != "hello" {
		t.Errorf("expected lowercased trimmed alternatives, got %v", alts)
	}
}

func TestStepExpectedAlternativesEmpty(t *testing.T) {
	step := Step{}
	if alts := step.ExpectedAlternatives(); alts != nil {
		t.Errorf("expected nil alternatives for empty step, got %v", alts)
	}
}

func TestMessageRequestValidate(t *testing.T) {
	req := MessageRequest{Message: "hola"}
	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request, got %v", err)
	}

	req = MessageRequest{Message: "   "}
	if err := req.Validate(); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}

	req = MessageRequest{Message: strings.Repeat("a", MaxMessageLength+1)}
	if err := req.Validate(); !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("expected ErrMessageTooLong, got %v", err)
	}
}

func TestCreateConversationRequestValidate(t *testing.T) {
	req := CreateConversationRequest{ActivityID: "a1", UserName: "ana"}
	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request, got %v", err)
	}

	req = CreateConversationRequest{UserName: "ana"}
	if err := req.Validate(); !errors.Is(err, ErrEmptyActivityID) {
		t.Errorf("expected ErrEmptyActivityID, got %v", err)
	}

	req = CreateConversationRequest{ActivityID: "a1"}
	if err := req.Validate(); !errors.Is(err, ErrEmptyUserName) {
		t.Errorf("expected ErrEmptyUserName, got %v", err)
	}
}

func TestCreateActivityRequestValidate(t *testing.T) {
	req := CreateActivityRequest{Name: "Greetings", Steps: []StepRequest{{Number: 0}}}
	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request, got %v", err)
	}

	req = CreateActivityRequest{Name: "Greetings"}
	if err := req.Validate(); !errors.Is(err, ErrActivityWithoutSteps) {
		t.Errorf("expected ErrActivityWithoutSteps, got %v", err)
	}

	req = CreateActivityRequest{Name: "Greetings", Steps: []StepRequest{{Number: 0}, {Number: 0}}}
	if err := req.Validate(); err == nil {
		t.Error("expected duplicate step number error, got nil")
	}
}

func TestTurnEventPayloadShapes(t *testing.T) {
	msg := Message{ID: "m1", ConversationID: "c1", Role: RoleUser, Content: "hola"}

	ev := NewUserMessageEvent(msg)
	if ev.Type != EventUserMessage || ev.ConversationID != "c1" {
		t.Errorf("unexpected user-message event: %+v", ev)
	}
	if p, ok := ev.Payload().(*UserMessagePayload); !ok || p.Message.ID != "m1" {
		t.Errorf("unexpected user-message payload: %#v", ev.Payload())
	}

	conv := Conversation{ID: "c1", ActivityID: "a1"}
	ev = NewAIResponseEvent(msg, conv, true, false)
	p, ok := ev.Payload().(*AIResponsePayload)
	if !ok {
		t.Fatalf("unexpected ai-response payload: %#v", ev.Payload())
	}
	if !p.StepAdvanced || p.ActivityChanged {
		t.Errorf("unexpected flags: %+v", p)
	}

	ev = NewErrorEvent("c1", "boom")
	if p, ok := ev.Payload().(*ErrorPayload); !ok || p.Error != "boom" {
		t.Errorf("unexpected error payload: %#v", ev.Payload())
	}

	ev = TurnEvent{Type: EventConnected, ConversationID: "c1"}
	if p, ok := ev.Payload().(ConnectedPayload); !ok || p.ConversationID != "c1" {
		t.Errorf("unexpected connected payload: %#v", ev.Payload())
	}
}
