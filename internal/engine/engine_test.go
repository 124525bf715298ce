package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tutorpipe/tutorpipe/internal/bus"
	"github.com/tutorpipe/tutorpipe/internal/genai"
	"github.com/tutorpipe/tutorpipe/internal/models"
	"github.com/tutorpipe/tutorpipe/internal/store"
)

// stubGateway implements genai.ClientInterface for testing.
type stubGateway struct {
	mu      sync.Mutex
	result  genai.TurnResult
	err     error
	lastReq genai.TurnRequest
	calls   int
}

func (g *stubGateway) GenerateTurn(ctx context.Context, req genai.TurnRequest) (genai.TurnResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastReq = req
	g.calls++
	return g.result, g.err
}

func (g *stubGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fixture struct {
	st  *store.InMemoryStore
	eb  *bus.Bus
	ga  *stubGateway
	eng *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	eb := bus.New()
	ga := &stubGateway{result: genai.TurnResult{Content: "ok"}}
	return &fixture{st: st, eb: eb, ga: ga, eng: New(st, eb, ga)}
}

func (f *fixture) seedActivity(t *testing.T, id string, steps ...models.Step) {
	t.Helper()
	activity := models.Activity{ID: id, Name: "Activity " + id, Visible: true, StepCount: len(steps), CreatedAt: time.Now()}
	if err := f.st.CreateActivity(activity, steps); err != nil {
		t.Fatalf("seed activity failed: %v", err)
	}
}

func (f *fixture) seedConversation(t *testing.T, id, activityID string, currentStep int) {
	t.Helper()
	conv := models.Conversation{ID: id, ActivityID: activityID, CurrentStep: currentStep, UserName: "ana", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := f.st.CreateConversation(conv); err != nil {
		t.Fatalf("seed conversation failed: %v", err)
	}
}

// collectEvents records all bus events for a conversation and exposes a
// channel signaling turn completion (ai-response or error).
func collectEvents(f *fixture, conversationID string) (events *[]models.TurnEvent, done chan models.TurnEvent, unsub func()) {
	var mu sync.Mutex
	var recorded []models.TurnEvent
	done = make(chan models.TurnEvent, 1)
	unsub = f.eb.Subscribe(bus.ForConversation(conversationID), func(e models.TurnEvent) {
		mu.Lock()
		recorded = append(recorded, e)
		mu.Unlock()
		if e.Type == models.EventAIResponse || e.Type == models.EventError {
			done <- e
		}
	})
	return &recorded, done, unsub
}

func waitForTurn(t *testing.T, done chan models.TurnEvent) models.TurnEvent {
	t.Helper()
	select {
	case e := <-done:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for turn to complete")
		return models.TurnEvent{}
	}
}

func TestSubmitMessagePersistsBeforeAck(t *testing.T) {
	f := newFixture(t)
	f.seedActivity(t, "act-1", models.Step{ID: "s0", ActivityID: "act-1", Number: 0})
	f.seedConversation(t, "conv-1", "act-1", 0)
	_, done, unsub := collectEvents(f, "conv-1")
	defer unsub()

	ack, err := f.eng.SubmitMessage(context.Background(), "conv-1", "hola")
	if err != nil {
		t.Fatalf("SubmitMessage failed: %v", err)
	}
	if ack.Role != models.RoleUser || ack.Content != "hola" || ack.StepID != "s0" {
		t.Errorf("unexpected ack message: %+v", ack)
	}

	// The user message is durable before the ack returns.
	msgs, _ := f.st.ListMessages("conv-1")
	if len(msgs) == 0 || msgs[0].ID != ack.ID {
		t.Fatalf("expected persisted user message first, got %+v", msgs)
	}

	waitForTurn(t, done)
	msgs, _ = f.st.ListMessages("conv-1")
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Errorf("expected user then assistant message, got %+v", msgs)
	}
}

func TestEventOrderingWithinTurn(t *testing.T) {
	f := newFixture(t)
	f.seedActivity(t, "act-1", models.Step{ID: "s0", ActivityID: "act-1", Number: 0})
	f.seedConversation(t, "conv-1", "act-1", 0)
	events, done, unsub := collectEvents(f, "conv-1")
	defer unsub()

	if _, err := f.eng.SubmitMessage(context.Background(), "conv-1", "hi"); err != nil {
		t.Fatalf("SubmitMessage failed: %v", err)
	}
	waitForTurn(t, done)

	got := *events
	want := []models.EventType{models.EventUserMessage, models.EventThinking, models.EventAIResponse}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].Type != w {
			t.Errorf("event %d: expected %s, got %s", i, w, got[i].Type)
		}
	}
}

func TestKeywordMatchForcesAdvance(t *testing.T) {
	f := newFixture(t)
	f.seedActivity(t, "act-1",
		models.Step{ID: "s0", ActivityID: "act-1", Number: 0, ExpectedResponses: "hola|hello"},
		models.Step{ID: "s1", ActivityID: "act-1", Number: 1},
	)
	f.seedConversation(t, "conv-1", "act-1", 0)
	f.ga.result = genai.TurnResult{Content: "good", ShouldAdvance: false}
	_, done, unsub := collectEvents(f, "conv-1")
	defer unsub()

	if _, err := f.eng.SubmitMessage(context.Background(), "conv-1", "hola amigo"); err != nil {
		t.Fatalf("SubmitMessage failed: %v", err)
	}
	final := waitForTurn(t, done)

	if final.Type != models.EventAIResponse {
		t.Fatalf("expected ai-response, got %s", final.Type)
	}
	if !final.AIResponse.StepAdvanced {
		t.Error("expected stepAdvanced despite model declining")
	}
	conv, _ := f.st.GetConversation("conv-1")
	if conv.CurrentStep != 1 {
		t.Errorf("expected currentStep 1, got %d", conv.CurrentStep)
	}
	if final.AIResponse.Message.Metadata == nil || !final.AIResponse.Message.Metadata.ShouldAdvance {
		t.Errorf("expected reconciled advance recorded in metadata, got %+v", final.AIResponse.Message.Metadata)
	}
}

func TestNoAdvancePastFinalStep(t *testing.T) {
	f := newFixture(t)
	f.seedActivity(t, "act-1", models.Step{ID: "s0", ActivityID: "act-1", Number: 0})
	f.seedConversation(t, "conv-1", "act-1", 0)
	f.ga.result = genai.TurnResult{Content: "done", ShouldAdvance: true}
	_, done, unsub := collectEvents(f, "conv-1")
	defer unsub()

	if _, err := f.eng.SubmitMessage(context.Background(), "conv-1", "bye"); err != nil {
		t.Fatalf("SubmitMessage failed: %v", err)
	}
	final := waitForTurn(t, done)

	if final.AIResponse.StepAdvanced {
		t.Error("must not advance past the final step")
	}
	conv, _ := f.st.GetConversation("conv-1")
	if conv.CurrentStep != 0 {
		t.Errorf("expected currentStep to stay 0, got %d", conv.CurrentStep)
	}
}

func TestActivitySwitchTakesPrecedence(t *testing.T) {
	f := newFixture(t)
	f.seedActivity(t, "act-1",
		models.Step{ID: "s0", ActivityID: "act-1", Number: 0, ExpectedResponses: "hola"},
		models.Step{ID: "s1", ActivityID: "act-1", Number: 1},
	)
	f.seedActivity(t, "act-2", models.Step{ID: "t1", ActivityID: "act-2", Number: 1})
	f.seedConversation(t, "conv-1", "act-1", 0)
	f.ga.result = genai.TurnResult{Content: "switching", ShouldAdvance: true, ActivityChange: "act-2"}
	_, done, unsub := collectEvents(f, "conv-1")
	defer unsub()

	if _, err := f.eng.SubmitMessage(context.Background(), "conv-1", "hola, numbers please"); err != nil {
		t.Fatalf("SubmitMessage failed: %v", err)
	}
	final := waitForTurn(t, done)

	if !final.AIResponse.ActivityChanged || final.AIResponse.StepAdvanced {
		t.Errorf("expected switch to win over advance, got %+v", final.AIResponse)
	}
	conv, _ := f.st.GetConversation("conv-1")
	if conv.ActivityID != "act-2" {
		t.Errorf("expected activity act-2, got %s", conv.ActivityID)
	}
	if conv.PreviousActivityID != "act-1" {
		t.Errorf("expected previousActivityID act-1, got %s", conv.PreviousActivityID)
	}
	// Target has no step 0, so step 1 is the landing step.
	if conv.CurrentStep != 1 {
		t.Errorf("expected currentStep 1, got %d", conv.CurrentStep)
	}

	// Both raw signals are recorded for auditability.
	md := final.AIResponse.Message.Metadata
	if md == nil || !md.ShouldAdvance || md.ActivityChange != "act-2" {
		t.Errorf("unexpected metadata: %+v", md)
	}
	if final.AIResponse.Message.StepID != "t1" {
		t.Errorf("assistant message should land on target step, got %s", final.AIResponse.Message.StepID)
	}

	// A synthetic system message documents the switch.
	msgs, _ := f.st.ListMessages("conv-1")
	var foundSystem bool
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			foundSystem = true
		}
	}
	if !foundSystem {
		t.Error("expected a system message announcing the switch")
	}
}

func TestSubmitToMissingConversation(t *testing.T) {
	f := newFixture(t)
	var published int
	defer f.eb.Subscribe(nil, func(models.TurnEvent) { published++ })()

	_, err := f.eng.SubmitMessage(context.Background(), "missing", "hi")
	if !errors.Is(err, models.ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
	if published != 0 {
		t.Errorf("expected no events published, got %d", published)
	}
}

func TestSubmitWithMissingStepIsHardError(t *testing.T) {
	f := newFixture(t)
	f.seedActivity(t, "act-1", models.Step{ID: "s0", ActivityID: "act-1", Number: 0})
	f.seedConversation(t, "conv-1", "act-1", 7)

	_, err := f.eng.SubmitMessage(context.Background(), "conv-1", "hi")
	if !errors.Is(err, models.ErrStepNotFound) {
		t.Errorf("expected ErrStepNotFound, got %v", err)
	}
}

func TestEmptyGenerationEndsInErrorEvent(t *testing.T) {
	f := newFixture(t)
	f.seedActivity(t, "act-1", models.Step{ID: "s0", ActivityID: "act-1", Number: 0})
	f.seedConversation(t, "conv-1", "act-1", 0)
	f.ga.result = genai.TurnResult{Content: ""}
	_, done, unsub := collectEvents(f, "conv-1")
	defer unsub()

	if _, err := f.eng.SubmitMessage(context.Background(), "conv-1", "hi"); err != nil {
		t.Fatalf("SubmitMessage failed: %v", err)
	}
	final := waitForTurn(t, done)

	if final.Type != models.EventError {
		t.Fatalf("expected error event, got %s", final.Type)
	}
	// The user message stays durably recorded with no assistant reply.
	msgs, _ := f.st.ListMessages("conv-1")
	if len(msgs) != 1 || msgs[0].Role != models.RoleUser {
		t.Errorf("expected only the user message, got %+v", msgs)
	}
}

func TestGatewayFailureEndsInErrorEvent(t *testing.T) {
	f := newFixture(t)
	f.seedActivity(t, "act-1", models.Step{ID: "s0", ActivityID: "act-1", Number: 0})
	f.seedConversation(t, "conv-1", "act-1", 0)
	f.ga.err = errors.New("model unavailable")
	_, done, unsub := collectEvents(f, "conv-1")
	defer unsub()

	if _, err := f.eng.SubmitMessage(context.Background(), "conv-1", "hi"); err != nil {
		t.Fatalf("SubmitMessage failed: %v", err)
	}
	final := waitForTurn(t, done)
	if final.Type != models.EventError || final.Error == nil {
		t.Fatalf("expected error event with payload, got %+v", final)
	}
}

func TestLazyGreetingIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedActivity(t, "act-1", models.Step{ID: "s0", ActivityID: "act-1", Number: 0})
	f.seedConversation(t, "conv-1", "act-1", 0)
	f.ga.result = genai.TurnResult{Content: "¡Bienvenida!"}

	_, msgs, err := f.eng.GetConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant {
		t.Fatalf("expected one assistant greeting, got %+v", msgs)
	}

	_, msgs, err = f.eng.GetConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("second GetConversation failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected greeting not to be regenerated, got %d messages", len(msgs))
	}
	if f.ga.callCount() != 1 {
		t.Errorf("expected exactly one gateway call, got %d", f.ga.callCount())
	}
}

func TestCreateConversationSeedsFirstStep(t *testing.T) {
	f := newFixture(t)
	f.seedActivity(t, "act-1", models.Step{ID: "s1", ActivityID: "act-1", Number: 1})

	conv, _, err := f.eng.CreateConversation(context.Background(), models.CreateConversationRequest{ActivityID: "act-1", UserName: "ana"})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if conv.CurrentStep != 1 {
		t.Errorf("expected 1-based first step, got %d", conv.CurrentStep)
	}

	_, _, err = f.eng.CreateConversation(context.Background(), models.CreateConversationRequest{ActivityID: "missing", UserName: "ana"})
	if !errors.Is(err, models.ErrActivityNotFound) {
		t.Errorf("expected ErrActivityNotFound, got %v", err)
	}
}

func TestEvaluatorsParameterizeGateway(t *testing.T) {
	f := newFixture(t)
	f.seedActivity(t, "act-1", models.Step{ID: "s0", ActivityID: "act-1", Number: 0})
	f.seedConversation(t, "conv-1", "act-1", 0)
	if _, err := f.eng.SetEvaluators("conv-1", []models.EvaluatorSpec{{Name: "grammar", Active: true}}); err != nil {
		t.Fatalf("SetEvaluators failed: %v", err)
	}
	_, done, unsub := collectEvents(f, "conv-1")
	defer unsub()

	if _, err := f.eng.SubmitMessage(context.Background(), "conv-1", "hi"); err != nil {
		t.Fatalf("SubmitMessage failed: %v", err)
	}
	waitForTurn(t, done)

	f.ga.mu.Lock()
	evaluators := f.ga.lastReq.Evaluators
	f.ga.mu.Unlock()
	if len(evaluators) != 1 || evaluators[0].Name != "grammar" {
		t.Errorf("expected evaluators passed to gateway, got %+v", evaluators)
	}
}
