package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tutorpipe/tutorpipe/internal/models"
)

func TestStreamHandlerEmitsConnectedThenBusEvents(t *testing.T) {
	f := newAPIFixture(t)
	f.seedActivity(t, "act-1")
	f.seedConversation(t, "conv-1", "act-1")
	handler := f.server.Handler()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/conversation/conv-1/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(rec, req)
		close(done)
	}()

	waitForSubscriber(t, f)

	f.eb.Publish(models.NewUserMessageEvent(models.Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		Role:           models.RoleUser,
		Content:        "hola",
	}))
	f.eb.Publish(models.NewThinkingEvent("conv-1"))
	// Events for other conversations must not leak into this stream.
	f.eb.Publish(models.NewThinkingEvent("conv-other"))

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not return after cancel")
	}

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("expected text/event-stream content type, got %q", got)
	}

	body := rec.Body.String()
	frames := parseSSEFrames(body)
	if len(frames) < 3 {
		t.Fatalf("expected at least 3 frames, got %d (body %q)", len(frames), body)
	}
	if frames[0].event != "connected" {
		t.Errorf("expected first frame to be connected, got %q", frames[0].event)
	}
	if !strings.Contains(frames[0].data, `"conversationId":"conv-1"`) {
		t.Errorf("connected payload missing conversation id: %q", frames[0].data)
	}
	if frames[1].event != "user-message" {
		t.Errorf("expected second frame to be user-message, got %q", frames[1].event)
	}
	if !strings.Contains(frames[1].data, `"content":"hola"`) {
		t.Errorf("user-message payload missing content: %q", frames[1].data)
	}
	if frames[2].event != "thinking" {
		t.Errorf("expected third frame to be thinking, got %q", frames[2].event)
	}
	for _, frame := range frames {
		if strings.Contains(frame.data, "conv-other") {
			t.Errorf("foreign conversation leaked into stream: %q", frame.data)
		}
	}
}

func TestStreamHandlerUnknownConversation(t *testing.T) {
	f := newAPIFixture(t)
	handler := f.server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversation/missing/stream", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func waitForSubscriber(t *testing.T, f *apiFixture) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.eb.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for stream subscriber")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type sseFrame struct {
	event string
	data  string
}

func parseSSEFrames(body string) []sseFrame {
	var frames []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		var frame sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				frame.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				frame.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if frame.event != "" {
			frames = append(frames, frame)
		}
	}
	return frames
}
