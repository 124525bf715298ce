package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutorpipe/tutorpipe/internal/models"
)

func dialAudioSession(t *testing.T, f *apiFixture, conversationID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/conversation/" + conversationID
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial audio session: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) AudioFrame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	var frame AudioFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType string, payload interface{}) {
	t.Helper()
	frame := AudioFrame{Type: frameType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		frame.Payload = data
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestAudioSessionRecordingRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	f.seedActivity(t, "act-1")
	f.seedConversation(t, "conv-1", "act-1")
	f.stt.text = "hola"

	conn := dialAudioSession(t, f, "conv-1")

	connected := readFrame(t, conn)
	if connected.Type != FrameConnected {
		t.Fatalf("expected connected frame first, got %q", connected.Type)
	}
	var connPayload models.ConnectedPayload
	if err := json.Unmarshal(connected.Payload, &connPayload); err != nil {
		t.Fatalf("decode connected payload: %v", err)
	}
	if connPayload.ConversationID != "conv-1" {
		t.Errorf("expected conversation id in connected frame, got %q", connPayload.ConversationID)
	}

	sendFrame(t, conn, FrameStartRecording, nil)
	sendFrame(t, conn, FrameAudioData, audioDataPayload{AudioData: base64.StdEncoding.EncodeToString([]byte("chunk-1"))})
	sendFrame(t, conn, FrameAudioData, audioDataPayload{AudioData: base64.StdEncoding.EncodeToString([]byte("chunk-2"))})
	sendFrame(t, conn, FrameStopRecording, nil)

	frame := readFrame(t, conn)
	if frame.Type != FrameTranscription {
		t.Fatalf("expected transcription frame, got %q", frame.Type)
	}
	var transcription transcriptionPayload
	if err := json.Unmarshal(frame.Payload, &transcription); err != nil {
		t.Fatalf("decode transcription payload: %v", err)
	}
	if transcription.Text != "hola" || !transcription.Final {
		t.Errorf("unexpected transcription payload: %+v", transcription)
	}

	f.stt.mu.Lock()
	calls, audio := f.stt.calls, string(f.stt.audio)
	f.stt.mu.Unlock()
	if calls != 1 {
		t.Errorf("expected exactly one transcription call, got %d", calls)
	}
	if audio != "chunk-1chunk-2" {
		t.Errorf("expected chunks concatenated in order, got %q", audio)
	}
}

func TestAudioSessionEmptyRecording(t *testing.T) {
	f := newAPIFixture(t)
	f.seedActivity(t, "act-1")
	f.seedConversation(t, "conv-1", "act-1")
	f.stt.text = ""

	conn := dialAudioSession(t, f, "conv-1")
	readFrame(t, conn) // connected

	sendFrame(t, conn, FrameStartRecording, nil)
	sendFrame(t, conn, FrameStopRecording, nil)

	frame := readFrame(t, conn)
	if frame.Type != FrameTranscription {
		t.Fatalf("expected transcription frame, got %q", frame.Type)
	}
	var transcription transcriptionPayload
	if err := json.Unmarshal(frame.Payload, &transcription); err != nil {
		t.Fatalf("decode transcription payload: %v", err)
	}
	if transcription.Text != "" || !transcription.Final {
		t.Errorf("expected empty final transcription, got %+v", transcription)
	}
}

func TestAudioSessionIgnoresChunksOutsideRecording(t *testing.T) {
	f := newAPIFixture(t)
	f.seedActivity(t, "act-1")
	f.seedConversation(t, "conv-1", "act-1")

	conn := dialAudioSession(t, f, "conv-1")
	readFrame(t, conn) // connected

	// Sent before start-recording, this chunk must be dropped.
	sendFrame(t, conn, FrameAudioData, audioDataPayload{AudioData: base64.StdEncoding.EncodeToString([]byte("stray"))})
	sendFrame(t, conn, FrameStartRecording, nil)
	sendFrame(t, conn, FrameAudioData, audioDataPayload{AudioData: base64.StdEncoding.EncodeToString([]byte("kept"))})
	sendFrame(t, conn, FrameStopRecording, nil)

	frame := readFrame(t, conn)
	if frame.Type != FrameTranscription {
		t.Fatalf("expected transcription frame, got %q", frame.Type)
	}
	f.stt.mu.Lock()
	audio := string(f.stt.audio)
	f.stt.mu.Unlock()
	if audio != "kept" {
		t.Errorf("expected only in-window chunk, got %q", audio)
	}
}

func TestAudioSessionRejectsUnknownFrame(t *testing.T) {
	f := newAPIFixture(t)
	f.seedActivity(t, "act-1")
	f.seedConversation(t, "conv-1", "act-1")

	conn := dialAudioSession(t, f, "conv-1")
	readFrame(t, conn) // connected

	sendFrame(t, conn, "bogus", nil)
	frame := readFrame(t, conn)
	if frame.Type != FrameError {
		t.Fatalf("expected error frame, got %q", frame.Type)
	}
	var payload models.ErrorPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if !strings.Contains(payload.Error, "bogus") {
		t.Errorf("expected error to name the frame type, got %q", payload.Error)
	}
}

func TestAudioSessionSynthesizesAIResponses(t *testing.T) {
	f := newAPIFixture(t)
	f.seedActivity(t, "act-1")
	conv := f.seedConversation(t, "conv-1", "act-1")
	f.tts.audio = []byte("tts-bytes")

	conn := dialAudioSession(t, f, "conv-1")
	readFrame(t, conn) // connected

	msg := models.Message{ID: "msg-9", ConversationID: "conv-1", Role: models.RoleAssistant, Content: "muy bien"}
	f.eb.Publish(models.NewAIResponseEvent(msg, conv, false, false))

	frame := readFrame(t, conn)
	if frame.Type != FrameAudioResponse {
		t.Fatalf("expected audio-response frame, got %q", frame.Type)
	}
	var payload audioResponsePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("decode audio-response payload: %v", err)
	}
	if payload.MessageID != "msg-9" {
		t.Errorf("expected message id msg-9, got %q", payload.MessageID)
	}
	decoded, err := base64.StdEncoding.DecodeString(payload.AudioData)
	if err != nil {
		t.Fatalf("decode audio data: %v", err)
	}
	if string(decoded) != "tts-bytes" {
		t.Errorf("unexpected audio bytes %q", decoded)
	}
}

func TestAudioSessionUnknownConversation(t *testing.T) {
	f := newAPIFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/conversation/missing"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		conn.Close()
		t.Fatal("expected dial to fail for unknown conversation")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 handshake response, got %+v", resp)
	}
	resp.Body.Close()
}
