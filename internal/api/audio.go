package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutorpipe/tutorpipe/internal/models"
)

// speechTimeout bounds a single transcription or synthesis call.
const speechTimeout = 30 * time.Second

// Inbound and outbound audio frame types.
const (
	FrameStartRecording = "start-recording"
	FrameAudioData      = "audio-data"
	FrameStopRecording  = "stop-recording"
	FrameConnected      = "connected"
	FrameTranscription  = "transcription"
	FrameAudioResponse  = "audio-response"
	FrameError          = "error"
)

// AudioFrame is the envelope for every WebSocket message in both directions.
type AudioFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type audioDataPayload struct {
	AudioData string `json:"audioData"`
}

type transcriptionPayload struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type audioResponsePayload struct {
	MessageID string `json:"messageId"`
	AudioData string `json:"audioData"`
}

// AudioSession tracks the recording state of one WebSocket connection.
type AudioSession struct {
	conversationID string
	language       string
	conn           *websocket.Conn

	mu          sync.Mutex
	isRecording bool
	audioChunks [][]byte
}

// send marshals a frame and writes it to the connection. Writes are
// serialized because bus callbacks and the read loop both emit frames.
func (a *AudioSession) send(frameType string, payload interface{}) error {
	frame := AudioFrame{Type: frameType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		frame.Payload = data
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn.WriteJSON(frame)
}

func (a *AudioSession) sendError(message string) {
	if err := a.send(FrameError, models.ErrorPayload{Error: message}); err != nil {
		slog.Debug("AudioSession.sendError: write failed", "conversationID", a.conversationID, "error", err)
	}
}

// startRecording resets the chunk buffer and begins accumulating audio.
func (a *AudioSession) startRecording() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.isRecording = true
	a.audioChunks = nil
}

// appendChunk buffers one decoded audio chunk. Chunks received outside a
// recording window are discarded.
func (a *AudioSession) appendChunk(chunk []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isRecording {
		return
	}
	a.audioChunks = append(a.audioChunks, chunk)
}

// stopRecording ends the recording window and returns the buffered audio
// concatenated in arrival order.
func (a *AudioSession) stopRecording() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.isRecording = false
	var total int
	for _, c := range a.audioChunks {
		total += len(c)
	}
	audio := make([]byte, 0, total)
	for _, c := range a.audioChunks {
		audio = append(audio, c...)
	}
	a.audioChunks = nil
	return audio
}

// SessionRegistry tracks live audio sessions grouped by conversation.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[*AudioSession]struct{}
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]map[*AudioSession]struct{})}
}

// Add registers a session under its conversation.
func (r *SessionRegistry) Add(session *AudioSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[session.conversationID]
	if !ok {
		set = make(map[*AudioSession]struct{})
		r.sessions[session.conversationID] = set
	}
	set[session] = struct{}{}
}

// Remove unregisters a session, dropping the conversation entry when empty.
func (r *SessionRegistry) Remove(session *AudioSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[session.conversationID]
	if !ok {
		return
	}
	delete(set, session)
	if len(set) == 0 {
		delete(r.sessions, session.conversationID)
	}
}

// Count reports the number of live sessions for a conversation.
func (r *SessionRegistry) Count(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[conversationID])
}

// audioSessionHandler serves /ws/conversation/{id}: it upgrades the
// connection, replays nothing, and bridges recorded audio to the transcriber
// and assistant responses to the synthesizer.
func (s *Server) audioSessionHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/conversation/"), "/")
	if conversationID == "" || strings.Contains(conversationID, "/") {
		http.NotFound(w, r)
		return
	}
	if s.transcriber == nil || s.synthesizer == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("audio is not configured"))
		return
	}
	conv, err := s.st.GetConversation(conversationID)
	if err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("conversation not found"))
			return
		}
		slog.Error("Server.audioSessionHandler: failed to load conversation", "conversationID", conversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to load conversation"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Server.audioSessionHandler: upgrade failed", "conversationID", conversationID, "error", err)
		return
	}
	defer conn.Close()

	session := &AudioSession{
		conversationID: conversationID,
		language:       conv.Language,
		conn:           conn,
	}
	s.sessions.Add(session)
	defer s.sessions.Remove(session)

	unsubscribe := s.eb.Subscribe(func(e models.TurnEvent) bool {
		return e.ConversationID == conversationID && e.Type == models.EventAIResponse
	}, func(e models.TurnEvent) {
		go s.synthesizeResponse(session, e)
	})
	defer unsubscribe()

	if err := session.send(FrameConnected, models.ConnectedPayload{ConversationID: conversationID}); err != nil {
		slog.Debug("Server.audioSessionHandler: connected frame failed", "conversationID", conversationID, "error", err)
		return
	}
	slog.Info("Server.audioSessionHandler: audio session opened", "conversationID", conversationID)

	s.readAudioFrames(session)
	slog.Info("Server.audioSessionHandler: audio session closed", "conversationID", conversationID)
}

// readAudioFrames runs the inbound loop until the connection drops.
func (s *Server) readAudioFrames(session *AudioSession) {
	for {
		var frame AudioFrame
		if err := session.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Server.readAudioFrames: read failed", "conversationID", session.conversationID, "error", err)
			}
			return
		}
		switch frame.Type {
		case FrameStartRecording:
			session.startRecording()
		case FrameAudioData:
			var payload audioDataPayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				session.sendError("invalid audio-data payload")
				continue
			}
			chunk, err := base64.StdEncoding.DecodeString(payload.AudioData)
			if err != nil {
				session.sendError("invalid audio encoding")
				continue
			}
			session.appendChunk(chunk)
		case FrameStopRecording:
			audio := session.stopRecording()
			go s.transcribeRecording(session, audio)
		default:
			session.sendError("unknown message type: " + frame.Type)
		}
	}
}

// transcribeRecording turns one finished recording into exactly one
// transcription frame. Transcription failures are logged and swallowed.
func (s *Server) transcribeRecording(session *AudioSession, audio []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), speechTimeout)
	defer cancel()

	text, err := s.transcriber.Transcribe(ctx, audio, session.language)
	if err != nil {
		slog.Error("Server.transcribeRecording: transcription failed", "conversationID", session.conversationID, "error", err)
		return
	}
	if err := session.send(FrameTranscription, transcriptionPayload{Text: text, Final: true}); err != nil {
		slog.Debug("Server.transcribeRecording: write failed", "conversationID", session.conversationID, "error", err)
	}
}

// synthesizeResponse renders an assistant message as audio and pushes it to
// the session. Synthesis failures are logged and swallowed so the text flow
// is never disturbed.
func (s *Server) synthesizeResponse(session *AudioSession, e models.TurnEvent) {
	if e.AIResponse == nil || e.AIResponse.Message.Content == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), speechTimeout)
	defer cancel()

	audio, err := s.synthesizer.Synthesize(ctx, e.AIResponse.Message.Content, session.language)
	if err != nil {
		slog.Error("Server.synthesizeResponse: synthesis failed", "conversationID", session.conversationID, "messageID", e.AIResponse.Message.ID, "error", err)
		return
	}
	payload := audioResponsePayload{
		MessageID: e.AIResponse.Message.ID,
		AudioData: base64.StdEncoding.EncodeToString(audio),
	}
	if err := session.send(FrameAudioResponse, payload); err != nil {
		slog.Debug("Server.synthesizeResponse: write failed", "conversationID", session.conversationID, "error", err)
	}
}
