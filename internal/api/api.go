// Package api wires the HTTP surface of TutorPipe: REST endpoints for
// activities, conversations and messages, a Server-Sent Events stream for turn
// events, and a WebSocket adapter for audio sessions.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutorpipe/tutorpipe/internal/bus"
	"github.com/tutorpipe/tutorpipe/internal/engine"
	"github.com/tutorpipe/tutorpipe/internal/speech"
	"github.com/tutorpipe/tutorpipe/internal/store"
)

// ContextKey is the type used for request-scoped values injected by the
// path routers.
type ContextKey string

const (
	// ContextKeyConversationID carries the conversation id parsed from the
	// request path.
	ContextKeyConversationID ContextKey = "conversation_id"
	// ContextKeyActivityID carries the activity id parsed from the request
	// path.
	ContextKeyActivityID ContextKey = "activity_id"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option configures Opts.
type Option func(*Opts)

// WithAddr sets the listen address for the HTTP server.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server exposes the TutorPipe engine over HTTP.
type Server struct {
	st          store.Store
	eng         *engine.Engine
	eb          *bus.Bus
	transcriber speech.Transcriber
	synthesizer speech.Synthesizer
	sessions    *SessionRegistry
	upgrader    websocket.Upgrader
	addr        string
	httpServer  *http.Server
}

// NewServer assembles a Server from its collaborators. The transcriber and
// synthesizer may be nil, in which case audio sessions are rejected.
func NewServer(st store.Store, eng *engine.Engine, eb *bus.Bus, transcriber speech.Transcriber, synthesizer speech.Synthesizer, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		st:          st,
		eng:         eng,
		eb:          eb,
		transcriber: transcriber,
		synthesizer: synthesizer,
		sessions:    NewSessionRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		addr: cfg.Addr,
	}
}

// Handler builds the route table. Exposed separately from Run so tests can
// drive the mux through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/activity", s.createActivityHandler)
	mux.HandleFunc("/activity/", s.activityRouter)
	mux.HandleFunc("/activities", s.listActivitiesHandler)
	mux.HandleFunc("/conversation", s.createConversationHandler)
	mux.HandleFunc("/conversation/", s.conversationRouter)
	mux.HandleFunc("/ws/conversation/", s.audioSessionHandler)
	return mux
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails. On cancellation the server drains in-flight requests before
// returning.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("Server.Run: shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// activityRouter dispatches /activity/{id} requests.
func (s *Server) activityRouter(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/activity/"), "/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	ctx := context.WithValue(r.Context(), ContextKeyActivityID, id)
	r = r.WithContext(ctx)

	switch r.Method {
	case http.MethodPatch:
		s.updateActivityHandler(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// conversationRouter dispatches /conversation/{id}[/...] requests.
func (s *Server) conversationRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/conversation/"), "/")
	segments := strings.Split(path, "/")
	if len(segments) == 0 || segments[0] == "" {
		http.NotFound(w, r)
		return
	}
	ctx := context.WithValue(r.Context(), ContextKeyConversationID, segments[0])
	r = r.WithContext(ctx)

	switch {
	case len(segments) == 1:
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.getConversationHandler(w, r)
	case len(segments) == 2 && segments[1] == "message":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.submitMessageHandler(w, r)
	case len(segments) == 2 && segments[1] == "stream":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.streamHandler(w, r)
	case len(segments) == 2 && segments[1] == "evaluators":
		if r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.updateEvaluatorsHandler(w, r)
	default:
		http.NotFound(w, r)
	}
}
