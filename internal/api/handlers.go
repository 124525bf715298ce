package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tutorpipe/tutorpipe/internal/models"
)

// conversationResult is the response body for conversation reads and creates.
type conversationResult struct {
	Conversation models.Conversation `json:"conversation"`
	Messages     []models.Message    `json:"messages"`
}

// messageAckResult acknowledges a submitted message while generation runs in
// the background.
type messageAckResult struct {
	UserMessage models.Message `json:"userMessage"`
	Processing  bool           `json:"processing"`
}

type updateActivityRequest struct {
	Visible *bool `json:"visible"`
}

func (s *Server) createActivityHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req models.CreateActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	activity, err := s.eng.CreateActivity(req)
	if err != nil {
		slog.Error("Server.createActivityHandler: failed to create activity", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to create activity"))
		return
	}
	slog.Info("Server.createActivityHandler: activity created", "activityID", activity.ID, "name", activity.Name)
	writeJSONResponse(w, http.StatusCreated, models.Success(activity))
}

func (s *Server) listActivitiesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	visibleOnly := r.URL.Query().Get("all") != "true"
	activities, err := s.st.ListActivities(visibleOnly)
	if err != nil {
		slog.Error("Server.listActivitiesHandler: failed to list activities", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to list activities"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(activities))
}

func (s *Server) updateActivityHandler(w http.ResponseWriter, r *http.Request) {
	activityID := r.Context().Value(ContextKeyActivityID).(string)

	var req updateActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid request body"))
		return
	}
	if req.Visible == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("visible field is required"))
		return
	}
	if err := s.st.UpdateActivityVisibility(activityID, *req.Visible); err != nil {
		if errors.Is(err, models.ErrActivityNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("activity not found"))
			return
		}
		slog.Error("Server.updateActivityHandler: failed to update activity", "activityID", activityID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to update activity"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("activity updated", nil))
}

func (s *Server) createConversationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req models.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	conv, messages, err := s.eng.CreateConversation(r.Context(), req)
	if err != nil {
		if errors.Is(err, models.ErrActivityNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("activity not found"))
			return
		}
		slog.Error("Server.createConversationHandler: failed to create conversation", "activityID", req.ActivityID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to create conversation"))
		return
	}
	slog.Info("Server.createConversationHandler: conversation created", "conversationID", conv.ID, "activityID", conv.ActivityID)
	writeJSONResponse(w, http.StatusCreated, models.Success(conversationResult{Conversation: conv, Messages: messages}))
}

func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := r.Context().Value(ContextKeyConversationID).(string)

	conv, messages, err := s.eng.GetConversation(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("conversation not found"))
			return
		}
		slog.Error("Server.getConversationHandler: failed to load conversation", "conversationID", conversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to load conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conversationResult{Conversation: conv, Messages: messages}))
}

func (s *Server) submitMessageHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := r.Context().Value(ContextKeyConversationID).(string)

	var req models.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	userMsg, err := s.eng.SubmitMessage(r.Context(), conversationID, req.Message)
	if err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("conversation not found"))
			return
		}
		slog.Error("Server.submitMessageHandler: failed to submit message", "conversationID", conversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to submit message"))
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Success(messageAckResult{UserMessage: userMsg, Processing: true}))
}

func (s *Server) updateEvaluatorsHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := r.Context().Value(ContextKeyConversationID).(string)

	var req models.UpdateEvaluatorsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	assignments, err := s.eng.SetEvaluators(conversationID, req.Evaluators)
	if err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("conversation not found"))
			return
		}
		slog.Error("Server.updateEvaluatorsHandler: failed to set evaluators", "conversationID", conversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to set evaluators"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(assignments))
}
