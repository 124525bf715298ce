package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tutorpipe/tutorpipe/internal/models"
)

// errorResponseFallback is pre-marshaled at init so encoding failures can
// still produce a well-formed error body.
var errorResponseFallback []byte

func init() {
	var err error
	errorResponseFallback, err = json.Marshal(models.Error("internal server error"))
	if err != nil {
		panic("api: failed to marshal fallback error response: " + err.Error())
	}
}

// writeJSONResponse marshals resp and writes it with the given status code.
// If marshaling fails it falls back to a canned 500 body.
func writeJSONResponse(w http.ResponseWriter, statusCode int, resp models.APIResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		slog.Error("writeJSONResponse: failed to marshal response", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write(errorResponseFallback)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}
