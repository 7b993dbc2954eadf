package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Target  string `json:"target,omitempty"`
}

// errorPayload renders the JSON error envelope used for top-level failures.
func errorPayload(status int, message, target string) []byte {
	data, _ := json.Marshal(errorBody{Error: errorDetail{
		Code:    strconv.Itoa(status),
		Message: message,
		Target:  target,
	}})
	return data
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, status int, message, target string) {
	httpRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()

	payload := errorPayload(status, message, target)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		logger.Warn().Err(err).Msg("Failed to write error response")
	}
}
