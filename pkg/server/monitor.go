package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Sternrassler/odata-batch/pkg/store"
)

// ServeMonitor reports the state of an async batch: 202 while it runs, the
// stored composite response once it is done and 404 for unknown or expired
// jobs.
func (s *Server) ServeMonitor(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	logger := s.logger.With().Str("batch_id", id).Logger()

	if s.opts.Store == nil {
		writeError(w, logger, http.StatusNotFound, "asynchronous processing is disabled", "")
		return
	}

	result, err := s.opts.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, logger, http.StatusNotFound, "unknown batch "+id, "")
			return
		}
		logger.Error().Err(err).Msg("Failed to read async result")
		writeError(w, logger, http.StatusInternalServerError, "cannot read batch status", "")
		return
	}

	if !result.Done() {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Body)))
	w.WriteHeader(result.StatusCode)
	if _, err := w.Write(result.Body); err != nil {
		logger.Warn().Err(err).Msg("Failed to write async result")
	}
}
