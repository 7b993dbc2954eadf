// Package server exposes batch processing over HTTP.
//
// POST <batch path> accepts multipart/mixed and JSON batches and answers
// with a composite response in the same format. Individual sub-request
// failures only show inside the composite body; a top-level error status
// is returned for payloads that cannot be decoded or validated.
//
// With a result store configured, Prefer: respond-async runs the batch in
// the background and answers 202 Accepted with the location of a status
// monitor.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/Sternrassler/odata-batch/pkg/batch"
	"github.com/Sternrassler/odata-batch/pkg/jsonbatch"
	"github.com/Sternrassler/odata-batch/pkg/logging"
	"github.com/Sternrassler/odata-batch/pkg/mixed"
	"github.com/Sternrassler/odata-batch/pkg/store"
	"github.com/rs/zerolog"
)

// Options configure a Server.
type Options struct {
	// BatchPath is the path of the batch endpoint.
	BatchPath string

	// MonitorPath is the path prefix of async status monitors. It must end
	// with a slash.
	MonitorPath string

	// MaxBodyBytes limits the size of a batch payload.
	MaxBodyBytes int64

	// MaxRequests limits the number of sub-requests per batch; 0 disables
	// the limit.
	MaxRequests int

	// Store keeps async results. Without a store respond-async is ignored.
	Store *store.Store
}

// DefaultOptions returns the default server options.
func DefaultOptions() Options {
	return Options{
		BatchPath:    "/$batch",
		MonitorPath:  "/$batch-monitor/",
		MaxBodyBytes: 10 << 20,
		MaxRequests:  1000,
	}
}

// Server handles $batch requests.
type Server struct {
	processor *batch.Processor
	opts      Options
	logger    zerolog.Logger
	jobs      sync.WaitGroup
}

// New creates a server.
func New(processor *batch.Processor, opts Options) (*Server, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if !strings.HasPrefix(opts.BatchPath, "/") {
		return nil, fmt.Errorf("batch path must start with / (got %q)", opts.BatchPath)
	}
	if !strings.HasPrefix(opts.MonitorPath, "/") || !strings.HasSuffix(opts.MonitorPath, "/") {
		return nil, fmt.Errorf("monitor path must start and end with / (got %q)", opts.MonitorPath)
	}
	if opts.MaxBodyBytes <= 0 {
		return nil, fmt.Errorf("max body bytes must be positive (got %d)", opts.MaxBodyBytes)
	}
	if opts.MaxRequests < 0 {
		return nil, fmt.Errorf("max requests must be >= 0 (got %d)", opts.MaxRequests)
	}

	return &Server{
		processor: processor,
		opts:      opts,
		logger:    logging.NewLogger("server"),
	}, nil
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+s.opts.BatchPath, s.ServeBatch)
	mux.HandleFunc("GET "+s.opts.MonitorPath+"{id}", s.ServeMonitor)
	return mux
}

// Wait blocks until all async jobs have finished.
func (s *Server) Wait() {
	s.jobs.Wait()
}

// ServeBatch decodes, executes and answers one batch request.
func (s *Server) ServeBatch(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With().Str("remote_addr", r.RemoteAddr).Logger()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, logger, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("batch payload exceeds %d bytes", tooLarge.Limit), "")
			return
		}
		writeError(w, logger, http.StatusBadRequest, "reading batch payload: "+err.Error(), "")
		return
	}

	requests, opts, err := s.decode(r.Header.Get("Content-Type"), body)
	if err != nil {
		var unsupported *unsupportedMediaTypeError
		if errors.As(err, &unsupported) {
			writeError(w, logger, http.StatusUnsupportedMediaType, err.Error(), "")
			return
		}
		var de *batch.DeserializationError
		target := ""
		if errors.As(err, &de) {
			target = de.Property
		}
		logger.Warn().Err(err).Msg("Rejected batch payload")
		writeError(w, logger, http.StatusBadRequest, err.Error(), target)
		return
	}
	if s.opts.MaxRequests > 0 && len(requests) > s.opts.MaxRequests {
		writeError(w, logger, http.StatusBadRequest,
			fmt.Sprintf("batch contains %d requests, limit is %d", len(requests), s.opts.MaxRequests), "")
		return
	}

	prefs := parsePrefer(r.Header)
	opts.ContinueOnError = prefs.continueOnError

	ex, err := batch.NewExecution(requests, opts)
	if err != nil {
		writeError(w, logger, http.StatusBadRequest, err.Error(), "")
		return
	}

	async := prefs.respondAsync && s.opts.Store != nil
	if applied := prefs.applied(async); applied != "" {
		w.Header().Set("Preference-Applied", applied)
	}

	if async {
		s.accept(w, r, ex, logger)
		return
	}

	status, contentType, payload, err := s.run(r.Context(), ex)
	if err != nil {
		logger.Error().Err(err).Str("batch_id", ex.ID()).Msg("Batch failed")
		writeError(w, logger, status, err.Error(), "")
		return
	}
	s.writeComposite(w, logger, status, contentType, payload)
}

// accept stores a running job and executes ex in the background.
func (s *Server) accept(w http.ResponseWriter, r *http.Request, ex *batch.Execution, logger zerolog.Logger) {
	// The job outlives the request; keep its values but not its deadline.
	ctx := context.WithoutCancel(r.Context())
	if _, err := s.opts.Store.Create(ctx, ex.ID()); err != nil {
		logger.Error().Err(err).Str("batch_id", ex.ID()).Msg("Failed to create async job")
		writeError(w, logger, http.StatusInternalServerError, "cannot schedule batch", "")
		return
	}
	asyncJobsTotal.WithLabelValues("accepted").Inc()

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		s.complete(ctx, ex)
	}()

	w.Header().Set("Location", s.opts.MonitorPath+ex.ID())
	w.Header().Set("Retry-After", "1")
	httpRequestsTotal.WithLabelValues(strconv.Itoa(http.StatusAccepted)).Inc()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) complete(ctx context.Context, ex *batch.Execution) {
	logger := logging.ForBatch(s.logger, ex.ID(), string(ex.Semantics()))

	status, contentType, payload, batchErr := s.run(ctx, ex)
	if batchErr != nil {
		contentType = "application/json"
		payload = errorPayload(status, batchErr.Error(), "")
	}

	if err := s.opts.Store.Complete(ctx, ex.ID(), status, contentType, payload, batchErr); err != nil {
		asyncJobsTotal.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Msg("Failed to store async result")
		return
	}
	outcome := "completed"
	if batchErr != nil {
		outcome = "failed"
	}
	asyncJobsTotal.WithLabelValues(outcome).Inc()
	logger.Debug().Int("status", status).Msg("Stored async result")
}

// run executes ex and renders the composite response. A non-nil error means
// no composite response could be produced; status is then the error status.
func (s *Server) run(ctx context.Context, ex *batch.Execution) (int, string, []byte, error) {
	err := s.processor.Process(ctx, ex)
	if err != nil && len(ex.Responses()) < ex.Len() {
		// Only a batch that never ran its sub-requests fails as a whole.
		return http.StatusInternalServerError, "", nil, err
	}

	var buf bytes.Buffer
	var contentType string
	switch ex.Semantics() {
	case batch.SemanticsMultipart:
		boundary := ex.Boundary()
		if boundary == "" {
			boundary = mixed.NewBoundary()
		}
		if encErr := mixed.Encode(&buf, ex, boundary); encErr != nil {
			return http.StatusInternalServerError, "", nil, fmt.Errorf("encode response: %w", encErr)
		}
		contentType = mixed.ContentType(boundary)
	default:
		if encErr := jsonbatch.Encode(&buf, ex); encErr != nil {
			return http.StatusInternalServerError, "", nil, fmt.Errorf("encode response: %w", encErr)
		}
		contentType = jsonbatch.MediaType
	}
	return http.StatusOK, contentType, buf.Bytes(), nil
}

func (s *Server) writeComposite(w http.ResponseWriter, logger zerolog.Logger, status int, contentType string, payload []byte) {
	httpRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		logger.Warn().Err(err).Msg("Failed to write batch response")
	}
}

type unsupportedMediaTypeError struct {
	mediaType string
}

func (e *unsupportedMediaTypeError) Error() string {
	return fmt.Sprintf("unsupported batch content type %q", e.mediaType)
}

// decode selects the wire format by content type.
func (s *Server) decode(contentType string, body []byte) ([]*batch.Request, batch.Options, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, batch.Options{}, &unsupportedMediaTypeError{mediaType: contentType}
	}

	switch mediaType {
	case mixed.MediaType:
		boundary, err := mixed.Boundary(contentType)
		if err != nil {
			return nil, batch.Options{}, err
		}
		requests, err := mixed.Decode(bytes.NewReader(body), boundary)
		return requests, batch.Options{Semantics: batch.SemanticsMultipart, Boundary: boundary}, err
	case jsonbatch.MediaType:
		requests, err := jsonbatch.Decode(bytes.NewReader(body))
		return requests, batch.Options{Semantics: batch.SemanticsJSON}, err
	default:
		return nil, batch.Options{}, &unsupportedMediaTypeError{mediaType: mediaType}
	}
}
