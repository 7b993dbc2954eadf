package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// executor runs single sub-requests against the resource handler.
type executor struct {
	handler ResourceHandler
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// execute runs r exactly once and records the outcome in ex. The returned
// error is the framework-level error, already recorded.
func (e *executor) execute(ctx context.Context, ex *Execution, r *Request) error {
	req := r.Clone()

	if id, _, ok := ParseReference(r.URL); ok {
		if _, known := ex.Request(id); known {
			loc, found := ex.Location(id)
			if !found {
				shortCircuitsTotal.WithLabelValues(strconv.Itoa(http.StatusFailedDependency)).Inc()
				e.logger.Warn().
					Str("request_id", r.ID).
					Str("reference", id).
					Msg("Referenced request has no location, short-circuiting")
				ex.record(r, errorResponse(http.StatusFailedDependency,
					fmt.Sprintf("referenced request %q did not produce a location", id)))
				return nil
			}
			req.URL = ResolveReference(r.URL, loc)
		}
	}

	ctx, span := e.tracer.Start(ctx, "batch.subrequest",
		trace.WithAttributes(
			attribute.String("batch.request_id", r.ID),
			attribute.String("batch.atomicity_group", r.AtomicityGroup),
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL),
		))
	defer span.End()

	start := time.Now()
	resp, err := e.handler.Process(ctx, req)
	duration := time.Since(start)
	subrequestDuration.Observe(duration.Seconds())

	if err == nil && resp == nil {
		err = ErrNilResponse
	}
	if err != nil {
		subrequestsTotal.WithLabelValues("error").Inc()
		frameworkErrorsTotal.WithLabelValues("handler").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error().
			Err(err).
			Str("request_id", r.ID).
			Str("atomicity_group", r.AtomicityGroup).
			Dur("duration", duration).
			Msg("Resource handler failed")
		ex.recordFrameworkError(r, err)
		return err
	}

	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	subrequestsTotal.WithLabelValues(statusClass(resp.StatusCode)).Inc()

	ex.record(r, resp)

	event := e.logger.Debug()
	if resp.Failed() {
		event = e.logger.Warn()
	}
	event.
		Str("request_id", r.ID).
		Str("atomicity_group", r.AtomicityGroup).
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Msg("Sub-request completed")
	return nil
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorResponse builds a synthetic JSON error response.
func errorResponse(status int, message string) *Response {
	body, _ := json.Marshal(errorBody{Error: errorDetail{Code: strconv.Itoa(status), Message: message}})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &Response{StatusCode: status, Header: h, Body: body}
}
