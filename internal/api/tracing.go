package api

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/thumbforge/internal/domain"
	"github.com/dunamismax/thumbforge/internal/pipeline"
)

// withTracing opens a server span per request, continuing any trace the
// caller propagated. The trace id is echoed so clients can correlate a
// composition or job with its spans.
func (s *Server) withTracing(next http.Handler) http.Handler {
	if s.tracer == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		route := routeLabel(r.URL.Path)
		ctx, span := s.tracer.Start(ctx, r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		if op, ok := operationFor(r); ok {
			span.SetAttributes(attribute.String("thumbforge.operation", string(op)))
		}
		if sc := span.SpanContext(); sc.HasTraceID() {
			w.Header().Set("X-Trace-Id", sc.TraceID().String())
		}

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
		}
	})
}

func transformAttributes(t domain.Transform) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("thumbforge.transform.x", t.X()),
		attribute.Int("thumbforge.transform.y", t.Y()),
		attribute.Float64("thumbforge.transform.scale", t.Scale()),
		attribute.Float64("thumbforge.transform.rotation", t.Rotation()),
	}
}

// annotateComposition records what a synchronous composition was asked to do
// and what it produced on the request span.
func annotateComposition(ctx context.Context, req pipeline.Request, result pipeline.Result) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(transformAttributes(req.Transform)...)
	span.SetAttributes(
		attribute.String("thumbforge.job_id", req.JobID),
		attribute.Bool("thumbforge.remove_background", req.RemoveBackground),
		attribute.String("thumbforge.removal_strategy", result.RemovalStrategy),
		attribute.Bool("thumbforge.export.success", result.Export.Success),
		attribute.String("thumbforge.export.filename", result.Export.Filename),
	)
}

// annotateJob tags the request span with a queued job's identity.
func annotateJob(ctx context.Context, job domain.Job) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(transformAttributes(job.Transform)...)
	span.SetAttributes(
		attribute.String("thumbforge.job_id", job.ID),
		attribute.String("thumbforge.source_type", job.SourceType),
		attribute.String("thumbforge.job_status", job.Status),
	)
}
