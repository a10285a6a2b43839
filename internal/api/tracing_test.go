package api

import (
	"image/color"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const (
	callerTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	callerSpanID  = "00f067aa0ba902b7"
)

func newTracedFixture(t *testing.T) (*fixture, *tracetest.SpanRecorder) {
	t.Helper()
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	f := newFixture(t, func(o *Options) { o.Tracer = tp.Tracer("thumbforge/api-test") })
	return f, recorder
}

func spanAttributes(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestTracingContinuesCallerTraceForCompositions(t *testing.T) {
	f, recorder := newTracedFixture(t)

	body, contentType := multipartBody(t, map[string]string{"x": "-40", "scale": "0.75", "rotation": "15"}, map[string][]byte{
		"product":    pngBytes(t, 120, 80, color.NRGBA{R: 0xff, A: 0xff}),
		"background": pngBytes(t, 300, 200, color.NRGBA{B: 0xff, A: 0xff}),
	})
	rec := f.do(t, http.MethodPost, "/v1/compositions", body, http.Header{
		"Content-Type": {contentType},
		"Traceparent":  {"00-" + callerTraceID + "-" + callerSpanID + "-01"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, callerTraceID, rec.Header().Get("X-Trace-Id"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "POST /v1/compositions", span.Name())
	assert.Equal(t, callerTraceID, span.SpanContext().TraceID().String())
	assert.Equal(t, callerSpanID, span.Parent().SpanID().String())

	attrs := spanAttributes(span)
	assert.Equal(t, "compose", attrs["thumbforge.operation"].AsString())
	assert.Equal(t, int64(-40), attrs["thumbforge.transform.x"].AsInt64())
	assert.Equal(t, 0.75, attrs["thumbforge.transform.scale"].AsFloat64())
	assert.Equal(t, 15.0, attrs["thumbforge.transform.rotation"].AsFloat64())
	assert.True(t, attrs["thumbforge.export.success"].AsBool())
	assert.NotEmpty(t, attrs["thumbforge.job_id"].AsString())
	assert.Equal(t, int64(http.StatusOK), attrs["http.status_code"].AsInt64())
	assert.Equal(t, codes.Unset, span.Status().Code)
}

func TestTracingTagsCreatedJobs(t *testing.T) {
	f, recorder := newTracedFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{"source_type":"local_file","product_key":"mug.png","background_key":"desk.png"}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := spanAttributes(spans[0])
	assert.Equal(t, "create_job", attrs["thumbforge.operation"].AsString())
	assert.Equal(t, "local_file", attrs["thumbforge.source_type"].AsString())
	assert.Equal(t, "created", attrs["thumbforge.job_status"].AsString())
	assert.Equal(t, 1.0, attrs["thumbforge.transform.scale"].AsFloat64())
	assert.NotEmpty(t, attrs["thumbforge.job_id"].AsString())
}

func TestTracingMarksServerErrors(t *testing.T) {
	f, recorder := newTracedFixture(t)
	f.server.composer = nil

	rec := f.do(t, http.MethodPost, "/v1/compositions", strings.NewReader(""), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, int64(http.StatusServiceUnavailable), spanAttributes(spans[0])["http.status_code"].AsInt64())
}
