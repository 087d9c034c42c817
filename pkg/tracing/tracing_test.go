package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingProvider() (*Provider, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return NewProvider(tp, "test"), rec
}

func TestInitTracer_Disabled(t *testing.T) {
	p, err := InitTracer(context.Background(), Config{ServiceName: "dubber"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	_, span := p.StartSpan(context.Background(), "noop")
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetError(t *testing.T) {
	p, rec := newRecordingProvider()

	ctx, span := p.StartSpan(context.Background(), "job")
	SetError(ctx, errors.New("boom"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
}

func TestInjectExtractRoundTrip(t *testing.T) {
	p, _ := newRecordingProvider()
	ctx, span := p.StartSpan(context.Background(), "outbound")
	defer span.End()

	req := httptest.NewRequest(http.MethodPost, "/translation", nil)
	InjectHTTPHeaders(ctx, req)
	require.NotEmpty(t, req.Header.Get("traceparent"))

	got := ExtractHTTPHeaders(context.Background(), req)
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(got).TraceID())
}

func TestHTTPMiddleware(t *testing.T) {
	p, rec := newRecordingProvider()

	handler := HTTPMiddleware(p)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/x", nil))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /api/v1/jobs/x", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
