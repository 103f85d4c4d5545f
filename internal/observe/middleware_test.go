package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// mwFixture backs Middleware with a manual metric reader and an in-memory
// span exporter so tests can inspect what one request produced.
type mwFixture struct {
	metrics *Metrics
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
}

func newMWFixture(t *testing.T) *mwFixture {
	t.Helper()
	m, reader := newTestMetrics(t)

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	return &mwFixture{metrics: m, reader: reader, spans: exp}
}

// serve runs one request through the middleware-wrapped handler.
func (f *mwFixture) serve(h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	Middleware(f.metrics)(h).ServeHTTP(rec, req)
	return rec
}

var hexID = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestMiddlewareCorrelationHeader(t *testing.T) {
	f := newMWFixture(t)

	var inHandler string
	rec := f.serve(func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
	}, httptest.NewRequest("GET", "/v1/audio/abc", nil))

	if !hexID.MatchString(inHandler) {
		t.Fatalf("correlation ID in handler = %q, want 32 hex chars", inHandler)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inHandler {
		t.Errorf("X-Correlation-ID = %q, want %q", got, inHandler)
	}
}

func TestMiddlewareSpanCoversRequest(t *testing.T) {
	f := newMWFixture(t)

	f.serve(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, httptest.NewRequest("GET", "/v1/audio/missing", nil))

	spans := f.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /v1/audio/missing" {
		t.Errorf("span name = %q", spans[0].Name)
	}

	var status int64
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("span status attribute = %d, want 404", status)
	}
}

func TestMiddlewareRecordsDuration(t *testing.T) {
	f := newMWFixture(t)

	f.serve(func(w http.ResponseWriter, _ *http.Request) {}, httptest.NewRequest("GET", "/metrics-test", nil))

	rm := collect(t, f.reader)
	met := findMetric(rm, "lectern.http.request.duration")
	if met == nil {
		t.Fatal("lectern.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatal("duration metric carries no histogram points")
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	var method, path string
	for _, kv := range dp.Attributes.ToSlice() {
		switch string(kv.Key) {
		case "method":
			method = kv.Value.AsString()
		case "path":
			path = kv.Value.AsString()
		}
	}
	if method != "GET" || path != "/metrics-test" {
		t.Errorf("attributes = (%q, %q), want (GET, /metrics-test)", method, path)
	}
}

func TestMiddlewareHonoursIncomingTraceparent(t *testing.T) {
	f := newMWFixture(t)

	const upstream = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest("GET", "/propagate", nil)
	req.Header.Set("traceparent", "00-"+upstream+"-00f067aa0ba902b7-01")

	rec := f.serve(func(w http.ResponseWriter, _ *http.Request) {}, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != upstream {
		t.Errorf("X-Correlation-ID = %q, want upstream trace %q", got, upstream)
	}
}

func TestMiddlewareBodyPassthrough(t *testing.T) {
	f := newMWFixture(t)

	body := "synthesized audio bytes"
	rec := f.serve(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}, httptest.NewRequest("GET", "/v1/audio/abc", nil))

	if rec.Body.String() != body {
		t.Errorf("body = %q, want %q", rec.Body.String(), body)
	}
}
