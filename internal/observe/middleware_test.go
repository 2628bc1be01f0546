package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type middlewareRig struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
	logs    *bytes.Buffer
}

// newMiddlewareRig wraps a mux shaped like the control API in the middleware.
func newMiddlewareRig(t *testing.T) *middlewareRig {
	t.Helper()
	rig := &middlewareRig{
		reader: sdkmetric.NewManualReader(),
		spans:  installTracer(t),
		logs:   &bytes.Buffer{},
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(rig.reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(rig.logs, &slog.HandlerOptions{Level: slog.LevelInfo}))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/session", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("POST /v1/session", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Echo-Trace", TraceID(r.Context()))
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("GET /v1/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept through middleware: %v", err)
			return
		}
		defer conn.CloseNow()
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"state":"idle"}`))
	})
	rig.handler = Middleware(NewDiagnostics(logger, m))(mux)
	return rig
}

func (rig *middlewareRig) serve(method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	return rec
}

// durations returns the histogram data points keyed by "method route status".
func (rig *middlewareRig) durations(t *testing.T) map[string]uint64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := rig.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := map[string]uint64{}
	met := findMetric(rm, "duplexvoice.http.request.duration")
	if met == nil {
		return out
	}
	for _, dp := range met.Data.(metricdata.Histogram[float64]).DataPoints {
		method, _ := dp.Attributes.Value("method")
		route, _ := dp.Attributes.Value("route")
		status, _ := dp.Attributes.Value("status")
		out[method.AsString()+" "+route.AsString()+" "+status.Emit()] = dp.Count
	}
	return out
}

func TestMiddleware_TraceHeader(t *testing.T) {
	rig := newMiddlewareRig(t)

	rec := rig.serve("POST", "/v1/session", nil)
	id := rec.Header().Get(TraceHeader)
	if len(id) != 32 {
		t.Fatalf("%s = %q, want a 32 hex digit trace ID", TraceHeader, id)
	}
	if got := rec.Header().Get("Echo-Trace"); got != id {
		t.Errorf("handler saw trace %q, header carries %q", got, id)
	}

	// An incoming traceparent is continued rather than replaced.
	const parent = "4bf92f3577b34da6a3ce929d0e0e4736"
	rec = rig.serve("POST", "/v1/session", http.Header{
		"Traceparent": {"00-" + parent + "-00f067aa0ba902b7-01"},
	})
	if got := rec.Header().Get(TraceHeader); got != parent {
		t.Errorf("%s = %q, want propagated %q", TraceHeader, got, parent)
	}
}

func TestMiddleware_SpanNamedByRoute(t *testing.T) {
	rig := newMiddlewareRig(t)

	rig.serve("GET", "/v1/session", nil)
	rig.serve("GET", "/nowhere", nil)

	spans := rig.spans.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	cases := []struct {
		name   string
		status int64
	}{
		{"HTTP GET /v1/session", http.StatusNotFound},
		{"HTTP " + unmatchedRoute, http.StatusNotFound},
	}
	for i, want := range cases {
		s := spans[i]
		if s.Name != want.name {
			t.Errorf("span %d name = %q, want %q", i, s.Name, want.name)
		}
		var status int64
		for _, a := range s.Attributes {
			if a.Key == "http.response.status_code" {
				status = a.Value.AsInt64()
			}
		}
		if status != want.status {
			t.Errorf("span %d status = %d, want %d", i, status, want.status)
		}
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	rig := newMiddlewareRig(t)

	rig.serve("POST", "/v1/session", nil)
	rig.serve("POST", "/v1/session", nil)
	rig.serve("GET", "/v1/session", nil)
	rig.serve("GET", "/does/not/exist", nil)

	got := rig.durations(t)
	want := map[string]uint64{
		"POST POST /v1/session 201": 2,
		"GET GET /v1/session 404":   1,
		"GET unmatched 404":         1,
	}
	if len(got) != len(want) {
		t.Errorf("series = %v, want %v", got, want)
	}
	for k, n := range want {
		if got[k] != n {
			t.Errorf("count[%q] = %d, want %d", k, got[k], n)
		}
	}
}

func TestMiddleware_HealthRoutesLogAtDebug(t *testing.T) {
	rig := newMiddlewareRig(t)

	rig.serve("GET", "/healthz", nil)
	rig.serve("POST", "/v1/session", nil)

	out := rig.logs.String()
	if strings.Contains(out, "/healthz") {
		t.Errorf("health request logged at info:\n%s", out)
	}
	if !strings.Contains(out, `route="POST /v1/session"`) || !strings.Contains(out, "status=201") {
		t.Errorf("control request not logged:\n%s", out)
	}
}

func TestMiddleware_WebSocketStreamNotTimed(t *testing.T) {
	rig := newMiddlewareRig(t)
	srv := httptest.NewServer(rig.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != `{"state":"idle"}` {
		t.Errorf("message = %q", data)
	}
	_, _, _ = conn.Read(ctx) // wait for the server to close the stream

	// The span ends after the handler returns; poll briefly for it.
	deadline := time.Now().Add(2 * time.Second)
	for len(rig.spans.GetSpans()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	spans := rig.spans.GetSpans()
	if len(spans) != 1 || spans[0].Name != "HTTP GET /v1/events" {
		t.Fatalf("spans = %+v, want one for the event stream", spans)
	}
	if got := rig.durations(t); len(got) != 0 {
		t.Errorf("histogram series = %v, want none for an upgraded stream", got)
	}
}
