package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// meterFixture pairs freshly created [Metrics] with a manual reader.
type meterFixture struct {
	t      *testing.T
	m      *Metrics
	reader *sdkmetric.ManualReader
	rm     metricdata.ResourceMetrics
}

func newMeterFixture(t *testing.T) *meterFixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return &meterFixture{t: t, m: m, reader: reader}
}

// snapshot collects once; the accessors below read from the last snapshot.
func (p *meterFixture) snapshot() {
	p.t.Helper()
	if err := p.reader.Collect(context.Background(), &p.rm); err != nil {
		p.t.Fatalf("Collect: %v", err)
	}
}

// sum returns the counter data point matching attrs exactly, or -1.
func (p *meterFixture) sum(name string, attrs ...attribute.KeyValue) int64 {
	p.t.Helper()
	met := findMetric(p.rm, name)
	if met == nil {
		p.t.Fatalf("metric %q not collected", name)
	}
	data, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		p.t.Fatalf("metric %q is %T, want Sum[int64]", name, met.Data)
	}
	want := attribute.NewSet(attrs...)
	for _, dp := range data.DataPoints {
		if dp.Attributes.Equals(&want) {
			return dp.Value
		}
	}
	return -1
}

func (p *meterFixture) histogram(name string) metricdata.HistogramDataPoint[float64] {
	p.t.Helper()
	met := findMetric(p.rm, name)
	if met == nil {
		p.t.Fatalf("metric %q not collected", name)
	}
	data, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(data.DataPoints) != 1 {
		p.t.Fatalf("metric %q = %+v, want one histogram point", name, met.Data)
	}
	return data.DataPoints[0]
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestMetrics_Histograms(t *testing.T) {
	p := newMeterFixture(t)
	ctx := context.Background()
	hs := map[string]metric.Float64Histogram{
		"duplexvoice.playback.lookahead":        p.m.PlaybackLookahead,
		"duplexvoice.playback.gap":              p.m.PlaybackGap,
		"duplexvoice.remote.handshake.duration": p.m.HandshakeDuration,
		"duplexvoice.session.duration":          p.m.SessionDuration,
	}
	for _, h := range hs {
		h.Record(ctx, 0.25)
		h.Record(ctx, 0.5)
	}
	p.snapshot()
	for name := range hs {
		if dp := p.histogram(name); dp.Count != 2 || dp.Sum != 0.75 {
			t.Errorf("%s: count %d sum %v, want 2 and 0.75", name, dp.Count, dp.Sum)
		}
	}
}

func TestMetrics_PipelineCounters(t *testing.T) {
	p := newMeterFixture(t)
	ctx := context.Background()
	cs := []struct {
		name string
		c    metric.Int64Counter
		n    int64
	}{
		{"duplexvoice.capture.frames", p.m.CaptureFrames, 3},
		{"duplexvoice.transmit.chunks", p.m.ChunksSent, 2},
		{"duplexvoice.transmit.errors", p.m.TransmitErrors, 1},
		{"duplexvoice.playback.chunks_received", p.m.ChunksReceived, 4},
		{"duplexvoice.playback.chunks_scheduled", p.m.ChunksScheduled, 5},
	}
	for _, tc := range cs {
		tc.c.Add(ctx, tc.n)
	}
	p.snapshot()
	for _, tc := range cs {
		if got := p.sum(tc.name); got != tc.n {
			t.Errorf("%s = %d, want %d", tc.name, got, tc.n)
		}
	}
}

func TestMetrics_LabelledRecorders(t *testing.T) {
	p := newMeterFixture(t)
	ctx := context.Background()

	p.m.RecordCaptureDrop(ctx, "not_ready")
	p.m.RecordCaptureDrop(ctx, "not_ready")
	p.m.RecordCaptureDrop(ctx, "queue_full")
	p.m.RecordChunkRejected(ctx, "decode")
	p.m.RecordRemoteEvent(ctx, "interrupted")
	p.m.RecordRemoteEvent(ctx, "turn_complete")
	p.m.RecordRemoteEvent(ctx, "turn_complete")
	p.snapshot()

	cases := []struct {
		metric, key, value string
		want               int64
	}{
		{"duplexvoice.capture.dropped", "reason", "not_ready", 2},
		{"duplexvoice.capture.dropped", "reason", "queue_full", 1},
		{"duplexvoice.playback.chunks_rejected", "reason", "decode", 1},
		{"duplexvoice.remote.events", "kind", "interrupted", 1},
		{"duplexvoice.remote.events", "kind", "turn_complete", 2},
	}
	for _, tc := range cases {
		if got := p.sum(tc.metric, Attr(tc.key, tc.value)); got != tc.want {
			t.Errorf("%s{%s=%s} = %d, want %d", tc.metric, tc.key, tc.value, got, tc.want)
		}
	}
}

func TestMetrics_SessionLifecycle(t *testing.T) {
	p := newMeterFixture(t)
	ctx := context.Background()

	p.m.ActiveSessions.Add(ctx, 1)
	p.m.ActiveSessions.Add(ctx, 1)
	p.m.ActiveSessions.Add(ctx, -1)
	p.m.RecordSessionClosed(ctx, "remote_close", 3*time.Second)
	p.snapshot()

	if got := p.sum("duplexvoice.active_sessions"); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
	if got := p.sum("duplexvoice.sessions.closed", Attr("reason", "remote_close")); got != 1 {
		t.Errorf("sessions closed = %d, want 1", got)
	}
	if dp := p.histogram("duplexvoice.session.duration"); dp.Sum != 3 {
		t.Errorf("session duration sum = %v, want 3", dp.Sum)
	}
}

func TestDefaultMetrics_Memoised(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
