package telemetry

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	if m.RequestsTotal == nil || m.RequestDuration == nil || m.ActiveRequests == nil {
		t.Error("HTTP collectors are nil")
	}
	if m.StoreDuration == nil || m.StoreErrors == nil {
		t.Error("store collectors are nil")
	}
	if m.TokensConsumed == nil || m.QuotaExceeded == nil || m.CompensationFailures == nil || m.ConsumeOutcomes == nil {
		t.Error("quota collectors are nil")
	}
	if m.QuotaResets == nil || m.UsageQueueLength == nil {
		t.Error("worker collectors are nil")
	}

	// Verify metrics can be gathered without error.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather: %v", err)
	}
}

func TestNewMetricsIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("POST", "/v1/quotas/consume", "200").Inc()
	m.TokensConsumed.WithLabelValues("UserQuotaLimiter").Add(500)
	m.QuotaExceeded.WithLabelValues("ClusterQuotaLimiter").Inc()
	m.ActiveRequests.Set(5)
	m.StoreDuration.WithLabelValues("UserQuotaLimiter", "consume").Observe(0.002)

	if got := testutil.ToFloat64(m.TokensConsumed.WithLabelValues("UserQuotaLimiter")); got != 500 {
		t.Errorf("tokens consumed = %v, want 500", got)
	}
	if got := testutil.ToFloat64(m.QuotaExceeded.WithLabelValues("ClusterQuotaLimiter")); got != 1 {
		t.Errorf("quota exceeded = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather after increment: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"tokenledger_requests_total",
		"tokenledger_tokens_consumed_total",
		"tokenledger_quota_exceeded_total",
		"tokenledger_active_requests",
		"tokenledger_store_duration_seconds",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing metric %q in gathered families", name)
		}
	}
}

func TestSampler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rate float64
		want string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
	}
	for _, tt := range tests {
		if got := Sampler(tt.rate).Description(); got != tt.want {
			t.Errorf("Sampler(%v) = %q, want %q", tt.rate, got, tt.want)
		}
	}
}

func TestEndSpanRecordsError(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	_, span := tp.Tracer("test").Start(t.Context(), "op")
	EndSpan(span, errors.New("boom"))

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", ended[0].Status().Code)
	}
}

// SetupTracing is not unit-tested because it requires a gRPC connection
// to an OTLP collector, which is integration-test territory.
