package cyphalmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	cyphalmetrics "github.com/dantte-lp/gocyphal/internal/metrics"
	"github.com/dantte-lp/gocyphal/internal/transport"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := cyphalmetrics.NewCollector(reg)

	if c.TransfersAccepted == nil {
		t.Error("TransfersAccepted is nil")
	}
	if c.DuplicatesDropped == nil {
		t.Error("DuplicatesDropped is nil")
	}
	if c.SendSuccesses == nil {
		t.Error("SendSuccesses is nil")
	}
	if c.SendTimeouts == nil {
		t.Error("SendTimeouts is nil")
	}
	if c.SendErrors == nil {
		t.Error("SendErrors is nil")
	}
	if c.DeserializationFailures == nil {
		t.Error("DeserializationFailures is nil")
	}
	if c.UnexpectedResponses == nil {
		t.Error("UnexpectedResponses is nil")
	}
	if c.Ports == nil {
		t.Error("Ports is nil")
	}
}

// counterValue reads back a labeled counter via the client model.
func counterValue(t *testing.T, vec *prometheus.CounterVec, label string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := vec.WithLabelValues(label).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestCollectorImplementsReporter(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := cyphalmetrics.NewCollector(reg)
	var mr transport.MetricsReporter = c

	ds := transport.MessageDataSpecifier{Subject: 2000}
	mr.RecordTransferAccepted(ds)
	mr.RecordTransferAccepted(ds)
	mr.RecordDuplicateDropped(ds)
	mr.RecordSendSuccess(ds)
	mr.RecordSendTimeout(ds)
	mr.RecordSendError(ds)
	mr.RecordDeserializationFailure(ds)
	mr.RecordUnexpectedResponse(ds)

	label := ds.String()
	if got := counterValue(t, c.TransfersAccepted, label); got != 2 {
		t.Errorf("TransfersAccepted = %v, want 2", got)
	}
	if got := counterValue(t, c.DuplicatesDropped, label); got != 1 {
		t.Errorf("DuplicatesDropped = %v, want 1", got)
	}
	if got := counterValue(t, c.SendSuccesses, label); got != 1 {
		t.Errorf("SendSuccesses = %v, want 1", got)
	}

	mr.RegisterPort("publisher")
	mr.RegisterPort("publisher")
	mr.UnregisterPort("publisher")
	m := &dto.Metric{}
	if err := c.Ports.WithLabelValues("publisher").Write(m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 1 {
		t.Errorf("Ports gauge = %v, want 1", got)
	}
}
