package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestMetrics_ImplementsInterface(t *testing.T) {
	var _ billing.Metrics = NewMetrics(prometheus.NewRegistry(), "test")
}

func TestMetrics_RecordOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordOperation("create", "success")
	m.RecordOperation("create", "success")
	m.RecordOperation("create", "CONFLICT")
	m.RecordOperationDuration("create", 25*time.Millisecond)

	mf := findMetric(t, reg, "test_billing_operations_total")
	if mf == nil {
		t.Fatal("operations_total not registered")
	}
	if len(mf.GetMetric()) != 2 {
		t.Errorf("expected 2 label sets, got %d", len(mf.GetMetric()))
	}

	var total float64
	for _, metric := range mf.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	if total != 3 {
		t.Errorf("expected 3 operations, got %v", total)
	}

	if findMetric(t, reg, "test_billing_operation_duration_seconds") == nil {
		t.Error("operation_duration_seconds not recorded")
	}
}

func TestMetrics_RecordStatusChange_EmptyFrom(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordStatusChange("", billing.StatusActive)

	mf := findMetric(t, reg, "test_billing_status_changes_total")
	if mf == nil {
		t.Fatal("status_changes_total not recorded")
	}
	labels := mf.GetMetric()[0].GetLabel()
	for _, l := range labels {
		if l.GetName() == "from_status" && l.GetValue() != "none" {
			t.Errorf("from_status = %q, want none", l.GetValue())
		}
	}
}

func TestMetrics_WebhookAndAPICalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookEvent("stripe", "invoice.paid", "success")
	m.RecordWebhookProcessingDuration("stripe", "invoice.paid", time.Millisecond)
	m.RecordWebhookError("stripe", "auth_failed")
	m.RecordAPICall("stripe", "/checkout/sessions", "success")
	m.RecordAPICallDuration("stripe", "/checkout/sessions", time.Millisecond)
	m.RecordEventPublished("subscription.created", "success")

	for _, name := range []string{
		"test_billing_webhook_events_total",
		"test_billing_webhook_processing_duration_seconds",
		"test_billing_webhook_errors_total",
		"test_billing_api_calls_total",
		"test_billing_api_call_duration_seconds",
		"test_billing_events_published_total",
	} {
		if findMetric(t, reg, name) == nil {
			t.Errorf("%s not recorded", name)
		}
	}
}
