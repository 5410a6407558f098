package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordFallbackDecision(t *testing.T) {
	before := testutil.ToFloat64(FallbackDecisions.WithLabelValues("pro-auto", "personal"))
	RecordFallbackDecision("pro-auto", "personal")
	after := testutil.ToFloat64(FallbackDecisions.WithLabelValues("pro-auto", "personal"))

	if after != before+1 {
		t.Errorf("expected counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestRecordCooldownArmed(t *testing.T) {
	before := testutil.ToFloat64(CooldownsArmed.WithLabelValues("flash"))
	RecordCooldownArmed("flash")
	RecordCooldownArmed("flash")
	after := testutil.ToFloat64(CooldownsArmed.WithLabelValues("flash"))

	if after != before+2 {
		t.Errorf("expected counter to increase by 2, got %v -> %v", before, after)
	}
}

func TestRecordRequest(t *testing.T) {
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("flash-auto", "dynamic", "200"))
	RecordRequest("flash-auto", "dynamic", "200")
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("flash-auto", "dynamic", "200"))

	if after != before+1 {
		t.Errorf("expected counter to increase by 1, got %v -> %v", before, after)
	}
}
