package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/oxzoid/gatewaycore/pkg/metrics"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(metrics.AddressesIssued)
	metrics.AddressesIssued.Inc()
	after := testutil.ToFloat64(metrics.AddressesIssued)
	if after != before+1 {
		t.Fatalf("expected AddressesIssued to increment by 1, got %v -> %v", before, after)
	}
}

func TestVecLabelsAreIndependent(t *testing.T) {
	metrics.PayoutsExecuted.WithLabelValues("success").Inc()
	metrics.PayoutsExecuted.WithLabelValues("failure").Inc()
	metrics.PayoutsExecuted.WithLabelValues("failure").Inc()

	success := testutil.ToFloat64(metrics.PayoutsExecuted.WithLabelValues("success"))
	failure := testutil.ToFloat64(metrics.PayoutsExecuted.WithLabelValues("failure"))
	if failure != success+1 {
		t.Fatalf("expected failure count to be success+1, got success=%v failure=%v", success, failure)
	}
}
