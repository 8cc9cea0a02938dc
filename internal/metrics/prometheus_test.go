package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestRecordInvocationIncrementsCounters(t *testing.T) {
	c := New()
	c.RecordInvocation("acme", 0.012, true, true)
	c.RecordInvocation("acme", 0.034, false, false)

	got := gatherCounter(t, c, "kvmruntime_invocations_total")
	if got != 2 {
		t.Fatalf("invocations_total = %v, want 2", got)
	}
	if cold := gatherCounter(t, c, "kvmruntime_cold_starts_total"); cold != 1 {
		t.Fatalf("cold_starts_total = %v, want 1", cold)
	}
	if warm := gatherCounter(t, c, "kvmruntime_warm_starts_total"); warm != 1 {
		t.Fatalf("warm_starts_total = %v, want 1", warm)
	}
}

func TestSetActiveVMsGauge(t *testing.T) {
	c := New()
	c.SetActiveVMs("acme", 3)
	c.SetActiveVMs("acme", 5)

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != "kvmruntime_active_vms" {
			continue
		}
		if len(fam.Metric) != 1 || fam.Metric[0].Gauge.GetValue() != 5 {
			t.Fatalf("active_vms gauge = %+v, want 5", fam.Metric)
		}
		return
	}
	t.Fatal("kvmruntime_active_vms metric not found")
}

func gatherCounter(t *testing.T, c *Collectors, name string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.Metric {
			total += metricValue(m)
		}
	}
	return total
}

func metricValue(m *dto.Metric) float64 {
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	if m.Gauge != nil {
		return m.Gauge.GetValue()
	}
	return 0
}
