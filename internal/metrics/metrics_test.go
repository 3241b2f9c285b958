package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMustRegisterAllExposesIncrementedCounters(t *testing.T) {
	reg := NewRegistry()
	promReg := prometheus.NewRegistry()
	reg.MustRegisterAll(promReg)

	reg.Forwarding.L2Forwarded.IncrementBy(3)
	reg.Channel.ChannelsEstablished.Increment()

	families, err := promReg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	values := make(map[string]float64)
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			values[fam.GetName()] = m.GetGauge().GetValue()
		}
	}

	if got := values["ofswitch_l2_forwarded_total"]; got != 3 {
		t.Fatalf("ofswitch_l2_forwarded_total = %v, want 3", got)
	}
	if got := values["ofswitch_channels_established_total"]; got != 1 {
		t.Fatalf("ofswitch_channels_established_total = %v, want 1", got)
	}
	if got := values["ofswitch_l3_dropped_total"]; got != 0 {
		t.Fatalf("ofswitch_l3_dropped_total = %v, want 0 for an untouched counter", got)
	}
}

func TestDescriptorsCoverBothStatGroups(t *testing.T) {
	r := NewRegistry()
	names := make(map[string]bool)
	for _, d := range r.descriptors() {
		if names[d.name] {
			t.Fatalf("duplicate metric name %s", d.name)
		}
		names[d.name] = true
	}
	if len(names) < 14 {
		t.Fatalf("expected at least 14 registered counters, got %d", len(names))
	}
}
