package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"

	"defs"
	"host"
	"vm"
)

// snapshot drains a Collector's Collect output into a map keyed by
// metric name plus its label values, for delta comparisons across two
// points in time (spec §8 S8: "scraping ... reports counts matching the
// sequence exactly").
func snapshot(t *testing.T, c *Collector) map[string]float64 {
	t.Helper()
	descCh := make(chan *prometheus.Desc, 16)
	c.Describe(descCh)
	close(descCh)
	names := map[*prometheus.Desc]string{}
	for d := range descCh {
		names[d] = d.String()
	}

	metricCh := make(chan prometheus.Metric, 32)
	c.Collect(metricCh)
	close(metricCh)

	out := map[string]float64{}
	for m := range metricCh {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			t.Fatalf("Write: %v", err)
		}
		key := names[m.Desc()]
		for _, lp := range pb.GetLabel() {
			key += "/" + lp.GetName() + "=" + lp.GetValue()
		}
		var v float64
		switch {
		case pb.Counter != nil:
			v = pb.GetCounter().GetValue()
		case pb.Gauge != nil:
			v = pb.GetGauge().GetValue()
		}
		out[key] = v
	}
	return out
}

// S8: a sequence of hits, misses, and one COW break is reflected exactly
// by the scraped counters (delta-based, since the underlying counters
// are process-wide cumulative totals shared across this test binary).
func TestCollectReflectsSequence(t *testing.T) {
	col := NewCollector()
	before := snapshot(t, col)

	s := vm.New(host.NewFakeAllocator(), nil)
	s.MapAnonymous(0x10, 1, defs.READ|defs.WRITE)
	addr := defs.PageAddr(0x10)

	buf := make([]byte, 1)
	s.Read(addr, buf) // miss, refills the TLB
	s.Read(addr, buf) // hit

	child, status := s.CloneCOW()
	if status != defs.OK {
		t.Fatalf("CloneCOW failed: %v", status)
	}
	child.Write(addr, []byte{1}) // triggers exactly one COW break

	after := snapshot(t, col)

	cowKey := findKey(t, after, "cow_breaks_total")
	if got, want := after[cowKey]-before[cowKey], 1.0; got != want {
		t.Fatalf("cow_breaks_total delta = %v, want %v", got, want)
	}

	liveKey := findKey(t, after, "backings_live")
	if after[liveKey] < 1 {
		t.Fatalf("backings_live = %v, want >= 1", after[liveKey])
	}

	bytesKey := findKey(t, after, "host_regions_bytes")
	if after[bytesKey] < float64(defs.PageSize) {
		t.Fatalf("host_regions_bytes = %v, want >= %d", after[bytesKey], defs.PageSize)
	}
}

func findKey(t *testing.T, m map[string]float64, substr string) string {
	t.Helper()
	for k := range m {
		if contains(k, substr) {
			return k
		}
	}
	t.Fatalf("no metric key containing %q among %v", substr, m)
	return ""
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestDescribeEmitsEveryDesc(t *testing.T) {
	c := NewCollector()
	ch := make(chan *prometheus.Desc, 16)
	c.Describe(ch)
	close(ch)
	n := 0
	for range ch {
		n++
	}
	if n != 5 {
		t.Fatalf("Describe emitted %d descs, want 5", n)
	}
}
