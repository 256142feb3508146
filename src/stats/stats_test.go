package stats

import "testing"

func TestCounter(t *testing.T) {
	var c Counter
	if c.Load() != 0 {
		t.Fatal("new counter must start at zero")
	}
	c.Inc()
	c.Inc()
	c.Add(3)
	if c.Load() != 5 {
		t.Fatalf("Load() = %d, want 5", c.Load())
	}
}

func TestDump(t *testing.T) {
	type block struct {
		Hits   Counter
		Misses Counter
		other  int
	}
	var b block
	b.Hits.Add(2)
	b.Misses.Add(7)
	s := Dump(&b)
	if !contains(s, "Hits: 2") || !contains(s, "Misses: 7") {
		t.Fatalf("Dump output missing expected counters: %q", s)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
