// Package stats provides a tiny always-on atomic counter, the building
// block the TLB, the backing package, and the address space use to track
// hits, misses, COW breaks and access faults without ever taking a lock. The
// metrics package periodically reads these counters and renders them as
// Prometheus series; nothing in this package knows about Prometheus.
//
// The teacher kernel's Counter_t compiled out to a no-op unless a global
// Stats flag was set at build time, because it relied on runtime.Rdtsc, a
// custom runtime intrinsic unavailable to a hosted Go program. There is no
// such intrinsic here, so cycle counting is dropped and the plain counters
// are simply always on: the atomic increment is cheap enough not to need
// the toggle.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
)

// Counter is a monotonically increasing statistic, safe for concurrent use.
type Counter struct {
	n int64
}

// Inc increments the counter by one.
func (c *Counter) Inc() {
	atomic.AddInt64(&c.n, 1)
}

// Add increments the counter by delta.
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.n, delta)
}

// Load returns the counter's current value.
func (c *Counter) Load() int64 {
	return atomic.LoadInt64(&c.n)
}

// Dump renders every Counter field of st (a struct or pointer to struct)
// as "Name: value" lines, for debug logging of an address space's
// instrumentation block.
func Dump(st interface{}) string {
	v := reflect.ValueOf(st)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	var b strings.Builder
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		if f.Type().String() != "stats.Counter" {
			continue
		}
		c := f.Addr().Interface().(*Counter)
		b.WriteString(v.Type().Field(i).Name)
		b.WriteString(": ")
		b.WriteString(strconv.FormatInt(c.Load(), 10))
		b.WriteString("\n")
	}
	return b.String()
}
