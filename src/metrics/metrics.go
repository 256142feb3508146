// Package metrics renders the guest virtual-memory subsystem's atomic
// counters (spec §4.3.1, §4.1) as Prometheus series. It never touches the
// page-table or TLB lock: every value it reports comes from a
// sync/atomic load, so scraping cannot stall a mutating operation or an
// access in flight (spec §4.8). Modeled on the teacher pack's own
// Prometheus collector shape (prometheus-style Desc fields populated
// once in a constructor, then read by Describe/Collect).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"backing"
	"tlb"
	"vm"
)

const namespace = "guestvm"

// Collector implements prometheus.Collector for one process's worth of
// guest virtual-memory subsystem state: every address space's TLB and
// every live backing share the process-wide counters this package
// reads, so one Collector is enough regardless of how many address
// spaces the embedding emulator creates.
type Collector struct {
	tlbLookups    *prometheus.Desc
	cowBreaks     *prometheus.Desc
	accessFaults  *prometheus.Desc
	backingsLive  *prometheus.Desc
	hostRegionsSz *prometheus.Desc
}

// NewCollector returns a Collector ready to register with a
// prometheus.Registry.
func NewCollector() *Collector {
	return &Collector{
		tlbLookups: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tlb_lookups_total"),
			"Software TLB lookups, by result.",
			[]string{"result"}, nil,
		),
		cowBreaks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "cow_breaks_total"),
			"Copy-on-write page breaks performed.",
			nil, nil,
		),
		accessFaults: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "access_faults_total"),
			"Guest memory accesses that faulted, by reason.",
			[]string{"reason"}, nil,
		),
		backingsLive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "backings_live"),
			"Page backings currently alive across every address space.",
			nil, nil,
		),
		hostRegionsSz: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "host_regions_bytes"),
			"Total host bytes currently mapped via backings.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tlbLookups
	ch <- c.cowBreaks
	ch <- c.accessFaults
	ch <- c.backingsLive
	ch <- c.hostRegionsSz
}

// Collect implements prometheus.Collector. Every value read here is an
// atomic load (tlb.GlobalHits/GlobalMisses, backing.COWBreaks/LiveCount/
// LiveBytes, vm.FaultsUnmapped/FaultsProtection); none of it takes the
// per-space lock that map/unmap/set_flags/COW-break hold.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.tlbLookups, prometheus.CounterValue,
		float64(tlb.GlobalHits()), "hit")
	ch <- prometheus.MustNewConstMetric(c.tlbLookups, prometheus.CounterValue,
		float64(tlb.GlobalMisses()), "miss")

	ch <- prometheus.MustNewConstMetric(c.cowBreaks, prometheus.CounterValue,
		float64(backing.COWBreaks()))

	ch <- prometheus.MustNewConstMetric(c.accessFaults, prometheus.CounterValue,
		float64(vm.FaultsUnmapped()), "unmapped")
	ch <- prometheus.MustNewConstMetric(c.accessFaults, prometheus.CounterValue,
		float64(vm.FaultsProtection()), "protection")

	ch <- prometheus.MustNewConstMetric(c.backingsLive, prometheus.GaugeValue,
		float64(backing.LiveCount()))
	ch <- prometheus.MustNewConstMetric(c.hostRegionsSz, prometheus.GaugeValue,
		float64(backing.LiveBytes()))
}
