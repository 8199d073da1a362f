// Copyright 2026 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package refmap

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point in time summary of a Map. Counters are cumulative since
// the map was created.
type Stats struct {
	Segments int
	// Entries is the sum of segment counts; see Map.Len.
	Entries int
	// Capacity is the total length of all segment bucket arrays.
	Capacity int
	// Pending is the number of references waiting to be purged.
	Pending int
	// Resizes counts segment doublings.
	Resizes uint64
	// Purged counts references dropped by restructuring.
	Purged uint64
	// Released counts references released by Reclaim or memory pressure.
	Released uint64
}

// Stats collects statistics from every segment without locking.
func (m *Map[K, V]) Stats() Stats {
	st := Stats{Segments: len(m.segments)}
	for i := range m.segments {
		s := &m.segments[i]
		st.Entries += int(s.count.Load())
		st.Capacity += s.capacity()
		st.Pending += s.queue.len()
		st.Resizes += s.resizes.Load()
		st.Purged += s.purged.Load()
		st.Released += s.released.Load()
	}
	return st
}

func (s Stats) String() string {
	return fmt.Sprintf("segments=%s entries=%s capacity=%s pending=%s resizes=%s purged=%s released=%s",
		humanize.Comma(int64(s.Segments)), humanize.Comma(int64(s.Entries)),
		humanize.Comma(int64(s.Capacity)), humanize.Comma(int64(s.Pending)),
		humanize.Comma(int64(s.Resizes)), humanize.Comma(int64(s.Purged)),
		humanize.Comma(int64(s.Released)))
}

type statsCollector struct {
	stats func() Stats

	entries  *prometheus.Desc
	segments *prometheus.Desc
	capacity *prometheus.Desc
	pending  *prometheus.Desc
	resizes  *prometheus.Desc
	purged   *prometheus.Desc
	released *prometheus.Desc
}

// NewCollector returns a prometheus.Collector exporting the Stats of m,
// labelled with name.
func NewCollector[K comparable, V any](m *Map[K, V], name string) prometheus.Collector {
	labels := prometheus.Labels{"name": name}
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("refmap", "", metric), help, nil, labels)
	}
	return &statsCollector{
		stats:    m.Stats,
		entries:  desc("entries", "Number of entries, including reclaimed entries not yet purged."),
		segments: desc("segments", "Number of segments."),
		capacity: desc("buckets", "Total number of buckets across all segments."),
		pending:  desc("pending_purge", "Number of references waiting to be purged."),
		resizes:  desc("resizes_total", "Total number of segment resizes."),
		purged:   desc("purged_total", "Total number of references purged by restructuring."),
		released: desc("released_total", "Total number of references released by reclaim or memory pressure."),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.segments
	ch <- c.capacity
	ch <- c.pending
	ch <- c.resizes
	ch <- c.purged
	ch <- c.released
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(st.Entries))
	ch <- prometheus.MustNewConstMetric(c.segments, prometheus.GaugeValue, float64(st.Segments))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(st.Capacity))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(st.Pending))
	ch <- prometheus.MustNewConstMetric(c.resizes, prometheus.CounterValue, float64(st.Resizes))
	ch <- prometheus.MustNewConstMetric(c.purged, prometheus.CounterValue, float64(st.Purged))
	ch <- prometheus.MustNewConstMetric(c.released, prometheus.CounterValue, float64(st.Released))
}

var _ prometheus.Collector = (*statsCollector)(nil)
