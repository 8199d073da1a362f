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
	"math"
	"runtime/metrics"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Pressure reports whether the process is short on memory. It is consulted
// by Soft maps on every insert and must be cheap.
type Pressure interface {
	UnderPressure() bool
}

// PressureFunc adapts a function to the Pressure interface.
type PressureFunc func() bool

// UnderPressure implements Pressure.
func (f PressureFunc) UnderPressure() bool {
	return f()
}

const (
	heapObjectsMetric = "/memory/classes/heap/objects:bytes"
	memoryLimitMetric = "/gc/gomemlimit:bytes"

	defaultPressureFraction = 0.9
	defaultPressureInterval = 100 * time.Millisecond
)

// HeapPressure reports pressure when the bytes occupied by live and not yet
// swept heap objects exceed a fraction of a limit. Samples are taken at most
// once per interval; in between the last result is returned.
type HeapPressure struct {
	limit    uint64
	fraction float64
	interval time.Duration
	logger   log.Logger
	now      func() time.Time

	mu       sync.Mutex
	samples  []metrics.Sample
	next     atomic.Int64
	pressure atomic.Bool
	failed   bool
}

// NewHeapPressure returns a HeapPressure. A zero limit uses the Go memory
// limit (see runtime/debug.SetMemoryLimit); with no memory limit set,
// pressure is never reported. A fraction outside (0, 1] defaults to 0.9 and
// a non-positive interval to 100ms.
func NewHeapPressure(limit uint64, fraction float64, interval time.Duration, logger log.Logger) *HeapPressure {
	if !(fraction > 0 && fraction <= 1) {
		fraction = defaultPressureFraction
	}
	if interval <= 0 {
		interval = defaultPressureInterval
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &HeapPressure{
		limit:    limit,
		fraction: fraction,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		samples: []metrics.Sample{
			{Name: heapObjectsMetric},
			{Name: memoryLimitMetric},
		},
	}
}

// UnderPressure implements Pressure.
func (p *HeapPressure) UnderPressure() bool {
	now := p.now().UnixNano()
	if now < p.next.Load() || !p.mu.TryLock() {
		return p.pressure.Load()
	}
	defer p.mu.Unlock()
	p.next.Store(now + int64(p.interval))
	p.pressure.Store(p.sample())
	return p.pressure.Load()
}

func (p *HeapPressure) sample() bool {
	if p.failed {
		return false
	}
	metrics.Read(p.samples)
	heap, limitSample := p.samples[0].Value, p.samples[1].Value
	if heap.Kind() != metrics.KindUint64 {
		p.failed = true
		level.Error(p.logger).Log("msg", "runtime metric unsupported, memory pressure disabled",
			"metric", heapObjectsMetric)
		return false
	}

	limit := p.limit
	if limit == 0 {
		if limitSample.Kind() != metrics.KindUint64 {
			p.failed = true
			level.Error(p.logger).Log("msg", "runtime metric unsupported, memory pressure disabled",
				"metric", memoryLimitMetric)
			return false
		}
		limit = limitSample.Uint64()
		if limit == math.MaxInt64 {
			// No memory limit configured.
			return false
		}
	}
	return float64(heap.Uint64()) >= float64(limit)*p.fraction
}
