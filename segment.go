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
	"sync"
	"sync/atomic"

	"github.com/go-kit/log/level"
)

// restructurePolicy controls whether getReference may purge reclaimed
// references before searching.
type restructurePolicy int

const (
	restructureWhenNecessary restructurePolicy = iota
	restructureNever
)

// taskOption controls the work doTask performs around a task.
type taskOption uint8

const (
	// restructureBefore purges (and with resize, grows) before locking.
	restructureBefore taskOption = 1 << iota
	// restructureAfter purges after unlocking. Used by removals so that the
	// released reference is dropped and the count updated right away.
	restructureAfter
	// skipIfEmpty runs the task without locking when the segment is empty.
	skipIfEmpty
	// resize allows the restructure to grow the segment.
	resize
)

func (o taskOption) has(opt taskOption) bool {
	return o&opt != 0
}

// bucketArray is the array of chain heads of a segment. A published array is
// never resized; restructuring builds a new array and swaps the pointer.
type bucketArray[K comparable, V any] []atomic.Pointer[reference[K, V]]

func (b bucketArray[K, V]) index(hash uint32) uint32 {
	return hash & uint32(len(b)-1)
}

// segment is an independently locked shard of a Map. Readers load the bucket
// array and walk chains without locking. Writers hold mu.
type segment[K comparable, V any] struct {
	m  *Map[K, V]
	mu sync.Mutex
	// queue collects references released explicitly or reclaimed by the
	// garbage collector.
	queue referenceQueue[K, V]
	// initialSize is the bucket array length restored by clear.
	initialSize int
	buckets     atomic.Pointer[bucketArray[K, V]]
	// count is the number of references in the chains. It may include
	// references that were reclaimed but not yet purged.
	count atomic.Int64
	// resizeThreshold is int(len(buckets) * loadFactor), saturated at
	// math.MaxInt64.
	resizeThreshold atomic.Int64

	resizes  atomic.Uint64
	purged   atomic.Uint64
	released atomic.Uint64
}

func (s *segment[K, V]) init(m *Map[K, V], initialSize int) {
	s.m = m
	s.initialSize = initialSize
	s.reset()
}

// reset installs an empty bucket array of the initial size. Requires mu to
// be held once the segment is published.
func (s *segment[K, V]) reset() {
	b := make(bucketArray[K, V], s.initialSize)
	s.buckets.Store(&b)
	s.resizeThreshold.Store(resizeThreshold(len(b), s.m.loadFactor))
	s.count.Store(0)
}

func (s *segment[K, V]) loadBuckets() bucketArray[K, V] {
	return *s.buckets.Load()
}

// getReference returns the live reference for key, or nil.
func (s *segment[K, V]) getReference(key K, hash uint32, policy restructurePolicy) *reference[K, V] {
	if policy == restructureWhenNecessary {
		s.restructureIfNecessary(false)
	}
	if s.count.Load() == 0 {
		return nil
	}
	b := s.loadBuckets()
	return findInChain(b[b.index(hash)].Load(), key, hash)
}

// findInChain walks a chain comparing the captured hash before dereferencing
// the entry. Reclaimed references never match.
func findInChain[K comparable, V any](r *reference[K, V], key K, hash uint32) *reference[K, V] {
	for ; r != nil; r = r.next {
		if r.hash != hash {
			continue
		}
		if e := r.get(); e != nil && e.key == key {
			return r
		}
	}
	return nil
}

// doTask locks the segment, finds the reference for key and invokes task with
// the reference, its entry (both nil if absent) and an add function that
// prepends a new entry to the key's chain. add may only be called while the
// task runs.
func (s *segment[K, V]) doTask(
	hash uint32,
	key K,
	opts taskOption,
	task func(r *reference[K, V], e *Entry[K, V], add func(value V) *Entry[K, V]),
) {
	allowResize := opts.has(resize)
	if allowResize {
		s.relieveMemoryPressure()
	}
	if opts.has(restructureBefore) {
		s.restructureIfNecessary(allowResize)
	}
	if opts.has(skipIfEmpty) && s.count.Load() == 0 {
		task(nil, nil, nil)
		return
	}

	s.runLocked(hash, key, task)

	if opts.has(restructureAfter) {
		s.restructureIfNecessary(allowResize)
	}
}

// runLocked runs task under the segment lock. The lock is released even if
// task panics, e.g. in a GetOrLoad loader or a value comparison.
func (s *segment[K, V]) runLocked(
	hash uint32,
	key K,
	task func(r *reference[K, V], e *Entry[K, V], add func(value V) *Entry[K, V]),
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.loadBuckets()
	i := b.index(hash)
	head := b[i].Load()
	r := findInChain(head, key, hash)
	var e *Entry[K, V]
	if r != nil {
		e = r.get()
	}
	task(r, e, func(value V) *Entry[K, V] {
		ne := newEntry(key, value)
		b[i].Store(newReference(s.m.referenceType, &s.queue, ne, hash, head))
		s.count.Add(1)
		return ne
	})
}

// restructureIfNecessary restructures the segment if references are waiting
// to be purged or, when allowResize is set, the segment has reached its
// resize threshold. The lock is only taken when restructuring.
func (s *segment[K, V]) restructureIfNecessary(allowResize bool) {
	count := s.count.Load()
	needsResize := allowResize && count > 0 && count >= s.resizeThreshold.Load()
	r := s.queue.poll()
	if r != nil || needsResize {
		s.restructure(allowResize, r)
	}
}

// restructure rebuilds every chain into a new bucket array, dropping purged
// and reclaimed references. The array doubles when resizing is allowed and
// the purged count has reached the threshold. pending is a reference already
// taken from the queue; the rest of the queue is drained here.
func (s *segment[K, V]) restructure(allowResize bool, pending *reference[K, V]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	countAfterPurge := s.count.Load()
	var toPurge map[*reference[K, V]]struct{}
	if pending != nil {
		toPurge = make(map[*reference[K, V]]struct{})
		for r := pending; r != nil; r = s.queue.poll() {
			toPurge[r] = struct{}{}
		}
	}
	countAfterPurge -= int64(len(toPurge))

	old := s.loadBuckets()
	size := len(old)
	resizing := false
	if allowResize && countAfterPurge > 0 && countAfterPurge >= s.resizeThreshold.Load() {
		if size < maxSegmentSize {
			size <<= 1
			resizing = true
		} else {
			level.Debug(s.m.logger).Log("msg", "segment at maximum size, not resizing",
				"size", size, "count", countAfterPurge)
		}
	}

	restructured := make(bucketArray[K, V], size)
	var live, dropped int64
	for i := range old {
		for r := old[i].Load(); r != nil; r = r.next {
			if _, ok := toPurge[r]; ok {
				dropped++
				continue
			}
			e := r.get()
			if e == nil {
				// Collected, but its cleanup has not run yet. The cleanup
				// will enqueue a reference that is no longer in any chain.
				dropped++
				continue
			}
			j := restructured.index(r.hash)
			restructured[j].Store(newReference(s.m.referenceType, &s.queue, e, r.hash, restructured[j].Load()))
			r.referent.detach()
			live++
		}
	}

	s.buckets.Store(&restructured)
	s.resizeThreshold.Store(resizeThreshold(size, s.m.loadFactor))
	s.count.Store(max(live, 0))

	if dropped > 0 {
		s.purged.Add(uint64(dropped))
	}
	if resizing {
		s.resizes.Add(1)
	}
	level.Debug(s.m.logger).Log("msg", "restructured segment",
		"size", size, "resized", resizing, "live", live, "purged", dropped)
}

// releaseAll releases every reference in the segment and returns how many
// were released. The released references are purged by the next restructure.
func (s *segment[K, V]) releaseAll() int {
	if s.count.Load() == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	b := s.loadBuckets()
	for i := range b {
		for r := b[i].Load(); r != nil; r = r.next {
			if r.get() != nil {
				r.release()
				n++
			}
		}
	}
	s.released.Add(uint64(n))
	return n
}

// relieveMemoryPressure releases the segment's soft references when the map's
// Pressure reports that memory is short.
func (s *segment[K, V]) relieveMemoryPressure() {
	m := s.m
	if m.referenceType != Soft || m.pressure == nil || s.count.Load() == 0 {
		return
	}
	if !m.pressure.UnderPressure() {
		return
	}
	if n := s.releaseAll(); n > 0 {
		level.Warn(m.logger).Log("msg", "released soft references under memory pressure", "released", n)
	}
}

// clear empties the segment, restoring the initial bucket array size.
func (s *segment[K, V]) clear() {
	if s.count.Load() == 0 && s.queue.len() == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.loadBuckets()
	for i := range b {
		for r := b[i].Load(); r != nil; r = r.next {
			r.referent.detach()
		}
	}
	for s.queue.poll() != nil {
	}
	s.reset()
}

// capacity returns the length of the current bucket array.
func (s *segment[K, V]) capacity() int {
	return len(s.loadBuckets())
}

// entries calls yield for each live entry in the segment without locking.
func (s *segment[K, V]) entries(yield func(e *Entry[K, V]) bool) bool {
	b := s.loadBuckets()
	for i := range b {
		for r := b[i].Load(); r != nil; r = r.next {
			if e := r.get(); e != nil {
				if !yield(e) {
					return false
				}
			}
		}
	}
	return true
}
