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
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/pkg/errors"
)

// ReferenceType controls how aggressively the entries of a Map may be
// reclaimed.
type ReferenceType int

const (
	// Soft entries are held strongly by the map. They are only released when
	// the configured Pressure reports that the process is short on memory or
	// when Map.Reclaim is called.
	Soft ReferenceType = iota
	// Weak entries are held weakly by the map. The garbage collector reclaims
	// an entry as soon as no strong *Entry pointer to it remains outside the
	// map.
	Weak
)

func (t ReferenceType) String() string {
	switch t {
	case Soft:
		return "soft"
	case Weak:
		return "weak"
	default:
		return "unknown"
	}
}

// ParseReferenceType parses "soft" or "weak" (case insensitive).
func ParseReferenceType(s string) (ReferenceType, error) {
	switch strings.ToLower(s) {
	case "soft":
		return Soft, nil
	case "weak":
		return Weak, nil
	}
	return 0, errors.Wrapf(ErrInvalidConfig, "unknown reference type %q", s)
}

// Entry is a single key/value pair stored in a Map. The key is immutable and
// the value may be updated concurrently. For a Weak map, holding a pointer to
// the Entry keeps it from being reclaimed.
type Entry[K comparable, V any] struct {
	key   K
	value atomic.Pointer[V]
}

func newEntry[K comparable, V any](key K, value V) *Entry[K, V] {
	e := &Entry[K, V]{key: key}
	e.value.Store(&value)
	return e
}

// Key returns the entry's key.
func (e *Entry[K, V]) Key() K {
	return e.key
}

// Value returns the entry's current value.
func (e *Entry[K, V]) Value() V {
	return *e.value.Load()
}

// SetValue replaces the entry's value, returning the previous one.
func (e *Entry[K, V]) SetValue(value V) (previous V) {
	return *e.value.Swap(&value)
}

// referent is the reclaimable part of a reference. A soft referent holds its
// entry strongly until cleared, a weak referent lets the garbage collector
// decide.
type referent[K comparable, V any] interface {
	// get returns the entry, or nil if it has been cleared or collected.
	get() *Entry[K, V]
	// clear detaches the entry. Subsequent calls to get return nil.
	clear()
	// detach stops any pending collection notification without clearing
	// the entry. Used when a rebuilt chain takes over the entry.
	detach()
}

type softReferent[K comparable, V any] struct {
	entry atomic.Pointer[Entry[K, V]]
}

func (r *softReferent[K, V]) get() *Entry[K, V] {
	return r.entry.Load()
}

func (r *softReferent[K, V]) clear() {
	r.entry.Store(nil)
}

func (r *softReferent[K, V]) detach() {
}

type weakReferent[K comparable, V any] struct {
	ptr     weak.Pointer[Entry[K, V]]
	cleared atomic.Bool
	cleanup runtime.Cleanup
}

func (r *weakReferent[K, V]) get() *Entry[K, V] {
	if r.cleared.Load() {
		return nil
	}
	return r.ptr.Value()
}

func (r *weakReferent[K, V]) clear() {
	r.cleared.Store(true)
	r.cleanup.Stop()
}

func (r *weakReferent[K, V]) detach() {
	r.cleanup.Stop()
}

// reference is a cell in a segment's bucket chain. The hash is captured at
// creation so that a reclaimed reference can still be located for purging.
// next is never modified once the reference is published.
type reference[K comparable, V any] struct {
	referent referent[K, V]
	hash     uint32
	next     *reference[K, V]
	queue    *referenceQueue[K, V]
	enqueued atomic.Bool
}

// newReference creates a reference of the given type. For Weak references a
// cleanup is registered that enqueues the reference once the entry has been
// collected.
func newReference[K comparable, V any](
	typ ReferenceType, queue *referenceQueue[K, V], e *Entry[K, V], hash uint32, next *reference[K, V],
) *reference[K, V] {
	r := &reference[K, V]{
		hash:  hash,
		next:  next,
		queue: queue,
	}
	switch typ {
	case Weak:
		w := &weakReferent[K, V]{ptr: weak.Make(e)}
		w.cleanup = runtime.AddCleanup(e, (*reference[K, V]).enqueue, r)
		r.referent = w
	default:
		s := &softReferent[K, V]{}
		s.entry.Store(e)
		r.referent = s
	}
	return r
}

// get returns the referenced entry or nil if it has been reclaimed.
func (r *reference[K, V]) get() *Entry[K, V] {
	return r.referent.get()
}

// release clears the reference and makes sure it is returned by the next
// referenceQueue.poll.
func (r *reference[K, V]) release() {
	r.referent.clear()
	r.enqueue()
}

func (r *reference[K, V]) enqueue() {
	if r.enqueued.CompareAndSwap(false, true) {
		r.queue.push(r)
	}
}

// referenceQueue is a FIFO of references whose entries are no longer
// reachable. It is fed by release and by garbage collector cleanups, which
// run on their own goroutine.
type referenceQueue[K comparable, V any] struct {
	pending atomic.Int32
	mu      sync.Mutex
	refs    []*reference[K, V]
}

func (q *referenceQueue[K, V]) push(r *reference[K, V]) {
	q.mu.Lock()
	q.refs = append(q.refs, r)
	q.pending.Add(1)
	q.mu.Unlock()
}

// poll removes and returns the oldest queued reference, or nil if the queue
// is empty. It never blocks on an empty queue.
func (q *referenceQueue[K, V]) poll() *reference[K, V] {
	if q.pending.Load() == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.refs) == 0 {
		return nil
	}
	r := q.refs[0]
	q.refs[0] = nil
	q.refs = q.refs[1:]
	q.pending.Add(-1)
	return r
}

func (q *referenceQueue[K, V]) len() int {
	return int(q.pending.Load())
}
