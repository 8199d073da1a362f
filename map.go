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

// Package refmap is a concurrent hash map whose entries can be reclaimed,
// either under memory pressure (Soft) or by the garbage collector once no
// strong pointer to an entry remains (Weak). It is a building block for
// caches that must not leak memory but need concurrent lookups and inserts
// without a global lock.
//
// # Segments
//
// The map is split into a power of two number of segments. A key's segment
// is chosen by the top bits of its 32-bit hash, leaving the low bits for
// bucket selection within the segment:
//
//	hash:  sssss bbbbbbbbbbbbbbbbbbbbbbbbbbb
//	       ^     ^
//	       |     bucket index = hash & (len(buckets)-1)
//	       segment index = hash >> (32 - shift)
//
// Each segment owns an array of bucket chains. A chain is a singly linked
// list of references, each holding one entry, the entry's hash and the next
// reference. References are only ever prepended to a chain; a reference's
// next pointer never changes once published. Removal and reclamation do not
// unlink references. Instead the reference is released (its entry cleared)
// and pushed on the segment's reference queue, and the next restructure
// rebuilds the segment's chains without it.
//
// # Concurrency
//
// Reads load the segment's bucket array with an atomic load and walk the
// chain without locking. Writes lock the key's segment. Restructuring builds
// a complete new bucket array off to the side and publishes it with a single
// atomic store, so a reader that loaded the old array keeps observing a
// consistent (if stale) set of chains. Entries are shared between the old
// and new array, so value updates are visible through both.
//
// Reads only lock when the segment's reference queue is non-empty, in which
// case the queued references are purged first.
//
// # Reclamation
//
// Go has no soft references. A Soft map holds its entries strongly and
// releases them only when told to: by Map.Reclaim, or by the Pressure
// configured with WithPressure, which is consulted before inserts. A Weak map
// holds a weak.Pointer to each entry. Once the garbage collector frees an
// entry a cleanup pushes its reference on the queue. Callers can keep a weak
// entry alive by holding the *Entry returned by GetEntry or Entries.
package refmap

import (
	"math"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

const (
	defaultInitialCapacity  = 16
	defaultLoadFactor       = 0.75
	defaultConcurrencyLevel = 16

	maxConcurrencyLevel = 1 << 16
	maxSegmentSize      = 1 << 30
)

// ErrInvalidConfig is returned (wrapped) by New for invalid options.
var ErrInvalidConfig = errors.New("refmap: invalid configuration")

// Map is a concurrent map from keys to values whose entries may be
// reclaimed. See the package documentation for the reclamation rules.
//
// A Map is goroutine-safe. The zero value is not usable; use New.
type Map[K comparable, V any] struct {
	segments      []segment[K, V]
	shift         uint
	loadFactor    float64
	referenceType ReferenceType
	hash          func(key K) uint64
	valueEqual    func(a, b V) bool
	logger        log.Logger
	pressure      Pressure

	// Construction parameters.
	initialCapacity  int
	concurrencyLevel int
}

// New constructs a new Map. The defaults are an initial capacity of 16, a
// load factor of 0.75, a concurrency level of 16 and Soft references. An
// error wrapping ErrInvalidConfig is returned for invalid options.
func New[K comparable, V any](options ...Option[K, V]) (*Map[K, V], error) {
	m := &Map[K, V]{
		loadFactor:       defaultLoadFactor,
		referenceType:    Soft,
		initialCapacity:  defaultInitialCapacity,
		concurrencyLevel: defaultConcurrencyLevel,
	}
	for _, op := range options {
		op.apply(m)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	if m.hash == nil {
		m.hash = defaultHasher[K]()
	}
	if m.valueEqual == nil {
		m.valueEqual = defaultValueEqual[V]
	}
	if m.logger == nil {
		m.logger = log.NewNopLogger()
	}

	m.shift = calculateShift(m.concurrencyLevel, maxConcurrencyLevel)
	n := 1 << m.shift
	roundedUpSegmentCapacity := (m.initialCapacity + n - 1) / n
	initialSize := 1 << calculateShift(roundedUpSegmentCapacity, maxSegmentSize)

	m.segments = make([]segment[K, V], n)
	for i := range m.segments {
		m.segments[i].init(m, initialSize)
	}
	level.Debug(m.logger).Log("msg", "created map", "segments", n,
		"segment_size", initialSize, "reference_type", m.referenceType)
	return m, nil
}

// NewWithConfig constructs a Map from cfg. Additional options are applied
// after the configuration.
func NewWithConfig[K comparable, V any](cfg Config, options ...Option[K, V]) (*Map[K, V], error) {
	typ, err := ParseReferenceType(cfg.ReferenceType)
	if err != nil {
		return nil, err
	}
	opts := []Option[K, V]{
		WithInitialCapacity[K, V](cfg.InitialCapacity),
		WithLoadFactor[K, V](cfg.LoadFactor),
		WithConcurrencyLevel[K, V](cfg.ConcurrencyLevel),
		WithReferenceType[K, V](typ),
	}
	return New(append(opts, options...)...)
}

func (m *Map[K, V]) validate() error {
	return validateParams(m.initialCapacity, m.loadFactor, m.concurrencyLevel, m.referenceType)
}

// validateParams checks the construction parameters shared by New and
// Config.Validate.
func validateParams(initialCapacity int, loadFactor float64, concurrencyLevel int, typ ReferenceType) error {
	if initialCapacity < 0 {
		return errors.Wrapf(ErrInvalidConfig, "initial capacity %d must not be negative", initialCapacity)
	}
	// The negated comparison also rejects NaN.
	if !(loadFactor > 0) || math.IsInf(loadFactor, 1) {
		return errors.Wrapf(ErrInvalidConfig, "load factor %v must be positive and finite", loadFactor)
	}
	if concurrencyLevel <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "concurrency level %d must be positive", concurrencyLevel)
	}
	if typ != Soft && typ != Weak {
		return errors.Wrapf(ErrInvalidConfig, "unknown reference type %d", int(typ))
	}
	return nil
}

// resizeThreshold returns int(size * loadFactor), saturating for load
// factors large enough to never resize.
func resizeThreshold(size int, loadFactor float64) int64 {
	t := float64(size) * loadFactor
	if t >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(t)
}

// calculateShift returns the smallest shift such that 1<<shift is at least
// minimum, stopping once 1<<shift reaches maximum.
func calculateShift(minimum, maximum int) uint {
	var shift uint
	for value := 1; value < minimum && value < maximum; value <<= 1 {
		shift++
	}
	return shift
}

// LoadFactor returns the map's load factor.
func (m *Map[K, V]) LoadFactor() float64 {
	return m.loadFactor
}

// ReferenceType returns the type of references used for entries.
func (m *Map[K, V]) ReferenceType() ReferenceType {
	return m.referenceType
}

func (m *Map[K, V]) hashOf(key K) uint32 {
	return spread(m.hash(key))
}

// segmentFor returns the segment owning hash, selected by its top bits.
func (m *Map[K, V]) segmentFor(hash uint32) *segment[K, V] {
	return &m.segments[hash>>(32-m.shift)]
}

func (m *Map[K, V]) getReference(key K, policy restructurePolicy) *reference[K, V] {
	h := m.hashOf(key)
	return m.segmentFor(h).getReference(key, h, policy)
}

func (m *Map[K, V]) doTask(
	key K, opts taskOption, task func(r *reference[K, V], e *Entry[K, V], add func(V) *Entry[K, V]),
) {
	h := m.hashOf(key)
	m.segmentFor(h).doTask(h, key, opts, task)
}

// Get retrieves the value for key, returning ok=false if the key is not
// present or its entry has been reclaimed.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	if e := m.GetEntry(key); e != nil {
		return e.Value(), true
	}
	return value, false
}

// GetEntry returns the entry for key, or nil. Holding the returned pointer
// keeps the entry of a Weak map from being reclaimed.
func (m *Map[K, V]) GetEntry(key K) *Entry[K, V] {
	r := m.getReference(key, restructureWhenNecessary)
	if r == nil {
		return nil
	}
	return r.get()
}

// ContainsKey reports whether key has a live entry.
func (m *Map[K, V]) ContainsKey(key K) bool {
	return m.GetEntry(key) != nil
}

// Put sets the value for key, returning the previous value if there was one.
func (m *Map[K, V]) Put(key K, value V) (previous V, loaded bool) {
	m.doTask(key, restructureBefore|resize, func(_ *reference[K, V], e *Entry[K, V], add func(V) *Entry[K, V]) {
		if e != nil {
			previous, loaded = e.SetValue(value), true
			return
		}
		add(value)
	})
	return previous, loaded
}

// PutEntry sets the value for key and returns its entry. For a Weak map the
// entry is never exposed to collection between the write and the return, so
// holding the result keeps the key present.
func (m *Map[K, V]) PutEntry(key K, value V) (entry *Entry[K, V]) {
	m.doTask(key, restructureBefore|resize, func(_ *reference[K, V], e *Entry[K, V], add func(V) *Entry[K, V]) {
		if e != nil {
			e.SetValue(value)
			entry = e
			return
		}
		entry = add(value)
	})
	return entry
}

// PutIfAbsent sets the value for key if it has no live entry. Otherwise the
// existing value is returned unchanged with loaded=true.
func (m *Map[K, V]) PutIfAbsent(key K, value V) (actual V, loaded bool) {
	m.doTask(key, restructureBefore|resize, func(_ *reference[K, V], e *Entry[K, V], add func(V) *Entry[K, V]) {
		if e != nil {
			actual, loaded = e.Value(), true
			return
		}
		add(value)
		actual = value
	})
	return actual, loaded
}

// GetOrLoad returns the value for key, calling loader to produce and insert
// it if the key has no live entry. The loader runs under the key's segment
// lock, so concurrent callers for the same key wait for it. The loader must
// not modify m. A loader error is returned and nothing is inserted.
func (m *Map[K, V]) GetOrLoad(key K, loader func(key K) (V, error)) (value V, err error) {
	if e := m.GetEntry(key); e != nil {
		return e.Value(), nil
	}
	m.doTask(key, restructureBefore|resize, func(_ *reference[K, V], e *Entry[K, V], add func(V) *Entry[K, V]) {
		if e != nil {
			value = e.Value()
			return
		}
		var v V
		if v, err = loader(key); err != nil {
			level.Warn(m.logger).Log("msg", "failed to load entry", "key", key, "err", err)
			err = errors.Wrapf(err, "loading %v", key)
			return
		}
		add(v)
		value = v
	})
	return value, err
}

// Delete removes the entry for key, returning its value if it was present.
func (m *Map[K, V]) Delete(key K) (previous V, loaded bool) {
	m.doTask(key, restructureAfter|skipIfEmpty, func(r *reference[K, V], e *Entry[K, V], _ func(V) *Entry[K, V]) {
		if e != nil {
			r.release()
			previous, loaded = e.Value(), true
		}
	})
	return previous, loaded
}

// CompareAndDelete removes the entry for key if its value equals value.
func (m *Map[K, V]) CompareAndDelete(key K, value V) (deleted bool) {
	m.doTask(key, restructureAfter|skipIfEmpty, func(r *reference[K, V], e *Entry[K, V], _ func(V) *Entry[K, V]) {
		if e != nil && m.valueEqual(e.Value(), value) {
			r.release()
			deleted = true
		}
	})
	return deleted
}

// Replace sets the value for key only if it has a live entry, returning the
// previous value.
func (m *Map[K, V]) Replace(key K, value V) (previous V, replaced bool) {
	m.doTask(key, restructureBefore|skipIfEmpty, func(_ *reference[K, V], e *Entry[K, V], _ func(V) *Entry[K, V]) {
		if e != nil {
			previous, replaced = e.SetValue(value), true
		}
	})
	return previous, replaced
}

// CompareAndSwap sets the value for key to new if its current value equals
// old. The comparison and the write are atomic with respect to other writers.
func (m *Map[K, V]) CompareAndSwap(key K, old, new V) (swapped bool) {
	m.doTask(key, restructureBefore|skipIfEmpty, func(_ *reference[K, V], e *Entry[K, V], _ func(V) *Entry[K, V]) {
		if e != nil && m.valueEqual(e.Value(), old) {
			e.SetValue(new)
			swapped = true
		}
	})
	return swapped
}

// ContainsValue reports whether any live entry has a value equal to value.
// It scans every segment without locking.
func (m *Map[K, V]) ContainsValue(value V) bool {
	var found bool
	m.Entries(func(e *Entry[K, V]) bool {
		found = m.valueEqual(e.Value(), value)
		return !found
	})
	return found
}

// Len returns the number of entries in the map. Under concurrent mutation,
// or with reclaimed entries that have not been purged yet, the result is an
// approximation.
func (m *Map[K, V]) Len() int {
	var n int64
	for i := range m.segments {
		n += m.segments[i].count.Load()
	}
	return int(n)
}

// IsEmpty reports whether the map has no entries.
func (m *Map[K, V]) IsEmpty() bool {
	for i := range m.segments {
		if m.segments[i].count.Load() != 0 {
			return false
		}
	}
	return true
}

// Clear removes all entries. Segments are locked and cleared one at a time.
func (m *Map[K, V]) Clear() {
	for i := range m.segments {
		m.segments[i].clear()
	}
}

// PurgeUnreferencedEntries removes references to reclaimed entries from every
// segment. Purging otherwise happens lazily on access.
func (m *Map[K, V]) PurgeUnreferencedEntries() {
	for i := range m.segments {
		m.segments[i].restructureIfNecessary(false)
	}
}

// Reclaim releases every entry in the map and purges them, returning the
// number released. For Soft maps this is the explicit eviction hook to call
// when the application detects memory pressure itself.
func (m *Map[K, V]) Reclaim() int {
	var n int
	for i := range m.segments {
		s := &m.segments[i]
		n += s.releaseAll()
		s.restructureIfNecessary(false)
	}
	if n > 0 {
		level.Debug(m.logger).Log("msg", "reclaimed entries", "released", n)
	}
	return n
}

// All calls yield sequentially for each key and value present in the map. If
// yield returns false, iteration stops. The map can be mutated during
// iteration, though there is no guarantee that the mutations will be visible
// to the iteration. Reclaimed entries are skipped.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	m.Entries(func(e *Entry[K, V]) bool {
		return yield(e.key, e.Value())
	})
}

// Keys calls yield for each key in the map. See All.
func (m *Map[K, V]) Keys(yield func(key K) bool) {
	m.Entries(func(e *Entry[K, V]) bool {
		return yield(e.key)
	})
}

// Values calls yield for each value in the map. See All.
func (m *Map[K, V]) Values(yield func(value V) bool) {
	m.Entries(func(e *Entry[K, V]) bool {
		return yield(e.Value())
	})
}

// Entries calls yield for each live entry in the map. See All.
func (m *Map[K, V]) Entries(yield func(e *Entry[K, V]) bool) {
	for i := range m.segments {
		if !m.segments[i].entries(yield) {
			return
		}
	}
}
