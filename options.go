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

import "github.com/go-kit/log"

// Option configures a Map while it is being created.
type Option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type optionFunc[K comparable, V any] func(m *Map[K, V])

func (f optionFunc[K, V]) apply(m *Map[K, V]) {
	f(m)
}

// WithInitialCapacity sets the number of entries the map can hold, spread
// over all segments, before the first resize.
func WithInitialCapacity[K comparable, V any](n int) Option[K, V] {
	return optionFunc[K, V](func(m *Map[K, V]) {
		m.initialCapacity = n
	})
}

// WithLoadFactor sets the fraction of a segment's bucket array that may be
// used before the segment doubles.
func WithLoadFactor[K comparable, V any](f float64) Option[K, V] {
	return optionFunc[K, V](func(m *Map[K, V]) {
		m.loadFactor = f
	})
}

// WithConcurrencyLevel sets the expected number of concurrently writing
// goroutines. The number of segments is the next power of two, capped at
// 65536.
func WithConcurrencyLevel[K comparable, V any](n int) Option[K, V] {
	return optionFunc[K, V](func(m *Map[K, V]) {
		m.concurrencyLevel = n
	})
}

// WithReferenceType selects Soft or Weak references for all entries.
func WithReferenceType[K comparable, V any](t ReferenceType) Option[K, V] {
	return optionFunc[K, V](func(m *Map[K, V]) {
		m.referenceType = t
	})
}

// WithHash is an option to specify the hash function to use for keys. The
// hash is folded to 32 bits and spread before use, so only its overall
// distribution matters.
func WithHash[K comparable, V any](hash func(key K) uint64) Option[K, V] {
	return optionFunc[K, V](func(m *Map[K, V]) {
		m.hash = hash
	})
}

// WithValueEqual specifies how values are compared by CompareAndSwap,
// CompareAndDelete and ContainsValue. The default uses == on the values as
// interfaces, which panics if the dynamic type is not comparable.
func WithValueEqual[K comparable, V any](equal func(a, b V) bool) Option[K, V] {
	return optionFunc[K, V](func(m *Map[K, V]) {
		m.valueEqual = equal
	})
}

// WithLogger sets the logger used to report restructuring, memory pressure
// and load failures.
func WithLogger[K comparable, V any](logger log.Logger) Option[K, V] {
	return optionFunc[K, V](func(m *Map[K, V]) {
		m.logger = logger
	})
}

// WithPressure sets the memory pressure signal consulted by Soft maps before
// inserting. While it reports pressure, each write releases the soft
// references of the segment it touches.
func WithPressure[K comparable, V any](p Pressure) Option[K, V] {
	return optionFunc[K, V](func(m *Map[K, V]) {
		m.pressure = p
	})
}
