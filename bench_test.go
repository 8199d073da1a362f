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
	"io"
	"strconv"
	"sync"
	"testing"

	"github.com/aclements/go-perfevent/perfbench"
)

func BenchmarkMapIter(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int", benchSizes(benchmarkRuntimeMapIter[int64], genKeys[int64]))
	})
	b.Run("impl=refMap", func(b *testing.B) {
		b.Run("t=Int", benchSizes(benchmarkRefMapIter[int64], genKeys[int64]))
	})
}

func BenchmarkMapGetHit(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapGetHit[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkRuntimeMapGetHit[string], genKeys[string]))
	})
	b.Run("impl=syncMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkSyncMapGetHit[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkSyncMapGetHit[string], genKeys[string]))
	})
	b.Run("impl=refMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRefMapGetHit[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkRefMapGetHit[string], genKeys[string]))
	})
}

func BenchmarkMapGetMiss(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapGetMiss[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkRuntimeMapGetMiss[string], genKeys[string]))
	})
	b.Run("impl=refMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRefMapGetMiss[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkRefMapGetMiss[string], genKeys[string]))
	})
}

func BenchmarkMapPutGrow(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapPutGrow[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkRuntimeMapPutGrow[string], genKeys[string]))
	})
	for _, typ := range []ReferenceType{Soft, Weak} {
		b.Run("impl=refMap/ref="+typ.String(), func(b *testing.B) {
			b.Run("t=Int64", benchSizes(benchmarkRefMapPutGrow[int64](typ), genKeys[int64]))
			b.Run("t=String", benchSizes(benchmarkRefMapPutGrow[string](typ), genKeys[string]))
		})
	}
}

func BenchmarkMapPutPreAllocate(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapPutPreAllocate[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkRuntimeMapPutPreAllocate[string], genKeys[string]))
	})
	b.Run("impl=refMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRefMapPutPreAllocate[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkRefMapPutPreAllocate[string], genKeys[string]))
	})
}

func BenchmarkMapPutDelete(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapPutDelete[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkRuntimeMapPutDelete[string], genKeys[string]))
	})
	b.Run("impl=refMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRefMapPutDelete[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkRefMapPutDelete[string], genKeys[string]))
	})
}

// BenchmarkMapParallel runs a 90% read, 10% write workload from
// GOMAXPROCS goroutines.
func BenchmarkMapParallel(b *testing.B) {
	const n = 1 << 16
	keys := genKeys[int64](0, n)

	b.Run("impl=mutexMap", func(b *testing.B) {
		var mu sync.RWMutex
		m := make(map[int64]int64, n)
		for _, k := range keys {
			m[k] = k
		}
		runParallel(b, func(k int64, write bool) {
			if write {
				mu.Lock()
				m[k] = k
				mu.Unlock()
				return
			}
			mu.RLock()
			_ = m[k]
			mu.RUnlock()
		})
	})
	b.Run("impl=syncMap", func(b *testing.B) {
		var m sync.Map
		for _, k := range keys {
			m.Store(k, k)
		}
		runParallel(b, func(k int64, write bool) {
			if write {
				m.Store(k, k)
				return
			}
			m.Load(k)
		})
	})
	b.Run("impl=refMap", func(b *testing.B) {
		m := newTestMap[int64, int64](b, WithInitialCapacity[int64, int64](n))
		for _, k := range keys {
			m.Put(k, k)
		}
		runParallel(b, func(k int64, write bool) {
			if write {
				m.Put(k, k)
				return
			}
			m.Get(k)
		})
	})
}

func runParallel(b *testing.B, op func(k int64, write bool)) {
	pc := perfbench.Open(b)
	b.ResetTimer()
	pc.Reset()
	b.RunParallel(func(pb *testing.PB) {
		var i uint64
		for pb.Next() {
			i++
			// Multiplicative hashing scatters the keys across segments.
			k := int64((i * 0x9E3779B97F4A7C15) >> 48)
			op(k, i%10 == 0)
		}
	})
}

type benchTypes interface {
	int32 | int64 | string
}

func benchSizes[T benchTypes](
	f func(b *testing.B, n int, genKeys func(start, end int) []T), genKeys func(start, end int) []T,
) func(*testing.B) {
	var cases = []int{
		6, 12, 18, 24, 30,
		64,
		128,
		256,
		512,
		1024,
		2048,
		4096,
		8192,
		1 << 16,
	}

	return func(b *testing.B) {
		for _, n := range cases {
			b.Run("len="+strconv.Itoa(n), func(b *testing.B) { f(b, n, genKeys) })
		}
	}
}

func genKeys[T benchTypes](start, end int) []T {
	keys := make([]T, end-start)
	for i := range keys {
		switch p := any(&keys[i]).(type) {
		case *int32:
			*p = int32(start + i)
		case *int64:
			*p = int64(start + i)
		case *string:
			*p = strconv.Itoa(start + i)
		}
	}
	return keys
}

func benchmarkRuntimeMapIter[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := make(map[T]T, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m[k] = k
	}
	b.ResetTimer()
	var tmp T
	for i := 0; i < b.N; i++ {
		for k, v := range m {
			tmp += k + v
		}
	}
}

func benchmarkRefMapIter[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := newTestMap[T, T](b, WithInitialCapacity[T, T](n))
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Put(k, k)
	}
	pc := perfbench.Open(b)
	b.ResetTimer()
	pc.Reset()
	var tmp T
	for i := 0; i < b.N; i++ {
		for k, v := range m.All {
			tmp += k + v
		}
	}
}

func benchmarkRuntimeMapGetMiss[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := make(map[T]T)
	keys := genKeys(0, n)
	miss := genKeys(-n, 0)
	for _, k := range keys {
		m[k] = k
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m[miss[i%len(miss)]]
	}
}

func benchmarkRefMapGetMiss[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := newTestMap[T, T](b)
	keys := genKeys(0, n)
	miss := genKeys(-n, 0)
	for j := range keys {
		m.Put(keys[j], keys[j])
	}
	pc := perfbench.Open(b)
	b.ResetTimer()
	pc.Reset()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.Get(miss[i%len(miss)])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkRuntimeMapGetHit[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := make(map[T]T, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m[k] = k
	}

	// Go's builtin map has an optimization to avoid string comparisons if
	// there is pointer equality. Defeat this optimization to get a better
	// apples-to-apples comparison.
	keys = genKeys(0, n)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m[keys[i%n]]
	}
}

func benchmarkSyncMapGetHit[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	var m sync.Map
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Store(k, k)
	}
	keys = genKeys(0, n)
	b.ResetTimer()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.Load(keys[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkRefMapGetHit[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := newTestMap[T, T](b, WithInitialCapacity[T, T](n))
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Put(k, k)
	}
	keys = genKeys(0, n)
	pc := perfbench.Open(b)
	b.ResetTimer()
	pc.Reset()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.Get(keys[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkRuntimeMapPutGrow[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	keys := genKeys(0, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m := make(map[T]T)
		for _, k := range keys {
			m[k] = k
		}
	}
}

func benchmarkRefMapPutGrow[T benchTypes](
	typ ReferenceType,
) func(b *testing.B, n int, genKeys func(start, end int) []T) {
	return func(b *testing.B, n int, genKeys func(start, end int) []T) {
		keys := genKeys(0, n)
		pc := perfbench.Open(b)
		b.ResetTimer()
		pc.Reset()
		for i := 0; i < b.N; i++ {
			m, _ := New[T, T](WithInitialCapacity[T, T](0), WithReferenceType[T, T](typ))
			for _, k := range keys {
				m.Put(k, k)
			}
		}
	}
}

func benchmarkRuntimeMapPutPreAllocate[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	keys := genKeys(0, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m := make(map[T]T, n)
		for _, k := range keys {
			m[k] = k
		}
	}
}

func benchmarkRefMapPutPreAllocate[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	keys := genKeys(0, n)
	// Sized so that no segment reaches its resize threshold.
	capacity := 2 * n
	pc := perfbench.Open(b)
	b.ResetTimer()
	pc.Reset()
	for i := 0; i < b.N; i++ {
		m, _ := New[T, T](WithInitialCapacity[T, T](capacity))
		for _, k := range keys {
			m.Put(k, k)
		}
	}
}

func benchmarkRuntimeMapPutDelete[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := make(map[T]T, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m[k] = k
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		j := i % n
		delete(m, keys[j])
		m[keys[j]] = keys[j]
	}
}

func benchmarkRefMapPutDelete[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := newTestMap[T, T](b, WithInitialCapacity[T, T](n))
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Put(k, k)
	}
	pc := perfbench.Open(b)
	b.ResetTimer()
	pc.Reset()
	for i := 0; i < b.N; i++ {
		j := i % n
		m.Delete(keys[j])
		m.Put(keys[j], keys[j])
	}
}
