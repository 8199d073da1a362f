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
	"hash/maphash"

	"github.com/cespare/xxhash/v2"
)

// defaultHasher returns a seeded hash function for any comparable key type,
// equivalent to the one used by Go's builtin map.
func defaultHasher[K comparable]() func(key K) uint64 {
	seed := maphash.MakeSeed()
	return func(key K) uint64 {
		return maphash.Comparable(seed, key)
	}
}

// StringHash hashes string keys with xxhash. It is deterministic across
// processes, unlike the default seeded hash.
func StringHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// BytesHash hashes byte slices with xxhash. Useful for keys built from fixed
// size arrays, e.g. WithHash(func(k [16]byte) uint64 { return BytesHash(k[:]) }).
func BytesHash(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// spread folds a 64-bit hash to 32 bits and applies a Wang/Jenkins style mix
// so that both the high bits (segment selection) and the low bits (bucket
// selection) are well distributed.
func spread(h64 uint64) uint32 {
	h := uint32(h64) ^ uint32(h64>>32)
	h += (h << 15) ^ 0xffffcd7d
	h ^= h >> 10
	h += h << 3
	h ^= h >> 6
	h += (h << 2) + (h << 14)
	h ^= h >> 16
	return h
}

func defaultValueEqual[V any](a, b V) bool {
	return any(a) == any(b)
}
