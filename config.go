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
	"flag"
)

// Config is the serializable form of the construction parameters of a Map.
// See NewWithConfig.
type Config struct {
	InitialCapacity  int     `yaml:"initial_capacity"`
	LoadFactor       float64 `yaml:"load_factor"`
	ConcurrencyLevel int     `yaml:"concurrency_level"`
	ReferenceType    string  `yaml:"reference_type"`
}

// DefaultConfig returns the configuration New uses when no options are
// given.
func DefaultConfig() Config {
	return Config{
		InitialCapacity:  defaultInitialCapacity,
		LoadFactor:       defaultLoadFactor,
		ConcurrencyLevel: defaultConcurrencyLevel,
		ReferenceType:    Soft.String(),
	}
}

// RegisterFlagsWithPrefix registers flags for cfg on f, setting cfg to the
// defaults.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	d := DefaultConfig()
	f.IntVar(&cfg.InitialCapacity, prefix+"initial-capacity", d.InitialCapacity, "Number of entries the map can hold before the first resize.")
	f.Float64Var(&cfg.LoadFactor, prefix+"load-factor", d.LoadFactor, "Fraction of a segment that may be filled before it doubles.")
	f.IntVar(&cfg.ConcurrencyLevel, prefix+"concurrency-level", d.ConcurrencyLevel, "Expected number of concurrent writers. Rounded up to a power of two segments.")
	f.StringVar(&cfg.ReferenceType, prefix+"reference-type", d.ReferenceType, "Entry reclamation: soft (released under memory pressure) or weak (collected when unreferenced).")
}

// Validate checks cfg, returning an error wrapping ErrInvalidConfig.
func (cfg *Config) Validate() error {
	typ, err := ParseReferenceType(cfg.ReferenceType)
	if err != nil {
		return err
	}
	return validateParams(cfg.InitialCapacity, cfg.LoadFactor, cfg.ConcurrencyLevel, typ)
}
