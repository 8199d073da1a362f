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

// refmap-stress hammers a refmap.Map from many goroutines while entries are
// reclaimed underneath them, and checks that every value read belongs to the
// key it was read with.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/refmap"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type cli struct {
	Goroutines      int           `help:"Number of worker goroutines." default:"8"`
	Keys            int           `help:"Size of the key space." default:"100000"`
	Duration        time.Duration `help:"How long to run." default:"10s"`
	Reference       string        `help:"Reference type." enum:"soft,weak" default:"soft"`
	Concurrency     int           `help:"Concurrency level of the map." default:"16"`
	InitialCapacity int           `help:"Initial capacity of the map." default:"16"`
	ReclaimInterval time.Duration `help:"Interval between forced reclamations (Reclaim for soft maps, a GC for weak maps). Zero disables." default:"250ms"`
	HeapLimit       string        `help:"Go memory limit. When set, soft entries are released as the heap approaches it." default:""`
	LogLevel        string        `help:"Log level." enum:"debug,info,warn,error" default:"info"`
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("refmap-stress"),
		kong.Description("Concurrent stress test for refmap."))
	ctx.FatalIfErrorf(c.run())
}

func newLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	return level.NewFilter(logger, opt)
}

func (c *cli) run() error {
	logger := newLogger(c.LogLevel)

	cfg := refmap.DefaultConfig()
	cfg.InitialCapacity = c.InitialCapacity
	cfg.ConcurrencyLevel = c.Concurrency
	cfg.ReferenceType = c.Reference
	if err := cfg.Validate(); err != nil {
		return err
	}

	options := []refmap.Option[string, string]{
		refmap.WithHash[string, string](refmap.StringHash),
		refmap.WithLogger[string, string](logger),
	}
	if c.HeapLimit != "" {
		limit, err := humanize.ParseBytes(c.HeapLimit)
		if err != nil {
			return errors.Wrapf(err, "parsing heap limit %q", c.HeapLimit)
		}
		debug.SetMemoryLimit(int64(limit))
		options = append(options, refmap.WithPressure[string, string](
			refmap.NewHeapPressure(0, 0, 0, logger)))
		level.Info(logger).Log("msg", "memory limit set", "limit", humanize.IBytes(limit))
	}
	m, err := refmap.NewWithConfig(cfg, options...)
	if err != nil {
		return err
	}

	keys := make([]string, c.Keys)
	for i := range keys {
		keys[i] = "key-" + strconv.Itoa(i)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), c.Duration)
	defer cancel()
	runCtx, stop := signal.NotifyContext(runCtx, os.Interrupt)
	defer stop()

	level.Info(logger).Log("msg", "starting", "goroutines", c.Goroutines, "keys", c.Keys,
		"reference", m.ReferenceType(), "duration", c.Duration)

	var ops, hits atomic.Uint64
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < c.Goroutines; i++ {
		seed := int64(i)
		g.Go(func() error {
			return work(gctx, m, keys, rand.New(rand.NewSource(seed)), &ops, &hits)
		})
	}
	if c.ReclaimInterval > 0 {
		g.Go(func() error {
			return reclaim(gctx, logger, m, c.ReclaimInterval)
		})
	}
	start := time.Now()
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	m.PurgeUnreferencedEntries()
	if err := verify(m); err != nil {
		return err
	}
	n := ops.Load()
	level.Info(logger).Log("msg", "done",
		"ops", humanize.Comma(int64(n)),
		"ops_per_sec", humanize.Comma(int64(float64(n)/elapsed.Seconds())),
		"hit_ratio", fmt.Sprintf("%.3f", float64(hits.Load())/float64(max(n, 1))))
	fmt.Println(m.Stats())
	return nil
}

func valueFor(key string) string {
	return "value-of-" + key
}

func checkValue(key, value string) error {
	if want := valueFor(key); value != want {
		return errors.Errorf("key %q: read %q, want %q", key, value, want)
	}
	return nil
}

// work runs a mix of 70% reads, 15% puts, 5% loads, 5% deletes and 5%
// conditional operations until ctx is done.
func work(
	ctx context.Context, m *refmap.Map[string, string], keys []string, rng *rand.Rand, ops, hits *atomic.Uint64,
) error {
	for i := 0; ; i++ {
		if i%1024 == 0 && ctx.Err() != nil {
			return nil
		}
		key := keys[rng.Intn(len(keys))]
		var err error
		switch p := rng.Intn(100); {
		case p < 70:
			if v, ok := m.Get(key); ok {
				hits.Add(1)
				err = checkValue(key, v)
			}
		case p < 85:
			if prev, loaded := m.Put(key, valueFor(key)); loaded {
				err = checkValue(key, prev)
			}
		case p < 90:
			var v string
			v, err = m.GetOrLoad(key, func(key string) (string, error) {
				return valueFor(key), nil
			})
			if err == nil {
				err = checkValue(key, v)
			}
		case p < 95:
			if prev, loaded := m.Delete(key); loaded {
				err = checkValue(key, prev)
			}
		default:
			if actual, loaded := m.PutIfAbsent(key, valueFor(key)); loaded {
				err = checkValue(key, actual)
			}
			m.CompareAndSwap(key, valueFor(key), valueFor(key))
		}
		if err != nil {
			return err
		}
		ops.Add(1)
	}
}

func reclaim(ctx context.Context, logger log.Logger, m *refmap.Map[string, string], interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if m.ReferenceType() == refmap.Weak {
			runtime.GC()
			m.PurgeUnreferencedEntries()
		} else {
			n := m.Reclaim()
			level.Debug(logger).Log("msg", "reclaimed", "released", n)
		}
		level.Debug(logger).Log("msg", "stats", "stats", m.Stats())
	}
}

func verify(m *refmap.Map[string, string]) error {
	var n int
	for k, v := range m.All {
		if err := checkValue(k, v); err != nil {
			return err
		}
		n++
	}
	if n > m.Len() {
		return errors.Errorf("iterated %d entries, but Len is %d", n, m.Len())
	}
	return nil
}
