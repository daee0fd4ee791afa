// Copyright 2025 Nhat-Nguyen Nguyen
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

// Package janitor runs the single background sweeper that reclaims expired
// in-process state: counters, blocks and cached responses.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"gateway/modules/clock"
	"gateway/modules/worker"
)

type (
	Config struct {
		Interval time.Duration `env:"INTERVAL" envDefault:"5s"`
		Workers  int           `env:"WORKERS" envDefault:"2"`
	}

	// Sweeper removes entries that expired at or before now and reports how many.
	Sweeper interface {
		Sweep(now time.Time) int
	}

	SweepFunc func(now time.Time) int

	// ReportFunc receives the outcome of each sweep.
	ReportFunc func(ctx context.Context, name string, removed int)

	Janitor struct {
		cfg      Config
		clock    clock.Clock
		sweepers []named
		report   ReportFunc
	}

	Option func(*Janitor)

	named struct {
		name string
		s    Sweeper
	}
)

func (f SweepFunc) Sweep(now time.Time) int { return f(now) }

// WithSweeper registers s under name. Nil sweepers are ignored so optional
// components can be passed unconditionally.
func WithSweeper(name string, s Sweeper) Option {
	return func(j *Janitor) {
		if s != nil {
			j.sweepers = append(j.sweepers, named{name, s})
		}
	}
}

func WithReport(fn ReportFunc) Option {
	return func(j *Janitor) {
		j.report = fn
	}
}

func New(cfg Config, clock clock.Clock, opts ...Option) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	j := &Janitor{cfg: cfg, clock: clock}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	return j
}

// Run sweeps on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	if len(j.sweepers) == 0 {
		slog.InfoContext(ctx, "janitor: nothing to sweep")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "janitor: started",
		slog.Duration("interval", j.cfg.Interval),
		slog.Int("sweepers", len(j.sweepers)),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.SweepOnce(ctx)
		}
	}
}

// SweepOnce fans every sweeper out to the worker pool and waits for all of them.
func (j *Janitor) SweepOnce(ctx context.Context) {
	now := j.clock.Now()

	jobs := make(chan named, len(j.sweepers))
	for _, s := range j.sweepers {
		jobs <- s
	}
	close(jobs)

	worker.BlockingPool(ctx, j.cfg.Workers, jobs, func(ctx context.Context, s named) {
		removed := s.s.Sweep(now)
		if removed > 0 {
			slog.DebugContext(ctx, "janitor: swept",
				slog.String("sweeper", s.name),
				slog.Int("removed", removed),
			)
		}
		if j.report != nil {
			j.report(ctx, s.name, removed)
		}
	})
}
