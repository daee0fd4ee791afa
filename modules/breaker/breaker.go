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

package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gateway/modules/clock"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrOpen is returned without calling the guarded function while the circuit is open.
var ErrOpen = errors.New("breaker: circuit open")

type (
	Config struct {
		FailureThreshold int           `env:"FAILURE_THRESHOLD" envDefault:"5"`
		RecoveryTimeout  time.Duration `env:"RECOVERY_TIMEOUT" envDefault:"60s"`
		// Count5xx makes 5xx downstream responses breaker-relevant failures.
		Count5xx bool `env:"COUNT_5XX" envDefault:"false"`
	}

	// OpenError carries the circuit name and the time left until a trial call.
	OpenError struct {
		Name       string
		RetryAfter time.Duration
	}

	// StateChangeFunc is called after every transition, outside the breaker lock.
	StateChangeFunc func(name string, from, to State)

	// Stats is a point-in-time view of a breaker.
	Stats struct {
		Name         string    `json:"name"`
		State        State     `json:"state"`
		FailureCount int       `json:"failure_count"`
		LastFailure  time.Time `json:"last_failure_time,omitzero"`
	}

	// Breaker guards calls to one downstream target with the closed → open →
	// half-open state machine. The lock is never held while the guarded call runs.
	Breaker struct {
		name      string
		cfg       Config
		clock     clock.Clock
		isFailure Classifier
		onChange  StateChangeFunc

		mu            sync.Mutex
		state         State
		failures      int
		lastFailure   time.Time
		trialInFlight bool
		generation    uint64
	}

	Option func(*Breaker)
)

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker %q: circuit open, retry in %s", e.Name, e.RetryAfter)
}

func (e *OpenError) Unwrap() error { return ErrOpen }

func WithClassifier(c Classifier) Option {
	return func(b *Breaker) {
		if c != nil {
			b.isFailure = c
		}
	}
}

func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

func New(name string, cfg Config, clock clock.Clock, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	b := &Breaker{
		name:      name,
		cfg:       cfg,
		clock:     clock,
		isFailure: ClassifierFor(cfg),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the circuit is open. Only errors the classifier
// accepts change the breaker state; everything else is returned untouched.
// A panic in fn counts as a failure and keeps unwinding.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	gen, trial, err := b.before()
	if err != nil {
		return err
	}

	done := false
	defer func() {
		if done {
			return
		}
		b.after(gen, trial, failure)
	}()

	callErr := fn(ctx)
	done = true
	b.after(gen, trial, b.outcomeOf(callErr))
	return callErr
}

type outcome int

const (
	success outcome = iota
	failure
	ignored
)

func (b *Breaker) outcomeOf(err error) outcome {
	switch {
	case err == nil:
		return success
	case b.isFailure(err):
		return failure
	default:
		return ignored
	}
}

// before admits a call and returns the generation it belongs to.
func (b *Breaker) before() (uint64, bool, error) {
	b.mu.Lock()

	var transitions [][2]State
	defer func() {
		b.mu.Unlock()
		b.notify(transitions)
	}()

	switch b.state {
	case Open:
		since := b.clock.Now().Sub(b.lastFailure)
		if since < b.cfg.RecoveryTimeout {
			return 0, false, &OpenError{Name: b.name, RetryAfter: b.cfg.RecoveryTimeout - since}
		}
		transitions = append(transitions, b.setState(HalfOpen))
		b.trialInFlight = true
		return b.generation, true, nil

	case HalfOpen:
		// a single trial call at a time
		if b.trialInFlight {
			return 0, false, &OpenError{Name: b.name, RetryAfter: 0}
		}
		b.trialInFlight = true
		return b.generation, true, nil
	}

	return b.generation, false, nil
}

// after records the result of a call admitted in generation gen. Results
// from an earlier generation are dropped: a slow call that started while
// closed must not close a breaker that has since opened.
func (b *Breaker) after(gen uint64, trial bool, result outcome) {
	b.mu.Lock()

	var transitions [][2]State
	defer func() {
		b.mu.Unlock()
		b.notify(transitions)
	}()

	if gen != b.generation {
		return
	}
	if trial {
		b.trialInFlight = false
	}

	switch result {
	case success:
		b.failures = 0
		if b.state != Closed {
			transitions = append(transitions, b.setState(Closed))
		}

	case failure:
		b.failures++
		b.lastFailure = b.clock.Now()
		switch b.state {
		case HalfOpen:
			transitions = append(transitions, b.setState(Open))
		case Closed:
			if b.failures >= b.cfg.FailureThreshold {
				transitions = append(transitions, b.setState(Open))
			}
		}
	}
}

// setState must be called with b.mu held. Every call starts a new generation.
func (b *Breaker) setState(to State) [2]State {
	from := b.state
	b.state = to
	b.generation++
	return [2]State{from, to}
}

func (b *Breaker) notify(transitions [][2]State) {
	if b.onChange == nil {
		return
	}
	for _, t := range transitions {
		if t[0] != t[1] {
			b.onChange(b.name, t[0], t[1])
		}
	}
}

// Reset forces the breaker back to closed with a zero failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	t := b.setState(Closed)
	b.failures = 0
	b.lastFailure = time.Time{}
	b.trialInFlight = false
	b.mu.Unlock()

	b.notify([][2]State{t})
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:         b.name,
		State:        b.state,
		FailureCount: b.failures,
		LastFailure:  b.lastFailure,
	}
}

// State reports the stored state; an open breaker past its recovery timeout
// still reads as open until the next call moves it to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
