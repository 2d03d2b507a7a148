package canlink

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultReconnectInterval = 5 * time.Second
	DefaultIdleThreshold     = 5 * time.Second
)

// Supervisor periodically re-registers channels that went quiet or never came
// up. Retrying is unbounded by default, the adapters sit on operator-attended
// test benches and are expected to come back eventually.
type Supervisor struct {
	reg         *Registry
	interval    time.Duration
	idle        time.Duration
	maxAttempts int
	clock       clockwork.Clock
	log         zerolog.Logger

	// consecutive failures per key, only touched from the Run goroutine
	failures map[ChannelKey]int
}

type SupervisorOption func(*Supervisor)

func WithReconnectInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithIdleThreshold sets how long a channel may stay silent before it is
// reconnected.
func WithIdleThreshold(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.idle = d
		}
	}
}

// WithMaxAttempts stops retrying a key after n consecutive failures. Zero
// means retry forever.
func WithMaxAttempts(n int) SupervisorOption {
	return func(s *Supervisor) {
		if n >= 0 {
			s.maxAttempts = n
		}
	}
}

func WithSupervisorLogger(l zerolog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.log = l
	}
}

// NewSupervisor shares the registry clock so idle checks compare like with
// like.
func NewSupervisor(reg *Registry, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		reg:      reg,
		interval: DefaultReconnectInterval,
		idle:     DefaultIdleThreshold,
		clock:    reg.Clock(),
		log:      log.With().Str("component", "supervisor").Logger(),
		failures: make(map[ChannelKey]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run checks all known channels every interval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			s.CheckNow(ctx)
		}
	}
}

// CheckNow runs one supervision pass and returns how many channels it tried
// to reconnect.
func (s *Supervisor) CheckNow(ctx context.Context) int {
	now := s.clock.Now()
	tried := 0
	known := s.reg.Known()
	s.forget(known)
	for _, eq := range known {
		if ctx.Err() != nil {
			return tried
		}
		key := eq.Key()
		if !s.needsReconnect(key, now) {
			delete(s.failures, key)
			continue
		}
		if s.maxAttempts > 0 && s.failures[key] >= s.maxAttempts {
			continue
		}

		tried++
		if err := s.reg.Register(ctx, eq, true); err != nil {
			s.failures[key]++
			ev := s.log.Warn()
			if s.maxAttempts > 0 && s.failures[key] >= s.maxAttempts {
				ev = s.log.Error()
			}
			ev.Err(err).Stringer("channel", key).Int("attempt", s.failures[key]).Msg("reconnect failed")
			continue
		}
		delete(s.failures, key)
		s.log.Info().Stringer("channel", key).Msg("reconnected")
	}
	return tried
}

// forget drops failure counts of keys that were unregistered.
func (s *Supervisor) forget(known []Equipment) {
	if len(s.failures) == 0 {
		return
	}
	keep := make(map[ChannelKey]bool, len(known))
	for _, eq := range known {
		keep[eq.Key()] = true
	}
	for key := range s.failures {
		if !keep[key] {
			delete(s.failures, key)
		}
	}
}

func (s *Supervisor) needsReconnect(key ChannelKey, now time.Time) bool {
	last, ok := s.reg.LastActivity(key)
	if !ok {
		return true
	}
	return now.Sub(last) > s.idle
}

// Failures returns the consecutive failure count recorded for key. Not safe
// to call concurrently with Run.
func (s *Supervisor) Failures(key ChannelKey) int {
	return s.failures[key]
}
