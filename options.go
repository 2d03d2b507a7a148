package canlink

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultStartTimeout = 100 * time.Millisecond
	DefaultPollInterval = time.Millisecond
	DefaultTickInterval = time.Second
	DefaultBatchSize    = 10_000
	DefaultQueueLimit   = 100_000
)

type options struct {
	kind         DeviceKind
	startTimeout time.Duration
	pollInterval time.Duration
	tickInterval time.Duration
	batchSize    int
	queueLimit   int
	eventBuffer  int
	logger       zerolog.Logger
	clock        clockwork.Clock
}

func defaultOptions() options {
	return options{
		startTimeout: DefaultStartTimeout,
		pollInterval: DefaultPollInterval,
		tickInterval: DefaultTickInterval,
		batchSize:    DefaultBatchSize,
		queueLimit:   DefaultQueueLimit,
		eventBuffer:  64,
		logger:       log.With().Str("component", "registry").Logger(),
		clock:        clockwork.NewRealClock(),
	}
}

type Option func(*options)

// WithDeviceKind sets the device type passed to Transport.OpenDevice.
func WithDeviceKind(kind DeviceKind) Option {
	return func(o *options) {
		o.kind = kind
	}
}

// WithStartTimeout bounds Transport.StartChannel, the driver call is known to
// hang on unreachable network adapters.
func WithStartTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.startTimeout = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithTickInterval sets how often queued frames are handed to subscribers.
func WithTickInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.tickInterval = d
		}
	}
}

// WithBatchSize caps the frames fetched from the driver per channel and sweep.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithQueueLimit caps each channel queue, the oldest frames are dropped first.
// Zero disables the cap.
func WithQueueLimit(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.queueLimit = n
		}
	}
}

func WithEventBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}
