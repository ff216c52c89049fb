package versync

import (
	"context"
	"log"
	"os"
	"sync/atomic"
	"time"
)

type (
	// Engine executes queries, versioned writes and change feed requests
	// against a Store and, when configured, a Feed.
	Engine struct {
		store   Store
		options *Options
		timing  atomic.Pointer[SubscribeTiming]
	}

	Options struct {
		feed             Feed
		authorize        Authorizer
		logger           *log.Logger
		idempotencyTTL   time.Duration
		looseAttempts    int
		writeConcurrency int
		defaultLimit     int
		maxLimit         int
		idField          string
		now              func() time.Time
		publish          func(Change)
		subscribeTiming  SubscribeTiming
		authFn           AuthFn
		requireRequestID bool
	}

	// SubscribeTiming tunes the subscribe loop.
	SubscribeTiming struct {
		Heartbeat time.Duration
		MaxHold   time.Duration
		Retry     time.Duration
	}

	// Authorizer decides whether the caller may write (or read) resource.
	Authorizer func(ctx context.Context, resource string, write bool) bool

	// AuthFn checks the Authorization header of an HTTP request.
	AuthFn func(ctx context.Context, token string) bool

	Option func(o *Options)
)

const (
	DefaultIdempotencyTTL      = 24 * time.Hour
	DefaultLooseUpsertAttempts = 3
	DefaultWriteConcurrency    = 8
	DefaultPageLimit           = 50
	DefaultMaxPageLimit        = 500
)

var DefaultSubscribeTiming = SubscribeTiming{
	Heartbeat: 15 * time.Second,
	MaxHold:   25 * time.Second,
	Retry:     3 * time.Second,
}

func New(store Store, options ...Option) *Engine {
	opts := &Options{
		logger:           log.New(os.Stderr, "[versync] ", log.LstdFlags),
		idempotencyTTL:   DefaultIdempotencyTTL,
		looseAttempts:    DefaultLooseUpsertAttempts,
		writeConcurrency: DefaultWriteConcurrency,
		defaultLimit:     DefaultPageLimit,
		maxLimit:         DefaultMaxPageLimit,
		idField:          DefaultIDField,
		now:              time.Now,
		subscribeTiming:  DefaultSubscribeTiming,
		authFn:           func(ctx context.Context, token string) bool { return true },
		requireRequestID: true,
	}
	for _, option := range options {
		option(opts)
	}

	e := &Engine{store: store, options: opts}
	timing := opts.subscribeTiming
	e.timing.Store(&timing)
	return e
}

// WithFeed enables idempotency and the change log.
func WithFeed(feed Feed) Option {
	return func(o *Options) {
		o.feed = feed
	}
}

func WithAuthorizer(fn Authorizer) Option {
	return func(o *Options) {
		o.authorize = fn
	}
}

// WithAuth installs the HTTP handlers' Authorization header check.
func WithAuth(fn func(ctx context.Context, token string) bool) Option {
	return func(o *Options) {
		o.authFn = fn
	}
}

// WithoutRequestID stops the HTTP handlers from requiring a request id
// header.
func WithoutRequestID() Option {
	return func(o *Options) {
		o.requireRequestID = false
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(o *Options) {
		if ttl > 0 {
			o.idempotencyTTL = ttl
		}
	}
}

// WithLooseUpsertAttempts bounds the read-then-write loop of loose upserts.
func WithLooseUpsertAttempts(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.looseAttempts = n
		}
	}
}

// WithWriteConcurrency bounds the number of write transactions a single
// batch or push keeps in flight.
func WithWriteConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.writeConcurrency = n
		}
	}
}

func WithPageLimits(defaultLimit, maxLimit int) Option {
	return func(o *Options) {
		if defaultLimit > 0 {
			o.defaultLimit = defaultLimit
		}
		if maxLimit > 0 {
			o.maxLimit = maxLimit
		}
		if o.defaultLimit > o.maxLimit {
			o.defaultLimit = o.maxLimit
		}
	}
}

// WithIDField names the unique identifier field of every resource.
func WithIDField(field string) Option {
	return func(o *Options) {
		if field != "" {
			o.idField = field
		}
	}
}

func WithSubscribeTiming(t SubscribeTiming) Option {
	return func(o *Options) {
		o.subscribeTiming = t.withDefaults()
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPublisher registers a callback invoked for every committed change.
func WithPublisher(fn func(Change)) Option {
	return func(o *Options) {
		o.publish = fn
	}
}

// SetSubscribeTiming retunes subscribe loops, including running ones.
func (e *Engine) SetSubscribeTiming(t SubscribeTiming) {
	t = t.withDefaults()
	e.timing.Store(&t)
}

func (e *Engine) SubscribeTiming() SubscribeTiming {
	return *e.timing.Load()
}

func (t SubscribeTiming) withDefaults() SubscribeTiming {
	if t.Heartbeat <= 0 {
		t.Heartbeat = DefaultSubscribeTiming.Heartbeat
	}
	if t.MaxHold <= 0 {
		t.MaxHold = DefaultSubscribeTiming.MaxHold
	}
	if t.Retry <= 0 {
		t.Retry = DefaultSubscribeTiming.Retry
	}
	return t
}

// FeedEnabled reports whether writes are logged and idempotent.
func (e *Engine) FeedEnabled() bool {
	return e.options.feed != nil
}

func (e *Engine) allowed(ctx context.Context, resource string, write bool) bool {
	if e.options.authorize == nil {
		return true
	}
	return e.options.authorize(ctx, resource, write)
}

func (e *Engine) logf(format string, args ...any) {
	e.options.logger.Printf(format, args...)
}
