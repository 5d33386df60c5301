package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// window is the trailing interval used for the punitive request count.
	window = time.Minute

	shardCount = 32

	defaultUserID    = "anonymous"
	defaultIPAddress = "0.0.0.0"
)

// Config contains limiter settings.
type Config struct {
	RequestsPerMinute int
	Burst             int
	BlockDuration     time.Duration
	ReapInterval      time.Duration
	Inactivity        time.Duration
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed    bool `json:"allowed"`
	RetryAfter int  `json:"retry_after"`
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Limiter makes per-identifier admission decisions using a token bucket,
// a sliding one-minute window and a temporary block for callers that exhaust the window.
type Limiter struct {
	log    logrus.FieldLogger
	cfg    Config
	now    func() time.Time
	shards [shardCount]*shard

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// entry is the rate state of one identifier. Its mutex guards the whole
// read-modify-write cycle of a check.
type entry struct {
	mu           sync.Mutex
	bucket       *rate.Limiter
	requests     []time.Time
	blockedUntil time.Time
	lastSeen     time.Time

	// evicted is set by Reap once the entry has left its shard.
	evicted bool
}

// New creates a new Limiter.
func New(log logrus.FieldLogger, cfg Config, opts ...Option) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}

	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}

	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}

	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 5 * time.Minute
	}

	if cfg.Inactivity <= 0 {
		cfg.Inactivity = time.Hour
	}

	l := &Limiter{
		log: log.WithField("component", "ratelimit"),
		cfg: cfg,
		now: time.Now,
	}

	for i := range l.shards {
		l.shards[i] = &shard{entries: make(map[string]*entry, 64)}
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Start launches the reaper that evicts idle identifiers.
func (l *Limiter) Start(ctx context.Context) error {
	l.log.WithFields(logrus.Fields{
		"interval":   l.cfg.ReapInterval,
		"inactivity": l.cfg.Inactivity,
	}).Info("Starting rate limiter reaper")

	ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)

	go l.reapLoop(ctx)

	return nil
}

// Stop stops the reaper and waits for it to exit.
func (l *Limiter) Stop() error {
	l.log.Info("Stopping rate limiter reaper")

	if l.cancel != nil {
		l.cancel()
	}

	l.wg.Wait()

	return nil
}

// Check decides whether the identifier may make one more request.
func (l *Limiter) Check(identifier string) Decision {
	now := l.now()

	for {
		e := l.lookup(identifier, now)

		e.mu.Lock()

		if e.evicted {
			// Reaped between lookup and lock; retry against the live entry.
			e.mu.Unlock()

			continue
		}

		d := l.check(e, identifier, now)
		e.mu.Unlock()

		return d
	}
}

// check runs the admission steps against a locked entry.
func (l *Limiter) check(e *entry, identifier string, now time.Time) Decision {
	e.lastSeen = now

	if !e.blockedUntil.IsZero() {
		if now.Before(e.blockedUntil) {
			return Decision{RetryAfter: ceilSeconds(e.blockedUntil.Sub(now))}
		}

		e.blockedUntil = time.Time{}
	}

	tokens := e.bucket.TokensAt(now)

	e.prune(now.Add(-window))

	if len(e.requests) >= l.cfg.RequestsPerMinute {
		e.blockedUntil = now.Add(l.cfg.BlockDuration)

		l.log.WithFields(logrus.Fields{
			"identifier": identifier,
			"until":      e.blockedUntil,
		}).Warn("Identifier blocked for exceeding request window")

		return Decision{RetryAfter: ceilSeconds(l.cfg.BlockDuration)}
	}

	if tokens < 1 {
		perToken := 60 / float64(l.cfg.RequestsPerMinute)

		return Decision{RetryAfter: int(math.Ceil((1 - tokens) * perToken))}
	}

	e.bucket.AllowN(now, 1)
	e.requests = append(e.requests, now)

	return Decision{Allowed: true}
}

// Reap runs one eviction pass and returns the number of identifiers removed.
// Expired blocks are cleared and entries idle for longer than the inactivity window are dropped.
func (l *Limiter) Reap(now time.Time) int {
	evicted := 0

	for _, s := range l.shards {
		s.mu.Lock()

		for key, e := range s.entries {
			e.mu.Lock()

			if !e.blockedUntil.IsZero() && !now.Before(e.blockedUntil) {
				e.blockedUntil = time.Time{}
			}

			if e.blockedUntil.IsZero() && now.Sub(e.lastSeen) > l.cfg.Inactivity {
				e.evicted = true
				delete(s.entries, key)

				evicted++
			}

			e.mu.Unlock()
		}

		s.mu.Unlock()
	}

	return evicted
}

// Len returns the number of tracked identifiers.
func (l *Limiter) Len() int {
	total := 0

	for _, s := range l.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}

	return total
}

// lookup returns the entry for identifier, creating it with a full bucket if needed.
func (l *Limiter) lookup(identifier string, now time.Time) *entry {
	s := l.shards[shardIndex(identifier)]

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[identifier]
	if !ok {
		e = &entry{
			bucket:   rate.NewLimiter(rate.Limit(float64(l.cfg.RequestsPerMinute)/60.0), l.cfg.Burst),
			requests: make([]time.Time, 0, min(l.cfg.RequestsPerMinute, 64)),
			lastSeen: now,
		}
		s.entries[identifier] = e
	}

	return e
}

func (l *Limiter) reapLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := l.Reap(l.now()); evicted > 0 {
				l.log.WithFields(logrus.Fields{
					"evicted":   evicted,
					"remaining": l.Len(),
				}).Debug("Evicted idle rate limit entries")
			}
		}
	}
}

// prune drops request timestamps older than cutoff.
func (e *entry) prune(cutoff time.Time) {
	i := 0
	for i < len(e.requests) && e.requests[i].Before(cutoff) {
		i++
	}

	if i > 0 {
		e.requests = append(e.requests[:0], e.requests[i:]...)
	}
}

// Identifier derives a stable, fixed-width caller key from a user id and an IP address.
func Identifier(userID, ipAddress string) string {
	if userID == "" {
		userID = defaultUserID
	}

	if ipAddress == "" {
		ipAddress = defaultIPAddress
	}

	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%s", userID, ipAddress))

	return hex.EncodeToString(sum[:])[:16]
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	//nolint:errcheck // hash.Hash never returns an error
	h.Write([]byte(key))

	return h.Sum32() % shardCount
}

func ceilSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}

	return secs
}
