package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/ripple-publish/internal/config"
)

// RateLimitConfig bounds a key to MaxRequests within any Window-long span.
type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int
}

type LimitResult struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
}

// RateLimiter is a sliding-log admission limiter. Every key keeps the
// timestamps of its admitted requests; a request is allowed while fewer than
// MaxRequests of them fall inside the trailing window.
type RateLimiter struct {
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*requestLog
	rules   map[string]RateLimitConfig
}

type requestLog struct {
	stamps []time.Time
	// longest window this key has been checked against; Prune keeps at least this much
	window time.Duration
}

func NewRateLimiter(rules map[string]config.RateLimitRule, logger *zap.Logger) *RateLimiter {
	l := &RateLimiter{
		logger:  logger,
		now:     time.Now,
		windows: make(map[string]*requestLog),
	}
	l.SetRules(rules)
	return l
}

// SetRules replaces the named operation rules. Recorded history is kept.
func (l *RateLimiter) SetRules(rules map[string]config.RateLimitRule) {
	converted := make(map[string]RateLimitConfig, len(rules))
	for op, r := range rules {
		converted[op] = RateLimitConfig{Window: r.WindowDuration(), MaxRequests: r.MaxRequests}
	}

	l.mu.Lock()
	l.rules = converted
	l.mu.Unlock()

	l.logger.Info("Rate limit rules applied", zap.Int("rules", len(converted)))
}

// Rule returns the configured limit for an operation.
func (l *RateLimiter) Rule(op string) (RateLimitConfig, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rules[op]
	return r, ok
}

func (l *RateLimiter) CheckLimit(key string, cfg RateLimitConfig) LimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(key, cfg, l.now())
}

func (l *RateLimiter) RecordRequest(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record(key, l.now())
}

// CheckAndRecord admits and records in one step, so concurrent callers can
// never overshoot MaxRequests.
func (l *RateLimiter) CheckAndRecord(key string, cfg RateLimitConfig) LimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	res := l.check(key, cfg, now)
	if res.Allowed {
		l.record(key, now)
		res.Remaining--
	}
	return res
}

func (l *RateLimiter) check(key string, cfg RateLimitConfig, now time.Time) LimitResult {
	if cfg.MaxRequests <= 0 {
		return LimitResult{Allowed: false, RetryAfter: cfg.Window}
	}
	log := l.windows[key]
	if log == nil {
		return LimitResult{Allowed: true, Remaining: cfg.MaxRequests}
	}
	if cfg.Window > log.window {
		log.window = cfg.Window
	}

	cutoff := now.Add(-cfg.Window)
	// stamps are ascending; drop the expired prefix
	i := 0
	for i < len(log.stamps) && !log.stamps[i].After(cutoff) {
		i++
	}
	inWindow := log.stamps[i:]
	if cfg.Window >= log.window {
		log.stamps = inWindow
	}

	if len(inWindow) < cfg.MaxRequests {
		return LimitResult{Allowed: true, Remaining: cfg.MaxRequests - len(inWindow)}
	}

	// The oldest counted request that must expire before one more fits.
	oldest := inWindow[len(inWindow)-cfg.MaxRequests]
	retryAfter := oldest.Add(cfg.Window).Sub(now)
	if retryAfter <= 0 {
		retryAfter = time.Millisecond
	}
	return LimitResult{Allowed: false, RetryAfter: retryAfter}
}

func (l *RateLimiter) record(key string, now time.Time) {
	log := l.windows[key]
	if log == nil {
		log = &requestLog{}
		l.windows[key] = log
	}
	log.stamps = append(log.stamps, now)
}

func (l *RateLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

func (l *RateLimiter) ClearAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]*requestLog)
}

// Prune drops timestamps older than each key's widest window (or fallback
// for keys never checked) and removes empty keys. It returns the number of
// keys removed.
func (l *RateLimiter) Prune(fallback time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, log := range l.windows {
		window := log.window
		if window <= 0 {
			window = fallback
		}
		cutoff := now.Add(-window)
		i := 0
		for i < len(log.stamps) && !log.stamps[i].After(cutoff) {
			i++
		}
		log.stamps = log.stamps[i:]
		if len(log.stamps) == 0 {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Keys reports how many keys currently hold history.
func (l *RateLimiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
