package capture

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// RateLimiterOptions tunes a platform limiter. RefillRate is tokens
// per second; MinDelay/MaxDelay bound the humanized jitter inserted
// before each task.
type RateLimiterOptions struct {
	MaxTokens  float64
	RefillRate float64
	MinDelay   time.Duration
	MaxDelay   time.Duration
}

func (o RateLimiterOptions) withDefaults() RateLimiterOptions {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 10
	}
	if o.RefillRate <= 0 {
		o.RefillRate = 0.2
	}
	if o.MinDelay <= 0 && o.MaxDelay <= 0 {
		o.MinDelay = 1137 * time.Millisecond
		o.MaxDelay = 3219 * time.Millisecond
	}
	if o.MaxDelay < o.MinDelay {
		o.MaxDelay = o.MinDelay
	}
	return o
}

type rateTask struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// RateLimiter serializes tasks through a token bucket. Tasks run one
// at a time in submission order; each waits for an available token and
// a randomized delay before executing.
type RateLimiter struct {
	opts RateLimiterOptions

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	queue      []*rateTask
	running    bool
}

func NewRateLimiter(opts RateLimiterOptions) *RateLimiter {
	opts = opts.withDefaults()
	return &RateLimiter{
		opts:       opts,
		tokens:     opts.MaxTokens,
		lastRefill: time.Now(),
	}
}

// Do queues fn and blocks until it has run or ctx is done. A task whose
// context is already cancelled when its turn arrives is skipped.
func (l *RateLimiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return ErrInvalidInput
	}
	task := &rateTask{ctx: ctx, fn: fn, done: make(chan error, 1)}

	l.mu.Lock()
	l.queue = append(l.queue, task)
	if !l.running {
		l.running = true
		go l.run()
	}
	l.mu.Unlock()

	select {
	case err := <-task.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *RateLimiter) run() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		task := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		if task.ctx.Err() != nil {
			task.done <- task.ctx.Err()
			continue
		}
		if err := l.waitForToken(task.ctx); err != nil {
			task.done <- err
			continue
		}
		if err := sleepContext(task.ctx, l.jitter()); err != nil {
			task.done <- err
			continue
		}
		task.done <- task.fn(task.ctx)
	}
}

func (l *RateLimiter) waitForToken(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refillLocked()
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		deficit := 1 - l.tokens
		l.mu.Unlock()

		wait := time.Duration(deficit / l.opts.RefillRate * float64(time.Second))
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *RateLimiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.opts.RefillRate
	if l.tokens > l.opts.MaxTokens {
		l.tokens = l.opts.MaxTokens
	}
	l.lastRefill = now
}

func (l *RateLimiter) jitter() time.Duration {
	span := l.opts.MaxDelay - l.opts.MinDelay
	if span <= 0 {
		return l.opts.MinDelay
	}
	return l.opts.MinDelay + time.Duration(rand.Int63n(int64(span)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DefaultLimiterOptions carries the per-platform tunings. Platforms
// without an entry fall back to the zero-value defaults.
var DefaultLimiterOptions = map[string]RateLimiterOptions{
	PlatformChatGPT: {MaxTokens: 5, RefillRate: 0.5, MinDelay: 2127 * time.Millisecond, MaxDelay: 5341 * time.Millisecond},
	PlatformClaude:  {MaxTokens: 3, RefillRate: 0.2, MinDelay: 2413 * time.Millisecond, MaxDelay: 6897 * time.Millisecond},
	PlatformGemini:  {MaxTokens: 5, RefillRate: 0.5, MinDelay: 2817 * time.Millisecond, MaxDelay: 4729 * time.Millisecond},
	"dashboard":     {MaxTokens: 20, RefillRate: 5, MinDelay: 127 * time.Millisecond, MaxDelay: 347 * time.Millisecond},
}
