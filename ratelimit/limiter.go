// Package ratelimit bounds request rates per client identity with fixed windows.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of one Check call.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Current   int       `json:"current"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// Limiter counts requests per client. Check never fails; backends that can fail degrade locally.
type Limiter interface {
	Check(ctx context.Context, clientID string) Result
}

type window struct {
	count     int
	resetTime time.Time
}

// FixedWindow is a process-local fixed-window counter table.
type FixedWindow struct {
	mu      sync.Mutex
	windows map[string]*window
	max     int
	length  time.Duration
	now     func() time.Time
}

// Option configures a FixedWindow.
type Option func(*FixedWindow)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(f *FixedWindow) {
		if now != nil {
			f.now = now
		}
	}
}

// NewFixedWindow returns a limiter allowing max requests per window length.
func NewFixedWindow(max int, length time.Duration, opts ...Option) *FixedWindow {
	if max < 1 {
		max = 1
	}
	if length <= 0 {
		length = time.Minute
	}
	f := &FixedWindow{
		windows: make(map[string]*window),
		max:     max,
		length:  length,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Check implements Limiter.
func (f *FixedWindow) Check(_ context.Context, clientID string) Result {
	now := f.now()

	f.mu.Lock()
	w, ok := f.windows[clientID]
	if !ok || !now.Before(w.resetTime) {
		w = &window{count: 1, resetTime: now.Add(f.length)}
		f.windows[clientID] = w
	} else {
		w.count++
	}
	count, reset := w.count, w.resetTime
	f.mu.Unlock()

	return newResult(count, f.max, reset)
}

// Sweep drops expired windows and returns how many were removed.
func (f *FixedWindow) Sweep() int {
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for id, w := range f.windows {
		if !now.Before(w.resetTime) {
			delete(f.windows, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows.
func (f *FixedWindow) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}

// Run sweeps every interval until ctx is done.
func (f *FixedWindow) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = f.length
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Sweep()
		}
	}
}

func newResult(count, max int, reset time.Time) Result {
	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= max,
		Limit:     max,
		Current:   count,
		Remaining: remaining,
		ResetTime: reset,
	}
}
