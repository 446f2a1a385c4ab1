// Package pacer spaces outbound actions with randomized, human-looking delays.
package pacer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "relaybot/pkg/logx"
)

// Window is an inclusive delay range.
type Window struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
}

func (w Window) normalized() Window {
	if w.Min < 0 {
		w.Min = 0
	}
	if w.Max < 0 {
		w.Max = 0
	}
	if w.Min > w.Max {
		w.Min, w.Max = w.Max, w.Min
	}
	return w
}

// Pacer draws delays biased toward the short end of a window and sleeps
// them out. Sleeping honors ctx so a stop request preempts the wait.
type Pacer struct {
	log logx.Logger

	mu      sync.Mutex
	rnd     func() float64
	sleep   func(ctx context.Context, d time.Duration) error
	limiter *rate.Limiter
}

type Option func(*Pacer)

// WithRand replaces the uniform [0,1) source.
func WithRand(fn func() float64) Option {
	return func(p *Pacer) {
		if fn != nil {
			p.rnd = fn
		}
	}
}

// WithSleep replaces the sleeping primitive.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pacer) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// WithCeiling caps actions per minute; 0 disables the cap.
func WithCeiling(perMinute int) Option {
	return func(p *Pacer) { p.limiter = newLimiter(perMinute) }
}

func New(log logx.Logger, opts ...Option) *Pacer {
	if log.IsZero() {
		log = logx.Nop()
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rngMu sync.Mutex
	p := &Pacer{
		log: log,
		rnd: func() float64 {
			rngMu.Lock()
			defer rngMu.Unlock()
			return rng.Float64()
		},
		sleep: Sleep,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetCeiling swaps the per-minute cap at runtime.
func (p *Pacer) SetCeiling(perMinute int) {
	p.mu.Lock()
	p.limiter = newLimiter(perMinute)
	p.mu.Unlock()
}

func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// Pick returns min + u^2*(max-min) for a uniform u in [0,1).
func (p *Pacer) Pick(w Window) time.Duration {
	w = w.normalized()
	span := w.Max - w.Min
	if span == 0 {
		return w.Min
	}
	u := p.rnd()
	return w.Min + time.Duration(u*u*float64(span))
}

// Delay picks a wait from w, logs it, then sleeps.
func (p *Pacer) Delay(ctx context.Context, w Window) (time.Duration, error) {
	d := p.Pick(w)
	p.log.Info("waiting", logx.String("wait", d.Round(time.Millisecond).String()))
	return d, p.sleep(ctx, d)
}

// Acquire blocks until the per-minute ceiling admits one more action.
func (p *Pacer) Acquire(ctx context.Context) error {
	p.mu.Lock()
	lim := p.limiter
	p.mu.Unlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
