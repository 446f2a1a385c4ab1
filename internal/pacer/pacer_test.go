package pacer

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

func recordingSleep(got *[]time.Duration) Option {
	return WithSleep(func(ctx context.Context, d time.Duration) error {
		*got = append(*got, d)
		return ctx.Err()
	})
}

func TestDelayZeroWidthWindow(t *testing.T) {
	var slept []time.Duration
	p := New(logx.Nop(), recordingSleep(&slept), WithRand(func() float64 { return 0.99 }))

	for i := 0; i < 5; i++ {
		d, err := p.Delay(context.Background(), Window{Min: time.Second, Max: time.Second})
		if err != nil {
			t.Fatalf("Delay: %v", err)
		}
		if d != time.Second {
			t.Fatalf("expected 1s, got %v", d)
		}
	}
	if len(slept) != 5 || slept[0] != time.Second {
		t.Fatalf("unexpected sleeps: %v", slept)
	}
}

func TestPickIsSquaredUniform(t *testing.T) {
	p := New(logx.Nop(), WithRand(func() float64 { return 0.5 }))
	got := p.Pick(Window{Min: 6 * time.Second, Max: 14 * time.Second})
	if want := 8 * time.Second; got != want {
		t.Fatalf("Pick = %v, want %v", got, want)
	}
	// Reversed bounds are swapped.
	got = p.Pick(Window{Min: 14 * time.Second, Max: 6 * time.Second})
	if got != 8*time.Second {
		t.Fatalf("Pick with swapped bounds = %v", got)
	}
}

func TestDelayLogsBeforeSleeping(t *testing.T) {
	feed := logx.NewFeed(10)
	var order []string
	p := New(logx.Nop().Tee(feed), WithSleep(func(ctx context.Context, d time.Duration) error {
		order = append(order, "sleep")
		if n := len(feed.Lines()); n != 1 {
			t.Fatalf("expected wait to be logged before sleeping, feed has %d lines", n)
		}
		return nil
	}))
	if _, err := p.Delay(context.Background(), Window{Min: time.Millisecond, Max: time.Millisecond}); err != nil {
		t.Fatalf("Delay: %v", err)
	}
	if len(order) != 1 {
		t.Fatalf("sleep not called")
	}
}

func TestSleepHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Sleep(ctx, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Sleep did not return promptly")
	}
}

func TestCooldownRedrawsInterval(t *testing.T) {
	draws := []int{0, 10, 5} // EveryMin + draw: 10, 20, 15
	i := 0
	intn := func(n int) int {
		if n != 11 {
			t.Fatalf("expected range size 11, got %d", n)
		}
		v := draws[i%len(draws)]
		i++
		return v
	}
	c := NewCooldown(DefaultCooldownPolicy(), intn)

	var fired []int
	for n := 1; n <= 45; n++ {
		if c.Tick() {
			fired = append(fired, n)
		}
	}
	want := []int{10, 30, 45}
	if len(fired) != len(want) {
		t.Fatalf("fired at %v, want %v", fired, want)
	}
	for k := range want {
		if fired[k] != want[k] {
			t.Fatalf("fired at %v, want %v", fired, want)
		}
	}
}

func TestCooldownDisabled(t *testing.T) {
	c := NewCooldown(CooldownPolicy{}, nil)
	for i := 0; i < 100; i++ {
		if c.Tick() {
			t.Fatalf("disabled cooldown fired")
		}
	}
}

func TestAcquireCeiling(t *testing.T) {
	p := New(logx.Nop(), WithCeiling(60))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := p.Acquire(ctx); err == nil {
		t.Fatalf("second Acquire within a second should not be admitted before the deadline")
	}
	p.SetCeiling(0)
	if err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire without ceiling: %v", err)
	}
}
