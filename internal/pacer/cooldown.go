package pacer

import (
	"math/rand"
	"time"
)

// CooldownPolicy inserts a longer pause after every N processed recipients,
// with N drawn from [EveryMin, EveryMax] and redrawn after each pause.
type CooldownPolicy struct {
	EveryMin int
	EveryMax int
	Window   Window
}

func DefaultCooldownPolicy() CooldownPolicy {
	return CooldownPolicy{
		EveryMin: 10,
		EveryMax: 20,
		Window:   Window{Min: 20 * time.Second, Max: 30 * time.Second},
	}
}

// Enabled reports whether the policy ever fires.
func (p CooldownPolicy) Enabled() bool { return p.EveryMin > 0 || p.EveryMax > 0 }

// Cooldown tracks progress toward the next extended pause. Not safe for
// concurrent use; each dispatch run owns one.
type Cooldown struct {
	policy CooldownPolicy
	intn   func(n int) int
	count  int
	next   int
}

func NewCooldown(policy CooldownPolicy, intn func(n int) int) *Cooldown {
	if intn == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		intn = rng.Intn
	}
	if policy.EveryMin <= 0 {
		policy.EveryMin = policy.EveryMax
	}
	if policy.EveryMax < policy.EveryMin {
		policy.EveryMax = policy.EveryMin
	}
	c := &Cooldown{policy: policy, intn: intn}
	c.next = c.draw()
	return c
}

func (c *Cooldown) draw() int {
	if !c.policy.Enabled() {
		return 0
	}
	return c.policy.EveryMin + c.intn(c.policy.EveryMax-c.policy.EveryMin+1)
}

// Window is the pause to apply when Tick fires.
func (c *Cooldown) Window() Window { return c.policy.Window }

// Tick records one processed recipient and reports whether the pause is due.
func (c *Cooldown) Tick() bool {
	if c.next <= 0 {
		return false
	}
	c.count++
	if c.count < c.next {
		return false
	}
	c.count = 0
	c.next = c.draw()
	return true
}
