// Package ack correlates outbound message ids with transport acknowledgement
// events and keeps the day-scoped delivery logs current.
package ack

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/job"
	"relaybot/internal/storage"
	"relaybot/internal/telemetry"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Entry describes a freshly sent message.
type Entry struct {
	Class       job.Class
	Name        string
	RecipientID string
	MessageID   string
	SentAt      time.Time
}

type pending struct {
	entry Entry
	level transport.AckLevel
	day   string
}

// early is an ack that arrived before its message was registered. Adapters
// may report a send before the engine has recorded its id.
type early struct {
	level transport.AckLevel
	at    time.Time
}

const (
	earlyMax = 256
	earlyTTL = 30 * time.Second
)

type Tracker struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	// mu also serializes store upserts so rows never regress.
	mu      sync.Mutex
	pending map[string]*pending
	early   map[string]early
}

func New(store storage.Store, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{
		store:   store,
		log:     log,
		now:     time.Now,
		pending: map[string]*pending{},
		early:   map[string]early{},
	}
}

// Register adds a pending row at AckPending and writes its initial log row.
func (t *Tracker) Register(ctx context.Context, e Entry) {
	if e.MessageID == "" {
		return
	}
	if e.SentAt.IsZero() {
		e.SentAt = t.now()
	}
	p := &pending{entry: e, level: transport.AckPending, day: e.SentAt.Format(storage.DayLayout)}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.upsertLocked(ctx, p)

	if ea, ok := t.early[e.MessageID]; ok {
		delete(t.early, e.MessageID)
		if ea.level > p.level {
			p.level = ea.level
			t.upsertLocked(ctx, p)
		}
	}
	if !p.level.Terminal() {
		t.pending[e.MessageID] = p
	}
}

// Handle applies one ack. It reports whether a log row changed.
func (t *Tracker) Handle(ctx context.Context, a transport.Ack) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[a.MessageID]
	if !ok {
		t.rememberEarlyLocked(a)
		return false
	}
	if a.Level <= p.level {
		return false
	}
	p.level = a.Level
	t.upsertLocked(ctx, p)
	telemetry.AcksApplied.WithLabelValues(a.Level.String()).Inc()
	if a.Level.Terminal() {
		delete(t.pending, a.MessageID)
	}
	return true
}

func (t *Tracker) rememberEarlyLocked(a transport.Ack) {
	now := t.now()
	if len(t.early) >= earlyMax {
		for id, e := range t.early {
			if now.Sub(e.at) > earlyTTL || len(t.early) >= earlyMax {
				delete(t.early, id)
			}
		}
	}
	if prev, ok := t.early[a.MessageID]; ok && prev.level >= a.Level {
		return
	}
	t.early[a.MessageID] = early{level: a.Level, at: now}
}

func (t *Tracker) upsertLocked(ctx context.Context, p *pending) {
	row := storage.DeliveryEntry{
		Name:             p.entry.Name,
		RecipientID:      p.entry.RecipientID,
		MessageID:        p.entry.MessageID,
		AckLevel:         int(p.level),
		Timestamp:        p.entry.SentAt,
		IsGroupRecipient: p.entry.Class == job.Group,
	}
	if err := t.store.UpsertDelivery(ctx, p.entry.Class, p.day, row); err != nil {
		t.log.Warn("delivery log upsert failed",
			logx.String("class", string(p.entry.Class)),
			logx.String("message_id", p.entry.MessageID),
			logx.Err(err),
		)
	}
}

// Pending reports how many messages still await a terminal ack.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Run consumes acks until ctx is done or the channel closes.
func (t *Tracker) Run(ctx context.Context, acks <-chan transport.Ack) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a, ok := <-acks:
			if !ok {
				return nil
			}
			if t.Handle(ctx, a) {
				t.log.Debug("ack applied", logx.String("message_id", a.MessageID), logx.String("level", a.Level.String()))
			}
		}
	}
}
