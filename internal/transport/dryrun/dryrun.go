// Package dryrun is an in-memory transport. It records every call instead of
// talking to a network, which makes it useful for rehearsing a job and in tests.
package dryrun

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Call is one recorded send.
type Call struct {
	Kind   string // text | media | contacts
	To     string
	Text   string
	Media  transport.Media
	Cards  []string
	Ref    transport.MessageRef
	SentAt time.Time
}

// Adapter implements transport.Adapter in memory.
type Adapter struct {
	log logx.Logger

	// Fail, when set, is consulted before every send; a non-nil error fails it.
	Fail func(kind, to string) error
	// Hook, when set, runs before every send; tests use it to block or trip a stop.
	Hook func(ctx context.Context, kind, to string)
	// AckLevels are emitted in order after each successful send.
	AckLevels []transport.AckLevel
	// TextLimit, when positive, splits text into one message per TextLimit runes.
	TextLimit int

	mu        sync.Mutex
	seq       int
	calls     []Call
	chats     map[string][]transport.MessageRef
	retracted []string
	unknown   map[string]bool
	acks      chan<- transport.Ack
}

func New(log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		log:       log,
		AckLevels: []transport.AckLevel{transport.AckServer, transport.AckDelivered},
		chats:     map[string][]transport.MessageRef{},
		unknown:   map[string]bool{},
	}
}

func (a *Adapter) Start(ctx context.Context, acks chan<- transport.Ack) error {
	_ = ctx
	a.mu.Lock()
	a.acks = acks
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	_ = ctx
	a.mu.Lock()
	a.acks = nil
	a.mu.Unlock()
	return nil
}

// Forget makes Resolve fail for id.
func (a *Adapter) Forget(id string) {
	a.mu.Lock()
	a.unknown[id] = true
	a.mu.Unlock()
}

func (a *Adapter) Resolve(ctx context.Context, id string) (transport.Peer, error) {
	_ = ctx
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unknown[id] {
		return transport.Peer{}, transport.ErrNotFound
	}
	return transport.Peer{ID: id, Name: id, Phone: id}, nil
}

func (a *Adapter) send(ctx context.Context, c Call) (transport.MessageRef, error) {
	if a.Hook != nil {
		a.Hook(ctx, c.Kind, c.To)
	}
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	if a.Fail != nil {
		if err := a.Fail(c.Kind, c.To); err != nil {
			return transport.MessageRef{}, err
		}
	}

	a.mu.Lock()
	a.seq++
	c.Ref = transport.MessageRef{ID: fmt.Sprintf("dry-%d", a.seq), ChatID: c.To}
	c.SentAt = time.Now()
	a.calls = append(a.calls, c)
	a.chats[c.To] = append(a.chats[c.To], c.Ref)
	acks := a.acks
	a.mu.Unlock()

	a.log.Debug("dry-run send", logx.String("kind", c.Kind), logx.String("to", c.To), logx.String("message_id", c.Ref.ID))
	if acks != nil {
		for _, lvl := range a.AckLevels {
			select {
			case acks <- transport.Ack{MessageID: c.Ref.ID, Level: lvl}:
			default:
			}
		}
	}
	return c.Ref, nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.Peer, text string) ([]transport.MessageRef, error) {
	var refs []transport.MessageRef
	for _, chunk := range chunkText(text, a.TextLimit) {
		ref, err := a.send(ctx, Call{Kind: "text", To: to.ID, Text: chunk})
		if err != nil {
			return refs, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func chunkText(s string, limit int) []string {
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for len(rs) > limit {
		out = append(out, string(rs[:limit]))
		rs = rs[limit:]
	}
	if len(rs) > 0 {
		out = append(out, string(rs))
	}
	return out
}

func (a *Adapter) SendMedia(ctx context.Context, to transport.Peer, m transport.Media) (transport.MessageRef, error) {
	return a.send(ctx, Call{Kind: "media", To: to.ID, Media: m})
}

// SendContacts sends every card in a single message.
func (a *Adapter) SendContacts(ctx context.Context, to transport.Peer, cards []transport.Peer) ([]transport.MessageRef, error) {
	ids := make([]string, 0, len(cards))
	for _, c := range cards {
		ids = append(ids, c.ID)
	}
	ref, err := a.send(ctx, Call{Kind: "contacts", To: to.ID, Cards: ids})
	if err != nil {
		return nil, err
	}
	return []transport.MessageRef{ref}, nil
}

func (a *Adapter) FetchRecent(ctx context.Context, chat transport.Peer, limit int) ([]transport.MessageRef, error) {
	_ = ctx
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.chats[chat.ID]
	out := make([]transport.MessageRef, 0, min(limit, len(h)))
	for i := len(h) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h[i])
	}
	return out, nil
}

func (a *Adapter) Retract(ctx context.Context, ref transport.MessageRef) error {
	_ = ctx
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.chats[ref.ChatID]
	for i := range h {
		if h[i].ID == ref.ID {
			a.chats[ref.ChatID] = append(h[:i:i], h[i+1:]...)
			a.retracted = append(a.retracted, ref.ID)
			return nil
		}
	}
	return fmt.Errorf("dry-run: message %s not found", ref.ID)
}

// Calls returns a copy of every recorded send.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// Retracted lists the message ids removed via Retract.
func (a *Adapter) Retracted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.retracted...)
}

// Bury pushes n filler messages into chat so earlier ones age out of FetchRecent.
func (a *Adapter) Bury(chat string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < n; i++ {
		a.seq++
		a.chats[chat] = append(a.chats[chat], transport.MessageRef{ID: fmt.Sprintf("other-%d", a.seq), ChatID: chat})
	}
}
