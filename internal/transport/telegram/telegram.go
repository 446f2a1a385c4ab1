// Package telegram adapts a Telegram bot session to transport.Adapter.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Token string
	// HistorySize bounds the per-chat record of sent messages used by
	// FetchRecent. Undo deletes by id and does not depend on it.
	HistorySize int
	// APIURL overrides the Bot API endpoint (self-hosted bot API servers, tests).
	APIURL string
}

// Adapter sends through the Bot API. Telegram reports no delivery receipts
// to bots, so a successful send is acknowledged as delivered.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	acks    chan transport.Ack

	droppedAcks uint64

	histMu  sync.Mutex
	history map[string][]transport.MessageRef
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		acks:    make(chan transport.Ack, 256),
		history: map[string][]transport.MessageRef{},
	}, nil
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Ack) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("acks.forward", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case ack := <-a.acks:
				select {
				case out <- ack:
				case <-c.Done():
					return
				}
			}
		}
	})

	// Periodic summary for dropped acks (avoid noisy per-event logs).
	sup.Go0("acks.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedAcks, 0); n > 0 {
					a.log.Warn("ack events dropped (queue full)", logx.Uint64("count", n), logx.Int("queue_cap", cap(a.acks)))
				}
			}
		}
	})
	a.log.Info("telegram transport ready")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		return err
	}
	return nil
}

func (a *Adapter) emit(ref transport.MessageRef) {
	select {
	case a.acks <- transport.Ack{MessageID: ref.ID, Level: transport.AckDelivered}:
	default:
		atomic.AddUint64(&a.droppedAcks, 1)
	}
}

// Resolve accepts a numeric chat id, an @username or a phone number.
// Phone numbers resolve to a card-only peer; bots cannot open chats by phone.
func (a *Adapter) Resolve(ctx context.Context, id string) (transport.Peer, error) {
	_ = ctx
	id = strings.TrimSpace(id)
	if id == "" {
		return transport.Peer{}, transport.ErrNotFound
	}
	if isPhone(id) {
		return transport.Peer{ID: id, Name: id, Phone: id}, nil
	}
	chat, err := a.bot.ChatByUsername(id)
	if err != nil {
		return transport.Peer{}, fmt.Errorf("resolve %s: %w", id, err)
	}
	name := chat.Title
	if name == "" {
		name = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}
	return transport.Peer{ID: strconv.FormatInt(chat.ID, 10), Name: name}, nil
}

// isPhone matches "+<digits>". Chat ids are numeric too, so the plus sign is required.
func isPhone(s string) bool {
	digits, ok := strings.CutPrefix(s, "+")
	if !ok || len(digits) < 6 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func chatOf(p transport.Peer) (*tele.Chat, error) {
	id, err := strconv.ParseInt(p.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: invalid chat id %q", p.ID)
	}
	return &tele.Chat{ID: id}, nil
}

func (a *Adapter) record(chatID string, msg *tele.Message) transport.MessageRef {
	ref := transport.MessageRef{ID: chatID + ":" + strconv.Itoa(msg.ID), ChatID: chatID}
	a.histMu.Lock()
	h := append(a.history[chatID], ref)
	if over := len(h) - a.cfg.HistorySize; over > 0 {
		h = append([]transport.MessageRef(nil), h[over:]...)
	}
	a.history[chatID] = h
	a.histMu.Unlock()
	a.emit(ref)
	return ref
}

const telegramTextLimit = 4000

// splitText splits long messages into chunks, preferring newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// SendText sends text in chunks of at most telegramTextLimit runes.
func (a *Adapter) SendText(ctx context.Context, to transport.Peer, text string) ([]transport.MessageRef, error) {
	chat, err := chatOf(to)
	if err != nil {
		return nil, err
	}
	chunks := splitText(text, telegramTextLimit)
	refs := make([]transport.MessageRef, 0, len(chunks))
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return refs, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true})
		if err != nil {
			return refs, err
		}
		refs = append(refs, a.record(to.ID, msg))
	}
	return refs, nil
}

func (a *Adapter) SendMedia(ctx context.Context, to transport.Peer, m transport.Media) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	chat, err := chatOf(to)
	if err != nil {
		return transport.MessageRef{}, err
	}
	var what tele.Sendable
	file := tele.FromDisk(m.Path)
	switch strings.ToLower(filepath.Ext(m.Path)) {
	case ".jpg", ".jpeg", ".png", ".webp":
		what = &tele.Photo{File: file, Caption: m.Caption}
	case ".mp4", ".mov":
		what = &tele.Video{File: file, Caption: m.Caption}
	default:
		what = &tele.Document{File: file, Caption: m.Caption, FileName: filepath.Base(m.Path)}
	}
	msg, err := a.bot.Send(chat, what)
	if err != nil {
		return transport.MessageRef{}, err
	}
	return a.record(to.ID, msg), nil
}

// SendContacts sends one card per peer.
func (a *Adapter) SendContacts(ctx context.Context, to transport.Peer, cards []transport.Peer) ([]transport.MessageRef, error) {
	chat, err := chatOf(to)
	if err != nil {
		return nil, err
	}
	refs := make([]transport.MessageRef, 0, len(cards))
	for _, c := range cards {
		if err := ctx.Err(); err != nil {
			return refs, err
		}
		phone := c.Phone
		if phone == "" {
			phone = c.ID
		}
		name := c.Name
		if name == "" {
			name = phone
		}
		msg, err := a.bot.Send(chat, &tele.Contact{PhoneNumber: phone, FirstName: name})
		if err != nil {
			return refs, err
		}
		refs = append(refs, a.record(to.ID, msg))
	}
	return refs, nil
}

// FetchRecent returns up to limit messages this adapter sent to chat, newest first.
func (a *Adapter) FetchRecent(ctx context.Context, chat transport.Peer, limit int) ([]transport.MessageRef, error) {
	_ = ctx
	a.histMu.Lock()
	defer a.histMu.Unlock()
	h := a.history[chat.ID]
	out := make([]transport.MessageRef, 0, min(limit, len(h)))
	for i := len(h) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h[i])
	}
	return out, nil
}

func (a *Adapter) Retract(ctx context.Context, ref transport.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatPart, msgPart, ok := strings.Cut(ref.ID, ":")
	if !ok {
		return fmt.Errorf("telegram: malformed message id %q", ref.ID)
	}
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: malformed message id %q", ref.ID)
	}
	if err := a.bot.Delete(tele.StoredMessage{MessageID: msgPart, ChatID: chatID}); err != nil {
		return err
	}
	a.histMu.Lock()
	h := a.history[chatPart]
	for i := range h {
		if h[i].ID == ref.ID {
			a.history[chatPart] = append(h[:i:i], h[i+1:]...)
			break
		}
	}
	a.histMu.Unlock()
	return nil
}

// RetractByID deletes a message by its id alone. Message ids carry their
// chat, so this works for messages sent before a restart.
func (a *Adapter) RetractByID(ctx context.Context, ref transport.MessageRef) error {
	err := a.Retract(ctx, ref)
	if errors.Is(err, tele.ErrNotFoundToDelete) || errors.Is(err, tele.ErrNoRightsToDelete) {
		return fmt.Errorf("%w: %s", transport.ErrNotFound, err.Error())
	}
	return err
}
