package dispatch

import (
	"context"
	"sync"

	"relaybot/internal/job"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// Ledger records the messages sent by the latest job so Undo can retract
// them. Every change is written through to the store.
type Ledger struct {
	store storage.Store
	class job.Class
	log   logx.Logger

	mu    sync.Mutex
	items []storage.LedgerItem
}

func NewLedger(store storage.Store, class job.Class, log logx.Logger) *Ledger {
	return &Ledger{store: store, class: class, log: log}
}

// Reset empties the ledger.
func (l *Ledger) Reset(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	l.persistLocked(ctx)
}

func (l *Ledger) Append(ctx context.Context, it storage.LedgerItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, it)
	l.persistLocked(ctx)
}

// Replace overwrites the ledger with items.
func (l *Ledger) Replace(ctx context.Context, items []storage.LedgerItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append([]storage.LedgerItem(nil), items...)
	l.persistLocked(ctx)
}

// Items reads the persisted ledger, so an undo works after a restart.
// An unreadable ledger reads as empty.
func (l *Ledger) Items(ctx context.Context) []storage.LedgerItem {
	items, err := l.store.LoadLedger(ctx, l.class)
	if err != nil {
		l.log.Warn("ledger unreadable; treating as empty", logx.Err(err))
		return nil
	}
	l.mu.Lock()
	l.items = items
	l.mu.Unlock()
	return append([]storage.LedgerItem(nil), items...)
}

func (l *Ledger) persistLocked(ctx context.Context) {
	if err := l.store.SaveLedger(ctx, l.class, l.items); err != nil {
		l.log.Warn("ledger save failed", logx.Err(err))
	}
}
