package storage

import (
	"context"
	"errors"
	"time"

	"relaybot/internal/job"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// DayLayout formats the calendar day that scopes delivery logs.
const DayLayout = "2006-01-02"

// Config configures storage.
//
// Driver values:
//   - "file": directory of JSON documents (Path is the directory)
//   - "sqlite": SQLite database file
//   - "redis": Redis server at Addr, keys prefixed with Prefix
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Progress is the resumable state of one class's current job.
type Progress struct {
	Fingerprint        string              `json:"fingerprint"`
	SentSteps          map[string][]string `json:"sentSteps"`
	LastErrorRecipient string              `json:"lastErrorRecipient,omitempty"`
}

// LedgerItem is one message sent by the active job.
type LedgerItem struct {
	RecipientID string `json:"recipientId"`
	MessageID   string `json:"messageId"`
}

// DeliveryEntry is one row of a day-scoped delivery log, keyed by MessageID.
type DeliveryEntry struct {
	Name             string    `json:"name"`
	RecipientID      string    `json:"recipientId"`
	MessageID        string    `json:"messageId"`
	AckLevel         int       `json:"ackLevel"`
	Timestamp        time.Time `json:"timestamp"`
	IsGroupRecipient bool      `json:"isGroupRecipient"`
}

// AuditEntry summarizes one finished dispatch or undo run.
type AuditEntry struct {
	At                 time.Time `json:"at"`
	RunID              string    `json:"run_id"`
	Class              job.Class `json:"class"`
	Action             string    `json:"action"`
	Origin             string    `json:"origin,omitempty"`
	State              string    `json:"state"`
	Fingerprint        string    `json:"fingerprint,omitempty"`
	Sent               int       `json:"sent"`
	Failed             int       `json:"failed"`
	Skipped            int       `json:"skipped"`
	LastErrorRecipient string    `json:"last_error_recipient,omitempty"`
	Error              string    `json:"error,omitempty"`
	TookMS             int64     `json:"took_ms"`
}

// Store is the persistence API used by the dispatch engine and ack tracker.
// Documents of different classes never share keys.
type Store interface {
	LoadProgress(ctx context.Context, class job.Class) (Progress, bool, error)
	SaveProgress(ctx context.Context, class job.Class, p Progress) error
	ClearProgress(ctx context.Context, class job.Class) error

	LoadLedger(ctx context.Context, class job.Class) ([]LedgerItem, error)
	SaveLedger(ctx context.Context, class job.Class, items []LedgerItem) error

	UpsertDelivery(ctx context.Context, class job.Class, day string, e DeliveryEntry) error
	Deliveries(ctx context.Context, class job.Class, day string) ([]DeliveryEntry, error)
	// PruneDeliveries removes every delivery log older than the given day and
	// reports how many (class, day) logs were dropped.
	PruneDeliveries(ctx context.Context, before string) (int, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
