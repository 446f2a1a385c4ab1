package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"relaybot/internal/job"
	logx "relaybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadProgress(ctx context.Context, class job.Class) (Progress, bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM progress WHERE class = ?`, string(class)).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Progress{}, false, nil
	}
	if err != nil {
		return Progress{}, false, err
	}
	var p Progress
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return Progress{}, false, fmt.Errorf("progress %s: %w", class, err)
	}
	return p, true, nil
}

func (s *sqliteStore) SaveProgress(ctx context.Context, class job.Class, p Progress) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO progress(class, doc) VALUES(?, ?)
		 ON CONFLICT(class) DO UPDATE SET doc = excluded.doc`,
		string(class), string(b),
	)
	return err
}

func (s *sqliteStore) ClearProgress(ctx context.Context, class job.Class) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM progress WHERE class = ?`, string(class))
	return err
}

func (s *sqliteStore) LoadLedger(ctx context.Context, class job.Class) ([]LedgerItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient_id, message_id FROM ledger WHERE class = ? ORDER BY seq`, string(class))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LedgerItem
	for rows.Next() {
		var it LedgerItem
		if err := rows.Scan(&it.RecipientID, &it.MessageID); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// SaveLedger replaces the class ledger in one transaction.
func (s *sqliteStore) SaveLedger(ctx context.Context, class job.Class, items []LedgerItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger WHERE class = ?`, string(class)); err != nil {
		return err
	}
	for i, it := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger(class, seq, recipient_id, message_id) VALUES(?,?,?,?)`,
			string(class), i, it.RecipientID, it.MessageID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) UpsertDelivery(ctx context.Context, class job.Class, day string, e DeliveryEntry) error {
	if e.MessageID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(class, day, message_id, seq, name, recipient_id, ack_level, ts, is_group)
		 VALUES(?,?,?,(SELECT COALESCE(MAX(seq), -1) + 1 FROM deliveries WHERE class = ? AND day = ?),?,?,?,?,?)
		 ON CONFLICT(class, day, message_id) DO UPDATE SET
		   name = excluded.name,
		   recipient_id = excluded.recipient_id,
		   ack_level = excluded.ack_level,
		   ts = excluded.ts,
		   is_group = excluded.is_group`,
		string(class), day, e.MessageID, string(class), day,
		nullStr(e.Name), e.RecipientID, e.AckLevel, e.Timestamp.UTC().Format(time.RFC3339Nano), e.IsGroupRecipient,
	)
	return err
}

func (s *sqliteStore) Deliveries(ctx context.Context, class job.Class, day string) ([]DeliveryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(name, ''), recipient_id, message_id, ack_level, ts, is_group
		 FROM deliveries WHERE class = ? AND day = ? ORDER BY seq`, string(class), day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeliveryEntry
	for rows.Next() {
		var (
			e  DeliveryEntry
			ts string
		)
		if err := rows.Scan(&e.Name, &e.RecipientID, &e.MessageID, &e.AckLevel, &ts, &e.IsGroupRecipient); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneDeliveries(ctx context.Context, before string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (SELECT DISTINCT class, day FROM deliveries WHERE day < ?)`, before).Scan(&n); err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE day < ?`, before); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, run_id, class, action, origin, state, fingerprint, sent, failed, skipped, last_error_recipient, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.RunID), string(e.Class), e.Action, nullStr(e.Origin), e.State,
		nullStr(e.Fingerprint), e.Sent, e.Failed, e.Skipped, nullStr(e.LastErrorRecipient), nullStr(e.Error), e.TookMS,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
