package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"relaybot/internal/job"
	logx "relaybot/pkg/logx"
)

// fileStore keeps one JSON document per key under a root directory.
//
// Layout:
//   - <root>/<class>/progress.json
//   - <root>/<class>/ledger.json
//   - <root>/<class>/deliveries/<day>.json
//   - <root>/audit.jsonl (append-only JSON Lines)
//
// Every document write goes through a temp file in the same directory
// followed by os.Rename, so readers never observe a truncated document.
type fileStore struct {
	log  logx.Logger
	root string

	mu        sync.Mutex
	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	af, err := os.OpenFile(filepath.Join(root, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, root: root, auditFile: af}, nil
}

func (s *fileStore) classDir(class job.Class) string {
	return filepath.Join(s.root, string(class))
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) LoadProgress(ctx context.Context, class job.Class) (Progress, bool, error) {
	_ = ctx
	var p Progress
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := readJSON(filepath.Join(s.classDir(class), "progress.json"), &p)
	if err != nil || !ok {
		return Progress{}, false, err
	}
	return p, true, nil
}

func (s *fileStore) SaveProgress(ctx context.Context, class job.Class, p Progress) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteJSONAtomic(filepath.Join(s.classDir(class), "progress.json"), p)
}

func (s *fileStore) ClearProgress(ctx context.Context, class job.Class) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(filepath.Join(s.classDir(class), "progress.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *fileStore) LoadLedger(ctx context.Context, class job.Class) ([]LedgerItem, error) {
	_ = ctx
	var items []LedgerItem
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := readJSON(filepath.Join(s.classDir(class), "ledger.json"), &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *fileStore) SaveLedger(ctx context.Context, class job.Class, items []LedgerItem) error {
	_ = ctx
	if items == nil {
		items = []LedgerItem{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteJSONAtomic(filepath.Join(s.classDir(class), "ledger.json"), items)
}

func (s *fileStore) deliveryPath(class job.Class, day string) string {
	return filepath.Join(s.classDir(class), "deliveries", day+".json")
}

func (s *fileStore) UpsertDelivery(ctx context.Context, class job.Class, day string, e DeliveryEntry) error {
	_ = ctx
	if e.MessageID == "" {
		return nil
	}
	path := s.deliveryPath(class, day)

	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []DeliveryEntry
	if _, err := readJSON(path, &rows); err != nil {
		// A corrupt day log is replaced rather than blocking new rows.
		s.log.Warn("delivery log unreadable; starting fresh", logx.String("path", path), logx.Err(err))
		rows = nil
	}
	return WriteJSONAtomic(path, upsertRow(rows, e))
}

func upsertRow(rows []DeliveryEntry, e DeliveryEntry) []DeliveryEntry {
	for i := range rows {
		if rows[i].MessageID == e.MessageID {
			rows[i] = e
			return rows
		}
	}
	return append(rows, e)
}

func (s *fileStore) Deliveries(ctx context.Context, class job.Class, day string) ([]DeliveryEntry, error) {
	_ = ctx
	var rows []DeliveryEntry
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := readJSON(s.deliveryPath(class, day), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *fileStore) PruneDeliveries(ctx context.Context, before string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, class := range job.Classes {
		dir := filepath.Join(s.classDir(class), "deliveries")
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			day := strings.TrimSuffix(name, ".json")
			if day == name || day >= before {
				continue
			}
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// readJSON decodes path into v. A missing file is (false, nil).
func readJSON(path string, v any) (bool, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// WriteJSONAtomic replaces path with the indented JSON of v via temp file + rename.
func WriteJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".relaybot-tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(b); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmpName, path)
}
