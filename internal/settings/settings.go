// Package settings holds the operator-tunable pacing document. Unlike the
// process config it is edited at runtime (HTTP API) and read at job start.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"relaybot/internal/pacer"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// Range is a delay window in milliseconds, as stored on disk.
type Range struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

func (r Range) Window() pacer.Window {
	return pacer.Window{Min: time.Duration(r.Min) * time.Millisecond, Max: time.Duration(r.Max) * time.Millisecond}
}

func (r Range) valid() bool { return r.Min >= 0 && r.Max >= 0 && (r.Min > 0 || r.Max > 0) }

// ErrInvalid marks a patch carrying a negative or all-zero range.
var ErrInvalid = errors.New("invalid settings")

type Settings struct {
	Delay     Range `json:"delay"`
	UndoDelay Range `json:"undoDelay"`
}

// Defaults applies when the document is absent or unreadable.
func Defaults() Settings {
	return Settings{
		Delay:     Range{Min: 6000, Max: 15000},
		UndoDelay: Range{Min: 3000, Max: 7000},
	}
}

// Patch is a partial update; nil fields keep their current value.
type Patch struct {
	Delay     *Range `json:"delay,omitempty"`
	UndoDelay *Range `json:"undoDelay,omitempty"`
}

type Store struct {
	path string
	log  logx.Logger
	mu   sync.Mutex
}

func NewStore(path string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{path: path, log: log}
}

// Load never fails: missing or corrupt documents degrade to Defaults, and
// invalid sections fall back individually.
func (s *Store) Load() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() Settings {
	def := Defaults()
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("settings unreadable; using defaults", logx.String("path", s.path), logx.Err(err))
		}
		return def
	}
	var raw Patch
	if err := json.Unmarshal(b, &raw); err != nil {
		s.log.Warn("settings corrupt; using defaults", logx.String("path", s.path), logx.Err(err))
		return def
	}
	out := def
	if raw.Delay != nil && raw.Delay.valid() {
		out.Delay = *raw.Delay
	}
	if raw.UndoDelay != nil && raw.UndoDelay.valid() {
		out.UndoDelay = *raw.UndoDelay
	}
	return out
}

// Save merges p over the current document and persists the result.
func (s *Store) Save(p Patch) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Delay != nil && !p.Delay.valid() {
		return Settings{}, fmt.Errorf("%w: delay", ErrInvalid)
	}
	if p.UndoDelay != nil && !p.UndoDelay.valid() {
		return Settings{}, fmt.Errorf("%w: undoDelay", ErrInvalid)
	}
	cur := s.loadLocked()
	if p.Delay != nil {
		cur.Delay = *p.Delay
	}
	if p.UndoDelay != nil {
		cur.UndoDelay = *p.UndoDelay
	}
	if err := storage.WriteJSONAtomic(s.path, cur); err != nil {
		return Settings{}, err
	}
	return cur, nil
}
