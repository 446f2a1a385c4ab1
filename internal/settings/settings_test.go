package settings

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

func TestLoadDefaultsWhenAbsentOrCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := NewStore(path, logx.Nop())
	if got := s.Load(); got != Defaults() {
		t.Fatalf("absent: got %+v", got)
	}
	if err := os.WriteFile(path, []byte("{oops"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := s.Load(); got != Defaults() {
		t.Fatalf("corrupt: got %+v", got)
	}
	if w := Defaults().Delay.Window(); w.Min != 6*time.Second || w.Max != 15*time.Second {
		t.Fatalf("unexpected default window %+v", w)
	}
}

func TestSaveMerges(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "settings.json"), logx.Nop())
	if _, err := s.Save(Patch{Delay: &Range{Min: 1000, Max: 2000}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Save(Patch{UndoDelay: &Range{Min: 500, Max: 900}})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	want := Settings{Delay: Range{Min: 1000, Max: 2000}, UndoDelay: Range{Min: 500, Max: 900}}
	if got != want {
		t.Fatalf("merged = %+v, want %+v", got, want)
	}
	if again := s.Load(); again != want {
		t.Fatalf("reloaded = %+v, want %+v", again, want)
	}
}

func TestSaveRejectsInvalidRange(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "settings.json"), logx.Nop())
	for _, p := range []Patch{
		{Delay: &Range{Min: -1, Max: 10}},
		{UndoDelay: &Range{}},
	} {
		if _, err := s.Save(p); !errors.Is(err, ErrInvalid) {
			t.Fatalf("Save(%+v) err=%v, want ErrInvalid", p, err)
		}
	}
	if got := s.Load(); got != Defaults() {
		t.Fatalf("rejected patch was persisted: %+v", got)
	}
}
