package logx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Line is one rendered entry of a Feed.
type Line struct {
	Time  time.Time `json:"time"`
	Level string    `json:"level"`
	Text  string    `json:"text"`
}

// Feed is a bounded, human-readable line buffer.
// It implements io.Writer for zerolog JSON events.
type Feed struct {
	mu    sync.Mutex
	max   int
	lines []Line
	now   func() time.Time
}

const defaultFeedSize = 500

func NewFeed(max int) *Feed {
	if max <= 0 {
		max = defaultFeedSize
	}
	return &Feed{max: max, now: time.Now}
}

// Reset drops every buffered line.
func (f *Feed) Reset() {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.lines = nil
	f.mu.Unlock()
}

// Lines returns a copy of the buffered lines, oldest first.
func (f *Feed) Lines() []Line {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Line(nil), f.lines...)
}

func (f *Feed) Write(p []byte) (int, error) {
	lvl, text := formatLine(p)
	if text == "" {
		return len(p), nil
	}
	f.mu.Lock()
	f.lines = append(f.lines, Line{Time: f.now(), Level: lvl, Text: text})
	if over := len(f.lines) - f.max; over > 0 {
		f.lines = append([]Line(nil), f.lines[over:]...)
	}
	f.mu.Unlock()
	return len(p), nil
}

// formatLine renders a zerolog JSON line as "message k=v k=v" with sorted keys.
func formatLine(p []byte) (string, string) {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return "", truncate(strings.TrimSpace(string(p)), 2000)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "caller", "comp":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(msg)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 300))
	}
	return lvl, truncate(b.String(), 2000)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
