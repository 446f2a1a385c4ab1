package dispatch

import (
	"context"
	"slices"
	"sync"

	"relaybot/internal/job"
	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// ProgressStore wraps the class's progress document. Read failures degrade
// to "no record"; write failures are logged and swallowed so persistence
// never aborts a job.
type ProgressStore struct {
	store storage.Store
	class job.Class
	log   logx.Logger
}

func NewProgressStore(store storage.Store, class job.Class, log logx.Logger) *ProgressStore {
	return &ProgressStore{store: store, class: class, log: log}
}

func (p *ProgressStore) Load(ctx context.Context) (storage.Progress, bool) {
	rec, ok, err := p.store.LoadProgress(ctx, p.class)
	if err != nil {
		p.log.Warn("progress unreadable; starting fresh", logx.Err(err))
		return storage.Progress{}, false
	}
	return rec, ok
}

// Resume returns the step map to continue from: the stored one when its
// fingerprint matches, otherwise an empty map.
func (p *ProgressStore) Resume(ctx context.Context, fingerprint string) (map[string][]string, bool) {
	rec, ok := p.Load(ctx)
	if !ok || rec.Fingerprint != fingerprint || rec.SentSteps == nil {
		return map[string][]string{}, false
	}
	return rec.SentSteps, true
}

func (p *ProgressStore) Save(ctx context.Context, rec storage.Progress) {
	if err := p.store.SaveProgress(ctx, p.class, rec); err != nil {
		p.log.Warn("progress save failed", logx.Err(err))
	}
}

func (p *ProgressStore) Clear(ctx context.Context) {
	if err := p.store.ClearProgress(ctx, p.class); err != nil {
		p.log.Warn("progress clear failed", logx.Err(err))
	}
}

// steps is the in-run step map. It only grows.
type steps struct {
	mu sync.Mutex
	m  map[string][]string
}

func (s *steps) has(recipient, step string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.m[recipient], step)
}

func (s *steps) add(recipient, step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.m[recipient], step) {
		s.m[recipient] = append(s.m[recipient], step)
	}
}

func (s *steps) snapshot() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.m))
	for k, v := range s.m {
		out[k] = slices.Clone(v)
	}
	return out
}
