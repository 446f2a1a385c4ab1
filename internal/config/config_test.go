package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestDecodeYAMLMatchesJSON(t *testing.T) {
	js := `{"instance":"desk-1","transport":{"driver":"dryrun"},"dispatch":{"on_recipient_error":"continue"}}`
	ym := "instance: desk-1\ntransport:\n  driver: dryrun\ndispatch:\n  on_recipient_error: continue\n"

	a, err := Decode("c.json", []byte(js))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	b, err := Decode("c.yaml", []byte(ym))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if hashConfig(a) != hashConfig(b) {
		t.Fatalf("yaml and json decoded differently: %+v vs %+v", a, b)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	if _, err := Decode("c.yaml", []byte("transport:\n  driver: dryrun\n  poll_timeout: 10s\n")); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{"instance":"a"}{"instance":"b"}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestResolveDefaults(t *testing.T) {
	cfg := &Config{Transport: TransportConfig{Driver: "dryrun"}}
	rt, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rt.CallTimeout != 60*time.Second {
		t.Fatalf("call timeout %s", rt.CallTimeout)
	}
	if rt.OnRecipientError != OnErrorAbort {
		t.Fatalf("on error %q", rt.OnRecipientError)
	}
	if rt.UndoFetchDelay != (Span{Min: 2 * time.Second, Max: 5 * time.Second}) || rt.UndoFetchLimit != 50 {
		t.Fatalf("undo defaults %+v %d", rt.UndoFetchDelay, rt.UndoFetchLimit)
	}
	if rt.CooldownEveryMin != 10 || rt.CooldownEveryMax != 20 || rt.CooldownWindow != (Span{Min: 20 * time.Second, Max: 30 * time.Second}) {
		t.Fatalf("cooldown defaults %+v", rt)
	}
	if rt.RetentionDays != 30 || rt.RetentionSchedule != "@daily" {
		t.Fatalf("retention defaults %d %q", rt.RetentionDays, rt.RetentionSchedule)
	}
	if rt.Heartbeat != 8*time.Second || rt.ReconnectBackoff != 10*time.Second {
		t.Fatalf("control plane defaults %s %s", rt.Heartbeat, rt.ReconnectBackoff)
	}
	if rt.SettingsFile != filepath.Join("data", "settings.json") {
		t.Fatalf("settings file %q", rt.SettingsFile)
	}
}

func TestResolveCollectsErrors(t *testing.T) {
	cfg := &Config{
		Transport:    TransportConfig{Driver: "telegram", CallTimeout: "soon"},
		Dispatch:     DispatchConfig{OnRecipientError: "retry"},
		ControlPlane: ControlPlaneConfig{Enabled: true, URL: "http://coord"},
	}
	_, err := cfg.Resolve()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"transport.token", "transport.call_timeout", "on_recipient_error", "control_plane.url", "instance is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

func TestResolveHTTPExposure(t *testing.T) {
	cases := []struct {
		http HTTPConfig
		ok   bool
	}{
		{HTTPConfig{Addr: "127.0.0.1:8080"}, true},
		{HTTPConfig{Addr: "localhost:8080"}, true},
		{HTTPConfig{Addr: "[::1]:8080"}, true},
		{HTTPConfig{Addr: ":8080"}, false},
		{HTTPConfig{Addr: "0.0.0.0:8080", Token: "t"}, true},
		{HTTPConfig{Addr: "0.0.0.0:8080", AllowInsecure: true}, true},
	}
	for _, tc := range cases {
		cfg := &Config{Transport: TransportConfig{Driver: "dryrun"}, HTTP: tc.http}
		_, err := cfg.Resolve()
		if (err == nil) != tc.ok {
			t.Fatalf("%+v: err=%v", tc.http, err)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := &Config{Transport: TransportConfig{Driver: "dryrun", CallTimeout: "60s"}}
	b := &Config{Transport: TransportConfig{Driver: "dryrun", CallTimeout: "30s"}, HTTP: HTTPConfig{Addr: ":8080"}}

	changed, _, restart := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "http,transport" {
		t.Fatalf("changed %v", changed)
	}
	if strings.Join(restart, ",") != "http" {
		t.Fatalf("restart %v", restart)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	p := writeFile(t, "relaybot.json", `{"instance":"a","transport":{"driver":"dryrun"}}`)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		_, err := cfg.Resolve()
		return err
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher a moment to attach
	time.Sleep(100 * time.Millisecond)

	// invalid config is rejected, valid one goes through
	if err := os.WriteFile(p, []byte(`{"instance":"a","transport":{"driver":"carrier-pigeon"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	if err := os.WriteFile(p, []byte(`{"instance":"b","transport":{"driver":"dryrun"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-ch:
		if cfg.Instance != "b" {
			t.Fatalf("published %q", cfg.Instance)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
	if m.Get().Instance != "b" {
		t.Fatalf("commit missing")
	}
}

func TestWatchPicksUpEditBeforeAttach(t *testing.T) {
	p := writeFile(t, "relaybot.json", `{"instance":"a","transport":{"driver":"dryrun"}}`)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	// lands between Load and Watch
	if err := os.WriteFile(p, []byte(`{"instance":"b","transport":{"driver":"dryrun"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case cfg := <-ch:
		if cfg.Instance != "b" {
			t.Fatalf("published %q", cfg.Instance)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("edit before watch was lost")
	}
}

func TestWatchSkipsUnchangedFileOnAttach(t *testing.T) {
	p := writeFile(t, "relaybot.json", `{"instance":"a","transport":{"driver":"dryrun"}}`)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case cfg := <-ch:
		t.Fatalf("unchanged config published: %+v", cfg)
	case <-time.After(3 * reloadDebounce):
	}
}
