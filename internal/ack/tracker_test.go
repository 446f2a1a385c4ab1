package ack

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"relaybot/internal/job"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

var sentAt = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func rows(t *testing.T, st storage.Store, class job.Class) []storage.DeliveryEntry {
	t.Helper()
	out, err := st.Deliveries(context.Background(), class, sentAt.Format(storage.DayLayout))
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	return out
}

func TestRegisterWritesPendingRow(t *testing.T) {
	st := openStore(t)
	tr := New(st, logx.Nop())
	ctx := context.Background()

	tr.Register(ctx, Entry{Class: job.Group, Name: "Team", RecipientID: "g1", MessageID: "m1", SentAt: sentAt})

	got := rows(t, st, job.Group)
	if len(got) != 1 {
		t.Fatalf("expected 1 row, got %d", len(got))
	}
	if got[0].AckLevel != int(transport.AckPending) || !got[0].IsGroupRecipient || got[0].Name != "Team" {
		t.Fatalf("unexpected row: %+v", got[0])
	}
	if tr.Pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", tr.Pending())
	}
}

func TestHandleUpgradesAndEvicts(t *testing.T) {
	st := openStore(t)
	tr := New(st, logx.Nop())
	ctx := context.Background()
	tr.Register(ctx, Entry{Class: job.Contact, Name: "Ann", RecipientID: "c1", MessageID: "m1", SentAt: sentAt})

	if !tr.Handle(ctx, transport.Ack{MessageID: "m1", Level: transport.AckServer}) {
		t.Fatalf("server ack should apply")
	}
	if tr.Handle(ctx, transport.Ack{MessageID: "m1", Level: transport.AckServer}) {
		t.Fatalf("equal level should be ignored")
	}
	if tr.Handle(ctx, transport.Ack{MessageID: "m1", Level: transport.AckPending}) {
		t.Fatalf("lower level should be ignored")
	}
	if got := rows(t, st, job.Contact)[0].AckLevel; got != int(transport.AckServer) {
		t.Fatalf("expected server level, got %d", got)
	}

	if !tr.Handle(ctx, transport.Ack{MessageID: "m1", Level: transport.AckDelivered}) {
		t.Fatalf("delivered ack should apply")
	}
	if tr.Pending() != 0 {
		t.Fatalf("delivered row should be evicted, pending=%d", tr.Pending())
	}
	if got := rows(t, st, job.Contact)[0].AckLevel; got != int(transport.AckDelivered) {
		t.Fatalf("expected delivered level, got %d", got)
	}

	// evicted rows no longer change
	if tr.Handle(ctx, transport.Ack{MessageID: "m1", Level: transport.AckRead}) {
		t.Fatalf("ack after eviction should be ignored")
	}
}

func TestUnknownAckCreatesNoRow(t *testing.T) {
	st := openStore(t)
	tr := New(st, logx.Nop())

	if tr.Handle(context.Background(), transport.Ack{MessageID: "ghost", Level: transport.AckRead}) {
		t.Fatalf("unknown ack should not apply")
	}
	if got := rows(t, st, job.Contact); len(got) != 0 {
		t.Fatalf("unknown ack created rows: %+v", got)
	}
}

func TestEarlyAckAppliedOnRegister(t *testing.T) {
	st := openStore(t)
	tr := New(st, logx.Nop())
	ctx := context.Background()

	tr.Handle(ctx, transport.Ack{MessageID: "m9", Level: transport.AckDelivered})
	tr.Register(ctx, Entry{Class: job.Contact, Name: "Bo", RecipientID: "c9", MessageID: "m9", SentAt: sentAt})

	got := rows(t, st, job.Contact)
	if len(got) != 1 || got[0].AckLevel != int(transport.AckDelivered) {
		t.Fatalf("expected delivered row, got %+v", got)
	}
	if tr.Pending() != 0 {
		t.Fatalf("terminal row should not stay pending")
	}
}

func TestRunStopsOnClose(t *testing.T) {
	st := openStore(t)
	tr := New(st, logx.Nop())
	ctx := context.Background()
	tr.Register(ctx, Entry{Class: job.Contact, RecipientID: "c1", MessageID: "m1", SentAt: sentAt})

	ch := make(chan transport.Ack, 2)
	ch <- transport.Ack{MessageID: "m1", Level: transport.AckRead}
	close(ch)
	if err := tr.Run(ctx, ch); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := rows(t, st, job.Contact)[0].AckLevel; got != int(transport.AckRead) {
		t.Fatalf("expected read level, got %d", got)
	}
}

func TestRetentionSweep(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	for _, day := range []string{"2026-01-01", "2026-02-20", "2026-03-14"} {
		if err := st.UpsertDelivery(ctx, job.Contact, day, storage.DeliveryEntry{MessageID: "m-" + day}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	r := NewRetention(st, 30, "", time.UTC, logx.Nop())
	r.now = func() time.Time { return sentAt }
	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removed log, got %d", n)
	}
	for day, want := range map[string]int{"2026-01-01": 0, "2026-02-20": 1, "2026-03-14": 1} {
		got, err := st.Deliveries(ctx, job.Contact, day)
		if err != nil {
			t.Fatalf("deliveries %s: %v", day, err)
		}
		if len(got) != want {
			t.Fatalf("day %s: expected %d rows, got %d", day, want, len(got))
		}
	}
}

func TestRetentionDisabled(t *testing.T) {
	r := NewRetention(openStore(t), 0, "", nil, logx.Nop())
	if n, err := r.Sweep(context.Background()); n != 0 || err != nil {
		t.Fatalf("disabled sweep should be a no-op, got %d %v", n, err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.Stop(context.Background())
}
