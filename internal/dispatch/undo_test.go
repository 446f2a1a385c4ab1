package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"relaybot/internal/job"
	"relaybot/internal/pacer"
	"relaybot/internal/transport"
	"relaybot/internal/transport/dryrun"
	logx "relaybot/pkg/logx"
)

// idSender deletes by id and keeps no chat history, like a restarted bot.
type idSender struct{ *dryrun.Adapter }

func (idSender) FetchRecent(context.Context, transport.Peer, int) ([]transport.MessageRef, error) {
	return nil, nil
}

func (s idSender) RetractByID(ctx context.Context, ref transport.MessageRef) error {
	if err := s.Retract(ctx, ref); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrNotFound, err)
	}
	return nil
}

func TestUndoEmptyLedger(t *testing.T) {
	h := newHarness(t, job.Contact, contacts("c1"), nil)

	res := h.eng.Undo(context.Background())
	if res.State != Completed {
		t.Fatalf("state %s", res.State)
	}
	lines := h.eng.Feed().Lines()
	if len(lines) != 1 || feedHas(h.eng.Feed(), "nothing to undo") != 1 {
		t.Fatalf("expected a single line, got %+v", lines)
	}
	if len(h.tr.Calls()) != 0 || len(h.slept()) != 0 {
		t.Fatalf("empty undo should not touch the transport or pace")
	}
}

func TestUndoRetractsAndToleratesAgedOut(t *testing.T) {
	h := newHarness(t, job.Contact, contacts("c1", "c2"), nil)
	ctx := context.Background()
	h.eng.Run(ctx, textSpec("hello"))
	calls := h.tr.Calls()

	// c1's message scrolls out of the fetch window
	h.tr.Bury("c1", 60)

	res := h.eng.Undo(ctx)
	if res.State != Completed || res.Sent != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := h.tr.Retracted(); !reflect.DeepEqual(got, []string{calls[1].Ref.ID}) {
		t.Fatalf("retracted %v", got)
	}
	if feedHas(h.eng.Feed(), "message not found, might be too old") != 1 {
		t.Fatalf("missing aged-out warning: %+v", h.eng.Feed().Lines())
	}
	ledger, _ := h.store.LoadLedger(ctx, job.Contact)
	if len(ledger) != 0 {
		t.Fatalf("ledger should be empty after undo, got %+v", ledger)
	}
}

func TestUndoSkipsUnresolvableRecipients(t *testing.T) {
	h := newHarness(t, job.Contact, contacts("c1", "c2"), nil)
	ctx := context.Background()
	h.eng.Run(ctx, textSpec("hello"))
	h.tr.Forget("c1")

	res := h.eng.Undo(ctx)
	if res.State != Completed || res.Failed != 1 || res.Sent != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestUndoStopKeepsRemainder(t *testing.T) {
	h := newHarness(t, job.Contact, contacts("c1", "c2", "c3"), nil)
	ctx := context.Background()
	h.eng.Run(ctx, textSpec("hello"))

	// first pacing call of the undo (the pre-fetch pause) trips the stop
	h.mu.Lock()
	h.sleeps = nil
	h.mu.Unlock()
	stopOnFirstSleep(h)

	res := h.eng.Undo(ctx)
	if res.State != Stopped {
		t.Fatalf("state %s", res.State)
	}
	ledger, _ := h.store.LoadLedger(ctx, job.Contact)
	if len(ledger) != 2 || ledger[0].RecipientID != "c2" {
		t.Fatalf("remaining ledger %+v", ledger)
	}
}

func TestUndoByIDAfterRestart(t *testing.T) {
	h := newHarness(t, job.Contact, contacts("c1", "c2"), nil)
	ctx := context.Background()
	h.eng.Run(ctx, textSpec("hello"))
	calls := h.tr.Calls()

	// c1's message was already deleted by hand
	if err := h.tr.Retract(ctx, calls[0].Ref); err != nil {
		t.Fatal(err)
	}

	restarted := NewEngine(Deps{
		Class:      job.Contact,
		Sender:     idSender{h.tr},
		Store:      h.store,
		Recipients: contacts("c1", "c2"),
		PacerOptions: []pacer.Option{pacer.WithSleep(func(ctx context.Context, _ time.Duration) error {
			return ctx.Err()
		})},
		Log: logx.Nop(),
	}, DefaultOptions())

	res := restarted.Undo(ctx)
	if res.State != Completed || res.Sent != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := h.tr.Retracted(); !reflect.DeepEqual(got, []string{calls[0].Ref.ID, calls[1].Ref.ID}) {
		t.Fatalf("retracted %v", got)
	}
	if feedHas(restarted.Feed(), "message not found, might be too old") != 1 {
		t.Fatalf("missing aged-out warning: %+v", restarted.Feed().Lines())
	}
	if ledger, _ := h.store.LoadLedger(ctx, job.Contact); len(ledger) != 0 {
		t.Fatalf("ledger should be empty after undo, got %+v", ledger)
	}
}
