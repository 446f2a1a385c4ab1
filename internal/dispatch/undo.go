package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/eventbus"
	"relaybot/internal/job"
	"relaybot/internal/settings"
	"relaybot/internal/storage"
	"relaybot/internal/telemetry"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Undo retracts every message in the ledger, oldest first. Items that can
// no longer be found or retracted are logged and skipped. A stop leaves the
// unprocessed remainder in the ledger; otherwise the ledger ends empty.
func (e *Engine) Undo(ctx context.Context) Result {
	started := time.Now()
	runID := uuid.NewString()

	uctx, release, err := e.ctl.Begin(ctx, Undoing, runID)
	if err != nil {
		if e.ctl.WarnOnce() {
			e.log.Warn("already sending messages")
		}
		return Result{State: Rejected, Err: err.Error()}
	}
	defer release()

	pctx := context.WithoutCancel(uctx)
	items := e.ledg.Items(pctx)
	if len(items) == 0 {
		e.log.Info("nothing to undo")
		return Result{RunID: runID, State: Completed}
	}

	telemetry.Running.WithLabelValues(e.label).Set(1)
	defer telemetry.Running.WithLabelValues(e.label).Set(0)

	opts := e.Options()
	wait := settings.Defaults().UndoDelay.Window()
	if e.d.Settings != nil {
		wait = e.d.Settings.Load().UndoDelay.Window()
	}
	log := e.log.With(logx.String("run_id", runID))
	r := &run{id: runID, ctx: uctx, pctx: pctx, opts: opts, log: log, spec: job.Spec{Origin: job.OriginLocal}}
	log.Info("undo started", logx.Int("messages", len(items)))
	e.d.Bus.Publish(eventbus.Event{Type: eventbus.UndoStarted, Data: eventbus.RunEvent{RunID: runID, Class: e.label, State: "running"}})

	done := 0
	for _, it := range items {
		if uctx.Err() != nil {
			break
		}
		done++
		if err := e.retract(r, it); err != nil {
			r.res.Failed++
			log.Error("failed to delete message", logx.String("recipient", it.RecipientID), logx.Err(err))
			continue
		}
		_, _ = e.pace.Delay(uctx, wait)
	}

	r.res.RunID = runID
	r.res.Took = time.Since(started)
	if done < len(items) {
		r.res.State = Stopped
		e.ledg.Replace(pctx, items[done:])
		log.Info("undo stopped", logx.Int("remaining", len(items)-done))
	} else {
		r.res.State = Completed
		e.ledg.Reset(pctx)
		log.Info("deleted all messages", logx.Int("retracted", r.res.Sent), logx.Int("failed", r.res.Failed))
	}

	e.audit(pctx, "undo", r.spec, "", r.res)
	e.d.Bus.Publish(eventbus.Event{Type: eventbus.UndoFinished, Data: eventbus.RunEvent{
		RunID: runID, Class: e.label, State: string(r.res.State), Sent: r.res.Sent, Failed: r.res.Failed,
	}})
	telemetry.RunsFinished.WithLabelValues(e.label, "undo", string(r.res.State)).Inc()
	return r.res
}

// retract removes one ledger item. A message that aged out of the recent
// window is a warning, not an error.
func (e *Engine) retract(r *run, it storage.LedgerItem) error {
	cctx, cancel := e.callCtx(r)
	peer, err := e.d.Sender.Resolve(cctx, it.RecipientID)
	cancel()
	if err != nil {
		return fmt.Errorf("resolve %s: %w", it.RecipientID, err)
	}

	// short pause before reading the chat, like a person scrolling back
	_, _ = e.pace.Delay(r.ctx, r.opts.UndoFetchDelay)

	if dr, ok := e.d.Sender.(transport.DirectRetracter); ok {
		return e.retractByID(r, dr, peer, it)
	}

	cctx, cancel = e.callCtx(r)
	defer cancel()
	recent, err := e.d.Sender.FetchRecent(cctx, peer, r.opts.UndoFetchLimit)
	if err != nil {
		return fmt.Errorf("fetch recent: %w", err)
	}
	for _, ref := range recent {
		if ref.ID != it.MessageID {
			continue
		}
		if ref.ChatID == "" {
			ref.ChatID = peer.ID
		}
		if err := e.d.Sender.Retract(cctx, ref); err != nil {
			return fmt.Errorf("retract %s: %w", ref.ID, err)
		}
		r.res.Sent++
		telemetry.Retracted.WithLabelValues(e.label).Inc()
		r.log.Info("deleted message", logx.String("recipient", it.RecipientID))
		return nil
	}
	r.log.Warn("message not found, might be too old",
		logx.String("message_id", it.MessageID),
		logx.String("recipient", it.RecipientID),
		logx.Int("window", r.opts.UndoFetchLimit),
	)
	return nil
}

func (e *Engine) retractByID(r *run, dr transport.DirectRetracter, peer transport.Peer, it storage.LedgerItem) error {
	cctx, cancel := e.callCtx(r)
	defer cancel()
	err := dr.RetractByID(cctx, transport.MessageRef{ID: it.MessageID, ChatID: peer.ID})
	if errors.Is(err, transport.ErrNotFound) {
		r.log.Warn("message not found, might be too old",
			logx.String("message_id", it.MessageID),
			logx.String("recipient", it.RecipientID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("retract %s: %w", it.MessageID, err)
	}
	r.res.Sent++
	telemetry.Retracted.WithLabelValues(e.label).Inc()
	r.log.Info("deleted message", logx.String("recipient", it.RecipientID))
	return nil
}
