// Package dispatch runs the per-class send and undo jobs: recipient
// filtering, resumable step tracking, pacing and the sent-item ledger.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/ack"
	"relaybot/internal/eventbus"
	"relaybot/internal/job"
	"relaybot/internal/pacer"
	"relaybot/internal/settings"
	"relaybot/internal/storage"
	"relaybot/internal/telemetry"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type State string

const (
	Rejected  State = "rejected"
	Completed State = "completed"
	Stopped   State = "stopped"
	Failed    State = "failed"
)

// Failure policies for a recipient whose send fails.
const (
	OnErrorAbort    = "abort"
	OnErrorContinue = "continue"
)

// Options are the hot-reloadable knobs of an Engine.
type Options struct {
	OnRecipientError string
	CallTimeout      time.Duration
	MaxPerMinute     int
	Cooldown         pacer.CooldownPolicy
	UndoFetchDelay   pacer.Window
	UndoFetchLimit   int
}

func DefaultOptions() Options {
	return Options{
		OnRecipientError: OnErrorAbort,
		CallTimeout:      60 * time.Second,
		Cooldown:         pacer.DefaultCooldownPolicy(),
		UndoFetchDelay:   pacer.Window{Min: 2 * time.Second, Max: 5 * time.Second},
		UndoFetchLimit:   50,
	}
}

type RecipientSource interface {
	Load(class job.Class, override string) ([]job.Recipient, error)
}

type SettingsSource interface {
	Load() settings.Settings
}

type AckRegistrar interface {
	Register(ctx context.Context, e ack.Entry)
}

// Deps are the collaborators of one class engine.
type Deps struct {
	Class      job.Class
	Sender     transport.Sender
	Store      storage.Store
	Recipients RecipientSource
	Settings   SettingsSource
	Acks       AckRegistrar
	Bus        eventbus.Bus
	Log        logx.Logger
	// Feed receives the human-readable lines of each run; it is reset when
	// a job starts.
	Feed *logx.Feed

	PacerOptions []pacer.Option
	// Intn drives the cooldown interval draw; nil uses a seeded source.
	Intn func(n int) int
}

// Result summarizes a finished run.
type Result struct {
	RunID              string        `json:"run_id,omitempty"`
	State              State         `json:"state"`
	Sent               int           `json:"sent"`
	Failed             int           `json:"failed"`
	Skipped            int           `json:"skipped"`
	LastErrorRecipient string        `json:"last_error_recipient,omitempty"`
	Err                string        `json:"error,omitempty"`
	Took               time.Duration `json:"took"`
}

// Engine owns one recipient class.
type Engine struct {
	d     Deps
	log   logx.Logger
	ctl   *Controller
	pace  *pacer.Pacer
	prog  *ProgressStore
	ledg  *Ledger
	opts  atomic.Pointer[Options]
	label string
}

func NewEngine(d Deps, opts Options) *Engine {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Feed == nil {
		d.Feed = logx.NewFeed(0)
	}
	if d.Bus == nil {
		d.Bus = eventbus.New()
	}
	log := d.Log.With(logx.String("class", string(d.Class))).Tee(d.Feed)
	e := &Engine{
		d:     d,
		log:   log,
		ctl:   NewController(),
		prog:  NewProgressStore(d.Store, d.Class, log),
		ledg:  NewLedger(d.Store, d.Class, log),
		label: string(d.Class),
	}
	e.pace = pacer.New(log, d.PacerOptions...)
	e.SetOptions(opts)
	return e
}

func (e *Engine) Class() job.Class         { return e.d.Class }
func (e *Engine) Controller() *Controller  { return e.ctl }
func (e *Engine) Feed() *logx.Feed         { return e.d.Feed }
func (e *Engine) Options() Options         { return *e.opts.Load() }
func (e *Engine) Stop() bool               { return e.ctl.Stop() }
func (e *Engine) Ledger() *Ledger          { return e.ledg }
func (e *Engine) Progress() *ProgressStore { return e.prog }

// SetOptions swaps the knobs used by the next run. The rate ceiling applies
// immediately.
func (e *Engine) SetOptions(o Options) {
	if o.OnRecipientError != OnErrorContinue {
		o.OnRecipientError = OnErrorAbort
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 60 * time.Second
	}
	if o.UndoFetchLimit <= 0 {
		o.UndoFetchLimit = 50
	}
	e.opts.Store(&o)
	e.pace.SetCeiling(o.MaxPerMinute)
}

// run carries the mutable state of one dispatch.
type run struct {
	id      string
	ctx     context.Context // cancelled by Stop
	pctx    context.Context // detached from Stop, for persistence
	opts    Options
	log     logx.Logger
	spec    job.Spec
	fp      string
	steps   *steps
	delay   pacer.Window
	res     Result
	lastErr error
}

// Run executes spec for this class and returns once the job ends. It never
// returns an error: failures surface in the Result and the class log.
func (e *Engine) Run(ctx context.Context, spec job.Spec) Result {
	started := time.Now()
	runID := uuid.NewString()

	rctx, release, err := e.ctl.Begin(ctx, Dispatching, runID)
	if err != nil {
		if e.ctl.WarnOnce() {
			e.log.Warn("already sending messages")
		}
		return Result{State: Rejected, Err: err.Error()}
	}
	defer release()

	recipients, err := e.d.Recipients.Load(e.d.Class, spec.RecipientFile)
	if err != nil {
		e.log.Error("recipient list unavailable", logx.Err(err))
		res := Result{RunID: runID, State: Rejected, Err: err.Error(), Took: time.Since(started)}
		e.audit(ctx, "dispatch", spec, "", res)
		return res
	}

	e.d.Feed.Reset()
	telemetry.Running.WithLabelValues(e.label).Set(1)
	defer telemetry.Running.WithLabelValues(e.label).Set(0)

	r := &run{
		id:   runID,
		ctx:  rctx,
		opts: e.Options(),
		log:  e.log.With(logx.String("run_id", runID)),
		spec: spec,
		fp:   spec.Fingerprint(),
	}
	r.delay = settings.Defaults().Delay.Window()
	if e.d.Settings != nil {
		r.delay = e.d.Settings.Load().Delay.Window()
	}

	// Persistence uses the detached context so a stop still saves state.
	pctx := context.WithoutCancel(rctx)
	r.pctx = pctx
	e.ledg.Reset(pctx)
	sent, resumed := e.prog.Resume(pctx, r.fp)
	r.steps = &steps{m: sent}

	eligible, skipped := job.Select(e.d.Class, recipients, spec.Tags)
	for _, s := range skipped {
		r.log.Info("skipping recipient", logx.String("name", s.Recipient.Name), logx.String("reason", s.Reason))
	}
	r.res.Skipped = len(skipped)
	telemetry.RecipientsSkip.WithLabelValues(e.label).Add(float64(len(skipped)))

	r.log.Info("started sending messages",
		logx.Int("recipients", len(eligible)),
		logx.Bool("resumed", resumed),
		logx.String("origin", string(spec.Origin)),
	)
	e.publish(eventbus.JobStarted, r, "running")

	r.res.State = e.loop(r, eligible)
	r.res.RunID = runID
	r.res.Took = time.Since(started)
	if r.lastErr != nil {
		r.res.Err = r.lastErr.Error()
	}

	switch r.res.State {
	case Completed:
		if r.res.Failed == 0 {
			e.prog.Clear(pctx)
			r.log.Info("messages sent to all recipients", logx.Int("sent", r.res.Sent))
		} else {
			e.saveProgress(pctx, r)
			r.log.Warn("finished with failures; progress kept for a retry",
				logx.Int("sent", r.res.Sent), logx.Int("failed", r.res.Failed))
		}
	case Stopped:
		e.saveProgress(pctx, r)
		r.log.Info("manually stopped; progress saved", logx.Int("sent", r.res.Sent))
	case Failed:
		r.log.Error("job aborted", logx.String("recipient", r.res.LastErrorRecipient), logx.Err(r.lastErr))
	}

	e.audit(pctx, "dispatch", spec, r.fp, r.res)
	e.publish(eventbus.JobFinished, r, string(r.res.State))
	telemetry.RunsFinished.WithLabelValues(e.label, "dispatch", string(r.res.State)).Inc()
	return r.res
}

func (e *Engine) loop(r *run, eligible []job.Recipient) State {
	cool := pacer.NewCooldown(r.opts.Cooldown, e.d.Intn)
	total := len(eligible)

	for i, rcpt := range eligible {
		if r.ctx.Err() != nil {
			return Stopped
		}
		pos := fmt.Sprintf("%d/%d", i+1, total)
		n, err := e.deliver(r, rcpt, pos)
		if n > 0 {
			r.res.Sent += n
		}
		if err != nil {
			if errors.Is(err, errStopped) {
				return Stopped
			}
			r.res.Failed++
			r.res.LastErrorRecipient = rcpt.ID
			r.lastErr = err
			telemetry.SendFailures.WithLabelValues(e.label).Inc()
			r.log.Error("send failed", logx.String("name", rcpt.Name), logx.String("recipient", rcpt.ID), logx.Err(err))
			e.saveProgress(r.pctx, r)
			if r.opts.OnRecipientError != OnErrorContinue {
				return Failed
			}
			continue
		}
		if n > 0 && cool.Tick() {
			r.log.Info("taking a longer break")
			_, _ = e.pace.Delay(r.ctx, cool.Window())
		}
	}
	if r.ctx.Err() != nil {
		return Stopped
	}
	return Completed
}

var errStopped = errors.New("stopped")

// deliver runs the missing steps for one recipient and returns how many
// messages went out.
func (e *Engine) deliver(r *run, rcpt job.Recipient, pos string) (int, error) {
	var (
		peer     transport.Peer
		resolved bool
		sent     int
	)
	resolve := func() error {
		if resolved {
			return nil
		}
		cctx, cancel := e.callCtx(r)
		defer cancel()
		p, err := e.d.Sender.Resolve(cctx, rcpt.ID)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", rcpt.ID, err)
		}
		peer, resolved = p, true
		return nil
	}
	name := rcpt.Name
	if name == "" {
		name = rcpt.ID
	}

	payload := r.spec.Payload
	if payload != nil && !payload.Empty() && !r.steps.has(rcpt.ID, job.StepText) {
		if err := resolve(); err != nil {
			return sent, err
		}
		refs, err := e.sendPayload(r, peer, payload)
		sent += len(refs)
		if err != nil {
			// a partial fan-out still lands in the ledger; the step stays open
			e.track(r, rcpt, name, refs)
			return sent, err
		}
		e.record(r, rcpt, name, job.StepText, refs...)
		r.log.Info("sent message", logx.String("progress", pos), logx.String("name", name), logx.String("number", rcpt.Number))
		telemetry.MessagesSent.WithLabelValues(e.label, string(payload.Kind())).Inc()
		_, _ = e.pace.Delay(r.ctx, r.delay)
	}

	for _, path := range r.spec.AttachmentPaths() {
		step := job.MediaStep(path)
		if r.steps.has(rcpt.ID, step) {
			continue
		}
		if r.ctx.Err() != nil {
			return sent, errStopped
		}
		if _, err := os.Stat(path); err != nil {
			r.log.Warn("file not found", logx.String("path", path))
			continue
		}
		if err := resolve(); err != nil {
			return sent, err
		}
		if err := e.pace.Acquire(r.ctx); err != nil {
			return sent, errStopped
		}
		cctx, cancel := e.callCtx(r)
		ref, err := e.d.Sender.SendMedia(cctx, peer, transport.Media{Path: path, Caption: r.spec.Attachments[path]})
		cancel()
		if err != nil {
			return sent, fmt.Errorf("send media %s: %w", path, err)
		}
		sent++
		e.record(r, rcpt, name, step, ref)
		r.log.Info("sent media", logx.String("progress", pos), logx.String("file", filepath.Base(path)), logx.String("name", name))
		telemetry.MessagesSent.WithLabelValues(e.label, "media").Inc()
		_, _ = e.pace.Delay(r.ctx, r.delay)
	}
	return sent, nil
}

func (e *Engine) sendPayload(r *run, peer transport.Peer, payload job.Payload) ([]transport.MessageRef, error) {
	if err := e.pace.Acquire(r.ctx); err != nil {
		return nil, errStopped
	}
	cctx, cancel := e.callCtx(r)
	defer cancel()

	switch p := payload.(type) {
	case job.ContactCardMessage:
		cards := make([]transport.Peer, 0, len(p.Numbers))
		for _, num := range p.Numbers {
			c, err := e.d.Sender.Resolve(cctx, num)
			if err != nil {
				return nil, fmt.Errorf("resolve contact card %s: %w", num, err)
			}
			cards = append(cards, c)
		}
		refs, err := e.d.Sender.SendContacts(cctx, peer, cards)
		if err != nil {
			return refs, fmt.Errorf("send contacts: %w", err)
		}
		return refs, nil
	default:
		refs, err := e.d.Sender.SendText(cctx, peer, payload.Body())
		if err != nil {
			return refs, fmt.Errorf("send text: %w", err)
		}
		return refs, nil
	}
}

// record notes a completed step: step map, ledger, ack tracker, progress.
func (e *Engine) record(r *run, rcpt job.Recipient, name, step string, refs ...transport.MessageRef) {
	r.steps.add(rcpt.ID, step)
	e.track(r, rcpt, name, refs)
	e.saveProgress(r.pctx, r)
}

// track adds sent messages to the ledger and the ack tracker.
func (e *Engine) track(r *run, rcpt job.Recipient, name string, refs []transport.MessageRef) {
	for _, ref := range refs {
		e.ledg.Append(r.pctx, storage.LedgerItem{RecipientID: rcpt.ID, MessageID: ref.ID})
		if e.d.Acks != nil {
			e.d.Acks.Register(r.pctx, ack.Entry{
				Class:       e.d.Class,
				Name:        name,
				RecipientID: rcpt.ID,
				MessageID:   ref.ID,
				SentAt:      time.Now(),
			})
		}
	}
}

func (e *Engine) saveProgress(ctx context.Context, r *run) {
	e.prog.Save(ctx, storage.Progress{
		Fingerprint:        r.fp,
		SentSteps:          r.steps.snapshot(),
		LastErrorRecipient: r.res.LastErrorRecipient,
	})
}

// callCtx bounds one transport call. It ignores the stop token so an
// in-flight call finishes; only pacing is preempted.
func (e *Engine) callCtx(r *run) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.ctx), r.opts.CallTimeout)
}

func (e *Engine) publish(typ string, r *run, state string) {
	e.d.Bus.Publish(eventbus.Event{Type: typ, Data: eventbus.RunEvent{
		RunID:  r.id,
		Class:  e.label,
		Origin: string(r.spec.Origin),
		State:  state,
		Sent:   r.res.Sent,
		Failed: r.res.Failed,
	}})
}

func (e *Engine) audit(ctx context.Context, action string, spec job.Spec, fp string, res Result) {
	err := e.d.Store.AppendAudit(ctx, storage.AuditEntry{
		At:                 time.Now(),
		RunID:              res.RunID,
		Class:              e.d.Class,
		Action:             action,
		Origin:             string(spec.Origin),
		State:              string(res.State),
		Fingerprint:        fp,
		Sent:               res.Sent,
		Failed:             res.Failed,
		Skipped:            res.Skipped,
		LastErrorRecipient: res.LastErrorRecipient,
		Error:              res.Err,
		TookMS:             res.Took.Milliseconds(),
	})
	if err != nil {
		e.log.Warn("audit append failed", logx.Err(err))
	}
}
