package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"relaybot/internal/ack"
	"relaybot/internal/config"
	"relaybot/internal/controlplane"
	"relaybot/internal/dispatch"
	"relaybot/internal/eventbus"
	"relaybot/internal/httpapi"
	"relaybot/internal/job"
	"relaybot/internal/recipients"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/settings"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	rt   config.Runtime
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter transport.Adapter
	acks    chan transport.Ack
	tracker *ack.Tracker
	retain  *ack.Retention

	sources  *recipients.Source
	settings *settings.Store
	engines  map[job.Class]*dispatch.Engine

	cp       *controlplane.Client
	http     *http.Server
	httpAddr string
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, nil)
}

// build wires every component from a committed config. A non-nil adapter
// replaces the one selected by transport.driver.
func build(cfgm *config.Manager, cfg *config.Config, adapter transport.Adapter) (*App, error) {
	rt, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg))
	base := log
	log = log.With(logx.String("comp", "app"))

	if adapter == nil {
		adapter, err = newAdapter(cfg, rt, base.With(logx.String("comp", rt.TransportDriver)))
		if err != nil {
			return nil, err
		}
	}

	sc, err := mapStorageConfig(cfg, rt.DataDir)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, base.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage enabled", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	tracker := ack.New(store, base.With(logx.String("comp", "acks")))
	sources := recipients.NewSource(recipientPaths(rt), base.With(logx.String("comp", "recipients")))
	sets := settings.NewStore(rt.SettingsFile, base.With(logx.String("comp", "settings")))

	engines := make(map[job.Class]*dispatch.Engine, len(job.Classes))
	for _, class := range job.Classes {
		engines[class] = dispatch.NewEngine(dispatch.Deps{
			Class:      class,
			Sender:     adapter,
			Store:      store,
			Recipients: sources,
			Settings:   sets,
			Acks:       tracker,
			Bus:        bus,
			Log:        base.With(logx.String("comp", "dispatch")),
			Feed:       logx.NewFeed(0),
		}, engineOptions(rt))
	}

	a := &App{
		cfgm:     cfgm,
		rt:       rt,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  adapter,
		acks:     make(chan transport.Ack, 256),
		tracker:  tracker,
		sources:  sources,
		settings: sets,
		engines:  engines,
	}

	if rt.RetentionDays > 0 {
		a.retain = ack.NewRetention(store, rt.RetentionDays, rt.RetentionSchedule, rt.RetentionLocation, base.With(logx.String("comp", "retention")))
	}

	if rt.ControlPlane {
		cp, err := a.newControlPlane(cfg, rt, base.With(logx.String("comp", "controlplane")))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.cp = cp
	}

	if rt.HTTPAddr != "" {
		a.http = &http.Server{Addr: rt.HTTPAddr, ReadHeaderTimeout: 10 * time.Second}
	}
	return a, nil
}

func newAdapter(cfg *config.Config, rt config.Runtime, log logx.Logger) (transport.Adapter, error) {
	switch rt.TransportDriver {
	case "telegram":
		return newTelegram(cfg, log)
	case "dryrun":
		return newDryRun(log), nil
	default:
		return nil, fmt.Errorf("unknown transport.driver: %s", rt.TransportDriver)
	}
}

func (a *App) newControlPlane(cfg *config.Config, rt config.Runtime, log logx.Logger) (*controlplane.Client, error) {
	mat := &controlplane.Materializer{
		HTTP:        &http.Client{Timeout: rt.DownloadTimeout},
		MaxImageDim: rt.MaxImageDim,
		Log:         log,
	}
	if s3c := cfg.Attachments.S3; s3c.Region != "" || s3c.Endpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := controlplane.NewS3Client(ctx, controlplane.S3Config{Region: s3c.Region, Endpoint: s3c.Endpoint, PathStyle: s3c.PathStyle})
		cancel()
		if err != nil {
			return nil, err
		}
		mat.S3 = client
	}

	engines := make(map[job.Class]controlplane.Engine, len(a.engines))
	for class, eng := range a.engines {
		engines[class] = eng
	}
	return controlplane.New(controlplane.Config{
		URL:              rt.ControlPlaneURL,
		Name:             rt.Instance,
		Heartbeat:        rt.Heartbeat,
		ReconnectBackoff: rt.ReconnectBackoff,
		ScratchDir:       rt.ScratchDir,
	}, engines, a.sources.Vocabulary, a.bus, mat, log)
}

// HTTPAddr is the bound operator API address ("" when disabled or not started).
func (a *App) HTTPAddr() string { return a.httpAddr }

// Engine returns the dispatch engine of class (nil if unknown).
func (a *App) Engine(class job.Class) *dispatch.Engine { return a.engines[class] }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := cfg.Resolve(); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg, a.rt.DataDir)
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.acks); err != nil {
		return err
	}
	a.sup.GoRestart("acks", func(c context.Context) error {
		return a.tracker.Run(c, a.acks)
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	if a.retain != nil {
		if err := a.retain.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	if a.cp != nil {
		a.sup.Go("controlplane", a.cp.Run)
	}

	if a.http != nil {
		if err := a.startHTTP(); err != nil {
			return err
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("instance", a.rt.Instance),
		logx.String("transport", a.rt.TransportDriver),
		logx.Bool("control_plane", a.cp != nil),
	)
	return nil
}

func (a *App) startHTTP() error {
	api := httpapi.New(httpapi.Deps{
		Engines:     a.apiEngines(),
		Store:       a.store,
		Settings:    a.settings,
		Spawn:       a.sup,
		Log:         a.log.With(logx.String("comp", "http")),
		Token:       a.rt.HTTPToken,
		Profiling:   a.rt.HTTPPprof,
		PendingAcks: a.tracker.Pending,
		Connected: func() bool {
			return a.cp != nil && a.cp.Connected()
		},
	})
	a.http.Handler = api.Router()

	ln, err := net.Listen("tcp", a.http.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	a.httpAddr = ln.Addr().String()
	a.log.Info("http api listening", logx.String("addr", a.httpAddr))
	a.sup.Go("http", func(c context.Context) error {
		err := a.http.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	return nil
}

func (a *App) apiEngines() map[job.Class]httpapi.Engine {
	out := make(map[job.Class]httpapi.Engine, len(a.engines))
	for class, eng := range a.engines {
		out[class] = eng
	}
	return out
}

// applyConfig hot-applies the sections that do not need a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	rt, err := next.Resolve()
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	a.logs.Apply(logConfig(next))
	for _, eng := range a.engines {
		eng.SetOptions(engineOptions(rt))
	}
	a.sources.SetPaths(recipientPaths(rt))

	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strs("sections", restart))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop active runs first so they record progress before the store closes.
	for _, eng := range a.engines {
		eng.Stop()
	}
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("http", 2*time.Second, func(c context.Context) error {
		if a.http == nil || a.http.Handler == nil {
			return nil
		}
		return a.http.Shutdown(c)
	})
	step("retention", 1*time.Second, func(c context.Context) error {
		if a.retain != nil {
			a.retain.Stop(c)
		}
		return nil
	})
	// Runs, control plane transfers and the ack loop exit on the canceled context.
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
