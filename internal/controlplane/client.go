// Package controlplane keeps this instance connected to a coordinator that
// can start dispatch jobs across a fleet of senders.
package controlplane

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"relaybot/internal/dispatch"
	"relaybot/internal/eventbus"
	"relaybot/internal/job"
	"relaybot/internal/telemetry"
	logx "relaybot/pkg/logx"
)

const writeTimeout = 10 * time.Second

// Engine is the per-class dispatch surface the client drives.
type Engine interface {
	Run(ctx context.Context, spec job.Spec) dispatch.Result
	Controller() *dispatch.Controller
}

// Vocabulary returns the tag list announced for a class.
type Vocabulary func(class job.Class) []string

type Config struct {
	URL              string
	Name             string
	Heartbeat        time.Duration // default 8s
	ReconnectBackoff time.Duration // default 10s
	ScratchDir       string
}

type Client struct {
	cfg     Config
	engines map[job.Class]Engine
	vocab   Vocabulary
	bus     eventbus.Bus
	mat     *Materializer
	log     logx.Logger
	dialer  *websocket.Dialer

	wmu  sync.Mutex
	conn *websocket.Conn

	activeMu  sync.Mutex
	active    map[string]struct{} // scratch subdirectories still in use
	transfers sync.WaitGroup
	connected atomic.Bool
}

func New(cfg Config, engines map[job.Class]Engine, vocab Vocabulary, bus eventbus.Bus, mat *Materializer, log logx.Logger) (*Client, error) {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 8 * time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 10 * time.Second
	}
	if cfg.ScratchDir == "" {
		return nil, errors.New("controlplane: scratch dir is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if mat == nil {
		mat = &Materializer{}
	}
	if mat.Origin == nil {
		origin, err := httpOrigin(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("controlplane: %w", err)
		}
		mat.Origin = origin
	}
	if mat.Log.IsZero() {
		mat.Log = log
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Client{
		cfg:     cfg,
		engines: engines,
		vocab:   vocab,
		bus:     bus,
		mat:     mat,
		log:     log,
		dialer:  &websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment},
		active:  map[string]struct{}{},
	}, nil
}

// Connected reports whether a session is currently open.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run connects and reconnects until ctx ends. Every attempt starts from an
// emptied scratch directory. Transfers already dispatching keep running
// across reconnects; Run waits for them before returning.
func (c *Client) Run(ctx context.Context) error {
	defer c.transfers.Wait()
	for {
		if err := c.clearScratch(); err != nil {
			c.log.Warn("scratch dir cleanup failed", logx.String("dir", c.cfg.ScratchDir), logx.Err(err))
		}
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("control plane disconnected; retrying",
			logx.Duration("backoff", c.cfg.ReconnectBackoff),
			logx.Err(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectBackoff):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.wmu.Lock()
	c.conn = conn
	c.wmu.Unlock()
	c.connected.Store(true)
	telemetry.ControlConnect.Inc()
	c.log.Info("control plane connected", logx.String("url", c.cfg.URL))

	sctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.connected.Store(false)
		c.wmu.Lock()
		c.conn = nil
		c.wmu.Unlock()
		_ = conn.Close()
	}()
	// unblock the reader when the app shuts down
	go func() {
		<-sctx.Done()
		_ = conn.Close()
	}()

	if err := c.send(TypeRegister, RegisterFrame{
		Type:        TypeRegister,
		Name:        c.cfg.Name,
		ContactTags: c.tags(job.Contact),
		GroupTags:   c.tags(job.Group),
	}); err != nil {
		return err
	}
	go c.heartbeat(sctx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handle(ctx, data)
	}
}

func (c *Client) tags(class job.Class) []string {
	if c.vocab == nil {
		return []string{job.AllTag}
	}
	return c.vocab(class)
}

// heartbeat reports posting status on a fixed interval and whenever a
// job starts or finishes.
func (c *Client) heartbeat(ctx context.Context) {
	events, unsubscribe := c.bus.Subscribe(16)
	defer unsubscribe()
	t := time.NewTicker(c.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != eventbus.JobStarted && ev.Type != eventbus.JobFinished {
				continue
			}
		}
		if err := c.send(TypeStatus, c.status()); err != nil {
			c.log.Debug("status send failed", logx.Err(err))
		}
	}
}

func (c *Client) status() StatusFrame {
	running := func(class job.Class) bool {
		e, ok := c.engines[class]
		return ok && e.Controller().IsRunning()
	}
	return StatusFrame{Type: TypeStatus, ContactPosting: running(job.Contact), GroupPosting: running(job.Group)}
}

func (c *Client) send(typ string, v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return err
	}
	telemetry.ControlFrames.WithLabelValues("out", typ).Inc()
	return nil
}

func (c *Client) handle(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("control frame unreadable", logx.Err(err))
		return
	}
	telemetry.ControlFrames.WithLabelValues("in", env.Type).Inc()
	if env.Type != TypeFileTransfer {
		c.log.Debug("control frame ignored", logx.String("type", env.Type))
		return
	}
	var ft FileTransfer
	if err := json.Unmarshal(data, &ft); err != nil {
		c.log.Warn("file-transfer unreadable", logx.Err(err))
		return
	}
	if !ft.AddressedTo(c.cfg.Name) {
		return
	}
	class, err := ft.Class()
	if err != nil {
		c.log.Warn("file-transfer rejected", logx.Err(err))
		return
	}
	eng, ok := c.engines[class]
	if !ok {
		c.log.Warn("file-transfer rejected: class not served", logx.String("class", string(class)))
		return
	}

	c.transfers.Add(1)
	go func() {
		defer c.transfers.Done()
		c.dispatch(ctx, eng, class, ft)
	}()
}

// dispatch materializes the attachments of ft and runs the class job.
// Identical transfers land in the same scratch directory so a resent job
// keeps its fingerprint and resumes.
func (c *Client) dispatch(ctx context.Context, eng Engine, class job.Class, ft FileTransfer) {
	atts := ft.attachments()
	sub := transferDir(atts)
	c.activeMu.Lock()
	if _, busy := c.active[sub]; busy {
		c.activeMu.Unlock()
		c.log.Warn("file-transfer rejected: identical transfer in progress", logx.String("class", string(class)))
		return
	}
	c.active[sub] = struct{}{}
	c.activeMu.Unlock()
	defer func() {
		c.activeMu.Lock()
		delete(c.active, sub)
		c.activeMu.Unlock()
	}()

	var files map[string]string
	if len(atts) > 0 {
		var err error
		files, err = c.mat.Fetch(ctx, filepath.Join(c.cfg.ScratchDir, sub), atts)
		if err != nil {
			c.log.Warn("attachments unavailable", logx.Err(err))
			return
		}
	}

	res := eng.Run(ctx, job.Spec{
		Payload:     job.NewPayload(ft.Message, ft.SendAsContact),
		Attachments: files,
		Tags:        ft.SelectedTags,
		Origin:      job.OriginRemote,
	})
	c.log.Info("remote job finished", logx.String("class", string(class)), logx.String("state", string(res.State)))
}

// transferDir names the scratch subdirectory of a set of attachments.
func transferDir(atts []Attachment) string {
	h := sha256.New()
	for _, a := range atts {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00", a.Name, a.Caption, a.ref())
	}
	return "transfer-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// clearScratch empties the scratch directory, sparing subdirectories of
// transfers that are still dispatching.
func (c *Client) clearScratch() error {
	dir := c.cfg.ScratchDir
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return os.MkdirAll(dir, 0o755)
	}
	if err != nil {
		return err
	}
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	var errs []error
	for _, e := range entries {
		if _, busy := c.active[e.Name()]; busy {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
