package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned by Begin while another run owns the class.
var ErrBusy = errors.New("dispatch: class is busy")

type Mode int

const (
	Idle Mode = iota
	Dispatching
	Undoing
)

func (m Mode) String() string {
	switch m {
	case Dispatching:
		return "dispatching"
	case Undoing:
		return "undoing"
	default:
		return "idle"
	}
}

// Status is a point-in-time view of a Controller.
type Status struct {
	Mode          Mode      `json:"-"`
	State         string    `json:"mode"`
	RunID         string    `json:"run_id,omitempty"`
	Since         time.Time `json:"since,omitempty"`
	StopRequested bool      `json:"stop_requested,omitempty"`
}

// Controller owns the run state of one recipient class: at most one
// dispatch or undo at a time, plus the stop token of the active run.
type Controller struct {
	mu      sync.Mutex
	mode    Mode
	runID   string
	since   time.Time
	cancel  context.CancelFunc
	stopReq bool
	warned  bool
}

func NewController() *Controller { return &Controller{} }

// Begin claims the class for mode. The returned context is cancelled by
// Stop or by parent; release must be called exactly once when the run ends.
func (c *Controller) Begin(parent context.Context, mode Mode, runID string) (context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != Idle {
		return nil, nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(parent)
	c.mode, c.runID, c.since = mode, runID, time.Now()
	c.cancel, c.stopReq, c.warned = cancel, false, false

	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			c.mu.Lock()
			c.mode, c.runID, c.cancel = Idle, "", nil
			c.mu.Unlock()
		})
	}
	return ctx, release, nil
}

// Stop cancels the active run. It reports whether anything was running.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == Idle {
		return false
	}
	c.stopReq = true
	if c.cancel != nil {
		c.cancel()
	}
	return true
}

// WarnOnce reports true the first time it is called during a run, so a
// refused start is logged once rather than on every retry.
func (c *Controller) WarnOnce() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warned {
		return false
	}
	c.warned = true
	return true
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Controller) IsRunning() bool { return c.Mode() == Dispatching }

func (c *Controller) Busy() bool { return c.Mode() != Idle }

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Mode: c.mode, State: c.mode.String(), RunID: c.runID, Since: c.since, StopRequested: c.stopReq}
}
