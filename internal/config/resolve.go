package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

const (
	OnErrorAbort    = "abort"
	OnErrorContinue = "continue"
)

// Span is a resolved duration range.
type Span struct {
	Min time.Duration
	Max time.Duration
}

// Runtime is the validated, defaulted view of Config used by the app.
type Runtime struct {
	Instance string
	DataDir  string

	TransportDriver string
	CallTimeout     time.Duration

	OnRecipientError string
	MaxPerMinute     int

	UndoFetchDelay Span
	UndoFetchLimit int

	CooldownEnabled  bool
	CooldownEveryMin int
	CooldownEveryMax int
	CooldownWindow   Span

	RetentionDays     int
	RetentionSchedule string
	RetentionLocation *time.Location

	ContactsFile string
	GroupsFile   string
	SettingsFile string

	ControlPlane     bool
	ControlPlaneURL  string
	Heartbeat        time.Duration
	ReconnectBackoff time.Duration
	ScratchDir       string

	MaxImageDim     int
	DownloadTimeout time.Duration

	HTTPAddr  string
	HTTPToken string
	HTTPPprof bool
}

// Resolve validates cfg and fills in defaults.
func (c *Config) Resolve() (Runtime, error) {
	if c == nil {
		return Runtime{}, errors.New("config is nil")
	}
	var (
		rt   Runtime
		errs []error
	)
	keep := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	rt.Instance = strings.TrimSpace(c.Instance)
	rt.DataDir = strings.TrimSpace(c.DataDir)
	if rt.DataDir == "" {
		rt.DataDir = "./data"
	}
	rt.SettingsFile = filepath.Join(rt.DataDir, "settings.json")

	rt.TransportDriver = strings.ToLower(strings.TrimSpace(c.Transport.Driver))
	switch rt.TransportDriver {
	case "telegram":
		if strings.TrimSpace(c.Transport.Token) == "" {
			keep(errors.New("transport.token is required for the telegram driver"))
		}
	case "dryrun":
	case "":
		keep(errors.New("transport.driver is required (telegram|dryrun)"))
	default:
		keep(fmt.Errorf("unknown transport.driver: %s", c.Transport.Driver))
	}
	var err error
	rt.CallTimeout, err = ParseDurationOrDefault("transport.call_timeout", c.Transport.CallTimeout, 60*time.Second)
	keep(err)

	rt.OnRecipientError = strings.ToLower(strings.TrimSpace(c.Dispatch.OnRecipientError))
	switch rt.OnRecipientError {
	case "":
		rt.OnRecipientError = OnErrorAbort
	case OnErrorAbort, OnErrorContinue:
	default:
		keep(fmt.Errorf("dispatch.on_recipient_error must be abort or continue, got %q", c.Dispatch.OnRecipientError))
	}
	if c.Dispatch.MaxPerMinute < 0 {
		keep(errors.New("dispatch.max_per_minute must be >= 0"))
	}
	rt.MaxPerMinute = c.Dispatch.MaxPerMinute

	rt.UndoFetchDelay, err = parseSpan("undo.fetch_delay", c.Undo.FetchDelay, Span{Min: 2 * time.Second, Max: 5 * time.Second})
	keep(err)
	rt.UndoFetchLimit = c.Undo.FetchLimit
	if rt.UndoFetchLimit <= 0 {
		rt.UndoFetchLimit = 50
	}

	rt.CooldownEnabled = !c.Cooldown.Disabled
	rt.CooldownEveryMin, rt.CooldownEveryMax = c.Cooldown.EveryMin, c.Cooldown.EveryMax
	if rt.CooldownEveryMin <= 0 {
		rt.CooldownEveryMin = 10
	}
	if rt.CooldownEveryMax <= 0 {
		rt.CooldownEveryMax = 20
	}
	if rt.CooldownEveryMin > rt.CooldownEveryMax {
		keep(errors.New("cooldown.every_min must be <= cooldown.every_max"))
	}
	rt.CooldownWindow, err = parseSpan("cooldown", DurationRange{Min: c.Cooldown.Min, Max: c.Cooldown.Max}, Span{Min: 20 * time.Second, Max: 30 * time.Second})
	keep(err)

	rt.RetentionDays = c.Retention.Days
	if rt.RetentionDays == 0 {
		rt.RetentionDays = 30
	}
	rt.RetentionSchedule = strings.TrimSpace(c.Retention.Schedule)
	if rt.RetentionSchedule == "" {
		rt.RetentionSchedule = "@daily"
	}
	rt.RetentionLocation = time.Local
	if tz := strings.TrimSpace(c.Retention.Timezone); tz != "" {
		loc, lerr := time.LoadLocation(tz)
		if lerr != nil {
			keep(fmt.Errorf("retention.timezone: %w", lerr))
		} else {
			rt.RetentionLocation = loc
		}
	}

	rt.ContactsFile = strings.TrimSpace(c.Recipients.Contacts)
	rt.GroupsFile = strings.TrimSpace(c.Recipients.Groups)

	cp := c.ControlPlane
	rt.ControlPlane = cp.Enabled
	rt.ControlPlaneURL = strings.TrimSpace(cp.URL)
	if cp.Enabled {
		u, perr := url.Parse(rt.ControlPlaneURL)
		if perr != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			keep(fmt.Errorf("control_plane.url must be a ws:// or wss:// URL, got %q", cp.URL))
		}
		if rt.Instance == "" {
			keep(errors.New("instance is required when control_plane.enabled"))
		}
	}
	rt.Heartbeat, err = ParseDurationOrDefault("control_plane.heartbeat", cp.Heartbeat, 8*time.Second)
	keep(err)
	rt.ReconnectBackoff, err = ParseDurationOrDefault("control_plane.reconnect_backoff", cp.ReconnectBackoff, 10*time.Second)
	keep(err)
	rt.ScratchDir = strings.TrimSpace(cp.ScratchDir)
	if rt.ScratchDir == "" {
		rt.ScratchDir = filepath.Join(rt.DataDir, "incoming")
	}

	if c.Attachments.MaxImageDim < 0 {
		keep(errors.New("attachments.max_image_dim must be >= 0"))
	}
	rt.MaxImageDim = c.Attachments.MaxImageDim
	rt.DownloadTimeout, err = ParseDurationOrDefault("attachments.download_timeout", c.Attachments.DownloadTimeout, 2*time.Minute)
	keep(err)

	rt.HTTPAddr = strings.TrimSpace(c.HTTP.Addr)
	rt.HTTPToken = strings.TrimSpace(c.HTTP.Token)
	rt.HTTPPprof = c.HTTP.Pprof
	if rt.HTTPAddr != "" && rt.HTTPToken == "" && !c.HTTP.AllowInsecure && !isLoopbackAddr(rt.HTTPAddr) {
		keep(fmt.Errorf("http.addr %q is not loopback: set http.token or http.allow_insecure", rt.HTTPAddr))
	}

	if len(errs) > 0 {
		return Runtime{}, errors.Join(errs...)
	}
	return rt, nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" {
		// ":8080" listens on every interface.
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
