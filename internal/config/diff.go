package config

import (
	"reflect"
	"sort"
	"strings"

	logx "relaybot/pkg/logx"
)

// Sections that take effect without a restart.
var hotSections = map[string]bool{
	"logging":    true,
	"dispatch":   true,
	"undo":       true,
	"cooldown":   true,
	"recipients": true,
	"transport":  true, // call_timeout only
}

// SummarizeConfigChange lists changed sections, safe log attrs (never secrets)
// and the subset of changed sections that need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	ot, nt := oldCfg.Transport, newCfg.Transport
	if ot != nt {
		mark("transport",
			logx.String("transport.driver", nt.Driver),
			logx.String("transport.call_timeout", strings.TrimSpace(nt.CallTimeout)),
			logx.Bool("transport.token_changed", ot.Token != nt.Token),
		)
		if ot.Driver != nt.Driver || ot.Token != nt.Token || ot.APIURL != nt.APIURL || ot.HistorySize != nt.HistorySize {
			restart = append(restart, "transport")
		}
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		var driver string
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		mark("storage", logx.String("storage.driver", driver))
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		mark("dispatch",
			logx.String("dispatch.on_recipient_error", newCfg.Dispatch.OnRecipientError),
			logx.Int("dispatch.max_per_minute", newCfg.Dispatch.MaxPerMinute),
		)
	}
	if oldCfg.Undo != newCfg.Undo {
		mark("undo", logx.Int("undo.fetch_limit", newCfg.Undo.FetchLimit))
	}
	if oldCfg.Cooldown != newCfg.Cooldown {
		mark("cooldown",
			logx.Int("cooldown.every_min", newCfg.Cooldown.EveryMin),
			logx.Int("cooldown.every_max", newCfg.Cooldown.EveryMax),
			logx.Bool("cooldown.disabled", newCfg.Cooldown.Disabled),
		)
	}
	if oldCfg.Retention != newCfg.Retention {
		mark("retention", logx.Int("retention.days", newCfg.Retention.Days))
	}
	if oldCfg.Recipients != newCfg.Recipients {
		mark("recipients")
	}
	if oldCfg.ControlPlane != newCfg.ControlPlane {
		mark("control_plane", logx.Bool("control_plane.enabled", newCfg.ControlPlane.Enabled))
	}
	if oldCfg.Attachments != newCfg.Attachments {
		mark("attachments", logx.Int("attachments.max_image_dim", newCfg.Attachments.MaxImageDim))
	}
	if oldCfg.HTTP != newCfg.HTTP {
		mark("http", logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if oldCfg.Instance != newCfg.Instance || oldCfg.DataDir != newCfg.DataDir {
		mark("instance")
	}

	for _, s := range changed {
		if !hotSections[s] {
			restart = append(restart, s)
		}
	}
	sort.Strings(changed)
	restart = dedupSorted(restart)
	return changed, attrs, restart
}

func dedupSorted(in []string) []string {
	sort.Strings(in)
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}
