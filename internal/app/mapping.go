package app

import (
	"relaybot/internal/config"
	"relaybot/internal/dispatch"
	"relaybot/internal/job"
	"relaybot/internal/pacer"
	"relaybot/internal/transport"
	"relaybot/internal/transport/dryrun"
	"relaybot/internal/transport/telegram"
	logx "relaybot/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func engineOptions(rt config.Runtime) dispatch.Options {
	opts := dispatch.Options{
		OnRecipientError: rt.OnRecipientError,
		CallTimeout:      rt.CallTimeout,
		MaxPerMinute:     rt.MaxPerMinute,
		UndoFetchDelay:   pacer.Window{Min: rt.UndoFetchDelay.Min, Max: rt.UndoFetchDelay.Max},
		UndoFetchLimit:   rt.UndoFetchLimit,
	}
	if rt.CooldownEnabled {
		opts.Cooldown = pacer.CooldownPolicy{
			EveryMin: rt.CooldownEveryMin,
			EveryMax: rt.CooldownEveryMax,
			Window:   pacer.Window{Min: rt.CooldownWindow.Min, Max: rt.CooldownWindow.Max},
		}
	}
	return opts
}

func recipientPaths(rt config.Runtime) map[job.Class]string {
	return map[job.Class]string{
		job.Contact: rt.ContactsFile,
		job.Group:   rt.GroupsFile,
	}
}

func newTelegram(cfg *config.Config, log logx.Logger) (transport.Adapter, error) {
	return telegram.New(telegram.Config{
		Token:       cfg.Transport.Token,
		APIURL:      cfg.Transport.APIURL,
		HistorySize: cfg.Transport.HistorySize,
	}, log)
}

func newDryRun(log logx.Logger) transport.Adapter { return dryrun.New(log) }
