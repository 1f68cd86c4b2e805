package config

import (
	"reflect"
	"sort"
	"strings"

	logx "clashcaller/pkg/logx"
)

// LiveSections apply without a restart; every other section is read once at startup.
var LiveSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured attrs for logging (never includes tokens or DSNs),
// and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	tokenChanged := strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)
	ot.Token, nt.Token = "", ""
	if tokenChanged || !reflect.DeepEqual(ot, nt) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", tokenChanged),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.allowed_chats", len(nt.AllowedChats)),
			logx.Int("telegram.rate_per_sec", nt.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Storage (never log DSN)
	ost, ns := oldCfg.Storage, newCfg.Storage
	dsnChanged := strings.TrimSpace(ost.DSN) != strings.TrimSpace(ns.DSN)
	ost.DSN, ns.DSN = "", ""
	if dsnChanged || ost != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.Bool("storage.dsn_changed", dsnChanged),
		)
	}

	if oldCfg.Parser != newCfg.Parser {
		changed = append(changed, "parser")
		attrs = append(attrs,
			logx.String("parser.marker", newCfg.Parser.Marker),
			logx.String("parser.default_timezone", newCfg.Parser.DefaultTimezone),
			logx.Bool("parser.reply_on_malformed", newCfg.Parser.ReplyOnMalformed),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.interval", newCfg.Scheduler.Interval),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.Int("scheduler.delivery_retry_max", newCfg.Scheduler.DeliveryRetryMax),
		)
	}

	if oldCfg.Housekeeping != newCfg.Housekeeping {
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.String("housekeeping.retention", newCfg.Housekeeping.Retention),
			logx.String("housekeeping.schedule", newCfg.Housekeeping.Schedule),
		)
	}

	// Ops (never log token)
	oo, no := oldCfg.Ops, newCfg.Ops
	opsTokenChanged := strings.TrimSpace(oo.Token) != strings.TrimSpace(no.Token)
	oo.Token, no.Token = "", ""
	if opsTokenChanged || oo != no {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("ops.pprof", no.Pprof),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}

	sort.Strings(changed)
	restart := make([]string, 0, len(changed))
	for _, s := range changed {
		if !LiveSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
