package app

import (
	"fmt"
	"strings"
	"time"

	"clashcaller/internal/callout"
	"clashcaller/internal/config"
	"clashcaller/internal/dispatch"
	"clashcaller/internal/ingest"
	"clashcaller/internal/observability/ops"
	"clashcaller/internal/retry"
	"clashcaller/internal/scheduler"
	"clashcaller/internal/storage"
	telegram "clashcaller/internal/transport/telegram/adapter"
	logx "clashcaller/pkg/logx"
)

const (
	defaultPollTimeout = 2 * time.Second
	defaultPostTimeout = 15 * time.Second
	defaultRetention   = 30 * 24 * time.Hour
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     lc.Telegram.ChatID,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), DSN: strings.TrimSpace(sc.DSN), MaxOpenConns: sc.MaxOpenConns}

	switch driver {
	case "sqlite", "sqlite3":
		if out.Path == "" {
			out.Path = "./data/clashcaller.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "file", "journal":
		if out.Path == "" {
			out.Path = "./data/clashcaller.json"
		}
	case "postgres", "postgresql", "pg":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
	}
	return out, nil
}

// transportConfigs maps the telegram section onto the adapter, the ingestor and the dispatcher.
func transportConfigs(cfg *config.Config) (telegram.Config, ingest.Config, dispatch.Config, error) {
	tc := cfg.Telegram
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", tc.PollTimeout, defaultPollTimeout)
	if err != nil {
		return telegram.Config{}, ingest.Config{}, dispatch.Config{}, err
	}
	reqTimeout, err := config.ParseDurationOrDefault("telegram.request_timeout", tc.RequestTimeout, poll+10*time.Second)
	if err != nil {
		return telegram.Config{}, ingest.Config{}, dispatch.Config{}, err
	}
	postTimeout, err := config.ParseDurationOrDefault("telegram.post_timeout", tc.PostTimeout, defaultPostTimeout)
	if err != nil {
		return telegram.Config{}, ingest.Config{}, dispatch.Config{}, err
	}

	ac := telegram.Config{
		Token:          strings.TrimSpace(tc.Token),
		APIURL:         strings.TrimSpace(tc.APIURL),
		RequestTimeout: reqTimeout,
		LongPoll:       poll,
		AllowedChats:   tc.AllowedChats,
	}
	ic := ingest.Config{
		PageSize:    tc.PageSize,
		MaxAttempts: tc.FetchAttempts,
		Timeout:     reqTimeout,
		Retry:       retry.Policy{Base: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
	dc := dispatch.Config{RatePerSec: tc.RatePerSec, Timeout: postTimeout}
	return ac, ic, dc, nil
}

func mapParserConfig(cfg *config.Config) (callout.ParserConfig, error) {
	pc := cfg.Parser
	loc := time.UTC
	if tz := strings.TrimSpace(pc.DefaultTimezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return callout.ParserConfig{}, fmt.Errorf("parser.default_timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}
	horizon, err := config.ParseLimitDuration("parser.max_horizon", pc.MaxHorizon, callout.DefaultMaxHorizon)
	if err != nil {
		return callout.ParserConfig{}, err
	}
	return callout.ParserConfig{
		Marker:        strings.TrimSpace(pc.Marker),
		Location:      loc,
		MaxPayloadLen: pc.MaxPayloadLen,
		MaxHorizon:    horizon,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config, stream string) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{
		Stream:           stream,
		DueLimit:         sc.DueLimit,
		Workers:          sc.Workers,
		DeliveryRetryMax: sc.DeliveryRetryMax,
		ReplyOnMalformed: cfg.Parser.ReplyOnMalformed,
		PurgeSchedule:    strings.TrimSpace(cfg.Housekeeping.Schedule),
	}

	durations := []struct {
		path, raw string
		def       time.Duration
		dst       *time.Duration
	}{
		{"scheduler.interval", sc.Interval, 0, &out.Interval},
		{"scheduler.cycle_timeout", sc.CycleTimeout, 0, &out.CycleTimeout},
		{"scheduler.retry_base", sc.RetryBase, 0, &out.Retry.Base},
		{"scheduler.retry_max_delay", sc.RetryMaxDelay, 0, &out.Retry.MaxDelay},
		{"scheduler.circuit_base_delay", sc.CircuitBaseDelay, 0, &out.Breaker.BaseDelay},
		{"scheduler.circuit_max_delay", sc.CircuitMaxDelay, 0, &out.Breaker.MaxDelay},
	}
	for _, d := range durations {
		v, err := config.ParseDurationOrDefault(d.path, d.raw, d.def)
		if err != nil {
			return scheduler.Config{}, err
		}
		*d.dst = v
	}
	out.Breaker.Trip = sc.CircuitTrip

	// An explicit zero turns housekeeping off; unset keeps the default retention.
	out.Retention = defaultRetention
	if raw := strings.TrimSpace(cfg.Housekeeping.Retention); raw != "" {
		r, err := config.ParseDurationField("housekeeping.retention", raw)
		if err != nil {
			return scheduler.Config{}, err
		}
		out.Retention = r
	}
	return out, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
	if out.Addr == "" {
		out.Addr = ops.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}
