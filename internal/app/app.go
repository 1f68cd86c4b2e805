// Package app wires the callout engine together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"clashcaller/internal/callout"
	"clashcaller/internal/config"
	"clashcaller/internal/dispatch"
	"clashcaller/internal/eventbus"
	"clashcaller/internal/ingest"
	"clashcaller/internal/observability/ops"
	rtsup "clashcaller/internal/runtime/supervisor"
	"clashcaller/internal/scheduler"
	"clashcaller/internal/storage"
	telegram "clashcaller/internal/transport/telegram/adapter"
	logx "clashcaller/pkg/logx"
)

const recentEvents = 64

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus    eventbus.Bus
	recent *eventbus.Recent
	store  storage.Store

	adapter *telegram.Adapter
	loop    *scheduler.Loop
	ops     *ops.Service
	sd      notifier

	startedAt atomic.Int64 // unix nanos, 0 until Start
}

// NewApp loads the config file at cfgPath and builds every component.
// Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (a *App, err error) {
	logs, log := logx.New(mapLoggingConfig(cfg), nil)
	defer func() {
		if err != nil {
			_ = logs.Close()
		}
	}()

	adapterCfg, ingestCfg, dispatchCfg, err := transportConfigs(cfg)
	if err != nil {
		return nil, err
	}
	parserCfg, err := mapParserConfig(cfg)
	if err != nil {
		return nil, err
	}
	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}

	adapter, err := telegram.New(adapterCfg, log)
	if err != nil {
		return nil, err
	}
	logs.SetChatSender(adapter)

	schedCfg, err := mapSchedulerConfig(cfg, adapter.Stream())
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(storeCfg, log)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()

	parser := callout.NewParser(parserCfg)
	bus := eventbus.New()
	loop, err := scheduler.New(schedCfg, scheduler.Deps{
		Store:   store,
		Fetcher: ingest.New(adapter, ingestCfg, log),
		Parser:  parser,
		Deliver: dispatch.New(adapter, dispatchCfg, log),
		Bus:     bus,
	}, log)
	if err != nil {
		return nil, err
	}

	a = &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		recent:  eventbus.NewRecent(recentEvents),
		store:   store,
		adapter: adapter,
		loop:    loop,
		sd:      notifier{log: log.With(logx.String("comp", "systemd"))},
	}
	a.ops = ops.New(opsCfg, ops.Deps{
		Store:      store,
		Cycles:     loop,
		Stream:     adapter.Stream(),
		Recent:     a.recent,
		Goroutines: a.goroutines,
		StartedAt:  a.started,
	}, log)

	log.Info("app configured",
		logx.String("config", cfgm.Path()),
		logx.String("storage", storeCfg.Driver),
		logx.String("marker", parser.Marker()),
		logx.Bool("reply_on_malformed", schedCfg.ReplyOnMalformed),
		logx.Bool("ops", opsCfg.Enabled))
	return a, nil
}

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

// LastCycle exposes the scheduler's most recent cycle report.
func (a *App) LastCycle() (scheduler.CycleReport, bool) { return a.loop.LastReport() }

func (a *App) started() time.Time {
	n := a.startedAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

const (
	opsStopMax     = 2 * time.Second
	storageStopMax = 2 * time.Second
	drainSlack     = 5 * time.Second
)

// StopTimeout is the longest Stop may take: the ops shutdown, a full
// in-flight cycle drain and the store close.
func (a *App) StopTimeout() time.Duration {
	return opsStopMax + a.drainMax() + storageStopMax
}

func (a *App) drainMax() time.Duration {
	if a.loop == nil {
		return drainSlack
	}
	return a.loop.CycleTimeout() + drainSlack
}

func (a *App) goroutines() []rtsup.GoroutineStats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.startedAt.Store(time.Now().UnixNano())
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := a.store.Ping(pctx)
	cancel()
	if err != nil {
		a.sup.Cancel()
		return fmt.Errorf("storage: %w", err)
	}

	a.sup.Go0("eventbus.recent", func(c context.Context) { a.recent.Run(c, a.bus) })

	// Keep this debug-level; cycle events fire every interval.
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

	a.sup.GoRestart("scheduler.loop", a.loop.Run,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithPublishFirstError(true),
	)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { a.sd.watchdog(c, a.bus) })

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

	a.ops.Start(a.sup.Context())
	a.sd.ready()
	a.log.Info("app started")
	return nil
}

// applyConfig applies the live sections of a reloaded config and reports the rest.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
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
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	step("ops", opsStopMax, func(c context.Context) error { a.ops.Stop(c); return nil })
	// The loop finishes its in-flight cycle before returning, so the store must outlive it.
	step("supervisor", a.drainMax(), func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", storageStopMax, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
