// Package ops serves the operator endpoints: liveness, readiness, status and pprof.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"clashcaller/internal/callout"
	"clashcaller/internal/eventbus"
	rtsup "clashcaller/internal/runtime/supervisor"
	"clashcaller/internal/scheduler"
	logx "clashcaller/pkg/logx"
)

// Store is what the status pages read from the callout store.
type Store interface {
	Ping(ctx context.Context) error
	CountByState(ctx context.Context) (map[callout.State]int, error)
	CurrentCursor(ctx context.Context, stream string) (callout.Cursor, error)
}

// Cycles exposes the scheduler loop's progress.
type Cycles interface {
	LastReport() (scheduler.CycleReport, bool)
	ConsecutiveAborts() int64
}

type Deps struct {
	Store  Store
	Cycles Cycles
	Stream string
	Recent *eventbus.Recent
	// Goroutines lists supervised goroutines; may be nil.
	Goroutines func() []rtsup.GoroutineStats
	// StartedAt reports when the app started; zero before Start. May be nil.
	StartedAt func() time.Time
}

type Status struct {
	StartedAt         time.Time              `json:"started_at"`
	Uptime            string                 `json:"uptime"`
	Counts            map[callout.State]int  `json:"counts"`
	Cursor            *callout.Cursor        `json:"cursor,omitempty"`
	LastCycle         *scheduler.CycleReport `json:"last_cycle,omitempty"`
	ConsecutiveAborts int64                  `json:"consecutive_aborts"`
	RecentEvents      []eventbus.Event       `json:"recent_events,omitempty"`
	Goroutines        []rtsup.GoroutineStats `json:"goroutines,omitempty"`
	Errors            map[string]string      `json:"errors,omitempty"`
}

const probeTimeout = 2 * time.Second

// Handler builds the router. token, when set, guards every route.
func Handler(d Deps, token string, withPprof bool, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requireToken(token))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ready, reason := readiness(r.Context(), d)
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"ready": ready, "reason": reason}, log)
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, status(r.Context(), d), log)
	})
	if withPprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func readiness(ctx context.Context, d Deps) (bool, string) {
	if d.Store != nil {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := d.Store.Ping(pctx)
		cancel()
		if err != nil {
			return false, "store: " + err.Error()
		}
	}
	if d.Cycles == nil {
		return true, "ok"
	}
	rep, ok := d.Cycles.LastReport()
	if !ok {
		return false, "no cycle completed yet"
	}
	if rep.Aborted {
		return false, "last cycle aborted: " + rep.Error
	}
	return true, "ok"
}

func status(ctx context.Context, d Deps) Status {
	st := Status{Counts: map[callout.State]int{}}
	if d.StartedAt != nil {
		st.StartedAt = d.StartedAt()
	}
	if !st.StartedAt.IsZero() {
		st.Uptime = time.Since(st.StartedAt).Truncate(time.Second).String()
	}
	fail := func(k string, err error) {
		if st.Errors == nil {
			st.Errors = map[string]string{}
		}
		st.Errors[k] = err.Error()
	}

	if d.Store != nil {
		sctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if counts, err := d.Store.CountByState(sctx); err != nil {
			fail("counts", err)
		} else {
			st.Counts = counts
		}
		if c, err := d.Store.CurrentCursor(sctx, d.Stream); err != nil {
			fail("cursor", err)
		} else {
			st.Cursor = &c
		}
	}
	if d.Cycles != nil {
		if rep, ok := d.Cycles.LastReport(); ok {
			st.LastCycle = &rep
		}
		st.ConsecutiveAborts = d.Cycles.ConsecutiveAborts()
	}
	if d.Recent != nil {
		st.RecentEvents = d.Recent.Snapshot()
	}
	if d.Goroutines != nil {
		st.Goroutines = d.Goroutines()
	}
	return st
}

// requireToken accepts "Authorization: Bearer <token>" or "?token=<token>".
func requireToken(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func writeJSON(w http.ResponseWriter, code int, v any, log logx.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Debug("ops response write failed", logx.Err(err))
	}
}
