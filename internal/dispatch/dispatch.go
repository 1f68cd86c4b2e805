// Package dispatch posts due callouts and classifies the result.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"clashcaller/internal/callout"
	"clashcaller/internal/retry"
	"clashcaller/internal/transport"
	logx "clashcaller/pkg/logx"
)

// Poster publishes a reply to a source message.
type Poster interface {
	PostReply(ctx context.Context, sourceRef, text string) error
}

type Config struct {
	// RatePerSec is the token bucket refill rate; the burst equals the rate.
	RatePerSec int
	// Timeout bounds one post.
	Timeout time.Duration
}

type Kind int

const (
	// Deferred means nothing was posted (the rate limiter wait was cut short).
	Deferred Kind = iota
	Success
	TransientFailure
	PermanentFailure
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case TransientFailure:
		return "transient"
	case PermanentFailure:
		return "permanent"
	default:
		return "deferred"
	}
}

type Outcome struct {
	Kind Kind
	Err  error
	// RetryAfter is the platform's hint for transient failures, zero if none.
	RetryAfter time.Duration
}

type Dispatcher struct {
	poster  Poster
	limiter *rate.Limiter
	timeout time.Duration
	log     logx.Logger
}

func New(p Poster, cfg Config, log logx.Logger) *Dispatcher {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		poster: p,
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		timeout: cfg.Timeout,
		log:     log.With(logx.String("comp", "dispatch")),
	}
}

// Deliver makes at most one post attempt for c.
func (d *Dispatcher) Deliver(ctx context.Context, c callout.Callout) Outcome {
	if err := d.limiter.Wait(ctx); err != nil {
		return Outcome{Kind: Deferred, Err: err}
	}

	pctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	start := time.Now()
	err := d.poster.PostReply(pctx, c.SourceRef, Format(c))
	out := Classify(err)

	d.log.Debug("post attempted",
		logx.Int64("id", c.ID),
		logx.String("outcome", out.Kind.String()),
		logx.Duration("took", time.Since(start)),
		logx.Err(err))
	return out
}

// Classify maps a post error onto an outcome. Unknown errors are transient.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Outcome{Kind: Success}
	case transport.Permanent(err), retry.IsNoRetry(err):
		return Outcome{Kind: PermanentFailure, Err: err}
	default:
		out := Outcome{Kind: TransientFailure, Err: err}
		if hint, ok := retry.AfterHint(err); ok {
			out.RetryAfter = hint
		}
		if errors.Is(err, context.DeadlineExceeded) {
			out.Err = errors.Join(errors.New("post timed out"), err)
		}
		return out
	}
}

// Format renders the reply text for c.
func Format(c callout.Callout) string {
	if c.Kind == callout.KindHint {
		return c.Payload
	}
	payload := strings.TrimSpace(c.Payload)
	if payload == "" {
		return "Callout for " + c.RequestedBy + "!"
	}
	return "Callout for " + c.RequestedBy + ": " + payload
}
