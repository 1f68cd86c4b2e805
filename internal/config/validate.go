package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// Environment variables that override secrets left empty in the file.
const (
	EnvTelegramToken = "CLASHCALLER_TELEGRAM_TOKEN"
	EnvStorageDSN    = "CLASHCALLER_STORAGE_DSN"
)

var validate = newValidator()

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ApplyEnv fills secrets from the environment when the file leaves them empty.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		cfg.Telegram.Token = strings.TrimSpace(os.Getenv(EnvTelegramToken))
	}
	if strings.TrimSpace(cfg.Storage.DSN) == "" {
		cfg.Storage.DSN = strings.TrimSpace(os.Getenv(EnvStorageDSN))
	}
}

// Validate runs tag validation and the semantic checks tags cannot express.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := validate.Struct(cfg); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				errs = append(errs, fmt.Errorf("%s: failed %q", fieldPath(fe.Namespace()), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram.token: required (or set %s)", EnvTelegramToken))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn: required for postgres (or set %s)", EnvStorageDSN))
		}
	}

	if tz := strings.TrimSpace(cfg.Parser.DefaultTimezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("parser.default_timezone: %w", err))
		}
	}
	if m := cfg.Parser.Marker; m != "" && strings.TrimSpace(m) != m {
		errs = append(errs, errors.New("parser.marker: must not have surrounding spaces"))
	}
	if s := strings.TrimSpace(cfg.Housekeeping.Schedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			errs = append(errs, fmt.Errorf("housekeeping.schedule: %w", err))
		}
	}

	for _, f := range [][2]string{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"telegram.request_timeout", cfg.Telegram.RequestTimeout},
		{"telegram.post_timeout", cfg.Telegram.PostTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"scheduler.interval", cfg.Scheduler.Interval},
		{"scheduler.cycle_timeout", cfg.Scheduler.CycleTimeout},
		{"scheduler.retry_base", cfg.Scheduler.RetryBase},
		{"scheduler.retry_max_delay", cfg.Scheduler.RetryMaxDelay},
		{"scheduler.circuit_base_delay", cfg.Scheduler.CircuitBaseDelay},
		{"scheduler.circuit_max_delay", cfg.Scheduler.CircuitMaxDelay},
		{"housekeeping.retention", cfg.Housekeeping.Retention},
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.write_timeout", cfg.Ops.WriteTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
	} {
		if _, err := ParseDurationField(f[0], f[1]); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := ParseLimitDuration("parser.max_horizon", cfg.Parser.MaxHorizon, 0); err != nil {
		errs = append(errs, err)
	}

	if cfg.Ops.Enabled && strings.TrimSpace(cfg.Ops.Token) == "" && !cfg.Ops.AllowInsecure && !loopback(cfg.Ops.Addr) {
		errs = append(errs, errors.New("ops.addr: non-loopback address needs ops.token or ops.allow_insecure"))
	}
	return errors.Join(errs...)
}

// fieldPath turns "Config.telegram.page_size" into "telegram.page_size".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func loopback(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
