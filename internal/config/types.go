package config

// Config is the on-disk process configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Empty or zero fields select the defaults documented per field.
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Parser       ParserConfig       `json:"parser"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
	Ops          OpsConfig          `json:"ops"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via CLASHCALLER_TELEGRAM_TOKEN.
	Token  string `json:"token"`
	APIURL string `json:"api_url,omitempty" validate:"omitempty,url"`
	// PollTimeout is the getUpdates long-poll wait (default "2s"). Dispatch
	// runs after ingest in the same cycle, so keep it short.
	PollTimeout string `json:"poll_timeout,omitempty"`
	// RequestTimeout bounds every Bot API call (default poll_timeout + 10s).
	RequestTimeout string `json:"request_timeout,omitempty"`
	// AllowedChats restricts ingestion; empty means every chat the bot is in.
	AllowedChats []int64 `json:"allowed_chats,omitempty"`

	PageSize      int `json:"page_size,omitempty" validate:"omitempty,min=1,max=100"`
	FetchAttempts int `json:"fetch_attempts,omitempty" validate:"omitempty,min=1,max=10"`

	RatePerSec  int    `json:"rate_per_sec,omitempty" validate:"omitempty,min=1,max=30"`
	PostTimeout string `json:"post_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines to an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id" validate:"required_if=Enabled true"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"omitempty,min=1"`
}

// StorageConfig selects the callout store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/clashcaller.db" }
type StorageConfig struct {
	Driver string `json:"driver" validate:"omitempty,oneof=sqlite sqlite3 postgres postgresql pg file journal memory mem"`
	Path   string `json:"path,omitempty"`
	// DSN may be supplied via CLASHCALLER_STORAGE_DSN (do not log).
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty" validate:"omitempty,min=1"`
}

type ParserConfig struct {
	Marker string `json:"marker,omitempty"`
	// DefaultTimezone resolves absolute times without an explicit zone (default "UTC").
	DefaultTimezone string `json:"default_timezone,omitempty"`
	MaxPayloadLen   int    `json:"max_payload_len,omitempty" validate:"omitempty,min=1,max=4000"`
	// MaxHorizon caps how far ahead a callout may fire (default "8760h"; "-1s" disables).
	MaxHorizon       string `json:"max_horizon,omitempty"`
	ReplyOnMalformed bool   `json:"reply_on_malformed"`
}

type SchedulerConfig struct {
	Interval         string `json:"interval,omitempty"`
	CycleTimeout     string `json:"cycle_timeout,omitempty"`
	DueLimit         int    `json:"due_limit,omitempty" validate:"omitempty,min=1"`
	Workers          int    `json:"workers,omitempty" validate:"omitempty,min=1,max=64"`
	DeliveryRetryMax int    `json:"delivery_retry_max,omitempty" validate:"omitempty,min=1"`
	RetryBase        string `json:"retry_base,omitempty"`
	RetryMaxDelay    string `json:"retry_max_delay,omitempty"`

	// CircuitTrip is the consecutive transient failures that pause delivery
	// (default 5, negative disables).
	CircuitTrip      int    `json:"circuit_trip,omitempty"`
	CircuitBaseDelay string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay  string `json:"circuit_max_delay,omitempty"`
}

// HousekeepingConfig purges terminal callouts. Retention defaults to "720h";
// an explicit "0s" keeps everything.
type HousekeepingConfig struct {
	Retention string `json:"retention,omitempty"`
	// Schedule is a 5-field cron expression (default "17 4 * * *").
	Schedule string `json:"schedule,omitempty"`
}

// OpsConfig controls the optional operations HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6061").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// Defaults: read 10s, write 60s, idle 60s. The write timeout stays above
	// the 30s default of /debug/pprof/profile.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
