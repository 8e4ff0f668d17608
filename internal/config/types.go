package config

import "dispatchd/internal/model"

// Config is the on-disk shape. Durations are Go duration strings
// ("500ms", "30s", "5m"); empty means the component default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Recovery  RecoveryConfig  `json:"recovery"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Routing   RoutingConfig   `json:"routing"`
	Providers ProvidersConfig `json:"providers"`
	Receipts  ReceiptsConfig  `json:"receipts"`
	Alerts    AlertsConfig    `json:"alerts"`
	Telemetry TelemetryConfig `json:"telemetry"`
	HTTP      HTTPConfig      `json:"http"`
	Directory DirectoryConfig `json:"directory"`
	// Templates maps a template ref to fixed content.
	Templates map[string]model.Content `json:"templates,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "text" (default) or "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/dispatchd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatchConfig paces the delivery queue. send_delay and max_attempts apply
// on reload without a restart.
//
// Defaults:
//   - send_delay: "2s"
//   - send_timeout: "30s"
//   - max_attempts: 3
type DispatchConfig struct {
	SendDelay   string `json:"send_delay,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	PassBudget  int    `json:"pass_budget,omitempty"`
}

type RecoveryConfig struct {
	// Enabled is a pointer so an omitted block still sweeps at startup.
	Enabled    *bool  `json:"enabled,omitempty"`
	StaleAfter string `json:"stale_after,omitempty"` // default "5m"
	// ResumePending also resubmits pending messages nobody is processing.
	ResumePending *bool `json:"resume_pending,omitempty"`
	// Interval repeats the sweep while running. Empty defaults to stale_after;
	// "0s" sweeps only at startup, leaving runs that were still fresh then
	// for the next start.
	Interval string `json:"interval,omitempty"`
}

type SchedulerConfig struct {
	Enabled    bool   `json:"enabled"`
	Poll       string `json:"poll,omitempty"` // cron spec, default "@every 1m"
	Timezone   string `json:"timezone,omitempty"`
	RunTimeout string `json:"run_timeout,omitempty"`
}

// RoutingConfig lists provider names per destination class in preference
// order.
type RoutingConfig struct {
	GroupSuffix string   `json:"group_suffix,omitempty"`
	Contact     []string `json:"contact,omitempty"`
	Group       []string `json:"group,omitempty"`
}

type ProvidersConfig struct {
	CloudAPI CloudAPIConfig `json:"cloudapi"`
	Session  SessionConfig  `json:"session"`
}

type CloudAPIConfig struct {
	Enabled       bool   `json:"enabled"`
	BaseURL       string `json:"base_url,omitempty"`
	PhoneNumberID string `json:"phone_number_id"`
	Token         string `json:"token"` // never logged
	Timeout       string `json:"timeout,omitempty"`
	ProbeTTL      string `json:"probe_ttl,omitempty"`
}

type SessionConfig struct {
	Enabled      bool     `json:"enabled"`
	GatewayURL   string   `json:"gateway_url"`
	APIKey       string   `json:"api_key,omitempty"` // never logged
	Identities   []string `json:"identities"`
	PollInterval string   `json:"poll_interval,omitempty"`
	Timeout      string   `json:"timeout,omitempty"`
	PerMinute    int      `json:"per_minute,omitempty"`
	Burst        int      `json:"burst,omitempty"`
	AutoStart    bool     `json:"auto_start,omitempty"`
	StopOnClose  bool     `json:"stop_on_close,omitempty"`
}

type ReceiptsConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	TTL      string `json:"ttl,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type AlertsConfig struct {
	Telegram TelegramAlerts `json:"telegram"`
}

type TelegramAlerts struct {
	Enabled      bool     `json:"enabled"`
	Token        string   `json:"token"`
	ChatID       int64    `json:"chat_id"`
	ThreadID     int      `json:"thread_id,omitempty"`
	Events       []string `json:"events,omitempty"`
	RatePerMin   int      `json:"rate_per_min,omitempty"`
	QueueSize    int      `json:"queue_size,omitempty"`
	DedupWindow  string   `json:"dedup_window,omitempty"`
	ItemFailures bool     `json:"item_failures,omitempty"`
}

type TelemetryConfig struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Insecure    bool              `json:"insecure,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	SampleRate  float64           `json:"sample_rate,omitempty"`
}

// HTTPConfig controls the API listener.
//
// Prefer a loopback addr; the API has no authentication.
type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
}

type DirectoryConfig struct {
	Contacts []Contact `json:"contacts,omitempty"`
	Groups   []Group   `json:"groups,omitempty"`
}

type Contact struct {
	ID   string   `json:"id"`
	Name string   `json:"name,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

type Group struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}
