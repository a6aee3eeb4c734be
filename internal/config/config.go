package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix is the prefix of every environment override, e.g. TABTIME_GRACE_PERIOD.
const EnvPrefix = "tabtime"

type Config struct {
	SocketPath     string `envconfig:"SOCKET_PATH"`
	DBPath         string `envconfig:"DB_PATH"`
	Timezone       string `envconfig:"TIMEZONE"`
	LogLevel       string `envconfig:"LOG_LEVEL"`
	LogDevelopment bool   `envconfig:"LOG_DEVELOPMENT"`

	DebounceDelay      time.Duration `envconfig:"DEBOUNCE_DELAY"`
	FocusDebounceDelay time.Duration `envconfig:"FOCUS_DEBOUNCE_DELAY"`
	RetryBaseDelay     time.Duration `envconfig:"RETRY_BASE_DELAY"`
	RetryMaxDelay      time.Duration `envconfig:"RETRY_MAX_DELAY"`
	MaxRetries         int           `envconfig:"MAX_RETRIES"`
	HostQueryTimeout   time.Duration `envconfig:"HOST_QUERY_TIMEOUT"`
	DispatchTimeout    time.Duration `envconfig:"DISPATCH_TIMEOUT"`
	KeepAliveInterval  time.Duration `envconfig:"KEEPALIVE_INTERVAL"`
	EventSkewBudget    time.Duration `envconfig:"EVENT_SKEW_BUDGET"`

	GracePeriod        time.Duration `envconfig:"GRACE_PERIOD"`
	SwitchCooldown     time.Duration `envconfig:"SWITCH_COOLDOWN"`
	MinDwell           time.Duration `envconfig:"MIN_DWELL"`
	CheckpointInterval time.Duration `envconfig:"CHECKPOINT_INTERVAL"`

	ReuseWindow    time.Duration `envconfig:"REUSE_WINDOW"`
	MaxIncrement   time.Duration `envconfig:"MAX_INCREMENT"`
	SessionCap     time.Duration `envconfig:"SESSION_CAP"`
	DailyDomainCap time.Duration `envconfig:"DAILY_DOMAIN_CAP"`
	MaxStartAge    time.Duration `envconfig:"MAX_START_AGE"`
	ClockSkew      time.Duration `envconfig:"CLOCK_SKEW"`
	AgeTolerance   time.Duration `envconfig:"AGE_TOLERANCE"`

	SleepCheckInterval time.Duration `envconfig:"SLEEP_CHECK_INTERVAL"`
	SleepThreshold     time.Duration `envconfig:"SLEEP_THRESHOLD"`

	MaintenanceInterval time.Duration `envconfig:"MAINTENANCE_INTERVAL"`
	StaleActiveAfter    time.Duration `envconfig:"STALE_ACTIVE_AFTER"`
	SessionRetention    time.Duration `envconfig:"SESSION_RETENTION"`
	SyncedRetention     time.Duration `envconfig:"SYNCED_RETENTION"`

	SyncEndpoint         string        `envconfig:"SYNC_ENDPOINT"`
	SyncInterval         time.Duration `envconfig:"SYNC_INTERVAL"`
	SyncBatchSize        int           `envconfig:"SYNC_BATCH_SIZE"`
	SyncRatePerSecond    float64       `envconfig:"SYNC_RATE_PER_SECOND"`
	SyncTimeout          time.Duration `envconfig:"SYNC_TIMEOUT"`
	SyncDownWindow       time.Duration `envconfig:"SYNC_DOWN_WINDOW"`
	SyncDownFailures     int           `envconfig:"SYNC_DOWN_FAILURES"`
	SyncRecoverSuccesses int           `envconfig:"SYNC_RECOVER_SUCCESSES"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath: defaultSocketPath(),
		DBPath:     defaultDBPath(),
		LogLevel:   "info",

		DebounceDelay:      200 * time.Millisecond,
		FocusDebounceDelay: 100 * time.Millisecond,
		RetryBaseDelay:     100 * time.Millisecond,
		RetryMaxDelay:      5 * time.Second,
		MaxRetries:         3,
		HostQueryTimeout:   2 * time.Second,
		DispatchTimeout:    5 * time.Second,
		KeepAliveInterval:  20 * time.Second,
		EventSkewBudget:    10 * time.Second,

		GracePeriod:        3 * time.Second,
		SwitchCooldown:     2 * time.Second,
		MinDwell:           3 * time.Second,
		CheckpointInterval: 15 * time.Second,

		ReuseWindow:    30 * time.Minute,
		MaxIncrement:   5 * time.Minute,
		SessionCap:     4 * time.Hour,
		DailyDomainCap: 16 * time.Hour,
		MaxStartAge:    24 * time.Hour,
		ClockSkew:      5 * time.Second,
		AgeTolerance:   5 * time.Second,

		SleepCheckInterval: 10 * time.Second,
		SleepThreshold:     5 * time.Minute,

		MaintenanceInterval: 10 * time.Minute,
		StaleActiveAfter:    15 * time.Minute,
		SessionRetention:    30 * 24 * time.Hour,
		SyncedRetention:     7 * 24 * time.Hour,

		SyncInterval:         time.Minute,
		SyncBatchSize:        50,
		SyncRatePerSecond:    1,
		SyncTimeout:          10 * time.Second,
		SyncDownWindow:       30 * time.Second,
		SyncDownFailures:     3,
		SyncRecoverSuccesses: 2,
	}
}

// Load starts from DefaultConfig, overlays the TOML file at path (when path
// is non-empty) and then TABTIME_* environment variables.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		var fc fileConfig
		if err := toml.Unmarshal(raw, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		fc.apply(&cfg)
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"debounce_delay":       c.DebounceDelay,
		"focus_debounce_delay": c.FocusDebounceDelay,
		"retry_base_delay":     c.RetryBaseDelay,
		"grace_period":         c.GracePeriod,
		"checkpoint_interval":  c.CheckpointInterval,
		"max_increment":        c.MaxIncrement,
		"session_cap":          c.SessionCap,
		"daily_domain_cap":     c.DailyDomainCap,
		"sleep_check_interval": c.SleepCheckInterval,
		"sleep_threshold":      c.SleepThreshold,
		"maintenance_interval": c.MaintenanceInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must not be negative"))
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, errors.New("retry_max_delay must be at least retry_base_delay"))
	}
	if c.MaxIncrement > c.SessionCap {
		errs = append(errs, errors.New("max_increment must not exceed session_cap"))
	}
	if c.SessionCap > c.DailyDomainCap {
		errs = append(errs, errors.New("session_cap must not exceed daily_domain_cap"))
	}
	if c.SleepThreshold <= c.SleepCheckInterval {
		errs = append(errs, errors.New("sleep_threshold must exceed sleep_check_interval"))
	}
	if c.SocketPath == "" {
		errs = append(errs, errors.New("socket_path is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.SyncEndpoint != "" && (c.SyncBatchSize <= 0 || c.SyncRatePerSecond <= 0 || c.SyncInterval <= 0) {
		errs = append(errs, errors.New("sync batch size, rate and interval must be positive when sync_endpoint is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Location is the time zone used to bucket sessions into days.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "tabtime", "tabtimed.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tabtimed.sock"
	}
	return filepath.Join(home, ".local", "state", "tabtime", "tabtimed.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tabtime.db"
	}
	return filepath.Join(home, ".local", "state", "tabtime", "sessions.db")
}
