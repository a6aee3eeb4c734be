package config

import (
	"fmt"
	"time"
)

// duration reads TOML strings such as "250ms" or "4h".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	*d = duration(v)
	return nil
}

type fileConfig struct {
	SocketPath     *string `toml:"socket_path"`
	DBPath         *string `toml:"db_path"`
	Timezone       *string `toml:"timezone"`
	LogLevel       *string `toml:"log_level"`
	LogDevelopment *bool   `toml:"log_development"`

	Events   eventsSection   `toml:"events"`
	Tracking trackingSection `toml:"tracking"`
	Store    storeSection    `toml:"store"`
	Sleep    sleepSection    `toml:"sleep"`
	Sync     syncSection     `toml:"sync"`
}

type eventsSection struct {
	DebounceDelay      *duration `toml:"debounce_delay"`
	FocusDebounceDelay *duration `toml:"focus_debounce_delay"`
	RetryBaseDelay     *duration `toml:"retry_base_delay"`
	RetryMaxDelay      *duration `toml:"retry_max_delay"`
	MaxRetries         *int      `toml:"max_retries"`
	HostQueryTimeout   *duration `toml:"host_query_timeout"`
	DispatchTimeout    *duration `toml:"dispatch_timeout"`
	KeepAliveInterval  *duration `toml:"keepalive_interval"`
	SkewBudget         *duration `toml:"skew_budget"`
}

type trackingSection struct {
	GracePeriod        *duration `toml:"grace_period"`
	SwitchCooldown     *duration `toml:"switch_cooldown"`
	MinDwell           *duration `toml:"min_dwell"`
	CheckpointInterval *duration `toml:"checkpoint_interval"`
}

type storeSection struct {
	ReuseWindow         *duration `toml:"reuse_window"`
	MaxIncrement        *duration `toml:"max_increment"`
	SessionCap          *duration `toml:"session_cap"`
	DailyDomainCap      *duration `toml:"daily_domain_cap"`
	MaxStartAge         *duration `toml:"max_start_age"`
	ClockSkew           *duration `toml:"clock_skew"`
	AgeTolerance        *duration `toml:"age_tolerance"`
	MaintenanceInterval *duration `toml:"maintenance_interval"`
	StaleActiveAfter    *duration `toml:"stale_active_after"`
	SessionRetention    *duration `toml:"session_retention"`
	SyncedRetention     *duration `toml:"synced_retention"`
}

type sleepSection struct {
	CheckInterval *duration `toml:"check_interval"`
	Threshold     *duration `toml:"threshold"`
}

type syncSection struct {
	Endpoint         *string   `toml:"endpoint"`
	Interval         *duration `toml:"interval"`
	BatchSize        *int      `toml:"batch_size"`
	RatePerSecond    *float64  `toml:"rate_per_second"`
	Timeout          *duration `toml:"timeout"`
	DownWindow       *duration `toml:"down_window"`
	DownFailures     *int      `toml:"down_failures"`
	RecoverSuccesses *int      `toml:"recover_successes"`
}

func (f fileConfig) apply(cfg *Config) {
	setString(&cfg.SocketPath, f.SocketPath)
	setString(&cfg.DBPath, f.DBPath)
	setString(&cfg.Timezone, f.Timezone)
	setString(&cfg.LogLevel, f.LogLevel)
	if f.LogDevelopment != nil {
		cfg.LogDevelopment = *f.LogDevelopment
	}

	setDuration(&cfg.DebounceDelay, f.Events.DebounceDelay)
	setDuration(&cfg.FocusDebounceDelay, f.Events.FocusDebounceDelay)
	setDuration(&cfg.RetryBaseDelay, f.Events.RetryBaseDelay)
	setDuration(&cfg.RetryMaxDelay, f.Events.RetryMaxDelay)
	setInt(&cfg.MaxRetries, f.Events.MaxRetries)
	setDuration(&cfg.HostQueryTimeout, f.Events.HostQueryTimeout)
	setDuration(&cfg.DispatchTimeout, f.Events.DispatchTimeout)
	setDuration(&cfg.KeepAliveInterval, f.Events.KeepAliveInterval)
	setDuration(&cfg.EventSkewBudget, f.Events.SkewBudget)

	setDuration(&cfg.GracePeriod, f.Tracking.GracePeriod)
	setDuration(&cfg.SwitchCooldown, f.Tracking.SwitchCooldown)
	setDuration(&cfg.MinDwell, f.Tracking.MinDwell)
	setDuration(&cfg.CheckpointInterval, f.Tracking.CheckpointInterval)

	setDuration(&cfg.ReuseWindow, f.Store.ReuseWindow)
	setDuration(&cfg.MaxIncrement, f.Store.MaxIncrement)
	setDuration(&cfg.SessionCap, f.Store.SessionCap)
	setDuration(&cfg.DailyDomainCap, f.Store.DailyDomainCap)
	setDuration(&cfg.MaxStartAge, f.Store.MaxStartAge)
	setDuration(&cfg.ClockSkew, f.Store.ClockSkew)
	setDuration(&cfg.AgeTolerance, f.Store.AgeTolerance)
	setDuration(&cfg.MaintenanceInterval, f.Store.MaintenanceInterval)
	setDuration(&cfg.StaleActiveAfter, f.Store.StaleActiveAfter)
	setDuration(&cfg.SessionRetention, f.Store.SessionRetention)
	setDuration(&cfg.SyncedRetention, f.Store.SyncedRetention)

	setDuration(&cfg.SleepCheckInterval, f.Sleep.CheckInterval)
	setDuration(&cfg.SleepThreshold, f.Sleep.Threshold)

	setString(&cfg.SyncEndpoint, f.Sync.Endpoint)
	setDuration(&cfg.SyncInterval, f.Sync.Interval)
	setInt(&cfg.SyncBatchSize, f.Sync.BatchSize)
	if f.Sync.RatePerSecond != nil {
		cfg.SyncRatePerSecond = *f.Sync.RatePerSecond
	}
	setDuration(&cfg.SyncTimeout, f.Sync.Timeout)
	setDuration(&cfg.SyncDownWindow, f.Sync.DownWindow)
	setInt(&cfg.SyncDownFailures, f.Sync.DownFailures)
	setInt(&cfg.SyncRecoverSuccesses, f.Sync.RecoverSuccesses)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *duration) {
	if v != nil {
		*dst = time.Duration(*v)
	}
}
