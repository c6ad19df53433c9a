package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the middleware service, covering
// every option named in spec §6.
type Config struct {
	LogLevel string

	UpstreamBaseURL string
	UpstreamAPIKey  string
	ProjectID       int64

	RedisAddr   string
	PostgresDSN string
	MediaRoot   string
	APIKey      string

	ListenPort  string
	MetricsAddr string

	LeaseTTL      time.Duration
	CooldownTTL   time.Duration
	SyncInterval  time.Duration
	RatePerSecond float64

	KVTimeout       time.Duration
	SQLTimeout      time.Duration
	UpstreamTimeout time.Duration

	OTelEndpoint string
}

// Load reads all values from the given viper instance, applying the
// defaults from spec §6 where a key was never set.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel: v.GetString("log_level"),

		UpstreamBaseURL: v.GetString("upstream_base_url"),
		UpstreamAPIKey:  v.GetString("upstream_api_key"),
		ProjectID:       v.GetInt64("project_id"),

		RedisAddr:   v.GetString("kv_url"),
		PostgresDSN: v.GetString("sql_url"),
		MediaRoot:   v.GetString("media_root"),
		APIKey:      v.GetString("api_key"),

		ListenPort:  v.GetString("listen_port"),
		MetricsAddr: v.GetString("metrics_addr"),

		LeaseTTL:      v.GetDuration("lease_ttl"),
		CooldownTTL:   v.GetDuration("cooldown_ttl"),
		SyncInterval:  v.GetDuration("sync_interval"),
		RatePerSecond: v.GetFloat64("rate_per_second"),

		KVTimeout:       v.GetDuration("kv_timeout"),
		SQLTimeout:      v.GetDuration("sql_timeout"),
		UpstreamTimeout: v.GetDuration("upstream_timeout"),

		OTelEndpoint: v.GetString("otel_endpoint"),
	}
}

// SetDefaults registers spec §6's default values on v so that Load always
// returns a usable Config even with an empty config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("listen_port", "8010")
	v.SetDefault("metrics_addr", ":9095")
	v.SetDefault("lease_ttl", 3600*time.Second)
	v.SetDefault("cooldown_ttl", 1800*time.Second)
	v.SetDefault("sync_interval", 30*time.Second)
	v.SetDefault("rate_per_second", 0.05)
	v.SetDefault("kv_timeout", 1*time.Second)
	v.SetDefault("sql_timeout", 2*time.Second)
	v.SetDefault("upstream_timeout", 10*time.Second)
}
