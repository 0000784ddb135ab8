// Package config defines fleetd's command-line and environment-variable
// configuration surface (§6), grounded on the teacher's cmd/server/main.go
// cobra root-command pattern: one flat config struct, one persistent flag
// per option, each defaulted from an env-var fallback.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// Config is fleetd's full runtime configuration.
type Config struct {
	BindAddress     string
	RequireTLS      bool
	MaxFrameBytes   int64
	LogLevel        string
	DataDir         string
	AdminToken      string

	HeartbeatInterval     time.Duration
	HeartbeatKillMultiplier float64
	HandshakeTimeout      time.Duration

	MonitorInterval time.Duration
	ProbeTimeout    time.Duration

	RPCDefaultTimeout time.Duration

	DuplicateNamePolicy string

	RateLimitRPS   float64
	RateLimitBurst int

	DBDriver string
	DBDSN    string
}

// BindFlags registers every flag on root, defaulted from FLEETD_* env vars,
// matching the teacher's envOrDefault convention.
func BindFlags(root *cobra.Command, cfg *Config) {
	flags := root.PersistentFlags()

	flags.StringVar(&cfg.BindAddress, "bind-address", envOrDefault("FLEETD_BIND_ADDRESS", ":8443"), "Address the ingress server listens on")
	flags.BoolVar(&cfg.RequireTLS, "require-tls", envOrDefaultBool("FLEETD_REQUIRE_TLS", false), "Reject worker connections that did not arrive over TLS")
	flags.Int64Var(&cfg.MaxFrameBytes, "max-frame-bytes", envOrDefaultInt64("FLEETD_MAX_FRAME_BYTES", 16<<20), "Maximum accepted websocket frame size, in bytes")
	flags.StringVar(&cfg.LogLevel, "log-level", envOrDefault("FLEETD_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	flags.StringVar(&cfg.DataDir, "data-dir", envOrDefault("FLEETD_DATA_DIR", "./data"), "Directory for fleetd's on-disk state")
	flags.StringVar(&cfg.AdminToken, "admin-token", envOrDefault("FLEETD_ADMIN_TOKEN", ""), "Bearer token required on the admin RPC surface (empty = disabled, dev only)")

	flags.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", envOrDefaultDuration("FLEETD_HEARTBEAT_INTERVAL", 15*time.Second), "Interval the control plane pings a worker and expects liveness")
	flags.Float64Var(&cfg.HeartbeatKillMultiplier, "heartbeat-kill-multiplier", envOrDefaultFloat("FLEETD_HEARTBEAT_KILL_MULTIPLIER", 2.0), "Session is killed after heartbeat-interval * this multiplier of silence")
	flags.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", envOrDefaultDuration("FLEETD_HANDSHAKE_TIMEOUT", 10*time.Second), "Time allowed for a worker to complete the hello handshake")

	flags.DurationVar(&cfg.MonitorInterval, "monitor-interval", envOrDefaultDuration("FLEETD_MONITOR_INTERVAL", 60*time.Second), "Interval between fleet-wide health probes")
	flags.DurationVar(&cfg.ProbeTimeout, "probe-timeout", envOrDefaultDuration("FLEETD_PROBE_TIMEOUT", 30*time.Second), "Per-worker timeout for a single health/capabilities probe")

	flags.DurationVar(&cfg.RPCDefaultTimeout, "rpc-default-timeout", envOrDefaultDuration("FLEETD_RPC_DEFAULT_TIMEOUT", 30*time.Second), "Default deadline for an RPC dispatched with no explicit deadline")

	flags.StringVar(&cfg.DuplicateNamePolicy, "duplicate-name-policy", envOrDefault("FLEETD_DUPLICATE_NAME_POLICY", "reject-new"), "How Attach resolves a worker-name collision (reject-new or replace-old)")

	flags.Float64Var(&cfg.RateLimitRPS, "rate-limit-rps", envOrDefaultFloat("FLEETD_RATE_LIMIT_RPS", 20.0), "Admin surface per-IP requests/sec (0 disables)")
	flags.IntVar(&cfg.RateLimitBurst, "rate-limit-burst", envOrDefaultInt("FLEETD_RATE_LIMIT_BURST", 40), "Admin surface per-IP burst size")

	flags.StringVar(&cfg.DBDriver, "db-driver", envOrDefault("FLEETD_DB_DRIVER", "sqlite"), "Audit store database driver (sqlite or postgres)")
	flags.StringVar(&cfg.DBDSN, "db-dsn", envOrDefault("FLEETD_DB_DSN", "./fleetd-audit.db"), "Audit store database DSN or file path for SQLite")
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envOrDefaultInt(key string, defaultVal int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func envOrDefaultInt64(key string, defaultVal int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
