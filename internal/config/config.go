// Package config decodes the relay's runtime configuration, replacing
// the original's compile-time #define constants
// (cbackend/include/ui-wrapper/common_ws.h and main.c) with environment
// variables read via mstoykov/envconfig, matching how grafana-k6
// resolves its own Config struct.
package config

import (
	"fmt"
	"time"

	"github.com/mstoykov/envconfig"
)

// Config holds every address, port, and tunable the two reactors and
// their persistence sinks need at startup.
type Config struct {
	// TelemetryListenPort is the port downstream browser clients connect
	// to for the sensor-data feed, grounded on FRONTEND_PORT.
	TelemetryListenPort int `envconfig:"RELAY_TELEMETRY_PORT"`

	// VideoListenPort is the port downstream clients connect to for the
	// H.264 feed, grounded on the video server's literal 8002.
	VideoListenPort int `envconfig:"RELAY_VIDEO_PORT"`

	// UpstreamSensorHost is the remote WebSocket sensor data source,
	// grounded on REMOTE_WS_IP/REMOTE_WS_PORT.
	UpstreamSensorHost string `envconfig:"RELAY_UPSTREAM_SENSOR_HOST"`
	UpstreamSensorPort int    `envconfig:"RELAY_UPSTREAM_SENSOR_PORT"`
	UpstreamSensorPath string `envconfig:"RELAY_UPSTREAM_SENSOR_PATH"`

	// RedisAddr is the RedisTimeSeries endpoint sensor readings are
	// persisted to.
	RedisAddr string `envconfig:"RELAY_REDIS_ADDR"`

	// HubCapacity bounds each listener's concurrent client count
	// (spec.md §3's "fixed upper bound (default 1024)").
	HubCapacity int `envconfig:"RELAY_HUB_CAPACITY"`

	// CSVLogDir is the directory sensor_log_*.csv files are created in.
	CSVLogDir string `envconfig:"RELAY_CSV_LOG_DIR"`

	// ShutdownGrace bounds how long graceful shutdown waits for reactors
	// to drain before the process exits anyway.
	ShutdownGrace time.Duration `envconfig:"RELAY_SHUTDOWN_GRACE"`
}

// Default returns the configuration the original program's constants
// describe, before any environment override is applied.
func Default() Config {
	return Config{
		TelemetryListenPort: 8001,
		VideoListenPort:     8002,
		UpstreamSensorHost:  "127.0.0.1",
		UpstreamSensorPort:  9000,
		UpstreamSensorPath:  "/",
		RedisAddr:           "127.0.0.1:6379",
		HubCapacity:         1024,
		CSVLogDir:           ".",
		ShutdownGrace:       5 * time.Second,
	}
}

// Load starts from Default and applies any RELAY_* environment
// variables found via lookup (os.LookupEnv in production; a fake in
// tests), the same envconfig.Process-over-a-lookup-func pattern
// k6's internal/cmd.Config uses.
func Load(lookup func(key string) (string, bool)) (Config, error) {
	cfg := Default()
	if err := envconfig.Process("", &cfg, lookup); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
