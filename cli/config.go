package cli

import (
	"fmt"
	"time"

	ini "gopkg.in/ini.v1"

	"github.com/leoscope/leotest/core"
)

// GlobalSettings are options shared by every command.
type GlobalSettings struct {
	LogLevel string `ini:"log-level"`
}

// CoordinatorSettings configures the coordinator daemon. With no redis
// address the coordinator runs on the in-memory store; with no S3 bucket
// artifacts land under artifact-root on local disk.
type CoordinatorSettings struct {
	Address       string  `ini:"address"`
	JWTSecret     string  `ini:"jwt-secret"`
	RedisAddress  string  `ini:"redis-address"`
	RedisPassword string  `ini:"redis-password"`
	RedisDB       int     `ini:"redis-db"`
	ArtifactRoot  string  `ini:"artifact-root"`
	S3Bucket      string  `ini:"s3-bucket"`
	S3Region      string  `ini:"s3-region"`
	S3Endpoint    string  `ini:"s3-endpoint"`
	MaxConcurrent int     `ini:"max-concurrent"`
	RatePerSec    float64 `ini:"rate-per-sec"`
	RateBurst     int     `ini:"rate-burst"`
}

// AgentSettings configures the node agent daemon.
type AgentSettings struct {
	NodeID        string        `ini:"node-id"`
	ServerURL     string        `ini:"server-url"`
	Token         string        `ini:"token"`
	WorkDir       string        `ini:"workdir"`
	TickInterval  time.Duration `ini:"tick-interval"`
	PollInterval  time.Duration `ini:"poll-interval"`
	ArtifactRoot  string        `ini:"artifact-root"`
	S3Bucket      string        `ini:"s3-bucket"`
	S3Region      string        `ini:"s3-region"`
	S3Endpoint    string        `ini:"s3-endpoint"`
	Lat           float64       `ini:"lat"`
	Lon           float64       `ini:"lon"`
	WeatherURL    string        `ini:"weather-url"`
	TelemetryURL  string        `ini:"telemetry-url"`
	ConfigBlobKey string        `ini:"config-blob-key"`
}

// FileConfig is the on-disk configuration shared by both daemons.
type FileConfig struct {
	Global      GlobalSettings
	Coordinator CoordinatorSettings
	Agent       AgentSettings
}

// LoadFileConfig reads the ini config at path. A missing file is not an
// error; every setting has a flag equivalent.
func LoadFileConfig(path string, logger core.Logger) (*FileConfig, error) {
	cfg := &FileConfig{}
	src, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true, InsensitiveKeys: true}, path)
	if err != nil {
		logger.Warningf("could not load config file %q: %v", path, err)
		return cfg, nil
	}
	if err := src.Section("global").MapTo(&cfg.Global); err != nil {
		return nil, fmt.Errorf("config [global]: %w", err)
	}
	if err := src.Section("coordinator").MapTo(&cfg.Coordinator); err != nil {
		return nil, fmt.Errorf("config [coordinator]: %w", err)
	}
	if err := src.Section("agent").MapTo(&cfg.Agent); err != nil {
		return nil, fmt.Errorf("config [agent]: %w", err)
	}
	return cfg, nil
}
