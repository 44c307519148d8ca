package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leoscope/leotest/blob"
	"github.com/leoscope/leotest/coordinator"
	"github.com/leoscope/leotest/core"
	"github.com/leoscope/leotest/metrics"
	"github.com/leoscope/leotest/store"
)

// CoordinatorCommand runs the coordinator daemon.
type CoordinatorCommand struct {
	ConfigFile    string  `long:"config" env:"LEOTEST_CONFIG" default:"/etc/leotest/config.ini"`
	Addr          string  `long:"address" env:"LEOTEST_ADDRESS"`
	JWTSecret     string  `long:"jwt-secret" env:"LEOTEST_JWT_SECRET"`
	RedisAddr     string  `long:"redis-address" env:"LEOTEST_REDIS_ADDRESS"`
	RedisPassword string  `long:"redis-password" env:"LEOTEST_REDIS_PASSWORD"`
	RedisDB       int     `long:"redis-db" env:"LEOTEST_REDIS_DB"`
	ArtifactRoot  string  `long:"artifact-root" env:"LEOTEST_ARTIFACT_ROOT"`
	S3Bucket      string  `long:"s3-bucket" env:"LEOTEST_S3_BUCKET"`
	S3Region      string  `long:"s3-region" env:"LEOTEST_S3_REGION"`
	S3Endpoint    string  `long:"s3-endpoint" env:"LEOTEST_S3_ENDPOINT"`
	MaxConcurrent int     `long:"max-concurrent" env:"LEOTEST_MAX_CONCURRENT"`
	RatePerSec    float64 `long:"rate-per-sec" env:"LEOTEST_RATE_PER_SEC"`
	RateBurst     int     `long:"rate-burst" env:"LEOTEST_RATE_BURST"`
	LogLevel      string  `long:"log-level" env:"LEOTEST_LOG_LEVEL"`

	Logger core.Logger

	server *coordinator.Server
	st     store.Store
	done   chan os.Signal
}

// Execute runs the daemon until a termination signal arrives.
func (c *CoordinatorCommand) Execute(_ []string) error {
	if err := c.boot(); err != nil {
		return err
	}
	if err := c.server.Start(); err != nil {
		return err
	}
	return c.shutdown()
}

func (c *CoordinatorCommand) boot() error {
	ApplyLogLevel(c.LogLevel)
	cfg, err := LoadFileConfig(c.ConfigFile, c.Logger)
	if err != nil {
		return err
	}
	c.applySettings(&cfg.Coordinator)
	if c.LogLevel == "" {
		ApplyLogLevel(cfg.Global.LogLevel)
	}
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.JWTSecret == "" {
		c.Logger.Warningf("no jwt secret configured, signed-token login disabled")
	}

	if c.RedisAddr != "" {
		c.st = store.NewRedis(c.RedisAddr, c.RedisPassword, c.RedisDB, c.Logger)
		c.Logger.Noticef("using redis store at %s", c.RedisAddr)
	} else {
		c.st = store.NewMemory()
		c.Logger.Warningf("using in-memory store, state is lost on restart")
	}

	blobs, err := c.buildBlobStore()
	if err != nil {
		return err
	}

	c.server = coordinator.NewServer(coordinator.Config{
		Addr:          c.Addr,
		JWTSecret:     c.JWTSecret,
		MaxConcurrent: c.MaxConcurrent,
		RatePerSec:    c.RatePerSec,
		RateBurst:     c.RateBurst,
	}, c.st, blobs, metrics.NewRecorder(), c.Logger, core.NewRealClock())

	c.done = make(chan os.Signal, 1)
	signal.Notify(c.done, syscall.SIGINT, syscall.SIGTERM)
	return nil
}

func (c *CoordinatorCommand) buildBlobStore() (blob.Store, error) {
	if c.S3Bucket != "" {
		s3, err := blob.NewS3(c.S3Bucket, c.S3Region, c.S3Endpoint)
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
		c.Logger.Noticef("artifacts go to s3 bucket %s", c.S3Bucket)
		return s3, nil
	}
	root := c.ArtifactRoot
	if root == "" {
		root = "/var/lib/leotest/artifacts"
	}
	local, err := blob.NewLocal(root)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	c.Logger.Noticef("artifacts go to %s", root)
	return local, nil
}

func (c *CoordinatorCommand) shutdown() error {
	sig := <-c.done
	c.Logger.Noticef("received %s, shutting down", sig)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.server.Shutdown(ctx); err != nil {
		c.Logger.Errorf("shutdown: %v", err)
	}
	return c.st.Close()
}

// applySettings fills unset flags from the config file; flags win.
func (c *CoordinatorCommand) applySettings(s *CoordinatorSettings) {
	if c.Addr == "" {
		c.Addr = s.Address
	}
	if c.JWTSecret == "" {
		c.JWTSecret = s.JWTSecret
	}
	if c.RedisAddr == "" {
		c.RedisAddr = s.RedisAddress
	}
	if c.RedisPassword == "" {
		c.RedisPassword = s.RedisPassword
	}
	if c.RedisDB == 0 {
		c.RedisDB = s.RedisDB
	}
	if c.ArtifactRoot == "" {
		c.ArtifactRoot = s.ArtifactRoot
	}
	if c.S3Bucket == "" {
		c.S3Bucket = s.S3Bucket
	}
	if c.S3Region == "" {
		c.S3Region = s.S3Region
	}
	if c.S3Endpoint == "" {
		c.S3Endpoint = s.S3Endpoint
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = s.MaxConcurrent
	}
	if c.RatePerSec == 0 {
		c.RatePerSec = s.RatePerSec
	}
	if c.RateBurst == 0 {
		c.RateBurst = s.RateBurst
	}
}
