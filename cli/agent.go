package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leoscope/leotest/agent"
	"github.com/leoscope/leotest/api"
	"github.com/leoscope/leotest/blob"
	"github.com/leoscope/leotest/core"
	"github.com/leoscope/leotest/executor"
	"github.com/leoscope/leotest/metrics"
	"github.com/leoscope/leotest/monitor"
	"github.com/leoscope/leotest/trigger"
)

// AgentCommand runs the node agent daemon.
type AgentCommand struct {
	ConfigFile   string        `long:"config" env:"LEOTEST_CONFIG" default:"/etc/leotest/config.ini"`
	NodeID       string        `long:"node-id" env:"LEOTEST_NODE_ID"`
	ServerURL    string        `long:"server" env:"LEOTEST_SERVER_URL"`
	Token        string        `long:"token" env:"LEOTEST_TOKEN"`
	WorkDir      string        `long:"workdir" env:"LEOTEST_WORKDIR"`
	TickInterval time.Duration `long:"tick-interval" env:"LEOTEST_TICK_INTERVAL"`
	PollInterval time.Duration `long:"poll-interval" env:"LEOTEST_POLL_INTERVAL"`
	ArtifactRoot string        `long:"artifact-root" env:"LEOTEST_ARTIFACT_ROOT"`
	S3Bucket     string        `long:"s3-bucket" env:"LEOTEST_S3_BUCKET"`
	S3Region     string        `long:"s3-region" env:"LEOTEST_S3_REGION"`
	S3Endpoint   string        `long:"s3-endpoint" env:"LEOTEST_S3_ENDPOINT"`
	WeatherURL   string        `long:"weather-url" env:"LEOTEST_WEATHER_URL"`
	TelemetryURL string        `long:"telemetry-url" env:"LEOTEST_TELEMETRY_URL"`
	ConfigKey    string        `long:"config-blob-key" env:"LEOTEST_CONFIG_BLOB_KEY" description:"blob key holding a config document fallback"`
	MetricsAddr  string        `long:"metrics-address" env:"LEOTEST_METRICS_ADDRESS"`
	LogLevel     string        `long:"log-level" env:"LEOTEST_LOG_LEVEL"`

	Logger core.Logger

	agent    *agent.Agent
	monitors *monitor.Runner
	provider *executor.DockerProvider
	done     chan os.Signal
}

// Execute runs the agent until a termination signal arrives.
func (c *AgentCommand) Execute(_ []string) error {
	ctx := context.Background()
	if err := c.boot(); err != nil {
		return err
	}
	c.monitors.Start(ctx)
	if err := c.agent.Start(ctx); err != nil {
		return err
	}
	return c.shutdown()
}

func (c *AgentCommand) boot() error {
	ApplyLogLevel(c.LogLevel)
	cfg, err := LoadFileConfig(c.ConfigFile, c.Logger)
	if err != nil {
		return err
	}
	c.applySettings(&cfg.Agent)
	if c.LogLevel == "" {
		ApplyLogLevel(cfg.Global.LogLevel)
	}
	if c.NodeID == "" {
		return fmt.Errorf("node id is required")
	}
	if c.ServerURL == "" {
		return fmt.Errorf("coordinator url is required")
	}
	if c.WorkDir == "" {
		c.WorkDir = "/var/lib/leotest/work"
	}

	client := api.NewClient(c.ServerURL, c.NodeID, c.Token, api.WithLogger(c.Logger))
	c.provider, err = executor.NewDockerProvider()
	if err != nil {
		return err
	}
	blobs, err := c.buildBlobStore()
	if err != nil {
		return err
	}

	snap := trigger.NewSnapshot()
	c.monitors = monitor.NewRunner(snap, c.Logger, core.NewRealClock(), c.buildSources()...)

	rec := metrics.NewRecorder()
	if c.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", rec.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
				fmt.Fprintln(w, "ok")
			})
			if err := http.ListenAndServe(c.MetricsAddr, mux); err != nil {
				c.Logger.Errorf("metrics server: %v", err)
			}
		}()
	}

	exec := executor.New(executor.Config{
		NodeID:       c.NodeID,
		WorkDir:      c.WorkDir,
		PollInterval: c.PollInterval,
	}, c.provider, client, blobs, snap, rec, c.Logger, core.NewRealClock())

	c.agent = agent.New(agent.Config{
		NodeID:         c.NodeID,
		TickInterval:   c.TickInterval,
		ConfigFallback: c.configFallback(blobs),
	}, client, exec, c.Logger, core.NewRealClock())

	c.done = make(chan os.Signal, 1)
	signal.Notify(c.done, syscall.SIGINT, syscall.SIGTERM)
	return nil
}

func (c *AgentCommand) buildBlobStore() (blob.Store, error) {
	if c.S3Bucket != "" {
		s3, err := blob.NewS3(c.S3Bucket, c.S3Region, c.S3Endpoint)
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
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
	return local, nil
}

// configFallback reads the global configuration document from the blob
// store when the coordinator is unreachable at startup.
func (c *AgentCommand) configFallback(blobs blob.Store) func(ctx context.Context) (map[string]interface{}, error) {
	if c.ConfigKey == "" {
		return nil
	}
	return func(ctx context.Context) (map[string]interface{}, error) {
		rc, err := blobs.Get(ctx, c.ConfigKey)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		var doc map[string]interface{}
		if err := json.NewDecoder(rc).Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode config document: %w", err)
		}
		return doc, nil
	}
}

// buildSources assembles the monitors configured for this node. Terminal
// telemetry carries the satellite keys on dish-equipped nodes, so no
// separate ephemeris source is wired here.
func (c *AgentCommand) buildSources() []monitor.Source {
	var sources []monitor.Source
	if c.WeatherURL != "" {
		sources = append(sources, monitor.NewWeatherSource(c.WeatherURL, time.Minute))
	}
	if c.TelemetryURL != "" {
		sources = append(sources, monitor.NewTelemetrySource(httpProbe(c.TelemetryURL), time.Second))
	}
	return sources
}

// httpProbe polls a local JSON endpoint, keeping the scalar fields.
func httpProbe(url string) func(ctx context.Context) (map[string]interface{}, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) (map[string]interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("telemetry endpoint: status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, err
		}
		out := make(map[string]interface{}, len(doc))
		for k, v := range doc {
			switch v.(type) {
			case float64, string, bool:
				out[k] = v
			}
		}
		return out, nil
	}
}

func (c *AgentCommand) shutdown() error {
	sig := <-c.done
	c.Logger.Noticef("received %s, shutting down", sig)
	c.agent.Shutdown()
	c.monitors.Shutdown()
	return c.provider.Close()
}

func (c *AgentCommand) applySettings(s *AgentSettings) {
	if c.NodeID == "" {
		c.NodeID = s.NodeID
	}
	if c.ServerURL == "" {
		c.ServerURL = s.ServerURL
	}
	if c.Token == "" {
		c.Token = s.Token
	}
	if c.WorkDir == "" {
		c.WorkDir = s.WorkDir
	}
	if c.TickInterval == 0 {
		c.TickInterval = s.TickInterval
	}
	if c.PollInterval == 0 {
		c.PollInterval = s.PollInterval
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
	if c.WeatherURL == "" {
		c.WeatherURL = s.WeatherURL
	}
	if c.TelemetryURL == "" {
		c.TelemetryURL = s.TelemetryURL
	}
	if c.ConfigKey == "" {
		c.ConfigKey = s.ConfigBlobKey
	}
}
