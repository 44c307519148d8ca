package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leoscope/leotest/core"
)

func TestLoadFileConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(path, []byte(`
[global]
log-level = debug

[coordinator]
address = :9090
jwt-secret = hunter2
redis-address = 127.0.0.1:6379
rate-per-sec = 25

[agent]
node-id = node-a
server-url = http://coordinator:9090
tick-interval = 15s
weather-url = http://weather.local/v1/now
`), 0o600))

	cfg, err := LoadFileConfig(path, &core.SimpleLogger{})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Global.LogLevel)
	assert.Equal(t, ":9090", cfg.Coordinator.Address)
	assert.Equal(t, "hunter2", cfg.Coordinator.JWTSecret)
	assert.Equal(t, 25.0, cfg.Coordinator.RatePerSec)
	assert.Equal(t, "node-a", cfg.Agent.NodeID)
	assert.Equal(t, 15*time.Second, cfg.Agent.TickInterval)
	assert.Equal(t, "http://weather.local/v1/now", cfg.Agent.WeatherURL)
}

func TestLoadFileConfigMissingFile(t *testing.T) {
	cfg, err := LoadFileConfig("/nonexistent/config.ini", &core.SimpleLogger{})
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Coordinator.Address)
}

func TestCoordinatorFlagsOverrideFile(t *testing.T) {
	cmd := &CoordinatorCommand{Addr: ":7070", Logger: &core.SimpleLogger{}}
	cmd.applySettings(&CoordinatorSettings{Address: ":9090", JWTSecret: "from-file"})
	assert.Equal(t, ":7070", cmd.Addr)
	assert.Equal(t, "from-file", cmd.JWTSecret)
}

func TestAgentFlagsOverrideFile(t *testing.T) {
	cmd := &AgentCommand{NodeID: "cli-node", Logger: &core.SimpleLogger{}}
	cmd.applySettings(&AgentSettings{NodeID: "file-node", ServerURL: "http://file:8080"})
	assert.Equal(t, "cli-node", cmd.NodeID)
	assert.Equal(t, "http://file:8080", cmd.ServerURL)
}
