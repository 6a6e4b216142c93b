package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/tuya-gateway/internal/infrastructure/config"
)

// execute runs the command with args and returns the config path and the
// configuration run would have received.
func execute(t *testing.T, args ...string) (string, *config.Config) {
	t.Helper()

	var (
		gotPath string
		cfg     = config.Default()
	)
	cmd := newCommand(func(_ context.Context, path string, overrides ...func(*config.Config)) error {
		gotPath = path
		for _, o := range overrides {
			o(cfg)
		}
		return nil
	})
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	return gotPath, cfg
}

func TestRootCmd_FlagOverrides(t *testing.T) {
	path, cfg := execute(t,
		"--config", "/etc/tuyagateway.yaml",
		"--loglevel", "debug",
		"--host", "broker.lan",
		"--port", "8883",
		"--user", "gw",
		"--password", "secret",
	)

	assert.Equal(t, "/etc/tuyagateway.yaml", path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "broker.lan", cfg.MQTT.Broker.Host)
	assert.Equal(t, 8883, cfg.MQTT.Broker.Port)
	assert.Equal(t, "gw", cfg.MQTT.Auth.Username)
	assert.Equal(t, "secret", cfg.MQTT.Auth.Password)
}

func TestRootCmd_UnsetFlagsKeepConfig(t *testing.T) {
	want := config.Default()
	path, cfg := execute(t, "--host", "broker.lan")

	assert.Empty(t, path)
	assert.Equal(t, "broker.lan", cfg.MQTT.Broker.Host)
	assert.Equal(t, want.MQTT.Broker.Port, cfg.MQTT.Broker.Port)
	assert.Equal(t, want.Logging.Level, cfg.Logging.Level)
	assert.Equal(t, want.MQTT.Auth, cfg.MQTT.Auth)
}

func TestRootCmd_RejectsArgs(t *testing.T) {
	cmd := newCommand(func(context.Context, string, ...func(*config.Config)) error {
		t.Fatal("run should not be called")
		return nil
	})
	cmd.SetArgs([]string{"extra"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.Error(t, cmd.Execute())
}

func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, "/nonexistent/path/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

func TestRun_InvalidOverride(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, "", func(c *config.Config) { c.MQTT.Broker.Port = 0 })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mqtt.broker.port")
}

// An unreachable broker at startup is fatal.
func TestRun_BrokerUnreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the MQTT connect timeout")
	}

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
database:
  path: "` + filepath.Join(dir, "gateway.db") + `"
mqtt:
  broker:
    host: "127.0.0.1"
    port: 1
logging:
  level: error
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := run(ctx, configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to MQTT")
}
