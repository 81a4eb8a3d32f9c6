package cli

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adeboyed/Parliament/internal/admin"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "parliament", cmd.Use)
	assert.Equal(t, "0.1.0", cmd.Version)

	commands := cmd.Commands()
	assert.Len(t, commands, 3, "Should have 3 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}
	assert.True(t, commandNames["minister"])
	assert.True(t, commandNames["consensus"])
	assert.True(t, commandNames["status"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "", configFlag.DefValue, "no file means built-in defaults")
}

func TestBuildMinisterCommand(t *testing.T) {
	cmd := buildMinisterCommand()

	assert.Equal(t, "minister", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE)
	for _, name := range []string{"worker-addr", "user-addr", "threads", "consensus"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestBuildConsensusCommand(t *testing.T) {
	cmd := buildConsensusCommand()

	assert.Equal(t, "consensus", cmd.Use)
	masters := cmd.Flags().Lookup("masters")
	require.NotNil(t, masters)
	assert.Equal(t, "m", masters.Shorthand)
	assert.NotNil(t, cmd.Flags().Lookup("initial"))
	assert.NotNil(t, cmd.Flags().Lookup("leader"))
}

func keepLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func TestConsensusCommandNeedsOneRole(t *testing.T) {
	keepLogger(t)
	for _, args := range [][]string{
		{"consensus"},
		{"consensus", "--initial", "--leader", "127.0.0.1:3060"},
	} {
		cmd := BuildCLI()
		cmd.SetArgs(args)
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		err := cmd.Execute()
		assert.ErrorContains(t, err, "exactly one of", args)
	}
	configFile = ""
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	assert.Equal(t, "status", cmd.Use)
	assert.Contains(t, cmd.Short, "status")
	assert.NotNil(t, cmd.RunE)
	addr := cmd.Flags().Lookup("addr")
	require.NotNil(t, addr)
	assert.Equal(t, "a", addr.Shorthand)
}

func TestSetupLogging(t *testing.T) {
	keepLogger(t)
	var buf bytes.Buffer
	require.NoError(t, setupLogging(&buf, "debug"))
	assert.Error(t, setupLogging(&buf, "loud"))
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:1240", cfg.Minister.WorkerAddr)
	assert.Equal(t, "0.0.0.0:1241", cfg.Minister.UserAddr)
	assert.Equal(t, 5, cfg.Minister.TransmissionThreads)
	assert.Equal(t, 50*time.Millisecond, cfg.Minister.TickInterval)
	assert.Equal(t, 100*time.Second, cfg.Minister.UserTimeout)
	assert.Equal(t, 6, cfg.Minister.MaxMissedHeartbeats)
	assert.Equal(t, "memory", cfg.Minister.DataBackend)
	assert.Equal(t, "0.0.0.0:3060:3061:3062", cfg.Consensus.Export)
	assert.Equal(t, 2*time.Second, cfg.Consensus.HeartbeatInterval)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, 50051, cfg.Admin.Port)
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.yaml")

	configContent := `
minister:
  worker_addr: "127.0.0.1:5000"
  transmission_threads: 8
  consensus_mode: true
  tick_interval: 20ms
  data_backend: redis
  redis:
    addr: "redis:6379"
    db: 2

consensus:
  initial: true
  masters:
    - "10.0.0.2:1240:1241"
    - "10.0.0.3:1240:1241"
  heartbeat_interval: 500ms
  snapshot_path: /var/lib/parliament/leader.json

metrics:
  enabled: true
  port: 8080
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:5000", cfg.Minister.WorkerAddr)
	assert.Equal(t, "0.0.0.0:1241", cfg.Minister.UserAddr, "missing keys keep defaults")
	assert.Equal(t, 8, cfg.Minister.TransmissionThreads)
	assert.True(t, cfg.Minister.ConsensusMode)
	assert.Equal(t, 20*time.Millisecond, cfg.Minister.TickInterval)
	assert.Equal(t, "redis", cfg.Minister.DataBackend)
	assert.Equal(t, "redis:6379", cfg.Minister.Redis.Addr)
	assert.Equal(t, 2, cfg.Minister.Redis.DB)
	assert.Equal(t, "parliament", cfg.Minister.Redis.Prefix)

	assert.True(t, cfg.Consensus.Initial)
	assert.Equal(t, []string{"10.0.0.2:1240:1241", "10.0.0.3:1240:1241"}, cfg.Consensus.Masters)
	assert.Equal(t, 500*time.Millisecond, cfg.Consensus.HeartbeatInterval)
	assert.Equal(t, "/var/lib/parliament/leader.json", cfg.Consensus.SnapshotPath)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8080, cfg.Metrics.Port)
	assert.False(t, cfg.Admin.Enabled)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := loadConfig("/nonexistent/path/config.yaml")
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("minister:\n  worker_addr: [unclosed"), 0644))

	_, err := loadConfig(configPath)
	assert.ErrorContains(t, err, "failed to parse config YAML")
}

func TestLoadConfig_Validation(t *testing.T) {
	for name, content := range map[string]string{
		"unknown backend": "minister:\n  data_backend: etcd\n",
		"no threads":      "minister:\n  transmission_threads: -1\n",
	} {
		t.Run(name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "cfg.yaml")
			require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
			_, err := loadConfig(configPath)
			assert.Error(t, err)
		})
	}
}

func TestShowStatus(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := admin.NewServer(func() map[string]any {
		return map[string]any{"role": "minister", "workers": 3}
	})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, showStatus(ctx, &out, lis.Addr().String()))

	assert.Contains(t, out.String(), "role:")
	assert.Contains(t, out.String(), "minister")
	assert.Contains(t, out.String(), "workers:")
	assert.Contains(t, out.String(), "3")
}
