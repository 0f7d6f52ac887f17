package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	configFile, listenAddr, httpAddr, framingMode, logLevel = "", "", "", "", ""

	cmd := &cobra.Command{Use: "roomchat-test"}
	cmd.Flags().StringVar(&configFile, "config", "", "")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "")
	cmd.Flags().StringVar(&httpAddr, "http", "", "")
	cmd.Flags().StringVar(&framingMode, "framing", "", "")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "")
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(newTestCommand(t))
	require.NoError(t, err)

	assert.Equal(t, ":9340", cfg.Listen)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "line", cfg.Framing)
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":7000"
max_sessions: 4
default_room: General
rate_limit:
  burst: 9
  refill_interval: 3s
`), 0o600))

	t.Setenv("CHAT_LISTEN_ADDR", ":7001")
	t.Setenv("CHAT_MAX_ROOMS", "8")

	cmd := newTestCommand(t, "--config", path, "--listen", ":7002", "--http", "", "--framing", "read", "--log-level", "debug")
	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, ":7002", cfg.Listen, "flag beats env and file")
	assert.Equal(t, "", cfg.HTTP.Addr, "explicit empty flag disables the gateway")
	assert.Equal(t, 4, cfg.MaxSessions)
	assert.Equal(t, 8, cfg.MaxRooms)
	assert.Equal(t, "General", cfg.DefaultRoom)
	assert.Equal(t, 9, cfg.RateLimit.Burst)
	assert.Equal(t, 3*time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, "read", cfg.Framing)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigRejectsUnknownFraming(t *testing.T) {
	_, err := loadConfig(newTestCommand(t, "--framing", "chunked"))
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(newTestCommand(t, "--config", filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Error(t, err)
}

func TestReportErrorUsesLogger(t *testing.T) {
	var buf bytes.Buffer
	reportError(&buf, errors.New("failed to load config: boom"))

	out := buf.String()
	assert.Contains(t, out, "roomchat exited")
	assert.Contains(t, out, "failed to load config: boom")
	assert.Contains(t, out, "main")
}
