package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Signaling.IQTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Signaling.CandidateSendDelay)
	assert.Equal(t, 5*time.Second, cfg.Call.PermissionTimeout)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.RTC.ICEServers)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "xmpp_call", cfg.Metrics.Namespace)
	assert.Equal(t, "info", cfg.Log.Level)

	assert.Equal(t, cfg, Default())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callcore.yaml")
	data := []byte("signaling:\n  iq_timeout: 5s\nlog:\n  level: debug\n  console: true\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("XMPPCALL_CALL_PERMISSION_TIMEOUT", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Signaling.IQTimeout)
	assert.Equal(t, 2*time.Second, cfg.Call.PermissionTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Console)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("XMPPCALL_SIGNALING_IQ_TIMEOUT", "0s")

	_, err := Load("")
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
