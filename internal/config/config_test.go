package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withClearedDataDirEnv(t *testing.T) {
	t.Helper()
	originalTraderDataDir, hadTrader := os.LookupEnv("TRADER_DATA_DIR")
	originalDataDir, hadData := os.LookupEnv("DATA_DIR")
	t.Cleanup(func() {
		if hadTrader {
			os.Setenv("TRADER_DATA_DIR", originalTraderDataDir)
		} else {
			os.Unsetenv("TRADER_DATA_DIR")
		}
		if hadData {
			os.Setenv("DATA_DIR", originalDataDir)
		} else {
			os.Unsetenv("DATA_DIR")
		}
	})
	os.Unsetenv("TRADER_DATA_DIR")
	os.Unsetenv("DATA_DIR")
}

func TestLoad_DataDir_FromTRADER_DATA_DIR(t *testing.T) {
	withClearedDataDirEnv(t)
	tmpDir := t.TempDir()
	os.Setenv("TRADER_DATA_DIR", tmpDir)

	cfg, err := Load()
	require.NoError(t, err)

	absPath, err := filepath.Abs(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, absPath, cfg.DataDir)
}

func TestLoad_DataDir_TRADER_DATA_DIRTakesPrecedenceOverDATA_DIR(t *testing.T) {
	withClearedDataDirEnv(t)
	traderDir := t.TempDir()
	oldDir := t.TempDir()
	os.Setenv("TRADER_DATA_DIR", traderDir)
	os.Setenv("DATA_DIR", oldDir)

	cfg, err := Load()
	require.NoError(t, err)

	absPath, err := filepath.Abs(traderDir)
	require.NoError(t, err)
	assert.Equal(t, absPath, cfg.DataDir)
	assert.NotEqual(t, oldDir, cfg.DataDir)
}

func TestLoad_DataDir_CLIFlagTakesPrecedence(t *testing.T) {
	withClearedDataDirEnv(t)
	envDir := t.TempDir()
	os.Setenv("TRADER_DATA_DIR", envDir)

	cliDir := t.TempDir()
	cfg, err := Load(cliDir)
	require.NoError(t, err)

	absPath, err := filepath.Abs(cliDir)
	require.NoError(t, err)
	assert.Equal(t, absPath, cfg.DataDir)
	assert.NotEqual(t, envDir, cfg.DataDir)
}

func TestLoad_DataDir_CLIFlagEmptyStringFallsBackToEnv(t *testing.T) {
	withClearedDataDirEnv(t)
	envDir := t.TempDir()
	os.Setenv("TRADER_DATA_DIR", envDir)

	cfg, err := Load("")
	require.NoError(t, err)

	absPath, err := filepath.Abs(envDir)
	require.NoError(t, err)
	assert.Equal(t, absPath, cfg.DataDir)
}

func TestLoad_DataDir_CreatesDirectoryIfNeeded(t *testing.T) {
	withClearedDataDirEnv(t)
	tmpDir := filepath.Join(t.TempDir(), "new-data-dir")
	os.Setenv("TRADER_DATA_DIR", tmpDir)

	cfg, err := Load()
	require.NoError(t, err)

	info, err := os.Stat(cfg.DataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLoad_EnvironmentVariableDefaults(t *testing.T) {
	withClearedDataDirEnv(t)
	os.Setenv("TRADER_DATA_DIR", t.TempDir())
	os.Unsetenv("SESSION_TIMEOUT_SECONDS")
	os.Unsetenv("SESSION_EXTENSION_THRESHOLD")
	os.Unsetenv("WS_HEARTBEAT_INTERVAL")
	os.Unsetenv("METRICS_PORT")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3600, cfg.SessionTimeoutSeconds)
	assert.Equal(t, 1800, cfg.SessionExtensionThreshold)
	assert.Equal(t, 10, int(cfg.WSHeartbeatInterval.Seconds()))
	assert.Equal(t, 9100, cfg.MetricsPort)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.R2Configured())
}

func TestLoad_EnvironmentVariableOverrides(t *testing.T) {
	withClearedDataDirEnv(t)
	os.Setenv("TRADER_DATA_DIR", t.TempDir())
	os.Setenv("SESSION_TIMEOUT_SECONDS", "120")
	os.Setenv("GO_PORT", "9999")
	os.Setenv("DEV_MODE", "true")
	defer func() {
		os.Unsetenv("SESSION_TIMEOUT_SECONDS")
		os.Unsetenv("GO_PORT")
		os.Unsetenv("DEV_MODE")
	}()

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.SessionTimeoutSeconds)
	assert.Equal(t, 9999, cfg.Port)
	assert.True(t, cfg.DevMode)
}

func TestR2Configured(t *testing.T) {
	withClearedDataDirEnv(t)
	os.Setenv("TRADER_DATA_DIR", t.TempDir())
	os.Setenv("R2_ACCOUNT_ID", "acct")
	os.Setenv("R2_ACCESS_KEY_ID", "key")
	os.Setenv("R2_SECRET_ACCESS_KEY", "secret")
	os.Setenv("R2_BUCKET", "bucket")
	defer func() {
		os.Unsetenv("R2_ACCOUNT_ID")
		os.Unsetenv("R2_ACCESS_KEY_ID")
		os.Unsetenv("R2_SECRET_ACCESS_KEY")
		os.Unsetenv("R2_BUCKET")
	}()

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.R2Configured())
}
