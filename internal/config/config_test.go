package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFromPathMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	require.Equal(t, "development", cfg.Environment)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 12, cfg.Credentials.BcryptCost)
	require.Equal(t, int64(100), cfg.Deposits.MinAmount)
	require.Equal(t, 18, cfg.Chain.TokenDecimals)
	require.False(t, cfg.RateLimit.FailOpen)
}

func TestLoadFromPathYAMLAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  read_timeout: 5s
chain:
  token_decimals: 6
`), 0o644))

	t.Setenv("CHAIN_TOKEN_DECIMALS", "8")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	// Environment wins over the file.
	require.Equal(t, 8, cfg.Chain.TokenDecimals)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Credentials.BcryptCost = 4
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Deposits.MinAmount = 500
	cfg.Deposits.MaxAmount = 100
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Environment = "production"
	cfg.Deposits.AllowUnverified = true
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Chain.TokenDecimals = 99
	require.Error(t, cfg.Validate())

	require.NoError(t, base().Validate())
}
