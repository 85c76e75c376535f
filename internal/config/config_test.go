package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultChain, cfg.DefaultChain)
	assert.Equal(t, DefaultTTL, cfg.EscrowDefaultTTL)
	assert.Equal(t, MinTTL, cfg.EscrowMinTTL)
	assert.Equal(t, MaxTTL, cfg.EscrowMaxTTL)
	assert.Equal(t, DefaultMaxAttempts, cfg.SettleMaxAttempts)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("ESCROW_DEFAULT_TTL", "2h")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("SETTLE_MAX_ATTEMPTS", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 2*time.Hour, cfg.EscrowDefaultTTL)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 3, cfg.SettleMaxAttempts)
}

func TestLoad_BadDuration_FallsBack(t *testing.T) {
	t.Setenv("ESCROW_DEFAULT_TTL", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, cfg.EscrowDefaultTTL)
}

func TestValidate_TTLOutOfBounds(t *testing.T) {
	t.Setenv("ESCROW_DEFAULT_TTL", "200h")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ESCROW_DEFAULT_TTL")
}

func TestParseChainRPCs(t *testing.T) {
	rpcs := parseChainRPCs("base=https://mainnet.base.org, Ethereum=https://eth.example.com,bogus,=nope")
	assert.Equal(t, map[string]string{
		"base":     "https://mainnet.base.org",
		"ethereum": "https://eth.example.com",
	}, rpcs)

	assert.Empty(t, parseChainRPCs(""))
}
