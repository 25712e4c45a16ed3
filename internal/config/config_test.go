package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr())
	assert.Equal(t, 15*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.False(t, cfg.Database.Enabled)
	assert.True(t, cfg.Session.StartingCash.Equal(decimal.NewFromInt(100_000)))
	assert.True(t, cfg.Session.Leverage.Equal(decimal.NewFromInt(1)))
	assert.False(t, cfg.Session.AcceptOrdersWhilePaused)
	assert.True(t, cfg.Session.LiquidateOnEnd)
	assert.Equal(t, time.Second, cfg.Market.TickInterval)
	assert.True(t, cfg.Market.Volatility.Equal(decimal.NewFromFloat(0.002)))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simex.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
http:
  port: 9090
session:
  starting_cash: "250000"
  commission_rate: "0.0005"
  accept_orders_while_paused: true
market:
  tick_interval: 250ms
  volatility: 0.01
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.True(t, cfg.Session.StartingCash.Equal(decimal.NewFromInt(250_000)))
	assert.True(t, cfg.Session.CommissionRate.Equal(decimal.NewFromFloat(0.0005)))
	assert.True(t, cfg.Session.AcceptOrdersWhilePaused)
	assert.Equal(t, 250*time.Millisecond, cfg.Market.TickInterval)
	assert.True(t, cfg.Market.Volatility.Equal(decimal.NewFromFloat(0.01)))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
