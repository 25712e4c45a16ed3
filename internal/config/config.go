// Package config loads the simex configuration from yaml and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the application configuration tree.
type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	WS       WSConfig       `mapstructure:"websocket"`
	Database DatabaseConfig `mapstructure:"database"`
	Session  SessionConfig  `mapstructure:"session"`
	Market   MarketConfig   `mapstructure:"market"`
}

// HTTPConfig configures the gin API server.
type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// Addr returns the listen address.
func (c HTTPConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// WSConfig configures the websocket broadcast layer.
type WSConfig struct {
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	SendQueueSize   int           `mapstructure:"send_queue_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig configures the write-behind audit writer. Disabled means
// history is dropped, which is fine for ad-hoc classroom runs.
type DatabaseConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	DSN           string        `mapstructure:"dsn"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	QueueSize     int           `mapstructure:"queue_size"`
}

// SessionConfig carries session-level engine policy.
type SessionConfig struct {
	StartingCash            decimal.Decimal `mapstructure:"starting_cash"`
	Leverage                decimal.Decimal `mapstructure:"leverage"`
	CommissionRate          decimal.Decimal `mapstructure:"commission_rate"`
	AcceptOrdersWhilePaused bool            `mapstructure:"accept_orders_while_paused"`
	LiquidateOnEnd          bool            `mapstructure:"liquidate_on_end"`
}

// MarketConfig configures the price evolution process.
type MarketConfig struct {
	TickInterval time.Duration   `mapstructure:"tick_interval"`
	Volatility   decimal.Decimal `mapstructure:"volatility"` // stddev per tick, as a fraction of price
	Seed         int64           `mapstructure:"seed"`       // 0 means time-seeded
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.send_queue_size", 256)
	v.SetDefault("websocket.ping_interval", 30*time.Second)
	v.SetDefault("websocket.pong_timeout", 60*time.Second)
	v.SetDefault("websocket.write_timeout", 10*time.Second)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.batch_size", 200)
	v.SetDefault("database.flush_interval", 500*time.Millisecond)
	v.SetDefault("database.queue_size", 10000)

	v.SetDefault("session.starting_cash", "100000")
	v.SetDefault("session.leverage", "1")
	v.SetDefault("session.commission_rate", "0")
	v.SetDefault("session.accept_orders_while_paused", false)
	v.SetDefault("session.liquidate_on_end", true)

	v.SetDefault("market.tick_interval", 1*time.Second)
	v.SetDefault("market.volatility", "0.002")
	v.SetDefault("market.seed", 0)
}

// Load reads configuration from the given file (optional) with SIMEX_
// environment overrides applied on top of defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SIMEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// The custom hook composes with viper's defaults; replacing the chain
	// outright would drop string-to-duration decoding.
	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
