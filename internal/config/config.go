// Package config loads relay settings from defaults, an optional YAML
// file, ADYX_* environment variables and command-line flags, in rising
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pliu/adyx/internal/admission"
	"github.com/pliu/adyx/internal/rooms"
	"github.com/pliu/adyx/internal/ws"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "ADYX"

const maxPayloadCeiling = 64 << 20

type Config struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	AllowNoOrigin   bool          `mapstructure:"allow_no_origin"`
	MaxPayloadBytes int64         `mapstructure:"max_payload_bytes"`
	TrustProxy      bool          `mapstructure:"trust_proxy"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	MaxRoomLifetime   time.Duration `mapstructure:"max_room_lifetime"`
	EmptyRoomTTL      time.Duration `mapstructure:"empty_room_ttl"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`

	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	CreatesPerMinute  int     `mapstructure:"creates_per_minute"`
	JoinsPerMinute    int     `mapstructure:"joins_per_minute"`
	MaxConnsPerSource int     `mapstructure:"max_conns_per_source"`

	TicketKey string        `mapstructure:"ticket_key"`
	TicketTTL time.Duration `mapstructure:"ticket_ttl"`

	LockoutDB DBConfig  `mapstructure:"lockout_db"`
	Log       LogConfig `mapstructure:"log"`
}

// DBConfig selects the lockout store. An empty driver keeps lockouts in
// memory only.
type DBConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("allow_no_origin", true)
	v.SetDefault("max_payload_bytes", 10<<20)
	v.SetDefault("trust_proxy", false)
	v.SetDefault("shutdown_timeout", "10s")

	v.SetDefault("heartbeat_interval", "30s")
	v.SetDefault("idle_timeout", "30m")
	v.SetDefault("max_room_lifetime", "24h")
	v.SetDefault("empty_room_ttl", "10m")
	v.SetDefault("sweep_interval", "30s")

	v.SetDefault("messages_per_second", 30)
	v.SetDefault("creates_per_minute", 5)
	v.SetDefault("joins_per_minute", 10)
	v.SetDefault("max_conns_per_source", 10)

	v.SetDefault("ticket_key", "")
	v.SetDefault("ticket_ttl", "2m")

	v.SetDefault("lockout_db.driver", "")
	v.SetDefault("lockout_db.dsn", "")

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("addr", ":8080", "HTTP listen address")
	fs.StringSlice("allowed-origins", []string{"*"}, "Origins allowed to open sockets (* for any)")
	fs.Int64("max-payload-bytes", 10<<20, "Largest accepted frame in bytes")
	fs.Bool("trust-proxy", false, "Take the client address from X-Forwarded-For")
	fs.String("lockout-db-driver", "", "Lockout store driver: sqlite3 or postgres (empty keeps lockouts in memory)")
	fs.String("lockout-db-dsn", "", "Lockout store data source name")
	fs.Bool("dev", false, "Human-readable development logging")
	fs.String("log-level", "info", "Minimum log level")

	for key, flag := range map[string]string{
		"addr":              "addr",
		"allowed_origins":   "allowed-origins",
		"max_payload_bytes": "max-payload-bytes",
		"trust_proxy":       "trust-proxy",
		"lockout_db.driver": "lockout-db-driver",
		"lockout_db.dsn":    "lockout-db-dsn",
		"log.development":   "dev",
		"log.level":         "log-level",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

// Load parses args (without the program name) and returns a validated
// configuration.
func Load(args []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fs := pflag.NewFlagSet("adyx", pflag.ContinueOnError)
	configPath := fs.String("config", "", "Path to a YAML config file")
	if err := bindFlags(v, fs); err != nil {
		return nil, err
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		v.SetConfigFile(*configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.MaxPayloadBytes <= 0 || c.MaxPayloadBytes > maxPayloadCeiling {
		errs = append(errs, fmt.Errorf("max_payload_bytes must be in (0, %d]", maxPayloadCeiling))
	}
	for name, d := range map[string]time.Duration{
		"heartbeat_interval": c.HeartbeatInterval,
		"idle_timeout":       c.IdleTimeout,
		"max_room_lifetime":  c.MaxRoomLifetime,
		"empty_room_ttl":     c.EmptyRoomTTL,
		"sweep_interval":     c.SweepInterval,
		"ticket_ttl":         c.TicketTTL,
		"shutdown_timeout":   c.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.MessagesPerSecond <= 0 {
		errs = append(errs, errors.New("messages_per_second must be positive"))
	}
	if c.CreatesPerMinute <= 0 || c.JoinsPerMinute <= 0 || c.MaxConnsPerSource <= 0 {
		errs = append(errs, errors.New("creates_per_minute, joins_per_minute and max_conns_per_source must be positive"))
	}
	if c.TicketKey != "" && len(c.TicketKey) < 32 {
		errs = append(errs, errors.New("ticket_key must be at least 32 bytes"))
	}
	switch c.LockoutDB.Driver {
	case "", "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported lockout_db.driver %q", c.LockoutDB.Driver))
	}
	if c.LockoutDB.Driver != "" && c.LockoutDB.DSN == "" {
		errs = append(errs, errors.New("lockout_db.dsn is required when a driver is set"))
	}
	return errors.Join(errs...)
}

func (c *Config) Rooms() rooms.Config {
	cfg := rooms.DefaultConfig()
	cfg.IdleTimeout = c.IdleTimeout
	cfg.MaxLifetime = c.MaxRoomLifetime
	cfg.EmptyRoomTTL = c.EmptyRoomTTL
	return cfg
}

func (c *Config) Relay() ws.Config {
	cfg := ws.DefaultConfig()
	cfg.MaxPayloadBytes = c.MaxPayloadBytes
	cfg.MessagesPerSecond = c.MessagesPerSecond
	cfg.HeartbeatInterval = c.HeartbeatInterval
	cfg.SweepInterval = c.SweepInterval
	return cfg
}

func (c *Config) Admission() admission.Config {
	cfg := admission.DefaultConfig()
	cfg.CreatesPerWindow = c.CreatesPerMinute
	cfg.JoinsPerWindow = c.JoinsPerMinute
	cfg.Window = time.Minute
	cfg.MaxConnsPerSource = c.MaxConnsPerSource
	cfg.AllowedOrigins = c.AllowedOrigins
	cfg.AllowNoOrigin = c.AllowNoOrigin
	return cfg
}
