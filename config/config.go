// Package config loads settings from .env, the environment, an optional
// YAML file and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"scuffedchat/bus"
	"scuffedchat/database"
	"scuffedchat/handlers"
)

const envPrefix = "SCUFFEDCHAT"

type Config struct {
	HTTP      HTTPConfig               `mapstructure:"http"`
	Database  database.Config          `mapstructure:"database"`
	Redis     RedisConfig              `mapstructure:"redis"`
	Presence  PresenceConfig           `mapstructure:"presence"`
	NATS      bus.NATSConfig           `mapstructure:"nats"`
	Node      NodeConfig               `mapstructure:"node"`
	Auth      AuthConfig               `mapstructure:"auth"`
	WebSocket handlers.WebSocketConfig `mapstructure:"websocket"`
	Log       LogConfig                `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	StaticDir       string        `mapstructure:"static_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig selects the shared presence store. An empty URL keeps
// presence in process memory and disables OTP.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// PresenceConfig tunes node liveness on the shared presence store. A node
// that misses its heartbeat for NodeTTL is swept by the others.
type PresenceConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	NodeTTL           time.Duration `mapstructure:"node_ttl"`
}

type NodeConfig struct {
	ID string `mapstructure:"id"`
}

type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	RequireOTP bool          `mapstructure:"require_otp"`
	OTPTTL     time.Duration `mapstructure:"otp_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("http.static_dir", "")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "scuffedchat.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.url", "")
	v.SetDefault("presence.heartbeat_interval", 10*time.Second)
	v.SetDefault("presence.node_ttl", 30*time.Second)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "scuffedchat")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("node.id", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("auth.require_otp", false)
	v.SetDefault("auth.otp_ttl", 5*time.Minute)

	v.SetDefault("websocket.ping_interval", 54*time.Second)
	v.SetDefault("websocket.pong_wait", 60*time.Second)
	v.SetDefault("websocket.write_wait", 10*time.Second)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.max_message_size", 16*1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "production")
}

// legacyEnv are unprefixed variable names honoured for existing deployments
var legacyEnv = map[string]string{
	"http.addr":       "PORT",
	"database.dsn":    "DATABASE_URL",
	"redis.url":       "REDIS_URL",
	"nats.url":        "NATS_URL",
	"auth.jwt_secret": "JWT_SECRET",
}

// Load reads the configuration. args are the command-line arguments without
// the program name.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	flags := pflag.NewFlagSet("scuffedchat", pflag.ContinueOnError)
	configFile := flags.String("config", "", "path to a YAML config file")
	flags.String("addr", "", "HTTP listen address (e.g. :8080)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, err
		}
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.BindPFlag("http.addr", flags.Lookup("addr")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("log.level", flags.Lookup("log-level")); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	// PORT carries a bare port number.
	if c.HTTP.Addr != "" && !strings.Contains(c.HTTP.Addr, ":") {
		c.HTTP.Addr = ":" + c.HTTP.Addr
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required (set SCUFFEDCHAT_AUTH_JWT_SECRET or JWT_SECRET)")
	}

	if c.Node.ID == "" {
		c.Node.ID = uuid.NewString()
	}
	if strings.ContainsAny(c.Node.ID, ":. *>") {
		return fmt.Errorf("node.id %q must not contain ':', '.', spaces or NATS wildcards", c.Node.ID)
	}

	if c.Presence.HeartbeatInterval <= 0 {
		return errors.New("presence.heartbeat_interval must be positive")
	}
	if c.Presence.NodeTTL <= c.Presence.HeartbeatInterval {
		return fmt.Errorf("presence.node_ttl (%s) must exceed presence.heartbeat_interval (%s)",
			c.Presence.NodeTTL, c.Presence.HeartbeatInterval)
	}

	if c.Auth.RequireOTP && c.Redis.URL == "" {
		return errors.New("auth.require_otp needs redis.url")
	}

	c.WebSocket.AllowedOrigins = c.HTTP.AllowedOrigins
	return nil
}
