package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
	DriverMemory   = "memory"
)

type Config struct {
	Server    ServerConfig
	GRPC      GRPCConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Messaging MessagingConfig
	WebSocket WebSocketConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

func (c ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type GRPCConfig struct {
	Enabled           bool
	Port              int
	ReflectionEnabled bool
	ShutdownTimeout   time.Duration
}

type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN returns the connection string for the configured driver.
func (c DatabaseConfig) DSN() string {
	if c.Driver == DriverSQLite {
		return c.Path
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type MessagingConfig struct {
	MaxMessageLength int
	StoreTimeout     time.Duration
}

type WebSocketConfig struct {
	AllowedOrigins []string
	SendBuffer     int
}

type LoggingConfig struct {
	Level  string
	Format string
}

var defaults = map[string]any{
	"server.host":                  "0.0.0.0",
	"server.port":                  8080,
	"server.shutdown_timeout":      10 * time.Second,
	"grpc.enabled":                 false,
	"grpc.port":                    50055,
	"grpc.reflection_enabled":      false,
	"grpc.shutdown_timeout":        10 * time.Second,
	"database.driver":              DriverPostgres,
	"database.host":                "localhost",
	"database.port":                5432,
	"database.user":                "postgres",
	"database.password":            "postgres",
	"database.dbname":              "pyrexxbook",
	"database.sslmode":             "disable",
	"database.path":                "pyrexxbook.db",
	"database.max_open_conns":      25,
	"database.max_idle_conns":      5,
	"database.conn_max_lifetime":   5 * time.Minute,
	"auth.jwt_secret":              "",
	"auth.token_ttl":               24 * time.Hour,
	"messaging.max_message_length": 2000,
	"messaging.store_timeout":      5 * time.Second,
	"websocket.allowed_origins":    []string{},
	"websocket.send_buffer":        64,
	"logging.level":                "info",
	"logging.format":               "json",
}

// Load reads an optional .env file, then config.yaml from the given
// directories (./config and /app/config when none are given), then the
// environment. Env keys use underscores: DATABASE_DRIVER, AUTH_JWT_SECRET.
func Load(paths ...string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./config", "/app/config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		GRPC: GRPCConfig{
			Enabled:           v.GetBool("grpc.enabled"),
			Port:              v.GetInt("grpc.port"),
			ReflectionEnabled: v.GetBool("grpc.reflection_enabled"),
			ShutdownTimeout:   v.GetDuration("grpc.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(v.GetString("database.driver")),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			Path:            v.GetString("database.path"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
			TokenTTL:  v.GetDuration("auth.token_ttl"),
		},
		Messaging: MessagingConfig{
			MaxMessageLength: v.GetInt("messaging.max_message_length"),
			StoreTimeout:     v.GetDuration("messaging.store_timeout"),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: splitList(v.GetStringSlice("websocket.allowed_origins")),
			SendBuffer:     v.GetInt("websocket.send_buffer"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" && c.Database.Driver != DriverMemory {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Messaging.MaxMessageLength <= 0 {
		return fmt.Errorf("invalid messaging.max_message_length %d", c.Messaging.MaxMessageLength)
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
