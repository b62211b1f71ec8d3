package app

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"

	"notifyd/cmd/internal/push"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	TCPAddr  string `env:"NOTIFYD_TCP_ADDR" default:"0.0.0.0:8765"`
	HTTPAddr string `env:"NOTIFYD_HTTP_ADDR" default:"127.0.0.1:8080"`

	LogLevel  string `env:"NOTIFYD_LOG_LEVEL" default:"info"`
	LogFormat string `env:"NOTIFYD_LOG_FORMAT" default:"json"`

	Link string `env:"NOTIFYD_LINK" default:"LinkParaRedirecionamento.com.br"`

	AutoSendEnabled  bool `env:"NOTIFYD_AUTOSEND_ENABLED" default:"true"`
	AutoSendInterval int  `env:"NOTIFYD_AUTOSEND_INTERVAL" default:"30"`

	HeartbeatInterval time.Duration `env:"NOTIFYD_HEARTBEAT_INTERVAL" default:"30s"`
	// 0 derives the idle timeout from HeartbeatInterval.
	ReadIdleTimeout time.Duration `env:"NOTIFYD_READ_IDLE_TIMEOUT" default:"0s"`
	WriteTimeout    time.Duration `env:"NOTIFYD_WRITE_TIMEOUT" default:"5s"`
	MaxClients      int           `env:"NOTIFYD_MAX_CLIENTS" default:"1024"`

	RateEvents int           `env:"NOTIFYD_RATE_EVENTS" default:"30"`
	RateWindow time.Duration `env:"NOTIFYD_RATE_WINDOW" default:"10s"`

	// Comma-separated list, e.g. "http://localhost:3000,https://panel.example.com".
	WSAllowedOrigins     []string `env:"NOTIFYD_WS_ALLOWED_ORIGINS"`
	WSInsecureSkipVerify bool     `env:"NOTIFYD_WS_INSECURE_SKIP_VERIFY" default:"false"`

	DatabaseURL string `env:"NOTIFYD_DATABASE_URL"`
	DBSchema    string `env:"NOTIFYD_DB_SCHEMA" default:"notifyd"`
	DBMaxConns  int32  `env:"NOTIFYD_DB_MAX_CONNS" default:"10"`
	DBMinConns  int32  `env:"NOTIFYD_DB_MIN_CONNS" default:"0"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `env:"NOTIFYD_READINESS_REQUIRE_DB" default:"false"`

	HTTPReadHeaderTimeout time.Duration `env:"NOTIFYD_HTTP_READ_HEADER_TIMEOUT" default:"5s"`
	HTTPReadTimeout       time.Duration `env:"NOTIFYD_HTTP_READ_TIMEOUT" default:"15s"`
	HTTPWriteTimeout      time.Duration `env:"NOTIFYD_HTTP_WRITE_TIMEOUT" default:"15s"`
	HTTPIdleTimeout       time.Duration `env:"NOTIFYD_HTTP_IDLE_TIMEOUT" default:"60s"`
	HTTPMaxHeaderBytes    int           `env:"NOTIFYD_HTTP_MAX_HEADER_BYTES" default:"1048576"`

	ShutdownTimeout time.Duration `env:"NOTIFYD_SHUTDOWN_TIMEOUT" default:"10s"`
}

// LoadConfig loads Config from an optional .env file and the environment, then validates it.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config.dotenv.fail", "err", err)
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	cfg.WSAllowedOrigins = trimAll(cfg.WSAllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that tags cannot express.
func (c Config) Validate() error {
	if err := validateAddr("NOTIFYD_TCP_ADDR", c.TCPAddr); err != nil {
		return err
	}
	if err := validateAddr("NOTIFYD_HTTP_ADDR", c.HTTPAddr); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case logFormatJSON, logFormatPretty:
	default:
		return fmt.Errorf("NOTIFYD_LOG_FORMAT must be %q or %q, got %q", logFormatJSON, logFormatPretty, c.LogFormat)
	}

	if strings.TrimSpace(c.Link) == "" {
		return errors.New("NOTIFYD_LINK is required")
	}
	if err := push.ValidateInterval(c.AutoSendInterval); err != nil {
		return fmt.Errorf("NOTIFYD_AUTOSEND_INTERVAL=%d: %w", c.AutoSendInterval, err)
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("NOTIFYD_HEARTBEAT_INTERVAL must be positive")
	}
	if c.ReadIdleTimeout < 0 || c.WriteTimeout <= 0 {
		return errors.New("NOTIFYD_READ_IDLE_TIMEOUT must be >= 0 and NOTIFYD_WRITE_TIMEOUT positive")
	}
	if c.MaxClients < 0 {
		return errors.New("NOTIFYD_MAX_CLIENTS must be >= 0")
	}
	if c.RateEvents <= 0 || c.RateWindow <= 0 {
		return errors.New("NOTIFYD_RATE_EVENTS and NOTIFYD_RATE_WINDOW must be positive")
	}

	if c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return fmt.Errorf("NOTIFYD_DB_MIN_CONNS=%d must be between 0 and NOTIFYD_DB_MAX_CONNS=%d", c.DBMinConns, c.DBMaxConns)
	}
	if c.ReadinessRequireDB && strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("NOTIFYD_READINESS_REQUIRE_DB=true requires NOTIFYD_DATABASE_URL")
	}
	return nil
}

// PushConfig maps the runtime config onto the push server settings.
func (c Config) PushConfig() push.Config {
	return push.Config{
		Addr:                 c.TCPAddr,
		Link:                 c.Link,
		HeartbeatInterval:    c.HeartbeatInterval,
		ReadIdleTimeout:      c.ReadIdleTimeout,
		WriteTimeout:         c.WriteTimeout,
		MaxClients:           c.MaxClients,
		AutoSendEnabled:      c.AutoSendEnabled,
		AutoSendInterval:     c.AutoSendInterval,
		RateEvents:           c.RateEvents,
		RateWindow:           c.RateWindow,
		AllowedOrigins:       c.WSAllowedOrigins,
		WSInsecureSkipVerify: c.WSInsecureSkipVerify,
	}
}

func validateAddr(name, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("%s is required", name)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
