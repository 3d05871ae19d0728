package config

import (
	"fmt"
	"strings"
	"time"

	"bangate/internal/support"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	LogLevel string

	Database Database
	Gateway  Gateway
	Gate     Gate
	SSH      SSH
	HTTP     HTTP
	Redis    Redis

	// GeoLiteCountryDB is optional; an empty path disables country lookups.
	GeoLiteCountryDB string
}

type Database struct {
	Driver     string
	Host       string
	Port       string
	Name       string
	User       string
	Password   string
	SSLMode    string
	SQLitePath string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type Gateway struct {
	Workers   int
	QueueSize int
}

type Gate struct {
	Timeout time.Duration
}

type SSH struct {
	Addr           string
	HostKeyPath    string
	MaxConnections int

	// OperatorKeys holds SHA256 fingerprints ("SHA256:...") of the public
	// keys whose sessions may issue ban commands.
	OperatorKeys []string
}

type HTTP struct {
	Addr      string
	JWTSecret string
}

type Redis struct {
	URL     string
	Channel string
}

// Load reads the process environment. It is called once at startup; nothing
// reloads it afterwards.
func Load() (Config, error) {
	cfg := Config{
		LogLevel: support.GetEnv("LOG_LEVEL", "info"),
		Database: Database{
			Driver:          strings.ToLower(support.GetEnv("DB_DRIVER", DriverPostgres)),
			Host:            support.GetEnv("DB_HOST", "localhost"),
			Port:            support.GetEnv("DB_PORT", "5432"),
			Name:            support.GetEnv("DB_NAME", "bangate"),
			User:            support.GetEnv("DB_USERNAME", "bangate"),
			Password:        support.GetEnv("DB_PASSWORD", ""),
			SSLMode:         support.GetEnv("DB_SSLMODE", "disable"),
			SQLitePath:      support.GetEnv("DB_SQLITE_PATH", "bangate.db"),
			MaxOpenConns:    support.GetEnvInt("DB_MAX_OPEN_CONNS", 8),
			MaxIdleConns:    support.GetEnvInt("DB_MAX_IDLE_CONNS", 4),
			ConnMaxLifetime: support.GetEnvDuration("DB_CONN_MAX_LIFETIME", 300*time.Second),
			ConnMaxIdleTime: support.GetEnvDuration("DB_CONN_MAX_IDLE_TIME", 60*time.Second),
		},
		Gateway: Gateway{
			Workers:   support.GetEnvInt("GATEWAY_WORKERS", 4),
			QueueSize: support.GetEnvInt("GATEWAY_QUEUE_SIZE", 256),
		},
		Gate: Gate{
			Timeout: support.GetEnvDuration("GATE_TIMEOUT", 2*time.Second),
		},
		SSH: SSH{
			Addr:           support.GetEnv("SSH_ADDR", ":2222"),
			HostKeyPath:    support.GetEnv("SSH_HOST_KEY", ""),
			MaxConnections: support.GetEnvInt("SSH_MAX_CONNECTIONS", 256),
			OperatorKeys:   support.GetEnvList("OPERATOR_KEYS"),
		},
		HTTP: HTTP{
			Addr:      support.GetEnv("HTTP_ADDR", ":8090"),
			JWTSecret: support.GetEnv("JWT_SECRET", ""),
		},
		Redis: Redis{
			URL:     support.GetEnv("REDIS_URL", ""),
			Channel: support.GetEnv("REDIS_CHANNEL", "bangate:notices"),
		},
		GeoLiteCountryDB: support.GetEnv("GEOLITE_COUNTRY_DB", ""),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("config: unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if c.Gateway.Workers < 1 {
		return fmt.Errorf("config: GATEWAY_WORKERS must be at least 1, got %d", c.Gateway.Workers)
	}
	if c.Gateway.QueueSize < 1 {
		return fmt.Errorf("config: GATEWAY_QUEUE_SIZE must be at least 1, got %d", c.Gateway.QueueSize)
	}
	if c.Gate.Timeout <= 0 {
		return fmt.Errorf("config: GATE_TIMEOUT must be positive, got %s", c.Gate.Timeout)
	}
	return nil
}

// PostgresDSN renders the keyword/value connection string used by pgx.
func (d Database) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		d.Password,
		d.Name,
		d.SSLMode,
	)
}

// IsOperatorKey reports whether a session authenticated with the key of this
// fingerprint may issue ban commands.
func (s SSH) IsOperatorKey(fingerprint string) bool {
	for _, op := range s.OperatorKeys {
		if op == fingerprint {
			return true
		}
	}
	return false
}
