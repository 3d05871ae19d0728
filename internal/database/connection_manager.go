package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bangate/internal/config"
	"bangate/internal/domain"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type Config struct {
	ExistingDB  *gorm.DB
	Dialector   gorm.Dialector
	Logger      logger.Interface
	AutoMigrate bool
	Migrations  []any
	Pool        PoolConfig
}

type Option func(*Config)

// ConnectionManager owns the gorm pool used by the store. The pool is opened
// on first use and reopened when it was closed or a lease reported a broken
// connection.
type ConnectionManager struct {
	cfg Config

	mu    sync.Mutex
	db    *gorm.DB
	stale bool
}

// Lease is one operation's hold on the pool. Release must run on every exit
// path, normally through defer.
type Lease struct {
	DB *gorm.DB
	m  *ConnectionManager
}

func (l *Lease) Release(err error) {
	if l == nil || l.m == nil {
		return
	}
	if isConnectionFault(err) {
		l.m.invalidate()
	}
}

func NewConnectionManager(opts ...Option) *ConnectionManager {
	cfg := Config{
		Logger:      silentLogger(),
		AutoMigrate: true,
		Migrations:  defaultMigrations(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ConnectionManager{cfg: cfg}
}

// NewConnectionManagerFromConfig picks the dialector named by cfg.Driver.
func NewConnectionManagerFromConfig(cfg config.Database, opts ...Option) (*ConnectionManager, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.PostgresDSN())
	case config.DriverSQLite:
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", cfg.Driver)
	}

	base := []Option{
		WithDialector(dialector),
		WithPool(PoolConfig{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		}),
	}
	return NewConnectionManager(append(base, opts...)...), nil
}

// Acquire returns a context-bound handle, opening or reopening the pool when
// needed. Failures match ErrConnection.
func (m *ConnectionManager) Acquire(ctx context.Context) (*Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil && m.stale {
		if err := ping(ctx, m.db); err != nil {
			log.Warn("database connection lost, reopening", "error", err)
			m.closeLocked()
		} else {
			m.stale = false
		}
	}

	if m.db == nil {
		db, err := m.openLocked(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnection, err)
		}
		m.db = db
		m.stale = false
	}

	return &Lease{DB: m.db.WithContext(ctx), m: m}, nil
}

func (m *ConnectionManager) openLocked(ctx context.Context) (*gorm.DB, error) {
	var db *gorm.DB
	switch {
	case m.cfg.ExistingDB != nil:
		db = m.cfg.ExistingDB
	case m.cfg.Dialector != nil:
		gormCfg := &gorm.Config{}
		if m.cfg.Logger != nil {
			gormCfg.Logger = m.cfg.Logger
		}
		opened, err := gorm.Open(m.cfg.Dialector, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("database: open connection: %w", err)
		}
		db = opened
		configureConnectionPool(db, m.cfg.Pool)
	default:
		return nil, fmt.Errorf("database: no dialector or existing connection provided")
	}

	if err := ping(ctx, db); err != nil {
		if m.cfg.ExistingDB == nil {
			closeDB(db)
		}
		return nil, err
	}

	if m.cfg.AutoMigrate && len(m.cfg.Migrations) > 0 {
		if err := db.WithContext(ctx).AutoMigrate(m.cfg.Migrations...); err != nil {
			if m.cfg.ExistingDB == nil {
				closeDB(db)
			}
			return nil, fmt.Errorf("database: auto migrate: %w", err)
		}
		log.Info("Database migration completed.")
	}

	return db, nil
}

func (m *ConnectionManager) invalidate() {
	m.mu.Lock()
	m.stale = true
	m.mu.Unlock()
}

// Close releases the pool. A later Acquire opens a fresh one.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *ConnectionManager) closeLocked() error {
	if m.db == nil {
		return nil
	}
	var err error
	if m.cfg.ExistingDB == nil {
		err = closeDB(m.db)
	}
	m.db = nil
	m.stale = false
	return err
}

func ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func configureConnectionPool(db *gorm.DB, pool PoolConfig) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("database: unable to configure connection pool", "error", err)
		return
	}

	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}
}

func silentLogger() logger.Interface {
	return logger.New(
		log.Default(),
		logger.Config{LogLevel: logger.Silent},
	)
}

func defaultMigrations() []any {
	return []any{
		&domain.PlayerBan{},
		&domain.IPBan{},
	}
}

func WithExistingDB(db *gorm.DB) Option {
	return func(cfg *Config) {
		cfg.ExistingDB = db
	}
}

func WithDialector(d gorm.Dialector) Option {
	return func(cfg *Config) {
		cfg.Dialector = d
	}
}

func WithLogger(l logger.Interface) Option {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

func WithAutoMigrate(enabled bool) Option {
	return func(cfg *Config) {
		cfg.AutoMigrate = enabled
	}
}

func WithPool(pool PoolConfig) Option {
	return func(cfg *Config) {
		cfg.Pool = pool
	}
}
