package app

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"bangate/internal/config"
	"bangate/internal/database"
	"bangate/internal/gateway"
	"bangate/internal/metrics"
	"bangate/internal/notify"
	"bangate/internal/support"
)

const startupProbeTimeout = 5 * time.Second

// components are the pieces every command needs: the store behind its
// gateway.
type components struct {
	conns   *database.ConnectionManager
	store   *database.BanStore
	gw      *gateway.Gateway
	metrics *metrics.Metrics
}

func openComponents(cfg config.Config) (*components, error) {
	conns, err := database.NewConnectionManagerFromConfig(cfg.Database)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	gw := gateway.New(gateway.Options{
		Workers:   cfg.Gateway.Workers,
		QueueSize: cfg.Gateway.QueueSize,
	})
	m.TrackQueue(gw.Pending)

	return &components{
		conns:   conns,
		store:   database.NewBanStore(conns),
		gw:      gw,
		metrics: m,
	}, nil
}

// checkDatabase opens the pool once so configuration problems show up at startup.
// The gate still fails open if the database is down.
func (c *components) checkDatabase(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, startupProbeTimeout)
	defer cancel()

	lease, err := c.conns.Acquire(ctx)
	if err != nil {
		log.Error("database unavailable at startup; logins will be allowed until it recovers", "error", err)
		return
	}
	lease.Release(nil)
	log.Info("database connection established")
}

func (c *components) Close() {
	c.gw.Close()
	if err := c.conns.Close(); err != nil {
		log.Warn("error closing database", "error", err)
	}
}

// newNotifier returns a Redis publisher when REDIS_URL is set and a log-only
// notifier otherwise.
func newNotifier(cfg config.Redis) notify.Notifier {
	if cfg.URL == "" {
		return notify.LogNotifier{}
	}
	client, err := support.GetRedisClient(cfg.URL)
	if err != nil {
		log.Warn("redis unavailable, ban notices stay local", "error", err)
		return notify.LogNotifier{}
	}
	return notify.NewRedisNotifier(client, cfg.Channel)
}
