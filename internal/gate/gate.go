// Package gate decides whether a connecting player may proceed, before the
// session is established. Lookups run on the storage gateway; the caller
// waits at most one configured timeout for both checks together. A failed
// lookup lets the player in unless the other check finds a ban.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bangate/internal/database"
	"bangate/internal/domain"
	"bangate/internal/gateway"
	"bangate/internal/geolite"
	"bangate/internal/metrics"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const DefaultTimeout = 2 * time.Second

type Verdict string

const (
	Allow Verdict = "allow"
	Deny  Verdict = "deny"
)

// Stage is the state the decision was taken in.
type Stage string

const (
	StagePending   Stage = "pending"
	StageCheckName Stage = "check_name"
	StageCheckIP   Stage = "check_ip"
	StageComplete  Stage = "complete"
)

type Attempt struct {
	Name string
	Addr string
}

type Decision struct {
	Verdict  Verdict
	Stage    Stage
	Reason   string
	FailOpen bool
	Message  string
}

func (d Decision) Allowed() bool { return d.Verdict == Allow }

// Lookup is the read side of the ban store.
type Lookup interface {
	Find(ctx context.Context, target domain.Target) (domain.Ban, error)
}

type Options struct {
	Timeout time.Duration
	Metrics *metrics.Metrics
	Geo     *geolite.Locator
}

type Gate struct {
	store   Lookup
	gw      *gateway.Gateway
	timeout time.Duration
	metrics *metrics.Metrics
	geo     *geolite.Locator

	// identical lookups from simultaneous logins share one query
	flight singleflight.Group
}

func New(store Lookup, gw *gateway.Gateway, opts Options) *Gate {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Gate{
		store:   store,
		gw:      gw,
		timeout: opts.Timeout,
		metrics: opts.Metrics,
		geo:     opts.Geo,
	}
}

// Decide runs PENDING -> CHECK_NAME -> CHECK_IP and returns the verdict.
// A failed name check does not skip the IP check: the player is let in on a
// lookup failure only after both checks ran or the shared deadline passed.
// It must not be called from the foreground loop.
func (g *Gate) Decide(ctx context.Context, attempt Attempt) (decision Decision) {
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	stage := StagePending
	ip, hasIP := domain.SourceIP(attempt.Addr)

	defer func() {
		if r := recover(); r != nil {
			decision = g.failOpen(stage, attempt, ip, fmt.Errorf("gate: lookup panicked: %v", r))
		}
		g.metrics.ObserveDecision(string(decision.Verdict), string(decision.Stage), time.Since(started))
	}()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var (
		failedStage Stage
		failures    []error
	)

	stage = StageCheckName
	if attempt.Name != "" {
		ban, found, err := g.lookup(ctx, domain.Target{Kind: domain.KindName, Key: attempt.Name})
		switch {
		case err != nil && ctx.Err() != nil:
			return g.failOpen(stage, attempt, ip, err)
		case err != nil:
			failedStage = stage
			failures = append(failures, err)
		case found:
			log.Info("login denied", "name", attempt.Name, "ip", ip, "country", g.geo.CountryCode(ip), "reason", ban.Reason)
			return Decision{
				Verdict: Deny,
				Stage:   stage,
				Reason:  ban.Reason,
				Message: PlayerBannedMessage(ban.Reason),
			}
		}
	}

	stage = StageCheckIP
	if hasIP {
		ban, found, err := g.lookup(ctx, domain.Target{Kind: domain.KindIP, Key: ip})
		switch {
		case err != nil:
			if failedStage == "" {
				failedStage = stage
			}
			failures = append(failures, err)
		case found:
			log.Info("login denied", "name", attempt.Name, "ip", ip, "country", g.geo.CountryCode(ip), "reason", ban.Reason)
			return Decision{
				Verdict: Deny,
				Stage:   stage,
				Reason:  ban.Reason,
				Message: IPBannedMessage(ban.Reason),
			}
		}
	} else if attempt.Addr != "" {
		log.Debug("skipping ip check for non-ipv4 address", "name", attempt.Name, "addr", attempt.Addr)
	}

	if len(failures) > 0 {
		return g.failOpen(failedStage, attempt, ip, errors.Join(failures...))
	}
	return Decision{Verdict: Allow, Stage: StageComplete}
}

// lookup reports found=false for keys the store can never hold, such as an
// over-long or blank name.
func (g *Gate) lookup(ctx context.Context, target domain.Target) (domain.Ban, bool, error) {
	ch := g.flight.DoChan(target.String(), func() (any, error) {
		waitCtx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()

		return gateway.Submit(g.gw, func(workerCtx context.Context) (domain.Ban, error) {
			opCtx, cancel := context.WithTimeout(workerCtx, g.timeout)
			defer cancel()
			return g.store.Find(opCtx, target)
		}).Await(waitCtx)
	})

	select {
	case res := <-ch:
		if errors.Is(res.Err, database.ErrNotFound) {
			return domain.Ban{}, false, nil
		}
		if errors.Is(res.Err, database.ErrInvalid) {
			log.Debug("key cannot be banned, treating as clean", "target", target, "error", res.Err)
			return domain.Ban{}, false, nil
		}
		if res.Err != nil {
			return domain.Ban{}, false, res.Err
		}
		return res.Val.(domain.Ban), true, nil
	case <-ctx.Done():
		return domain.Ban{}, false, ctx.Err()
	}
}

func (g *Gate) failOpen(stage Stage, attempt Attempt, ip string, err error) Decision {
	cause := "error"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		cause = "timeout"
	case errors.Is(err, gateway.ErrSaturated), errors.Is(err, gateway.ErrClosed):
		cause = "unavailable"
	}
	g.metrics.ObserveFailOpen(cause)

	log.Warn("ban check failed, allowing login",
		"stage", stage,
		"name", attempt.Name,
		"ip", ip,
		"cause", cause,
		"error", err,
	)
	return Decision{Verdict: Allow, Stage: stage, FailOpen: true}
}

func PlayerBannedMessage(reason string) string {
	return "You are banned from this server!\nReason: " + reason
}

func IPBannedMessage(reason string) string {
	return "Your IP address is banned from this server!\nReason: " + reason
}
