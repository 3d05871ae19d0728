// Package moderation implements the ban and unban commands on top of the
// store. Storage work runs on the gateway; replies, kicks and broadcasts are
// delivered on the foreground loop.
package moderation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bangate/internal/domain"
	"bangate/internal/gateway"
	"bangate/internal/metrics"
	"bangate/internal/notify"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// ConsoleIssuer is recorded when a ban does not come from a player.
const ConsoleIssuer = "Console"

const opTimeout = 10 * time.Second

type Store interface {
	Upsert(ctx context.Context, req domain.BanRequest) (domain.Ban, error)
	Delete(ctx context.Context, target domain.Target) (bool, error)
}

// Sessions is the host's view of connected players.
type Sessions interface {
	IdentityOf(name string) (uuid.UUID, bool)
	Kick(target domain.Target, message string) int
	Broadcast(message string)
}

type Reply struct {
	OK   bool
	Text string
}

type Options struct {
	Sessions Sessions
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
}

type Service struct {
	store    Store
	gw       *gateway.Gateway
	loop     *gateway.Loop
	sessions Sessions
	notifier notify.Notifier
	metrics  *metrics.Metrics
}

// New wires the service. loop may be nil when there is no foreground context,
// as in one-shot CLI commands; callbacks then run on the completing goroutine.
func New(store Store, gw *gateway.Gateway, loop *gateway.Loop, opts Options) *Service {
	if opts.Notifier == nil {
		opts.Notifier = notify.LogNotifier{}
	}
	return &Service{
		store:    store,
		gw:       gw,
		loop:     loop,
		sessions: opts.Sessions,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
	}
}

// Ban stores req and, once stored, kicks matching sessions and publishes a
// notice.
func (s *Service) Ban(req domain.BanRequest) *gateway.Future[domain.Ban] {
	f := gateway.Submit(s.gw, func(ctx context.Context) (domain.Ban, error) {
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return s.store.Upsert(ctx, req)
	})

	f.Then(s.loop, func(ban domain.Ban, err error) {
		s.metrics.ObserveMutation("ban", string(req.Target.Kind), err)
		if err != nil {
			log.Error("ban failed", "target", req.Target, "issuer", req.Issuer, "error", err)
			return
		}
		log.Info("ban stored", "target", req.Target, "issuer", req.Issuer, "reason", req.Reason)
		s.kick(req.Target, req.Reason)
		s.broadcast(banBroadcast(req.Target, req.Issuer, req.Reason))
		s.publish(notify.NewEvent(notify.ActionBan, req.Target, req.Issuer, req.Reason))
	})
	return f
}

// Unban removes the ban for target. The future yields false when no ban
// existed.
func (s *Service) Unban(target domain.Target, issuer string) *gateway.Future[bool] {
	f := gateway.Submit(s.gw, func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return s.store.Delete(ctx, target)
	})

	f.Then(s.loop, func(removed bool, err error) {
		s.metrics.ObserveMutation("unban", string(target.Kind), err)
		if err != nil {
			log.Error("unban failed", "target", target, "issuer", issuer, "error", err)
			return
		}
		if !removed {
			return
		}
		log.Info("ban lifted", "target", target, "issuer", issuer)
		s.broadcast(unbanBroadcast(target, issuer))
		s.publish(notify.NewEvent(notify.ActionUnban, target, issuer, ""))
	})
	return f
}

// HandleBan parses "ban <name|ip> <reason...>" and reports the outcome
// through reply on the foreground loop.
func (s *Service) HandleBan(issuer string, args []string, reply func(Reply)) {
	if len(args) < 2 {
		s.reply(reply, Reply{Text: "Usage: ban <name|ip> <reason>"})
		return
	}

	target := domain.ParseTarget(args[0])
	reason := strings.TrimSpace(strings.Join(args[1:], " "))
	req := domain.BanRequest{Target: target, Issuer: issuer, Reason: reason}

	if target.Kind == domain.KindName && s.sessions != nil {
		if id, ok := s.sessions.IdentityOf(target.Key); ok {
			req.Identity = &id
		}
	}

	s.Ban(req).Then(s.loop, func(_ domain.Ban, err error) {
		if err != nil {
			reply(Reply{Text: fmt.Sprintf("An error occurred while banning %s.", describe(target))})
			return
		}
		reply(Reply{OK: true, Text: fmt.Sprintf("%s was banned.", capitalize(describe(target)))})
	})
}

// HandleUnban parses "unban <name|ip>".
func (s *Service) HandleUnban(issuer string, args []string, reply func(Reply)) {
	if len(args) < 1 {
		s.reply(reply, Reply{Text: "Usage: unban <name|ip>"})
		return
	}

	target := domain.ParseTarget(args[0])
	s.Unban(target, issuer).Then(s.loop, func(removed bool, err error) {
		switch {
		case err != nil:
			reply(Reply{Text: fmt.Sprintf("An error occurred while unbanning %s.", describe(target))})
		case !removed:
			reply(Reply{Text: fmt.Sprintf("%s is not banned.", capitalize(describe(target)))})
		default:
			reply(Reply{OK: true, Text: fmt.Sprintf("%s was unbanned.", capitalize(describe(target)))})
		}
	})
}

// ApplyRemote acts on a notice published by another instance.
func (s *Service) ApplyRemote(event notify.Event) {
	s.post(func() {
		switch event.Action {
		case notify.ActionBan:
			s.kick(event.Target(), event.Reason)
		case notify.ActionUnban:
		default:
			log.Warn("unknown notice action", "action", event.Action)
			return
		}
		log.Info("remote notice applied", "action", event.Action, "target", event.Target(), "issuer", event.Issuer)
	})
}

func (s *Service) kick(target domain.Target, reason string) {
	if s.sessions == nil {
		return
	}
	if n := s.sessions.Kick(target, KickMessage(target, reason)); n > 0 {
		log.Info("kicked sessions", "target", target, "count", n)
	}
}

func (s *Service) broadcast(message string) {
	if s.sessions != nil {
		s.sessions.Broadcast(message)
	}
}

func (s *Service) publish(event notify.Event) {
	s.gw.Go("publish notice", func(ctx context.Context) error {
		return s.notifier.Publish(ctx, event)
	})
}

func (s *Service) reply(reply func(Reply), r Reply) {
	s.post(func() { reply(r) })
}

func (s *Service) post(fn func()) {
	if s.loop == nil {
		fn()
		return
	}
	if !s.loop.Post(func(context.Context) { fn() }) {
		log.Warn("foreground loop stopped, dropping task")
	}
}

// KickMessage is shown to a session removed by a fresh ban.
func KickMessage(target domain.Target, reason string) string {
	if target.Kind == domain.KindIP {
		return "Your IP address was banned from this server!\nReason: " + reason
	}
	return "You were banned from this server!\nReason: " + reason
}

func banBroadcast(target domain.Target, issuer, reason string) string {
	if target.Kind == domain.KindIP {
		return fmt.Sprintf("An IP address was banned by %s for: %s", issuer, reason)
	}
	return fmt.Sprintf("Player %s was banned by %s for: %s", target.Key, issuer, reason)
}

func unbanBroadcast(target domain.Target, issuer string) string {
	if target.Kind == domain.KindIP {
		return fmt.Sprintf("An IP address was unbanned by %s", issuer)
	}
	return fmt.Sprintf("Player %s was unbanned by %s", target.Key, issuer)
}

func describe(target domain.Target) string {
	if target.Kind == domain.KindIP {
		return "IP address " + target.Key
	}
	return "player " + target.Key
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
