package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"bangate/internal/config"
	"bangate/internal/domain"
	"bangate/internal/gate"
	"bangate/internal/gateway"
	"bangate/internal/moderation"

	"github.com/charmbracelet/log"
	"github.com/gliderlabs/ssh"
	"github.com/google/uuid"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/net/netutil"
)

const shutdownGrace = 5 * time.Second

type decisionKey struct{}
type identityKey struct{}
type operatorKey struct{}

// Decider is the pre-authentication login check.
type Decider interface {
	Decide(ctx context.Context, attempt gate.Attempt) gate.Decision
}

// Host is the SSH front door. Every connection passes the login gate during
// authentication, before a session exists.
type Host struct {
	cfg        config.SSH
	gate       Decider
	sessions   *SessionRegistry
	moderation *moderation.Service
	loop       *gateway.Loop
	srv        *ssh.Server
}

func NewHost(cfg config.SSH, decider Decider, sessions *SessionRegistry, svc *moderation.Service, loop *gateway.Loop) (*Host, error) {
	h := &Host{
		cfg:        cfg,
		gate:       decider,
		sessions:   sessions,
		moderation: svc,
		loop:       loop,
	}

	h.srv = &ssh.Server{
		Addr:                       cfg.Addr,
		Handler:                    h.handleSession,
		PublicKeyHandler:           h.publicKeyHandler,
		KeyboardInteractiveHandler: h.keyboardInteractiveHandler,
	}

	if cfg.HostKeyPath != "" {
		if err := h.srv.SetOption(ssh.HostKeyFile(cfg.HostKeyPath)); err != nil {
			return nil, fmt.Errorf("ssh: load host key: %w", err)
		}
	} else {
		log.Warn("SSH_HOST_KEY not set, using an ephemeral host key")
	}
	return h, nil
}

// decide runs the gate once per connection; both auth callbacks share it.
func (h *Host) decide(ctx ssh.Context) gate.Decision {
	if d, ok := ctx.Value(decisionKey{}).(gate.Decision); ok {
		return d
	}

	addr := ""
	if ra := ctx.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	d := h.gate.Decide(ctx, gate.Attempt{Name: ctx.User(), Addr: addr})
	ctx.SetValue(decisionKey{}, d)
	return d
}

// publicKeyHandler also runs for keys a client merely offers without signing.
// The last call before a successful public-key login is for the key that
// signed, so both markers are overwritten on every call.
func (h *Host) publicKeyHandler(ctx ssh.Context, key ssh.PublicKey) bool {
	d := h.decide(ctx)
	if !d.Allowed() {
		return false
	}
	ctx.SetValue(identityKey{}, uuid.NewSHA1(uuid.NameSpaceOID, key.Marshal()))
	ctx.SetValue(operatorKey{}, h.cfg.IsOperatorKey(gossh.FingerprintSHA256(key)))
	return true
}

// keyboardInteractiveHandler is where a denied player sees the reason: the
// deny message travels as the challenge instruction.
func (h *Host) keyboardInteractiveHandler(ctx ssh.Context, challenger gossh.KeyboardInteractiveChallenge) bool {
	d := h.decide(ctx)
	if d.Allowed() {
		// no key was proven, whatever was offered earlier
		ctx.SetValue(identityKey{}, nil)
		ctx.SetValue(operatorKey{}, false)
		return true
	}
	if _, err := challenger("", d.Message, nil, nil); err != nil {
		log.Debug("failed to deliver deny message", "user", ctx.User(), "error", err)
	}
	return false
}

func (h *Host) handleSession(s ssh.Session) {
	ctx := s.Context()
	name := s.User()
	ip, _ := domain.SourceIP(s.RemoteAddr().String())

	identity, ok := ctx.Value(identityKey{}).(uuid.UUID)
	if !ok {
		identity = OfflineIdentity(name)
	}

	operator, _ := ctx.Value(operatorKey{}).(bool)

	id := ctx.SessionID()
	h.sessions.Add(id, name, ip, identity, s)
	defer h.sessions.Remove(id)

	log.Info("player joined", "name", name, "ip", ip, "operator", operator, "online", h.sessions.Count())
	h.sessions.Send(id, fmt.Sprintf("Welcome, %s!", name))

	scanner := bufio.NewScanner(s)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}
		h.handleLine(id, name, operator, line)
	}
	log.Info("player left", "name", name, "ip", ip)
}

func (h *Host) handleLine(sessionID, name string, operator bool, line string) {
	reply := func(r moderation.Reply) { h.sessions.Send(sessionID, r.Text) }

	if !strings.HasPrefix(line, "/") {
		h.loop.Post(func(context.Context) {
			h.sessions.Broadcast(fmt.Sprintf("<%s> %s", name, line))
		})
		return
	}

	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return
	}
	command, args := fields[0], fields[1:]

	switch command {
	case "ban", "unban":
		if !operator {
			h.sessions.Send(sessionID, "You do not have permission to use this command.")
			return
		}
		if command == "ban" {
			h.moderation.HandleBan(name, args, reply)
		} else {
			h.moderation.HandleUnban(name, args, reply)
		}
	default:
		h.sessions.Send(sessionID, "Unknown command: /"+command)
	}
}

// Serve listens on the configured address and accepts connections until ctx
// ends.
func (h *Host) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ssh: listen on %s: %w", h.cfg.Addr, err)
	}
	return h.ServeListener(ctx, ln)
}

func (h *Host) ServeListener(ctx context.Context, ln net.Listener) error {
	if h.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, h.cfg.MaxConnections)
	}
	log.Info("SSH host listening", "addr", ln.Addr().String(), "max_connections", h.cfg.MaxConnections)

	errCh := make(chan error, 1)
	go func() { errCh <- h.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		h.sessions.CloseAll("Server is shutting down.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := h.srv.Shutdown(shutdownCtx); err != nil {
			_ = h.srv.Close()
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, ssh.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// OfflineIdentity derives a stable identity for players without a key.
func OfflineIdentity(name string) uuid.UUID {
	return uuid.NewMD5(uuid.NameSpaceOID, []byte("OfflinePlayer:"+name))
}
