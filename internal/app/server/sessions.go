package server

import (
	"io"
	"sync"

	"bangate/internal/domain"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const outboxSize = 32

// SessionConn is the part of an interactive session the registry writes to.
type SessionConn interface {
	io.Writer
	Close() error
}

type trackedSession struct {
	id       string
	name     string
	ip       string
	identity uuid.UUID

	conn      SessionConn
	outbox    chan string
	closing   chan struct{}
	closeOnce sync.Once
	finished  chan struct{}
}

func (s *trackedSession) run() {
	defer close(s.finished)
	for {
		select {
		case msg := <-s.outbox:
			s.write(msg)
		case <-s.closing:
			for {
				select {
				case msg := <-s.outbox:
					s.write(msg)
				default:
					_ = s.conn.Close()
					return
				}
			}
		}
	}
}

func (s *trackedSession) write(msg string) {
	if _, err := io.WriteString(s.conn, msg+"\r\n"); err != nil {
		log.Debug("session write failed", "session", s.id, "error", err)
	}
}

// send queues msg without blocking. Slow readers lose messages.
func (s *trackedSession) send(msg string) {
	select {
	case s.outbox <- msg:
	default:
		log.Debug("session outbox full, dropping message", "session", s.id)
	}
}

func (s *trackedSession) close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// SessionRegistry tracks connected players so bans can remove them and
// notices can reach them. Writes never block the caller.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*trackedSession
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*trackedSession)}
}

func (r *SessionRegistry) Add(id, name, ip string, identity uuid.UUID, conn SessionConn) {
	s := &trackedSession{
		id:       id,
		name:     name,
		ip:       ip,
		identity: identity,
		conn:     conn,
		outbox:   make(chan string, outboxSize),
		closing:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	go s.run()

	r.mu.Lock()
	previous := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()

	if previous != nil {
		previous.close()
	}
}

// Remove forgets the session and closes its connection once queued output
// has been written.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	s := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if s != nil {
		s.close()
		<-s.finished
	}
}

func (r *SessionRegistry) Send(id, msg string) bool {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s == nil {
		return false
	}
	s.send(msg)
	return true
}

func (r *SessionRegistry) IdentityOf(name string) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.name == name {
			return s.identity, true
		}
	}
	return uuid.Nil, false
}

// Kick sends message to every session matching target and disconnects it.
func (r *SessionRegistry) Kick(target domain.Target, message string) int {
	r.mu.Lock()
	var kicked []*trackedSession
	for id, s := range r.sessions {
		if matches(s, target) {
			kicked = append(kicked, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range kicked {
		s.send(message)
		s.close()
	}
	return len(kicked)
}

func (r *SessionRegistry) Broadcast(message string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.send(message)
	}
}

func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll disconnects everyone, used on shutdown.
func (r *SessionRegistry) CloseAll(message string) {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*trackedSession)
	r.mu.Unlock()

	for _, s := range all {
		if message != "" {
			s.send(message)
		}
		s.close()
	}
}

func matches(s *trackedSession, target domain.Target) bool {
	switch target.Kind {
	case domain.KindIP:
		return s.ip == target.Key
	case domain.KindName:
		return s.name == target.Key
	default:
		return false
	}
}
