package server

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"bangate/internal/domain"

	"github.com/google/uuid"
)

type bufferConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed chan struct{}
	once   sync.Once
}

func newBufferConn() *bufferConn {
	return &bufferConn{closed: make(chan struct{})}
}

func (c *bufferConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *bufferConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *bufferConn) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *bufferConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func (c *bufferConn) waitFor(t *testing.T, text string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(c.String(), text) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("output %q does not contain %q", c.String(), text)
}

func TestSessionRegistryKickByIP(t *testing.T) {
	r := NewSessionRegistry()
	a, b, c := newBufferConn(), newBufferConn(), newBufferConn()
	r.Add("s1", "alice", "10.0.0.1", uuid.New(), a)
	r.Add("s2", "bob", "10.0.0.1", uuid.New(), b)
	r.Add("s3", "carol", "10.0.0.2", uuid.New(), c)

	n := r.Kick(domain.Target{Kind: domain.KindIP, Key: "10.0.0.1"}, "Your IP address was banned")
	if n != 2 {
		t.Fatalf("Kick returned %d, want 2", n)
	}

	a.waitClosed(t)
	b.waitClosed(t)
	if !strings.Contains(a.String(), "Your IP address was banned") {
		t.Fatalf("kicked session output = %q", a.String())
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}

	r.Remove("s3")
	c.waitClosed(t)
}

func TestSessionRegistryKickByNameIsExact(t *testing.T) {
	r := NewSessionRegistry()
	a := newBufferConn()
	r.Add("s1", "Alice", "10.0.0.1", uuid.New(), a)

	if n := r.Kick(domain.Target{Kind: domain.KindName, Key: "alice"}, "bye"); n != 0 {
		t.Fatalf("Kick(alice) removed %d sessions, want 0", n)
	}
	if n := r.Kick(domain.Target{Kind: domain.KindName, Key: "Alice"}, "bye"); n != 1 {
		t.Fatalf("Kick(Alice) removed %d sessions, want 1", n)
	}
	a.waitClosed(t)
}

func TestSessionRegistryBroadcastAndIdentity(t *testing.T) {
	r := NewSessionRegistry()
	id := uuid.New()
	a, b := newBufferConn(), newBufferConn()
	r.Add("s1", "alice", "10.0.0.1", id, a)
	r.Add("s2", "bob", "10.0.0.2", uuid.New(), b)
	t.Cleanup(func() { r.CloseAll("") })

	r.Broadcast("hello everyone")
	a.waitFor(t, "hello everyone")
	b.waitFor(t, "hello everyone")

	got, ok := r.IdentityOf("alice")
	if !ok || got != id {
		t.Fatalf("IdentityOf(alice) = %s, %v; want %s, true", got, ok, id)
	}
	if _, ok := r.IdentityOf("nobody"); ok {
		t.Fatal("IdentityOf(nobody) reported an online session")
	}

	if !r.Send("s2", "direct") {
		t.Fatal("Send to a live session returned false")
	}
	b.waitFor(t, "direct")
	if r.Send("missing", "x") {
		t.Fatal("Send to an unknown session returned true")
	}
}

func TestOfflineIdentityIsStable(t *testing.T) {
	if OfflineIdentity("alice") != OfflineIdentity("alice") {
		t.Fatal("OfflineIdentity is not deterministic")
	}
	if OfflineIdentity("alice") == OfflineIdentity("Alice") {
		t.Fatal("OfflineIdentity should differ by case")
	}
}
