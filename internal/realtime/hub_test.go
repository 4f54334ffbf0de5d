package realtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/freight-dispatch/internal/logging"
	"github.com/example/freight-dispatch/internal/models"
)

// fakeTransport records writes and can be told to block or fail.
type fakeTransport struct {
	mu      sync.Mutex
	writes  chan any
	block   chan struct{}
	pingErr error
	pings   int
	closed  bool
}

func newFake() *fakeTransport { return &fakeTransport{writes: make(chan any, 64)} }

func (f *fakeTransport) WriteJSON(v any) error {
	if f.block != nil {
		<-f.block
	}
	f.writes <- v
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func recv(t *testing.T, f *fakeTransport) any {
	t.Helper()
	select {
	case v := <-f.writes:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for write")
		return nil
	}
}

func TestSendToUser(t *testing.T) {
	h := NewHub(logging.Discard())
	f := newFake()
	h.Register("u1", models.RoleCustomer, f)

	if !h.SendToUser("u1", "hello") {
		t.Fatal("expected message to be accepted")
	}
	if got := recv(t, f); got != "hello" {
		t.Fatalf("got %v", got)
	}
	if h.SendToUser("nobody", "x") {
		t.Fatal("send to unknown user must report false")
	}
}

func TestBroadcastToRoleOnlyReachesRole(t *testing.T) {
	h := NewHub(logging.Discard())
	admin1, admin2, driver := newFake(), newFake(), newFake()
	h.Register("a1", models.RoleAdmin, admin1)
	h.Register("a2", models.RoleAdmin, admin2)
	h.Register("d1", models.RoleDriver, driver)

	if n := h.BroadcastToRole(models.RoleAdmin, "evt"); n != 2 {
		t.Fatalf("expected 2 recipients, got %d", n)
	}
	recv(t, admin1)
	recv(t, admin2)
	select {
	case v := <-driver.writes:
		t.Fatalf("driver received %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewConnectionReplacesOld(t *testing.T) {
	h := NewHub(logging.Discard())
	first, second := newFake(), newFake()
	c1 := h.Register("u1", models.RoleDriver, first)
	h.Register("u1", models.RoleDriver, second)

	if !first.isClosed() {
		t.Fatal("replaced transport should be closed")
	}
	if h.Len() != 1 {
		t.Fatalf("expected one connection, got %d", h.Len())
	}
	h.SendToUser("u1", "to-second")
	if got := recv(t, second); got != "to-second" {
		t.Fatalf("got %v", got)
	}
	// a late unregister from the stale reader must not evict the new one
	h.Unregister(c1)
	if !h.Connected("u1") {
		t.Fatal("stale unregister removed the current connection")
	}
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(logging.Discard(), WithBuffer(1))
	f := newFake()
	f.block = make(chan struct{})
	defer close(f.block)
	h.Register("u1", models.RoleCustomer, f)

	accepted := 0
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			if h.SendToUser("u1", i) {
				accepted++
			}
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendToUser blocked on a stuck connection")
	}
	if accepted > 2 {
		t.Fatalf("buffer of 1 accepted %d messages", accepted)
	}
}

func TestSweepClosesUnresponsive(t *testing.T) {
	h := NewHub(logging.Discard())
	alive, dead := newFake(), newFake()
	ca := h.Register("alive", models.RoleDriver, alive)
	h.Register("dead", models.RoleDriver, dead)

	h.Sweep()
	if alive.pings != 1 || dead.pings != 1 {
		t.Fatalf("expected one ping each, got %d/%d", alive.pings, dead.pings)
	}
	ca.MarkAlive()

	h.Sweep()
	if h.Connected("dead") {
		t.Fatal("connection that missed a ping should be removed")
	}
	if !dead.isClosed() {
		t.Fatal("dropped transport should be closed")
	}
	if !h.Connected("alive") {
		t.Fatal("responsive connection was removed")
	}
}

func TestSweepDropsOnPingError(t *testing.T) {
	h := NewHub(logging.Discard())
	f := newFake()
	f.pingErr = errors.New("broken pipe")
	h.Register("u1", models.RoleCustomer, f)

	h.Sweep()
	if h.Connected("u1") {
		t.Fatal("ping failure should drop the connection")
	}
}
