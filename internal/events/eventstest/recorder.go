// Package eventstest provides a recording broadcaster for service tests.
package eventstest

import (
	"sync"

	"github.com/example/freight-dispatch/internal/events"
	"github.com/example/freight-dispatch/internal/logging"
	"github.com/example/freight-dispatch/internal/models"
)

type Delivery struct {
	UserID string
	Role   models.Role
	Event  events.Event
}

// Recorder implements events.Broadcaster and remembers every delivery.
type Recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
}

func (r *Recorder) SendToUser(userID string, msg any) bool {
	r.record(Delivery{UserID: userID}, msg)
	return true
}

func (r *Recorder) BroadcastToRole(role models.Role, msg any) int {
	r.record(Delivery{Role: role}, msg)
	return 1
}

func (r *Recorder) record(d Delivery, msg any) {
	ev, ok := msg.(events.Event)
	if !ok {
		return
	}
	d.Event = ev
	r.mu.Lock()
	r.deliveries = append(r.deliveries, d)
	r.mu.Unlock()
}

// SentTo returns the events delivered to one user, oldest first. Role
// broadcasts are not counted.
func (r *Recorder) SentTo(userID string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, d := range r.deliveries {
		if d.Role == "" && d.UserID == userID {
			out = append(out, d.Event)
		}
	}
	return out
}

// ToRole returns the events broadcast to a role, oldest first.
func (r *Recorder) ToRole(role models.Role) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, d := range r.deliveries {
		if d.Role == role {
			out = append(out, d.Event)
		}
	}
	return out
}

// Count returns how many admin broadcasts carried the given type. Every
// notification reaches admins exactly once, so this counts notifications.
func (r *Recorder) Count(typ events.Type) int {
	n := 0
	for _, ev := range r.ToRole(models.RoleAdmin) {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// NewNotifier returns a notifier wired to a fresh recorder and no brokers.
func NewNotifier() (*events.Notifier, *Recorder) {
	rec := &Recorder{}
	return events.NewNotifier(rec, logging.Discard()), rec
}
