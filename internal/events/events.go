// Package events fans domain events out to connected users through the
// realtime hub and to an external broker for other services.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/observability"
)

type Type string

const (
	JobCreated       Type = "job.created"
	JobStatusChanged Type = "job.status_changed"
	BidSubmitted     Type = "bid.submitted"
	BidAccepted      Type = "bid.accepted"
	BidDeclined      Type = "bid.declined"
	BidCountered     Type = "bid.countered"
	PaymentCompleted Type = "payment.completed"
	PaymentFailed    Type = "payment.failed"
	PaymentRefunded  Type = "payment.refunded"
	DriverLocation   Type = "driver.location"
	DriverStatus     Type = "driver.status"
	EarningCreated   Type = "earning.created"
)

// Event is the envelope sent over websockets and to the broker.
type Event struct {
	ID       string    `json:"id"`
	Type     Type      `json:"type"`
	JobID    string    `json:"job_id,omitempty"`
	DriverID string    `json:"driver_id,omitempty"`
	Data     any       `json:"data,omitempty"`
	At       time.Time `json:"at"`
}

func New(typ Type, data any) Event {
	return Event{ID: uuid.NewString(), Type: typ, Data: data, At: time.Now().UTC()}
}

// ForJob builds an event about a job and its assigned driver.
func ForJob(typ Type, j *models.Job, data any) Event {
	ev := New(typ, data)
	ev.JobID = j.ID
	ev.DriverID = j.DriverID
	return ev
}

// Key is the partitioning key brokers use so a job's events stay ordered.
func (e Event) Key() string {
	if e.JobID != "" {
		return e.JobID
	}
	return e.DriverID
}

// Broadcaster is the slice of the realtime hub the notifier needs.
type Broadcaster interface {
	SendToUser(userID string, msg any) bool
	BroadcastToRole(role models.Role, msg any) int
}

// Publisher ships events to an external broker.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Notifier delivers events. Realtime sends are non-blocking; broker
// publishes run in the background with a deadline so callers never wait on
// the network.
type Notifier struct {
	hub     Broadcaster
	pubs    []Publisher
	log     *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewNotifier(hub Broadcaster, log *slog.Logger, pubs ...Publisher) *Notifier {
	return &Notifier{hub: hub, pubs: pubs, log: log, timeout: 3 * time.Second}
}

// JobRecipients returns the users a job event concerns.
func JobRecipients(j *models.Job) []string {
	out := []string{j.CustomerID}
	if j.DriverID != "" {
		out = append(out, j.DriverID)
	}
	return out
}

// Notify sends ev to each listed user and to every admin, then hands it to
// the brokers.
func (n *Notifier) Notify(ev Event, userIDs ...string) {
	seen := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		n.hub.SendToUser(id, ev)
	}
	n.hub.BroadcastToRole(models.RoleAdmin, ev)

	if len(n.pubs) == 0 {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.log.Warn("event dropped after close", "type", ev.Type, "event_id", ev.ID)
		return
	}
	n.wg.Add(len(n.pubs))
	n.mu.Unlock()

	for _, p := range n.pubs {
		go func(p Publisher) {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			defer cancel()
			if err := p.Publish(ctx, ev); err != nil {
				observability.PublishFailures.WithLabelValues(p.Name()).Inc()
				n.log.Warn("event publish failed", "broker", p.Name(), "type", ev.Type, "event_id", ev.ID, "error", err)
			}
		}(p)
	}
}

// NotifyRole puts ev on the realtime feed of every connection with role.
// Brokers are not involved.
func (n *Notifier) NotifyRole(ev Event, role models.Role) {
	n.hub.BroadcastToRole(role, ev)
}

// NotifyJob is Notify addressed to the job's customer and driver.
func (n *Notifier) NotifyJob(typ Type, j *models.Job, data any) {
	n.Notify(ForJob(typ, j, data), JobRecipients(j)...)
}

// Close waits for in-flight publishes and closes the brokers. Events
// notified afterwards still reach the hub but are not published.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	n.wg.Wait()
	var first error
	for _, p := range n.pubs {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
