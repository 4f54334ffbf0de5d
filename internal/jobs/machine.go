// Package jobs is the job lifecycle state machine. Every status change, from
// whichever component, goes through Move so the transition table and its side
// effects live in one place.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/drivers"
	"github.com/example/freight-dispatch/internal/events"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/observability"
	"github.com/example/freight-dispatch/internal/storage"
)

type edge struct{ from, to models.JobStatus }

// transitions is the single source of truth for legal moves.
var transitions = map[models.JobStatus][]models.JobStatus{
	models.JobPending:         {models.JobPaymentPending, models.JobActive, models.JobCancelled},
	models.JobPaymentPending:  {models.JobActive, models.JobPending, models.JobCancelled},
	models.JobActive:          {models.JobPickupArrived, models.JobCancelled},
	models.JobPickupArrived:   {models.JobPickupCompleted, models.JobCancelled},
	models.JobPickupCompleted: {models.JobDeliveryArrived, models.JobCancelled},
	models.JobDeliveryArrived: {models.JobCompleted, models.JobCancelled},
}

// gated edges belong to a specific operation: bid accept, direct
// assignment, payment confirmation and payment expiry.
var gated = map[edge]bool{
	{models.JobPending, models.JobPaymentPending}: true,
	{models.JobPending, models.JobActive}:         true,
	{models.JobPaymentPending, models.JobActive}:  true,
	{models.JobPaymentPending, models.JobPending}: true,
}

// Allowed reports whether the table contains from → to.
func Allowed(from, to models.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next lists the statuses reachable through the public Transition.
func Next(from models.JobStatus) []models.JobStatus {
	var out []models.JobStatus
	for _, s := range transitions[from] {
		if !gated[edge{from, s}] {
			out = append(out, s)
		}
	}
	return out
}

// Settler credits the driver once a job completes.
type Settler interface {
	SettleJob(ctx context.Context, jobID string) (*models.Earning, error)
}

// Ranker orders available drivers around a point.
type Ranker interface {
	Rank(ctx context.Context, origin models.Coord) ([]models.Candidate, error)
}

// Change is one committed status move, waiting to be published.
type Change struct {
	Job  *models.Job
	From models.JobStatus
	To   models.JobStatus
	// Also lists users who should hear about the change but are no longer
	// on the job, such as a driver cleared by a reopen.
	Also []string
}

type Result struct {
	Job      *models.Job `json:"job"`
	Warnings []string    `json:"warnings,omitempty"`
}

type Machine struct {
	store    storage.Store
	notifier *events.Notifier
	settler  Settler
	ranker   Ranker
	log      *slog.Logger
	now      func() time.Time
}

// NewMachine wires the state machine. ranker may be nil, in which case
// Candidates always returns an empty list.
func NewMachine(store storage.Store, notifier *events.Notifier, settler Settler, ranker Ranker, log *slog.Logger) *Machine {
	return &Machine{store: store, notifier: notifier, settler: settler, ranker: ranker, log: log, now: time.Now}
}

// Now is the machine clock; collaborators stamp their rows with it.
func (m *Machine) Now() time.Time { return m.now().UTC() }

// Move applies from → to on j inside tx. The caller has already loaded j in
// the same transaction and set any fields the move carries (driver, amount).
// Effects, all inside tx:
//   - the new status is stamped in StatusTimes and written with a status CAS
//   - entering ACTIVE marks the driver BUSY
//   - entering COMPLETED or CANCELLED releases the driver
//   - cancelling from PAYMENT_PENDING fails the pending payment
func (m *Machine) Move(ctx context.Context, tx storage.Tx, j *models.Job, to models.JobStatus) (Change, error) {
	from := j.Status
	if from == to || !Allowed(from, to) {
		return Change{}, apperr.New(apperr.InvalidTransition, "cannot move job from %s to %s", from, to)
	}
	if to == models.JobActive && j.DriverID == "" {
		return Change{}, apperr.New(apperr.InvalidState, "job %s has no driver", j.ID)
	}

	now := m.Now()
	j.Status = to
	if j.StatusTimes == nil {
		j.StatusTimes = make(map[models.JobStatus]time.Time)
	}
	j.StatusTimes[to] = now
	j.UpdatedAt = now
	if err := tx.UpdateJob(ctx, j, from); err != nil {
		if errors.Is(err, storage.ErrStale) {
			return Change{}, apperr.New(apperr.InvalidState, "job %s changed concurrently", j.ID)
		}
		return Change{}, storage.Classify(err, "job %s not found", j.ID)
	}

	switch {
	case to == models.JobActive:
		if err := drivers.Occupy(ctx, tx, j.DriverID, now); err != nil {
			return Change{}, err
		}
	case to.Terminal() && j.DriverID != "":
		if err := drivers.Release(ctx, tx, j.DriverID, j.ID, now); err != nil {
			return Change{}, err
		}
	}
	if to == models.JobCancelled && from == models.JobPaymentPending {
		if err := failPayment(ctx, tx, j.ID, "job cancelled", now); err != nil {
			return Change{}, err
		}
	}
	return Change{Job: j.Clone(), From: from, To: to}, nil
}

// Reopen sends a PAYMENT_PENDING job back to bidding: the driver is cleared,
// the posted price restored, the accepted bid declined and the payment failed.
func (m *Machine) Reopen(ctx context.Context, tx storage.Tx, j *models.Job, reason string) (Change, error) {
	if j.Status != models.JobPaymentPending {
		return Change{}, apperr.New(apperr.InvalidState, "job %s is %s, not PAYMENT_PENDING", j.ID, j.Status)
	}
	now := m.Now()
	bids, err := tx.ListBids(ctx, storage.BidFilter{JobID: j.ID})
	if err != nil {
		return Change{}, err
	}
	for _, b := range bids {
		if b.Status != models.BidAccepted {
			continue
		}
		b.Status = models.BidDeclined
		b.UpdatedAt = now
		if err := tx.UpdateBid(ctx, b); err != nil {
			return Change{}, err
		}
	}
	if err := failPayment(ctx, tx, j.ID, reason, now); err != nil {
		return Change{}, err
	}
	prev := j.DriverID
	j.DriverID = ""
	j.Amount = j.ListPrice
	c, err := m.Move(ctx, tx, j, models.JobPending)
	if err != nil {
		return Change{}, err
	}
	c.Also = []string{prev}
	return c, nil
}

func failPayment(ctx context.Context, tx storage.Tx, jobID, reason string, now time.Time) error {
	p, err := tx.GetPaymentForJob(ctx, jobID)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.Status != models.PaymentPending {
		return nil
	}
	p.Status = models.PaymentFailed
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}
	p.Metadata[models.MetaFailureReason] = reason
	p.UpdatedAt = now
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return err
	}
	observability.Payments.WithLabelValues(string(models.PaymentFailed)).Inc()
	return nil
}

// Publish runs the post-commit half of a move: metrics, broadcast, and
// settlement for completed jobs. Settlement failures come back as warnings;
// the transition itself has already happened, and Settle retries it.
// Settlement ignores cancellation of ctx since the move is already durable.
func (m *Machine) Publish(ctx context.Context, changes ...Change) []string {
	var warnings []string
	for _, c := range changes {
		observability.JobTransitions.WithLabelValues(string(c.From), string(c.To)).Inc()
		m.log.Info("job transitioned", "job_id", c.Job.ID, "from", c.From, "to", c.To, "driver_id", c.Job.DriverID)

		ev := events.ForJob(events.JobStatusChanged, c.Job, map[string]any{"from": c.From, "to": c.To, "job": c.Job})
		m.notifier.Notify(ev, append(events.JobRecipients(c.Job), c.Also...)...)
		if c.From == models.JobPaymentPending && c.To == models.JobPending {
			m.notifier.NotifyRole(events.ForJob(events.JobCreated, c.Job, c.Job), models.RoleDriver)
		}

		if c.To != models.JobCompleted || m.settler == nil {
			continue
		}
		if _, err := m.settler.SettleJob(context.WithoutCancel(ctx), c.Job.ID); err != nil {
			observability.SettlementFailures.Inc()
			m.log.Error("settlement failed", "job_id", c.Job.ID, "error", err)
			warnings = append(warnings, "settlement failed: "+apperr.Message(err))
		}
	}
	return warnings
}

// Settle credits the driver of a COMPLETED job whose settlement did not go
// through when it completed. A job that already settled is a Conflict.
func (m *Machine) Settle(ctx context.Context, jobID string) (*models.Earning, error) {
	if m.settler == nil {
		return nil, apperr.New(apperr.InvalidState, "settlement is not configured")
	}
	e, err := m.settler.SettleJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	m.log.Info("job settled on retry", "job_id", jobID, "earning_id", e.ID)
	return e, nil
}

// Transition is the public status change. Gated edges and self-loops are
// rejected with InvalidTransition.
func (m *Machine) Transition(ctx context.Context, jobID string, target models.JobStatus) (Result, error) {
	return m.transition(ctx, jobID, target, nil)
}

// TransitionAs is Transition with an authorization check against the actor,
// evaluated on the locked job row.
func (m *Machine) TransitionAs(ctx context.Context, actor models.Actor, jobID string, target models.JobStatus) (Result, error) {
	return m.transition(ctx, jobID, target, func(j *models.Job) error {
		return authorize(actor, j, target)
	})
}

func (m *Machine) transition(ctx context.Context, jobID string, target models.JobStatus, check func(*models.Job) error) (Result, error) {
	var c Change
	err := m.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		j, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return storage.Classify(err, "job %s not found", jobID)
		}
		if check != nil {
			if err := check(j); err != nil {
				return err
			}
		}
		if gated[edge{j.Status, target}] {
			return apperr.New(apperr.InvalidTransition, "cannot move job from %s to %s directly", j.Status, target)
		}
		c, err = m.Move(ctx, tx, j, target)
		return err
	})
	if err != nil {
		return Result{}, apperr.Wrap(err, "transition job")
	}
	return Result{Job: c.Job, Warnings: m.Publish(ctx, c)}, nil
}

func authorize(actor models.Actor, j *models.Job, target models.JobStatus) error {
	switch actor.Role {
	case models.RoleAdmin, models.RoleSystem:
		return nil
	case models.RoleCustomer:
		if actor.UserID == j.CustomerID && target == models.JobCancelled {
			return nil
		}
	case models.RoleDriver:
		if actor.UserID == j.DriverID && target != models.JobCancelled {
			return nil
		}
	}
	return apperr.New(apperr.Forbidden, "not allowed to move job %s to %s", j.ID, target)
}

// AssignDriver is the direct-assignment path: PENDING → ACTIVE with the
// given driver, skipping bidding and payment.
func (m *Machine) AssignDriver(ctx context.Context, jobID, driverID string) (*models.Job, error) {
	var c Change
	err := m.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		j, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return storage.Classify(err, "job %s not found", jobID)
		}
		d, err := tx.GetDriver(ctx, driverID)
		if err != nil {
			return storage.Classify(err, "driver %s not found", driverID)
		}
		if j.Status != models.JobPending {
			return apperr.New(apperr.InvalidState, "job %s is %s, not PENDING", jobID, j.Status)
		}
		if d.Status != models.DriverAvailable {
			return apperr.New(apperr.InvalidState, "driver %s is %s, not AVAILABLE", driverID, d.Status)
		}
		j.DriverID = driverID
		c, err = m.Move(ctx, tx, j, models.JobActive)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(err, "assign driver")
	}
	m.Publish(ctx, c)
	return c.Job, nil
}
