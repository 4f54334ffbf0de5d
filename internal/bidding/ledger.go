// Package bidding records drivers' price offers on jobs and turns an accepted
// offer into a driver assignment awaiting payment.
package bidding

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/events"
	"github.com/example/freight-dispatch/internal/jobs"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/observability"
	"github.com/example/freight-dispatch/internal/storage"
)

type Ledger struct {
	store    storage.Store
	machine  *jobs.Machine
	notifier *events.Notifier
	log      *slog.Logger
}

func NewLedger(store storage.Store, machine *jobs.Machine, notifier *events.Notifier, log *slog.Logger) *Ledger {
	return &Ledger{store: store, machine: machine, notifier: notifier, log: log}
}

// Submit places a bid, or replaces the driver's open bid on the same job.
func (l *Ledger) Submit(ctx context.Context, jobID, driverID string, price float64, comment string) (*models.Bid, error) {
	var (
		b   *models.Bid
		job *models.Job
	)
	err := l.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		job, err = tx.GetJob(ctx, jobID)
		if err != nil {
			return storage.Classify(err, "job %s not found", jobID)
		}
		d, err := tx.GetDriver(ctx, driverID)
		if err != nil {
			return storage.Classify(err, "driver %s not found", driverID)
		}
		if job.Status != models.JobPending {
			return apperr.New(apperr.InvalidState, "job %s is %s, not open for bids", jobID, job.Status)
		}
		if d.Status == models.DriverOffline {
			return apperr.New(apperr.InvalidState, "driver %s is offline", driverID)
		}
		if price <= 0 {
			return apperr.New(apperr.InvalidArgument, "proposed price must be positive")
		}

		now := l.machine.Now()
		b, err = tx.FindOpenBid(ctx, jobID, driverID)
		switch {
		case err == nil:
			b.ProposedPrice = price
			b.Comment = comment
			b.Status = models.BidPending
			b.UpdatedAt = now
			return tx.UpdateBid(ctx, b)
		case storage.IsNotFound(err):
			b = &models.Bid{
				ID:            uuid.NewString(),
				JobID:         jobID,
				DriverID:      driverID,
				OriginalPrice: job.Amount,
				ProposedPrice: price,
				Status:        models.BidPending,
				Comment:       comment,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.CreateBid(ctx, b); err != nil {
				if storage.IsDuplicate(err) {
					return apperr.New(apperr.Conflict, "driver %s already has an open bid on job %s", driverID, jobID)
				}
				return err
			}
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return nil, apperr.Wrap(err, "submit bid")
	}
	observability.BidActions.WithLabelValues("submit").Inc()
	l.log.Info("bid submitted", "bid_id", b.ID, "job_id", jobID, "driver_id", driverID, "price", price)
	l.notifier.Notify(events.ForJob(events.BidSubmitted, job, b), job.CustomerID, driverID)
	return b, nil
}

func (l *Ledger) ListForJob(ctx context.Context, jobID string) ([]*models.Bid, error) {
	var out []*models.Bid
	err := l.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetJob(ctx, jobID); err != nil {
			return storage.Classify(err, "job %s not found", jobID)
		}
		var err error
		out, err = tx.ListBids(ctx, storage.BidFilter{JobID: jobID})
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(err, "list bids")
	}
	return out, nil
}

func (l *Ledger) ListForDriver(ctx context.Context, driverID string) ([]*models.Bid, error) {
	var out []*models.Bid
	err := l.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetDriver(ctx, driverID); err != nil {
			return storage.Classify(err, "driver %s not found", driverID)
		}
		var err error
		out, err = tx.ListBids(ctx, storage.BidFilter{DriverID: driverID})
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(err, "list bids")
	}
	return out, nil
}

// OpenForDriver returns the driver's bids that can still win: the bid is
// open and its job is still PENDING. Bids on jobs that moved on are not
// declined in storage, so the job status is what decides.
func (l *Ledger) OpenForDriver(ctx context.Context, driverID string) ([]*models.Bid, error) {
	var out []*models.Bid
	err := l.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetDriver(ctx, driverID); err != nil {
			return storage.Classify(err, "driver %s not found", driverID)
		}
		bids, err := tx.ListBids(ctx, storage.BidFilter{DriverID: driverID})
		if err != nil {
			return err
		}
		pending := make(map[string]bool)
		for _, b := range bids {
			if !b.Status.Open() {
				continue
			}
			open, seen := pending[b.JobID]
			if !seen {
				j, err := tx.GetJob(ctx, b.JobID)
				if err != nil && !storage.IsNotFound(err) {
					return err
				}
				open = err == nil && j.Status == models.JobPending
				pending[b.JobID] = open
			}
			if open {
				out = append(out, b)
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(err, "list open bids")
	}
	if out == nil {
		out = []*models.Bid{}
	}
	return out, nil
}

// canDecide reports whether actor may accept, decline or counter bids on j.
func canDecide(actor models.Actor, j *models.Job) bool {
	switch actor.Role {
	case models.RoleAdmin, models.RoleSystem:
		return true
	case models.RoleCustomer:
		return actor.UserID == j.CustomerID
	}
	return false
}

// Accept picks the winning bid. In one transaction the bid becomes ACCEPTED,
// the job's payment is opened (or a failed one reused) for the bid price and
// the job moves to PAYMENT_PENDING with the bid's driver and price. Other bids
// on the job are left as they are.
func (l *Ledger) Accept(ctx context.Context, bidID string, actor models.Actor) (*models.Bid, error) {
	var (
		b *models.Bid
		c jobs.Change
	)
	err := l.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		b, err = tx.GetBid(ctx, bidID)
		if err != nil {
			return storage.Classify(err, "bid %s not found", bidID)
		}
		j, err := tx.GetJob(ctx, b.JobID)
		if err != nil {
			return storage.Classify(err, "job %s not found", b.JobID)
		}
		if !canDecide(actor, j) {
			return apperr.New(apperr.Forbidden, "only the job's customer can accept bids")
		}
		if j.Status != models.JobPending {
			observability.AcceptConflicts.Inc()
			return apperr.New(apperr.InvalidState, "job %s is %s, not PENDING", j.ID, j.Status)
		}
		if !b.Status.Open() {
			return apperr.New(apperr.InvalidState, "bid %s is %s", b.ID, b.Status)
		}
		d, err := tx.GetDriver(ctx, b.DriverID)
		if err != nil {
			return storage.Classify(err, "driver %s not found", b.DriverID)
		}
		if d.Status == models.DriverOffline {
			return apperr.New(apperr.InvalidState, "driver %s is offline", d.ID)
		}

		now := l.machine.Now()
		b.Status = models.BidAccepted
		b.UpdatedAt = now
		if err := tx.UpdateBid(ctx, b); err != nil {
			return err
		}
		if err := openPayment(ctx, tx, j.ID, b.ProposedPrice, now); err != nil {
			return err
		}
		j.DriverID = b.DriverID
		j.Amount = b.ProposedPrice
		c, err = l.machine.Move(ctx, tx, j, models.JobPaymentPending)
		if apperr.Is(err, apperr.InvalidState) {
			observability.AcceptConflicts.Inc()
		}
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(err, "accept bid")
	}
	observability.BidActions.WithLabelValues("accept").Inc()
	observability.Payments.WithLabelValues(string(models.PaymentPending)).Inc()
	l.log.Info("bid accepted", "bid_id", b.ID, "job_id", b.JobID, "driver_id", b.DriverID, "price", b.ProposedPrice)
	l.machine.Publish(ctx, c)
	l.notifier.NotifyJob(events.BidAccepted, c.Job, b)
	return b, nil
}

// openPayment leaves exactly one PENDING payment on the job.
func openPayment(ctx context.Context, tx storage.Tx, jobID string, amount float64, now time.Time) error {
	p, err := tx.GetPaymentForJob(ctx, jobID)
	if storage.IsNotFound(err) {
		return tx.CreatePayment(ctx, &models.Payment{
			ID:        uuid.NewString(),
			JobID:     jobID,
			Amount:    amount,
			Status:    models.PaymentPending,
			Metadata:  map[string]string{},
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if err != nil {
		return err
	}
	if p.Status != models.PaymentFailed {
		return apperr.New(apperr.InvalidState, "job %s already has a %s payment", jobID, p.Status)
	}
	p.Status = models.PaymentPending
	p.Amount = amount
	delete(p.Metadata, models.MetaFailureReason)
	delete(p.Metadata, models.MetaIntentID)
	p.UpdatedAt = now
	return tx.UpdatePayment(ctx, p)
}

// Decline marks the bid DECLINED whatever its status. The job is not touched.
func (l *Ledger) Decline(ctx context.Context, bidID string, actor models.Actor) (*models.Bid, error) {
	var (
		b   *models.Bid
		job *models.Job
	)
	err := l.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		b, err = tx.GetBid(ctx, bidID)
		if err != nil {
			return storage.Classify(err, "bid %s not found", bidID)
		}
		job, err = tx.GetJob(ctx, b.JobID)
		if err != nil {
			return storage.Classify(err, "job %s not found", b.JobID)
		}
		if !canDecide(actor, job) {
			return apperr.New(apperr.Forbidden, "only the job's customer can decline bids")
		}
		b.Status = models.BidDeclined
		b.UpdatedAt = l.machine.Now()
		return tx.UpdateBid(ctx, b)
	})
	if err != nil {
		return nil, apperr.Wrap(err, "decline bid")
	}
	observability.BidActions.WithLabelValues("decline").Inc()
	l.notifier.Notify(events.ForJob(events.BidDeclined, job, b), b.DriverID)
	return b, nil
}

// Counter answers a bid with the customer's own price. The driver's last
// price moves to OriginalPrice.
func (l *Ledger) Counter(ctx context.Context, bidID string, price float64, actor models.Actor) (*models.Bid, error) {
	var (
		b   *models.Bid
		job *models.Job
	)
	err := l.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		b, err = tx.GetBid(ctx, bidID)
		if err != nil {
			return storage.Classify(err, "bid %s not found", bidID)
		}
		job, err = tx.GetJob(ctx, b.JobID)
		if err != nil {
			return storage.Classify(err, "job %s not found", b.JobID)
		}
		if !canDecide(actor, job) {
			return apperr.New(apperr.Forbidden, "only the job's customer can counter bids")
		}
		if job.Status != models.JobPending {
			return apperr.New(apperr.InvalidState, "job %s is %s, not PENDING", job.ID, job.Status)
		}
		if price <= 0 {
			return apperr.New(apperr.InvalidArgument, "counter price must be positive")
		}
		if !b.Status.Open() {
			return apperr.New(apperr.InvalidState, "bid %s is %s", b.ID, b.Status)
		}
		b.OriginalPrice = b.ProposedPrice
		b.ProposedPrice = price
		b.Status = models.BidCountered
		b.UpdatedAt = l.machine.Now()
		return tx.UpdateBid(ctx, b)
	})
	if err != nil {
		return nil, apperr.Wrap(err, "counter bid")
	}
	observability.BidActions.WithLabelValues("counter").Inc()
	l.notifier.Notify(events.ForJob(events.BidCountered, job, b), b.DriverID)
	return b, nil
}
