package earnings

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/events"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/observability"
	"github.com/example/freight-dispatch/internal/storage"
)

type Ledger struct {
	store    storage.Store
	notifier *events.Notifier
	log      *slog.Logger
	now      func() time.Time
}

func NewLedger(store storage.Store, notifier *events.Notifier, log *slog.Logger) *Ledger {
	return &Ledger{store: store, notifier: notifier, log: log, now: time.Now}
}

// SettleJob credits the assigned driver with the job amount. A job settles
// once; a second call is a Conflict.
func (l *Ledger) SettleJob(ctx context.Context, jobID string) (*models.Earning, error) {
	var e *models.Earning
	err := l.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		j, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return storage.Classify(err, "job %s not found", jobID)
		}
		if j.Status != models.JobCompleted {
			return apperr.New(apperr.InvalidState, "job %s is %s, not COMPLETED", jobID, j.Status)
		}
		if j.DriverID == "" {
			return apperr.New(apperr.InvalidState, "job %s has no driver", jobID)
		}
		if _, err := tx.FindJobEarning(ctx, jobID); err == nil {
			return apperr.New(apperr.Conflict, "job %s already settled", jobID)
		} else if !storage.IsNotFound(err) {
			return err
		}
		e = &models.Earning{
			ID:          uuid.NewString(),
			DriverID:    j.DriverID,
			JobID:       j.ID,
			Amount:      j.Amount,
			Category:    models.EarningJobPayment,
			Description: "payment for job " + j.ID,
			CreatedAt:   l.now().UTC(),
		}
		if err := tx.CreateEarning(ctx, e); err != nil {
			if storage.IsDuplicate(err) {
				return apperr.New(apperr.Conflict, "job %s already settled", jobID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(err, "settle job")
	}
	observability.Settlements.Inc()
	l.log.Info("job settled", "job_id", jobID, "driver_id", e.DriverID, "amount", e.Amount)
	l.notify(e)
	return e, nil
}

// AddBonus records a non-job credit for a driver.
func (l *Ledger) AddBonus(ctx context.Context, driverID string, amount float64, category models.EarningCategory, description string) (*models.Earning, error) {
	if amount <= 0 {
		return nil, apperr.New(apperr.InvalidArgument, "amount must be positive")
	}
	switch category {
	case models.EarningBonus, models.EarningAdjustment, models.EarningTip:
	default:
		return nil, apperr.New(apperr.InvalidArgument, "category must be bonus, adjustment or tip")
	}
	e := &models.Earning{
		ID:          uuid.NewString(),
		DriverID:    driverID,
		Amount:      amount,
		Category:    category,
		Description: description,
		CreatedAt:   l.now().UTC(),
	}
	err := l.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetDriver(ctx, driverID); err != nil {
			return storage.Classify(err, "driver %s not found", driverID)
		}
		return tx.CreateEarning(ctx, e)
	})
	if err != nil {
		return nil, apperr.Wrap(err, "add bonus")
	}
	l.log.Info("earning added", "driver_id", driverID, "category", category, "amount", amount)
	l.notify(e)
	return e, nil
}

// MarkPaid flags every listed earning as paid, all or nothing. Earnings that
// were already paid keep their original PaidAt.
func (l *Ledger) MarkPaid(ctx context.Context, ids []string) ([]*models.Earning, error) {
	if len(ids) == 0 {
		return nil, apperr.New(apperr.InvalidArgument, "no earning ids given")
	}
	var out []*models.Earning
	err := l.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		loaded := make([]*models.Earning, 0, len(ids))
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			e, err := tx.GetEarning(ctx, id)
			if err != nil {
				return storage.Classify(err, "earning %s not found", id)
			}
			loaded = append(loaded, e)
		}
		now := l.now().UTC()
		for _, e := range loaded {
			if !e.Paid {
				e.Paid = true
				paidAt := now
				e.PaidAt = &paidAt
				if err := tx.UpdateEarning(ctx, e); err != nil {
					return err
				}
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(err, "mark paid")
	}
	return out, nil
}

func (l *Ledger) ListForDriver(ctx context.Context, driverID string) ([]*models.Earning, error) {
	var out []*models.Earning
	err := l.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetDriver(ctx, driverID); err != nil {
			return storage.Classify(err, "driver %s not found", driverID)
		}
		var err error
		out, err = tx.ListEarnings(ctx, driverID)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(err, "list earnings")
	}
	return out, nil
}

type Summary struct {
	DriverID   string                             `json:"driver_id"`
	Count      int                                `json:"count"`
	Total      float64                            `json:"total"`
	Paid       float64                            `json:"paid"`
	Unpaid     float64                            `json:"unpaid"`
	ByCategory map[models.EarningCategory]float64 `json:"by_category"`
}

func (l *Ledger) Summary(ctx context.Context, driverID string) (Summary, error) {
	list, err := l.ListForDriver(ctx, driverID)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{DriverID: driverID, ByCategory: make(map[models.EarningCategory]float64)}
	for _, e := range list {
		s.Count++
		s.Total += e.Amount
		if e.Paid {
			s.Paid += e.Amount
		} else {
			s.Unpaid += e.Amount
		}
		s.ByCategory[e.Category] += e.Amount
	}
	return s, nil
}

func (l *Ledger) notify(e *models.Earning) {
	ev := events.New(events.EarningCreated, e)
	ev.JobID = e.JobID
	ev.DriverID = e.DriverID
	l.notifier.Notify(ev, e.DriverID)
}
