// Package drivers owns driver availability. A driver's status is a
// projection of its job assignments plus the driver's own on/off switch.
package drivers

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/events"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/observability"
	"github.com/example/freight-dispatch/internal/storage"
)

// Tracker receives accepted driver positions, e.g. the geo index or the
// location ingest producer.
type Tracker interface {
	Track(ctx context.Context, p models.Position) error
}

// TrackerFunc adapts a function to Tracker.
type TrackerFunc func(ctx context.Context, p models.Position) error

func (f TrackerFunc) Track(ctx context.Context, p models.Position) error { return f(ctx, p) }

type Manager struct {
	store    storage.Store
	notifier *events.Notifier
	tracker  Tracker
	log      *slog.Logger
	now      func() time.Time
}

// NewManager builds a manager. tracker may be nil.
func NewManager(store storage.Store, notifier *events.Notifier, tracker Tracker, log *slog.Logger) *Manager {
	return &Manager{store: store, notifier: notifier, tracker: tracker, log: log, now: time.Now}
}

type RegisterInput struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	VehicleType string `json:"vehicle_type"`
}

// Register creates a driver profile in AVAILABLE status. The id is the
// driver's identity in the authentication system.
func (m *Manager) Register(ctx context.Context, in RegisterInput) (*models.Driver, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Name = strings.TrimSpace(in.Name)
	if in.ID == "" || in.Name == "" {
		return nil, apperr.New(apperr.InvalidArgument, "id and name are required")
	}
	now := m.now().UTC()
	d := &models.Driver{
		ID:          in.ID,
		Name:        in.Name,
		Phone:       in.Phone,
		VehicleType: in.VehicleType,
		Status:      models.DriverAvailable,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := m.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.CreateDriver(ctx, d)
	})
	if err != nil {
		if storage.IsDuplicate(err) {
			return nil, apperr.New(apperr.Conflict, "driver %s already registered", in.ID)
		}
		return nil, apperr.Wrap(err, "create driver")
	}
	m.log.Info("driver registered", "driver_id", d.ID)
	return d, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*models.Driver, error) {
	var d *models.Driver
	err := m.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		d, err = tx.GetDriver(ctx, id)
		return storage.Classify(err, "driver %s not found", id)
	})
	return d, err
}

// SetStatus is a guarded setter: the only rule is that a driver holding a
// non-terminal job cannot go OFFLINE.
func (m *Manager) SetStatus(ctx context.Context, driverID string, status models.DriverStatus) (*models.Driver, error) {
	if !status.Valid() {
		return nil, apperr.New(apperr.InvalidArgument, "unknown driver status %q", status)
	}
	var d *models.Driver
	err := m.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		// row lock first so a concurrent bid accept sees the final status
		d, err = tx.GetDriver(ctx, driverID)
		if err != nil {
			return storage.Classify(err, "driver %s not found", driverID)
		}
		if status == models.DriverOffline {
			open, err := tx.ListJobs(ctx, storage.JobFilter{DriverID: driverID, Statuses: models.OpenJobStatuses})
			if err != nil {
				return apperr.Wrap(err, "list driver jobs")
			}
			if len(open) > 0 {
				return apperr.New(apperr.InvalidState, "cannot go offline with active jobs")
			}
		}
		if d.Status == status {
			return nil
		}
		d.Status = status
		d.UpdatedAt = m.now().UTC()
		return tx.UpdateDriver(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	observability.DriverStatus.WithLabelValues(string(status)).Inc()
	ev := events.New(events.DriverStatus, map[string]any{"status": status})
	ev.DriverID = d.ID
	m.notifier.Notify(ev, d.ID)
	m.log.Info("driver status set", "driver_id", d.ID, "status", status)
	return d, nil
}

// RecordLocation stores the driver's latest point, feeds the tracker and
// tells admins and the customers of the driver's open jobs.
func (m *Manager) RecordLocation(ctx context.Context, driverID string, lat, lng float64) (*models.Driver, error) {
	var (
		d         *models.Driver
		customers []string
	)
	err := m.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		d, err = tx.GetDriver(ctx, driverID)
		if err != nil {
			return storage.Classify(err, "driver %s not found", driverID)
		}
		c := models.Coord{Lat: lat, Lng: lng}
		if !c.Valid() {
			return apperr.New(apperr.InvalidArgument, "coordinates out of range: lat %v lng %v", lat, lng)
		}
		d.Location = &models.Location{Coord: c, At: m.now().UTC()}
		d.UpdatedAt = d.Location.At
		if err := tx.UpdateDriver(ctx, d); err != nil {
			return err
		}
		open, err := tx.ListJobs(ctx, storage.JobFilter{DriverID: driverID, Statuses: models.OpenJobStatuses})
		if err != nil {
			return err
		}
		for _, j := range open {
			customers = append(customers, j.CustomerID)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(err, "record location")
	}
	observability.LocationUpdates.Inc()

	pos := models.Position{DriverID: d.ID, Loc: d.Location.Coord, At: d.Location.At}
	if m.tracker != nil {
		if err := m.tracker.Track(ctx, pos); err != nil {
			m.log.Warn("position tracker update failed", "driver_id", d.ID, "error", err)
		}
	}
	ev := events.New(events.DriverLocation, pos)
	ev.DriverID = d.ID
	m.notifier.Notify(ev, customers...)
	return d, nil
}

// Occupy marks a driver BUSY inside an open transaction.
func Occupy(ctx context.Context, tx storage.Tx, driverID string, now time.Time) error {
	d, err := tx.GetDriver(ctx, driverID)
	if err != nil {
		return storage.Classify(err, "driver %s not found", driverID)
	}
	if d.Status == models.DriverBusy {
		return nil
	}
	d.Status = models.DriverBusy
	d.UpdatedAt = now
	return tx.UpdateDriver(ctx, d)
}

// Release returns a driver to AVAILABLE inside an open transaction once
// jobID no longer holds it, unless another job is still in progress.
func Release(ctx context.Context, tx storage.Tx, driverID, jobID string, now time.Time) error {
	d, err := tx.GetDriver(ctx, driverID)
	if err != nil {
		return storage.Classify(err, "driver %s not found", driverID)
	}
	if d.Status == models.DriverAvailable {
		return nil
	}
	others, err := tx.ListJobs(ctx, storage.JobFilter{
		DriverID:  driverID,
		ExcludeID: jobID,
		Statuses:  models.InProgressJobStatuses,
	})
	if err != nil {
		return err
	}
	if len(others) > 0 {
		return nil
	}
	d.Status = models.DriverAvailable
	d.UpdatedAt = now
	return tx.UpdateDriver(ctx, d)
}
