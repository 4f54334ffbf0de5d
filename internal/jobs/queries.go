package jobs

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/events"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/storage"
)

type CreateInput struct {
	Pickup      models.Place `json:"pickup"`
	Destination models.Place `json:"destination"`
	Amount      float64      `json:"amount"`
	Description string       `json:"description"`
}

// Create posts a new PENDING job for the customer and announces it to
// connected drivers.
func (m *Machine) Create(ctx context.Context, customerID string, in CreateInput) (*models.Job, error) {
	if customerID == "" {
		return nil, apperr.New(apperr.InvalidArgument, "customer is required")
	}
	if in.Amount < 0 {
		return nil, apperr.New(apperr.InvalidArgument, "amount must not be negative")
	}
	if !in.Pickup.Valid() || !in.Destination.Valid() {
		return nil, apperr.New(apperr.InvalidArgument, "pickup and destination must be valid coordinates")
	}
	now := m.Now()
	j := &models.Job{
		ID:          uuid.NewString(),
		CustomerID:  customerID,
		Amount:      in.Amount,
		ListPrice:   in.Amount,
		Status:      models.JobPending,
		StatusTimes: map[models.JobStatus]time.Time{models.JobPending: now},
		Pickup:      in.Pickup,
		Destination: in.Destination,
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := m.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.CreateJob(ctx, j)
	})
	if err != nil {
		return nil, apperr.Wrap(err, "create job")
	}
	m.log.Info("job created", "job_id", j.ID, "customer_id", customerID, "amount", j.Amount)
	m.notifier.NotifyJob(events.JobCreated, j, j)
	m.notifier.NotifyRole(events.ForJob(events.JobCreated, j, j), models.RoleDriver)
	return j, nil
}

func (m *Machine) Get(ctx context.Context, id string) (*models.Job, error) {
	var j *models.Job
	err := m.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		j, err = tx.GetJob(ctx, id)
		return storage.Classify(err, "job %s not found", id)
	})
	return j, err
}

func (m *Machine) ListForCustomer(ctx context.Context, customerID string) ([]*models.Job, error) {
	return m.list(ctx, storage.JobFilter{CustomerID: customerID})
}

func (m *Machine) ListForDriver(ctx context.Context, driverID string) ([]*models.Job, error) {
	return m.list(ctx, storage.JobFilter{DriverID: driverID})
}

// ListOpen returns the jobs still taking bids.
func (m *Machine) ListOpen(ctx context.Context) ([]*models.Job, error) {
	return m.list(ctx, storage.JobFilter{Statuses: []models.JobStatus{models.JobPending}})
}

func (m *Machine) list(ctx context.Context, f storage.JobFilter) ([]*models.Job, error) {
	var out []*models.Job
	err := m.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.ListJobs(ctx, f)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(err, "list jobs")
	}
	return out, nil
}

type TimelineEntry struct {
	Status models.JobStatus `json:"status"`
	At     time.Time        `json:"at"`
	Label  string           `json:"label"`
}

var labels = map[models.JobStatus]string{
	models.JobPending:         "Job posted",
	models.JobPaymentPending:  "Bid accepted, awaiting payment",
	models.JobActive:          "Driver assigned",
	models.JobPickupArrived:   "Driver at pickup",
	models.JobPickupCompleted: "Cargo loaded",
	models.JobDeliveryArrived: "Driver at destination",
	models.JobCompleted:       "Delivered",
	models.JobCancelled:       "Cancelled",
}

func lifecycleIndex(s models.JobStatus) int {
	for i, v := range models.AllJobStatuses {
		if v == s {
			return i
		}
	}
	return len(models.AllJobStatuses)
}

// Timeline lists every status the job has entered, oldest first. A status
// entered twice appears once, at its latest time.
func (m *Machine) Timeline(ctx context.Context, jobID string) ([]TimelineEntry, error) {
	j, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]TimelineEntry, 0, len(j.StatusTimes))
	for s, at := range j.StatusTimes {
		out = append(out, TimelineEntry{Status: s, At: at, Label: labels[s]})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].At.Equal(out[b].At) {
			return lifecycleIndex(out[a].Status) < lifecycleIndex(out[b].Status)
		}
		return out[a].At.Before(out[b].At)
	})
	return out, nil
}

// Candidates ranks available drivers for direct assignment to a PENDING job.
func (m *Machine) Candidates(ctx context.Context, jobID string) ([]models.Candidate, error) {
	j, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != models.JobPending {
		return nil, apperr.New(apperr.InvalidState, "job %s is %s, not PENDING", jobID, j.Status)
	}
	if m.ranker == nil {
		return []models.Candidate{}, nil
	}
	out, err := m.ranker.Rank(ctx, j.Pickup.Coord)
	if err != nil {
		return nil, apperr.Wrap(err, "rank drivers")
	}
	return out, nil
}
