package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/models"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrStale     = errors.New("storage: row changed since it was read")
	ErrDuplicate = errors.New("storage: duplicate row")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicate) }

// Classify maps a lookup failure onto a caller-facing error: a missing row
// becomes NotFound with the given message, errors that already carry a kind
// pass through, and anything else is Internal.
func Classify(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return apperr.New(apperr.NotFound, format, args...)
	}
	return apperr.Wrap(err, "storage failure")
}

// JobFilter selects jobs. Zero fields do not filter.
type JobFilter struct {
	CustomerID    string
	DriverID      string
	Statuses      []models.JobStatus
	ExcludeID     string
	UpdatedBefore time.Time
}

type BidFilter struct {
	JobID    string
	DriverID string
}

type DriverFilter struct {
	IDs    []string
	Status models.DriverStatus
}

// JobStore reads and writes jobs. GetJob locks the row for the rest of the
// transaction in stores that support row locks.
type JobStore interface {
	CreateJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// UpdateJob writes j only if the stored status still equals expected,
	// returning ErrStale otherwise.
	UpdateJob(ctx context.Context, j *models.Job, expected models.JobStatus) error
	ListJobs(ctx context.Context, f JobFilter) ([]*models.Job, error)
}

type BidStore interface {
	CreateBid(ctx context.Context, b *models.Bid) error
	GetBid(ctx context.Context, id string) (*models.Bid, error)
	UpdateBid(ctx context.Context, b *models.Bid) error
	// FindOpenBid returns the driver's PENDING or COUNTERED bid on a job.
	FindOpenBid(ctx context.Context, jobID, driverID string) (*models.Bid, error)
	// ListBids returns bids newest first.
	ListBids(ctx context.Context, f BidFilter) ([]*models.Bid, error)
}

type DriverStore interface {
	CreateDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	UpdateDriver(ctx context.Context, d *models.Driver) error
	ListDrivers(ctx context.Context, f DriverFilter) ([]*models.Driver, error)
}

type PaymentStore interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	UpdatePayment(ctx context.Context, p *models.Payment) error
	// GetPaymentForJob returns the job's non-refunded payment.
	GetPaymentForJob(ctx context.Context, jobID string) (*models.Payment, error)
}

type EarningStore interface {
	// CreateEarning returns ErrDuplicate for a second job_payment earning
	// on the same job.
	CreateEarning(ctx context.Context, e *models.Earning) error
	GetEarning(ctx context.Context, id string) (*models.Earning, error)
	UpdateEarning(ctx context.Context, e *models.Earning) error
	FindJobEarning(ctx context.Context, jobID string) (*models.Earning, error)
	ListEarnings(ctx context.Context, driverID string) ([]*models.Earning, error)
}

// Tx is the set of repositories visible inside one transaction.
type Tx interface {
	JobStore
	BidStore
	DriverStore
	PaymentStore
	EarningStore
}

// Store runs fn atomically: every write made through tx is committed when
// fn returns nil and discarded otherwise.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}
