package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/freight-dispatch/internal/models"
)

// MemoryStore keeps everything in process. Transactions are serialized by a
// single mutex and see their own staged writes; staged writes are dropped
// when the transaction function fails.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	bids     map[string]*models.Bid
	drivers  map[string]*models.Driver
	payments map[string]*models.Payment
	earnings map[string]*models.Earning
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*models.Job),
		bids:     make(map[string]*models.Bid),
		drivers:  make(map[string]*models.Driver),
		payments: make(map[string]*models.Payment),
		earnings: make(map[string]*models.Earning),
	}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		jobs:     newStaged(m.jobs, (*models.Job).Clone),
		bids:     newStaged(m.bids, cloneBid),
		drivers:  newStaged(m.drivers, (*models.Driver).Clone),
		payments: newStaged(m.payments, (*models.Payment).Clone),
		earnings: newStaged(m.earnings, (*models.Earning).Clone),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.jobs.commit()
	tx.bids.commit()
	tx.drivers.commit()
	tx.payments.commit()
	tx.earnings.commit()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneBid(b *models.Bid) *models.Bid { c := *b; return &c }

// staged overlays uncommitted writes on top of a committed table.
type staged[T any] struct {
	base    map[string]T
	pending map[string]T
	clone   func(T) T
}

func newStaged[T any](base map[string]T, clone func(T) T) *staged[T] {
	return &staged[T]{base: base, pending: make(map[string]T), clone: clone}
}

func (s *staged[T]) get(id string) (T, bool) {
	if v, ok := s.pending[id]; ok {
		return s.clone(v), true
	}
	v, ok := s.base[id]
	if !ok {
		return v, false
	}
	return s.clone(v), true
}

func (s *staged[T]) has(id string) bool {
	_, ok := s.get(id)
	return ok
}

func (s *staged[T]) put(id string, v T) { s.pending[id] = s.clone(v) }

func (s *staged[T]) all() []T {
	out := make([]T, 0, len(s.base)+len(s.pending))
	for _, v := range s.pending {
		out = append(out, s.clone(v))
	}
	for id, v := range s.base {
		if _, ok := s.pending[id]; ok {
			continue
		}
		out = append(out, s.clone(v))
	}
	return out
}

func (s *staged[T]) commit() {
	for id, v := range s.pending {
		s.base[id] = v
	}
}

type memTx struct {
	jobs     *staged[*models.Job]
	bids     *staged[*models.Bid]
	drivers  *staged[*models.Driver]
	payments *staged[*models.Payment]
	earnings *staged[*models.Earning]
}

func (t *memTx) CreateJob(_ context.Context, j *models.Job) error {
	if t.jobs.has(j.ID) {
		return ErrDuplicate
	}
	t.jobs.put(j.ID, j)
	return nil
}

func (t *memTx) GetJob(_ context.Context, id string) (*models.Job, error) {
	j, ok := t.jobs.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return j, nil
}

func (t *memTx) UpdateJob(_ context.Context, j *models.Job, expected models.JobStatus) error {
	cur, ok := t.jobs.get(j.ID)
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return ErrStale
	}
	t.jobs.put(j.ID, j)
	return nil
}

func (t *memTx) ListJobs(_ context.Context, f JobFilter) ([]*models.Job, error) {
	var out []*models.Job
	for _, j := range t.jobs.all() {
		if f.CustomerID != "" && j.CustomerID != f.CustomerID {
			continue
		}
		if f.DriverID != "" && j.DriverID != f.DriverID {
			continue
		}
		if f.ExcludeID != "" && j.ID == f.ExcludeID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, j.Status) {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !j.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out, nil
}

func containsStatus(list []models.JobStatus, s models.JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (t *memTx) CreateBid(_ context.Context, b *models.Bid) error {
	if t.bids.has(b.ID) {
		return ErrDuplicate
	}
	if b.Status.Open() {
		for _, other := range t.bids.all() {
			if other.JobID == b.JobID && other.DriverID == b.DriverID && other.Status.Open() {
				return ErrDuplicate
			}
		}
	}
	t.bids.put(b.ID, b)
	return nil
}

func (t *memTx) GetBid(_ context.Context, id string) (*models.Bid, error) {
	b, ok := t.bids.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (t *memTx) UpdateBid(_ context.Context, b *models.Bid) error {
	if !t.bids.has(b.ID) {
		return ErrNotFound
	}
	t.bids.put(b.ID, b)
	return nil
}

func (t *memTx) FindOpenBid(_ context.Context, jobID, driverID string) (*models.Bid, error) {
	for _, b := range t.bids.all() {
		if b.JobID == jobID && b.DriverID == driverID && b.Status.Open() {
			return b, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) ListBids(_ context.Context, f BidFilter) ([]*models.Bid, error) {
	var out []*models.Bid
	for _, b := range t.bids.all() {
		if f.JobID != "" && b.JobID != f.JobID {
			continue
		}
		if f.DriverID != "" && b.DriverID != f.DriverID {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out, nil
}

func (t *memTx) CreateDriver(_ context.Context, d *models.Driver) error {
	if t.drivers.has(d.ID) {
		return ErrDuplicate
	}
	t.drivers.put(d.ID, d)
	return nil
}

func (t *memTx) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	d, ok := t.drivers.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (t *memTx) UpdateDriver(_ context.Context, d *models.Driver) error {
	if !t.drivers.has(d.ID) {
		return ErrNotFound
	}
	t.drivers.put(d.ID, d)
	return nil
}

func (t *memTx) ListDrivers(_ context.Context, f DriverFilter) ([]*models.Driver, error) {
	var ids map[string]bool
	if len(f.IDs) > 0 {
		ids = make(map[string]bool, len(f.IDs))
		for _, id := range f.IDs {
			ids[id] = true
		}
	}
	var out []*models.Driver
	for _, d := range t.drivers.all() {
		if ids != nil && !ids[d.ID] {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (t *memTx) CreatePayment(_ context.Context, p *models.Payment) error {
	if t.payments.has(p.ID) {
		return ErrDuplicate
	}
	if p.Status != models.PaymentRefunded {
		if _, err := t.GetPaymentForJob(context.Background(), p.JobID); err == nil {
			return ErrDuplicate
		}
	}
	t.payments.put(p.ID, p)
	return nil
}

func (t *memTx) UpdatePayment(_ context.Context, p *models.Payment) error {
	if !t.payments.has(p.ID) {
		return ErrNotFound
	}
	t.payments.put(p.ID, p)
	return nil
}

func (t *memTx) GetPaymentForJob(_ context.Context, jobID string) (*models.Payment, error) {
	for _, p := range t.payments.all() {
		if p.JobID == jobID && p.Status != models.PaymentRefunded {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) CreateEarning(_ context.Context, e *models.Earning) error {
	if t.earnings.has(e.ID) {
		return ErrDuplicate
	}
	if e.Category == models.EarningJobPayment {
		if _, err := t.FindJobEarning(context.Background(), e.JobID); err == nil {
			return ErrDuplicate
		}
	}
	t.earnings.put(e.ID, e)
	return nil
}

func (t *memTx) GetEarning(_ context.Context, id string) (*models.Earning, error) {
	e, ok := t.earnings.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (t *memTx) UpdateEarning(_ context.Context, e *models.Earning) error {
	if !t.earnings.has(e.ID) {
		return ErrNotFound
	}
	t.earnings.put(e.ID, e)
	return nil
}

func (t *memTx) FindJobEarning(_ context.Context, jobID string) (*models.Earning, error) {
	for _, e := range t.earnings.all() {
		if e.JobID == jobID && e.Category == models.EarningJobPayment {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) ListEarnings(_ context.Context, driverID string) ([]*models.Earning, error) {
	var out []*models.Earning
	for _, e := range t.earnings.all() {
		if e.DriverID == driverID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out, nil
}
