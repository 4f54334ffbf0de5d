package earnings

import (
	"context"
	"testing"
	"time"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/events"
	"github.com/example/freight-dispatch/internal/events/eventstest"
	"github.com/example/freight-dispatch/internal/logging"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/storage"
)

func setup(t *testing.T) (*Ledger, *storage.MemoryStore, *eventstest.Recorder) {
	t.Helper()
	store := storage.NewMemoryStore()
	n, rec := eventstest.NewNotifier()
	now := time.Now()
	err := store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		if err := tx.CreateDriver(ctx, &models.Driver{ID: "d1", Name: "Dana", Status: models.DriverAvailable, CreatedAt: now}); err != nil {
			return err
		}
		for id, st := range map[string]models.JobStatus{"done": models.JobCompleted, "live": models.JobActive} {
			j := &models.Job{ID: id, CustomerID: "c1", DriverID: "d1", Amount: 250, Status: st,
				StatusTimes: map[models.JobStatus]time.Time{st: now}, CreatedAt: now, UpdatedAt: now}
			if err := tx.CreateJob(ctx, j); err != nil {
				return err
			}
		}
		return tx.CreateJob(ctx, &models.Job{ID: "orphan", CustomerID: "c1", Status: models.JobCompleted,
			StatusTimes: map[models.JobStatus]time.Time{}, CreatedAt: now, UpdatedAt: now})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return NewLedger(store, n, logging.Discard()), store, rec
}

func TestSettleJobOnce(t *testing.T) {
	l, _, rec := setup(t)
	ctx := context.Background()

	e, err := l.SettleJob(ctx, "done")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if e.Amount != 250 || e.Category != models.EarningJobPayment || e.Paid || e.DriverID != "d1" {
		t.Fatalf("unexpected earning %+v", e)
	}
	if got := rec.SentTo("d1"); len(got) != 1 || got[0].Type != events.EarningCreated {
		t.Fatalf("driver should be told about the earning: %+v", got)
	}

	_, err = l.SettleJob(ctx, "done")
	if !apperr.Is(err, apperr.Conflict) {
		t.Fatalf("second settle should be Conflict, got %v", err)
	}
	list, _ := l.ListForDriver(ctx, "d1")
	if len(list) != 1 {
		t.Fatalf("expected exactly one earning, got %d", len(list))
	}
}

func TestSettleJobRejections(t *testing.T) {
	l, _, _ := setup(t)
	ctx := context.Background()
	cases := []struct {
		job  string
		kind apperr.Kind
	}{
		{"missing", apperr.NotFound},
		{"live", apperr.InvalidState},
		{"orphan", apperr.InvalidState},
	}
	for _, tc := range cases {
		if _, err := l.SettleJob(ctx, tc.job); !apperr.Is(err, tc.kind) {
			t.Fatalf("%s: expected %s, got %v", tc.job, tc.kind, err)
		}
	}
}

func TestAddBonusValidation(t *testing.T) {
	l, _, _ := setup(t)
	ctx := context.Background()

	if _, err := l.AddBonus(ctx, "d1", 0, models.EarningBonus, ""); !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("zero amount: %v", err)
	}
	if _, err := l.AddBonus(ctx, "d1", 10, models.EarningJobPayment, ""); !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("job_payment category: %v", err)
	}
	if _, err := l.AddBonus(ctx, "ghost", 10, models.EarningTip, ""); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("missing driver: %v", err)
	}
	e, err := l.AddBonus(ctx, "d1", 15, models.EarningTip, "great service")
	if err != nil {
		t.Fatalf("add tip: %v", err)
	}
	if e.JobID != "" || e.Category != models.EarningTip {
		t.Fatalf("unexpected earning %+v", e)
	}
}

func TestMarkPaidIsAllOrNothing(t *testing.T) {
	l, _, _ := setup(t)
	ctx := context.Background()
	e, _ := l.SettleJob(ctx, "done")

	if _, err := l.MarkPaid(ctx, nil); !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("empty list: %v", err)
	}
	if _, err := l.MarkPaid(ctx, []string{e.ID, "nope"}); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("missing id: %v", err)
	}
	list, _ := l.ListForDriver(ctx, "d1")
	if list[0].Paid {
		t.Fatal("failed MarkPaid must not mutate anything")
	}
}

func TestMarkPaidTwiceKeepsPaidAt(t *testing.T) {
	l, _, _ := setup(t)
	ctx := context.Background()
	e, _ := l.SettleJob(ctx, "done")

	first, err := l.MarkPaid(ctx, []string{e.ID})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	paidAt := *first[0].PaidAt

	l.now = func() time.Time { return paidAt.Add(time.Hour) }
	second, err := l.MarkPaid(ctx, []string{e.ID})
	if err != nil {
		t.Fatalf("second mark paid should succeed: %v", err)
	}
	if !second[0].PaidAt.Equal(paidAt) {
		t.Fatalf("PaidAt moved from %v to %v", paidAt, *second[0].PaidAt)
	}
}

func TestMarkPaidRepeatedIDReturnedOnce(t *testing.T) {
	l, _, _ := setup(t)
	ctx := context.Background()
	e, _ := l.SettleJob(ctx, "done")

	out, err := l.MarkPaid(ctx, []string{e.ID, e.ID})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("want 1 earning back, got %d", len(out))
	}
	if !out[0].Paid || out[0].PaidAt == nil {
		t.Fatalf("earning not marked paid: %+v", out[0])
	}
}

func TestSummary(t *testing.T) {
	l, _, _ := setup(t)
	ctx := context.Background()
	e, _ := l.SettleJob(ctx, "done")
	_, _ = l.AddBonus(ctx, "d1", 50, models.EarningBonus, "")
	_, _ = l.MarkPaid(ctx, []string{e.ID})

	s, err := l.Summary(ctx, "d1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if s.Count != 2 || s.Total != 300 || s.Paid != 250 || s.Unpaid != 50 {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s.ByCategory[models.EarningBonus] != 50 {
		t.Fatalf("by category: %v", s.ByCategory)
	}
}
