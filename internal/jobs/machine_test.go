package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/drivers"
	"github.com/example/freight-dispatch/internal/earnings"
	"github.com/example/freight-dispatch/internal/events"
	"github.com/example/freight-dispatch/internal/events/eventstest"
	"github.com/example/freight-dispatch/internal/logging"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/storage"
)

type harness struct {
	store   *storage.MemoryStore
	rec     *eventstest.Recorder
	drivers *drivers.Manager
	ledger  *earnings.Ledger
	m       *Machine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	n, rec := eventstest.NewNotifier()
	log := logging.Discard()
	h := &harness{
		store:   store,
		rec:     rec,
		drivers: drivers.NewManager(store, n, nil, log),
		ledger:  earnings.NewLedger(store, n, log),
	}
	h.m = NewMachine(store, n, h.ledger, nil, log)
	for _, id := range []string{"d1", "d2"} {
		if _, err := h.drivers.Register(context.Background(), drivers.RegisterInput{ID: id, Name: "driver " + id}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	return h
}

var somewhere = CreateInput{
	Pickup:      models.Place{Address: "Dock 4", Coord: models.Coord{Lat: 40.70, Lng: -74.00}},
	Destination: models.Place{Address: "Warehouse 9", Coord: models.Coord{Lat: 40.80, Lng: -73.95}},
	Amount:      300,
}

func (h *harness) job(t *testing.T) *models.Job {
	t.Helper()
	j, err := h.m.Create(context.Background(), "c1", somewhere)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return j
}

func (h *harness) driverStatus(t *testing.T, id string) models.DriverStatus {
	t.Helper()
	d, err := h.drivers.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get driver: %v", err)
	}
	return d.Status
}

func TestCheckpointLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.job(t)

	if _, err := h.m.AssignDriver(ctx, j.ID, "d1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got := h.driverStatus(t, "d1"); got != models.DriverBusy {
		t.Fatalf("driver should be BUSY after assignment, got %s", got)
	}

	steps := []models.JobStatus{models.JobPickupArrived, models.JobPickupCompleted, models.JobDeliveryArrived, models.JobCompleted}
	for _, s := range steps {
		res, err := h.m.Transition(ctx, j.ID, s)
		if err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
		if len(res.Warnings) != 0 {
			t.Fatalf("unexpected warnings: %v", res.Warnings)
		}
	}

	final, _ := h.m.Get(ctx, j.ID)
	for _, s := range append([]models.JobStatus{models.JobPending, models.JobActive}, steps...) {
		if final.StatusTimes[s].IsZero() {
			t.Fatalf("no timestamp recorded for %s", s)
		}
	}
	if got := h.driverStatus(t, "d1"); got != models.DriverAvailable {
		t.Fatalf("driver should be AVAILABLE after completion, got %s", got)
	}
	list, _ := h.ledger.ListForDriver(ctx, "d1")
	if len(list) != 1 || list[0].Category != models.EarningJobPayment || list[0].Amount != 300 {
		t.Fatalf("expected one job_payment earning of 300, got %+v", list)
	}
	// one broadcast per accepted transition: assignment + four checkpoints
	if got := h.rec.Count(events.JobStatusChanged); got != 5 {
		t.Fatalf("expected 5 status broadcasts, got %d", got)
	}
	if got := len(h.rec.SentTo("c1")); got < 5 {
		t.Fatalf("customer should follow every step, got %d events", got)
	}
}

func TestSkippingCheckpointIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.job(t)
	_, _ = h.m.AssignDriver(ctx, j.ID, "d1")

	_, err := h.m.Transition(ctx, j.ID, models.JobDeliveryArrived)
	if !apperr.Is(err, apperr.InvalidTransition) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
	got, _ := h.m.Get(ctx, j.ID)
	if got.Status != models.JobActive {
		t.Fatalf("job should still be ACTIVE, got %s", got.Status)
	}
	if _, ok := got.StatusTimes[models.JobDeliveryArrived]; ok {
		t.Fatal("rejected transition must not record a timestamp")
	}
}

func TestPublicTransitionRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.job(t)

	cases := []models.JobStatus{
		models.JobPending,        // self-loop
		models.JobPaymentPending, // gated: bid accept only
		models.JobActive,         // gated: assignment only
		models.JobCompleted,      // not in table
		"TELEPORTED",
	}
	for _, target := range cases {
		if _, err := h.m.Transition(ctx, j.ID, target); !apperr.Is(err, apperr.InvalidTransition) {
			t.Fatalf("PENDING → %s: expected InvalidTransition, got %v", target, err)
		}
	}
	if _, err := h.m.Transition(ctx, "nope", models.JobCancelled); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []models.JobStatus{models.JobCompleted, models.JobCancelled} {
		for _, to := range models.AllJobStatuses {
			if Allowed(s, to) {
				t.Fatalf("%s → %s should not be allowed", s, to)
			}
		}
	}
	if got := Next(models.JobPending); len(got) != 1 || got[0] != models.JobCancelled {
		t.Fatalf("public exits of PENDING = %v", got)
	}
}

func TestOfflineBlockedUntilJobCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.job(t)
	_, _ = h.m.AssignDriver(ctx, j.ID, "d1")

	if _, err := h.drivers.SetStatus(ctx, "d1", models.DriverOffline); !apperr.Is(err, apperr.InvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
	for _, s := range []models.JobStatus{models.JobPickupArrived, models.JobPickupCompleted, models.JobDeliveryArrived, models.JobCompleted} {
		if _, err := h.m.Transition(ctx, j.ID, s); err != nil {
			t.Fatalf("transition %s: %v", s, err)
		}
	}
	if _, err := h.drivers.SetStatus(ctx, "d1", models.DriverOffline); err != nil {
		t.Fatalf("offline after completion: %v", err)
	}
}

type failingSettler struct{ calls int }

func (f *failingSettler) SettleJob(context.Context, string) (*models.Earning, error) {
	f.calls++
	return nil, errors.New("ledger unavailable")
}

func TestSettlementFailureIsAWarning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fs := &failingSettler{}
	n, _ := eventstest.NewNotifier()
	h.m = NewMachine(h.store, n, fs, nil, logging.Discard())

	j := h.job(t)
	_, _ = h.m.AssignDriver(ctx, j.ID, "d1")
	for _, s := range []models.JobStatus{models.JobPickupArrived, models.JobPickupCompleted, models.JobDeliveryArrived} {
		_, _ = h.m.Transition(ctx, j.ID, s)
	}
	res, err := h.m.Transition(ctx, j.ID, models.JobCompleted)
	if err != nil {
		t.Fatalf("completion must not be rejected: %v", err)
	}
	if res.Job.Status != models.JobCompleted || len(res.Warnings) != 1 || fs.calls != 1 {
		t.Fatalf("unexpected result %+v (calls=%d)", res, fs.calls)
	}
	if got := h.driverStatus(t, "d1"); got != models.DriverAvailable {
		t.Fatalf("driver should still be released, got %s", got)
	}
}

// goneAfterCommit behaves like a request whose client hangs up right after
// the first store transaction starts.
type goneAfterCommit struct {
	context.Context
	checks atomic.Int32
}

func (c *goneAfterCommit) Err() error {
	if c.checks.Add(1) > 1 {
		return context.Canceled
	}
	return nil
}

func TestSettlementSurvivesCancelledRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.job(t)
	_, _ = h.m.AssignDriver(ctx, j.ID, "d1")
	for _, s := range []models.JobStatus{models.JobPickupArrived, models.JobPickupCompleted, models.JobDeliveryArrived} {
		_, _ = h.m.Transition(ctx, j.ID, s)
	}

	res, err := h.m.Transition(&goneAfterCommit{Context: ctx}, j.ID, models.JobCompleted)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("settlement should not depend on the request, warnings %v", res.Warnings)
	}
	list, _ := h.ledger.ListForDriver(ctx, "d1")
	if len(list) != 1 || list[0].Category != models.EarningJobPayment {
		t.Fatalf("expected the job payment earning, got %+v", list)
	}
}

func TestSettleRetriesMissedSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	n, _ := eventstest.NewNotifier()
	broken := NewMachine(h.store, n, &failingSettler{}, nil, logging.Discard())

	j := h.job(t)
	if _, err := h.m.Settle(ctx, j.ID); !apperr.Is(err, apperr.InvalidState) {
		t.Fatalf("settling a PENDING job: %v", err)
	}
	_, _ = broken.AssignDriver(ctx, j.ID, "d1")
	for _, s := range []models.JobStatus{models.JobPickupArrived, models.JobPickupCompleted, models.JobDeliveryArrived, models.JobCompleted} {
		_, _ = broken.Transition(ctx, j.ID, s)
	}
	if list, _ := h.ledger.ListForDriver(ctx, "d1"); len(list) != 0 {
		t.Fatalf("failed settlement should leave no earning, got %d", len(list))
	}

	e, err := h.m.Settle(ctx, j.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if e.DriverID != "d1" || e.Amount != 300 {
		t.Fatalf("unexpected earning %+v", e)
	}
	if _, err := h.m.Settle(ctx, j.ID); !apperr.Is(err, apperr.Conflict) {
		t.Fatalf("second settle: %v", err)
	}
	if _, err := NewMachine(h.store, n, nil, nil, logging.Discard()).Settle(ctx, j.ID); !apperr.Is(err, apperr.InvalidState) {
		t.Fatalf("no settler: %v", err)
	}
}

func TestSecondSettlementConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.job(t)
	_, _ = h.m.AssignDriver(ctx, j.ID, "d1")
	for _, s := range []models.JobStatus{models.JobPickupArrived, models.JobPickupCompleted, models.JobDeliveryArrived, models.JobCompleted} {
		_, _ = h.m.Transition(ctx, j.ID, s)
	}
	if _, err := h.ledger.SettleJob(ctx, j.ID); !apperr.Is(err, apperr.Conflict) {
		t.Fatalf("expected Conflict on re-settlement, got %v", err)
	}
	list, _ := h.ledger.ListForDriver(ctx, "d1")
	if len(list) != 1 {
		t.Fatalf("expected one earning, got %d", len(list))
	}
}

func TestAssignDriverGuards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j1, j2 := h.job(t), h.job(t)

	if _, err := h.m.AssignDriver(ctx, j1.ID, "ghost"); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := h.m.AssignDriver(ctx, j1.ID, "d1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := h.m.AssignDriver(ctx, j2.ID, "d1"); !apperr.Is(err, apperr.InvalidState) {
		t.Fatalf("busy driver: expected InvalidState, got %v", err)
	}
	if _, err := h.m.AssignDriver(ctx, j1.ID, "d2"); !apperr.Is(err, apperr.InvalidState) {
		t.Fatalf("active job: expected InvalidState, got %v", err)
	}
}

func seedPaymentPending(t *testing.T, h *harness, j *models.Job, driverID string) {
	t.Helper()
	err := h.store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		cur, err := tx.GetJob(ctx, j.ID)
		if err != nil {
			return err
		}
		now := time.Now()
		if err := tx.CreateBid(ctx, &models.Bid{ID: "b-" + j.ID, JobID: j.ID, DriverID: driverID, ProposedPrice: 280, Status: models.BidAccepted, CreatedAt: now}); err != nil {
			return err
		}
		if err := tx.CreatePayment(ctx, &models.Payment{ID: "p-" + j.ID, JobID: j.ID, Amount: 280, Status: models.PaymentPending, Metadata: map[string]string{}, CreatedAt: now}); err != nil {
			return err
		}
		cur.DriverID = driverID
		cur.Amount = 280
		_, err = h.m.Move(ctx, tx, cur, models.JobPaymentPending)
		return err
	})
	if err != nil {
		t.Fatalf("seed payment pending: %v", err)
	}
}

func paymentFor(t *testing.T, h *harness, jobID string) *models.Payment {
	t.Helper()
	var p *models.Payment
	_ = h.store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		p, err = tx.GetPaymentForJob(ctx, jobID)
		return err
	})
	return p
}

func TestCancelFromPaymentPendingFailsPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.job(t)
	seedPaymentPending(t, h, j, "d1")

	res, err := h.m.Transition(ctx, j.ID, models.JobCancelled)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Job.Status != models.JobCancelled {
		t.Fatalf("status = %s", res.Job.Status)
	}
	p := paymentFor(t, h, j.ID)
	if p == nil || p.Status != models.PaymentFailed || p.Metadata[models.MetaFailureReason] == "" {
		t.Fatalf("payment should be FAILED with a reason: %+v", p)
	}
	if got := h.driverStatus(t, "d1"); got != models.DriverAvailable {
		t.Fatalf("driver = %s", got)
	}
}

func TestReopenRestoresBidding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.job(t)
	seedPaymentPending(t, h, j, "d1")

	var c Change
	err := h.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		cur, err := tx.GetJob(ctx, j.ID)
		if err != nil {
			return err
		}
		c, err = h.m.Reopen(ctx, tx, cur, "payment expired")
		return err
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	h.m.Publish(ctx, c)

	got, _ := h.m.Get(ctx, j.ID)
	if got.Status != models.JobPending || got.DriverID != "" || got.Amount != 300 {
		t.Fatalf("unexpected job after reopen: %+v", got)
	}
	if p := paymentFor(t, h, j.ID); p.Status != models.PaymentFailed {
		t.Fatalf("payment = %s", p.Status)
	}
	if len(h.rec.SentTo("d1")) == 0 {
		t.Fatal("cleared driver should hear about the reopen")
	}
}

func TestTransitionAsAuthorizes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.job(t)
	_, _ = h.m.AssignDriver(ctx, j.ID, "d1")

	stranger := models.Actor{UserID: "d2", Role: models.RoleDriver}
	if _, err := h.m.TransitionAs(ctx, stranger, j.ID, models.JobPickupArrived); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	owner := models.Actor{UserID: "c1", Role: models.RoleCustomer}
	if _, err := h.m.TransitionAs(ctx, owner, j.ID, models.JobPickupArrived); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("customer may only cancel, got %v", err)
	}
	assigned := models.Actor{UserID: "d1", Role: models.RoleDriver}
	if _, err := h.m.TransitionAs(ctx, assigned, j.ID, models.JobPickupArrived); err != nil {
		t.Fatalf("assigned driver checkpoint: %v", err)
	}
	if _, err := h.m.TransitionAs(ctx, owner, j.ID, models.JobCancelled); err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
}

func TestTimelineIsChronological(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	tick := 0
	h.m.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }

	j := h.job(t)
	_, _ = h.m.AssignDriver(ctx, j.ID, "d1")
	_, _ = h.m.Transition(ctx, j.ID, models.JobPickupArrived)

	tl, err := h.m.Timeline(ctx, j.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	want := []models.JobStatus{models.JobPending, models.JobActive, models.JobPickupArrived}
	if len(tl) != len(want) {
		t.Fatalf("timeline = %+v", tl)
	}
	for i, s := range want {
		if tl[i].Status != s || tl[i].Label == "" {
			t.Fatalf("entry %d = %+v, want %s", i, tl[i], s)
		}
	}
}

type fakeRanker struct{ origin models.Coord }

func (f *fakeRanker) Rank(_ context.Context, origin models.Coord) ([]models.Candidate, error) {
	f.origin = origin
	return []models.Candidate{{DriverID: "d2", ETASeconds: 60}}, nil
}

func TestCandidatesUsesPickup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := &fakeRanker{}
	n, _ := eventstest.NewNotifier()
	h.m = NewMachine(h.store, n, h.ledger, r, logging.Discard())
	j := h.job(t)

	got, err := h.m.Candidates(ctx, j.ID)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 1 || r.origin != somewhere.Pickup.Coord {
		t.Fatalf("unexpected candidates %+v from %+v", got, r.origin)
	}
	_, _ = h.m.AssignDriver(ctx, j.ID, "d1")
	if _, err := h.m.Candidates(ctx, j.ID); !apperr.Is(err, apperr.InvalidState) {
		t.Fatalf("expected InvalidState for assigned job, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bad := somewhere
	bad.Amount = -1
	if _, err := h.m.Create(ctx, "c1", bad); !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("negative amount: %v", err)
	}
	bad = somewhere
	bad.Pickup.Lat = 120
	if _, err := h.m.Create(ctx, "c1", bad); !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("bad pickup: %v", err)
	}
	j := h.job(t)
	if j.ListPrice != j.Amount || j.Status != models.JobPending {
		t.Fatalf("unexpected new job %+v", j)
	}
}
