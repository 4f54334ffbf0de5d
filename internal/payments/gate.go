// Package payments is the payment gate: a job that won through bidding stays
// PAYMENT_PENDING until its customer's payment is confirmed.
package payments

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

// Policy decides what happens to a job left in PAYMENT_PENDING too long.
type Policy string

const (
	PolicyNone   Policy = "none"
	PolicyCancel Policy = "cancel"
	PolicyReopen Policy = "reopen"
)

// MethodGateway is recorded as the method of webhook confirmations.
const MethodGateway = "gateway"

type Config struct {
	Policy         Policy
	PendingTimeout time.Duration
	SweepInterval  time.Duration
}

type Gate struct {
	store    storage.Store
	machine  *jobs.Machine
	notifier *events.Notifier
	gateway  Gateway
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

// NewGate builds the gate. gateway may be nil, which disables intents,
// webhooks and gateway refunds.
func NewGate(store storage.Store, machine *jobs.Machine, notifier *events.Notifier, gateway Gateway, cfg Config, log *slog.Logger) *Gate {
	if cfg.Policy == "" {
		cfg.Policy = PolicyNone
	}
	return &Gate{store: store, machine: machine, notifier: notifier, gateway: gateway, cfg: cfg, log: log, now: machine.Now}
}

type Receipt struct {
	Job     *models.Job     `json:"job"`
	Payment *models.Payment `json:"payment"`
}

func payerAllowed(actor models.Actor, j *models.Job) bool {
	return actor.Role == models.RoleSystem || (actor.Role == models.RoleCustomer && actor.UserID == j.CustomerID)
}

// Confirm records the customer's payment and releases the job to ACTIVE.
func (g *Gate) Confirm(ctx context.Context, jobID, method string, actor models.Actor) (Receipt, error) {
	if method == "" {
		return Receipt{}, apperr.New(apperr.InvalidArgument, "payment method is required")
	}
	var (
		p *models.Payment
		c jobs.Change
	)
	err := g.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		j, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return storage.Classify(err, "job %s not found", jobID)
		}
		if !payerAllowed(actor, j) {
			return apperr.New(apperr.Forbidden, "only the job's customer can pay for it")
		}
		if j.Status != models.JobPaymentPending {
			return apperr.New(apperr.InvalidState, "job %s is %s, not PAYMENT_PENDING", jobID, j.Status)
		}

		now := g.now().UTC()
		p, err = tx.GetPaymentForJob(ctx, jobID)
		created := storage.IsNotFound(err)
		switch {
		case created:
			p = &models.Payment{ID: uuid.NewString(), JobID: jobID, Amount: j.Amount, Metadata: map[string]string{}, CreatedAt: now}
		case err != nil:
			return err
		case p.Status == models.PaymentCompleted:
			return apperr.New(apperr.InvalidState, "job %s is already paid", jobID)
		}
		p.Status = models.PaymentCompleted
		p.Metadata[models.MetaMethod] = method
		p.Metadata[models.MetaPayer] = actor.UserID
		p.Metadata[models.MetaConfirmedAt] = now.Format(time.RFC3339)
		delete(p.Metadata, models.MetaFailureReason)
		p.UpdatedAt = now
		if created {
			err = tx.CreatePayment(ctx, p)
		} else {
			err = tx.UpdatePayment(ctx, p)
		}
		if err != nil {
			return err
		}
		c, err = g.machine.Move(ctx, tx, j, models.JobActive)
		return err
	})
	if err != nil {
		return Receipt{}, apperr.Wrap(err, "confirm payment")
	}
	observability.Payments.WithLabelValues(string(models.PaymentCompleted)).Inc()
	g.log.Info("payment confirmed", "job_id", jobID, "payment_id", p.ID, "method", method, "amount", p.Amount)
	g.machine.Publish(ctx, c)
	g.notifier.NotifyJob(events.PaymentCompleted, c.Job, p)
	return Receipt{Job: c.Job, Payment: p}, nil
}

// pendingPayment loads a PAYMENT_PENDING job and its PENDING payment.
func pendingPayment(ctx context.Context, tx storage.Tx, jobID string) (*models.Job, *models.Payment, error) {
	j, err := tx.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, storage.Classify(err, "job %s not found", jobID)
	}
	if j.Status != models.JobPaymentPending {
		return nil, nil, apperr.New(apperr.InvalidState, "job %s is %s, not PAYMENT_PENDING", jobID, j.Status)
	}
	p, err := tx.GetPaymentForJob(ctx, jobID)
	if err != nil {
		return nil, nil, storage.Classify(err, "job %s has no payment", jobID)
	}
	return j, p, nil
}

// CreateIntent opens a gateway payment for the job's amount. The customer
// finishes it with the returned client secret; the webhook confirms it.
func (g *Gate) CreateIntent(ctx context.Context, jobID string, actor models.Actor) (Intent, error) {
	if g.gateway == nil {
		return Intent{}, apperr.New(apperr.InvalidState, "no payment gateway configured")
	}
	var p *models.Payment
	err := g.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		j, pay, err := pendingPayment(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !payerAllowed(actor, j) {
			return apperr.New(apperr.Forbidden, "only the job's customer can pay for it")
		}
		p = pay
		return nil
	})
	if err != nil {
		return Intent{}, apperr.Wrap(err, "create payment intent")
	}

	intent, err := g.gateway.CreateIntent(ctx, jobID, p.ID, p.Amount)
	if err != nil {
		g.log.Error("payment intent failed", "job_id", jobID, "error", err)
		return Intent{}, apperr.Wrap(err, "create payment intent")
	}

	err = g.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, cur, err := pendingPayment(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if cur.ID != p.ID {
			return apperr.New(apperr.InvalidState, "payment for job %s changed", jobID)
		}
		cur.Metadata[models.MetaIntentID] = intent.ID
		cur.UpdatedAt = g.now().UTC()
		return tx.UpdatePayment(ctx, cur)
	})
	if err != nil {
		return Intent{}, apperr.Wrap(err, "record payment intent")
	}
	g.log.Info("payment intent created", "job_id", jobID, "intent_id", intent.ID)
	return intent, nil
}

// Fail marks the job's pending payment FAILED. The job stays PAYMENT_PENDING
// so the customer can try again.
func (g *Gate) Fail(ctx context.Context, jobID, reason string) (*models.Payment, error) {
	var (
		j *models.Job
		p *models.Payment
	)
	err := g.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		j, p, err = pendingPayment(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if p.Status != models.PaymentPending {
			return apperr.New(apperr.InvalidState, "payment for job %s is %s", jobID, p.Status)
		}
		p.Status = models.PaymentFailed
		p.Metadata[models.MetaFailureReason] = reason
		p.UpdatedAt = g.now().UTC()
		return tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		return nil, apperr.Wrap(err, "fail payment")
	}
	observability.Payments.WithLabelValues(string(models.PaymentFailed)).Inc()
	g.log.Warn("payment failed", "job_id", jobID, "reason", reason)
	g.notifier.NotifyJob(events.PaymentFailed, j, p)
	return p, nil
}

// Refund returns a completed payment on a cancelled job, through the gateway
// when the payment went through it.
func (g *Gate) Refund(ctx context.Context, jobID string, actor models.Actor) (*models.Payment, error) {
	if actor.Role != models.RoleAdmin && actor.Role != models.RoleSystem {
		return nil, apperr.New(apperr.Forbidden, "refunds are issued by admins")
	}
	load := func(ctx context.Context, tx storage.Tx) (*models.Job, *models.Payment, error) {
		j, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return nil, nil, storage.Classify(err, "job %s not found", jobID)
		}
		if j.Status != models.JobCancelled {
			return nil, nil, apperr.New(apperr.InvalidState, "job %s is %s, not CANCELLED", jobID, j.Status)
		}
		p, err := tx.GetPaymentForJob(ctx, jobID)
		if err != nil {
			return nil, nil, storage.Classify(err, "job %s has no payment", jobID)
		}
		if p.Status != models.PaymentCompleted {
			return nil, nil, apperr.New(apperr.InvalidState, "payment for job %s is %s", jobID, p.Status)
		}
		return j, p, nil
	}

	var intentID string
	err := g.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, p, err := load(ctx, tx)
		if err != nil {
			return err
		}
		intentID = p.Metadata[models.MetaIntentID]
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(err, "refund payment")
	}

	var refundID string
	if intentID != "" {
		if g.gateway == nil {
			return nil, apperr.New(apperr.InvalidState, "no payment gateway configured")
		}
		refundID, err = g.gateway.Refund(ctx, intentID)
		if err != nil {
			g.log.Error("gateway refund failed", "job_id", jobID, "intent_id", intentID, "error", err)
			return nil, apperr.Wrap(err, "refund payment")
		}
	}

	var (
		j *models.Job
		p *models.Payment
	)
	err = g.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		j, p, err = load(ctx, tx)
		if err != nil {
			return err
		}
		now := g.now().UTC()
		p.Status = models.PaymentRefunded
		if refundID != "" {
			p.Metadata[models.MetaRefundID] = refundID
		}
		p.Metadata[models.MetaRefundedAt] = now.Format(time.RFC3339)
		p.UpdatedAt = now
		return tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		return nil, apperr.Wrap(err, "refund payment")
	}
	observability.Payments.WithLabelValues(string(models.PaymentRefunded)).Inc()
	g.log.Info("payment refunded", "job_id", jobID, "payment_id", p.ID, "refund_id", refundID)
	g.notifier.NotifyJob(events.PaymentRefunded, j, p)
	return p, nil
}

// HandleWebhook applies a verified gateway callback. Deliveries for jobs that
// have already moved on are acknowledged and ignored, since gateways retry.
func (g *Gate) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if g.gateway == nil {
		return apperr.New(apperr.InvalidState, "no payment gateway configured")
	}
	ev, err := g.gateway.ParseWebhook(payload, signature)
	if err != nil {
		return apperr.New(apperr.InvalidArgument, "invalid webhook: %v", err)
	}
	if ev.Kind == WebhookIgnored {
		return nil
	}
	if ev.JobID == "" {
		g.log.Warn("webhook without job id", "intent_id", ev.IntentID)
		return nil
	}
	system := models.Actor{UserID: "gateway", Role: models.RoleSystem}
	switch ev.Kind {
	case WebhookSucceeded:
		_, err = g.Confirm(ctx, ev.JobID, MethodGateway, system)
	case WebhookFailed:
		reason := ev.Reason
		if reason == "" {
			reason = "declined by gateway"
		}
		_, err = g.Fail(ctx, ev.JobID, reason)
	}
	if apperr.Is(err, apperr.InvalidState) || apperr.Is(err, apperr.NotFound) {
		g.log.Info("stale webhook ignored", "job_id", ev.JobID, "intent_id", ev.IntentID, "error", err)
		return nil
	}
	return err
}

// ExpireStale applies the expiry policy to jobs that have sat in
// PAYMENT_PENDING longer than the timeout. It returns how many were moved.
func (g *Gate) ExpireStale(ctx context.Context) (int, error) {
	if g.cfg.Policy == PolicyNone || g.cfg.PendingTimeout <= 0 {
		return 0, nil
	}
	cutoff := g.now().UTC().Add(-g.cfg.PendingTimeout)
	var stale []*models.Job
	err := g.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		stale, err = tx.ListJobs(ctx, storage.JobFilter{
			Statuses:      []models.JobStatus{models.JobPaymentPending},
			UpdatedBefore: cutoff,
		})
		return err
	})
	if err != nil {
		return 0, apperr.Wrap(err, "list stale payments")
	}

	moved := 0
	for _, s := range stale {
		var c jobs.Change
		err := g.store.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			j, err := tx.GetJob(ctx, s.ID)
			if err != nil {
				return err
			}
			if j.Status != models.JobPaymentPending || !j.StatusTimes[models.JobPaymentPending].Before(cutoff) {
				c = jobs.Change{}
				return nil
			}
			if g.cfg.Policy == PolicyReopen {
				c, err = g.machine.Reopen(ctx, tx, j, "payment expired")
			} else {
				c, err = g.machine.Move(ctx, tx, j, models.JobCancelled)
			}
			return err
		})
		if err != nil {
			g.log.Error("payment expiry failed", "job_id", s.ID, "policy", g.cfg.Policy, "error", err)
			continue
		}
		if c.Job == nil {
			continue
		}
		moved++
		observability.PaymentsExpired.WithLabelValues(string(g.cfg.Policy)).Inc()
		g.log.Info("payment expired", "job_id", s.ID, "policy", g.cfg.Policy)
		g.machine.Publish(ctx, c)
	}
	return moved, nil
}

// Run sweeps for expired payments until ctx is done.
func (g *Gate) Run(ctx context.Context) {
	if g.cfg.Policy == PolicyNone || g.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.ExpireStale(ctx); err != nil {
				g.log.Error("payment sweep failed", "error", err)
			}
		}
	}
}
