package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate is inside WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Place is a pickup or destination descriptor.
type Place struct {
	Address string `json:"address"`
	Coord
}

type JobStatus string

const (
	JobPending         JobStatus = "PENDING"
	JobPaymentPending  JobStatus = "PAYMENT_PENDING"
	JobActive          JobStatus = "ACTIVE"
	JobPickupArrived   JobStatus = "PICKUP_ARRIVED"
	JobPickupCompleted JobStatus = "PICKUP_COMPLETED"
	JobDeliveryArrived JobStatus = "DELIVERY_ARRIVED"
	JobCompleted       JobStatus = "COMPLETED"
	JobCancelled       JobStatus = "CANCELLED"
)

// AllJobStatuses lists every status in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobPending, JobPaymentPending, JobActive, JobPickupArrived,
	JobPickupCompleted, JobDeliveryArrived, JobCompleted, JobCancelled,
}

func (s JobStatus) Valid() bool {
	for _, v := range AllJobStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobCancelled }

// InProgress is true for the checkpoint statuses where the driver is on the road.
func (s JobStatus) InProgress() bool {
	switch s {
	case JobActive, JobPickupArrived, JobPickupCompleted, JobDeliveryArrived:
		return true
	}
	return false
}

// InProgressJobStatuses are the statuses for which InProgress is true.
var InProgressJobStatuses = []JobStatus{
	JobActive, JobPickupArrived, JobPickupCompleted, JobDeliveryArrived,
}

// OpenJobStatuses are the non-terminal statuses.
var OpenJobStatuses = []JobStatus{
	JobPending, JobPaymentPending, JobActive, JobPickupArrived,
	JobPickupCompleted, JobDeliveryArrived,
}

type Job struct {
	ID          string                  `json:"id"`
	CustomerID  string                  `json:"customer_id"`
	DriverID    string                  `json:"driver_id,omitempty"`
	Amount      float64                 `json:"amount"`
	ListPrice   float64                 `json:"list_price"`
	Status      JobStatus               `json:"status"`
	StatusTimes map[JobStatus]time.Time `json:"status_times"`
	Pickup      Place                   `json:"pickup"`
	Destination Place                   `json:"destination"`
	Description string                  `json:"description,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with j.
func (j *Job) Clone() *Job {
	c := *j
	c.StatusTimes = make(map[JobStatus]time.Time, len(j.StatusTimes))
	for k, v := range j.StatusTimes {
		c.StatusTimes[k] = v
	}
	return &c
}

type BidStatus string

const (
	BidPending   BidStatus = "PENDING"
	BidAccepted  BidStatus = "ACCEPTED"
	BidDeclined  BidStatus = "DECLINED"
	BidCountered BidStatus = "COUNTERED"
)

// Open is true while the bid can still be accepted, countered or replaced.
func (s BidStatus) Open() bool { return s == BidPending || s == BidCountered }

type Bid struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	DriverID      string    `json:"driver_id"`
	OriginalPrice float64   `json:"original_price"`
	ProposedPrice float64   `json:"proposed_price"`
	Status        BidStatus `json:"status"`
	Comment       string    `json:"comment,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type DriverStatus string

const (
	DriverAvailable DriverStatus = "AVAILABLE"
	DriverBusy      DriverStatus = "BUSY"
	DriverOffline   DriverStatus = "OFFLINE"
)

func (s DriverStatus) Valid() bool {
	return s == DriverAvailable || s == DriverBusy || s == DriverOffline
}

type Location struct {
	Coord
	At time.Time `json:"at"`
}

type Driver struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Phone       string       `json:"phone,omitempty"`
	VehicleType string       `json:"vehicle_type,omitempty"`
	Status      DriverStatus `json:"status"`
	Location    *Location    `json:"location,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (d *Driver) Clone() *Driver {
	c := *d
	if d.Location != nil {
		loc := *d.Location
		c.Location = &loc
	}
	return &c
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// Well-known payment metadata keys.
const (
	MetaMethod        = "method"
	MetaPayer         = "payer"
	MetaConfirmedAt   = "confirmed_at"
	MetaIntentID      = "intent_id"
	MetaFailureReason = "failure_reason"
	MetaRefundID      = "refund_id"
	MetaRefundedAt    = "refunded_at"
)

type Payment struct {
	ID        string            `json:"id"`
	JobID     string            `json:"job_id"`
	Amount    float64           `json:"amount"`
	Status    PaymentStatus     `json:"status"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (p *Payment) Clone() *Payment {
	c := *p
	c.Metadata = make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

type EarningCategory string

const (
	EarningJobPayment EarningCategory = "job_payment"
	EarningBonus      EarningCategory = "bonus"
	EarningAdjustment EarningCategory = "adjustment"
	EarningTip        EarningCategory = "tip"
)

type Earning struct {
	ID          string          `json:"id"`
	DriverID    string          `json:"driver_id"`
	JobID       string          `json:"job_id,omitempty"`
	Amount      float64         `json:"amount"`
	Category    EarningCategory `json:"category"`
	Description string          `json:"description,omitempty"`
	Paid        bool            `json:"paid"`
	PaidAt      *time.Time      `json:"paid_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (e *Earning) Clone() *Earning {
	c := *e
	if e.PaidAt != nil {
		t := *e.PaidAt
		c.PaidAt = &t
	}
	return &c
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
	RoleAdmin    Role = "admin"
	// RoleSystem is used by internal callers such as the gateway webhook.
	RoleSystem Role = "system"
)

// Actor is the verified identity behind a request.
type Actor struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// Position is a driver's last reported point in the position index.
type Position struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	At       time.Time `json:"at"`
}

// Candidate is a driver ranked for direct assignment to a job.
type Candidate struct {
	DriverID   string  `json:"driver_id"`
	Name       string  `json:"name"`
	DistanceM  float64 `json:"distance_m"`
	ETASeconds float64 `json:"eta_seconds"`
}
