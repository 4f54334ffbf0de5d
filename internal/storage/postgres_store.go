package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/freight-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PostgresStore struct {
	db  *sql.DB
	log *slog.Logger
}

func NewPostgresStore(dsn string, log *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, log: log}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Ping backs the /readyz check.
func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies embedded SQL files in name order, once each.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ  DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		var count int
		if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version=$1`, file).Scan(&count); err != nil {
			return fmt.Errorf("check %s: %w", file, err)
		}
		if count > 0 {
			continue
		}
		content, err := fs.ReadFile(migrationFS, "migrations/"+file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		if _, err := p.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec %s: %w", file, err)
		}
		if _, err := p.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, file); err != nil {
			return fmt.Errorf("record %s: %w", file, err)
		}
		p.log.Info("migration applied", "file", file)
	}
	return nil
}

func (p *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			p.log.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	return sqlTx.Commit()
}

type pgTx struct {
	tx *sql.Tx
}

func translate(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const jobColumns = `id, customer_id, driver_id, amount, list_price, status, status_times,
	pickup_address, pickup_lat, pickup_lng, dest_address, dest_lat, dest_lng,
	description, created_at, updated_at`

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j        models.Job
		driverID sql.NullString
		times    []byte
	)
	err := row.Scan(&j.ID, &j.CustomerID, &driverID, &j.Amount, &j.ListPrice, &j.Status, &times,
		&j.Pickup.Address, &j.Pickup.Lat, &j.Pickup.Lng,
		&j.Destination.Address, &j.Destination.Lat, &j.Destination.Lng,
		&j.Description, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, translate(err)
	}
	j.DriverID = driverID.String
	j.StatusTimes = make(map[models.JobStatus]time.Time)
	if len(times) > 0 {
		if err := json.Unmarshal(times, &j.StatusTimes); err != nil {
			return nil, fmt.Errorf("decode status_times: %w", err)
		}
	}
	return &j, nil
}

func (t *pgTx) CreateJob(ctx context.Context, j *models.Job) error {
	times, err := json.Marshal(j.StatusTimes)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		j.ID, j.CustomerID, nullString(j.DriverID), j.Amount, j.ListPrice, j.Status, times,
		j.Pickup.Address, j.Pickup.Lat, j.Pickup.Lng,
		j.Destination.Address, j.Destination.Lat, j.Destination.Lng,
		j.Description, j.CreatedAt, j.UpdatedAt)
	return translate(err)
}

func (t *pgTx) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return scanJob(t.tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateJob(ctx context.Context, j *models.Job, expected models.JobStatus) error {
	times, err := json.Marshal(j.StatusTimes)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE jobs SET driver_id=$1, amount=$2, status=$3, status_times=$4, updated_at=$5
		WHERE id=$6 AND status=$7`,
		nullString(j.DriverID), j.Amount, j.Status, times, j.UpdatedAt, j.ID, expected)
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id=$1)`, j.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStale
	}
	return nil
}

func (t *pgTx) ListJobs(ctx context.Context, f JobFilter) ([]*models.Job, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.CustomerID != "" {
		add("customer_id=$%d", f.CustomerID)
	}
	if f.DriverID != "" {
		add("driver_id=$%d", f.DriverID)
	}
	if f.ExcludeID != "" {
		add("id<>$%d", f.ExcludeID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status=ANY($%d)", pq.Array(statuses))
	}
	if !f.UpdatedBefore.IsZero() {
		add("updated_at<$%d", f.UpdatedBefore)
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"

	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

const bidColumns = `id, job_id, driver_id, original_price, proposed_price, status, comment, created_at, updated_at`

func scanBid(row rowScanner) (*models.Bid, error) {
	var b models.Bid
	err := row.Scan(&b.ID, &b.JobID, &b.DriverID, &b.OriginalPrice, &b.ProposedPrice,
		&b.Status, &b.Comment, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

func (t *pgTx) CreateBid(ctx context.Context, b *models.Bid) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO bids (`+bidColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, b.JobID, b.DriverID, b.OriginalPrice, b.ProposedPrice, b.Status, b.Comment, b.CreatedAt, b.UpdatedAt)
	return translate(err)
}

func (t *pgTx) GetBid(ctx context.Context, id string) (*models.Bid, error) {
	return scanBid(t.tx.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id=$1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateBid(ctx context.Context, b *models.Bid) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE bids SET original_price=$1, proposed_price=$2, status=$3, comment=$4, updated_at=$5 WHERE id=$6`,
		b.OriginalPrice, b.ProposedPrice, b.Status, b.Comment, b.UpdatedAt, b.ID)
	return affected(res, err)
}

func (t *pgTx) FindOpenBid(ctx context.Context, jobID, driverID string) (*models.Bid, error) {
	return scanBid(t.tx.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids
		WHERE job_id=$1 AND driver_id=$2 AND status IN ('PENDING','COUNTERED') FOR UPDATE`, jobID, driverID))
}

func (t *pgTx) ListBids(ctx context.Context, f BidFilter) ([]*models.Bid, error) {
	q := `SELECT ` + bidColumns + ` FROM bids WHERE ($1='' OR job_id=$1) AND ($2='' OR driver_id=$2)
		ORDER BY created_at DESC, id DESC`
	rows, err := t.tx.QueryContext(ctx, q, f.JobID, f.DriverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const driverColumns = `id, name, phone, vehicle_type, status, loc_lat, loc_lng, loc_at, created_at, updated_at`

func scanDriver(row rowScanner) (*models.Driver, error) {
	var (
		d        models.Driver
		lat, lng sql.NullFloat64
		at       sql.NullTime
	)
	err := row.Scan(&d.ID, &d.Name, &d.Phone, &d.VehicleType, &d.Status, &lat, &lng, &at, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, translate(err)
	}
	if lat.Valid && lng.Valid && at.Valid {
		d.Location = &models.Location{Coord: models.Coord{Lat: lat.Float64, Lng: lng.Float64}, At: at.Time}
	}
	return &d, nil
}

func locationArgs(l *models.Location) (sql.NullFloat64, sql.NullFloat64, sql.NullTime) {
	if l == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}, sql.NullTime{}
	}
	return sql.NullFloat64{Float64: l.Lat, Valid: true},
		sql.NullFloat64{Float64: l.Lng, Valid: true},
		sql.NullTime{Time: l.At, Valid: true}
}

func (t *pgTx) CreateDriver(ctx context.Context, d *models.Driver) error {
	lat, lng, at := locationArgs(d.Location)
	_, err := t.tx.ExecContext(ctx, `INSERT INTO drivers (`+driverColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		d.ID, d.Name, d.Phone, d.VehicleType, d.Status, lat, lng, at, d.CreatedAt, d.UpdatedAt)
	return translate(err)
}

func (t *pgTx) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	return scanDriver(t.tx.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateDriver(ctx context.Context, d *models.Driver) error {
	lat, lng, at := locationArgs(d.Location)
	res, err := t.tx.ExecContext(ctx, `UPDATE drivers SET name=$1, phone=$2, vehicle_type=$3, status=$4,
		loc_lat=$5, loc_lng=$6, loc_at=$7, updated_at=$8 WHERE id=$9`,
		d.Name, d.Phone, d.VehicleType, d.Status, lat, lng, at, d.UpdatedAt, d.ID)
	return affected(res, err)
}

func (t *pgTx) ListDrivers(ctx context.Context, f DriverFilter) ([]*models.Driver, error) {
	q := `SELECT ` + driverColumns + ` FROM drivers WHERE ($1='' OR status=$1)`
	args := []any{string(f.Status)}
	if len(f.IDs) > 0 {
		q += ` AND id=ANY($2)`
		args = append(args, pq.Array(f.IDs))
	}
	q += ` ORDER BY id`
	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const paymentColumns = `id, job_id, amount, status, metadata, created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		p    models.Payment
		meta []byte
	)
	if err := row.Scan(&p.ID, &p.JobID, &p.Amount, &p.Status, &meta, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, translate(err)
	}
	p.Metadata = make(map[string]string)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode payment metadata: %w", err)
		}
	}
	return &p, nil
}

func (t *pgTx) CreatePayment(ctx context.Context, p *models.Payment) error {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO payments (`+paymentColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		p.ID, p.JobID, p.Amount, p.Status, meta, p.CreatedAt, p.UpdatedAt)
	return translate(err)
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *models.Payment) error {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE payments SET amount=$1, status=$2, metadata=$3, updated_at=$4 WHERE id=$5`,
		p.Amount, p.Status, meta, p.UpdatedAt, p.ID)
	return affected(res, err)
}

func (t *pgTx) GetPaymentForJob(ctx context.Context, jobID string) (*models.Payment, error) {
	return scanPayment(t.tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE job_id=$1 AND status<>'REFUNDED' FOR UPDATE`, jobID))
}

const earningColumns = `id, driver_id, job_id, amount, category, description, paid, paid_at, created_at`

func scanEarning(row rowScanner) (*models.Earning, error) {
	var (
		e      models.Earning
		jobID  sql.NullString
		paidAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.DriverID, &jobID, &e.Amount, &e.Category, &e.Description, &e.Paid, &paidAt, &e.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	e.JobID = jobID.String
	if paidAt.Valid {
		t := paidAt.Time
		e.PaidAt = &t
	}
	return &e, nil
}

func (t *pgTx) CreateEarning(ctx context.Context, e *models.Earning) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO earnings (`+earningColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.DriverID, nullString(e.JobID), e.Amount, e.Category, e.Description, e.Paid, e.PaidAt, e.CreatedAt)
	return translate(err)
}

func (t *pgTx) GetEarning(ctx context.Context, id string) (*models.Earning, error) {
	return scanEarning(t.tx.QueryRowContext(ctx, `SELECT `+earningColumns+` FROM earnings WHERE id=$1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateEarning(ctx context.Context, e *models.Earning) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE earnings SET paid=$1, paid_at=$2 WHERE id=$3`, e.Paid, e.PaidAt, e.ID)
	return affected(res, err)
}

func (t *pgTx) FindJobEarning(ctx context.Context, jobID string) (*models.Earning, error) {
	return scanEarning(t.tx.QueryRowContext(ctx, `SELECT `+earningColumns+` FROM earnings
		WHERE job_id=$1 AND category='job_payment'`, jobID))
}

func (t *pgTx) ListEarnings(ctx context.Context, driverID string) ([]*models.Earning, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+earningColumns+` FROM earnings WHERE driver_id=$1
		ORDER BY created_at DESC, id DESC`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Earning
	for rows.Next() {
		e, err := scanEarning(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
