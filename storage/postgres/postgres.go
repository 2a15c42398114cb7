// Package postgres provides a PostgreSQL implementation of the
// lexbill.Store interface over pgx/v5. The event-ordering guard is
// enforced in SQL: record upserts are single conditional statements, so
// concurrent webhook deliveries and drift sweeps cannot interleave a stale
// write between a read and a set.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jurisuite/lexbill/pkg/lexbill"
)

// Store implements lexbill.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Schema is the table layout this store expects. Run it once per database
// (it is idempotent); production deployments typically apply it through
// their migration tooling instead.
const Schema = `
CREATE TABLE IF NOT EXISTS billing_records (
	tenant_id                text PRIMARY KEY,
	billing_email            text NOT NULL DEFAULT '',
	plan_id                  text NOT NULL DEFAULT '',
	seat_quantity            bigint NOT NULL DEFAULT 0,
	status                   text NOT NULL DEFAULT '',
	billing_interval         text NOT NULL DEFAULT '',
	external_customer_id     text NOT NULL DEFAULT '',
	external_subscription_id text NOT NULL DEFAULT '',
	external_item_id         text NOT NULL DEFAULT '',
	commitment_start_at      timestamptz,
	commitment_end_at        timestamptz,
	current_period_start_at  timestamptz,
	current_period_end_at    timestamptz,
	payment_method_type      text NOT NULL DEFAULT '',
	payment_method_brand     text NOT NULL DEFAULT '',
	payment_method_last4     text NOT NULL DEFAULT '',
	last_event_at            timestamptz NOT NULL,
	updated_at               timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS billing_records_customer_idx
	ON billing_records (external_customer_id) WHERE external_customer_id <> '';
CREATE INDEX IF NOT EXISTS billing_records_subscription_idx
	ON billing_records (external_subscription_id) WHERE external_subscription_id <> '';
CREATE INDEX IF NOT EXISTS billing_records_email_idx
	ON billing_records (billing_email) WHERE billing_email <> '';

CREATE TABLE IF NOT EXISTS signature_credit_grants (
	dedup_key        text PRIMARY KEY,
	cabinet_id       text NOT NULL,
	member_id        text NOT NULL,
	quantity         bigint NOT NULL,
	unit_price_cents bigint NOT NULL DEFAULT 0,
	granted_at       timestamptz NOT NULL,
	expires_at       timestamptz
);
CREATE INDEX IF NOT EXISTS signature_credit_grants_member_idx
	ON signature_credit_grants (cabinet_id, member_id);

CREATE TABLE IF NOT EXISTS signature_usage (
	tenant_id text PRIMARY KEY,
	used      bigint NOT NULL DEFAULT 0
);
`

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const recordColumns = `tenant_id, billing_email, plan_id, seat_quantity, status, billing_interval,
	external_customer_id, external_subscription_id, external_item_id,
	commitment_start_at, commitment_end_at, current_period_start_at, current_period_end_at,
	payment_method_type, payment_method_brand, payment_method_last4,
	last_event_at, updated_at`

// GetRecord implements lexbill.Store.
func (s *Store) GetRecord(ctx context.Context, tenantID string) (*lexbill.TenantBillingRecord, error) {
	return s.queryRecord(ctx,
		`SELECT `+recordColumns+` FROM billing_records WHERE tenant_id = $1`, tenantID)
}

// FindRecordByCustomer implements lexbill.Store.
func (s *Store) FindRecordByCustomer(ctx context.Context, customerID string) (*lexbill.TenantBillingRecord, error) {
	if customerID == "" {
		return nil, lexbill.ErrRecordNotFound
	}
	return s.queryRecord(ctx,
		`SELECT `+recordColumns+` FROM billing_records WHERE external_customer_id = $1`, customerID)
}

// FindRecordBySubscription implements lexbill.Store.
func (s *Store) FindRecordBySubscription(ctx context.Context, subscriptionID string) (*lexbill.TenantBillingRecord, error) {
	if subscriptionID == "" {
		return nil, lexbill.ErrRecordNotFound
	}
	return s.queryRecord(ctx,
		`SELECT `+recordColumns+` FROM billing_records WHERE external_subscription_id = $1`, subscriptionID)
}

// FindRecordByItem implements lexbill.Store.
func (s *Store) FindRecordByItem(ctx context.Context, itemID string) (*lexbill.TenantBillingRecord, error) {
	if itemID == "" {
		return nil, lexbill.ErrRecordNotFound
	}
	return s.queryRecord(ctx,
		`SELECT `+recordColumns+` FROM billing_records WHERE external_item_id = $1`, itemID)
}

// FindRecordByEmail implements lexbill.Store.
func (s *Store) FindRecordByEmail(ctx context.Context, email string) (*lexbill.TenantBillingRecord, error) {
	if email == "" {
		return nil, lexbill.ErrRecordNotFound
	}
	return s.queryRecord(ctx,
		`SELECT `+recordColumns+` FROM billing_records WHERE billing_email = $1`, email)
}

func (s *Store) queryRecord(ctx context.Context, query string, arg any) (*lexbill.TenantBillingRecord, error) {
	row := s.pool.QueryRow(ctx, query, arg)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, lexbill.ErrRecordNotFound
		}
		return nil, fmt.Errorf("query record: %w", err)
	}
	return rec, nil
}

// ListRecordsWithoutSubscription implements lexbill.Store.
func (s *Store) ListRecordsWithoutSubscription(ctx context.Context) ([]*lexbill.TenantBillingRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM billing_records WHERE external_subscription_id = ''`)
	if err != nil {
		return nil, fmt.Errorf("list unlinked records: %w", err)
	}
	defer rows.Close()

	var out []*lexbill.TenantBillingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unlinked records: %w", err)
	}
	return out, nil
}

// UpsertRecord implements lexbill.Store. The freshness condition lives in
// the statement itself: the UPDATE branch applies only when the incoming
// last_event_at is strictly newer than the stored one.
func (s *Store) UpsertRecord(ctx context.Context, rec *lexbill.TenantBillingRecord) (bool, error) {
	if rec == nil || rec.TenantID == "" {
		return false, fmt.Errorf("invalid record")
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO billing_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (tenant_id) DO UPDATE SET
			billing_email = excluded.billing_email,
			plan_id = excluded.plan_id,
			seat_quantity = excluded.seat_quantity,
			status = excluded.status,
			billing_interval = excluded.billing_interval,
			external_customer_id = excluded.external_customer_id,
			external_subscription_id = excluded.external_subscription_id,
			external_item_id = excluded.external_item_id,
			commitment_start_at = excluded.commitment_start_at,
			commitment_end_at = excluded.commitment_end_at,
			current_period_start_at = excluded.current_period_start_at,
			current_period_end_at = excluded.current_period_end_at,
			payment_method_type = excluded.payment_method_type,
			payment_method_brand = excluded.payment_method_brand,
			payment_method_last4 = excluded.payment_method_last4,
			last_event_at = excluded.last_event_at,
			updated_at = excluded.updated_at
		WHERE excluded.last_event_at > billing_records.last_event_at`,
		rec.TenantID, rec.BillingEmail, string(rec.PlanID), rec.SeatQuantity,
		string(rec.Status), string(rec.Interval),
		rec.ExternalCustomerID, rec.ExternalSubscriptionID, rec.ExternalItemID,
		nullableTime(rec.CommitmentStartAt), nullableTime(rec.CommitmentEndAt),
		nullableTime(rec.CurrentPeriodStartAt), nullableTime(rec.CurrentPeriodEndAt),
		rec.PaymentMethodType, rec.PaymentMethodBrand, rec.PaymentMethodLast4,
		rec.LastEventAt, rec.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("upsert record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertCreditGrant implements lexbill.Store. ON CONFLICT DO NOTHING makes
// redelivered events no-ops at the database level.
func (s *Store) InsertCreditGrant(ctx context.Context, grant *lexbill.SignatureCreditGrant) (bool, error) {
	if grant == nil || grant.DedupKey == "" {
		return false, fmt.Errorf("invalid grant")
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO signature_credit_grants
			(dedup_key, cabinet_id, member_id, quantity, unit_price_cents, granted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dedup_key) DO NOTHING`,
		grant.DedupKey, grant.CabinetID, grant.MemberID, grant.Quantity,
		grant.UnitPriceCents, grant.GrantedAt, nullableTime(grant.ExpiresAt))
	if err != nil {
		return false, fmt.Errorf("insert credit grant: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CreditBalance implements lexbill.Store.
func (s *Store) CreditBalance(ctx context.Context, cabinetID, memberID string, now time.Time) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM signature_credit_grants
		WHERE cabinet_id = $1 AND member_id = $2
			AND (expires_at IS NULL OR expires_at > $3)`,
		cabinetID, memberID, now).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return balance, nil
}

// AddSignatureUsage implements lexbill.Store.
func (s *Store) AddSignatureUsage(ctx context.Context, tenantID string, n int64) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO signature_usage (tenant_id, used)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET used = signature_usage.used + excluded.used
		RETURNING used`,
		tenantID, n).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("add signature usage: %w", err)
	}
	return total, nil
}

// ConsumeSignature implements lexbill.Store. The decision runs in one
// transaction holding the counter row lock, so concurrent consumers
// serialize and cannot overshoot the combined allowance.
func (s *Store) ConsumeSignature(ctx context.Context, tenantID, memberID string, limit int64, now time.Time) (lexbill.SignatureConsumption, error) {
	var res lexbill.SignatureConsumption

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Materialize the counter row so FOR UPDATE has something to lock.
		if _, err := tx.Exec(ctx, `
			INSERT INTO signature_usage (tenant_id, used)
			VALUES ($1, 0)
			ON CONFLICT (tenant_id) DO NOTHING`, tenantID); err != nil {
			return err
		}

		var used int64
		if err := tx.QueryRow(ctx,
			`SELECT used FROM signature_usage WHERE tenant_id = $1 FOR UPDATE`,
			tenantID).Scan(&used); err != nil {
			return err
		}

		var balance int64
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(quantity), 0)
			FROM signature_credit_grants
			WHERE cabinet_id = $1 AND member_id = $2
				AND (expires_at IS NULL OR expires_at > $3)`,
			tenantID, memberID, now).Scan(&balance); err != nil {
			return err
		}

		res = lexbill.SignatureConsumption{Used: used, CreditBalance: balance}
		switch {
		case limit == lexbill.Unlimited || used < limit:
		case balance > used-limit:
			res.FromCredits = true
		default:
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE signature_usage SET used = used + 1 WHERE tenant_id = $1`,
			tenantID); err != nil {
			return err
		}
		res.Consumed = true
		res.Used = used + 1
		return nil
	})
	if err != nil {
		return lexbill.SignatureConsumption{}, fmt.Errorf("consume signature: %w", err)
	}
	return res, nil
}

// SignatureUsage implements lexbill.Store.
func (s *Store) SignatureUsage(ctx context.Context, tenantID string) (int64, error) {
	var used int64
	err := s.pool.QueryRow(ctx,
		`SELECT used FROM signature_usage WHERE tenant_id = $1`, tenantID).Scan(&used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("signature usage: %w", err)
	}
	return used, nil
}

// ResetSignatureUsage implements lexbill.Store.
func (s *Store) ResetSignatureUsage(ctx context.Context, tenantID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO signature_usage (tenant_id, used)
		VALUES ($1, 0)
		ON CONFLICT (tenant_id) DO UPDATE SET used = 0`,
		tenantID)
	if err != nil {
		return fmt.Errorf("reset signature usage: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (*lexbill.TenantBillingRecord, error) {
	var rec lexbill.TenantBillingRecord
	var planID, status, interval string
	var commitStart, commitEnd, periodStart, periodEnd *time.Time
	err := row.Scan(
		&rec.TenantID, &rec.BillingEmail, &planID, &rec.SeatQuantity, &status, &interval,
		&rec.ExternalCustomerID, &rec.ExternalSubscriptionID, &rec.ExternalItemID,
		&commitStart, &commitEnd, &periodStart, &periodEnd,
		&rec.PaymentMethodType, &rec.PaymentMethodBrand, &rec.PaymentMethodLast4,
		&rec.LastEventAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.PlanID = lexbill.PlanID(planID)
	rec.Status = lexbill.SubscriptionStatus(status)
	rec.Interval = lexbill.BillingInterval(interval)
	rec.CommitmentStartAt = derefTime(commitStart)
	rec.CommitmentEndAt = derefTime(commitEnd)
	rec.CurrentPeriodStartAt = derefTime(periodStart)
	rec.CurrentPeriodEndAt = derefTime(periodEnd)
	return &rec, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
