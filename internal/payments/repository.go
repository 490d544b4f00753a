package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/orders"
)

// Tracker stores payment records, the reconciliation event ledger and the
// anomaly log.
type Tracker interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	FindByCorrelation(ctx context.Context, provider Provider, key string) (*Record, error)
	ListByOrder(ctx context.Context, orderID string) ([]Record, error)
	Update(ctx context.Context, r *Record) error
	// ListUnsettled returns unsettled, unflagged records last touched before
	// olderThan that are paid, or pending with one of pendingProviders.
	ListUnsettled(ctx context.Context, olderThan time.Time, pendingProviders []Provider) ([]Record, error)

	HasEvent(ctx context.Context, key string) (bool, error)
	// RecordEvent stores e; it reports ErrDuplicateEvent if the key exists.
	RecordEvent(ctx context.Context, e *Event) error

	RecordAnomaly(ctx context.Context, a *Anomaly) error
	ListAnomalies(ctx context.Context, limit int) ([]Anomaly, error)
}

// DB is the part of *pgxpool.Pool the tracker uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresTracker implements Tracker on PostgreSQL.
type PostgresTracker struct {
	db DB
}

// NewPostgresTracker creates a tracker over a pgx pool.
func NewPostgresTracker(db DB) *PostgresTracker {
	return &PostgresTracker{db: db}
}

const recordColumns = `id, order_id, order_number, provider, method, status, correlation_key,
	merchant_request_id, provider_reference, amount, currency, flagged, settled, failure_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.OrderID, &r.OrderNumber, &r.Provider, &r.Method, &r.Status, &r.CorrelationKey,
		&r.MerchantRequestID, &r.ProviderReference, &r.Amount, &r.Currency, &r.Flagged, &r.Settled, &r.FailureReason,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create inserts r. A second record for the same correlation key maps to
// apperr.ErrConflict.
func (t *PostgresTracker) Create(ctx context.Context, r *Record) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO payment_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, r.ID, r.OrderID, r.OrderNumber, r.Provider, r.Method, r.Status, r.CorrelationKey,
		r.MerchantRequestID, r.ProviderReference, r.Amount, r.Currency, r.Flagged, r.Settled, r.FailureReason,
		r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("payment record %s/%s: %w", r.Provider, r.CorrelationKey, apperr.ErrConflict)
	}
	return err
}

func (t *PostgresTracker) Get(ctx context.Context, id string) (*Record, error) {
	return scanRecord(t.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM payment_records WHERE id = $1`, id))
}

func (t *PostgresTracker) FindByCorrelation(ctx context.Context, provider Provider, key string) (*Record, error) {
	return scanRecord(t.db.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM payment_records
		WHERE provider = $1 AND correlation_key = $2
	`, provider, key))
}

func (t *PostgresTracker) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := t.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment records: %w", err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment record: %w", err)
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

func (t *PostgresTracker) ListByOrder(ctx context.Context, orderID string) ([]Record, error) {
	return t.list(ctx, `SELECT `+recordColumns+` FROM payment_records WHERE order_id = $1 ORDER BY created_at`, orderID)
}

// ListUnsettled returns unsettled, unflagged records older than olderThan
// that are paid, or pending with one of pendingProviders.
func (t *PostgresTracker) ListUnsettled(ctx context.Context, olderThan time.Time, pendingProviders []Provider) ([]Record, error) {
	providers := make([]string, 0, len(pendingProviders))
	for _, p := range pendingProviders {
		providers = append(providers, string(p))
	}
	return t.list(ctx, `
		SELECT `+recordColumns+` FROM payment_records
		WHERE NOT settled AND NOT flagged AND updated_at < $1
		  AND (status = $2 OR (status = $3 AND provider = ANY($4)))
		ORDER BY updated_at
	`, olderThan, string(orders.PaymentPaid), string(orders.PaymentPending), providers)
}

func (t *PostgresTracker) Update(ctx context.Context, r *Record) error {
	tag, err := t.db.Exec(ctx, `
		UPDATE payment_records
		SET status = $2, merchant_request_id = $3, provider_reference = $4, amount = $5,
		    currency = $6, flagged = $7, settled = $8, failure_reason = $9, updated_at = $10
		WHERE id = $1
	`, r.ID, r.Status, r.MerchantRequestID, r.ProviderReference, r.Amount, r.Currency, r.Flagged,
		r.Settled, r.FailureReason, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update payment record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (t *PostgresTracker) HasEvent(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := t.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM payment_events WHERE event_key = $1)", key).Scan(&exists)
	return exists, err
}

// RecordEvent stores e. A key already in the ledger maps to
// apperr.ErrDuplicateEvent.
func (t *PostgresTracker) RecordEvent(ctx context.Context, e *Event) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO payment_events (event_key, order_id, record_id, kind, result, applied_at, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.Key, e.OrderID, e.RecordID, e.Kind, e.Result, e.AppliedAt, e.RawOutcome)
	if isUniqueViolation(err) {
		return apperr.ErrDuplicateEvent
	}
	return err
}

func (t *PostgresTracker) RecordAnomaly(ctx context.Context, a *Anomaly) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO payment_anomalies (id, kind, provider, order_id, event_key, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.Kind, a.Provider, a.OrderID, a.EventKey, a.Detail, a.CreatedAt)
	return err
}

func (t *PostgresTracker) ListAnomalies(ctx context.Context, limit int) ([]Anomaly, error) {
	rows, err := t.db.Query(ctx, `
		SELECT id, kind, provider, order_id, event_key, detail, created_at
		FROM payment_anomalies ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer rows.Close()

	var result []Anomaly
	for rows.Next() {
		var a Anomaly
		if err := rows.Scan(&a.ID, &a.Kind, &a.Provider, &a.OrderID, &a.EventKey, &a.Detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
