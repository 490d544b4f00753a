package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/brandsonmedia/storefront/internal/apperr"
)

// Filter is the enumerated set of list criteria accepted by GET /orders.
type Filter struct {
	Status        Status        `form:"status" binding:"omitempty,oneof=pending confirmed processing shipped delivered cancelled"`
	PaymentStatus PaymentStatus `form:"paymentStatus" binding:"omitempty,oneof=pending paid failed refunded"`
	CustomerEmail string        `form:"customerEmail" binding:"omitempty,email"`
	CreatedFrom   time.Time     `form:"createdFrom" time_format:"2006-01-02"`
	CreatedTo     time.Time     `form:"createdTo" time_format:"2006-01-02"`
	Limit         int           `form:"limit" binding:"omitempty,min=1,max=200"`
	Offset        int           `form:"offset" binding:"omitempty,min=0"`
}

const defaultListLimit = 50

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// Matches is the in-memory rendition of the SQL WHERE clause.
func (f Filter) Matches(o *Order) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.PaymentStatus != "" && o.PaymentStatus != f.PaymentStatus {
		return false
	}
	if f.CustomerEmail != "" && !strings.EqualFold(o.Customer.Email, f.CustomerEmail) {
		return false
	}
	if !f.CreatedFrom.IsZero() && o.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && !o.CreatedAt.Before(f.CreatedTo.AddDate(0, 0, 1)) {
		return false
	}
	return true
}

// Repository is the order store. The store owns order records; Update runs
// mutate inside a single-order critical section.
type Repository interface {
	Create(ctx context.Context, order *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByOrderNumber(ctx context.Context, number string) (*Order, error)
	List(ctx context.Context, filter Filter) ([]Order, error)
	Update(ctx context.Context, id string, mutate func(o *Order) error) (*Order, error)
}

// DB is the part of *pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	db DB
}

// NewPostgresRepository creates a repository over a pgx pool.
func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const orderColumns = `id, order_number, customer, items, subtotal, tax_rate, tax, total,
	status, payment_status, payment_method, shipping_address, notes, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.Customer, &o.Items, &o.Subtotal, &o.TaxRate, &o.Tax, &o.Total,
		&o.Status, &o.PaymentStatus, &o.PaymentMethod, &o.ShippingAddress, &o.Notes, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Create inserts o. A duplicate order number maps to apperr.ErrConflict.
func (r *PostgresRepository) Create(ctx context.Context, o *Order) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, o.ID, o.OrderNumber, o.Customer, o.Items, o.Subtotal, o.TaxRate, o.Tax, o.Total,
		o.Status, o.PaymentStatus, o.PaymentMethod, o.ShippingAddress, o.Notes, o.CreatedAt, o.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("order %s: %w", o.OrderNumber, apperr.ErrConflict)
	}
	return err
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Order, error) {
	return scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (r *PostgresRepository) GetByOrderNumber(ctx context.Context, number string) (*Order, error) {
	return scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, number))
}

// List builds the WHERE clause from the set filter fields only.
func (r *PostgresRepository) List(ctx context.Context, f Filter) ([]Order, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.PaymentStatus != "" {
		add("payment_status = $%d", f.PaymentStatus)
	}
	if f.CustomerEmail != "" {
		add("lower(customer->>'email') = lower($%d)", f.CustomerEmail)
	}
	if !f.CreatedFrom.IsZero() {
		add("created_at >= $%d", f.CreatedFrom)
	}
	if !f.CreatedTo.IsZero() {
		add("created_at < $%d", f.CreatedTo.AddDate(0, 0, 1))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.limit(), f.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var result []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}

// Update locks the order row (SELECT ... FOR UPDATE) for the duration of mutate.
func (r *PostgresRepository) Update(ctx context.Context, id string, mutate func(o *Order) error) (*Order, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}

	if err := mutate(o); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET customer = $2, items = $3, subtotal = $4, tax_rate = $5, tax = $6, total = $7,
		    status = $8, payment_status = $9, payment_method = $10,
		    shipping_address = $11, notes = $12, updated_at = $13
		WHERE id = $1
	`, o.ID, o.Customer, o.Items, o.Subtotal, o.TaxRate, o.Tax, o.Total,
		o.Status, o.PaymentStatus, o.PaymentMethod, o.ShippingAddress, o.Notes, o.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit order update: %w", err)
	}
	return o, nil
}
