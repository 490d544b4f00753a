package invoices

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/brandsonmedia/storefront/internal/apperr"
)

// Repository stores issued documents. Create reports ErrConflict when the
// order already has a document of the same kind.
type Repository interface {
	Create(ctx context.Context, d *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	GetByOrder(ctx context.Context, orderID string, kind Kind) (*Document, error)
}

// DB is the part of *pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	db DB
}

// NewPostgresRepository creates a repository over a pgx pool.
func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const documentColumns = `id, kind, number, order_id, order_number, customer, items, subtotal, tax_rate,
	tax, total, payment_method, payment_reference, issued_at`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.Kind, &d.Number, &d.OrderID, &d.OrderNumber, &d.Customer, &d.Items,
		&d.Subtotal, &d.TaxRate, &d.Tax, &d.Total, &d.PaymentMethod, &d.PaymentReference, &d.IssuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *PostgresRepository) Create(ctx context.Context, d *Document) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO invoices (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, d.ID, d.Kind, d.Number, d.OrderID, d.OrderNumber, d.Customer, d.Items,
		d.Subtotal, d.TaxRate, d.Tax, d.Total, d.PaymentMethod, d.PaymentReference, d.IssuedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s for order %s: %w", d.Kind, d.OrderID, apperr.ErrConflict)
	}
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Document, error) {
	return scanDocument(r.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM invoices WHERE id = $1`, id))
}

func (r *PostgresRepository) GetByOrder(ctx context.Context, orderID string, kind Kind) (*Document, error) {
	return scanDocument(r.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM invoices WHERE order_id = $1 AND kind = $2`, orderID, kind))
}

// MemoryRepository keeps documents in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	byID    map[string]Document
	byOrder map[string]string
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]Document),
		byOrder: make(map[string]string),
	}
}

func orderKey(orderID string, kind Kind) string {
	return orderID + "/" + string(kind)
}

func (r *MemoryRepository) Create(_ context.Context, d *Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := orderKey(d.OrderID, d.Kind)
	if _, ok := r.byOrder[key]; ok {
		return fmt.Errorf("%s for order %s: %w", d.Kind, d.OrderID, apperr.ErrConflict)
	}
	r.byID[d.ID] = *d
	r.byOrder[key] = d.ID
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byID[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &d, nil
}

func (r *MemoryRepository) GetByOrder(ctx context.Context, orderID string, kind Kind) (*Document, error) {
	r.mu.RLock()
	id, ok := r.byOrder[orderKey(orderID, kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return r.Get(ctx, id)
}
