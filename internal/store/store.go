package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"checkout-reconciler/internal/models"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sentinel errors surfaced by the store.
var (
	ErrDuplicatePaymentRef = errors.New("order already exists for payment reference")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInventoryNotFound   = errors.New("inventory record not found")
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Migrate applies embedded schema migrations. The unique index on
// orders.payment_reference lives here; reconciliation correctness depends
// on it being in place before the service accepts traffic.
func (s *Store) Migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to init migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetInventory retrieves inventory for a product
func (s *Store) GetInventory(ctx context.Context, productID string) (*models.Inventory, error) {
	var inv models.Inventory
	err := s.db.GetContext(ctx, &inv, "SELECT * FROM inventory WHERE product_id = $1", productID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrInventoryNotFound, productID)
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// DecrementStock atomically reduces available stock for a product, clamping
// at zero, and returns the new count. The clamp happens inside the UPDATE so
// concurrent purchases of the same product cannot drive the count negative.
func (s *Store) DecrementStock(ctx context.Context, productID string, quantity int) (int, error) {
	var available int
	err := s.db.GetContext(ctx, &available,
		`UPDATE inventory
		 SET available = GREATEST(available - $1, 0), updated_at = NOW()
		 WHERE product_id = $2
		 RETURNING available`,
		quantity, productID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", ErrInventoryNotFound, productID)
	}
	if err != nil {
		return 0, err
	}
	return available, nil
}

// SetStockStatus writes the derived catalog label for a product.
func (s *Store) SetStockStatus(ctx context.Context, productID, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE inventory SET status = $1, updated_at = NOW() WHERE product_id = $2",
		status, productID)
	return err
}

// UpsertInventory sets the available count and status for a product.
// Used by the admin path and by tests to seed stock.
func (s *Store) UpsertInventory(ctx context.Context, productID string, available int, status string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inventory (product_id, available, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (product_id)
		 DO UPDATE SET available = $2, status = $3, updated_at = NOW()`,
		productID, available, status)
	return err
}
