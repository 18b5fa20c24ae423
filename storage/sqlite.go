package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/janschill/licensed/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// All SQLite operations go through it so WithTx can swap in a
// transaction without duplicating queries.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type SQLiteStorage struct {
	db *sql.DB
	q  querier
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteStorage{db: db, q: db}
	if err := storage.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to prepare migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) WithTx(ctx context.Context, fn func(Storage) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txStorage := &SQLiteStorage{db: s.db, q: tx}
	if err := fn(txStorage); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (after: %w)", rbErr, err)
		}
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// nullString maps "" to NULL so the unique index on billing references
// ignores manually granted subscriptions.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Users

func (s *SQLiteStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.scanUser(s.q.QueryRowContext(ctx,
		`SELECT id, email, COALESCE(stripe_customer_id, ''), created_at, updated_at FROM users WHERE id = ?`, id))
}

func (s *SQLiteStorage) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.scanUser(s.q.QueryRowContext(ctx,
		`SELECT id, email, COALESCE(stripe_customer_id, ''), created_at, updated_at FROM users WHERE email = ?`, email))
}

func (s *SQLiteStorage) FindUserByStripeCustomer(ctx context.Context, customerID string) (*models.User, error) {
	return s.scanUser(s.q.QueryRowContext(ctx,
		`SELECT id, email, COALESCE(stripe_customer_id, ''), created_at, updated_at FROM users WHERE stripe_customer_id = ?`, customerID))
}

func (s *SQLiteStorage) scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Email, &user.StripeCustomerID, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *SQLiteStorage) SaveUser(ctx context.Context, user *models.User) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (id, email, stripe_customer_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			stripe_customer_id = excluded.stripe_customer_id,
			updated_at = excluded.updated_at`,
		user.ID, user.Email, user.StripeCustomerID, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}
