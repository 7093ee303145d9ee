package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ncar-hpc/qhistdb/internal/charging"
)

//go:embed migrations/*.sql
var migrations embed.FS

type DB struct {
	*sql.DB
	url string
}

func Connect(url string) (*DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, err
	}
	// defaults; allow caller to tune via ConfigurePool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &DB{DB: db, url: url}, nil
}

func (d *DB) Ping(ctx context.Context) error { return d.DB.PingContext(ctx) }

// Migrate applies the embedded schema migrations over a dedicated connection,
// since the migrate driver closes the pool it is given. It is safe to call on
// an up-to-date database.
func (d *DB) Migrate(ctx context.Context) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	mdb, err := sql.Open("pgx", d.url)
	if err != nil {
		return err
	}
	if err := mdb.PingContext(ctx); err != nil {
		_ = mdb.Close()
		return err
	}
	driver, err := migratepgx.WithInstance(mdb, &migratepgx.Config{})
	if err != nil {
		_ = mdb.Close()
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		_ = driver.Close()
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func (d *DB) ConfigurePool(maxOpen, maxIdle, maxLifeSeconds int) {
	if maxOpen > 0 {
		d.DB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		d.DB.SetMaxIdleConns(maxIdle)
	}
	if maxLifeSeconds > 0 {
		d.DB.SetConnMaxLifetime(time.Duration(maxLifeSeconds) * time.Second)
	}
}

// EnsureChargedView (re)creates the charged view from the machine's charging
// rules, replacing whatever view of that name exists.
func (d *DB) EnsureChargedView(ctx context.Context, rules charging.Rules, mode charging.ViewMode) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var kind string
	err = tx.QueryRowContext(ctx, `SELECT c.relkind::text FROM pg_class c JOIN pg_namespace n ON n.oid = c.relnamespace WHERE c.relname = $1 AND n.nspname = current_schema()`, charging.ViewName).Scan(&kind)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("inspect %s: %w", charging.ViewName, err)
	case kind == "m":
		if _, err := tx.ExecContext(ctx, `DROP MATERIALIZED VIEW `+charging.ViewName); err != nil {
			return err
		}
	case kind == "v":
		if _, err := tx.ExecContext(ctx, `DROP VIEW `+charging.ViewName); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%s exists and is not a view (relkind %q)", charging.ViewName, kind)
	}
	if _, err := tx.ExecContext(ctx, rules.ViewSQL(mode)); err != nil {
		return fmt.Errorf("create %s: %w", charging.ViewName, err)
	}
	if mode == charging.MaterializedView {
		if _, err := tx.ExecContext(ctx, `CREATE INDEX `+charging.ViewName+`_end_time_idx ON `+charging.ViewName+` (end_time)`); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RefreshChargedView recomputes a materialized charged view. Live views need
// no refresh.
func (d *DB) RefreshChargedView(ctx context.Context, mode charging.ViewMode) error {
	if mode != charging.MaterializedView {
		return nil
	}
	_, err := d.ExecContext(ctx, `REFRESH MATERIALIZED VIEW `+charging.ViewName)
	return err
}
