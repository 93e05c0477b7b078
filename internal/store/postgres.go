package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/endorse-tools/endorse/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations executes the embedded Postgres migrations.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "postgres", func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
}

// CountOperational returns how many accounts can still log in.
func (s *Postgres) CountOperational(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM accounts WHERE operational`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count operational accounts: %w", err)
	}
	return n, nil
}

// SelectEligible returns operational accounts that are off cooldown and have
// not acted on the target yet.
func (s *Postgres) SelectEligible(ctx context.Context, p EligibleParams) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.handle, a.secret, a.totp_seed, a.last_action, a.operational
		FROM accounts a
		WHERE a.operational
		  AND NOT EXISTS (SELECT 1 FROM actions c WHERE c.handle = a.handle AND c.target = $1)
		  AND ($2 - a.last_action) >= $3
		LIMIT $4
	`, p.Target, p.Now.UnixMilli(), p.Cooldown.Milliseconds(), p.Limit)
	if err != nil {
		return nil, fmt.Errorf("select eligible accounts: %w", err)
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		var a models.Account
		var seed pgtype.Text
		if err := rows.Scan(&a.Handle, &a.Secret, &seed, &a.LastAction, &a.Operational); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a.TOTPSeed = seed.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// TouchLastAction starts the cooldown window for an account.
func (s *Postgres) TouchLastAction(ctx context.Context, handle string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE accounts SET last_action = $2 WHERE handle = $1`, handle, at.UnixMilli())
	return err
}

// Deactivate marks an account as unable to log in.
func (s *Postgres) Deactivate(ctx context.Context, handle string) error {
	_, err := s.pool.Exec(ctx, `UPDATE accounts SET operational = FALSE WHERE handle = $1`, handle)
	return err
}

// Reactivate returns a deactivated account to the pool.
func (s *Postgres) Reactivate(ctx context.Context, handle string) error {
	_, err := s.pool.Exec(ctx, `UPDATE accounts SET operational = TRUE WHERE handle = $1`, handle)
	return err
}

// RecordAction appends an action row for (handle, target).
func (s *Postgres) RecordAction(ctx context.Context, handle, target string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO actions (handle, target, ts) VALUES ($1, $2, $3)`, handle, target, at.UnixMilli())
	return err
}

// AddAccount inserts a new operational account.
func (s *Postgres) AddAccount(ctx context.Context, a models.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (handle, secret, totp_seed, last_action, operational)
		VALUES ($1, $2, $3, $4, TRUE)
	`, a.Handle, a.Secret, emptyToNil(a.TOTPSeed), models.NeverActed)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%s: %w", a.Handle, ErrAccountExists)
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// ListAccounts returns every account ordered by handle.
func (s *Postgres) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT handle, secret, totp_seed, last_action, operational FROM accounts ORDER BY handle
	`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		var a models.Account
		var seed pgtype.Text
		if err := rows.Scan(&a.Handle, &a.Secret, &seed, &a.LastAction, &a.Operational); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a.TOTPSeed = seed.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// Stats summarises the pool relative to now and the cooldown window.
func (s *Postgres) Stats(ctx context.Context, now time.Time, cooldown time.Duration) (models.AccountStats, error) {
	var st models.AccountStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE operational),
			COUNT(*) FILTER (WHERE operational AND ($1 - last_action) < $2),
			(SELECT COUNT(*) FROM actions)
		FROM accounts
	`, now.UnixMilli(), cooldown.Milliseconds()).Scan(&st.Total, &st.Operational, &st.Cooling, &st.Actions)
	if err != nil {
		return models.AccountStats{}, fmt.Errorf("account stats: %w", err)
	}
	return st, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
