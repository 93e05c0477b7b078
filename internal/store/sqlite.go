package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/endorse-tools/endorse/internal/models"
)

// SQLite is the single-file credential store.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the SQLite database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// RunMigrations executes the embedded SQLite migrations.
func (s *SQLite) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "sqlite", func(ctx context.Context, sql string) error {
		_, err := s.db.ExecContext(ctx, sql)
		return err
	})
}

func (s *SQLite) CountOperational(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE operational = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count operational accounts: %w", err)
	}
	return n, nil
}

func (s *SQLite) SelectEligible(ctx context.Context, p EligibleParams) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.handle, a.secret, COALESCE(a.totp_seed, ''), a.last_action, a.operational
		FROM accounts a
		WHERE a.operational = 1
		  AND NOT EXISTS (SELECT 1 FROM actions c WHERE c.handle = a.handle AND c.target = ?)
		  AND (? - a.last_action) >= ?
		LIMIT ?
	`, p.Target, p.Now.UnixMilli(), p.Cooldown.Milliseconds(), p.Limit)
	if err != nil {
		return nil, fmt.Errorf("select eligible accounts: %w", err)
	}
	return scanAccounts(rows)
}

func (s *SQLite) TouchLastAction(ctx context.Context, handle string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET last_action = ? WHERE handle = ?`, at.UnixMilli(), handle)
	return err
}

func (s *SQLite) Deactivate(ctx context.Context, handle string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET operational = 0 WHERE handle = ?`, handle)
	return err
}

func (s *SQLite) Reactivate(ctx context.Context, handle string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET operational = 1 WHERE handle = ?`, handle)
	return err
}

func (s *SQLite) RecordAction(ctx context.Context, handle, target string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO actions (handle, target, ts) VALUES (?, ?, ?)`, handle, target, at.UnixMilli())
	return err
}

func (s *SQLite) AddAccount(ctx context.Context, a models.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (handle, secret, totp_seed, last_action, operational)
		VALUES (?, ?, ?, ?, 1)
	`, a.Handle, a.Secret, emptyToNil(a.TOTPSeed), models.NeverActed)
	if err != nil {
		if isSQLiteConstraint(err) {
			return fmt.Errorf("%s: %w", a.Handle, ErrAccountExists)
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *SQLite) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT handle, secret, COALESCE(totp_seed, ''), last_action, operational FROM accounts ORDER BY handle
	`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return scanAccounts(rows)
}

func (s *SQLite) Stats(ctx context.Context, now time.Time, cooldown time.Duration) (models.AccountStats, error) {
	var st models.AccountStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN operational = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN operational = 1 AND (? - last_action) < ? THEN 1 ELSE 0 END), 0),
			(SELECT COUNT(*) FROM actions)
		FROM accounts
	`, now.UnixMilli(), cooldown.Milliseconds()).Scan(&st.Total, &st.Operational, &st.Cooling, &st.Actions)
	if err != nil {
		return models.AccountStats{}, fmt.Errorf("account stats: %w", err)
	}
	return st, nil
}

func scanAccounts(rows *sql.Rows) ([]models.Account, error) {
	defer rows.Close()
	var out []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.Handle, &a.Secret, &a.TOTPSeed, &a.LastAction, &a.Operational); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func isSQLiteConstraint(err error) bool {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
