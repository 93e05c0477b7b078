package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/endorse-tools/endorse/internal/models"
)

// ErrAccountExists is returned when adding an account whose handle is taken.
var ErrAccountExists = errors.New("account already exists")

// EligibleParams narrows the accounts returned by SelectEligible.
type EligibleParams struct {
	Target   string
	Now      time.Time
	Cooldown time.Duration
	Limit    int
}

// Store is the credential store shared by the run controller and the CLI.
//
// Writes that address a handle with no row affect nothing and return nil.
type Store interface {
	RunMigrations(ctx context.Context) error
	Close()

	CountOperational(ctx context.Context) (int, error)
	SelectEligible(ctx context.Context, p EligibleParams) ([]models.Account, error)
	TouchLastAction(ctx context.Context, handle string, at time.Time) error
	Deactivate(ctx context.Context, handle string) error
	Reactivate(ctx context.Context, handle string) error
	RecordAction(ctx context.Context, handle, target string, at time.Time) error

	AddAccount(ctx context.Context, a models.Account) error
	ListAccounts(ctx context.Context) ([]models.Account, error)
	Stats(ctx context.Context, now time.Time, cooldown time.Duration) (models.AccountStats, error)
}

// Open connects to the store named by dsn. Postgres URLs use pgx, anything
// else is treated as a SQLite database path.
func Open(ctx context.Context, dsn string) (Store, error) {
	if isPostgres(dsn) {
		return NewPostgres(ctx, dsn)
	}
	return NewSQLite(ctx, dsn)
}

func isPostgres(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*SQLite)(nil)
)
