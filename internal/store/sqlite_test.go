package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorse-tools/endorse/internal/models"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	ctx := context.Background()
	st, err := NewSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	return st
}

func seed(t *testing.T, st Store, handles ...string) {
	t.Helper()
	for _, h := range handles {
		require.NoError(t, st.AddAccount(context.Background(), models.Account{Handle: h, Secret: "pw-" + h}))
	}
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.RunMigrations(context.Background()))
}

func TestSQLiteAddAccountDuplicate(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "alice")

	err := st.AddAccount(context.Background(), models.Account{Handle: "alice", Secret: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAccountExists))
}

func TestSQLiteSelectEligible(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seed(t, st, "a", "b", "c", "d", "e")
	now := time.UnixMilli(1_000_000)

	require.NoError(t, st.Deactivate(ctx, "a"))
	require.NoError(t, st.RecordAction(ctx, "b", "target-1", now.Add(-time.Hour)))
	require.NoError(t, st.TouchLastAction(ctx, "c", now.Add(-time.Minute)))

	got, err := st.SelectEligible(ctx, EligibleParams{
		Target:   "target-1",
		Now:      now,
		Cooldown: 10 * time.Minute,
		Limit:    10,
	})
	require.NoError(t, err)

	handles := make([]string, 0, len(got))
	for _, a := range got {
		handles = append(handles, a.Handle)
		assert.True(t, a.Operational)
		assert.Equal(t, "pw-"+a.Handle, a.Secret)
	}
	assert.ElementsMatch(t, []string{"d", "e"}, handles)
}

func TestSQLiteSelectEligibleRespectsLimitAndOtherTargets(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seed(t, st, "a", "b", "c")
	now := time.UnixMilli(5_000_000)
	require.NoError(t, st.RecordAction(ctx, "a", "someone-else", now))

	got, err := st.SelectEligible(ctx, EligibleParams{Target: "target-1", Now: now, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSQLiteHandleIsNotInterpolated(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	evil := `x" OR "1"="1`
	seed(t, st, "a", evil)

	require.NoError(t, st.Deactivate(ctx, evil))

	n, err := st.CountOperational(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteWritesOnMissingAccountAreNoops(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	assert.NoError(t, st.TouchLastAction(ctx, "ghost", time.Now()))
	assert.NoError(t, st.Deactivate(ctx, "ghost"))
}

func TestSQLiteStats(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seed(t, st, "a", "b", "c")
	now := time.UnixMilli(10_000_000)

	require.NoError(t, st.Deactivate(ctx, "a"))
	require.NoError(t, st.TouchLastAction(ctx, "b", now.Add(-time.Second)))
	require.NoError(t, st.RecordAction(ctx, "b", "t", now))

	stats, err := st.Stats(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, models.AccountStats{Total: 3, Operational: 2, Cooling: 1, Actions: 1}, stats)

	require.NoError(t, st.Reactivate(ctx, "a"))
	n, err := st.CountOperational(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSQLiteListAccounts(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.AddAccount(context.Background(), models.Account{Handle: "b", Secret: "s", TOTPSeed: "seed"}))
	seed(t, st, "a")

	list, err := st.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Handle)
	assert.Equal(t, models.NeverActed, list[0].LastAction)
	assert.Equal(t, "seed", list[1].TOTPSeed)
}

func TestOpenPicksBackendFromDSN(t *testing.T) {
	assert.True(t, isPostgres("postgres://u:p@localhost/db"))
	assert.True(t, isPostgres("POSTGRESQL://localhost/db"))
	assert.False(t, isPostgres("./data/accounts.sqlite"))
}
