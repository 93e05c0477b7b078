package selector

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorse-tools/endorse/internal/models"
	"github.com/endorse-tools/endorse/internal/store"
)

func accounts(n int) []models.Account {
	out := make([]models.Account, n)
	for i := range out {
		out[i] = models.Account{Handle: fmt.Sprintf("acc%02d", i), Operational: true, LastAction: models.NeverActed}
	}
	return out
}

func newStore(t *testing.T, n int) *store.SQLite {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	for _, a := range accounts(n) {
		require.NoError(t, st.AddAccount(ctx, a))
	}
	return st
}

func countCategory(cands []models.Candidate, cat models.Category) int {
	n := 0
	for _, c := range cands {
		if c.Has(cat) {
			n++
		}
	}
	return n
}

func TestSelectSingleCategory(t *testing.T) {
	st := newStore(t, 10)

	got, err := Select(context.Background(), st, Request{
		Target: "76561198000000000",
		Quota:  models.Quota{models.CategoryFriendly: 3},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, c := range got {
		assert.Equal(t, []models.Category{models.CategoryFriendly}, c.Categories)
	}
}

func TestSelectMixedQuota(t *testing.T) {
	st := newStore(t, 7)

	got, err := Select(context.Background(), st, Request{
		Target: "t",
		Quota:  models.Quota{models.CategoryFriendly: 3, models.CategoryTeaching: 5},
	})
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, 5, countCategory(got, models.CategoryTeaching))
	assert.Equal(t, 3, countCategory(got, models.CategoryFriendly))
	for i, c := range got {
		assert.Equal(t, i < 3, c.Has(models.CategoryFriendly), "candidate %d", i)
	}
}

func TestSelectReturnsFewerWhenExhausted(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, 4)
	now := time.Now()
	require.NoError(t, st.RecordAction(ctx, "acc00", "t", now))
	require.NoError(t, st.TouchLastAction(ctx, "acc01", now))

	got, err := Select(ctx, st, Request{
		Target:   "t",
		Cooldown: time.Hour,
		Now:      now,
		Quota:    models.Quota{models.CategoryLeader: 4},
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	for _, c := range got {
		assert.NotContains(t, []string{"acc00", "acc01"}, c.Account.Handle)
	}
}

func TestSelectZeroQuota(t *testing.T) {
	got, err := Select(context.Background(), failingReader{}, Request{Quota: models.Quota{models.CategoryFriendly: 0}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSelectPropagatesStoreError(t *testing.T) {
	_, err := Select(context.Background(), failingReader{}, Request{Quota: models.Quota{models.CategoryFriendly: 1}})
	require.Error(t, err)
}

func TestAssignCategoriesNeverExceedsQuota(t *testing.T) {
	quota := models.Quota{
		models.CategoryFriendly: 2,
		models.CategoryTeaching: 0,
		models.CategoryLeader:   6,
	}
	for n := 0; n <= 8; n++ {
		got := AssignCategories(accounts(n), quota)
		require.Len(t, got, n)
		for cat, want := range quota {
			have := countCategory(got, cat)
			assert.LessOrEqual(t, have, want)
			if n >= want {
				assert.Equal(t, want, have, "n=%d cat=%s", n, cat)
			}
		}
	}
}

type failingReader struct{}

func (failingReader) SelectEligible(context.Context, store.EligibleParams) ([]models.Account, error) {
	return nil, errors.New("boom")
}
