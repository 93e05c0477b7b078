// Package selector picks the accounts that take part in a run.
package selector

import (
	"context"
	"fmt"
	"time"

	"github.com/endorse-tools/endorse/internal/models"
	"github.com/endorse-tools/endorse/internal/store"
)

// AccountReader is the store surface the selector reads from.
type AccountReader interface {
	SelectEligible(ctx context.Context, p store.EligibleParams) ([]models.Account, error)
}

// Request describes one selection.
type Request struct {
	Target   string
	Cooldown time.Duration
	Quota    models.Quota
	Now      time.Time
}

// Select returns up to Quota.Size() candidates with categories assigned.
// Fewer candidates than requested is not an error; the caller decides.
func Select(ctx context.Context, r AccountReader, req Request) ([]models.Candidate, error) {
	size := req.Quota.Size()
	if size == 0 {
		return nil, nil
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	accounts, err := r.SelectEligible(ctx, store.EligibleParams{
		Target:   req.Target,
		Now:      now,
		Cooldown: req.Cooldown,
		Limit:    size,
	})
	if err != nil {
		return nil, fmt.Errorf("select eligible: %w", err)
	}
	return AssignCategories(accounts, req.Quota), nil
}

// AssignCategories walks accounts in order and gives each one every category
// whose running count is still below its quota.
func AssignCategories(accounts []models.Account, quota models.Quota) []models.Candidate {
	cats := quota.Categories()
	assigned := make(map[models.Category]int, len(cats))
	out := make([]models.Candidate, 0, len(accounts))
	for _, a := range accounts {
		c := models.Candidate{Account: a}
		for _, cat := range cats {
			if assigned[cat] < quota[cat] {
				c.Categories = append(c.Categories, cat)
				assigned[cat]++
			}
		}
		out = append(out, c)
	}
	return out
}
