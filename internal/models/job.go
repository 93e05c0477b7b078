package models

import (
	"sort"
	"time"
)

// Category is an endorsement type such as friendly, teaching or leader.
type Category string

const (
	CategoryFriendly Category = "friendly"
	CategoryTeaching Category = "teaching"
	CategoryLeader   Category = "leader"
)

// Quota maps each category to the number of accounts required for it.
type Quota map[Category]int

// Size returns the selection size for a run: the largest category quota.
func (q Quota) Size() int {
	size := 0
	for _, n := range q {
		if n > size {
			size = n
		}
	}
	return size
}

// Categories returns the configured categories in a stable order.
func (q Quota) Categories() []Category {
	out := make([]Category, 0, len(q))
	for c := range q {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Candidate is an eligible account with the categories it should perform.
type Candidate struct {
	Account    Account
	Categories []Category
}

// Has reports whether the candidate was assigned the category.
func (c Candidate) Has(cat Category) bool {
	for _, have := range c.Categories {
		if have == cat {
			return true
		}
	}
	return false
}

// Chunk is one batch of candidates handled by a single worker process.
type Chunk struct {
	Index      int
	Total      int
	Candidates []Candidate
}

// Len returns the number of accounts in the chunk.
func (c Chunk) Len() int { return len(c.Candidates) }

// WorkerSettings is the part of the run configuration a worker needs.
type WorkerSettings struct {
	Concurrency   int           `json:"concurrency"`
	LoginTimeout  time.Duration `json:"login_timeout"`
	ActionTimeout time.Duration `json:"action_timeout"`
}

// JobAccount is one account entry in a JobDescriptor.
type JobAccount struct {
	Handle     string     `json:"handle"`
	Secret     string     `json:"secret"`
	TOTPSeed   string     `json:"totp_seed,omitempty"`
	Categories []Category `json:"categories"`
}

// JobDescriptor is sent once to each worker after it reports ready.
type JobDescriptor struct {
	RunID    string         `json:"run_id"`
	Chunk    int            `json:"chunk"`
	Target   string         `json:"target"`
	Relay    string         `json:"relay"`
	Settings WorkerSettings `json:"settings"`
	Accounts []JobAccount   `json:"accounts"`
}

// NewJobDescriptor builds the descriptor for a chunk.
func NewJobDescriptor(runID, target, relay string, settings WorkerSettings, chunk Chunk) JobDescriptor {
	accounts := make([]JobAccount, 0, chunk.Len())
	for _, c := range chunk.Candidates {
		accounts = append(accounts, JobAccount{
			Handle:     c.Account.Handle,
			Secret:     c.Account.Secret,
			TOTPSeed:   c.Account.TOTPSeed,
			Categories: append([]Category(nil), c.Categories...),
		})
	}
	return JobDescriptor{
		RunID:    runID,
		Chunk:    chunk.Index,
		Target:   target,
		Relay:    relay,
		Settings: settings,
		Accounts: accounts,
	}
}

// TargetKind distinguishes how the target identity was obtained.
type TargetKind string

const (
	TargetLoggedInSession TargetKind = "logged_in_session"
	TargetDirectIdentity  TargetKind = "direct_identity"
)

// TargetReference is the resolved endorsement target.
type TargetReference struct {
	Kind     TargetKind
	Identity string
}
