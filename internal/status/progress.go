package status

import (
	"sync"
	"time"
)

// Snapshot is the externally visible state of the current run.
type Snapshot struct {
	RunID     string    `json:"run_id,omitempty"`
	State     string    `json:"state"`
	Target    string    `json:"target,omitempty"`
	Relay     string    `json:"relay,omitempty"`
	Chunk     int       `json:"chunk"`
	Chunks    int       `json:"chunks"`
	Selected  int       `json:"selected"`
	Success   int       `json:"success"`
	Failure   int       `json:"failure"`
	Dropped   int       `json:"dropped"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Progress is a concurrency-safe holder for the latest Snapshot.
// A nil *Progress ignores updates.
type Progress struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

func NewProgress() *Progress {
	now := time.Now
	return &Progress{snap: Snapshot{State: "idle", StartedAt: now(), UpdatedAt: now()}, now: now}
}

// Update applies fn to the snapshot under the lock.
func (p *Progress) Update(fn func(*Snapshot)) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.snap)
	p.snap.UpdatedAt = p.now()
}

// SetState records a run state transition.
func (p *Progress) SetState(state string) {
	p.Update(func(s *Snapshot) { s.State = state })
}

// Snapshot returns a copy of the current state.
func (p *Progress) Snapshot() Snapshot {
	if p == nil {
		return Snapshot{State: "idle"}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}
