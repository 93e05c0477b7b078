package aggregator

// FailureKind labels a per-account failure.
type FailureKind string

const (
	FailureLogin    FailureKind = "login"
	FailureAction   FailureKind = "action"
	FailureRejected FailureKind = "rejected"
)

// Success is one confirmed action.
type Success struct {
	Handle    string `json:"handle"`
	Code      int    `json:"code"`
	Remaining int    `json:"remaining"`
}

// Failure is one account that did not complete its action.
type Failure struct {
	Handle  string      `json:"handle"`
	Kind    FailureKind `json:"kind"`
	Code    int         `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ChunkOutcome collects results while a chunk's worker is alive.
type ChunkOutcome struct {
	Index     int       `json:"index"`
	Size      int       `json:"size"`
	Successes []Success `json:"successes"`
	Failures  []Failure `json:"failures"`
	Fatal     []string  `json:"fatal,omitempty"`
}

// Done returns how many accounts reached a terminal outcome.
func (o ChunkOutcome) Done() int { return len(o.Successes) + len(o.Failures) }

// Dropped returns how many accounts ended with neither outcome.
func (o ChunkOutcome) Dropped() int { return o.Size - o.Done() }

// ChunkSummary is the folded form of a ChunkOutcome.
type ChunkSummary struct {
	Index   int  `json:"index"`
	Size    int  `json:"size"`
	Success int  `json:"success"`
	Failure int  `json:"failure"`
	Dropped int  `json:"dropped"`
	Fatal   bool `json:"fatal"`
}

// Tally is the run-wide accumulator.
type Tally struct {
	Success int            `json:"success"`
	Failure int            `json:"failure"`
	Dropped int            `json:"dropped"`
	Chunks  []ChunkSummary `json:"chunks"`
}

// Fold adds a finished chunk to the tally and returns its summary.
func (t *Tally) Fold(o ChunkOutcome) ChunkSummary {
	s := ChunkSummary{
		Index:   o.Index,
		Size:    o.Size,
		Success: len(o.Successes),
		Failure: len(o.Failures),
		Dropped: o.Dropped(),
		Fatal:   len(o.Fatal) > 0,
	}
	t.Success += s.Success
	t.Failure += s.Failure
	t.Dropped += s.Dropped
	t.Chunks = append(t.Chunks, s)
	return s
}

// Total is the number of accounts scheduled across folded chunks.
func (t Tally) Total() int {
	n := 0
	for _, c := range t.Chunks {
		n += c.Size
	}
	return n
}
