// Package runner sequences one endorsement run: precondition checks, target
// and relay resolution, selection, chunk planning and strictly sequential
// chunk execution.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/endorse-tools/endorse/internal/aggregator"
	"github.com/endorse-tools/endorse/internal/lease"
	"github.com/endorse-tools/endorse/internal/models"
	"github.com/endorse-tools/endorse/internal/planner"
	"github.com/endorse-tools/endorse/internal/platform"
	"github.com/endorse-tools/endorse/internal/ratelimit"
	"github.com/endorse-tools/endorse/internal/selector"
	"github.com/endorse-tools/endorse/internal/status"
	"github.com/endorse-tools/endorse/internal/supervisor"
	"github.com/endorse-tools/endorse/internal/telemetry"
)

// State is a step of the run state machine.
type State string

const (
	StateCheckingPreconditions State = "CheckingPreconditions"
	StateResolvingTarget       State = "ResolvingTarget"
	StateSelectingAccounts     State = "SelectingAccounts"
	StatePlanningChunks        State = "PlanningChunks"
	StateResolvingRelay        State = "ResolvingRelay"
	StateRunningChunks         State = "RunningChunks"
	StateFinished              State = "Finished"
	StateAborted               State = "Aborted"
)

// Mode selects how the target and relay are resolved.
type Mode string

const (
	// ModeLogin logs into the target account and joins the first active relay.
	ModeLogin Mode = "login"
	// ModeServer resolves a target reference and a relay reference directly.
	ModeServer Mode = "server"
)

// Store is the credential store surface a run needs.
type Store interface {
	selector.AccountReader
	aggregator.AccountWriter
	CountOperational(ctx context.Context) (int, error)
}

// Options is the per-run configuration.
type Options struct {
	Mode          Mode
	TargetRef     string
	RelayRef      string
	Account       platform.Credentials
	Quota         models.Quota
	Cooldown      time.Duration
	ChunkSize     int
	BetweenChunks time.Duration
	Worker        models.WorkerSettings
	Policy        aggregator.Policy
}

// Deps are the collaborators of a Controller. Leaser and Throttle are
// optional.
type Deps struct {
	Store      Store
	Client     platform.Client
	Supervisor *supervisor.Supervisor
	Log        *zap.Logger
	Progress   *status.Progress
	Leaser     *lease.Leaser
	Throttle   *ratelimit.TokenBucket
}

// Result is what a run reports when it ends.
type Result struct {
	RunID      string            `json:"run_id"`
	Mode       Mode              `json:"mode"`
	Target     string            `json:"target,omitempty"`
	TargetKind models.TargetKind `json:"target_kind,omitempty"`
	Relay      string            `json:"relay,omitempty"`
	Selected   int               `json:"selected"`
	Tally      aggregator.Tally  `json:"tally"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Controller drives runs.
type Controller struct {
	deps  Deps
	opts  Options
	log   *zap.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

func New(deps Deps, opts Options) *Controller {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		deps:  deps,
		opts:  opts,
		log:   log,
		now:   time.Now,
		sleep: sleepCtx,
		newID: uuid.NewString,
	}
}

// run holds the state of one Run call.
type run struct {
	*Controller
	res     Result
	log     *zap.Logger
	session platform.Session
	lease   *lease.Lease
}

// Run executes one full run. Precondition and resolution failures are
// returned as *PreconditionError and *ResolutionError after every held
// session and lease has been released.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	r := &run{
		Controller: c,
		res: Result{
			RunID:     c.newID(),
			Mode:      c.opts.Mode,
			StartedAt: c.now(),
		},
	}
	r.log = c.log.With(zap.String("run_id", r.res.RunID))
	c.deps.Progress.Update(func(s *status.Snapshot) {
		*s = status.Snapshot{RunID: r.res.RunID, StartedAt: r.res.StartedAt}
	})
	defer r.release()

	err := r.execute(ctx)
	r.res.FinishedAt = c.now()
	if err != nil {
		r.enter(StateAborted)
		if IsAbort(err) {
			r.log.Warn("run aborted", zap.Error(err))
		}
		return r.res, err
	}
	r.enter(StateFinished)
	t := r.res.Tally
	r.log.Info(fmt.Sprintf("finished all chunks with a total of %d successful and %d failed %s",
		t.Success, t.Failure, plural(t.Failure, "action", "actions")),
		zap.Int("dropped", t.Dropped),
		zap.Duration("elapsed", r.res.FinishedAt.Sub(r.res.StartedAt)))
	return r.res, nil
}

func (r *run) enter(s State) {
	r.log.Debug("state", zap.String("state", string(s)))
	r.deps.Progress.SetState(string(s))
}

func (r *run) execute(ctx context.Context) error {
	need := r.opts.Quota.Size()

	r.enter(StateCheckingPreconditions)
	have, err := r.deps.Store.CountOperational(ctx)
	if err != nil {
		return fmt.Errorf("count operational accounts: %w", err)
	}
	if have < need {
		return &PreconditionError{Stage: "operational", Have: have, Need: need}
	}

	r.enter(StateResolvingTarget)
	if err := r.resolveTarget(ctx); err != nil {
		return err
	}
	if err := r.acquireLease(ctx); err != nil {
		return err
	}

	r.enter(StateSelectingAccounts)
	candidates, err := selector.Select(ctx, r.deps.Store, selector.Request{
		Target:   r.res.Target,
		Cooldown: r.opts.Cooldown,
		Quota:    r.opts.Quota,
		Now:      r.now(),
	})
	if err != nil {
		return err
	}
	telemetry.EligibleCandidates.Set(float64(len(candidates)))
	if len(candidates) < need {
		return &PreconditionError{Stage: "eligible", Have: len(candidates), Need: need}
	}
	r.res.Selected = len(candidates)

	r.enter(StatePlanningChunks)
	chunks, err := planner.Plan(candidates, r.opts.ChunkSize)
	if err != nil {
		return err
	}
	r.log.Info(fmt.Sprintf("chunking %d %s into groups of %d",
		len(candidates), plural(len(candidates), "account", "accounts"), r.opts.ChunkSize))

	r.enter(StateResolvingRelay)
	if err := r.resolveRelay(ctx); err != nil {
		return err
	}
	r.deps.Progress.Update(func(s *status.Snapshot) {
		s.Target, s.Relay = r.res.Target, r.res.Relay
		s.Selected, s.Chunks = len(candidates), len(chunks)
	})

	r.enter(StateRunningChunks)
	return r.runChunks(ctx, chunks)
}

func (r *run) resolveTarget(ctx context.Context) error {
	switch r.opts.Mode {
	case ModeLogin:
		r.log.Info("logging into target account", zap.String("handle", r.opts.Account.Handle))
		sess, err := r.deps.Client.Login(ctx, r.opts.Account)
		if err != nil {
			return &ResolutionError{What: "target login", Err: err}
		}
		r.session = sess
		r.setTarget(models.TargetReference{Kind: models.TargetLoggedInSession, Identity: sess.Identity()})
	case ModeServer:
		r.log.Info("parsing target reference", zap.String("ref", r.opts.TargetRef))
		id, err := r.deps.Client.ResolveReference(ctx, r.opts.TargetRef)
		if err != nil {
			return &ResolutionError{What: "target", Err: err}
		}
		r.setTarget(models.TargetReference{Kind: models.TargetDirectIdentity, Identity: id})
	default:
		return &ResolutionError{What: "target", Err: fmt.Errorf("unknown mode %q", r.opts.Mode)}
	}
	return nil
}

// setTarget records the resolved reference. Everything downstream only sees
// the plain identity.
func (r *run) setTarget(ref models.TargetReference) {
	r.res.Target = ref.Identity
	r.res.TargetKind = ref.Kind
	r.log = r.log.With(zap.String("target", ref.Identity), zap.String("target_kind", string(ref.Kind)))
}

func (r *run) resolveRelay(ctx context.Context) error {
	switch r.opts.Mode {
	case ModeLogin:
		relays, err := r.deps.Client.ListActiveRelays(ctx)
		if err != nil {
			return &ResolutionError{What: "relay", Err: err}
		}
		if len(relays) == 0 {
			return &ResolutionError{What: "relay", Err: ErrNoActiveRelay}
		}
		relay := relays[0].ID
		r.log.Info("selected available relay", zap.String("relay", relay))
		if err := r.session.JoinRelay(ctx, relay); err != nil {
			return &ResolutionError{What: "relay join", Err: err}
		}
		r.res.Relay = relay
	default:
		if strings.EqualFold(r.opts.RelayRef, "auto") {
			return &ResolutionError{What: "relay", Err: ErrAutoRelayUnsupported}
		}
		relay, err := r.deps.Client.ParseRelayReference(ctx, r.opts.RelayRef)
		if err != nil {
			return &ResolutionError{What: "relay", Err: err}
		}
		r.log.Info("parsed relay reference", zap.String("ref", r.opts.RelayRef), zap.String("relay", relay))
		r.res.Relay = relay
	}
	return nil
}

func (r *run) acquireLease(ctx context.Context) error {
	if r.deps.Leaser == nil {
		return nil
	}
	ls, err := r.deps.Leaser.Acquire(ctx, r.res.Target, r.res.RunID)
	if err != nil {
		return err
	}
	r.lease = ls
	return nil
}

func (r *run) runChunks(ctx context.Context, chunks []models.Chunk) error {
	agg := aggregator.New(r.deps.Store, r.res.Target, r.opts.Policy, r.log).WithClock(r.now)

	for i, chunk := range chunks {
		if r.deps.Throttle != nil {
			if err := r.deps.Throttle.Wait(ctx, r.res.Relay); err != nil {
				return fmt.Errorf("wait for relay %s: %w", r.res.Relay, err)
			}
		}
		r.deps.Progress.Update(func(s *status.Snapshot) { s.Chunk = i + 1 })
		r.log.Info(fmt.Sprintf("logging in on chunk %d/%d", i+1, len(chunks)))

		rec := agg.Chunk(chunk)
		job := models.NewJobDescriptor(r.res.RunID, r.res.Target, r.res.Relay, r.opts.Worker, chunk)
		if err := r.deps.Supervisor.RunChunk(ctx, job, rec); err != nil {
			return err
		}

		sum := r.res.Tally.Fold(rec.Outcome())
		telemetry.ChunksCompleted.Inc()
		tally := r.res.Tally
		r.deps.Progress.Update(func(s *status.Snapshot) {
			s.Success, s.Failure, s.Dropped = tally.Success, tally.Failure, tally.Dropped
		})
		r.log.Info(fmt.Sprintf("chunk %d/%d finished with %d successful and %d failed %s",
			i+1, len(chunks), sum.Success, sum.Failure, plural(sum.Failure, "action", "actions")),
			zap.Int("dropped", sum.Dropped))

		if r.lease != nil {
			if err := r.lease.Extend(ctx); err != nil {
				r.log.Warn("extend target lease", zap.Error(err))
			}
		}
		if i+1 < len(chunks) && r.opts.BetweenChunks > 0 {
			r.log.Info("waiting before next chunk", zap.Duration("delay", r.opts.BetweenChunks))
			if err := r.sleep(ctx, r.opts.BetweenChunks); err != nil {
				return err
			}
		}
	}
	return nil
}

// release closes the target session and drops the lease. It runs on every
// exit path.
func (r *run) release() {
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			r.log.Debug("close target session", zap.Error(err))
		}
		r.session = nil
	}
	if r.lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.lease.Release(ctx); err != nil && !errors.Is(err, lease.ErrLost) {
			r.log.Warn("release target lease", zap.Error(err))
		}
		r.lease = nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
