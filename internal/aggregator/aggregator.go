// Package aggregator applies worker outcomes to the credential store and
// keeps per-chunk and run-wide tallies.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/endorse-tools/endorse/internal/models"
	"github.com/endorse-tools/endorse/internal/platform"
	"github.com/endorse-tools/endorse/internal/protocol"
	"github.com/endorse-tools/endorse/internal/telemetry"
)

// AccountWriter is the store surface outcome mutations go through.
type AccountWriter interface {
	TouchLastAction(ctx context.Context, handle string, at time.Time) error
	Deactivate(ctx context.Context, handle string) error
	RecordAction(ctx context.Context, handle, target string, at time.Time) error
}

// Aggregator turns worker events for one target into store mutations.
type Aggregator struct {
	store  AccountWriter
	target string
	policy Policy
	log    *zap.Logger
	now    func() time.Time
}

func New(st AccountWriter, target string, policy Policy, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{store: st, target: target, policy: policy, log: log, now: time.Now}
}

// WithClock overrides the time source used for timestamps.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Chunk starts a recorder for one chunk.
func (a *Aggregator) Chunk(chunk models.Chunk) *Recorder {
	terminal := make(map[string]bool, chunk.Len())
	for _, c := range chunk.Candidates {
		terminal[c.Account.Handle] = false
	}
	return &Recorder{
		agg:      a,
		total:    chunk.Len(),
		terminal: terminal,
		outcome:  ChunkOutcome{Index: chunk.Index, Size: chunk.Len()},
		log:      a.log.With(zap.Int("chunk", chunk.Index+1), zap.Int("chunks", chunk.Total)),
	}
}

// Recorder is the event handler for one chunk's worker.
type Recorder struct {
	agg      *Aggregator
	total    int
	log      *zap.Logger
	mu       sync.Mutex
	// terminal holds every handle of the chunk; true once it has finished.
	terminal map[string]bool
	outcome  ChunkOutcome
}

// Outcome returns a copy of what has been recorded so far.
func (r *Recorder) Outcome() ChunkOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.outcome
	out.Successes = append([]Success(nil), r.outcome.Successes...)
	out.Failures = append([]Failure(nil), r.outcome.Failures...)
	out.Fatal = append([]string(nil), r.outcome.Fatal...)
	return out
}

func (r *Recorder) progress() string {
	return fmt.Sprintf("%d/%d", r.outcome.Done(), r.total)
}

// claim marks handle as finished. It fails for a second terminal event and
// for handles outside the chunk so tallies never exceed the chunk size.
func (r *Recorder) claim(handle string) error {
	done, ok := r.terminal[handle]
	switch {
	case !ok:
		return errors.New("handle not in chunk")
	case done:
		return errors.New("duplicate terminal event")
	}
	r.terminal[handle] = true
	return nil
}

// HandleEvent applies one worker message.
func (r *Recorder) HandleEvent(ctx context.Context, msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := r.log
	if msg.Handle != "" {
		log = log.With(zap.String("handle", msg.Handle))
	}
	if msg.Terminal() {
		if err := r.claim(msg.Handle); err != nil {
			log.Warn("worker event ignored", zap.String("type", string(msg.Kind)), zap.Error(err))
			return
		}
	}

	switch msg.Kind {
	case protocol.KindLogging:
		log.Info("logging in")
	case protocol.KindLoggedOn:
		log.Info("logged on", zap.Time("welcome", *msg.WelcomeAt))
	case protocol.KindActionSucceeded:
		r.actionAccepted(ctx, log, msg)
	case protocol.KindActionFailed:
		r.actionFailed(ctx, log, msg)
	case protocol.KindLoginFailed:
		r.loginFailed(ctx, log, msg)
	case protocol.KindFatalError:
		r.outcome.Fatal = append(r.outcome.Fatal, msg.Error.Message)
		telemetry.WorkerFatal.Inc()
		log.Error("worker exited due to an error", zap.String("error", msg.Error.Message))
	default:
		log.Warn("unexpected worker message", zap.String("type", string(msg.Kind)))
	}
}

func (r *Recorder) actionAccepted(ctx context.Context, log *zap.Logger, msg protocol.Message) {
	a := r.agg
	now := a.now()
	code := platform.Result(msg.Result.Code)

	if code != a.policy.SuccessCode {
		r.outcome.Failures = append(r.outcome.Failures, Failure{
			Handle: msg.Handle,
			Kind:   FailureRejected,
			Code:   msg.Result.Code,
		})
		if a.policy.CooldownOnRejected {
			a.swallow(log, "touch last action", a.store.TouchLastAction(ctx, msg.Handle, now))
		}
		telemetry.ActionsFailed.WithLabelValues(string(FailureRejected)).Inc()
		log.Warn("action accepted with non-success result",
			zap.Stringer("result", code),
			zap.String("progress", r.progress()))
		return
	}

	r.outcome.Successes = append(r.outcome.Successes, Success{
		Handle:    msg.Handle,
		Code:      msg.Result.Code,
		Remaining: msg.Result.Remaining,
	})
	a.swallow(log, "touch last action", a.store.TouchLastAction(ctx, msg.Handle, now))
	a.swallow(log, "record action", a.store.RecordAction(ctx, msg.Handle, a.target, now))
	telemetry.ActionsSucceeded.Inc()
	log.Info("action succeeded",
		zap.Stringer("result", code),
		zap.Int("remaining", msg.Result.Remaining),
		zap.String("progress", r.progress()))
}

func (r *Recorder) actionFailed(ctx context.Context, log *zap.Logger, msg protocol.Message) {
	a := r.agg
	r.outcome.Failures = append(r.outcome.Failures, Failure{
		Handle:  msg.Handle,
		Kind:    FailureAction,
		Message: msg.Error.Message,
	})
	a.swallow(log, "touch last action", a.store.TouchLastAction(ctx, msg.Handle, a.now()))
	telemetry.ActionsFailed.WithLabelValues(string(FailureAction)).Inc()
	log.Warn("action failed",
		zap.String("error", msg.Error.Message),
		zap.String("progress", r.progress()))
}

func (r *Recorder) loginFailed(ctx context.Context, log *zap.Logger, msg protocol.Message) {
	a := r.agg
	r.outcome.Failures = append(r.outcome.Failures, Failure{
		Handle:  msg.Handle,
		Kind:    FailureLogin,
		Code:    msg.Error.Code,
		Message: msg.Error.Message,
	})
	a.swallow(log, "deactivate account", a.store.Deactivate(ctx, msg.Handle))
	telemetry.ActionsFailed.WithLabelValues(string(FailureLogin)).Inc()
	telemetry.AccountsDeactivated.Inc()

	class := a.policy.ClassifyLogin(msg.Error)
	fields := []zap.Field{
		zap.String("class", class.String()),
		zap.String("error", msg.Error.Message),
		zap.String("progress", r.progress()),
	}
	if msg.Error.Code != 0 {
		fields = append(fields, zap.Stringer("result", platform.Result(msg.Error.Code)))
	}
	switch class {
	case LoginBenign:
		log.Info("login failed, account marked invalid", fields...)
	case LoginSecondFactor:
		log.Error("login requires a second factor, account marked invalid", fields...)
	case LoginUnexpected:
		log.Error("login failed with unexpected result, account marked invalid", fields...)
	default:
		log.Warn("login failed, account marked invalid", fields...)
	}
}

// swallow logs a best-effort store error without escalating it.
func (a *Aggregator) swallow(log *zap.Logger, op string, err error) {
	if err != nil {
		log.Debug("store write ignored", zap.String("op", op), zap.Error(err))
	}
}
