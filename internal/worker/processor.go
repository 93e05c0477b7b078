// Package worker is the child side of a chunk: it logs each account in,
// submits its action and reports every step to the parent.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/endorse-tools/endorse/internal/models"
	"github.com/endorse-tools/endorse/internal/platform"
	"github.com/endorse-tools/endorse/internal/protocol"
)

const (
	defaultLoginTimeout  = 60 * time.Second
	defaultActionTimeout = 30 * time.Second
)

// Processor drives one chunk job.
type Processor struct {
	client platform.Client
	log    *zap.Logger
}

func NewProcessor(client platform.Client, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{client: client, log: log}
}

// Run announces readiness, reads the job and processes every account in it.
// A non-nil error means the worker hit a fatal fault; a fatalError message
// has already been written to out in that case.
func (p *Processor) Run(ctx context.Context, in io.Reader, out io.Writer) (err error) {
	enc := protocol.NewEncoder(out)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
		if err != nil {
			_ = enc.Encode(protocol.FatalError(err))
		}
	}()

	if err := enc.Encode(protocol.Ready()); err != nil {
		return err
	}
	msg, err := protocol.NewDecoder(in).Next()
	if err != nil {
		return fmt.Errorf("read job: %w", err)
	}
	if msg.Kind != protocol.KindJob {
		return fmt.Errorf("expected job message, got %q", msg.Kind)
	}
	job := *msg.Job
	settings := withDefaults(job.Settings, len(job.Accounts))
	p.log.Info("job received",
		zap.String("run_id", job.RunID),
		zap.Int("chunk", job.Chunk),
		zap.Int("accounts", len(job.Accounts)),
		zap.Int("concurrency", settings.Concurrency))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(settings.Concurrency)
	for _, acc := range job.Accounts {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic processing %s: %v", acc.Handle, r)
				}
			}()
			return p.processAccount(gctx, enc, job, settings, acc)
		})
	}
	return g.Wait()
}

func (p *Processor) processAccount(ctx context.Context, enc *protocol.Encoder, job models.JobDescriptor, settings models.WorkerSettings, acc models.JobAccount) error {
	// A fatal fault in a sibling cancels ctx; the rest of the chunk is dropped.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := enc.Encode(protocol.Logging(acc.Handle)); err != nil {
		return err
	}

	loginCtx, cancel := context.WithTimeout(ctx, settings.LoginTimeout)
	sess, err := p.client.Login(loginCtx, platform.Credentials{
		Handle:   acc.Handle,
		Secret:   acc.Secret,
		TOTPSeed: acc.TOTPSeed,
	})
	cancel()
	if err != nil {
		// A cancelled chunk leaves the account without a terminal event.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		p.log.Debug("login failed", zap.String("handle", acc.Handle), zap.Error(err))
		if !isCredentialFailure(err) {
			return enc.Encode(protocol.ActionFailed(acc.Handle, err))
		}
		return enc.Encode(protocol.LoginFailed(acc.Handle, loginErrorInfo(err)))
	}
	defer func() {
		if err := sess.Close(); err != nil {
			p.log.Debug("close session", zap.String("handle", acc.Handle), zap.Error(err))
		}
	}()

	if err := enc.Encode(protocol.LoggedOn(acc.Handle, sess.WelcomeTime())); err != nil {
		return err
	}

	actionCtx, cancel := context.WithTimeout(ctx, settings.ActionTimeout)
	defer cancel()
	if err := sess.JoinRelay(actionCtx, job.Relay); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return enc.Encode(protocol.ActionFailed(acc.Handle, err))
	}
	res, err := sess.SubmitAction(actionCtx, platform.ActionRequest{
		Target:     job.Target,
		Relay:      job.Relay,
		Categories: acc.Categories,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return enc.Encode(protocol.ActionFailed(acc.Handle, err))
	}
	return enc.Encode(protocol.ActionSucceeded(acc.Handle, int(res.Code), res.Remaining))
}

// isCredentialFailure reports whether the platform judged the login itself.
// Anything else, such as an unreachable gateway or a login timeout, may
// succeed on a later run.
func isCredentialFailure(err error) bool {
	var authErr *platform.AuthError
	return errors.As(err, &authErr) || errors.Is(err, platform.ErrSecondFactorRequired)
}

func loginErrorInfo(err error) protocol.ErrorInfo {
	var authErr *platform.AuthError
	if errors.As(err, &authErr) {
		return protocol.ErrorInfo{
			Message:              authErr.Error(),
			Code:                 int(authErr.Code),
			SecondFactorRequired: authErr.SecondFactorRequired,
		}
	}
	return protocol.ErrorInfo{
		Message:              err.Error(),
		SecondFactorRequired: errors.Is(err, platform.ErrSecondFactorRequired),
	}
}

func withDefaults(s models.WorkerSettings, accounts int) models.WorkerSettings {
	if s.Concurrency <= 0 || s.Concurrency > accounts {
		s.Concurrency = max(accounts, 1)
	}
	if s.LoginTimeout <= 0 {
		s.LoginTimeout = defaultLoginTimeout
	}
	if s.ActionTimeout <= 0 {
		s.ActionTimeout = defaultActionTimeout
	}
	return s
}
