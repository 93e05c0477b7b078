// Package supervisor owns the lifecycle of one worker per chunk and turns
// its message stream into events for the aggregator.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/endorse-tools/endorse/internal/models"
	"github.com/endorse-tools/endorse/internal/protocol"
	"github.com/endorse-tools/endorse/internal/telemetry"
)

// EventHandler consumes worker events after the job has been sent.
type EventHandler interface {
	HandleEvent(ctx context.Context, msg protocol.Message)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, msg protocol.Message)

func (f EventHandlerFunc) HandleEvent(ctx context.Context, msg protocol.Message) { f(ctx, msg) }

// Supervisor runs chunk jobs on workers from a Transport.
type Supervisor struct {
	transport Transport
	log       *zap.Logger
}

func New(transport Transport, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{transport: transport, log: log}
}

// RunChunk starts a worker, hands it job once it reports ready and forwards
// every later message to h. It returns only after the worker has exited. A
// worker that dies early yields a partial outcome, not an error; the only
// error is failing to start the worker at all.
func (s *Supervisor) RunChunk(ctx context.Context, job models.JobDescriptor, h EventHandler) error {
	log := s.log.With(zap.String("run_id", job.RunID), zap.Int("chunk", job.Chunk+1))
	start := time.Now()

	conn, err := s.transport.Start(ctx)
	if err != nil {
		return fmt.Errorf("start worker for chunk %d: %w", job.Chunk+1, err)
	}
	telemetry.WorkersStarted.Inc()

	sent := false
	for msg := range conn.Events() {
		switch {
		case msg.Kind == protocol.KindReady && !sent:
			sent = true
			if err := conn.Send(job); err != nil {
				log.Error("send job to worker", zap.Error(err))
			}
		case msg.Kind == protocol.KindReady:
			log.Warn("duplicate ready from worker ignored")
		case !sent:
			log.Warn("worker message before ready dropped", zap.String("type", string(msg.Kind)))
		default:
			h.HandleEvent(ctx, msg)
		}
	}

	if err := conn.Wait(); err != nil {
		log.Warn("worker did not exit cleanly", zap.Error(err))
	}
	telemetry.ChunkDuration.Observe(time.Since(start).Seconds())
	log.Debug("worker exited", zap.Duration("elapsed", time.Since(start)))
	return nil
}
