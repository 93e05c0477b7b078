package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/endorse-tools/endorse/internal/models"
	"github.com/endorse-tools/endorse/internal/platform"
	"github.com/endorse-tools/endorse/internal/platform/platformtest"
	"github.com/endorse-tools/endorse/internal/protocol"
	"github.com/endorse-tools/endorse/internal/worker"
)

const helperEnv = "ENDORSE_SUPERVISOR_HELPER"

// TestMain doubles as the worker process for the exec transport test.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		client := platformtest.NewClient()
		client.Behaviors["bad"] = platformtest.Behavior{LoginErr: &platform.AuthError{Code: platform.ResultBanned}}
		if err := worker.NewProcessor(client, nil).Run(context.Background(), os.Stdin, os.Stdout); err != nil {
			os.Exit(2)
		}
		os.Exit(0)
	}
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recorder) HandleEvent(_ context.Context, msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) terminal() map[string]protocol.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]protocol.Kind{}
	for _, m := range r.msgs {
		if m.Terminal() {
			out[m.Handle] = m.Kind
		}
	}
	return out
}

func testJob(handles ...string) models.JobDescriptor {
	job := models.JobDescriptor{RunID: "run", Target: "T", Relay: "R"}
	for _, h := range handles {
		job.Accounts = append(job.Accounts, models.JobAccount{Handle: h})
	}
	return job
}

func TestRunChunkOverPipes(t *testing.T) {
	client := platformtest.NewClient()
	client.Behaviors["bad"] = platformtest.Behavior{LoginErr: &platform.AuthError{Code: platform.ResultInvalidPassword}}
	client.Behaviors["rejected"] = platformtest.Behavior{Result: platform.ResultFail}
	sup := New(&PipeTransport{Run: worker.NewProcessor(client, nil).Run}, nil)

	rec := &recorder{}
	require.NoError(t, sup.RunChunk(context.Background(), testJob("a", "bad", "rejected"), rec))

	assert.Equal(t, map[string]protocol.Kind{
		"a":        protocol.KindActionSucceeded,
		"bad":      protocol.KindLoginFailed,
		"rejected": protocol.KindActionSucceeded,
	}, rec.terminal())
	for _, m := range rec.msgs {
		assert.NotEqual(t, protocol.KindReady, m.Kind)
	}
}

func TestRunChunkSendsJobOnceAndDropsEarlyMessages(t *testing.T) {
	var jobs int
	run := func(_ context.Context, in io.Reader, out io.Writer) error {
		enc := protocol.NewEncoder(out)
		_ = enc.Encode(protocol.Logging("early"))
		_ = enc.Encode(protocol.Ready())
		dec := protocol.NewDecoder(in)
		for {
			msg, err := dec.Next()
			if err != nil {
				break
			}
			if msg.Kind == protocol.KindJob {
				jobs++
			}
		}
		_ = enc.Encode(protocol.Ready())
		_ = enc.Encode(protocol.ActionSucceeded("x", 1, 0))
		return nil
	}
	rec := &recorder{}
	require.NoError(t, New(&PipeTransport{Run: run}, nil).RunChunk(context.Background(), testJob("x"), rec))

	assert.Equal(t, 1, jobs)
	require.Len(t, rec.msgs, 1)
	assert.Equal(t, protocol.KindActionSucceeded, rec.msgs[0].Kind)
}

func TestRunChunkPartialOutcomeOnEarlyExit(t *testing.T) {
	run := func(_ context.Context, in io.Reader, out io.Writer) error {
		enc := protocol.NewEncoder(out)
		_ = enc.Encode(protocol.Ready())
		if _, err := protocol.NewDecoder(in).Next(); err != nil {
			return err
		}
		_ = enc.Encode(protocol.ActionSucceeded("a", 1, 0))
		crash := errors.New("session library crashed")
		_ = enc.Encode(protocol.FatalError(crash))
		return crash
	}
	rec := &recorder{}
	err := New(&PipeTransport{Run: run}, nil).RunChunk(context.Background(), testJob("a", "b", "c"), rec)
	require.NoError(t, err)

	require.Len(t, rec.msgs, 2)
	assert.Equal(t, protocol.KindFatalError, rec.msgs[1].Kind)
	assert.Equal(t, map[string]protocol.Kind{"a": protocol.KindActionSucceeded}, rec.terminal())
}

func TestRunChunkWorkerThatNeverReportsReady(t *testing.T) {
	run := func(context.Context, io.Reader, io.Writer) error { return nil }
	rec := &recorder{}
	require.NoError(t, New(&PipeTransport{Run: run}, nil).RunChunk(context.Background(), testJob("a"), rec))
	assert.Empty(t, rec.msgs)
}

func TestRunChunkGarbageOutput(t *testing.T) {
	run := func(_ context.Context, _ io.Reader, out io.Writer) error {
		_, _ = io.WriteString(out, "{\"type\":\"ready\"}\nnot json at all\n")
		_, _ = io.WriteString(out, "more garbage the parent must drain\n")
		return nil
	}
	rec := &recorder{}
	require.NoError(t, New(&PipeTransport{Run: run}, nil).RunChunk(context.Background(), testJob("a"), rec))
	assert.Empty(t, rec.msgs)
}

func TestPipeTransportRequiresRunFunc(t *testing.T) {
	err := New(&PipeTransport{}, nil).RunChunk(context.Background(), testJob("a"), &recorder{})
	assert.Error(t, err)
}

func TestRunChunkOverExec(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	transport := &ExecTransport{
		Path: exe,
		Args: []string{"-test.run=^$"},
		Env:  append(os.Environ(), helperEnv+"=1"),
	}

	rec := &recorder{}
	require.NoError(t, New(transport, nil).RunChunk(context.Background(), testJob("a", "b", "bad"), rec))

	assert.Equal(t, map[string]protocol.Kind{
		"a":   protocol.KindActionSucceeded,
		"b":   protocol.KindActionSucceeded,
		"bad": protocol.KindLoginFailed,
	}, rec.terminal())
}

func TestExecTransportMissingBinary(t *testing.T) {
	transport := &ExecTransport{Path: "/nonexistent/endorse-worker"}
	err := New(transport, nil).RunChunk(context.Background(), testJob("a"), &recorder{})
	assert.Error(t, err)
}
