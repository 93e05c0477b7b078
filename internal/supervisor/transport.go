package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/endorse-tools/endorse/internal/models"
	"github.com/endorse-tools/endorse/internal/protocol"
)

// Conn is a live connection to one worker.
type Conn interface {
	// Events yields worker messages in order and is closed once the worker's
	// output ends.
	Events() <-chan protocol.Message
	// Send delivers the job descriptor and closes the worker's input.
	Send(job models.JobDescriptor) error
	// Wait blocks until the worker has exited. Call it after Events is drained.
	Wait() error
}

// Transport starts workers.
type Transport interface {
	Start(ctx context.Context) (Conn, error)
}

// pump decodes messages from r into ch and closes ch when r ends. After a
// malformed frame the rest of the stream is discarded so the worker never
// blocks on a full pipe.
func pump(r io.Reader, ch chan<- protocol.Message, log *zap.Logger) {
	defer close(ch)
	dec := protocol.NewDecoder(r)
	for {
		msg, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Error("unreadable worker output", zap.Error(err))
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}
		ch <- msg
	}
}

// ExecTransport runs each worker as a separate OS process.
type ExecTransport struct {
	Path      string
	Args      []string
	Env       []string
	WaitDelay time.Duration
	Log       *zap.Logger
}

// NewExecTransport re-executes the current binary with args.
func NewExecTransport(args []string, log *zap.Logger) (*ExecTransport, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecTransport{Path: self, Args: args, WaitDelay: 5 * time.Second, Log: log}, nil
}

func (t *ExecTransport) Start(ctx context.Context) (Conn, error) {
	log := t.Log
	if log == nil {
		log = zap.NewNop()
	}
	cmd := exec.CommandContext(ctx, t.Path, t.Args...)
	if t.Env != nil {
		cmd.Env = t.Env
	}
	cmd.WaitDelay = t.WaitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	log = log.With(zap.Int("pid", cmd.Process.Pid))
	log.Debug("worker started", zap.String("path", t.Path))

	c := &execConn{cmd: cmd, stdin: stdin, events: make(chan protocol.Message, 16)}
	c.readers.Go(func() error {
		pump(stdout, c.events, log)
		return nil
	})
	c.readers.Go(func() error {
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			log.Info("worker output", zap.String("line", sc.Text()))
		}
		return nil
	})
	return c, nil
}

type execConn struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	events  chan protocol.Message
	readers errgroup.Group
}

func (c *execConn) Events() <-chan protocol.Message { return c.events }

func (c *execConn) Send(job models.JobDescriptor) error {
	defer c.stdin.Close()
	return protocol.NewEncoder(c.stdin).Encode(protocol.Job(job))
}

func (c *execConn) Wait() error {
	_ = c.readers.Wait()
	if err := c.cmd.Wait(); err != nil {
		return fmt.Errorf("worker exited: %w", err)
	}
	return nil
}

// RunFunc is a worker body speaking the protocol over in and out.
type RunFunc func(ctx context.Context, in io.Reader, out io.Writer) error

// PipeTransport runs workers as goroutines connected through in-memory pipes.
type PipeTransport struct {
	Run RunFunc
	Log *zap.Logger
}

func (t *PipeTransport) Start(ctx context.Context) (Conn, error) {
	if t.Run == nil {
		return nil, errors.New("pipe transport has no worker function")
	}
	log := t.Log
	if log == nil {
		log = zap.NewNop()
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	c := &pipeConn{
		in:     inW,
		events: make(chan protocol.Message, 16),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		c.err = t.Run(ctx, inR, outW)
		_ = inR.Close()
		_ = outW.Close()
	}()
	c.pumped.Add(1)
	go func() {
		defer c.pumped.Done()
		pump(outR, c.events, log)
	}()
	return c, nil
}

type pipeConn struct {
	in     *io.PipeWriter
	events chan protocol.Message
	done   chan struct{}
	pumped sync.WaitGroup
	err    error
}

func (c *pipeConn) Events() <-chan protocol.Message { return c.events }

func (c *pipeConn) Send(job models.JobDescriptor) error {
	defer c.in.Close()
	return protocol.NewEncoder(c.in).Encode(protocol.Job(job))
}

func (c *pipeConn) Wait() error {
	c.pumped.Wait()
	<-c.done
	if c.err != nil {
		return fmt.Errorf("worker exited: %w", c.err)
	}
	return nil
}
