package livefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultGracePeriod is how long Stop waits for a clean exit before killing.
const DefaultGracePeriod = 5 * time.Second

// Handle controls one running worker instance.
type Handle interface {
	// Done is closed when the worker has exited.
	Done() <-chan struct{}
	// Err returns the exit error once Done is closed.
	Err() error
	// Stop asks the worker to exit, forcing it after the grace period.
	Stop() error
}

// Spawner starts worker instances.
type Spawner interface {
	Spawn() (Handle, error)
}

// ProcessSpawner runs the worker as a separate OS process. Stop sends
// SIGTERM and kills the process if it has not exited within GracePeriod.
type ProcessSpawner struct {
	Path        string
	Args        []string
	Env         []string // appended to the current environment
	GracePeriod time.Duration
	Stdout      io.Writer // default os.Stdout
	Stderr      io.Writer // default os.Stderr
	Logger      logrus.FieldLogger
}

// Spawn starts the worker process.
func (s *ProcessSpawner) Spawn() (Handle, error) {
	if s.Path == "" {
		return nil, errors.New("livefeed: worker binary path is required")
	}

	logger := s.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = s.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	grace := s.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	h := &processHandle{
		cmd:    cmd,
		grace:  grace,
		done:   make(chan struct{}),
		logger: logger.WithField("pid", cmd.Process.Pid),
	}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()

	h.logger.Info("worker process started")
	return h, nil
}

type processHandle struct {
	cmd    *exec.Cmd
	grace  time.Duration
	done   chan struct{}
	err    error
	logger logrus.FieldLogger
}

func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *processHandle) Stop() error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		h.logger.Warnf("SIGTERM failed: %v", err)
	}

	select {
	case <-h.done:
		h.logger.Info("worker process terminated")
		return nil
	case <-time.After(h.grace):
	}

	h.logger.Warn("worker process did not exit in time, killing")
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker process: %w", err)
	}
	<-h.done
	return nil
}

// InProcessSpawner runs the worker as a goroutine with its own context.
// A panic in Run is recovered and reported as the exit error.
type InProcessSpawner struct {
	Run         func(ctx context.Context) error
	GracePeriod time.Duration
}

// Spawn starts Run in a new goroutine.
func (s *InProcessSpawner) Spawn() (Handle, error) {
	if s.Run == nil {
		return nil, errors.New("livefeed: worker run func is required")
	}

	grace := s.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &goroutineHandle{cancel: cancel, grace: grace, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.setErr(fmt.Errorf("worker panic: %v", r))
			}
		}()
		h.setErr(s.Run(ctx))
	}()
	return h, nil
}

type goroutineHandle struct {
	cancel context.CancelFunc
	grace  time.Duration
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (h *goroutineHandle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

func (h *goroutineHandle) Done() <-chan struct{} { return h.done }

func (h *goroutineHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *goroutineHandle) Stop() error {
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-time.After(h.grace):
		return errors.New("livefeed: worker goroutine did not stop within grace period")
	}
}
