// Package workers runs and supervises sibling worker processes started from
// the primary process.
package workers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	apperrors "blueprint-backend/internal/errors"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultGracePeriod is how long a worker has to exit after SIGTERM.
const DefaultGracePeriod = time.Second

// Config describes the worker fleet.
type Config struct {
	// Count is the requested number of workers; zero means one per CPU.
	Count int
	Min   int
	Max   int
	// GracePeriod is the wait between SIGTERM and SIGKILL.
	GracePeriod time.Duration
	// RestartsPerMinute bounds respawns across the fleet.
	RestartsPerMinute int

	// Executable defaults to the running binary.
	Executable string
	Args       []string
	// Env is appended to the parent environment.
	Env []string
}

// Registrar receives one disconnect callback per worker.
type Registrar interface {
	Register(name string, disconnect func(ctx context.Context) error)
}

// Metrics receives supervisor events.
type Metrics interface {
	SetWorkersRunning(n int)
	RecordWorkerRestart()
}

// CPUCount reports logical CPUs through gopsutil, falling back to the Go
// runtime's view.
func CPUCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// ResolveCount applies the CPU default and clamps count to [min, max].
func ResolveCount(count, min, max int, cpus func() int) int {
	if count <= 0 {
		count = cpus()
	}
	if min > 0 && count < min {
		count = min
	}
	if max > 0 && count > max {
		count = max
	}
	return count
}

// Supervisor starts the workers and restarts those that exit unexpectedly.
type Supervisor struct {
	cfg     Config
	logger  *zap.Logger
	metrics Metrics
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	slots   []*slot
	running int
}

// NewSupervisor validates cfg and creates an idle supervisor.
func NewSupervisor(cfg Config, logger *zap.Logger, metrics Metrics) (*Supervisor, error) {
	if cfg.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, apperrors.Internal(apperrors.CodeWorkerSpawnFailed, "cannot locate executable").
				WithCause(err).
				Build()
		}
		cfg.Executable = exe
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.RestartsPerMinute < 1 {
		cfg.RestartsPerMinute = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg,
		logger:  logger.Named("supervisor"),
		metrics: metrics,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RestartsPerMinute)), cfg.RestartsPerMinute),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the workers and registers each with registrar. It returns
// the number started.
func (s *Supervisor) Start(registrar Registrar) (int, error) {
	n := ResolveCount(s.cfg.Count, s.cfg.Min, s.cfg.Max, CPUCount)

	for i := 0; i < n; i++ {
		sl := &slot{id: i, sup: s}
		if err := sl.spawn(); err != nil {
			s.cancel()
			_ = s.stopAll(context.Background())
			return 0, err
		}
		s.mu.Lock()
		s.slots = append(s.slots, sl)
		s.mu.Unlock()
		if registrar != nil {
			registrar.Register(fmt.Sprintf("worker-%d", i), sl.stop)
		}
	}

	s.logger.Info("workers started",
		zap.Int("count", n),
		zap.String("executable", s.cfg.Executable),
		zap.Strings("args", s.cfg.Args),
	)
	return n, nil
}

// Running returns the number of live worker processes.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop terminates every worker. It is equivalent to calling every callback
// passed to the registrar.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.stopAll(ctx)
}

func (s *Supervisor) stopAll(ctx context.Context) error {
	s.mu.Lock()
	slots := append([]*slot(nil), s.slots...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(slots))
	for i, sl := range slots {
		wg.Add(1)
		go func(i int, sl *slot) {
			defer wg.Done()
			errs[i] = sl.stop(ctx)
		}(i, sl)
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

func (s *Supervisor) adjustRunning(delta int) {
	s.mu.Lock()
	s.running += delta
	n := s.running
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetWorkersRunning(n)
	}
}

// ============================================================================
// WORKER SLOT
// ============================================================================

// slot is one worker position; its process is replaced after a crash.
type slot struct {
	id  int
	sup *Supervisor

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	stopping bool
}

// spawn starts a process for the slot unless the slot is being stopped.
func (sl *slot) spawn() error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.stopping {
		return nil
	}

	s := sl.sup
	cmd := exec.Command(s.cfg.Executable, s.cfg.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), s.cfg.Env...)

	if err := cmd.Start(); err != nil {
		return apperrors.Internal(apperrors.CodeWorkerSpawnFailed, "failed to start worker").
			WithResource(fmt.Sprintf("worker-%d", sl.id)).
			WithCause(err).
			Build()
	}

	done := make(chan struct{})
	sl.cmd = cmd
	sl.done = done
	s.adjustRunning(1)

	s.logger.Debug("worker spawned", zap.Int("slot", sl.id), zap.Int("pid", cmd.Process.Pid))
	go sl.wait(cmd, done)
	return nil
}

func (sl *slot) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	close(done)
	sl.sup.adjustRunning(-1)

	sl.mu.Lock()
	stopping := sl.stopping
	sl.mu.Unlock()
	if stopping {
		return
	}

	s := sl.sup
	s.logger.Warn("worker exited unexpectedly",
		zap.Int("slot", sl.id),
		zap.Int("pid", cmd.Process.Pid),
		zap.Error(err),
	)

	if err := s.limiter.Wait(s.ctx); err != nil {
		return
	}

	if s.metrics != nil {
		s.metrics.RecordWorkerRestart()
	}
	if err := sl.spawn(); err != nil {
		s.logger.Error("failed to respawn worker", zap.Int("slot", sl.id), zap.Error(err))
	}
}

// stop sends SIGTERM, then SIGKILL once the grace period passes.
func (sl *slot) stop(ctx context.Context) error {
	sl.mu.Lock()
	sl.stopping = true
	cmd, done := sl.cmd, sl.done
	sl.mu.Unlock()

	if cmd == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	logger := sl.sup.logger.With(zap.Int("slot", sl.id), zap.Int("pid", cmd.Process.Pid))
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Debug("SIGTERM failed", zap.Error(err))
	}

	grace := time.NewTimer(sl.sup.cfg.GracePeriod)
	defer grace.Stop()

	select {
	case <-done:
		logger.Debug("worker exited")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	logger.Warn("worker did not exit in time, killing")
	if err := cmd.Process.Kill(); err != nil {
		select {
		case <-done:
			return nil
		default:
		}
		return fmt.Errorf("kill worker %d: %w", sl.id, err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
