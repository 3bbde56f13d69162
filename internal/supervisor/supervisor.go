// Package supervisor implements spec §4.H: it spawns the Core
// subprocess, wires its stdio to an IPC protocol, and runs a Health
// Checker that heartbeats Core and escalates hangs or crashes to the
// caller-supplied callbacks, optionally restarting Core with backoff.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roboppi/agentcore/internal/ipc"
	"github.com/roboppi/agentcore/internal/process"
	"github.com/roboppi/agentcore/internal/workflow"
)

// DefaultHeartbeatInterval matches spec §4.H's 5s default.
const DefaultHeartbeatInterval = 5 * time.Second

// DefaultUnhealthyThreshold matches spec §4.H's 15s default.
const DefaultUnhealthyThreshold = 15 * time.Second

// Config configures one Supervisor instance.
type Config struct {
	Argv               []string
	Dir                string
	Env                []string
	HeartbeatInterval  time.Duration
	UnhealthyThreshold time.Duration
	ShutdownGrace      time.Duration
	Backoff            workflow.Backoff

	OnCoreHang  func()
	OnCoreCrash func(err error)

	Logger *slog.Logger
}

// Supervisor owns the Core subprocess lifecycle.
type Supervisor struct {
	cfg     Config
	procMgr *process.Manager

	mu       sync.Mutex
	child    *process.Child
	protocol *ipc.Protocol
	attempt  int

	stopCh chan struct{}
	stopOnce sync.Once
}

// New creates a Supervisor. Callers must call Start to spawn Core.
func New(cfg Config) *Supervisor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = DefaultUnhealthyThreshold
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = process.DefaultGrace
	}
	if cfg.Backoff == (workflow.Backoff{}) {
		cfg.Backoff = workflow.DefaultStepBackoff()
	}
	return &Supervisor{
		cfg:     cfg,
		procMgr: process.NewManager(),
		stopCh:  make(chan struct{}),
	}
}

func (s *Supervisor) logf(msg string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Warn(msg, args...)
	}
}

// Start spawns Core and begins the heartbeat/health-check loop. It
// returns once the first Core instance is up; subsequent crashes are
// handled internally (and restarted, if OnCoreCrash decides to).
func (s *Supervisor) Start(ctx context.Context) (*ipc.Protocol, error) {
	proto, err := s.spawnOnce(ctx)
	if err != nil {
		return nil, err
	}
	go s.superviseLoop(ctx)
	return proto, nil
}

func (s *Supervisor) spawnOnce(ctx context.Context) (*ipc.Protocol, error) {
	child, err := s.procMgr.SpawnIPC(ctx, process.SpawnOptions{Argv: s.cfg.Argv, Dir: s.cfg.Dir, Env: s.cfg.Env})
	if err != nil {
		return nil, err
	}

	proto := ipc.NewScheduler(child.Stdout(), child.Stdin())

	s.mu.Lock()
	s.child = child
	s.protocol = proto
	s.mu.Unlock()

	return proto, nil
}

// superviseLoop runs the Health Checker: send a heartbeat every
// HeartbeatInterval, and if no ack is observed within
// UnhealthyThreshold, invoke onCoreHang. Core exit invokes onCoreCrash.
func (s *Supervisor) superviseLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	lastAck := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.exitedChan():
			s.handleCrash(nil)
			return
		case <-ticker.C:
			s.mu.Lock()
			proto := s.protocol
			s.mu.Unlock()
			if proto == nil {
				continue
			}

			resp, err := proto.Call(ctx, ipc.HeartbeatIn, nil, s.cfg.UnhealthyThreshold)
			if err == nil && resp.Type == ipc.HeartbeatAck {
				lastAck = time.Now()
				continue
			}

			if time.Since(lastAck) >= s.cfg.UnhealthyThreshold {
				s.logf("supervisor: core unhealthy, no heartbeat ack", "threshold", s.cfg.UnhealthyThreshold)
				if s.cfg.OnCoreHang != nil {
					s.cfg.OnCoreHang()
				}
			}
		}
	}
}

func (s *Supervisor) exitedChan() <-chan struct{} {
	s.mu.Lock()
	child := s.child
	s.mu.Unlock()
	if child == nil {
		return nil
	}
	return child.Done()
}

func (s *Supervisor) handleCrash(err error) {
	s.mu.Lock()
	child := s.child
	s.mu.Unlock()

	if child != nil {
		err = child.Wait()
	}

	s.logf("supervisor: core crashed", "error", err)
	if s.cfg.OnCoreCrash != nil {
		s.cfg.OnCoreCrash(err)
	}
}

// Restart kills any live Core process and spawns a fresh one after the
// backoff delay for the current attempt count.
func (s *Supervisor) Restart(ctx context.Context) (*ipc.Protocol, error) {
	s.mu.Lock()
	s.attempt++
	attempt := s.attempt
	s.mu.Unlock()

	delay := s.cfg.Backoff.Delay(attempt - 1)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.KillCore()
	return s.spawnOnce(ctx)
}

// KillCore sends SIGTERM then SIGKILL to the tracked Core process per
// the Process Manager's graceful-shutdown contract.
func (s *Supervisor) KillCore() {
	s.mu.Lock()
	child := s.child
	proto := s.protocol
	s.mu.Unlock()

	if proto != nil {
		proto.Stop()
	}
	if child == nil {
		return
	}
	_ = s.procMgr.GracefulShutdown(child.PID, s.cfg.ShutdownGrace)
}

// Stop halts the supervise loop and kills Core.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.KillCore()
}
