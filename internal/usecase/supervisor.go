// Package usecase contains application business logic.
package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lxdroid/waydroidd/internal/domain"
)

// subscriberBuffer sizes per-subscriber state channels. Slow subscribers
// miss intermediate states rather than stalling the supervisor.
const subscriberBuffer = 8

// command is one queued state machine request.
type command struct {
	action domain.Action
	forced bool // stop that follows a canceled start, bypasses validation
	drift  bool // reconciliation pass, not a caller request
	reply  chan error
}

// Supervisor owns the container's state machine. Exactly one command
// executes at a time: all mutations funnel through the drain loop, so
// everything else only ever reads the state.
type Supervisor struct {
	store  domain.StateStore
	runner domain.CommandRunner
	logger *zap.Logger

	cmds chan command

	mu          sync.Mutex
	state       domain.ContainerState
	lastErr     string
	startCancel context.CancelFunc
	subscribers []chan domain.ContainerState
}

// NewSupervisor creates a supervisor. The initial state is reconciled
// against the tool's observed session state so a restart of this daemon
// does not forget a container that is already up.
func NewSupervisor(
	store domain.StateStore,
	runner domain.CommandRunner,
	logger *zap.Logger,
) *Supervisor {
	s := &Supervisor{
		store:  store,
		runner: runner,
		logger: logger,
		cmds:   make(chan command, 16),
		state:  domain.StateStopped,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if running, err := runner.ObservedRunning(ctx); err == nil && running {
		s.state = domain.StateRunning
	}

	return s
}

// Run drains the command queue until ctx is canceled. This blocks; the
// service runs it in its own goroutine.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor started", zap.String("state", string(s.GetState())))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopping")
			return ctx.Err()
		case cmd := <-s.cmds:
			if cmd.drift {
				s.handleDrift(ctx)
				if cmd.reply != nil {
					cmd.reply <- nil
				}
				continue
			}
			err := s.handleCommand(ctx, cmd)
			if cmd.reply != nil {
				cmd.reply <- err
			}
		}
	}
}

// GetState returns the current container state. Never blocks on an
// in-flight external command.
func (s *Supervisor) GetState() domain.ContainerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the message of the most recent failed command, empty
// when the last command succeeded.
func (s *Supervisor) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Subscribe returns a channel receiving every state change. Slow
// receivers drop intermediate states; the latest GetState is always
// authoritative.
func (s *Supervisor) Subscribe() <-chan domain.ContainerState {
	ch := make(chan domain.ContainerState, subscriberBuffer)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Start brings the container up. A no-op when already Running/Starting.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.submit(ctx, command{action: domain.ActionStart})
}

// Stop brings the container down. Issued while a Start is still waiting
// on the executor, it cancels that call best-effort and then drives a
// stop once the original call resolves.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	forced := false
	if s.state == domain.StateStarting && s.startCancel != nil {
		s.startCancel()
		forced = true
	}
	s.mu.Unlock()

	return s.submit(ctx, command{action: domain.ActionStop, forced: forced})
}

// Restart stops then starts the container as one command attempt.
func (s *Supervisor) Restart(ctx context.Context) error {
	return s.submit(ctx, command{action: domain.ActionRestart})
}

// Freeze suspends the running container. Illegal unless Running.
func (s *Supervisor) Freeze(ctx context.Context) error {
	return s.submit(ctx, command{action: domain.ActionFreeze})
}

// Unfreeze resumes a frozen container.
func (s *Supervisor) Unfreeze(ctx context.Context) error {
	return s.submit(ctx, command{action: domain.ActionUnfreeze})
}

// CheckDrift queues a reconciliation pass comparing the recorded state
// with the tool's observed one. Mismatches are self-healed and logged,
// never surfaced as a caller error.
func (s *Supervisor) CheckDrift() {
	select {
	case s.cmds <- command{drift: true}:
	default:
		// Queue full: a command burst is in progress, the next tick
		// will check again.
	}
}

// submit queues cmd and waits for the drain loop to process it.
func (s *Supervisor) submit(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleCommand validates one command against the state machine, runs the
// external tool and settles the state. Exactly one audit log entry is
// written per attempt.
func (s *Supervisor) handleCommand(ctx context.Context, cmd command) error {
	state := s.GetState()

	if !cmd.forced {
		if domain.IsNoOp(state, cmd.action) {
			s.logger.Debug("command is a no-op",
				zap.String("action", string(cmd.action)),
				zap.String("state", string(state)))
			return nil
		}
		if _, ok := domain.NextState(state, cmd.action); !ok {
			s.logger.Warn("rejected illegal transition",
				zap.String("action", string(cmd.action)),
				zap.String("state", string(state)))
			return domain.ErrInvalidTransition
		}
	}

	transient, _ := domain.NextState(state, cmd.action)
	if cmd.forced {
		transient = domain.StateStopping
	}
	s.setState(transient)

	res := s.execute(ctx, cmd.action, transient)

	if res.OK {
		final := domain.SettledState(transient, true)
		if cmd.action == domain.ActionRestart {
			// Restart settles through Starting into Running once the
			// second leg succeeds.
			final = domain.StateRunning
		}
		s.settle(final, "")
		s.appendLog(cmd.action, domain.LogSuccess, "")
		return nil
	}

	msg := res.Err.Error()
	if ee, ok := domain.AsExecError(res.Err); ok && ee.Stderr != "" {
		msg = ee.Stderr
	}
	s.settle(domain.StateFailed, msg)
	s.appendLog(cmd.action, domain.LogFailure, msg)
	return res.Err
}

// execute dispatches one action to the external tool. Start keeps its
// cancel func published so a concurrent Stop can abort the wait.
func (s *Supervisor) execute(ctx context.Context, action domain.Action, transient domain.ContainerState) domain.Result {
	switch action {
	case domain.ActionStart:
		return s.executeStart(ctx)
	case domain.ActionStop:
		return s.runner.Execute(ctx, "session", "stop")
	case domain.ActionFreeze:
		return s.runner.Execute(ctx, "container", "freeze")
	case domain.ActionUnfreeze:
		// Unfreeze transits Starting and settles Running like a fresh
		// start; the session itself never went away.
		return s.runner.Execute(ctx, "container", "unfreeze")
	case domain.ActionRestart:
		res := s.runner.Execute(ctx, "session", "stop")
		if !res.OK {
			return res
		}
		s.setState(domain.SettledState(transient, true)) // Restarting -> Starting
		return s.runner.Execute(ctx, "session", "start")
	default:
		return domain.Result{OK: true}
	}
}

func (s *Supervisor) executeStart(ctx context.Context) domain.Result {
	startCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.startCancel = cancel
	s.mu.Unlock()

	res := s.runner.Execute(startCtx, "session", "start")

	s.mu.Lock()
	s.startCancel = nil
	s.mu.Unlock()
	cancel()
	return res
}

// handleDrift compares recorded and observed state. Transient states are
// never corrected: the in-flight command owns them.
func (s *Supervisor) handleDrift(ctx context.Context) {
	state := s.GetState()
	switch state {
	case domain.StateRunning, domain.StateFrozen, domain.StateStopped, domain.StateFailed:
	default:
		return
	}

	observed, err := s.runner.ObservedRunning(ctx)
	if err != nil {
		s.logger.Debug("drift check unavailable", zap.Error(err))
		return
	}

	switch {
	case observed && (state == domain.StateStopped || state == domain.StateFailed):
		s.logger.Warn("state drift detected: container running outside supervision",
			zap.String("recorded", string(state)))
		s.settle(domain.StateRunning, "")
		s.appendLog(domain.ActionStart, domain.LogSuccess,
			"state drift: container observed running, state corrected")

	case !observed && (state == domain.StateRunning || state == domain.StateFrozen):
		s.logger.Warn("state drift detected: container died without a stop",
			zap.String("recorded", string(state)))
		s.settle(domain.StateStopped, "")
		s.appendLog(domain.ActionStop, domain.LogSuccess,
			"state drift: container no longer observed, state corrected")
	}
}

// setState publishes a new state to readers and subscribers.
func (s *Supervisor) setState(state domain.ContainerState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	subs := s.subscribers
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- state:
		default:
		}
	}
}

// settle records the terminal state of a command along with its error
// message, empty on success.
func (s *Supervisor) settle(state domain.ContainerState, errMsg string) {
	s.mu.Lock()
	s.lastErr = errMsg
	s.mu.Unlock()
	s.setState(state)
}

// appendLog writes the audit row for one command attempt. A store outage
// here must not lose the state transition, so it is logged and retried
// implicitly by the next attempt.
func (s *Supervisor) appendLog(action domain.Action, status domain.LogStatus, message string) {
	entry := domain.ContainerLogEntry{
		Timestamp: time.Now(),
		Action:    action,
		Status:    status,
		Message:   message,
	}
	if err := s.store.AppendContainerLog(entry); err != nil {
		s.logger.Error("failed to append container log", zap.Error(err))
	}
}
