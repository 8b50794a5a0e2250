// Package action implements the Action Manager (spec.md §4.4): graduated
// response decisions with cooldowns, a termination concurrency cap, and
// failure backoff. Grounded on KanakSasak-procSniper's
// internal/usecase/response_orchestrator.go ResponseOrchestrator (stats
// counters, running-flag guarded Start/Stop, per-alert decision dispatch)
// adapted to spec.md's exact cooldown/backoff/semaphore state machine.
package action

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/eliteguard/appmon/internal/domain"
)

// Config holds the Action Manager's tunables (spec.md §6 defense.*).
type Config struct {
	ProcessSuspendDuration  time.Duration
	NetworkBlockDuration    time.Duration
	ActionCooldown          time.Duration
	MaxConcurrentTerminates int
	TerminateFailureBackoff time.Duration
}

// Manager is the concrete domain.ActionResponder.
type Manager struct {
	cfg        Config
	selfPID    domain.PID
	behavior   domain.BehaviorEngine
	controller domain.ProcessController
	audit      domain.AuditLogger
	clock      domain.Clock
	logger     *zap.Logger

	mu               sync.Mutex
	networkBlocks    map[domain.PID]time.Time
	actionCooldowns  map[domain.PID]time.Time
	terminateBackoff map[domain.PID]time.Time

	terminateSem chan struct{}
	limiter      *rate.Limiter
}

// New creates a Manager. A MaxConcurrentTerminates of 0 disables
// termination entirely, per spec.md §4.4.
func New(cfg Config, selfPID domain.PID, behavior domain.BehaviorEngine, controller domain.ProcessController, audit domain.AuditLogger, clock domain.Clock, logger *zap.Logger) *Manager {
	var sem chan struct{}
	if cfg.MaxConcurrentTerminates > 0 {
		sem = make(chan struct{}, cfg.MaxConcurrentTerminates)
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Manager{
		cfg:              cfg,
		selfPID:          selfPID,
		behavior:         behavior,
		controller:       controller,
		audit:            audit,
		clock:            clock,
		logger:           logger,
		networkBlocks:    make(map[domain.PID]time.Time),
		actionCooldowns:  make(map[domain.PID]time.Time),
		terminateBackoff: make(map[domain.PID]time.Time),
		terminateSem:     sem,
		// Bounds how often failed resumes are written to the operational
		// logger; the burst allowance lets the initial spike through.
		limiter: rate.NewLimiter(rate.Every(time.Second), 20),
	}
}

// isActionable reports whether pid is a legitimate target: not reserved
// (<= 4) and not the agent's own PID, per spec.md §3/§8's PID-safety
// invariant.
func (m *Manager) isActionable(pid domain.PID) bool {
	return pid > domain.ReservedPIDCeiling && pid != m.selfPID
}

// EvaluateAndRespond is the Action Manager's primary entry point
// (spec.md §4.4).
func (m *Manager) EvaluateAndRespond(ctx context.Context, pid domain.PID) {
	if !m.isActionable(pid) {
		return
	}

	score := m.behavior.Get(pid)
	if score.Level == domain.LevelNormal {
		return
	}

	if m.withinCooldown(pid) {
		return
	}

	switch score.Level {
	case domain.LevelSuspicious:
		m.monitor(pid)
	case domain.LevelMalicious:
		m.suspend(pid)
	case domain.LevelCritical:
		m.terminate(ctx, pid)
	}
}

func (m *Manager) withinCooldown(pid domain.PID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.actionCooldowns[pid]
	return ok && m.clock.Now().Before(expiry)
}

func (m *Manager) applyCooldown(pid domain.PID) {
	if m.cfg.ActionCooldown <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionCooldowns[pid] = m.clock.Now().Add(m.cfg.ActionCooldown)
}

func (m *Manager) monitor(pid domain.PID) {
	m.logDecision(pid, domain.DecisionMonitor, "")
	m.applyCooldown(pid)
}

// suspend implements spec.md §4.4's suspend policy: open every thread with
// suspend/resume access, suspend it, schedule a resume after
// ProcessSuspendDuration regardless of earlier outcomes, and release all
// handles on every path.
func (m *Manager) suspend(pid domain.PID) {
	defer m.applyCooldown(pid)

	suspended, err := m.controller.SuspendThreads(pid)
	if err != nil || suspended == 0 {
		reason := "no threads suspended"
		if err != nil {
			reason = err.Error()
		}
		m.logDecision(pid, domain.DecisionSuspendFailed, reason)
		return
	}

	m.logDecision(pid, domain.DecisionSuspend, "")

	go func() {
		time.Sleep(m.cfg.ProcessSuspendDuration)
		if err := m.controller.ResumeThreads(pid); err != nil {
			if m.logger != nil && m.limiter.Allow() {
				m.logger.Warn("failed to resume suspended threads", zap.Int("pid", int(pid)), zap.Error(err))
			}
		}
	}()
}

// terminate implements spec.md §4.4's terminate policy: disabled check,
// backoff check, non-blocking semaphore acquisition, kill-tree, and the
// success/failure bookkeeping.
func (m *Manager) terminate(ctx context.Context, pid domain.PID) {
	defer m.applyCooldown(pid)

	if m.cfg.MaxConcurrentTerminates == 0 {
		m.logDecision(pid, domain.DecisionTerminateSkipped, "disabled")
		return
	}

	if retryAt, deferred := m.checkBackoff(pid); deferred {
		m.logDecision(pid, domain.DecisionTerminateDeferred, "retry at "+retryAt.Format(time.RFC3339))
		return
	}

	select {
	case m.terminateSem <- struct{}{}:
	default:
		m.logDecision(pid, domain.DecisionTerminateDeferred, "concurrency limit")
		return
	}
	defer func() { <-m.terminateSem }()

	if !m.controller.IsRunning(pid) {
		m.clearBackoff(pid)
		m.logDecision(pid, domain.DecisionTerminateSkipped, "already exited")
		return
	}

	if err := m.controller.KillTree(pid); err != nil {
		m.setBackoff(pid)
		m.logDecision(pid, domain.DecisionTerminateFailed, err.Error())
		return
	}

	m.clearBackoff(pid)
	m.logDecision(pid, domain.DecisionTerminate, "")
}

func (m *Manager) checkBackoff(pid domain.PID) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	retryAt, ok := m.terminateBackoff[pid]
	if ok && m.clock.Now().Before(retryAt) {
		return retryAt, true
	}
	return time.Time{}, false
}

func (m *Manager) setBackoff(pid domain.PID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateBackoff[pid] = m.clock.Now().Add(m.cfg.TerminateFailureBackoff)
}

func (m *Manager) clearBackoff(pid domain.PID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.terminateBackoff, pid)
}

// BlockNetwork sets an advisory network block on pid, logs
// networkBlocked, and applies the cooldown, per spec.md §4.4.
func (m *Manager) BlockNetwork(pid domain.PID) {
	if !m.isActionable(pid) {
		return
	}
	m.mu.Lock()
	m.networkBlocks[pid] = m.clock.Now().Add(m.cfg.NetworkBlockDuration)
	m.mu.Unlock()

	m.logDecision(pid, domain.DecisionNetworkBlocked, "")
	m.applyCooldown(pid)
}

// IsNetworkBlocked reports whether pid currently has an unexpired network
// block, opportunistically evicting stale entries as it goes, per
// spec.md §4.4.
func (m *Manager) IsNetworkBlocked(pid domain.PID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.networkBlocks[pid]
	if !ok {
		return false
	}
	if m.clock.Now().Before(expiry) {
		return true
	}
	delete(m.networkBlocks, pid)
	return false
}

func (m *Manager) logDecision(pid domain.PID, decision domain.Decision, errText string) {
	fields := map[string]interface{}{
		"pid":      int(pid),
		"decision": string(decision),
	}
	if errText != "" {
		fields["error"] = errText
	}
	m.audit.Log(domain.AuditEvent{EventType: domain.EventDefenseAction, Fields: fields})
	if m.logger != nil {
		m.logger.Info("defense action",
			zap.Int("pid", int(pid)),
			zap.String("decision", string(decision)),
			zap.String("error", errText))
	}
}

var _ domain.ActionResponder = (*Manager)(nil)
