// Package monitor implements the Monitoring Host (spec.md §4.8): a
// Stopped/Running/Stopping state machine supervising a fixed set of
// worker loops, with bounded-wait shutdown and per-worker failure
// auditing.
//
// Grounded on KanakSasak-procSniper's internal/usecase/response_orchestrator.go,
// whose ResponseOrchestrator guards a running bool behind sync.RWMutex and
// exposes symmetric Start/Stop methods; generalized here to a named
// worker registry and the stop_async/restart_async semantics spec.md
// requires.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteguard/appmon/internal/domain"
)

// State is one of the Monitoring Host's three lifecycle states.
type State int

const (
	Stopped State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	default:
		return "Stopped"
	}
}

// Worker is a registered long-running loop. It must honor cancellation
// promptly (checked at each poll boundary, at minimum every scan
// interval), per spec.md §4.8/§5.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// shutdownWait bounds how long StopAsync waits for a worker before logging it
// as a straggler and moving on; matches spec.md §4.8's "must complete
// even if a worker hangs" requirement.
const shutdownWait = 10 * time.Second

// Host supervises the registered workers.
type Host struct {
	mu      sync.Mutex
	state   State
	workers []Worker
	cancel  context.CancelFunc
	done    chan struct{}
	audit   domain.AuditLogger
	logger  *zap.Logger
}

// New creates a Host with the given workers and audit sink.
func New(audit domain.AuditLogger, logger *zap.Logger, workers ...Worker) *Host {
	return &Host{workers: workers, audit: audit, logger: logger}
}

// Start transitions Stopped -> Running, launching every registered
// worker. Calling Start while Running is a no-op.
func (h *Host) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Stopped {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	h.state = Running

	var wg sync.WaitGroup
	for _, w := range h.workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			h.runWorker(ctx, w)
		}(w)
	}

	go func() {
		wg.Wait()
		close(h.done)
	}()
}

func (h *Host) runWorker(ctx context.Context, w Worker) {
	defer func() {
		if r := recover(); r != nil {
			h.auditFailure(w.Name, "panic recovered")
		}
	}()
	if err := w.Run(ctx); err != nil {
		h.auditFailure(w.Name, err.Error())
	}
}

func (h *Host) auditFailure(name, reason string) {
	h.audit.Log(domain.AuditEvent{
		EventType: domain.EventMonitoringWorkerFail,
		Fields: map[string]interface{}{
			"worker": name,
			"error":  reason,
		},
	})
	if h.logger != nil {
		h.logger.Warn("monitoring worker failed", zap.String("worker", name), zap.String("error", reason))
	}
}

// StopAsync transitions Running -> Stopping -> Stopped: it signals
// cancellation, awaits all workers up to a bounded wait (logging
// stragglers rather than blocking forever), releases the cancellation
// object, and returns once Stopped. Calling StopAsync while Stopped is a
// no-op.
func (h *Host) StopAsync(ctx context.Context) {
	h.mu.Lock()
	if h.state != Running {
		h.mu.Unlock()
		return
	}
	h.state = Stopping
	cancel := h.cancel
	done := h.done
	h.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-time.After(shutdownWait):
		if h.logger != nil {
			h.logger.Warn("monitoring host shutdown wait exceeded; stragglers remain")
		}
	case <-ctx.Done():
	}

	h.mu.Lock()
	h.cancel = nil
	h.state = Stopped
	h.mu.Unlock()
}

// RestartAsync is StopAsync followed by Start.
func (h *Host) RestartAsync(ctx context.Context) {
	h.StopAsync(ctx)
	h.Start()
}

// CurrentState returns the Host's current lifecycle state.
func (h *Host) CurrentState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
