// Package behavior implements the authoritative per-process score table
// (spec.md §4.3). It is the sole owner of the score map; probes only ever
// call Update or Get, never mutate scores directly.
package behavior

import (
	"sync"

	"go.uber.org/zap"

	"github.com/eliteguard/appmon/internal/domain"
)

// Engine is the concrete domain.BehaviorEngine. Grounded on
// KanakSasak-procSniper's internal/domain/threat_scoring.go ThreatScorer
// (mutex-guarded map keyed by process identity, copy-out reads) adapted to
// spec.md's exact score/level model and additive-indicator semantics.
type Engine struct {
	mu         sync.Mutex
	scores     map[domain.PID]domain.BehaviorScore
	thresholds domain.Thresholds
	audit      domain.AuditLogger
	logger     *zap.Logger
}

// New creates a Engine that classifies against thresholds and emits a
// behaviorScore audit event on every Update.
func New(thresholds domain.Thresholds, audit domain.AuditLogger, logger *zap.Logger) *Engine {
	return &Engine{
		scores:     make(map[domain.PID]domain.BehaviorScore),
		thresholds: thresholds,
		audit:      audit,
		logger:     logger,
	}
}

// Update applies fn atomically to the existing entry (or a fresh Normal
// entry), stores the result, emits a behaviorScore audit event, and
// returns the new score. Per-PID atomicity is guaranteed; cross-PID
// ordering is unspecified, matching spec.md §4.3/§5.
func (e *Engine) Update(pid domain.PID, fn func(domain.BehaviorScore) domain.BehaviorScore) domain.BehaviorScore {
	e.mu.Lock()
	current, ok := e.scores[pid]
	if !ok {
		current = domain.NewBehaviorScore(pid)
	}
	next := fn(current)
	e.scores[pid] = next
	e.mu.Unlock()

	e.audit.Log(domain.AuditEvent{
		EventType: domain.EventBehaviorScore,
		Fields: map[string]interface{}{
			"pid":   int(next.PID),
			"total": next.Total,
			"level": next.Level.String(),
		},
	})
	if e.logger != nil {
		e.logger.Debug("behavior score updated",
			zap.Int("pid", int(pid)),
			zap.Int("total", next.Total),
			zap.String("level", next.Level.String()))
	}
	return next
}

// UpdateWithIndicators is a convenience wrapper that composes a batch of
// indicators observed within a single probe cycle into one Update call, so
// the post-call total reflects all of them at once (spec.md §5 ordering
// guarantee).
func (e *Engine) UpdateWithIndicators(pid domain.PID, indicators []domain.Indicator) domain.BehaviorScore {
	return e.Update(pid, func(s domain.BehaviorScore) domain.BehaviorScore {
		for _, ind := range indicators {
			s = s.WithIndicator(ind.Name, ind.Weight, e.thresholds)
		}
		return s
	})
}

// Get returns the current score for pid, or a fresh Normal default. It
// never inserts into the table.
func (e *Engine) Get(pid domain.PID) domain.BehaviorScore {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.scores[pid]; ok {
		return s
	}
	return domain.NewBehaviorScore(pid)
}

// All returns a point-in-time snapshot of every tracked score, suitable
// for dashboards or the memory probe's selection logic.
func (e *Engine) All() []domain.BehaviorScore {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.BehaviorScore, 0, len(e.scores))
	for _, s := range e.scores {
		out = append(out, s)
	}
	return out
}

// Thresholds returns the configured threshold triple.
func (e *Engine) Thresholds() domain.Thresholds {
	return e.thresholds
}

var _ domain.BehaviorEngine = (*Engine)(nil)
