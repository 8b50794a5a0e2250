// Package memprobe implements the Memory Probe (spec.md §4.6): selection
// of target processes by name or behavior score, a bounded number of
// region scans per cycle (run one after another), and the rwxMemory
// indicator.
//
// Grounded on KanakSasak-procSniper's windows_process.go TODO for
// VirtualQueryEx-based region walking, now implemented concretely in
// internal/platform and driven from here by score/name selection.
package memprobe

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteguard/appmon/internal/domain"
)

// Probe periodically scans a bounded selection of processes for
// writable-and-executable memory regions.
type Probe struct {
	enumerator        domain.ProcessEnumerator
	controller        domain.ProcessController
	behavior          domain.BehaviorEngine
	action            domain.ActionResponder
	audit             domain.AuditLogger
	targetProcesses   map[string]struct{}
	maxConcurrentScans int
	scanInterval      time.Duration
	clock             domain.Clock
	logger            *zap.Logger

	mu       sync.Mutex
	lastScan map[domain.PID]time.Time
}

// New creates a Probe. targetProcesses are matched against "<name>.exe"
// case-insensitively, per spec.md §4.6.
func New(enumerator domain.ProcessEnumerator, controller domain.ProcessController, behavior domain.BehaviorEngine, action domain.ActionResponder, audit domain.AuditLogger, targetProcesses []string, maxConcurrentScans int, scanInterval time.Duration, clock domain.Clock, logger *zap.Logger) *Probe {
	targets := make(map[string]struct{}, len(targetProcesses))
	for _, name := range targetProcesses {
		lower := strings.ToLower(name)
		if !strings.HasSuffix(lower, ".exe") {
			lower += ".exe"
		}
		targets[lower] = struct{}{}
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Probe{
		enumerator:         enumerator,
		controller:         controller,
		behavior:           behavior,
		action:             action,
		audit:              audit,
		targetProcesses:    targets,
		maxConcurrentScans: maxConcurrentScans,
		scanInterval:       scanInterval,
		clock:              clock,
		logger:             logger,
		lastScan:           make(map[domain.PID]time.Time),
	}
}

// Run is the Monitoring Host worker entry point.
func (p *Probe) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.cycle()
		}
	}
}

func (p *Probe) cycle() {
	candidates := p.selectCandidates()
	for _, pid := range candidates {
		p.scanOne(pid)
	}
}

type scoredPID struct {
	pid   domain.PID
	score int
}

// selectCandidates implements spec.md §4.6's selection rule: the union of
// name-matched and score-qualifying processes, trimmed to the top
// maxConcurrentScans ordered by score descending, then PID ascending.
func (p *Probe) selectCandidates() []domain.PID {
	pids, err := p.enumerator.Processes()
	if err != nil {
		return nil
	}

	thresholds := p.thresholds()
	seen := make(map[domain.PID]int)

	for _, pid := range pids {
		score := p.behavior.Get(pid)
		meta, err := p.enumerator.Metadata(pid)
		matchesName := err == nil && p.isTargetName(meta.Name)
		matchesScore := score.Total >= thresholds.Suspicious
		if matchesName || matchesScore {
			seen[pid] = score.Total
		}
	}

	ordered := make([]scoredPID, 0, len(seen))
	for pid, score := range seen {
		ordered = append(ordered, scoredPID{pid: pid, score: score})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		return ordered[i].pid < ordered[j].pid
	})

	limit := p.maxConcurrentScans
	if limit <= 0 || limit > len(ordered) {
		limit = len(ordered)
	}

	out := make([]domain.PID, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, ordered[i].pid)
	}
	return out
}

func (p *Probe) thresholds() domain.Thresholds {
	if be, ok := p.behavior.(interface{ Thresholds() domain.Thresholds }); ok {
		return be.Thresholds()
	}
	return domain.Thresholds{Suspicious: 10, Malicious: 15, Critical: 20}
}

func (p *Probe) isTargetName(name string) bool {
	if len(p.targetProcesses) == 0 {
		return false
	}
	lower := strings.ToLower(name)
	if !strings.HasSuffix(lower, ".exe") {
		lower += ".exe"
	}
	_, ok := p.targetProcesses[lower]
	return ok
}

// scanOne implements the per-process scan spec.md §4.6 describes: the
// scan_interval throttle, handle acquisition, region walk, and indicator
// application.
func (p *Probe) scanOne(pid domain.PID) {
	p.mu.Lock()
	last, seen := p.lastScan[pid]
	if seen && p.clock.Now().Sub(last) < p.scanInterval {
		p.mu.Unlock()
		return
	}
	p.lastScan[pid] = p.clock.Now()
	p.mu.Unlock()

	var regions []domain.MemoryRegion
	err := p.controller.WalkExecutableRegions(pid, func(r domain.MemoryRegion) {
		regions = append(regions, r)
	})
	if err != nil {
		return
	}
	if len(regions) == 0 {
		return
	}

	newScore := p.behavior.Update(pid, func(s domain.BehaviorScore) domain.BehaviorScore {
		return s.WithIndicator("rwxMemory", 6, p.thresholds())
	})
	p.action.EvaluateAndRespond(context.Background(), pid)

	p.audit.Log(domain.AuditEvent{
		EventType: domain.EventMemoryAnomaly,
		Fields: map[string]interface{}{
			"pid":     int(pid),
			"regions": len(regions),
			"total":   newScore.Total,
			"level":   newScore.Level.String(),
		},
	})
}
