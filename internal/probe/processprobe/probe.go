// Package processprobe implements the Process Probe (spec.md §4.5): a
// polling loop over the process table that raises behavior indicators for
// unsigned temp/appdata/downloads execution and encoded PowerShell/mshta
// command lines, and exposes a cycle-tolerant process-tree builder.
//
// Grounded on KanakSasak-procSniper's internal/usecase/detection_service.go
// (sequential scan loop feeding indicators into the ThreatScorer) adapted
// to spec.md's metadata collection and allow-list semantics.
package processprobe

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteguard/appmon/internal/domain"
)

var (
	powershellEncodedPattern = regexp.MustCompile(`(?i)powershell(\.exe)?\s+.*-e(nc(odedcommand)?)?\b`)
	mshtaPattern             = regexp.MustCompile(`(?i)^\s*mshta\s`)
)

// Probe implements the process-creation-event plus polling composite
// source spec.md §4.5 describes. The event-stream half is represented by
// Analyze, callable directly from an OS-provided notification; the
// polling half is Run's ticker loop.
type Probe struct {
	enumerator  domain.ProcessEnumerator
	behavior    domain.BehaviorEngine
	action      domain.ActionResponder
	audit       domain.AuditLogger
	plugins     []domain.PluginAnalyzer
	allowList   map[string]struct{}
	scanInterval time.Duration
	logger      *zap.Logger

	mu        sync.Mutex
	processes map[domain.PID]domain.ProcessMetadata
}

// New creates a Probe. allowListedProcesses are compared case-insensitively
// and without file extension, per spec.md §4.5.
func New(enumerator domain.ProcessEnumerator, behavior domain.BehaviorEngine, action domain.ActionResponder, audit domain.AuditLogger, plugins []domain.PluginAnalyzer, allowListedProcesses []string, scanInterval time.Duration, logger *zap.Logger) *Probe {
	allow := make(map[string]struct{}, len(allowListedProcesses))
	for _, name := range allowListedProcesses {
		allow[normalizeProcessName(name)] = struct{}{}
	}
	return &Probe{
		enumerator:   enumerator,
		behavior:     behavior,
		action:       action,
		audit:        audit,
		plugins:      plugins,
		allowList:    allow,
		scanInterval: scanInterval,
		logger:       logger,
		processes:    make(map[domain.PID]domain.ProcessMetadata),
	}
}

func normalizeProcessName(name string) string {
	lower := strings.ToLower(name)
	if idx := strings.LastIndex(lower, "."); idx >= 0 {
		lower = lower[:idx]
	}
	return lower
}

// Run is the Monitoring Host worker entry point: a polling loop at
// scanInterval, checked for cancellation at least once per tick, per
// spec.md §5's cancellation discipline.
func (p *Probe) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *Probe) pollOnce() {
	pids, err := p.enumerator.Processes()
	if err != nil {
		return
	}
	for _, pid := range pids {
		p.Analyze(pid)
	}
}

// Analyze is the event-stream entry point spec.md §4.5 names: called
// directly on a process-creation notification, or indirectly by the
// polling loop.
func (p *Probe) Analyze(pid domain.PID) {
	if pid <= domain.ReservedPIDCeiling {
		return
	}

	meta, err := p.enumerator.Metadata(pid)
	if err != nil {
		p.removeProcess(pid)
		return
	}

	p.storeProcess(pid, meta)

	if _, allowed := p.allowList[normalizeProcessName(meta.Name)]; allowed {
		return
	}

	var indicators []domain.Indicator

	if !meta.Signed && containsAny(strings.ToLower(meta.ExecutablePath), "temp", "appdata", "downloads") {
		indicators = append(indicators, domain.Indicator{Name: "unsignedTempExecution", Weight: 2})
	}
	if powershellEncodedPattern.MatchString(meta.CommandLine) {
		indicators = append(indicators, domain.Indicator{Name: "powershellEncoded", Weight: 4})
	}
	if mshtaPattern.MatchString(meta.CommandLine) {
		indicators = append(indicators, domain.Indicator{Name: "mshta", Weight: 4})
	}
	for _, plugin := range p.plugins {
		for _, ind := range plugin.AnalyzeProcess(pid, meta.Name, meta.CommandLine, meta.ExecutablePath) {
			indicators = append(indicators, ind)
		}
	}

	if len(indicators) == 0 {
		return
	}

	score := p.behavior.UpdateWithIndicators(pid, indicators)
	p.action.EvaluateAndRespond(context.Background(), pid)

	p.audit.Log(domain.AuditEvent{
		EventType: domain.EventProcessIndicators,
		Fields: map[string]interface{}{
			"pid":        int(pid),
			"indicators": indicatorNames(indicators),
			"total":      score.Total,
			"level":      score.Level.String(),
		},
	})
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func indicatorNames(indicators []domain.Indicator) []string {
	out := make([]string, len(indicators))
	for i, ind := range indicators {
		out[i] = ind.Name
	}
	return out
}

func (p *Probe) storeProcess(pid domain.PID, meta domain.ProcessMetadata) {
	p.mu.Lock()
	p.processes[pid] = meta
	p.mu.Unlock()
}

func (p *Probe) removeProcess(pid domain.PID) {
	p.mu.Lock()
	_, existed := p.processes[pid]
	delete(p.processes, pid)
	p.mu.Unlock()

	if existed {
		p.audit.Log(domain.AuditEvent{
			EventType: domain.EventProcessRemoved,
			Fields:    map[string]interface{}{"pid": int(pid)},
		})
	}
}

// Snapshot returns the current best-effort metadata table.
func (p *Probe) Snapshot() map[domain.PID]domain.ProcessMetadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[domain.PID]domain.ProcessMetadata, len(p.processes))
	for k, v := range p.processes {
		out[k] = v
	}
	return out
}

// treeNode is one entry of the forest BuildTree returns.
type treeNode struct {
	PID      domain.PID
	Children []*treeNode
}

// BuildTree computes a parent_pid-keyed forest over the current snapshot,
// per spec.md §4.5. Cycles are tolerated defensively: once a PID is on the
// current descent path it is not re-descended. If root is non-nil and
// present in the snapshot, the result is the single-rooted subtree under
// it; otherwise the forest consists of PIDs whose parent is unknown or
// <= 4, sorted by PID ascending.
func (p *Probe) BuildTree(root *domain.PID) []*treeNode {
	snapshot := p.Snapshot()

	childrenOf := make(map[domain.PID][]domain.PID)
	for pid, meta := range snapshot {
		childrenOf[meta.ParentPID] = append(childrenOf[meta.ParentPID], pid)
	}
	for _, kids := range childrenOf {
		sort.Slice(kids, func(i, j int) bool { return kids[i] < kids[j] })
	}

	var build func(pid domain.PID, onPath map[domain.PID]bool) *treeNode
	build = func(pid domain.PID, onPath map[domain.PID]bool) *treeNode {
		node := &treeNode{PID: pid}
		if onPath[pid] {
			return node
		}
		onPath[pid] = true
		for _, child := range childrenOf[pid] {
			node.Children = append(node.Children, build(child, onPath))
		}
		delete(onPath, pid)
		return node
	}

	if root != nil {
		if _, ok := snapshot[*root]; ok {
			return []*treeNode{build(*root, map[domain.PID]bool{})}
		}
		return nil
	}

	var rootPIDs []domain.PID
	for pid, meta := range snapshot {
		if _, hasParent := snapshot[meta.ParentPID]; !hasParent || meta.ParentPID <= domain.ReservedPIDCeiling {
			rootPIDs = append(rootPIDs, pid)
		}
	}
	sort.Slice(rootPIDs, func(i, j int) bool { return rootPIDs[i] < rootPIDs[j] })

	forest := make([]*treeNode, 0, len(rootPIDs))
	for _, pid := range rootPIDs {
		forest = append(forest, build(pid, map[domain.PID]bool{}))
	}
	return forest
}
