// Package netprobe implements the Network Probe (spec.md §4.7): TCP-v4
// table snapshotting, a payload-snapshot-carrying connection cache, and
// suspicious-port/high-risk-host/credential-keyword indicators, plus
// interface selection and switching.
//
// Grounded on eliteGoblin-focusd's internal/infra/process.go style of
// thin gopsutil wrapping, generalized here to net.ConnectionsPid's
// connection table via internal/platform.GopsutilNetworkTable.
package netprobe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteguard/appmon/internal/domain"
)

// NotFoundError is returned by SwitchInterface when no operationally-up
// interface matches.
type NotFoundError struct{ Name string }

func (e NotFoundError) Error() string {
	return fmt.Sprintf("netprobe: interface %q not found", e.Name)
}

var credentialKeywords = []string{"uid=", "cid=", "hwid=", "ver=4.0"}

// Probe implements the per-cycle connection snapshot/correlate/respond
// loop spec.md §4.7 describes.
type Probe struct {
	table      domain.NetworkTable
	interfaces domain.InterfaceLister
	behavior   domain.BehaviorEngine
	action     domain.ActionResponder
	audit      domain.AuditLogger

	suspiciousPorts     map[int]struct{}
	highRiskHosts       []string
	interfacePreference string
	scanInterval        time.Duration
	clock               domain.Clock
	logger              *zap.Logger

	mu            sync.Mutex
	cache         map[domain.ConnectionKey]domain.TCPConnection
	activeInterface string
}

// New creates a Probe.
func New(table domain.NetworkTable, interfaces domain.InterfaceLister, behavior domain.BehaviorEngine, action domain.ActionResponder, audit domain.AuditLogger, suspiciousPorts []int, highRiskHosts []string, interfacePreference string, scanInterval time.Duration, clock domain.Clock, logger *zap.Logger) *Probe {
	ports := make(map[int]struct{}, len(suspiciousPorts))
	for _, p := range suspiciousPorts {
		ports[p] = struct{}{}
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Probe{
		table:               table,
		interfaces:          interfaces,
		behavior:            behavior,
		action:              action,
		audit:               audit,
		suspiciousPorts:     ports,
		highRiskHosts:       highRiskHosts,
		interfacePreference: interfacePreference,
		scanInterval:        scanInterval,
		clock:               clock,
		logger:              logger,
		cache:               make(map[domain.ConnectionKey]domain.TCPConnection),
	}
}

// Run is the Monitoring Host worker entry point. It selects an initial
// interface before entering the cycle loop.
func (p *Probe) Run(ctx context.Context) error {
	if _, err := p.selectInitialInterface(); err != nil && p.logger != nil {
		p.logger.Warn("no operationally-up interface found at startup", zap.Error(err))
	}

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

func (p *Probe) selectInitialInterface() (string, error) {
	ifaces, err := p.interfaces.Interfaces()
	if err != nil {
		return "", err
	}
	name, err := choose(ifaces, p.interfacePreference)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.activeInterface = name
	p.mu.Unlock()
	return name, nil
}

// choose implements spec.md §4.7's tie-break: among operationally-up
// interfaces, prefer wireless, then one whose name begins with pref.
func choose(ifaces []domain.NetworkInterface, pref string) (string, error) {
	var up []domain.NetworkInterface
	for _, i := range ifaces {
		if i.IsUp {
			up = append(up, i)
		}
	}
	if len(up) == 0 {
		return "", NotFoundError{Name: pref}
	}
	sort.SliceStable(up, func(i, j int) bool {
		wi, wj := up[i].IsWireless, up[j].IsWireless
		if wi != wj {
			return wi
		}
		pi := pref != "" && strings.HasPrefix(strings.ToLower(up[i].Name), strings.ToLower(pref))
		pj := pref != "" && strings.HasPrefix(strings.ToLower(up[j].Name), strings.ToLower(pref))
		if pi != pj {
			return pi
		}
		return up[i].Name < up[j].Name
	})
	return up[0].Name, nil
}

// SwitchInterface implements spec.md §4.7's switch_interface(name):
// selects among operationally-up interfaces matching name, failing with
// NotFoundError if none match.
func (p *Probe) SwitchInterface(name string) error {
	ifaces, err := p.interfaces.Interfaces()
	if err != nil {
		return err
	}
	var matched []domain.NetworkInterface
	for _, i := range ifaces {
		if strings.EqualFold(i.Name, name) && i.IsUp {
			matched = append(matched, i)
		}
	}
	if len(matched) == 0 {
		return NotFoundError{Name: name}
	}
	p.mu.Lock()
	p.activeInterface = matched[0].Name
	p.mu.Unlock()
	return nil
}

// ActiveInterface returns the currently selected interface name.
func (p *Probe) ActiveInterface() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeInterface
}

func (p *Probe) cycle() {
	rows, err := p.table.SnapshotTCP4()
	if err != nil {
		return
	}

	now := p.clock.Now()
	fresh := make(map[domain.ConnectionKey]domain.TCPConnection, len(rows))

	p.mu.Lock()
	for _, row := range rows {
		key := row.Key()
		row.LastObserved = now
		if prior, ok := p.cache[key]; ok {
			row.PayloadSnapshot = prior.PayloadSnapshot
		}
		fresh[key] = row
	}
	p.cache = fresh
	snapshot := make([]domain.TCPConnection, 0, len(fresh))
	for _, v := range fresh {
		snapshot = append(snapshot, v)
	}
	p.mu.Unlock()

	for _, conn := range snapshot {
		p.evaluateConnection(conn)
	}
}

func (p *Probe) evaluateConnection(conn domain.TCPConnection) {
	if conn.PID <= domain.ReservedPIDCeiling {
		return
	}
	if p.action.IsNetworkBlocked(conn.PID) {
		return
	}

	var indicators []domain.Indicator

	if _, suspicious := p.suspiciousPorts[int(conn.RemotePort)]; suspicious {
		indicators = append(indicators, domain.Indicator{Name: fmt.Sprintf("remotePort:%d", conn.RemotePort), Weight: 3})
	}
	for _, host := range p.highRiskHosts {
		if host != "" && strings.Contains(conn.RemoteAddr, host) {
			indicators = append(indicators, domain.Indicator{Name: "highRiskHost", Weight: 3})
			break
		}
	}
	for _, kw := range credentialKeywords {
		if strings.Contains(conn.PayloadSnapshot, kw) {
			indicators = append(indicators, domain.Indicator{Name: "exfilKeyword:" + kw, Weight: 4})
		}
	}

	if len(indicators) == 0 {
		return
	}

	score := p.behavior.UpdateWithIndicators(conn.PID, indicators)
	p.action.EvaluateAndRespond(context.Background(), conn.PID)

	for _, ind := range indicators {
		if ind.Weight >= 4 {
			p.action.BlockNetwork(conn.PID)
			break
		}
	}

	p.audit.Log(domain.AuditEvent{
		EventType: domain.EventNetworkIndicators,
		Fields: map[string]interface{}{
			"pid":        int(conn.PID),
			"indicators": indicatorNames(indicators),
			"total":      score.Total,
			"level":      score.Level.String(),
		},
	})
}

func indicatorNames(indicators []domain.Indicator) []string {
	out := make([]string, len(indicators))
	for i, ind := range indicators {
		out[i] = ind.Name
	}
	return out
}

// SnapshotConnections returns up to the 25 most-recent cache entries by
// LastObserved descending, per spec.md §4.7's snapshot_connections API.
func (p *Probe) SnapshotConnections() []domain.TCPConnection {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.TCPConnection, 0, len(p.cache))
	for _, v := range p.cache {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastObserved.After(out[j].LastObserved) })
	if len(out) > 25 {
		out = out[:25]
	}
	return out
}
