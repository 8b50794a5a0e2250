package netprobe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteguard/appmon/internal/domain"
)

type fakeTable struct {
	rows []domain.TCPConnection
}

func (f *fakeTable) SnapshotTCP4() ([]domain.TCPConnection, error) { return f.rows, nil }

type fakeInterfaces struct {
	ifaces []domain.NetworkInterface
}

func (f *fakeInterfaces) Interfaces() ([]domain.NetworkInterface, error) { return f.ifaces, nil }

type fakeBehavior struct {
	mu     sync.Mutex
	scores map[domain.PID]domain.BehaviorScore
}

func newFakeBehavior() *fakeBehavior { return &fakeBehavior{scores: make(map[domain.PID]domain.BehaviorScore)} }

func (b *fakeBehavior) Update(pid domain.PID, fn func(domain.BehaviorScore) domain.BehaviorScore) domain.BehaviorScore {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := fn(b.scores[pid])
	b.scores[pid] = next
	return next
}
func (b *fakeBehavior) UpdateWithIndicators(pid domain.PID, indicators []domain.Indicator) domain.BehaviorScore {
	return b.Update(pid, func(s domain.BehaviorScore) domain.BehaviorScore {
		for _, ind := range indicators {
			s = s.WithIndicator(ind.Name, ind.Weight, domain.Thresholds{Suspicious: 10, Malicious: 15, Critical: 20})
		}
		return s
	})
}
func (b *fakeBehavior) Get(pid domain.PID) domain.BehaviorScore {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.scores[pid]; ok {
		return s
	}
	return domain.NewBehaviorScore(pid)
}
func (b *fakeBehavior) All() []domain.BehaviorScore { return nil }

type fakeAction struct {
	mu           sync.Mutex
	evalCalls    []domain.PID
	blockCalls   []domain.PID
	blocked      map[domain.PID]bool
}

func newFakeAction() *fakeAction { return &fakeAction{blocked: make(map[domain.PID]bool)} }

func (f *fakeAction) EvaluateAndRespond(ctx context.Context, pid domain.PID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalCalls = append(f.evalCalls, pid)
}
func (f *fakeAction) BlockNetwork(pid domain.PID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockCalls = append(f.blockCalls, pid)
	f.blocked[pid] = true
}
func (f *fakeAction) IsNetworkBlocked(pid domain.PID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked[pid]
}

type recordingAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (r *recordingAudit) Log(e domain.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}
func (r *recordingAudit) Dispose(context.Context) error { return nil }

func TestEvaluateConnectionSuspiciousPort(t *testing.T) {
	table := &fakeTable{rows: []domain.TCPConnection{
		{PID: 1000, LocalAddr: "10.0.0.5", LocalPort: 50000, RemoteAddr: "1.2.3.4", RemotePort: 4444},
	}}
	behavior := newFakeBehavior()
	action := newFakeAction()
	audit := &recordingAudit{}

	p := New(table, &fakeInterfaces{}, behavior, action, audit, []int{4444}, nil, "", time.Minute, nil, nil)
	p.cycle()

	require.Len(t, action.evalCalls, 1)
	score := behavior.Get(1000)
	assert.Equal(t, 3, score.Total)
	assert.Empty(t, action.blockCalls, "weight-3 indicator alone should not trigger a network block")
}

func TestEvaluateConnectionHighRiskHost(t *testing.T) {
	table := &fakeTable{rows: []domain.TCPConnection{
		{PID: 1000, RemoteAddr: "198.51.100.7"},
	}}
	behavior := newFakeBehavior()
	action := newFakeAction()
	audit := &recordingAudit{}

	p := New(table, &fakeInterfaces{}, behavior, action, audit, nil, []string{"198.51.100"}, "", time.Minute, nil, nil)
	p.cycle()

	score := behavior.Get(1000)
	assert.Equal(t, 3, score.Total)
}

func TestEvaluateConnectionCredentialKeywordBlocksNetwork(t *testing.T) {
	table := &fakeTable{rows: []domain.TCPConnection{
		{PID: 1000},
	}}
	behavior := newFakeBehavior()
	action := newFakeAction()
	audit := &recordingAudit{}

	p := New(table, &fakeInterfaces{}, behavior, action, audit, nil, nil, "", time.Minute, nil, nil)
	p.mu.Lock()
	p.cache[domain.ConnectionKey{PID: 1000}] = domain.TCPConnection{PID: 1000, PayloadSnapshot: "uid=admin&hwid=ABC123"}
	p.mu.Unlock()
	p.cycle()

	require.Len(t, action.blockCalls, 1)
	assert.Equal(t, domain.PID(1000), action.blockCalls[0])
}

func TestEvaluateConnectionSkipsBlockedPID(t *testing.T) {
	table := &fakeTable{rows: []domain.TCPConnection{
		{PID: 1000, RemotePort: 4444},
	}}
	behavior := newFakeBehavior()
	action := newFakeAction()
	action.blocked[1000] = true
	audit := &recordingAudit{}

	p := New(table, &fakeInterfaces{}, behavior, action, audit, []int{4444}, nil, "", time.Minute, nil, nil)
	p.cycle()

	assert.Empty(t, action.evalCalls)
	score := behavior.Get(1000)
	assert.Equal(t, 0, score.Total)
}

func TestChoosePrefersWirelessThenPreference(t *testing.T) {
	ifaces := []domain.NetworkInterface{
		{Name: "eth0", IsUp: true, IsWireless: false},
		{Name: "wlan0", IsUp: true, IsWireless: true},
		{Name: "wlan1", IsUp: false, IsWireless: true},
	}
	name, err := choose(ifaces, "wl")
	require.NoError(t, err)
	assert.Equal(t, "wlan0", name)
}

func TestChooseReturnsNotFoundWhenNoneUp(t *testing.T) {
	ifaces := []domain.NetworkInterface{{Name: "eth0", IsUp: false}}
	_, err := choose(ifaces, "")
	require.Error(t, err)
	var nf NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestSwitchInterfaceNotFound(t *testing.T) {
	p := New(&fakeTable{}, &fakeInterfaces{ifaces: []domain.NetworkInterface{{Name: "eth0", IsUp: true}}}, newFakeBehavior(), newFakeAction(), &recordingAudit{}, nil, nil, "", time.Minute, nil, nil)
	err := p.SwitchInterface("doesnotexist")
	var nf NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestSnapshotConnectionsCapsAt25(t *testing.T) {
	table := &fakeTable{}
	p := New(table, &fakeInterfaces{}, newFakeBehavior(), newFakeAction(), &recordingAudit{}, nil, nil, "", time.Minute, nil, nil)

	p.mu.Lock()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		p.cache[domain.ConnectionKey{PID: domain.PID(i)}] = domain.TCPConnection{
			PID: domain.PID(i), LastObserved: base.Add(time.Duration(i) * time.Second),
		}
	}
	p.mu.Unlock()

	out := p.SnapshotConnections()
	assert.Len(t, out, 25)
	assert.Equal(t, domain.PID(29), out[0].PID)
}

var _ domain.NetworkTable = (*fakeTable)(nil)
var _ domain.InterfaceLister = (*fakeInterfaces)(nil)
var _ domain.BehaviorEngine = (*fakeBehavior)(nil)
var _ domain.ActionResponder = (*fakeAction)(nil)
var _ domain.AuditLogger = (*recordingAudit)(nil)
