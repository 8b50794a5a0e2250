// Package platform holds OS-facing adapters: process enumeration and
// control, the network connection table, and the key-protection
// primitive, grounded on eliteGoblin-focusd's internal/infra (gopsutil
// wrapping) and KanakSasak-procSniper's Windows syscall bindings.
package platform

import (
	"fmt"

	gpnet "github.com/shirou/gopsutil/v3/net"
	gpprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/eliteguard/appmon/internal/domain"
)

// GopsutilEnumerator implements domain.ProcessEnumerator over gopsutil/v3,
// generalizing eliteGoblin-focusd's ProcessManagerImpl (internal/infra/
// process.go) from name-pattern lookup to the full-table metadata walk
// spec.md's Process Probe needs.
type GopsutilEnumerator struct{}

// NewGopsutilEnumerator returns the production process enumerator.
func NewGopsutilEnumerator() *GopsutilEnumerator { return &GopsutilEnumerator{} }

func (e *GopsutilEnumerator) Processes() ([]domain.PID, error) {
	procs, err := gpprocess.Processes()
	if err != nil {
		return nil, fmt.Errorf("platform: listing processes: %w", err)
	}
	out := make([]domain.PID, 0, len(procs))
	for _, p := range procs {
		out = append(out, domain.PID(p.Pid))
	}
	return out, nil
}

// Metadata collects best-effort facts for pid. Per domain.ProcessEnumerator's
// contract, a failed sub-query yields an empty string rather than aborting
// the whole lookup, since a process can exit mid-query.
func (e *GopsutilEnumerator) Metadata(pid domain.PID) (domain.ProcessMetadata, error) {
	p, err := gpprocess.NewProcess(int32(pid))
	if err != nil {
		return domain.ProcessMetadata{}, fmt.Errorf("platform: opening process %d: %w", pid, err)
	}

	meta := domain.ProcessMetadata{PID: pid}
	if name, err := p.Name(); err == nil {
		meta.Name = name
	}
	if ppid, err := p.Ppid(); err == nil {
		meta.ParentPID = domain.PID(ppid)
	}
	if exe, err := p.Exe(); err == nil {
		meta.ExecutablePath = exe
	}
	if cmdline, err := p.Cmdline(); err == nil {
		meta.CommandLine = cmdline
	}
	return meta, nil
}

var _ domain.ProcessEnumerator = (*GopsutilEnumerator)(nil)

// GopsutilNetworkTable implements domain.NetworkTable over gopsutil/v3/net.
type GopsutilNetworkTable struct{}

// NewGopsutilNetworkTable returns the production network table.
func NewGopsutilNetworkTable() *GopsutilNetworkTable { return &GopsutilNetworkTable{} }

// SnapshotTCP4 returns the current IPv4 TCP connection table, owner PID
// included, per spec.md §4.7. PayloadSnapshot and LastObserved are left
// for the Network Probe to fill in; this layer only owns the OS query.
func (t *GopsutilNetworkTable) SnapshotTCP4() ([]domain.TCPConnection, error) {
	conns, err := gpnet.ConnectionsPid("tcp4", 0)
	if err != nil {
		return nil, fmt.Errorf("platform: listing tcp4 connections: %w", err)
	}
	out := make([]domain.TCPConnection, 0, len(conns))
	for _, c := range conns {
		out = append(out, domain.TCPConnection{
			PID:        domain.PID(c.Pid),
			LocalAddr:  c.Laddr.IP,
			LocalPort:  uint16(c.Laddr.Port),
			RemoteAddr: c.Raddr.IP,
			RemotePort: uint16(c.Raddr.Port),
		})
	}
	return out, nil
}

var _ domain.NetworkTable = (*GopsutilNetworkTable)(nil)

// GopsutilInterfaceLister implements domain.InterfaceLister over
// gopsutil/v3/net.
type GopsutilInterfaceLister struct{}

// NewGopsutilInterfaceLister returns the production interface lister.
func NewGopsutilInterfaceLister() *GopsutilInterfaceLister { return &GopsutilInterfaceLister{} }

func (l *GopsutilInterfaceLister) Interfaces() ([]domain.NetworkInterface, error) {
	ifaces, err := gpnet.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("platform: listing interfaces: %w", err)
	}
	out := make([]domain.NetworkInterface, 0, len(ifaces))
	for _, i := range ifaces {
		up := false
		wireless := false
		for _, flag := range i.Flags {
			if flag == "up" {
				up = true
			}
		}
		for _, prefix := range []string{"wlan", "wifi", "wl"} {
			if hasPrefixFold(i.Name, prefix) {
				wireless = true
			}
		}
		out = append(out, domain.NetworkInterface{Name: i.Name, IsUp: up, IsWireless: wireless})
	}
	return out, nil
}

func hasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		a, b := s[i], prefix[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}

var _ domain.InterfaceLister = (*GopsutilInterfaceLister)(nil)
