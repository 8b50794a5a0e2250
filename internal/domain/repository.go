package domain

import (
	"context"
	"time"
)

// AuditLogger is the sink every core component logs evidence to. Log never
// blocks the caller beyond enqueueing, per spec.md §4.1.
type AuditLogger interface {
	Log(event AuditEvent)
	Dispose(ctx context.Context) error
}

// BehaviorEngine is the authoritative process→score table (spec.md §4.3).
type BehaviorEngine interface {
	// Update applies fn atomically to the existing entry (or a fresh
	// Normal entry), stores the result, and returns it.
	Update(pid PID, fn func(BehaviorScore) BehaviorScore) BehaviorScore
	// UpdateWithIndicators composes a batch of indicators observed within a
	// single probe cycle into one Update call, so the post-call total
	// reflects all of them at once (spec.md §5 ordering guarantee).
	UpdateWithIndicators(pid PID, indicators []Indicator) BehaviorScore
	// Get returns the current score or a fresh Normal default without
	// inserting it.
	Get(pid PID) BehaviorScore
	// All returns a point-in-time snapshot of every tracked score.
	All() []BehaviorScore
}

// ActionResponder is the Action Manager's entry point consumed by probes.
type ActionResponder interface {
	EvaluateAndRespond(ctx context.Context, pid PID)
	BlockNetwork(pid PID)
	IsNetworkBlocked(pid PID) bool
}

// ProcessEnumerator lists and describes host processes. Implemented over
// gopsutil (spec.md §9 ambient stack); the platform-specific suspend/kill
// primitives live in ProcessController instead, since gopsutil has no
// suspend/resume support.
type ProcessEnumerator interface {
	// Processes returns the PIDs currently running.
	Processes() ([]PID, error)
	// Metadata collects best-effort metadata for pid. Sub-queries that
	// fail yield empty strings; Signed defaults to false on failure.
	Metadata(pid PID) (ProcessMetadata, error)
}

// ProcessController performs the OS actions the Action Manager and Memory
// Probe need beyond enumeration: suspend/resume, tree termination, and
// virtual-memory region walking. Implemented per-platform under
// internal/platform.
type ProcessController interface {
	// SuspendThreads opens every thread of pid with suspend access and
	// suspends it, returning the count of threads actually suspended and
	// any error encountered opening the process itself. Per-thread
	// failures are not fatal; they are reflected only in the count.
	SuspendThreads(pid PID) (suspended int, err error)
	// ResumeThreads resumes every thread of pid previously suspended.
	// Errors are best-effort and non-fatal to the caller.
	ResumeThreads(pid PID) error
	// KillTree terminates pid and its descendants.
	KillTree(pid PID) error
	// IsRunning reports whether pid currently exists.
	IsRunning(pid PID) bool
	// WalkExecutableRegions invokes visit for every virtual-memory region
	// of pid whose protection flags include PAGE_EXECUTE_READWRITE or
	// PAGE_EXECUTE_WRITECOPY. Returns an error only if the process could
	// not be opened at all.
	WalkExecutableRegions(pid PID, visit func(MemoryRegion)) error
}

// NetworkTable snapshots the OS-owner-aware TCP-v4 connection table.
type NetworkTable interface {
	SnapshotTCP4() ([]TCPConnection, error)
}

// NetworkInterface describes one host network interface for the network
// probe's interface-selection logic (spec.md §4.7).
type NetworkInterface struct {
	Name      string
	IsUp      bool
	IsWireless bool
}

// InterfaceLister enumerates host network interfaces.
type InterfaceLister interface {
	Interfaces() ([]NetworkInterface, error)
}

// KeyProvider abstracts the OS-bound protected-data primitive that wraps
// and unwraps the 32-byte audit-log key (spec.md §4.1).
type KeyProvider interface {
	// Protect wraps plaintext under the current user's identity.
	Protect(plaintext []byte) ([]byte, error)
	// Unprotect reverses Protect. It returns an error when the OS refuses
	// to unwrap under the current user; the audit package wraps that error
	// as audit.ErrUnprotectFailed.
	Unprotect(blob []byte) ([]byte, error)
}

// PluginAnalyzer is the capability every detection plugin implements
// (spec.md §4.5, §9 design notes): given process facts, return zero or
// more indicators.
type PluginAnalyzer interface {
	Name() string
	AnalyzeProcess(pid PID, name, commandLine, executablePath string) []Indicator
}

// Clock abstracts time.Now for deterministic testing of cooldowns,
// backoff windows, and TTL eviction.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }
