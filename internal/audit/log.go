// Package audit implements the Secure Audit Log (spec.md §4.1): a durable,
// line-framed, confidentiality-preserving append log with a single
// consumer draining a multi-producer queue, plus its offline Decoder
// companion (spec.md §4.2).
//
// Grounded on eliteGoblin-focusd's key_provider.go/encrypted_registry.go
// key-lifecycle shape, generalized from a SQLCipher database to spec.md's
// exact line-framed AES-256-CBC file format (see DESIGN.md for why
// SQLCipher itself was not kept), and on
// other_examples/shizukutanaka-Otedama__manager.go's zap-logged
// AES/cipher usage pattern.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteguard/appmon/internal/domain"
)

// pollInterval bounds how long the writer can sit idle before rechecking
// for cancellation, per spec.md §4.1's "≤ 100 ms" shutdown-latency
// requirement.
const pollInterval = 100 * time.Millisecond

// disposeTimeout is the bounded drain wait spec.md §4.1's Dispose contract
// requires ("waits up to a bounded duration (≤ 2 s)").
const disposeTimeout = 2 * time.Second

// queueCapacity bounds the producer→writer channel. Producers never block
// on a full queue beyond this buffer; spec.md requires Log to return
// immediately, so a full queue drops the event rather than blocking.
const queueCapacity = 4096

// Log is the concrete Secure Audit Log. It owns the writer goroutine, the
// key material, and the current file handle.
type Log struct {
	dir        string
	keyManager *keyManager
	logger     *zap.Logger

	key []byte

	queue  chan domain.AuditEvent
	done   chan struct{}
	cancel context.CancelFunc

	mu          sync.Mutex
	currentDate string
	currentFile *os.File
}

// Open ensures the log directory exists, resolves the encryption key via
// the configured KeyProvider, and starts the writer goroutine. The
// returned Log must be closed with Dispose.
func Open(dir string, provider domain.KeyProvider, logger *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: creating log directory: %w", err)
	}

	km := newKeyManager(dir, provider, logger)
	key, err := km.ensureKey()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Log{
		dir:        dir,
		keyManager: km,
		logger:     logger,
		key:        key,
		queue:      make(chan domain.AuditEvent, queueCapacity),
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	go l.run(ctx)
	return l, nil
}

// Log enqueues event for asynchronous, encrypted, append-only persistence.
// It never blocks the caller beyond a non-blocking channel send; if the
// queue is full the event is dropped (spec.md §4.1: "fails only on
// programmer error; never blocks the caller").
func (l *Log) Log(event domain.AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case l.queue <- event:
	default:
		if l.logger != nil {
			l.logger.Warn("audit queue full, dropping event", zap.String("event_type", string(event.EventType)))
		}
	}
}

// Dispose requests the writer drain and stop, waiting up to disposeTimeout,
// then releases key material and any open file handle.
func (l *Log) Dispose(ctx context.Context) error {
	l.cancel()

	waitCtx, waitCancel := context.WithTimeout(ctx, disposeTimeout)
	defer waitCancel()

	select {
	case <-l.done:
	case <-waitCtx.Done():
		if l.logger != nil {
			l.logger.Warn("audit writer did not drain before timeout")
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.key {
		l.key[i] = 0
	}
	if l.currentFile != nil {
		_ = l.currentFile.Close()
		l.currentFile = nil
	}
	return nil
}

// run is the single writer goroutine. It drains the queue, encrypts each
// event, and appends it to the date-named file. All I/O and crypto errors
// are swallowed after the event is dropped; a corrupted entry never
// poisons the loop (spec.md §4.1 failure semantics).
func (l *Log) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.queue:
			l.writeEvent(event)
		case <-ctx.Done():
			// Drain exactly one pending entry before exiting, per
			// spec.md §5: "the audit writer also honors cancellation but
			// first drains one pending entry before exiting."
			select {
			case event := <-l.queue:
				l.writeEvent(event)
			default:
			}
			return
		case <-ticker.C:
		}
	}
}

func (l *Log) writeEvent(event domain.AuditEvent) {
	payload := flatten(event)
	encoded, err := json.Marshal(payload)
	if err != nil {
		if l.logger != nil {
			l.logger.Warn("audit: failed to marshal event, dropping", zap.Error(err))
		}
		return
	}

	line, err := encryptLine(l.key, encoded)
	if err != nil {
		if l.logger != nil {
			l.logger.Warn("audit: failed to encrypt event, dropping", zap.Error(err))
		}
		return
	}

	if err := l.appendLine(event.Timestamp, line); err != nil {
		if l.logger != nil {
			l.logger.Warn("audit: failed to append event, dropping", zap.Error(err))
		}
	}
}

// flatten merges the fixed timestamp/event_type keys with the event's
// free-form Fields into one JSON object, matching spec.md §6's per-event
// minimum-fields schema.
func flatten(event domain.AuditEvent) map[string]interface{} {
	out := make(map[string]interface{}, len(event.Fields)+2)
	for k, v := range event.Fields {
		out[k] = v
	}
	out["timestamp"] = event.Timestamp.UTC().Format(time.RFC3339Nano)
	out["event_type"] = string(event.EventType)
	return out
}

// appendLine opens (or reuses) the log-YYYYMMDD.bin file for the UTC date
// of the event being written and appends one framed line.
func (l *Log) appendLine(ts time.Time, line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	date := ts.UTC().Format("20060102")
	if l.currentFile == nil || l.currentDate != date {
		if l.currentFile != nil {
			_ = l.currentFile.Close()
		}
		path := filepath.Join(l.dir, fmt.Sprintf("log-%s.bin", date))
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		l.currentFile = f
		l.currentDate = date
	}

	if _, err := l.currentFile.WriteString(line + "\n"); err != nil {
		return err
	}
	// fsync best-effort, per spec.md §1 non-goals: "append-then-fsync-
	// best-effort" durability, not transactional.
	_ = l.currentFile.Sync()
	return nil
}

var _ domain.AuditLogger = (*Log)(nil)
