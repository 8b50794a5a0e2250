// Package plugin implements the detection-plugin capability the Process
// Probe consumes (spec.md §4.5, SPEC_FULL.md §11): an append-only
// registry of domain.PluginAnalyzer implementations, loaded from a
// configured directory of manifests rather than compiled .so modules, so
// the capability surface stays a plain Go interface.
//
// Grounded on eliteGoblin-focusd's config-driven registry pattern
// (internal/policy/registry.go) generalized from game-specific policies
// to analyzer registration.
package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteguard/appmon/internal/domain"
)

// Manifest is the on-disk description of one plugin: a name plus a set of
// substring/weight rules evaluated against a process's command line and
// executable path. Manifests are data, not code — there is no dynamic
// .so loading in this build.
type Manifest struct {
	Name  string `json:"name"`
	Rules []Rule `json:"rules"`
}

// Rule fires when Contains is a substring of the command line or
// executable path (case-insensitive), contributing Weight to the score
// under indicator name Indicator.
type Rule struct {
	Contains  string `json:"contains"`
	Indicator string `json:"indicator"`
	Weight    int    `json:"weight"`
}

// manifestAnalyzer adapts a Manifest to domain.PluginAnalyzer.
type manifestAnalyzer struct {
	manifest Manifest
}

func (a manifestAnalyzer) Name() string { return a.manifest.Name }

func (a manifestAnalyzer) AnalyzeProcess(pid domain.PID, name, commandLine, executablePath string) []domain.Indicator {
	haystack := strings.ToLower(commandLine + " " + executablePath)
	var out []domain.Indicator
	for _, rule := range a.manifest.Rules {
		if rule.Contains == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(rule.Contains)) {
			out = append(out, domain.Indicator{Name: rule.Indicator, Weight: rule.Weight})
		}
	}
	return out
}

var _ domain.PluginAnalyzer = manifestAnalyzer{}

// Registry is the append-only collection of active analyzers.
type Registry struct {
	mu        sync.Mutex
	analyzers []domain.PluginAnalyzer
	audit     domain.AuditLogger
	logger    *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(audit domain.AuditLogger, logger *zap.Logger) *Registry {
	return &Registry{audit: audit, logger: logger}
}

// Register appends analyzer to the active set. Registration is
// append-only: there is no Unregister, matching the lifetime of a
// detection capability for the process's runtime.
func (r *Registry) Register(analyzer domain.PluginAnalyzer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyzers = append(r.analyzers, analyzer)
}

// Active returns a snapshot of every registered analyzer, in the order
// Register was called.
func (r *Registry) Active() []domain.PluginAnalyzer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PluginAnalyzer, len(r.analyzers))
	copy(out, r.analyzers)
	return out
}

// LoadDirectory reads every *.json manifest in dir, registers the
// resulting analyzers, and audits pluginLoaded or pluginLoadFailed for
// each file. A directory that does not exist is treated as "no plugins"
// rather than an error, since plugin_directory is optional.
func (r *Registry) LoadDirectory(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("plugin: reading %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := r.loadManifest(path); err != nil {
			r.audit.Log(domain.AuditEvent{
				EventType: domain.EventPluginLoadFailed,
				Fields:    map[string]interface{}{"path": path, "error": err.Error()},
			})
			if r.logger != nil {
				r.logger.Warn("plugin load failed", zap.String("path", path), zap.Error(err))
			}
			continue
		}
	}
	return nil
}

func (r *Registry) loadManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return err
	}
	if manifest.Name == "" {
		return fmt.Errorf("manifest missing name")
	}

	r.Register(manifestAnalyzer{manifest: manifest})
	r.audit.Log(domain.AuditEvent{
		EventType: domain.EventPluginLoaded,
		Fields:    map[string]interface{}{"name": manifest.Name, "path": path, "rules": len(manifest.Rules)},
	})
	if r.logger != nil {
		r.logger.Info("plugin loaded", zap.String("name", manifest.Name), zap.String("path", path))
	}
	return nil
}
