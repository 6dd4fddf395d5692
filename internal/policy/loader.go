package policy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// policyFile is the on-disk document shape.
type policyFile struct {
	Policies []Policy `yaml:"policies" json:"policies"`
}

// LoadPolicies reads a policy set from a YAML or JSON/JSON5 file.
func LoadPolicies(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var doc policyFile
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" || ext == ".json5" {
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse policy file %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse policy file %s: %w", path, err)
		}
	}

	for _, p := range doc.Policies {
		if p.ID == "" {
			return nil, fmt.Errorf("policy file %s: policy with empty id", path)
		}
		for _, r := range p.Rules {
			if r.Effect.Kind == "" {
				return nil, fmt.Errorf("policy %s: rule %q has no effect", p.ID, r.ID)
			}
		}
	}
	return doc.Policies, nil
}

// Watcher reloads the evaluator when the policy file changes on disk.
// Reload replaces the rule set and drops the decision cache.
type Watcher struct {
	path      string
	evaluator *Evaluator
	logger    *slog.Logger
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher starts watching the policy file. The caller owns Close.
func NewWatcher(path string, evaluator *Evaluator, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default().With("component", "policy-watcher")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create policy watcher: %w", err)
	}
	// Watch the directory: editors replace files by rename, which
	// drops a direct file watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch policy dir: %w", err)
	}

	w := &Watcher{
		path:      path,
		evaluator: evaluator,
		logger:    logger,
		watcher:   fw,
		done:      make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			policies, err := LoadPolicies(w.path)
			if err != nil {
				w.logger.Error("policy reload failed; keeping previous rules",
					"path", w.path, "error", err)
				continue
			}
			w.evaluator.Reload(policies)
			w.logger.Info("reloaded policies", "path", w.path, "count", len(policies))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
