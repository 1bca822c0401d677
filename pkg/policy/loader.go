package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// reloadDelay coalesces bursts of editor writes into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads custom policies from .rego files and from JSON or YAML
// definition files that embed the Rego source.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

type cachedPolicy struct {
	modTime time.Time
	policy  Policy
}

// definition is the on-disk form of a JSON or YAML policy.
type definition struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description" yaml:"description"`
	Rego        string                 `json:"rego" yaml:"rego"`
	Severity    Severity               `json:"severity" yaml:"severity"`
	Enabled     *bool                  `json:"enabled" yaml:"enabled"`
	Tags        []string               `json:"tags" yaml:"tags"`
	Metadata    map[string]interface{} `json:"metadata" yaml:"metadata"`
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads every policy under paths. A path that does not exist, or
// a file named directly that fails to parse, is an error; unreadable files
// found while walking a directory are logged and skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
		}
		if !info.IsDir() {
			p, err := l.loadFromFile(ctx, root)
			if err != nil {
				return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
			}
			out = append(out, *p)
			continue
		}
		found, err := l.loadFromDirectory(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
		}
		out = append(out, found...)
	}

	l.logger.Info().Int("total", len(out)).Int("sources", len(paths)).Msg("Policies loaded")
	return out, nil
}

func (l *Loader) loadFromDirectory(ctx context.Context, dir string) ([]Policy, error) {
	var out []Policy
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}
		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			return nil
		}
		out = append(out, *p)
		return nil
	})
	return out, err
}

// loadFromFile parses one file. Results are cached until the file's
// modification time changes.
func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	c, ok := l.cache[path]
	l.mu.Unlock()
	if ok && c.modTime.Equal(info.ModTime()) {
		p := c.policy
		return &p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}

	var p *Policy
	switch ext := filepath.Ext(path); ext {
	case ".rego":
		p = regoPolicy(path, string(data))
	case ".json", ".yaml", ".yml":
		var def definition
		if ext == ".json" {
			err = json.Unmarshal(data, &def)
		} else {
			err = yaml.Unmarshal(data, &def)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy %s: %w", path, err)
		}
		if p, err = def.policy(path); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), policy: *p}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded")
	return p, nil
}

func regoPolicy(path, src string) *Policy {
	now := time.Now()
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: extractDescription(src),
		Rego:        src,
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"custom"},
		Metadata:    map[string]interface{}{"source": path},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (d definition) policy(path string) (*Policy, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("policy %s is missing a name", path)
	}
	if d.Rego == "" {
		return nil, fmt.Errorf("policy %s has no rego", d.Name)
	}
	p := &Policy{
		Name:        d.Name,
		Description: d.Description,
		Rego:        d.Rego,
		Severity:    d.Severity,
		Enabled:     d.Enabled == nil || *d.Enabled,
		Tags:        d.Tags,
		Metadata:    d.Metadata,
		CreatedAt:   time.Now(),
	}
	p.UpdatedAt = p.CreatedAt
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	p.Metadata["source"] = path
	return p, nil
}

// extractDescription joins the leading comment block of a Rego module,
// ignoring blank comment lines.
func extractDescription(src string) string {
	var parts []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			if line != "" && len(parts) > 0 {
				break
			}
			continue
		}
		if c := strings.TrimSpace(strings.TrimPrefix(line, "#")); c != "" && !strings.HasPrefix(c, "package") {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " ")
}

// Watch reloads every path through reloadFn after policy files change,
// until ctx is cancelled.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || path == root {
				return watcher.Add(path)
			}
			return nil
		})
		if err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Cannot watch policy path")
		}
	}

	go l.watchLoop(ctx, watcher, paths, reloadFn)
	l.logger.Info().Int("paths", len(paths)).Msg("Watching policy paths")
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	defer watcher.Close()

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(ev.Name) || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
				!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")
			l.mu.Lock()
			delete(l.cache, ev.Name)
			l.mu.Unlock()
			timer.Reset(reloadDelay)
		case <-timer.C:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = reloadFn(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
				continue
			}
			l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// ClearCache drops every parsed policy.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]cachedPolicy)
	l.mu.Unlock()
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json", ".yaml", ".yml":
		return true
	}
	return false
}
