// config.go: Route rules, file loading and live reload
package ratelimit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultRule applies to routes without an explicit rule.
var DefaultRule = Rule{Route: "default", Limit: 100, Window: time.Minute, Enabled: true}

// RuleSet holds the active per-route rules and swaps them atomically on reload.
type RuleSet struct {
	mu       sync.RWMutex
	rules    map[string]Rule
	fallback Rule
	logger   *zap.Logger
}

// NewRuleSet creates a rule set; fallback is used for unknown routes.
func NewRuleSet(fallback Rule, rules []Rule, logger *zap.Logger) *RuleSet {
	if logger == nil {
		logger = zap.NewNop()
	}
	rs := &RuleSet{fallback: fallback, logger: logger}
	rs.Replace(rules)
	return rs
}

// Rule returns the rule for route.
func (rs *RuleSet) Rule(route string) Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if r, ok := rs.rules[route]; ok {
		return r
	}
	r := rs.fallback
	r.Route = route
	return r
}

// Replace swaps in a new rule list.
func (rs *RuleSet) Replace(rules []Rule) {
	m := make(map[string]Rule, len(rules))
	for _, r := range rules {
		m[r.Route] = r
	}
	rs.mu.Lock()
	rs.rules = m
	rs.mu.Unlock()
}

// Rules returns a copy of the explicit rules.
func (rs *RuleSet) Rules() []Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]Rule, 0, len(rs.rules))
	for _, r := range rs.rules {
		out = append(out, r)
	}
	return out
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes a YAML rules document.
func ParseRules(data []byte) ([]Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rate limit rules: %w", err)
	}
	for i, r := range f.Rules {
		if r.Route == "" {
			return nil, fmt.Errorf("rule %d: route is required", i)
		}
		if r.Enabled && (r.Limit < 1 || r.Window <= 0) {
			return nil, fmt.Errorf("rule %s: limit and window must be positive", r.Route)
		}
	}
	return f.Rules, nil
}

// LoadFromFile replaces the rules with the contents of a YAML file.
func (rs *RuleSet) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	rules, err := ParseRules(data)
	if err != nil {
		return err
	}
	rs.Replace(rules)
	rs.logger.Info("rate limit rules loaded", zap.String("path", path), zap.Int("rules", len(rules)))
	return nil
}

// WatchFile reloads the rules whenever path is written, until ctx ends.
// The parent directory is watched so editors that replace the file are seen.
func (rs *RuleSet) WatchFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if err := rs.LoadFromFile(path); err != nil {
					rs.logger.Error("failed to reload rate limit rules", zap.String("path", path), zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				rs.logger.Warn("rate limit rules watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
