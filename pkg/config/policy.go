package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/clinaudit/pkg/entity"
	"github.com/platinummonkey/clinaudit/pkg/validation"
)

// Policy is the content of the policy file: the watched tables with their
// field classes, and the declared validation rules.
//
//	tables:
//	  - name: research_notes
//	    id_column: note_id
//	    study_column: study_id
//	    columns: [study_id, note_type, note_title, note_text]
//	    narrative_fields: [note_text]
//	    rls: true
//	rules:
//	  - id: note-title-required
//	    table: research_notes
//	    field: note_title
//	    kind: required
type Policy struct {
	Tables []entity.Table    `yaml:"tables"`
	Rules  []validation.Rule `yaml:"rules"`
}

// DefaultPolicy is the research schema with the built-in validation rules.
func DefaultPolicy() *Policy {
	return &Policy{Tables: entity.DefaultTables(), Rules: validation.DefaultRules()}
}

// Catalog builds the entity catalog of the policy.
func (p *Policy) Catalog() (*entity.Catalog, error) {
	return entity.NewCatalog(p.Tables...)
}

// ParsePolicy decodes a policy document. A document without tables keeps
// the default research schema.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if len(p.Tables) == 0 {
		p.Tables = entity.DefaultTables()
	}
	if _, err := p.Catalog(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return &p, nil
}

// LoadPolicy reads the policy file. An empty path yields DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// RuleSetter receives reloaded rules. *validation.Validator implements it.
type RuleSetter interface {
	SetRules(rules []validation.Rule) error
}

// policyDebounce collapses the burst of events an editor produces on save.
const policyDebounce = 200 * time.Millisecond

// WatchPolicy reloads the validation rules whenever the policy file
// changes, until ctx is done. The directory is watched rather than the
// file so that atomic renames are seen. Table changes need a restart and
// are only logged; a file that fails to parse leaves the current rules in
// place.
func WatchPolicy(ctx context.Context, path string, target RuleSetter, logger *logrus.Logger) error {
	if path == "" {
		return fmt.Errorf("no policy file to watch")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to resolve policy path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}

	current, err := LoadPolicy(abs)
	if err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(policyDebounce)
				} else {
					timer.Reset(policyDebounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				current = reloadPolicy(abs, current, target, logger)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Policy watcher error")
			}
		}
	}()

	logger.WithField("path", abs).Info("Watching policy file")
	return nil
}

func reloadPolicy(path string, current *Policy, target RuleSetter, logger *logrus.Logger) *Policy {
	log := logger.WithField("path", path)
	next, err := LoadPolicy(path)
	if err != nil {
		log.WithError(err).Error("Policy reload failed; keeping current rules")
		return current
	}
	if err := target.SetRules(next.Rules); err != nil {
		log.WithError(err).Error("Policy rules rejected; keeping current rules")
		return current
	}
	if !sameTables(current.Tables, next.Tables) {
		log.Warn("Watched tables changed; restart to apply")
	}
	log.WithField("rules", len(next.Rules)).Info("Policy rules reloaded")
	next.Tables = current.Tables
	return next
}

func sameTables(a, b []entity.Table) bool {
	x, err := yaml.Marshal(a)
	if err != nil {
		return false
	}
	y, err := yaml.Marshal(b)
	if err != nil {
		return false
	}
	return string(x) == string(y)
}
