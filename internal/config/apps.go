package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// SkillDefinition is one skill an app exposes, loaded from app.yml. This
// repurposes the teacher's internal/skills.SkillEntry vocabulary (name,
// description, schema) from filesystem markdown skills to HTTP
// microservice skill declarations (SPEC_FULL.md §5.1).
type SkillDefinition struct {
	ID          string         `yaml:"id"`
	Description string         `yaml:"description"`
	Schema      map[string]any `yaml:"schema"`

	// ExcludeFieldsForLLM narrows the tool-response content for inference
	// only; a skill-declared IgnoreFieldsForInference (per call) takes
	// precedence over this app-level default (spec.md §4.2 step 7).
	ExcludeFieldsForLLM []string `yaml:"exclude_fields_for_llm"`

	// Pricing, resolved in the cascade described in spec.md §4.11.
	PerUnitCredits     float64 `yaml:"per_unit_credits"`
	PerRequestCredits  float64 `yaml:"per_request_credits"`
}

// AppDefinition is one app service's manifest.
type AppDefinition struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Provider string            `yaml:"provider"`
	Skills   []SkillDefinition `yaml:"skills"`

	// DeclaresNoSkills means this app's instructions are always included
	// in the prompt regardless of preselection (spec.md §4.2 step 2).
	DeclaresNoSkills bool `yaml:"declares_no_skills"`

	Instructions string `yaml:"instructions"`
}

// AppRegistry holds the loaded app/skill manifests and supports hot
// reload via fsnotify, adapted from the teacher's
// internal/skills/manager.go watch-directory pattern.
type AppRegistry struct {
	mu   sync.RWMutex
	apps map[string]AppDefinition
}

// NewAppRegistry builds an empty registry; use LoadAppManifests to
// populate it.
func NewAppRegistry() *AppRegistry {
	return &AppRegistry{apps: map[string]AppDefinition{}}
}

// LoadAppManifests reads every app.yml under dir (one subdirectory per
// app, matching the teacher's local skill-source layout) and populates
// the registry.
func LoadAppManifests(dir string) (*AppRegistry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: reading app manifest dir: %w", err)
	}
	reg := NewAppRegistry()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		manifestPath := filepath.Join(dir, e.Name(), "app.yml")
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("config: reading %s: %w", manifestPath, err)
		}
		var app AppDefinition
		if err := yaml.Unmarshal(data, &app); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", manifestPath, err)
		}
		if app.ID == "" {
			app.ID = e.Name()
		}
		reg.Set(app)
	}
	return reg, nil
}

func (r *AppRegistry) Set(app AppDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[app.ID] = app
}

func (r *AppRegistry) Lookup(appID string) (AppDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[appID]
	return app, ok
}

func (r *AppRegistry) LookupSkill(appID, skillID string) (SkillDefinition, bool) {
	app, ok := r.Lookup(appID)
	if !ok {
		return SkillDefinition{}, false
	}
	for _, s := range app.Skills {
		if s.ID == skillID {
			return s, true
		}
	}
	return SkillDefinition{}, false
}

// All returns every loaded app definition, for building the capabilities
// banner and the tool list.
func (r *AppRegistry) All() []AppDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AppDefinition, 0, len(r.apps))
	for _, a := range r.apps {
		out = append(out, a)
	}
	return out
}

// Watch hot-reloads manifests under dir whenever a file in dir or in one
// of its app subdirectories (those present when Watch is called)
// changes, following the watch pattern of the teacher's
// internal/skills/manager.go. Events are not debounced: each one triggers
// a full reload. The returned stop function closes the
// watcher; callers should call it on shutdown.
func (r *AppRegistry) Watch(dir string) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating app manifest watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watching %s: %w", dir, err)
	}
	// Manifests live one level down (dir/<app>/app.yml) and fsnotify does
	// not recurse, so each app subdirectory is watched as well.
	if entries, err := os.ReadDir(dir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = watcher.Add(filepath.Join(dir, e.Name()))
			}
		}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				if reloaded, reloadErr := LoadAppManifests(dir); reloadErr == nil {
					r.mu.Lock()
					r.apps = reloaded.apps
					r.mu.Unlock()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-done:
				watcher.Close()
				return
			}
		}
	}()

	return func() { close(done) }, nil
}
