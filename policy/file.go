package policy

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/krisalay/weather-cache/types"
)

// fileDocument is the YAML layout of a policy override file:
//
//	default: weather
//	policies:
//	  weather:
//	    max_age: 30m
//	    background_refresh: true
//	    priority: high
type fileDocument struct {
	Default  string                `yaml:"default"`
	Policies map[string]filePolicy `yaml:"policies"`
}

type filePolicy struct {
	MaxAge            string `yaml:"max_age"`
	BackgroundRefresh bool   `yaml:"background_refresh"`
	Priority          string `yaml:"priority"`
}

// LoadFile applies the overrides in the YAML file at path.
func (r *Registry) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open policy file: %w", err)
	}
	defer f.Close()

	if err := r.Load(f); err != nil {
		return fmt.Errorf("policy file %s: %w", path, err)
	}
	return nil
}

// Load applies the overrides read from rd. Nothing is applied if any
// policy in the document is invalid.
func (r *Registry) Load(rd io.Reader) error {
	var doc fileDocument
	if err := yaml.NewDecoder(rd).Decode(&doc); err != nil && err != io.EOF {
		return fmt.Errorf("decode yaml: %w", err)
	}

	parsed := make(map[string]Policy, len(doc.Policies))
	for name, fp := range doc.Policies {
		maxAge, err := time.ParseDuration(fp.MaxAge)
		if err != nil {
			return fmt.Errorf("policy %q: max_age: %w", name, err)
		}
		prio := types.Priority(fp.Priority)
		if prio == "" {
			prio = types.PriorityMedium
		}
		p := Policy{MaxAge: maxAge, BackgroundRefresh: fp.BackgroundRefresh, Priority: prio}
		if err := validate(name, p); err != nil {
			return err
		}
		parsed[name] = p
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if doc.Default != "" {
		_, known := r.policies[doc.Default]
		_, added := parsed[doc.Default]
		if !known && !added {
			return fmt.Errorf("default policy %q is not defined", doc.Default)
		}
	}
	for name, p := range parsed {
		r.policies[name] = p
	}
	if doc.Default != "" {
		r.defaultType = doc.Default
	}
	return nil
}
