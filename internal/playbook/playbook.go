// Package playbook holds the declarative remediation catalog: pattern-triggered
// procedures with ordered steps, rollback actions and timeouts. Matching is
// advisory metadata for diagnosis tasks; it never alters scheduling.
package playbook

import (
	"strings"
	"sync"
)

// Trigger qualifies a playbook against an incident.
type Trigger struct {
	// Patterns are case-insensitive substrings matched against the
	// incident title and description. One hit qualifies.
	Patterns []string `yaml:"patterns" json:"patterns"`
	// Severities lists the qualifying incident severities.
	Severities []string `yaml:"severities" json:"severities"`
}

// Step is one ordered action within a playbook.
type Step struct {
	Action            string            `yaml:"action" json:"action"`
	Command           string            `yaml:"command,omitempty" json:"command,omitempty"`
	Params            map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	Rollback          string            `yaml:"rollback,omitempty" json:"rollback,omitempty"`
	TimeoutSeconds    int               `yaml:"timeout_seconds,omitempty" json:"timeoutSeconds,omitempty"`
	ContinueOnFailure bool              `yaml:"continue_on_failure,omitempty" json:"continueOnFailure,omitempty"`
}

// Playbook is a declarative remediation procedure.
type Playbook struct {
	ID          string  `yaml:"id" json:"id"`
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Trigger     Trigger `yaml:"trigger" json:"trigger"`
	Steps       []Step  `yaml:"steps" json:"steps"`
	AutoApprove bool    `yaml:"auto_approve,omitempty" json:"autoApprove,omitempty"`
	RiskLevel   string  `yaml:"risk_level,omitempty" json:"riskLevel,omitempty"`
}

// Catalog is the set of known playbooks. Built-ins are registered at
// construction; LoadDir merges operator-supplied YAML files over them.
type Catalog struct {
	mu        sync.RWMutex
	playbooks []Playbook
}

// NewCatalog returns a catalog seeded with the built-in playbooks.
func NewCatalog() *Catalog {
	return &Catalog{playbooks: builtinPlaybooks()}
}

// List returns a snapshot of the catalog in matching order.
func (c *Catalog) List() []Playbook {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Playbook, len(c.playbooks))
	copy(out, c.playbooks)
	return out
}

// Match returns the first enabled playbook whose severity set contains the
// incident's severity and whose pattern list has at least one case-insensitive
// substring match against title or description. Returns nil if none qualify.
func (c *Catalog) Match(severity, title, description string) *Playbook {
	c.mu.RLock()
	defer c.mu.RUnlock()

	haystack := strings.ToLower(title + " " + description)
	for i := range c.playbooks {
		pb := &c.playbooks[i]
		if !pb.Enabled {
			continue
		}
		if !containsFold(pb.Trigger.Severities, severity) {
			continue
		}
		for _, pattern := range pb.Trigger.Patterns {
			if pattern == "" {
				continue
			}
			if strings.Contains(haystack, strings.ToLower(pattern)) {
				out := *pb
				return &out
			}
		}
	}
	return nil
}

func containsFold(set []string, want string) bool {
	for _, s := range set {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}

// replace swaps the catalog contents under lock.
func (c *Catalog) replace(playbooks []Playbook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playbooks = playbooks
}
