package guardrail

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

// Pack is a versioned YAML bundle of guardrail rules.
type Pack struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"-" json:"rules"`
}

// packRule shadows Rule so an omitted `active` field defaults to true
// instead of silently disabling the rule.
type packRule struct {
	Rule       `yaml:",inline"`
	ActiveFlag *bool `yaml:"active"`
}

type packDoc struct {
	Name    string     `yaml:"name"`
	Version string     `yaml:"version"`
	Rules   []packRule `yaml:"rules"`
}

// PackLoader validates and installs rule packs. Versions are monotonic per
// pack name: loading a version older than the installed one is refused, so
// a stale pack file cannot quietly roll back policy.
type PackLoader struct {
	conditions *Conditions
	linter     *Linter

	mu        sync.Mutex
	installed map[string]*semver.Version
}

func NewPackLoader(conditions *Conditions) (*PackLoader, error) {
	linter, err := NewLinter()
	if err != nil {
		return nil, err
	}
	return &PackLoader{
		conditions: conditions,
		linter:     linter,
		installed:  make(map[string]*semver.Version),
	}, nil
}

// Load reads, validates and installs a pack from a YAML file.
func (l *PackLoader) Load(path string) (*Pack, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule pack: %w", err)
	}
	return l.LoadBytes(body)
}

// LoadBytes validates every rule (known layer and action, lintable and
// compilable condition) before the version gate, so a rejected pack never
// bumps the installed version.
func (l *PackLoader) LoadBytes(body []byte) (*Pack, error) {
	var doc packDoc
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse rule pack: %w", err)
	}
	if doc.Name == "" {
		return nil, fault.New(fault.Validation, "guardrail.pack", "rule pack needs a name")
	}
	version, err := semver.NewVersion(doc.Version)
	if err != nil {
		return nil, fault.New(fault.Validation, "guardrail.pack", "pack %s: invalid version %q: %v", doc.Name, doc.Version, err)
	}

	pack := &Pack{Name: doc.Name, Version: doc.Version, Rules: make([]Rule, 0, len(doc.Rules))}
	seen := make(map[string]struct{}, len(doc.Rules))
	for i, pr := range doc.Rules {
		rule := pr.Rule
		rule.Active = pr.ActiveFlag == nil || *pr.ActiveFlag

		if rule.ID == "" {
			return nil, fault.New(fault.Validation, "guardrail.pack", "pack %s: rule %d needs an id", doc.Name, i)
		}
		if _, dup := seen[rule.ID]; dup {
			return nil, fault.New(fault.Validation, "guardrail.pack", "pack %s: duplicate rule id %q", doc.Name, rule.ID)
		}
		seen[rule.ID] = struct{}{}

		if _, err := ParseLayer(string(rule.Layer)); err != nil {
			return nil, fault.New(fault.Validation, "guardrail.pack", "pack %s: rule %s: %v", doc.Name, rule.ID, err)
		}
		if _, err := ParseRuleAction(string(rule.Action)); err != nil {
			return nil, fault.New(fault.Validation, "guardrail.pack", "pack %s: rule %s: %v", doc.Name, rule.ID, err)
		}
		if rule.Priority < 0 {
			return nil, fault.New(fault.Validation, "guardrail.pack", "pack %s: rule %s: negative priority", doc.Name, rule.ID)
		}
		if strings.TrimSpace(rule.Condition) == "" {
			return nil, fault.New(fault.Validation, "guardrail.pack", "pack %s: rule %s: needs a condition", doc.Name, rule.ID)
		}

		lint, err := l.linter.Lint(rule.Condition)
		if err != nil {
			return nil, fault.New(fault.Validation, "guardrail.pack", "pack %s: rule %s: condition parse: %v", doc.Name, rule.ID, err)
		}
		if !lint.Valid {
			msgs := make([]string, 0, len(lint.Issues))
			for _, iss := range lint.Issues {
				msgs = append(msgs, iss.Message)
			}
			return nil, fault.New(fault.Validation, "guardrail.pack", "pack %s: rule %s: %s", doc.Name, rule.ID, strings.Join(msgs, "; "))
		}
		if err := l.conditions.Compile(rule.Condition); err != nil {
			return nil, fault.New(fault.Validation, "guardrail.pack", "pack %s: rule %s: %v", doc.Name, rule.ID, err)
		}

		pack.Rules = append(pack.Rules, rule)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.installed[pack.Name]; ok && version.LessThan(current) {
		return nil, fault.New(fault.Policy, "guardrail.pack", "pack %s: rollback from %s to %s denied", pack.Name, current, version)
	}
	l.installed[pack.Name] = version
	return pack, nil
}

// InstalledVersion reports the version currently installed for a pack name.
func (l *PackLoader) InstalledVersion(name string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.installed[name]
	if !ok {
		return "", false
	}
	return v.String(), true
}

// DefaultPack is the baseline rule set a center starts with before loading
// its own packs.
func DefaultPack() *Pack {
	active := func(r Rule) Rule {
		r.Active = true
		return r
	}
	return &Pack{
		Name:    "vigil-baseline",
		Version: "1.0.0",
		Rules: []Rule{
			active(Rule{
				ID:        "fourth-amendment-search",
				Layer:     LayerFederalConstitutional,
				Condition: `action.type == "search" && !probable_cause && !consent.search`,
				Action:    RuleDeny,
				Category:  "search_seizure",
				Priority:  100,
				Citations: []string{"U.S. Const. amend. IV"},
			}),
			active(Rule{
				ID:        "fifth-amendment-interrogation",
				Layer:     LayerFederalConstitutional,
				Condition: `action.type == "interrogation" && !miranda_given`,
				Action:    RuleDeny,
				Category:  "interrogation",
				Priority:  90,
				Citations: []string{"U.S. Const. amend. V", "Miranda v. Arizona, 384 U.S. 436 (1966)"},
			}),
			active(Rule{
				ID:        "warrantless-extended-surveillance",
				Layer:     LayerStateStatute,
				Condition: `action.type == "surveillance" && action.duration_minutes > 720 && !probable_cause`,
				Action:    RuleDeny,
				Category:  "surveillance",
				Priority:  80,
				Citations: []string{"Fla. Stat. § 934.03"},
			}),
			active(Rule{
				ID:        "lethal-force-approval",
				Layer:     LayerAgencySOP,
				Condition: `action.type == "force" && action.force_level == "lethal"`,
				Action:    RuleRequireApproval,
				Category:  "use_of_force",
				Priority:  100,
				Citations: []string{"General Order 510.1"},
			}),
			active(Rule{
				ID:        "high-speed-pursuit-approval",
				Layer:     LayerAgencySOP,
				Condition: `action.type == "pursuit" && action.pursuit_speed > 90.0`,
				Action:    RuleRequireApproval,
				Category:  "pursuit",
				Priority:  80,
				Citations: []string{"General Order 301.4"},
			}),
			active(Rule{
				ID:        "drone-subject-tracking",
				Layer:     LayerModelConstraint,
				Condition: `action.type == "drone_sortie" && subject.present && !probable_cause`,
				Action:    RuleRequireApproval,
				Category:  "surveillance",
				Priority:  50,
			}),
		},
	}
}
