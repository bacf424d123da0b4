package dispatch

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TriggerRule governs how one trigger type becomes a mission. MinPriority
// is a floor: a trigger arriving below it is raised, never lowered.
// LoiterBehavior names the on-station command issued after arrival.
type TriggerRule struct {
	Enabled              bool     `yaml:"-" json:"enabled"`
	MinPriority          Priority `yaml:"min_priority" json:"min_priority"`
	AutoDispatch         bool     `yaml:"auto_dispatch" json:"auto_dispatch"`
	RequireApproval      bool     `yaml:"require_approval" json:"require_approval"`
	ResponseRadiusM      float64  `yaml:"response_radius_m" json:"response_radius_m"`
	RequiredCapabilities []string `yaml:"required_capabilities" json:"required_capabilities"`
	LoiterBehavior       string   `yaml:"loiter_behavior" json:"loiter_behavior"`
	NotifyChannels       []string `yaml:"notify_channels" json:"notify_channels"`
}

// loiterCommands maps rule loiter behaviors onto the command vocabulary.
var loiterCommands = map[string]CommandType{
	"orbit":  CmdOrbit,
	"hover":  CmdHover,
	"patrol": CmdPatrol,
	"follow": CmdFollow,
	"search": CmdSearch,
	"track":  CmdTrack,
}

// LoiterCommand returns the on-station command for the rule, defaulting to
// hover when the behavior is unset.
func (r TriggerRule) LoiterCommand() CommandType {
	if cmd, ok := loiterCommands[r.LoiterBehavior]; ok {
		return cmd
	}
	return CmdHover
}

// DefaultTriggerRules is the rule table a center starts with before loading
// its own. Critical triggers carry wide response radii; the capability sets
// assume camera-equipped airframes with thermal on the night-capable ones.
func DefaultTriggerRules() map[TriggerType]TriggerRule {
	return map[TriggerType]TriggerRule{
		TriggerShotspotter: {
			Enabled: true, MinPriority: PriorityHigh, AutoDispatch: true,
			ResponseRadiusM: 3000, RequiredCapabilities: []string{"camera", "thermal"},
			LoiterBehavior: "orbit", NotifyChannels: []string{"dispatch", "patrol"},
		},
		TriggerOfficerDistress: {
			Enabled: true, MinPriority: PriorityCritical, AutoDispatch: true,
			ResponseRadiusM: 8000, RequiredCapabilities: []string{"camera"},
			LoiterBehavior: "orbit", NotifyChannels: []string{"dispatch", "supervisor"},
		},
		TriggerAmbush: {
			Enabled: true, MinPriority: PriorityCritical, AutoDispatch: true,
			ResponseRadiusM: 8000, RequiredCapabilities: []string{"camera", "thermal"},
			LoiterBehavior: "orbit", NotifyChannels: []string{"dispatch", "supervisor", "tactical"},
		},
		TriggerHotVehicle: {
			Enabled: true, MinPriority: PriorityNormal, AutoDispatch: true,
			ResponseRadiusM: 5000, RequiredCapabilities: []string{"camera", "lpr"},
			LoiterBehavior: "track", NotifyChannels: []string{"dispatch"},
		},
		TriggerPursuit: {
			Enabled: true, MinPriority: PriorityHigh, AutoDispatch: true, RequireApproval: true,
			ResponseRadiusM: 10000, RequiredCapabilities: []string{"camera"},
			LoiterBehavior: "follow", NotifyChannels: []string{"dispatch", "supervisor"},
		},
		Trigger911Keyword: {
			Enabled: true, MinPriority: PriorityNormal, AutoDispatch: true, RequireApproval: true,
			ResponseRadiusM: 5000, RequiredCapabilities: []string{"camera"},
			LoiterBehavior: "orbit", NotifyChannels: []string{"dispatch"},
		},
		TriggerMissingPerson: {
			Enabled: true, MinPriority: PriorityNormal, AutoDispatch: true,
			ResponseRadiusM: 8000, RequiredCapabilities: []string{"camera", "thermal", "spotlight"},
			LoiterBehavior: "search", NotifyChannels: []string{"dispatch"},
		},
		TriggerCrash: {
			Enabled: true, MinPriority: PriorityHigh, AutoDispatch: true,
			ResponseRadiusM: 5000, RequiredCapabilities: []string{"camera"},
			LoiterBehavior: "orbit", NotifyChannels: []string{"dispatch", "fire_ems"},
		},
		TriggerPerimeterBreach: {
			Enabled: true, MinPriority: PriorityNormal, AutoDispatch: true,
			ResponseRadiusM: 2000, RequiredCapabilities: []string{"camera", "spotlight"},
			LoiterBehavior: "hover", NotifyChannels: []string{"dispatch"},
		},
		TriggerActiveShooter: {
			Enabled: true, MinPriority: PriorityCritical, AutoDispatch: true,
			ResponseRadiusM: 10000, RequiredCapabilities: []string{"camera", "thermal"},
			LoiterBehavior: "orbit", NotifyChannels: []string{"dispatch", "supervisor", "tactical", "command_staff"},
		},
		TriggerManual: {
			Enabled: true, MinPriority: PriorityNormal, AutoDispatch: true,
			ResponseRadiusM: 5000, RequiredCapabilities: []string{"camera"},
			LoiterBehavior: "hover", NotifyChannels: []string{"dispatch"},
		},
	}
}

// triggerRuleDoc shadows TriggerRule for YAML so an omitted `enabled` field
// defaults to true instead of silently disabling the trigger.
type triggerRuleDoc struct {
	TriggerRule `yaml:",inline"`
	Enabled     *bool `yaml:"enabled"`
}

// LoadTriggerRules reads a YAML trigger table over the defaults: trigger
// types absent from the file keep their default rule. Unknown trigger
// types, priorities, and loiter behaviors are rejected.
func LoadTriggerRules(path string) (map[TriggerType]TriggerRule, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trigger rules: %w", err)
	}
	var doc struct {
		Triggers map[TriggerType]triggerRuleDoc `yaml:"triggers"`
	}
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse trigger rules: %w", err)
	}

	rules := DefaultTriggerRules()
	for trigger, loaded := range doc.Triggers {
		if !KnownTrigger(trigger) {
			return nil, fmt.Errorf("trigger rules: unknown trigger type %q", trigger)
		}
		rule := loaded.TriggerRule
		rule.Enabled = loaded.Enabled == nil || *loaded.Enabled
		if rule.MinPriority == "" {
			rule.MinPriority = PriorityNormal
		}
		if _, ok := rule.MinPriority.TierScore(); !ok {
			return nil, fmt.Errorf("trigger rules: %s has unknown min_priority %q", trigger, rule.MinPriority)
		}
		if rule.LoiterBehavior != "" {
			if _, ok := loiterCommands[rule.LoiterBehavior]; !ok {
				return nil, fmt.Errorf("trigger rules: %s has unknown loiter_behavior %q", trigger, rule.LoiterBehavior)
			}
		}
		if rule.ResponseRadiusM < 0 {
			return nil, fmt.Errorf("trigger rules: %s has negative response_radius_m", trigger)
		}
		rules[trigger] = rule
	}
	return rules, nil
}
