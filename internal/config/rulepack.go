package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"dialog/internal/classify"
	"dialog/internal/domain"
)

// RulePack is the YAML-declared catalog: intent definitions, transfer and
// inheritance rules, and the keyword table for the static classifier. It is
// loaded once at startup; the admin API can still add and remove rules on a
// running server.
type RulePack struct {
	Intents          []IntentSpec          `koanf:"intents"`
	TransferRules    []TransferRuleSpec    `koanf:"transfer_rules"`
	InheritanceRules []InheritanceRuleSpec `koanf:"inheritance_rules"`
	Keywords         []KeywordSpec         `koanf:"keywords"`
}

type IntentSpec struct {
	Name          string         `koanf:"name"`
	DisplayName   string         `koanf:"display_name"`
	Description   string         `koanf:"description"`
	RequiredSlots []string       `koanf:"required_slots"`
	OptionalSlots []string       `koanf:"optional_slots"`
	Defaults      map[string]any `koanf:"defaults"`
}

func (s IntentSpec) Definition() domain.IntentDefinition {
	return domain.IntentDefinition{
		Name:          s.Name,
		DisplayName:   s.DisplayName,
		Description:   s.Description,
		RequiredSlots: s.RequiredSlots,
		OptionalSlots: s.OptionalSlots,
		Defaults:      s.Defaults,
	}
}

// TransferRuleSpec mirrors domain.TransferRule with a Disabled flag instead
// of Enabled, so that a rule written in YAML is live unless it says otherwise.
type TransferRuleSpec struct {
	ID         string            `koanf:"id"`
	From       string            `koanf:"from"`
	To         string            `koanf:"to"`
	Trigger    string            `koanf:"trigger"`
	Conditions []string          `koanf:"conditions"`
	Threshold  float64           `koanf:"threshold"`
	Priority   int               `koanf:"priority"`
	Patterns   []string          `koanf:"patterns"`
	Context    map[string]string `koanf:"context"`
	Disabled   bool              `koanf:"disabled"`
}

func (s TransferRuleSpec) Rule() domain.TransferRule {
	var conds []domain.ConditionKind
	for _, c := range s.Conditions {
		conds = append(conds, domain.ConditionKind(c))
	}
	return domain.TransferRule{
		ID:         s.ID,
		From:       s.From,
		To:         s.To,
		Trigger:    domain.TriggerKind(s.Trigger),
		Conditions: conds,
		Threshold:  s.Threshold,
		Priority:   s.Priority,
		Patterns:   s.Patterns,
		Context:    s.Context,
		Enabled:    !s.Disabled,
	}
}

type ConditionSpec struct {
	Kind          string `koanf:"kind"`
	Slot          string `koanf:"slot"`
	Value         string `koanf:"value"`
	Attribute     string `koanf:"attribute"`
	MaxAgeSeconds int    `koanf:"max_age_seconds"`
}

type InheritanceRuleSpec struct {
	ID         string         `koanf:"id"`
	SourceSlot string         `koanf:"source_slot"`
	TargetSlot string         `koanf:"target_slot"`
	Source     string         `koanf:"source"`
	Strategy   string         `koanf:"strategy"`
	Condition  *ConditionSpec `koanf:"condition"`
	Transform  string         `koanf:"transform"`
	Priority   int            `koanf:"priority"`
	TTLSeconds int            `koanf:"ttl_seconds"`
}

func (s InheritanceRuleSpec) Rule() domain.InheritanceRule {
	rule := domain.InheritanceRule{
		ID:         s.ID,
		SourceSlot: s.SourceSlot,
		TargetSlot: s.TargetSlot,
		Source:     domain.SourceKind(s.Source),
		Strategy:   domain.StrategyKind(s.Strategy),
		Transform:  s.Transform,
		Priority:   s.Priority,
		TTLSeconds: s.TTLSeconds,
	}
	if s.Condition != nil {
		rule.Condition = &domain.InheritCondition{
			Kind:          domain.InheritConditionKind(s.Condition.Kind),
			Slot:          s.Condition.Slot,
			Value:         s.Condition.Value,
			Attribute:     s.Condition.Attribute,
			MaxAgeSeconds: s.Condition.MaxAgeSeconds,
		}
	}
	return rule
}

type KeywordSpec struct {
	Keyword    string  `koanf:"keyword"`
	Intent     string  `koanf:"intent"`
	Confidence float64 `koanf:"confidence"`
}

func (p RulePack) Definitions() []domain.IntentDefinition {
	defs := make([]domain.IntentDefinition, 0, len(p.Intents))
	for _, spec := range p.Intents {
		defs = append(defs, spec.Definition())
	}
	return defs
}

func (p RulePack) Transfers() []domain.TransferRule {
	rules := make([]domain.TransferRule, 0, len(p.TransferRules))
	for _, spec := range p.TransferRules {
		rules = append(rules, spec.Rule())
	}
	return rules
}

func (p RulePack) Inheritances() []domain.InheritanceRule {
	rules := make([]domain.InheritanceRule, 0, len(p.InheritanceRules))
	for _, spec := range p.InheritanceRules {
		rules = append(rules, spec.Rule())
	}
	return rules
}

func (p RulePack) StaticRules() []classify.StaticRule {
	rules := make([]classify.StaticRule, 0, len(p.Keywords))
	for _, spec := range p.Keywords {
		rules = append(rules, classify.StaticRule{
			Keyword:    spec.Keyword,
			Intent:     spec.Intent,
			Confidence: spec.Confidence,
		})
	}
	return rules
}

func LoadRulePack(path string) (RulePack, error) {
	if path == "" {
		return RulePack{}, fmt.Errorf("rule pack path is empty")
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return RulePack{}, fmt.Errorf("load rule pack %s: %w", path, err)
	}
	var pack RulePack
	if err := k.Unmarshal("", &pack); err != nil {
		return RulePack{}, fmt.Errorf("unmarshal rule pack %s: %w", path, err)
	}
	return pack, nil
}
