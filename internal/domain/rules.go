package domain

// Reserved intent names. Rules may name IntentAny as a wildcard on either
// side; the remaining names are synthetic targets produced by the transfer
// engine's special cases.
const (
	IntentAny           = "any"
	IntentUnknown       = "unknown"
	IntentTimeout       = "timeout"
	IntentErrorRecovery = "error_recovery"
	IntentSessionEnd    = "session_end"

	// TargetPrevious resolves at evaluation time to the intent one level
	// below the session's top frame.
	TargetPrevious = "previous"
)

type TriggerKind string

const (
	TriggerExplicitChange    TriggerKind = "explicit_change"
	TriggerInterruption      TriggerKind = "interruption"
	TriggerSystemSuggestion  TriggerKind = "system_suggestion"
	TriggerContextDriven     TriggerKind = "context_driven"
	TriggerUserClarification TriggerKind = "user_clarification"
	TriggerTimeout           TriggerKind = "timeout"
	TriggerErrorRecovery     TriggerKind = "error_recovery"
)

func (t TriggerKind) Valid() bool {
	switch t {
	case TriggerExplicitChange, TriggerInterruption, TriggerSystemSuggestion,
		TriggerContextDriven, TriggerUserClarification, TriggerTimeout, TriggerErrorRecovery:
		return true
	}
	return false
}

type ConditionKind string

const (
	ConditionConfidence     ConditionKind = "confidence_threshold"
	ConditionPattern        ConditionKind = "pattern_match"
	ConditionContext        ConditionKind = "context_match"
	ConditionSlotCompletion ConditionKind = "slot_completion"
	ConditionSemantic       ConditionKind = "semantic_similarity"
)

type TransferType string

const (
	TransferNone        TransferType = "none"
	TransferPush        TransferType = "push"
	TransferPop         TransferType = "pop"
	TransferPopThenPush TransferType = "pop_then_push"
)

type TransferRule struct {
	ID         string            `json:"id"`
	From       string            `json:"from"`
	To         string            `json:"to"`
	Trigger    TriggerKind       `json:"trigger"`
	Conditions []ConditionKind   `json:"conditions,omitempty"`
	Threshold  float64           `json:"threshold,omitempty"`
	Priority   int               `json:"priority"`
	Patterns   []string          `json:"patterns,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	Enabled    bool              `json:"enabled"`
}

type TransferDecision struct {
	ShouldTransfer bool         `json:"should_transfer"`
	TargetIntent   string       `json:"target_intent,omitempty"`
	Trigger        TriggerKind  `json:"trigger,omitempty"`
	Confidence     float64      `json:"confidence,omitempty"`
	RuleID         string       `json:"rule_id,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	TransferType   TransferType `json:"transfer_type"`
}

type SourceKind string

const (
	SourceContext SourceKind = "context"
	SourceSession SourceKind = "session"
	SourceProfile SourceKind = "user_profile"
	SourceDep     SourceKind = "dependency"
	SourceDefault SourceKind = "default"
)

func (s SourceKind) Valid() bool {
	switch s {
	case SourceContext, SourceSession, SourceProfile, SourceDep, SourceDefault:
		return true
	}
	return false
}

func (s SourceKind) Describe(slot string) string {
	var label string
	switch s {
	case SourceContext:
		label = "conversation history"
	case SourceSession:
		label = "session context"
	case SourceProfile:
		label = "user profile"
	case SourceDep:
		label = "dependency value"
	case SourceDefault:
		label = "default value"
	default:
		label = string(s)
	}
	return label + " (" + slot + ")"
}

type StrategyKind string

const (
	StrategyOverride    StrategyKind = "override"
	StrategyMerge       StrategyKind = "merge"
	StrategySupplement  StrategyKind = "supplement"
	StrategyConditional StrategyKind = "conditional"
)

func (s StrategyKind) Valid() bool {
	switch s {
	case StrategyOverride, StrategyMerge, StrategySupplement, StrategyConditional:
		return true
	}
	return false
}

type InheritConditionKind string

const (
	CondAlways        InheritConditionKind = "always"
	CondSlotEmpty     InheritConditionKind = "slot_empty"
	CondSlotEquals    InheritConditionKind = "slot_equals"
	CondUserAttribute InheritConditionKind = "user_attribute"
	CondTimeWindow    InheritConditionKind = "time_window"
)

type InheritCondition struct {
	Kind          InheritConditionKind `json:"kind"`
	Slot          string               `json:"slot,omitempty"`
	Value         string               `json:"value,omitempty"`
	Attribute     string               `json:"attribute,omitempty"`
	MaxAgeSeconds int                  `json:"max_age_seconds,omitempty"`
}

type InheritanceRule struct {
	ID         string            `json:"id"`
	SourceSlot string            `json:"source_slot"`
	TargetSlot string            `json:"target_slot"`
	Source     SourceKind        `json:"source"`
	Strategy   StrategyKind      `json:"strategy"`
	Condition  *InheritCondition `json:"condition,omitempty"`
	Transform  string            `json:"transform,omitempty"`
	Priority   int               `json:"priority"`
	TTLSeconds int               `json:"ttl_seconds,omitempty"`
}

type RuleSkip struct {
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
}

type InheritanceResult struct {
	Values   map[string]any    `json:"values"`
	Sources  map[string]string `json:"sources"`
	Applied  []string          `json:"applied_rules,omitempty"`
	Skipped  []RuleSkip        `json:"skipped_rules,omitempty"`
	CacheHit bool              `json:"cache_hit,omitempty"`
}
