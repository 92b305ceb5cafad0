package inherit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dialog/internal/domain"
)

// Request is one inheritance pass over the slots an intent still needs.
type Request struct {
	UserID        string
	IntentID      string
	RequiredSlots []string
	Current       map[string]any
	Bundle        *domain.SourceBundle
	BypassCache   bool
}

// Engine fills missing slots from prior-context sources by walking its
// rules in descending priority order. A pass never deletes a key the
// caller already had; it only adds, or replaces under OVERRIDE/MERGE.
type Engine struct {
	transforms *Transforms
	cache      *Cache
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.RWMutex
	rules []domain.InheritanceRule
}

func New(transforms *Transforms, cache *Cache, logger *slog.Logger) *Engine {
	if transforms == nil {
		transforms = NewTransforms()
	}
	return &Engine{
		transforms: transforms,
		cache:      cache,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock replaces the time source. Test hook.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

func (e *Engine) Inherit(ctx context.Context, req Request) domain.InheritanceResult {
	start := time.Now()

	var cacheKey string
	if e.cache != nil && !req.BypassCache {
		cacheKey = e.cache.Key(req.UserID, req.IntentID, req.RequiredSlots, Fingerprint(req.Current, req.Bundle))
		if values, sources, ok := e.cache.Get(ctx, cacheKey); ok {
			return domain.InheritanceResult{Values: values, Sources: sources, CacheHit: true}
		}
	}

	values := domain.CloneMap(req.Current)
	if values == nil {
		values = make(map[string]any)
	}
	sources := make(map[string]string)
	var applied []string
	var skipped []domain.RuleSkip

	requested := make(map[string]bool, len(req.RequiredSlots))
	for _, slot := range req.RequiredSlots {
		requested[slot] = true
	}

	for _, rule := range e.snapshotRules() {
		if !requested[rule.TargetSlot] {
			continue
		}

		if rule.Strategy == domain.StrategySupplement && hasValue(values[rule.TargetSlot]) {
			skipped = append(skipped, domain.RuleSkip{RuleID: rule.ID, Reason: "already has value"})
			continue
		}

		if rule.Condition != nil {
			ok, err := e.evalCondition(rule, req, values)
			if err != nil {
				// A broken condition skips its rule, never the pass.
				skipped = append(skipped, domain.RuleSkip{RuleID: rule.ID, Reason: "condition error: " + err.Error()})
				continue
			}
			if !ok {
				skipped = append(skipped, domain.RuleSkip{RuleID: rule.ID, Reason: "condition false"})
				continue
			}
		}

		if !req.Bundle.Available(rule.Source) {
			skipped = append(skipped, domain.RuleSkip{RuleID: rule.ID, Reason: "source unavailable"})
			continue
		}
		sv, ok := req.Bundle.Lookup(rule.Source, rule.SourceSlot)
		if !ok || !hasValue(sv.Value) {
			skipped = append(skipped, domain.RuleSkip{RuleID: rule.ID, Reason: "source empty"})
			continue
		}

		if rule.TTLSeconds > 0 && !sv.Timestamp.IsZero() {
			age := e.now().Sub(sv.Timestamp)
			if age > time.Duration(rule.TTLSeconds)*time.Second {
				skipped = append(skipped, domain.RuleSkip{RuleID: rule.ID, Reason: "ttl expired"})
				continue
			}
		}

		value := sv.Value
		if rule.Transform != "" {
			transformed, err := e.transforms.Apply(rule.Transform, value)
			if err != nil {
				skipped = append(skipped, domain.RuleSkip{RuleID: rule.ID, Reason: "transform failed: " + err.Error()})
				continue
			}
			value = transformed
		}

		switch rule.Strategy {
		case domain.StrategyOverride, domain.StrategyConditional, domain.StrategySupplement:
			// SUPPLEMENT reaches here only with an empty target; CONDITIONAL
			// was gated above.
			values[rule.TargetSlot] = value
		case domain.StrategyMerge:
			values[rule.TargetSlot] = mergeValues(values[rule.TargetSlot], value)
		default:
			skipped = append(skipped, domain.RuleSkip{RuleID: rule.ID, Reason: fmt.Sprintf("unknown strategy %q", rule.Strategy)})
			continue
		}

		sources[rule.TargetSlot] = rule.Source.Describe(rule.SourceSlot)
		applied = append(applied, rule.ID)
	}

	result := domain.InheritanceResult{
		Values:  values,
		Sources: sources,
		Applied: applied,
		Skipped: skipped,
	}

	if e.cache != nil && !req.BypassCache {
		if err := e.cache.Set(ctx, cacheKey, values, sources, 0); err != nil {
			e.logger.Warn("cache write failed", "key", cacheKey, "error", err)
		}
	}

	e.logger.Info("inheritance pass",
		"user_id", req.UserID,
		"intent", req.IntentID,
		"requested", len(req.RequiredSlots),
		"applied", len(applied),
		"skipped", len(skipped),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result
}

func (e *Engine) evalCondition(rule domain.InheritanceRule, req Request, values map[string]any) (bool, error) {
	c := rule.Condition
	switch c.Kind {
	case domain.CondAlways:
		return true, nil
	case domain.CondSlotEmpty:
		return !hasValue(values[c.Slot]), nil
	case domain.CondSlotEquals:
		return hasValue(values[c.Slot]) && fmt.Sprint(values[c.Slot]) == c.Value, nil
	case domain.CondUserAttribute:
		got, ok := req.Bundle.Attribute(c.Attribute)
		return ok && got == c.Value, nil
	case domain.CondTimeWindow:
		sv, ok := req.Bundle.Lookup(rule.Source, rule.SourceSlot)
		if !ok || sv.Timestamp.IsZero() {
			return false, nil
		}
		return e.now().Sub(sv.Timestamp) <= time.Duration(c.MaxAgeSeconds)*time.Second, nil
	default:
		return false, fmt.Errorf("unknown condition kind %q", c.Kind)
	}
}

func (e *Engine) AddRule(rule domain.InheritanceRule) (domain.InheritanceRule, error) {
	rule.TargetSlot = strings.TrimSpace(rule.TargetSlot)
	if rule.TargetSlot == "" {
		return domain.InheritanceRule{}, fmt.Errorf("inheritance rule needs a target slot")
	}
	if rule.SourceSlot == "" {
		rule.SourceSlot = rule.TargetSlot
	}
	if !rule.Source.Valid() {
		return domain.InheritanceRule{}, fmt.Errorf("unknown source kind %q", rule.Source)
	}
	if !rule.Strategy.Valid() {
		return domain.InheritanceRule{}, fmt.Errorf("unknown strategy %q", rule.Strategy)
	}
	if rule.ID == "" {
		rule.ID = "ir_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
	sort.SliceStable(e.rules, func(i, j int) bool { return e.rules[i].Priority > e.rules[j].Priority })
	return rule, nil
}

func (e *Engine) RemoveRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, rule := range e.rules {
		if rule.ID == id {
			e.rules = append(e.rules[:i:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

func (e *Engine) Rules() []domain.InheritanceRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]domain.InheritanceRule(nil), e.rules...)
}

func (e *Engine) snapshotRules() []domain.InheritanceRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]domain.InheritanceRule(nil), e.rules...)
}

func mergeValues(existing, incoming any) any {
	if exSlice, ok := asSlice(existing); ok {
		if inSlice, ok := asSlice(incoming); ok {
			seen := make(map[string]bool, len(exSlice))
			merged := append([]any(nil), exSlice...)
			for _, v := range exSlice {
				seen[fmt.Sprint(v)] = true
			}
			for _, v := range inSlice {
				if !seen[fmt.Sprint(v)] {
					merged = append(merged, v)
					seen[fmt.Sprint(v)] = true
				}
			}
			return merged
		}
	}
	if exMap, ok := existing.(map[string]any); ok {
		if inMap, ok := incoming.(map[string]any); ok {
			merged := domain.CloneMap(exMap)
			for k, v := range inMap {
				merged[k] = v
			}
			return merged
		}
	}
	return incoming
}

func asSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func hasValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	default:
		return true
	}
}
