package inherit

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"dialog/internal/domain"
	"dialog/internal/kvstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	return New(NewTransforms(), nil, discardLogger())
}

func mustAdd(t *testing.T, e *Engine, rule domain.InheritanceRule) domain.InheritanceRule {
	t.Helper()
	added, err := e.AddRule(rule)
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	return added
}

func skipReason(result domain.InheritanceResult, ruleID string) string {
	for _, s := range result.Skipped {
		if s.RuleID == ruleID {
			return s.Reason
		}
	}
	return ""
}

func TestSupplementPrefersHigherPriority(t *testing.T) {
	e := newEngine(t)
	ruleA := mustAdd(t, e, domain.InheritanceRule{
		TargetSlot: "departure_city",
		Source:     domain.SourceSession,
		Strategy:   domain.StrategySupplement,
		Priority:   10,
	})
	ruleB := mustAdd(t, e, domain.InheritanceRule{
		TargetSlot: "departure_city",
		Source:     domain.SourceProfile,
		Strategy:   domain.StrategySupplement,
		Priority:   5,
	})

	bundle := domain.NewSourceBundle(time.Now())
	bundle.Put(domain.SourceSession, "departure_city", "北京", time.Now())
	bundle.Put(domain.SourceProfile, "departure_city", "上海", time.Now())

	result := e.Inherit(context.Background(), Request{
		UserID:        "u1",
		IntentID:      "book_flight",
		RequiredSlots: []string{"departure_city"},
		Current:       map[string]any{},
		Bundle:        bundle,
	})

	if result.Values["departure_city"] != "北京" {
		t.Fatalf("departure_city=%v, want 北京", result.Values["departure_city"])
	}
	if got := result.Sources["departure_city"]; got != "session context (departure_city)" {
		t.Fatalf("source=%q, want session context (departure_city)", got)
	}
	if len(result.Applied) != 1 || result.Applied[0] != ruleA.ID {
		t.Fatalf("applied=%v, want [%s]", result.Applied, ruleA.ID)
	}
	if reason := skipReason(result, ruleB.ID); reason != "already has value" {
		t.Fatalf("rule B skip reason=%q, want already has value", reason)
	}
}

func TestInheritKeepsExistingValues(t *testing.T) {
	e := newEngine(t)
	mustAdd(t, e, domain.InheritanceRule{
		TargetSlot: "departure_city",
		Source:     domain.SourceSession,
		Strategy:   domain.StrategySupplement,
	})

	bundle := domain.NewSourceBundle(time.Now())
	bundle.Put(domain.SourceSession, "departure_city", "杭州", time.Now())

	current := map[string]any{"passenger_count": 2}
	result := e.Inherit(context.Background(), Request{
		UserID:        "u1",
		IntentID:      "book_flight",
		RequiredSlots: []string{"departure_city", "passenger_count"},
		Current:       current,
		Bundle:        bundle,
	})

	if result.Values["passenger_count"] != 2 {
		t.Fatalf("passenger_count=%v, want 2 preserved", result.Values["passenger_count"])
	}
	if result.Values["departure_city"] != "杭州" {
		t.Fatalf("departure_city=%v, want 杭州", result.Values["departure_city"])
	}
	if len(current) != 1 {
		t.Fatalf("caller map mutated: %v", current)
	}
}

func TestInheritIdempotent(t *testing.T) {
	e := newEngine(t)
	mustAdd(t, e, domain.InheritanceRule{
		TargetSlot: "departure_city",
		Source:     domain.SourceSession,
		Strategy:   domain.StrategySupplement,
	})

	bundle := domain.NewSourceBundle(time.Now())
	bundle.Put(domain.SourceSession, "departure_city", "成都", time.Now())

	req := Request{
		UserID:        "u1",
		IntentID:      "book_flight",
		RequiredSlots: []string{"departure_city"},
		Current:       map[string]any{},
		Bundle:        bundle,
	}
	first := e.Inherit(context.Background(), req)

	req.Current = first.Values
	second := e.Inherit(context.Background(), req)
	if !reflect.DeepEqual(first.Values, second.Values) {
		t.Fatalf("second pass changed values: %v vs %v", first.Values, second.Values)
	}
	if len(second.Applied) != 0 {
		t.Fatalf("second pass applied rules: %v", second.Applied)
	}
}

func TestOverrideReplacesValue(t *testing.T) {
	e := newEngine(t)
	mustAdd(t, e, domain.InheritanceRule{
		TargetSlot: "language",
		Source:     domain.SourceProfile,
		Strategy:   domain.StrategyOverride,
	})

	bundle := domain.NewSourceBundle(time.Now())
	bundle.Put(domain.SourceProfile, "language", "zh-CN", time.Now())

	result := e.Inherit(context.Background(), Request{
		UserID:        "u1",
		IntentID:      "set_reminder",
		RequiredSlots: []string{"language"},
		Current:       map[string]any{"language": "en-US"},
		Bundle:        bundle,
	})
	if result.Values["language"] != "zh-CN" {
		t.Fatalf("language=%v, want zh-CN", result.Values["language"])
	}
}

func TestMergeUnionsSlicesAndMaps(t *testing.T) {
	e := newEngine(t)
	mustAdd(t, e, domain.InheritanceRule{
		TargetSlot: "passengers",
		Source:     domain.SourceSession,
		Strategy:   domain.StrategyMerge,
		Priority:   2,
	})
	mustAdd(t, e, domain.InheritanceRule{
		TargetSlot: "preferences",
		Source:     domain.SourceProfile,
		Strategy:   domain.StrategyMerge,
		Priority:   1,
	})

	bundle := domain.NewSourceBundle(time.Now())
	bundle.Put(domain.SourceSession, "passengers", []any{"bob", "carol"}, time.Now())
	bundle.Put(domain.SourceProfile, "preferences", map[string]any{"seat": "window"}, time.Now())

	result := e.Inherit(context.Background(), Request{
		UserID:        "u1",
		IntentID:      "book_flight",
		RequiredSlots: []string{"passengers", "preferences"},
		Current: map[string]any{
			"passengers":  []string{"alice", "bob"},
			"preferences": map[string]any{"meal": "vegetarian", "seat": "aisle"},
		},
		Bundle: bundle,
	})

	wantPassengers := []any{"alice", "bob", "carol"}
	if !reflect.DeepEqual(result.Values["passengers"], wantPassengers) {
		t.Fatalf("passengers=%v, want %v", result.Values["passengers"], wantPassengers)
	}
	wantPrefs := map[string]any{"meal": "vegetarian", "seat": "window"}
	if !reflect.DeepEqual(result.Values["preferences"], wantPrefs) {
		t.Fatalf("preferences=%v, want %v", result.Values["preferences"], wantPrefs)
	}
}

func TestInheritSkipsStaleSource(t *testing.T) {
	e := newEngine(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return base })

	rule := mustAdd(t, e, domain.InheritanceRule{
		TargetSlot: "departure_city",
		Source:     domain.SourceSession,
		Strategy:   domain.StrategySupplement,
		TTLSeconds: 60,
	})

	bundle := domain.NewSourceBundle(base)
	bundle.Put(domain.SourceSession, "departure_city", "北京", base.Add(-2*time.Minute))

	result := e.Inherit(context.Background(), Request{
		UserID:        "u1",
		IntentID:      "book_flight",
		RequiredSlots: []string{"departure_city"},
		Bundle:        bundle,
	})
	if _, ok := result.Values["departure_city"]; ok {
		t.Fatalf("stale value inherited: %v", result.Values)
	}
	if reason := skipReason(result, rule.ID); reason != "ttl expired" {
		t.Fatalf("skip reason=%q, want ttl expired", reason)
	}
}

func TestInheritConditions(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name      string
		condition *domain.InheritCondition
		current   map[string]any
		applies   bool
	}{
		{"always", &domain.InheritCondition{Kind: domain.CondAlways}, nil, true},
		{"slot empty holds", &domain.InheritCondition{Kind: domain.CondSlotEmpty, Slot: "return_city"}, nil, true},
		{"slot empty fails", &domain.InheritCondition{Kind: domain.CondSlotEmpty, Slot: "return_city"}, map[string]any{"return_city": "广州"}, false},
		{"slot equals holds", &domain.InheritCondition{Kind: domain.CondSlotEquals, Slot: "trip_type", Value: "round_trip"}, map[string]any{"trip_type": "round_trip"}, true},
		{"slot equals fails", &domain.InheritCondition{Kind: domain.CondSlotEquals, Slot: "trip_type", Value: "round_trip"}, map[string]any{"trip_type": "one_way"}, false},
		{"user attribute holds", &domain.InheritCondition{Kind: domain.CondUserAttribute, Attribute: "tier", Value: "gold"}, nil, true},
		{"user attribute fails", &domain.InheritCondition{Kind: domain.CondUserAttribute, Attribute: "tier", Value: "platinum"}, nil, false},
		{"time window holds", &domain.InheritCondition{Kind: domain.CondTimeWindow, MaxAgeSeconds: 600}, nil, true},
		{"time window fails", &domain.InheritCondition{Kind: domain.CondTimeWindow, MaxAgeSeconds: 30}, nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEngine(t)
			e.SetClock(func() time.Time { return base })
			rule := mustAdd(t, e, domain.InheritanceRule{
				TargetSlot: "departure_city",
				Source:     domain.SourceSession,
				Strategy:   domain.StrategyConditional,
				Condition:  tc.condition,
			})

			bundle := domain.NewSourceBundle(base)
			bundle.Put(domain.SourceSession, "departure_city", "北京", base.Add(-time.Minute))
			bundle.Attributes["tier"] = "gold"

			result := e.Inherit(context.Background(), Request{
				UserID:        "u1",
				IntentID:      "book_flight",
				RequiredSlots: []string{"departure_city"},
				Current:       tc.current,
				Bundle:        bundle,
			})

			_, got := result.Values["departure_city"]
			if got != tc.applies {
				t.Fatalf("applied=%v, want %v (skips=%v)", got, tc.applies, result.Skipped)
			}
			if !tc.applies {
				if reason := skipReason(result, rule.ID); reason != "condition false" {
					t.Fatalf("skip reason=%q, want condition false", reason)
				}
			}
		})
	}
}

func TestInheritAppliesTransform(t *testing.T) {
	e := newEngine(t)
	mustAdd(t, e, domain.InheritanceRule{
		TargetSlot: "contact_phone",
		Source:     domain.SourceProfile,
		Strategy:   domain.StrategySupplement,
		Transform:  "normalize_phone",
	})

	bundle := domain.NewSourceBundle(time.Now())
	bundle.Put(domain.SourceProfile, "contact_phone", "138 0013 8000", time.Now())

	result := e.Inherit(context.Background(), Request{
		UserID:        "u1",
		IntentID:      "book_flight",
		RequiredSlots: []string{"contact_phone"},
		Bundle:        bundle,
	})
	if result.Values["contact_phone"] != "+8613800138000" {
		t.Fatalf("contact_phone=%v, want +8613800138000", result.Values["contact_phone"])
	}
}

func TestInheritSkipsFailedTransform(t *testing.T) {
	e := newEngine(t)
	rule := mustAdd(t, e, domain.InheritanceRule{
		TargetSlot: "travel_date",
		Source:     domain.SourceContext,
		Strategy:   domain.StrategySupplement,
		Transform:  "normalize_date",
	})

	bundle := domain.NewSourceBundle(time.Now())
	bundle.Put(domain.SourceContext, "travel_date", "sometime soonish", time.Now())

	result := e.Inherit(context.Background(), Request{
		UserID:        "u1",
		IntentID:      "book_flight",
		RequiredSlots: []string{"travel_date"},
		Bundle:        bundle,
	})
	if _, ok := result.Values["travel_date"]; ok {
		t.Fatalf("unparseable date inherited: %v", result.Values)
	}
	if reason := skipReason(result, rule.ID); !strings.HasPrefix(reason, "transform failed") {
		t.Fatalf("skip reason=%q, want transform failed prefix", reason)
	}
}

func TestInheritSourceUnavailable(t *testing.T) {
	e := newEngine(t)
	rule := mustAdd(t, e, domain.InheritanceRule{
		TargetSlot: "departure_city",
		Source:     domain.SourceProfile,
		Strategy:   domain.StrategySupplement,
	})

	bundle := domain.NewSourceBundle(time.Now())
	bundle.MarkUnavailable(domain.SourceProfile, "profile service timeout")

	result := e.Inherit(context.Background(), Request{
		UserID:        "u1",
		IntentID:      "book_flight",
		RequiredSlots: []string{"departure_city"},
		Bundle:        bundle,
	})
	if reason := skipReason(result, rule.ID); reason != "source unavailable" {
		t.Fatalf("skip reason=%q, want source unavailable", reason)
	}
}

func TestInheritSourceEmpty(t *testing.T) {
	e := newEngine(t)
	rule := mustAdd(t, e, domain.InheritanceRule{
		TargetSlot: "departure_city",
		Source:     domain.SourceSession,
		Strategy:   domain.StrategySupplement,
	})

	result := e.Inherit(context.Background(), Request{
		UserID:        "u1",
		IntentID:      "book_flight",
		RequiredSlots: []string{"departure_city"},
		Bundle:        domain.NewSourceBundle(time.Now()),
	})
	if reason := skipReason(result, rule.ID); reason != "source empty" {
		t.Fatalf("skip reason=%q, want source empty", reason)
	}
}

func TestInheritIgnoresUnrequestedSlots(t *testing.T) {
	e := newEngine(t)
	mustAdd(t, e, domain.InheritanceRule{
		TargetSlot: "arrival_city",
		Source:     domain.SourceSession,
		Strategy:   domain.StrategySupplement,
	})

	bundle := domain.NewSourceBundle(time.Now())
	bundle.Put(domain.SourceSession, "arrival_city", "深圳", time.Now())

	result := e.Inherit(context.Background(), Request{
		UserID:        "u1",
		IntentID:      "check_weather",
		RequiredSlots: []string{"city"},
		Bundle:        bundle,
	})
	if _, ok := result.Values["arrival_city"]; ok {
		t.Fatalf("unrequested slot filled: %v", result.Values)
	}
	if len(result.Skipped) != 0 {
		t.Fatalf("unrequested rule recorded a skip: %v", result.Skipped)
	}
}

func TestInheritSurvivesBrokenRules(t *testing.T) {
	e := newEngine(t)
	good := mustAdd(t, e, domain.InheritanceRule{
		TargetSlot: "departure_city",
		Source:     domain.SourceSession,
		Strategy:   domain.StrategySupplement,
		Priority:   1,
	})
	// Hand-built rules sidestep AddRule validation the way a stale
	// rule pack would.
	e.rules = append([]domain.InheritanceRule{
		{ID: "ir_badstrategy", TargetSlot: "departure_city", SourceSlot: "departure_city", Source: domain.SourceSession, Strategy: "fuse", Priority: 9},
		{ID: "ir_badcondition", TargetSlot: "departure_city", SourceSlot: "departure_city", Source: domain.SourceSession, Strategy: domain.StrategySupplement, Priority: 8, Condition: &domain.InheritCondition{Kind: "lunar_phase"}},
	}, e.rules...)

	bundle := domain.NewSourceBundle(time.Now())
	bundle.Put(domain.SourceSession, "departure_city", "武汉", time.Now())

	result := e.Inherit(context.Background(), Request{
		UserID:        "u1",
		IntentID:      "book_flight",
		RequiredSlots: []string{"departure_city"},
		Bundle:        bundle,
	})
	if result.Values["departure_city"] != "武汉" {
		t.Fatalf("departure_city=%v, want 武汉 from the surviving rule", result.Values["departure_city"])
	}
	if len(result.Applied) != 1 || result.Applied[0] != good.ID {
		t.Fatalf("applied=%v, want [%s]", result.Applied, good.ID)
	}
	if reason := skipReason(result, "ir_badstrategy"); !strings.HasPrefix(reason, "unknown strategy") {
		t.Fatalf("bad strategy reason=%q", reason)
	}
	if reason := skipReason(result, "ir_badcondition"); !strings.HasPrefix(reason, "condition error") {
		t.Fatalf("bad condition reason=%q", reason)
	}
}

func TestInheritUsesCache(t *testing.T) {
	store := kvstore.NewMemory()
	cache := NewCache(store, time.Minute, discardLogger())
	e := New(NewTransforms(), cache, discardLogger())
	mustAdd(t, e, domain.InheritanceRule{
		TargetSlot: "departure_city",
		Source:     domain.SourceSession,
		Strategy:   domain.StrategySupplement,
	})

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	bundle := domain.NewSourceBundle(ts)
	bundle.Put(domain.SourceSession, "departure_city", "北京", ts)

	req := Request{
		UserID:        "u1",
		IntentID:      "book_flight",
		RequiredSlots: []string{"departure_city"},
		Bundle:        bundle,
	}

	first := e.Inherit(context.Background(), req)
	if first.CacheHit {
		t.Fatal("first pass reported a cache hit")
	}
	second := e.Inherit(context.Background(), req)
	if !second.CacheHit {
		t.Fatal("second pass missed the cache")
	}
	if !reflect.DeepEqual(first.Values, second.Values) {
		t.Fatalf("cached values diverge: %v vs %v", first.Values, second.Values)
	}

	third := e.Inherit(context.Background(), Request{
		UserID:        req.UserID,
		IntentID:      req.IntentID,
		RequiredSlots: req.RequiredSlots,
		Bundle:        bundle,
		BypassCache:   true,
	})
	if third.CacheHit {
		t.Fatal("bypass pass reported a cache hit")
	}
}

func TestAddRuleValidation(t *testing.T) {
	e := newEngine(t)

	if _, err := e.AddRule(domain.InheritanceRule{Source: domain.SourceSession, Strategy: domain.StrategySupplement}); err == nil {
		t.Fatal("empty target slot accepted")
	}
	if _, err := e.AddRule(domain.InheritanceRule{TargetSlot: "x", Source: "psychic", Strategy: domain.StrategySupplement}); err == nil {
		t.Fatal("unknown source accepted")
	}
	if _, err := e.AddRule(domain.InheritanceRule{TargetSlot: "x", Source: domain.SourceSession, Strategy: "fuse"}); err == nil {
		t.Fatal("unknown strategy accepted")
	}

	added := mustAdd(t, e, domain.InheritanceRule{TargetSlot: "departure_city", Source: domain.SourceSession, Strategy: domain.StrategySupplement})
	if added.SourceSlot != "departure_city" {
		t.Fatalf("source slot=%q, want defaulted to target", added.SourceSlot)
	}
	if !strings.HasPrefix(added.ID, "ir_") {
		t.Fatalf("id=%q, want ir_ prefix", added.ID)
	}
}

func TestRemoveRule(t *testing.T) {
	e := newEngine(t)
	added := mustAdd(t, e, domain.InheritanceRule{TargetSlot: "x", Source: domain.SourceSession, Strategy: domain.StrategySupplement})
	if !e.RemoveRule(added.ID) {
		t.Fatal("existing rule not removed")
	}
	if e.RemoveRule(added.ID) {
		t.Fatal("second removal succeeded")
	}
	if len(e.Rules()) != 0 {
		t.Fatalf("rules left: %v", e.Rules())
	}
}
