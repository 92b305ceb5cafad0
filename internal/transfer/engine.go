package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dialog/internal/classify"
	"dialog/internal/domain"
)

// Context keys the special cases read. The turn service maintains them on
// the conversation context it passes in.
const (
	CtxLastActiveAt = "last_active_at"
	CtxErrorCount   = "error_count"
	CtxSlotProgress = "slot_progress"
)

type Config struct {
	// SessionTimeout is the inactivity window after which the turn is
	// routed to the timeout flow regardless of input.
	SessionTimeout time.Duration
	// ErrorThreshold is the consecutive-error count that forces the
	// error recovery flow.
	ErrorThreshold int
}

func DefaultConfig() Config {
	return Config{
		SessionTimeout: 30 * time.Minute,
		ErrorThreshold: 3,
	}
}

// StackPeeker resolves the "previous" sentinel to the intent one level
// below the session's top frame.
type StackPeeker interface {
	PreviousIntent(ctx context.Context, sessionID string) (string, bool)
}

// Engine decides whether and how the active intent switches this turn.
// Special cases outrank the rule table; the rule table outranks nothing:
// no match is a valid negative decision, not an error.
type Engine struct {
	cfg        Config
	classifier classify.Classifier
	peeker     StackPeeker
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.RWMutex
	rules map[string][]domain.TransferRule
}

func New(cfg Config, classifier classify.Classifier, peeker StackPeeker, logger *slog.Logger) *Engine {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultConfig().SessionTimeout
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = DefaultConfig().ErrorThreshold
	}
	return &Engine{
		cfg:        cfg,
		classifier: classifier,
		peeker:     peeker,
		logger:     logger,
		now:        time.Now,
		rules:      make(map[string][]domain.TransferRule),
	}
}

// SetClock replaces the time source. Test hook.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

func (e *Engine) Evaluate(ctx context.Context, sessionID, userID, currentIntent, input string, convCtx map[string]any) domain.TransferDecision {
	if decision, ok := e.specialCase(ctx, sessionID, input, convCtx); ok {
		e.logger.Info("transfer decided by special case",
			"session_id", sessionID,
			"current_intent", currentIntent,
			"target", decision.TargetIntent,
			"trigger", decision.Trigger,
		)
		return decision
	}

	if e.classifier == nil {
		return noTransfer("classifier unavailable", 0)
	}
	res, err := e.classifier.Classify(ctx, input, convCtx)
	if err != nil {
		e.logger.Warn("classifier unavailable, no transfer",
			"session_id", sessionID,
			"error", err,
		)
		return noTransfer("classifier unavailable", 0)
	}
	if res.Intent == "" || res.Intent == currentIntent {
		return noTransfer("already in intent", res.Confidence)
	}

	for _, rule := range e.candidates(currentIntent) {
		if !rule.Enabled {
			continue
		}
		if rule.To != domain.IntentAny && rule.To != domain.TargetPrevious && rule.To != res.Intent {
			continue
		}

		ok, err := e.conditionsHold(rule, res, input, convCtx)
		if err != nil {
			// One broken rule must not abort the walk.
			e.logger.Warn("transfer condition error, rule skipped",
				"rule_id", rule.ID,
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}

		rawTarget := rule.To
		if rawTarget == domain.IntentAny {
			rawTarget = res.Intent
		}
		decision := domain.TransferDecision{
			ShouldTransfer: true,
			TargetIntent:   e.resolveTarget(ctx, sessionID, rawTarget),
			Trigger:        rule.Trigger,
			Confidence:     res.Confidence,
			RuleID:         rule.ID,
			Reason:         fmt.Sprintf("rule %s: %s -> %s", rule.ID, currentIntent, rawTarget),
			TransferType:   deriveTransferType(rule.Trigger, rawTarget),
		}
		e.logger.Info("transfer decided by rule",
			"session_id", sessionID,
			"rule_id", rule.ID,
			"current_intent", currentIntent,
			"target", decision.TargetIntent,
			"transfer_type", decision.TransferType,
		)
		return decision
	}

	return noTransfer("no transfer rule matched", res.Confidence)
}

func (e *Engine) specialCase(ctx context.Context, sessionID, input string, convCtx map[string]any) (domain.TransferDecision, bool) {
	if lastActive, ok := lastActiveFrom(convCtx); ok {
		if e.now().Sub(lastActive) > e.cfg.SessionTimeout {
			return domain.TransferDecision{
				ShouldTransfer: true,
				TargetIntent:   domain.IntentTimeout,
				Trigger:        domain.TriggerTimeout,
				Confidence:     1.0,
				Reason:         "session inactive beyond timeout window",
				TransferType:   deriveTransferType(domain.TriggerTimeout, domain.IntentTimeout),
			}, true
		}
	}

	if errorCountFrom(convCtx) >= e.cfg.ErrorThreshold {
		return domain.TransferDecision{
			ShouldTransfer: true,
			TargetIntent:   domain.IntentErrorRecovery,
			Trigger:        domain.TriggerErrorRecovery,
			Confidence:     1.0,
			Reason:         "consecutive errors reached threshold",
			TransferType:   deriveTransferType(domain.TriggerErrorRecovery, domain.IntentErrorRecovery),
		}, true
	}

	switch matchExit(input) {
	case exitBack:
		return domain.TransferDecision{
			ShouldTransfer: true,
			TargetIntent:   e.resolveTarget(ctx, sessionID, domain.TargetPrevious),
			Trigger:        domain.TriggerUserClarification,
			Confidence:     1.0,
			Reason:         "back phrase matched",
			TransferType:   deriveTransferType(domain.TriggerUserClarification, domain.TargetPrevious),
		}, true
	case exitEnd:
		return domain.TransferDecision{
			ShouldTransfer: true,
			TargetIntent:   domain.IntentSessionEnd,
			Trigger:        domain.TriggerUserClarification,
			Confidence:     1.0,
			Reason:         "exit phrase matched",
			TransferType:   deriveTransferType(domain.TriggerUserClarification, domain.IntentSessionEnd),
		}, true
	}

	return domain.TransferDecision{}, false
}

func (e *Engine) conditionsHold(rule domain.TransferRule, res classify.Result, input string, convCtx map[string]any) (bool, error) {
	for _, cond := range rule.Conditions {
		switch cond {
		case domain.ConditionConfidence:
			if res.Confidence < rule.Threshold {
				return false, nil
			}
		case domain.ConditionPattern:
			if !anyPatternMatches(rule.Patterns, input) {
				return false, nil
			}
		case domain.ConditionContext:
			for key, want := range rule.Context {
				got, ok := convCtx[key]
				if !ok || fmt.Sprint(got) != want {
					return false, nil
				}
			}
		case domain.ConditionSlotCompletion:
			progress, ok := floatFrom(convCtx[CtxSlotProgress])
			if !ok || progress < rule.Threshold {
				return false, nil
			}
		case domain.ConditionSemantic:
			// The similarity service is out of scope at this layer; the
			// classifier's confidence stands in for it.
			if res.Confidence < rule.Threshold {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unknown condition kind %q", cond)
		}
	}
	return true, nil
}

func (e *Engine) candidates(currentIntent string) []domain.TransferRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.TransferRule, 0, len(e.rules[currentIntent])+len(e.rules[domain.IntentAny]))
	out = append(out, e.rules[currentIntent]...)
	if currentIntent != domain.IntentAny {
		out = append(out, e.rules[domain.IntentAny]...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func (e *Engine) resolveTarget(ctx context.Context, sessionID, target string) string {
	if target != domain.TargetPrevious {
		return target
	}
	if e.peeker != nil {
		if intent, ok := e.peeker.PreviousIntent(ctx, sessionID); ok {
			return intent
		}
	}
	return domain.IntentUnknown
}

func (e *Engine) AddRule(rule domain.TransferRule) (domain.TransferRule, error) {
	rule.From = strings.TrimSpace(rule.From)
	rule.To = strings.TrimSpace(rule.To)
	if rule.From == "" || rule.To == "" {
		return domain.TransferRule{}, fmt.Errorf("transfer rule needs both from and to")
	}
	if !rule.Trigger.Valid() {
		return domain.TransferRule{}, fmt.Errorf("unknown trigger kind %q", rule.Trigger)
	}
	if rule.ID == "" {
		rule.ID = "tr_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	bucket := append(e.rules[rule.From], rule)
	sort.SliceStable(bucket, func(i, j int) bool { return bucket[i].Priority < bucket[j].Priority })
	e.rules[rule.From] = bucket
	return rule, nil
}

func (e *Engine) RemoveRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for from, bucket := range e.rules {
		for i, rule := range bucket {
			if rule.ID == id {
				e.rules[from] = append(bucket[:i:i], bucket[i+1:]...)
				return true
			}
		}
	}
	return false
}

func (e *Engine) Rules() []domain.TransferRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []domain.TransferRule
	for _, bucket := range e.rules {
		out = append(out, bucket...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].Priority < out[j].Priority
	})
	return out
}

func deriveTransferType(trigger domain.TriggerKind, target string) domain.TransferType {
	switch trigger {
	case domain.TriggerExplicitChange:
		return domain.TransferPopThenPush
	case domain.TriggerInterruption, domain.TriggerSystemSuggestion, domain.TriggerContextDriven:
		return domain.TransferPush
	case domain.TriggerUserClarification:
		if target == domain.TargetPrevious {
			return domain.TransferPop
		}
		return domain.TransferPopThenPush
	case domain.TriggerTimeout:
		return domain.TransferPopThenPush
	case domain.TriggerErrorRecovery:
		return domain.TransferPush
	default:
		return domain.TransferNone
	}
}

func noTransfer(reason string, confidence float64) domain.TransferDecision {
	return domain.TransferDecision{
		ShouldTransfer: false,
		Confidence:     confidence,
		Reason:         reason,
		TransferType:   domain.TransferNone,
	}
}

func anyPatternMatches(patterns []string, input string) bool {
	lowered := strings.ToLower(input)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func lastActiveFrom(convCtx map[string]any) (time.Time, bool) {
	switch v := convCtx[CtxLastActiveAt].(type) {
	case time.Time:
		return v, true
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func errorCountFrom(convCtx map[string]any) int {
	switch v := convCtx[CtxErrorCount].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return 0
}

func floatFrom(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
