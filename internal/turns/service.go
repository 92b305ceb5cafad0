package turns

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dialog/internal/domain"
	"dialog/internal/inherit"
	"dialog/internal/sources"
	"dialog/internal/stack"
	"dialog/internal/transfer"
)

// errorFlagKey marks a turn whose downstream handling failed; callers set
// it in TurnRequest.Context so consecutive failures can route into the
// error recovery flow.
const errorFlagKey = "error"

type Publisher interface {
	PublishTurn(evt domain.TurnEvent)
	PublishFrame(evt domain.FrameEvent)
}

// Service runs the per-turn control flow: sweep expired frames, evaluate
// transfer, mutate the stack, fill missing slots from prior context, then
// publish what happened.
type Service struct {
	stack     *stack.Manager
	transfers *transfer.Engine
	inherits  *inherit.Engine
	collector *sources.Collector
	history   *sources.History
	deps      *sources.Dependency
	events    Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func New(stackMgr *stack.Manager, transfers *transfer.Engine, inherits *inherit.Engine, collector *sources.Collector, history *sources.History, deps *sources.Dependency, events Publisher, logger *slog.Logger) *Service {
	return &Service{
		stack:     stackMgr,
		transfers: transfers,
		inherits:  inherits,
		collector: collector,
		history:   history,
		deps:      deps,
		events:    events,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) ProcessTurn(ctx context.Context, req domain.TurnRequest) (domain.TurnResult, error) {
	start := time.Now()
	if strings.TrimSpace(req.SessionID) == "" {
		return domain.TurnResult{}, fmt.Errorf("turn needs a session id")
	}

	if _, err := s.stack.SweepExpired(ctx, req.SessionID, s.now()); err != nil {
		s.logger.Warn("pre-turn sweep failed", "session_id", req.SessionID, "error", err)
	}

	active, err := s.stack.Active(ctx, req.SessionID)
	if err != nil {
		return domain.TurnResult{}, fmt.Errorf("read stack for session %s: %w", req.SessionID, err)
	}

	currentIntent := ""
	if active != nil {
		currentIntent = active.Intent
	}
	convCtx, errorCount := s.turnContext(active, req)

	decision := s.transfers.Evaluate(ctx, req.SessionID, req.UserID, currentIntent, req.Text, convCtx)
	if decision.ShouldTransfer {
		errorCount = 0
		if err := s.applyDecision(ctx, req, currentIntent, decision); err != nil {
			return domain.TurnResult{}, err
		}
	}

	active, err = s.stack.Active(ctx, req.SessionID)
	if err != nil {
		return domain.TurnResult{}, fmt.Errorf("read stack for session %s: %w", req.SessionID, err)
	}

	var inherited *domain.InheritanceResult
	if active != nil && len(active.MissingSlots) > 0 {
		active, inherited = s.fillSlots(ctx, req, active)
	}
	if active != nil {
		active = s.touch(ctx, req.SessionID, active, errorCount)
	}

	frames, err := s.stack.Frames(ctx, req.SessionID)
	if err != nil {
		return domain.TurnResult{}, fmt.Errorf("read stack for session %s: %w", req.SessionID, err)
	}

	result := domain.TurnResult{
		SessionID:   req.SessionID,
		Decision:    decision,
		ActiveFrame: active,
		Inherited:   inherited,
		Depth:       len(frames),
	}

	intent := ""
	if active != nil {
		intent = active.Intent
	}
	if s.events != nil {
		s.events.PublishTurn(domain.TurnEvent{
			SessionID:    req.SessionID,
			UserID:       req.UserID,
			Intent:       intent,
			Transferred:  decision.ShouldTransfer,
			TransferType: decision.TransferType,
			Depth:        result.Depth,
			At:           s.now(),
		})
	}
	s.logger.Info("turn handled",
		"session_id", req.SessionID,
		"user_id", req.UserID,
		"intent", intent,
		"transferred", decision.ShouldTransfer,
		"transfer_type", string(decision.TransferType),
		"depth", result.Depth,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// turnContext merges the active frame's saved context with the caller's
// per-turn context, then lays the bookkeeping keys the transfer special
// cases read on top.
func (s *Service) turnContext(active *domain.IntentFrame, req domain.TurnRequest) (map[string]any, int) {
	convCtx := make(map[string]any)
	if active != nil {
		for k, v := range active.Context {
			convCtx[k] = v
		}
	}
	for k, v := range req.Context {
		convCtx[k] = v
	}

	errorCount := intFrom(convCtx[transfer.CtxErrorCount])
	if flagged(req.Context[errorFlagKey]) {
		errorCount++
	}
	convCtx[transfer.CtxErrorCount] = errorCount
	if active != nil {
		convCtx[transfer.CtxSlotProgress] = active.Progress
	}
	return convCtx, errorCount
}

func (s *Service) applyDecision(ctx context.Context, req domain.TurnRequest, currentIntent string, decision domain.TransferDecision) error {
	switch decision.TransferType {
	case domain.TransferPop:
		return s.pop(ctx, req, decision.Reason)
	case domain.TransferPush:
		if decision.TargetIntent == currentIntent {
			return nil
		}
		return s.push(ctx, req, decision)
	case domain.TransferPopThenPush:
		if err := s.pop(ctx, req, decision.Reason); err != nil {
			return err
		}
		return s.push(ctx, req, decision)
	}
	return nil
}

func (s *Service) pop(ctx context.Context, req domain.TurnRequest, reason string) error {
	popped, err := s.stack.Pop(ctx, req.SessionID, reason)
	if err != nil {
		return fmt.Errorf("pop for session %s: %w", req.SessionID, err)
	}
	if popped.Frame == nil {
		return nil
	}

	now := s.now()
	if s.history != nil && req.UserID != "" {
		if err := s.history.Record(ctx, req.UserID, popped.Frame.Slots, now); err != nil {
			s.logger.Warn("history record failed", "user_id", req.UserID, "error", err)
		}
	}
	if s.deps != nil {
		if err := s.deps.Record(ctx, req.SessionID, popped.Frame.Slots, now); err != nil {
			s.logger.Warn("dependency record failed", "session_id", req.SessionID, "error", err)
		}
	}
	if s.events != nil {
		s.events.PublishFrame(domain.FrameEvent{
			SessionID: req.SessionID,
			FrameID:   popped.Frame.ID,
			Intent:    popped.Frame.Intent,
			Action:    "pop",
			Status:    popped.Frame.Status,
			Depth:     popped.Depth,
			At:        now,
		})
	}
	return nil
}

func (s *Service) push(ctx context.Context, req domain.TurnRequest, decision domain.TransferDecision) error {
	pushed, err := s.stack.Push(ctx, req.SessionID, req.UserID, decision.TargetIntent, nil, interruptionKind(decision.Trigger), decision.Reason)
	if err != nil {
		return fmt.Errorf("push %s for session %s: %w", decision.TargetIntent, req.SessionID, err)
	}
	if s.events != nil {
		s.events.PublishFrame(domain.FrameEvent{
			SessionID: req.SessionID,
			FrameID:   pushed.Frame.ID,
			Intent:    pushed.Frame.Intent,
			Action:    "push",
			Status:    pushed.Frame.Status,
			Depth:     pushed.Depth,
			At:        s.now(),
		})
	}
	return nil
}

func (s *Service) fillSlots(ctx context.Context, req domain.TurnRequest, active *domain.IntentFrame) (*domain.IntentFrame, *domain.InheritanceResult) {
	bundle := s.collector.Collect(ctx, sources.Query{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		IntentID:  active.Intent,
	})
	result := s.inherits.Inherit(ctx, inherit.Request{
		UserID:        req.UserID,
		IntentID:      active.Intent,
		RequiredSlots: active.MissingSlots,
		Current:       active.Slots,
		Bundle:        bundle,
	})

	patch := make(map[string]any, len(result.Sources))
	for slot := range result.Sources {
		patch[slot] = result.Values[slot]
	}
	if len(patch) == 0 {
		return active, &result
	}

	updated, err := s.stack.UpdateSlots(ctx, req.SessionID, active.ID, patch, nil)
	if err != nil {
		s.logger.Warn("slot update failed, inherited values not persisted",
			"session_id", req.SessionID,
			"frame_id", active.ID,
			"error", err,
		)
		return active, &result
	}
	return updated, &result
}

// touch refreshes the bookkeeping keys on the frame that ends the turn
// active. The next turn's special cases read them.
func (s *Service) touch(ctx context.Context, sessionID string, active *domain.IntentFrame, errorCount int) *domain.IntentFrame {
	updated, err := s.stack.UpdateContext(ctx, sessionID, active.ID, map[string]any{
		transfer.CtxLastActiveAt: s.now().Format(time.RFC3339),
		transfer.CtxErrorCount:   errorCount,
		transfer.CtxSlotProgress: active.Progress,
	})
	if err != nil {
		s.logger.Warn("context update failed", "session_id", sessionID, "frame_id", active.ID, "error", err)
		return active
	}
	return updated
}

func interruptionKind(trigger domain.TriggerKind) domain.InterruptionKind {
	switch trigger {
	case domain.TriggerTimeout:
		return domain.InterruptTimeout
	case domain.TriggerErrorRecovery:
		return domain.InterruptError
	case domain.TriggerSystemSuggestion, domain.TriggerContextDriven:
		return domain.InterruptSystem
	default:
		return domain.InterruptUser
	}
}

func flagged(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	}
	return false
}

func intFrom(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}
