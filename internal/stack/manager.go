package stack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dialog/internal/domain"
	"dialog/internal/kvstore"
)

var (
	ErrStackOverflow = errors.New("intent stack depth limit reached")
	ErrFrameNotFound = errors.New("frame not found in session stack")
)

type Config struct {
	// MaxDepth bounds how many goals a session can have suspended at once.
	MaxDepth int
	// FrameTTL is the sliding idle window per frame; any update renews it.
	FrameTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxDepth: 5,
		FrameTTL: 30 * time.Minute,
	}
}

// SlotCatalog supplies the slot requirements captured on a frame at push
// time. Unknown intents yield nil and the frame tracks no required slots.
type SlotCatalog interface {
	RequiredSlots(intent string) []string
}

// Manager owns every session's intent stack. Mutations serialize per
// session and write through to the store before the in-memory stack is
// swapped, so a failed write leaves the previous state intact.
type Manager struct {
	cfg    Config
	store  kvstore.Store
	slots  SlotCatalog
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu     sync.Mutex
	frames []*domain.IntentFrame
	loaded bool
}

func New(cfg Config, store kvstore.Store, slots SlotCatalog, logger *slog.Logger) *Manager {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultConfig().MaxDepth
	}
	if cfg.FrameTTL <= 0 {
		cfg.FrameTTL = DefaultConfig().FrameTTL
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		slots:    slots,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// SetClock replaces the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

func (m *Manager) Push(ctx context.Context, sessionID, userID, intent string, frameCtx map[string]any, kind domain.InterruptionKind, reason string) (domain.PushResult, error) {
	s, unlock, err := m.locked(ctx, sessionID)
	if err != nil {
		return domain.PushResult{}, err
	}
	defer unlock()

	if len(s.frames) >= m.cfg.MaxDepth {
		m.logger.Warn("push rejected",
			"session_id", sessionID,
			"intent", intent,
			"depth", len(s.frames),
			"max_depth", m.cfg.MaxDepth,
		)
		return domain.PushResult{}, fmt.Errorf("session %s at depth %d: %w", sessionID, len(s.frames), ErrStackOverflow)
	}

	now := m.now()
	next := cloneFrames(s.frames)

	var parentID string
	if n := len(next); n > 0 {
		top := next[n-1]
		parentID = top.ID
		if top.Status == domain.FrameActive {
			if kind == "" {
				kind = domain.InterruptUser
			}
			top.Status = domain.FrameInterrupted
			top.Interruption = &domain.Interruption{Kind: kind, Reason: reason, At: now}
			top.UpdatedAt = now
		}
	}

	required := m.requiredSlots(intent)
	frame := &domain.IntentFrame{
		ID:            newFrameID(),
		Intent:        intent,
		SessionID:     sessionID,
		UserID:        userID,
		Status:        domain.FrameActive,
		Context:       domain.CloneMap(frameCtx),
		Slots:         make(map[string]any),
		RequiredSlots: required,
		MissingSlots:  append([]string(nil), required...),
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(m.cfg.FrameTTL),
		ParentID:      parentID,
		Depth:         len(next),
	}
	next = append(next, frame)

	if err := m.persist(ctx, sessionID, next); err != nil {
		return domain.PushResult{}, fmt.Errorf("persist stack for session %s: %w", sessionID, err)
	}
	s.frames = next

	m.logger.Info("intent pushed",
		"session_id", sessionID,
		"intent", intent,
		"frame_id", frame.ID,
		"depth", len(next),
	)
	return domain.PushResult{Frame: frame.Clone(), Depth: len(next)}, nil
}

func (m *Manager) Pop(ctx context.Context, sessionID, reason string) (domain.PopResult, error) {
	s, unlock, err := m.locked(ctx, sessionID)
	if err != nil {
		return domain.PopResult{}, err
	}
	defer unlock()

	if len(s.frames) == 0 {
		return domain.PopResult{Frame: nil, Depth: 0}, nil
	}

	now := m.now()
	next := cloneFrames(s.frames)
	top := next[len(next)-1]
	next = next[:len(next)-1]

	top.Status = domain.FrameCompleted
	top.UpdatedAt = now
	if reason != "" {
		if top.Context == nil {
			top.Context = make(map[string]any)
		}
		top.Context["completion_reason"] = reason
	}

	resumeTop(next, now, m.cfg.FrameTTL)

	if err := m.persist(ctx, sessionID, next); err != nil {
		return domain.PopResult{}, fmt.Errorf("persist stack for session %s: %w", sessionID, err)
	}
	s.frames = next

	m.logger.Info("intent popped",
		"session_id", sessionID,
		"intent", top.Intent,
		"frame_id", top.ID,
		"reason", reason,
		"depth", len(next),
	)
	return domain.PopResult{Frame: top, Depth: len(next)}, nil
}

func (m *Manager) Peek(ctx context.Context, sessionID string) (*domain.IntentFrame, error) {
	s, unlock, err := m.locked(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if len(s.frames) == 0 {
		return nil, nil
	}
	return s.frames[len(s.frames)-1].Clone(), nil
}

// Active scans from the top for the first ACTIVE frame; normally that is
// the top itself.
func (m *Manager) Active(ctx context.Context, sessionID string) (*domain.IntentFrame, error) {
	s, unlock, err := m.locked(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].Status == domain.FrameActive {
			return s.frames[i].Clone(), nil
		}
	}
	return nil, nil
}

func (m *Manager) UpdateContext(ctx context.Context, sessionID, frameID string, patch map[string]any) (*domain.IntentFrame, error) {
	return m.updateFrame(ctx, sessionID, frameID, func(f *domain.IntentFrame) {
		if f.Context == nil {
			f.Context = make(map[string]any)
		}
		for k, v := range patch {
			f.Context[k] = v
		}
	})
}

func (m *Manager) UpdateSlots(ctx context.Context, sessionID, frameID string, slotPatch map[string]any, missing []string) (*domain.IntentFrame, error) {
	return m.updateFrame(ctx, sessionID, frameID, func(f *domain.IntentFrame) {
		if f.Slots == nil {
			f.Slots = make(map[string]any)
		}
		for k, v := range slotPatch {
			f.Slots[k] = v
		}
		if missing != nil {
			f.MissingSlots = append([]string(nil), missing...)
		}
		kept := make([]string, 0, len(f.MissingSlots))
		for _, name := range f.MissingSlots {
			if !hasValue(f.Slots[name]) {
				kept = append(kept, name)
			}
		}
		f.MissingSlots = kept
		f.Progress = slotProgress(f.RequiredSlots, f.Slots)
	})
}

func (m *Manager) updateFrame(ctx context.Context, sessionID, frameID string, mutate func(*domain.IntentFrame)) (*domain.IntentFrame, error) {
	s, unlock, err := m.locked(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	idx := -1
	for i, f := range s.frames {
		if f.ID == frameID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("session %s frame %s: %w", sessionID, frameID, ErrFrameNotFound)
	}

	now := m.now()
	next := cloneFrames(s.frames)
	frame := next[idx]
	mutate(frame)
	frame.UpdatedAt = now
	frame.ExpiresAt = now.Add(m.cfg.FrameTTL)

	if err := m.persist(ctx, sessionID, next); err != nil {
		return nil, fmt.Errorf("persist stack for session %s: %w", sessionID, err)
	}
	s.frames = next
	return frame.Clone(), nil
}

// SweepExpired removes every frame whose expiry has passed. A resume is
// triggered only when the top frame itself was removed; interior frames
// drop out silently and the remaining frames are re-linked.
func (m *Manager) SweepExpired(ctx context.Context, sessionID string, now time.Time) ([]*domain.IntentFrame, error) {
	s, unlock, err := m.locked(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if now.IsZero() {
		now = m.now()
	}
	if len(s.frames) == 0 {
		return nil, nil
	}

	topID := s.frames[len(s.frames)-1].ID
	var expired []*domain.IntentFrame
	kept := make([]*domain.IntentFrame, 0, len(s.frames))
	for _, f := range cloneFrames(s.frames) {
		if now.After(f.ExpiresAt) {
			f.Status = domain.FrameExpired
			f.UpdatedAt = now
			expired = append(expired, f)
			continue
		}
		kept = append(kept, f)
	}
	if len(expired) == 0 {
		return nil, nil
	}

	relink(kept)
	topExpired := len(kept) == 0 || kept[len(kept)-1].ID != topID
	if topExpired {
		resumeTop(kept, now, m.cfg.FrameTTL)
	}

	if err := m.persist(ctx, sessionID, kept); err != nil {
		return nil, fmt.Errorf("persist stack for session %s: %w", sessionID, err)
	}
	s.frames = kept

	m.logger.Info("expired frames swept",
		"session_id", sessionID,
		"swept", len(expired),
		"depth", len(kept),
	)
	return expired, nil
}

func (m *Manager) Statistics(ctx context.Context, sessionID string) (domain.StackStatistics, error) {
	s, unlock, err := m.locked(ctx, sessionID)
	if err != nil {
		return domain.StackStatistics{}, err
	}
	defer unlock()

	stats := domain.StackStatistics{
		SessionID: sessionID,
		Depth:     len(s.frames),
		MaxDepth:  m.cfg.MaxDepth,
		ByStatus:  make(map[domain.FrameStatus]int),
	}
	var progressSum float64
	for _, f := range s.frames {
		stats.ByStatus[f.Status]++
		progressSum += f.Progress
	}
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].Status == domain.FrameActive {
			stats.ActiveIntent = s.frames[i].Intent
			break
		}
	}
	if len(s.frames) > 0 {
		stats.AvgProgress = round2(progressSum / float64(len(s.frames)))
	}
	stats.Utilization = round2(float64(len(s.frames)) / float64(m.cfg.MaxDepth))
	return stats, nil
}

// Frames returns a snapshot of the session's stack, bottom first.
func (m *Manager) Frames(ctx context.Context, sessionID string) ([]*domain.IntentFrame, error) {
	s, unlock, err := m.locked(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return cloneFrames(s.frames), nil
}

// PreviousIntent reports the intent one level below the top frame. The
// transfer engine resolves its "previous" sentinel through this.
func (m *Manager) PreviousIntent(ctx context.Context, sessionID string) (string, bool) {
	s, unlock, err := m.locked(ctx, sessionID)
	if err != nil {
		return "", false
	}
	defer unlock()

	if len(s.frames) < 2 {
		return "", false
	}
	return s.frames[len(s.frames)-2].Intent, true
}

// Drop removes a session's stack from memory and the store.
func (m *Manager) Drop(ctx context.Context, sessionID string) error {
	s, unlock, err := m.locked(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.store.Delete(ctx, stackKey(sessionID)); err != nil {
		return err
	}
	s.frames = nil

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) session(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = &session{}
		m.sessions[id] = s
	}
	return s
}

func (m *Manager) locked(ctx context.Context, sessionID string) (*session, func(), error) {
	s := m.session(sessionID)
	s.mu.Lock()
	if !s.loaded {
		if err := m.hydrate(ctx, sessionID, s); err != nil {
			s.mu.Unlock()
			return nil, nil, err
		}
		s.loaded = true
	}
	return s, s.mu.Unlock, nil
}

func (m *Manager) hydrate(ctx context.Context, sessionID string, s *session) error {
	data, ok, err := m.store.Get(ctx, stackKey(sessionID))
	if err != nil {
		return fmt.Errorf("load stack for session %s: %w", sessionID, err)
	}
	if !ok {
		s.frames = nil
		return nil
	}

	var frames []*domain.IntentFrame
	if err := json.Unmarshal(data, &frames); err != nil {
		// A corrupt snapshot cannot be repaired here; start the session
		// fresh rather than wedging every call on it.
		m.logger.Error("corrupt stack snapshot dropped", "session_id", sessionID, "error", err)
		_ = m.store.Delete(ctx, stackKey(sessionID))
		s.frames = nil
		return nil
	}
	s.frames = frames
	return nil
}

func (m *Manager) persist(ctx context.Context, sessionID string, frames []*domain.IntentFrame) error {
	data, err := json.Marshal(frames)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, stackKey(sessionID), data, 0)
}

func (m *Manager) requiredSlots(intent string) []string {
	if m.slots == nil {
		return nil
	}
	return m.slots.RequiredSlots(intent)
}

func resumeTop(frames []*domain.IntentFrame, now time.Time, ttl time.Duration) {
	if n := len(frames); n > 0 {
		top := frames[n-1]
		if top.Status == domain.FrameInterrupted {
			top.Status = domain.FrameActive
			top.Interruption = nil
			top.UpdatedAt = now
			top.ExpiresAt = now.Add(ttl)
		}
	}
}

func relink(frames []*domain.IntentFrame) {
	for i, f := range frames {
		f.Depth = i
		if i == 0 {
			f.ParentID = ""
		} else {
			f.ParentID = frames[i-1].ID
		}
	}
}

func cloneFrames(frames []*domain.IntentFrame) []*domain.IntentFrame {
	out := make([]*domain.IntentFrame, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Clone())
	}
	return out
}

func slotProgress(required []string, slots map[string]any) float64 {
	if len(required) == 0 {
		return 0
	}
	filled := 0
	for _, name := range required {
		if hasValue(slots[name]) {
			filled++
		}
	}
	return round2(float64(filled) / float64(len(required)))
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

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func newFrameID() string {
	return "frame_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func stackKey(sessionID string) string {
	return "stack:" + sessionID
}
