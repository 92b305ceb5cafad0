package domain

import "time"

type FrameStatus string

const (
	FrameActive      FrameStatus = "active"
	FrameInterrupted FrameStatus = "interrupted"
	FrameCompleted   FrameStatus = "completed"
	FrameExpired     FrameStatus = "expired"
)

func (s FrameStatus) Terminal() bool {
	return s == FrameCompleted || s == FrameExpired
}

type InterruptionKind string

const (
	InterruptUser    InterruptionKind = "user_initiated"
	InterruptSystem  InterruptionKind = "system_initiated"
	InterruptTimeout InterruptionKind = "timeout"
	InterruptError   InterruptionKind = "error"
)

type Interruption struct {
	Kind   InterruptionKind `json:"kind"`
	Reason string           `json:"reason,omitempty"`
	At     time.Time        `json:"at"`
}

type IntentFrame struct {
	ID            string         `json:"id"`
	Intent        string         `json:"intent"`
	SessionID     string         `json:"session_id"`
	UserID        string         `json:"user_id,omitempty"`
	Status        FrameStatus    `json:"status"`
	Context       map[string]any `json:"context,omitempty"`
	Slots         map[string]any `json:"slots,omitempty"`
	RequiredSlots []string       `json:"required_slots,omitempty"`
	MissingSlots  []string       `json:"missing_slots,omitempty"`
	Progress      float64        `json:"progress"`
	Interruption  *Interruption  `json:"interruption,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	// ParentID references the frame one level below by id, never by pointer,
	// so a stack snapshot serializes without cycles.
	ParentID string `json:"parent_id,omitempty"`
	Depth    int    `json:"depth"`
}

func (f *IntentFrame) Clone() *IntentFrame {
	if f == nil {
		return nil
	}
	cp := *f
	cp.Context = CloneMap(f.Context)
	cp.Slots = CloneMap(f.Slots)
	cp.RequiredSlots = append([]string(nil), f.RequiredSlots...)
	cp.MissingSlots = append([]string(nil), f.MissingSlots...)
	if f.Interruption != nil {
		intr := *f.Interruption
		cp.Interruption = &intr
	}
	return &cp
}

func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

type PushResult struct {
	Frame *IntentFrame `json:"frame"`
	Depth int          `json:"depth"`
}

type PopResult struct {
	Frame *IntentFrame `json:"frame"`
	Depth int          `json:"depth"`
}

type StackStatistics struct {
	SessionID    string              `json:"session_id"`
	Depth        int                 `json:"depth"`
	MaxDepth     int                 `json:"max_depth"`
	ActiveIntent string              `json:"active_intent,omitempty"`
	ByStatus     map[FrameStatus]int `json:"by_status"`
	AvgProgress  float64             `json:"avg_progress"`
	Utilization  float64             `json:"utilization"`
}

type IntentDefinition struct {
	Name          string         `json:"name"`
	DisplayName   string         `json:"display_name,omitempty"`
	Description   string         `json:"description,omitempty"`
	RequiredSlots []string       `json:"required_slots,omitempty"`
	OptionalSlots []string       `json:"optional_slots,omitempty"`
	Defaults      map[string]any `json:"defaults,omitempty"`
}

type UserProfile struct {
	UserID         string            `json:"user_id"`
	Preferences    map[string]string `json:"preferences,omitempty"`
	FrequentValues map[string]any    `json:"frequent_values,omitempty"`
	LastModified   time.Time         `json:"last_modified,omitempty"`
}

type SourceValue struct {
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// SourceBundle is one turn's snapshot of every slot source. A source that
// failed to load is listed in Unavailable instead of Values; rules reading
// from it are skipped, not failed.
type SourceBundle struct {
	Values          map[SourceKind]map[string]SourceValue `json:"values"`
	Unavailable     map[SourceKind]string                 `json:"unavailable,omitempty"`
	Attributes      map[string]string                     `json:"attributes,omitempty"`
	ProfileModified time.Time                             `json:"profile_modified,omitempty"`
	CollectedAt     time.Time                             `json:"collected_at"`
}

func NewSourceBundle(now time.Time) *SourceBundle {
	return &SourceBundle{
		Values:      make(map[SourceKind]map[string]SourceValue),
		Unavailable: make(map[SourceKind]string),
		Attributes:  make(map[string]string),
		CollectedAt: now,
	}
}

func (b *SourceBundle) Put(kind SourceKind, slot string, value any, ts time.Time) {
	if b.Values == nil {
		b.Values = make(map[SourceKind]map[string]SourceValue)
	}
	m, ok := b.Values[kind]
	if !ok {
		m = make(map[string]SourceValue)
		b.Values[kind] = m
	}
	m[slot] = SourceValue{Value: value, Timestamp: ts}
}

func (b *SourceBundle) Lookup(kind SourceKind, slot string) (SourceValue, bool) {
	if b == nil || b.Values == nil {
		return SourceValue{}, false
	}
	sv, ok := b.Values[kind][slot]
	return sv, ok
}

func (b *SourceBundle) MarkUnavailable(kind SourceKind, reason string) {
	if b.Unavailable == nil {
		b.Unavailable = make(map[SourceKind]string)
	}
	b.Unavailable[kind] = reason
}

func (b *SourceBundle) Available(kind SourceKind) bool {
	if b == nil {
		return false
	}
	_, down := b.Unavailable[kind]
	return !down
}

func (b *SourceBundle) Attribute(name string) (string, bool) {
	if b == nil || b.Attributes == nil {
		return "", false
	}
	v, ok := b.Attributes[name]
	return v, ok
}

type TurnRequest struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id,omitempty"`
	Text      string         `json:"text"`
	Context   map[string]any `json:"context,omitempty"`
}

type TurnResult struct {
	SessionID   string             `json:"session_id"`
	Decision    TransferDecision   `json:"decision"`
	ActiveFrame *IntentFrame       `json:"active_frame,omitempty"`
	Inherited   *InheritanceResult `json:"inherited,omitempty"`
	Depth       int                `json:"depth"`
}

type CacheStatistics struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// MQTT payloads

type TurnEvent struct {
	SessionID    string       `json:"session_id"`
	UserID       string       `json:"user_id,omitempty"`
	Intent       string       `json:"intent,omitempty"`
	Transferred  bool         `json:"transferred"`
	TransferType TransferType `json:"transfer_type,omitempty"`
	Depth        int          `json:"depth"`
	At           time.Time    `json:"at"`
}

type FrameEvent struct {
	SessionID string      `json:"session_id"`
	FrameID   string      `json:"frame_id"`
	Intent    string      `json:"intent"`
	Action    string      `json:"action"`
	Status    FrameStatus `json:"status"`
	Depth     int         `json:"depth"`
	At        time.Time   `json:"at"`
}

type CatalogReport struct {
	Source         string             `json:"source,omitempty"`
	CatalogVersion int64              `json:"catalog_version,omitempty"`
	Intents        []IntentDefinition `json:"intents"`
}
