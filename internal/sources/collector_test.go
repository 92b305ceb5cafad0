package sources

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"dialog/internal/domain"
	"dialog/internal/kvstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type frameListerStub struct {
	frames []*domain.IntentFrame
	err    error
}

func (s *frameListerStub) Frames(ctx context.Context, sessionID string) ([]*domain.IntentFrame, error) {
	return s.frames, s.err
}

type failingSource struct{ kind domain.SourceKind }

func (f *failingSource) Kind() domain.SourceKind { return f.kind }
func (f *failingSource) Load(ctx context.Context, q Query) (Payload, error) {
	return Payload{}, errors.New("backend down")
}

type catalogStub struct{ defaults map[string]any }

func (c *catalogStub) Defaults(intent string) map[string]any { return c.defaults }

func TestSessionSourceSkipsActiveFrame(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	lister := &frameListerStub{frames: []*domain.IntentFrame{
		{Intent: "book_flight", Status: domain.FrameInterrupted, Slots: map[string]any{"departure_city": "北京"}, UpdatedAt: ts},
		{Intent: "check_weather", Status: domain.FrameActive, Slots: map[string]any{"city": "广州"}, UpdatedAt: ts},
	}}

	payload, err := NewSession(lister).Load(context.Background(), Query{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := payload.Values["departure_city"]; got.Value != "北京" || !got.Timestamp.Equal(ts) {
		t.Fatalf("departure_city=%+v, want 北京 at %v", got, ts)
	}
	if _, ok := payload.Values["city"]; ok {
		t.Fatal("active frame slot leaked into the session source")
	}
}

func TestSessionSourceUpperFrameWins(t *testing.T) {
	early := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	late := early.Add(30 * time.Minute)
	lister := &frameListerStub{frames: []*domain.IntentFrame{
		{Intent: "book_flight", Status: domain.FrameInterrupted, Slots: map[string]any{"city": "北京"}, UpdatedAt: early},
		{Intent: "book_hotel", Status: domain.FrameInterrupted, Slots: map[string]any{"city": "上海"}, UpdatedAt: late},
	}}

	payload, err := NewSession(lister).Load(context.Background(), Query{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := payload.Values["city"]; got.Value != "上海" {
		t.Fatalf("city=%v, want the upper frame's 上海", got.Value)
	}
}

func TestHistoryRecordAndLoad(t *testing.T) {
	store := kvstore.NewMemory()
	history := NewHistory(store, time.Hour)
	ctx := context.Background()
	first := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	if err := history.Record(ctx, "u1", map[string]any{"departure_city": "北京", "seat": "window"}, first); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := history.Record(ctx, "u1", map[string]any{"departure_city": "上海"}, second); err != nil {
		t.Fatalf("Record: %v", err)
	}

	payload, err := history.Load(ctx, Query{UserID: "u1"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := payload.Values["departure_city"]; got.Value != "上海" || !got.Timestamp.Equal(second) {
		t.Fatalf("departure_city=%+v, want 上海 at %v", got, second)
	}
	if got := payload.Values["seat"]; got.Value != "window" || !got.Timestamp.Equal(first) {
		t.Fatalf("seat=%+v, want window at %v", got, first)
	}

	other, err := history.Load(ctx, Query{UserID: "u2"})
	if err != nil {
		t.Fatalf("Load u2: %v", err)
	}
	if len(other.Values) != 0 {
		t.Fatalf("u2 inherited u1 history: %v", other.Values)
	}
}

func TestDependencyScopedToSession(t *testing.T) {
	store := kvstore.NewMemory()
	deps := NewDependency(store, time.Hour)
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := deps.Record(ctx, "s1", map[string]any{"order_id": "ord_42"}, ts); err != nil {
		t.Fatalf("Record: %v", err)
	}
	payload, err := deps.Load(ctx, Query{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if payload.Values["order_id"].Value != "ord_42" {
		t.Fatalf("order_id=%v, want ord_42", payload.Values["order_id"].Value)
	}

	other, err := deps.Load(ctx, Query{SessionID: "s2"})
	if err != nil {
		t.Fatalf("Load s2: %v", err)
	}
	if len(other.Values) != 0 {
		t.Fatalf("s2 sees s1 dependencies: %v", other.Values)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	store := kvstore.NewMemory()
	profile := NewProfile(store)
	modified := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	profile.SetClock(func() time.Time { return modified })
	ctx := context.Background()

	err := profile.Save(ctx, domain.UserProfile{
		UserID:         "u1",
		Preferences:    map[string]string{"tier": "gold", "language": "zh-CN"},
		FrequentValues: map[string]any{"departure_city": "上海"},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	payload, err := profile.Load(ctx, Query{UserID: "u1"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := payload.Values["departure_city"]; got.Value != "上海" || !got.Timestamp.Equal(modified) {
		t.Fatalf("departure_city=%+v, want 上海 at %v", got, modified)
	}
	if payload.Attributes["tier"] != "gold" {
		t.Fatalf("tier=%q, want gold", payload.Attributes["tier"])
	}
	if !payload.Modified.Equal(modified) {
		t.Fatalf("modified=%v, want %v", payload.Modified, modified)
	}

	if err := profile.Save(ctx, domain.UserProfile{}); err == nil {
		t.Fatal("profile without user id accepted")
	}
}

func TestDefaultsSource(t *testing.T) {
	src := NewDefaults(&catalogStub{defaults: map[string]any{"passenger_count": 1}})
	payload, err := src.Load(context.Background(), Query{IntentID: "book_flight"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := payload.Values["passenger_count"]
	if got.Value != 1 {
		t.Fatalf("passenger_count=%v, want 1", got.Value)
	}
	if !got.Timestamp.IsZero() {
		t.Fatalf("default value carries timestamp %v, want zero", got.Timestamp)
	}
}

func TestCollectorDegradesPerSource(t *testing.T) {
	store := kvstore.NewMemory()
	profile := NewProfile(store)
	ctx := context.Background()
	if err := profile.Save(ctx, domain.UserProfile{UserID: "u1", Preferences: map[string]string{"tier": "gold"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	collector := NewCollector(time.Second, []Source{
		&failingSource{kind: domain.SourceSession},
		profile,
	}, discardLogger())

	bundle := collector.Collect(ctx, Query{SessionID: "s1", UserID: "u1", IntentID: "book_flight"})
	if bundle.Available(domain.SourceSession) {
		t.Fatal("failed source not marked unavailable")
	}
	if !bundle.Available(domain.SourceProfile) {
		t.Fatal("healthy source marked unavailable")
	}
	if got, ok := bundle.Attribute("tier"); !ok || got != "gold" {
		t.Fatalf("tier=%q ok=%v, want gold", got, ok)
	}
}
