package inherit

import (
	"context"
	"testing"
	"time"

	"dialog/internal/domain"
	"dialog/internal/kvstore"
)

func newTestCache(t *testing.T) (*Cache, *kvstore.Memory) {
	t.Helper()
	store := kvstore.NewMemory()
	return NewCache(store, time.Minute, discardLogger()), store
}

func TestCacheKeyShape(t *testing.T) {
	c, _ := newTestCache(t)
	got := c.Key("u1", "book_flight", []string{"departure_city", "arrival_city"}, "deadbeef")
	want := "inheritance:u1:book_flight:arrival_city,departure_city:deadbeef"
	if got != want {
		t.Fatalf("key=%q, want %q", got, want)
	}
}

func TestCacheExpiry(t *testing.T) {
	c, _ := newTestCache(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return base })
	ctx := context.Background()

	key := c.Key("u1", "book_flight", []string{"departure_city"}, "fp")
	values := map[string]any{"departure_city": "北京"}
	sources := map[string]string{"departure_city": "session context (departure_city)"}
	if err := c.Set(ctx, key, values, sources, time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}

	gotValues, gotSources, ok := c.Get(ctx, key)
	if !ok {
		t.Fatal("fresh entry missed")
	}
	if gotValues["departure_city"] != "北京" || gotSources["departure_city"] != sources["departure_city"] {
		t.Fatalf("entry round trip: %v %v", gotValues, gotSources)
	}

	c.SetClock(func() time.Time { return base.Add(2 * time.Second) })
	if _, _, ok := c.Get(ctx, key); ok {
		t.Fatal("expired entry still hit")
	}
	// The expired entry is gone, not just hidden.
	if _, _, ok := c.Get(ctx, key); ok {
		t.Fatal("expired entry resurfaced")
	}

	stats := c.Statistics()
	if stats.Hits != 1 || stats.Misses != 2 {
		t.Fatalf("hits=%d misses=%d, want 1 and 2", stats.Hits, stats.Misses)
	}
	if stats.HitRate < 0.33 || stats.HitRate > 0.34 {
		t.Fatalf("hit rate=%f, want about one third", stats.HitRate)
	}
}

func TestCacheEvictsCorruptEntry(t *testing.T) {
	c, store := newTestCache(t)
	ctx := context.Background()
	key := c.Key("u1", "book_flight", []string{"departure_city"}, "fp")
	if err := store.Set(ctx, key, []byte("{not json"), time.Minute); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, _, ok := c.Get(ctx, key); ok {
		t.Fatal("corrupt entry served")
	}
	if _, found, _ := store.Get(ctx, key); found {
		t.Fatal("corrupt entry not evicted")
	}
	if stats := c.Statistics(); stats.Misses != 1 {
		t.Fatalf("misses=%d, want 1", stats.Misses)
	}
}

func TestCacheInvalidation(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	values := map[string]any{"x": 1}

	keys := []string{
		c.Key("u1", "book_flight", []string{"a"}, "f1"),
		c.Key("u1", "book_flight", []string{"b"}, "f2"),
		c.Key("u1", "check_weather", []string{"city"}, "f3"),
		c.Key("u2", "book_flight", []string{"a"}, "f4"),
	}
	for _, key := range keys {
		if err := c.Set(ctx, key, values, nil, time.Minute); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
	}

	n, err := c.InvalidateIntent(ctx, "u1", "book_flight")
	if err != nil {
		t.Fatalf("InvalidateIntent: %v", err)
	}
	if n != 2 {
		t.Fatalf("invalidated %d entries, want 2", n)
	}
	if _, _, ok := c.Get(ctx, keys[2]); !ok {
		t.Fatal("other intent entry lost")
	}
	if _, _, ok := c.Get(ctx, keys[3]); !ok {
		t.Fatal("other user entry lost")
	}

	n, err = c.InvalidateUser(ctx, "u1")
	if err != nil {
		t.Fatalf("InvalidateUser: %v", err)
	}
	if n != 1 {
		t.Fatalf("invalidated %d entries, want the remaining u1 entry", n)
	}
	if _, _, ok := c.Get(ctx, keys[3]); !ok {
		t.Fatal("u2 entry lost to u1 invalidation")
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	bundle := domain.NewSourceBundle(ts)
	bundle.Put(domain.SourceSession, "departure_city", "北京", ts)
	bundle.ProfileModified = ts

	current := map[string]any{"passenger_count": 2}
	base := Fingerprint(current, bundle)
	if len(base) != 16 {
		t.Fatalf("fingerprint length=%d, want 16 hex chars", len(base))
	}
	if again := Fingerprint(map[string]any{"passenger_count": 2}, bundle); again != base {
		t.Fatalf("fingerprint unstable: %s vs %s", again, base)
	}

	// Session value churn under the same key set does not change the digest.
	bundle.Put(domain.SourceSession, "departure_city", "上海", ts)
	if got := Fingerprint(current, bundle); got != base {
		t.Fatalf("value churn changed fingerprint: %s vs %s", got, base)
	}

	bundle.Put(domain.SourceSession, "arrival_city", "广州", ts)
	if got := Fingerprint(current, bundle); got == base {
		t.Fatal("new session key did not change fingerprint")
	}
	bundle.Values[domain.SourceSession] = map[string]domain.SourceValue{
		"departure_city": {Value: "北京", Timestamp: ts},
	}

	if got := Fingerprint(map[string]any{"passenger_count": 3}, bundle); got == base {
		t.Fatal("current value change did not change fingerprint")
	}

	bundle.ProfileModified = ts.Add(time.Hour)
	if got := Fingerprint(current, bundle); got == base {
		t.Fatal("profile update did not change fingerprint")
	}

	if got := Fingerprint(nil, nil); len(got) != 16 {
		t.Fatalf("nil inputs fingerprint length=%d, want 16", len(got))
	}
}
