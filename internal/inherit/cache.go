package inherit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"dialog/internal/domain"
	"dialog/internal/kvstore"
)

const cacheKeyPrefix = "inheritance"

// Cache memoizes inheritance passes in the key-value store. Entries are
// immutable; a fresh resolution always overwrites wholesale.
type Cache struct {
	store  kvstore.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

type cacheEntry struct {
	Values     map[string]any    `json:"values"`
	Sources    map[string]string `json:"sources"`
	CachedAt   time.Time         `json:"cached_at"`
	TTLSeconds int               `json:"ttl_seconds"`
}

func NewCache(store kvstore.Store, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Cache{
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source. Test hook.
func (c *Cache) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

func (c *Cache) Key(userID, intentID string, slots []string, fingerprint string) string {
	sorted := append([]string(nil), slots...)
	sort.Strings(sorted)
	return strings.Join([]string{cacheKeyPrefix, userID, intentID, strings.Join(sorted, ","), fingerprint}, ":")
}

func (c *Cache) Get(ctx context.Context, key string) (map[string]any, map[string]string, bool) {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache store unavailable, treating as miss", "error", err)
		c.misses.Add(1)
		return nil, nil, false
	}
	if !ok {
		c.misses.Add(1)
		return nil, nil, false
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Corrupt payloads are evicted so the next pass recomputes.
		c.logger.Warn("corrupt cache entry evicted", "key", key, "error", err)
		_ = c.store.Delete(ctx, key)
		c.misses.Add(1)
		return nil, nil, false
	}

	if entry.TTLSeconds > 0 && c.now().Sub(entry.CachedAt) > time.Duration(entry.TTLSeconds)*time.Second {
		_ = c.store.Delete(ctx, key)
		c.misses.Add(1)
		return nil, nil, false
	}

	c.hits.Add(1)
	return entry.Values, entry.Sources, true
}

func (c *Cache) Set(ctx context.Context, key string, values map[string]any, sources map[string]string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	entry := cacheEntry{
		Values:     values,
		Sources:    sources,
		CachedAt:   c.now(),
		TTLSeconds: int(ttl / time.Second),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, key, data, ttl)
}

func (c *Cache) InvalidateUser(ctx context.Context, userID string) (int, error) {
	return c.store.DeleteByPrefix(ctx, cacheKeyPrefix+":"+userID+":")
}

// InvalidateIntent is scoped per user: the key layout puts the user id
// before the intent id, and the backing store only deletes by prefix.
func (c *Cache) InvalidateIntent(ctx context.Context, userID, intentID string) (int, error) {
	return c.store.DeleteByPrefix(ctx, cacheKeyPrefix+":"+userID+":"+intentID+":")
}

func (c *Cache) Statistics() domain.CacheStatistics {
	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := domain.CacheStatistics{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

// Fingerprint digests only the context fields that influence inheritance:
// the values already collected, the profile's last-modified marker, and
// the key sets of the session and conversation contexts. Unrelated churn
// in those contexts does not defeat cache hits.
func Fingerprint(current map[string]any, bundle *domain.SourceBundle) string {
	payload := struct {
		Current         map[string]any `json:"current"`
		ProfileModified string         `json:"profile_modified"`
		SessionKeys     []string       `json:"session_keys"`
		ContextKeys     []string       `json:"context_keys"`
	}{
		Current:     current,
		SessionKeys: sourceKeys(bundle, domain.SourceSession),
		ContextKeys: sourceKeys(bundle, domain.SourceContext),
	}
	if bundle != nil && !bundle.ProfileModified.IsZero() {
		payload.ProfileModified = bundle.ProfileModified.UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprint(payload))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func sourceKeys(bundle *domain.SourceBundle, kind domain.SourceKind) []string {
	if bundle == nil || bundle.Values == nil {
		return nil
	}
	keys := make([]string, 0, len(bundle.Values[kind]))
	for k := range bundle.Values[kind] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
