package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dialog/internal/domain"
	"dialog/internal/kvstore"
)

// slotLog is a store-backed map of timestamped slot observations. The
// history and dependency sources share it and differ only in scope key
// and retention. Writes go through the turn pipeline, which serializes
// per session, so the read-modify-write here needs no extra locking.
type slotLog struct {
	store     kvstore.Store
	keyPrefix string
	retention time.Duration
}

func (l *slotLog) key(id string) string { return l.keyPrefix + ":" + id }

func (l *slotLog) load(ctx context.Context, id string) (map[string]domain.SourceValue, error) {
	data, ok, err := l.store.Get(ctx, l.key(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]domain.SourceValue{}, nil
	}
	var values map[string]domain.SourceValue
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode %s: %w", l.key(id), err)
	}
	return values, nil
}

func (l *slotLog) record(ctx context.Context, id string, slots map[string]any, at time.Time) error {
	if len(slots) == 0 {
		return nil
	}
	values, err := l.load(ctx, id)
	if err != nil {
		return err
	}
	for slot, v := range slots {
		if v == nil {
			continue
		}
		values[slot] = domain.SourceValue{Value: v, Timestamp: at}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, l.key(id), data, l.retention)
}

// History keeps per-user slot observations across sessions, fed from
// completed frames.
type History struct {
	log slotLog
}

func NewHistory(store kvstore.Store, retention time.Duration) *History {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &History{log: slotLog{store: store, keyPrefix: "history", retention: retention}}
}

func (h *History) Kind() domain.SourceKind { return domain.SourceContext }

func (h *History) Load(ctx context.Context, q Query) (Payload, error) {
	values, err := h.log.load(ctx, q.UserID)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Values: values}, nil
}

func (h *History) Record(ctx context.Context, userID string, slots map[string]any, at time.Time) error {
	return h.log.record(ctx, userID, slots, at)
}

// Dependency keeps the outputs of intents completed earlier in the same
// session, for rules that chain one intent's result into the next.
type Dependency struct {
	log slotLog
}

func NewDependency(store kvstore.Store, retention time.Duration) *Dependency {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Dependency{log: slotLog{store: store, keyPrefix: "deps", retention: retention}}
}

func (d *Dependency) Kind() domain.SourceKind { return domain.SourceDep }

func (d *Dependency) Load(ctx context.Context, q Query) (Payload, error) {
	values, err := d.log.load(ctx, q.SessionID)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Values: values}, nil
}

func (d *Dependency) Record(ctx context.Context, sessionID string, slots map[string]any, at time.Time) error {
	return d.log.record(ctx, sessionID, slots, at)
}
