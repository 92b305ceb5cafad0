package sources

import (
	"context"
	"log/slog"
	"time"

	"dialog/internal/domain"
)

// Query identifies whose context a collection pass reads.
type Query struct {
	SessionID string
	UserID    string
	IntentID  string
}

// Payload is one source's contribution. Attributes and Modified are only
// populated by the profile source.
type Payload struct {
	Values     map[string]domain.SourceValue
	Attributes map[string]string
	Modified   time.Time
}

type Source interface {
	Kind() domain.SourceKind
	Load(ctx context.Context, q Query) (Payload, error)
}

// Collector assembles the per-turn source bundle. Each source gets its
// own timeout; a source that errors out is marked unavailable in the
// bundle so inheritance rules reading from it skip instead of fail.
type Collector struct {
	timeout time.Duration
	sources []Source
	logger  *slog.Logger
	now     func() time.Time
}

func NewCollector(timeout time.Duration, srcs []Source, logger *slog.Logger) *Collector {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Collector{
		timeout: timeout,
		sources: srcs,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Test hook.
func (c *Collector) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

func (c *Collector) Collect(ctx context.Context, q Query) *domain.SourceBundle {
	bundle := domain.NewSourceBundle(c.now())

	for _, src := range c.sources {
		loadCtx, cancel := context.WithTimeout(ctx, c.timeout)
		payload, err := src.Load(loadCtx, q)
		cancel()
		if err != nil {
			c.logger.Warn("slot source failed",
				"source", string(src.Kind()),
				"session_id", q.SessionID,
				"error", err,
			)
			bundle.MarkUnavailable(src.Kind(), err.Error())
			continue
		}

		for slot, sv := range payload.Values {
			bundle.Put(src.Kind(), slot, sv.Value, sv.Timestamp)
		}
		for k, v := range payload.Attributes {
			bundle.Attributes[k] = v
		}
		if !payload.Modified.IsZero() {
			bundle.ProfileModified = payload.Modified
		}
	}
	return bundle
}
