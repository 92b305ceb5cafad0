package sources

import (
	"context"

	"dialog/internal/domain"
)

type DefaultsCatalog interface {
	Defaults(intent string) map[string]any
}

// Defaults serves the static per-intent slot defaults from the catalog.
// Values carry a zero timestamp: they never go stale.
type Defaults struct {
	catalog DefaultsCatalog
}

func NewDefaults(catalog DefaultsCatalog) *Defaults {
	return &Defaults{catalog: catalog}
}

func (d *Defaults) Kind() domain.SourceKind { return domain.SourceDefault }

func (d *Defaults) Load(ctx context.Context, q Query) (Payload, error) {
	defaults := d.catalog.Defaults(q.IntentID)
	if len(defaults) == 0 {
		return Payload{}, nil
	}
	values := make(map[string]domain.SourceValue, len(defaults))
	for slot, v := range defaults {
		values[slot] = domain.SourceValue{Value: v}
	}
	return Payload{Values: values}, nil
}
