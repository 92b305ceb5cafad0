package catalog

import (
	"sort"
	"strings"
	"sync"
	"time"

	"dialog/internal/domain"
)

type entry struct {
	def       domain.IntentDefinition
	updatedAt time.Time
	seeded    bool
}

// Registry holds the intent definitions the dialogue core consults for
// required slots. Seeded definitions come from the rule pack and never
// expire; reported definitions carry a catalog version and age out when
// their source stops refreshing them.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]entry
	version int64
	defTTL  time.Duration
}

func NewRegistry(defTTL time.Duration) *Registry {
	if defTTL <= 0 {
		defTTL = 10 * time.Minute
	}
	return &Registry{
		defs:   make(map[string]entry),
		defTTL: defTTL,
	}
}

func (r *Registry) Seed(defs []domain.IntentDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		def.Name = name
		r.defs[name] = entry{def: def, updatedAt: now, seeded: true}
	}
}

// Apply upserts a reported catalog snapshot. Only accept newer catalog
// versions once a versioned snapshot has been applied.
func (r *Registry) Apply(report domain.CatalogReport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.version > 0 && report.CatalogVersion > 0 && report.CatalogVersion < r.version {
		return false
	}
	if r.version > 0 && report.CatalogVersion == 0 {
		return false
	}
	if report.CatalogVersion > 0 {
		r.version = report.CatalogVersion
	}

	now := time.Now()
	for _, def := range report.Intents {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		def.Name = name
		seeded := r.defs[name].seeded
		r.defs[name] = entry{def: def, updatedAt: now, seeded: seeded}
	}
	return true
}

func (r *Registry) Get(name string) (domain.IntentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.defs[name]
	if !ok || r.isExpired(e) {
		return domain.IntentDefinition{}, false
	}
	return cloneDefinition(e.def), true
}

// RequiredSlots returns nil for unknown intents; the stack then creates
// the frame with no slot requirements.
func (r *Registry) RequiredSlots(name string) []string {
	def, ok := r.Get(name)
	if !ok {
		return nil
	}
	return def.RequiredSlots
}

// Defaults returns the static slot defaults for an intent, nil when the
// intent is unknown or declares none.
func (r *Registry) Defaults(name string) map[string]any {
	def, ok := r.Get(name)
	if !ok {
		return nil
	}
	return def.Defaults
}

func (r *Registry) Definitions() []domain.IntentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.IntentDefinition, 0, len(r.defs))
	for _, e := range r.defs {
		if r.isExpired(e) {
			continue
		}
		out = append(out, cloneDefinition(e.def))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func cloneDefinition(def domain.IntentDefinition) domain.IntentDefinition {
	def.RequiredSlots = append([]string(nil), def.RequiredSlots...)
	def.OptionalSlots = append([]string(nil), def.OptionalSlots...)
	def.Defaults = domain.CloneMap(def.Defaults)
	return def
}

func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.defs, name)
}

func (r *Registry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *Registry) isExpired(e entry) bool {
	if e.seeded || r.defTTL <= 0 {
		return false
	}
	return time.Since(e.updatedAt) > r.defTTL
}
