package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dialog/internal/domain"
	"dialog/internal/kvstore"
)

// Profile serves user preferences and frequent slot values. Profiles have
// no store-level TTL; staleness is judged per rule against LastModified.
type Profile struct {
	store kvstore.Store
	now   func() time.Time
}

func NewProfile(store kvstore.Store) *Profile {
	return &Profile{store: store, now: time.Now}
}

// SetClock replaces the time source. Test hook.
func (p *Profile) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

func (p *Profile) Kind() domain.SourceKind { return domain.SourceProfile }

func profileKey(userID string) string { return "profile:" + userID }

func (p *Profile) Load(ctx context.Context, q Query) (Payload, error) {
	profile, ok, err := p.Lookup(ctx, q.UserID)
	if err != nil {
		return Payload{}, err
	}
	if !ok {
		return Payload{}, nil
	}

	values := make(map[string]domain.SourceValue, len(profile.FrequentValues))
	for slot, v := range profile.FrequentValues {
		values[slot] = domain.SourceValue{Value: v, Timestamp: profile.LastModified}
	}
	return Payload{
		Values:     values,
		Attributes: profile.Preferences,
		Modified:   profile.LastModified,
	}, nil
}

func (p *Profile) Lookup(ctx context.Context, userID string) (domain.UserProfile, bool, error) {
	data, ok, err := p.store.Get(ctx, profileKey(userID))
	if err != nil {
		return domain.UserProfile{}, false, err
	}
	if !ok {
		return domain.UserProfile{}, false, nil
	}
	var profile domain.UserProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return domain.UserProfile{}, false, fmt.Errorf("decode %s: %w", profileKey(userID), err)
	}
	return profile, true, nil
}

func (p *Profile) Save(ctx context.Context, profile domain.UserProfile) error {
	if profile.UserID == "" {
		return fmt.Errorf("profile needs a user id")
	}
	profile.LastModified = p.now()
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return p.store.Set(ctx, profileKey(profile.UserID), data, 0)
}
