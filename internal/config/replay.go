package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"dialog/internal/domain"
)

// ReplayScript drives the turn-replay tool: a scripted conversation played
// against an in-memory service graph.
type ReplayScript struct {
	SessionID string       `koanf:"session_id"`
	UserID    string       `koanf:"user_id"`
	Profile   *ProfileSpec `koanf:"profile"`
	Turns     []ReplayTurn `koanf:"turns"`
}

type ProfileSpec struct {
	Preferences    map[string]string `koanf:"preferences"`
	FrequentValues map[string]any    `koanf:"frequent_values"`
}

func (s ProfileSpec) Profile(userID string) domain.UserProfile {
	return domain.UserProfile{
		UserID:         userID,
		Preferences:    s.Preferences,
		FrequentValues: s.FrequentValues,
	}
}

type ReplayTurn struct {
	Text         string `koanf:"text"`
	Error        bool   `koanf:"error"`
	ExpectIntent string `koanf:"expect_intent"`
}

func LoadReplayScript(path string) (ReplayScript, error) {
	if path == "" {
		return ReplayScript{}, fmt.Errorf("replay script path is empty")
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return ReplayScript{}, fmt.Errorf("load replay script %s: %w", path, err)
	}
	var script ReplayScript
	if err := k.Unmarshal("", &script); err != nil {
		return ReplayScript{}, fmt.Errorf("unmarshal replay script %s: %w", path, err)
	}
	if script.SessionID == "" {
		script.SessionID = "replay-session"
	}
	if script.UserID == "" {
		script.UserID = "replay-user"
	}
	if len(script.Turns) == 0 {
		return ReplayScript{}, fmt.Errorf("replay script %s has no turns", path)
	}
	return script, nil
}
