package classify

import (
	"context"
	"strings"
)

type StaticRule struct {
	Keyword    string  `json:"keyword"`
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Static resolves intents from an ordered keyword table; first match wins.
// It backs tests and the replay harness where no recognizer service runs.
type Static struct {
	rules    []StaticRule
	fallback Result
}

func NewStatic(rules []StaticRule, fallback Result) *Static {
	return &Static{rules: rules, fallback: fallback}
}

func (s *Static) Classify(ctx context.Context, text string, convCtx map[string]any) (Result, error) {
	lowered := strings.ToLower(text)
	for _, rule := range s.rules {
		if rule.Keyword == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(rule.Keyword)) {
			conf := rule.Confidence
			if conf <= 0 {
				conf = 0.9
			}
			return Result{Intent: rule.Intent, Confidence: conf}, nil
		}
	}
	return s.fallback, nil
}
