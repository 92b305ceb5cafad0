package sources

import (
	"context"

	"dialog/internal/domain"
)

type FrameLister interface {
	Frames(ctx context.Context, sessionID string) ([]*domain.IntentFrame, error)
}

// Session reads slot values out of the session's other intent frames.
// The active frame is the one being filled, so only suspended and
// finished frames contribute; upper frames are more recent and win.
type Session struct {
	stack FrameLister
}

func NewSession(stack FrameLister) *Session {
	return &Session{stack: stack}
}

func (s *Session) Kind() domain.SourceKind { return domain.SourceSession }

func (s *Session) Load(ctx context.Context, q Query) (Payload, error) {
	frames, err := s.stack.Frames(ctx, q.SessionID)
	if err != nil {
		return Payload{}, err
	}

	values := make(map[string]domain.SourceValue)
	for _, frame := range frames {
		if frame.Status == domain.FrameActive {
			continue
		}
		for slot, v := range frame.Slots {
			values[slot] = domain.SourceValue{Value: v, Timestamp: frame.UpdatedAt}
		}
	}
	return Payload{Values: values}, nil
}
