package realtime

import (
	"sync"

	"go.uber.org/zap"
)

// Channel is the part of Client that Sync drives.
type Channel interface {
	SetToken(token string)
	Disconnect()
}

// TokenSource publishes access token changes. It is satisfied by
// *session.Manager.
type TokenSource interface {
	Subscribe(fn func(token string)) func()
}

// Sync keeps a Channel's credential equal to the session's access token. It
// only reads tokens and never changes session state.
type Sync struct {
	channel Channel
	logger  *zap.Logger

	mu          sync.Mutex
	last        string
	unsubscribe func()
}

// NewSync creates a Sync for channel.
func NewSync(channel Channel, logger *zap.Logger) *Sync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sync{channel: channel, logger: logger.Named("realtime-sync")}
}

// Attach subscribes to src and applies current, the token in effect now.
func (s *Sync) Attach(src TokenSource, current string) {
	s.mu.Lock()
	s.unsubscribe = src.Subscribe(s.OnToken)
	s.mu.Unlock()
	if current != "" {
		s.OnToken(current)
	}
}

// Detach unsubscribes and disconnects the channel.
func (s *Sync) Detach() {
	s.mu.Lock()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	s.OnToken("")
}

// OnToken applies a token change. Repeats of the last token are ignored.
func (s *Sync) OnToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == s.last {
		return
	}
	s.last = token
	if token == "" {
		s.logger.Debug("session ended, disconnecting push channel")
		s.channel.Disconnect()
		return
	}
	s.logger.Debug("access token changed, reconnecting push channel")
	s.channel.SetToken(token)
}
