package messaging

import (
	"log/slog"
	"sync"

	"github.com/relaymq/relay-go/contracts"
)

// PrePublishHook runs before a message is validated and sent. Hooks may
// mutate the message, for example to stamp tracing headers.
type PrePublishHook func(msg contracts.Message)

// PublishedHook runs after a message is confirmed by the broker.
type PublishedHook func(msg contracts.Message)

// PublishFailedHook runs after a message exhausts its publish retries.
// Validation failures do not fire it; they are rejected before any
// delivery attempt.
type PublishFailedHook func(msg contracts.Message, err error)

// SignalRegistry holds publish lifecycle hooks. Hooks run synchronously
// in registration order on the publishing goroutine; a panicking hook is
// recovered and logged so it cannot break the publish path.
type SignalRegistry struct {
	logger *slog.Logger

	mu         sync.RWMutex
	prePublish []PrePublishHook
	published  []PublishedHook
	failed     []PublishFailedHook
}

// NewSignalRegistry creates an empty signal registry.
func NewSignalRegistry(logger *slog.Logger) *SignalRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalRegistry{logger: logger}
}

// OnPrePublish registers a pre-publish hook.
func (s *SignalRegistry) OnPrePublish(hook PrePublishHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prePublish = append(s.prePublish, hook)
}

// OnPublished registers a post-confirm hook.
func (s *SignalRegistry) OnPublished(hook PublishedHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, hook)
}

// OnPublishFailed registers a failure hook.
func (s *SignalRegistry) OnPublishFailed(hook PublishFailedHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, hook)
}

func (s *SignalRegistry) emitPrePublish(msg contracts.Message) {
	s.mu.RLock()
	hooks := s.prePublish
	s.mu.RUnlock()
	for _, hook := range hooks {
		s.safely("pre-publish", func() { hook(msg) })
	}
}

func (s *SignalRegistry) emitPublished(msg contracts.Message) {
	s.mu.RLock()
	hooks := s.published
	s.mu.RUnlock()
	for _, hook := range hooks {
		s.safely("published", func() { hook(msg) })
	}
}

func (s *SignalRegistry) emitPublishFailed(msg contracts.Message, err error) {
	s.mu.RLock()
	hooks := s.failed
	s.mu.RUnlock()
	for _, hook := range hooks {
		s.safely("publish-failed", func() { hook(msg, err) })
	}
}

func (s *SignalRegistry) safely(signal string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("signal hook panicked", "signal", signal, "panic", r)
		}
	}()
	fn()
}
