package siclog

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/social-interaction-cloud/sic-go/internal/channels"
	"github.com/social-interaction-cloud/sic-go/public/bus"
	"github.com/social-interaction-cloud/sic-go/public/messages"
)

// Subscriber tails the shared log channel and writes every record to out.
// Applications start one to see what remote components are doing.
type Subscriber struct {
	bus bus.Bus
	out io.Writer

	mu            sync.Mutex
	onRemoteError func(text string)

	startOnce sync.Once
	startErr  error
	sub       *bus.Subscription
}

// NewSubscriber returns a subscriber that is not yet listening.
func NewSubscriber(b bus.Bus, out io.Writer) *Subscriber {
	return &Subscriber{bus: b, out: out}
}

// OnRemoteError installs a callback invoked for every error-level record
// arriving from the log channel. Applications use it to abort when a remote
// component fails. Must be set before Start.
func (s *Subscriber) OnRemoteError(fn func(text string)) {
	s.mu.Lock()
	s.onRemoteError = fn
	s.mu.Unlock()
}

// Start subscribes to the log channel. Calling it again is a no-op.
func (s *Subscriber) Start() error {
	s.startOnce.Do(func() {
		s.sub, s.startErr = bus.RegisterMessageHandler(s.bus, channels.Log, s.handle)
	})
	return s.startErr
}

func (s *Subscriber) handle(_ string, m messages.Message) {
	lm, ok := m.(*messages.LogMessage)
	if !ok {
		return
	}
	fmt.Fprintln(s.out, lm.Text)

	if strings.Contains(lm.Text, "] ERROR:") {
		s.mu.Lock()
		fn := s.onRemoteError
		s.mu.Unlock()
		if fn != nil {
			fn(lm.Text)
		}
	}
}

// Stop unsubscribes from the log channel.
func (s *Subscriber) Stop() {
	if s.sub != nil {
		_ = s.bus.Unsubscribe(s.sub)
	}
}
