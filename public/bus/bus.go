// Package bus abstracts the message broker behind the runtime: publish and
// subscribe on named channels, a small key/value surface for reservations and
// stream descriptors, and the broker's clock.
//
// Two implementations are provided. RedisBus talks to a shared Redis server
// and is what deployments run on. MemBus is a single-process broker with the
// same semantics, used by tests and by applications that keep everything in
// one binary.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/social-interaction-cloud/sic-go/public/messages"
)

// Handler consumes messages delivered on a subscribed channel. Handlers run
// on the subscription's own goroutine: a slow handler delays only its own
// channel, and ordering within one subscription is preserved.
type Handler func(channel string, m messages.Message)

// Subscription identifies one active channel subscription. It is returned by
// Subscribe and passed back to Unsubscribe.
type Subscription struct {
	channel string
	once    sync.Once
	cancel  func()
}

func newSubscription(channel string, cancel func()) *Subscription {
	return &Subscription{channel: channel, cancel: cancel}
}

// Channel returns the channel this subscription listens on.
func (s *Subscription) Channel() string { return s.channel }

func (s *Subscription) unsubscribe() {
	s.once.Do(s.cancel)
}

// Bus is the broker connection shared by components, managers, connectors
// and applications.
type Bus interface {
	// Publish serializes m and sends it on channel, returning the number
	// of subscribers that received it.
	Publish(channel string, m messages.Message) (int64, error)

	// Subscribe registers h on channel. Multiple subscriptions on the
	// same channel are independent.
	Subscribe(channel string, h Handler) (*Subscription, error)

	// Unsubscribe tears down a subscription. Calling it more than once is
	// harmless.
	Unsubscribe(sub *Subscription) error

	// SetIfAbsent atomically stores value under key only when the key
	// does not exist. It reports whether the write happened.
	SetIfAbsent(key, value string) (bool, error)

	// Put stores value under key, overwriting any previous value.
	Put(key, value string) error

	// Get returns the value under key, and whether the key exists.
	Get(key string) (string, bool, error)

	// DeleteKey removes key. Deleting an absent key is not an error.
	DeleteKey(key string) error

	// Time returns the broker's clock as seconds and microseconds since
	// the epoch. All devices stamp messages against this clock.
	Time() (sec int64, usec int64, err error)

	// SetParentLogger installs the logger the bus reports its own
	// problems to. Before it is called the bus stays quiet.
	SetParentLogger(log *zap.SugaredLogger)

	// Close tears down all subscriptions and the broker connection.
	Close() error
}

// Now returns the broker's clock as fractional seconds. When the broker
// cannot be reached the local clock is used instead; the two only diverge on
// machines with broken NTP, which the component manager warns about at
// startup.
func Now(b Bus) float64 {
	sec, usec, err := b.Time()
	if err != nil {
		return float64(time.Now().UnixMicro()) / 1e6
	}
	return float64(sec) + float64(usec)/1e6
}
