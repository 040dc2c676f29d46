package bus

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/social-interaction-cloud/sic-go/public/messages"
)

// ErrBusClosed reports an operation on a bus after Close.
var ErrBusClosed = errors.New("bus is closed")

const subscriberQueueDepth = 100

// MemBus is an in-process broker. Messages still pass through the wire
// codec, so anything that round-trips on MemBus round-trips on Redis too.
type MemBus struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]chan delivery
	kv     map[string]string
	closed bool
	wg     sync.WaitGroup

	logMu sync.Mutex
	log   *zap.SugaredLogger
}

type delivery struct {
	channel string
	data    []byte
}

// NewMemBus returns an empty in-process broker.
func NewMemBus() *MemBus {
	return &MemBus{
		topics: make(map[string]map[*Subscription]chan delivery),
		kv:     make(map[string]string),
	}
}

// SetParentLogger implements Bus.
func (b *MemBus) SetParentLogger(log *zap.SugaredLogger) {
	b.logMu.Lock()
	b.log = log
	b.logMu.Unlock()
}

func (b *MemBus) warnf(template string, args ...any) {
	b.logMu.Lock()
	log := b.log
	b.logMu.Unlock()
	if log != nil {
		log.Warnf(template, args...)
	}
}

// Publish implements Bus. The sends happen under the read lock: a racing
// unsubscribe cannot close a queue until every in-flight publish holding
// the lock has finished with it.
func (b *MemBus) Publish(channel string, m messages.Message) (int64, error) {
	data, err := messages.Marshal(m)
	if err != nil {
		return 0, err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0, ErrBusClosed
	}
	var delivered int64
	var full int
	for _, ch := range b.topics[channel] {
		select {
		case ch <- delivery{channel: channel, data: data}:
			delivered++
		default:
			full++
		}
	}
	b.mu.RUnlock()

	if full > 0 {
		b.warnf("dropping message on %s: %d subscriber queues full", channel, full)
	}
	return delivered, nil
}

// Subscribe implements Bus.
func (b *MemBus) Subscribe(channel string, h Handler) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	queue := make(chan delivery, subscriberQueueDepth)
	var sub *Subscription
	sub = newSubscription(channel, func() {
		b.mu.Lock()
		if set, ok := b.topics[channel]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.topics, channel)
			}
		}
		b.mu.Unlock()
		close(queue)
	})

	if b.topics[channel] == nil {
		b.topics[channel] = make(map[*Subscription]chan delivery)
	}
	b.topics[channel][sub] = queue

	b.wg.Add(1)
	go b.dispatch(queue, h)
	return sub, nil
}

func (b *MemBus) dispatch(queue <-chan delivery, h Handler) {
	defer b.wg.Done()
	for d := range queue {
		m, err := messages.Unmarshal(d.data)
		if err != nil {
			b.warnf("dropping message on %s: %v", d.channel, err)
			continue
		}
		b.invoke(d.channel, h, m)
	}
}

func (b *MemBus) invoke(channel string, h Handler, m messages.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.warnf("handler on %s panicked: %v", channel, r)
		}
	}()
	h(channel, m)
}

// Unsubscribe implements Bus.
func (b *MemBus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	sub.unsubscribe()
	return nil
}

// SetIfAbsent implements Bus.
func (b *MemBus) SetIfAbsent(key, value string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, ErrBusClosed
	}
	if _, exists := b.kv[key]; exists {
		return false, nil
	}
	b.kv[key] = value
	return true, nil
}

// Put implements Bus.
func (b *MemBus) Put(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.kv[key] = value
	return nil
}

// Get implements Bus.
func (b *MemBus) Get(key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return "", false, ErrBusClosed
	}
	v, ok := b.kv[key]
	return v, ok, nil
}

// DeleteKey implements Bus.
func (b *MemBus) DeleteKey(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	delete(b.kv, key)
	return nil
}

// Time implements Bus. MemBus lives in one process, so the local clock is
// the shared clock.
func (b *MemBus) Time() (int64, int64, error) {
	now := time.Now()
	return now.Unix(), int64(now.Nanosecond() / 1000), nil
}

// Close implements Bus. It drains all subscriber queues before returning.
func (b *MemBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*Subscription
	for _, set := range b.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.unsubscribe()
	}
	b.wg.Wait()
	return nil
}
