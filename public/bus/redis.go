package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/social-interaction-cloud/sic-go/public/messages"
)

const (
	defaultRedisPort = "6379"
	dialTimeout      = 5 * time.Second
)

// Config describes how to reach the Redis broker.
type Config struct {
	// Host is the broker address, with or without a port.
	Host string
	// Password authenticates against the broker.
	Password string
	// CACert is an optional path to a PEM CA certificate. When set and
	// the plain connection is refused, the bus retries over TLS.
	CACert string
}

// FromEnv reads the broker configuration from the environment: DB_IP,
// DB_PASS and DB_SSL_CA, with localhost defaults for development setups.
func FromEnv() Config {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("DB_IP", "127.0.0.1")
	v.SetDefault("DB_PASS", "changemeplease")
	v.SetDefault("DB_SSL_CA", "")
	return Config{
		Host:     v.GetString("DB_IP"),
		Password: v.GetString("DB_PASS"),
		CACert:   v.GetString("DB_SSL_CA"),
	}
}

// RedisBus is the production broker connection. One pub/sub listener
// goroutine runs per subscription.
type RedisBus struct {
	client *redis.Client

	mu     sync.Mutex
	subs   map[*Subscription]*redisSub
	log    *zap.SugaredLogger
	closed bool
	wg     sync.WaitGroup
}

type redisSub struct {
	pubsub *redis.PubSub
}

// NewRedisBus connects to the broker described by cfg. It first dials
// without TLS; when that fails and a CA certificate is configured it retries
// over TLS, so the same binary runs against both broker setups.
func NewRedisBus(cfg Config) (*RedisBus, error) {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, defaultRedisPort)
	}

	opts := &redis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DialTimeout: dialTimeout,
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	err := client.Ping(ctx).Err()
	if err != nil && cfg.CACert != "" {
		_ = client.Close()
		tlsConf, tlsErr := tlsConfig(cfg.CACert)
		if tlsErr != nil {
			return nil, tlsErr
		}
		opts.TLSConfig = tlsConf
		client = redis.NewClient(opts)
		err = client.Ping(ctx).Err()
	}
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to broker at %s: %w", addr, err)
	}

	return &RedisBus{
		client: client,
		subs:   make(map[*Subscription]*redisSub),
	}, nil
}

func tlsConfig(caCertPath string) (*tls.Config, error) {
	pem, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caCertPath)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// SetParentLogger implements Bus.
func (b *RedisBus) SetParentLogger(log *zap.SugaredLogger) {
	b.mu.Lock()
	b.log = log
	b.mu.Unlock()
}

func (b *RedisBus) warnf(template string, args ...any) {
	b.mu.Lock()
	log := b.log
	b.mu.Unlock()
	if log != nil {
		log.Warnf(template, args...)
	}
}

// Publish implements Bus.
func (b *RedisBus) Publish(channel string, m messages.Message) (int64, error) {
	data, err := messages.Marshal(m)
	if err != nil {
		return 0, err
	}
	n, err := b.client.Publish(context.Background(), channel, data).Result()
	if err != nil {
		return 0, fmt.Errorf("publish on %s: %w", channel, err)
	}
	return n, nil
}

// Subscribe implements Bus. It returns only after the broker has confirmed
// the subscription, so a publish issued right after Subscribe is received.
func (b *RedisBus) Subscribe(channel string, h Handler) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(context.Background(), channel)
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	_, err := pubsub.Receive(ctx)
	cancel()
	if err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	var sub *Subscription
	sub = newSubscription(channel, func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		_ = pubsub.Close()
	})

	b.mu.Lock()
	b.subs[sub] = &redisSub{pubsub: pubsub}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(channel, pubsub, h)
	return sub, nil
}

func (b *RedisBus) listen(channel string, pubsub *redis.PubSub, h Handler) {
	defer b.wg.Done()
	for msg := range pubsub.Channel(redis.WithChannelSize(subscriberQueueDepth)) {
		m, err := messages.Unmarshal([]byte(msg.Payload))
		if err != nil {
			b.warnf("dropping message on %s: %v", channel, err)
			continue
		}
		b.invoke(channel, h, m)
	}
}

func (b *RedisBus) invoke(channel string, h Handler, m messages.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.warnf("handler on %s panicked: %v", channel, r)
		}
	}()
	h(channel, m)
}

// Unsubscribe implements Bus.
func (b *RedisBus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	sub.unsubscribe()
	return nil
}

// SetIfAbsent implements Bus, backed by SETNX.
func (b *RedisBus) SetIfAbsent(key, value string) (bool, error) {
	ok, err := b.client.SetNX(context.Background(), key, value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Put implements Bus.
func (b *RedisBus) Put(key, value string) error {
	if err := b.client.Set(context.Background(), key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Get implements Bus.
func (b *RedisBus) Get(key string) (string, bool, error) {
	v, err := b.client.Get(context.Background(), key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// DeleteKey implements Bus.
func (b *RedisBus) DeleteKey(key string) error {
	if err := b.client.Del(context.Background(), key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// Time implements Bus, backed by the broker's TIME command.
func (b *RedisBus) Time() (int64, int64, error) {
	t, err := b.client.Time(context.Background()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("broker time: %w", err)
	}
	return t.Unix(), int64(t.Nanosecond() / 1000), nil
}

// Close implements Bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*Subscription
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.unsubscribe()
	}
	b.wg.Wait()
	return b.client.Close()
}
