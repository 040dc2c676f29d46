// Package manager implements the per-device component manager: the process
// that listens on the device channel, instantiates components on request and
// supervises them until they are stopped.
package manager

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/social-interaction-cloud/sic-go/internal/channels"
	"github.com/social-interaction-cloud/sic-go/internal/netutil"
	"github.com/social-interaction-cloud/sic-go/public/bus"
	"github.com/social-interaction-cloud/sic-go/public/component"
	"github.com/social-interaction-cloud/sic-go/public/messages"
	"github.com/social-interaction-cloud/sic-go/public/siclog"
)

// clockSkewTolerance is how far the local clock may drift from the broker's
// before the manager warns. Alignment across devices assumes all producers
// stamp against the broker clock.
const clockSkewTolerance = 2 * time.Second

// Factory builds a fresh handler for one component instance.
type Factory func() component.Handler

// Manager hosts components on one device.
type Manager struct {
	bus     bus.Bus
	ownsBus bool
	ip      string
	log     *zap.SugaredLogger

	factories map[string]Factory

	mu   sync.Mutex
	live map[string]*component.Component

	sub  *bus.Subscription
	done chan struct{}

	shutdownOnce sync.Once
}

// Options configure a manager.
type Options struct {
	// DeviceIP is the address the manager serves; the local address when
	// empty. The manager listens on the channel named after it.
	DeviceIP string
	// Log overrides the manager logger; a bus-mirrored one is built when
	// nil.
	Log *zap.SugaredLogger
}

// New returns a manager on an existing bus connection. The bus stays open
// after Shutdown; it belongs to the caller.
func New(b bus.Bus, opts Options) *Manager {
	ip := opts.DeviceIP
	if ip == "" {
		ip = netutil.LocalIP()
	}
	log := opts.Log
	if log == nil {
		log = siclog.New("ComponentManager", ip, zap.InfoLevel, b)
	}
	b.SetParentLogger(log)

	return &Manager{
		bus:       b,
		ip:        ip,
		log:       log,
		factories: make(map[string]Factory),
		live:      make(map[string]*component.Component),
		done:      make(chan struct{}),
	}
}

// NewFromConfig dials the broker described by cfg and returns a manager that
// owns the connection: Shutdown closes it.
func NewFromConfig(cfg Config) (*Manager, error) {
	b, err := bus.NewRedisBus(cfg.BusConfig())
	if err != nil {
		return nil, err
	}

	level, err := siclog.ParseLevel(cfg.LogLevel)
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	ip := cfg.DeviceIP
	if ip == "" {
		ip = netutil.LocalIP()
	}

	m := New(b, Options{
		DeviceIP: ip,
		Log:      siclog.New("ComponentManager", ip, level, b),
	})
	m.ownsBus = true
	return m, nil
}

// Register makes a component class available on this device. Must be called
// before Serve.
func (m *Manager) Register(name string, f Factory) {
	m.factories[name] = f
}

// DeviceIP returns the address the manager serves.
func (m *Manager) DeviceIP() string { return m.ip }

// Channel returns the channel the manager listens on.
func (m *Manager) Channel() string { return channels.Manager(m.ip) }

// Serve subscribes the manager on its device channel and blocks until
// Shutdown. The startup line it logs is what deployment scripts wait for.
func (m *Manager) Serve() error {
	sub, err := bus.RegisterRequestHandler(m.bus, m.Channel(), m.handleRequest)
	if err != nil {
		return err
	}
	m.sub = sub

	m.checkClockSkew()
	names := make([]string, 0, len(m.factories))
	for name := range m.factories {
		names = append(names, name)
	}
	m.log.Infof("Started component manager on device %s with components %v", m.ip, names)

	<-m.done
	return nil
}

func (m *Manager) checkClockSkew() {
	skew := math.Abs(bus.Now(m.bus) - float64(time.Now().UnixMicro())/1e6)
	if skew > clockSkewTolerance.Seconds() {
		m.log.Warnf("local clock is %.1fs off the broker clock; "+
			"cross-device alignment will misbehave until NTP is fixed", skew)
	}
}

func (m *Manager) handleRequest(channel string, req messages.Request) messages.Message {
	switch r := req.(type) {
	case *messages.Ping:
		return &messages.Pong{}
	case *messages.StopRequest:
		// The ack must be on the wire before Shutdown runs: a manager that
		// owns its bus closes the connection, which would otherwise race
		// the reply publish and leave the caller timing out.
		ack := &messages.Success{}
		ack.RequestID = r.RequestID
		ack.Timestamp = bus.Now(m.bus)
		if _, err := m.bus.Publish(channel, ack); err != nil {
			m.log.Warnf("acknowledge stop: %v", err)
		}
		go m.Shutdown()
		return nil
	case *messages.StartComponentRequest:
		return m.startComponent(r)
	case *messages.StopComponentRequest:
		return m.stopComponent(r.OutputChannel)
	default:
		// Not for us; another manager on a shared channel may answer.
		return messages.NewIgnore()
	}
}

func (m *Manager) startComponent(r *messages.StartComponentRequest) messages.Message {
	f, ok := m.factories[r.ComponentName]
	if !ok {
		m.log.Warnf("no component %q on this device", r.ComponentName)
		return &messages.NotStarted{Reason: fmt.Sprintf("unknown component %q", r.ComponentName)}
	}

	outputChannel := channels.Component(r.ComponentName, m.ip, r.InputChannel)

	m.mu.Lock()
	if c, exists := m.live[outputChannel]; exists && c.State() == component.StateReady {
		m.mu.Unlock()
		return started(c)
	}
	delete(m.live, outputChannel)
	m.mu.Unlock()

	c, err := component.Start(m.bus, f(), component.Options{
		DeviceIP:     m.ip,
		InputChannel: r.InputChannel,
		ClientID:     r.ClientID,
		Conf:         r.Conf,
	})
	if err != nil {
		m.log.Errorf("start %s: %v", r.ComponentName, err)
		return &messages.NotStarted{Reason: err.Error()}
	}

	if err := m.writeDescriptor(c, r); err != nil {
		m.log.Errorf("publish stream descriptor for %s: %v", r.ComponentName, err)
		c.Stop()
		return &messages.NotStarted{Reason: err.Error()}
	}

	m.mu.Lock()
	m.live[outputChannel] = c
	m.mu.Unlock()

	m.log.Infof("started %s for %s on %s", r.ComponentName, r.ClientID, outputChannel)
	return started(c)
}

func started(c *component.Component) *messages.ComponentStarted {
	return &messages.ComponentStarted{
		OutputChannel:       c.OutputChannel(),
		RequestReplyChannel: c.RequestReplyChannel(),
	}
}

// streamDescriptor is the JSON value stored under the data_stream key of a
// live component, letting other applications discover and tap the stream.
type streamDescriptor struct {
	ComponentEndpoint string `json:"component_endpoint"`
	InputChannel      string `json:"input_channel"`
	ClientID          string `json:"client_id"`
}

func (m *Manager) writeDescriptor(c *component.Component, r *messages.StartComponentRequest) error {
	desc, err := json.Marshal(streamDescriptor{
		ComponentEndpoint: channels.Endpoint(r.ComponentName, m.ip),
		InputChannel:      r.InputChannel,
		ClientID:          r.ClientID,
	})
	if err != nil {
		return err
	}
	return m.bus.Put(channels.DataStreamKey(c.OutputChannel()), string(desc))
}

func (m *Manager) stopComponent(outputChannel string) messages.Message {
	m.mu.Lock()
	c, ok := m.live[outputChannel]
	delete(m.live, outputChannel)
	m.mu.Unlock()

	if ok {
		c.Stop()
		if err := m.bus.DeleteKey(channels.DataStreamKey(outputChannel)); err != nil {
			m.log.Warnf("remove stream descriptor: %v", err)
		}
		m.log.Infof("stopped component on %s", outputChannel)
	}
	// Stopping an already-gone component is a success for the caller.
	return &messages.Success{}
}

// Shutdown stops all live components and releases the device channel.
// When the manager owns its bus connection the connection is closed too.
// Safe to call more than once.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		live := make(map[string]*component.Component, len(m.live))
		for ch, c := range m.live {
			live[ch] = c
		}
		m.live = make(map[string]*component.Component)
		m.mu.Unlock()

		for ch, c := range live {
			c.Stop()
			_ = m.bus.DeleteKey(channels.DataStreamKey(ch))
		}

		if m.sub != nil {
			_ = m.bus.Unsubscribe(m.sub)
		}
		m.log.Infof("component manager on %s shut down", m.ip)
		if m.ownsBus {
			_ = m.bus.Close()
		}
		close(m.done)
	})
}
