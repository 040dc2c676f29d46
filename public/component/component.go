// Package component implements the runtime's component model: sensors that
// produce a stream, services that transform aligned input streams, and
// actuators that execute requests against hardware.
//
// A component owns no broker connection; it borrows the bus of the process
// that started it (usually a component manager) and is addressed through the
// channel names derived from its name, device IP and bound input channel.
package component

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/social-interaction-cloud/sic-go/internal/channels"
	"github.com/social-interaction-cloud/sic-go/internal/netutil"
	"github.com/social-interaction-cloud/sic-go/public/bus"
	"github.com/social-interaction-cloud/sic-go/public/messages"
	"github.com/social-interaction-cloud/sic-go/public/siclog"
)

// Errors reported by Start.
var (
	// ErrReservationConflict means another client holds the exclusive
	// reservation for this component on this device.
	ErrReservationConflict = errors.New("component is reserved by another client")
	// ErrConfiguration means the configuration delivered at start time does
	// not match what the component expects.
	ErrConfiguration = errors.New("invalid component configuration")
)

// Defaults applied to zero-valued Definition fields.
const (
	DefaultStartupTimeout   = 30 * time.Second
	DefaultStopTimeout      = 5 * time.Second
	DefaultBufferSize       = 10
	DefaultMaxTimestampDiff = 500 * time.Millisecond
)

// ExactTimestampMatch as MaxTimestampDiff makes the aligner accept only
// inputs carrying identical timestamps, for pipelines that fan one stream
// out and join it again.
const ExactTimestampMatch = time.Duration(-1)

// Definition describes a component class: its name, the message kinds it
// consumes and produces, and its runtime parameters.
type Definition struct {
	// Name identifies the component class across the deployment. Channel
	// names are derived from it.
	Name string

	// Inputs are prototypes of the message kinds this component accepts.
	// Messages of other kinds arriving on its input channels are dropped
	// with a warning. Empty means accept everything.
	Inputs []messages.Message

	// Output is a prototype of the kind this component publishes, nil when
	// it publishes nothing.
	Output messages.Message

	// ConfClass, when set, names the configuration schema the component
	// requires; a conf with a different class tag fails the start.
	ConfClass string

	// Exclusive marks a hardware-backed component that only one client may
	// use at a time, enforced through a bus reservation.
	Exclusive bool

	// StartupTimeout bounds Init, StopTimeout bounds the shutdown drain.
	StartupTimeout time.Duration
	StopTimeout    time.Duration

	// BufferSize is the per-stream ring depth used for input alignment.
	BufferSize int

	// MaxTimestampDiff is the alignment tolerance between input streams.
	MaxTimestampDiff time.Duration
}

func (d Definition) withDefaults() Definition {
	if d.StartupTimeout <= 0 {
		d.StartupTimeout = DefaultStartupTimeout
	}
	if d.StopTimeout <= 0 {
		d.StopTimeout = DefaultStopTimeout
	}
	if d.BufferSize <= 0 {
		d.BufferSize = DefaultBufferSize
	}
	if d.MaxTimestampDiff == ExactTimestampMatch {
		d.MaxTimestampDiff = 0
	} else if d.MaxTimestampDiff <= 0 {
		d.MaxTimestampDiff = DefaultMaxTimestampDiff
	}
	return d
}

func (d Definition) accepts(kind string) bool {
	if len(d.Inputs) == 0 {
		return true
	}
	for _, in := range d.Inputs {
		if in.Kind() == kind {
			return true
		}
	}
	return false
}

// Handler is the behavior of a component class. Most implementations embed
// BaseHandler and override what they need, or use the Sensor, Service and
// Actuator adapters instead.
type Handler interface {
	// Definition is called once, before anything else.
	Definition() Definition
	// Init prepares the component (open devices, load models). The
	// component is not Ready until Init returns nil.
	Init(c *Component) error
	// OnMessage consumes one message from an input channel.
	OnMessage(m messages.Message)
	// OnRequest answers an application request. Returning nil sends an
	// ignore reply.
	OnRequest(req messages.Request) messages.Message
	// Cleanup releases what Init acquired. Not called when the shutdown
	// drain times out.
	Cleanup()
}

// BaseHandler is a no-op Handler to embed.
type BaseHandler struct{}

func (BaseHandler) Init(*Component) error                       { return nil }
func (BaseHandler) OnMessage(messages.Message)                  {}
func (BaseHandler) OnRequest(messages.Request) messages.Message { return nil }
func (BaseHandler) Cleanup()                                    {}

// runner is implemented by adapters that need their own goroutine after the
// component becomes Ready.
type runner interface {
	run(c *Component)
}

// State is a component's lifecycle position. Transitions only move forward.
type State int32

const (
	StateConstructed State = iota
	StateStarting
	StateReady
	StateStopping
	StateStopped
	StateCleaned
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCleaned:
		return "cleaned"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configure one component instance at start time.
type Options struct {
	// DeviceIP is the address this instance is reachable under; the local
	// address when empty.
	DeviceIP string
	// InputChannel is the channel the instance listens on; derived from
	// the component name and device IP when empty.
	InputChannel string
	// ClientID identifies the client the instance runs for, used for
	// exclusive reservations.
	ClientID string
	// Conf is the start-time configuration, may be nil.
	Conf *messages.Conf
	// Log overrides the instance logger; a bus-mirrored logger is built
	// when nil.
	Log *zap.SugaredLogger
}

// Component is one live instance of a component class.
type Component struct {
	handler Handler
	def     Definition
	bus     bus.Bus
	log     *zap.SugaredLogger

	deviceIP     string
	clientID     string
	conf         *messages.Conf
	inputChannel string
	outputChan   string
	rrChan       string

	state atomic.Int32

	stop       chan struct{}
	runnerDone chan struct{}
	stopOnce   sync.Once

	callsMu sync.Mutex
	calls   sync.WaitGroup

	subsMu sync.Mutex
	subs   []*bus.Subscription

	reserved bool

	warnMu      sync.Mutex
	warnedKinds map[string]bool

	inputsMu sync.Mutex
	inputs   map[string]bool
}

// Start brings one instance of h to Ready on b. On success the instance is
// subscribed to its input and request/reply channels and, for producing
// components, its stream is running.
func Start(b bus.Bus, h Handler, opts Options) (*Component, error) {
	def := h.Definition().withDefaults()
	if def.Name == "" {
		return nil, fmt.Errorf("%w: component has no name", ErrConfiguration)
	}

	ip := opts.DeviceIP
	if ip == "" {
		ip = netutil.LocalIP()
	}
	inputChannel := opts.InputChannel
	if inputChannel == "" {
		inputChannel = channels.Input(def.Name, ip)
	}

	if opts.Conf != nil && def.ConfClass != "" && opts.Conf.Class != def.ConfClass {
		return nil, fmt.Errorf("%w: want conf class %q, got %q",
			ErrConfiguration, def.ConfClass, opts.Conf.Class)
	}

	log := opts.Log
	if log == nil {
		log = siclog.New(def.Name, ip, zap.InfoLevel, b)
	}

	c := &Component{
		handler:      h,
		def:          def,
		bus:          b,
		log:          log,
		deviceIP:     ip,
		clientID:     opts.ClientID,
		conf:         opts.Conf,
		inputChannel: inputChannel,
		outputChan:   channels.Component(def.Name, ip, inputChannel),
		stop:         make(chan struct{}),
		runnerDone:   make(chan struct{}),
		warnedKinds:  make(map[string]bool),
		inputs:       map[string]bool{inputChannel: true},
	}
	c.rrChan = channels.RequestReply(c.outputChan)

	if def.Exclusive {
		key := channels.ReservationKey(channels.Endpoint(def.Name, ip))
		ok, err := b.SetIfAbsent(key, c.clientID)
		if err != nil {
			return nil, fmt.Errorf("reserve %s: %w", def.Name, err)
		}
		if !ok {
			holder, _, _ := b.Get(key)
			if holder != c.clientID || c.clientID == "" {
				return nil, fmt.Errorf("%w: %s held by %q", ErrReservationConflict, def.Name, holder)
			}
		}
		c.reserved = true
	}

	c.state.Store(int32(StateStarting))

	rrSub, err := bus.RegisterRequestHandler(b, c.rrChan, c.handleRequest)
	if err != nil {
		c.releaseReservation()
		return nil, err
	}
	c.addSub(rrSub)

	inSub, err := bus.RegisterMessageHandler(b, inputChannel, c.handleMessage)
	if err != nil {
		c.teardownSubs()
		c.releaseReservation()
		return nil, err
	}
	c.addSub(inSub)

	if err := c.initWithTimeout(); err != nil {
		c.teardownSubs()
		c.releaseReservation()
		return nil, fmt.Errorf("init %s: %w", def.Name, err)
	}

	c.state.Store(int32(StateReady))
	log.Infof("component %s ready on %s", def.Name, c.outputChan)

	if r, ok := h.(runner); ok {
		go func() {
			defer close(c.runnerDone)
			r.run(c)
		}()
	} else {
		close(c.runnerDone)
	}
	return c, nil
}

func (c *Component) initWithTimeout() error {
	done := make(chan error, 1)
	go func() { done <- c.handler.Init(c) }()
	select {
	case err := <-done:
		return err
	case <-time.After(c.def.StartupTimeout):
		return fmt.Errorf("not ready after %s", c.def.StartupTimeout)
	}
}

// State returns the current lifecycle state.
func (c *Component) State() State { return State(c.state.Load()) }

// Definition returns the definition the instance was started with, defaults
// applied.
func (c *Component) Definition() Definition { return c.def }

// OutputChannel returns the channel this instance publishes on.
func (c *Component) OutputChannel() string { return c.outputChan }

// RequestReplyChannel returns the channel this instance answers requests on.
func (c *Component) RequestReplyChannel() string { return c.rrChan }

// InputChannel returns the input channel bound at start time.
func (c *Component) InputChannel() string { return c.inputChannel }

// DeviceIP returns the device address the instance runs on.
func (c *Component) DeviceIP() string { return c.deviceIP }

// Conf returns the start-time configuration, possibly nil.
func (c *Component) Conf() *messages.Conf { return c.conf }

// Log returns the instance logger.
func (c *Component) Log() *zap.SugaredLogger { return c.log }

// Publish sends m on the instance's output channel. The previous-component
// tag is set; an unset timestamp is stamped with the broker clock, a set one
// travels unchanged so downstream alignment sees the origin time.
func (c *Component) Publish(m messages.Message) error {
	if c.def.Output != nil && !messages.SameKind(m, c.def.Output) {
		c.warnOnce("out:"+m.Kind(), "publishing %s, declared output is %s", m.Kind(), c.def.Output.Kind())
	}
	h := m.Head()
	if h.Timestamp == 0 {
		h.Timestamp = bus.Now(c.bus)
	}
	h.PreviousComponent = c.def.Name
	_, err := c.bus.Publish(c.outputChan, m)
	return err
}

func (c *Component) handleRequest(_ string, req messages.Request) messages.Message {
	switch r := req.(type) {
	case *messages.Ping:
		return &messages.Pong{}
	case *messages.StopRequest:
		go c.Stop()
		return &messages.Success{}
	case *messages.ConnectRequest:
		return c.connect(r.Channel)
	}

	if !c.beginCall() {
		return messages.NewIgnore()
	}
	defer c.calls.Done()
	reply := c.handler.OnRequest(req)
	if reply == nil {
		reply = messages.NewIgnore()
	}
	return reply
}

func (c *Component) connect(channel string) messages.Message {
	c.inputsMu.Lock()
	already := c.inputs[channel]
	c.inputs[channel] = true
	c.inputsMu.Unlock()
	if already {
		// Reconnects must not double-deliver.
		return &messages.Success{}
	}

	sub, err := bus.RegisterMessageHandler(c.bus, channel, c.handleMessage)
	if err != nil {
		c.log.Errorf("connect to %s: %v", channel, err)
		return messages.NewIgnore()
	}
	c.addSub(sub)
	c.log.Debugf("connected to %s", channel)
	return &messages.Success{}
}

func (c *Component) handleMessage(_ string, m messages.Message) {
	if !c.def.accepts(m.Kind()) {
		c.warnOnce("in:"+m.Kind(), "dropping input of kind %s, accepted: %v", m.Kind(), c.acceptedKinds())
		return
	}
	if !c.beginCall() {
		return
	}
	defer c.calls.Done()
	c.handler.OnMessage(m)
}

// beginCall admits one handler call into the drain accounting. The Ready
// check and the WaitGroup increment happen under one lock, paired with the
// state flip in doStop: once Stop has moved the state past Ready, no new
// call can slip in between the drain wait and Cleanup.
func (c *Component) beginCall() bool {
	c.callsMu.Lock()
	defer c.callsMu.Unlock()
	if c.State() != StateReady {
		return false
	}
	c.calls.Add(1)
	return true
}

func (c *Component) acceptedKinds() []string {
	kinds := make([]string, len(c.def.Inputs))
	for i, in := range c.def.Inputs {
		kinds[i] = in.Kind()
	}
	return kinds
}

func (c *Component) warnOnce(key, template string, args ...any) {
	c.warnMu.Lock()
	seen := c.warnedKinds[key]
	c.warnedKinds[key] = true
	c.warnMu.Unlock()
	if !seen {
		c.log.Warnf(template, args...)
	}
}

func (c *Component) addSub(sub *bus.Subscription) {
	c.subsMu.Lock()
	c.subs = append(c.subs, sub)
	c.subsMu.Unlock()
}

func (c *Component) teardownSubs() {
	c.subsMu.Lock()
	subs := c.subs
	c.subs = nil
	c.subsMu.Unlock()
	for _, sub := range subs {
		_ = c.bus.Unsubscribe(sub)
	}
}

func (c *Component) releaseReservation() {
	if !c.reserved {
		return
	}
	c.reserved = false
	key := channels.ReservationKey(channels.Endpoint(c.def.Name, c.deviceIP))
	if err := c.bus.DeleteKey(key); err != nil {
		c.log.Warnf("release reservation: %v", err)
	}
}

// Stop shuts the instance down: the stream loop is signalled, in-flight
// handler calls drain, subscriptions are torn down and the reservation is
// released. Calling Stop more than once is harmless; later calls return
// after the first one finishes.
func (c *Component) Stop() {
	c.stopOnce.Do(c.doStop)
}

func (c *Component) doStop() {
	c.callsMu.Lock()
	c.state.Store(int32(StateStopping))
	c.callsMu.Unlock()
	close(c.stop)

	drained := c.waitStopped()
	c.teardownSubs()
	c.state.Store(int32(StateStopped))

	if drained {
		c.handler.Cleanup()
		c.state.Store(int32(StateCleaned))
	} else {
		c.log.Warnf("component %s did not drain within %s, skipping cleanup",
			c.def.Name, c.def.StopTimeout)
	}

	c.releaseReservation()
	c.log.Infof("component %s stopped", c.def.Name)
}

func (c *Component) waitStopped() bool {
	done := make(chan struct{})
	go func() {
		<-c.runnerDone
		c.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(c.def.StopTimeout):
		return false
	}
}

// Stopping reports whether shutdown has been requested. Stream loops check
// it between iterations.
func (c *Component) Stopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}
