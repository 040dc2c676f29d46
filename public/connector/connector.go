// Package connector is the application-side handle on a remote component:
// it asks the device's manager to start the component, then exposes the
// component's streams and requests to the application.
package connector

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/social-interaction-cloud/sic-go/internal/channels"
	"github.com/social-interaction-cloud/sic-go/internal/netutil"
	"github.com/social-interaction-cloud/sic-go/public/bus"
	"github.com/social-interaction-cloud/sic-go/public/messages"
	"github.com/social-interaction-cloud/sic-go/public/siclog"
)

// Errors reported by New.
var (
	// ErrDeviceUnreachable means no component manager answered on the
	// device channel: the device is off, unreachable, or runs no manager.
	ErrDeviceUnreachable = errors.New("no component manager on device")
	// ErrComponentNotStarted means the manager answered but could not
	// start the component.
	ErrComponentNotStarted = errors.New("component could not be started")
)

// Timeouts for the start handshake.
const (
	// pingTimeout bounds the liveness check, so asking for a component on
	// a dead device fails in about a second rather than a startup timeout.
	pingTimeout = time.Second

	DefaultStartTimeout   = 30 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

// Options configure one connector.
type Options struct {
	// ClientID identifies this application to the device; a generated id
	// when empty.
	ClientID string
	// Conf is the start-time configuration for the component, may be nil.
	Conf *messages.Conf
	// InputChannel overrides the channel this connector sends on.
	InputChannel string
	// StartTimeout bounds the component's startup on the remote device.
	StartTimeout time.Duration
	// RequestTimeout is the default for Request.
	RequestTimeout time.Duration
	// Log overrides the connector logger.
	Log *zap.SugaredLogger
}

// Connector is a live handle on one remote component instance.
type Connector struct {
	bus            bus.Bus
	componentName  string
	deviceIP       string
	clientID       string
	log            *zap.SugaredLogger
	requestTimeout time.Duration

	inputChannel  string
	outputChannel string
	rrChannel     string

	subs []*bus.Subscription

	stopOnce sync.Once
}

// New starts the named component on the device at deviceIP and returns a
// handle on it. The device's manager is pinged first; the component is then
// started (or reused, when the same client already started it) and told to
// listen on this connector's input channel.
func New(b bus.Bus, componentName, deviceIP string, opts Options) (*Connector, error) {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = netutil.ClientID()
	}
	inputChannel := opts.InputChannel
	if inputChannel == "" {
		inputChannel = channels.Input(componentName, deviceIP)
	}
	startTimeout := opts.StartTimeout
	if startTimeout <= 0 {
		startTimeout = DefaultStartTimeout
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	log := opts.Log
	if log == nil {
		log = siclog.New(componentName+"Connector", deviceIP, zap.InfoLevel, b)
	}

	c := &Connector{
		bus:            b,
		componentName:  componentName,
		deviceIP:       deviceIP,
		clientID:       clientID,
		log:            log,
		requestTimeout: requestTimeout,
		inputChannel:   inputChannel,
	}

	managerChannel := channels.Manager(deviceIP)
	if _, err := bus.Request(b, managerChannel, messages.NewPing(), pingTimeout); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrDeviceUnreachable, deviceIP, err)
	}

	start := messages.NewStartComponentRequest(componentName, inputChannel, clientID, opts.Conf)
	reply, err := bus.Request(b, managerChannel, start, startTimeout)
	if err != nil {
		return nil, fmt.Errorf("start %s on %s: %w", componentName, deviceIP, err)
	}
	switch r := reply.(type) {
	case *messages.ComponentStarted:
		c.outputChannel = r.OutputChannel
		c.rrChannel = r.RequestReplyChannel
	case *messages.NotStarted:
		return nil, fmt.Errorf("%w: %s", ErrComponentNotStarted, r.Reason)
	default:
		return nil, fmt.Errorf("%w: unexpected reply %s", ErrComponentNotStarted, reply.Kind())
	}

	// A reused instance may be bound to another input channel; make sure
	// it listens on ours.
	if _, err := bus.Request(b, c.rrChannel, messages.NewConnectRequest(inputChannel), requestTimeout); err != nil {
		return nil, fmt.Errorf("connect input channel of %s: %w", componentName, err)
	}

	log.Debugf("connected to %s on %s", componentName, deviceIP)
	return c, nil
}

// ComponentName returns the name of the remote component class.
func (c *Connector) ComponentName() string { return c.componentName }

// OutputChannel returns the channel the component publishes on.
func (c *Connector) OutputChannel() string { return c.outputChannel }

// RequestReplyChannel returns the component's request channel.
func (c *Connector) RequestReplyChannel() string { return c.rrChannel }

// InputChannel returns the channel this connector sends on.
func (c *Connector) InputChannel() string { return c.inputChannel }

// SendMessage sends m to the component. An unset timestamp is stamped with
// the broker clock; the previous-component tag becomes this client's id, so
// the component can tell connectors apart.
func (c *Connector) SendMessage(m messages.Message) error {
	h := m.Head()
	if h.Timestamp == 0 {
		h.Timestamp = bus.Now(c.bus)
	}
	if h.PreviousComponent == "" {
		h.PreviousComponent = c.clientID
	}
	_, err := c.bus.Publish(c.inputChannel, m)
	return err
}

// Request sends req to the component and returns its reply.
func (c *Connector) Request(req messages.Request) (messages.Message, error) {
	return bus.Request(c.bus, c.rrChannel, req, c.requestTimeout)
}

// RegisterCallback delivers every message the component publishes to h.
func (c *Connector) RegisterCallback(h func(m messages.Message)) error {
	sub, err := bus.RegisterMessageHandler(c.bus, c.outputChannel, func(_ string, m messages.Message) {
		h(m)
	})
	if err != nil {
		return err
	}
	c.subs = append(c.subs, sub)
	return nil
}

// ConnectTo pipes this component's output into downstream's component:
// whatever this component publishes, the downstream component consumes as
// input, origin timestamps intact.
func (c *Connector) ConnectTo(downstream *Connector) error {
	req := messages.NewConnectRequest(c.outputChannel)
	reply, err := bus.Request(c.bus, downstream.rrChannel, req, c.requestTimeout)
	if err != nil {
		return fmt.Errorf("connect %s to %s: %w", c.componentName, downstream.componentName, err)
	}
	if reply.Kind() != messages.KindSuccess {
		return fmt.Errorf("connect %s to %s: got %s", c.componentName, downstream.componentName, reply.Kind())
	}
	return nil
}

// Stop asks the remote component to shut down and releases the connector's
// subscriptions. Safe to call more than once.
func (c *Connector) Stop() {
	c.stopOnce.Do(func() {
		if _, err := bus.Request(c.bus, c.rrChannel, messages.NewStopRequest(), c.requestTimeout); err != nil {
			c.log.Warnf("stop %s: %v", c.componentName, err)
		}
		for _, sub := range c.subs {
			_ = c.bus.Unsubscribe(sub)
		}
		c.subs = nil
	})
}
