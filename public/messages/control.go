package messages

import "strconv"

// Kind tags of the framework's control messages. Every implementation of the
// runtime must carry at least these.
const (
	KindPing                  = "ping"
	KindPong                  = "pong"
	KindSuccess               = "success"
	KindIgnore                = "ignore"
	KindStopRequest           = "stop_request"
	KindConnectRequest        = "connect_request"
	KindStartComponentRequest = "start_component_request"
	KindComponentStarted      = "component_started"
	KindNotStarted            = "not_started"
	KindStopComponentRequest  = "stop_component_request"
	KindLogMessage            = "log_message"
	KindConfMessage           = "conf_message"
)

func init() {
	Register(KindPing, func() Message { return &Ping{} })
	Register(KindPong, func() Message { return &Pong{} })
	Register(KindSuccess, func() Message { return &Success{} })
	Register(KindIgnore, func() Message { return &Ignore{} })
	Register(KindStopRequest, func() Message { return &StopRequest{} })
	Register(KindConnectRequest, func() Message { return &ConnectRequest{} })
	Register(KindStartComponentRequest, func() Message { return &StartComponentRequest{} })
	Register(KindComponentStarted, func() Message { return &ComponentStarted{} })
	Register(KindNotStarted, func() Message { return &NotStarted{} })
	Register(KindStopComponentRequest, func() Message { return &StopComponentRequest{} })
	Register(KindLogMessage, func() Message { return &LogMessage{} })
	Register(KindConfMessage, func() Message { return &Conf{} })
}

// Ping checks whether a component or manager is alive.
type Ping struct {
	RequestHeader `msgpack:"-"`
}

func (*Ping) Kind() string { return KindPing }

// NewPing returns a ping request with a fresh request id.
func NewPing() *Ping {
	p := &Ping{}
	p.RequestID = NewRequestID()
	return p
}

// Pong answers a ping.
type Pong struct {
	Header `msgpack:"-"`
}

func (*Pong) Kind() string { return KindPong }

// Success signals that a request completed.
type Success struct {
	Header `msgpack:"-"`
}

func (*Success) Kind() string { return KindSuccess }

// Ignore is a reply that deliberately does not answer its request: its
// request id is pinned to the ignore sentinel so the request/reply layer
// never delivers it to the waiting caller.
type Ignore struct {
	Header `msgpack:"-"`
}

func (*Ignore) Kind() string { return KindIgnore }

// NewIgnore returns an ignore reply with the sentinel id already set.
func NewIgnore() *Ignore {
	m := &Ignore{}
	m.RequestID = IgnoreRequestID
	return m
}

// StopRequest asks a component (on its request/reply channel) or a manager
// (on the device channel) to shut down.
type StopRequest struct {
	RequestHeader `msgpack:"-"`
}

func (*StopRequest) Kind() string { return KindStopRequest }

// NewStopRequest returns a stop request with a fresh request id.
func NewStopRequest() *StopRequest {
	r := &StopRequest{}
	r.RequestID = NewRequestID()
	return r
}

// ConnectRequest asks a component to additionally subscribe to a channel,
// typically the output channel of another component or the user input
// channel created by a connector.
type ConnectRequest struct {
	RequestHeader `msgpack:"-"`

	Channel string `msgpack:"channel"`
}

func (*ConnectRequest) Kind() string { return KindConnectRequest }

// NewConnectRequest returns a connect request for the given channel.
func NewConnectRequest(channel string) *ConnectRequest {
	r := &ConnectRequest{Channel: channel}
	r.RequestID = NewRequestID()
	return r
}

// StartComponentRequest asks a device's component manager to instantiate a
// component by name.
type StartComponentRequest struct {
	RequestHeader `msgpack:"-"`

	ComponentName string `msgpack:"component_name"`
	InputChannel  string `msgpack:"input_channel"`
	ClientID      string `msgpack:"client_id"`
	Conf          *Conf  `msgpack:"conf"`
}

func (*StartComponentRequest) Kind() string { return KindStartComponentRequest }

// NewStartComponentRequest returns a start request with a fresh request id.
func NewStartComponentRequest(componentName, inputChannel, clientID string, conf *Conf) *StartComponentRequest {
	r := &StartComponentRequest{
		ComponentName: componentName,
		InputChannel:  inputChannel,
		ClientID:      clientID,
		Conf:          conf,
	}
	r.RequestID = NewRequestID()
	return r
}

// ComponentStarted is the manager's success reply to a start request,
// carrying the channel names the connector should talk to.
type ComponentStarted struct {
	Header `msgpack:"-"`

	OutputChannel       string `msgpack:"output_channel"`
	RequestReplyChannel string `msgpack:"request_reply_channel"`
}

func (*ComponentStarted) Kind() string { return KindComponentStarted }

// NotStarted is the manager's in-band failure reply to a start request.
type NotStarted struct {
	Header `msgpack:"-"`

	Reason string `msgpack:"reason"`
}

func (*NotStarted) Kind() string { return KindNotStarted }

// StopComponentRequest asks a manager to stop the component instance bound
// to the given output channel.
type StopComponentRequest struct {
	RequestHeader `msgpack:"-"`

	OutputChannel string `msgpack:"output_channel"`
}

func (*StopComponentRequest) Kind() string { return KindStopComponentRequest }

// NewStopComponentRequest returns a stop-component request with a fresh id.
func NewStopComponentRequest(outputChannel string) *StopComponentRequest {
	r := &StopComponentRequest{OutputChannel: outputChannel}
	r.RequestID = NewRequestID()
	return r
}

// LogMessage carries one formatted log record on the log channel.
type LogMessage struct {
	Header `msgpack:"-"`

	Text string `msgpack:"text"`
}

func (*LogMessage) Kind() string { return KindLogMessage }

// Conf is the configuration object delivered to a component at start time.
// Values are string-encoded; the Class tag names the configuration schema the
// component expects, so a mismatch can be detected across processes.
type Conf struct {
	Header `msgpack:"-"`

	Class  string            `msgpack:"class"`
	Values map[string]string `msgpack:"values"`
}

func (*Conf) Kind() string { return KindConfMessage }

// NewConf returns an empty configuration with the given class tag.
func NewConf(class string) *Conf {
	return &Conf{Class: class, Values: make(map[string]string)}
}

// Set stores a string value and returns the Conf for chaining.
func (c *Conf) Set(key, value string) *Conf {
	if c.Values == nil {
		c.Values = make(map[string]string)
	}
	c.Values[key] = value
	return c
}

// GetString returns the value for key, or def when absent.
func (c *Conf) GetString(key, def string) string {
	if c == nil || c.Values == nil {
		return def
	}
	if v, ok := c.Values[key]; ok {
		return v
	}
	return def
}

// GetInt returns the integer value for key, or def when absent or malformed.
func (c *Conf) GetInt(key string, def int) int {
	v := c.GetString(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetFloat returns the float value for key, or def when absent or malformed.
func (c *Conf) GetFloat(key string, def float64) float64 {
	v := c.GetString(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// GetBool returns the boolean value for key, or def when absent or malformed.
func (c *Conf) GetBool(key string, def bool) bool {
	v := c.GetString(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
