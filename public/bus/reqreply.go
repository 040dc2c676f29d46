package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/social-interaction-cloud/sic-go/public/messages"
)

// ErrRequestTimeout reports that no reply carrying the request's id arrived
// in time. A peer answering with an ignore reply produces this error on
// purpose.
var ErrRequestTimeout = errors.New("request timed out")

// Request publishes req on channel and blocks until a reply carrying the
// same request id arrives on that channel, or timeout passes.
//
// Requests and replies share the channel: the reply is recognized as the
// first non-request message whose request id matches. A zero request id is
// replaced with a fresh one before sending; an unset timestamp is stamped
// with the broker clock.
func Request(b Bus, channel string, req messages.Request, timeout time.Duration) (messages.Message, error) {
	h := req.Head()
	if h.RequestID == 0 {
		h.RequestID = messages.NewRequestID()
	}
	if h.Timestamp == 0 {
		h.Timestamp = Now(b)
	}
	id := h.RequestID

	reply := make(chan messages.Message, 1)
	sub, err := b.Subscribe(channel, func(_ string, m messages.Message) {
		if messages.IsRequest(m) || m.Head().RequestID != id {
			return
		}
		select {
		case reply <- m:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = b.Unsubscribe(sub) }()

	if _, err := b.Publish(channel, req); err != nil {
		return nil, err
	}

	select {
	case m := <-reply:
		return m, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: %s on %s", ErrRequestTimeout, req.Kind(), channel)
	}
}

// RegisterMessageHandler subscribes h to the data traffic on channel.
// Requests travelling on the channel are not delivered to h; they belong to
// the channel's request handler.
func RegisterMessageHandler(b Bus, channel string, h Handler) (*Subscription, error) {
	return b.Subscribe(channel, func(ch string, m messages.Message) {
		if messages.IsRequest(m) {
			return
		}
		h(ch, m)
	})
}

// RequestHandler answers one request. A nil return sends no reply, leaving
// the caller to time out.
type RequestHandler func(channel string, req messages.Request) messages.Message

// RegisterRequestHandler subscribes h to the requests on channel and
// publishes its replies back on the same channel. A reply with an unset
// request id inherits the request's id; a reply that already carries an id,
// such as the ignore sentinel, keeps it.
func RegisterRequestHandler(b Bus, channel string, h RequestHandler) (*Subscription, error) {
	return b.Subscribe(channel, func(ch string, m messages.Message) {
		req, ok := m.(messages.Request)
		if !ok {
			return
		}
		reply := h(ch, req)
		if reply == nil {
			return
		}
		rh := reply.Head()
		if rh.RequestID == 0 {
			rh.RequestID = req.Head().RequestID
		}
		if rh.Timestamp == 0 {
			rh.Timestamp = Now(b)
		}
		if _, err := b.Publish(ch, reply); err != nil {
			// The caller will time out; nothing else to do here.
			return
		}
	})
}
