// Package messages defines the wire envelope and the message types used for
// all communication in the Social Interaction Cloud runtime.
//
// Every message travels as a single framed msgpack record: a kind tag, the
// common metadata (timestamp, previous component name, request id) and an
// opaque payload decoded through the kind registry. Identity of a message
// class is the kind tag, never a Go type: two processes built from different
// binaries must agree on what a message is by name alone.
package messages

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/vmihailenco/msgpack/v5"
)

// IgnoreRequestID is the sentinel request id carried by replies that are not
// meant to answer the request they were triggered by. A caller waiting on the
// request id will deliberately time out on such a reply.
const IgnoreRequestID = -1

// ErrUnknownKind reports an envelope whose kind tag has no registered decoder.
var ErrUnknownKind = errors.New("unknown message kind")

// Header carries the metadata common to every message. The timestamp is
// authored once, at the origin device, and must never be re-stamped as a
// message travels through the pipeline: services align multi-source inputs
// by comparing origin timestamps.
type Header struct {
	// Origin time in seconds since the epoch, 0 if unset. Sub-second
	// precision is kept because alignment tolerances are fractions of a
	// second.
	Timestamp float64
	// Name of the last component that emitted the message, used to tell
	// apart same-kind messages from different sources.
	PreviousComponent string
	// Non-zero for requests and their replies; IgnoreRequestID opts out
	// of the reply contract; 0 otherwise.
	RequestID int64
}

// Head exposes the header for mutation by the framework; message types gain
// it by embedding Header.
func (h *Header) Head() *Header { return h }

// Message is implemented by every payload type, usually by embedding Header
// (or RequestHeader for requests) and defining Kind.
type Message interface {
	Kind() string
	Head() *Header
}

// RequestHeader marks a message type as a request: a message that must be
// answered on the same channel by a non-request message carrying the same
// request id. Embed it instead of Header.
type RequestHeader struct {
	Header `msgpack:"-"`
}

func (*RequestHeader) request() {}

// Request is the interface satisfied by all messages embedding RequestHeader.
type Request interface {
	Message
	request()
}

// IsRequest reports whether m is a request.
func IsRequest(m Message) bool {
	_, ok := m.(Request)
	return ok
}

// SameKind reports whether two messages are the same class. The check is by
// kind tag, which survives cross-process transport where type identity does
// not.
func SameKind(a, b Message) bool {
	return a != nil && b != nil && a.Kind() == b.Kind()
}

// NewRequestID draws a random non-zero 63-bit request id.
func NewRequestID() int64 {
	return rand.Int64N(math.MaxInt64-1) + 1
}

// frame is the versionless wire record. Field names are part of the protocol.
type frame struct {
	Kind                  string  `msgpack:"kind"`
	Timestamp             float64 `msgpack:"timestamp"`
	PreviousComponentName string  `msgpack:"previous_component_name"`
	RequestID             int64   `msgpack:"request_id"`
	Payload               []byte  `msgpack:"payload"`
}

// Marshal serializes a message into its framed wire form. The payload is
// encoded by kind; already-encoded binary payloads such as JPEG bytes are
// carried as-is, never re-encoded.
func Marshal(m Message) ([]byte, error) {
	payload, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.Kind(), err)
	}

	h := m.Head()
	f := frame{
		Kind:                  m.Kind(),
		Timestamp:             h.Timestamp,
		PreviousComponentName: h.PreviousComponent,
		RequestID:             h.RequestID,
		Payload:               payload,
	}

	data, err := msgpack.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", m.Kind(), err)
	}
	return data, nil
}

// Unmarshal parses a framed wire record, instantiates the payload type
// registered for its kind and attaches the envelope metadata.
func Unmarshal(data []byte) (Message, error) {
	var f frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	m, ok := newByKind(f.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, f.Kind)
	}

	if err := msgpack.Unmarshal(f.Payload, m); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", f.Kind, err)
	}

	h := m.Head()
	h.Timestamp = f.Timestamp
	h.PreviousComponent = f.PreviousComponentName
	h.RequestID = f.RequestID
	return m, nil
}
