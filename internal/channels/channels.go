// Package channels defines the channel-name grammar shared by every peer
// in a Social Interaction Cloud deployment.
//
// All channel and key names are derived deterministically from the component
// name and the device IP, so any peer can address a component without a
// registry lookup. The derivation in this package is the single authoritative
// one; computing a name any other way breaks cross-process addressing.
package channels

import (
	"crypto/sha256"
	"encoding/base64"
)

// Log is the well-known channel all devices publish log records on.
const Log = "sic:logging"

const (
	reservationPrefix = "reservation:"
	dataStreamPrefix  = "data_stream:"
)

// fingerprintLen is the number of characters kept from the base64-encoded
// SHA-256 digest when deriving a component channel.
const fingerprintLen = 16

// Manager returns the channel a device's component manager listens on.
func Manager(deviceIP string) string {
	return deviceIP
}

// Endpoint returns the human-readable identifier of a component instance,
// used in reservation keys and data-stream descriptors.
func Endpoint(componentName, deviceIP string) string {
	return componentName + ":" + deviceIP
}

// Input returns the channel a user program sends messages to a component on.
func Input(componentName, deviceIP string) string {
	return componentName + ":input:" + deviceIP
}

// Component returns the output channel of a component instance: a short
// deterministic fingerprint over the component name, the device IP and the
// input channel bound at start time.
func Component(componentName, deviceIP, inputChannel string) string {
	return fingerprint(componentName + "|" + deviceIP + "|" + inputChannel)
}

// RequestReply returns the request/reply channel paired with a component
// channel.
func RequestReply(componentChannel string) string {
	return componentChannel + ":request_reply"
}

// ReservationKey returns the bus key claimed by a client that holds exclusive
// access to a hardware-backed component.
func ReservationKey(componentEndpoint string) string {
	return reservationPrefix + componentEndpoint
}

// DataStreamKey returns the bus key holding the data-stream descriptor of a
// live component instance.
func DataStreamKey(componentChannel string) string {
	return dataStreamPrefix + componentChannel
}

func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	enc := base64.RawURLEncoding.EncodeToString(sum[:])
	return enc[:fingerprintLen]
}
