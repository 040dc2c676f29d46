package channels

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComponentChannelIsDeterministic(t *testing.T) {
	a := Component("Camera", "192.168.1.7", Input("Camera", "192.168.1.7"))
	b := Component("Camera", "192.168.1.7", Input("Camera", "192.168.1.7"))
	assert.Equal(t, a, b)
	assert.Len(t, a, fingerprintLen)
}

func TestComponentChannelVariesPerInstance(t *testing.T) {
	base := Component("Camera", "192.168.1.7", "Camera:input:192.168.1.7")

	assert.NotEqual(t, base, Component("Microphone", "192.168.1.7", "Microphone:input:192.168.1.7"))
	assert.NotEqual(t, base, Component("Camera", "192.168.1.8", "Camera:input:192.168.1.8"))
	assert.NotEqual(t, base, Component("Camera", "192.168.1.7", "other:stream"))
}

func TestComponentChannelIsURLSafe(t *testing.T) {
	ch := Component("FaceDetection", "10.0.0.2", Input("FaceDetection", "10.0.0.2"))
	assert.False(t, strings.ContainsAny(ch, "+/="))
}

func TestNameShapes(t *testing.T) {
	assert.Equal(t, "10.0.0.2", Manager("10.0.0.2"))
	assert.Equal(t, "Camera:10.0.0.2", Endpoint("Camera", "10.0.0.2"))
	assert.Equal(t, "Camera:input:10.0.0.2", Input("Camera", "10.0.0.2"))
	assert.Equal(t, "abc:request_reply", RequestReply("abc"))
	assert.Equal(t, "reservation:Camera:10.0.0.2", ReservationKey("Camera:10.0.0.2"))
	assert.Equal(t, "data_stream:abc", DataStreamKey("abc"))
}
