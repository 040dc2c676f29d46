package manager

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/social-interaction-cloud/sic-go/internal/channels"
	"github.com/social-interaction-cloud/sic-go/public/bus"
	"github.com/social-interaction-cloud/sic-go/public/component"
	"github.com/social-interaction-cloud/sic-go/public/messages"
)

type echoService struct {
	component.BaseService
}

func (echoService) Definition() component.Definition {
	return component.Definition{
		Name:   "Echo",
		Inputs: []messages.Message{&messages.Text{}},
		Output: &messages.Text{},
	}
}

func (echoService) Execute(in *component.InputSet) (messages.Message, error) {
	txt := in.Get(messages.KindText).(*messages.Text)
	return messages.NewText("echo: " + txt.Text), nil
}

type lockedActuator struct {
	component.BaseActuator
}

func (lockedActuator) Definition() component.Definition {
	return component.Definition{Name: "Gripper", Exclusive: true}
}

func (lockedActuator) Execute(messages.Request) (messages.Message, error) {
	return &messages.Success{}, nil
}

func startManager(t *testing.T, b bus.Bus) *Manager {
	t.Helper()
	m := New(b, Options{DeviceIP: "10.0.0.9", Log: zap.NewNop().Sugar()})
	m.Register("Echo", func() component.Handler { return component.Service(echoService{}) })
	m.Register("Gripper", func() component.Handler { return component.Actuator(lockedActuator{}) })

	served := make(chan error, 1)
	go func() { served <- m.Serve() }()
	t.Cleanup(func() {
		m.Shutdown()
		require.NoError(t, <-served)
	})

	pingUntilUp(t, b, m.Channel())
	return m
}

// pingUntilUp retries until the manager answers; Serve runs on its own
// goroutine, so the subscription may not be up yet when the test proceeds.
func pingUntilUp(t *testing.T, b bus.Bus, channel string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		reply, err := bus.Request(b, channel, messages.NewPing(), 200*time.Millisecond)
		if err == nil && reply.Kind() == messages.KindPong {
			return
		}
	}
	t.Fatal("manager never answered a ping")
}

func startEcho(t *testing.T, b bus.Bus, m *Manager) *messages.ComponentStarted {
	t.Helper()
	req := messages.NewStartComponentRequest("Echo", "Echo:input:10.0.0.9", "tester", nil)
	reply, err := bus.Request(b, m.Channel(), req, 2*time.Second)
	require.NoError(t, err)
	cs, ok := reply.(*messages.ComponentStarted)
	require.True(t, ok, "got %s instead of component_started", reply.Kind())
	return cs
}

func TestStartComponentAndUseIt(t *testing.T) {
	b := bus.NewMemBus()
	defer b.Close()
	m := startManager(t, b)

	cs := startEcho(t, b, m)
	assert.Equal(t, channels.RequestReply(cs.OutputChannel), cs.RequestReplyChannel)

	out := make(chan messages.Message, 1)
	_, err := bus.RegisterMessageHandler(b, cs.OutputChannel, func(_ string, msg messages.Message) {
		select {
		case out <- msg:
		default:
		}
	})
	require.NoError(t, err)

	in := messages.NewText("hi")
	in.Timestamp = 1.0
	_, err = b.Publish("Echo:input:10.0.0.9", in)
	require.NoError(t, err)

	select {
	case msg := <-out:
		assert.Equal(t, "echo: hi", msg.(*messages.Text).Text)
	case <-time.After(2 * time.Second):
		t.Fatal("started component produced nothing")
	}
}

func TestStartWritesStreamDescriptor(t *testing.T) {
	b := bus.NewMemBus()
	defer b.Close()
	m := startManager(t, b)

	cs := startEcho(t, b, m)

	raw, found, err := b.Get(channels.DataStreamKey(cs.OutputChannel))
	require.NoError(t, err)
	require.True(t, found)

	var desc streamDescriptor
	require.NoError(t, json.Unmarshal([]byte(raw), &desc))
	assert.Equal(t, "Echo:10.0.0.9", desc.ComponentEndpoint)
	assert.Equal(t, "Echo:input:10.0.0.9", desc.InputChannel)
	assert.Equal(t, "tester", desc.ClientID)
}

func TestStartIsIdempotentWhileReady(t *testing.T) {
	b := bus.NewMemBus()
	defer b.Close()
	m := startManager(t, b)

	first := startEcho(t, b, m)
	second := startEcho(t, b, m)
	assert.Equal(t, first.OutputChannel, second.OutputChannel)
	assert.Equal(t, first.RequestReplyChannel, second.RequestReplyChannel)
}

func TestUnknownComponentIsNotStarted(t *testing.T) {
	b := bus.NewMemBus()
	defer b.Close()
	m := startManager(t, b)

	req := messages.NewStartComponentRequest("Telepathy", "in", "tester", nil)
	reply, err := bus.Request(b, m.Channel(), req, 2*time.Second)
	require.NoError(t, err)
	ns, ok := reply.(*messages.NotStarted)
	require.True(t, ok)
	assert.Contains(t, ns.Reason, "Telepathy")
}

func TestReservedComponentIsNotStarted(t *testing.T) {
	b := bus.NewMemBus()
	defer b.Close()
	m := startManager(t, b)

	req := messages.NewStartComponentRequest("Gripper", "g:in", "alice", nil)
	reply, err := bus.Request(b, m.Channel(), req, 2*time.Second)
	require.NoError(t, err)
	require.IsType(t, &messages.ComponentStarted{}, reply)

	req = messages.NewStartComponentRequest("Gripper", "g:in:2", "bob", nil)
	reply, err = bus.Request(b, m.Channel(), req, 2*time.Second)
	require.NoError(t, err)
	require.IsType(t, &messages.NotStarted{}, reply)
}

func TestStopComponentRemovesDescriptor(t *testing.T) {
	b := bus.NewMemBus()
	defer b.Close()
	m := startManager(t, b)

	cs := startEcho(t, b, m)

	stop := messages.NewStopComponentRequest(cs.OutputChannel)
	reply, err := bus.Request(b, m.Channel(), stop, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, messages.KindSuccess, reply.Kind())

	_, found, err := b.Get(channels.DataStreamKey(cs.OutputChannel))
	require.NoError(t, err)
	assert.False(t, found)

	// Stopping again is still a success.
	reply, err = bus.Request(b, m.Channel(), messages.NewStopComponentRequest(cs.OutputChannel), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, messages.KindSuccess, reply.Kind())
}

func TestForeignRequestsAreIgnored(t *testing.T) {
	b := bus.NewMemBus()
	defer b.Close()
	m := startManager(t, b)

	_, err := bus.Request(b, m.Channel(), messages.NewTextRequest("who are you"), 100*time.Millisecond)
	assert.ErrorIs(t, err, bus.ErrRequestTimeout)
}

func TestShutdownStopsLiveComponents(t *testing.T) {
	b := bus.NewMemBus()
	defer b.Close()

	m := New(b, Options{DeviceIP: "10.0.0.9", Log: zap.NewNop().Sugar()})
	m.Register("Echo", func() component.Handler { return component.Service(echoService{}) })
	served := make(chan error, 1)
	go func() { served <- m.Serve() }()

	pingUntilUp(t, b, m.Channel())

	cs := startEcho(t, b, m)
	m.Shutdown()
	require.NoError(t, <-served)

	// The stream descriptor is gone and the component no longer answers.
	_, found, err := b.Get(channels.DataStreamKey(cs.OutputChannel))
	require.NoError(t, err)
	assert.False(t, found)
	_, err = bus.Request(b, cs.RequestReplyChannel, messages.NewPing(), 100*time.Millisecond)
	assert.ErrorIs(t, err, bus.ErrRequestTimeout)
}

func TestStopRequestShutsManagerDown(t *testing.T) {
	b := bus.NewMemBus()
	defer b.Close()

	m := New(b, Options{DeviceIP: "10.0.0.9", Log: zap.NewNop().Sugar()})
	served := make(chan error, 1)
	go func() { served <- m.Serve() }()

	pingUntilUp(t, b, m.Channel())

	reply, err := bus.Request(b, m.Channel(), messages.NewStopRequest(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, messages.KindSuccess, reply.Kind())

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not shut down on stop request")
	}
}

func TestStopRequestAckedBeforeOwnedBusCloses(t *testing.T) {
	b := bus.NewMemBus()

	m := New(b, Options{DeviceIP: "10.0.0.9", Log: zap.NewNop().Sugar()})
	m.ownsBus = true
	served := make(chan error, 1)
	go func() { served <- m.Serve() }()

	pingUntilUp(t, b, m.Channel())

	// Shutdown closes the connection here; the ack must not be lost to it.
	reply, err := bus.Request(b, m.Channel(), messages.NewStopRequest(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, messages.KindSuccess, reply.Kind())

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not shut down on stop request")
	}
	_, err = b.Publish("anywhere", messages.NewText("x"))
	assert.ErrorIs(t, err, bus.ErrBusClosed)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manager.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"device_ip: 192.168.1.20\nlog_level: debug\nredis:\n  host: broker.local\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", cfg.DeviceIP)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "broker.local", cfg.BusConfig().Host)
	assert.Equal(t, "changemeplease", cfg.BusConfig().Password)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1", cfg.Redis.Host)
}
