package siclog

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/social-interaction-cloud/sic-go/public/bus"
)

type safeBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestLogRecordsReachTheLogChannel(t *testing.T) {
	b := bus.NewMemBus()
	defer b.Close()

	var out safeBuffer
	sub := NewSubscriber(b, &out)
	require.NoError(t, sub.Start())
	defer sub.Stop()

	log := New("Camera", "10.0.0.2", zapcore.InfoLevel, b)
	log.Info("opened device")
	log.Warnf("dropped %d frames", 3)

	waitFor(t, func() bool { return strings.Count(out.String(), "\n") >= 2 })
	text := out.String()
	assert.Contains(t, text, "[Camera 10.0.0.2] INFO: opened device")
	assert.Contains(t, text, "[Camera 10.0.0.2] WARN: dropped 3 frames")
}

func TestRemoteErrorCallback(t *testing.T) {
	b := bus.NewMemBus()
	defer b.Close()

	var out safeBuffer
	sub := NewSubscriber(b, &out)
	errs := make(chan string, 1)
	sub.OnRemoteError(func(text string) {
		select {
		case errs <- text:
		default:
		}
	})
	require.NoError(t, sub.Start())
	defer sub.Stop()

	log := New("FaceDetection", "10.0.0.3", zapcore.InfoLevel, b)
	log.Info("all fine")
	log.Error("model file missing")

	select {
	case text := <-errs:
		assert.Contains(t, text, "model file missing")
	case <-time.After(2 * time.Second):
		t.Fatal("remote error callback never fired")
	}
}

func TestLevelsBelowThresholdStayLocal(t *testing.T) {
	b := bus.NewMemBus()
	defer b.Close()

	var out safeBuffer
	sub := NewSubscriber(b, &out)
	require.NoError(t, sub.Start())
	defer sub.Stop()

	log := New("Camera", "10.0.0.2", zapcore.InfoLevel, b)
	log.Debug("chatty detail")
	log.Info("visible")

	waitFor(t, func() bool { return strings.Contains(out.String(), "visible") })
	assert.NotContains(t, out.String(), "chatty detail")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"info":            zapcore.InfoLevel,
		"DEBUG":           zapcore.DebugLevel,
		"fdebug":          FrameworkDebug,
		"framework_trace": FrameworkTrace,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestFrameworkLevelNames(t *testing.T) {
	assert.Equal(t, "FDEBUG", levelName(FrameworkDebug))
	assert.Equal(t, "FTRACE", levelName(FrameworkTrace))
	assert.Equal(t, "ERROR", levelName(zapcore.ErrorLevel))
}
