// Package siclog builds the runtime's loggers: zap loggers that write to the
// local console and mirror every record onto the shared log channel, so an
// application sees the output of components running on other devices.
package siclog

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/social-interaction-cloud/sic-go/internal/channels"
	"github.com/social-interaction-cloud/sic-go/public/bus"
	"github.com/social-interaction-cloud/sic-go/public/messages"
)

// Levels below debug for the framework's own plumbing. Application debug
// output stays readable with these switched off.
const (
	FrameworkDebug = zapcore.Level(-2)
	FrameworkTrace = zapcore.Level(-3)
)

func levelName(l zapcore.Level) string {
	switch l {
	case FrameworkDebug:
		return "FDEBUG"
	case FrameworkTrace:
		return "FTRACE"
	default:
		return l.CapitalString()
	}
}

// ParseLevel reads a level name from configuration. It accepts the zap names
// plus the framework levels.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fdebug", "framework_debug":
		return FrameworkDebug, nil
	case "ftrace", "framework_trace":
		return FrameworkTrace, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(levelName(l))
	}
	return cfg
}

// New returns a logger for one named participant on one device. Records at
// or above level go to stderr and, when b is non-nil, onto the shared log
// channel as log messages.
func New(name, ip string, level zapcore.Level, b bus.Bus) *zap.SugaredLogger {
	console := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig()),
		zapcore.Lock(os.Stderr),
		level,
	)

	core := console
	if b != nil {
		core = zapcore.NewTee(console, newBusCore(name, ip, level, b))
	}

	return zap.New(core).Named(name).Sugar()
}

// busCore mirrors log entries onto the shared log channel.
type busCore struct {
	zapcore.LevelEnabler
	enc  zapcore.Encoder
	name string
	ip   string
	bus  bus.Bus
}

func newBusCore(name, ip string, level zapcore.LevelEnabler, b bus.Bus) *busCore {
	cfg := zapcore.EncoderConfig{MessageKey: "msg"}
	return &busCore{
		LevelEnabler: level,
		enc:          zapcore.NewConsoleEncoder(cfg),
		name:         name,
		ip:           ip,
		bus:          b,
	}
}

func (c *busCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.enc = c.enc.Clone()
	for i := range fields {
		fields[i].AddTo(clone.enc)
	}
	return &clone
}

func (c *busCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *busCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("[%s %s] %s: %s",
		c.name, c.ip, levelName(ent.Level), strings.TrimRight(buf.String(), "\n"))
	buf.Free()

	lm := &messages.LogMessage{Text: text}
	lm.Timestamp = bus.Now(c.bus)
	_, err = c.bus.Publish(channels.Log, lm)
	return err
}

func (c *busCore) Sync() error { return nil }
