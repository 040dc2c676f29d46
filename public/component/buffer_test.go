package component

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/social-interaction-cloud/sic-go/public/messages"
)

func textAt(source string, ts float64) *messages.Text {
	m := messages.NewText("payload")
	m.Timestamp = ts
	m.PreviousComponent = source
	return m
}

func audioAt(source string, ts float64) *messages.Audio {
	m := messages.NewAudio(16000, []byte{1, 2})
	m.Timestamp = ts
	m.PreviousComponent = source
	return m
}

func twoStreamAligner() *aligner {
	return newAligner(Definition{
		Inputs:           []messages.Message{&messages.Text{}, &messages.Audio{}},
		BufferSize:       DefaultBufferSize,
		MaxTimestampDiff: DefaultMaxTimestampDiff,
	})
}

func TestRingDropsOldestAndWarnsAtThresholds(t *testing.T) {
	r := newRing(3)
	var warns []uint64
	for i := 0; i < 15; i++ {
		if dropped, warn := r.push(textAt("s", float64(i))); warn {
			warns = append(warns, dropped)
		}
	}
	// 15 pushes into depth 3 leave 12 dropped; thresholds 5 and 10 fire.
	assert.Equal(t, []uint64{5, 10}, warns)
	assert.Equal(t, uint64(12), r.dropped)
	assert.Equal(t, float64(14), r.newest().Head().Timestamp)
}

func TestTakeAlignedPrefersNewestWithinTolerance(t *testing.T) {
	r := newRing(10)
	for _, ts := range []float64{1.0, 2.0, 2.4} {
		r.push(textAt("s", ts))
	}

	// 2.4 and 2.0 both lie within tolerance of 2.1; the newest wins.
	m, ok := r.takeAligned(2.1, 0.5)
	require.True(t, ok)
	assert.Equal(t, 2.4, m.Head().Timestamp)

	// Only the selected message left the ring.
	m, ok = r.takeAligned(2.1, 0.5)
	require.True(t, ok)
	assert.Equal(t, 2.0, m.Head().Timestamp)
	m, ok = r.takeAligned(1.0, 0.5)
	require.True(t, ok)
	assert.Equal(t, 1.0, m.Head().Timestamp)
	_, ok = r.takeAligned(1.0, 0.5)
	assert.False(t, ok)
}

func TestAlignerSelectsNewestEligiblePerStream(t *testing.T) {
	a := twoStreamAligner()

	a.add(textAt("Transcriber", 10.1))
	a.add(textAt("Transcriber", 10.5))
	a.add(audioAt("Microphone", 10.2))

	set, ok := a.take()
	require.True(t, ok)
	assert.Equal(t, 10.2, set.Timestamp)
	// Both 10.1 and 10.5 are within 0.5s of the reference; the newer one
	// is delivered.
	assert.Equal(t, 10.5, set.Get(messages.KindText).Head().Timestamp)
}

func TestAlignerWaitsForAllDeclaredKinds(t *testing.T) {
	a := twoStreamAligner()

	a.add(textAt("Transcriber", 10.0))
	_, ok := a.take()
	assert.False(t, ok, "audio stream has not produced yet")

	a.add(audioAt("Microphone", 10.2))
	set, ok := a.take()
	require.True(t, ok)
	assert.Equal(t, 10.0, set.Timestamp, "reference is the oldest newest message")
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, 10.0, set.Get(messages.KindText).Head().Timestamp)
	assert.Equal(t, 10.2, set.Get(messages.KindAudio).Head().Timestamp)
}

func TestAlignerRejectsStreamsOutsideTolerance(t *testing.T) {
	a := twoStreamAligner()

	a.add(textAt("Transcriber", 10.0))
	a.add(audioAt("Microphone", 11.0))
	_, ok := a.take()
	assert.False(t, ok, "1.0s apart exceeds the 0.5s tolerance")

	// The text stream catches up; the stale 10.0 message is passed over.
	a.add(textAt("Transcriber", 11.05))
	set, ok := a.take()
	require.True(t, ok)
	assert.Equal(t, 11.0, set.Timestamp)
	assert.Equal(t, 11.05, set.Get(messages.KindText).Head().Timestamp)
}

func TestAlignerKeepsSameKindSourcesApart(t *testing.T) {
	a := newAligner(Definition{
		Inputs:           []messages.Message{&messages.Text{}},
		BufferSize:       DefaultBufferSize,
		MaxTimestampDiff: DefaultMaxTimestampDiff,
	})

	a.add(textAt("Transcriber", 5.0))
	set, ok := a.take()
	require.True(t, ok)
	require.Equal(t, 1, set.Len())

	// A second producer of the same kind becomes a stream of its own:
	// from now on both must contribute.
	a.add(textAt("Translator", 6.0))
	_, ok = a.take()
	assert.False(t, ok)

	a.add(textAt("Transcriber", 6.1))
	set, ok = a.take()
	require.True(t, ok)
	assert.Equal(t, 2, set.Len())
	assert.NotNil(t, set.GetFrom(messages.KindText, "Transcriber"))
	assert.NotNil(t, set.GetFrom(messages.KindText, "Translator"))
}

func TestAlignerNothingConsumedOnPendingSet(t *testing.T) {
	a := twoStreamAligner()
	a.add(textAt("Transcriber", 10.0))
	_, ok := a.take()
	require.False(t, ok)

	// The buffered text message is still there once audio arrives.
	a.add(audioAt("Microphone", 10.1))
	set, ok := a.take()
	require.True(t, ok)
	assert.Equal(t, 10.0, set.Get(messages.KindText).Head().Timestamp)
}

func TestZeroToleranceMatchesEqualStampsOnly(t *testing.T) {
	def := Definition{
		Inputs:           []messages.Message{&messages.Text{}, &messages.Audio{}},
		MaxTimestampDiff: ExactTimestampMatch,
	}.withDefaults()
	require.Equal(t, time.Duration(0), def.MaxTimestampDiff)
	a := newAligner(def)

	a.add(textAt("Transcriber", 10.0))
	a.add(audioAt("Microphone", 10.2))
	_, ok := a.take()
	assert.False(t, ok, "unequal stamps must not align at zero tolerance")

	a.add(textAt("Transcriber", 10.2))
	set, ok := a.take()
	require.True(t, ok)
	assert.Equal(t, 10.2, set.Timestamp)
}

func TestDefinitionDefaults(t *testing.T) {
	d := Definition{Name: "X"}.withDefaults()
	assert.Equal(t, DefaultStartupTimeout, d.StartupTimeout)
	assert.Equal(t, DefaultStopTimeout, d.StopTimeout)
	assert.Equal(t, DefaultBufferSize, d.BufferSize)
	assert.Equal(t, 500*time.Millisecond, d.MaxTimestampDiff)
}
