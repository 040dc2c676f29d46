package component

import (
	"math"
	"sync"

	"github.com/social-interaction-cloud/sic-go/public/messages"
)

// dropWarnThresholds are the cumulative drop counts at which a stream's
// backlog is reported. Early values catch a misconfigured pipeline quickly,
// later ones keep a permanently-too-slow service visible without flooding
// the log.
var dropWarnThresholds = []uint64{5, 10, 50, 100, 200, 1000, 5000, 10000}

// messageRing keeps the newest messages of one stream, newest first. When a
// push exceeds the capacity the oldest message is discarded.
type messageRing struct {
	capacity int
	msgs     []messages.Message
	dropped  uint64
}

func newRing(capacity int) *messageRing {
	return &messageRing{capacity: capacity}
}

// push inserts m as the newest message. It returns the cumulative drop count
// and whether that count just crossed a warning threshold.
func (r *messageRing) push(m messages.Message) (uint64, bool) {
	r.msgs = append(r.msgs, nil)
	copy(r.msgs[1:], r.msgs)
	r.msgs[0] = m

	if len(r.msgs) <= r.capacity {
		return r.dropped, false
	}
	r.msgs = r.msgs[:r.capacity]
	r.dropped++
	for _, t := range dropWarnThresholds {
		if r.dropped == t {
			return r.dropped, true
		}
	}
	return r.dropped, false
}

func (r *messageRing) newest() messages.Message {
	if len(r.msgs) == 0 {
		return nil
	}
	return r.msgs[0]
}

// takeAligned removes and returns the newest message within maxDiff seconds
// of ref. Only the selected message leaves the ring; older ones stay until
// they are selected themselves or pushed out by the capacity bound.
func (r *messageRing) takeAligned(ref, maxDiff float64) (messages.Message, bool) {
	for i, m := range r.msgs {
		if math.Abs(m.Head().Timestamp-ref) <= maxDiff {
			r.msgs = append(r.msgs[:i], r.msgs[i+1:]...)
			return m, true
		}
	}
	return nil, false
}

// streamKey identifies one input stream: a message kind from one producer.
type streamKey struct {
	kind   string
	source string
}

// InputSet is one aligned set of inputs handed to a service: one message per
// live input stream, all within the alignment tolerance of Timestamp.
type InputSet struct {
	// Timestamp is the reference time of the set. Service output is
	// stamped with it, so a pipeline's final product still carries the
	// capture time of the sensor data it was computed from.
	Timestamp float64

	msgs map[streamKey]messages.Message
}

// Get returns the message of the given kind, from any source.
func (s *InputSet) Get(kind string) messages.Message {
	for k, m := range s.msgs {
		if k.kind == kind {
			return m
		}
	}
	return nil
}

// GetFrom returns the message of the given kind from one named producer.
func (s *InputSet) GetFrom(kind, source string) messages.Message {
	return s.msgs[streamKey{kind: kind, source: source}]
}

// Len returns the number of streams in the set.
func (s *InputSet) Len() int { return len(s.msgs) }

// aligner buffers the input streams of a service and releases them as
// time-aligned sets.
type aligner struct {
	mu       sync.Mutex
	capacity int
	maxDiff  float64
	kinds    []string
	buckets  map[streamKey]*messageRing
}

func newAligner(def Definition) *aligner {
	kinds := make([]string, len(def.Inputs))
	for i, in := range def.Inputs {
		kinds[i] = in.Kind()
	}
	return &aligner{
		capacity: def.BufferSize,
		maxDiff:  def.MaxTimestampDiff.Seconds(),
		kinds:    kinds,
		buckets:  make(map[streamKey]*messageRing),
	}
}

// add buffers m under its stream. It returns the stream's cumulative drop
// count and whether a backlog warning is due.
func (a *aligner) add(m messages.Message) (streamKey, uint64, bool) {
	key := streamKey{kind: m.Kind(), source: m.Head().PreviousComponent}

	a.mu.Lock()
	defer a.mu.Unlock()
	ring, ok := a.buckets[key]
	if !ok {
		ring = newRing(a.capacity)
		a.buckets[key] = ring
	}
	dropped, warn := ring.push(m)
	return key, dropped, warn
}

// take releases the next aligned set, or reports that one is not available
// yet. A set requires every declared kind to be present, every live stream
// to contribute, and all contributions to lie within the tolerance of the
// reference time. The reference is the oldest of the streams' newest
// messages: no stream is asked to align with data it has not produced yet.
func (a *aligner) take() (*InputSet, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buckets) == 0 {
		return nil, false
	}
	for _, kind := range a.kinds {
		if !a.kindPresent(kind) {
			return nil, false
		}
	}

	ref := math.Inf(1)
	for _, ring := range a.buckets {
		newest := ring.newest()
		if newest == nil {
			return nil, false
		}
		if ts := newest.Head().Timestamp; ts < ref {
			ref = ts
		}
	}

	// Dry pass first: nothing is consumed unless every stream aligns.
	for _, ring := range a.buckets {
		if !ring.canAlign(ref, a.maxDiff) {
			return nil, false
		}
	}

	set := &InputSet{Timestamp: ref, msgs: make(map[streamKey]messages.Message, len(a.buckets))}
	for key, ring := range a.buckets {
		m, _ := ring.takeAligned(ref, a.maxDiff)
		set.msgs[key] = m
	}
	return set, true
}

func (a *aligner) kindPresent(kind string) bool {
	for key, ring := range a.buckets {
		if key.kind == kind && ring.newest() != nil {
			return true
		}
	}
	return false
}

func (r *messageRing) canAlign(ref, maxDiff float64) bool {
	for _, m := range r.msgs {
		if math.Abs(m.Head().Timestamp-ref) <= maxDiff {
			return true
		}
	}
	return false
}
