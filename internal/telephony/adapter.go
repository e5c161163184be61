package telephony

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultQueueDepth bounds inbound events waiting for the call session (~5s of 20ms frames)
const DefaultQueueDepth = 250

// Adapter normalizes inbound telephony messages into a bounded, ordered queue
// and serializes outbound audio into media-frame messages.
//
// Push never blocks. When the queue is full the oldest media frame is dropped;
// start and stop events are never dropped.
type Adapter struct {
	logger *zap.Logger
	depth  int

	mu      sync.Mutex
	queue   []Event
	closed  bool
	dropped int64
	notify  chan struct{}

	streamID atomic.Value
	outSeq   atomic.Int64
}

// NewAdapter creates an adapter whose queue holds at most depth events
func NewAdapter(depth int, logger *zap.Logger) *Adapter {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	a := &Adapter{
		logger: logger,
		depth:  depth,
		queue:  make([]Event, 0, depth),
		notify: make(chan struct{}, 1),
	}
	a.streamID.Store("")
	return a
}

// Push parses a raw transport message and enqueues the resulting event
func (a *Adapter) Push(raw []byte) error {
	ev, err := ParseMessage(raw)
	if err != nil {
		return err
	}
	switch ev.Type {
	case EventStart, EventMedia, EventStop:
		a.Enqueue(ev)
	case EventMark:
		if ev.Mark != "" {
			a.Enqueue(ev)
		}
	}
	return nil
}

// Enqueue adds a normalized event, dropping the oldest media frame on overflow
func (a *Adapter) Enqueue(ev Event) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if ev.Type == EventStart && ev.Start != nil {
		a.streamID.Store(ev.Start.StreamID)
	}
	if len(a.queue) >= a.depth {
		if i := a.oldestMediaIndex(); i >= 0 {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			a.dropped++
			dropped := a.dropped
			a.mu.Unlock()
			a.logger.Warn("Inbound telephony queue full, dropped oldest frame",
				zap.Int("depth", a.depth),
				zap.Int64("totalDropped", dropped))
			a.mu.Lock()
		}
	}
	a.queue = append(a.queue, ev)
	if ev.Type == EventStop {
		a.closed = true
	}
	a.mu.Unlock()

	select {
	case a.notify <- struct{}{}:
	default:
	}
}

func (a *Adapter) oldestMediaIndex() int {
	for i, ev := range a.queue {
		if ev.IsMedia() {
			return i
		}
	}
	return -1
}

// Ready is signalled whenever events are waiting; drain them with Drain
func (a *Adapter) Ready() <-chan struct{} { return a.notify }

// Drain removes and returns every queued event in arrival order
func (a *Adapter) Drain() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return nil
	}
	out := a.queue
	a.queue = make([]Event, 0, a.depth)
	return out
}

// Dropped returns how many media frames were discarded on overflow
func (a *Adapter) Dropped() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// StreamID returns the stream id learned from the start event
func (a *Adapter) StreamID() string {
	return a.streamID.Load().(string)
}

// MediaMessage serializes an encoded telephony-codec frame for the transport
func (a *Adapter) MediaMessage(payload []byte) ([]byte, error) {
	seq := a.outSeq.Add(1)
	return json.Marshal(Message{
		Event:          EventMedia,
		StreamSid:      a.StreamID(),
		SequenceNumber: strconv.FormatInt(seq, 10),
		Media: &MediaPayload{
			Payload: base64.StdEncoding.EncodeToString(payload),
		},
	})
}

// ClearMessage asks the transport to discard audio queued for playback
func (a *Adapter) ClearMessage() ([]byte, error) {
	return json.Marshal(Message{Event: EventClear, StreamSid: a.StreamID()})
}

// MarkMessage asks the transport to report back when playback reaches this point
func (a *Adapter) MarkMessage(name string) ([]byte, error) {
	return json.Marshal(Message{
		Event:     EventMark,
		StreamSid: a.StreamID(),
		Mark:      &MarkPayload{Name: name},
	})
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
