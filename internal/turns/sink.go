package turns

import (
	"github.com/loomhq/loom/internal/timeline"
)

// Sink receives advisory notifications while a turn runs. Both callbacks
// are telemetry only: durability is the persisted events, and nothing in
// the engine waits on a sink.
type Sink interface {
	// OnEvent is called after an event was persisted.
	OnEvent(ev timeline.Event)
	// OnDelta receives streamed assistant text fragments.
	OnDelta(text string)
}

// SinkFuncs adapts plain functions to the Sink interface. Nil fields are
// no-ops.
type SinkFuncs struct {
	Event func(ev timeline.Event)
	Delta func(text string)
}

func (s SinkFuncs) OnEvent(ev timeline.Event) {
	if s.Event != nil {
		s.Event(ev)
	}
}

func (s SinkFuncs) OnDelta(text string) {
	if s.Delta != nil {
		s.Delta(text)
	}
}

// Frame is one streaming frame for transports that multiplex events and
// deltas on a single channel.
type Frame struct {
	// Kind is "event" or "delta".
	Kind  string
	Event timeline.Event
	Delta string
}

// ChannelSink forwards frames into a buffered channel, dropping frames
// when the consumer falls behind. A slow or absent reader must never stall
// a turn.
type ChannelSink struct {
	ch chan Frame
}

// NewChannelSink returns a sink buffering up to size frames.
func NewChannelSink(size int) *ChannelSink {
	if size < 1 {
		size = 64
	}
	return &ChannelSink{ch: make(chan Frame, size)}
}

// Frames returns the receive side.
func (s *ChannelSink) Frames() <-chan Frame { return s.ch }

// Close closes the frame channel. Call only after the turn finished.
func (s *ChannelSink) Close() { close(s.ch) }

func (s *ChannelSink) OnEvent(ev timeline.Event) {
	select {
	case s.ch <- Frame{Kind: "event", Event: ev}:
	default:
	}
}

func (s *ChannelSink) OnDelta(text string) {
	select {
	case s.ch <- Frame{Kind: "delta", Delta: text}:
	default:
	}
}

// notify guards nil sinks at call sites.
func notifyEvent(sink Sink, ev timeline.Event) {
	if sink != nil {
		sink.OnEvent(ev)
	}
}

func notifyDelta(sink Sink, text string) {
	if sink != nil {
		sink.OnDelta(text)
	}
}
