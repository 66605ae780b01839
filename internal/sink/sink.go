// Package sink holds NativeSink implementations for the surface registry.
package sink

import (
	"sync"
	"time"

	"github.com/bryanchriswhite/surfacehost/internal/logger"
	"github.com/bryanchriswhite/surfacehost/internal/surface"
)

// BindEvent is one notification sent to the native side
type BindEvent struct {
	Owner     int64             `json:"owner"`
	TextureID surface.TextureID `json:"texture_id"`
	// Handle is zero when the surface is unbound
	Handle uint64    `json:"handle"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Tunnel bool      `json:"tunnel"`
	Time   time.Time `json:"time"`
}

// Unbind reports whether the event detaches the texture's surface
func (e BindEvent) Unbind() bool {
	return e.Handle == 0
}

func newEvent(owner int64, id surface.TextureID, s surface.Surface, width, height int, tunnel bool) BindEvent {
	ev := BindEvent{
		Owner:     owner,
		TextureID: id,
		Width:     width,
		Height:    height,
		Tunnel:    tunnel,
		Time:      time.Now(),
	}
	if s != nil {
		ev.Handle = s.Handle()
	}
	return ev
}

// LogSink writes every bind to the log
type LogSink struct{}

// Bind implements surface.NativeSink
func (LogSink) Bind(owner int64, id surface.TextureID, s surface.Surface, width, height int, tunnel bool) {
	ev := newEvent(owner, id, s, width, height, tunnel)
	logger.WithTexture("native-sink", int64(id)).Debug().
		Int64("owner", ev.Owner).
		Uint64("handle", ev.Handle).
		Int("width", ev.Width).
		Int("height", ev.Height).
		Bool("tunnel", ev.Tunnel).
		Bool("unbind", ev.Unbind()).
		Msg("Bind")
}

// Multi fans a bind out to several sinks in order
type Multi []surface.NativeSink

// Bind implements surface.NativeSink
func (m Multi) Bind(owner int64, id surface.TextureID, s surface.Surface, width, height int, tunnel bool) {
	for _, sk := range m {
		sk.Bind(owner, id, s, width, height, tunnel)
	}
}

// StreamSink publishes bind events to subscribers, e.g. an out-of-process
// renderer attached over a websocket.
type StreamSink struct {
	dedupe bool

	mu        sync.RWMutex
	listeners []chan BindEvent
	// last event per texture, used for dedupe and for late subscribers
	current map[surface.TextureID]BindEvent
	dropped uint64
}

// NewStreamSink creates a stream sink. With dedupe set, a bind identical to
// the previous one for the same texture is not published.
func NewStreamSink(dedupe bool) *StreamSink {
	return &StreamSink{
		dedupe:  dedupe,
		current: make(map[surface.TextureID]BindEvent),
	}
}

// Bind implements surface.NativeSink
func (s *StreamSink) Bind(owner int64, id surface.TextureID, surf surface.Surface, width, height int, tunnel bool) {
	ev := newEvent(owner, id, surf, width, height, tunnel)

	s.mu.Lock()
	prev, seen := s.current[id]
	if s.dedupe && seen && sameBinding(prev, ev) {
		s.mu.Unlock()
		return
	}
	if ev.Unbind() && ev.Owner == 0 {
		delete(s.current, id)
	} else {
		s.current[id] = ev
	}
	s.mu.Unlock()

	s.notifyListeners(ev)
}

func sameBinding(a, b BindEvent) bool {
	return a.Owner == b.Owner &&
		a.Handle == b.Handle &&
		a.Width == b.Width &&
		a.Height == b.Height &&
		a.Tunnel == b.Tunnel
}

// Subscribe adds a listener for bind events
func (s *StreamSink) Subscribe() chan BindEvent {
	ch := make(chan BindEvent, 32)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener
func (s *StreamSink) Unsubscribe(ch chan BindEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, listener := range s.listeners {
		if listener == ch {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// notifyListeners notifies all listeners of a bind
func (s *StreamSink) notifyListeners(ev BindEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, listener := range s.listeners {
		select {
		case listener <- ev:
		default:
			// Skip if channel is full
			s.dropped++
		}
	}
}

// Current returns the latest bind for every texture still known to the sink
func (s *StreamSink) Current() []BindEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]BindEvent, 0, len(s.current))
	for _, ev := range s.current {
		out = append(out, ev)
	}
	return out
}

// Dropped returns how many events were skipped because a listener was full
func (s *StreamSink) Dropped() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}
