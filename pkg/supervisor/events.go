package supervisor

import (
	"sync"
	"time"
)

type EventType string

const (
	EventSpeechStart          EventType = "speech_start"
	EventSpeechEnd            EventType = "speech_end"
	EventSpeechPartialResults EventType = "speech_partial_results"
	EventSpeechResults        EventType = "speech_results"
	EventSpeechVolumeChanged  EventType = "speech_volume_changed"
	EventSpeechError          EventType = "speech_error"
)

// Event is the tagged union delivered to subscribers. Text is set for result
// events, Volume for volume events, Err and Recoverability for errors.
type Event struct {
	Type           EventType
	SessionID      string
	Text           string
	Confidence     *float64
	Volume         float64
	Err            error
	Recoverability Recoverability
	At             time.Time
}

type Listener interface {
	OnEvent(ev Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(ev Event) { f(ev) }

// bus delivers events to listeners from a single goroutine, in publish order.
type bus struct {
	subsMu sync.Mutex
	subs   map[uint64]Listener
	next   uint64

	closeMu sync.RWMutex
	closed  bool
	queue   chan Event
	done    chan struct{}
}

func newBus(size int) *bus {
	if size <= 0 {
		size = 256
	}
	b := &bus{
		subs:  make(map[uint64]Listener),
		queue: make(chan Event, size),
		done:  make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *bus) subscribe(l Listener) func() {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = l
	var once sync.Once
	return func() {
		once.Do(func() {
			b.subsMu.Lock()
			delete(b.subs, id)
			b.subsMu.Unlock()
		})
	}
}

// publish enqueues ev. Volume updates are dropped rather than block when the
// queue is full; every other event is delivered.
func (b *bus) publish(ev Event) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return
	}
	if ev.Type == EventSpeechVolumeChanged {
		select {
		case b.queue <- ev:
		default:
		}
		return
	}
	b.queue <- ev
}

func (b *bus) loop() {
	defer close(b.done)
	for ev := range b.queue {
		b.subsMu.Lock()
		subs := make([]Listener, 0, len(b.subs))
		for _, l := range b.subs {
			subs = append(subs, l)
		}
		b.subsMu.Unlock()
		for _, l := range subs {
			l.OnEvent(ev)
		}
	}
}

// close drains queued events and stops the dispatcher.
func (b *bus) close() {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.closeMu.Unlock()
	<-b.done
}
