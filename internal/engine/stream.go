package engine

import (
	"context"
	"sync"
	"time"
)

// Stream is the consumer view of one turn's event sequence. Events() yields
// wire events in order and is closed after exactly one terminal event
// (end_turn or error). Record() returns the finished TurnRecord once the
// channel has closed.
//
// The producer side (send/closeWith) is private to the engine. Sends are
// bound to the turn context, so a disconnected consumer cancels the turn
// rather than blocking it.
type Stream struct {
	ctx    context.Context
	events chan Event

	mu       sync.Mutex
	closed   bool
	lastSend time.Time
	record   *TurnRecord

	stop chan struct{}
	wg   sync.WaitGroup
}

// streamBuffer absorbs short bursts (a tool batch finishing at once) without
// blocking the producer.
const streamBuffer = 16

func newStream(ctx context.Context, keepalive time.Duration) *Stream {
	s := &Stream{
		ctx:      ctx,
		events:   make(chan Event, streamBuffer),
		lastSend: time.Now(),
		stop:     make(chan struct{}),
	}
	if keepalive > 0 {
		s.wg.Add(1)
		go s.keepaliveLoop(keepalive)
	}
	return s
}

// Events returns the event channel. It is closed after the terminal event.
func (s *Stream) Events() <-chan Event { return s.events }

// Record returns the turn record. It is non-nil only after Events() closes.
func (s *Stream) Record() *TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// send delivers a non-terminal event. It returns ErrStreamClosed after the
// terminal event and the context error if the consumer is gone.
func (s *Stream) send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	select {
	case s.events <- ev:
		s.lastSend = time.Now()
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// closeWith publishes the record, delivers the terminal event and closes the
// stream. Subsequent sends fail with ErrStreamClosed; calling closeWith
// twice is a no-op, which is what enforces the one-terminal-event invariant.
func (s *Stream) closeWith(ev Event, rec *TurnRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.record = rec
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
		// Consumer is gone; the record still stands.
	}
	s.closed = true
	close(s.events)
	close(s.stop)
}

// keepaliveLoop emits a heartbeat when no event has been sent for a full
// interval. The send is non-blocking: a consumer that is not keeping up
// does not need more keepalives.
func (s *Stream) keepaliveLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.closed && time.Since(s.lastSend) >= interval {
				select {
				case s.events <- Event{Status: StatusKeepalive}:
					s.lastSend = time.Now()
				default:
				}
			}
			s.mu.Unlock()
		}
	}
}
