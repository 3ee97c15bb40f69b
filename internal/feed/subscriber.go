package feed

import (
	"context"
	"sync"

	"github.com/coldbell/clawars/backend/internal/domain"
)

// Subscriber is one consumer of a channel with a bounded ring buffer.
type Subscriber struct {
	id      string
	channel Channel
	hub     *Hub

	mu        sync.Mutex
	buf       []domain.Envelope
	head      int
	size      int
	watermark uint64
	dropped   uint64
	closed    bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscriber) ID() string       { return s.id }
func (s *Subscriber) Channel() Channel { return s.channel }

// Ready fires when at least one envelope may be waiting.
func (s *Subscriber) Ready() <-chan struct{} { return s.notify }

// Done is closed once the subscription is cancelled.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// push enqueues env and reports whether an older envelope was dropped to make room.
func (s *Subscriber) push(env domain.Envelope) bool {
	s.mu.Lock()
	if s.closed || (env.Version != 0 && env.Version <= s.watermark) {
		s.mu.Unlock()
		return false
	}
	dropped := false
	if s.size == len(s.buf) {
		s.buf[s.head] = domain.Envelope{}
		s.head = (s.head + 1) % len(s.buf)
		s.size--
		s.dropped++
		dropped = true
	}
	s.buf[(s.head+s.size)%len(s.buf)] = env
	s.size++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Drain removes and returns every queued envelope in publish order.
func (s *Subscriber) Drain() []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size == 0 {
		return nil
	}
	out := make([]domain.Envelope, 0, s.size)
	for s.size > 0 {
		out = append(out, s.buf[s.head])
		s.buf[s.head] = domain.Envelope{}
		s.head = (s.head + 1) % len(s.buf)
		s.size--
	}
	return out
}

// Next blocks until an envelope is available, the subscription is cancelled,
// or ctx is done.
func (s *Subscriber) Next(ctx context.Context) (domain.Envelope, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return domain.Envelope{}, ErrCancelled
		}
		if s.size > 0 {
			env := s.buf[s.head]
			s.buf[s.head] = domain.Envelope{}
			s.head = (s.head + 1) % len(s.buf)
			s.size--
			s.mu.Unlock()
			return env, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.Envelope{}, ctx.Err()
		case <-s.done:
			return domain.Envelope{}, ErrCancelled
		case <-s.notify:
		}
	}
}

// SkipThrough discards queued and future envelopes whose source version is at
// or below watermark. It is called right after a full snapshot is sent.
func (s *Subscriber) SkipThrough(watermark uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if watermark > s.watermark {
		s.watermark = watermark
	}
	kept := 0
	for i := 0; i < s.size; i++ {
		env := s.buf[(s.head+i)%len(s.buf)]
		if env.Version != 0 && env.Version <= s.watermark {
			continue
		}
		s.buf[(s.head+kept)%len(s.buf)] = env
		kept++
	}
	for i := kept; i < s.size; i++ {
		s.buf[(s.head+i)%len(s.buf)] = domain.Envelope{}
	}
	s.size = kept
}

func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Cancel stops delivery immediately and releases the subscription.
func (s *Subscriber) Cancel() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for i := range s.buf {
			s.buf[i] = domain.Envelope{}
		}
		s.size = 0
		s.mu.Unlock()
		close(s.done)
		s.hub.remove(s)
	})
}
