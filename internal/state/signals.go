package state

import (
	"errors"
	"sync"
	"time"

	"github.com/coldbell/clawars/backend/internal/domain"
)

// errDuplicate marks an event whose effect is already committed.
var errDuplicate = errors.New("duplicate event")

// signalKey scopes signal ids to their agent; agents pick ids independently.
type signalKey struct {
	agentID  string
	signalID string
}

// signalLog is the bounded cross-agent signal history, oldest entries evicted first.
type signalLog struct {
	mu    sync.RWMutex
	buf   []domain.Signal
	head  int
	size  int
	seq   uint64
	index map[signalKey]uint64
}

func newSignalLog(capacity int) *signalLog {
	return &signalLog{
		buf:   make([]domain.Signal, capacity),
		index: make(map[signalKey]uint64, capacity),
	}
}

func (l *signalLog) append(signal domain.Signal) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	signal.Seq = l.seq
	if l.size == len(l.buf) {
		evicted := l.buf[l.head]
		key := signalKey{agentID: evicted.AgentID, signalID: evicted.ID}
		if l.index[key] == evicted.Seq {
			delete(l.index, key)
		}
	} else {
		l.size++
	}
	l.buf[l.head] = signal
	l.index[signalKey{agentID: signal.AgentID, signalID: signal.ID}] = signal.Seq
	l.head = (l.head + 1) % len(l.buf)
	return signal.Seq
}

// slot maps a sequence number to its buffer position when still retained.
func (l *signalLog) slot(seq uint64) (int, bool) {
	oldest := l.seq - uint64(l.size) + 1
	if l.size == 0 || seq < oldest || seq > l.seq {
		return 0, false
	}
	back := int(l.seq - seq)
	return (l.head - 1 - back + len(l.buf)) % len(l.buf), true
}

// contains reports whether the agent's signal is still retained.
func (l *signalLog) contains(agentID, signalID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.index[signalKey{agentID: agentID, signalID: signalID}]
	return ok
}

func (l *signalLog) execute(agentID, signalID string, price float64, at time.Time) (domain.Signal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, ok := l.index[signalKey{agentID: agentID, signalID: signalID}]
	if !ok {
		return domain.Signal{}, false
	}
	idx, ok := l.slot(seq)
	if !ok {
		return domain.Signal{}, false
	}
	sig := l.buf[idx]
	sig.Executed = true
	sig.ExecutionPrice = &price
	sig.ExecutionTime = &at
	l.buf[idx] = sig
	return sig, true
}

func (l *signalLog) recent(limit int) []domain.Signal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > l.size {
		limit = l.size
	}
	out := make([]domain.Signal, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.head - 1 - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

func (l *signalLog) countSince(since time.Time) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := 0
	for i := 0; i < l.size; i++ {
		idx := (l.head - 1 - i + len(l.buf)) % len(l.buf)
		if !l.buf[idx].Timestamp.Before(since) {
			count++
		}
	}
	return count
}

func (l *signalLog) lastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}
