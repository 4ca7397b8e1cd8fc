package distcheck

import (
	"context"
	"fmt"
	"sync"
)

type slotKey struct {
	seq uint64
	src int
}

// mailbox buffers envelopes that arrive before the local rank reaches the matching
// collective call. Each (seq, src) pair holds at most one envelope.
//
// A rank sends its envelopes for a call only after its earlier calls completed, so
// once call seq from src was received or given up on, any later envelope from src
// with a sequence number at or below it is a duplicate or arrived too late.
type mailbox struct {
	mu    sync.Mutex
	slots map[slotKey]chan *Envelope
	done  map[int]uint64
}

func newMailbox() *mailbox {
	return &mailbox{
		slots: make(map[slotKey]chan *Envelope),
		done:  make(map[int]uint64),
	}
}

// slotLocked must be called with mu held.
func (m *mailbox) slotLocked(k slotKey) chan *Envelope {
	ch, ok := m.slots[k]
	if !ok {
		ch = make(chan *Envelope, 1)
		m.slots[k] = ch
	}
	return ch
}

func (m *mailbox) deliver(env *Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if env.Seq <= m.done[env.Src] {
		return fmt.Errorf("envelope from rank %d for call %d arrived after the call finished", env.Src, env.Seq)
	}
	select {
	case m.slotLocked(slotKey{seq: env.Seq, src: env.Src}) <- env:
		return nil
	default:
		return fmt.Errorf("duplicate envelope from rank %d for call %d", env.Src, env.Seq)
	}
}

func (m *mailbox) receive(ctx context.Context, seq uint64, src int) (*Envelope, error) {
	k := slotKey{seq: seq, src: src}
	m.mu.Lock()
	ch := m.slotLocked(k)
	m.mu.Unlock()

	defer m.finish(k)
	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finish drops the slot of k and rejects whatever src still sends for it.
func (m *mailbox) finish(k slotKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, k)
	if k.seq > m.done[k.src] {
		m.done[k.src] = k.seq
	}
}

// pending is the number of envelopes nobody received yet.
func (m *mailbox) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ch := range m.slots {
		n += len(ch)
	}
	return n
}

// slotCount is the number of open slots, received or not.
func (m *mailbox) slotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
