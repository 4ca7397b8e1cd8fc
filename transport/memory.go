package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/Mathew-Estafanous/distcheck"
	"github.com/Mathew-Estafanous/distcheck/rendezvous"
)

// Registry manages a collection of in-memory transports
type Registry struct {
	transports map[string]*MemoryTransport
	mu         sync.RWMutex
}

// NewRegistry creates a new registry for in-memory transports
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]*MemoryTransport),
	}
}

// MemoryTransport passes envelopes between groups of the same process.
// This is primarily useful for testing purposes
type MemoryTransport struct {
	addr     string
	handler  distcheck.EnvelopeHandler
	running  bool
	mu       sync.RWMutex
	registry *Registry
}

func NewMemoryTransport(addr string, registry *Registry) *MemoryTransport {
	return &MemoryTransport{
		addr:     addr,
		registry: registry,
	}
}

func (t *MemoryTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handler == nil {
		return ErrNoHandlerRegistered
	}

	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()

	if _, exists := t.registry.transports[t.addr]; exists {
		return errors.New("memory transport already registered with this address")
	}

	t.registry.transports[t.addr] = t
	t.running = true
	return nil
}

func (t *MemoryTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}

	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()

	delete(t.registry.transports, t.addr)
	t.running = false
	return nil
}

func (t *MemoryTransport) Addr() string {
	return t.addr
}

func (t *MemoryTransport) RegisterHandler(handler distcheck.EnvelopeHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if handler == nil {
		return ErrNilHandler
	}
	t.handler = handler
	return nil
}

// Send hands env to the target's handler. The values are copied so the receiver
// never aliases the sender's slice.
func (t *MemoryTransport) Send(ctx context.Context, target rendezvous.Member, env *distcheck.Envelope) error {
	targetTransport, err := t.getTargetTransport(target.Addr)
	if err != nil {
		return err
	}

	cp := *env
	cp.Values = append([]float64{}, env.Values...)

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return targetTransport.handler.OnEnvelope(&cp)
	}
}

func (t *MemoryTransport) getTargetTransport(addr string) (*MemoryTransport, error) {
	t.registry.mu.RLock()
	defer t.registry.mu.RUnlock()

	targetTransport, exists := t.registry.transports[addr]
	if !exists {
		return nil, ErrPeerNotFound
	}

	targetTransport.mu.RLock()
	defer targetTransport.mu.RUnlock()

	if !targetTransport.running {
		return nil, ErrPeerNotRunning
	}

	return targetTransport, nil
}
