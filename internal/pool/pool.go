// Package pool keeps one reusable client per execution lane.
package pool

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrClosed is returned by Get once the pool has been closed.
var ErrClosed = errors.New("client pool closed")

// Poolable represents any client that can be pooled and reused.
type Poolable interface {
	Close() error
}

// Factory creates the client for a key on first use.
type Factory func() (Poolable, error)

// ClientPool maps keys to their client. Keys must be comparable; callers key
// by lane identity. Entries are created lazily and live until Close.
type ClientPool struct {
	// mu orders Get against Close: Get holds it shared, Close exclusively.
	mu      sync.RWMutex
	closed  bool
	clients sync.Map // map[any]Poolable
}

// NewClientPool creates an empty pool.
func NewClientPool() *ClientPool {
	return &ClientPool{}
}

// Get returns the client for key, creating it with factory if none exists.
// created reports whether this call stored a new client. After Close, Get
// fails with ErrClosed and never runs factory.
//
// Two first calls racing on the same key may both run factory; the loser's
// client is closed and the stored one returned, so at most one client per key
// survives.
func (p *ClientPool) Get(key any, factory Factory) (client Poolable, created bool, err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, false, ErrClosed
	}

	if v, ok := p.clients.Load(key); ok {
		return v.(Poolable), false, nil
	}

	fresh, err := factory()
	if err != nil {
		return nil, false, err
	}

	actual, loaded := p.clients.LoadOrStore(key, fresh)
	if loaded {
		_ = fresh.Close()
		return actual.(Poolable), false, nil
	}
	return fresh, true, nil
}

// Len returns the number of pooled clients.
func (p *ClientPool) Len() int {
	n := 0
	p.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close closes and forgets every pooled client and refuses new ones. It
// returns how many clients it closed. Individual close failures are
// collected; the pool is empty afterwards either way.
func (p *ClientPool) Close() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true

	var (
		n    int
		errs []string
	)
	p.clients.Range(func(key, value any) bool {
		p.clients.Delete(key)
		n++
		if client, ok := value.(Poolable); ok {
			if err := client.Close(); err != nil {
				errs = append(errs, fmt.Sprintf("client %v: %v", key, err))
			}
		}
		return true
	})

	if len(errs) > 0 {
		return n, fmt.Errorf("pool close errors: %s", strings.Join(errs, "; "))
	}
	return n, nil
}
