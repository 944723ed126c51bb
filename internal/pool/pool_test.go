package pool

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type mockClient struct {
	id       int
	closed   atomic.Int32
	closeErr error
}

func (m *mockClient) Close() error {
	m.closed.Add(1)
	return m.closeErr
}

func counterFactory(n *atomic.Int32) Factory {
	return func() (Poolable, error) {
		return &mockClient{id: int(n.Add(1))}, nil
	}
}

func TestClientPool_GetReusesPerKey(t *testing.T) {
	pool := NewClientPool()
	var made atomic.Int32
	factory := counterFactory(&made)

	c1, created, err := pool.Get(0, factory)
	if err != nil || !created {
		t.Fatalf("Get() = %v, %v, %v; want new client", c1, created, err)
	}
	c2, created, _ := pool.Get(0, factory)
	if created {
		t.Error("second Get() on same key created a client")
	}
	if c1 != c2 {
		t.Error("expected same client instance for same key")
	}

	c3, _, _ := pool.Get(1, factory)
	if c3 == c1 {
		t.Error("different keys share a client")
	}
	if made.Load() != 2 || pool.Len() != 2 {
		t.Errorf("made = %d, Len = %d; want 2, 2", made.Load(), pool.Len())
	}
}

func TestClientPool_FactoryError(t *testing.T) {
	pool := NewClientPool()
	boom := errors.New("boom")
	_, _, err := pool.Get(0, func() (Poolable, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Get() error = %v, want boom", err)
	}
	if pool.Len() != 0 {
		t.Error("failed creation left an entry")
	}
}

func TestClientPool_CreationRaceKeepsOne(t *testing.T) {
	pool := NewClientPool()
	var (
		mu   sync.Mutex
		all  []*mockClient
		wg   sync.WaitGroup
		seen sync.Map
	)
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c, _, err := pool.Get(7, func() (Poolable, error) {
				m := &mockClient{}
				mu.Lock()
				all = append(all, m)
				mu.Unlock()
				return m, nil
			})
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			seen.Store(c, struct{}{})
		}()
	}
	close(start)
	wg.Wait()

	distinct := 0
	seen.Range(func(_, _ any) bool { distinct++; return true })
	if distinct != 1 {
		t.Fatalf("callers saw %d clients, want 1", distinct)
	}

	kept, _, _ := pool.Get(7, nil)
	for _, m := range all {
		if Poolable(m) == kept {
			if m.closed.Load() != 0 {
				t.Error("stored client was closed")
			}
			continue
		}
		if m.closed.Load() != 1 {
			t.Error("losing client was not closed")
		}
	}
}

func TestClientPool_Close(t *testing.T) {
	pool := NewClientPool()
	ok := &mockClient{}
	bad := &mockClient{closeErr: errors.New("already closed")}
	_, _, _ = pool.Get(0, func() (Poolable, error) { return ok, nil })
	_, _, _ = pool.Get(1, func() (Poolable, error) { return bad, nil })

	n, err := pool.Close()
	if err == nil || !strings.Contains(err.Error(), "already closed") {
		t.Fatalf("Close() error = %v, want aggregated close error", err)
	}
	if n != 2 {
		t.Errorf("Close() closed %d clients, want 2", n)
	}
	if ok.closed.Load() != 1 || bad.closed.Load() != 1 {
		t.Error("every client should be closed once")
	}
	if pool.Len() != 0 {
		t.Errorf("Len() after Close = %d", pool.Len())
	}

	if n, err := pool.Close(); n != 0 || err != nil {
		t.Errorf("repeated Close() = %d, %v", n, err)
	}
}

func TestClientPool_GetAfterCloseRefusesCreation(t *testing.T) {
	pool := NewClientPool()
	if _, err := pool.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	var made atomic.Int32
	_, created, err := pool.Get(0, counterFactory(&made))
	if !errors.Is(err, ErrClosed) || created {
		t.Fatalf("Get() after Close = created %v, error %v; want ErrClosed", created, err)
	}
	if made.Load() != 0 || pool.Len() != 0 {
		t.Errorf("factory ran %d times, Len = %d; want 0, 0", made.Load(), pool.Len())
	}
}

func TestClientPool_DistinctPointerKeys(t *testing.T) {
	type lane struct{ id int }
	a, b := &lane{id: 0}, &lane{id: 0}

	pool := NewClientPool()
	var made atomic.Int32
	ca, _, _ := pool.Get(a, counterFactory(&made))
	cb, _, _ := pool.Get(b, counterFactory(&made))
	if ca == cb || pool.Len() != 2 {
		t.Errorf("equal-valued pointer keys share a client (Len = %d)", pool.Len())
	}
}
