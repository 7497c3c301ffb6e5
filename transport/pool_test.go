package transport

import (
	stdctx "context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	mu      sync.Mutex
	closed  bool
	reusable bool
}

func newFakeConn() *fakeConn { return &fakeConn{reusable: true} }

func (f *fakeConn) Reusable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reusable && !f.closed
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) markBroken() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reusable = false
}

func TestPoolPingPongExclusiveAndReuse(t *testing.T) {
	var dials int32
	pool := NewPool(DefaultConfig(), func(ctx stdctx.Context, addr string, ver Ver) (Poolable, error) {
		atomic.AddInt32(&dials, 1)
		return newFakeConn(), nil
	})
	defer pool.Close()

	pooled1, err := pool.Get(stdctx.Background(), "10.0.0.1:9000", VerPingPong)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	pooled1.Release()

	pooled2, err := pool.Get(stdctx.Background(), "10.0.0.1:9000", VerPingPong)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	pooled2.Release()

	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Errorf("dials = %d, want 1 (second Get should have reused the idle connection)", got)
	}
}

func TestPoolPingPongDiscardsUnreusable(t *testing.T) {
	var dials int32
	pool := NewPool(DefaultConfig(), func(ctx stdctx.Context, addr string, ver Ver) (Poolable, error) {
		atomic.AddInt32(&dials, 1)
		return newFakeConn(), nil
	})
	defer pool.Close()

	pooled, err := pool.Get(stdctx.Background(), "10.0.0.2:9000", VerPingPong)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	pooled.conn.(*fakeConn).markBroken()
	pooled.Release()

	if _, err := pool.Get(stdctx.Background(), "10.0.0.2:9000", VerPingPong); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := atomic.LoadInt32(&dials); got != 2 {
		t.Errorf("dials = %d, want 2 (broken connection must not be reused)", got)
	}
}

func TestPoolMultiplexSharesOneConnection(t *testing.T) {
	var dials int32
	pool := NewPool(DefaultConfig(), func(ctx stdctx.Context, addr string, ver Ver) (Poolable, error) {
		atomic.AddInt32(&dials, 1)
		time.Sleep(10 * time.Millisecond)
		return newFakeConn(), nil
	})
	defer pool.Close()

	const n = 8
	var wg sync.WaitGroup
	conns := make([]Poolable, n)
	pooled := make([]*Pooled, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := pool.Get(stdctx.Background(), "10.0.0.3:9000", VerMultiplex)
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			conns[i] = p.Conn()
			pooled[i] = p
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Errorf("dials = %d, want 1 (all concurrent multiplex checkouts must share one dial)", got)
	}
	first := conns[0]
	for i := 1; i < n; i++ {
		if conns[i] != first {
			t.Errorf("checkout %d got a different connection than checkout 0", i)
		}
	}
	for _, p := range pooled {
		p.Release()
	}
}

func TestPoolCloseClosesIdleConnections(t *testing.T) {
	pool := NewPool(DefaultConfig(), func(ctx stdctx.Context, addr string, ver Ver) (Poolable, error) {
		return newFakeConn(), nil
	})

	pooled, err := pool.Get(stdctx.Background(), "10.0.0.4:9000", VerPingPong)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	fc := pooled.conn.(*fakeConn)
	pooled.Release()

	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fc.Reusable() {
		t.Errorf("connection should be closed after pool.Close()")
	}
}
