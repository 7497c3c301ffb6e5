package transport

import (
	"container/list"
	stdctx "context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mini-rpc/rpcerr"
)

// Ver distinguishes the two transport kinds a Pool can hold per address,
// since a ping-pong connection and a multiplex connection to the same
// peer are never interchangeable.
type Ver int

const (
	VerPingPong Ver = iota
	VerMultiplex
)

func (v Ver) String() string {
	if v == VerMultiplex {
		return "multiplex"
	}
	return "ping_pong"
}

// Poolable is the contract a connection must satisfy to live in a Pool.
type Poolable interface {
	Reusable() bool
	Close() error
}

// Key identifies one pool bucket: a callee address plus the connection
// kind wanted against it.
type Key struct {
	Addr string
	Ver  Ver
}

// Config tunes Pool's idle-eviction and dial-serialization behavior.
type Config struct {
	// MaxIdlePerKey bounds how many idle ping-pong connections a single
	// key may accumulate; the oldest is evicted first once the bound is
	// hit. Multiplex connections are exempt — there is at most one live
	// multiplex connection per key, shared rather than pooled by count.
	MaxIdlePerKey int
	// IdleTimeout is how long an idle ping-pong connection may sit before
	// the reaper closes it.
	IdleTimeout time.Duration
	// ReapInterval is how often the reaper goroutine scans for expired
	// idle connections.
	ReapInterval time.Duration
	// DialRatePerSec caps how many fresh dials the pool starts per
	// second, across all keys; zero disables throttling. This matters
	// most right after a server-wide crrst eviction, when many callers
	// discover their shared connection broken in the same instant and
	// would otherwise all redial at once.
	DialRatePerSec float64
	// DialBurst is the token bucket burst size backing DialRatePerSec.
	DialBurst int
}

// DefaultConfig mirrors the teacher pool's defaults in spirit: generous
// idle capacity, a 15s idle timeout.
func DefaultConfig() Config {
	return Config{MaxIdlePerKey: 1024, IdleTimeout: 15 * time.Second, ReapInterval: 5 * time.Second}
}

// DialFunc dials a fresh connection for addr under the requested Ver.
type DialFunc func(ctx stdctx.Context, addr string, ver Ver) (Poolable, error)

type idleEntry struct {
	conn     Poolable
	lastUsed time.Time
}

// sharedConn is the single live multiplex connection kept per key; every
// checkout against a Multiplex key increments refs instead of removing
// the connection from circulation, since the transport itself already
// serializes concurrent callers internally.
type sharedConn struct {
	conn Poolable
	refs int
}

type dialWaiter struct {
	result chan dialOutcome
}

type dialOutcome struct {
	conn Poolable
	err  error
}

// Pool is an ownership-aware connection pool keyed by (address, Ver).
// Ping-pong connections are checked out exclusively and returned to an
// idle list; multiplex connections are checked out as shared references
// to one long-lived connection per key, with at most one dial in flight
// per key at a time.
//
// The teacher's reference design (volo-thrift's pool) races a waiter
// future against a dial future with futures::select; Go has no
// equivalent combinator; in this pool a caller that finds a dial already
// in flight for its key waits on a channel that the dialing caller feeds
// when its dial completes. A connection returned with put does not wake
// those waiters.
type Pool struct {
	mu         sync.Mutex
	idle       map[Key]*list.List // *idleEntry elements, front = most recently returned
	shared     map[Key]*sharedConn
	connecting map[Key]bool
	waiters    map[Key][]dialWaiter

	cfg         Config
	dial        DialFunc
	dialLimiter *rate.Limiter
	closed      bool
	stopCh      chan struct{}
}

// NewPool builds a Pool that dials with dial and reaps idle ping-pong
// connections on a background goroutine until Close is called.
func NewPool(cfg Config, dial DialFunc) *Pool {
	p := &Pool{
		idle:       make(map[Key]*list.List),
		shared:     make(map[Key]*sharedConn),
		connecting: make(map[Key]bool),
		waiters:    make(map[Key][]dialWaiter),
		cfg:        cfg,
		dial:       dial,
		stopCh:     make(chan struct{}),
	}
	if cfg.DialRatePerSec > 0 {
		burst := cfg.DialBurst
		if burst < 1 {
			burst = 1
		}
		p.dialLimiter = rate.NewLimiter(rate.Limit(cfg.DialRatePerSec), burst)
	}
	go p.reapLoop()
	return p
}

// throttleDial blocks until the dial rate limiter (if configured) admits
// one more dial, or ctx is done.
func (p *Pool) throttleDial(ctx stdctx.Context) error {
	if p.dialLimiter == nil {
		return nil
	}
	return p.dialLimiter.Wait(ctx)
}

// Pooled is the RAII-style checkout handle: callers must call Release
// exactly once when done, whether the call succeeded or failed.
type Pooled struct {
	pool     *Pool
	key      Key
	conn     Poolable
	shared   bool
	released bool
}

// Conn returns the checked-out connection.
func (p *Pooled) Conn() Poolable { return p.conn }

// Release returns the connection to the pool, or discards it if it is no
// longer reusable. Safe to call multiple times; only the first call has
// an effect.
func (p *Pooled) Release() {
	if p.released {
		return
	}
	p.released = true
	p.pool.put(p.key, p.conn, p.shared)
}

// Get checks out a connection for addr under ver, dialing one if
// necessary. For VerMultiplex, concurrent callers for the same key share
// one dial and one live connection; for VerPingPong, each caller gets an
// exclusive connection either popped from the idle list or freshly
// dialed.
func (p *Pool) Get(ctx stdctx.Context, addr string, ver Ver) (*Pooled, error) {
	key := Key{Addr: addr, Ver: ver}

	if ver == VerPingPong {
		if conn := p.popIdle(key); conn != nil {
			return &Pooled{pool: p, key: key, conn: conn, shared: false}, nil
		}
		if err := p.throttleDial(ctx); err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindTimeout, "dial rate limit wait", err)
		}
		conn, err := p.dial(ctx, addr, ver)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindTransport, "dial "+addr, err)
		}
		return &Pooled{pool: p, key: key, conn: conn, shared: false}, nil
	}

	return p.getShared(ctx, key)
}

func (p *Pool) popIdle(key Key) Poolable {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.idle[key]
	if !ok || l.Len() == 0 {
		return nil
	}
	for e := l.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*idleEntry)
		l.Remove(e)
		if entry.conn.Reusable() {
			return entry.conn
		}
		entry.conn.Close()
		e = next
	}
	return nil
}

func (p *Pool) getShared(ctx stdctx.Context, key Key) (*Pooled, error) {
	p.mu.Lock()
	if sc, ok := p.shared[key]; ok && sc.conn.Reusable() {
		sc.refs++
		p.mu.Unlock()
		return &Pooled{pool: p, key: key, conn: sc.conn, shared: true}, nil
	}
	if sc, ok := p.shared[key]; ok && !sc.conn.Reusable() {
		delete(p.shared, key)
		sc.conn.Close()
	}

	if p.connecting[key] {
		waiter := dialWaiter{result: make(chan dialOutcome, 1)}
		p.waiters[key] = append(p.waiters[key], waiter)
		p.mu.Unlock()

		select {
		case out := <-waiter.result:
			if out.err != nil {
				return nil, out.err
			}
			return &Pooled{pool: p, key: key, conn: out.conn, shared: true}, nil
		case <-ctx.Done():
			return nil, rpcerr.Wrap(rpcerr.KindTimeout, "waiting for shared connection", ctx.Err())
		}
	}

	p.connecting[key] = true
	p.mu.Unlock()

	throttleErr := p.throttleDial(ctx)
	var conn Poolable
	var err error
	if throttleErr != nil {
		err = throttleErr
	} else {
		conn, err = p.dial(ctx, key.Addr, key.Ver)
	}

	p.mu.Lock()
	delete(p.connecting, key)
	waiters := p.waiters[key]
	delete(p.waiters, key)
	if err != nil {
		p.mu.Unlock()
		derr := rpcerr.Wrap(rpcerr.KindTransport, "dial "+key.Addr, err)
		for _, w := range waiters {
			w.result <- dialOutcome{err: derr}
		}
		return nil, derr
	}
	p.shared[key] = &sharedConn{conn: conn, refs: 1 + len(waiters)}
	p.mu.Unlock()

	for _, w := range waiters {
		w.result <- dialOutcome{conn: conn}
	}
	return &Pooled{pool: p, key: key, conn: conn, shared: true}, nil
}

func (p *Pool) put(key Key, conn Poolable, shared bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if shared {
		sc, ok := p.shared[key]
		if !ok || sc.conn != conn {
			// Already replaced by a redial; this reference is stale.
			if !conn.Reusable() {
				conn.Close()
			}
			return
		}
		sc.refs--
		if sc.refs <= 0 && !conn.Reusable() {
			delete(p.shared, key)
			conn.Close()
		}
		return
	}

	if p.closed || !conn.Reusable() {
		conn.Close()
		return
	}

	l, ok := p.idle[key]
	if !ok {
		l = list.New()
		p.idle[key] = l
	}
	l.PushFront(&idleEntry{conn: conn, lastUsed: time.Now()})
	for l.Len() > p.cfg.MaxIdlePerKey {
		back := l.Back()
		l.Remove(back)
		back.Value.(*idleEntry).conn.Close()
	}
}

// reapLoop evicts ping-pong connections that have sat idle past
// cfg.IdleTimeout. Multiplex connections are never reaped this way: they
// live as long as they stay reusable and referenced.
func (p *Pool) reapLoop() {
	interval := p.cfg.ReapInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapExpired()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	for _, l := range p.idle {
		for e := l.Back(); e != nil; {
			prev := e.Prev()
			entry := e.Value.(*idleEntry)
			if entry.lastUsed.After(cutoff) {
				break
			}
			l.Remove(e)
			entry.conn.Close()
			e = prev
		}
	}
}

// Close stops the reaper and closes every idle and shared connection.
// Connections still checked out close themselves on their next Release.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stopCh)

	for _, l := range p.idle {
		for e := l.Front(); e != nil; e = e.Next() {
			e.Value.(*idleEntry).conn.Close()
		}
	}
	for key, sc := range p.shared {
		sc.conn.Close()
		delete(p.shared, key)
	}
	return nil
}

// Stats reports the pool's current idle/shared bucket sizes, for tests
// and diagnostics.
func (p *Pool) Stats() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	idleCount := 0
	for _, l := range p.idle {
		idleCount += l.Len()
	}
	return fmt.Sprintf("idle=%d shared=%d connecting=%d", idleCount, len(p.shared), len(p.connecting))
}
