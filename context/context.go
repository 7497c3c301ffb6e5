// Package context defines the per-call state threaded through the codec,
// transport, and dispatch layers: RpcInfo, the client/server contexts built
// around it, and a sync.Pool-backed recycling cache that stands in for the
// thread-local free list the original design note describes (Go's
// scheduler multiplexes goroutines onto threads, so a per-goroutine cache
// isn't meaningful — a sync.Pool gives the same "reuse, don't allocate"
// property without pinning to an OS thread).
package context

import (
	"sync"
	"time"

	"mini-rpc/message"
)

// Role identifies which side of a call this context represents.
type Role byte

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Endpoint describes one side of an RPC: the logical service name plus an
// optional concrete network address, mirroring RpcInfo's caller/callee
// pair.
type Endpoint struct {
	ServiceName string
	Address     string
	Tags        map[string]string
}

// Config carries the per-call tunables that the TTHeader encoder mirrors
// into the wire header (RPCTimeout, ConnTimeout) and that the transport
// layer consults directly.
type Config struct {
	RPCTimeout       time.Duration
	ConnectTimeout   time.Duration
	ReadWriteTimeout time.Duration
}

// RPCTimeoutOK returns the configured RPC timeout and whether one was set;
// a zero Duration means "no deadline" per spec (`rpc_timeout: None`).
func (c Config) RPCTimeoutOK() (time.Duration, bool) {
	return c.RPCTimeout, c.RPCTimeout > 0
}

// RpcInfo is the triple of caller endpoint, callee endpoint, and call
// config that travels inside every ClientContext/ServerContext.
type RpcInfo struct {
	Caller Endpoint
	Callee Endpoint
	Method string
	Config Config
}

// BizError is the application-level error envelope carried via TTHeader's
// biz-status/biz-message/biz-extra string KVs, independent of the Thrift
// reply envelope itself.
type BizError struct {
	StatusCode    int32
	StatusMessage string
	Extra         map[string]string
}

// Stats accumulates per-call bookkeeping populated by the codec and
// transport layers (bytes read/written, the biz error if any).
type Stats struct {
	ReadSize  int
	WriteSize int
	bizError  *BizError
}

func (s *Stats) BizError() *BizError        { return s.bizError }
func (s *Stats) SetBizError(e *BizError)    { s.bizError = e }
func (s *Stats) Reset() {
	s.ReadSize = 0
	s.WriteSize = 0
	s.bizError = nil
}

// extKey lets callers use any comparable type (typically a package-private
// struct type) as an extension-map key without colliding across packages.
type extKey = any

// Extensions is the typed heterogeneous map carried on every context.
// No layer of this module writes to it; it is left for callers and
// middleware.
type Extensions struct {
	mu sync.RWMutex
	m  map[extKey]any
}

func (e *Extensions) Insert(key extKey, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.m == nil {
		e.m = make(map[extKey]any)
	}
	e.m[key] = value
}

func (e *Extensions) Get(key extKey) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.m[key]
	return v, ok
}

func (e *Extensions) Contains(key extKey) bool {
	_, ok := e.Get(key)
	return ok
}

func (e *Extensions) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.m {
		delete(e.m, k)
	}
}

// MsgType distinguishes request, response, and oneway/exception frames on
// the thrift message envelope, independent of protocol.MsgType (the inner
// framed layer's own, narrower tag).
type MsgType byte

const (
	MsgCall MsgType = iota
	MsgReply
	MsgException
	MsgOneway
)

// ClientContext is the per-call mutable state on the client side. It is
// acquired from the pool before a call and released back to it once the
// call completes (success, error, or timeout all release it).
type ClientContext struct {
	SeqID      int32
	RPCInfo    RpcInfo
	Stats      Stats
	Extensions Extensions
	Role       Role

	// IdlServiceName is carried on the context only; the transports do not
	// send it. A multi-service server's Router dispatches on the TTHeader
	// ToService key, which the transports fill from RPCInfo.Callee.
	IdlServiceName string

	// connReset records that the server signalled crrst: this connection
	// is about to be torn down server-side. It changes only through
	// SetConnReset; the transports act on crrst by marking the connection
	// itself not reusable.
	connReset bool
}

func (c *ClientContext) ConnReset() bool      { return c.connReset }
func (c *ClientContext) SetConnReset(v bool) { c.connReset = v }

func (c *ClientContext) reset() {
	c.SeqID = 0
	c.RPCInfo = RpcInfo{}
	c.Stats.Reset()
	c.Extensions.reset()
	c.Role = RoleClient
	c.IdlServiceName = ""
	c.connReset = false
}

// ServerContext is the per-call mutable state on the server side.
type ServerContext struct {
	SeqID      int32
	RPCInfo    RpcInfo
	Stats      Stats
	Extensions Extensions
	Role       Role
	MsgType    MsgType

	idlServiceName string

	// encodeConnReset, when true, tells the TTHeader encoder to emit the
	// crrst flag on the outgoing response (graceful shutdown in
	// progress).
	encodeConnReset bool
}

func (c *ServerContext) IdlServiceName() string              { return c.idlServiceName }
func (c *ServerContext) SetIdlServiceName(name string)        { c.idlServiceName = name }
func (c *ServerContext) EncodeConnReset() bool                { return c.encodeConnReset }
func (c *ServerContext) SetEncodeConnReset(v bool)            { c.encodeConnReset = v }

func (c *ServerContext) reset() {
	c.SeqID = 0
	c.RPCInfo = RpcInfo{}
	c.Stats.Reset()
	c.Extensions.reset()
	c.Role = RoleServer
	c.MsgType = MsgCall
	c.idlServiceName = ""
	c.encodeConnReset = false
}

var clientCtxPool = sync.Pool{
	New: func() any { return &ClientContext{Role: RoleClient} },
}

var serverCtxPool = sync.Pool{
	New: func() any { return &ServerContext{Role: RoleServer} },
}

// AcquireClientContext returns a recycled or freshly allocated
// ClientContext, always zeroed to a clean state.
func AcquireClientContext() *ClientContext {
	cx := clientCtxPool.Get().(*ClientContext)
	cx.reset()
	return cx
}

// ReleaseClientContext returns cx to the pool. Callers must not touch cx
// after releasing it.
func ReleaseClientContext(cx *ClientContext) {
	clientCtxPool.Put(cx)
}

// AcquireServerContext returns a recycled or freshly allocated
// ServerContext, always zeroed to a clean state.
func AcquireServerContext() *ServerContext {
	cx := serverCtxPool.Get().(*ServerContext)
	cx.reset()
	return cx
}

// ReleaseServerContext returns cx to the pool.
func ReleaseServerContext(cx *ServerContext) {
	serverCtxPool.Put(cx)
}

// NewRPCMessage is a small convenience used by the transport layer to build
// the wire envelope from a context + raw payload, keeping message.RPCMessage
// free of any dependency on this package.
func NewRPCMessage(serviceMethod string, payload []byte, errStr string) *message.RPCMessage {
	return &message.RPCMessage{
		ServiceMethod: serviceMethod,
		Payload:       payload,
		Error:         errStr,
	}
}
