// Package server implements the RPC server with service registration, middleware chain,
// parallel request processing, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → peek 6 bytes: TTHeader present? decode TTHeader wrapper : passthrough
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Router.Dispatch(IDL service name) → Middleware Chain
//	      → businessHandler (reflect.Call) → Codec.Encode → (TTHeader wrap) → write response
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mini-rpc/codec"
	rctx "mini-rpc/context"
	"mini-rpc/internal/zlog"
	"mini-rpc/message"
	"mini-rpc/metainfo"
	"mini-rpc/middleware"
	"mini-rpc/protocol"
	"mini-rpc/registry"
	"mini-rpc/rpcerr"
	"mini-rpc/ttheader"
)

var log = zlog.Named("server")

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	router        *Router                 // Name -> service, with an optional default (multi-service dispatch)
	listener      net.Listener            // TCP listener
	wg            sync.WaitGroup          // Tracks in-flight requests for graceful shutdown
	shutdown      atomic.Bool             // Set to true during shutdown to suppress Accept errors
	draining      atomic.Bool             // Set alongside shutdown; tells handlers to emit crrst
	middlewares   []middleware.Middleware // Registered middlewares (applied in order)
	handler       middleware.HandlerFunc  // The final handler chain: middleware(middleware(...(businessHandler)))
	registry      registry.Registry       // Service registry (etcd), nil if not using discovery
	advertiseAddr string                  // Address registered in etcd (e.g., "127.0.0.1:8080")
	// Different from listen address (":8080") because etcd needs a routable IP
}

// NewServer creates a new RPC server with an empty router.
func NewServer() *Server {
	s := new(Server)
	s.router = NewRouter()
	return s
}

// Register registers a service receiver (e.g., &Arith{}) with the server.
// The struct's exported methods that match the RPC signature will be available for remote calls.
//
// The first service registered becomes the router's default, so a single-service
// server (the common case, and the only case a peer that doesn't send an IDL
// service name header can reach) behaves exactly as before multi-service
// routing existed. Subsequent registrations are reachable only by name.
func (svr *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	if len(svr.router.Services()) == 0 {
		svr.router.WithDefaultService(svc)
	} else {
		svr.router.AddService(svc)
	}
	return nil
}

// Serve starts the server: listens on the given address, optionally registers with etcd,
// and enters the Accept loop to handle incoming connections.
//
// Parameters:
//   - advertiseAddr: the address to register in etcd (e.g., "127.0.0.1:8080").
//     This differs from the listen address because ":8080" resolves to "[::]:8080" locally.
//   - reg: the registry implementation. Pass nil to skip service discovery.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	svr.listener = listener

	// Build the middleware chain once at startup (not per-request)
	// Chain wraps middlewares in reverse order to create the onion model:
	//   Chain(A, B, C)(handler) → A(B(C(handler)))
	//   Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	if err != nil {
		return err
	}

	// Register all services to etcd (if registry is provided)
	svr.advertiseAddr = advertiseAddr
	if reg != nil {
		svr.registry = reg
		for _, serviceName := range svr.router.Services() {
			svr.registry.Register(serviceName, registry.ServiceInstance{
				Addr: advertiseAddr,
			}, 10) // TTL = 10 seconds, KeepAlive renews automatically
		}
	}

	// Accept loop: one goroutine per connection
	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			// Check the shutdown flag to distinguish intentional close from real errors.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// handleConn processes a single TCP connection.
// It runs a read loop in a single goroutine (reads must be sequential to parse frame
// boundaries and, when present, the TTHeader wrapper in front of them), but dispatches
// each request to its own goroutine for parallel processing — this is what lets the
// connection carry several concurrently in-flight requests (multiplex) as readily as
// one at a time (ping-pong); the only thing that changes between the two modes is how
// many requests the peer keeps outstanding.
//
// A per-connection write mutex (writeMu) is shared among all request goroutines on this
// connection. This prevents frame interleaving when multiple goroutines write responses
// concurrently — the write lock is the multiplex synchronization point per spec §4.3.
func (svr *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	writeMu := &sync.Mutex{} // Per-connection write lock, shared by all requests on this conn

	for {
		peek, peekErr := br.Peek(ttheader.HeaderDetectLength)
		hasTTHeader := peekErr == nil && ttheader.Detect(peek)

		var decoded *ttheader.DecodeResult
		if hasTTHeader {
			var err error
			decoded, err = ttheader.Decode(br, rctx.RoleServer)
			if err != nil {
				log.Warnw("ttheader decode failed, closing connection", "remote", conn.RemoteAddr(), "error", err)
				return
			}
		}

		// Read one complete inner frame (sequential — single reader per connection)
		header, body, err := protocol.Decode(br)
		if err != nil {
			break // Connection closed or protocol error
		}

		// Skip heartbeat frames — they exist only to keep the connection alive
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		// Dispatch request to a new goroutine for parallel processing.
		// This is critical for performance: without `go`, a slow handler on request 1
		// would block all subsequent requests on the same connection.
		go svr.handleRequest(header, body, decoded, conn, writeMu)
	}
}

// handleRequest processes a single RPC request: decode → Router dispatch → middleware →
// business logic → encode → write (optionally TTHeader-wrapped).
//
// The protocol layer (codec encode/decode, frame write) is separated from the business
// layer (service lookup, reflection call) to allow middleware to wrap only the business
// logic.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, decoded *ttheader.DecodeResult, conn net.Conn, writeMu *sync.Mutex) {
	// Track this request for graceful shutdown (wg.Wait ensures all in-flight requests complete)
	svr.wg.Add(1)
	defer svr.wg.Done()

	cx := rctx.AcquireServerContext()
	defer rctx.ReleaseServerContext(cx)
	cx.SeqID = int32(header.Seq)

	ctx := metainfo.WithScope(context.Background())
	idlServiceName := ""
	if decoded != nil {
		idlServiceName = decoded.ToService
		cx.RPCInfo.Caller.ServiceName = decoded.FromService
		for k, v := range decoded.Persistent {
			metainfo.RecvPersistent(ctx, k, v)
		}
		for k, v := range decoded.Transient {
			metainfo.RecvTransient(ctx, k, v)
		}
	}
	cx.SetIdlServiceName(idlServiceName)

	// Step 1: Decode the frame body into an RPCMessage using the appropriate codec
	c := codec.GetCodec(codec.CodecType(header.CodecType))
	msg := message.RPCMessage{}
	c.Decode(body, &msg)

	// Step 2: Resolve which registered service handles this request. An empty or
	// unmatched IDL service name falls back to the router's default, so a peer that
	// never speaks TTHeader (and thus never sends a service name) keeps working
	// exactly as a single-service server always has.
	svc, routeErr := svr.router.Dispatch(idlServiceName)

	var rpcMessage *message.RPCMessage
	var bizErr *rctx.BizError
	if routeErr != nil {
		rpcMessage = &message.RPCMessage{ServiceMethod: msg.ServiceMethod, Error: routeErr.Error()}
		bizErr = &rctx.BizError{StatusCode: 1, StatusMessage: routeErr.Error()}
	} else {
		cx.RPCInfo.Callee.ServiceName = svc.Name()
		// Step 3: Run through the middleware chain → business handler. The
		// resolved service rides along on ctx so businessHandler never
		// re-derives it (and possibly disagrees) from the message envelope.
		ctx = context.WithValue(ctx, svcCtxKey{}, svc)
		rpcMessage = svr.handler(ctx, &msg)
		if rpcMessage.Error != "" {
			bizErr = &rctx.BizError{StatusCode: 1, StatusMessage: rpcMessage.Error}
		}
	}
	cx.Stats.SetBizError(bizErr)

	// Step 4: Encode and write the response (protected by per-connection write lock)
	result, err := c.Encode(rpcMessage)
	if err != nil {
		log.Errorw("failed to encode method result", "error", err)
		return
	}

	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq, // Same seq as request — this is how multiplexing works
		BodyLen:   uint32(len(result)),
	}
	var innerBuf bytes.Buffer
	if err := protocol.Encode(&innerBuf, &replyHeader, result); err != nil {
		log.Errorw("failed to encode reply frame", "error", err)
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	if decoded != nil {
		connReset := svr.draining.Load()
		if connReset {
			cx.SetEncodeConnReset(true)
		}
		params := ttheader.EncodeParams{
			WriteHeader: true,
			Role:        rctx.RoleServer,
			SeqID:       int32(header.Seq),
			ProtocolID:  decoded.ProtocolID,
			MsgType:     rctx.MsgReply,
			Backward:    metainfo.AllBackward(ctx),
			ConnReset:   connReset,
			BizError:    bizErr,
		}
		if err := ttheader.Encode(conn, params, innerBuf.Bytes()); err != nil {
			log.Warnw("failed to write ttheader response", "error", err)
		}
		return
	}

	if _, err := conn.Write(innerBuf.Bytes()); err != nil {
		log.Warnw("failed to write reply frame", "error", err)
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services from etcd (clients stop routing to this server)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight requests to finish (with timeout)
//
// Connections that speak TTHeader get the crrst signal on their next response, so
// well-behaved clients evict them from the pool proactively instead of waiting to
// discover the close on their next checkout.
func (svr *Server) Shutdown(timeout time.Duration) error {
	// Step 1: Deregister from etcd FIRST — so clients stop sending new requests
	for _, serviceName := range svr.router.Services() {
		if svr.registry != nil {
			svr.registry.Deregister(serviceName, svr.advertiseAddr)
		}
	}

	// Step 2: Set shutdown/draining flags BEFORE closing listener.
	// If we close first, the Accept error fires before the flag is set,
	// and Serve() would return a real error instead of nil.
	svr.draining.Store(true)
	svr.shutdown.Store(true)
	svr.listener.Close()

	// Step 3: Wait for in-flight requests with timeout
	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil // All requests completed
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}

// svcCtxKey is the context key handleRequest uses to hand its router.Dispatch
// result to businessHandler without a second, possibly divergent, lookup.
type svcCtxKey struct{}

// businessHandler is the core handler that dispatches RPC requests to registered services.
// It is wrapped by the middleware chain and has the HandlerFunc signature.
//
// Flow: find method on the router-resolved service (carried via ctx) →
// reflect.New(args) → json.Unmarshal(payload, args) → reflect.Call →
// json.Marshal(reply) → return RPCMessage
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	// Parse "ServiceName.MethodName"
	split := strings.Split(req.ServiceMethod, ".")
	if len(split) != 2 {
		return &message.RPCMessage{Error: "invalid service method format"}
	}
	methodName := split[1]

	svc, _ := ctx.Value(svcCtxKey{}).(*service)
	if svc == nil {
		return &message.RPCMessage{Error: rpcerr.WrapApplication(
			"no service resolved for request", "unknown_method", nil).Error()}
	}

	method, ok := svc.Method(methodName)
	if !ok {
		return &message.RPCMessage{Error: rpcerr.WrapApplication(
			"unknown method: "+methodName, "unknown_method", nil).Error()}
	}

	// Create new instances of args and reply types via reflection
	argv := reflect.New(method.ArgType)     // e.g., reflect.New(Args) → *Args
	replyv := reflect.New(method.ReplyType) // e.g., reflect.New(Reply) → *Reply

	// The args/reply payload is always JSON, independent of the envelope
	// codec (which only wraps the RPCMessage itself, see codec.GetCodec
	// usage in handleRequest): it's the one format every registered
	// service/client pair agrees on regardless of which envelope codec a
	// connection negotiated.
	if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
		return &message.RPCMessage{Error: err.Error()}
	}

	// Invoke the method via reflection: receiver.Method(args, reply)
	methodErr := svc.Call(method, argv, replyv)

	replyMessage, err := json.Marshal(replyv.Interface())
	if err != nil {
		log.Errorw("failed to marshal method result", "error", err)
	}

	// Build the response RPCMessage
	rpcMessage := &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Payload:       replyMessage,
	}
	if methodErr != nil {
		rpcMessage.Error = methodErr.Error()
	}
	return rpcMessage
}
