// Package client implements the RPC client: service discovery, load
// balancing, and a shared connection pool sit in front of the wire
// transport.
//
// Call flow:
//
//	Call(ctx, "Arith.Add", args, reply)
//	  → Registry.Discover("Arith")          → get instance list from etcd
//	  → Balancer.Pick(ctx, "Arith", insts)   → select one address
//	  → pool.Get(ctx, addr, ver)             → checked-out transport (shared if multiplex)
//	  → transport.Send / .Call               → send request, get response
//	  → json.Unmarshal → reply               → done
package client

import (
	stdctx "context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"mini-rpc/codec"
	rctx "mini-rpc/context"
	"mini-rpc/loadbalance"
	"mini-rpc/message"
	"mini-rpc/metainfo"
	"mini-rpc/registry"
	"mini-rpc/rpcerr"
	"mini-rpc/transport"
)

// Options builds a Client via a fluent, validated configuration, mirroring
// the rest of the stack's builder-then-Build() pattern.
type Options struct {
	registry       registry.Registry
	balancer       loadbalance.Balancer
	codecType      codec.CodecType
	ver            transport.Ver
	callerService  string
	rpcTimeout     time.Duration
	connectTimeout time.Duration
	poolConfig     transport.Config
	network        string
}

// NewOptions returns Options with sane defaults: JSON codec, multiplexed
// transport, round-robin load balancing, no per-call timeout.
func NewOptions() *Options {
	return &Options{
		balancer:       &loadbalance.RoundRobinBalancer{},
		codecType:      codec.CodecTypeJSON,
		ver:            transport.VerMultiplex,
		network:        "tcp",
		poolConfig:     transport.DefaultConfig(),
		connectTimeout: 5 * time.Second,
	}
}

func (o *Options) WithRegistry(r registry.Registry) *Options   { o.registry = r; return o }
func (o *Options) WithBalancer(b loadbalance.Balancer) *Options { o.balancer = b; return o }
func (o *Options) WithCodec(c codec.CodecType) *Options         { o.codecType = c; return o }
func (o *Options) WithCallerService(name string) *Options       { o.callerService = name; return o }
func (o *Options) WithRPCTimeout(d time.Duration) *Options      { o.rpcTimeout = d; return o }
func (o *Options) WithConnectTimeout(d time.Duration) *Options  { o.connectTimeout = d; return o }
func (o *Options) WithPoolConfig(cfg transport.Config) *Options { o.poolConfig = cfg; return o }

// WithPingPong selects the non-multiplexed transport: one request in
// flight per connection, exclusive checkout from the pool.
func (o *Options) WithPingPong() *Options {
	o.ver = transport.VerPingPong
	return o
}

// Build validates the configuration and constructs a Client.
func (o *Options) Build() (*Client, error) {
	if o.registry == nil {
		return nil, rpcerr.New(rpcerr.KindApplication, "client: Options.Registry is required")
	}
	if o.balancer == nil {
		return nil, rpcerr.New(rpcerr.KindApplication, "client: Options.Balancer is required")
	}
	c := &Client{opt: *o}
	c.pool = transport.NewPool(o.poolConfig, c.dial)
	c.watchCtx, c.watchCancel = stdctx.WithCancel(stdctx.Background())
	return c, nil
}

// Client manages the full RPC call lifecycle: service discovery → load
// balancing → pooled transport → call.
type Client struct {
	opt  Options
	pool *transport.Pool

	// watchCtx outlives any single Call: it's the lifetime context handed
	// to ConsistentHashBalancer.WatchAndRebalance's background goroutine,
	// cancelled only on Close, never on an individual call's deadline.
	watchCtx    stdctx.Context
	watchCancel stdctx.CancelFunc
}

// NewClient is a convenience constructor for the common case: a registry,
// a balancer, a codec type, and a pool size kept for backward-compatible
// call sites (the transport pool itself no longer bounds the number of
// connections per address the way the old round-robin slice pool did, so
// poolSize only affects ping-pong idle capacity).
func NewClient(reg registry.Registry, bal loadbalance.Balancer, codecType byte, poolSize int) (*Client, error) {
	opt := NewOptions().WithRegistry(reg).WithBalancer(bal).WithCodec(codec.CodecType(codecType))
	opt.poolConfig.MaxIdlePerKey = poolSize
	return opt.Build()
}

func (c *Client) dial(ctx stdctx.Context, addr string, ver transport.Ver) (transport.Poolable, error) {
	d := net.Dialer{Timeout: c.opt.connectTimeout}
	conn, err := d.DialContext(ctx, c.opt.network, addr)
	if err != nil {
		return nil, err
	}
	if ver == transport.VerMultiplex {
		return transport.NewMultiplexTransport(conn, c.opt.codecType), nil
	}
	return transport.NewPingPongTransport(conn, c.opt.codecType), nil
}

// Call performs a synchronous RPC call identified by "Service.Method".
func (c *Client) Call(ctx stdctx.Context, serviceMethod string, args any, reply any) error {
	split := strings.SplitN(serviceMethod, ".", 2)
	if len(split) != 2 {
		return rpcerr.New(rpcerr.KindApplication, fmt.Sprintf("invalid serviceMethod format: %v", serviceMethod))
	}
	serviceName, method := split[0], split[1]

	ctx = metainfo.WithScope(ctx)

	if chb, ok := c.opt.balancer.(*loadbalance.ConsistentHashBalancer); ok {
		chb.WatchAndRebalance(c.watchCtx, c.opt.registry, serviceName)
	}

	instances, err := c.opt.registry.Discover(serviceName)
	if err != nil {
		return rpcerr.Wrap(rpcerr.KindLoadBalance, "discover "+serviceName, err)
	}

	instance, err := c.opt.balancer.Pick(ctx, serviceName, instances)
	if err != nil {
		return err
	}

	pooled, err := c.pool.Get(ctx, instance.Addr, c.opt.ver)
	if err != nil {
		return err
	}
	defer pooled.Release()

	cx := rctx.AcquireClientContext()
	defer rctx.ReleaseClientContext(cx)
	cx.RPCInfo = rctx.RpcInfo{
		Caller: rctx.Endpoint{ServiceName: c.opt.callerService},
		Callee: rctx.Endpoint{ServiceName: serviceName, Address: instance.Addr},
		Method: method,
		Config: rctx.Config{RPCTimeout: c.opt.rpcTimeout, ConnectTimeout: c.opt.connectTimeout},
	}

	callCtx := ctx
	var cancel stdctx.CancelFunc
	if c.opt.rpcTimeout > 0 {
		callCtx, cancel = stdctx.WithTimeout(ctx, c.opt.rpcTimeout)
		defer cancel()
	}

	resp, err := c.invoke(callCtx, pooled, cx, args)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return rpcerr.New(rpcerr.KindApplication, resp.Error)
	}
	return json.Unmarshal(resp.Payload, reply)
}

func (c *Client) invoke(ctx stdctx.Context, pooled *transport.Pooled, cx *rctx.ClientContext, args any) (*message.RPCMessage, error) {
	switch t := pooled.Conn().(type) {
	case *transport.MultiplexTransport:
		ch, err := t.Send(ctx, cx, args)
		if err != nil {
			return nil, err
		}
		select {
		case msg := <-ch:
			return msg, nil
		case <-ctx.Done():
			return nil, rpcerr.Wrap(rpcerr.KindTimeout, "rpc call", ctx.Err())
		}
	case *transport.PingPongTransport:
		return t.Call(ctx, cx, args)
	default:
		return nil, rpcerr.New(rpcerr.KindTransport, "unknown pooled connection type")
	}
}

// Close tears down the client's connection pool and stops any
// WatchAndRebalance goroutines started on its balancer.
func (c *Client) Close() error {
	c.watchCancel()
	return c.pool.Close()
}
