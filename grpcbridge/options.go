package grpcbridge

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// Tuning holds the HTTP/2 transport knobs named in spec.md §6: initial
// stream window, initial connection window, max frame size, adaptive
// window, keep-alive interval/timeout, max concurrent streams, and max
// send buffer. The same set of numbers produces both a client's
// DialOptions and a server's ServerOptions, since both ends of a gRPC
// connection tune the same HTTP/2 transport.
type Tuning struct {
	InitialWindowSize     int32 // per-stream flow control window, bytes
	InitialConnWindowSize int32 // per-connection flow control window, bytes
	MaxFrameSize          uint32
	// UseAdaptiveWindow lets gRPC's BDP estimator grow the windows above
	// the static values as it observes round-trip bandwidth, instead of
	// pinning them at InitialWindowSize/InitialConnWindowSize forever.
	UseAdaptiveWindow    bool
	KeepaliveInterval    time.Duration
	KeepaliveTimeout     time.Duration
	MaxConcurrentStreams uint32
	WriteBufferSize      int // max send buffer, bytes
}

// DefaultTuning mirrors grpc-go's own defaults, adjusted for a
// same-datacenter RPC workload: shorter keepalive interval than the
// library default (internet-facing services keep it long to avoid
// needless pings through NAT, but intra-cluster traffic benefits from
// catching a dead peer sooner).
func DefaultTuning() Tuning {
	return Tuning{
		InitialWindowSize:     1 << 20,   // 1MiB
		InitialConnWindowSize: 4 << 20,   // 4MiB
		MaxFrameSize:          16 << 10,  // 16KiB, the HTTP/2 minimum-safe default
		UseAdaptiveWindow:     true,
		KeepaliveInterval:     10 * time.Second,
		KeepaliveTimeout:      3 * time.Second,
		MaxConcurrentStreams:  1000,
		WriteBufferSize:       1 << 20,
	}
}

// DialOptions renders t as grpc.DialOptions for a client-side ClientConn.
//
// Setting an explicit window size disables grpc-go's BDP estimator for
// that window, so UseAdaptiveWindow leaves the corresponding option out
// entirely rather than passing it with some nominal value.
func (t Tuning) DialOptions() []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithWriteBufferSize(t.WriteBufferSize),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    t.KeepaliveInterval,
			Timeout: t.KeepaliveTimeout,
		}),
	}
	if !t.UseAdaptiveWindow {
		opts = append(opts,
			grpc.WithInitialWindowSize(t.InitialWindowSize),
			grpc.WithInitialConnWindowSize(t.InitialConnWindowSize),
		)
	}
	return opts
}

// ServerOptions renders t as grpc.ServerOptions for a server's Serve loop.
func (t Tuning) ServerOptions() []grpc.ServerOption {
	opts := []grpc.ServerOption{
		// MaxFrameSize bounds one HTTP/2 DATA frame, not the whole message;
		// the message size cap is a multiple of it, not the frame size itself.
		grpc.MaxSendMsgSize(int(t.MaxFrameSize) * 64),
		grpc.WriteBufferSize(t.WriteBufferSize),
		grpc.MaxConcurrentStreams(t.MaxConcurrentStreams),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    t.KeepaliveInterval,
			Timeout: t.KeepaliveTimeout,
		}),
	}
	if !t.UseAdaptiveWindow {
		opts = append(opts,
			grpc.InitialWindowSize(t.InitialWindowSize),
			grpc.InitialConnWindowSize(t.InitialConnWindowSize),
		)
	}
	return opts
}
