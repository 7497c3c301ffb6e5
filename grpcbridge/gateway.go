package grpcbridge

import (
	"context"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
)

// RegisterFunc matches the signature grpc-gateway's protoc plugin emits
// for each service (e.g. RegisterArithHandlerFromEndpoint) — this package
// has no IDL toolchain to generate one, so callers plug in their own.
type RegisterFunc func(ctx context.Context, mux *runtime.ServeMux, endpoint string, opts []grpc.DialOption) error

// NewGateway builds an HTTP/1 JSON facade in front of a gRPC endpoint,
// registering each of regs against one runtime.ServeMux. This is
// explicitly outside the hot RPC path (spec.md §1 puts the HTTP/1 router
// out of scope for the core): it exists only so a service that also
// wants a human/browser-friendly entry point has a documented place to
// set one up, not as part of the Thrift or raw-gRPC call path.
func NewGateway(ctx context.Context, endpoint string, tuning Tuning, regs ...RegisterFunc) (http.Handler, error) {
	mux := runtime.NewServeMux()
	opts := tuning.DialOptions()
	for _, reg := range regs {
		if err := reg(ctx, mux, endpoint, opts); err != nil {
			return nil, err
		}
	}
	return mux, nil
}
