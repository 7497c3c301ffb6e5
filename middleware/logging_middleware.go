package middleware

import (
	"context"
	"time"

	"mini-rpc/internal/zlog"
	"mini-rpc/message"
)

var log = zlog.Named("middleware.logging")

// LoggingMiddleware records the service method, duration, and any errors for each RPC call.
// It captures the start time before calling next, and logs the elapsed time after next returns.
//
// Example output:
//
//	ServiceMethod: Arith.Add, Duration: 42μs
//	Error: division by zero
func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()

			// Call the next handler in the chain
			rpcMessage := next(ctx, req)

			// Post-processing: log duration and errors
			duration := time.Since(start)
			log.Infow("rpc call", "service_method", req.ServiceMethod, "duration", duration)
			if rpcMessage.Error != "" {
				log.Warnw("rpc error", "service_method", req.ServiceMethod, "error", rpcMessage.Error)
			}
			return rpcMessage
		}
	}
}
