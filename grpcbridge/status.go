// Package grpcbridge carries the gRPC-over-HTTP/2 side of the framework:
// status-code mapping, trailer construction, and the HTTP/2 transport
// tuning knobs spec'd alongside the Thrift stack. It is a set of helpers
// kept apart from the Thrift/TTHeader path: the client and server
// packages do not use it, and it has no transport of its own.
package grpcbridge

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// StatusFromHTTP maps an HTTP status code to the gRPC code a gateway
// should report for it, following the table grpc-gateway and Google's
// APIs use at the HTTP/gRPC boundary.
func StatusFromHTTP(status int) codes.Code {
	switch status {
	case http.StatusOK:
		return codes.OK
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.AlreadyExists
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case 499: // nginx/Google's "client closed request"
		return codes.Canceled
	case http.StatusNotImplemented:
		return codes.Unimplemented
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case http.StatusInternalServerError:
		return codes.Internal
	default:
		if status >= 200 && status < 300 {
			return codes.OK
		}
		return codes.Unknown
	}
}

// HTTPFromStatus is the reverse mapping, used by the gateway to pick an
// HTTP status line for a gRPC response it is translating to JSON.
func HTTPFromStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.Canceled:
		return 499
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.Aborted:
		return http.StatusConflict
	case codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DataLoss:
		return http.StatusInternalServerError
	case codes.Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
