package grpcbridge

import (
	"encoding/base64"
	"strconv"

	"google.golang.org/grpc/codes"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
)

// Trailer holds the three HTTP/2 trailer fields gRPC uses to report a
// call's outcome out-of-band from the response headers, per the wire
// contract described in spec.md §6: grpc-status (decimal ASCII),
// grpc-message, and grpc-status-details-bin (base64 of a serialized
// google.rpc.Status for structured error details).
type Trailer struct {
	GrpcStatus           codes.Code
	GrpcMessage          string
	GrpcStatusDetailsBin []byte // raw, unencoded bytes; base64'd only on the wire
}

// NewTrailer builds a Trailer carrying details (if any) in the
// google.rpc.Status details-bin payload.
func NewTrailer(code codes.Code, message string, details ...*spb.Status) (Trailer, error) {
	t := Trailer{GrpcStatus: code, GrpcMessage: message}
	if len(details) == 0 {
		return t, nil
	}
	raw, err := proto.Marshal(details[0])
	if err != nil {
		return Trailer{}, err
	}
	t.GrpcStatusDetailsBin = raw
	return t, nil
}

// ToMD renders the trailer as gRPC metadata, ready to attach via
// grpc.SetTrailer. grpc-status-details-bin must be base64 (standard,
// unpadded per the gRPC wire spec) since HTTP/2 trailers are ASCII.
func (t Trailer) ToMD() metadata.MD {
	md := metadata.MD{
		"grpc-status":  []string{strconv.Itoa(int(t.GrpcStatus))},
		"grpc-message": []string{t.GrpcMessage},
	}
	if len(t.GrpcStatusDetailsBin) > 0 {
		md["grpc-status-details-bin"] = []string{base64.RawStdEncoding.EncodeToString(t.GrpcStatusDetailsBin)}
	}
	return md
}

// TrailerFromMD parses a Trailer back out of received gRPC metadata.
func TrailerFromMD(md metadata.MD) (Trailer, error) {
	t := Trailer{}
	if v := md.Get("grpc-status"); len(v) > 0 {
		code, err := strconv.Atoi(v[0])
		if err != nil {
			return Trailer{}, err
		}
		t.GrpcStatus = codes.Code(code)
	}
	if v := md.Get("grpc-message"); len(v) > 0 {
		t.GrpcMessage = v[0]
	}
	if v := md.Get("grpc-status-details-bin"); len(v) > 0 {
		raw, err := base64.RawStdEncoding.DecodeString(v[0])
		if err != nil {
			return Trailer{}, err
		}
		t.GrpcStatusDetailsBin = raw
	}
	return t, nil
}

// Status unmarshals GrpcStatusDetailsBin into a google.rpc.Status, for
// callers that need the structured details rather than the bare code
// and message.
func (t Trailer) Status() (*spb.Status, error) {
	if len(t.GrpcStatusDetailsBin) == 0 {
		return &spb.Status{Code: int32(t.GrpcStatus), Message: t.GrpcMessage}, nil
	}
	s := &spb.Status{}
	if err := proto.Unmarshal(t.GrpcStatusDetailsBin, s); err != nil {
		return nil, err
	}
	return s, nil
}
