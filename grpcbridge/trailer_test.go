package grpcbridge

import (
	"testing"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
)

func TestTrailerRoundTripsThroughMD(t *testing.T) {
	detail := &spb.Status{Code: int32(codes.FailedPrecondition), Message: "ring has no instance"}
	trailer, err := NewTrailer(codes.FailedPrecondition, "no available instance", detail)
	if err != nil {
		t.Fatalf("NewTrailer: %v", err)
	}

	md := trailer.ToMD()
	got, err := TrailerFromMD(md)
	if err != nil {
		t.Fatalf("TrailerFromMD: %v", err)
	}

	if got.GrpcStatus != trailer.GrpcStatus {
		t.Errorf("GrpcStatus = %v, want %v", got.GrpcStatus, trailer.GrpcStatus)
	}
	if got.GrpcMessage != trailer.GrpcMessage {
		t.Errorf("GrpcMessage = %q, want %q", got.GrpcMessage, trailer.GrpcMessage)
	}

	status, err := got.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Message != detail.Message {
		t.Errorf("Status().Message = %q, want %q", status.Message, detail.Message)
	}
}

func TestTrailerWithoutDetails(t *testing.T) {
	trailer, err := NewTrailer(codes.NotFound, "unknown service")
	if err != nil {
		t.Fatalf("NewTrailer: %v", err)
	}
	if len(trailer.GrpcStatusDetailsBin) != 0 {
		t.Error("expected no details-bin payload when no details are given")
	}
	md := trailer.ToMD()
	if _, ok := md["grpc-status-details-bin"]; ok {
		t.Error("grpc-status-details-bin should be absent from the metadata when there are no details")
	}
}
