package ttheader

import (
	"bufio"
	"bytes"
	"testing"

	rctx "mini-rpc/context"
)

func TestDetect(t *testing.T) {
	tt := []struct {
		name string
		buf  []byte
		want bool
	}{
		{"too short", []byte{0, 0, 0}, false},
		{"no magic", []byte{0, 0, 0, 10, 0x00, 0x00}, false},
		{"magic present", []byte{0, 0, 0, 10, 0x10, 0x00}, true},
	}
	for _, tc := range tt {
		if got := Detect(tc.buf); got != tc.want {
			t.Errorf("%s: Detect() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEncodeDecodeClientRequest(t *testing.T) {
	inner := []byte("inner-frame-bytes")
	params := EncodeParams{
		WriteHeader: true,
		Role:        rctx.RoleClient,
		SeqID:       42,
		ProtocolID:  ProtocolBinary,
		Persistent:  map[string]string{"tenant": "acme"},
		Transient:   map[string]string{"trace-id": "abc123"},
		RPCTimeout:  5000,
		FromService: "caller-svc",
		ToService:   "callee-svc",
		ToMethod:    "DoThing",
	}

	var buf bytes.Buffer
	if err := Encode(&buf, params, inner); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	br := bufio.NewReader(&buf)
	peek, err := br.Peek(HeaderDetectLength)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if !Detect(peek) {
		t.Fatalf("Detect() = false on an encoded ttheader frame")
	}

	result, err := Decode(br, rctx.RoleServer)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if result.SeqID != 42 {
		t.Errorf("SeqID = %d, want 42", result.SeqID)
	}
	if result.ProtocolID != ProtocolBinary {
		t.Errorf("ProtocolID = %d, want %d", result.ProtocolID, ProtocolBinary)
	}
	if result.FromService != "caller-svc" || result.ToService != "callee-svc" {
		t.Errorf("FromService/ToService = %q/%q, want caller-svc/callee-svc", result.FromService, result.ToService)
	}
	if result.RPCTimeoutMs != 5000 {
		t.Errorf("RPCTimeoutMs = %d, want 5000", result.RPCTimeoutMs)
	}
	if result.Persistent["tenant"] != "acme" {
		t.Errorf("Persistent[tenant] = %q, want acme", result.Persistent["tenant"])
	}
	if result.Transient["trace-id"] != "abc123" {
		t.Errorf("Transient[trace-id] = %q, want abc123", result.Transient["trace-id"])
	}

	remaining, err := br.Peek(len(inner))
	if err != nil {
		t.Fatalf("Peek remaining: %v", err)
	}
	if !bytes.Equal(remaining, inner) {
		t.Errorf("remaining bytes after Decode = %q, want %q", remaining, inner)
	}
}

func TestEncodeDecodeServerResponseWithBizError(t *testing.T) {
	inner := []byte("reply-bytes")
	params := EncodeParams{
		WriteHeader: true,
		Role:        rctx.RoleServer,
		SeqID:       7,
		ProtocolID:  ProtocolBinary,
		MsgType:     rctx.MsgReply,
		Backward:    map[string]string{"shard": "3"},
		ConnReset:   true,
		BizError:    &rctx.BizError{StatusCode: 1003, StatusMessage: "rate limited"},
	}

	var buf bytes.Buffer
	if err := Encode(&buf, params, inner); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	br := bufio.NewReader(&buf)
	result, err := Decode(br, rctx.RoleClient)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !result.ConnReset {
		t.Errorf("ConnReset = false, want true")
	}
	if result.BizError == nil {
		t.Fatalf("BizError = nil, want non-nil")
	}
	if result.BizError.StatusCode != 1003 || result.BizError.StatusMessage != "rate limited" {
		t.Errorf("BizError = %+v, want {1003 rate limited}", result.BizError)
	}
	if result.Backward["shard"] != "3" {
		t.Errorf("Backward[shard] = %q, want 3", result.Backward["shard"])
	}
}

func TestEncodeWithoutHeaderIsPassthrough(t *testing.T) {
	inner := []byte("raw-inner-frame")
	var buf bytes.Buffer
	if err := Encode(&buf, EncodeParams{WriteHeader: false}, inner); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), inner) {
		t.Errorf("passthrough encode wrote %q, want %q", buf.Bytes(), inner)
	}
}

func TestDecodeBadMagic(t *testing.T) {
	fixed := make([]byte, 14)
	fixed[4], fixed[5] = 0xAB, 0xCD
	br := bufio.NewReader(bytes.NewReader(fixed))
	_, err := Decode(br, rctx.RoleServer)
	if err == nil {
		t.Fatal("Decode: expected error on bad magic, got nil")
	}
	pe, ok := err.(*ProtocolException)
	if !ok {
		t.Fatalf("Decode err type = %T, want *ProtocolException", err)
	}
	if pe.Kind != KindBadMagic {
		t.Errorf("Kind = %d, want KindBadMagic", pe.Kind)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	// Fewer than the 14 fixed header bytes a real frame always carries.
	short := []byte{0, 0, 0, 10, 0x10, 0x00, 0, 0}
	br := bufio.NewReader(bytes.NewReader(short))
	_, err := Decode(br, rctx.RoleServer)
	if err == nil {
		t.Fatal("Decode: expected error on short buffer, got nil")
	}
	pe, ok := err.(*ProtocolException)
	if !ok {
		t.Fatalf("Decode err type = %T, want *ProtocolException", err)
	}
	if pe.Kind != KindShortBuffer {
		t.Errorf("Kind = %d, want KindShortBuffer", pe.Kind)
	}
}

func TestSizeMatchesEncodedLength(t *testing.T) {
	inner := []byte("some payload")
	params := EncodeParams{
		WriteHeader: true,
		Role:        rctx.RoleClient,
		SeqID:       1,
		ProtocolID:  ProtocolBinary,
		ToService:   "svc",
		ToMethod:    "m",
	}
	size, err := Size(params, len(inner))
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	var buf bytes.Buffer
	if err := Encode(&buf, params, inner); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if buf.Len() != size {
		t.Errorf("Size() = %d, encoded length = %d", size, buf.Len())
	}
}
