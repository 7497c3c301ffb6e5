package codec

import (
	"errors"

	gogoproto "github.com/gogo/protobuf/proto"

	"mini-rpc/message"
)

// CodecTypeProto is the CodecType stored in the frame header for payloads
// encoded with GogoProtoCodec. It lines up with TTHeader's protocol_id
// Protobuf(4) — a peer that advertises protocol_id 4 in its TTHeader is
// expected to also set this codec type on the inner frame.
const CodecTypeProto CodecType = 4

// protoEnvelope mirrors message.RPCMessage's three fields as a
// protobuf-reflectable struct. gogo/protobuf's proto.Marshal/Unmarshal
// walk the `protobuf:` struct tags at runtime for types that don't
// implement a generated Marshal/Unmarshal themselves, so this plain
// struct round-trips through the wire format without a .proto file or a
// protoc-gogofaster run.
type protoEnvelope struct {
	ServiceMethod string `protobuf:"bytes,1,opt,name=service_method,proto3" json:"service_method,omitempty"`
	Error         string `protobuf:"bytes,2,opt,name=error,proto3" json:"error,omitempty"`
	Payload       []byte `protobuf:"bytes,3,opt,name=payload,proto3" json:"payload,omitempty"`
}

func (m *protoEnvelope) Reset()         { *m = protoEnvelope{} }
func (m *protoEnvelope) String() string { return gogoproto.CompactTextString(m) }
func (m *protoEnvelope) ProtoMessage()  {}

// GogoProtoCodec serializes RPCMessage using gogo/protobuf's wire format.
// It is selected for services that advertise TTHeader protocol_id
// Protobuf(4) — heavier services that already share .proto-defined types
// with non-Go peers use this instead of JSONCodec/BinaryCodec, which are
// mini-RPC-specific formats no other implementation could parse.
//
// GogoProtoCodec only ever encodes/decodes the RPCMessage envelope, never
// the caller's arbitrary args/reply struct: the transport layer (see
// PingPongTransport.Call, MultiplexTransport.Send) always JSON-encodes
// args/reply directly and only hands this codec the *RPCMessage wrapper
// around that already-encoded payload. BinaryCodec has the same
// restriction for the same reason.
type GogoProtoCodec struct{}

func (c *GogoProtoCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("GogoProtoCodec: v must be *RPCMessage")
	}
	env := &protoEnvelope{ServiceMethod: msg.ServiceMethod, Error: msg.Error, Payload: msg.Payload}
	return gogoproto.Marshal(env)
}

func (c *GogoProtoCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("GogoProtoCodec: v must be *RPCMessage")
	}
	env := &protoEnvelope{}
	if err := gogoproto.Unmarshal(data, env); err != nil {
		return err
	}
	msg.ServiceMethod = env.ServiceMethod
	msg.Error = env.Error
	msg.Payload = env.Payload
	return nil
}

func (c *GogoProtoCodec) Type() CodecType {
	return CodecTypeProto
}
