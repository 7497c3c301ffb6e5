package transport

import (
	"mini-rpc/codec"
	"mini-rpc/ttheader"
)

// protocolIDForCodec picks the TTHeader protocol_id that matches a codec
// choice, so a connection using GogoProtoCodec advertises Protobuf(4)
// instead of always claiming Binary(0) regardless of payload format.
func protocolIDForCodec(codecType codec.CodecType) ttheader.ProtocolID {
	if codecType == codec.CodecTypeProto {
		return ttheader.ProtocolProtobuf
	}
	return ttheader.ProtocolBinary
}
