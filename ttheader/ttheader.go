// Package ttheader implements the TTHeader transport framing layer: the
// outermost wrapper of the codec stack, prepended in front of whatever the
// inner protocol/codec layers produce. See spec §4.1 for the exact byte
// layout; this implementation follows it field for field.
//
// TTHeader is detected by its first 6 bytes (a 4-byte length followed by
// the 2-byte magic 0x10 0x00). Without that magic the layer is a no-op:
// callers fall back to talking the inner framing directly, which is how a
// mini-rpc endpoint stays compatible with a peer that never negotiates
// TTHeader at all.
package ttheader

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	rctx "mini-rpc/context"
)

// HeaderDetectLength is the number of leading bytes needed to tell a
// TTHeader frame apart from a bare inner frame.
const HeaderDetectLength = 6

// Magic is the 2-byte TTHeader magic number, found at offset 4 (after the
// 4-byte length prefix).
var Magic = [2]byte{0x10, 0x00}

// ProtocolID identifies the base Thrift (or Protobuf) protocol carried
// inside the TTHeader payload.
type ProtocolID byte

const (
	ProtocolBinary    ProtocolID = 0
	ProtocolCompact   ProtocolID = 2
	ProtocolCompactV2 ProtocolID = 3
	ProtocolProtobuf  ProtocolID = 4
)

func (p ProtocolID) valid() bool {
	switch p {
	case ProtocolBinary, ProtocolCompact, ProtocolCompactV2, ProtocolProtobuf:
		return true
	default:
		return false
	}
}

// Recognized integer meta keys, as laid out in spec §4.1.
const (
	IntKeyFromService  uint16 = 3
	IntKeyToService    uint16 = 6
	IntKeyToMethod     uint16 = 9
	IntKeyDestAddress  uint16 = 11
	IntKeyRPCTimeout   uint16 = 12
	IntKeyConnTimeout  uint16 = 17
	IntKeyWithHeader   uint16 = 16
	IntKeyMsgType      uint16 = 22
)

// Recognized string meta keys.
const (
	StringKeyRemoteAddr = "rip"
	StringKeyConnReset  = "crrst"
	StringKeyBizStatus  = "biz-status"
	StringKeyBizMessage = "biz-message"
	StringKeyBizExtra   = "biz-extra"
)

// info block type tags.
const (
	infoPadding     byte = 0x00
	infoKeyValue    byte = 0x01
	infoIntKeyValue byte = 0x10
	infoACLToken    byte = 0x11
)

// ExceptionKind classifies a TTHeader-level protocol failure.
type ExceptionKind int

const (
	KindShortBuffer ExceptionKind = iota
	KindBadMagic
	KindUnknownProtocolID
	KindInvalidData
	KindSizeLimit
)

// ProtocolException is returned for every malformed-frame condition the
// TTHeader codec can detect.
type ProtocolException struct {
	Kind    ExceptionKind
	Message string
}

func (e *ProtocolException) Error() string {
	return fmt.Sprintf("ttheader: protocol exception (%d): %s", e.Kind, e.Message)
}

func newException(kind ExceptionKind, format string, args ...any) *ProtocolException {
	return &ProtocolException{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Detect reports whether buf's first HeaderDetectLength bytes identify a
// TTHeader frame. buf shorter than HeaderDetectLength is never TTHeader.
func Detect(buf []byte) bool {
	if len(buf) < HeaderDetectLength {
		return false
	}
	return buf[4] == Magic[0] && buf[5] == Magic[1]
}

// EncodeParams is everything the TTHeader encoder needs, collected up
// front by the caller (the client or server codec wrapper) from the
// ClientContext/ServerContext and the current metainfo scope.
type EncodeParams struct {
	// WriteHeader selects whether to emit the TTHeader wrapper at all.
	// Per spec: always true for Role==Client; for Role==Server, true only
	// if the server detected TTHeader while decoding the request this is
	// a response to.
	WriteHeader bool

	Role       rctx.Role
	SeqID      int32
	ProtocolID ProtocolID
	MsgType    rctx.MsgType

	// Forward metadata (Role == Client).
	Persistent map[string]string
	Transient  map[string]string

	// Backward metadata + connection lifecycle signals (Role == Server).
	Backward  map[string]string
	ConnReset bool
	BizError  *rctx.BizError

	// Routing/timeout info (Role == Client).
	RPCTimeout     int64 // ms, 0 means unset
	ConnectTimeout int64 // ms, 0 means unset
	FromService    string
	ToService      string
	ToMethod       string
	DestAddress    string
}

// Encode writes the TTHeader-wrapped frame to w: the TTHeader wrapper (if
// WriteHeader) followed by innerFrame verbatim. Size is computed first so
// the whole write happens as one buffer, matching spec's "compute size
// first, then write header + payload" requirement and keeping the frame
// atomic on a shared write-locked connection.
func Encode(w io.Writer, p EncodeParams, innerFrame []byte) error {
	if !p.WriteHeader {
		_, err := w.Write(innerFrame)
		return err
	}

	header, err := buildHeader(p, len(innerFrame))
	if err != nil {
		return err
	}

	buf := make([]byte, 0, len(header)+len(innerFrame))
	buf = append(buf, header...)
	buf = append(buf, innerFrame...)
	_, err = w.Write(buf)
	return err
}

// Size returns the number of bytes Encode would write for p wrapping an
// inner frame of innerSize bytes, without actually building the buffer.
func Size(p EncodeParams, innerSize int) (int, error) {
	if !p.WriteHeader {
		return innerSize, nil
	}
	header, err := buildHeader(p, innerSize)
	if err != nil {
		return 0, err
	}
	return len(header) + innerSize, nil
}

func buildHeader(p EncodeParams, innerSize int) ([]byte, error) {
	// variable part: everything from byte 14 onward (protocol_id onward),
	// built first so we know header_size before touching the fixed
	// prefix.
	var variable []byte
	variable = append(variable, byte(p.ProtocolID))
	variable = append(variable, 0) // transform_count: none emitted

	switch p.Role {
	case rctx.RoleClient:
		variable = appendStringKV(variable, clientStringKVs(p))
		variable = appendIntKV(variable, clientIntKVs(p))
	case rctx.RoleServer:
		variable = appendStringKV(variable, serverStringKVs(p))
		variable = appendIntKV(variable, serverIntKVs(p))
	}

	// pad so the variable part's length is a multiple of 4 (header_size
	// counts only the bytes after the 14-byte fixed prefix, so the fixed
	// prefix plays no part in the padding).
	overflow := len(variable) % 4
	if overflow != 0 {
		variable = append(variable, make([]byte, 4-overflow)...)
	}

	headerSize := len(variable) / 4
	if headerSize > 0xFFFF {
		return nil, newException(KindSizeLimit, "header size %d overflows u16", headerSize)
	}

	totalSize := 10 /* magic..headerSize field, excl length */ + len(variable) + innerSize
	if totalSize > 0xFFFFFFFF {
		return nil, newException(KindSizeLimit, "ttheader size %d overflows u32", totalSize)
	}

	buf := make([]byte, 0, 14+len(variable))
	buf = appendUint32(buf, uint32(totalSize))
	buf = append(buf, Magic[0], Magic[1])
	buf = appendUint16(buf, 0) // flags
	buf = appendUint32(buf, uint32(p.SeqID))
	buf = appendUint16(buf, uint16(headerSize))
	buf = append(buf, variable...)
	return buf, nil
}

func clientStringKVs(p EncodeParams) map[string]string {
	if len(p.Persistent) == 0 && len(p.Transient) == 0 {
		return nil
	}
	kv := make(map[string]string, len(p.Persistent)+len(p.Transient))
	for k, v := range p.Persistent {
		kv[rctxPrefixPersistent+k] = v
	}
	for k, v := range p.Transient {
		kv[rctxPrefixTransient+k] = v
	}
	return kv
}

func serverStringKVs(p EncodeParams) map[string]string {
	hasBackward := len(p.Backward) > 0
	if !hasBackward && !p.ConnReset && p.BizError == nil {
		return nil
	}
	kv := make(map[string]string, len(p.Backward)+3)
	for k, v := range p.Backward {
		kv[rctxPrefixBackward+k] = v
	}
	if p.ConnReset {
		kv[StringKeyConnReset] = "1"
	}
	if p.BizError != nil {
		kv[StringKeyBizStatus] = fmt.Sprintf("%d", p.BizError.StatusCode)
		kv[StringKeyBizMessage] = p.BizError.StatusMessage
		if len(p.BizError.Extra) > 0 {
			kv[StringKeyBizExtra] = encodeExtra(p.BizError.Extra)
		}
	}
	return kv
}

func clientIntKVs(p EncodeParams) map[uint16]string {
	kv := map[uint16]string{
		IntKeyWithHeader: "3",
		IntKeyFromService: p.FromService,
		IntKeyToService:   p.ToService,
		IntKeyToMethod:    p.ToMethod,
	}
	if p.RPCTimeout > 0 {
		kv[IntKeyRPCTimeout] = fmt.Sprintf("%d", p.RPCTimeout)
	}
	if p.ConnectTimeout > 0 {
		kv[IntKeyConnTimeout] = fmt.Sprintf("%d", p.ConnectTimeout)
	}
	if p.DestAddress != "" {
		kv[IntKeyDestAddress] = p.DestAddress
	}
	return kv
}

func serverIntKVs(p EncodeParams) map[uint16]string {
	return map[uint16]string{
		IntKeyMsgType: fmt.Sprintf("%d", byte(p.MsgType)),
	}
}

// appendStringKV writes an INFO_KEY_VALUE block, or nothing if kv is
// empty.
func appendStringKV(dst []byte, kv map[string]string) []byte {
	if len(kv) == 0 {
		return dst
	}
	dst = append(dst, infoKeyValue)
	dst = appendUint16(dst, uint16(len(kv)))
	for k, v := range kv {
		dst = appendUint16(dst, uint16(len(k)))
		dst = append(dst, k...)
		dst = appendUint16(dst, uint16(len(v)))
		dst = append(dst, v...)
	}
	return dst
}

// appendIntKV always writes an INFO_INT_KEY_VALUE block (possibly empty)
// so the header shape matches what decode expects on both roles.
func appendIntKV(dst []byte, kv map[uint16]string) []byte {
	dst = append(dst, infoIntKeyValue)
	dst = appendUint16(dst, uint16(len(kv)))
	for k, v := range kv {
		dst = appendUint16(dst, k)
		dst = appendUint16(dst, uint16(len(v)))
		dst = append(dst, v...)
	}
	return dst
}

func appendUint16(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

func appendUint32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

// DecodeResult is what the TTHeader decoder hands back for the caller (the
// client or server codec wrapper) to apply onto the current
// ClientContext/ServerContext and metainfo scope.
type DecodeResult struct {
	SeqID      int32
	ProtocolID ProtocolID

	RemoteAddr string // "rip": the peer's advertised address

	// Role == Client (decoding a server's response).
	ConnReset bool
	BizError  *rctx.BizError
	Backward  map[string]string

	// Role == Server (decoding a client's request).
	FromService  string
	ToService    string
	RPCTimeoutMs int64
	Persistent   map[string]string
	Transient    map[string]string
}

// Decode reads a TTHeader frame's wrapper off br and returns the parsed
// result, leaving the inner frame (the bytes an inner protocol.Decode call
// would consume) as the next thing on br. Callers must call Detect (via
// Peek) before calling Decode; Decode still checks the magic bytes of the
// fixed header and fails with KindBadMagic when they do not match.
func Decode(br *bufio.Reader, role rctx.Role) (*DecodeResult, error) {
	fixed := make([]byte, 14)
	if _, err := io.ReadFull(br, fixed); err != nil {
		return nil, newException(KindShortBuffer, "short buffer reading fixed header: %v", err)
	}
	if fixed[4] != Magic[0] || fixed[5] != Magic[1] {
		return nil, newException(KindBadMagic, "bad magic: %x", fixed[4:6])
	}

	seqID := int32(binary.BigEndian.Uint32(fixed[8:12]))
	headerSize := binary.BigEndian.Uint16(fixed[12:14])

	remaining := int(headerSize) * 4
	if remaining < 2 {
		return nil, newException(KindInvalidData, "header size %d too small", headerSize)
	}

	protoByte, err := br.ReadByte()
	if err != nil {
		return nil, newException(KindShortBuffer, "short buffer reading protocol id: %v", err)
	}
	protocolID := ProtocolID(protoByte)
	if !protocolID.valid() {
		return nil, newException(KindUnknownProtocolID, "unknown protocol id: %d", protoByte)
	}

	transformCount, err := br.ReadByte()
	if err != nil {
		return nil, newException(KindShortBuffer, "short buffer reading transform count: %v", err)
	}
	remaining -= 2

	if int(transformCount) > remaining {
		return nil, newException(KindInvalidData, "transform count overruns header")
	}
	if transformCount > 0 {
		// Unknown transform ids are tolerated by default: we read and
		// discard them without acting on any of them (spec §9 open
		// question).
		if _, err := io.CopyN(io.Discard, br, int64(transformCount)); err != nil {
			return nil, err
		}
		remaining -= int(transformCount)
	}

	stringKV := make(map[string]string)
	intKV := make(map[uint16]string)

	for remaining > 0 {
		infoID, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		remaining--

		switch infoID {
		case infoPadding:
			continue
		case infoKeyValue:
			n, err := readUint16(br)
			if err != nil {
				return nil, err
			}
			remaining -= 2
			for i := 0; i < int(n); i++ {
				k, klen, err := readLenPrefixedString(br)
				if err != nil {
					return nil, err
				}
				remaining -= 2 + klen
				v, vlen, err := readLenPrefixedString(br)
				if err != nil {
					return nil, err
				}
				remaining -= 2 + vlen
				stringKV[k] = v
			}
		case infoIntKeyValue:
			n, err := readUint16(br)
			if err != nil {
				return nil, err
			}
			remaining -= 2
			for i := 0; i < int(n); i++ {
				key, err := readUint16(br)
				if err != nil {
					return nil, err
				}
				remaining -= 2
				v, vlen, err := readLenPrefixedString(br)
				if err != nil {
					return nil, err
				}
				remaining -= 2 + vlen
				intKV[key] = v
			}
		case infoACLToken:
			_, vlen, err := readLenPrefixedString(br)
			if err != nil {
				return nil, err
			}
			remaining -= 2 + vlen
		default:
			return nil, newException(KindInvalidData, "unexpected info id in ttheader: %d", infoID)
		}
	}

	result := &DecodeResult{SeqID: seqID, ProtocolID: protocolID}

	switch role {
	case rctx.RoleClient:
		if addr, ok := stringKV[StringKeyRemoteAddr]; ok {
			result.RemoteAddr = addr
			delete(stringKV, StringKeyRemoteAddr)
		}
		if crrst, ok := stringKV[StringKeyConnReset]; ok {
			result.ConnReset = crrst != ""
			delete(stringKV, StringKeyConnReset)
		}
		result.BizError = extractBizError(stringKV)
		result.Backward = stripPrefix(stringKV, rctxPrefixBackward)
	case rctx.RoleServer:
		result.FromService = intKV[IntKeyFromService]
		result.ToService = intKV[IntKeyToService]
		if addr, ok := stringKV[StringKeyRemoteAddr]; ok {
			result.RemoteAddr = addr
			delete(stringKV, StringKeyRemoteAddr)
		}
		if raw, ok := intKV[IntKeyRPCTimeout]; ok {
			fmt.Sscanf(raw, "%d", &result.RPCTimeoutMs)
		}
		result.Persistent = stripPrefix(stringKV, rctxPrefixPersistent)
		result.Transient = stripPrefix(stringKV, rctxPrefixTransient)
	}

	return result, nil
}

func readUint16(br *bufio.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(br, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readLenPrefixedString(br *bufio.Reader) (string, int, error) {
	n, err := readUint16(br)
	if err != nil {
		return "", 0, err
	}
	if n == 0 {
		return "", 0, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", 0, err
	}
	return string(buf), int(n), nil
}

func extractBizError(kv map[string]string) *rctx.BizError {
	statusStr, ok := kv[StringKeyBizStatus]
	if !ok {
		return nil
	}
	delete(kv, StringKeyBizStatus)
	var status int32
	if _, err := fmt.Sscanf(statusStr, "%d", &status); err != nil || status == 0 {
		// 0 means "no biz error", matching the wire convention this
		// protocol shares with its sibling implementations.
		delete(kv, StringKeyBizMessage)
		delete(kv, StringKeyBizExtra)
		return nil
	}
	msg := kv[StringKeyBizMessage]
	delete(kv, StringKeyBizMessage)
	var extra map[string]string
	if raw, ok := kv[StringKeyBizExtra]; ok {
		extra = decodeExtra(raw)
		delete(kv, StringKeyBizExtra)
	}
	return &rctx.BizError{StatusCode: status, StatusMessage: msg, Extra: extra}
}

// encodeExtra serializes a biz error's extra map as a JSON object.
func encodeExtra(extra map[string]string) string {
	b, _ := json.Marshal(extra)
	return string(b)
}

// decodeExtra parses the JSON object written by encodeExtra; a malformed
// value yields nil.
func decodeExtra(raw string) map[string]string {
	var extra map[string]string
	if err := json.Unmarshal([]byte(raw), &extra); err != nil {
		return nil
	}
	return extra
}

func stripPrefix(kv map[string]string, prefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range kv {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out[k[len(prefix):]] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

const (
	rctxPrefixPersistent = "rpc-persist-"
	rctxPrefixTransient  = "rpc-transit-"
	rctxPrefixBackward   = "rpc-backward-"
)
