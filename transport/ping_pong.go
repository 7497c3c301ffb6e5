package transport

import (
	"bufio"
	"bytes"
	stdctx "context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"mini-rpc/codec"
	rctx "mini-rpc/context"
	"mini-rpc/message"
	"mini-rpc/metainfo"
	"mini-rpc/protocol"
	"mini-rpc/rpcerr"
	"mini-rpc/ttheader"
)

// PingPongTransport drives one request/response pair at a time over its
// connection. It exists for peers that don't support multiplexing (or for
// callers that prefer strict request/response ordering over shared
// throughput); the connection pool checks it out exclusively, never
// shares it across concurrent callers the way it does MultiplexTransport.
type PingPongTransport struct {
	conn       net.Conn
	br         *bufio.Reader
	codecType  codec.CodecType
	protocolID ttheader.ProtocolID

	mu     sync.Mutex
	broken error
}

// NewPingPongTransport wraps conn for strictly sequential request/response
// exchange.
func NewPingPongTransport(conn net.Conn, codecType codec.CodecType) *PingPongTransport {
	return &PingPongTransport{
		conn:       conn,
		br:         bufio.NewReader(conn),
		codecType:  codecType,
		protocolID: protocolIDForCodec(codecType),
	}
}

// Reusable implements transport.Poolable.
func (t *PingPongTransport) Reusable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.broken == nil
}

// Close implements transport.Poolable.
func (t *PingPongTransport) Close() error {
	return t.conn.Close()
}

// Call writes the request and blocks for the matching response on the
// same goroutine; there is no recvLoop because only one call is ever
// in-flight on this connection at a time.
func (t *PingPongTransport) Call(ctx stdctx.Context, cx *rctx.ClientContext, args any) (*message.RPCMessage, error) {
	// args is always JSON-encoded: it's the business-level request struct a
	// generated stub hands us, not the RPCMessage envelope, so it stays in
	// the one format every registered service/client pair agrees on
	// regardless of which envelope codec (JSON/Binary/Proto) this
	// connection negotiated. Only the envelope below uses t.codecType.
	payload, err := json.Marshal(args)
	if err != nil {
		t.markBroken(err)
		return nil, rpcerr.Wrap(rpcerr.KindProtocol, "encode request payload", err)
	}

	cdc := codec.GetCodec(t.codecType)
	serviceMethod := fmt.Sprintf("%s.%s", cx.RPCInfo.Callee.ServiceName, cx.RPCInfo.Method)
	rpcMessage := message.RPCMessage{ServiceMethod: serviceMethod, Payload: payload}
	body, err := cdc.Encode(&rpcMessage)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindProtocol, "encode rpc message", err)
	}

	cx.SeqID++
	seq := uint32(cx.SeqID)

	innerHeader := protocol.Header{CodecType: byte(t.codecType), MsgType: protocol.MsgTypeRequest, Seq: seq, BodyLen: uint32(len(body))}
	var innerBuf bytes.Buffer
	if err := protocol.Encode(&innerBuf, &innerHeader, body); err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindProtocol, "encode inner frame", err)
	}

	params := ttheader.EncodeParams{
		WriteHeader: true,
		Role:        rctx.RoleClient,
		SeqID:       int32(seq),
		ProtocolID:  t.protocolID,
		Persistent:  metainfo.AllPersistents(ctx),
		Transient:   metainfo.AllTransients(ctx),
		FromService: cx.RPCInfo.Caller.ServiceName,
		ToService:   cx.RPCInfo.Callee.ServiceName,
		ToMethod:    cx.RPCInfo.Method,
		DestAddress: cx.RPCInfo.Callee.Address,
	}
	if timeout, ok := cx.RPCInfo.Config.RPCTimeoutOK(); ok {
		params.RPCTimeout = timeout.Milliseconds()
	}

	if err := ttheader.Encode(t.conn, params, innerBuf.Bytes()); err != nil {
		t.markBroken(err)
		return nil, rpcerr.Wrap(rpcerr.KindTransport, "write request frame", err)
	}

	peek, perr := t.br.Peek(ttheader.HeaderDetectLength)
	var bizErr *rctx.BizError
	if perr == nil && ttheader.Detect(peek) {
		result, derr := ttheader.Decode(t.br, rctx.RoleClient)
		if derr != nil {
			t.markBroken(derr)
			return nil, rpcerr.Wrap(rpcerr.KindProtocol, "decode response ttheader", derr)
		}
		bizErr = result.BizError
		cx.Stats.SetBizError(bizErr)
		if result.ConnReset {
			// Server is draining and told us via crrst: this connection must
			// not be reused for another call, so the pool evicts it on return.
			t.markBroken(rpcerr.Wrap(rpcerr.KindTransport, "server signaled crrst", nil))
		}
	}

	_, respBody, err := protocol.Decode(t.br)
	if err != nil {
		t.markBroken(err)
		return nil, rpcerr.Wrap(rpcerr.KindTransport, "read response frame", err)
	}

	responseRPC := message.RPCMessage{}
	if err := cdc.Decode(respBody, &responseRPC); err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindProtocol, "decode response body", err)
	}
	if bizErr != nil && responseRPC.Error == "" {
		responseRPC.Error = bizErr.StatusMessage
	}
	return &responseRPC, nil
}

func (t *PingPongTransport) markBroken(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken == nil {
		t.broken = err
	}
}

// Conn returns the underlying network connection.
func (t *PingPongTransport) Conn() net.Conn { return t.conn }
