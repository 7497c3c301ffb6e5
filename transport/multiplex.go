// Package transport implements the client-side wire drivers: a multiplexed
// transport that shares one TCP connection across concurrently in-flight
// calls, a ping-pong transport for servers that don't support
// multiplexing, and the connection Pool that hands both kinds out under a
// single ownership-aware checkout contract.
package transport

import (
	"bufio"
	"bytes"
	stdctx "context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"mini-rpc/codec"
	rctx "mini-rpc/context"
	"mini-rpc/message"
	"mini-rpc/metainfo"
	"mini-rpc/protocol"
	"mini-rpc/rpcerr"
	"mini-rpc/ttheader"
)

// MultiplexTransport manages a single TCP connection shared by many
// concurrently in-flight calls. Each request carries a unique sequence
// ID; a dedicated recvLoop goroutine reads responses and routes each one
// to its caller via a pending-response channel.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan ← response → goroutine-2 wakes up
type MultiplexTransport struct {
	conn       net.Conn
	br         *bufio.Reader
	codecType  codec.CodecType
	protocolID ttheader.ProtocolID

	seq     uint32
	pending sync.Map // map[uint32]chan *message.RPCMessage

	sending sync.Mutex

	mu     sync.Mutex
	broken error
}

// NewMultiplexTransport wraps conn and starts the background recvLoop and
// heartbeatLoop goroutines.
func NewMultiplexTransport(conn net.Conn, codecType codec.CodecType) *MultiplexTransport {
	t := &MultiplexTransport{
		conn:       conn,
		br:         bufio.NewReader(conn),
		codecType:  codecType,
		protocolID: protocolIDForCodec(codecType),
	}
	go t.recvLoop()
	go t.heartbeatLoop(30 * time.Second)
	return t
}

// Reusable implements transport.Poolable: a multiplexed connection stays
// reusable until a read or write on it has failed.
func (t *MultiplexTransport) Reusable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.broken == nil
}

// Close implements transport.Poolable.
func (t *MultiplexTransport) Close() error {
	return t.conn.Close()
}

// Send serializes args under cx (caller/callee/method/timeouts sourced
// from cx.RPCInfo) and writes a TTHeader-wrapped frame. It returns the
// response channel the caller should block on.
func (t *MultiplexTransport) Send(ctx stdctx.Context, cx *rctx.ClientContext, args any) (<-chan *message.RPCMessage, error) {
	// args is always JSON-encoded, independent of t.codecType: see the
	// matching comment on PingPongTransport.Call. Only the RPCMessage
	// envelope below is serialized with the negotiated envelope codec.
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindProtocol, "encode request payload", err)
	}

	cdc := codec.GetCodec(t.codecType)
	serviceMethod := fmt.Sprintf("%s.%s", cx.RPCInfo.Callee.ServiceName, cx.RPCInfo.Method)
	rpcMessage := message.RPCMessage{ServiceMethod: serviceMethod, Payload: payload}
	body, err := cdc.Encode(&rpcMessage)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindProtocol, "encode rpc message", err)
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.mu.Lock()
	broken := t.broken
	t.mu.Unlock()
	if broken != nil {
		return nil, rpcerr.Wrap(rpcerr.KindTransport, "connection broken", broken)
	}

	t.seq++
	seq := t.seq
	cx.SeqID = int32(seq)

	innerHeader := protocol.Header{CodecType: byte(t.codecType), MsgType: protocol.MsgTypeRequest, Seq: seq, BodyLen: uint32(len(body))}
	var innerBuf bytes.Buffer
	if err := protocol.Encode(&innerBuf, &innerHeader, body); err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindProtocol, "encode inner frame", err)
	}
	inner := innerBuf.Bytes()

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
	if cx.RPCInfo.Config.ConnectTimeout > 0 {
		params.ConnectTimeout = cx.RPCInfo.Config.ConnectTimeout.Milliseconds()
	}

	respChan := make(chan *message.RPCMessage, 1)
	t.pending.Store(seq, respChan)

	if err := ttheader.Encode(t.conn, params, inner); err != nil {
		t.pending.Delete(seq)
		t.markBroken(err)
		return nil, rpcerr.Wrap(rpcerr.KindTransport, "write request frame", err)
	}

	return respChan, nil
}

// recvLoop is the single reader goroutine for this connection: TCP is a
// byte stream, so reads must stay sequential to parse frame boundaries
// correctly.
func (t *MultiplexTransport) recvLoop() {
	for {
		peek, err := t.br.Peek(ttheader.HeaderDetectLength)
		hasTTHeader := err == nil && ttheader.Detect(peek)

		var bizErr *rctx.BizError
		if hasTTHeader {
			result, derr := ttheader.Decode(t.br, rctx.RoleClient)
			if derr != nil {
				t.closeAllPending(derr)
				return
			}
			bizErr = result.BizError
			if result.ConnReset {
				// Server is draining: mark the connection broken right away,
				// so later Sends fail and the pool checks Reusable() on
				// release; responses still arriving keep being routed.
				t.markBroken(rpcerr.Wrap(rpcerr.KindTransport, "server signaled crrst", nil))
			}
		}

		header, body, err := protocol.Decode(t.br)
		if err != nil {
			t.closeAllPending(err)
			return
		}

		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		responseRPC := message.RPCMessage{}
		cdc := codec.GetCodec(codec.CodecType(header.CodecType))
		if err := cdc.Decode(body, &responseRPC); err != nil {
			responseRPC.Error = err.Error()
		}
		if bizErr != nil && responseRPC.Error == "" {
			responseRPC.Error = bizErr.StatusMessage
		}

		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan *message.RPCMessage) <- &responseRPC
		}
	}
}

// markBroken records why this connection stopped being reusable. recvLoop
// and a Send that fails to write can both call this concurrently (e.g. a
// write error racing a read error on the same dying socket); multierr
// combines both instead of the second caller silently losing its reason.
func (t *MultiplexTransport) markBroken(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broken = multierr.Append(t.broken, err)
}

// closeAllPending unblocks every in-flight caller with the accumulated
// broken-connection error once the connection has broken, instead of
// letting them hang forever.
func (t *MultiplexTransport) closeAllPending(err error) {
	t.markBroken(err)
	t.mu.Lock()
	combined := t.broken
	t.mu.Unlock()
	t.pending.Range(func(key, value any) bool {
		value.(chan *message.RPCMessage) <- &message.RPCMessage{Error: combined.Error()}
		t.pending.Delete(key)
		return true
	})
}

// Conn returns the underlying network connection.
func (t *MultiplexTransport) Conn() net.Conn { return t.conn }

// heartbeatLoop keeps the connection alive with a bare protocol-layer
// heartbeat frame; heartbeats never carry a TTHeader wrapper since they
// are connection-level, not tied to any one call.
func (t *MultiplexTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.markBroken(err)
			return
		}
	}
}
