// Package dispatch implements the Dispatch Core (spec.md §4.4): for
// every new stream on a live session it validates content-type, looks
// up a handler, constructs a CallStream bound to that handler, wires up
// the counter-bumping completion listeners, parses request metadata,
// and invokes the handler according to its Shape.
package dispatch

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"grpccore/codec"
	"grpccore/handler"
	"grpccore/message"
	"grpccore/protocol"
	"grpccore/session"
)

const contentTypePrefix = "application/grpc"

// Counters is the small set of server/session-level tally mutations the
// Dispatch Core performs, kept as an interface so this package never
// has to import the server package directly.
type Counters interface {
	CallStarted()
	CallEnded(code codes.Code)
}

// Core wires a handler.Registry to a session.Manager and dispatches
// every inbound FrameHeaders frame into a fresh CallStream.
type Core struct {
	Handlers *handler.Registry
	Log      *zap.Logger
	Counters Counters
}

// NewCore builds a Core. log may be nil.
func NewCore(handlers *handler.Registry, counters Counters, log *zap.Logger) *Core {
	if log == nil {
		log = zap.NewNop()
	}
	return &Core{Handlers: handlers, Log: log, Counters: counters}
}

// HandleNewStream implements spec.md §4.4 steps 1-8 for one inbound
// stream, identified by streamID on rec. headersBody is the raw
// FrameHeaders body (JSON-encoded message.Metadata).
func (c *Core) HandleNewStream(rec *session.Record, streamID uint32, headersBody []byte) {
	c.Counters.CallStarted()
	rec.Tracker.Start(time.Now().UnixNano())

	meta, err := decodeMetadata(headersBody)
	if err != nil {
		c.rejectSynchronousFailure(rec, streamID, err)
		return
	}

	contentType := meta.Get("content-type")
	if !strings.HasPrefix(contentType, contentTypePrefix) {
		c.reject(rec, streamID, "unsupported content-type: "+contentType)
		c.endCall(codes.Unknown)
		rec.Tracker.End(codes.Unknown)
		return
	}

	path := meta.Get(":path")
	h, ok := c.Handlers.Lookup(path)
	if !ok {
		c.sendUnimplemented(rec, streamID, path)
		c.endCall(codes.Unimplemented)
		rec.Tracker.End(codes.Unimplemented)
		return
	}

	cs := newCallStream(rec, streamID, h, meta)
	cs.onCallEnd = func(code codes.Code) {
		c.endCall(code)
		rec.Tracker.End(code)
	}
	// Registered before returning so the session's single reader
	// goroutine can route the next frame to this stream even though
	// the handler itself runs on its own goroutine below.
	if !rec.RegisterStream(streamID, cs) {
		c.rejectResourceExhausted(rec, streamID, path)
		c.endCall(codes.ResourceExhausted)
		rec.Tracker.End(codes.ResourceExhausted)
		return
	}

	go c.runHandler(cs, h)
}

// runHandler invokes the shape-specific dispatch function on its own
// goroutine; a synchronous failure anywhere in steps 3-7 (spec.md §4.4
// step 8) is caught here and reported with INTERNAL unless it already
// carries a code.
func (c *Core) runHandler(cs *CallStream, h *handler.Handler) {
	defer func() {
		if r := recover(); r != nil {
			cs.SendError(toStatusError(r))
		}
	}()

	if cs.Cancelled() {
		return
	}

	switch h.Shape {
	case handler.Unary:
		dispatchUnary(cs, h)
	case handler.ClientStream:
		dispatchClientStream(cs, h)
	case handler.ServerStream:
		dispatchServerStream(cs, h)
	case handler.Bidi:
		dispatchBidi(cs, h)
	}
}

func (c *Core) endCall(code codes.Code) {
	c.Counters.CallEnded(code)
}

func (c *Core) reject(rec *session.Record, streamID uint32, reason string) {
	rec.WriteFrame(protocol.Header{FrameType: protocol.FrameReject, StreamID: streamID, BodyLen: uint32(len(reason))}, []byte(reason))
}

func (c *Core) sendUnimplemented(rec *session.Record, streamID uint32, path string) {
	st := status.Error(codes.Unimplemented, fmt.Sprintf("The server does not implement the method %s", path))
	writeTrailer(rec, streamID, status.Code(st), status.Convert(st).Message())
}

// rejectResourceExhausted reports a stream refused for exceeding this
// session's grpc.max_concurrent_streams cap (spec.md §4.2).
func (c *Core) rejectResourceExhausted(rec *session.Record, streamID uint32, path string) {
	st := status.Error(codes.ResourceExhausted, fmt.Sprintf("too many concurrent streams for method %s", path))
	writeTrailer(rec, streamID, status.Code(st), status.Convert(st).Message())
}

// rejectSynchronousFailure implements spec.md §4.4 step 8: a failure
// before a CallStream can be constructed still needs to report an error
// and bump failure counters, assigning INTERNAL to errors with no code.
func (c *Core) rejectSynchronousFailure(rec *session.Record, streamID uint32, err error) {
	st := toStatusError(err)
	writeTrailer(rec, streamID, status.Code(st), status.Convert(st).Message())
	c.endCall(status.Code(st))
	rec.Tracker.End(status.Code(st))
}

func writeTrailer(rec *session.Record, streamID uint32, code codes.Code, msg string) {
	body, _ := codec.Get(codec.NameJSON).EncodeTrailer(message.Trailer{Code: code, Message: msg})
	rec.WriteFrame(protocol.Header{FrameType: protocol.FrameTrailer, StreamID: streamID, BodyLen: uint32(len(body))}, body)
}

func decodeMetadata(body []byte) (message.Metadata, error) {
	m, err := codec.Get(codec.NameJSON).DecodeMetadata(body)
	if err != nil {
		return nil, errors.Wrap(err, "dispatch: malformed headers frame")
	}
	return m, nil
}

// toStatusError assigns codes.Internal to any panic value or error that
// does not already carry a gRPC status code, per spec.md §4.4 step 8.
func toStatusError(v any) error {
	err, ok := v.(error)
	if !ok {
		return status.Error(codes.Internal, fmt.Sprintf("%v", v))
	}
	if st, ok := status.FromError(err); ok {
		return st.Err()
	}
	return status.Error(codes.Internal, err.Error())
}

var _ session.StreamHandle = (*CallStream)(nil)

// CallStream implements spec.md §6's call-stream contract, bound to one
// stream on one session.
type CallStream struct {
	rec      *session.Record
	streamID uint32
	h        *handler.Handler
	meta     message.Metadata

	cancelled atomic.Bool

	recvMu   sync.Mutex
	recvCh   chan []byte
	closedCh chan struct{}

	onCallEnd func(code codes.Code)

	endOnce sync.Once
}

func newCallStream(rec *session.Record, streamID uint32, h *handler.Handler, meta message.Metadata) *CallStream {
	return &CallStream{
		rec:      rec,
		streamID: streamID,
		h:        h,
		meta:     meta,
		recvCh:   make(chan []byte, 8),
		closedCh: make(chan struct{}),
	}
}

// Deliver implements session.StreamHandle: routes inbound frames for
// this stream to the appropriate internal channel.
func (cs *CallStream) Deliver(frame protocol.Header, body []byte) {
	switch frame.FrameType {
	case protocol.FrameMessage:
		select {
		case cs.recvCh <- body:
		case <-cs.closedCh:
		}
	case protocol.FrameHalfClose:
		cs.closeRecv()
	case protocol.FrameCancel:
		cs.cancelled.Store(true)
		cs.closeRecv()
	}
}

// Closed implements session.StreamHandle: the connection broke.
func (cs *CallStream) Closed(err error) {
	cs.cancelled.Store(true)
	cs.closeRecv()
}

func (cs *CallStream) closeRecv() {
	cs.recvMu.Lock()
	defer cs.recvMu.Unlock()
	select {
	case <-cs.closedCh:
	default:
		close(cs.closedCh)
	}
}

// ReceiveMetadata returns the parsed request metadata.
func (cs *CallStream) ReceiveMetadata() message.Metadata { return cs.meta }

// Cancelled reports whether the peer cancelled or the connection closed.
func (cs *CallStream) Cancelled() bool { return cs.cancelled.Load() }

// ReceiveUnaryMessage awaits exactly one request message, per spec.md
// §4.4 step 7's unary/server-stream branches.
func (cs *CallStream) ReceiveUnaryMessage() ([]byte, bool) {
	select {
	case body := <-cs.recvCh:
		return body, true
	case <-cs.closedCh:
		// closedCh closing (half-close/cancel) can race a message frame
		// that was already queued right before it — prefer the message.
		select {
		case body := <-cs.recvCh:
			return body, true
		default:
			return nil, false
		}
	}
}

// ReceiveMessage reads one request message for client-stream/bidi
// dispatch; ok is false once the client has half-closed or cancelled.
func (cs *CallStream) ReceiveMessage() ([]byte, bool) {
	select {
	case body := <-cs.recvCh:
		return body, true
	case <-cs.closedCh:
		select {
		case body := <-cs.recvCh:
			return body, true
		default:
			return nil, false
		}
	}
}

// SendMessage writes one response message frame and bumps the
// session's message-sent counters per spec.md §4.4 step 5.
func (cs *CallStream) SendMessage(body []byte) error {
	err := cs.rec.WriteFrame(protocol.Header{FrameType: protocol.FrameMessage, StreamID: cs.streamID, BodyLen: uint32(len(body))}, body)
	if err == nil {
		cs.rec.RecordMessageSent()
	}
	return err
}

// SendUnaryMessage sends a single response message followed by an OK
// trailer, ending the call successfully.
func (cs *CallStream) SendUnaryMessage(body []byte) error {
	if err := cs.SendMessage(body); err != nil {
		cs.end(codes.Internal, err.Error())
		return err
	}
	cs.end(codes.OK, "")
	return nil
}

// SendError ends the call with err's status code (Internal if err
// carries none).
func (cs *CallStream) SendError(err error) {
	st := status.Convert(toStatusError(err))
	cs.end(st.Code(), st.Message())
}

// End terminates the call successfully with an OK trailer; used by
// server-stream/bidi handlers that return nil.
func (cs *CallStream) End() {
	cs.end(codes.OK, "")
}

func (cs *CallStream) end(code codes.Code, msg string) {
	cs.endOnce.Do(func() {
		// Unregister before the trailer goes out, so a peer that reuses
		// this StreamID as soon as it reads the trailer starts a new stream.
		cs.rec.UnregisterStream(cs.streamID)
		writeTrailer(cs.rec, cs.streamID, code, msg)
		if cs.onCallEnd != nil {
			cs.onCallEnd(code)
		}
	})
}
