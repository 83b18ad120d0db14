package dispatch

import (
	"grpccore/handler"
	"grpccore/message"
)

// dispatchUnary implements spec.md §4.4 step 7's unary branch: await a
// single request message; if cancelled or no message arrives, abort
// silently; otherwise invoke the handler with a respond callback that
// packages the result into a unary reply.
func dispatchUnary(cs *CallStream, h *handler.Handler) {
	body, ok := cs.ReceiveUnaryMessage()
	if !ok || cs.Cancelled() {
		return
	}
	req, err := h.Deserialize(body)
	if err != nil {
		cs.SendError(err)
		return
	}

	fn, ok := h.Func.(func(call *handler.Call, respond func(resp any, err error)))
	if !ok {
		cs.SendError(errShapeMismatch(h.Path, "unary"))
		return
	}

	call := &handler.Call{Request: req, Metadata: cs.ReceiveMetadata(), Cancelled: cs.Cancelled}
	fn(call, func(resp any, err error) {
		if err != nil {
			cs.SendError(err)
			return
		}
		out, serErr := h.Serialize(resp)
		if serErr != nil {
			cs.SendError(serErr)
			return
		}
		cs.SendUnaryMessage(out)
	})
}

// dispatchClientStream implements spec.md §4.4 step 7's clientStream
// branch: a readable stream of deserialized requests with an
// error-to-respond shortcut, feeding a single final response.
func dispatchClientStream(cs *CallStream, h *handler.Handler) {
	fn, ok := h.Func.(func(stream handler.ClientStreamServer, respond func(resp any, err error)))
	if !ok {
		cs.SendError(errShapeMismatch(h.Path, "clientStream"))
		return
	}
	stream := &clientStreamAdapter{cs: cs, h: h}
	fn(stream, func(resp any, err error) {
		if err != nil {
			cs.SendError(err)
			return
		}
		out, serErr := h.Serialize(resp)
		if serErr != nil {
			cs.SendError(serErr)
			return
		}
		cs.SendUnaryMessage(out)
	})
}

// dispatchServerStream implements spec.md §4.4 step 7's serverStream
// branch: await a single request, then run the handler against a
// writable response stream.
func dispatchServerStream(cs *CallStream, h *handler.Handler) {
	body, ok := cs.ReceiveUnaryMessage()
	if !ok || cs.Cancelled() {
		return
	}
	req, err := h.Deserialize(body)
	if err != nil {
		cs.SendError(err)
		return
	}

	fn, ok := h.Func.(func(stream handler.ServerStreamServer) error)
	if !ok {
		cs.SendError(errShapeMismatch(h.Path, "serverStream"))
		return
	}

	stream := &serverStreamAdapter{cs: cs, h: h, req: req}
	if err := fn(stream); err != nil {
		cs.SendError(err)
		return
	}
	cs.End()
}

// dispatchBidi implements spec.md §4.4 step 7's bidi branch: a duplex
// stream with independent read and write directions.
func dispatchBidi(cs *CallStream, h *handler.Handler) {
	fn, ok := h.Func.(func(stream handler.BidiStreamServer) error)
	if !ok {
		cs.SendError(errShapeMismatch(h.Path, "bidi"))
		return
	}
	stream := &bidiStreamAdapter{cs: cs, h: h}
	if err := fn(stream); err != nil {
		cs.SendError(err)
		return
	}
	cs.End()
}

type clientStreamAdapter struct {
	cs *CallStream
	h  *handler.Handler
}

func (a *clientStreamAdapter) Recv() (any, bool) {
	body, ok := a.cs.ReceiveMessage()
	if !ok {
		return nil, false
	}
	req, err := a.h.Deserialize(body)
	if err != nil {
		return nil, false
	}
	return req, true
}

func (a *clientStreamAdapter) Metadata() message.Metadata  { return a.cs.ReceiveMetadata() }
func (a *clientStreamAdapter) Cancelled() bool             { return a.cs.Cancelled() }

type serverStreamAdapter struct {
	cs  *CallStream
	h   *handler.Handler
	req any
}

func (a *serverStreamAdapter) Request() any              { return a.req }
func (a *serverStreamAdapter) Metadata() message.Metadata { return a.cs.ReceiveMetadata() }
func (a *serverStreamAdapter) Cancelled() bool           { return a.cs.Cancelled() }

func (a *serverStreamAdapter) Send(resp any) error {
	out, err := a.h.Serialize(resp)
	if err != nil {
		return err
	}
	return a.cs.SendMessage(out)
}

type bidiStreamAdapter struct {
	cs *CallStream
	h  *handler.Handler
}

func (a *bidiStreamAdapter) Recv() (any, bool) {
	body, ok := a.cs.ReceiveMessage()
	if !ok {
		return nil, false
	}
	req, err := a.h.Deserialize(body)
	if err != nil {
		return nil, false
	}
	return req, true
}

func (a *bidiStreamAdapter) Metadata() message.Metadata { return a.cs.ReceiveMetadata() }
func (a *bidiStreamAdapter) Cancelled() bool           { return a.cs.Cancelled() }

func (a *bidiStreamAdapter) Send(resp any) error {
	out, err := a.h.Serialize(resp)
	if err != nil {
		return err
	}
	return a.cs.SendMessage(out)
}

func errShapeMismatch(path, shape string) error {
	return &shapeMismatchError{path: path, shape: shape}
}

type shapeMismatchError struct {
	path  string
	shape string
}

func (e *shapeMismatchError) Error() string {
	return "dispatch: handler for " + e.path + " does not match " + e.shape + " signature"
}
