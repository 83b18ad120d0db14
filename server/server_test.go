package server

import (
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"grpccore/bind"
	"grpccore/config"
	"grpccore/handler"
	"grpccore/message"
	"grpccore/protocol"
)

func idSerialize(resp any) ([]byte, error)   { return resp.([]byte), nil }
func idDeserialize(data []byte) (any, error) { return data, nil }

func echoServiceDefinition() handler.ServiceDefinition {
	return handler.ServiceDefinition{
		"Echo": {
			Path:                "/demo.S/Echo",
			RequestSerialize:    idSerialize,
			RequestDeserialize:  idDeserialize,
			ResponseSerialize:   idSerialize,
			ResponseDeserialize: idDeserialize,
		},
	}
}

func TestAddServiceThenRemoveServiceIsIdempotent(t *testing.T) {
	srv := NewServer(nil, config.ChannelOptions{})
	def := echoServiceDefinition()
	impl := map[string]any{
		"Echo": func(call *handler.Call, respond func(resp any, err error)) {
			respond(call.Request, nil)
		},
	}

	if err := srv.AddService(def, impl); err != nil {
		t.Fatalf("AddService failed: %v", err)
	}
	srv.RemoveService(def)
	if err := srv.AddService(def, impl); err != nil {
		t.Fatalf("AddService after RemoveService failed: %v", err)
	}
}

func TestAddServiceRejectsEmptyDefinition(t *testing.T) {
	srv := NewServer(nil, config.ChannelOptions{})
	if err := srv.AddService(nil, nil); err == nil {
		t.Fatal("expected error for nil service definition")
	}
}

func TestStartFailsWithoutListener(t *testing.T) {
	srv := NewServer(nil, config.ChannelOptions{})
	if err := srv.Start(); err == nil {
		t.Fatal("expected error starting without a bound listener")
	}
}

func TestLegacyStubsReturnFixedWording(t *testing.T) {
	srv := NewServer(nil, config.ChannelOptions{})
	if _, err := srv.Bind("127.0.0.1:0", nil); err == nil || err.Error() != "bind() is not implemented. Please use bindAsync() instead" {
		t.Fatalf("unexpected Bind error: %v", err)
	}
	if err := srv.AddProtoService(); err == nil || err.Error() != "addProtoService() is no longer supported. Please use addService() instead" {
		t.Fatalf("unexpected AddProtoService error: %v", err)
	}
	if err := srv.AddHTTP2Port(); err == nil || err.Error() != "addHttp2Port() is not implemented. Please use bindAsync() instead" {
		t.Fatalf("unexpected AddHTTP2Port error: %v", err)
	}
}

func bindAsync(t *testing.T, srv *Server, address string) (int, []bind.ListenerRecord) {
	t.Helper()
	done := make(chan struct{})
	var port int
	var listeners []bind.ListenerRecord
	var bindErr error
	srv.BindAsync(address, nil, func(p int, l []bind.ListenerRecord, err error) {
		port, listeners, bindErr = p, l, err
		close(done)
	})
	<-done
	if bindErr != nil {
		t.Fatalf("bind failed: %v", bindErr)
	}
	return port, listeners
}

func TestBindAsyncThenStartServesUnaryEcho(t *testing.T) {
	srv := NewServer(nil, config.ChannelOptions{})

	def := echoServiceDefinition()
	impl := map[string]any{
		"Echo": func(call *handler.Call, respond func(resp any, err error)) {
			respond(call.Request, nil)
		},
	}
	if err := srv.AddService(def, impl); err != nil {
		t.Fatalf("AddService failed: %v", err)
	}

	port, _ := bindAsync(t, srv, "static:127.0.0.1:0")
	if port == 0 {
		t.Fatal("expected a nonzero assigned port")
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := srv.Start(); err == nil {
		t.Fatal("expected error starting twice")
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	meta := message.Metadata{":path": {"/demo.S/Echo"}, "content-type": {"application/grpc+json"}}
	body, _ := json.Marshal(meta)
	if err := protocol.Encode(conn, &protocol.Header{FrameType: protocol.FrameHeaders, StreamID: 1, BodyLen: uint32(len(body))}, body); err != nil {
		t.Fatalf("encode headers: %v", err)
	}
	if err := protocol.Encode(conn, &protocol.Header{FrameType: protocol.FrameMessage, StreamID: 1, BodyLen: 2}, []byte("hi")); err != nil {
		t.Fatalf("encode message: %v", err)
	}

	h, respBody, err := protocol.Decode(conn)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if h.FrameType != protocol.FrameMessage || string(respBody) != "hi" {
		t.Fatalf("expected echoed 'hi', got type=%v body=%q", h.FrameType, respBody)
	}

	h2, trailerBody, err := protocol.Decode(conn)
	if err != nil {
		t.Fatalf("decode trailer: %v", err)
	}
	if h2.FrameType != protocol.FrameTrailer {
		t.Fatalf("expected trailer frame, got %v", h2.FrameType)
	}
	var trailer message.Trailer
	if err := json.Unmarshal(trailerBody, &trailer); err != nil {
		t.Fatalf("unmarshal trailer: %v", err)
	}
	if trailer.Code != 0 {
		t.Fatalf("expected OK trailer code, got %v", trailer.Code)
	}

	if err := srv.WaitShutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestForceShutdownUnregistersTelemetryRefOnce(t *testing.T) {
	srv := NewServer(nil, config.ChannelOptions{})
	bindAsync(t, srv, "static:127.0.0.1:0")
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	srv.ForceShutdown()
	srv.ForceShutdown() // must not panic or double-unregister

	if _, ok := srv.registry.Lookup(srv.ref.ID); ok {
		t.Fatal("expected server telemetry ref to be unregistered")
	}
}
