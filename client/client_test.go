package client

import (
	"fmt"
	"testing"
	"time"

	"grpccore/bind"
	"grpccore/config"
	"grpccore/handler"
	"grpccore/loadbalance"
	"grpccore/registry"
	"grpccore/server"
)

type mockRegistry struct {
	instances map[string][]registry.ServiceInstance
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{instances: make(map[string][]registry.ServiceInstance)}
}

func (m *mockRegistry) Register(serviceName string, inst registry.ServiceInstance, ttl int64) error {
	m.instances[serviceName] = append(m.instances[serviceName], inst)
	return nil
}

func (m *mockRegistry) Deregister(serviceName string, addr string) error {
	insts := m.instances[serviceName]
	for i, inst := range insts {
		if inst.Addr == addr {
			m.instances[serviceName] = append(insts[:i], insts[i+1:]...)
			break
		}
	}
	return nil
}

func (m *mockRegistry) Discover(serviceName string) ([]registry.ServiceInstance, error) {
	return m.instances[serviceName], nil
}

func (m *mockRegistry) Watch(serviceName string) <-chan []registry.ServiceInstance { return nil }

func idSerialize(resp any) ([]byte, error)   { return resp.([]byte), nil }
func idDeserialize(data []byte) (any, error) { return data, nil }

// startEchoServer binds and starts a server.Server with one unary Echo
// handler, returning its address; the server is force-shut-down when
// the test ends.
func startEchoServer(t *testing.T) string {
	t.Helper()
	srv := server.NewServer(nil, config.ChannelOptions{})
	def := handler.ServiceDefinition{
		"Echo": {
			Path:                "/Arith/Echo",
			RequestSerialize:    idSerialize,
			RequestDeserialize:  idDeserialize,
			ResponseSerialize:   idSerialize,
			ResponseDeserialize: idDeserialize,
		},
	}
	impl := map[string]any{
		"Echo": func(call *handler.Call, respond func(resp any, err error)) {
			respond(call.Request, nil)
		},
	}
	if err := srv.AddService(def, impl); err != nil {
		t.Fatalf("AddService failed: %v", err)
	}

	done := make(chan struct{})
	var port int
	var bindErr error
	srv.BindAsync("static:127.0.0.1:0", nil, func(p int, _ []bind.ListenerRecord, err error) {
		port, bindErr = p, err
		close(done)
	})
	<-done
	if bindErr != nil {
		t.Fatalf("bind failed: %v", bindErr)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { srv.ForceShutdown() })
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func TestClientCallsSingleInstance(t *testing.T) {
	addr := startEchoServer(t)

	reg := newMockRegistry()
	reg.Register("Arith", registry.ServiceInstance{Addr: addr, Weight: 1}, 10)

	c := NewClient(reg, &loadbalance.RoundRobinBalancer{}, 4)
	resp, err := c.Call("/Arith/Echo", []byte("hello"))
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if string(resp) != "hello" {
		t.Fatalf("expected echoed 'hello', got %q", resp)
	}
}

func TestClientRoundRobinsAcrossInstances(t *testing.T) {
	addr1 := startEchoServer(t)
	addr2 := startEchoServer(t)

	reg := newMockRegistry()
	reg.Register("Arith", registry.ServiceInstance{Addr: addr1, Weight: 1}, 10)
	reg.Register("Arith", registry.ServiceInstance{Addr: addr2, Weight: 1}, 10)

	c := NewClient(reg, &loadbalance.RoundRobinBalancer{}, 2)
	for i := 0; i < 6; i++ {
		resp, err := c.Call("/Arith/Echo", []byte(fmt.Sprintf("msg-%d", i)))
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if string(resp) != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("call %d: expected echo, got %q", i, resp)
		}
	}
}

func TestClientCallUnimplementedMethodReturnsStatusError(t *testing.T) {
	addr := startEchoServer(t)
	reg := newMockRegistry()
	reg.Register("Arith", registry.ServiceInstance{Addr: addr, Weight: 1}, 10)

	c := NewClient(reg, &loadbalance.RoundRobinBalancer{}, 1)
	if _, err := c.Call("/Arith/Missing", []byte("x")); err == nil {
		t.Fatal("expected an error calling an unregistered method")
	}

	time.Sleep(10 * time.Millisecond)
}
