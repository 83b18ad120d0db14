// Package server implements the Server Facade (spec.md §4.6): the
// public entry point wiring the Handler Registry, Bind Engine, Session
// Manager, and Dispatch Core into one lifecycle (addService, bindAsync,
// start, tryShutdown, forceShutdown).
//
// Connection processing pipeline:
//
//	net.Listener.Accept → session.Manager.Accept (one Record per conn)
//	  → go Record.RecvLoop (single reader goroutine demultiplexes frames)
//	    → dispatch.Core.HandleNewStream → go runHandler (parallel per-stream processing)
package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"grpccore/bind"
	"grpccore/channelz"
	"grpccore/config"
	"grpccore/dispatch"
	"grpccore/handler"
	"grpccore/session"
)

// Server is the RPC server runtime core: it owns the handler registry,
// the bound listeners, the live sessions, and the counters telemetry
// consumers read.
type Server struct {
	Log *zap.Logger

	handlers *handler.Registry
	registry *channelz.Registry
	ref      *channelz.Ref
	children channelz.ChildrenTracker
	bindEng  *bind.Engine
	sessions *session.Manager
	core     *dispatch.Core

	opts config.ChannelOptions

	mu           sync.Mutex
	started      bool
	listeners    []bind.ListenerRecord
	shutdownOnce atomic.Bool

	calls channelz.CallTracker

	wg sync.WaitGroup
}

// NewServer constructs a Server. log may be nil (a no-op logger is
// used); opts may be a zero-valued config.ChannelOptions, which falls
// back to config's own defaults.
func NewServer(log *zap.Logger, opts config.ChannelOptions) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	reg := channelz.NewRegistry()
	s := &Server{
		Log:      log,
		handlers: handler.NewRegistry(),
		registry: reg,
		opts:     opts,
	}
	s.ref = reg.RegisterServer(s.telemetrySnapshot)
	s.bindEng = bind.NewEngine(reg, s.ref, log)
	s.bindEng.Children = &s.children
	s.sessions = session.NewManager(reg, s.ref)
	s.sessions.SetChildren(&s.children)
	s.sessions.SetAdmissionLimit(opts.SessionAdmissionQPS())
	s.sessions.SetMaxConcurrentStreams(opts.MaxConcurrentStreams())
	s.sessions.SetMaxSessionMemory(opts.MaxSessionMemory())
	s.core = dispatch.NewCore(s.handlers, s, log)
	return s
}

// telemetrySnapshot builds the on-demand server-level view the
// Telemetry contract exposes (spec.md §6).
func (s *Server) telemetrySnapshot() any {
	counters := s.calls.Snapshot()
	return struct {
		CallsStarted   int64
		CallsSucceeded int64
		CallsFailed    int64
		Sessions       int
	}{
		CallsStarted:   counters.Started,
		CallsSucceeded: counters.Succeeded,
		CallsFailed:    counters.Failed,
		Sessions:       s.sessions.Count(),
	}
}

// CallStarted implements dispatch.Counters.
func (s *Server) CallStarted() { s.calls.Start(time.Now().UnixNano()) }

// CallEnded implements dispatch.Counters.
func (s *Server) CallEnded(code codes.Code) { s.calls.End(code) }

// AddService validates def/impl and installs every method's Handler,
// per spec.md §4.6.
func (s *Server) AddService(def handler.ServiceDefinition, impl map[string]any) error {
	return s.handlers.AddService(def, impl)
}

// RemoveService unregisters every path named in def.
func (s *Server) RemoveService(def handler.ServiceDefinition) {
	s.handlers.RemoveService(def)
}

// Register is the low-level path-keyed registration operation.
func (s *Server) Register(path string, h *handler.Handler) bool {
	return s.handlers.Register(path, h)
}

// Unregister is the low-level path-keyed removal operation.
func (s *Server) Unregister(path string) bool {
	return s.handlers.Unregister(path)
}

// Bind is the forbidden synchronous legacy stub spec.md §4.6/§9
// requires: callers must use BindAsync.
func (s *Server) Bind(address string, creds bind.Credentials) (int, error) {
	return 0, fmt.Errorf("bind() is not implemented. Please use bindAsync() instead")
}

// AddProtoService is a legacy stub preserved only to refuse obsolete usage.
func (s *Server) AddProtoService() error {
	return fmt.Errorf("addProtoService() is no longer supported. Please use addService() instead")
}

// AddHTTP2Port is a legacy stub preserved only to refuse obsolete usage.
func (s *Server) AddHTTP2Port() error {
	return fmt.Errorf("addHttp2Port() is not implemented. Please use bindAsync() instead")
}

// BindAsync resolves address and, once bound, adds every resulting
// listener to the server without starting to accept on it yet — the
// caller still calls Start to begin serving, per spec.md §4.2/§4.6.
func (s *Server) BindAsync(address string, creds bind.Credentials, cb bind.Callback) {
	s.bindEng.BindAsync(address, creds, func(port int, listeners []bind.ListenerRecord, err error) {
		if err == nil {
			s.mu.Lock()
			s.listeners = append(s.listeners, listeners...)
			s.mu.Unlock()
		}
		cb(port, listeners, err)
	})
}

// Start begins accepting connections on every bound listener. Fails if
// no listener exists, every listener already stopped, or the server
// already started, per spec.md §4.5.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server: start() called twice")
	}
	if len(s.listeners) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("server: start() called without any bound listener")
	}
	s.started = true
	listeners := append([]bind.ListenerRecord(nil), s.listeners...)
	s.mu.Unlock()

	s.bindEng.MarkStarted()
	s.Log.Info("Starting", zap.Int("listeners", len(listeners)))

	for _, l := range listeners {
		s.wg.Add(1)
		go s.acceptLoop(l)
	}
	return nil
}

func (s *Server) acceptLoop(l bind.ListenerRecord) {
	defer s.wg.Done()
	for {
		conn, err := l.Socket.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	rec := s.sessions.Accept(conn, started)
	if rec == nil {
		return
	}
	rec.NewStream = func(streamID uint32, headersBody []byte) {
		s.core.HandleNewStream(rec, streamID, headersBody)
	}
	err := rec.RecvLoop()
	s.sessions.Close(rec, err)
}

// GetTelemetryRef exposes the server's telemetry id for external
// inspection, per spec.md §4.6.
func (s *Server) GetTelemetryRef() *channelz.Ref {
	return s.ref
}

// TryShutdown stops accepting new sessions and closes every listener,
// then invokes cb with no error once every accept loop has returned.
// Live sessions are not closed and their in-flight calls keep running;
// cb does not wait for them to finish. Idempotent: the telemetry ref
// unregisters at most once even under concurrent TryShutdown/ForceShutdown.
func (s *Server) TryShutdown(cb func(err error)) {
	s.mu.Lock()
	s.started = false
	listeners := append([]bind.ListenerRecord(nil), s.listeners...)
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range listeners {
		l.Socket.Close()
		if l.Ref != nil {
			s.children.UnrefChild(l.Ref)
			s.registry.Unregister(l.Ref)
		}
	}

	go func() {
		s.wg.Wait()
		s.unregisterOnce()
		cb(nil)
	}()
}

// ForceShutdown closes every listener, destroys every session with a
// cancel code, and unregisters the server's telemetry ref, per
// spec.md §4.5.
func (s *Server) ForceShutdown() {
	s.mu.Lock()
	s.started = false
	listeners := append([]bind.ListenerRecord(nil), s.listeners...)
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range listeners {
		l.Socket.Close()
		if l.Ref != nil {
			s.children.UnrefChild(l.Ref)
			s.registry.Unregister(l.Ref)
		}
	}

	s.sessions.CloseAll(fmt.Errorf("server: force shutdown"))
	s.unregisterOnce()
}

// unregisterOnce implements the CAS-guarded "unregistered" flag spec.md
// §9 requires so the server's telemetry ref is removed exactly once
// regardless of how many shutdown paths race to call it.
func (s *Server) unregisterOnce() {
	if s.shutdownOnce.CompareAndSwap(false, true) {
		s.registry.Unregister(s.ref)
	}
}

// WaitShutdown is a convenience blocking variant of TryShutdown with a
// deadline, used by callers (and tests) that don't want to thread a
// callback through.
func (s *Server) WaitShutdown(timeout time.Duration) error {
	done := make(chan struct{})
	var shutdownErr error
	s.TryShutdown(func(err error) {
		shutdownErr = err
		close(done)
	})
	select {
	case <-done:
		return shutdownErr
	case <-time.After(timeout):
		return fmt.Errorf("server: timed out waiting for shutdown")
	}
}
