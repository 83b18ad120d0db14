// Package bind implements the Bind Engine (spec.md §4.2): it turns an
// address specification into zero or more listening sockets, resolving
// the address through the resolver package, classifying the result, and
// reporting success, partial success, or failure back to the caller on
// a deferred callback.
package bind

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"

	multierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"grpccore/channelz"
	"grpccore/resolver"
)

// Credentials controls whether a bound listener is wrapped in TLS.
// A nil Credentials is treated as insecure, matching spec.md §4.2's
// "insecure credentials" default.
type Credentials interface {
	IsSecure() bool
	TLSConfig() *tls.Config
}

// Insecure is the zero-value Credentials: IsSecure always false.
type Insecure struct{}

func (Insecure) IsSecure() bool         { return false }
func (Insecure) TLSConfig() *tls.Config { return nil }

// ListenerRecord is one socket the Bind Engine produced, alongside the
// channelz ref tracking it as a child of the owning server.
type ListenerRecord struct {
	Socket net.Listener
	Addr   resolver.Address
	Ref    *channelz.Ref
}

// Callback receives the final bind outcome. port is the concrete TCP
// port chosen (0 for non-TCP or on total failure). err is non-nil only
// when zero addresses were successfully bound.
type Callback func(port int, listeners []ListenerRecord, err error)

// Engine drives BindAsync against one server's channelz registry
// and trace logger, letting the Bind Engine register every socket it
// opens as a child ref (spec.md §4.2's "associate the socket with the
// server's channelz entry").
type Engine struct {
	Registry  *channelz.Registry
	ServerRef *channelz.Ref
	Log       *zap.Logger
	EtcdOpts  resolver.Options

	// Children, when set by the owning server, receives a RefChild for
	// every listener socket this Engine registers, per spec.md §3
	// invariant 4 / §4.2's "telemetry references are attached as
	// children of the server's telemetry ref". Left nil, listener refs
	// are still registered in Registry but never attached as children.
	Children *channelz.ChildrenTracker

	mu      sync.Mutex
	started bool
}

// NewEngine constructs an Engine. log may be nil, in which case a no-op
// logger is used.
func NewEngine(reg *channelz.Registry, serverRef *channelz.Ref, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{Registry: reg, ServerRef: serverRef, Log: log}
}

// MarkStarted records that the owning server has begun serving, after
// which BindAsync rejects further calls without resolving, reporting
// the "server is already started" error on the deferred callback.
func (e *Engine) MarkStarted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
}

// BindAsync resolves address and reports the outcome to cb on its own
// goroutine, modeling the "deferred callback" / next-tick discipline of
// spec.md §4.2 step 6 so callers never observe a synchronous callback
// invocation from within BindAsync itself.
func (e *Engine) BindAsync(address string, creds Credentials, cb Callback) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if started {
		go cb(0, nil, fmt.Errorf("bind: server is already started"))
		return
	}

	uri, err := resolver.ParseTarget(address)
	if err != nil {
		go cb(0, nil, err)
		return
	}
	builder, _ := resolver.Get(uri.Scheme)

	resultCh := make(chan resolveResult, 1)
	listener := &channelListener{ch: resultCh}
	one := resolver.NewOneShotListener(listener)

	res, buildErr := builder.Build(uri, one, e.EtcdOpts)
	if buildErr != nil {
		go cb(0, nil, buildErr)
		return
	}
	res.UpdateResolution()

	go func() {
		result := <-resultCh
		res.Close()
		if result.err != nil {
			cb(0, nil, result.err)
			return
		}
		port, records, bindErr := e.bindAddresses(result.addrs, creds)
		cb(port, records, bindErr)
	}()
}

type resolveResult struct {
	addrs []resolver.Address
	err   error
}

type channelListener struct {
	ch chan resolveResult
}

func (c *channelListener) OnSuccessfulResolution(addrs []resolver.Address, _ any, _ error) {
	c.ch <- resolveResult{addrs: addrs}
}

func (c *channelListener) OnError(err error) {
	c.ch <- resolveResult{err: err}
}

// bindAddresses implements spec.md §4.2 steps 3-5: classify by the first
// resolved address, then either bind every address independently
// (non-TCP, or TCP with an explicit non-zero port) or — for a TCP
// wildcard port — bind the first address to let the OS choose a port,
// then retry every remaining address on that same concrete port, never
// attempting a second wildcard round.
func (e *Engine) bindAddresses(addrs []resolver.Address, creds Credentials) (int, []ListenerRecord, error) {
	if len(addrs) == 0 {
		return 0, nil, fmt.Errorf("No addresses resolved for port 0")
	}

	first := addrs[0]
	if first.Network == "tcp" && isWildcardPort(first.Addr) {
		return e.bindWildcard(addrs, creds)
	}
	return e.bindExplicit(addrs, creds)
}

func (e *Engine) bindExplicit(addrs []resolver.Address, creds Credentials) (int, []ListenerRecord, error) {
	var records []ListenerRecord
	var errs *multierror.Error
	port := 0

	for _, addr := range addrs {
		l, err := e.listen(addr, creds)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", addr.Addr, err))
			continue
		}
		if addr.Network == "tcp" {
			if _, p, perr := net.SplitHostPort(l.Addr().String()); perr == nil {
				port, _ = strconv.Atoi(p)
			}
		}
		records = append(records, e.register(l, addr))
	}

	return e.finish(port, len(addrs), records, errs)
}

func (e *Engine) bindWildcard(addrs []resolver.Address, creds Credentials) (int, []ListenerRecord, error) {
	var records []ListenerRecord
	var errs *multierror.Error

	first := addrs[0]
	l, err := e.listen(first, creds)
	if err != nil {
		return e.finish(0, len(addrs), nil, multierror.Append(errs, fmt.Errorf("%s: %w", first.Addr, err)))
	}
	_, portStr, _ := net.SplitHostPort(l.Addr().String())
	port, _ := strconv.Atoi(portStr)
	records = append(records, e.register(l, first))

	for _, addr := range addrs[1:] {
		host, _, herr := net.SplitHostPort(addr.Addr)
		if herr != nil {
			host = addr.Addr
		}
		resolved := resolver.Address{Network: addr.Network, Addr: net.JoinHostPort(host, portStr)}
		rl, lerr := e.listen(resolved, creds)
		if lerr != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", resolved.Addr, lerr))
			continue
		}
		records = append(records, e.register(rl, resolved))
	}

	return e.finish(port, len(addrs), records, errs)
}

func (e *Engine) finish(port int, resolvedCount int, records []ListenerRecord, errs *multierror.Error) (int, []ListenerRecord, error) {
	boundCount := len(records)
	if boundCount == 0 {
		return 0, nil, fmt.Errorf("No address added out of total %d resolved: %w", resolvedCount, errs.ErrorOrNil())
	}
	if boundCount < resolvedCount {
		e.Log.Info(fmt.Sprintf("Only %d addresses added out of total %d resolved", boundCount, resolvedCount),
			zap.Error(errs.ErrorOrNil()),
		)
	}
	return port, records, nil
}

func (e *Engine) listen(addr resolver.Address, creds Credentials) (net.Listener, error) {
	l, err := net.Listen(addr.Network, addr.Addr)
	if err != nil {
		return nil, err
	}
	if creds != nil && creds.IsSecure() {
		return tls.NewListener(l, creds.TLSConfig()), nil
	}
	return l, nil
}

func (e *Engine) register(l net.Listener, addr resolver.Address) ListenerRecord {
	var ref *channelz.Ref
	if e.Registry != nil {
		ref = e.Registry.RegisterSocket(l.Addr().String(), func() any {
			return struct {
				LocalAddr string
			}{LocalAddr: l.Addr().String()}
		})
		e.Children.RefChild(ref)
	}
	return ListenerRecord{Socket: l, Addr: addr, Ref: ref}
}

func isWildcardPort(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	return port == "0"
}
