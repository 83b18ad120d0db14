// Package resolver implements the Resolver contract spec.md §6 consumes:
// an address specification's scheme selects a Builder, which constructs
// a Resolver that reports a resolved address list (or an error) to a
// Listener. A Resolver may report more than once (the etcd resolver
// reports again on every change); OneShotListener passes on only the
// first result.
package resolver

import (
	"fmt"
	"net/url"
	"sync"
)

// Address is one concrete network endpoint the Bind Engine can listen on.
type Address struct {
	Network string // "tcp" or "unix"
	Addr    string // "host:port" for tcp, a filesystem path for unix
}

// Listener receives resolution results. OnSuccessfulResolution mirrors
// spec.md §6's (addressList, serviceConfig, serviceConfigError) shape;
// this module never interprets service config (§1 Out of scope), so it
// is passed through opaquely for forward compatibility.
type Listener interface {
	OnSuccessfulResolution(addrs []Address, serviceConfig any, serviceConfigErr error)
	OnError(err error)
}

// Resolver drives one in-flight resolution. UpdateResolution requests a
// fresh resolution pass; Close releases any background resources
// (watches, goroutines) the resolver holds.
type Resolver interface {
	UpdateResolution()
	Close()
}

// Options carries resolver-construction parameters a concrete Builder
// may need (e.g. etcd endpoints), analogous to a dial-options bag.
type Options struct {
	EtcdEndpoints []string
}

// Builder constructs a Resolver for a parsed address URI.
type Builder interface {
	Build(uri *url.URL, l Listener, opts Options) (Resolver, error)
	Scheme() string
}

var (
	registryMu sync.Mutex
	builders   = map[string]Builder{}
)

// Register adds b under its own Scheme(). Intended to be called from
// package init() functions, mirroring how grpc-go's own resolver
// registry is populated.
func Register(b Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	builders[b.Scheme()] = b
}

// Get returns the builder registered for scheme, if any.
func Get(scheme string) (Builder, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	b, ok := builders[scheme]
	return b, ok
}

func init() {
	Register(&staticBuilder{})
	Register(&unixBuilder{})
	Register(&etcdBuilder{})
}

// OneShotListener wraps a Listener so only the first resolution result
// (success or error) reaches it — spec.md §4.2 step 2: "subsequent
// results are discarded by replacing the success callback with a no-op."
// The Bind Engine installs one of these around every resolver it drives.
type OneShotListener struct {
	once     sync.Once
	delegate Listener
}

func NewOneShotListener(l Listener) *OneShotListener {
	return &OneShotListener{delegate: l}
}

func (o *OneShotListener) OnSuccessfulResolution(addrs []Address, serviceConfig any, serviceConfigErr error) {
	o.once.Do(func() { o.delegate.OnSuccessfulResolution(addrs, serviceConfig, serviceConfigErr) })
}

func (o *OneShotListener) OnError(err error) {
	o.once.Do(func() { o.delegate.OnError(err) })
}

// ParseTarget applies the default-scheme rule of spec.md §4.2 step 1:
// an address with no scheme is treated as "static" (a literal host:port
// or comma-separated host:port list), matching grpc's own "dns is the
// default scheme" convention but scoped to what this module actually
// implements.
func ParseTarget(address string) (*url.URL, error) {
	u, err := url.Parse(address)
	if err != nil || u.Scheme == "" {
		u = &url.URL{Scheme: "static", Opaque: address}
	}
	if _, ok := Get(u.Scheme); !ok {
		return nil, fmt.Errorf("resolver: no builder registered for scheme %q", u.Scheme)
	}
	return u, nil
}
