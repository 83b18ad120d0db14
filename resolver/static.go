package resolver

import (
	"net/url"
	"strings"
)

// staticBuilder resolves a literal comma-separated host:port list with
// no external lookup — the simplest possible Resolver, useful for tests
// and for binding to addresses already known at call time.
type staticBuilder struct{}

func (b *staticBuilder) Scheme() string { return "static" }

func (b *staticBuilder) Build(uri *url.URL, l Listener, opts Options) (Resolver, error) {
	target := uri.Opaque
	if target == "" {
		target = uri.Host + uri.Path
	}
	return &staticResolver{target: target, listener: l}, nil
}

type staticResolver struct {
	target   string
	listener Listener
}

func (r *staticResolver) UpdateResolution() {
	parts := strings.Split(r.target, ",")
	addrs := make([]Address, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		addrs = append(addrs, Address{Network: "tcp", Addr: p})
	}
	r.listener.OnSuccessfulResolution(addrs, nil, nil)
}

func (r *staticResolver) Close() {}

// unixBuilder resolves a single filesystem path as a non-TCP address.
type unixBuilder struct{}

func (b *unixBuilder) Scheme() string { return "unix" }

func (b *unixBuilder) Build(uri *url.URL, l Listener, opts Options) (Resolver, error) {
	path := uri.Opaque
	if path == "" {
		path = uri.Path
	}
	return &unixResolver{path: path, listener: l}, nil
}

type unixResolver struct {
	path     string
	listener Listener
}

func (r *unixResolver) UpdateResolution() {
	r.listener.OnSuccessfulResolution([]Address{{Network: "unix", Addr: r.path}}, nil, nil)
}

func (r *unixResolver) Close() {}
