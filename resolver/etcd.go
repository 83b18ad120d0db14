package resolver

import (
	"context"
	"net/url"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdBuilder resolves a bind-time address list stored under an etcd key
// prefix, built directly on the teacher's EtcdRegistry Discover/Watch
// idiom — here used server-side, to let a coordinated cluster tell a
// newly-starting process which addresses it should bind, rather than
// client-side service discovery.
type etcdBuilder struct{}

func (b *etcdBuilder) Scheme() string { return "etcd" }

func (b *etcdBuilder) Build(uri *url.URL, l Listener, opts Options) (Resolver, error) {
	endpoints := opts.EtcdEndpoints
	if len(endpoints) == 0 {
		endpoints = []string{"127.0.0.1:2379"}
	}
	client, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, err
	}
	prefix := uri.Host + uri.Path
	if prefix == "" {
		prefix = uri.Opaque
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &etcdResolver{
		client:   client,
		prefix:   strings.TrimSuffix(prefix, "/") + "/",
		listener: l,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

type etcdResolver struct {
	client   *clientv3.Client
	prefix   string
	listener Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

func (r *etcdResolver) UpdateResolution() {
	resp, err := r.client.Get(r.ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		r.listener.OnError(err)
		return
	}
	addrs := make([]Address, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		addrs = append(addrs, Address{Network: "tcp", Addr: string(kv.Value)})
	}
	r.listener.OnSuccessfulResolution(addrs, nil, nil)

	go r.watch()
}

// watch keeps refreshing the resolution on every change under the
// prefix. Only the Bind Engine's one-shot wrapper decides whether a
// later update still reaches its caller.
func (r *etcdResolver) watch() {
	watchChan := r.client.Watch(r.ctx, r.prefix, clientv3.WithPrefix())
	for range watchChan {
		resp, err := r.client.Get(r.ctx, r.prefix, clientv3.WithPrefix())
		if err != nil {
			r.listener.OnError(err)
			return
		}
		addrs := make([]Address, 0, len(resp.Kvs))
		for _, kv := range resp.Kvs {
			addrs = append(addrs, Address{Network: "tcp", Addr: string(kv.Value)})
		}
		r.listener.OnSuccessfulResolution(addrs, nil, nil)
	}
}

func (r *etcdResolver) Close() {
	r.cancel()
	r.client.Close()
}
