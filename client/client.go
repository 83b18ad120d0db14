// Package client is a small test harness, not a public client API: it
// discovers instances via a registry.Registry, picks one with a
// loadbalance.Balancer, and drives one full call over the real wire
// protocol (package protocol) against a running server.Server — used
// throughout this module's test suite to exercise the dispatch core
// end to end instead of calling its internals directly.
//
// Call flow:
//
//	Call(path, req)
//	  → Registry.Discover(service)   → instance list
//	  → Balancer.Pick(instances)      → one address
//	  → pool(addr).Get()              → an exclusively-borrowed net.Conn
//	  → protocol.Encode(HEADERS, MESSAGE, HALF_CLOSE)
//	  → protocol.Decode loop until TRAILER
//	  → pool(addr).Put()              → conn returned for reuse
package client

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"google.golang.org/grpc/status"

	"grpccore/codec"
	"grpccore/loadbalance"
	"grpccore/message"
	"grpccore/protocol"
	"grpccore/registry"
	"grpccore/transport"
)

const callStreamID = 1 // one call borrows a connection exclusively, so a fixed StreamID never collides

// Client drives calls against instances of a registered service.
type Client struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	codec    codec.Codec

	mu    sync.Mutex
	pools map[string]*transport.ConnPool

	poolSize int
}

// NewClient builds a Client. poolSize is the number of pooled
// connections maintained per discovered address.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, poolSize int) *Client {
	if poolSize < 1 {
		poolSize = 1
	}
	return &Client{
		registry: reg,
		balancer: bal,
		codec:    codec.Get(codec.NameJSON),
		pools:    make(map[string]*transport.ConnPool),
		poolSize: poolSize,
	}
}

func (c *Client) pool(addr string) *transport.ConnPool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[addr]
	if !ok {
		p = transport.NewConnPool(addr, c.poolSize, func() (net.Conn, error) {
			return net.Dial("tcp", addr)
		})
		c.pools[addr] = p
	}
	return p
}

func serviceName(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.Index(trimmed, "/"); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

func (c *Client) pickConn(path string) (*transport.PoolConn, error) {
	instances, err := c.registry.Discover(serviceName(path))
	if err != nil {
		return nil, err
	}
	instance, err := c.balancer.Pick(instances)
	if err != nil {
		return nil, err
	}
	return c.pool(instance.Addr).Get()
}

// Call performs one unary RPC: it sends a single request message and
// returns the single response message, or the server's status error.
func (c *Client) Call(path string, req []byte) ([]byte, error) {
	resps, err := c.callStream(path, req)
	if err != nil {
		return nil, err
	}
	if len(resps) == 0 {
		return nil, nil
	}
	return resps[0], nil
}

// CallServerStream performs one server-streaming RPC: it sends a single
// request message and returns every response message the server sends
// before its trailer.
func (c *Client) CallServerStream(path string, req []byte) ([][]byte, error) {
	return c.callStream(path, req)
}

func (c *Client) callStream(path string, req []byte) ([][]byte, error) {
	conn, err := c.pickConn(path)
	if err != nil {
		return nil, err
	}

	headerBody, err := c.codec.EncodeMetadata(message.Metadata{
		":path":        {path},
		"content-type": {"application/grpc+json"},
	})
	if err != nil {
		conn.MarkUnusable()
		conn.Release()
		return nil, err
	}

	if err := protocol.Encode(conn, &protocol.Header{FrameType: protocol.FrameHeaders, StreamID: callStreamID, BodyLen: uint32(len(headerBody))}, headerBody); err != nil {
		conn.MarkUnusable()
		conn.Release()
		return nil, err
	}
	if err := protocol.Encode(conn, &protocol.Header{FrameType: protocol.FrameMessage, StreamID: callStreamID, BodyLen: uint32(len(req))}, req); err != nil {
		conn.MarkUnusable()
		conn.Release()
		return nil, err
	}
	if err := protocol.Encode(conn, &protocol.Header{FrameType: protocol.FrameHalfClose, StreamID: callStreamID}, nil); err != nil {
		conn.MarkUnusable()
		conn.Release()
		return nil, err
	}

	var responses [][]byte
	for {
		h, body, err := protocol.Decode(conn)
		if err != nil {
			conn.MarkUnusable()
			conn.Release()
			return nil, err
		}
		switch h.FrameType {
		case protocol.FrameMessage:
			responses = append(responses, body)
		case protocol.FrameReject:
			conn.MarkUnusable()
			conn.Release()
			return nil, fmt.Errorf("client: request rejected: %s", body)
		case protocol.FrameTrailer:
			trailer, err := c.codec.DecodeTrailer(body)
			conn.Release()
			if err != nil {
				return nil, err
			}
			if trailer.Code != 0 {
				return responses, status.Error(trailer.Code, trailer.Message)
			}
			return responses, nil
		}
	}
}
