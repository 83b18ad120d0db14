// Package session implements the Session Manager (spec.md §4.3): it
// tracks one Record per live connection, exposes a live (never cached)
// telemetry snapshot per session, and demultiplexes inbound frames to
// the stream they belong to — generalizing the teacher's
// ClientTransport.recvLoop / pending sync.Map pattern from "one
// in-flight request per sequence number" to "one in-flight stream per
// StreamID, for the lifetime of a connection".
package session

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"grpccore/channelz"
	"grpccore/protocol"
)

// TLSInfo mirrors spec.md §4.3's TLS snapshot fields. Snapshot.TLS is
// nil when the underlying session is plaintext. Snapshot fills in
// CipherSuiteName and PeerCertDER only; LocalCertDER is left nil.
type TLSInfo struct {
	CipherSuiteName  string
	LocalCertDER     [][]byte
	PeerCertDER      [][]byte
}

// FlowControlWindow is a placeholder pair of window sizes. This
// module's wire protocol has no real flow control, so these fields are
// reported as zero rather than fabricated.
type FlowControlWindow struct {
	Local  int32
	Remote int32
}

// Snapshot is the on-demand, never-cached view spec.md §4.3 requires:
// read fresh on every telemetry read, not maintained incrementally.
type Snapshot struct {
	LocalAddr  string
	RemoteAddr string
	TLS        *TLSInfo
	Counters   channelz.StreamCounters
	FlowWindow FlowControlWindow
}

// StreamHandle is how the Dispatch Core receives frames demultiplexed
// for one stream and sends frames back out. Record owns exactly one
// StreamHandle per live StreamID.
type StreamHandle interface {
	// Deliver is invoked by the session's single reader goroutine for
	// every inbound frame addressed to this stream. Implementations
	// must not block significantly, since it holds up the reader loop
	// for every other stream on the connection.
	Deliver(frame protocol.Header, body []byte)
	// Closed is invoked once when the connection itself breaks, so a
	// stream that never received its own terminal frame still unblocks.
	Closed(err error)
}

// Record is one Session Manager entry: a single connection from one
// peer, its accounting, and its channelz child ref.
type Record struct {
	conn net.Conn
	tls  *tls.Conn // non-nil only when conn is a *tls.Conn

	Ref     *channelz.Ref
	Tracker channelz.StreamTracker

	// maxStreams is this session's grpc.max_concurrent_streams cap
	// (spec.md §4.2); 0 means unlimited. liveStreams is the atomic count
	// of currently registered streams.
	maxStreams  int64
	liveStreams int64

	// maxSessionBytes is this session's grpc-node.max_session_memory cap
	// (spec.md §4.2), counted against cumulative received bytes; 0 means
	// unlimited. bytesReceived is the atomic running total.
	maxSessionBytes int64
	bytesReceived   int64

	// NewStream is invoked by RecvLoop whenever a FrameHeaders frame
	// arrives for a StreamID with no registered handle — the Dispatch
	// Core installs this to learn about every new stream on the
	// session. Must be set before RecvLoop starts; never mutated after.
	NewStream func(streamID uint32, headersBody []byte)

	messagesSent          int64
	messagesReceived      int64
	lastMessageSentAt     int64
	lastMessageReceivedAt int64

	sendMu sync.Mutex // serializes frame writes, mirrors the teacher's ClientTransport.sending mutex

	streams sync.Map // map[uint32]StreamHandle, mirrors the teacher's ClientTransport.pending
	closed    atomic.Bool
}

// Manager owns the set of live sessions and the registry they register
// telemetry refs against.
type Manager struct {
	registry  *channelz.Registry
	serverRef *channelz.Ref

	// children, when set, receives a RefChild for every admitted session
	// and an UnrefChild when it closes, per spec.md §3 invariant 3 / §4.3's
	// "reference as child of server". Left nil, sessions still register in
	// registry but are never attached as children.
	children *channelz.ChildrenTracker

	// limiter throttles new-session admission per spec.md §5's ambient
	// backpressure knob. nil means unlimited — the default.
	limiter *rate.Limiter

	// maxStreamsPerSession / maxSessionBytes are applied to every Record
	// this Manager admits, the per-session analogues of
	// grpc.max_concurrent_streams / grpc-node.max_session_memory spec.md
	// §4.2 names. 0 means unlimited — the default.
	maxStreamsPerSession int64
	maxSessionBytes      int64

	mu       sync.Mutex
	sessions map[int64]*Record
}

// NewManager builds a Manager whose sessions register as children of
// serverRef in registry.
func NewManager(registry *channelz.Registry, serverRef *channelz.Ref) *Manager {
	return &Manager{registry: registry, serverRef: serverRef, sessions: make(map[int64]*Record)}
}

// SetChildren installs the ChildrenTracker sessions should be refed
// against while live. Must be set before Accept is first called.
func (m *Manager) SetChildren(t *channelz.ChildrenTracker) {
	m.children = t
}

// SetAdmissionLimit bounds new-session admission to qps sessions per
// second (burst is qps truncated to an integer, and at least 1). qps <= 0
// disables the limiter, restoring unlimited admission.
func (m *Manager) SetAdmissionLimit(qps float64) {
	if qps <= 0 {
		m.limiter = nil
		return
	}
	burst := int(qps)
	if burst < 1 {
		burst = 1
	}
	m.limiter = rate.NewLimiter(rate.Limit(qps), burst)
}

// SetMaxConcurrentStreams bounds the number of concurrently open streams
// each session this Manager admits may carry at once — the per-session
// analogue of grpc.max_concurrent_streams (spec.md §4.2), since this
// module's wire protocol has no HTTP/2 SETTINGS frame to carry it in.
// n <= 0 disables the cap, restoring unlimited concurrent streams.
func (m *Manager) SetMaxConcurrentStreams(n int) {
	if n <= 0 {
		m.maxStreamsPerSession = 0
		return
	}
	m.maxStreamsPerSession = int64(n)
}

// SetMaxSessionMemory bounds the cumulative bytes each session this
// Manager admits may receive before it is closed — the analogue of
// grpc-node.max_session_memory (spec.md §4.2). n <= 0 disables the cap.
func (m *Manager) SetMaxSessionMemory(n int64) {
	if n <= 0 {
		m.maxSessionBytes = 0
		return
	}
	m.maxSessionBytes = n
}

// Accept registers conn as a new session, unless started is false — in
// which case spec.md §4.3 requires the session be destroyed immediately
// without ever being registered. A session admitted over the configured
// rate limit is likewise destroyed immediately without registering.
func (m *Manager) Accept(conn net.Conn, started bool) *Record {
	if !started {
		conn.Close()
		return nil
	}
	if m.limiter != nil && !m.limiter.Allow() {
		conn.Close()
		return nil
	}

	rec := &Record{conn: conn, maxStreams: m.maxStreamsPerSession, maxSessionBytes: m.maxSessionBytes}
	if t, ok := conn.(*tls.Conn); ok {
		rec.tls = t
	}

	rec.Ref = m.registry.RegisterSocket(conn.RemoteAddr().String(), func() any {
		return rec.Snapshot()
	})
	m.children.RefChild(rec.Ref)

	m.mu.Lock()
	m.sessions[rec.Ref.ID] = rec
	m.mu.Unlock()

	return rec
}

// Close tears a session down per spec.md §4.3's close handler: unref,
// unregister, and remove the map entry. Idempotent.
func (m *Manager) Close(rec *Record, err error) {
	if rec == nil || !rec.closed.CompareAndSwap(false, true) {
		return
	}

	rec.streams.Range(func(_, v any) bool {
		v.(StreamHandle).Closed(err)
		return true
	})

	m.mu.Lock()
	delete(m.sessions, rec.Ref.ID)
	m.mu.Unlock()

	m.children.UnrefChild(rec.Ref)
	m.registry.Unregister(rec.Ref)
	rec.conn.Close()
}

// CloseAll destroys every live session with the given cancel cause,
// used by forceShutdown (spec.md §4.5) to tear down all sessions at
// once rather than draining them gracefully.
func (m *Manager) CloseAll(cancelCause error) {
	m.mu.Lock()
	recs := make([]*Record, 0, len(m.sessions))
	for _, r := range m.sessions {
		recs = append(recs, r)
	}
	m.mu.Unlock()

	for _, r := range recs {
		m.Close(r, cancelCause)
	}
}

// Lookup returns the live session for a channelz ref ID, if any.
func (m *Manager) Lookup(id int64) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[id]
	return r, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// RegisterStream binds streamID to h so future Deliver calls for that
// StreamID route to h, mirroring ClientTransport.pending.Store — unless
// doing so would exceed this session's grpc.max_concurrent_streams cap,
// in which case it refuses and leaves the stream table unchanged.
func (r *Record) RegisterStream(streamID uint32, h StreamHandle) bool {
	if r.maxStreams > 0 && atomic.AddInt64(&r.liveStreams, 1) > r.maxStreams {
		atomic.AddInt64(&r.liveStreams, -1)
		return false
	}
	r.streams.Store(streamID, h)
	return true
}

// UnregisterStream removes the routing entry for streamID. Mirrors
// pending.LoadAndDelete/Delete in the teacher's recvLoop.
func (r *Record) UnregisterStream(streamID uint32) {
	if _, loaded := r.streams.LoadAndDelete(streamID); loaded {
		atomic.AddInt64(&r.liveStreams, -1)
	}
}

// WriteFrame serializes one frame to the connection, holding sendMu for
// the duration so concurrent streams on this session never interleave
// bytes — the same discipline as the teacher's ClientTransport.sending.
func (r *Record) WriteFrame(h protocol.Header, body []byte) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	return protocol.Encode(r.conn, &h, body)
}

// RecvLoop is the single reader goroutine for this session's
// connection, generalizing the teacher's ClientTransport.recvLoop from
// one response-channel-per-sequence to one StreamHandle-per-StreamID,
// for arbitrarily many concurrently open streams per connection.
func (r *Record) RecvLoop() error {
	for {
		header, body, err := protocol.Decode(r.conn)
		if err != nil {
			return err
		}

		if header.FrameType == protocol.FrameMessage {
			atomic.StoreInt64(&r.lastMessageReceivedAt, time.Now().UnixNano())
			atomic.AddInt64(&r.messagesReceived, 1)
		}

		if r.maxSessionBytes > 0 && atomic.AddInt64(&r.bytesReceived, int64(len(body))) > r.maxSessionBytes {
			return fmt.Errorf("session: exceeded max session memory of %d bytes", r.maxSessionBytes)
		}

		if v, ok := r.streams.Load(header.StreamID); ok {
			v.(StreamHandle).Deliver(*header, body)
			continue
		}
		if header.FrameType == protocol.FrameHeaders && r.NewStream != nil {
			// Invoked synchronously so the stream is registered in
			// r.streams before this loop reads the next frame —
			// otherwise a message frame arriving right after headers
			// could be dropped as belonging to an unknown stream.
			r.NewStream(header.StreamID, body)
			continue
		}
		// Any other frame for an unknown StreamID is dropped: the
		// stream already ended and unregistered itself.
	}
}

// RecordMessageSent bumps the message-sent counters; called by the
// Dispatch Core's sendMessage completion listener per spec.md §4.4
// step 5.
func (r *Record) RecordMessageSent() {
	atomic.AddInt64(&r.messagesSent, 1)
	atomic.StoreInt64(&r.lastMessageSentAt, time.Now().UnixNano())
}

// Snapshot builds the on-demand telemetry view spec.md §4.3 describes.
// Never cached: callers get a freshly read value every invocation.
func (r *Record) Snapshot() Snapshot {
	s := Snapshot{
		LocalAddr:  r.conn.LocalAddr().String(),
		RemoteAddr: r.conn.RemoteAddr().String(),
		Counters:   r.Tracker.Snapshot(),
	}
	if r.tls != nil {
		state := r.tls.ConnectionState()
		info := &TLSInfo{CipherSuiteName: tlsCipherName(state.CipherSuite)}
		for _, c := range state.PeerCertificates {
			info.PeerCertDER = append(info.PeerCertDER, c.Raw)
		}
		s.TLS = info
	}
	return s
}

func tlsCipherName(id uint16) string {
	if name := tls.CipherSuiteName(id); name != "" {
		return name
	}
	return "unknown"
}
