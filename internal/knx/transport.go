package knx

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
)

// Endpoint is a UDP (address, port) pair a datagram is sent to or
// received from.
type Endpoint struct {
	IP   [4]byte
	Port uint16
}

// String renders the endpoint as "a.b.c.d:port".
func (e Endpoint) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", e.IP[0], e.IP[1], e.IP[2], e.IP[3], e.Port)
}

func endpointFromUDPAddr(addr *net.UDPAddr) Endpoint {
	var e Endpoint
	ip4 := addr.IP.To4()
	if ip4 != nil {
		copy(e.IP[:], ip4)
	}
	e.Port = uint16(addr.Port) //nolint:gosec // UDP ports fit in uint16
	return e
}

func (e Endpoint) toUDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(e.IP[0], e.IP[1], e.IP[2], e.IP[3]), Port: int(e.Port)}
}

// Transport is the datagram transport this client is driven over. Real
// deployments use UDPTransport; tests use MockTransport.
type Transport interface {
	// Bind prepares the transport to send and receive on localPort (0
	// selects an ephemeral port). Implementations for which binding is
	// not meaningful may treat this as a no-op.
	Bind(localPort int) error

	// SendTo writes data to the given endpoint.
	SendTo(ctx context.Context, data []byte, dst Endpoint) error

	// RecvFrom blocks until a datagram arrives or ctx is done, returning
	// the bytes read and the sender's endpoint.
	RecvFrom(ctx context.Context, buf []byte) (int, Endpoint, error)

	// JoinMulticast joins the given multicast group, for gateway
	// discovery. Implementations that do not support multicast may
	// return an error; the discovery caller treats that as "no gateway
	// found" rather than a fatal error.
	JoinMulticast(group string, port int) error

	// IsReady reports whether the transport is bound and usable.
	IsReady() bool

	// Close releases the underlying socket.
	Close() error
}

// UDPTransport is the real network transport, backed by a single
// net.UDPConn. Discovery additionally joins a multicast group via
// golang.org/x/net/ipv4, mirroring the teacher's preference for an
// x/net primitive over hand-rolled syscall socket options.
type UDPTransport struct {
	mu        sync.Mutex
	conn      *net.UDPConn
	packetCon *ipv4.PacketConn
	ready     bool
}

// NewUDPTransport creates an unbound UDP transport. Call Bind before use.
func NewUDPTransport() *UDPTransport {
	return &UDPTransport{}
}

// Bind opens the underlying UDP socket on localPort (0 for an ephemeral
// port).
func (u *UDPTransport) Bind(localPort int) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: localPort})
	if err != nil {
		return fmt.Errorf("%w: bind: %w", ErrConnectionFailed, err)
	}

	u.conn = conn
	u.packetCon = ipv4.NewPacketConn(conn)
	u.ready = true
	return nil
}

// SendTo writes a datagram to dst, honouring ctx's deadline if set.
func (u *UDPTransport) SendTo(ctx context.Context, data []byte, dst Endpoint) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: transport not bound", ErrConnectionFailed)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("%w: set write deadline: %w", ErrTelegramFailed, err)
		}
	}

	if _, err := conn.WriteToUDP(data, dst.toUDPAddr()); err != nil {
		return fmt.Errorf("%w: %w", ErrTelegramFailed, err)
	}
	return nil
}

// RecvFrom blocks until a datagram arrives, ctx is cancelled, or its
// deadline elapses.
func (u *UDPTransport) RecvFrom(ctx context.Context, buf []byte) (int, Endpoint, error) {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()

	if conn == nil {
		return 0, Endpoint{}, fmt.Errorf("%w: transport not bound", ErrConnectionFailed)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return 0, Endpoint{}, fmt.Errorf("%w: set read deadline: %w", ErrTimeout, err)
		}
	}

	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return 0, Endpoint{}, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return 0, Endpoint{}, fmt.Errorf("%w: %w", ErrTelegramFailed, err)
	}
	return n, endpointFromUDPAddr(addr), nil
}

// JoinMulticast joins a multicast group on the default network
// interface, used by discovery to receive SEARCH_RESPONSE traffic sent
// to 224.0.23.12.
func (u *UDPTransport) JoinMulticast(group string, _ int) error {
	u.mu.Lock()
	pc := u.packetCon
	u.mu.Unlock()

	if pc == nil {
		return fmt.Errorf("%w: transport not bound", ErrConnectionFailed)
	}

	ip := net.ParseIP(group)
	if ip == nil {
		return fmt.Errorf("%w: invalid multicast group %q", ErrConnectionFailed, group)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("%w: enumerate interfaces: %w", ErrConnectionFailed, err)
	}

	var joined bool
	for i := range ifaces {
		if err := pc.JoinGroup(&ifaces[i], &net.UDPAddr{IP: ip}); err == nil {
			joined = true
		}
	}
	if !joined {
		return fmt.Errorf("%w: could not join %s on any interface", ErrConnectionFailed, group)
	}
	return nil
}

// IsReady reports whether Bind has succeeded and Close has not been
// called.
func (u *UDPTransport) IsReady() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ready
}

// Close releases the underlying UDP socket.
func (u *UDPTransport) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.ready = false
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	u.packetCon = nil
	return err
}

// mockDatagram is one queued or recorded datagram in a MockTransport.
type mockDatagram struct {
	data []byte
	from Endpoint
}

// MockTransport is a hand-written fake transport for tests: it queues
// pre-programmed responses and records every datagram sent, following
// the teacher's convention of fakes over a mocking library (the corpus
// uses none).
type MockTransport struct {
	mu       sync.Mutex
	bound    bool
	incoming []mockDatagram
	sent     []mockDatagram
	closed   bool
}

// NewMockTransport creates an unbound mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Bind marks the mock as bound; it has no real socket to open.
func (m *MockTransport) Bind(_ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bound = true
	return nil
}

// QueueResponse enqueues a datagram to be returned by a future RecvFrom
// call, as if it arrived from the given sender.
func (m *MockTransport) QueueResponse(data []byte, from Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incoming = append(m.incoming, mockDatagram{data: data, from: from})
}

// SentDatagrams returns every datagram handed to SendTo, in order.
func (m *MockTransport) SentDatagrams() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]byte, len(m.sent))
	for i, d := range m.sent {
		out[i] = d.data
	}
	return out
}

// SendTo records the datagram for later inspection by SentDatagrams.
func (m *MockTransport) SendTo(_ context.Context, data []byte, dst Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("%w: transport closed", ErrTelegramFailed)
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	m.sent = append(m.sent, mockDatagram{data: cp, from: dst})
	return nil
}

// RecvFrom returns the next queued datagram, or ErrTimeout if the queue
// is empty (mirroring a transport timeout waiting for a gateway reply).
func (m *MockTransport) RecvFrom(ctx context.Context, buf []byte) (int, Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, Endpoint{}, fmt.Errorf("%w: transport closed", ErrTelegramFailed)
	}
	if len(m.incoming) == 0 {
		select {
		case <-ctx.Done():
			return 0, Endpoint{}, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		default:
			return 0, Endpoint{}, fmt.Errorf("%w: no queued datagrams", ErrTimeout)
		}
	}

	next := m.incoming[0]
	m.incoming = m.incoming[1:]
	n := copy(buf, next.data)
	return n, next.from, nil
}

// JoinMulticast is a no-op for the mock; discovery tests queue
// SEARCH_RESPONSE datagrams directly via QueueResponse instead of
// relying on real multicast delivery.
func (m *MockTransport) JoinMulticast(_ string, _ int) error {
	return nil
}

// IsReady reports whether Bind has been called and Close has not.
func (m *MockTransport) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bound && !m.closed
}

// Close marks the mock transport closed; further sends/receives fail.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var (
	_ Transport = (*UDPTransport)(nil)
	_ Transport = (*MockTransport)(nil)
)
