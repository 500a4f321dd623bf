package knx

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is the optional logging interface accepted throughout this
// package. Callers that do not want logging may pass nil.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// TunnelState is the tunnel connection's typestate. Exactly one state
// holds at any moment.
type TunnelState int

// Tunnel states, per the Idle→Connecting→Connected→Disconnecting
// lifecycle.
const (
	StateIdle TunnelState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

// String renders a TunnelState for logging.
func (s TunnelState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// maxMissedHeartbeats is the number of consecutive missed heartbeat
// responses after which the tunnel declares the connection lost.
const maxMissedHeartbeats = 3

// TunnelStats holds operational counters, snapshotted via Stats().
type TunnelStats struct {
	TelegramsTx  uint64
	TelegramsRx  uint64
	ErrorsTotal  uint64
	LastActivity time.Time
	State        TunnelState
}

// Tunnel implements the KNXnet/IP tunnelling connection state machine
// (spec §4.6). It owns the channel ID and the send/recv sequence
// counters for one gateway connection.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Tunnel struct {
	mu sync.Mutex

	state     TunnelState
	channelID uint8
	sendSeq   uint8
	recvSeq   uint8
	haveRecv  bool // whether recvSeq has accepted at least one frame

	missedHeartbeats int

	telegramsTx atomic.Uint64
	telegramsRx atomic.Uint64
	errorsTotal atomic.Uint64
	lastActive  atomic.Int64 // unix nanos

	logger Logger
}

// NewTunnel creates a tunnel state machine in the Idle state.
func NewTunnel(logger Logger) *Tunnel {
	return &Tunnel{state: StateIdle, logger: logger}
}

// State returns the current typestate.
func (t *Tunnel) State() TunnelState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ChannelID returns the channel ID assigned at connect time. Only
// meaningful once State() is StateConnected or StateDisconnecting.
func (t *Tunnel) ChannelID() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channelID
}

// Connect builds a CONNECT_REQUEST and transitions Idle→Connecting.
func (t *Tunnel) Connect(control, data HPAI) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateIdle {
		return nil, fmt.Errorf("%w: connect requires idle, got %s", ErrInvalidState, t.state)
	}

	frame, err := BuildConnectRequest(control, data)
	if err != nil {
		return nil, err
	}
	t.state = StateConnecting
	return frame, nil
}

// HandleConnectResponse processes a CONNECT_RESPONSE. On acceptance it
// transitions Connecting→Connected and resets both sequence counters to
// zero. On refusal it transitions back to Idle and returns
// ErrConnectionRefused.
func (t *Tunnel) HandleConnectResponse(resp ConnectResponse) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateConnecting {
		return fmt.Errorf("%w: connect response requires connecting, got %s", ErrInvalidState, t.state)
	}

	if !resp.Accepted() {
		t.state = StateIdle
		return fmt.Errorf("%w: status 0x%02X", ErrConnectionRefused, resp.Status)
	}

	t.channelID = resp.ChannelID
	t.sendSeq = 0
	t.recvSeq = 0
	t.haveRecv = false
	t.missedHeartbeats = 0
	t.state = StateConnected
	t.touch()
	return nil
}

// BuildOutgoingTunnelingRequest wraps a cEMI payload with the tunnel's
// current send_seq and channel ID. It does not advance send_seq; that
// only happens once a matching TUNNELING_ACK is processed.
func (t *Tunnel) BuildOutgoingTunnelingRequest(cemi []byte) ([]byte, uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateConnected {
		return nil, 0, fmt.Errorf("%w: send requires connected, got %s", ErrInvalidState, t.state)
	}

	seq := t.sendSeq
	frame, err := BuildTunnelingRequest(t.channelID, seq, cemi)
	if err != nil {
		return nil, 0, err
	}
	return frame, seq, nil
}

// HandleTunnelingAck validates an incoming TUNNELING_ACK against the
// outstanding send_seq. On a matching, successful ACK, send_seq advances
// by one (mod 256); nothing else mutates send_seq.
func (t *Tunnel) HandleTunnelingAck(ack TunnelingAck) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateConnected {
		return fmt.Errorf("%w: ack requires connected, got %s", ErrInvalidState, t.state)
	}
	if ack.ChannelID != t.channelID {
		return fmt.Errorf("%w: ack channel %d, want %d", ErrChannelMismatch, ack.ChannelID, t.channelID)
	}
	if !ack.Accepted() || ack.Sequence != t.sendSeq {
		t.errorsTotal.Add(1)
		return fmt.Errorf("%w: seq=%d status=0x%02X, expected seq=%d status=0x00", ErrTunnelingAckFailed, ack.Sequence, ack.Status, t.sendSeq)
	}

	t.sendSeq++
	t.telegramsTx.Add(1)
	t.touch()
	return nil
}

// IncomingDisposition describes how an incoming TUNNELING_REQUEST from
// the gateway should be handled.
type IncomingDisposition int

// Incoming-request dispositions.
const (
	// DispositionAccept means the frame is new: ACK it and dispatch its
	// cEMI payload to the application.
	DispositionAccept IncomingDisposition = iota
	// DispositionDuplicate means the frame repeats the last accepted
	// sequence: re-ACK it but do not dispatch again.
	DispositionDuplicate
	// DispositionDrop means the frame is out of sequence and neither
	// ACKed nor dispatched.
	DispositionDrop
)

// HandleIncomingTunnelingRequest validates a TUNNELING_REQUEST received
// from the gateway and returns the disposition plus the ACK frame to
// send (nil if the frame should be dropped silently).
//
// Per spec §4.6: a request whose sequence equals recv_seq is new and
// advances recv_seq; one equal to recv_seq-1 (mod 256) is a duplicate and
// is re-ACKed without advancing or re-dispatching; anything else is
// dropped with no ACK and no state change. A channel ID mismatch is
// always dropped.
func (t *Tunnel) HandleIncomingTunnelingRequest(req TunnelingRequest) (IncomingDisposition, []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateConnected {
		return DispositionDrop, nil, fmt.Errorf("%w: incoming request requires connected, got %s", ErrInvalidState, t.state)
	}
	if req.ChannelID != t.channelID {
		return DispositionDrop, nil, nil
	}

	switch {
	case req.Sequence == t.recvSeq:
		ack, err := BuildTunnelingAck(t.channelID, req.Sequence, tunnelingAckStatusOK)
		if err != nil {
			return DispositionDrop, nil, err
		}
		t.recvSeq = req.Sequence + 1
		t.haveRecv = true
		t.telegramsRx.Add(1)
		t.touch()
		return DispositionAccept, ack, nil

	case req.Sequence == t.recvSeq-1:
		ack, err := BuildTunnelingAck(t.channelID, req.Sequence, tunnelingAckStatusOK)
		if err != nil {
			return DispositionDrop, nil, err
		}
		return DispositionDuplicate, ack, nil

	default:
		return DispositionDrop, nil, nil
	}
}

// BuildHeartbeat builds a CONNECTIONSTATE_REQUEST for the current
// channel.
func (t *Tunnel) BuildHeartbeat(control HPAI) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateConnected {
		return nil, fmt.Errorf("%w: heartbeat requires connected, got %s", ErrInvalidState, t.state)
	}
	return BuildConnectionStateRequest(t.channelID, control)
}

// HandleHeartbeatResponse processes a CONNECTIONSTATE_RESPONSE. A
// successful response resets the missed-heartbeat counter; state does
// not otherwise change.
func (t *Tunnel) HandleHeartbeatResponse(resp ConnectionStateResponse) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if resp.ChannelID != t.channelID {
		return fmt.Errorf("%w: heartbeat response channel %d, want %d", ErrChannelMismatch, resp.ChannelID, t.channelID)
	}
	if !resp.Accepted() {
		return t.recordMissedHeartbeatLocked()
	}
	t.missedHeartbeats = 0
	t.touch()
	return nil
}

// RecordHeartbeatTimeout records a missed heartbeat response (no reply
// within the deadline). After three consecutive misses the tunnel
// transitions to Idle and returns ErrConnectionLost.
func (t *Tunnel) RecordHeartbeatTimeout() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recordMissedHeartbeatLocked()
}

func (t *Tunnel) recordMissedHeartbeatLocked() error {
	t.missedHeartbeats++
	if t.missedHeartbeats >= maxMissedHeartbeats {
		t.state = StateIdle
		t.channelID = 0
		return ErrConnectionLost
	}
	return nil
}

// Disconnect builds a DISCONNECT_REQUEST and transitions
// Connected→Disconnecting.
func (t *Tunnel) Disconnect(control HPAI) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateConnected {
		return nil, fmt.Errorf("%w: disconnect requires connected, got %s", ErrInvalidState, t.state)
	}
	frame, err := BuildDisconnectRequest(t.channelID, control)
	if err != nil {
		return nil, err
	}
	t.state = StateDisconnecting
	return frame, nil
}

// Finish completes teardown, transitioning Disconnecting→Idle and
// freeing the channel ID.
func (t *Tunnel) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channelID = 0
	t.state = StateIdle
}

// Stats returns a snapshot of the tunnel's operational counters.
func (t *Tunnel) Stats() TunnelStats {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	return TunnelStats{
		TelegramsTx:  t.telegramsTx.Load(),
		TelegramsRx:  t.telegramsRx.Load(),
		ErrorsTotal:  t.errorsTotal.Load(),
		LastActivity: time.Unix(0, t.lastActive.Load()),
		State:        state,
	}
}

func (t *Tunnel) touch() {
	t.lastActive.Store(timeNowFunc().UnixNano())
}

// timeNowFunc is indirected for determinism in tests that need to freeze
// LastActivity; production code always uses time.Now.
var timeNowFunc = time.Now
