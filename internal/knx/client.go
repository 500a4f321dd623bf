package knx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Client is the facade applications use to talk to a KNXnet/IP gateway
// over a tunnelling connection. It owns the transport, the tunnel
// typestate machine, the DPT registry, and the background goroutines
// that drive receiving and heartbeating.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use from multiple
//     goroutines.
type Client struct {
	cfg       *ClientConfig
	transport Transport
	tunnel    *Tunnel
	registry  *DPTRegistry
	logger    Logger

	deviceAddr IndividualAddress
	localHPAI  HPAI
	gatewayEP  Endpoint

	sendMu sync.Mutex // serialises outgoing TUNNELING_REQUESTs and their ACK wait

	waitMu      sync.Mutex
	connectCh   chan ConnectResponse
	disconnects chan DisconnectResponse
	ackCh       chan TunnelingAck
	heartbeatCh chan ConnectionStateResponse

	events chan Event

	heartbeat *HeartbeatScheduler

	runCtx    context.Context
	cancelRun context.CancelFunc
	eg        *errgroup.Group

	closeOnce sync.Once
}

// NewClient constructs a Client from configuration, a transport, and a
// logger. The transport is typically a *UDPTransport in production and a
// *MockTransport in tests. The DPT registry is seeded from cfg.DPTSeed.
func NewClient(cfg *ClientConfig, transport Transport, logger Logger) (*Client, error) {
	deviceAddr, err := ParseIndividualAddress(cfg.DeviceAddress)
	if err != nil {
		return nil, err
	}

	registry := NewDPTRegistry()
	for _, entry := range cfg.DPTSeed {
		ga, err := ParseGroupAddress(entry.GA)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(ga, DPT(entry.DPT)); err != nil {
			return nil, err
		}
	}

	if logger == nil {
		logger = nopLogger{}
	}

	c := &Client{
		cfg:        cfg,
		transport:  transport,
		tunnel:     NewTunnel(logger),
		registry:   registry,
		logger:     logger,
		deviceAddr: deviceAddr,
		events:     make(chan Event, 64),
	}
	return c, nil
}

// nopLogger discards every call, used when a caller passes a nil Logger so
// the receive loop and dispatch paths never need their own nil checks.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// DiscoverGateway performs multicast discovery and returns the first
// gateway that responds before cfg.Timeouts.DiscoverySeconds elapses.
func (c *Client) DiscoverGateway(ctx context.Context) (GatewayInfo, error) {
	return discoverGateway(ctx, c.transport, c.cfg.DiscoveryTimeout())
}

// Connect binds the transport, resolves the gateway endpoint (performing
// discovery if configured with DiscoverGatewayString), and runs the
// CONNECT_REQUEST/RESPONSE exchange. On success it starts the background
// receive loop and heartbeat scheduler.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Bind(0); err != nil {
		return err
	}

	gatewayEP, err := c.resolveGateway(ctx)
	if err != nil {
		return err
	}
	c.gatewayEP = gatewayEP

	c.waitMu.Lock()
	c.connectCh = make(chan ConnectResponse, 1)
	c.ackCh = make(chan TunnelingAck, 1)
	c.disconnects = make(chan DisconnectResponse, 1)
	c.heartbeatCh = make(chan ConnectionStateResponse, 1)
	c.waitMu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	c.runCtx = runCtx
	c.cancelRun = cancel
	eg, egCtx := errgroup.WithContext(runCtx)
	c.eg = eg
	eg.Go(func() error { return c.receiveLoop(egCtx) })

	connectCtx, connectCancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout())
	defer connectCancel()

	frame, err := c.tunnel.Connect(c.localHPAI, c.localHPAI)
	if err != nil {
		cancel()
		return err
	}
	if err := c.transport.SendTo(connectCtx, frame, c.gatewayEP); err != nil {
		cancel()
		return err
	}

	select {
	case resp := <-c.connectCh:
		if err := c.tunnel.HandleConnectResponse(resp); err != nil {
			cancel()
			return err
		}
	case <-connectCtx.Done():
		cancel()
		return fmt.Errorf("%w: waiting for CONNECT_RESPONSE", ErrTimeout)
	}

	c.heartbeat = NewHeartbeatScheduler(c.cfg.HeartbeatInterval(), c.SendHeartbeat, c.logger)
	c.heartbeat.Start(runCtx)

	return nil
}

// resolveGateway returns the static gateway endpoint from config, or runs
// discovery when configured with DiscoverGatewayString.
func (c *Client) resolveGateway(ctx context.Context) (Endpoint, error) {
	if c.cfg.Gateway != DiscoverGatewayString {
		return parseHostPort(c.cfg.Gateway)
	}

	info, err := c.DiscoverGateway(ctx)
	if err != nil {
		return Endpoint{}, err
	}
	return hpaiToEndpoint(info.ControlHPAI), nil
}

func parseHostPort(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: gateway address %q: %w", ErrConnectionFailed, s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: gateway port %q: %w", ErrConnectionFailed, portStr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip4", host)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: resolve gateway host %q: %w", ErrConnectionFailed, host, err)
		}
		ip = resolved.IP
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return Endpoint{}, fmt.Errorf("%w: gateway host %q is not IPv4", ErrConnectionFailed, host)
	}

	var ep Endpoint
	copy(ep.IP[:], ip4)
	ep.Port = uint16(port) //nolint:gosec // parsed with bitSize 16
	return ep, nil
}

func hpaiToEndpoint(h HPAI) Endpoint {
	return Endpoint{IP: h.IP, Port: h.Port}
}

func endpointToHPAI(e Endpoint) HPAI {
	return HPAI{IP: e.IP, Port: e.Port}
}

// Disconnect runs the DISCONNECT_REQUEST/RESPONSE exchange and stops the
// heartbeat scheduler. The receive loop keeps running until Close.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}

	frame, err := c.tunnel.Disconnect(endpointToHPAI(c.gatewayEP))
	if err != nil {
		return err
	}
	if err := c.transport.SendTo(ctx, frame, c.gatewayEP); err != nil {
		return err
	}

	select {
	case <-c.disconnects:
		c.tunnel.Finish()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for DISCONNECT_RESPONSE", ErrTimeout)
	}
}

// Close stops the background goroutines and releases the transport. Safe
// to call more than once.
func (c *Client) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		if c.heartbeat != nil {
			c.heartbeat.Stop()
		}
		if c.cancelRun != nil {
			c.cancelRun()
		}
		// Close the transport before waiting on the receive loop: a
		// blocked ReadFromUDP does not observe context cancellation, only
		// socket closure unblocks it.
		closeErr = c.transport.Close()
		if c.eg != nil {
			if err := c.eg.Wait(); err != nil && closeErr == nil {
				closeErr = err
			}
		}
		close(c.events)
	})
	return closeErr
}

// Write encodes value for the group address's registered DPT and sends a
// GroupValue_Write telegram. Returns ErrInvalidDPT if the address has no
// registered DPT.
func (c *Client) Write(ctx context.Context, ga GroupAddress, value any) error {
	dpt, ok := c.registry.Lookup(ga)
	if !ok {
		return fmt.Errorf("%w: no DPT registered for %s", ErrInvalidDPT, ga)
	}

	payload, inline, err := EncodeValue(dpt, value)
	if err != nil {
		return err
	}

	cemi := c.buildGroupCEMI(ga, APCIGroupValueWrite, payload, inline)
	return c.sendAndAwaitAck(ctx, cemi)
}

// Read sends a GroupValue_Read request and waits for the matching
// GroupValue_Response event, up to cfg.Timeouts.ResponseMS.
func (c *Client) Read(ctx context.Context, ga GroupAddress) (KnxValue, error) {
	cemi := c.buildGroupCEMI(ga, APCIGroupValueRead, nil, true)
	if err := c.sendAndAwaitAck(ctx, cemi); err != nil {
		return KnxValue{}, err
	}

	readCtx, cancel := context.WithTimeout(ctx, c.cfg.ResponseTimeout())
	defer cancel()

	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return KnxValue{}, ErrClientClosed
			}
			if ev.Kind == EventGroupResponse && ev.Address == ga {
				return ev.Value, nil
			}
			// Not the response we are waiting for; re-publish so other
			// readers (ReceiveEvent callers) still see it.
			select {
			case c.events <- ev:
			default:
			}
		case <-readCtx.Done():
			return KnxValue{}, fmt.Errorf("%w: waiting for GroupValue_Response on %s", ErrTimeout, ga)
		}
	}
}

// Respond sends a GroupValue_Response telegram, answering a peer's
// GroupValue_Read.
func (c *Client) Respond(ctx context.Context, ga GroupAddress, value any) error {
	dpt, ok := c.registry.Lookup(ga)
	if !ok {
		return fmt.Errorf("%w: no DPT registered for %s", ErrInvalidDPT, ga)
	}

	payload, inline, err := EncodeValue(dpt, value)
	if err != nil {
		return err
	}

	cemi := c.buildGroupCEMI(ga, APCIGroupValueResponse, payload, inline)
	return c.sendAndAwaitAck(ctx, cemi)
}

// SendRawCemi sends a caller-built cEMI payload directly, bypassing the
// DPT registry. Intended for telegrams this client's DPT support does not
// cover.
func (c *Client) SendRawCemi(ctx context.Context, cemi []byte) error {
	return c.sendAndAwaitAck(ctx, cemi)
}

func (c *Client) buildGroupCEMI(ga GroupAddress, apci APCI, payload []byte, inline bool) []byte {
	if inline {
		value := byte(0)
		if len(payload) == 1 {
			value = payload[0]
		}
		return BuildLDataReqInline(c.deviceAddr, ga, apci, value)
	}
	return BuildLDataReqPayload(c.deviceAddr, ga, apci, payload)
}

// sendAndAwaitAck wraps cemi in a TUNNELING_REQUEST using the tunnel's
// current send_seq and blocks until the matching TUNNELING_ACK arrives or
// cfg.Timeouts.AckMS elapses. Sends are serialised: only one request may
// be outstanding at a time, since send_seq only advances on its ACK.
func (c *Client) sendAndAwaitAck(ctx context.Context, cemi []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	frame, seq, err := c.tunnel.BuildOutgoingTunnelingRequest(cemi)
	if err != nil {
		return err
	}

	ackCtx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout())
	defer cancel()

	if err := c.transport.SendTo(ackCtx, frame, c.gatewayEP); err != nil {
		return err
	}

	select {
	case ack := <-c.ackCh:
		if ack.Sequence != seq {
			return fmt.Errorf("%w: ack for seq %d, expected %d", ErrSequenceMismatch, ack.Sequence, seq)
		}
		return c.tunnel.HandleTunnelingAck(ack)
	case <-ackCtx.Done():
		return fmt.Errorf("%w: waiting for TUNNELING_ACK", ErrTimeout)
	}
}

// SendHeartbeat sends one CONNECTIONSTATE_REQUEST and waits for the
// response within cfg.Timeouts.ResponseMS, recording a miss on timeout.
// It is the function passed to HeartbeatScheduler.
func (c *Client) SendHeartbeat(ctx context.Context) error {
	frame, err := c.tunnel.BuildHeartbeat(endpointToHPAI(c.gatewayEP))
	if err != nil {
		return err
	}

	hbCtx, cancel := context.WithTimeout(ctx, c.cfg.ResponseTimeout())
	defer cancel()

	if err := c.transport.SendTo(hbCtx, frame, c.gatewayEP); err != nil {
		return err
	}

	select {
	case <-c.heartbeatCh:
		return nil
	case <-hbCtx.Done():
		return c.tunnel.RecordHeartbeatTimeout()
	}
}

// ReceiveEvent blocks until the next gateway-sourced group event arrives
// or ctx is done.
func (c *Client) ReceiveEvent(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return Event{}, ErrClientClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// RegisterDPT associates a group address with a datapoint type for
// encode/decode purposes.
func (c *Client) RegisterDPT(ga GroupAddress, dpt DPT) error {
	return c.registry.Register(ga, dpt)
}

// LookupDPT returns the datapoint type registered for a group address.
func (c *Client) LookupDPT(ga GroupAddress) (DPT, bool) {
	return c.registry.Lookup(ga)
}

// ClearDPTRegistry removes every registered group-address/DPT mapping.
func (c *Client) ClearDPTRegistry() {
	c.registry.Clear()
}

// Stats returns a snapshot of the tunnel's operational counters.
func (c *Client) Stats() TunnelStats {
	return c.tunnel.Stats()
}

// receiveLoop reads datagrams from the transport until ctx is cancelled,
// dispatching each parsed frame to the matching waiter or the event
// channel.
func (c *Client) receiveLoop(ctx context.Context) error {
	buf := make([]byte, MaxFrameSize)
	for {
		n, _, err := c.transport.RecvFrom(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrTimeout) {
				continue
			}
			c.logger.Warn("receive loop error", "error", err)
			continue
		}

		frame, err := ParseFrame(buf[:n])
		if err != nil {
			c.logger.Debug("dropped malformed frame", "error", err)
			continue
		}

		c.dispatch(ctx, frame)
	}
}

func (c *Client) dispatch(ctx context.Context, frame Frame) {
	switch frame.ServiceType {
	case ServiceConnectResponse:
		resp, err := ParseConnectResponse(frame.Body())
		if err != nil {
			return
		}
		c.deliverConnect(resp)

	case ServiceConnectionStateResponse:
		resp, err := ParseConnectionStateResponse(frame.Body())
		if err != nil {
			return
		}
		if err := c.tunnel.HandleHeartbeatResponse(resp); err != nil && c.logger != nil {
			c.logger.Warn("heartbeat response rejected", "error", err)
		}
		c.deliverHeartbeat(resp)

	case ServiceDisconnectResponse:
		resp, err := ParseDisconnectResponse(frame.Body())
		if err != nil {
			return
		}
		c.deliverDisconnect(resp)

	case ServiceTunnelingAck:
		ack, err := ParseTunnelingAck(frame.Body())
		if err != nil {
			return
		}
		c.deliverAck(ack)

	case ServiceTunnelingRequest:
		req, err := ParseTunnelingRequest(frame.Body())
		if err != nil {
			return
		}
		c.handleIncoming(ctx, req)

	default:
		// Discovery and connect-request service types never arrive on an
		// established tunnelling connection; ignore anything else.
	}
}

func (c *Client) handleIncoming(ctx context.Context, req TunnelingRequest) {
	disposition, ack, err := c.tunnel.HandleIncomingTunnelingRequest(req)
	if err != nil {
		c.logger.Warn("incoming tunneling request rejected", "error", err)
		return
	}
	if ack != nil {
		if err := c.transport.SendTo(ctx, ack, c.gatewayEP); err != nil {
			c.logger.Warn("failed to ack tunneling request", "error", err)
		}
	}
	if disposition != DispositionAccept {
		return
	}

	ld, err := ParseLData(req.CEMI)
	if err != nil {
		c.logger.Debug("dropped malformed cEMI payload", "error", err)
		return
	}
	if ld.MessageCode != MsgCodeLDataInd {
		return
	}

	ev := eventFromLData(ld, c.registry)
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event channel full, dropping event", "address", ev.Address.String())
	}
}

func (c *Client) deliverConnect(resp ConnectResponse) {
	c.waitMu.Lock()
	ch := c.connectCh
	c.waitMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (c *Client) deliverDisconnect(resp DisconnectResponse) {
	c.waitMu.Lock()
	ch := c.disconnects
	c.waitMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (c *Client) deliverHeartbeat(resp ConnectionStateResponse) {
	c.waitMu.Lock()
	ch := c.heartbeatCh
	c.waitMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (c *Client) deliverAck(ack TunnelingAck) {
	c.waitMu.Lock()
	ch := c.ackCh
	c.waitMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ack:
	default:
	}
}
