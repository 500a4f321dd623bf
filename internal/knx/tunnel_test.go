package knx

import "testing"

func connectedTunnel(t *testing.T, channelID uint8) *Tunnel {
	t.Helper()
	tun := NewTunnel(nil)
	if _, err := tun.Connect(UnspecifiedHPAI, UnspecifiedHPAI); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := tun.HandleConnectResponse(ConnectResponse{ChannelID: channelID, Status: connectResponseStatusOK}); err != nil {
		t.Fatalf("HandleConnectResponse() error = %v", err)
	}
	return tun
}

func TestTunnel_S1_AckAdvancesSendSeq(t *testing.T) {
	tun := connectedTunnel(t, 7)

	cemi := []byte{0x11, 0x00, 0x94, 0xE0, 0x11, 0xFA, 0x0A, 0x03, 0x01, 0x00, 0x81}
	frame, seq, err := tun.BuildOutgoingTunnelingRequest(cemi)
	if err != nil {
		t.Fatalf("BuildOutgoingTunnelingRequest() error = %v", err)
	}
	if seq != 0 {
		t.Fatalf("seq = %d, want 0", seq)
	}

	parsed, err := ParseFrame(frame)
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}
	req, err := ParseTunnelingRequest(parsed.Body())
	if err != nil {
		t.Fatalf("ParseTunnelingRequest() error = %v", err)
	}
	if req.ChannelID != 7 || req.Sequence != 0 {
		t.Fatalf("req = %+v, want channel=7 seq=0", req)
	}

	if err := tun.HandleTunnelingAck(TunnelingAck{ChannelID: 7, Sequence: 0, Status: tunnelingAckStatusOK}); err != nil {
		t.Fatalf("HandleTunnelingAck() error = %v", err)
	}

	stats := tun.Stats()
	if stats.TelegramsTx != 1 {
		t.Errorf("TelegramsTx = %d, want 1", stats.TelegramsTx)
	}

	// Building the next request must use seq=1, proving send_seq advanced
	// only on the matching ACK.
	_, nextSeq, err := tun.BuildOutgoingTunnelingRequest(cemi)
	if err != nil {
		t.Fatalf("BuildOutgoingTunnelingRequest() error = %v", err)
	}
	if nextSeq != 1 {
		t.Fatalf("nextSeq = %d, want 1 (send_seq must advance only on a matching ack)", nextSeq)
	}
}

func TestTunnel_AckMismatchDoesNotAdvance(t *testing.T) {
	tun := connectedTunnel(t, 7)
	cemi := []byte{0x11, 0x00, 0x94, 0xE0, 0x11, 0xFA, 0x0A, 0x03, 0x01, 0x00, 0x81}

	if _, _, err := tun.BuildOutgoingTunnelingRequest(cemi); err != nil {
		t.Fatalf("BuildOutgoingTunnelingRequest() error = %v", err)
	}

	if err := tun.HandleTunnelingAck(TunnelingAck{ChannelID: 7, Sequence: 5, Status: tunnelingAckStatusOK}); err == nil {
		t.Fatal("expected error for ack with mismatched sequence")
	}

	_, seq, err := tun.BuildOutgoingTunnelingRequest(cemi)
	if err != nil {
		t.Fatalf("BuildOutgoingTunnelingRequest() error = %v", err)
	}
	if seq != 0 {
		t.Fatalf("seq = %d, want 0 (mismatched ack must not advance send_seq)", seq)
	}
}

// TestTunnel_S2_DuplicateIncomingNotDispatched reproduces S2: the gateway
// resends the same sequence twice. The first is accepted, the second is a
// duplicate (re-ACKed, not dispatched); recv_seq ends at 4.
func TestTunnel_S2_DuplicateIncomingNotDispatched(t *testing.T) {
	tun := connectedTunnel(t, 7)

	// Advance recv_seq to 3 by accepting frames 0, 1, 2.
	for seq := uint8(0); seq < 3; seq++ {
		disp, ack, err := tun.HandleIncomingTunnelingRequest(TunnelingRequest{ChannelID: 7, Sequence: seq})
		if err != nil {
			t.Fatalf("HandleIncomingTunnelingRequest(seq=%d) error = %v", seq, err)
		}
		if disp != DispositionAccept || ack == nil {
			t.Fatalf("seq=%d: disposition = %v, want Accept with an ack", seq, disp)
		}
	}

	first, ack1, err := tun.HandleIncomingTunnelingRequest(TunnelingRequest{ChannelID: 7, Sequence: 3})
	if err != nil {
		t.Fatalf("first seq=3 error = %v", err)
	}
	if first != DispositionAccept || ack1 == nil {
		t.Fatalf("first seq=3 disposition = %v, want Accept", first)
	}

	second, ack2, err := tun.HandleIncomingTunnelingRequest(TunnelingRequest{ChannelID: 7, Sequence: 3})
	if err != nil {
		t.Fatalf("second seq=3 error = %v", err)
	}
	if second != DispositionDuplicate || ack2 == nil {
		t.Fatalf("second seq=3 disposition = %v, want Duplicate with a re-ack", second)
	}

	if tun.recvSeq != 4 {
		t.Errorf("recvSeq = %d, want 4", tun.recvSeq)
	}
}

func TestTunnel_IncomingChannelMismatchDropped(t *testing.T) {
	tun := connectedTunnel(t, 7)
	disp, ack, err := tun.HandleIncomingTunnelingRequest(TunnelingRequest{ChannelID: 9, Sequence: 0})
	if err != nil {
		t.Fatalf("unexpected error = %v", err)
	}
	if disp != DispositionDrop || ack != nil {
		t.Errorf("disposition = %v, ack = %v, want Drop with nil ack", disp, ack)
	}
}

func TestTunnel_IncomingOutOfSequenceDropped(t *testing.T) {
	tun := connectedTunnel(t, 7)
	if _, _, err := tun.HandleIncomingTunnelingRequest(TunnelingRequest{ChannelID: 7, Sequence: 0}); err != nil {
		t.Fatalf("seq=0 error = %v", err)
	}

	disp, ack, err := tun.HandleIncomingTunnelingRequest(TunnelingRequest{ChannelID: 7, Sequence: 5})
	if err != nil {
		t.Fatalf("unexpected error = %v", err)
	}
	if disp != DispositionDrop || ack != nil {
		t.Errorf("disposition = %v, ack = %v, want Drop with nil ack", disp, ack)
	}
}

// TestTunnel_S5_ConnectionRefused reproduces S5: a NO_MORE_CONNECTIONS
// CONNECT_RESPONSE transitions Connecting->Idle and surfaces
// ErrConnectionRefused.
func TestTunnel_S5_ConnectionRefused(t *testing.T) {
	tun := NewTunnel(nil)
	if _, err := tun.Connect(UnspecifiedHPAI, UnspecifiedHPAI); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	err := tun.HandleConnectResponse(ConnectResponse{Status: 0x24})
	if err == nil {
		t.Fatal("expected ErrConnectionRefused")
	}
	if tun.State() != StateIdle {
		t.Errorf("State() = %v, want Idle", tun.State())
	}
}

func TestTunnel_HeartbeatTimeoutTransitionsToIdle(t *testing.T) {
	tun := connectedTunnel(t, 7)

	for i := 0; i < maxMissedHeartbeats-1; i++ {
		if err := tun.RecordHeartbeatTimeout(); err != nil {
			t.Fatalf("RecordHeartbeatTimeout() unexpected error on miss %d: %v", i+1, err)
		}
		if tun.State() != StateConnected {
			t.Fatalf("State() = %v after %d misses, want Connected", tun.State(), i+1)
		}
	}

	if err := tun.RecordHeartbeatTimeout(); err == nil {
		t.Fatal("expected ErrConnectionLost on the final missed heartbeat")
	}
	if tun.State() != StateIdle {
		t.Errorf("State() = %v, want Idle after maxMissedHeartbeats", tun.State())
	}
}

func TestTunnel_HeartbeatResponseResetsMissCounter(t *testing.T) {
	tun := connectedTunnel(t, 7)

	if err := tun.RecordHeartbeatTimeout(); err != nil {
		t.Fatalf("RecordHeartbeatTimeout() error = %v", err)
	}
	if err := tun.HandleHeartbeatResponse(ConnectionStateResponse{ChannelID: 7, Status: connectResponseStatusOK}); err != nil {
		t.Fatalf("HandleHeartbeatResponse() error = %v", err)
	}
	if tun.missedHeartbeats != 0 {
		t.Errorf("missedHeartbeats = %d, want 0 after a successful response", tun.missedHeartbeats)
	}
}

func TestTunnel_DisconnectLifecycle(t *testing.T) {
	tun := connectedTunnel(t, 7)

	if _, err := tun.Disconnect(UnspecifiedHPAI); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if tun.State() != StateDisconnecting {
		t.Fatalf("State() = %v, want Disconnecting", tun.State())
	}

	tun.Finish()
	if tun.State() != StateIdle {
		t.Errorf("State() = %v, want Idle", tun.State())
	}
	if tun.ChannelID() != 0 {
		t.Errorf("ChannelID() = %d, want 0 after Finish", tun.ChannelID())
	}
}

func TestTunnel_OperationsRequireConnected(t *testing.T) {
	tun := NewTunnel(nil)

	if _, _, err := tun.BuildOutgoingTunnelingRequest(nil); err == nil {
		t.Error("expected error building a request while Idle")
	}
	if _, err := tun.BuildHeartbeat(UnspecifiedHPAI); err == nil {
		t.Error("expected error building a heartbeat while Idle")
	}
	if _, err := tun.Disconnect(UnspecifiedHPAI); err == nil {
		t.Error("expected error disconnecting while Idle")
	}
}
