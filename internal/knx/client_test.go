package knx

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func testClientConfig() *ClientConfig {
	return &ClientConfig{
		Gateway:       "10.0.0.5:3671",
		DeviceAddress: "1.1.250",
		Timeouts: TimeoutsConfig{
			ResponseMS:       200,
			AckMS:            200,
			DiscoverySeconds: 1,
			ConnectSeconds:   1,
		},
		Heartbeat: HeartbeatConfig{IntervalSeconds: 60},
	}
}

// newConnectedTestClient builds a Client over a MockTransport and drives it
// through the CONNECT_REQUEST/RESPONSE exchange, returning it already
// connected with channel ID 7.
func newConnectedTestClient(t *testing.T) (*Client, *MockTransport) {
	t.Helper()

	mock := NewMockTransport()
	cfg := testClientConfig()
	client, err := NewClient(cfg, mock, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	gatewayEP := Endpoint{IP: [4]byte{10, 0, 0, 5}, Port: 3671}
	connectResp, err := BuildFrame(ServiceConnectResponse, append([]byte{7, 0x00}, BuildHPAI(UnspecifiedHPAI)...))
	if err != nil {
		t.Fatalf("BuildFrame() error = %v", err)
	}
	mock.QueueResponse(connectResp, gatewayEP)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	t.Cleanup(func() { _ = client.Close() })
	return client, mock
}

func TestClient_Connect(t *testing.T) {
	client, mock := newConnectedTestClient(t)

	if client.Stats().State != StateConnected {
		t.Fatalf("State = %v, want Connected", client.Stats().State)
	}

	sent := mock.SentDatagrams()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one CONNECT_REQUEST sent, got %d", len(sent))
	}
	frame, err := ParseFrame(sent[0])
	if err != nil || frame.ServiceType != ServiceConnectRequest {
		t.Fatalf("sent frame = %+v, err = %v; want CONNECT_REQUEST", frame, err)
	}
}

// TestClient_S1_Write reproduces S1 at the facade level: write(true) to a
// Bool-registered group address produces the documented inline cEMI frame
// and completes once the queued TUNNELING_ACK arrives.
func TestClient_S1_Write(t *testing.T) {
	client, mock := newConnectedTestClient(t)

	ga, _ := ParseGroupAddress("1/2/3")
	if err := client.RegisterDPT(ga, DPTSwitch); err != nil {
		t.Fatalf("RegisterDPT() error = %v", err)
	}

	ackFrame, err := BuildTunnelingAck(7, 0, tunnelingAckStatusOK)
	if err != nil {
		t.Fatalf("BuildTunnelingAck() error = %v", err)
	}
	mock.QueueResponse(ackFrame, Endpoint{IP: [4]byte{10, 0, 0, 5}, Port: 3671})

	if err := client.Write(context.Background(), ga, true); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	sent := mock.SentDatagrams()
	last := sent[len(sent)-1]
	want := []byte{
		0x06, 0x10, 0x04, 0x20, 0x00, 0x15,
		0x04, 0x07, 0x00, 0x00,
		0x11, 0x00, 0x94, 0xE0, 0x11, 0xFA, 0x0A, 0x03, 0x01, 0x00, 0x81,
	}
	if !bytes.Equal(last, want) {
		t.Errorf("last sent frame = % X, want % X", last, want)
	}

	if client.Stats().TelegramsTx != 1 {
		t.Errorf("TelegramsTx = %d, want 1", client.Stats().TelegramsTx)
	}
}

func TestClient_WriteUnregisteredAddressFails(t *testing.T) {
	client, _ := newConnectedTestClient(t)
	ga, _ := ParseGroupAddress("9/9/9")

	if err := client.Write(context.Background(), ga, true); err == nil {
		t.Fatal("expected error writing to an unregistered group address")
	}
}

func TestClient_WriteAckTimeout(t *testing.T) {
	client, _ := newConnectedTestClient(t)
	ga, _ := ParseGroupAddress("1/2/3")
	_ = client.RegisterDPT(ga, DPTSwitch)

	// No ACK queued: the receive loop keeps retrying on the mock's
	// ErrTimeout, so Write fails once its ack timeout elapses.
	err := client.Write(context.Background(), ga, true)
	if err == nil {
		t.Fatal("expected an error when no TUNNELING_ACK arrives")
	}
}

func TestClient_ReadMatchesResponse(t *testing.T) {
	client, mock := newConnectedTestClient(t)
	gatewayEP := Endpoint{IP: [4]byte{10, 0, 0, 5}, Port: 3671}

	ga, _ := ParseGroupAddress("1/2/4")
	_ = client.RegisterDPT(ga, DPTPercentage)

	ackFrame, _ := BuildTunnelingAck(7, 0, tunnelingAckStatusOK)
	mock.QueueResponse(ackFrame, gatewayEP)

	src, _ := ParseIndividualAddress("1.1.1")
	payload, _ := EncodeDPT5(50)
	cemi := BuildLDataReqPayload(src, ga, APCIGroupValueResponse, payload)
	cemi[0] = byte(MsgCodeLDataInd)
	respFrame, _ := BuildTunnelingRequest(7, 0, cemi)
	mock.QueueResponse(respFrame, gatewayEP)

	value, err := client.Read(context.Background(), ga)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if value.Kind != KindFloat {
		t.Errorf("value.Kind = %v, want KindFloat", value.Kind)
	}
}

func TestClient_ReceiveEvent(t *testing.T) {
	client, mock := newConnectedTestClient(t)
	gatewayEP := Endpoint{IP: [4]byte{10, 0, 0, 5}, Port: 3671}

	ga, _ := ParseGroupAddress("1/2/5")
	src, _ := ParseIndividualAddress("1.1.1")
	cemi := BuildLDataReqInline(src, ga, APCIGroupValueWrite, 1)
	cemi[0] = byte(MsgCodeLDataInd)
	frame, _ := BuildTunnelingRequest(7, 0, cemi)
	mock.QueueResponse(frame, gatewayEP)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := client.ReceiveEvent(ctx)
	if err != nil {
		t.Fatalf("ReceiveEvent() error = %v", err)
	}
	if ev.Kind != EventGroupWrite || ev.Address != ga {
		t.Errorf("event = %+v, want GroupWrite on %v", ev, ga)
	}

	// The incoming request must have been ACKed back to the gateway.
	sent := mock.SentDatagrams()
	ackFrame, err := ParseFrame(sent[len(sent)-1])
	if err != nil || ackFrame.ServiceType != ServiceTunnelingAck {
		t.Errorf("last sent frame = %+v, err = %v; want TUNNELING_ACK", ackFrame, err)
	}
}

func TestClient_SendHeartbeat(t *testing.T) {
	client, mock := newConnectedTestClient(t)
	gatewayEP := Endpoint{IP: [4]byte{10, 0, 0, 5}, Port: 3671}

	hbResp, _ := BuildFrame(ServiceConnectionStateResponse, []byte{7, 0x00})
	mock.QueueResponse(hbResp, gatewayEP)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.SendHeartbeat(ctx); err != nil {
		t.Fatalf("SendHeartbeat() error = %v", err)
	}
}

func TestClient_SendHeartbeatTimeoutRecordsMiss(t *testing.T) {
	client, _ := newConnectedTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := client.SendHeartbeat(ctx); err != nil {
		t.Fatalf("SendHeartbeat() error = %v (a single miss should not be fatal)", err)
	}
	if client.tunnel.missedHeartbeats != 1 {
		t.Errorf("missedHeartbeats = %d, want 1", client.tunnel.missedHeartbeats)
	}
}

func TestClient_CloseDoesNotDeadlock(t *testing.T) {
	client, _ := newConnectedTestClient(t)

	done := make(chan struct{})
	go func() {
		_ = client.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return; receive loop likely deadlocked on a blocked read")
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	client, _ := newConnectedTestClient(t)
	if err := client.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
