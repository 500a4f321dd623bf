package knx

import (
	"context"
	"fmt"
	"time"
)

// GatewayInfo is the result of a successful gateway discovery: the
// control endpoint to connect to, plus any device-info fields the
// gateway's SEARCH_RESPONSE carried in its DIB blocks. This client does
// not decode DIBs beyond the control HPAI (spec §4.5), so these fields
// are left unset.
type GatewayInfo struct {
	ControlHPAI HPAI
	Name        string // populated only if a future DIB decoder fills it in
}

// discoverGateway sends a SEARCH_REQUEST to the discovery multicast
// group and returns the first valid SEARCH_RESPONSE received before
// timeout elapses. Malformed responses are ignored rather than treated
// as failures, per spec §4.8.
func discoverGateway(ctx context.Context, transport Transport, timeout time.Duration) (GatewayInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	request, err := BuildSearchRequest(UnspecifiedHPAI)
	if err != nil {
		return GatewayInfo{}, err
	}

	if err := transport.JoinMulticast(DiscoveryMulticastAddr, DefaultGatewayPort); err != nil {
		return GatewayInfo{}, fmt.Errorf("%w: %w", ErrNoGatewayFound, err)
	}

	dst := Endpoint{IP: [4]byte{224, 0, 23, 12}, Port: DefaultGatewayPort}
	if err := transport.SendTo(ctx, request, dst); err != nil {
		return GatewayInfo{}, fmt.Errorf("%w: %w", ErrNoGatewayFound, err)
	}

	buf := make([]byte, MaxFrameSize)
	for {
		n, _, err := transport.RecvFrom(ctx, buf)
		if err != nil {
			return GatewayInfo{}, fmt.Errorf("%w: %w", ErrNoGatewayFound, err)
		}

		frame, err := ParseFrame(buf[:n])
		if err != nil || frame.ServiceType != ServiceSearchResponse {
			continue
		}

		resp, err := ParseSearchResponse(frame.Body())
		if err != nil {
			continue
		}

		return GatewayInfo{ControlHPAI: resp.ControlHPAI}, nil
	}
}
