package knx

import (
	"encoding/binary"
	"fmt"
)

// KNXnet/IP wire constants.
const (
	headerLen     uint8 = 0x06
	protocolVersn uint8 = 0x10

	// MaxFrameSize bounds a complete KNXnet/IP frame (header + body).
	MaxFrameSize = 256

	// hpaiLen is the fixed length of a Host Protocol Address Information
	// record.
	hpaiLen = 8

	// hpaiStructLen is the struct_len field value of every HPAI this
	// client builds or accepts (IPv4 UDP, the only transport defined).
	hpaiStructLen = 0x08

	// hpaiHostProtoIPv4UDP identifies the IPv4 UDP host protocol.
	hpaiHostProtoIPv4UDP = 0x01
)

// ServiceType identifies the KNXnet/IP service carried by a frame.
type ServiceType uint16

// Service types relevant to tunnelling and discovery.
const (
	ServiceSearchRequest           ServiceType = 0x0201
	ServiceSearchResponse          ServiceType = 0x0202
	ServiceConnectRequest          ServiceType = 0x0205
	ServiceConnectResponse         ServiceType = 0x0206
	ServiceConnectionStateRequest  ServiceType = 0x0207
	ServiceConnectionStateResponse ServiceType = 0x0208
	ServiceDisconnectRequest       ServiceType = 0x0209
	ServiceDisconnectResponse      ServiceType = 0x020A
	ServiceTunnelingRequest        ServiceType = 0x0420
	ServiceTunnelingAck            ServiceType = 0x0421
)

// Frame is a zero-copy view over a received KNXnet/IP datagram. Body and
// Data return subslices of the caller's buffer; callers must not retain a
// Frame (or its returned slices) past the lifetime of that buffer.
type Frame struct {
	ServiceType ServiceType
	totalLen    uint16
	buf         []byte
}

// ParseFrame validates and views a received KNXnet/IP datagram.
//
// Validates I1 (header length and protocol version) and I2 (total_len
// bounds), per spec: hdr_len must be 0x06, version must be 0x10, and
// total_len must be between 6 and len(data) inclusive.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < 6 {
		return Frame{}, fmt.Errorf("%w: datagram too short for header: %d bytes", ErrInvalidFrame, len(data))
	}

	hdrLen := data[0]
	version := data[1]
	if hdrLen != headerLen {
		return Frame{}, fmt.Errorf("%w: header length 0x%02X, want 0x%02X", ErrInvalidFrame, hdrLen, headerLen)
	}
	if version != protocolVersn {
		return Frame{}, fmt.Errorf("%w: unsupported protocol version 0x%02X", ErrInvalidFrame, version)
	}

	serviceType := binary.BigEndian.Uint16(data[2:4])
	totalLen := binary.BigEndian.Uint16(data[4:6])

	if totalLen < 6 || int(totalLen) > len(data) {
		return Frame{}, fmt.Errorf("%w: total_len %d out of bounds for %d received bytes", ErrInvalidFrame, totalLen, len(data))
	}

	return Frame{
		ServiceType: ServiceType(serviceType),
		totalLen:    totalLen,
		buf:         data,
	}, nil
}

// Body returns the service body: the bytes from the end of the header to
// total_len. Bytes beyond total_len in the source datagram are ignored.
func (f Frame) Body() []byte {
	return f.buf[6:f.totalLen]
}

// Data returns the full frame (header + body) up to total_len.
func (f Frame) Data() []byte {
	return f.buf[:f.totalLen]
}

// BuildFrame writes a complete KNXnet/IP frame (header + body) into a new
// buffer and returns it.
//
// Fails with ErrInvalidFrame if the resulting frame would exceed
// MaxFrameSize.
func BuildFrame(serviceType ServiceType, body []byte) ([]byte, error) {
	total := 6 + len(body)
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds max size %d", ErrInvalidFrame, total, MaxFrameSize)
	}

	buf := make([]byte, total)
	buf[0] = headerLen
	buf[1] = protocolVersn
	binary.BigEndian.PutUint16(buf[2:4], uint16(serviceType))
	binary.BigEndian.PutUint16(buf[4:6], uint16(total)) //nolint:gosec // bounded by MaxFrameSize above
	copy(buf[6:], body)

	return buf, nil
}

// HPAI is a Host Protocol Address Information record: an 8-byte IPv4/UDP
// endpoint descriptor used throughout the tunnelling and discovery
// services.
type HPAI struct {
	IP   [4]byte
	Port uint16
}

// UnspecifiedHPAI is the request-NAT sentinel endpoint (0.0.0.0:0), used
// when a client wants the gateway to infer the source address instead of
// trusting a self-reported one.
var UnspecifiedHPAI = HPAI{}

// String renders the HPAI as "a.b.c.d:port".
func (h HPAI) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", h.IP[0], h.IP[1], h.IP[2], h.IP[3], h.Port)
}

// ParseHPAI parses an 8-byte HPAI record.
func ParseHPAI(data []byte) (HPAI, error) {
	if len(data) < hpaiLen {
		return HPAI{}, fmt.Errorf("%w: HPAI requires %d bytes, got %d", ErrInvalidFrame, hpaiLen, len(data))
	}
	if data[0] != hpaiStructLen {
		return HPAI{}, fmt.Errorf("%w: HPAI struct_len 0x%02X, want 0x%02X", ErrInvalidFrame, data[0], hpaiStructLen)
	}
	if data[1] != hpaiHostProtoIPv4UDP {
		return HPAI{}, fmt.Errorf("%w: HPAI host_proto 0x%02X, want 0x%02X (IPv4 UDP)", ErrInvalidFrame, data[1], hpaiHostProtoIPv4UDP)
	}

	var h HPAI
	copy(h.IP[:], data[2:6])
	h.Port = binary.BigEndian.Uint16(data[6:8])
	return h, nil
}

// BuildHPAI writes an 8-byte HPAI record.
func BuildHPAI(h HPAI) []byte {
	buf := make([]byte, hpaiLen)
	buf[0] = hpaiStructLen
	buf[1] = hpaiHostProtoIPv4UDP
	copy(buf[2:6], h.IP[:])
	binary.BigEndian.PutUint16(buf[6:8], h.Port)
	return buf
}
