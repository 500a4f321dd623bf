package knx

import "errors"

// Domain errors for the KNX client package.
var (
	// ErrNotConnected is returned when an operation requires a connected
	// tunnel but the client is idle or disconnecting.
	ErrNotConnected = errors.New("knx: not connected to gateway")

	// ErrAlreadyConnected is returned by Connect when the client already
	// holds an active tunnel connection.
	ErrAlreadyConnected = errors.New("knx: already connected to gateway")

	// ErrConnectionFailed is returned when establishing a tunnel connection
	// with the gateway fails.
	ErrConnectionFailed = errors.New("knx: connection to gateway failed")

	// ErrConnectionRefused is returned when the gateway replies to a
	// CONNECT_REQUEST with a non-zero status code.
	ErrConnectionRefused = errors.New("knx: gateway refused connection")

	// ErrInvalidGroupAddress is returned when a group address string
	// cannot be parsed.
	ErrInvalidGroupAddress = errors.New("knx: invalid group address")

	// ErrInvalidIndividualAddress is returned when an individual address
	// string cannot be parsed.
	ErrInvalidIndividualAddress = errors.New("knx: invalid individual address")

	// ErrInvalidDPT is returned when a datapoint type identifier is invalid
	// or not registered.
	ErrInvalidDPT = errors.New("knx: invalid datapoint type")

	// ErrEncodingFailed is returned when encoding a value to KNX format fails.
	ErrEncodingFailed = errors.New("knx: encoding failed")

	// ErrDecodingFailed is returned when decoding KNX data to a value fails.
	ErrDecodingFailed = errors.New("knx: decoding failed")

	// ErrTelegramFailed is returned when sending a telegram to the bus fails.
	ErrTelegramFailed = errors.New("knx: telegram send failed")

	// ErrTimeout is returned when an operation times out waiting for a
	// gateway response.
	ErrTimeout = errors.New("knx: operation timed out")

	// ErrInvalidFrame is returned when a received KNXnet/IP frame is
	// malformed: wrong header length, unsupported protocol version, or a
	// total length below the header size or beyond the bytes actually read.
	ErrInvalidFrame = errors.New("knx: invalid frame")

	// ErrUnsupportedService is returned when a frame carries a service
	// type this client does not implement.
	ErrUnsupportedService = errors.New("knx: unsupported service type")

	// ErrInvalidCEMI is returned when a cEMI message cannot be parsed.
	ErrInvalidCEMI = errors.New("knx: invalid cEMI message")

	// ErrSequenceMismatch is returned when a TUNNELING_ACK acknowledges a
	// sequence number other than the one the client is waiting for.
	ErrSequenceMismatch = errors.New("knx: tunnel sequence mismatch")

	// ErrChannelMismatch is returned when a frame's channel ID does not
	// match the tunnel's assigned channel.
	ErrChannelMismatch = errors.New("knx: channel ID mismatch")

	// ErrNoGatewayFound is returned by discovery when no gateway responds
	// to a SEARCH_REQUEST before the search window closes.
	ErrNoGatewayFound = errors.New("knx: no gateway found")

	// ErrClientClosed is returned by client operations once Close has been
	// called.
	ErrClientClosed = errors.New("knx: client closed")

	// ErrTunnelingAckFailed is returned when a TUNNELING_ACK carries a
	// non-zero status or an unexpected sequence number.
	ErrTunnelingAckFailed = errors.New("knx: tunneling ack failed")

	// ErrConnectionLost is returned when the gateway misses three
	// consecutive heartbeat responses.
	ErrConnectionLost = errors.New("knx: connection lost")

	// ErrInvalidState is returned when an operation is requested from a
	// tunnel state that does not support it.
	ErrInvalidState = errors.New("knx: invalid tunnel state")
)
