// Package knx implements a KNXnet/IP tunnelling client.
//
// It speaks the KNXnet/IP tunnelling protocol directly over UDP — no knxd
// or other daemon is required. A client discovers gateways on the local
// network, opens a tunnel connection, and exchanges cEMI L_Data telegrams
// with the KNX bus behind that gateway.
//
// # Architecture
//
//	┌──────────┐   KNXnet/IP tunnelling (UDP)   ┌──────────┐   TP/IP   ┌─────────┐
//	│  Client  │◄───────────────────────────────►│ Gateway  │◄─────────►│ KNX bus │
//	└──────────┘                                  └──────────┘            └─────────┘
//
// The client is organised in layers, each with its own file:
//
//   - frame.go: KNXnet/IP header and HPAI encoding (wire framing).
//   - services.go: the tunnelling/discovery service bodies that ride
//     inside a frame (CONNECT, CONNECTIONSTATE, DISCONNECT, TUNNELING,
//     SEARCH).
//   - cemi.go: cEMI L_Data message encoding (the telegram itself).
//   - tunnel.go: the per-connection state machine (channel ID, sequence
//     counters, connect/disconnect lifecycle).
//   - transport.go: the pluggable datagram transport (real UDP, or an
//     in-memory mock for tests).
//   - discovery.go: gateway discovery over multicast SEARCH_REQUEST.
//   - client.go: the public facade applications use.
//
// # Group and Individual Addresses
//
// Group addresses use the 3-level format: Main/Middle/Sub (e.g. "1/2/3").
// Individual (physical) addresses use Area.Line.Device (e.g. "1.1.1").
//
//	ga, err := knx.ParseGroupAddress("1/2/3")
//	ia, err := knx.ParseIndividualAddress("1.1.1")
//
// # Datapoint Types
//
// KNX defines standardised data formats (DPTs). This package supports the
// common DPTs for lighting, blinds, climate and metering:
//
//   - DPT 1.xxx: 1-bit (switch, bool, up/down)
//   - DPT 3.xxx: 4-bit control (dimming, blind)
//   - DPT 5.xxx: 1-byte unsigned (percentage, angle, ratio, tariff, counter)
//   - DPT 7.xxx: 2-byte unsigned (pulse counters, durations)
//   - DPT 9.xxx: 2-byte float (temperature, lux, humidity)
//   - DPT 13.xxx: 4-byte signed (counters, flow rate, energy)
//   - DPT 17/18.xxx: scene number / scene control
//   - DPT 232.600: 3-byte RGB colour
//
// A DPTRegistry maps group addresses to the DPT used to decode their
// payload, so that events surfaced by the client carry a typed KnxValue
// rather than a raw byte slice.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines
// unless documented otherwise.
//
// # References
//
//   - KNX Association, KNX Standard v2.1, volume 3 part 8 (KNXnet/IP)
//   - KNX Association, KNX Standard v2.1, volume 3 part 7 (datapoint types)
package knx
