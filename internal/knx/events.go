package knx

// EventKind identifies the application-layer service that produced an
// Event.
type EventKind int

// Event kinds, one per recognised APCI plus a catch-all for the rest.
const (
	EventGroupWrite EventKind = iota
	EventGroupRead
	EventGroupResponse
	EventUnknown
)

// Event is a decoded gateway-sourced group telegram, built by
// eventFromLData and delivered by Client.ReceiveEvent.
type Event struct {
	Kind     EventKind
	Address  GroupAddress
	Value    KnxValue // zero value for EventGroupRead and EventUnknown
	DataLen  int      // payload length in bytes, set for EventUnknown
}

func eventKindForAPCI(apci APCI) (EventKind, bool) {
	switch apci {
	case APCIGroupValueWrite:
		return EventGroupWrite, true
	case APCIGroupValueRead:
		return EventGroupRead, true
	case APCIGroupValueResponse:
		return EventGroupResponse, true
	default:
		return EventUnknown, false
	}
}

// decodeGenericValue decodes a payload into a generic KnxValue by length
// alone (1, 2, or 3 bytes), before any DPT registry lookup narrows it to
// a registered type. This matches the facade's documented fallback: an
// address with no registry entry still produces a usable value.
func decodeGenericValue(data []byte) KnxValue {
	switch len(data) {
	case 1:
		return KnxValue{Kind: KindUint8, Raw: data, U8: data[0], Bool: data[0]&0x01 != 0}
	case 2:
		f, err := DecodeDPT9(data)
		if err != nil {
			return KnxValue{Kind: KindUint16, Raw: data, U16: uint16(data[0])<<8 | uint16(data[1])}
		}
		return KnxValue{Kind: KindFloat, Raw: data, F64: f}
	case 3:
		rgb, _ := DecodeDPT232(data)
		return KnxValue{Kind: KindRGB, Raw: data, RGB: rgb}
	default:
		return KnxValue{Kind: KindRaw, Raw: data}
	}
}

// eventFromLData builds an Event from a parsed gateway-sourced L_Data
// telegram, applying the DPT registry when the destination group address
// has a registered type.
func eventFromLData(ld LData, registry *DPTRegistry) Event {
	ga := GroupAddressFromUint16(ld.Dest)

	kind, known := eventKindForAPCI(ld.APCI)
	if !known {
		return Event{Kind: EventUnknown, Address: ga, DataLen: len(ld.Data)}
	}
	if kind == EventGroupRead {
		return Event{Kind: EventGroupRead, Address: ga}
	}

	value := decodeGenericValue(ld.Data)
	if dpt, ok := registry.Lookup(ga); ok {
		if typed, err := DecodeValue(dpt, ld.Data); err == nil {
			value = typed
		}
	}

	return Event{Kind: kind, Address: ga, Value: value}
}
