package knx

import "testing"

func TestEventFromLData_GroupWriteWithRegisteredDPT(t *testing.T) {
	registry := NewDPTRegistry()
	ga, _ := ParseGroupAddress("1/2/3")
	_ = registry.Register(ga, DPTSwitch)

	src, _ := ParseIndividualAddress("1.1.1")
	cemi := BuildLDataReqInline(src, ga, APCIGroupValueWrite, 1)
	ld, err := ParseLData(cemi)
	if err != nil {
		t.Fatalf("ParseLData() error = %v", err)
	}

	event := eventFromLData(ld, registry)
	if event.Kind != EventGroupWrite {
		t.Errorf("Kind = %v, want EventGroupWrite", event.Kind)
	}
	if event.Address != ga {
		t.Errorf("Address = %v, want %v", event.Address, ga)
	}
	if event.Value.Kind != KindBool || !event.Value.Bool {
		t.Errorf("Value = %+v, want KindBool true", event.Value)
	}
}

func TestEventFromLData_UnregisteredAddressStillUsable(t *testing.T) {
	registry := NewDPTRegistry()
	ga, _ := ParseGroupAddress("1/2/5")
	src, _ := ParseIndividualAddress("1.1.1")

	payload, err := EncodeDPT5(25)
	if err != nil {
		t.Fatalf("EncodeDPT5() error = %v", err)
	}
	cemi := BuildLDataReqPayload(src, ga, APCIGroupValueWrite, payload)
	ld, err := ParseLData(cemi)
	if err != nil {
		t.Fatalf("ParseLData() error = %v", err)
	}

	event := eventFromLData(ld, registry)
	if event.Kind != EventGroupWrite {
		t.Fatalf("Kind = %v, want EventGroupWrite", event.Kind)
	}
	if event.Value.Kind != KindUint8 {
		t.Errorf("Value.Kind = %v, want KindUint8 for an unregistered 1-byte payload", event.Value.Kind)
	}
}

func TestEventFromLData_GroupReadHasNoValue(t *testing.T) {
	registry := NewDPTRegistry()
	ga, _ := ParseGroupAddress("1/2/3")
	src, _ := ParseIndividualAddress("1.1.1")

	cemi := BuildLDataReqInline(src, ga, APCIGroupValueRead, 0)
	ld, err := ParseLData(cemi)
	if err != nil {
		t.Fatalf("ParseLData() error = %v", err)
	}

	event := eventFromLData(ld, registry)
	if event.Kind != EventGroupRead {
		t.Errorf("Kind = %v, want EventGroupRead", event.Kind)
	}
	if event.Value.Kind != KindUnknown || event.Value.Raw != nil {
		t.Errorf("Value = %+v, want zero value for a read request", event.Value)
	}
}

func TestEventFromLData_UnknownAPCI(t *testing.T) {
	registry := NewDPTRegistry()
	ga, _ := ParseGroupAddress("1/2/3")
	src, _ := ParseIndividualAddress("1.1.1")

	cemi := BuildLDataReqInline(src, ga, APCI(0x3C0), 1)
	ld, err := ParseLData(cemi)
	if err != nil {
		t.Fatalf("ParseLData() error = %v", err)
	}

	event := eventFromLData(ld, registry)
	if event.Kind != EventUnknown {
		t.Errorf("Kind = %v, want EventUnknown", event.Kind)
	}
	if event.DataLen != 1 {
		t.Errorf("DataLen = %d, want 1", event.DataLen)
	}
}

func TestDecodeGenericValue_ByLength(t *testing.T) {
	if v := decodeGenericValue([]byte{0x01}); v.Kind != KindUint8 {
		t.Errorf("1-byte Kind = %v, want KindUint8", v.Kind)
	}
	if v := decodeGenericValue([]byte{0x0C, 0x90}); v.Kind != KindFloat {
		t.Errorf("2-byte Kind = %v, want KindFloat", v.Kind)
	}
	if v := decodeGenericValue([]byte{0x10, 0x20, 0x30}); v.Kind != KindRGB {
		t.Errorf("3-byte Kind = %v, want KindRGB", v.Kind)
	}
	if v := decodeGenericValue([]byte{0x01, 0x02, 0x03, 0x04}); v.Kind != KindRaw {
		t.Errorf("4-byte Kind = %v, want KindRaw", v.Kind)
	}
}
