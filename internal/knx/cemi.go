package knx

import (
	"encoding/binary"
	"fmt"
)

// cEMI message codes (spec §3).
const (
	MsgCodeLDataReq MessageCode = 0x11
	MsgCodeLDataInd MessageCode = 0x29
	MsgCodeLDataCon MessageCode = 0x2E
)

// MessageCode identifies the cEMI service carried by a message.
type MessageCode uint8

// Priority is the 2-bit priority field of cEMI control field 1.
type Priority uint8

// Priority values, per control field 1 encoding.
const (
	PrioritySystem Priority = 0b00
	PriorityNormal Priority = 0b01
	PriorityUrgent Priority = 0b10
	PriorityLow    Priority = 0b11
)

// TPCIKind classifies the transport-layer control information of an NPDU.
type TPCIKind uint8

// TPCI classifications, from the top 2 bits of the TPCI byte.
const (
	TPCIUnnumberedData    TPCIKind = 0b00
	TPCINumberedData      TPCIKind = 0b01
	TPCIUnnumberedControl TPCIKind = 0b10
	TPCINumberedControl   TPCIKind = 0b11
)

// APCI identifies the application-layer service of a group telegram.
type APCI uint16

// APCI codes this client recognises. Others decode to Unknown and are
// preserved as the raw 10-bit value.
const (
	APCIGroupValueRead     APCI = 0x000
	APCIGroupValueResponse APCI = 0x040
	APCIGroupValueWrite    APCI = 0x080
)

// Control1 is cEMI control field 1: frame type, repeat, broadcast,
// priority, and acknowledge-request bits.
type Control1 struct {
	StandardFrame bool
	DoNotRepeat   bool
	Broadcast     bool
	Priority      Priority
	AckRequested  bool
	ConfirmError  bool
}

// defaultControl1 matches the facade's write-path defaults: standard
// frame, repeat allowed, broadcast (domain-wide), normal priority, no ack
// request, no confirm error. Encodes to 0x94.
var defaultControl1 = Control1{
	StandardFrame: true,
	DoNotRepeat:   false,
	Broadcast:     true,
	Priority:      PriorityNormal,
	AckRequested:  false,
	ConfirmError:  false,
}

func (c Control1) encode() byte {
	var b byte
	if c.StandardFrame {
		b |= 1 << 7
	}
	// bit 6 reserved, always 0
	if c.DoNotRepeat {
		b |= 1 << 5
	}
	if c.Broadcast {
		b |= 1 << 4
	}
	b |= byte(c.Priority) << 2
	if c.AckRequested {
		b |= 1 << 1
	}
	if c.ConfirmError {
		b |= 1
	}
	return b
}

func decodeControl1(b byte) Control1 {
	return Control1{
		StandardFrame: b&(1<<7) != 0,
		DoNotRepeat:   b&(1<<5) != 0,
		Broadcast:     b&(1<<4) != 0,
		Priority:      Priority((b >> 2) & 0x03),
		AckRequested:  b&(1<<1) != 0,
		ConfirmError:  b&1 != 0,
	}
}

// Control2 is cEMI control field 2: destination address type, hop count,
// and extended frame format.
type Control2 struct {
	DestIsGroup bool
	HopCount    uint8 // 3 bits, 0-7
	ExtFormat   uint8 // 4 bits
}

// defaultControl2 matches the facade's write-path defaults: group
// destination, hop count 6, standard extended format. Encodes to 0xE0.
var defaultControl2 = Control2{DestIsGroup: true, HopCount: 6, ExtFormat: 0}

func (c Control2) encode() byte {
	var b byte
	if c.DestIsGroup {
		b |= 1 << 7
	}
	b |= (c.HopCount & 0x07) << 4
	b |= c.ExtFormat & 0x0F
	return b
}

func decodeControl2(b byte) Control2 {
	return Control2{
		DestIsGroup: b&(1<<7) != 0,
		HopCount:    (b >> 4) & 0x07,
		ExtFormat:   b & 0x0F,
	}
}

// LData is a parsed cEMI L_Data message: a single KNX telegram carried
// over a tunnelling connection.
type LData struct {
	MessageCode MessageCode
	Control1    Control1
	Control2    Control2
	Source      IndividualAddress
	Dest        uint16 // interpreted as GroupAddress or IndividualAddress per Control2.DestIsGroup
	TPCI        TPCIKind
	SeqNumber   uint8 // only meaningful for Numbered TPCI kinds
	APCI        APCI
	Data        []byte
}

// minLDataBody is the shortest possible cEMI L_Data service body: message
// code, add_info_len=0, ctrl1, ctrl2, src(2), dst(2), npdu_len, tpci byte.
const minLDataBody = 10

// ParseLData parses the body of a tunnelling L_Data payload (the cEMI
// portion of a TUNNELING_REQUEST, i.e. the bytes after the connection
// header).
func ParseLData(data []byte) (LData, error) {
	if len(data) < minLDataBody {
		return LData{}, fmt.Errorf("%w: cEMI body too short: %d bytes", ErrInvalidCEMI, len(data))
	}

	msgCode := MessageCode(data[0])
	switch msgCode {
	case MsgCodeLDataReq, MsgCodeLDataInd, MsgCodeLDataCon:
	default:
		return LData{}, fmt.Errorf("%w: unknown message code 0x%02X", ErrInvalidCEMI, msgCode)
	}

	addInfoLen := int(data[1])
	offset := 2 + addInfoLen
	if len(data) < offset+7 {
		return LData{}, fmt.Errorf("%w: body too short for additional info of length %d", ErrInvalidCEMI, addInfoLen)
	}

	ctrl1 := decodeControl1(data[offset])
	ctrl2 := decodeControl2(data[offset+1])
	src := binary.BigEndian.Uint16(data[offset+2 : offset+4])
	dst := binary.BigEndian.Uint16(data[offset+4 : offset+6])
	npduLen := int(data[offset+6])

	tpciOffset := offset + 7
	if len(data) < tpciOffset+npduLen+1 {
		return LData{}, fmt.Errorf("%w: body too short for npdu_len %d", ErrInvalidCEMI, npduLen)
	}

	tpciByte := data[tpciOffset]
	tpci := TPCIKind(tpciByte >> 6)
	var seqNumber uint8
	if tpci == TPCINumberedData || tpci == TPCINumberedControl {
		seqNumber = (tpciByte >> 2) & 0x0F
	}

	result := LData{
		MessageCode: msgCode,
		Control1:    ctrl1,
		Control2:    ctrl2,
		Source:      IndividualAddressFromUint16(src),
		Dest:        dst,
		TPCI:        tpci,
	}

	if tpci != TPCIUnnumberedData && tpci != TPCINumberedData {
		// Control TPCI carries no APCI/payload.
		return result, nil
	}

	apciByte2 := byte(0)
	if tpciOffset+1 < len(data) {
		apciByte2 = data[tpciOffset+1]
	}
	apci := APCI(uint16(tpciByte&0x03)<<8 | uint16(apciByte2&0xC0))

	result.APCI = apci

	if npduLen == 1 {
		result.Data = []byte{apciByte2 & 0x3F}
	} else {
		if npduLen == 0 {
			return LData{}, fmt.Errorf("%w: npdu_len 0 on a data TPCI", ErrInvalidCEMI)
		}
		payloadStart := tpciOffset + 2
		payloadEnd := tpciOffset + 1 + npduLen
		if payloadEnd > len(data) {
			return LData{}, fmt.Errorf("%w: payload extends past body", ErrInvalidCEMI)
		}
		result.Data = data[payloadStart:payloadEnd]
	}

	return result, nil
}

// BuildLDataReqInline builds an L_Data.req with the 6-bit inline value
// form (npdu_len=1): used only for values that fit in 6 bits, i.e. Bool
// writes and bare GroupValue_Read requests (value 0).
func BuildLDataReqInline(src IndividualAddress, dst GroupAddress, apci APCI, value uint8) []byte {
	return buildLData(MsgCodeLDataReq, src, dst.ToUint16(), true, apci, []byte{value & 0x3F}, true)
}

// BuildLDataReqPayload builds an L_Data.req carrying an explicit payload
// of any length beyond the APCI byte (npdu_len = 1+len(payload)). This is
// the form used for every DPT whose encoded value does not fit the 6-bit
// inline slot (Percent, U8, Control3Bit, U16, KNX float, and longer
// types), per the facade's apparent-type rule.
func BuildLDataReqPayload(src IndividualAddress, dst GroupAddress, apci APCI, payload []byte) []byte {
	return buildLData(MsgCodeLDataReq, src, dst.ToUint16(), true, apci, payload, false)
}

func buildLData(msgCode MessageCode, src IndividualAddress, dst uint16, destIsGroup bool, apci APCI, data []byte, inline bool) []byte {
	ctrl2 := defaultControl2
	ctrl2.DestIsGroup = destIsGroup

	body := make([]byte, 0, minLDataBody+len(data)+1)
	body = append(body, byte(msgCode), 0x00) // message code, add_info_len=0
	body = append(body, defaultControl1.encode(), ctrl2.encode())

	var srcDst [4]byte
	binary.BigEndian.PutUint16(srcDst[0:2], src.ToUint16())
	binary.BigEndian.PutUint16(srcDst[2:4], dst)
	body = append(body, srcDst[:]...)

	tpciByte := byte(TPCIUnnumberedData) << 6
	apciHigh := byte((apci >> 8) & 0x03)
	tpciByte |= apciHigh

	if inline {
		value := byte(0)
		if len(data) > 0 {
			value = data[0] & 0x3F
		}
		body = append(body, 1, tpciByte, byte(apci&0xC0)|value)
		return body
	}

	npduLen := 1 + len(data)
	body = append(body, byte(npduLen), tpciByte, byte(apci&0xC0))
	body = append(body, data...)
	return body
}
