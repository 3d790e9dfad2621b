package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Optional parameter tags used by the gateway.
const (
	TagReceiptedMessageID uint16 = 0x001E
	TagMessagePayload     uint16 = 0x0424
	TagMessageState       uint16 = 0x0427
)

// InterfaceVersion34 is the SMPP 3.4 interface_version value.
const InterfaceVersion34 = 0x34

// maxShortMessage is the largest payload carried in short_message; longer
// content moves to the message_payload TLV.
const maxShortMessage = 254

// ESM class bits.
const (
	ESMClassDeliveryReceipt = 0x04
)

// TLV is an optional parameter.
type TLV struct {
	Tag   uint16
	Value []byte
}

// Bind is the body of a bind_transceiver request.
type Bind struct {
	SystemID         string
	Password         string
	SystemType       string
	InterfaceVersion byte
	AddrTON          byte
	AddrNPI          byte
	AddressRange     string
}

// Marshal encodes the bind body.
func (b Bind) Marshal() []byte {
	var buf bytes.Buffer
	writeCString(&buf, b.SystemID)
	writeCString(&buf, b.Password)
	writeCString(&buf, b.SystemType)
	version := b.InterfaceVersion
	if version == 0 {
		version = InterfaceVersion34
	}
	buf.WriteByte(version)
	buf.WriteByte(b.AddrTON)
	buf.WriteByte(b.AddrNPI)
	writeCString(&buf, b.AddressRange)
	return buf.Bytes()
}

// UnmarshalBind decodes a bind request body.
func UnmarshalBind(body []byte) (Bind, error) {
	r := reader{buf: body}
	b := Bind{
		SystemID:   r.cstring(),
		Password:   r.cstring(),
		SystemType: r.cstring(),
	}
	b.InterfaceVersion = r.u8()
	b.AddrTON = r.u8()
	b.AddrNPI = r.u8()
	b.AddressRange = r.cstring()
	if r.err != nil {
		return Bind{}, r.err
	}
	return b, nil
}

// ShortMessage is the common body of submit_sm and deliver_sm.
type ShortMessage struct {
	ServiceType          string
	SourceAddrTON        byte
	SourceAddrNPI        byte
	SourceAddr           string
	DestAddrTON          byte
	DestAddrNPI          byte
	DestinationAddr      string
	ESMClass             byte
	ProtocolID           byte
	PriorityFlag         byte
	ScheduleDeliveryTime string
	ValidityPeriod       string
	RegisteredDelivery   byte
	ReplaceIfPresent     byte
	DataCoding           byte
	SMDefaultMsgID       byte
	Payload              []byte
	TLVs                 []TLV
}

// Marshal encodes the body. Payloads beyond one short_message are carried in
// the message_payload TLV with sm_length zero.
func (m ShortMessage) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	writeCString(&buf, m.ServiceType)
	buf.WriteByte(m.SourceAddrTON)
	buf.WriteByte(m.SourceAddrNPI)
	writeCString(&buf, m.SourceAddr)
	buf.WriteByte(m.DestAddrTON)
	buf.WriteByte(m.DestAddrNPI)
	writeCString(&buf, m.DestinationAddr)
	buf.WriteByte(m.ESMClass)
	buf.WriteByte(m.ProtocolID)
	buf.WriteByte(m.PriorityFlag)
	writeCString(&buf, m.ScheduleDeliveryTime)
	writeCString(&buf, m.ValidityPeriod)
	buf.WriteByte(m.RegisteredDelivery)
	buf.WriteByte(m.ReplaceIfPresent)
	buf.WriteByte(m.DataCoding)
	buf.WriteByte(m.SMDefaultMsgID)

	tlvs := m.TLVs
	if len(m.Payload) > maxShortMessage {
		if len(m.Payload) > 0xFFFF {
			return nil, fmt.Errorf("pdu: payload of %d bytes exceeds message_payload limit", len(m.Payload))
		}
		buf.WriteByte(0)
		tlvs = append([]TLV{{Tag: TagMessagePayload, Value: m.Payload}}, tlvs...)
	} else {
		buf.WriteByte(byte(len(m.Payload)))
		buf.Write(m.Payload)
	}
	for _, tlv := range tlvs {
		writeTLV(&buf, tlv)
	}
	return buf.Bytes(), nil
}

// UnmarshalShortMessage decodes a submit_sm or deliver_sm body. A
// message_payload TLV replaces an empty short_message.
func UnmarshalShortMessage(body []byte) (ShortMessage, error) {
	r := reader{buf: body}
	var m ShortMessage
	m.ServiceType = r.cstring()
	m.SourceAddrTON = r.u8()
	m.SourceAddrNPI = r.u8()
	m.SourceAddr = r.cstring()
	m.DestAddrTON = r.u8()
	m.DestAddrNPI = r.u8()
	m.DestinationAddr = r.cstring()
	m.ESMClass = r.u8()
	m.ProtocolID = r.u8()
	m.PriorityFlag = r.u8()
	m.ScheduleDeliveryTime = r.cstring()
	m.ValidityPeriod = r.cstring()
	m.RegisteredDelivery = r.u8()
	m.ReplaceIfPresent = r.u8()
	m.DataCoding = r.u8()
	m.SMDefaultMsgID = r.u8()
	length := int(r.u8())
	m.Payload = r.octets(length)
	for r.err == nil && r.remaining() > 0 {
		tlv := r.tlv()
		if r.err != nil {
			break
		}
		if tlv.Tag == TagMessagePayload && len(m.Payload) == 0 {
			m.Payload = tlv.Value
			continue
		}
		m.TLVs = append(m.TLVs, tlv)
	}
	if r.err != nil {
		return ShortMessage{}, r.err
	}
	return m, nil
}

// TLV returns the first optional parameter with the tag.
func (m ShortMessage) TLV(tag uint16) ([]byte, bool) {
	for _, tlv := range m.TLVs {
		if tlv.Tag == tag {
			return tlv.Value, true
		}
	}
	return nil, false
}

// MessageIDBody encodes the body of submit_sm_resp, deliver_sm_resp and
// bind_transceiver_resp: a single C-octet string.
func MessageIDBody(id string) []byte {
	var buf bytes.Buffer
	writeCString(&buf, id)
	return buf.Bytes()
}

// ParseMessageID reads the leading C-octet string of a response body. Error
// responses may omit the body entirely.
func ParseMessageID(body []byte) (string, error) {
	if len(body) == 0 {
		return "", nil
	}
	r := reader{buf: body}
	id := r.cstring()
	return id, r.err
}

func writeCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

func writeTLV(buf *bytes.Buffer, tlv TLV) {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], tlv.Tag)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(tlv.Value)))
	buf.Write(hdr[:])
	buf.Write(tlv.Value)
}

type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) u8() byte {
	if r.err != nil {
		return 0
	}
	if r.remaining() < 1 {
		r.err = ErrTruncatedBody
		return 0
	}
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *reader) octets(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.remaining() < n {
		r.err = ErrTruncatedBody
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out
}

func (r *reader) cstring() string {
	if r.err != nil {
		return ""
	}
	idx := bytes.IndexByte(r.buf[r.pos:], 0)
	if idx < 0 {
		r.err = ErrTruncatedBody
		return ""
	}
	s := string(r.buf[r.pos : r.pos+idx])
	r.pos += idx + 1
	return s
}

func (r *reader) tlv() TLV {
	if r.remaining() < 4 {
		r.err = ErrTruncatedBody
		return TLV{}
	}
	tag := binary.BigEndian.Uint16(r.buf[r.pos : r.pos+2])
	length := int(binary.BigEndian.Uint16(r.buf[r.pos+2 : r.pos+4]))
	r.pos += 4
	return TLV{Tag: tag, Value: r.octets(length)}
}
