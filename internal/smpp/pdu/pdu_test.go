package pdu

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestWriteReadRoundTripHeaderAndBody(t *testing.T) {
	bind := Bind{SystemID: "panel", Password: "secret", SystemType: "sms"}
	var buf bytes.Buffer
	if err := Write(&buf, New(BindTransceiver, 7, bind.Marshal())); err != nil {
		t.Fatalf("write: %v", err)
	}

	raw := buf.Bytes()
	if got := len(raw); got != HeaderLen+len(bind.Marshal()) {
		t.Fatalf("unexpected encoded length %d", got)
	}
	// command_length must include the header itself.
	if raw[3] != byte(len(raw)) {
		t.Fatalf("command_length %d does not match %d", raw[3], len(raw))
	}

	pkt, err := Read(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pkt.Header.Command != BindTransceiver || pkt.Header.Sequence != 7 {
		t.Fatalf("unexpected header %+v", pkt.Header)
	}
	decoded, err := UnmarshalBind(pkt.Body)
	if err != nil {
		t.Fatalf("unmarshal bind: %v", err)
	}
	if decoded.SystemID != "panel" || decoded.Password != "secret" || decoded.InterfaceVersion != InterfaceVersion34 {
		t.Fatalf("unexpected bind %+v", decoded)
	}
}

func TestReadRejectsBadLength(t *testing.T) {
	header := EncodeHeader(Header{Length: 8, Command: EnquireLink})
	if _, err := Read(bytes.NewReader(header)); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
	if _, err := Read(bytes.NewReader(header[:5])); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestShortMessageUsesPayloadTLVForLongContent(t *testing.T) {
	long := strings.Repeat("a", 300)
	sm := ShortMessage{SourceAddr: "PANEL", DestinationAddr: "15550001", RegisteredDelivery: 1, Payload: []byte(long)}
	body, err := sm.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := UnmarshalShortMessage(body)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(decoded.Payload) != long {
		t.Fatalf("payload lost in message_payload TLV")
	}
	if decoded.DestinationAddr != "15550001" || decoded.RegisteredDelivery != 1 {
		t.Fatalf("unexpected fields %+v", decoded)
	}
}

func TestUnmarshalShortMessageTruncated(t *testing.T) {
	body, _ := ShortMessage{DestinationAddr: "1555", Payload: []byte("hello")}.Marshal()
	if _, err := UnmarshalShortMessage(body[:len(body)-2]); !errors.Is(err, ErrTruncatedBody) {
		t.Fatalf("expected truncated body error, got %v", err)
	}
}

func TestEncodeTextSwitchesToUCS2(t *testing.T) {
	data, coding, err := EncodeText("hello", CodingDefault)
	if err != nil || coding != CodingDefault || string(data) != "hello" {
		t.Fatalf("ascii text should pass through: %q %d %v", data, coding, err)
	}

	data, coding, err = EncodeText("héllo ✓", CodingDefault)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if coding != CodingUCS2 || len(data) != 14 {
		t.Fatalf("expected 7 UCS-2 code units, got coding=%d len=%d", coding, len(data))
	}
	text, err := DecodeText(data, coding)
	if err != nil || text != "héllo ✓" {
		t.Fatalf("round trip failed: %q %v", text, err)
	}
}

func TestStatusClassification(t *testing.T) {
	if !IsTransient(StatusThrottled) || !IsTransient(StatusMsgQueueFull) {
		t.Fatalf("throttling statuses must be transient")
	}
	if IsTransient(StatusInvalidDstAddr) {
		t.Fatalf("invalid destination must be permanent")
	}
	if StatusText(StatusInvalidDstAddr) != "ESME_RINVDSTADR" || StatusText(0x1234) != "0x00001234" {
		t.Fatalf("unexpected status text")
	}
}
