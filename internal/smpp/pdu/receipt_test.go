package pdu

import (
	"errors"
	"testing"
)

func TestParseReceiptFromText(t *testing.T) {
	text := "id:0A1B2C3D sub:001 dlvrd:001 submit date:2410181200 done date:2410181201 stat:DELIVRD err:000 text:Hello world"
	sm := ShortMessage{ESMClass: ESMClassDeliveryReceipt, SourceAddr: "15550001", Payload: []byte(text)}

	r, err := ParseReceipt(sm)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.MessageID != "0A1B2C3D" || r.State != "DELIVRD" || r.Error != "000" {
		t.Fatalf("unexpected receipt %+v", r)
	}
	if r.Submitted != "2410181200" || r.Done != "2410181201" || r.Text != "Hello world" {
		t.Fatalf("unexpected dates/text %+v", r)
	}
}

func TestParseReceiptPrefersTLVs(t *testing.T) {
	sm := ShortMessage{
		ESMClass: ESMClassDeliveryReceipt,
		Payload:  []byte("id:stale stat:ENROUTE"),
		TLVs: []TLV{
			{Tag: TagReceiptedMessageID, Value: []byte("abc123\x00")},
			{Tag: TagMessageState, Value: []byte{5}},
		},
	}
	r, err := ParseReceipt(sm)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.MessageID != "abc123" || r.State != "UNDELIV" {
		t.Fatalf("expected TLV values, got %+v", r)
	}
}

func TestParseReceiptRejectsMobileOriginated(t *testing.T) {
	if _, err := ParseReceipt(ShortMessage{Payload: []byte("hi there")}); !errors.Is(err, ErrNotReceipt) {
		t.Fatalf("expected ErrNotReceipt, got %v", err)
	}
}

func TestFormatReceiptParsesBack(t *testing.T) {
	text := FormatReceipt(Receipt{MessageID: "42", State: "UNDELIV", Error: "011", Text: "x"})
	r, err := ParseReceipt(ShortMessage{ESMClass: ESMClassDeliveryReceipt, Payload: []byte(text)})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.MessageID != "42" || r.State != "UNDELIV" || r.Error != "011" {
		t.Fatalf("unexpected receipt %+v", r)
	}
}

func TestParseReceiptText(t *testing.T) {
	r, err := ParseReceiptText("id:smsc-000001 sub:001 dlvrd:000 stat:expired err:027")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.MessageID != "smsc-000001" || r.State != "EXPIRED" || r.Error != "027" {
		t.Fatalf("unexpected receipt %+v", r)
	}
	if _, err := ParseReceiptText("hello"); !errors.Is(err, ErrNotReceipt) {
		t.Fatalf("expected ErrNotReceipt, got %v", err)
	}
}
