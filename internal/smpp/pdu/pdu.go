// Package pdu encodes and decodes the subset of SMPP 3.4 PDUs the gateway
// exchanges with its aggregator.
package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the fixed SMPP header size.
const HeaderLen = 16

// MaxLength bounds a single PDU read from the wire.
const MaxLength = 64 * 1024

// CommandID identifies the PDU type.
type CommandID uint32

const (
	GenericNack         CommandID = 0x80000000
	BindTransceiver     CommandID = 0x00000009
	BindTransceiverResp CommandID = 0x80000009
	SubmitSM            CommandID = 0x00000004
	SubmitSMResp        CommandID = 0x80000004
	DeliverSM           CommandID = 0x00000005
	DeliverSMResp       CommandID = 0x80000005
	Unbind              CommandID = 0x00000006
	UnbindResp          CommandID = 0x80000006
	EnquireLink         CommandID = 0x00000015
	EnquireLinkResp     CommandID = 0x80000015
)

// IsResponse reports whether the id has the response bit set.
func (c CommandID) IsResponse() bool {
	return c&0x80000000 != 0
}

// Response returns the response id paired with a request id.
func (c CommandID) Response() CommandID {
	return c | 0x80000000
}

func (c CommandID) String() string {
	switch c {
	case GenericNack:
		return "generic_nack"
	case BindTransceiver:
		return "bind_transceiver"
	case BindTransceiverResp:
		return "bind_transceiver_resp"
	case SubmitSM:
		return "submit_sm"
	case SubmitSMResp:
		return "submit_sm_resp"
	case DeliverSM:
		return "deliver_sm"
	case DeliverSMResp:
		return "deliver_sm_resp"
	case Unbind:
		return "unbind"
	case UnbindResp:
		return "unbind_resp"
	case EnquireLink:
		return "enquire_link"
	case EnquireLinkResp:
		return "enquire_link_resp"
	default:
		return fmt.Sprintf("command(0x%08X)", uint32(c))
	}
}

var (
	ErrShortHeader   = errors.New("pdu: short header")
	ErrInvalidLength = errors.New("pdu: invalid command_length")
	ErrTruncatedBody = errors.New("pdu: truncated body")
)

// Header is the fixed SMPP header.
type Header struct {
	Length   uint32
	Command  CommandID
	Status   uint32
	Sequence uint32
}

// Packet is one complete PDU.
type Packet struct {
	Header Header
	Body   []byte
}

// EncodeHeader renders h in network byte order.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Length)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Command))
	binary.BigEndian.PutUint32(buf[8:12], h.Status)
	binary.BigEndian.PutUint32(buf[12:16], h.Sequence)
	return buf
}

// DecodeHeader parses the fixed header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("pdu: invalid header length: %d", len(b))
	}
	return Header{
		Length:   binary.BigEndian.Uint32(b[0:4]),
		Command:  CommandID(binary.BigEndian.Uint32(b[4:8])),
		Status:   binary.BigEndian.Uint32(b[8:12]),
		Sequence: binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// Read reads one PDU.
func Read(r io.Reader) (Packet, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, ErrShortHeader
		}
		return Packet{}, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Packet{}, err
	}
	if h.Length < HeaderLen || h.Length > MaxLength {
		return Packet{}, ErrInvalidLength
	}
	body := make([]byte, h.Length-HeaderLen)
	if len(body) > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Packet{}, err
		}
	}
	return Packet{Header: h, Body: body}, nil
}

// Marshal renders p as one contiguous buffer with command_length filled in.
func Marshal(p Packet) ([]byte, error) {
	total := HeaderLen + len(p.Body)
	if total > MaxLength {
		return nil, ErrInvalidLength
	}
	h := p.Header
	h.Length = uint32(total)
	buf := make([]byte, 0, total)
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, p.Body...)
	return buf, nil
}

// Write writes p with a single Write call.
func Write(w io.Writer, p Packet) error {
	buf, err := Marshal(p)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// New builds a packet from a command, sequence number and body.
func New(cmd CommandID, seq uint32, body []byte) Packet {
	return Packet{Header: Header{Command: cmd, Sequence: seq}, Body: body}
}

// NewResponse builds the response to req with the given status.
func NewResponse(req Header, status uint32, body []byte) Packet {
	return Packet{Header: Header{Command: req.Command.Response(), Status: status, Sequence: req.Sequence}, Body: body}
}
