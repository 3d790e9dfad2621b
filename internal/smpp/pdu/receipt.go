package pdu

import (
	"errors"
	"strings"
)

// ErrNotReceipt is returned for deliver_sm PDUs that carry no delivery receipt.
var ErrNotReceipt = errors.New("pdu: deliver_sm is not a delivery receipt")

// Receipt is the parsed content of a delivery receipt.
type Receipt struct {
	MessageID  string
	State      string
	Error      string
	Submitted  string
	Done       string
	Text       string
	SourceAddr string
	DestAddr   string
}

var messageStates = map[byte]string{
	1: "ENROUTE",
	2: "DELIVRD",
	3: "EXPIRED",
	4: "DELETED",
	5: "UNDELIV",
	6: "ACCEPTD",
	7: "UNKNOWN",
	8: "REJECTD",
}

// ParseReceipt extracts the receipt from a deliver_sm body. The
// receipted_message_id and message_state TLVs take precedence over the
// free-text "id:... stat:..." form.
func ParseReceipt(sm ShortMessage) (Receipt, error) {
	if sm.ESMClass&ESMClassDeliveryReceipt == 0 {
		return Receipt{}, ErrNotReceipt
	}
	text, err := DecodeText(sm.Payload, sm.DataCoding)
	if err != nil {
		return Receipt{}, err
	}
	fields := parseReceiptText(text)
	r := Receipt{
		MessageID:  fields["id"],
		State:      strings.ToUpper(fields["stat"]),
		Error:      fields["err"],
		Submitted:  fields["submit date"],
		Done:       fields["done date"],
		Text:       fields["text"],
		SourceAddr: sm.SourceAddr,
		DestAddr:   sm.DestinationAddr,
	}
	if v, ok := sm.TLV(TagReceiptedMessageID); ok {
		if id := strings.TrimRight(string(v), "\x00"); id != "" {
			r.MessageID = id
		}
	}
	if v, ok := sm.TLV(TagMessageState); ok && len(v) == 1 {
		if state, known := messageStates[v[0]]; known {
			r.State = state
		}
	}
	if r.MessageID == "" {
		return Receipt{}, errors.New("pdu: delivery receipt without message id")
	}
	return r, nil
}

// ParseReceiptText parses the free-text receipt form on its own, as relayed
// by aggregators that forward receipts over HTTP.
func ParseReceiptText(text string) (Receipt, error) {
	fields := parseReceiptText(text)
	r := Receipt{
		MessageID: fields["id"],
		State:     strings.ToUpper(fields["stat"]),
		Error:     fields["err"],
		Submitted: fields["submit date"],
		Done:      fields["done date"],
		Text:      fields["text"],
	}
	if r.MessageID == "" || r.State == "" {
		return Receipt{}, ErrNotReceipt
	}
	return r, nil
}

// FormatReceipt renders the conventional receipt text.
func FormatReceipt(r Receipt) string {
	var b strings.Builder
	b.WriteString("id:" + r.MessageID)
	b.WriteString(" sub:001 dlvrd:")
	if r.State == "DELIVRD" {
		b.WriteString("001")
	} else {
		b.WriteString("000")
	}
	b.WriteString(" submit date:" + r.Submitted)
	b.WriteString(" done date:" + r.Done)
	b.WriteString(" stat:" + r.State)
	errCode := r.Error
	if errCode == "" {
		errCode = "000"
	}
	b.WriteString(" err:" + errCode)
	b.WriteString(" text:" + r.Text)
	return b.String()
}

var receiptKeys = []string{"id", "sub", "dlvrd", "submit date", "done date", "stat", "err", "text"}

func parseReceiptText(text string) map[string]string {
	lower := strings.ToLower(text)
	type span struct {
		key   string
		start int
		value int
	}
	var spans []span
	for _, key := range receiptKeys {
		needle := key + ":"
		from := 0
		for {
			idx := strings.Index(lower[from:], needle)
			if idx < 0 {
				break
			}
			idx += from
			if idx == 0 || lower[idx-1] == ' ' {
				spans = append(spans, span{key: key, start: idx, value: idx + len(needle)})
				break
			}
			from = idx + len(needle)
		}
	}

	fields := make(map[string]string, len(spans))
	for i, s := range spans {
		end := len(text)
		for j, other := range spans {
			if j != i && other.start > s.start && other.start < end {
				end = other.start
			}
		}
		value := strings.TrimSpace(text[s.value:end])
		if s.key != "text" {
			if sp := strings.IndexByte(value, ' '); sp >= 0 {
				value = value[:sp]
			}
		}
		fields[s.key] = value
	}
	return fields
}
