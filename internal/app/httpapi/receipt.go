package httpapi

import (
	"errors"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tune23wb/sms-panel/internal/app/domain/message"
	"github.com/tune23wb/sms-panel/internal/smpp/pdu"
)

// Field names used by the aggregators and relays that post receipts.
var (
	messageIDPaths  = []string{"message_id", "messageId", "reference"}
	providerIDPaths = []string{"provider_id", "providerId", "smsc_id", "msgid", "id", "receipt.id"}
	statePaths      = []string{"status", "stat", "state", "dlr_status", "receipt.stat", "receipt.status"}
	errorPaths      = []string{"err", "error_code", "errorCode", "receipt.err"}
	textPaths       = []string{"text", "short_message", "receipt.text"}
)

var errNotJSON = errors.New("receipt body must be a JSON object")

// parseReceipt extracts a receipt from a callback body. Structured fields
// win; a raw "id:... stat:..." receipt text fills in whatever is missing.
func parseReceipt(body []byte) (message.Receipt, error) {
	if !gjson.ValidBytes(body) {
		return message.Receipt{}, errNotJSON
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return message.Receipt{}, errNotJSON
	}

	r := message.Receipt{
		MessageID:  first(doc, messageIDPaths),
		ProviderID: first(doc, providerIDPaths),
		State:      message.ReceiptState(strings.ToUpper(first(doc, statePaths))),
		ErrorCode:  first(doc, errorPaths),
		ReceivedAt: time.Now().UTC(),
	}
	if text := first(doc, textPaths); text != "" {
		if parsed, err := pdu.ParseReceiptText(text); err == nil {
			if r.ProviderID == "" && r.MessageID == "" {
				r.ProviderID = parsed.MessageID
			}
			if r.State == "" {
				r.State = message.ReceiptState(parsed.State)
			}
			if r.ErrorCode == "" {
				r.ErrorCode = parsed.Error
			}
			r.Text = parsed.Text
		} else {
			r.Text = text
		}
	}
	if ts := doc.Get("timestamp"); ts.Exists() {
		if t, err := time.Parse(time.RFC3339, ts.String()); err == nil {
			r.ReceivedAt = t.UTC()
		}
	}
	r.State = normaliseState(r.State)
	return r, nil
}

func first(doc gjson.Result, paths []string) string {
	for _, path := range paths {
		if v := doc.Get(path); v.Exists() && v.String() != "" {
			return strings.TrimSpace(v.String())
		}
	}
	return ""
}

// normaliseState maps common long-form states onto SMPP receipt states.
func normaliseState(state message.ReceiptState) message.ReceiptState {
	switch state {
	case "DELIVERED":
		return message.ReceiptDelivered
	case "UNDELIVERED", "FAILED":
		return message.ReceiptUndeliv
	case "REJECTED":
		return message.ReceiptRejected
	case "ACCEPTED":
		return message.ReceiptAccepted
	default:
		return state
	}
}
