package pdu

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

// Data coding schemes.
const (
	CodingDefault byte = 0x00
	CodingLatin1  byte = 0x03
	CodingUCS2    byte = 0x08
)

var ucs2 = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// EncodeText picks the wire representation of content. Seven-bit text keeps
// the configured coding; anything else is sent as UCS-2.
func EncodeText(content string, defaultCoding byte) ([]byte, byte, error) {
	if isASCII(content) {
		return []byte(content), defaultCoding, nil
	}
	if !utf8.ValidString(content) {
		return nil, 0, fmt.Errorf("pdu: content is not valid UTF-8")
	}
	encoded, err := ucs2.NewEncoder().Bytes([]byte(content))
	if err != nil {
		return nil, 0, fmt.Errorf("pdu: encode ucs2: %w", err)
	}
	return encoded, CodingUCS2, nil
}

// DecodeText converts a wire payload back to a string.
func DecodeText(payload []byte, coding byte) (string, error) {
	if coding != CodingUCS2 {
		return string(payload), nil
	}
	decoded, err := ucs2.NewDecoder().Bytes(payload)
	if err != nil {
		return "", fmt.Errorf("pdu: decode ucs2: %w", err)
	}
	return string(decoded), nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
