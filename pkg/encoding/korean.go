// Package encoding converts the EUC-KR strings found in GRF tables and
// map files.
package encoding

import (
	"bytes"
	"strings"

	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/transform"
)

// EUCKRToUTF8 decodes EUC-KR bytes. Invalid input is returned unchanged.
func EUCKRToUTF8(data []byte) string {
	out, _, err := transform.Bytes(korean.EUCKR.NewDecoder(), data)
	if err != nil {
		return string(data)
	}
	return string(out)
}

// UTF8ToEUCKR encodes s as EUC-KR. Runes EUC-KR cannot represent leave s
// unchanged.
func UTF8ToEUCKR(s string) []byte {
	out, _, err := transform.Bytes(korean.EUCKR.NewEncoder(), []byte(s))
	if err != nil {
		return []byte(s)
	}
	return out
}

// NormalizeGRFPath is the lookup form of an archive path: forward
// slashes, lower case.
func NormalizeGRFPath(path string) string {
	return strings.ToLower(strings.ReplaceAll(path, "\\", "/"))
}

// FixedStringToUTF8 decodes a NUL-padded EUC-KR field.
func FixedStringToUTF8(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return EUCKRToUTF8(data)
}

// UTF8ToFixedString encodes s into a NUL-padded field of size bytes,
// truncating if it does not fit.
func UTF8ToFixedString(s string, size int) []byte {
	field := make([]byte, size)
	copy(field, UTF8ToEUCKR(s))
	return field
}
