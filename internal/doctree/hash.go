package doctree

import (
	"strconv"
	"strings"
	"unicode/utf16"
)

// HashDocument returns the DJB2 hash of the JSON text {"content":…,"title":…}
// as the browser editor computes it, so both sides agree on when a document
// changed. A nil content serializes as null.
func HashDocument(content *string, title string) string {
	var b strings.Builder
	b.WriteString(`{"content":`)
	if content == nil {
		b.WriteString("null")
	} else {
		writeJSString(&b, *content)
	}
	b.WriteString(`,"title":`)
	writeJSString(&b, title)
	b.WriteByte('}')

	return strconv.FormatInt(int64(djb2(b.String())), 10)
}

// djb2 hashes the UTF-16 code units of s with 32-bit wraparound.
func djb2(s string) int32 {
	var h int32 = 5381
	for _, unit := range utf16.Encode([]rune(s)) {
		h = (h << 5) + h + int32(unit)
	}
	return h
}

const hexDigits = "0123456789abcdef"

// writeJSString quotes s the way JSON.stringify does. Unlike encoding/json it
// leaves <, >, & and U+2028/U+2029 unescaped.
func writeJSString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				b.WriteString(`\u00`)
				b.WriteByte(hexDigits[r>>4])
				b.WriteByte(hexDigits[r&0xf])
				continue
			}
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
}

// NeedsContext reports whether the document context must be attached to the
// next chat turn: always on the first turn, then only after a change.
func NeedsContext(previous, current string) bool {
	return previous == "" || previous != current
}
