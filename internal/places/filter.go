package places

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MatchesPincode reports whether address contains pincode as a whole token,
// with regexp \b semantics over Unicode word characters (letters, digits
// and underscore).
func MatchesPincode(address, pincode string) bool {
	if pincode == "" {
		return false
	}

	for offset := 0; offset <= len(address)-len(pincode); {
		i := strings.Index(address[offset:], pincode)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(pincode)

		if isBoundary(address, start) && isBoundary(address, end) {
			return true
		}

		_, size := utf8.DecodeRuneInString(address[start:])
		offset = start + size
	}
	return false
}

// isBoundary reports whether byte offset i of s sits between a word and a
// non-word character (string ends count as non-word).
func isBoundary(s string, i int) bool {
	before, after := false, false
	if i > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:i])
		before = isWordRune(r)
	}
	if i < len(s) {
		r, _ := utf8.DecodeRuneInString(s[i:])
		after = isWordRune(r)
	}
	return before != after
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}
