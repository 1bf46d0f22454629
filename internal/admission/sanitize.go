package admission

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxNicknameLength    = 32
	MaxFileNameLength    = 255
	MaxFileTypeLength    = 100
	MaxPasswordLength    = 64
	MaxMessageIDLength   = 64
	MaxFingerprintLength = 64
	MaxTicketLength      = 512
	RoomCodeLength       = 6

	// bcrypt ignores input past 72 bytes.
	maxPasswordBytes = 72
)

// Sanitize drops control characters and invalid UTF-8 from s and keeps at
// most max runes.
func Sanitize(s string, max int) string {
	if max <= 0 {
		return ""
	}
	var b strings.Builder
	n := 0
	for i, w := 0, 0; i < len(s) && n < max; i += w {
		r, width := utf8.DecodeRuneInString(s[i:])
		w = width
		if r == utf8.RuneError && width <= 1 {
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

func SanitizeNickname(s string) string {
	s = strings.TrimSpace(Sanitize(s, MaxNicknameLength))
	if s == "" {
		return "Anonymous"
	}
	return s
}

// SanitizeRoomCode normalizes user input to the canonical upper-case form.
// Shape validation is left to the registry.
func SanitizeRoomCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(Sanitize(s, RoomCodeLength+2)))
}

func SanitizeFileName(s string) string {
	s = strings.TrimSpace(Sanitize(s, MaxFileNameLength))
	s = strings.NewReplacer("/", "_", "\\", "_").Replace(s)
	if s == "." || s == ".." {
		return "_"
	}
	return s
}

// SanitizePassword keeps spaces but caps the password in both runes and
// bytes.
func SanitizePassword(s string) string {
	s = Sanitize(s, MaxPasswordLength)
	for len(s) > maxPasswordBytes {
		_, size := utf8.DecodeLastRuneInString(s)
		s = s[:len(s)-size]
	}
	return s
}

func SanitizeToken(s string, max int) string {
	return strings.TrimSpace(Sanitize(s, max))
}
