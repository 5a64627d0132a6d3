package delivery

import (
	"path"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	AcceptedExtension = ".txt"
	DefaultFilename   = "document" + AcceptedExtension
)

var kindleSuffixes = []string{"@kindle.com", "@free.kindle.com"}

var validate = validator.New()

// ValidEmail reports whether s has the shape of an email address.
func ValidEmail(s string) bool {
	return validate.Var(s, "required,email") == nil
}

// IsKindleAddress reports whether addr is on one of Amazon's Send-to-Kindle domains.
func IsKindleAddress(addr string) bool {
	lower := strings.ToLower(addr)
	for _, suffix := range kindleSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// HasAcceptedExtension reports whether name ends in .txt, ignoring case.
func HasAcceptedExtension(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), AcceptedExtension)
}

// SanitizeFilename strips path separators and NUL bytes and caps the length
// at 100 bytes, keeping the extension intact. The cut never splits a rune.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.TrimSpace(name)

	if len(name) > 100 {
		ext := path.Ext(name)
		if len(ext) > 10 {
			ext = ""
		}
		cut := 100 - len(ext)
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut] + ext
	}
	if name == "" {
		name = DefaultFilename
	}
	return name
}
