package formatter

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxFilenameLength = 200

var (
	unsafeFilenameChars = regexp.MustCompile(`[\\/*?:"<>|]`)
	charsetDeclared     = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?utf-?8`)
	headOpenTag         = regexp.MustCompile(`(?i)<head(\s[^>]*)?>`)
)

// SanitizeFilename replaces path and shell metacharacters and bounds the length, keeping the extension
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(unsafeFilenameChars.ReplaceAllString(name, "_"))
	if name == "" {
		return "attachment"
	}
	if utf8.RuneCountInString(name) <= maxFilenameLength {
		return name
	}

	ext := filepath.Ext(name)
	if utf8.RuneCountInString(ext) >= maxFilenameLength {
		ext = ""
	}
	base := []rune(strings.TrimSuffix(name, ext))
	return string(base[:maxFilenameLength-utf8.RuneCountInString(ext)]) + ext
}

// HTMLFilename names the HTML rendition of an email after its subject
func HTMLFilename(subject string) string {
	base := strings.TrimSpace(subject)
	if base == "" {
		base = "email"
	}
	return SanitizeFilename(base + ".html")
}

// EnsureCharset injects a UTF-8 charset declaration unless one is present
func EnsureCharset(html string) string {
	if charsetDeclared.MatchString(html) {
		return html
	}
	if loc := headOpenTag.FindStringIndex(html); loc != nil {
		return html[:loc[1]] + "\n<meta charset=\"UTF-8\">" + html[loc[1]:]
	}
	return "<meta charset=\"UTF-8\">\n" + html
}
