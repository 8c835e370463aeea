package parser

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DetectedCode is a verification code found in a message body
type DetectedCode struct {
	Type  string
	Value string
}

// CodeDetector finds one-time codes next to a keyword or alone on a line
type CodeDetector struct {
	rules []codeRule
}

type codeRule struct {
	kind  string
	regex *regexp.Regexp
	// Value must contain at least one digit
	digit bool
}

// keywordRule matches a keyword, up to a few words of filler without digits,
// a separator and the value. Keyword and value must stand as whole words.
func keywordRule(kind, keywords, value string, digit bool) codeRule {
	return codeRule{
		kind:  kind,
		regex: regexp.MustCompile(`(?i:` + keywords + `)[^\n\d]{0,24}?[\s:：#№-]\s*(` + value + `)`),
		digit: digit,
	}
}

// NewCodeDetector creates a new code detector
func NewCodeDetector() *CodeDetector {
	return &CodeDetector{
		rules: []codeRule{
			keywordRule("otp", `code|passcode|код|otp|pin|пин|пароль|password`, `\d{4,8}`, false),
			keywordRule("verification", `verification|verify|confirm|верификац|подтвержд|активац`, `\d{4,8}`, false),
			keywordRule("security", `security|безопасност|2fa|two[- ]factor`, `\d{4,8}`, false),
			{kind: "code", regex: regexp.MustCompile(`(?m)^[ \t]*(\d{4,8})[ \t]*$`)},
			keywordRule("code", `code|код`, `[A-Z0-9]{4,12}`, true),
			keywordRule("token", `token|токен|key|ключ`, `[A-Za-z0-9_-]{8,32}`, true),
		},
	}
}

// DetectCodes finds up to limit distinct verification codes in text, limit <= 0 means all
func (d *CodeDetector) DetectCodes(text string, limit int) []DetectedCode {
	var codes []DetectedCode
	seen := make(map[string]bool)

	for _, rule := range d.rules {
		for _, m := range rule.regex.FindAllStringSubmatchIndex(text, -1) {
			if len(m) < 4 || !wordEdge(text, m[0], m[3]) {
				continue
			}
			code := text[m[2]:m[3]]
			if seen[code] || (rule.digit && !strings.ContainsAny(code, "0123456789")) {
				continue
			}
			seen[code] = true
			codes = append(codes, DetectedCode{Type: rule.kind, Value: code})
			if limit > 0 && len(codes) == limit {
				return codes
			}
		}
	}

	return codes
}

// wordEdge reports whether text[start:end] is not glued to letters or digits on either side
func wordEdge(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if isWordRune(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
