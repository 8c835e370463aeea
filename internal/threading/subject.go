package threading

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxTopicTitle is the platform limit for topic names
const MaxTopicTitle = 128

// NoSubjectTitle names topics of mail without a subject
const NoSubjectTitle = "(без темы)"

// replyMarker matches one leading reply/forward marker, optionally counted: "Re:", "RE[2]:", "Fwd:", "回复："
var replyMarker = regexp.MustCompile(`(?i)^\s*(re|fw|fwd|aw|wg|sv|vs|tr|odp|отв|回复|转发|答复)\s*(\[\d+\])?\s*[:：]\s*`)

var whitespace = regexp.MustCompile(`\s+`)

// DisplaySubject strips leading reply/forward markers and collapses whitespace, keeping case
func DisplaySubject(subject string) string {
	s := norm.NFC.String(subject)
	for {
		stripped := replyMarker.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// NormalizeSubject is the case-insensitive matching key of a subject
func NormalizeSubject(subject string) string {
	return strings.ToLower(DisplaySubject(subject))
}

// TopicTitle returns the topic name for a subject, truncated to the platform limit
func TopicTitle(subject string) string {
	title := DisplaySubject(subject)
	if title == "" {
		return NoSubjectTitle
	}
	if utf8.RuneCountInString(title) <= MaxTopicTitle {
		return title
	}
	runes := []rune(title)
	return string(runes[:MaxTopicTitle-3]) + "..."
}
