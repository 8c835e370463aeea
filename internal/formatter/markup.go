package formatter

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// allowedTags are the tags Telegram's HTML parse mode accepts
var allowedTags = map[string]bool{
	"b": true, "strong": true,
	"i": true, "em": true,
	"u": true, "ins": true,
	"s": true, "strike": true, "del": true,
	"a": true, "code": true, "pre": true,
	"span": true, "tg-spoiler": true, "tg-emoji": true,
	"blockquote": true,
}

// Only these named entities are understood, numeric ones always are
var namedEntity = regexp.MustCompile(`&([a-zA-Z][a-zA-Z0-9]*);`)

var allowedEntities = map[string]bool{"lt": true, "gt": true, "amp": true, "quot": true}

// ValidateHTML reports markup that Telegram would reject: unknown tags,
// unbalanced tags, unsupported named entities or a bare '<'
func ValidateHTML(s string) error {
	for _, m := range namedEntity.FindAllStringSubmatch(s, -1) {
		if !allowedEntities[m[1]] {
			return fmt.Errorf("unsupported entity &%s;", m[1])
		}
	}

	var stack []string
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				return fmt.Errorf("failed to tokenize: %w", z.Err())
			}
			if len(stack) > 0 {
				return fmt.Errorf("unclosed tag <%s>", stack[len(stack)-1])
			}
			return nil
		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if !allowedTags[tag] {
				return fmt.Errorf("unsupported tag <%s>", tag)
			}
			stack = append(stack, tag)
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if len(stack) == 0 || stack[len(stack)-1] != tag {
				return fmt.Errorf("unexpected closing tag </%s>", tag)
			}
			stack = stack[:len(stack)-1]
		case html.SelfClosingTagToken, html.CommentToken, html.DoctypeToken:
			return fmt.Errorf("unsupported markup %q", string(z.Raw()))
		case html.TextToken:
			if strings.Contains(string(z.Raw()), "<") {
				return fmt.Errorf("unescaped '<' in text")
			}
		}
	}
}

// StripHTML returns the text content of Telegram HTML with entities decoded
func StripHTML(s string) string {
	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return sb.String()
		case html.TextToken:
			sb.Write(z.Text())
		}
	}
}
