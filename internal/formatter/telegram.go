package formatter

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mixelka/tgmailsync/internal/email"
	"github.com/mixelka/tgmailsync/internal/parser"
	"github.com/mixelka/tgmailsync/internal/threading"
)

const (
	// maxTextLength leaves room for markup under the 4096 platform limit
	maxTextLength = 4000
	maxLinks      = 5
	maxCodes      = 5
)

// Segment is one text message of a payload
type Segment struct {
	Text   string
	HTML   bool // ParseMode HTML, plain text otherwise
	Silent bool
	Links  []parser.Link
}

// Document is one file of a payload
type Document struct {
	Filename    string
	ContentType string
	Data        []byte
	Caption     string
	Silent      bool
}

// Payload is the fully prepared content of one email, sent in field order
type Payload struct {
	Texts       []Segment
	Files       []Document
	Attachments []Document
}

// Len returns the number of platform messages the payload produces
func (p *Payload) Len() int {
	return len(p.Texts) + len(p.Files) + len(p.Attachments)
}

// TelegramFormatter prepares emails for Telegram
type TelegramFormatter struct {
	html     *parser.HTMLParser
	codes    *parser.CodeDetector
	location *time.Location
	logger   *slog.Logger
}

// NewTelegramFormatter creates a new Telegram formatter
func NewTelegramFormatter(logger *slog.Logger) *TelegramFormatter {
	return &TelegramFormatter{
		html:     parser.NewHTMLParser(),
		codes:    parser.NewCodeDetector(),
		location: time.Local,
		logger:   logger.With("component", "formatter"),
	}
}

// Compose renders every part of msg. A part that fails to render as HTML
// falls back to escaped plain text; Compose itself never fails.
func (f *TelegramFormatter) Compose(msg *email.Message) *Payload {
	p := &Payload{}

	p.Texts = append(p.Texts, f.segment("header", true, nil, func() (string, error) {
		return f.formatHeader(msg), nil
	}, func() string {
		return fmt.Sprintf("Тема: %s\nОт: %s", msg.Subject, msg.From.String())
	}))

	body, links := f.bodyText(msg)
	codes := f.codes.DetectCodes(body, maxCodes)
	p.Texts = append(p.Texts, f.segment("body", false, links, func() (string, error) {
		return f.formatBody(body, codes), nil
	}, func() string {
		return truncate(body, maxTextLength)
	}))

	if strings.TrimSpace(msg.BodyHTML) != "" {
		p.Files = append(p.Files, Document{
			Filename:    HTMLFilename(threading.DisplaySubject(msg.Subject)),
			ContentType: "text/html",
			Data:        []byte(EnsureCharset(msg.BodyHTML)),
			Caption:     "HTML-версия письма",
			Silent:      true,
		})
	}

	for _, att := range msg.Attachments {
		p.Attachments = append(p.Attachments, Document{
			Filename:    SanitizeFilename(att.Filename),
			ContentType: att.ContentType,
			Data:        att.Data,
			Silent:      true,
		})
	}

	return p
}

// segment renders one HTML segment, recovering from panics and rejecting invalid markup
func (f *TelegramFormatter) segment(name string, silent bool, links []parser.Link, render func() (string, error), plain func() string) (seg Segment) {
	seg = Segment{Silent: silent, Links: links}

	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("segment render panicked, using plain text", "segment", name, "panic", r)
			seg.Text, seg.HTML = plain(), false
		}
	}()

	text, err := render()
	if err == nil {
		err = ValidateHTML(text)
	}
	if err != nil {
		f.logger.Warn("segment render failed, using plain text", "segment", name, "error", err)
		seg.Text, seg.HTML = plain(), false
		return seg
	}

	seg.Text, seg.HTML = text, true
	return seg
}

// formatHeader formats the subject and address lines
func (f *TelegramFormatter) formatHeader(msg *email.Message) string {
	var sb strings.Builder

	subject := msg.Subject
	if strings.TrimSpace(subject) == "" {
		subject = threading.NoSubjectTitle
	}
	sb.WriteString(fmt.Sprintf("<b>Тема:</b> %s\n", EscapeHTML(subject)))
	sb.WriteString(fmt.Sprintf("<b>От:</b> %s\n", EscapeHTML(msg.From.String())))
	if to := joinAddresses(msg.To); to != "" {
		sb.WriteString(fmt.Sprintf("<b>Кому:</b> %s\n", EscapeHTML(to)))
	}
	if cc := joinAddresses(msg.Cc); cc != "" {
		sb.WriteString(fmt.Sprintf("<b>Копия:</b> %s\n", EscapeHTML(cc)))
	}
	if !msg.Date.IsZero() {
		sb.WriteString(fmt.Sprintf("<b>Дата:</b> %s", msg.Date.In(f.location).Format("02.01.2006 15:04")))
	}

	return strings.TrimRight(sb.String(), "\n")
}

// bodyText prefers the HTML-derived text and falls back to the plain part
func (f *TelegramFormatter) bodyText(msg *email.Message) (string, []parser.Link) {
	var links []parser.Link
	body := msg.BodyText

	if msg.BodyHTML != "" {
		text, err := f.html.Parse(msg.BodyHTML)
		if err != nil {
			f.logger.Warn("failed to convert HTML body", "error", err)
		} else if text != "" {
			body = text
		}

		links, err = f.html.ExtractLinks(msg.BodyHTML, maxLinks)
		if err != nil {
			f.logger.Warn("failed to extract links", "error", err)
		}
	}

	body = strings.TrimSpace(body)
	if body == "" {
		body = "(пустое письмо)"
	}
	return body, links
}

// formatBody formats detected codes and the escaped, truncated body
func (f *TelegramFormatter) formatBody(body string, codes []parser.DetectedCode) string {
	var sb strings.Builder

	if len(codes) > 0 {
		sb.WriteString("<b>Коды:</b> ")
		for i, code := range codes {
			if i > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(fmt.Sprintf("<code>%s</code>", EscapeHTML(code.Value)))
		}
		sb.WriteString("\n\n")
	}

	sb.WriteString(EscapeHTML(truncate(body, maxTextLength-sb.Len()-50)))
	return sb.String()
}

// EscapeHTML escapes HTML special characters for Telegram
func EscapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// truncate truncates text to maxLen characters
func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 100
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "\n\n... (сообщение обрезано)"
}

func joinAddresses(list []email.Address) string {
	parts := make([]string, 0, len(list))
	for _, a := range list {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}
