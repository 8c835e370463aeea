package email

import (
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Message is a fetched email with decoded parts
type Message struct {
	UID         uint32
	UIDValidity uint32 // of Mailbox when fetched, 0 if unknown
	Mailbox     string
	MessageID   string // without angle brackets
	InReplyTo   string
	References  []string // oldest first
	From        Address
	To          []Address
	Cc          []Address
	Subject     string
	Date        time.Time
	BodyText    string
	BodyHTML    string
	Attachments []Attachment
}

// Address represents an email address
type Address struct {
	Name    string
	Address string
}

// String formats the address as "Name <addr>" or just addr
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	if a.Address == "" {
		return a.Name
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}

// Attachment is a decoded non-body MIME part
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Recipients joins To and Cc addresses
func (m *Message) Recipients() string {
	all := make([]string, 0, len(m.To)+len(m.Cc))
	for _, a := range m.To {
		all = append(all, a.String())
	}
	for _, a := range m.Cc {
		all = append(all, a.String())
	}
	return strings.Join(all, ", ")
}

// NormalizeMessageID trims whitespace and angle brackets
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// Parse reads an RFC 5322 message. Broken parts are skipped; only a broken header is an error.
func Parse(r io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && mr == nil {
		return nil, fmt.Errorf("failed to create mail reader: %w", err)
	}
	defer mr.Close()

	msg := &Message{}
	parseHeader(msg, mr.Header)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep what was decoded so far
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}

			switch {
			case strings.HasPrefix(ct, "text/html") && msg.BodyHTML == "":
				msg.BodyHTML = string(body)
			case strings.HasPrefix(ct, "text/plain") && msg.BodyText == "":
				msg.BodyText = string(body)
			case !strings.HasPrefix(ct, "text/"):
				// Inline images and the like are forwarded as files
				msg.Attachments = append(msg.Attachments, Attachment{
					Filename:    inlineFilename(h),
					ContentType: ct,
					Data:        body,
				})
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename:    filename,
				ContentType: ct,
				Data:        body,
			})
		}
	}

	return msg, nil
}

func parseHeader(msg *Message, h mail.Header) {
	if id, err := h.MessageID(); err == nil {
		msg.MessageID = NormalizeMessageID(id)
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = NormalizeMessageID(ids[0])
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		for _, id := range ids {
			if id = NormalizeMessageID(id); id != "" {
				msg.References = append(msg.References, id)
			}
		}
	}

	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}
	if date, err := h.Date(); err == nil {
		msg.Date = date
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = Address{Name: from[0].Name, Address: from[0].Address}
	}
	msg.To = addressList(h, "To")
	msg.Cc = addressList(h, "Cc")
}

func addressList(h mail.Header, key string) []Address {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]Address, 0, len(list))
	for _, a := range list {
		out = append(out, Address{Name: a.Name, Address: a.Address})
	}
	return out
}

func inlineFilename(h *mail.InlineHeader) string {
	_, params, err := h.ContentDisposition()
	if err == nil && params["filename"] != "" {
		return params["filename"]
	}
	_, params, err = h.ContentType()
	if err == nil && params["name"] != "" {
		return params["name"]
	}
	return ""
}
