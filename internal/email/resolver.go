package email

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// Common IMAP servers for popular email providers
var knownIMAPServers = map[string]string{
	"gmail.com":       "imap.gmail.com:993",
	"googlemail.com":  "imap.gmail.com:993",
	"outlook.com":     "outlook.office365.com:993",
	"hotmail.com":     "outlook.office365.com:993",
	"live.com":        "outlook.office365.com:993",
	"msn.com":         "outlook.office365.com:993",
	"yahoo.com":       "imap.mail.yahoo.com:993",
	"yahoo.co.uk":     "imap.mail.yahoo.com:993",
	"yandex.ru":       "imap.yandex.ru:993",
	"yandex.com":      "imap.yandex.com:993",
	"mail.ru":         "imap.mail.ru:993",
	"bk.ru":           "imap.mail.ru:993",
	"list.ru":         "imap.mail.ru:993",
	"inbox.ru":        "imap.mail.ru:993",
	"icloud.com":      "imap.mail.me.com:993",
	"me.com":          "imap.mail.me.com:993",
	"mac.com":         "imap.mail.me.com:993",
	"aol.com":         "imap.aol.com:993",
	"zoho.com":        "imap.zoho.com:993",
	"protonmail.com":  "127.0.0.1:1143", // ProtonMail Bridge
	"proton.me":       "127.0.0.1:1143",
	"fastmail.com":    "imap.fastmail.com:993",
	"gmx.com":         "imap.gmx.com:993",
	"gmx.de":          "imap.gmx.net:993",
	"web.de":          "imap.web.de:993",
	"t-online.de":     "secureimap.t-online.de:993",
	"rambler.ru":      "imap.rambler.ru:993",
}

// ResolveIMAPServer determines the IMAP server for an email address.
// Known providers win, then reachable imap./mail. hosts, then the MX host's siblings.
func ResolveIMAPServer(ctx context.Context, email string) (string, error) {
	domain := GetDomainFromEmail(email)
	if domain == "" {
		return "", fmt.Errorf("invalid email format: %q", email)
	}

	if server, ok := knownIMAPServers[domain]; ok {
		return server, nil
	}

	for _, host := range []string{"imap." + domain, "mail." + domain, domain} {
		if probeIMAPS(ctx, host) {
			return net.JoinHostPort(host, imapsPort), nil
		}
	}

	if server, ok := resolveViaMX(ctx, domain); ok {
		return server, nil
	}

	return net.JoinHostPort("imap."+domain, imapsPort), nil
}

// NormalizeServer appends the IMAPS port when the address has none
func NormalizeServer(server string) string {
	server = strings.TrimSpace(server)
	if server == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, imapsPort)
}

const imapsPort = "993"

// probeIMAPS reports whether host accepts TCP on the IMAPS port
func probeIMAPS(ctx context.Context, host string) bool {
	dialer := &net.Dialer{Timeout: 3 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, imapsPort))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// resolveViaMX derives imap.<base> or mail.<base> from the primary MX host,
// e.g. mx.example.com -> imap.example.com
func resolveViaMX(ctx context.Context, domain string) (string, bool) {
	mxRecords, err := net.DefaultResolver.LookupMX(ctx, domain)
	if err != nil || len(mxRecords) == 0 {
		return "", false
	}

	mxHost := strings.TrimSuffix(mxRecords[0].Host, ".")
	parts := strings.SplitN(mxHost, ".", 2)
	if len(parts) != 2 {
		return "", false
	}

	for _, host := range []string{"imap." + parts[1], "mail." + parts[1]} {
		if probeIMAPS(ctx, host) {
			return net.JoinHostPort(host, imapsPort), true
		}
	}
	return "", false
}

// GetDomainFromEmail extracts domain from email address
func GetDomainFromEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[1] == "" {
		return ""
	}
	return strings.ToLower(parts[1])
}
