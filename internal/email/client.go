package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/commands"

	"github.com/mixelka/tgmailsync/pkg/models"
)

// ErrNotConnected is returned when the session was closed
var ErrNotConnected = errors.New("not connected")

// Session is one logged-in IMAP connection
type Session interface {
	Select(ctx context.Context, folder string) error
	// UIDValidity of the selected mailbox, 0 if the server did not report one
	UIDValidity() uint32
	SearchUnseen(ctx context.Context) ([]uint32, error)
	Fetch(ctx context.Context, uids []uint32) ([]*Message, error)
	MarkSeen(ctx context.Context, uid uint32) error
	Delete(ctx context.Context, uids []uint32) error
	SearchMessageID(ctx context.Context, messageID string) ([]uint32, error)
	Close() error
}

// Dialer opens sessions for accounts
type Dialer interface {
	Dial(ctx context.Context, account *models.Account) (Session, error)
}

// Decrypter decrypts stored mailbox passwords
type Decrypter interface {
	Decrypt(encrypted string) (string, error)
}

// ClientConfig configuration for IMAP client
type ClientConfig struct {
	Email       string
	Password    string
	Server      string // host:port
	DialTimeout time.Duration
}

// Client IMAP client for a single email account
type Client struct {
	config  ClientConfig
	client  *client.Client
	logger  *slog.Logger
	mu      sync.Mutex
	mailbox string

	uidValidity uint32
}

// Connect dials the server over TLS and logs in
func Connect(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	logger = logger.With("email", cfg.Email)
	logger.Debug("connecting to IMAP server", "server", cfg.Server)

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: timeout}}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	imapClient, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create IMAP client: %w", err)
	}
	imapClient.Timeout = timeout

	if err := imapClient.Login(cfg.Email, cfg.Password); err != nil {
		imapClient.Logout()
		return nil, fmt.Errorf("failed to login: %w", err)
	}

	return &Client{
		config: cfg,
		client: imapClient,
		logger: logger,
	}, nil
}

// Select selects a mailbox read-write
func (c *Client) Select(ctx context.Context, folder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return ErrNotConnected
	}

	status, err := c.client.Select(folder, false)
	if err != nil {
		return fmt.Errorf("failed to select %s: %w", folder, err)
	}
	c.mailbox = folder
	c.uidValidity = status.UidValidity
	return nil
}

// UIDValidity returns the UIDVALIDITY of the selected mailbox
func (c *Client) UIDValidity() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uidValidity
}

// SearchUnseen returns the UIDs of messages without \Seen, ascending
func (c *Client) SearchUnseen(ctx context.Context) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	return c.search(criteria)
}

// SearchMessageID returns the UIDs of messages with the given Message-ID header
func (c *Client) SearchMessageID(ctx context.Context, messageID string) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-Id", "<"+NormalizeMessageID(messageID)+">")
	return c.search(criteria)
}

func (c *Client) search(criteria *imap.SearchCriteria) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, ErrNotConnected
	}

	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// Fetch downloads and parses full messages without setting \Seen
func (c *Client) Fetch(ctx context.Context, uids []uint32) ([]*Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, ErrNotConnected
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)

	go func() {
		done <- c.client.UidFetch(seqSet, items, messages)
	}()

	var out []*Message
	for msg := range messages {
		parsed, err := c.parseMessage(msg, section)
		if err != nil {
			c.logger.Warn("failed to parse message", "uid", msg.Uid, "mailbox", c.mailbox, "error", err)
			continue
		}
		out = append(out, parsed)
	}

	if err := <-done; err != nil {
		return out, fmt.Errorf("failed to fetch: %w", err)
	}

	return out, nil
}

// parseMessage parses an IMAP message, filling gaps from the envelope
func (c *Client) parseMessage(msg *imap.Message, section *imap.BodySectionName) (*Message, error) {
	body := msg.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("server returned no body")
	}

	parsed, err := Parse(body)
	if err != nil {
		return nil, err
	}

	parsed.UID = msg.Uid
	parsed.UIDValidity = c.uidValidity
	parsed.Mailbox = c.mailbox

	if env := msg.Envelope; env != nil {
		if parsed.MessageID == "" {
			parsed.MessageID = NormalizeMessageID(env.MessageId)
		}
		if parsed.InReplyTo == "" {
			parsed.InReplyTo = NormalizeMessageID(env.InReplyTo)
		}
		if parsed.Subject == "" {
			parsed.Subject = env.Subject
		}
		if parsed.Date.IsZero() {
			parsed.Date = env.Date
		}
		if parsed.From.Address == "" && len(env.From) > 0 {
			parsed.From = Address{Name: env.From[0].PersonalName, Address: env.From[0].Address()}
		}
	}
	if parsed.Date.IsZero() {
		parsed.Date = msg.InternalDate
	}

	return parsed, nil
}

// MarkSeen adds the \Seen flag
func (c *Client) MarkSeen(ctx context.Context, uid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return ErrNotConnected
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}

	if err := c.client.UidStore(seqSet, item, flags, nil); err != nil {
		return fmt.Errorf("failed to mark as read: %w", err)
	}

	return nil
}

// Delete flags messages \Deleted and expunges them. Without UIDPLUS the whole
// selected mailbox is expunged.
func (c *Client) Delete(ctx context.Context, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return ErrNotConnected
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}

	if err := c.client.UidStore(seqSet, item, flags, nil); err != nil {
		return fmt.Errorf("failed to mark as deleted: %w", err)
	}

	uidPlus, err := c.client.Support("UIDPLUS")
	if err != nil {
		return fmt.Errorf("failed to check capabilities: %w", err)
	}
	if !uidPlus {
		c.logger.Warn("server lacks UIDPLUS, expunging whole mailbox", "mailbox", c.mailbox)
		if err := c.client.Expunge(nil); err != nil {
			return fmt.Errorf("failed to expunge: %w", err)
		}
		return nil
	}

	status, err := c.client.Execute(&commands.Uid{Cmd: &expungeCmd{seqSet: seqSet}}, nil)
	if err != nil {
		return fmt.Errorf("failed to expunge: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("failed to expunge: %w", err)
	}

	return nil
}

// expungeCmd is EXPUNGE limited to a UID set, sent as UID EXPUNGE (RFC 4315)
type expungeCmd struct {
	seqSet *imap.SeqSet
}

func (cmd *expungeCmd) Command() *imap.Command {
	return &imap.Command{Name: "EXPUNGE", Arguments: []interface{}{cmd.seqSet}}
}

// Close logs out, forcing the connection closed if the server hangs
func (c *Client) Close() error {
	c.mu.Lock()
	imapClient := c.client
	c.client = nil
	c.mu.Unlock()

	if imapClient == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- imapClient.Logout()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		return imapClient.Terminate()
	}
}

// IMAPDialer opens sessions with stored, encrypted account credentials
type IMAPDialer struct {
	dialTimeout time.Duration
	secrets     Decrypter
	logger      *slog.Logger
}

// NewDialer creates a new IMAP dialer
func NewDialer(dialTimeout time.Duration, secrets Decrypter, logger *slog.Logger) *IMAPDialer {
	return &IMAPDialer{
		dialTimeout: dialTimeout,
		secrets:     secrets,
		logger:      logger.With("component", "imap"),
	}
}

// Dial implements Dialer
func (d *IMAPDialer) Dial(ctx context.Context, account *models.Account) (Session, error) {
	password, err := d.secrets.Decrypt(account.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt password: %w", err)
	}

	c, err := Connect(ctx, ClientConfig{
		Email:       account.Email,
		Password:    password,
		Server:      account.IMAPServer,
		DialTimeout: d.dialTimeout,
	}, d.logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}
