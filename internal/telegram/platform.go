package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/tgmailsync/internal/formatter"
	"github.com/mixelka/tgmailsync/internal/retry"
)

// topicIconColor is the blue of the allowed forum topic colors
const topicIconColor = 0x6FB9F0

// API is the subset of the Bot API the platform adapter uses
type API interface {
	CreateForumTopic(ctx context.Context, params *bot.CreateForumTopicParams) (*models.ForumTopic, error)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*models.Message, error)
}

// Platform creates forum topics and posts email content into them
type Platform struct {
	api    API
	logger *slog.Logger
}

// NewPlatform creates a new platform adapter
func NewPlatform(api API, logger *slog.Logger) *Platform {
	return &Platform{
		api:    api,
		logger: logger.With("component", "telegram_platform"),
	}
}

// CreateTopic creates a forum topic and returns its thread id
func (p *Platform) CreateTopic(ctx context.Context, chatID int64, title string) (int, error) {
	topic, err := p.api.CreateForumTopic(ctx, &bot.CreateForumTopicParams{
		ChatID:    chatID,
		Name:      title,
		IconColor: topicIconColor,
	})
	if err != nil {
		return 0, classify(fmt.Errorf("failed to create topic: %w", err))
	}
	if topic == nil || topic.MessageThreadID == 0 {
		return 0, retry.Permanent(errors.New("failed to create topic: empty response"))
	}

	p.logger.Info("topic created", "chat_id", chatID, "thread_id", topic.MessageThreadID, "title", title)
	return topic.MessageThreadID, nil
}

// SendText posts one text segment. Markup the platform cannot parse is resent once as plain text.
func (p *Platform) SendText(ctx context.Context, chatID int64, threadID int, seg formatter.Segment) error {
	params := &bot.SendMessageParams{
		ChatID:              chatID,
		MessageThreadID:     threadID,
		Text:                seg.Text,
		DisableNotification: seg.Silent,
	}
	if seg.HTML {
		params.ParseMode = models.ParseModeHTML
	}
	if kb := formatter.BuildLinkKeyboard(seg.Links); kb != nil {
		params.ReplyMarkup = kb
	}

	_, err := p.api.SendMessage(ctx, params)
	if err != nil && seg.HTML && isParseError(err) {
		p.logger.Warn("markup rejected, resending as plain text", "chat_id", chatID, "thread_id", threadID, "error", err)
		params.ParseMode = ""
		params.Text = formatter.StripHTML(seg.Text)
		_, err = p.api.SendMessage(ctx, params)
	}
	if err != nil {
		return classify(fmt.Errorf("failed to send message: %w", err))
	}
	return nil
}

// SendDocument uploads one file
func (p *Platform) SendDocument(ctx context.Context, chatID int64, threadID int, doc formatter.Document) error {
	_, err := p.api.SendDocument(ctx, &bot.SendDocumentParams{
		ChatID:          chatID,
		MessageThreadID: threadID,
		Document: &models.InputFileUpload{
			Filename: doc.Filename,
			Data:     bytes.NewReader(doc.Data),
		},
		Caption:             doc.Caption,
		DisableNotification: doc.Silent,
	})
	if err != nil {
		return classify(fmt.Errorf("failed to send document %s: %w", doc.Filename, err))
	}
	return nil
}

// classify marks errors that a retry cannot fix, and honors flood-control delays
func classify(err error) error {
	var flood *bot.TooManyRequestsError
	switch {
	case errors.As(err, &flood):
		return retry.After(time.Duration(flood.RetryAfter)*time.Second, err)
	case errors.Is(err, bot.ErrorBadRequest),
		errors.Is(err, bot.ErrorForbidden),
		errors.Is(err, bot.ErrorUnauthorized),
		errors.Is(err, bot.ErrorNotFound):
		return retry.Permanent(err)
	default:
		return err
	}
}

func isParseError(err error) bool {
	return errors.Is(err, bot.ErrorBadRequest) && strings.Contains(err.Error(), "can't parse entities")
}
