package telegram

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/tgmailsync/internal/poller"
	appmodels "github.com/mixelka/tgmailsync/pkg/models"
)

// Checker runs mailbox checks on demand
type Checker interface {
	CheckNow(ctx context.Context) (int, error)
	Status() []poller.AccountStatus
}

// AccountLister lists the accounts mirrored into a chat
type AccountLister interface {
	GetAccountsByChatID(ctx context.Context, chatID int64) ([]*appmodels.Account, error)
}

// Bot represents the Telegram bot
type Bot struct {
	bot      *bot.Bot
	checker  Checker
	accounts AccountLister
	logger   *slog.Logger
	checking atomic.Bool
}

// BotDeps dependencies for creating a bot
type BotDeps struct {
	Token    string
	Accounts AccountLister
	Logger   *slog.Logger
}

// NewBot creates a new Telegram bot
func NewBot(deps BotDeps) (*Bot, error) {
	b := &Bot{
		accounts: deps.Accounts,
		logger:   deps.Logger.With("component", "telegram_bot"),
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(b.defaultHandler),
	}

	tgBot, err := bot.New(deps.Token, opts...)
	if err != nil {
		return nil, err
	}

	b.bot = tgBot
	b.registerHandlers()

	return b, nil
}

// SetChecker attaches the poller. It must be called before Start.
func (b *Bot) SetChecker(checker Checker) {
	b.checker = checker
}

// API returns the Bot API client for the platform adapter
func (b *Bot) API() API {
	return b.bot
}

// registerHandlers registers command handlers
func (b *Bot) registerHandlers() {
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/check", bot.MatchTypePrefix, b.handleCheck)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/status", bot.MatchTypePrefix, b.handleStatus)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypePrefix, b.handleStart)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypePrefix, b.handleHelp)
}

// Start starts the bot
func (b *Bot) Start(ctx context.Context) {
	b.logger.Info("starting telegram bot")
	b.bot.Start(ctx)
}

// defaultHandler handles unknown messages
func (b *Bot) defaultHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	// Ignore non-message updates and messages without text
	if update.Message == nil {
		return
	}

	// Log unknown commands
	if update.Message.Text != "" && update.Message.Text[0] == '/' {
		b.logger.Debug("unknown command", "text", update.Message.Text)
	}
}

// handleStart handles /start command
func (b *Bot) handleStart(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	b.handleHelp(ctx, tgBot, update)
}

// handleHelp handles /help command
func (b *Bot) handleHelp(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message

	text := `<b>Email ↔ Telegram</b>

Каждая цепочка писем попадает в отдельный топик этой группы. Ответы на письма продолжают тот же топик.
Удаление топика удаляет письма цепочки из почтового ящика.

<b>Команды:</b>
/check - проверить почту сейчас
/status - показать состояние почтовых ящиков этой группы
/help - эта справка

<b>Важно:</b>
- Используйте в супергруппе с топиками
- Бот должен быть администратором с правом управления топиками
- Только администраторы могут запускать проверку`

	b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, text)
}
