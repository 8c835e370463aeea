package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/tgmailsync/internal/formatter"
	"github.com/mixelka/tgmailsync/internal/poller"
	appmodels "github.com/mixelka/tgmailsync/pkg/models"
)

// checkTimeout bounds a manual check started from chat
const checkTimeout = 10 * time.Minute

// handleCheck handles /check command
func (b *Bot) handleCheck(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message

	if msg.Chat.Type != "private" && msg.From != nil {
		isAdmin, err := b.isUserAdmin(ctx, msg.Chat.ID, msg.From.ID)
		if err != nil {
			b.logger.Error("failed to check admin status", "error", err)
			b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Ошибка проверки прав")
			return
		}
		if !isAdmin {
			b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Только администраторы могут запускать проверку почты")
			return
		}
	}

	if !b.checking.CompareAndSwap(false, true) {
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Проверка уже выполняется")
		return
	}
	defer b.checking.Store(false)

	b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Проверяю почту...")

	// The update context ends with the handler; the check must outlive a slow chat
	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkTimeout)
	defer cancel()

	delivered, err := b.checker.CheckNow(checkCtx)
	if err != nil {
		b.logger.Error("manual check failed", "error", err)
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, fmt.Sprintf("Ошибка проверки: %s", formatter.EscapeHTML(err.Error())))
		return
	}

	b.logger.Info("manual check completed", "chat_id", msg.Chat.ID, "delivered", delivered)
	b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, checkResultText(delivered))
}

// handleStatus handles /status command
func (b *Bot) handleStatus(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message

	// Get all accounts for this chat
	accounts, err := b.accounts.GetAccountsByChatID(ctx, msg.Chat.ID)
	if err != nil {
		b.logger.Error("failed to get accounts", "error", err)
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "Ошибка получения списка аккаунтов")
		return
	}

	if len(accounts) == 0 {
		b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, "В этой группе нет подключенных почтовых аккаунтов")
		return
	}

	b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, formatStatus(accounts, b.checker.Status()))
}

func checkResultText(delivered int) string {
	if delivered == 0 {
		return "Новых писем нет"
	}
	return fmt.Sprintf("Доставлено новых писем: %d", delivered)
}

// formatStatus renders the last cycle of every account of a chat
func formatStatus(accounts []*appmodels.Account, statuses []poller.AccountStatus) string {
	byID := make(map[int64]poller.AccountStatus, len(statuses))
	for _, s := range statuses {
		byID[s.AccountID] = s
	}

	var sb strings.Builder
	sb.WriteString("<b>Подключенные почтовые аккаунты:</b>\n\n")

	for _, acc := range accounts {
		s, polled := byID[acc.ID]

		statusEmoji := "🟢"
		switch {
		case !acc.IsActive:
			statusEmoji = "⚪"
		case !polled:
			statusEmoji = "🟡"
		case s.Err != nil:
			statusEmoji = "🔴"
		}

		sb.WriteString(fmt.Sprintf("%s <b>%s</b>\n", statusEmoji, formatter.EscapeHTML(acc.Email)))
		sb.WriteString(fmt.Sprintf("   Сервер: %s\n", formatter.EscapeHTML(acc.IMAPServer)))

		switch {
		case !acc.IsActive:
			sb.WriteString("   Статус: отключен\n\n")
		case !polled:
			sb.WriteString("   Статус: ещё не проверялся\n\n")
		default:
			sb.WriteString(fmt.Sprintf("   Последняя проверка: %s\n", s.LastRun.Format(time.DateTime)))
			sb.WriteString(fmt.Sprintf("   Доставлено: %d, ошибок: %d\n", s.Delivered, s.Failed))
			if s.Err != nil {
				sb.WriteString(fmt.Sprintf("   Ошибка: <code>%s</code>\n", formatter.EscapeHTML(s.Err.Error())))
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}
