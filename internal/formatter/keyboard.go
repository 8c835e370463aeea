package formatter

import (
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/tgmailsync/internal/parser"
)

const maxButtonText = 64

// BuildLinkKeyboard creates an inline keyboard with one URL button per row
func BuildLinkKeyboard(links []parser.Link) *models.InlineKeyboardMarkup {
	if len(links) == 0 {
		return nil
	}

	rows := make([][]models.InlineKeyboardButton, 0, len(links))
	for _, link := range links {
		text := []rune(link.Text)
		if len(text) > maxButtonText {
			text = append(text[:maxButtonText-1], '…')
		}
		rows = append(rows, []models.InlineKeyboardButton{{
			Text: string(text),
			URL:  link.URL,
		}})
	}

	return &models.InlineKeyboardMarkup{
		InlineKeyboard: rows,
	}
}
