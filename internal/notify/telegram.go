package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/chatbot/internal/types"
)

const maxTelegramMessage = 4096

var levelIcons = map[types.Level]string{
	types.LevelInfo:    "ℹ️",
	types.LevelSuccess: "✅",
	types.LevelWarn:    "⚠️",
	types.LevelError:   "❌",
}

// Telegram forwards notifications to one chat through a bot, so replies that
// finish in the background reach the user's phone.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram creates a sink posting to chatID.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// NewTelegramWithEndpoint is NewTelegram against a custom Bot API endpoint,
// formatted like tgbotapi.APIEndpoint.
func NewTelegramWithEndpoint(token, endpoint string, client *http.Client, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) Send(_ context.Context, n types.Notification) error {
	var b strings.Builder
	if icon, ok := levelIcons[n.Level]; ok {
		b.WriteString(icon + " ")
	}
	b.WriteString(n.Title)
	if n.ConvID != "" {
		fmt.Fprintf(&b, " (%s)", n.ConvID)
	}
	if n.Detail != "" {
		b.WriteString("\n" + n.Detail)
	}

	for _, part := range splitMessage(b.String()) {
		if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, part)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// splitMessage cuts text into chunks Telegram accepts without splitting a
// UTF-8 sequence.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end >= len(text) {
			end = len(text)
		} else {
			for end > 0 && !utf8.RuneStart(text[end]) {
				end--
			}
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
