package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// DefaultTelegramAPI is the Bot API base URL
const DefaultTelegramAPI = "https://api.telegram.org"

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// Telegram sends alerts to a chat through the Bot API
type Telegram struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegram creates a Telegram channel. An empty apiBase uses DefaultTelegramAPI.
func NewTelegram(apiBase, token, chatID string, client *http.Client) *Telegram {
	if apiBase == "" {
		apiBase = DefaultTelegramAPI
	}
	if client == nil {
		client = defaultClient()
	}
	return &Telegram{
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   token,
		chatID:  chatID,
		client:  client,
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, alert Alert) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	return sendJSON(ctx, t.client, url, telegramMessage{
		ChatID:                t.chatID,
		Text:                  FormatTelegramText(alert),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
}

// FormatTelegramText renders an alert as Telegram HTML
func FormatTelegramText(alert Alert) string {
	var b strings.Builder

	b.WriteString(telegramIcon(alert.Severity))
	b.WriteString(" <b>")
	b.WriteString(escapeHTML(alert.Title))
	b.WriteString("</b>\n")

	for _, f := range alert.Fields {
		fmt.Fprintf(&b, "\n<b>%s:</b> %s", escapeHTML(f.Name), escapeHTML(f.Value))
	}
	if alert.Text != "" {
		b.WriteString("\n\n")
		b.WriteString(escapeHTML(alert.Text))
	}
	return b.String()
}

func telegramIcon(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🚨"
	case SeverityWarning:
		return "⚠️"
	default:
		return "✅"
	}
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
