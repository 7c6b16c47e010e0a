package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier sends notifications via the Telegram Bot API, with
// the deep-link buttons attached as an inline keyboard.
type TelegramNotifier struct {
	baseURL  string
	botToken string
	chatID   string // default chat; a notification's ChatGroup wins
	client   *http.Client
}

// NewTelegramNotifier creates a Telegram notifier.
// botToken: Bot API token from @BotFather
// chatID: default target chat/group/channel ID
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		baseURL:  telegramAPI,
		botToken: botToken,
		chatID:   chatID,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) Send(ctx context.Context, n *model.Notification) error {
	chat := n.ChatGroup
	if chat == "" {
		chat = t.chatID
	}

	payload := map[string]interface{}{
		"chat_id":    chat,
		"text":       escapeMarkdown(n.Content),
		"parse_mode": "MarkdownV2",
	}
	if len(n.Buttons) > 0 {
		row := make([]map[string]string, 0, len(n.Buttons))
		for _, b := range n.Buttons {
			row = append(row, map[string]string{"text": b.Text, "url": b.URL})
		}
		payload["reply_markup"] = map[string]interface{}{
			"inline_keyboard": [][]map[string]string{row},
		}
	}

	body, _ := json.Marshal(payload)
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}

	log.Printf("[telegram] sent %s for %s %s", n.StrategyType, n.TokenAddress, n.Timeframe)
	return nil
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	specials := []byte{'_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!'}
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		for _, sp := range specials {
			if s[i] == sp {
				buf.WriteByte('\\')
				break
			}
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}
