package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jidegrand/travelcart/internal/storage"
)

// Notifier delivers a persisted notification to the traveler.
type Notifier interface {
	Notify(ctx context.Context, note storage.Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered notification.
func (n *TelegramNotifier) Notify(ctx context.Context, note storage.Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("watch_id", note.WatchID).
		Str("type", string(note.Type)).
		Str("urgency", string(note.Urgency)).
		Msg("notification sent (telegram)")
	return nil
}

func renderMessage(note storage.Notification) string {
	builder := strings.Builder{}
	if note.Urgency == storage.UrgencyHigh {
		builder.WriteString("[travelcart] ")
	} else {
		builder.WriteString("[travelcart · fyi] ")
	}
	builder.WriteString(note.Title)
	builder.WriteString("\n")
	if note.Body != "" {
		builder.WriteString(note.Body)
		builder.WriteString("\n")
	}
	builder.WriteString(fmt.Sprintf("Type: %s\n", note.Type))
	if !note.CreatedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC", note.CreatedAt.UTC().Format(time.RFC3339)))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
