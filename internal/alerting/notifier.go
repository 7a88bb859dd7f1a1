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
	"github.com/shopspring/decimal"

	"card-deal-alerts/internal/listing"
)

// Notification carries the context of one deal alert.
type Notification struct {
	Deal     listing.Deal
	SpotUSD  *decimal.Decimal
	Channels []string
	SeenAt   time.Time
}

// Notifier delivers deal alerts to a channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes deal alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram deal notifier.
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

// Notify calls the sendMessage API with a rendered deal summary.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
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
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Str("token_mint", note.Deal.TokenMint).
		Str("category", note.Deal.CartelCategory).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("deal alert sent (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	deal := note.Deal

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Snipe Alert] %s\n", deal.Name))
	builder.WriteString(fmt.Sprintf("Tier: %s\n", deal.CartelCategory))
	if deal.Grade != "" {
		builder.WriteString(fmt.Sprintf("Grade: %s %s\n", deal.GradingCompany, deal.Grade))
	}
	if deal.PriceAmount != nil {
		builder.WriteString(fmt.Sprintf("Price: %s SOL", deal.PriceAmount.StringFixed(3)))
		if deal.PriceUSD != nil {
			builder.WriteString(fmt.Sprintf(" (~$%s)", deal.PriceUSD.StringFixed(2)))
		}
		builder.WriteString("\n")
	}
	if deal.AltValue != nil {
		builder.WriteString(fmt.Sprintf("Alt value: $%s", deal.AltValue.StringFixed(2)))
		if deal.AltValueConfidence != nil {
			builder.WriteString(fmt.Sprintf(" (confidence %.0f)", *deal.AltValueConfidence))
		}
		builder.WriteString("\n")
	}
	if deal.DiffPercent != nil {
		builder.WriteString(fmt.Sprintf("Diff: %s%%\n", deal.DiffPercent.StringFixed(2)))
	}
	builder.WriteString(fmt.Sprintf("Mint: %s\n", deal.TokenMint))
	if !note.SeenAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Seen: %s UTC\n", note.SeenAt.UTC().Format(time.RFC3339)))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
