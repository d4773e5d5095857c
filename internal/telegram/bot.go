// Package telegram posts a message to a chat when a run finishes.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aamat-dev/crew-ia/internal/config"
	"github.com/aamat-dev/crew-ia/internal/executor"
	"github.com/aamat-dev/crew-ia/internal/persist"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const maxMessageLen = 4096

// sender is the part of telego.Bot the notifier uses.
type sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

type Notifier struct {
	bot     sender
	chatID  int64
	timeout time.Duration
}

func NewNotifier(cfg config.TelegramConfig) (*Notifier, error) {
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat_id is required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: cfg.ChatID, timeout: 30 * time.Second}, nil
}

// RunFinished reports res to the configured chat. Delivery errors are
// logged, never returned.
func (n *Notifier) RunFinished(res *executor.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if err := n.SendMessage(ctx, formatResult(res)); err != nil {
		slog.Error("failed to send telegram notification", "run", res.RunID, "chat", n.chatID, "error", err)
	}
}

func (n *Notifier) SendMessage(ctx context.Context, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(n.chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// chunkMessage splits text into pieces of at most maxLen bytes. A piece
// ends after the last newline in its second half when there is one, and
// never inside a UTF-8 sequence.
func chunkMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl > maxLen/2 {
			cut = nl + 1
		}
		if cut == 0 {
			cut = maxLen
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}

func statusIcon(s persist.RunStatus) string {
	switch s {
	case persist.RunCompleted:
		return "✅"
	case persist.RunPartial:
		return "⚠️"
	case persist.RunCanceled:
		return "⏹"
	default:
		return "❌"
	}
}

func formatResult(res *executor.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s Run %s %s\n", statusIcon(res.Status), res.RunID, res.Status)
	fmt.Fprintf(&sb, "completed: %d, skipped: %d, failed: %d", len(res.Completed), res.SkippedCount, len(res.Failed))
	if res.ReplayedCount > 0 {
		fmt.Fprintf(&sb, ", retries: %d", res.ReplayedCount)
	}
	if len(res.Failed) > 0 {
		sb.WriteString("\nfailed nodes: " + strings.Join(res.Failed, ", "))
	}
	if len(res.Canceled) > 0 {
		sb.WriteString("\ncanceled nodes: " + strings.Join(res.Canceled, ", "))
	}
	return sb.String()
}
