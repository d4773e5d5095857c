package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/aamat-dev/crew-ia/internal/executor"
	"github.com/aamat-dev/crew-ia/internal/persist"
	"github.com/mymmrac/telego"
)

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, params.Text)
	return &telego.Message{}, nil
}

func TestChunkMessage(t *testing.T) {
	// Short message
	chunks := chunkMessage("hello", 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}

	// Exact limit
	chunks = chunkMessage(strings.Repeat("a", 4096), 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for exact limit, got %d", len(chunks))
	}

	// Over limit
	chunks = chunkMessage(strings.Repeat("a", 8192), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(chunks))
	}

	// Split at newline
	msg := []byte(strings.Repeat("a", 5000))
	msg[3000] = '\n'
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks with newline split, got %d", len(chunks))
	}
	if len(chunks[0]) != 3001 { // Up to and including the newline
		t.Errorf("expected first chunk length 3001, got %d", len(chunks[0]))
	}

	// Multi-byte runes are never split.
	chunks = chunkMessage(strings.Repeat("é", 10), 5)
	for _, c := range chunks {
		if !utf8.ValidString(c) || len(c) > 5 {
			t.Errorf("invalid chunk %q", c)
		}
	}
	if strings.Join(chunks, "") != strings.Repeat("é", 10) {
		t.Error("chunks do not reassemble the message")
	}
}

func TestFormatResult(t *testing.T) {
	tests := []struct {
		name string
		res  *executor.Result
		want []string
	}{
		{
			name: "completed",
			res:  &executor.Result{RunID: "r1", Status: persist.RunCompleted, Completed: []string{"a", "b"}},
			want: []string{"✅ Run r1 completed", "completed: 2, skipped: 0, failed: 0"},
		},
		{
			name: "partial with retries",
			res: &executor.Result{RunID: "r2", Status: persist.RunPartial, Completed: []string{"a"},
				Failed: []string{"b", "c"}, ReplayedCount: 2},
			want: []string{"⚠️ Run r2 partial", "retries: 2", "failed nodes: b, c"},
		},
		{
			name: "canceled",
			res:  &executor.Result{RunID: "r3", Status: persist.RunCanceled, Canceled: []string{"x"}},
			want: []string{"⏹ Run r3 canceled", "canceled nodes: x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatResult(tt.res)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("expected %q in %q", w, got)
				}
			}
		})
	}
}

func TestRunFinishedSends(t *testing.T) {
	fs := &fakeSender{}
	n := &Notifier{bot: fs, chatID: 42, timeout: time.Second}
	n.RunFinished(&executor.Result{RunID: "r1", Status: persist.RunFailed, Failed: []string{"a"}})
	if len(fs.sent) != 1 || !strings.HasPrefix(fs.sent[0], "❌ Run r1 failed") {
		t.Fatalf("unexpected messages %q", fs.sent)
	}

	// Delivery errors are swallowed.
	n.bot = &fakeSender{err: errors.New("network down")}
	n.RunFinished(&executor.Result{RunID: "r2", Status: persist.RunCompleted})
}
