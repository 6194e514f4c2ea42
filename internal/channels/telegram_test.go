package channels

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/agentflow/internal/bus"
	"github.com/basket/agentflow/internal/directory"
	"github.com/basket/agentflow/internal/engine"
	"github.com/basket/agentflow/internal/persistence"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	subs []engine.SubmitRequest
}

func (f *fakeSubmitter) Submit(_ context.Context, req engine.SubmitRequest) (persistence.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, req)
	return persistence.Task{ID: "task-1", AgentID: req.AgentID, Status: persistence.TaskStatusQueued}, nil
}

func newTelegramHarness(t *testing.T) (*TelegramChannel, *fakeSubmitter, *bus.Bus) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentflow.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	for _, id := range []string{"coder", "reviewer"} {
		if _, err := store.CreateAgent(ctx, persistence.Agent{ID: id, Name: id, Provider: "anthropic", Model: "m"}); err != nil {
			t.Fatalf("seed agent: %v", err)
		}
	}

	b := bus.New()
	sub := &fakeSubmitter{}
	ch := NewTelegram("test-token", []int64{42}, sub, directory.New(store), b, nil)
	return ch, sub, b
}

func TestHandleMessageRoutesMention(t *testing.T) {
	ch, sub, _ := newTelegramHarness(t)
	ch.handleMessage(context.Background(), &tgbotapi.Message{
		Text: "@reviewer please check this",
		From: &tgbotapi.User{ID: 42, UserName: "ada"},
		Chat: &tgbotapi.Chat{ID: 4242},
	})

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.subs) != 1 {
		t.Fatalf("submissions = %d, want 1", len(sub.subs))
	}
	got := sub.subs[0]
	if got.AgentID != "reviewer" || got.RawMessage != "please check this" {
		t.Fatalf("submitted = %+v", got)
	}
	if got.Channel != ChannelTelegram || got.SenderID != "4242" {
		t.Fatalf("channel/sender = %q %q", got.Channel, got.SenderID)
	}

	ch.pendingMu.Lock()
	defer ch.pendingMu.Unlock()
	if ch.pendingTasks["task-1"] != 4242 {
		t.Fatalf("pending map = %v", ch.pendingTasks)
	}
}

func TestHandleMessageIgnoresEmptyText(t *testing.T) {
	ch, sub, _ := newTelegramHarness(t)
	ch.handleMessage(context.Background(), &tgbotapi.Message{
		Text: "   ",
		From: &tgbotapi.User{ID: 42},
		Chat: &tgbotapi.Chat{ID: 4242},
	})
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.subs) != 0 {
		t.Fatalf("empty message was submitted: %+v", sub.subs)
	}
}

func TestMonitorCompletionsRepliesOnTerminal(t *testing.T) {
	ch, _, b := newTelegramHarness(t)

	var mu sync.Mutex
	var sent []string
	ch.send = func(chatID int64, text string) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, text)
		return nil
	}
	ch.pendingMu.Lock()
	ch.pendingTasks["t-done"] = 4242
	ch.pendingTasks["t-fail"] = 4242
	ch.pendingMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.monitorCompletions(ctx)

	waitForTelegramSubscriber(t, b)
	// Processing events are not replies.
	b.Publish(bus.TopicTaskUpdated, bus.TaskUpdate{
		TaskID: "t-done", Status: "processing",
		Task: persistence.Task{ID: "t-done", Status: persistence.TaskStatusProcessing},
	})
	b.Publish(bus.TopicTaskUpdated, bus.TaskUpdate{
		TaskID: "t-done", Status: "done",
		Task: persistence.Task{ID: "t-done", Status: persistence.TaskStatusDone, Result: "all set"},
	})
	b.Publish(bus.TopicTaskUpdated, bus.TaskUpdate{
		TaskID: "t-fail", Status: "failed",
		Task: persistence.Task{ID: "t-fail", Status: persistence.TaskStatusFailed, Error: "provider error: boom"},
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(sent)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 2 || sent[0] != "all set" {
		t.Fatalf("replies = %v", sent)
	}
	ch.pendingMu.Lock()
	defer ch.pendingMu.Unlock()
	if len(ch.pendingTasks) != 0 {
		t.Fatalf("pending map not drained: %v", ch.pendingTasks)
	}
}

func waitForTelegramSubscriber(t *testing.T, b *bus.Bus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b.SubscriberCount() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("completion monitor never subscribed")
}
