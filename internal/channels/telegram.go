package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/agentflow/internal/bus"
	"github.com/basket/agentflow/internal/directory"
	"github.com/basket/agentflow/internal/engine"
	"github.com/basket/agentflow/internal/persistence"
	"github.com/basket/agentflow/internal/routing"
)

// ChannelTelegram is the channel name used for conversation keys and
// task rows created by this adapter.
const ChannelTelegram = "telegram"

// Submitter is the engine surface the adapter needs.
type Submitter interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (persistence.Task, error)
}

// TelegramChannel long-polls the Bot API, routes messages through the
// agent resolver, and replies when the resulting task finishes.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	engine     Submitter
	directory  *directory.Directory
	eventBus   *bus.Bus
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	send       func(chatID int64, text string) error

	pendingMu    sync.Mutex
	pendingTasks map[string]int64 // task id -> chat id
}

// NewTelegram builds the adapter. An empty allowedIDs list rejects all
// senders; allowlisting is deliberate for a bot wired to live agents.
func NewTelegram(token string, allowedIDs []int64, eng Submitter, dir *directory.Directory, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:        token,
		allowedIDs:   allowed,
		engine:       eng,
		directory:    dir,
		eventBus:     eventBus,
		logger:       logger,
		pendingTasks: make(map[string]int64),
	}
}

func (t *TelegramChannel) Name() string { return ChannelTelegram }

// Start connects the bot and runs the long-poll loop with exponential
// reconnect backoff. It returns nil on context cancellation.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)
	t.send = func(chatID int64, text string) error {
		_, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
		return err
	}

	go t.monitorCompletions(ctx)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or
// nothing arrives within 2.5x the long-poll timeout. The library blocks
// on a dead connection rather than closing the channel, so a stall
// timer forces a reconnect.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied",
					"user_id", update.Message.From.ID,
					"user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	snap, err := t.directory.Snapshot(ctx)
	if err != nil {
		t.logger.Error("telegram: directory snapshot failed", "error", err)
		return
	}
	senderID := strconv.FormatInt(msg.Chat.ID, 10)
	agentID, routed, err := routing.Resolve(snap, text, ChannelTelegram, senderID, "")
	if err != nil {
		t.reply(msg.Chat.ID, fmt.Sprintf("Could not route that message: %v", err))
		return
	}

	task, err := t.engine.Submit(ctx, engine.SubmitRequest{
		AgentID:    agentID,
		SenderID:   senderID,
		SenderName: msg.From.UserName,
		Channel:    ChannelTelegram,
		RawMessage: routed,
	})
	if err != nil {
		t.logger.Error("telegram: submit failed", "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("Could not schedule that message: %v", err))
		return
	}

	t.pendingMu.Lock()
	t.pendingTasks[task.ID] = msg.Chat.ID
	t.pendingMu.Unlock()
}

// monitorCompletions watches task lifecycle events and replies once a
// pending task reaches a terminal state.
func (t *TelegramChannel) monitorCompletions(ctx context.Context) {
	sub := t.eventBus.Subscribe(bus.TopicTaskUpdated)
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			update, ok := ev.Payload.(bus.TaskUpdate)
			if !ok {
				continue
			}
			task, ok := update.Task.(persistence.Task)
			if !ok || !task.Status.Terminal() {
				continue
			}

			t.pendingMu.Lock()
			chatID, pending := t.pendingTasks[task.ID]
			if pending {
				delete(t.pendingTasks, task.ID)
			}
			t.pendingMu.Unlock()
			if !pending {
				continue
			}

			switch task.Status {
			case persistence.TaskStatusDone:
				t.reply(chatID, task.Result)
			case persistence.TaskStatusFailed:
				t.reply(chatID, "Sorry, that request failed. Please try again.")
			}
		}
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if text == "" || t.send == nil {
		return
	}
	if err := t.send(chatID, text); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}
