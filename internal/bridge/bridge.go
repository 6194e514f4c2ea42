// Package bridge talks to the external WhatsApp bridge process. The
// bridge pushes inbound messages to the gateway over HTTP; this client
// covers the reverse direction, posting finished replies to its /send
// endpoint.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/agentflow/internal/persistence"
)

// FailureReply is sent in place of a result when a task fails. The text
// is deliberately generic; the real error stays in the task record.
const FailureReply = "Sorry, I ran into a problem handling that message. Please try again."

// Client posts outbound messages to the bridge.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New builds a client for the bridge at baseURL. An empty baseURL
// yields a nil client, which the engine treats as "no delivery".
func New(baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

type sendRequest struct {
	SenderID string `json:"sender_id"`
	Message  string `json:"message"`
	Channel  string `json:"channel"`
}

// DeliverResult posts the reply text back to the task's origin. Group
// messages go to the group id so the reply lands in the group chat.
func (c *Client) DeliverResult(ctx context.Context, task persistence.Task, text string) error {
	return c.send(ctx, deliveryTarget(task), text, task.Channel)
}

// DeliverFailure posts the generic apology to the task's origin.
func (c *Client) DeliverFailure(ctx context.Context, task persistence.Task) error {
	return c.send(ctx, deliveryTarget(task), FailureReply, task.Channel)
}

func deliveryTarget(task persistence.Task) string {
	if task.GroupID != "" {
		return task.GroupID
	}
	return task.SenderID
}

func (c *Client) send(ctx context.Context, target, text, channel string) error {
	body, err := json.Marshal(sendRequest{SenderID: target, Message: text, Channel: channel})
	if err != nil {
		return fmt.Errorf("encode send request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post to bridge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bridge /send returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	c.logger.Debug("reply delivered via bridge", "target", target, "channel", channel)
	return nil
}
