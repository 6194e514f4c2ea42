package gateway

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentflow/internal/bus"
	"github.com/basket/agentflow/internal/directory"
	"github.com/basket/agentflow/internal/persistence"
)

func dialEvents(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := strings.Replace(srv.URL, "http://", "ws://", 1) + "/ws/events"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frame map[string]any
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestEventStreamForwardsBusEvents(t *testing.T) {
	h := newGatewayHarness(t)
	conn := dialEvents(t, h.srv)

	// The subscription races the dial; give the handler a beat to attach.
	waitForSubscriber(t, h.bus)

	h.bus.Publish(bus.TopicTaskUpdated, bus.TaskUpdate{
		TaskID: "t1", Status: "processing",
		Task: persistence.Task{ID: "t1", AgentID: "coder", Status: persistence.TaskStatusProcessing},
	})
	frame := readFrame(t, conn)
	if frame["type"] != "task_update" {
		t.Fatalf("frame = %v", frame)
	}
	task, ok := frame["task"].(map[string]any)
	if !ok || task["id"] != "t1" || task["status"] != "processing" {
		t.Fatalf("task frame payload = %v", frame["task"])
	}

	h.bus.Publish(bus.TopicMessageAppended, bus.MessageAppended{
		ConversationID: "c1",
		Message:        persistence.Message{ID: 7, ConversationID: "c1", Role: "assistant", Content: "hi"},
	})
	frame = readFrame(t, conn)
	if frame["type"] != "message" || frame["conversation_id"] != "c1" {
		t.Fatalf("message frame = %v", frame)
	}

	h.bus.Publish(bus.TopicLog, bus.LogLine{Level: "WARN", Text: "task failed"})
	frame = readFrame(t, conn)
	if frame["type"] != "log" || frame["level"] != "WARN" || frame["text"] != "task failed" {
		t.Fatalf("log frame = %v", frame)
	}
}

func TestEventStreamDiscardsInboundFrames(t *testing.T) {
	h := newGatewayHarness(t)
	conn := dialEvents(t, h.srv)
	waitForSubscriber(t, h.bus)

	// Keepalives must not disturb the stream.
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := conn.Write(ctx, websocket.MessageText, []byte(`"ping"`)); err != nil {
			t.Fatalf("write ping: %v", err)
		}
	}

	h.bus.Publish(bus.TopicTaskUpdated, bus.TaskUpdate{
		TaskID: "t2", Status: "done", Task: persistence.Task{ID: "t2"},
	})
	frame := readFrame(t, conn)
	if frame["type"] != "task_update" {
		t.Fatalf("frame after pings = %v", frame)
	}
}

func TestEventStreamUnsubscribesOnDisconnect(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentflow.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	b := bus.New()
	gw := New(Config{
		Store:     store,
		Directory: directory.New(store),
		Engine:    &stubEngine{store: store},
		Bus:       b,
	})
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	conn := dialEvents(t, srv)
	waitForSubscriber(t, b)
	conn.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b.SubscriberCount() == 0 && gw.clientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscriber leaked: bus=%d clients=%d", b.SubscriberCount(), gw.clientCount())
}

func waitForSubscriber(t *testing.T, b *bus.Bus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b.SubscriberCount() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("event handler never subscribed to the bus")
}
