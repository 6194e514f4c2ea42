package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentflow/internal/bus"
	"github.com/basket/agentflow/internal/directory"
	"github.com/basket/agentflow/internal/persistence"
)

// invokerFunc adapts a function to the Invoker interface.
type invokerFunc func(ctx context.Context, agent persistence.Agent, history []persistence.Message, input string) (string, error)

func (f invokerFunc) Generate(ctx context.Context, agent persistence.Agent, history []persistence.Message, input string) (string, error) {
	return f(ctx, agent, history, input)
}

type testHarness struct {
	store  *persistence.Store
	bus    *bus.Bus
	engine *Engine
}

func newHarness(t *testing.T, inv Invoker, mutate func(*Config)) *testHarness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentflow.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, a := range []persistence.Agent{
		{ID: "coder", Name: "Coder", Provider: "anthropic", Model: "claude-x"},
		{ID: "reviewer", Name: "Reviewer", Provider: "anthropic", Model: "claude-x"},
	} {
		if _, err := store.CreateAgent(ctx, a); err != nil {
			t.Fatalf("seed agent %s: %v", a.ID, err)
		}
	}

	b := bus.New()
	cfg := Config{
		Store:        store,
		Directory:    directory.New(store),
		Invoker:      inv,
		Bus:          b,
		Workers:      2,
		TaskTimeout:  5 * time.Second,
		RetryBackoff: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	eng := New(cfg)
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { eng.Drain(5 * time.Second) })

	return &testHarness{store: store, bus: b, engine: eng}
}

func (h *testHarness) submit(t *testing.T, req SubmitRequest) persistence.Task {
	t.Helper()
	task, err := h.engine.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return task
}

func waitForStatus(t *testing.T, store *persistence.Store, taskID string, want persistence.TaskStatus) persistence.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(context.Background(), taskID)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := store.GetTask(context.Background(), taskID)
	t.Fatalf("task %s never reached %s (now %s, error %q)", taskID, want, task.Status, task.Error)
	return persistence.Task{}
}

func TestEngineCompletesTask(t *testing.T) {
	h := newHarness(t, invokerFunc(func(_ context.Context, agent persistence.Agent, history []persistence.Message, input string) (string, error) {
		return "hello from " + agent.ID, nil
	}), nil)

	task := h.submit(t, SubmitRequest{
		AgentID: "coder", SenderID: "u1", SenderName: "Ada", Channel: "whatsapp",
		RawMessage: "hi there",
	})
	done := waitForStatus(t, h.store, task.ID, persistence.TaskStatusDone)
	if done.Result != "hello from coder" {
		t.Fatalf("result = %q", done.Result)
	}

	// Both turns landed in the conversation.
	conv, err := h.store.GetOrCreateConversation(context.Background(), "coder", "u1", "Ada", "whatsapp")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	msgs, err := h.store.ConversationMessages(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("conversation turns = %+v", msgs)
	}
}

func TestEngineSerializesPerConversationKey(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	release := make(chan struct{})
	h := newHarness(t, invokerFunc(func(_ context.Context, _ persistence.Agent, _ []persistence.Message, input string) (string, error) {
		mu.Lock()
		seen = append(seen, input)
		mu.Unlock()
		<-release
		return "ok", nil
	}), func(cfg *Config) { cfg.Workers = 4 })

	var tasks []persistence.Task
	for i := 0; i < 4; i++ {
		tasks = append(tasks, h.submit(t, SubmitRequest{
			AgentID: "coder", SenderID: "u1", Channel: "whatsapp",
			RawMessage: fmt.Sprintf("msg-%d", i),
		}))
	}

	// Only the first message on the key may reach the provider while the
	// call is held open, even with four idle workers.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	inFlight := len(seen)
	mu.Unlock()
	if inFlight != 1 {
		t.Fatalf("%d provider calls in flight on one key, want 1", inFlight)
	}

	close(release)
	for _, task := range tasks {
		waitForStatus(t, h.store, task.ID, persistence.TaskStatusDone)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, input := range seen {
		if want := fmt.Sprintf("msg-%d", i); input != want {
			t.Fatalf("provider call order = %v", seen)
		}
	}
}

func TestEngineDistinctKeysRunConcurrently(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan struct{})
	h := newHarness(t, invokerFunc(func(_ context.Context, agent persistence.Agent, _ []persistence.Message, _ string) (string, error) {
		started <- agent.ID
		<-release
		return "ok", nil
	}), nil)

	t1 := h.submit(t, SubmitRequest{AgentID: "coder", SenderID: "u1", Channel: "whatsapp", RawMessage: "a"})
	t2 := h.submit(t, SubmitRequest{AgentID: "reviewer", SenderID: "u1", Channel: "whatsapp", RawMessage: "b"})

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("distinct conversation keys did not run concurrently")
		}
	}
	close(release)
	waitForStatus(t, h.store, t1.ID, persistence.TaskStatusDone)
	waitForStatus(t, h.store, t2.ID, persistence.TaskStatusDone)
}

func TestEngineProviderFailurePublishesTwoEvents(t *testing.T) {
	h := newHarness(t, invokerFunc(func(_ context.Context, _ persistence.Agent, _ []persistence.Message, _ string) (string, error) {
		return "", errors.New("invalid api key")
	}), nil)
	sub := h.bus.Subscribe(bus.TopicTaskUpdated)
	defer h.bus.Unsubscribe(sub)

	task := h.submit(t, SubmitRequest{AgentID: "coder", SenderID: "u1", Channel: "whatsapp", RawMessage: "hi"})
	failed := waitForStatus(t, h.store, task.ID, persistence.TaskStatusFailed)
	if !strings.HasPrefix(failed.Error, "provider error:") {
		t.Fatalf("failure taxonomy = %q", failed.Error)
	}

	var statuses []string
	deadline := time.After(2 * time.Second)
	for len(statuses) < 2 {
		select {
		case ev := <-sub.Ch():
			up, ok := ev.Payload.(bus.TaskUpdate)
			if !ok || up.TaskID != task.ID {
				continue
			}
			statuses = append(statuses, up.Status)
		case <-deadline:
			t.Fatalf("got %v task_update events, want [processing failed]", statuses)
		}
	}
	if statuses[0] != "processing" || statuses[1] != "failed" {
		t.Fatalf("event order = %v", statuses)
	}
	select {
	case ev := <-sub.Ch():
		if up, ok := ev.Payload.(bus.TaskUpdate); ok && up.TaskID == task.ID {
			t.Fatalf("extra task_update event: %v", up.Status)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngineRetriesTransientErrorOnce(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	h := newHarness(t, invokerFunc(func(_ context.Context, _ persistence.Agent, _ []persistence.Message, _ string) (string, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return "", errors.New("429 too many requests")
		}
		return "second try", nil
	}), nil)

	task := h.submit(t, SubmitRequest{AgentID: "coder", SenderID: "u1", Channel: "whatsapp", RawMessage: "hi"})
	done := waitForStatus(t, h.store, task.ID, persistence.TaskStatusDone)
	if done.Result != "second try" {
		t.Fatalf("result = %q", done.Result)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("provider calls = %d, want 2", calls)
	}
}

func TestEngineDoesNotRetryAuthError(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	h := newHarness(t, invokerFunc(func(_ context.Context, _ persistence.Agent, _ []persistence.Message, _ string) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return "", errors.New("401 unauthorized")
	}), nil)

	task := h.submit(t, SubmitRequest{AgentID: "coder", SenderID: "u1", Channel: "whatsapp", RawMessage: "hi"})
	waitForStatus(t, h.store, task.ID, persistence.TaskStatusFailed)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("provider calls = %d, want 1", calls)
	}
}

func TestEngineTimeoutTaxonomy(t *testing.T) {
	h := newHarness(t, invokerFunc(func(ctx context.Context, _ persistence.Agent, _ []persistence.Message, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), func(cfg *Config) { cfg.TaskTimeout = 50 * time.Millisecond })

	task := h.submit(t, SubmitRequest{AgentID: "coder", SenderID: "u1", Channel: "whatsapp", RawMessage: "hi"})
	failed := waitForStatus(t, h.store, task.ID, persistence.TaskStatusFailed)
	if !strings.HasPrefix(failed.Error, "timeout:") {
		t.Fatalf("failure taxonomy = %q", failed.Error)
	}
}

func TestEngineFanoutCreatesSubTasks(t *testing.T) {
	h := newHarness(t, invokerFunc(func(_ context.Context, agent persistence.Agent, _ []persistence.Message, input string) (string, error) {
		if agent.ID == "coder" && !strings.HasPrefix(input, "check") {
			return "On it [@reviewer: check PR#4] done", nil
		}
		return "fine", nil
	}), nil)

	parent := h.submit(t, SubmitRequest{AgentID: "coder", SenderID: "u1", Channel: "whatsapp", RawMessage: "fix it"})
	done := waitForStatus(t, h.store, parent.ID, persistence.TaskStatusDone)
	if done.Result != "On it done" {
		t.Fatalf("cleaned result = %q", done.Result)
	}

	// The child task shows up asynchronously with the parent linked.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tasks, err := h.store.ListTasks(context.Background(), "reviewer", 10)
		if err != nil {
			t.Fatalf("list tasks: %v", err)
		}
		if len(tasks) == 1 {
			if tasks[0].ParentTaskID != parent.ID {
				t.Fatalf("child parent = %q, want %q", tasks[0].ParentTaskID, parent.ID)
			}
			if tasks[0].RawMessage != "check PR#4" {
				t.Fatalf("child instruction = %q", tasks[0].RawMessage)
			}
			waitForStatus(t, h.store, tasks[0].ID, persistence.TaskStatusDone)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("fan-out sub-task never created")
}

func TestEngineFanoutDepthCap(t *testing.T) {
	// Every reply tags reviewer and coder back and forth; the chain must
	// stop before depth five.
	h := newHarness(t, invokerFunc(func(_ context.Context, agent persistence.Agent, _ []persistence.Message, _ string) (string, error) {
		other := "reviewer"
		if agent.ID == "reviewer" {
			other = "coder"
		}
		return fmt.Sprintf("passing along [@%s: keep going]", other), nil
	}), nil)

	root := h.submit(t, SubmitRequest{AgentID: "coder", SenderID: "u1", Channel: "whatsapp", RawMessage: "start"})
	waitForStatus(t, h.store, root.ID, persistence.TaskStatusDone)

	// Wait for the chain to quiesce: depth 0 through 4 is five tasks total.
	var total int
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		tasks, err := h.store.ListTasks(context.Background(), "", 100)
		if err != nil {
			t.Fatalf("list tasks: %v", err)
		}
		done := 0
		for _, task := range tasks {
			if task.Status.Terminal() {
				done++
			}
		}
		if done == len(tasks) {
			total = len(tasks)
			if total == 5 {
				break
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	if total != 5 {
		t.Fatalf("fan-out chain length = %d tasks, want 5 (depths 0-4)", total)
	}

	_, err := h.engine.Submit(context.Background(), SubmitRequest{
		AgentID: "coder", SenderID: "u1", Channel: "whatsapp",
		RawMessage: "too deep", ParentTaskID: deepestTask(t, h.store),
	})
	if !errors.Is(err, ErrFanoutDepthExceeded) {
		t.Fatalf("submit past depth cap = %v, want ErrFanoutDepthExceeded", err)
	}
}

// deepestTask returns the id of the task with the longest ancestor chain.
func deepestTask(t *testing.T, store *persistence.Store) string {
	t.Helper()
	tasks, err := store.ListTasks(context.Background(), "", 100)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	best, bestDepth := "", -1
	for _, task := range tasks {
		d, err := store.TaskDepth(context.Background(), task.ID)
		if err != nil {
			t.Fatalf("depth: %v", err)
		}
		if d > bestDepth {
			best, bestDepth = task.ID, d
		}
	}
	return best
}

func TestEngineHistoryWindow(t *testing.T) {
	var mu sync.Mutex
	var lastHistory int
	h := newHarness(t, invokerFunc(func(_ context.Context, _ persistence.Agent, history []persistence.Message, _ string) (string, error) {
		mu.Lock()
		lastHistory = len(history)
		mu.Unlock()
		return "ok", nil
	}), func(cfg *Config) { cfg.MaxHistoryMessages = 4 })

	var last persistence.Task
	for i := 0; i < 5; i++ {
		last = h.submit(t, SubmitRequest{
			AgentID: "coder", SenderID: "u1", Channel: "whatsapp",
			RawMessage: fmt.Sprintf("turn-%d", i),
		})
		waitForStatus(t, h.store, last.ID, persistence.TaskStatusDone)
	}

	// Ten messages stored by now; the provider only ever sees the window.
	mu.Lock()
	defer mu.Unlock()
	if lastHistory != 4 {
		t.Fatalf("history window = %d messages, want 4", lastHistory)
	}
}

func TestEngineGroupTasksShareConversation(t *testing.T) {
	h := newHarness(t, invokerFunc(func(_ context.Context, _ persistence.Agent, history []persistence.Message, _ string) (string, error) {
		return fmt.Sprintf("seen %d", len(history)), nil
	}), nil)

	t1 := h.submit(t, SubmitRequest{
		AgentID: "coder", SenderID: "alice", Channel: "whatsapp",
		GroupID: "g1", RawMessage: "first",
	})
	waitForStatus(t, h.store, t1.ID, persistence.TaskStatusDone)

	// Different sender, same group: same conversation, so history grows.
	t2 := h.submit(t, SubmitRequest{
		AgentID: "coder", SenderID: "bob", Channel: "whatsapp",
		GroupID: "g1", RawMessage: "second",
	})
	done := waitForStatus(t, h.store, t2.ID, persistence.TaskStatusDone)
	if done.Result != "seen 3" {
		t.Fatalf("result = %q, want shared group history", done.Result)
	}
}

func TestEngineQueueSaturation(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, invokerFunc(func(_ context.Context, _ persistence.Agent, _ []persistence.Message, _ string) (string, error) {
		<-release
		return "ok", nil
	}), func(cfg *Config) {
		cfg.Workers = 1
		cfg.QueueSize = 1
	})

	// Fill the single worker and the single queue slot, then overflow.
	h.submit(t, SubmitRequest{AgentID: "coder", SenderID: "u1", Channel: "whatsapp", RawMessage: "a"})
	var saturated bool
	for i := 0; i < 10; i++ {
		_, err := h.engine.Submit(context.Background(), SubmitRequest{
			AgentID: "coder", SenderID: "u1", Channel: "whatsapp",
			RawMessage: fmt.Sprintf("overflow-%d", i),
		})
		if errors.Is(err, ErrQueueSaturated) {
			saturated = true
			break
		}
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	close(release)
	if !saturated {
		t.Fatal("queue never reported saturation")
	}
}

type recordingDeliverer struct {
	mu       sync.Mutex
	results  []string
	failures []string
}

func (d *recordingDeliverer) DeliverResult(_ context.Context, task persistence.Task, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, task.ID+":"+text)
	return nil
}

func (d *recordingDeliverer) DeliverFailure(_ context.Context, task persistence.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, task.ID)
	return nil
}

func TestEngineDeliversOnlyRootBridgeTasks(t *testing.T) {
	del := &recordingDeliverer{}
	h := newHarness(t, invokerFunc(func(_ context.Context, agent persistence.Agent, _ []persistence.Message, input string) (string, error) {
		if agent.ID == "coder" && input == "fix it" {
			return "done [@reviewer: verify]", nil
		}
		return "verified", nil
	}), func(cfg *Config) { cfg.Deliverer = del })

	// Dashboard task: completed but never delivered.
	dash := h.submit(t, SubmitRequest{AgentID: "coder", SenderID: "ui", Channel: ChannelDashboard, RawMessage: "hello"})
	waitForStatus(t, h.store, dash.ID, persistence.TaskStatusDone)

	// Bridge task with a fan-out child: only the root is delivered.
	root := h.submit(t, SubmitRequest{AgentID: "coder", SenderID: "u1", Channel: "whatsapp", RawMessage: "fix it"})
	waitForStatus(t, h.store, root.ID, persistence.TaskStatusDone)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tasks, _ := h.store.ListTasks(context.Background(), "reviewer", 10)
		if len(tasks) == 1 && tasks[0].Status.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	del.mu.Lock()
	defer del.mu.Unlock()
	if len(del.results) != 1 || !strings.HasPrefix(del.results[0], root.ID+":") {
		t.Fatalf("delivered = %v, want only root bridge task", del.results)
	}
	if len(del.failures) != 0 {
		t.Fatalf("unexpected failure deliveries: %v", del.failures)
	}
}

func TestEngineDeliversApologyOnFailure(t *testing.T) {
	del := &recordingDeliverer{}
	h := newHarness(t, invokerFunc(func(_ context.Context, _ persistence.Agent, _ []persistence.Message, _ string) (string, error) {
		return "", errors.New("invalid api key")
	}), func(cfg *Config) { cfg.Deliverer = del })

	task := h.submit(t, SubmitRequest{AgentID: "coder", SenderID: "u1", Channel: "whatsapp", RawMessage: "hi"})
	waitForStatus(t, h.store, task.ID, persistence.TaskStatusFailed)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		del.mu.Lock()
		n := len(del.failures)
		del.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("failure apology never delivered")
}

func TestEngineReconcilesOnStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentflow.db")
	store, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.CreateAgent(ctx, persistence.Agent{ID: "coder", Name: "Coder", Provider: "anthropic", Model: "m"}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	stale, err := store.CreateTask(ctx, persistence.TaskParams{AgentID: "coder", SenderID: "u1", Channel: "whatsapp", RawMessage: "old"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := store.MarkTaskProcessing(ctx, stale.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	eng := New(Config{
		Store: store, Directory: directory.New(store),
		Invoker: invokerFunc(func(context.Context, persistence.Agent, []persistence.Message, string) (string, error) {
			return "ok", nil
		}),
		Bus: bus.New(),
	})
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Drain(time.Second)
	defer store.Close()

	got, err := store.GetTask(ctx, stale.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusFailed || !strings.HasPrefix(got.Error, "interrupted:") {
		t.Fatalf("stale task after start = %s %q", got.Status, got.Error)
	}
}
