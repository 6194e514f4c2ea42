// Package engine is the task queue: it accepts submissions, serializes
// work per conversation key, invokes the model, fans replies out to
// tagged agents, and broadcasts lifecycle events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/agentflow/internal/bus"
	"github.com/basket/agentflow/internal/directory"
	"github.com/basket/agentflow/internal/invoker"
	"github.com/basket/agentflow/internal/otel"
	"github.com/basket/agentflow/internal/persistence"
	"github.com/basket/agentflow/internal/routing"
)

// ChannelDashboard is the channel name for dashboard-originated tasks.
// Their results travel over the event stream, never the delivery bridge.
const ChannelDashboard = "dashboard"

var (
	// ErrQueueSaturated is returned when the submission queue is full.
	ErrQueueSaturated = errors.New("task queue saturated")

	// ErrFanoutDepthExceeded is returned when a sub-task would push its
	// ancestor chain past the fan-out cap.
	ErrFanoutDepthExceeded = errors.New("fan-out depth exceeded")
)

// Invoker generates a reply for an agent given its history window and
// the current input.
type Invoker interface {
	Generate(ctx context.Context, agent persistence.Agent, history []persistence.Message, input string) (string, error)
}

// Deliverer hands finished results (or an apology) back to the
// originating channel. Delivery failures are logged and swallowed; they
// never affect task state.
type Deliverer interface {
	DeliverResult(ctx context.Context, task persistence.Task, text string) error
	DeliverFailure(ctx context.Context, task persistence.Task) error
}

// Config holds the engine dependencies and tunables.
type Config struct {
	Store     *persistence.Store
	Directory *directory.Directory
	Invoker   Invoker
	Bus       *bus.Bus
	Deliverer Deliverer     // optional
	Logger    *slog.Logger  // defaults to slog.Default()
	Metrics   *otel.Metrics // optional

	Workers            int           // default 2
	QueueSize          int           // default 256
	TaskTimeout        time.Duration // default 120s
	MaxFanoutDepth     int           // default 5
	MaxHistoryMessages int           // default 50
	RetryBackoff       time.Duration // default 2s
}

// SubmitRequest describes one message to process.
type SubmitRequest struct {
	AgentID      string
	SenderID     string
	SenderName   string
	Channel      string
	GroupID      string
	RawMessage   string
	ParentTaskID string
}

type workItem struct {
	taskID string
	key    string
	ticket uint64
}

// Engine runs the worker pool.
type Engine struct {
	store     *persistence.Store
	directory *directory.Directory
	invoker   Invoker
	bus       *bus.Bus
	deliverer Deliverer
	logger    *slog.Logger
	metrics   *otel.Metrics

	workers        int
	taskTimeout    time.Duration
	maxFanoutDepth int
	maxHistory     int
	retryBackoff   time.Duration

	queue    chan workItem
	locks    *lockTable
	submitMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an engine from cfg, applying defaults.
func New(cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 120 * time.Second
	}
	if cfg.MaxFanoutDepth <= 0 {
		cfg.MaxFanoutDepth = 5
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = 50
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:          cfg.Store,
		directory:      cfg.Directory,
		invoker:        cfg.Invoker,
		bus:            cfg.Bus,
		deliverer:      cfg.Deliverer,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		workers:        cfg.Workers,
		taskTimeout:    cfg.TaskTimeout,
		maxFanoutDepth: cfg.MaxFanoutDepth,
		maxHistory:     cfg.MaxHistoryMessages,
		retryBackoff:   cfg.RetryBackoff,
		queue:          make(chan workItem, cfg.QueueSize),
		locks:          newLockTable(),
	}
}

// Start reconciles stale tasks from a previous run, then spawns the
// workers. Reconciliation completes before any worker sees the queue.
func (e *Engine) Start(ctx context.Context) error {
	n, err := e.store.ReconcileInterrupted(ctx, "interrupted: process restarted")
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	if n > 0 {
		e.logger.Warn("marked stale tasks failed at startup", "count", n)
	}

	ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	e.logger.Info("engine started", "workers", e.workers)
	return nil
}

// Drain stops the workers and waits up to timeout for in-flight tasks.
// Tasks still queued are left for the next startup's reconciliation.
func (e *Engine) Drain(timeout time.Duration) error {
	if e.cancel != nil {
		e.cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("engine drain timed out after %s", timeout)
	}
}

// Submit validates the fan-out depth, persists a queued task, and hands
// it to the worker pool. It returns as soon as the task is enqueued.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (persistence.Task, error) {
	if req.ParentTaskID != "" {
		depth, err := e.store.TaskDepth(ctx, req.ParentTaskID)
		if err != nil {
			return persistence.Task{}, fmt.Errorf("fan-out depth check: %w", err)
		}
		if depth+1 >= e.maxFanoutDepth {
			e.logger.Warn("fan-out chain too deep, dropping sub-task",
				"parent_task_id", req.ParentTaskID,
				"agent_id", req.AgentID,
				"depth", depth+1,
			)
			return persistence.Task{}, ErrFanoutDepthExceeded
		}
	}

	task, err := e.store.CreateTask(ctx, persistence.TaskParams{
		AgentID:      req.AgentID,
		SenderID:     req.SenderID,
		SenderName:   req.SenderName,
		Channel:      req.Channel,
		GroupID:      req.GroupID,
		RawMessage:   req.RawMessage,
		ParentTaskID: req.ParentTaskID,
	})
	if err != nil {
		return persistence.Task{}, err
	}

	key := conversationKey(task)

	// Ticket and queue push under one lock so per-key ticket order equals
	// submission order.
	e.submitMu.Lock()
	ticket := e.locks.enqueue(key)
	select {
	case e.queue <- workItem{taskID: task.ID, key: key, ticket: ticket}:
		e.submitMu.Unlock()
	default:
		e.locks.cancel(key, ticket)
		e.submitMu.Unlock()
		if failed, ferr := e.store.FailTask(ctx, task.ID, "storage: queue saturated"); ferr == nil {
			e.publishTask(failed)
		}
		return persistence.Task{}, ErrQueueSaturated
	}

	e.logger.Info("task queued",
		"task_id", task.ID,
		"agent_id", task.AgentID,
		"channel", task.Channel,
		"parent_task_id", task.ParentTaskID,
	)
	return task, nil
}

// conversationKey is the serialization unit. A group id stands in for
// the sender so a group chat is one conversation per agent.
func conversationKey(task persistence.Task) string {
	return task.AgentID + "\x00" + conversationSender(task) + "\x00" + task.Channel
}

func conversationSender(task persistence.Task) string {
	if task.GroupID != "" {
		return task.GroupID
	}
	return task.SenderID
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-e.queue:
			e.process(ctx, item)
		}
	}
}

func (e *Engine) process(ctx context.Context, item workItem) {
	if err := e.locks.wait(ctx, item.key, item.ticket); err != nil {
		return // shutdown while waiting for the conversation lock
	}
	defer e.locks.release(item.key)

	task, err := e.store.GetTask(ctx, item.taskID)
	if err != nil {
		e.logger.Error("dequeued task vanished", "task_id", item.taskID, "error", err)
		return
	}
	if task.Status != persistence.TaskStatusQueued {
		e.logger.Warn("dequeued task no longer queued", "task_id", task.ID, "status", task.Status)
		return
	}

	start := time.Now()
	task, err = e.store.MarkTaskProcessing(ctx, task.ID)
	if err != nil {
		e.logger.Error("mark processing failed", "task_id", task.ID, "error", err)
		return
	}
	e.publishTask(task)
	e.logger.Info("task processing", "task_id", task.ID, "agent_id", task.AgentID)

	visible, children, runErr := e.run(ctx, task)

	if runErr != nil {
		failed, ferr := e.store.FailTask(ctx, task.ID, runErr.Error())
		if ferr != nil {
			e.logger.Error("fail transition failed", "task_id", task.ID, "error", ferr)
			return
		}
		e.publishTask(failed)
		e.recordOutcome(ctx, failed, time.Since(start))
		e.logger.Warn("task failed", "task_id", failed.ID, "agent_id", failed.AgentID, "error", failed.Error)
		e.deliverFailure(ctx, failed)
		return
	}

	done, err := e.store.CompleteTask(ctx, task.ID, visible)
	if err != nil {
		e.logger.Error("complete transition failed", "task_id", task.ID, "error", err)
		if failed, ferr := e.store.FailTask(ctx, task.ID, fmt.Sprintf("storage: %v", err)); ferr == nil {
			e.publishTask(failed)
			e.deliverFailure(ctx, failed)
		}
		return
	}
	e.publishTask(done)
	e.recordOutcome(ctx, done, time.Since(start))
	e.logger.Info("task done", "task_id", done.ID, "agent_id", done.AgentID)

	e.spawnChildren(ctx, done, children)
	e.deliverResult(ctx, done, visible)
}

// run executes the conversation turn: append the user message, invoke
// the model under the task timeout, parse fan-out tags, and append the
// cleaned reply. The returned error string is the task's failure
// taxonomy entry.
func (e *Engine) run(ctx context.Context, task persistence.Task) (string, []routing.ChildSpec, error) {
	snap, err := e.directory.Snapshot(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("storage: %v", err)
	}
	agent, ok := snap.Agent(task.AgentID)
	if !ok {
		return "", nil, fmt.Errorf("unknown agent: %s", task.AgentID)
	}

	conv, err := e.store.GetOrCreateConversation(ctx, agent.ID, conversationSender(task), task.SenderName, task.Channel)
	if err != nil {
		return "", nil, fmt.Errorf("storage: %v", err)
	}
	userMsg, err := e.store.AppendMessage(ctx, conv.ID, "user", task.RawMessage)
	if err != nil {
		return "", nil, fmt.Errorf("storage: %v", err)
	}
	e.publishMessage(conv.ID, userMsg)

	history, err := e.store.RecentMessages(ctx, conv.ID, e.maxHistory)
	if err != nil {
		return "", nil, fmt.Errorf("storage: %v", err)
	}

	reply, err := e.invoke(ctx, agent, history, task.RawMessage)
	if err != nil {
		return "", nil, err
	}

	visible, children := routing.ParseFanout(reply, agent.ID, snap)

	assistantMsg, err := e.store.AppendMessage(ctx, conv.ID, "assistant", visible)
	if err != nil {
		return "", nil, fmt.Errorf("storage: %v", err)
	}
	e.publishMessage(conv.ID, assistantMsg)

	return visible, children, nil
}

// invoke calls the provider under the task timeout, retrying once on
// transient failures (rate limit, overloaded backend).
func (e *Engine) invoke(ctx context.Context, agent persistence.Agent, history []persistence.Message, input string) (string, error) {
	reply, err := e.invokeOnce(ctx, agent, history, input)
	if err == nil {
		return reply, nil
	}

	class := invoker.Classify(err)
	if class == invoker.ErrorClassTimeout {
		return "", fmt.Errorf("timeout: provider call exceeded %s", e.taskTimeout)
	}
	if !invoker.Retryable(class) {
		return "", fmt.Errorf("provider error: %v", err)
	}

	e.logger.Warn("transient provider error, retrying once",
		"agent_id", agent.ID, "class", string(class), "error", err)
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("interrupted: %v", ctx.Err())
	case <-time.After(e.retryBackoff):
	}

	reply, err = e.invokeOnce(ctx, agent, history, input)
	if err != nil {
		if invoker.Classify(err) == invoker.ErrorClassTimeout {
			return "", fmt.Errorf("timeout: provider call exceeded %s", e.taskTimeout)
		}
		return "", fmt.Errorf("provider error: %v", err)
	}
	return reply, nil
}

func (e *Engine) invokeOnce(ctx context.Context, agent persistence.Agent, history []persistence.Message, input string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.taskTimeout)
	defer cancel()
	start := time.Now()
	reply, err := e.invoker.Generate(callCtx, agent, history, input)
	if e.metrics != nil {
		e.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds())
	}
	return reply, err
}

// spawnChildren submits the fan-out specs, fire-and-forget. A depth
// rejection or saturated queue never touches the parent.
func (e *Engine) spawnChildren(ctx context.Context, parent persistence.Task, children []routing.ChildSpec) {
	for _, c := range children {
		child, err := e.Submit(ctx, SubmitRequest{
			AgentID:      c.AgentID,
			SenderID:     parent.SenderID,
			SenderName:   parent.SenderName,
			Channel:      parent.Channel,
			GroupID:      parent.GroupID,
			RawMessage:   c.Instruction,
			ParentTaskID: parent.ID,
		})
		if err != nil {
			if !errors.Is(err, ErrFanoutDepthExceeded) {
				e.logger.Error("fan-out submit failed",
					"parent_task_id", parent.ID, "agent_id", c.AgentID, "error", err)
			}
			continue
		}
		if e.metrics != nil {
			e.metrics.FanoutChildren.Add(ctx, 1)
		}
		e.logger.Info("fan-out sub-task created",
			"parent_task_id", parent.ID, "task_id", child.ID, "agent_id", child.AgentID)
	}
}

func (e *Engine) deliverResult(ctx context.Context, task persistence.Task, text string) {
	if e.deliverer == nil || task.Channel == ChannelDashboard || task.ParentTaskID != "" {
		return
	}
	if err := e.deliverer.DeliverResult(ctx, task, text); err != nil {
		e.logger.Error("result delivery failed", "task_id", task.ID, "error", err)
	}
}

func (e *Engine) deliverFailure(ctx context.Context, task persistence.Task) {
	if e.deliverer == nil || task.Channel == ChannelDashboard || task.ParentTaskID != "" {
		return
	}
	if err := e.deliverer.DeliverFailure(ctx, task); err != nil {
		e.logger.Error("failure delivery failed", "task_id", task.ID, "error", err)
	}
}

func (e *Engine) publishTask(task persistence.Task) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.TopicTaskUpdated, bus.TaskUpdate{
		TaskID: task.ID,
		Status: string(task.Status),
		Task:   task,
	})
}

func (e *Engine) publishMessage(conversationID string, msg persistence.Message) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.TopicMessageAppended, bus.MessageAppended{
		ConversationID: conversationID,
		Message:        msg,
	})
}

func (e *Engine) recordOutcome(ctx context.Context, task persistence.Task, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.TaskDuration.Record(ctx, elapsed.Seconds())
	switch task.Status {
	case persistence.TaskStatusDone:
		e.metrics.TasksCompleted.Add(ctx, 1)
	case persistence.TaskStatusFailed:
		e.metrics.TasksFailed.Add(ctx, 1)
	}
}
