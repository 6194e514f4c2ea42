package bus

// Topics published by the engine and consumed by the websocket hub and
// channel adapters.
const (
	// TopicTaskUpdated carries a TaskUpdate each time a task changes
	// status. The engine publishes exactly two per task: processing and
	// the terminal state.
	TopicTaskUpdated = "task.updated"

	// TopicMessageAppended carries a MessageAppended when a user or
	// assistant message lands in a conversation.
	TopicMessageAppended = "message.appended"

	// TopicLog carries a LogLine for the dashboard activity feed.
	TopicLog = "log"
)

// TaskUpdate is the payload on TopicTaskUpdated. Task is an engine-side
// snapshot of the task row (persistence.Task), kept as any to avoid an
// import cycle; the gateway re-encodes it verbatim.
type TaskUpdate struct {
	TaskID string
	Status string
	Task   any
}

// MessageAppended is the payload on TopicMessageAppended.
type MessageAppended struct {
	ConversationID string
	Message        any
}

// LogLine is the payload on TopicLog.
type LogLine struct {
	Level string
	Text  string
}
