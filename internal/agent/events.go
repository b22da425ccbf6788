package agent

import "github.com/penhold/squire/internal/llm"

// EventKind discriminates Event payloads.
type EventKind string

const (
	// EventText carries a streamed text delta.
	EventText EventKind = "text"
	// EventToolStatus marks the model opening a tool call, before the
	// tool has run. InputPreview is empty at this point: the provider
	// announces the block before its input has streamed.
	EventToolStatus EventKind = "tool_status"
	// EventToolResult carries one finished tool dispatch.
	EventToolResult EventKind = "tool_result"
	// EventToolTurnComplete marks one durable tool round-trip. By the
	// time the caller sees it, the persist hook has already run.
	EventToolTurnComplete EventKind = "tool_turn_complete"
)

// Event is one step of an agent run. Only the fields for its Kind are
// populated.
type Event struct {
	Kind EventKind

	// EventText
	Text string

	// EventToolStatus, EventToolResult
	ToolName     string
	ToolID       string
	InputPreview string // EventToolStatus only
	Result       string // EventToolResult only

	// EventToolTurnComplete
	AssistantBlocks  []llm.ContentBlock
	ToolResultBlocks []llm.ContentBlock
}

// EmitFunc receives loop events as they happen. May be nil.
type EmitFunc func(Event)

// PersistFunc is called after each tool round-trip, before the loop
// continues, so the conversation log never trails an unresolved tool
// call on a clean shutdown. An error aborts the run.
type PersistFunc func(assistantBlocks, toolResultBlocks []llm.ContentBlock) error
