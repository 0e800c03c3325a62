package types

import (
	"encoding/json"
	"time"
)

// ThreadSummary is one row of the thread list.
type ThreadSummary struct {
	ThreadID ThreadID `json:"thread_id"`
	Title    string   `json:"title"`
}

// ThreadResponse is the full persisted history of one thread.
type ThreadResponse struct {
	ThreadID ThreadID    `json:"thread_id"`
	Title    string      `json:"title"`
	State    ThreadState `json:"state"`
}

type ThreadState struct {
	Artifacts    []Artifact    `json:"artifacts"`
	Interactions []Interaction `json:"interactions"`
	Version      string        `json:"version"`
}

type Interaction struct {
	InteractionID    InteractionID     `json:"interaction_id,omitempty"`
	UserMessage      HistoryMessage    `json:"user_message"`
	AssistantActions []AssistantAction `json:"assistant_actions"`
}

type HistoryMessage struct {
	Message   string     `json:"message"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type AssistantAction struct {
	ActionID ActionID   `json:"action_id"`
	Message  string     `json:"message"`
	Code     *CodeBlock `json:"code,omitempty"`
}

type CodeBlock struct {
	CodeBlockID   CodeBlockID     `json:"code_block_id"`
	Code          string          `json:"code"`
	Output        *string         `json:"output"`
	Error         *string         `json:"error"`
	SQLStatements json.RawMessage `json:"sql_statements,omitempty"`
}
