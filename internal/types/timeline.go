package types

import "encoding/json"

// ResponseMode tags where an entry came from. It does not affect merging.
type ResponseMode string

const (
	ResponseModeStream  ResponseMode = "stream"
	ResponseModeHistory ResponseMode = "history"
)

// ToolNamePython is the only tool the assistant calls.
const ToolNamePython = "execute_python"

// Entry is one item on the conversation timeline. The set of variants is
// closed: SelfMessage, AssistantMessage, ToolchainMessage, ErrorEntry and
// UserConfirmationEntry.
type Entry interface {
	Kind() EntryKind
	// Clone returns a deep copy safe to hand to readers.
	Clone() Entry
	entry()
}

type EntryKind string

const (
	KindSelf             EntryKind = "self"
	KindAssistant        EntryKind = "assistant"
	KindToolchain        EntryKind = "toolchain"
	KindError            EntryKind = "error"
	KindUserConfirmation EntryKind = "user_confirmation"
)

type SelfMessage struct {
	Message      string       `json:"message"`
	ThreadID     ThreadID     `json:"thread_id,omitempty"`
	ResponseMode ResponseMode `json:"response_mode"`
}

func (*SelfMessage) Kind() EntryKind { return KindSelf }
func (*SelfMessage) entry()          {}

func (m *SelfMessage) Clone() Entry {
	c := *m
	return &c
}

type ToolInput struct {
	PythonCode string `json:"python_code"`
}

type ToolCall struct {
	Name   string      `json:"name"`
	CallID CodeBlockID `json:"call_id"`
	Input  ToolInput   `json:"input"`
}

type AssistantMessage struct {
	Message           string       `json:"message"`
	AssistantActionID ActionID     `json:"assistant_action_id"`
	ToolCalls         []ToolCall   `json:"tool_calls"`
	ThreadID          ThreadID     `json:"thread_id,omitempty"`
	ResponseMode      ResponseMode `json:"response_mode"`
}

func (*AssistantMessage) Kind() EntryKind { return KindAssistant }
func (*AssistantMessage) entry()          {}

func (m *AssistantMessage) Clone() Entry {
	c := *m
	c.ToolCalls = append([]ToolCall{}, m.ToolCalls...)
	return &c
}

// ToolchainMessage carries a serialized toolchain result from older servers.
type ToolchainMessage struct {
	Message      json.RawMessage `json:"message"`
	ResponseMode ResponseMode    `json:"response_mode"`
}

func (*ToolchainMessage) Kind() EntryKind { return KindToolchain }
func (*ToolchainMessage) entry()          {}

func (m *ToolchainMessage) Clone() Entry {
	c := *m
	c.Message = cloneRaw(m.Message)
	return &c
}

// ModifiedArtifacts extracts artifacts embedded in the toolchain result
// under "modified_artifacts". Malformed payloads yield nil.
func (m *ToolchainMessage) ModifiedArtifacts() []Artifact {
	var body struct {
		ModifiedArtifacts []Artifact `json:"modified_artifacts"`
	}
	if err := json.Unmarshal(m.Message, &body); err != nil {
		return nil
	}
	return body.ModifiedArtifacts
}

type ErrorEntry struct {
	Message      string       `json:"message"`
	ThreadID     ThreadID     `json:"thread_id,omitempty"`
	ResponseMode ResponseMode `json:"response_mode"`
}

func (*ErrorEntry) Kind() EntryKind { return KindError }
func (*ErrorEntry) entry()          {}

func (m *ErrorEntry) Clone() Entry {
	c := *m
	return &c
}

type ConfirmationStatus string

const (
	ConfirmationPending  ConfirmationStatus = "pending"
	ConfirmationApproved ConfirmationStatus = "approved"
	ConfirmationDenied   ConfirmationStatus = "denied"
	ConfirmationTimedOut ConfirmationStatus = "timed_out"
	ConfirmationCanceled ConfirmationStatus = "canceled"
)

type UserConfirmationEntry struct {
	Message        string             `json:"message"`
	ConfirmationID ConfirmationID     `json:"confirmation_id"`
	Status         ConfirmationStatus `json:"status"`
	FromHistory    bool               `json:"from_history"`
	ResponseMode   ResponseMode       `json:"response_mode"`
}

func (*UserConfirmationEntry) Kind() EntryKind { return KindUserConfirmation }
func (*UserConfirmationEntry) entry()          {}

func (m *UserConfirmationEntry) Clone() Entry {
	c := *m
	return &c
}

// CloneTimeline deep-copies a timeline.
func CloneTimeline(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}

type ArtifactType string

const (
	ArtifactTable ArtifactType = "table"
	ArtifactText  ArtifactType = "text"
)

type Artifact struct {
	Identifier   ArtifactID      `json:"identifier"`
	ArtifactType ArtifactType    `json:"artifact_type"`
	Title        string          `json:"title"`
	Data         json.RawMessage `json:"data"`
	ResponseMode ResponseMode    `json:"response_mode,omitempty"`
}

func (a *Artifact) Clone() *Artifact {
	c := *a
	c.Data = cloneRaw(a.Data)
	return &c
}

type ToolOutput struct {
	Output            string          `json:"output"`
	Error             *string         `json:"error"`
	SQLStatements     json.RawMessage `json:"sql_statements,omitempty"`
	ModifiedArtifacts []Artifact      `json:"modified_artifacts,omitempty"`
}

// ToolCallResponse is the accumulated result of one tool call.
type ToolCallResponse struct {
	CallID CodeBlockID `json:"call_id"`
	Output ToolOutput  `json:"output"`
}

func (r *ToolCallResponse) Clone() *ToolCallResponse {
	c := *r
	if r.Output.Error != nil {
		msg := *r.Output.Error
		c.Output.Error = &msg
	}
	c.Output.SQLStatements = cloneRaw(r.Output.SQLStatements)
	if r.Output.ModifiedArtifacts != nil {
		c.Output.ModifiedArtifacts = make([]Artifact, len(r.Output.ModifiedArtifacts))
		for i := range r.Output.ModifiedArtifacts {
			c.Output.ModifiedArtifacts[i] = *r.Output.ModifiedArtifacts[i].Clone()
		}
	}
	return &c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
