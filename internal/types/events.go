package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client event types.
const (
	EventClientInit               = "client_init"
	EventUserMessage              = "user_message"
	EventUserConfirmationResponse = "user_confirmation_response"
)

// Server event types.
const (
	EventLLMCall                  = "llm_call"
	EventAcceptInteraction        = "accept_interaction"
	EventAssistantMessageResponse = "assistant_message_response"
	EventAssistantCodeResponse    = "assistant_code_response"
	EventExecutingCode            = "executing_code"
	EventCodeOutput               = "code_output"
	EventArtifactUpdate           = "artifact_update"
	EventCodeError                = "code_error"
	EventUserConfirmationRequest  = "user_confirmation_request"
	EventUserConfirmationTimeout  = "user_confirmation_timeout"
	EventServerError              = "server_error"
	EventCompletion               = "completion"
)

// ProtocolVersion is sent in client_init.
const ProtocolVersion = "v1"

// Confirmation responses carried by user_confirmation_response.
const (
	ConfirmationApprove = "approve"
	ConfirmationDeny    = "deny"
)

// ClientEvent is a message the client writes to the socket.
type ClientEvent interface {
	EventType() string
	clientEvent()
}

// ServerEvent is a message the server writes to the socket.
type ServerEvent interface {
	EventType() string
	serverEvent()
}

// typed prefixes the JSON encoding of v with {"type": kind}.
func typed(kind string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(body) == "{}" {
		return []byte(`{"type":"` + kind + `"}`), nil
	}
	return append([]byte(`{"type":"`+kind+`",`), body[1:]...), nil
}

type ClientInit struct {
	Version string `json:"version"`
}

func (ClientInit) EventType() string { return EventClientInit }
func (ClientInit) clientEvent()      {}

func (e ClientInit) MarshalJSON() ([]byte, error) {
	type alias ClientInit
	return typed(EventClientInit, alias(e))
}

type UserMessage struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (UserMessage) EventType() string { return EventUserMessage }
func (UserMessage) clientEvent()      {}

func (e UserMessage) MarshalJSON() ([]byte, error) {
	type alias UserMessage
	return typed(EventUserMessage, alias(e))
}

type UserConfirmationResponse struct {
	Response              string         `json:"response"`
	ConfirmationRequestID ConfirmationID `json:"confirmation_request_id"`
}

func (UserConfirmationResponse) EventType() string { return EventUserConfirmationResponse }
func (UserConfirmationResponse) clientEvent()      {}

func (e UserConfirmationResponse) MarshalJSON() ([]byte, error) {
	type alias UserConfirmationResponse
	return typed(EventUserConfirmationResponse, alias(e))
}

type LLMCall struct{}

func (LLMCall) EventType() string { return EventLLMCall }
func (LLMCall) serverEvent()      {}

func (e LLMCall) MarshalJSON() ([]byte, error) {
	return typed(EventLLMCall, struct{}{})
}

type AcceptInteraction struct {
	InteractionID InteractionID `json:"interaction_id"`
	ThreadID      ThreadID      `json:"thread_id"`
}

func (AcceptInteraction) EventType() string { return EventAcceptInteraction }
func (AcceptInteraction) serverEvent()      {}

func (e AcceptInteraction) MarshalJSON() ([]byte, error) {
	type alias AcceptInteraction
	return typed(EventAcceptInteraction, alias(e))
}

type AssistantMessageResponse struct {
	AssistantActionID ActionID `json:"assistant_action_id"`
	MessageChunk      string   `json:"message_chunk,omitempty"`
}

func (AssistantMessageResponse) EventType() string { return EventAssistantMessageResponse }
func (AssistantMessageResponse) serverEvent()      {}

func (e AssistantMessageResponse) MarshalJSON() ([]byte, error) {
	type alias AssistantMessageResponse
	return typed(EventAssistantMessageResponse, alias(e))
}

type AssistantCodeResponse struct {
	AssistantActionID ActionID    `json:"assistant_action_id"`
	CodeBlockID       CodeBlockID `json:"code_block_id"`
	CodeChunk         string      `json:"code_chunk,omitempty"`
}

func (AssistantCodeResponse) EventType() string { return EventAssistantCodeResponse }
func (AssistantCodeResponse) serverEvent()      {}

func (e AssistantCodeResponse) MarshalJSON() ([]byte, error) {
	type alias AssistantCodeResponse
	return typed(EventAssistantCodeResponse, alias(e))
}

type ExecutingCode struct {
	CodeBlockID CodeBlockID `json:"code_block_id,omitempty"`
}

func (ExecutingCode) EventType() string { return EventExecutingCode }
func (ExecutingCode) serverEvent()      {}

func (e ExecutingCode) MarshalJSON() ([]byte, error) {
	type alias ExecutingCode
	return typed(EventExecutingCode, alias(e))
}

type CodeOutput struct {
	OutputChunk string      `json:"output_chunk"`
	CodeBlockID CodeBlockID `json:"code_block_id"`
}

func (CodeOutput) EventType() string { return EventCodeOutput }
func (CodeOutput) serverEvent()      {}

func (e CodeOutput) MarshalJSON() ([]byte, error) {
	type alias CodeOutput
	return typed(EventCodeOutput, alias(e))
}

// ArtifactPayload is the artifact body carried by artifact_update.
type ArtifactPayload struct {
	Identifier   ArtifactID      `json:"identifier"`
	Title        string          `json:"title"`
	ArtifactType ArtifactType    `json:"artifact_type,omitempty"`
	Data         json.RawMessage `json:"data"`
}

type ArtifactUpdate struct {
	Artifact ArtifactPayload `json:"artifact"`
}

func (ArtifactUpdate) EventType() string { return EventArtifactUpdate }
func (ArtifactUpdate) serverEvent()      {}

func (e ArtifactUpdate) MarshalJSON() ([]byte, error) {
	type alias ArtifactUpdate
	return typed(EventArtifactUpdate, alias(e))
}

type CodeError struct {
	CodeBlockID CodeBlockID `json:"code_block_id"`
	Error       string      `json:"error"`
}

func (CodeError) EventType() string { return EventCodeError }
func (CodeError) serverEvent()      {}

func (e CodeError) MarshalJSON() ([]byte, error) {
	type alias CodeError
	return typed(EventCodeError, alias(e))
}

type UserConfirmationRequest struct {
	ConfirmationRequestID ConfirmationID `json:"confirmation_request_id"`
	Message               string         `json:"message"`
}

func (UserConfirmationRequest) EventType() string { return EventUserConfirmationRequest }
func (UserConfirmationRequest) serverEvent()      {}

func (e UserConfirmationRequest) MarshalJSON() ([]byte, error) {
	type alias UserConfirmationRequest
	return typed(EventUserConfirmationRequest, alias(e))
}

// UserConfirmationTimeout may omit the request id, in which case it applies
// to the most recent pending confirmation.
type UserConfirmationTimeout struct {
	ConfirmationRequestID ConfirmationID `json:"confirmation_request_id,omitempty"`
}

func (UserConfirmationTimeout) EventType() string { return EventUserConfirmationTimeout }
func (UserConfirmationTimeout) serverEvent()      {}

func (e UserConfirmationTimeout) MarshalJSON() ([]byte, error) {
	type alias UserConfirmationTimeout
	return typed(EventUserConfirmationTimeout, alias(e))
}

type ServerError struct {
	Message string `json:"message"`
}

func (ServerError) EventType() string { return EventServerError }
func (ServerError) serverEvent()      {}

func (e ServerError) MarshalJSON() ([]byte, error) {
	type alias ServerError
	return typed(EventServerError, alias(e))
}

type Completion struct{}

func (Completion) EventType() string { return EventCompletion }
func (Completion) serverEvent()      {}

func (e Completion) MarshalJSON() ([]byte, error) {
	return typed(EventCompletion, struct{}{})
}

// UnknownEvent carries a server event whose type this client does not know.
// It is passed through so callers can log it, and is otherwise ignored.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) EventType() string { return e.Type }
func (UnknownEvent) serverEvent()        {}

func (e UnknownEvent) MarshalJSON() ([]byte, error) {
	return e.Raw, nil
}

// DecodeServerEvent parses one socket frame into its concrete event type.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	var ev ServerEvent
	var err error
	switch envelope.Type {
	case EventLLMCall:
		ev = LLMCall{}
	case EventAcceptInteraction:
		ev, err = decodeAs[AcceptInteraction](data)
	case EventAssistantMessageResponse:
		ev, err = decodeAs[AssistantMessageResponse](data)
	case EventAssistantCodeResponse:
		ev, err = decodeAs[AssistantCodeResponse](data)
	case EventExecutingCode:
		ev, err = decodeAs[ExecutingCode](data)
	case EventCodeOutput:
		ev, err = decodeAs[CodeOutput](data)
	case EventArtifactUpdate:
		ev, err = decodeAs[ArtifactUpdate](data)
	case EventCodeError:
		ev, err = decodeAs[CodeError](data)
	case EventUserConfirmationRequest:
		ev, err = decodeAs[UserConfirmationRequest](data)
	case EventUserConfirmationTimeout:
		ev, err = decodeAs[UserConfirmationTimeout](data)
	case EventServerError:
		ev, err = decodeAs[ServerError](data)
	case EventCompletion:
		ev = Completion{}
	case "":
		return nil, fmt.Errorf("decode event: missing type")
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		ev = UnknownEvent{Type: envelope.Type, Raw: raw}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", envelope.Type, err)
	}
	return ev, nil
}

// DecodeClientEvent parses one client frame. Used by the stub backend.
func DecodeClientEvent(data []byte) (ClientEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	var ev ClientEvent
	var err error
	switch envelope.Type {
	case EventClientInit:
		ev, err = decodeAs[ClientInit](data)
	case EventUserMessage:
		ev, err = decodeAs[UserMessage](data)
	case EventUserConfirmationResponse:
		ev, err = decodeAs[UserConfirmationResponse](data)
	default:
		return nil, fmt.Errorf("decode event: unknown client event type %q", envelope.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", envelope.Type, err)
	}
	return ev, nil
}

func decodeAs[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
