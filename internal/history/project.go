// Package history turns a fetched thread record into the same timeline,
// tool-output and artifact shapes that live streaming produces.
package history

import (
	"github.com/user/pacha/internal/types"
)

// Projection is the reconciled state of a thread.
type Projection struct {
	Timeline    []types.Entry
	ToolOutputs map[types.CodeBlockID]*types.ToolCallResponse
	Artifacts   map[types.ArtifactID]*types.Artifact
}

// Project converts a thread record into a Projection. It does not retain or
// modify thread.
func Project(thread *types.ThreadResponse) Projection {
	p := Projection{
		ToolOutputs: make(map[types.CodeBlockID]*types.ToolCallResponse),
		Artifacts:   make(map[types.ArtifactID]*types.Artifact),
	}
	if thread == nil {
		return p
	}

	for _, interaction := range thread.State.Interactions {
		p.Timeline = append(p.Timeline, &types.SelfMessage{
			Message:      interaction.UserMessage.Message,
			ThreadID:     thread.ThreadID,
			ResponseMode: types.ResponseModeHistory,
		})

		for _, action := range interaction.AssistantActions {
			msg := &types.AssistantMessage{
				Message:           action.Message,
				AssistantActionID: action.ActionID,
				ToolCalls:         []types.ToolCall{},
				ThreadID:          thread.ThreadID,
				ResponseMode:      types.ResponseModeHistory,
			}
			if code := action.Code; code != nil {
				msg.ToolCalls = []types.ToolCall{{
					Name:   types.ToolNamePython,
					CallID: code.CodeBlockID,
					Input:  types.ToolInput{PythonCode: code.Code},
				}}
				p.ToolOutputs[code.CodeBlockID] = toolResponse(code)
			}
			p.Timeline = append(p.Timeline, msg)
		}
	}

	for i := range thread.State.Artifacts {
		art := thread.State.Artifacts[i].Clone()
		art.ResponseMode = types.ResponseModeHistory
		p.Artifacts[art.Identifier] = art
	}
	return p
}

func toolResponse(code *types.CodeBlock) *types.ToolCallResponse {
	resp := &types.ToolCallResponse{CallID: code.CodeBlockID}
	if code.Output != nil {
		resp.Output.Output = *code.Output
	}
	if code.Error != nil {
		msg := *code.Error
		resp.Output.Error = &msg
	}
	if code.SQLStatements != nil {
		resp.Output.SQLStatements = append(resp.Output.SQLStatements, code.SQLStatements...)
	}
	return resp
}
