package kiro

import (
	"encoding/json"

	"github.com/google/uuid"

	"mercator-hq/saturn/pkg/protocol"
)

// Upstream request shapes for the CodeWhisperer generateAssistantResponse
// call. Field names follow the wire format exactly.

type upstreamRequest struct {
	ProfileArn        string            `json:"profileArn,omitempty"`
	ConversationState conversationState `json:"conversationState"`
}

type conversationState struct {
	ChatTriggerType string         `json:"chatTriggerType"`
	ConversationID  string         `json:"conversationId"`
	CurrentMessage  historyEntry   `json:"currentMessage"`
	History         []historyEntry `json:"history,omitempty"`
}

type historyEntry struct {
	UserInputMessage         *userInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *assistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type userInputMessage struct {
	Content                 string            `json:"content"`
	ModelID                 string            `json:"modelId,omitempty"`
	Origin                  string            `json:"origin,omitempty"`
	Images                  []upstreamImage   `json:"images,omitempty"`
	UserInputMessageContext *userInputContext `json:"userInputMessageContext,omitempty"`
}

type upstreamImage struct {
	Format string `json:"format"`
	Source struct {
		Bytes string `json:"bytes"`
	} `json:"source"`
}

type userInputContext struct {
	ToolResults []toolResult   `json:"toolResults,omitempty"`
	Tools       []toolSpecWrap `json:"tools,omitempty"`
}

type toolResult struct {
	ToolUseID string             `json:"toolUseId"`
	Status    string             `json:"status"`
	Content   []toolResultOutput `json:"content"`
}

type toolResultOutput struct {
	Text string          `json:"text,omitempty"`
	JSON json.RawMessage `json:"json,omitempty"`
}

type toolSpecWrap struct {
	ToolSpecification toolSpecification `json:"toolSpecification"`
}

type toolSpecification struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema struct {
		JSON map[string]any `json:"json"`
	} `json:"inputSchema"`
}

type assistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []toolUse `json:"toolUses,omitempty"`
}

type toolUse struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

// BuildUpstreamRequest translates a pivot-form request into the
// CodeWhisperer wire body. Tool schemas are sanitised, assistant history is
// filtered of dead tool uses, and the whole conversation is wrapped under a
// fresh conversation id.
func BuildUpstreamRequest(req *protocol.Request, profileArn string) ([]byte, error) {
	modelID := UpstreamModelID(req.Model)

	// Tool declarations with sanitised schemas, indexed for the history
	// filter's required-parameter check.
	requiredParams := make(map[string]bool)
	var tools []toolSpecWrap
	for _, t := range req.Tools {
		spec := toolSpecification{Name: t.Name, Description: t.Description}
		spec.InputSchema.JSON = SanitizeToolSchema(t.Parameters)
		tools = append(tools, toolSpecWrap{ToolSpecification: spec})
		if schema := spec.InputSchema.JSON; schema != nil {
			if required, ok := schema["required"].([]any); ok && len(required) > 0 {
				requiredParams[t.Name] = true
			}
		}
	}

	// Every toolUseId referenced by a tool result, across the whole
	// request. Referenced uses are never filtered from history.
	referenced := make(map[string]bool)
	for _, msg := range req.Messages {
		for _, p := range msg.Parts {
			if p.FunctionResponse != nil {
				referenced[p.FunctionResponse.ID] = true
			}
		}
	}

	// Split the conversation: everything before the last user turn is
	// history, the last user turn is the current message.
	lastUser := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			lastUser = i
			break
		}
	}

	var history []historyEntry
	for i, msg := range req.Messages {
		if i == lastUser {
			break
		}
		if msg.Role == "user" {
			history = append(history, historyEntry{
				UserInputMessage: &userInputMessage{Content: turnText(msg)},
			})
			continue
		}
		arm := &assistantResponseMessage{Content: turnText(msg)}
		for _, p := range msg.Parts {
			if p.FunctionCall == nil {
				continue
			}
			use := toolUse{
				ToolUseID: p.FunctionCall.ID,
				Name:      p.FunctionCall.Name,
				Input:     p.FunctionCall.Args,
			}
			if use.Input == nil {
				use.Input = map[string]any{}
			}
			// An empty invocation of a tool with required parameters is
			// dead weight upstream rejects, unless a toolResult still
			// points at it.
			if len(use.Input) == 0 && requiredParams[use.Name] && !referenced[use.ToolUseID] {
				continue
			}
			arm.ToolUses = append(arm.ToolUses, use)
		}
		history = append(history, historyEntry{AssistantResponseMessage: arm})
	}

	current := &userInputMessage{
		ModelID: modelID,
		Origin:  "AI_EDITOR",
	}
	var results []toolResult
	if lastUser >= 0 {
		msg := req.Messages[lastUser]
		current.Content = turnText(msg)
		for _, p := range msg.Parts {
			switch {
			case p.FunctionResponse != nil:
				tr := toolResult{ToolUseID: p.FunctionResponse.ID, Status: "success"}
				if p.FunctionResponse.IsError {
					tr.Status = "error"
				}
				if text, ok := p.FunctionResponse.Response["result"].(string); ok {
					tr.Content = append(tr.Content, toolResultOutput{Text: text})
				} else if p.FunctionResponse.Response != nil {
					data, _ := json.Marshal(p.FunctionResponse.Response)
					tr.Content = append(tr.Content, toolResultOutput{JSON: data})
				}
				results = append(results, tr)
			case p.InlineData != nil:
				img := upstreamImage{Format: formatFromMime(p.InlineData.MimeType)}
				img.Source.Bytes = p.InlineData.Data
				current.Images = append(current.Images, img)
			}
		}
	}
	// System text rides ahead of the current message content.
	if len(req.System) > 0 {
		sys := ""
		for _, s := range req.System {
			sys += s + "\n\n"
		}
		current.Content = sys + current.Content
	}
	if len(results) > 0 || len(tools) > 0 {
		current.UserInputMessageContext = &userInputContext{
			ToolResults: results,
			Tools:       tools,
		}
	}

	body := upstreamRequest{
		ProfileArn: profileArn,
		ConversationState: conversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  uuid.NewString(),
			CurrentMessage:  historyEntry{UserInputMessage: current},
			History:         history,
		},
	}
	return json.Marshal(body)
}

func turnText(msg protocol.Content) string {
	out := ""
	for _, p := range msg.Parts {
		if p.Thought || p.FunctionCall != nil || p.FunctionResponse != nil || p.InlineData != nil {
			continue
		}
		out += p.Text
	}
	return out
}

func formatFromMime(mime string) string {
	switch mime {
	case "image/jpeg":
		return "jpeg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}
