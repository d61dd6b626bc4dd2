package openaicompat

import (
	"encoding/json"
	"fmt"
	"strings"

	stride "github.com/nevindra/stride"
)

// BuildBody converts stride messages and tool definitions into an
// OpenAI-format ChatRequest. Tags and cache-control markers must already be
// stripped by the engine; this dialect has no cache-control surface, so any
// remaining markers are ignored. Options configure generation parameters
// (temperature, top_p, etc.).
func BuildBody(messages []stride.Message, tools []stride.Definition, model string, opts ...Option) ChatRequest {
	var msgs []Message

	for _, m := range messages {
		switch m.Role {
		case stride.RoleSystem:
			msgs = append(msgs, Message{
				Role:    "system",
				Content: m.Text(),
			})

		case stride.RoleAssistant:
			msg := Message{Role: "assistant"}
			for _, tc := range m.ToolCalls() {
				msg.ToolCalls = append(msg.ToolCalls, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			// Reasoning parts fold into the text; this dialect has no
			// separate reasoning channel.
			if text := assistantText(m); text != "" {
				msg.Content = text
			}
			msgs = append(msgs, msg)

		case stride.RoleTool:
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    toolResultText(m),
				ToolCallID: m.ToolCallID,
			})

		default:
			if blocks := userBlocks(m); blocks != nil {
				msgs = append(msgs, Message{Role: "user", Content: blocks})
			} else {
				msgs = append(msgs, Message{Role: "user", Content: m.Text()})
			}
		}
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}

	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}

	for _, opt := range opts {
		opt(&req)
	}

	return req
}

// assistantText joins an assistant message's text and reasoning parts.
func assistantText(m stride.Message) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == stride.PartText || p.Kind == stride.PartReasoning {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// toolResultText flattens a tool message's parts into a single content
// string: text as-is, JSON values verbatim, media as a data URI reference.
func toolResultText(m stride.Message) string {
	var b strings.Builder
	for _, p := range m.Parts {
		switch p.Kind {
		case stride.PartText:
			b.WriteString(p.Text)
		case stride.PartJSON:
			b.Write(p.Value)
		case stride.PartMedia:
			fmt.Fprintf(&b, "[media %s]", p.MimeType)
		}
	}
	return b.String()
}

// userBlocks returns multimodal content blocks for a user message carrying
// image or file parts, or nil when plain text suffices.
func userBlocks(m stride.Message) []ContentBlock {
	multimodal := false
	for _, p := range m.Parts {
		if p.Kind == stride.PartImage || p.Kind == stride.PartFile {
			multimodal = true
			break
		}
	}
	if !multimodal {
		return nil
	}

	var blocks []ContentBlock
	for _, p := range m.Parts {
		switch p.Kind {
		case stride.PartText:
			blocks = append(blocks, ContentBlock{Type: "text", Text: p.Text})
		case stride.PartImage:
			blocks = append(blocks, ContentBlock{
				Type:     "image_url",
				ImageURL: &ImageURL{URL: dataURL(p)},
			})
		case stride.PartFile:
			blocks = append(blocks, ContentBlock{
				Type: "file",
				File: &FileData{URL: dataURL(p)},
			})
		}
	}
	return blocks
}

// dataURL returns the part's URL, or a data URI built from its inline base64
// payload.
func dataURL(p stride.Part) string {
	if p.URL != "" {
		return p.URL
	}
	return fmt.Sprintf("data:%s;base64,%s", p.MimeType, p.Data)
}

// BuildToolDefs converts stride tool definitions to OpenAI tool format.
// Engine scheduling flags (soft, endsAgentStep, clientSide) never reach the
// wire; only name, description, and the input schema do.
func BuildToolDefs(tools []stride.Definition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
