package anthropic

import (
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	stride "github.com/nevindra/stride"
)

// buildParams translates a request into SDK message params. System messages
// become top-level system blocks; tool messages become user messages holding
// tool_result blocks; adjacent same-role messages are merged afterwards so
// the conversation alternates the way the API requires.
func (p *Provider) buildParams(req stride.Request) (sdk.MessageNewParams, error) {
	if req.Model == "" {
		return sdk.MessageNewParams{}, &stride.ErrLLM{Provider: "anthropic", Message: "model id is required"}
	}

	var system []sdk.TextBlockParam
	var conversation []sdk.MessageParam

	for _, m := range req.Messages {
		switch m.Role {
		case stride.RoleSystem:
			system = append(system, encodeSystem(m)...)
		case stride.RoleUser:
			if blocks := encodeUserParts(m); len(blocks) > 0 {
				conversation = append(conversation, sdk.NewUserMessage(blocks...))
			}
		case stride.RoleAssistant:
			if blocks := encodeAssistantParts(m); len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}
		case stride.RoleTool:
			conversation = append(conversation, sdk.NewUserMessage(encodeToolResult(m)))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		Messages:  mergeAdjacent(conversation),
		MaxTokens: p.maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if p.temp != nil {
		params.Temperature = sdk.Float(*p.temp)
	}
	if p.thinking > 0 {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(p.thinking)
	}
	return params, nil
}

func encodeSystem(m stride.Message) []sdk.TextBlockParam {
	marked := cacheMarked(m.ProviderOptions)
	var out []sdk.TextBlockParam
	for _, p := range m.Parts {
		if p.Kind != stride.PartText || p.Text == "" {
			continue
		}
		block := sdk.TextBlockParam{Text: p.Text}
		if marked || cacheMarked(p.ProviderOptions) {
			block.CacheControl = sdk.NewCacheControlEphemeralParam()
		}
		out = append(out, block)
	}
	return out
}

func encodeUserParts(m stride.Message) []sdk.ContentBlockParamUnion {
	var blocks []sdk.ContentBlockParamUnion
	for _, part := range m.Parts {
		var b sdk.ContentBlockParamUnion
		switch part.Kind {
		case stride.PartText:
			if part.Text == "" {
				continue
			}
			b = sdk.NewTextBlock(part.Text)
		case stride.PartImage:
			b = sdk.NewImageBlockBase64(part.MimeType, part.Data)
		case stride.PartFile:
			b = encodeFile(part)
		default:
			continue
		}
		if cacheMarked(part.ProviderOptions) {
			applyCacheControl(&b)
		}
		blocks = append(blocks, b)
	}
	// A message-level marker lands on the last block.
	if cacheMarked(m.ProviderOptions) && len(blocks) > 0 {
		applyCacheControl(&blocks[len(blocks)-1])
	}
	return blocks
}

// encodeFile maps a file part onto the closest native block: PDFs become
// document blocks, images become image blocks, anything else is referenced
// by mime type as text.
func encodeFile(part stride.Part) sdk.ContentBlockParamUnion {
	switch {
	case part.MimeType == "application/pdf":
		return sdk.ContentBlockParamUnion{
			OfDocument: &sdk.DocumentBlockParam{
				Source: sdk.DocumentBlockParamSourceUnion{
					OfBase64: &sdk.Base64PDFSourceParam{Data: part.Data},
				},
			},
		}
	case strings.HasPrefix(part.MimeType, "image/"):
		return sdk.NewImageBlockBase64(part.MimeType, part.Data)
	default:
		return sdk.NewTextBlock("[attached file: " + part.MimeType + "]")
	}
}

func encodeAssistantParts(m stride.Message) []sdk.ContentBlockParamUnion {
	marked := cacheMarked(m.ProviderOptions)
	var blocks []sdk.ContentBlockParamUnion
	for _, part := range m.Parts {
		var b sdk.ContentBlockParamUnion
		switch part.Kind {
		case stride.PartText:
			if part.Text == "" {
				continue
			}
			b = sdk.NewTextBlock(part.Text)
		case stride.PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			input := part.ToolCall.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			b = sdk.NewToolUseBlock(part.ToolCall.ID, input, part.ToolCall.Name)
		default:
			// Reasoning is not re-encoded; replayed thinking blocks require
			// signatures the engine does not persist.
			continue
		}
		if marked || cacheMarked(part.ProviderOptions) {
			applyCacheControl(&b)
		}
		blocks = append(blocks, b)
	}
	return blocks
}

func encodeToolResult(m stride.Message) sdk.ContentBlockParamUnion {
	b := sdk.NewToolResultBlock(m.ToolCallID, toolResultText(m.Parts), false)
	if cacheMarked(m.ProviderOptions) {
		applyCacheControl(&b)
	}
	return b
}

// toolResultText flattens tool output parts into a single string: text
// verbatim, JSON values verbatim, media referenced by mime type.
func toolResultText(parts []stride.Part) string {
	var b strings.Builder
	for _, p := range parts {
		switch p.Kind {
		case stride.PartText:
			b.WriteString(p.Text)
		case stride.PartJSON:
			b.WriteString(string(p.Value))
		case stride.PartMedia:
			b.WriteString("[media " + p.MimeType + "]")
		}
	}
	return b.String()
}

func encodeTools(defs []stride.Definition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema sdk.ToolInputSchemaParam
		if len(def.Parameters) > 0 {
			if err := json.Unmarshal(def.Parameters, &schema); err != nil {
				return nil, &stride.ErrLLM{Provider: "anthropic", Message: "tool " + def.Name + ": invalid input schema"}
			}
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

// mergeAdjacent fuses consecutive same-role conversation messages. Tool
// results arrive as individual user messages and the API rejects
// non-alternating roles.
func mergeAdjacent(msgs []sdk.MessageParam) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if len(out) > 0 && out[len(out)-1].Role == m.Role {
			out[len(out)-1].Content = append(out[len(out)-1].Content, m.Content...)
			continue
		}
		out = append(out, m)
	}
	return out
}

// cacheMarked reports whether the anthropic cache_control marker is present.
func cacheMarked(po stride.ProviderOptions) bool {
	kv, ok := po["anthropic"]
	if !ok {
		return false
	}
	_, ok = kv["cache_control"]
	return ok
}

// applyCacheControl sets the ephemeral cache marker on whichever block the
// union holds.
func applyCacheControl(u *sdk.ContentBlockParamUnion) {
	cc := sdk.NewCacheControlEphemeralParam()
	switch {
	case u.OfText != nil:
		u.OfText.CacheControl = cc
	case u.OfImage != nil:
		u.OfImage.CacheControl = cc
	case u.OfToolUse != nil:
		u.OfToolUse.CacheControl = cc
	case u.OfToolResult != nil:
		u.OfToolResult.CacheControl = cc
	case u.OfDocument != nil:
		u.OfDocument.CacheControl = cc
	}
}
