package anthropic

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	stride "github.com/nevindra/stride"
)

// decodeMessage translates a complete SDK message into a model response.
func decodeMessage(msg *sdk.Message) stride.ModelResponse {
	var resp stride.ModelResponse
	if msg == nil {
		return resp
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				resp.Parts = append(resp.Parts, stride.TextPart(block.Text))
			}
		case "thinking":
			if block.Thinking != "" {
				resp.Parts = append(resp.Parts, stride.ReasoningPart(block.Thinking))
			}
		case "tool_use":
			resp.Parts = append(resp.Parts, stride.ToolCallPart(stride.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: normalizeInput(block.Input),
			}))
		}
	}
	resp.Usage = decodeUsage(msg.Usage)
	return resp
}

func decodeUsage(u sdk.Usage) stride.Usage {
	return stride.Usage{
		InputTokens:  int(u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens),
		OutputTokens: int(u.OutputTokens),
		CachedTokens: int(u.CacheReadInputTokens),
	}
}

// toolBuffer accumulates streamed input_json_delta fragments for one tool-use
// content block.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) input() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(joined)
}

func normalizeInput(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

// decodeStream consumes Messages streaming events, emitting text and
// reasoning deltas into ch and tool calls whole once their input JSON is
// assembled. Returns the consolidated response. ch is closed on return.
func decodeStream(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], ch chan<- stride.Part) (stride.ModelResponse, error) {
	defer close(ch)
	defer func() { _ = stream.Close() }()

	var resp stride.ModelResponse
	tools := make(map[int]*toolBuffer)
	open := make(map[int]int) // content block index -> resp.Parts index

	emit := func(p stride.Part) error {
		select {
		case ch <- p:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			resp.Usage = decodeUsage(ev.Message.Usage)

		case sdk.ContentBlockStartEvent:
			idx := int(ev.Index)
			if block, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				tools[idx] = &toolBuffer{id: block.ID, name: block.Name}
			}

		case sdk.ContentBlockDeltaEvent:
			idx := int(ev.Index)
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				appendDelta(&resp, open, idx, stride.PartText, delta.Text)
				if err := emit(stride.TextPart(delta.Text)); err != nil {
					return resp, err
				}
			case sdk.ThinkingDelta:
				if delta.Thinking == "" {
					continue
				}
				appendDelta(&resp, open, idx, stride.PartReasoning, delta.Thinking)
				if err := emit(stride.ReasoningPart(delta.Thinking)); err != nil {
					return resp, err
				}
			case sdk.InputJSONDelta:
				if tb := tools[idx]; tb != nil && delta.PartialJSON != "" {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
				}
			}

		case sdk.ContentBlockStopEvent:
			idx := int(ev.Index)
			delete(open, idx)
			if tb := tools[idx]; tb != nil {
				delete(tools, idx)
				part := stride.ToolCallPart(stride.ToolCall{ID: tb.id, Name: tb.name, Input: tb.input()})
				resp.Parts = append(resp.Parts, part)
				if err := emit(part); err != nil {
					return resp, err
				}
			}

		case sdk.MessageDeltaEvent:
			// Cumulative counters; input tokens were reported at message_start.
			if ev.Usage.OutputTokens > 0 {
				resp.Usage.OutputTokens = int(ev.Usage.OutputTokens)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return resp, wrapErr(err)
	}
	if err := ctx.Err(); err != nil {
		return resp, err
	}
	return resp, nil
}

// appendDelta folds a streamed delta into the consolidated parts list,
// extending the open block at idx or starting a new part.
func appendDelta(resp *stride.ModelResponse, open map[int]int, idx int, kind stride.PartKind, text string) {
	if i, ok := open[idx]; ok && resp.Parts[i].Kind == kind {
		resp.Parts[i].Text += text
		return
	}
	resp.Parts = append(resp.Parts, stride.Part{Kind: kind, Text: text})
	open[idx] = len(resp.Parts) - 1
}
