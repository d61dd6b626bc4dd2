package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	stride "github.com/nevindra/stride"
)

// StreamSSE reads an SSE stream from body, sends parts to ch, and returns the
// fully accumulated response. Text arrives as delta parts; tool calls stream
// incrementally on the wire but are emitted whole, one part per call, once
// their arguments are complete.
//
// The channel is closed when streaming completes. Callers should read from ch
// in a separate goroutine. The context cancels channel sends if the consumer
// is no longer interested.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- stride.Part) (stride.ModelResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var usage stride.Usage

	// Accumulate tool calls across chunks. OpenAI streams tool calls
	// incrementally: each chunk has an index, and arguments arrive as string
	// fragments.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if len(chunk.Choices) == 0 {
			// Usage-only chunk (some providers send this).
			if chunk.Usage != nil {
				usage = parseUsage(chunk.Usage)
			}
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		// Accumulate text content.
		if delta.Content != "" {
			fullContent.WriteString(delta.Content)
			select {
			case ch <- stride.TextPart(delta.Content):
			case <-ctx.Done():
				return stride.ModelResponse{}, ctx.Err()
			}
		}

		// Accumulate tool calls.
		for _, tc := range delta.ToolCalls {
			// Ensure we have a slot for this tool call index.
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}

			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}

		// Extract usage from chunks that include it.
		if chunk.Usage != nil {
			usage = parseUsage(chunk.Usage)
		}
	}

	if err := scanner.Err(); err != nil {
		return stride.ModelResponse{}, err
	}

	var parts []stride.Part
	if fullContent.Len() > 0 {
		parts = append(parts, stride.TextPart(fullContent.String()))
	}
	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		part := stride.ToolCallPart(stride.ToolCall{
			ID:    tc.ID,
			Name:  tc.Name,
			Input: args,
		})
		select {
		case ch <- part:
		case <-ctx.Done():
			return stride.ModelResponse{}, ctx.Err()
		}
		parts = append(parts, part)
	}

	return stride.ModelResponse{
		Parts: parts,
		Usage: usage,
	}, nil
}
