// Package stride is a step-driven agent execution runtime for Go.
//
// It runs LLM-backed agents as sequences of steps: each step composes the
// conversation, calls the model, executes the tools the model requested, and
// appends the results. Templates describe agents declaratively; an optional
// step handler takes programmatic control of the loop through a directive
// protocol (STEP, STEP_ALL, STEP_TEXT, GENERATE_N, TOOL_CALL).
//
// # Quick Start
//
// Create an engine over a provider and a set of agent templates:
//
//	provider := stride.WithRetry(anthropic.New(apiKey))
//	templates, _ := stride.NewTemplateRegistry(
//		stride.AgentTemplate{
//			ID:           "assistant",
//			Model:        "claude-sonnet-4-5",
//			SystemPrompt: "You are a helpful assistant.",
//			ToolNames:    []string{"read_files", "spawn_agents"},
//		},
//	)
//	engine := stride.NewEngine(provider, templates)
//
//	result, err := engine.Run(ctx, stride.RunRequest{
//		AgentID: "assistant",
//		Prompt:  "What does this project do?",
//	})
//
// RunStream delivers ordered progress events (text deltas, tool calls,
// subagent lifecycle) while the run is in flight.
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — model backend (generation, streaming, tool calling)
//   - [Registry] — tool definitions, handlers, and input validation
//   - [StepHandler] — programmatic control of an agent's step loop
//   - [SessionStore] — durable session persistence
//   - [FileFilter] — authoritative file-access gating
//   - [Tracer] — span creation seam (OTEL implementation in observer/)
//
// # Included Implementations
//
// Providers: provider/anthropic (official SDK), provider/openaicompat
// (OpenAI-compatible APIs), provider/resolve (model id routing).
// Storage: store/sqlite (local), store/postgres.
// Transport: gateway/ (WebSocket client protocol).
//
// See cmd/stride for a complete server and one-shot runner.
package stride
