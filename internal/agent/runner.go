package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/punypage/punypage/internal/logging"
	"github.com/punypage/punypage/internal/model"
	"github.com/punypage/punypage/internal/observability"
)

const DefaultMaxTurns = 8

const systemPrompt = `You are the writing assistant of Punypage, a personal document workspace.
Help the user write, edit and organize their documents. When the message
starts with <document_title> and <document_content> blocks, they hold the
document the user currently has open. Use the document tools to read, create,
update, delete, list and search documents; update a document only when asked.`

type EventType string

const (
	EventText       EventType = "text"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
)

// Event is streamed to the caller while a turn runs.
type Event struct {
	Type      EventType
	Text      string
	ToolUseID string
	ToolName  string
	Input     json.RawMessage
	Content   string
	IsError   bool
}

type Request struct {
	UserID string
	// SDKSessionID resumes an earlier conversation; empty starts a new one.
	SDKSessionID string
	Message      string
}

type Result struct {
	SDKSessionID string
	NewSession   bool
	// Text is the assistant text of all model calls of the turn.
	Text string
}

type RunnerConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	MaxTurns int
}

// Runner drives an OpenAI-compatible streaming chat completion loop,
// executing tool calls in process until the model answers without tools.
type Runner struct {
	client      *openai.Client
	model       string
	maxTurns    int
	tools       *Registry
	transcripts TranscriptStore
	logger      *zap.Logger
	metrics     *observability.Metrics
}

func NewRunner(cfg RunnerConfig, tools *Registry, transcripts TranscriptStore, logger *zap.Logger, metrics *observability.Metrics) *Runner {
	r := &Runner{
		model:       cfg.Model,
		maxTurns:    cfg.MaxTurns,
		tools:       tools,
		transcripts: transcripts,
		logger:      logging.OrNop(logger).Named("agent"),
		metrics:     metrics,
	}
	if r.maxTurns <= 0 {
		r.maxTurns = DefaultMaxTurns
	}
	if r.transcripts == nil {
		r.transcripts = NewMemoryTranscripts()
	}
	if cfg.APIKey != "" {
		oc := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
		r.client = openai.NewClientWithConfig(oc)
	}
	return r
}

func (r *Runner) toolDefinitions() []openai.Tool {
	specs := r.tools.ListOrdered()
	out := make([]openai.Tool, 0, len(specs))
	for _, t := range specs {
		spec := t.Spec()
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        PrefixedName(spec.Name),
				Description: spec.Description,
				Parameters:  spec.JSONSchema(),
			},
		})
	}
	return out
}

// Run executes one user turn. emit is called synchronously from the calling
// goroutine. The transcript is saved even when ctx is cancelled mid-turn, so
// an interrupted session can be resumed.
func (r *Runner) Run(ctx context.Context, req Request, emit func(Event)) (*Result, error) {
	if r.client == nil {
		return nil, &model.UnavailableError{Backend: "llm"}
	}
	res := &Result{SDKSessionID: req.SDKSessionID}
	if res.SDKSessionID == "" {
		res.SDKSessionID = uuid.NewString()
		res.NewSession = true
	}
	log := r.logger.With(zap.String("sdk_session_id", res.SDKSessionID), zap.String("user_id", req.UserID))

	history, err := r.transcripts.Load(ctx, res.SDKSessionID)
	if err != nil {
		return nil, err
	}
	history = append(history, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Message})
	defer func() {
		if err := r.transcripts.Save(context.WithoutCancel(ctx), res.SDKSessionID, history); err != nil {
			log.Warn("save transcript", zap.Error(err))
		}
	}()

	var text strings.Builder
	tools := r.toolDefinitions()
	for turn := 0; turn < r.maxTurns; turn++ {
		messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
		messages = append(messages, history...)

		assistant, err := r.complete(ctx, messages, tools, emit)
		if assistant.Content != "" || len(assistant.ToolCalls) > 0 {
			history = append(history, assistant)
		}
		text.WriteString(assistant.Content)
		if err != nil {
			res.Text = text.String()
			return res, err
		}
		if len(assistant.ToolCalls) == 0 {
			res.Text = text.String()
			return res, nil
		}

		for _, tc := range assistant.ToolCalls {
			content, isError := r.callTool(ctx, req.UserID, tc, emit)
			history = append(history, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				ToolCallID: tc.ID,
			})
			if isError {
				log.Debug("tool returned error", zap.String("tool", tc.Function.Name))
			}
		}
		if err := ctx.Err(); err != nil {
			res.Text = text.String()
			return res, err
		}
	}
	log.Warn("agent stopped at max turns", zap.Int("max_turns", r.maxTurns))
	res.Text = text.String()
	return res, nil
}

// complete streams one model call, emitting text deltas, and returns the
// assembled assistant message.
func (r *Runner) complete(ctx context.Context, messages []openai.ChatCompletionMessage, tools []openai.Tool, emit func(Event)) (openai.ChatCompletionMessage, error) {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
	stream, err := r.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    r.model,
		Messages: messages,
		Tools:    tools,
		Stream:   true,
	})
	if err != nil {
		return msg, fmt.Errorf("start completion: %w", err)
	}
	defer stream.Close()

	var content strings.Builder
	calls := map[int]*openai.ToolCall{}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			msg.Content = content.String()
			return msg, fmt.Errorf("stream completion: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			emit(Event{Type: EventText, Text: delta.Content})
		}
		for i, tc := range delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := calls[idx]
			if !ok {
				acc = &openai.ToolCall{Type: openai.ToolTypeFunction}
				calls[idx] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Function.Name += tc.Function.Name
			}
			acc.Function.Arguments += tc.Function.Arguments
		}
	}

	msg.Content = content.String()
	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		tc := calls[idx]
		if tc.ID == "" {
			tc.ID = "call_" + uuid.NewString()
		}
		msg.ToolCalls = append(msg.ToolCalls, *tc)
	}
	return msg, nil
}

func (r *Runner) callTool(ctx context.Context, userID string, tc openai.ToolCall, emit func(Event)) (string, bool) {
	name := tc.Function.Name
	input := json.RawMessage(tc.Function.Arguments)
	if len(strings.TrimSpace(tc.Function.Arguments)) == 0 {
		input = json.RawMessage("{}")
	}
	emit(Event{Type: EventToolUse, ToolUseID: tc.ID, ToolName: name, Input: input})

	content, err := r.execute(ctx, userID, name, input)
	isError := err != nil
	if isError {
		content = "Error: " + err.Error()
	}
	r.metrics.ToolCall(UnprefixedName(name), isError)
	emit(Event{Type: EventToolResult, ToolUseID: tc.ID, ToolName: name, Content: content, IsError: isError})
	return content, isError
}

func (r *Runner) execute(ctx context.Context, userID, name string, input json.RawMessage) (string, error) {
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid tool arguments: %w", err)
	}
	return r.tools.Execute(ctx, ToolCall{UserID: userID, Name: name, Input: args})
}
