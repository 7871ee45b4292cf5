package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// Final outbound chunk of every successful turn decrypts to this.
	eofSentinel = "\x04"

	maxToolRounds   = 4
	upstreamTimeout = 2 * time.Minute
)

// Orchestrator drives the upstream chat-completion stream for one
// session at a time per sid, flushing encrypted response chunks into
// the store as the stream grows.
type Orchestrator struct {
	cfg    Config
	store  *Store
	crypto *Crypto
	search *SearchClient
	client openai.Client
	logger *log.Logger
}

func NewOrchestrator(cfg Config, store *Store, crypto *Crypto, logger *log.Logger) *Orchestrator {
	// Retry policy lives here, not in the SDK.
	opts := []option.RequestOption{option.WithAPIKey(cfg.OpenAIAPIKey), option.WithMaxRetries(0)}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.OpenAIBaseURL))
	}
	o := &Orchestrator{
		cfg:    cfg,
		store:  store,
		crypto: crypto,
		client: openai.NewClient(opts...),
		logger: logger.With("component", "llm"),
	}
	if cfg.PerplexityKey != "" {
		o.search = NewSearchClient(cfg.PerplexityKey)
		o.logger.Info("web_search tool enabled")
	}
	return o
}

// Submit starts the worker for an assembled inbound message. Rejected
// if the session already has a generation running.
func (o *Orchestrator) Submit(sid string, blob []byte) {
	ctx, cancel := context.WithCancel(context.Background())
	if !o.store.BeginGeneration(sid, cancel) {
		cancel()
		o.logger.Warn("generation already active", "sid", sid)
		return
	}
	go o.run(ctx, cancel, sid, blob)
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, sid string, blob []byte) {
	defer cancel()

	plain, err := o.decode(blob)
	if err != nil {
		o.logger.Warn("inbound decrypt failed", "sid", sid)
		o.fail(sid, "decrypt failed: key mismatch or corrupt channel")
		return
	}
	text := string(plain)

	if strings.TrimSpace(text) == "/clear" {
		o.logger.Info("history cleared", "sid", sid)
		o.store.ClearHistory(sid)
		o.emit(sid, "OK")
		o.emit(sid, eofSentinel)
		o.store.MarkComplete(sid)
		return
	}

	o.store.AppendHistory(sid, chatMessage{Role: "user", Text: text})

	full, err := o.generate(ctx, sid)
	if err != nil {
		if ctx.Err() != nil {
			// Evicted or cleared mid-turn. Buffered output dies with
			// the session; nobody is polling for it.
			o.logger.Info("generation cancelled", "sid", sid)
			return
		}
		o.logger.Error("generation failed", "sid", sid, "err", err)
		o.fail(sid, "upstream error: "+truncate(err.Error(), 160))
		return
	}

	o.store.AppendHistory(sid, chatMessage{Role: "assistant", Text: full})
	o.emit(sid, eofSentinel)
	o.store.MarkComplete(sid)
	o.logger.Info("turn complete", "sid", sid, "chars", len(full))
}

func (o *Orchestrator) decode(blob []byte) ([]byte, error) {
	sealed, err := o.crypto.Open(blob)
	if err != nil {
		return nil, err
	}
	return expandPayload(sealed)
}

// generate runs the upstream call, streaming deltas into fixed-size
// encrypted chunks. One retry with backoff, and only if no text has
// streamed yet; a client may already have rendered earlier chunks.
func (o *Orchestrator) generate(ctx context.Context, sid string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.cfg.Model),
		Messages: o.requestMessages(sid),
	}
	if o.search != nil {
		params.Tools = []openai.ChatCompletionToolParam{webSearchTool}
	}

	var full strings.Builder
	var buf []byte
	flush := func(final bool) {
		for len(buf) >= outboundPlainUnit || (final && len(buf) > 0) {
			n := min(outboundPlainUnit, len(buf))
			o.emit(sid, string(buf[:n]))
			buf = buf[n:]
		}
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		err := o.streamTurn(ctx, sid, &params, func(delta string) {
			full.WriteString(delta)
			buf = append(buf, delta...)
			flush(false)
		})
		if err == nil {
			flush(true)
			return full.String(), nil
		}
		lastErr = err
		if full.Len() > 0 || ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("%w: %v", ErrUpstreamFatal, lastErr)
}

// streamTurn consumes one streaming completion, looping through tool
// rounds until the model produces a final answer.
func (o *Orchestrator) streamTurn(ctx context.Context, sid string, params *openai.ChatCompletionNewParams, onDelta func(string)) error {
	for round := 0; round <= maxToolRounds; round++ {
		callCtx, done := context.WithTimeout(ctx, upstreamTimeout)
		acc := openai.ChatCompletionAccumulator{}
		stream := o.client.Chat.Completions.NewStreaming(callCtx, *params)
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) > 0 {
				if delta := chunk.Choices[0].Delta.Content; delta != "" {
					onDelta(delta)
				}
			}
		}
		err := stream.Err()
		done()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUpstreamTransient, err)
		}
		if len(acc.Choices) == 0 {
			return fmt.Errorf("%w: empty completion", ErrUpstreamTransient)
		}

		choice := acc.Choices[0]
		if o.search == nil || choice.FinishReason != "tool_calls" || len(choice.Message.ToolCalls) == 0 {
			return nil
		}

		params.Messages = append(params.Messages, choice.Message.ToParam())
		for _, call := range choice.Message.ToolCalls {
			result := o.runTool(ctx, sid, call)
			params.Messages = append(params.Messages, openai.ToolMessage(result, call.ID))
		}
	}
	return fmt.Errorf("%w: tool round limit reached", ErrUpstreamFatal)
}

// runTool executes one web_search call. Failures become tool output
// text instead of aborting the turn.
func (o *Orchestrator) runTool(ctx context.Context, sid string, call openai.ChatCompletionMessageToolCall) string {
	var result string
	var args struct {
		Query string `json:"query"`
	}
	switch {
	case call.Function.Name != "web_search":
		result = "unknown tool: " + call.Function.Name
	case json.Unmarshal([]byte(call.Function.Arguments), &args) != nil || args.Query == "":
		result = "bad tool arguments"
	default:
		o.logger.Info("web_search", "sid", sid, "query", args.Query)
		res, err := o.search.Search(ctx, args.Query)
		if err != nil {
			result = "search failed: " + err.Error()
		} else {
			result = res
		}
	}
	o.store.AppendHistory(sid, chatMessage{Role: "tool", Text: result})
	return result
}

func (o *Orchestrator) requestMessages(sid string) []openai.ChatCompletionMessageParamUnion {
	history := o.store.History(sid)
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if o.cfg.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(o.cfg.SystemPrompt))
	}
	for _, m := range history {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Text))
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Text))
		case "tool":
			// Tool call ids don't survive past their turn, so replayed
			// tool output rides along as a system note.
			msgs = append(msgs, openai.SystemMessage("web_search result: "+m.Text))
		default:
			msgs = append(msgs, openai.UserMessage(m.Text))
		}
	}
	return msgs
}

// emit seals one plaintext unit into the session's outbound array.
func (o *Orchestrator) emit(sid string, plain string) {
	blob := o.crypto.Seal(compressPayload([]byte(plain)))
	o.store.AppendOutbound(sid, encodeLabel(blob))
}

// fail reports an error as the turn's last chunk. It is the only chunk
// unless generation had already flushed output before failing. Clients
// without the key see nothing; clients with it get a short diagnostic.
func (o *Orchestrator) fail(sid, msg string) {
	o.emit(sid, msg)
	o.store.MarkError(sid)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
