package main

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Overridden in tests.
var perplexityBaseURL = "https://api.perplexity.ai"

// Schema advertised to the model when a search key is configured.
var webSearchTool = openai.ChatCompletionToolParam{
	Function: openai.FunctionDefinitionParam{
		Name:        "web_search",
		Description: openai.String("Search the web for current information and return a summarized answer with sources."),
		Parameters: openai.FunctionParameters{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query.",
				},
			},
			"required": []string{"query"},
		},
	},
}

// SearchClient runs web_search tool calls against Perplexity, whose API
// speaks the same chat-completion dialect as the upstream LLM.
type SearchClient struct {
	client openai.Client
	model  string
}

func NewSearchClient(apiKey string) *SearchClient {
	return &SearchClient{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(perplexityBaseURL),
		),
		model: "sonar",
	}
}

func (s *SearchClient) Search(ctx context.Context, query string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(query),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrToolFailed, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty search response", ErrToolFailed)
	}
	return resp.Choices[0].Message.Content, nil
}
