// Package providers implements LLM provider adapters. Importing it registers
// the ollama, ollama-native and openai providers with the llm package.
package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/shijie-nv/houseagent/llm"
)

// EnvOllamaKeepAlive sets how long Ollama keeps the model loaded after a request.
const EnvOllamaKeepAlive = "OLLAMA_KEEP_ALIVE"

// OllamaNativeProvider speaks Ollama's own /api/chat endpoint. Unlike the
// compatible endpoint it accepts keep_alive, which stops a model with long
// gaps between bundles from being unloaded and reloaded each window.
type OllamaNativeProvider struct{}

func init() {
	llm.RegisterProvider(&OllamaNativeProvider{})
}

// Name returns the provider identifier.
func (p *OllamaNativeProvider) Name() string {
	return "ollama-native"
}

// BuildURL constructs the chat endpoint. A base ending in /v1 is accepted so
// one URL can serve both Ollama providers.
func (p *OllamaNativeProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/v1")
	return baseURL + "/api/chat"
}

// SetHeaders is a no-op; a local Ollama needs no auth.
func (p *OllamaNativeProvider) SetHeaders(*http.Request) {}

type ollamaRequest struct {
	Model     string         `json:"model"`
	Messages  []chatMessage  `json:"messages"`
	Stream    bool           `json:"stream"`
	Options   *ollamaOptions `json:"options,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

// BuildRequestBody creates a non-streaming chat body.
func (p *OllamaNativeProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	req := ollamaRequest{
		Model:     model,
		Messages:  make([]chatMessage, len(messages)),
		KeepAlive: os.Getenv(EnvOllamaKeepAlive),
	}
	for i, msg := range messages {
		req.Messages[i] = chatMessage{Role: msg.Role, Content: msg.Content}
	}
	if temperature != nil || maxTokens > 0 {
		req.Options = &ollamaOptions{Temperature: temperature, NumPredict: maxTokens}
	}
	return json.Marshal(req)
}

type ollamaResponse struct {
	Model   string `json:"model"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// ParseResponse extracts the assistant message.
func (p *OllamaNativeProvider) ParseResponse(body []byte, model string) (*llm.Response, error) {
	var resp ollamaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse ollama response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("ollama: %s", resp.Error)
	}
	if !resp.Done {
		return nil, fmt.Errorf("ollama response incomplete")
	}
	if resp.Model == "" {
		resp.Model = model
	}

	return &llm.Response{
		Content: resp.Message.Content,
		Model:   resp.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
		FinishReason: resp.DoneReason,
	}, nil
}
