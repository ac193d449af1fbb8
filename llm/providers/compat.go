package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/shijie-nv/houseagent/llm"
)

// CompatProvider speaks the OpenAI chat completions API, which Ollama,
// vLLM, OpenRouter and OpenAI itself all serve.
type CompatProvider struct {
	name       string
	defaultURL string
}

// Ollama returns the provider for a local Ollama server.
func Ollama() *CompatProvider {
	return &CompatProvider{name: "ollama", defaultURL: "http://localhost:11434/v1"}
}

// OpenAI returns the provider for the hosted OpenAI API.
func OpenAI() *CompatProvider {
	return &CompatProvider{name: "openai", defaultURL: "https://api.openai.com/v1"}
}

func init() {
	llm.RegisterProvider(Ollama())
	llm.RegisterProvider(OpenAI())
}

// Name returns the provider identifier.
func (p *CompatProvider) Name() string {
	return p.name
}

// BuildURL constructs the chat completions endpoint.
func (p *CompatProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = p.defaultURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// SetHeaders adds bearer auth when OPENAI_API_KEY is set, plus the optional
// OpenRouter attribution headers.
func (p *CompatProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildRequestBody creates a non-streaming chat completions body.
func (p *CompatProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	req := chatRequest{
		Model:       model,
		Messages:    make([]chatMessage, len(messages)),
		Temperature: temperature,
	}
	for i, msg := range messages {
		req.Messages[i] = chatMessage{Role: msg.Role, Content: msg.Content}
	}
	if maxTokens > 0 {
		req.MaxTokens = &maxTokens
	}
	return json.Marshal(req)
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ParseResponse extracts the first choice.
func (p *CompatProvider) ParseResponse(body []byte, model string) (*llm.Response, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	if resp.Model == "" {
		resp.Model = model
	}

	return &llm.Response{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}
