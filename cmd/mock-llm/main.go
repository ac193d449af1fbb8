// Package main implements a mock LLM server for exercising houseagent offline.
// It serves OpenAI-compatible /v1/chat/completions responses, so both the
// "ollama" and "openai" providers can point at it.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434 -fail-first 2
//
// Fixture files are plain-text narrations named by model (e.g. "llama3.txt"
// answers requests for model "llama3"). Numbered files ("llama3.1.txt",
// "llama3.2.txt") are returned in order on successive calls, then the base
// file repeats. A "default.txt" fixture answers any model without its own.
//
// Without fixtures the server narrates the request itself: it counts the
// device events found in the current state and names their topics.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// defaultModel is the fixture name used for models without their own fixtures.
const defaultModel = "default"

// --- OpenAI-compatible types ---

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

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Server ---

// capturedRequest stores the key fields of an incoming request for verification.
type capturedRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	CallIndex   int           `json:"call_index"` // 1-indexed per-model call number
	Timestamp   int64         `json:"timestamp"`
}

type server struct {
	fixtures  map[string][]string // model name → ordered narrations
	failFirst int                 // per-model calls answered with 503 before succeeding
	logger    *slog.Logger

	calls    atomic.Int64 // total calls served
	failures atomic.Int64 // injected failures

	mu         sync.Mutex
	modelCalls map[string]int
	requests   map[string][]capturedRequest
}

func newServer(fixtures map[string][]string, failFirst int, logger *slog.Logger) *server {
	if fixtures == nil {
		fixtures = map[string][]string{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures:   fixtures,
		failFirst:  failFirst,
		logger:     logger,
		modelCalls: make(map[string]int),
		requests:   make(map[string][]capturedRequest),
	}
}

// record counts the call and captures the request. It returns the 1-indexed per-model call number.
func (s *server) record(req chatRequest) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelCalls[req.Model]++
	n := s.modelCalls[req.Model]
	s.requests[req.Model] = append(s.requests[req.Model], capturedRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		CallIndex:   n,
		Timestamp:   time.Now().UnixMilli(),
	})
	return n
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)
	return mux
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture narration files")
	port := flag.Int("port", 11434, "port to listen on")
	failFirst := flag.Int("fail-first", 0, "answer the first N calls per model with 503")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Allow env var override
	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}

	var fixtures map[string][]string
	if *fixtureDir != "" {
		var err error
		fixtures, err = loadFixtures(*fixtureDir)
		if err != nil {
			logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
			os.Exit(1)
		}
		for model, seq := range fixtures {
			logger.Info("Loaded fixtures", "model", model, "count", len(seq))
		}
	} else {
		logger.Info("No fixtures configured, narrating requests")
	}

	s := newServer(fixtures, *failFirst, logger)

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("Mock LLM server listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: s.handler(), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, "messages are required", http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	callIndex := s.record(req)
	s.logger.Debug("Chat completion", "call", callNum, "model", req.Model, "model_call", callIndex, "messages", len(req.Messages))

	if callIndex <= s.failFirst {
		s.failures.Add(1)
		s.logger.Info("Injected failure", "call", callNum, "model", req.Model)
		http.Error(w, "model is loading", http.StatusServiceUnavailable)
		return
	}

	content := s.respond(req, callIndex-s.failFirst)

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Index: 0,
				Message: chatMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     promptLength(req) / 4, // rough estimate
			CompletionTokens: len(content) / 4,
			TotalTokens:      (promptLength(req) + len(content)) / 4,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// respond picks the narration for the nth successful call to req.Model.
func (s *server) respond(req chatRequest, n int) string {
	seq, ok := s.fixtures[req.Model]
	if !ok {
		seq, ok = s.fixtures[defaultModel]
	}
	if !ok || len(seq) == 0 {
		return narrate(req)
	}
	if n-1 < len(seq) {
		return seq[n-1]
	}
	return seq[len(seq)-1] // repeat last fixture
}

func promptLength(req chatRequest) int {
	n := 0
	for _, m := range req.Messages {
		n += len(m.Content)
	}
	return n
}

// topicRe finds the topics of bundled events in a rendered prompt.
var topicRe = regexp.MustCompile(`"topic"\s*:\s*"([^"]+)"`)

// narrate describes the events in the last user message.
func narrate(req chatRequest) string {
	var prompt string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			prompt = req.Messages[i].Content
			break
		}
	}

	matches := topicRe.FindAllStringSubmatch(prompt, -1)
	if len(matches) == 0 {
		return "Nothing has changed in the house."
	}

	seen := make(map[string]bool)
	var topics []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			topics = append(topics, m[1])
		}
	}
	sort.Strings(topics)

	noun := "events"
	if len(matches) == 1 {
		noun = "event"
	}
	return fmt.Sprintf("I noticed %d %s from %s.", len(matches), noun, strings.Join(topics, ", "))
}

// handleModels returns the list of available mock models.
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	names := make([]string, 0, len(s.fixtures))
	for name := range s.fixtures {
		names = append(names, name)
	}
	sort.Strings(names)

	models := make([]modelEntry, 0, len(names))
	for _, name := range names {
		models = append(models, modelEntry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   models,
	})
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	callsByModel := make(map[string]int, len(s.modelCalls))
	for model, n := range s.modelCalls {
		callsByModel[model] = n
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":    s.calls.Load(),
		"failed_calls":   s.failures.Load(),
		"calls_by_model": callsByModel,
	})
}

// handleRequests returns captured requests for test assertions.
// Query params:
//   - model: filter by model name (optional, returns all models if omitted)
//   - call: filter by call index, 1-indexed (optional)
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	callFilter, callErr := strconv.Atoi(r.URL.Query().Get("call"))

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for model, reqs := range s.requests {
		if modelFilter != "" && model != modelFilter {
			continue
		}
		for _, req := range reqs {
			if callErr == nil && req.CallIndex != callFilter {
				continue
			}
			result[model] = append(result[model], req)
		}
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"requests_by_model": result,
	})
}

// numberedFileRe matches files like "llama3.1.txt".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.txt$`)

// loadFixtures reads .txt files from dir and returns a map of model→narration sequence.
//
// For each model, fixtures are ordered:
//  1. Numbered files (model.1.txt, model.2.txt, ...) in numeric order
//  2. Base file (model.txt) appended as the final fallback
func loadFixtures(dir string) (map[string][]string, error) {
	baseFiles := make(map[string]string)
	numberedFiles := make(map[string]map[int]string)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read fixture dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			return nil, fmt.Errorf("empty fixture %s", e.Name())
		}

		if matches := numberedFileRe.FindStringSubmatch(e.Name()); matches != nil {
			model := matches[1]
			index, _ := strconv.Atoi(matches[2])
			if numberedFiles[model] == nil {
				numberedFiles[model] = make(map[int]string)
			}
			numberedFiles[model][index] = content
			continue
		}
		baseFiles[strings.TrimSuffix(e.Name(), ".txt")] = content
	}

	fixtures := make(map[string][]string)
	for model, numbered := range numberedFiles {
		indices := make([]int, 0, len(numbered))
		for idx := range numbered {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			fixtures[model] = append(fixtures[model], numbered[idx])
		}
	}
	for model, base := range baseFiles {
		fixtures[model] = append(fixtures[model], base)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
