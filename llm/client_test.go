package llm_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shijie-nv/houseagent/llm"
	_ "github.com/shijie-nv/houseagent/llm/providers" // Register providers
	"github.com/shijie-nv/houseagent/model"
)

func chatCompletion(w http.ResponseWriter, modelName, content string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"model": modelName,
		"choices": []map[string]any{
			{
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 8, "total_tokens": 18},
	})
}

func newRegistry(t *testing.T, endpoints ...model.EndpointConfig) *model.Registry {
	t.Helper()
	r, err := model.NewRegistry(endpoints)
	require.NoError(t, err)
	return r
}

func fastRetry(attempts int) llm.ClientOption {
	return llm.WithRetryConfig(llm.RetryConfig{
		MaxAttempts:       attempts,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1.5,
		MaxBackoff:        10 * time.Millisecond,
	})
}

var userMessage = []llm.Message{{Role: "user", Content: "Hello"}}

func TestClient_Complete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "llama3", req["model"])
		assert.Equal(t, 0.2, req["temperature"])
		assert.Equal(t, float64(128), req["max_tokens"])

		chatCompletion(w, "llama3", "The kitchen light turned on.")
	}))
	defer server.Close()

	registry := newRegistry(t, model.EndpointConfig{
		Name: "local", Provider: "ollama", URL: server.URL + "/v1", Model: "llama3", MaxTokens: 128,
	})
	client := llm.NewClient(registry)

	temp := 0.2
	resp, err := client.Complete(context.Background(), llm.Request{Messages: userMessage, Temperature: &temp})
	require.NoError(t, err)
	assert.Equal(t, "The kitchen light turned on.", resp.Content)
	assert.Equal(t, "llama3", resp.Model)
	assert.Equal(t, "local", resp.Endpoint)
	assert.Equal(t, 18, resp.Usage.TotalTokens)
	assert.Equal(t, 1, resp.Attempts)
	assert.NotEmpty(t, resp.RequestID)
}

func TestClient_Complete_RetryOnTransientError(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("model loading"))
			return
		}
		chatCompletion(w, "llama3", "Success after retries")
	}))
	defer server.Close()

	registry := newRegistry(t, model.EndpointConfig{Name: "local", Provider: "ollama", URL: server.URL, Model: "llama3"})
	var outcomes []string
	client := llm.NewClient(registry, fastRetry(3), llm.WithAttemptObserver(func(endpoint, outcome string) {
		assert.Equal(t, "local", endpoint)
		outcomes = append(outcomes, outcome)
	}))

	resp, err := client.Complete(context.Background(), llm.Request{Messages: userMessage})
	require.NoError(t, err)
	assert.Equal(t, "Success after retries", resp.Content)
	assert.Equal(t, []string{llm.OutcomeTransient, llm.OutcomeTransient, llm.OutcomeOK}, outcomes)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 3, resp.Attempts)
}

func TestClient_Complete_HonorsRetryAfter(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		chatCompletion(w, "llama3", "ok")
	}))
	defer server.Close()

	registry := newRegistry(t, model.EndpointConfig{Name: "local", Provider: "ollama", URL: server.URL, Model: "llama3"})
	client := llm.NewClient(registry, llm.WithRetryConfig(llm.RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1,
		MaxBackoff:        200 * time.Millisecond,
	}))

	start := time.Now()
	resp, err := client.Complete(context.Background(), llm.Request{Messages: userMessage})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	// The requested 5s wait is capped at MaxBackoff.
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestClient_Complete_NoRetryOnFatalError(t *testing.T) {
	var attempts, fallbackAttempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("Invalid API key"))
	}))
	defer server.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackAttempts.Add(1)
		chatCompletion(w, "llama3", "unused")
	}))
	defer fallback.Close()

	registry := newRegistry(t,
		model.EndpointConfig{Name: "cloud", Provider: "openai", URL: server.URL, Model: "gpt-4o-mini"},
		model.EndpointConfig{Name: "local", Provider: "ollama", URL: fallback.URL, Model: "llama3"},
	)
	client := llm.NewClient(registry, fastRetry(3))

	_, err := client.Complete(context.Background(), llm.Request{Messages: userMessage})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, int32(0), fallbackAttempts.Load())

	// Fatal errors do not count against endpoint health.
	assert.True(t, registry.IsEndpointAvailable("cloud"))
}

func TestClient_Complete_Fallback(t *testing.T) {
	var primaryAttempts, fallbackAttempts atomic.Int32

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryAttempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer primary.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackAttempts.Add(1)
		chatCompletion(w, "llama3:8b", "From fallback")
	}))
	defer fallback.Close()

	registry := newRegistry(t,
		model.EndpointConfig{Name: "gpu-box", Provider: "ollama", URL: primary.URL, Model: "llama3:70b"},
		model.EndpointConfig{Name: "local", Provider: "ollama", URL: fallback.URL, Model: "llama3:8b"},
	)
	client := llm.NewClient(registry, fastRetry(2))

	resp, err := client.Complete(context.Background(), llm.Request{Messages: userMessage})
	require.NoError(t, err)
	assert.Equal(t, "From fallback", resp.Content)
	assert.Equal(t, "local", resp.Endpoint)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(2), primaryAttempts.Load())
	assert.Equal(t, int32(1), fallbackAttempts.Load())

	health := registry.GetEndpointHealth("gpu-box")
	require.NotNil(t, health)
	assert.Equal(t, 1, health.FailureCount)
}

func TestClient_Complete_CircuitSkipsEndpoint(t *testing.T) {
	var primaryAttempts atomic.Int32

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryAttempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatCompletion(w, "llama3", "ok")
	}))
	defer fallback.Close()

	registry := newRegistry(t,
		model.EndpointConfig{Name: "primary", Provider: "ollama", URL: primary.URL, Model: "llama3"},
		model.EndpointConfig{Name: "fallback", Provider: "ollama", URL: fallback.URL, Model: "llama3"},
	)
	registry.SetHealthConfig(model.HealthConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	client := llm.NewClient(registry, fastRetry(1))

	for range 3 {
		_, err := client.Complete(context.Background(), llm.Request{Messages: userMessage})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), primaryAttempts.Load(), "open circuit skips the primary")
}

func TestClient_Complete_AllEndpointsFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	registry := newRegistry(t, model.EndpointConfig{Name: "local", Provider: "ollama", URL: server.URL, Model: "llama3"})
	client := llm.NewClient(registry, fastRetry(2))

	_, err := client.Complete(context.Background(), llm.Request{Messages: userMessage})
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
	assert.Contains(t, err.Error(), "all endpoints failed")
}

func TestClient_Complete_MalformedBodyIsTransient(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Write([]byte(`{"choices": [`))
			return
		}
		chatCompletion(w, "llama3", "recovered")
	}))
	defer server.Close()

	registry := newRegistry(t, model.EndpointConfig{Name: "local", Provider: "ollama", URL: server.URL, Model: "llama3"})
	resp, err := llm.NewClient(registry, fastRetry(2)).Complete(context.Background(), llm.Request{Messages: userMessage})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
}

func TestClient_Complete_UnknownProvider(t *testing.T) {
	registry := newRegistry(t, model.EndpointConfig{Name: "x", Provider: "nope", Model: "m"})
	_, err := llm.NewClient(registry).Complete(context.Background(), llm.Request{Messages: userMessage})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
}

func TestClient_Complete_ContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	registry := newRegistry(t, model.EndpointConfig{Name: "local", Provider: "ollama", URL: server.URL, Model: "llama3"})
	client := llm.NewClient(registry, fastRetry(3))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, llm.Request{Messages: userMessage})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Cancellation is not an endpoint failure.
	assert.Nil(t, registry.GetEndpointHealth("local"))
}

func TestClient_Complete_NoMessages(t *testing.T) {
	client := llm.NewClient(model.NewDefaultRegistry())
	_, err := client.Complete(context.Background(), llm.Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one message is required")
}

func TestErrorClassification(t *testing.T) {
	base := assert.AnError
	assert.True(t, llm.IsTransient(llm.NewTransientError(base)))
	assert.False(t, llm.IsFatal(llm.NewTransientError(base)))
	assert.True(t, llm.IsFatal(llm.NewFatalError(base)))
	assert.ErrorIs(t, llm.NewFatalError(base), base)
	assert.False(t, llm.IsTransient(base))
	assert.False(t, llm.IsFatal(base))
	assert.Equal(t, 0, llm.StatusCode(base))
}

func TestClient_Complete_ModelNotPulled(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model \"llama3\" not found, try pulling it first"}`))
	}))
	defer server.Close()

	registry := newRegistry(t, model.EndpointConfig{Name: "local", Provider: "ollama", URL: server.URL, Model: "llama3"})
	client := llm.NewClient(registry, fastRetry(3))

	_, err := client.Complete(context.Background(), llm.Request{Messages: userMessage})
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrModelNotFound)
	assert.Equal(t, http.StatusNotFound, llm.StatusCode(err))
	assert.True(t, llm.IsFatal(err))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRetryConfig_Validate(t *testing.T) {
	assert.NoError(t, llm.DefaultRetryConfig().Validate())
	assert.Error(t, llm.RetryConfig{MaxAttempts: 0, BackoffMultiplier: 2}.Validate())
	assert.Error(t, llm.RetryConfig{MaxAttempts: 1, BackoffMultiplier: 0.5}.Validate())
}

func TestClient_Complete_RetriesWithZeroBackoff(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		chatCompletion(w, "llama3", "ok")
	}))
	defer server.Close()

	registry := newRegistry(t, model.EndpointConfig{Name: "local", Provider: "ollama", URL: server.URL, Model: "llama3"})
	client := llm.NewClient(registry, llm.WithRetryConfig(llm.RetryConfig{MaxAttempts: 2}))

	resp, err := client.Complete(context.Background(), llm.Request{Messages: userMessage})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
}
