package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockTransport implements http.RoundTripper for testing. Responses queue per
// method+URL key; the last queued response repeats once the queue drains, so
// retry tests can script 429, 429, 429, 200 sequences.
type MockTransport struct {
	mu        sync.Mutex
	responses map[string][]mockResponse
	requests  []*http.Request
}

type mockResponse struct {
	statusCode int
	body       string
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		responses: make(map[string][]mockResponse),
	}
}

func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	key := fmt.Sprintf("%s %s", req.Method, req.URL.String())
	queue, exists := m.responses[key]
	if !exists || len(queue) == 0 {
		return &http.Response{
			StatusCode: 500,
			Status:     "500 Internal Server Error",
			Body:       io.NopCloser(strings.NewReader(`{"error": {"message": "Mock not configured"}}`)),
			Header:     make(http.Header),
		}, nil
	}

	next := queue[0]
	if len(queue) > 1 {
		m.responses[key] = queue[1:]
	}

	return &http.Response{
		StatusCode: next.statusCode,
		Status:     fmt.Sprintf("%d %s", next.statusCode, http.StatusText(next.statusCode)),
		Body:       io.NopCloser(strings.NewReader(next.body)),
		Header:     make(http.Header),
	}, nil
}

func (m *MockTransport) AddResponse(method, url string, statusCode int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("%s %s", method, url)
	m.responses[key] = append(m.responses[key], mockResponse{statusCode: statusCode, body: body})
}

func (m *MockTransport) GetRequests() []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	requests := make([]*http.Request, len(m.requests))
	copy(requests, m.requests)
	return requests
}

const (
	embeddingsURL = "https://api.openai.com/v1/embeddings"
	chatURL       = "https://api.openai.com/v1/chat/completions"
)

// Helper function to create a client with mock transport
func createMockClient(transport *MockTransport) *OpenAIClient {
	config := &ClientConfig{
		APIKey:      "test-api-key",
		EmbedModel:  "text-embedding-3-small",
		AnswerModel: "gpt-4o-mini",
		Dim:         512,
		ProjectID:   "test-project",
		MaxRetries:  3,
	}

	client := NewOpenAIClient(config)
	client.http = &http.Client{
		Transport: transport,
		Timeout:   20 * time.Second,
	}

	return client
}

// shrinkRetryDelays makes backoff effectively instant for the duration of a
// test.
func shrinkRetryDelays(t *testing.T) {
	t.Helper()

	origInitial, origMax := initialRetryDelay, maxRetryDelay
	initialRetryDelay = time.Millisecond
	maxRetryDelay = 2 * time.Millisecond
	t.Cleanup(func() {
		initialRetryDelay = origInitial
		maxRetryDelay = origMax
	})
}

func TestNewOpenAIClient(t *testing.T) {
	tests := []struct {
		name           string
		config         *ClientConfig
		expectedEmbed  string
		expectedAnswer string
		expectedDim    int
	}{
		{
			name: "with all models specified",
			config: &ClientConfig{
				APIKey:      "test-key",
				EmbedModel:  "custom-embed-model",
				AnswerModel: "custom-answer-model",
				Dim:         768,
			},
			expectedEmbed:  "custom-embed-model",
			expectedAnswer: "custom-answer-model",
			expectedDim:    768,
		},
		{
			name: "with default models",
			config: &ClientConfig{
				APIKey: "test-key",
			},
			expectedEmbed:  "text-embedding-3-small",
			expectedAnswer: "gpt-4o-mini",
			expectedDim:    1536,
		},
		{
			name: "large embedding model default dimension",
			config: &ClientConfig{
				APIKey:     "test-key",
				EmbedModel: "text-embedding-3-large",
			},
			expectedEmbed:  "text-embedding-3-large",
			expectedAnswer: "gpt-4o-mini",
			expectedDim:    3072,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewOpenAIClient(tt.config)

			if client == nil {
				t.Fatal("Expected client instance, got nil")
			}
			if client.config.EmbedModel != tt.expectedEmbed {
				t.Errorf("Expected EmbedModel '%s', got '%s'", tt.expectedEmbed, client.config.EmbedModel)
			}
			if client.config.AnswerModel != tt.expectedAnswer {
				t.Errorf("Expected AnswerModel '%s', got '%s'", tt.expectedAnswer, client.config.AnswerModel)
			}
			if client.Dim() != tt.expectedDim {
				t.Errorf("Expected Dim %d, got %d", tt.expectedDim, client.Dim())
			}
			if client.http == nil {
				t.Error("Expected HTTP client to be initialized")
			}
		})
	}
}

func TestOpenAIClient_EmbedBatch(t *testing.T) {
	tests := []struct {
		name         string
		apiKey       string
		texts        []string
		statusCode   int
		responseBody string
		expectError  bool
		errorIs      error
		errorMsg     string
	}{
		{
			name:        "missing API key",
			apiKey:      "",
			texts:       []string{"test text"},
			expectError: true,
			errorMsg:    "PROVIDER_API_KEY unset",
		},
		{
			name:        "no texts",
			apiKey:      "test-key",
			texts:       nil,
			expectError: true,
			errorIs:     ErrInvalidInput,
		},
		{
			name:        "empty text rejected before request",
			apiKey:      "test-key",
			texts:       []string{"fine", "   "},
			expectError: true,
			errorIs:     ErrInvalidInput,
		},
		{
			name:       "successful batch",
			apiKey:     "test-key",
			texts:      []string{"setback rules", "height limits"},
			statusCode: 200,
			responseBody: `{
				"data": [
					{"index": 0, "embedding": [0.1, 0.2]},
					{"index": 1, "embedding": [0.3, 0.4]}
				]
			}`,
		},
		{
			name:         "bad request maps to invalid input",
			apiKey:       "test-key",
			texts:        []string{"test text"},
			statusCode:   400,
			responseBody: `{"error": {"message": "Bad request"}}`,
			expectError:  true,
			errorIs:      ErrInvalidInput,
			errorMsg:     "Bad request",
		},
		{
			name:         "count mismatch",
			apiKey:       "test-key",
			texts:        []string{"one", "two"},
			statusCode:   200,
			responseBody: `{"data": [{"index": 0, "embedding": [0.1]}]}`,
			expectError:  true,
			errorMsg:     "expected 2 embeddings",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := NewMockTransport()
			if tt.statusCode != 0 {
				transport.AddResponse("POST", embeddingsURL, tt.statusCode, tt.responseBody)
			}

			client := createMockClient(transport)
			client.config.APIKey = tt.apiKey

			vecs, err := client.EmbedBatch(context.Background(), tt.texts)

			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error but got none")
				}
				if tt.errorIs != nil && !errors.Is(err, tt.errorIs) {
					t.Errorf("Expected errors.Is(%v), got '%v'", tt.errorIs, err)
				}
				if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if len(vecs) != len(tt.texts) {
				t.Fatalf("Expected %d vectors, got %d", len(tt.texts), len(vecs))
			}
		})
	}
}

// Index mapping must restore input order even when the provider returns data
// entries out of order.
func TestOpenAIClient_EmbedBatch_OrderPreserved(t *testing.T) {
	transport := NewMockTransport()
	transport.AddResponse("POST", embeddingsURL, 200, `{
		"data": [
			{"index": 1, "embedding": [1.0]},
			{"index": 0, "embedding": [0.5]}
		]
	}`)

	client := createMockClient(transport)
	vecs, err := client.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if vecs[0][0] != 0.5 || vecs[1][0] != 1.0 {
		t.Errorf("Expected vectors in input order [0.5],[1.0], got %v", vecs)
	}
}

func TestOpenAIClient_EmbedBatch_DuplicateIndexRejected(t *testing.T) {
	transport := NewMockTransport()
	transport.AddResponse("POST", embeddingsURL, 200, `{
		"data": [
			{"index": 0, "embedding": [1.0]},
			{"index": 0, "embedding": [0.5]}
		]
	}`)

	client := createMockClient(transport)
	vecs, err := client.EmbedBatch(context.Background(), []string{"first", "second"})
	if err == nil {
		t.Fatalf("Expected error for duplicate embedding index, got vectors %v", vecs)
	}
	if !strings.Contains(err.Error(), "no embedding returned for input 1") {
		t.Errorf("Expected missing-embedding error, got: %v", err)
	}
}

func TestOpenAIClient_EmbedBatch_RetriesRateLimit(t *testing.T) {
	shrinkRetryDelays(t)

	transport := NewMockTransport()
	transport.AddResponse("POST", embeddingsURL, 429, `{"error": {"message": "slow down"}}`)
	transport.AddResponse("POST", embeddingsURL, 429, `{"error": {"message": "slow down"}}`)
	transport.AddResponse("POST", embeddingsURL, 429, `{"error": {"message": "slow down"}}`)
	transport.AddResponse("POST", embeddingsURL, 200, `{"data": [{"index": 0, "embedding": [0.1, 0.2]}]}`)

	client := createMockClient(transport)
	client.config.MaxRetries = 4

	vec, err := client.Embed(context.Background(), "fence height")
	if err != nil {
		t.Fatalf("Expected retries to succeed, got: %v", err)
	}
	if len(vec) != 2 {
		t.Errorf("Expected embedding length 2, got %d", len(vec))
	}
	if got := len(transport.GetRequests()); got != 4 {
		t.Errorf("Expected 4 requests (3 throttled + 1 success), got %d", got)
	}
}

func TestOpenAIClient_EmbedBatch_RetriesExhausted(t *testing.T) {
	shrinkRetryDelays(t)

	transport := NewMockTransport()
	transport.AddResponse("POST", embeddingsURL, 503, `{"error": {"message": "overloaded"}}`)

	client := createMockClient(transport)
	client.config.MaxRetries = 3

	_, err := client.Embed(context.Background(), "fence height")
	if err == nil {
		t.Fatal("Expected error after retries exhausted")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got: %v", err)
	}
	if !strings.Contains(err.Error(), "max retries 3 exceeded") {
		t.Errorf("Expected retry exhaustion message, got: %v", err)
	}
	if got := len(transport.GetRequests()); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

// Invalid input must not be retried.
func TestOpenAIClient_EmbedBatch_NoRetryOnInvalidInput(t *testing.T) {
	shrinkRetryDelays(t)

	transport := NewMockTransport()
	transport.AddResponse("POST", embeddingsURL, 400, `{"error": {"message": "input too long"}}`)

	client := createMockClient(transport)
	client.config.MaxRetries = 5

	_, err := client.Embed(context.Background(), "fence height")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Expected ErrInvalidInput, got: %v", err)
	}
	if got := len(transport.GetRequests()); got != 1 {
		t.Errorf("Expected exactly 1 request for a fatal error, got %d", got)
	}
}

func TestOpenAIClient_Generate(t *testing.T) {
	tests := []struct {
		name           string
		apiKey         string
		statusCode     int
		responseBody   string
		expectError    bool
		errorMsg       string
		expectedAnswer string
	}{
		{
			name:        "missing API key",
			apiKey:      "",
			expectError: true,
			errorMsg:    "PROVIDER_API_KEY unset",
		},
		{
			name:       "successful generation",
			apiKey:     "test-key",
			statusCode: 200,
			responseBody: `{
				"choices": [
					{"message": {"content": "Per Section 5-100, the minimum setback is 25 feet."}}
				]
			}`,
			expectedAnswer: "Per Section 5-100, the minimum setback is 25 feet.",
		},
		{
			name:           "whitespace trimmed",
			apiKey:         "test-key",
			statusCode:     200,
			responseBody:   `{"choices": [{"message": {"content": "  answer  \n"}}]}`,
			expectedAnswer: "answer",
		},
		{
			name:         "API error response",
			apiKey:       "test-key",
			statusCode:   400,
			responseBody: `{"error": {"message": "Invalid request format"}}`,
			expectError:  true,
			errorMsg:     "Invalid request format",
		},
		{
			name:         "empty choices array",
			apiKey:       "test-key",
			statusCode:   200,
			responseBody: `{"choices": []}`,
			expectError:  true,
			errorMsg:     "no choices",
		},
		{
			name:         "invalid JSON response",
			apiKey:       "test-key",
			statusCode:   200,
			responseBody: `invalid json`,
			expectError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := NewMockTransport()
			if tt.statusCode != 0 {
				transport.AddResponse("POST", chatURL, tt.statusCode, tt.responseBody)
			}

			client := createMockClient(transport)
			client.config.APIKey = tt.apiKey

			answer, err := client.Generate(context.Background(), "What is the setback?")

			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error but got none")
				}
				if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if answer != tt.expectedAnswer {
				t.Errorf("Expected answer '%s', got '%s'", tt.expectedAnswer, answer)
			}
		})
	}
}

func TestOpenAIClient_Generate_PayloadShape(t *testing.T) {
	transport := NewMockTransport()
	transport.AddResponse("POST", chatURL, 200,
		`{"choices": [{"message": {"content": "ok"}}]}`)

	client := createMockClient(transport)
	if _, err := client.Generate(context.Background(), "Can I keep chickens?"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	requests := transport.GetRequests()
	if len(requests) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(requests))
	}

	body, _ := io.ReadAll(requests[0].Body)
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("Failed to decode request payload: %v", err)
	}
	if payload["model"] != "gpt-4o-mini" {
		t.Errorf("Expected model 'gpt-4o-mini', got %v", payload["model"])
	}
	if payload["temperature"] != 0.1 {
		t.Errorf("Expected temperature 0.1, got %v", payload["temperature"])
	}
	if payload["max_tokens"] != float64(500) {
		t.Errorf("Expected max_tokens 500, got %v", payload["max_tokens"])
	}
	messages, ok := payload["messages"].([]any)
	if !ok || len(messages) != 2 {
		t.Fatalf("Expected 2 messages, got %v", payload["messages"])
	}
	system := messages[0].(map[string]any)
	if system["role"] != "system" {
		t.Errorf("Expected first message to be the system prompt, got role %v", system["role"])
	}
}

func TestOpenAIClient_setHeaders(t *testing.T) {
	tests := []struct {
		name                string
		apiKey              string
		projectID           string
		expectProjectHeader bool
	}{
		{
			name:                "standard API key without project",
			apiKey:              "sk-1234567890",
			projectID:           "",
			expectProjectHeader: false,
		},
		{
			name:                "project API key with project ID",
			apiKey:              "sk-proj-1234567890",
			projectID:           "proj_test123",
			expectProjectHeader: true,
		},
		{
			name:                "project API key without project ID",
			apiKey:              "sk-proj-1234567890",
			projectID:           "",
			expectProjectHeader: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := &ClientConfig{
				APIKey:    tt.apiKey,
				ProjectID: tt.projectID,
				Dim:       512,
			}

			client := NewOpenAIClient(config)
			req, _ := http.NewRequest("POST", "https://example.com", nil)
			client.setHeaders(req)

			if req.Header.Get("Content-Type") != "application/json" {
				t.Errorf("Expected Content-Type 'application/json', got '%s'",
					req.Header.Get("Content-Type"))
			}
			if req.Header.Get("Authorization") != "Bearer "+tt.apiKey {
				t.Errorf("Expected Authorization 'Bearer %s', got '%s'",
					tt.apiKey, req.Header.Get("Authorization"))
			}

			projectHeader := req.Header.Get("OpenAI-Project")
			if tt.expectProjectHeader && projectHeader != tt.projectID {
				t.Errorf("Expected OpenAI-Project header '%s', got '%s'", tt.projectID, projectHeader)
			}
			if !tt.expectProjectHeader && projectHeader != "" {
				t.Errorf("Expected no OpenAI-Project header, got '%s'", projectHeader)
			}
		})
	}
}

func TestOpenAIClient_InterfaceCompliance(t *testing.T) {
	var _ Client = &OpenAIClient{}
}
