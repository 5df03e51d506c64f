package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	brainerrors "github.com/brainkeep/externalbrain/internal/errors"
)

// TaskType classifies a completion request so the Router can pick a backend.
type TaskType string

const (
	TaskShortSummary   TaskType = "short_summary"
	TaskLongSummary    TaskType = "long_summary"
	TaskClassification TaskType = "classification"
	TaskRerankScore    TaskType = "rerank_score"
	TaskMergeSummary   TaskType = "merge_summary"
)

// DefaultLongSummaryTokenThreshold is the max_tokens value above which a
// long_summary/merge_summary request is eligible for the external backend.
const DefaultLongSummaryTokenThreshold = 1024

// Backend generates free-form text completions.
type Backend interface {
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
	Available(ctx context.Context) bool
	Name() string
}

// Router dispatches embedding and completion requests across task classes.
type Router interface {
	// Embed returns the vector for text using the router's configured embedder.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Route runs a completion task, choosing the local or external backend
	// according to task type and token budget.
	Route(ctx context.Context, taskType TaskType, prompt string, maxTokens int, temperature float64) (string, error)
}

// completionRetryConfig governs spec.md §7's Transport/Backend retry policy:
// "retried with exponential backoff up to 3 attempts in C3; then surfaced."
// RetryConfig.MaxRetries counts retries after the initial attempt, so 2
// retries plus the initial call makes 3 attempts total.
func completionRetryConfig() brainerrors.RetryConfig {
	return brainerrors.RetryConfig{
		MaxRetries:   2,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// taskRouter implements Router. The local backend is mandatory; external is
// optional and only consulted for long_summary/merge_summary tasks whose
// max_tokens exceeds longSummaryTokenThreshold.
type taskRouter struct {
	embedder                  Embedder
	local                     Backend
	external                  Backend
	longSummaryTokenThreshold int

	breakersMu sync.Mutex
	breakers   map[string]*brainerrors.CircuitBreaker
}

// NewRouter builds a Router over an embedder and one or two completion
// backends. external may be nil, in which case every task class falls back
// to local.
func NewRouter(embedder Embedder, local, external Backend, longSummaryTokenThreshold int) Router {
	if longSummaryTokenThreshold <= 0 {
		longSummaryTokenThreshold = DefaultLongSummaryTokenThreshold
	}
	return &taskRouter{
		embedder:                  embedder,
		local:                     local,
		external:                  external,
		longSummaryTokenThreshold: longSummaryTokenThreshold,
		breakers:                  make(map[string]*brainerrors.CircuitBreaker),
	}
}

func (r *taskRouter) Embed(ctx context.Context, text string) ([]float32, error) {
	return r.embedder.Embed(ctx, text)
}

// breakerFor returns the circuit breaker for a backend, creating it on first
// use. One backend going down (e.g. a cold external API) trips its own
// breaker without affecting the other backend's calls.
func (r *taskRouter) breakerFor(name string) *brainerrors.CircuitBreaker {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()
	cb, ok := r.breakers[name]
	if !ok {
		cb = brainerrors.NewCircuitBreaker(name)
		r.breakers[name] = cb
	}
	return cb
}

func (r *taskRouter) Route(ctx context.Context, taskType TaskType, prompt string, maxTokens int, temperature float64) (string, error) {
	backend := r.selectBackend(taskType, maxTokens)
	if backend == nil {
		return "", brainerrors.BackendUnavailable(fmt.Sprintf("no backend configured for task %s", taskType), nil)
	}

	breaker := r.breakerFor(backend.Name())
	if !breaker.Allow() {
		return "", brainerrors.BackendUnavailable(fmt.Sprintf("%s backend circuit open after repeated failures on task %s", backend.Name(), taskType), brainerrors.ErrCircuitOpen)
	}

	result, err := brainerrors.RetryWithResult(ctx, completionRetryConfig(), func() (string, error) {
		return backend.Generate(ctx, prompt, maxTokens, temperature)
	})
	if err != nil {
		breaker.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			return "", brainerrors.TimeoutError(fmt.Sprintf("%s backend timed out on task %s", backend.Name(), taskType), err)
		}
		return "", brainerrors.BackendUnavailable(fmt.Sprintf("%s backend failed on task %s", backend.Name(), taskType), err)
	}
	breaker.RecordSuccess()
	return result, nil
}

// selectBackend implements the §4.3 policy table: short_summary,
// classification, and rerank_score always stay local (cheap, latency
// sensitive); long_summary and merge_summary escalate to the external
// backend once max_tokens crosses the configured threshold and an external
// backend is actually wired in.
func (r *taskRouter) selectBackend(taskType TaskType, maxTokens int) Backend {
	switch taskType {
	case TaskLongSummary, TaskMergeSummary:
		if r.external != nil && maxTokens > r.longSummaryTokenThreshold {
			return r.external
		}
		return r.local
	case TaskShortSummary, TaskClassification, TaskRerankScore:
		return r.local
	default:
		return r.local
	}
}

// OllamaBackend is a Backend that talks to an Ollama-compatible HTTP
// endpoint's /api/generate route. Its connection handling mirrors
// OllamaEmbedder's transport setup so both the embedding and completion
// paths share the same pooling/keep-alive behavior against the same host.
type OllamaBackend struct {
	client *http.Client
	host   string
	model  string
}

var _ Backend = (*OllamaBackend)(nil)

// NewOllamaBackend creates a completion backend against host using model.
func NewOllamaBackend(host, model string) *OllamaBackend {
	if host == "" {
		host = DefaultOllamaHost
	}
	return &OllamaBackend{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        OllamaPoolSize,
				MaxIdleConnsPerHost: OllamaPoolSize,
				IdleConnTimeout:     10 * time.Second,
			},
		},
		host:  host,
		model: model,
	}
}

func (o *OllamaBackend) Name() string {
	return "ollama:" + o.model
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (o *OllamaBackend) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	reqBody := ollamaGenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": temperature,
			"num_predict": maxTokens,
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama generate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama generate returned status %d: %s", resp.StatusCode, string(body))
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode generate response: %w", err)
	}
	return result.Response, nil
}

func (o *OllamaBackend) Available(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, o.host+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ExternalHTTPBackend is a Backend for any higher-capacity HTTP completion
// endpoint reachable with a bearer token (an external LLM API). It is
// injected behind the same Backend interface as OllamaBackend so the router
// never special-cases the transport.
type ExternalHTTPBackend struct {
	client      *http.Client
	endpoint    string
	apiKey      string
	model       string
	name        string
}

var _ Backend = (*ExternalHTTPBackend)(nil)

// NewExternalHTTPBackend creates a completion backend for a remote endpoint
// using an OpenAI-style chat-completions request body.
func NewExternalHTTPBackend(name, endpoint, apiKey, model string) *ExternalHTTPBackend {
	return &ExternalHTTPBackend{
		client:   &http.Client{Timeout: DefaultColdTimeout},
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		name:     name,
	}
}

func (e *ExternalHTTPBackend) Name() string {
	return e.name
}

type externalChatRequest struct {
	Model       string                 `json:"model"`
	Messages    []externalChatMessage  `json:"messages"`
	MaxTokens   int                    `json:"max_tokens"`
	Temperature float64                `json:"temperature"`
}

type externalChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type externalChatResponse struct {
	Choices []struct {
		Message externalChatMessage `json:"message"`
	} `json:"choices"`
}

func (e *ExternalHTTPBackend) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	reqBody := externalChatRequest{
		Model:       e.model,
		Messages:    []externalChatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to encode external request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create external request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("external backend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("external backend returned status %d: %s", resp.StatusCode, string(body))
	}

	var result externalChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode external response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("external backend returned no choices")
	}
	return result.Choices[0].Message.Content, nil
}

func (e *ExternalHTTPBackend) Available(ctx context.Context) bool {
	return e.endpoint != "" && e.apiKey != ""
}
