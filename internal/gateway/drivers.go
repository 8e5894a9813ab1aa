package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/queryforge/queryforge/pkg/models"
)

// Driver is the capability contract a reasoning backend must satisfy.
// New providers are added by implementing this, not by special-casing
// the pipeline.
type Driver interface {
	Kind() string
	Complete(ctx context.Context, provider *models.ProviderConfig, req *CompletionRequest) (*Completion, error)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ── OpenAI / Azure OpenAI / OpenAI-compatible ────────────────

type openAIDriver struct {
	kind   string
	client *http.Client
}

func (d *openAIDriver) Kind() string { return d.kind }

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (d *openAIDriver) Complete(ctx context.Context, provider *models.ProviderConfig, req *CompletionRequest) (*Completion, error) {
	endpoint := provider.Endpoint
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	if provider.APIKey == "" && d.kind != "openai-compatible" {
		return nil, fmt.Errorf("%s: api_key not configured for provider %s", d.kind, provider.Name)
	}

	body, _ := json.Marshal(openAIRequest{
		Model:       provider.Model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", d.kind, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	// Azure OpenAI uses a different auth header.
	if d.kind == "azure-openai" {
		httpReq.Header.Set("api-key", provider.APIKey)
	} else if provider.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", d.kind, err)
	}
	defer httpResp.Body.Close()

	if err := checkStatus(d.kind, provider.Name, httpResp); err != nil {
		return nil, err
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", d.kind, err)
	}

	content := ""
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
	}

	return &Completion{
		Provider:  provider.Name,
		Model:     provider.Model,
		Text:      content,
		TokensIn:  oaiResp.Usage.PromptTokens,
		TokensOut: oaiResp.Usage.CompletionTokens,
		CostUSD: estimateCost(provider, provider.Model,
			oaiResp.Usage.PromptTokens, oaiResp.Usage.CompletionTokens),
	}, nil
}

// ── Anthropic ────────────────────────────────────────────────

type anthropicDriver struct {
	client *http.Client
}

func (d *anthropicDriver) Kind() string { return "anthropic" }

type anthropicRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (d *anthropicDriver) Complete(ctx context.Context, provider *models.ProviderConfig, req *CompletionRequest) (*Completion, error) {
	endpoint := provider.Endpoint
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	if provider.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api_key not configured for provider %s", provider.Name)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body, _ := json.Marshal(anthropicRequest{
		Model:       provider.Model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", provider.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if err := checkStatus("anthropic", provider.Name, httpResp); err != nil {
		return nil, err
	}

	var anthResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthResp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	content := ""
	for _, c := range anthResp.Content {
		if c.Type == "text" {
			content += c.Text
		}
	}

	return &Completion{
		Provider:  provider.Name,
		Model:     provider.Model,
		Text:      content,
		TokensIn:  anthResp.Usage.InputTokens,
		TokensOut: anthResp.Usage.OutputTokens,
		CostUSD: estimateCost(provider, provider.Model,
			anthResp.Usage.InputTokens, anthResp.Usage.OutputTokens),
	}, nil
}

// ── Ollama ───────────────────────────────────────────────────

// ollamaDriver talks to a local Ollama daemon through its
// OpenAI-compatible endpoint. Cost is always zero.
type ollamaDriver struct {
	client *http.Client
}

func (d *ollamaDriver) Kind() string { return "ollama" }

func (d *ollamaDriver) Complete(ctx context.Context, provider *models.ProviderConfig, req *CompletionRequest) (*Completion, error) {
	endpoint := provider.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}

	body, _ := json.Marshal(openAIRequest{
		Model:       provider.Model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if err := checkStatus("ollama", provider.Name, httpResp); err != nil {
		return nil, err
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}

	content := ""
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
	}

	return &Completion{
		Provider:  provider.Name,
		Model:     provider.Model,
		Text:      content,
		TokensIn:  oaiResp.Usage.PromptTokens,
		TokensOut: oaiResp.Usage.CompletionTokens,
	}, nil
}

// ── Shared helpers ───────────────────────────────────────────

// checkStatus maps HTTP failures to the gateway error taxonomy. 429 and
// 529 become RateLimitedError (retryable with backoff); anything else
// non-2xx is a plain provider error.
func checkStatus(kind, providerName string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 529 {
		return &RateLimitedError{
			Provider:   providerName,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Reason:     fmt.Sprintf("%s: status %d: %s", kind, resp.StatusCode, string(respBody)),
		}
	}

	return fmt.Errorf("%s: status %d: %s", kind, resp.StatusCode, string(respBody))
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Known cost per 1K tokens (USD) — sensible defaults when the provider
// config does not override them.
var defaultCosts = map[string]map[string]float64{
	"gpt-4o":                    {"input": 0.0025, "output": 0.01},
	"gpt-4o-mini":               {"input": 0.00015, "output": 0.0006},
	"gpt-4-turbo":               {"input": 0.01, "output": 0.03},
	"claude-sonnet-4-20250514":  {"input": 0.003, "output": 0.015},
	"claude-3-5-haiku-20241022": {"input": 0.001, "output": 0.005},
	"claude-opus-4-20250514":    {"input": 0.015, "output": 0.075},
}

func estimateCost(provider *models.ProviderConfig, model string, tokensIn, tokensOut int64) float64 {
	in, out := provider.CostPer1KInput, provider.CostPer1KOutput
	if in == 0 && out == 0 {
		if costs, ok := defaultCosts[model]; ok {
			in, out = costs["input"], costs["output"]
		} else {
			in, out = 0.001, 0.001 // generic fallback
		}
	}
	return float64(tokensIn)/1000*in + float64(tokensOut)/1000*out
}
