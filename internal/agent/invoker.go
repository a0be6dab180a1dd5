package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aicallyu/olympus/internal/domain"
)

var ErrNotInvokable = errors.New("agent has no invokable endpoint")

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Messages  []ChatMessage
	MaxTokens int
}

type Reply struct {
	Content    string
	Model      string
	TokensUsed int
	LatencyMS  int64
}

// Invoker sends one chat turn to an agent.
type Invoker interface {
	Invoke(ctx context.Context, a domain.Agent, req Request) (Reply, error)
}

// OpenAIInvoker calls OpenAI-compatible /chat/completions endpoints. Each
// agent may override the base URL and model.
type OpenAIInvoker struct {
	APIKey       string
	APIBase      string
	DefaultModel string
	HTTPClient   *http.Client
}

func NewOpenAIInvoker(apiKey, apiBase, defaultModel string, timeout time.Duration) *OpenAIInvoker {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIInvoker{
		APIKey:       apiKey,
		APIBase:      strings.TrimSuffix(apiBase, "/"),
		DefaultModel: defaultModel,
		HTTPClient:   &http.Client{Timeout: timeout},
	}
}

func (p *OpenAIInvoker) Invoke(ctx context.Context, a domain.Agent, req Request) (Reply, error) {
	if IsHuman(a) || a.EndpointKind == KindNone {
		return Reply{}, fmt.Errorf("%w: %s", ErrNotInvokable, a.Name)
	}
	ctx, span := otel.Tracer("olympus/agent").Start(ctx, "agent.invoke")
	defer span.End()
	span.SetAttributes(attribute.String("agent.name", a.Name))

	model := a.Model
	if model == "" {
		model = p.DefaultModel
	}
	base := p.APIBase
	if a.EndpointURL != "" {
		base = strings.TrimSuffix(a.EndpointURL, "/")
	}
	messages := req.Messages
	if a.SystemPrompt != "" {
		messages = append([]ChatMessage{{Role: "system", Content: a.SystemPrompt}}, messages...)
	}
	body := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return Reply{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	start := time.Now()
	resp, err := p.client().Do(httpReq)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Reply{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reply{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncate(string(respBody), 300))
		span.SetStatus(codes.Error, err.Error())
		return Reply{}, err
	}
	var apiResp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return Reply{}, fmt.Errorf("parse response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return Reply{}, fmt.Errorf("no choices in response")
	}
	if apiResp.Model != "" {
		model = apiResp.Model
	}
	span.SetAttributes(attribute.Int("agent.tokens", apiResp.Usage.TotalTokens))
	return Reply{
		Content:    strings.TrimSpace(apiResp.Choices[0].Message.Content),
		Model:      model,
		TokensUsed: apiResp.Usage.TotalTokens,
		LatencyMS:  time.Since(start).Milliseconds(),
	}, nil
}

func (p *OpenAIInvoker) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
