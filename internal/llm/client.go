package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-research/meridian/internal/metrics"
	"github.com/meridian-research/meridian/internal/tracing"
)

// Client posts prompts to the generation service's /agent/query endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *zap.Logger
}

// NewClient builds a client for the service at endpoint.
func NewClient(endpoint string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type serviceRequest struct {
	Query       string         `json:"query"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature float64        `json:"temperature"`
	AgentID     string         `json:"agent_id,omitempty"`
	ModelTier   string         `json:"model_tier,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

type serviceResponse struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
	Metadata struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"metadata"`
	ModelUsed string `json:"model_used"`
}

// Generate implements Generator.
func (c *Client) Generate(ctx context.Context, prompt string, con Constraints) (string, error) {
	start := time.Now()

	body := serviceRequest{
		Query:       prompt,
		MaxTokens:   con.MaxTokens,
		Temperature: con.Temperature,
		AgentID:     con.Agent,
		ModelTier:   con.Tier,
	}
	if con.SystemPrompt != "" {
		body.Context = map[string]any{"system_prompt": con.SystemPrompt}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", &GenerationError{Agent: con.Agent, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/agent/query", bytes.NewReader(payload))
	if err != nil {
		return "", &GenerationError{Agent: con.Agent, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if con.Agent != "" {
		req.Header.Set("X-Agent-ID", con.Agent)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.GenerationRequests.WithLabelValues(con.Agent, "error").Inc()
		return "", &GenerationError{Agent: con.Agent, Err: fmt.Errorf("generation service call failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.GenerationRequests.WithLabelValues(con.Agent, "error").Inc()
		return "", &GenerationError{Agent: con.Agent, Err: fmt.Errorf("HTTP %d from generation service", resp.StatusCode)}
	}

	var sr serviceResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		metrics.GenerationRequests.WithLabelValues(con.Agent, "error").Inc()
		return "", &GenerationError{Agent: con.Agent, Err: fmt.Errorf("parse generation response: %w", err)}
	}
	if !sr.Success {
		metrics.GenerationRequests.WithLabelValues(con.Agent, "error").Inc()
		return "", &GenerationError{Agent: con.Agent, Err: fmt.Errorf("generation service error: %s", sr.Error)}
	}

	metrics.GenerationRequests.WithLabelValues(con.Agent, "ok").Inc()

	c.logger.Debug("Generation completed",
		zap.String("agent", con.Agent),
		zap.String("model", sr.ModelUsed),
		zap.Int("output_tokens", sr.Metadata.OutputTokens),
		zap.Duration("latency", time.Since(start)),
	)
	return sr.Response, nil
}

// GenerateWithRetry tries the prompt once, then once more with the
// simplified prompt. The caller downgrades its step when both fail.
func GenerateWithRetry(ctx context.Context, g Generator, prompt, simplified string, con Constraints) (string, error) {
	if g == nil {
		return "", &GenerationError{Agent: con.Agent, Err: errors.New("no generator configured")}
	}
	out, err := g.Generate(ctx, prompt, con)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return "", err
	}
	out, retryErr := g.Generate(ctx, simplified, con)
	if retryErr == nil {
		return out, nil
	}
	metrics.GenerationDowngrades.Inc()
	return "", retryErr
}
