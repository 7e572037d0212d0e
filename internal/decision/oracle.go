// Package decision assembles context snapshots, consults the external
// decision oracle and executes the validated, safety-overridden result.
package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider represents the oracle provider type
type Provider string

const (
	ProviderClaude   Provider = "claude"
	ProviderOpenAI   Provider = "openai"
	ProviderDeepSeek Provider = "deepseek"
)

// OracleErrorKind distinguishes oracle failure modes. None of them is ever
// treated as a trading action.
type OracleErrorKind string

const (
	OracleRateLimited OracleErrorKind = "RATE_LIMITED"
	OracleBlocked     OracleErrorKind = "BLOCKED"
	OracleMalformed   OracleErrorKind = "MALFORMED"
	OracleUnavailable OracleErrorKind = "UNAVAILABLE"
)

// OracleError is a failed oracle consultation.
type OracleError struct {
	Kind    OracleErrorKind
	Message string
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("oracle error (%s): %s", e.Kind, e.Message)
}

// OracleConfig holds oracle client configuration
type OracleConfig struct {
	Provider    Provider      `json:"provider"`
	APIKey      string        `json:"api_key"`
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Timeout     time.Duration `json:"timeout"`
	BaseURL     string        `json:"base_url,omitempty"` // override for tests
}

// DefaultOracleConfig returns default configuration
func DefaultOracleConfig() *OracleConfig {
	return &OracleConfig{
		Provider:    ProviderClaude,
		Model:       "claude-sonnet-4-20250514",
		MaxTokens:   2048,
		Temperature: 0.3,
		Timeout:     60 * time.Second,
	}
}

// OracleClient calls the external decision oracle over HTTP.
type OracleClient struct {
	config     *OracleConfig
	httpClient *http.Client
}

// NewOracleClient creates an oracle client
func NewOracleClient(config *OracleConfig) *OracleClient {
	if config == nil {
		config = DefaultOracleConfig()
	}
	return &OracleClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// IsConfigured checks if the client is properly configured
func (c *OracleClient) IsConfigured() bool {
	return c.config.APIKey != ""
}

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Complete sends a completion request to the oracle
func (c *OracleClient) Complete(systemPrompt string, userPrompt string) (string, error) {
	switch c.config.Provider {
	case ProviderClaude:
		return c.completeClaude(systemPrompt, userPrompt)
	case ProviderOpenAI, ProviderDeepSeek:
		return c.completeOpenAICompat(systemPrompt, userPrompt)
	default:
		return "", &OracleError{Kind: OracleUnavailable, Message: fmt.Sprintf("unsupported provider: %s", c.config.Provider)}
	}
}

func (c *OracleClient) endpoint(defaultURL string) string {
	if c.config.BaseURL != "" {
		return c.config.BaseURL
	}
	return defaultURL
}

func (c *OracleClient) completeClaude(systemPrompt, userPrompt string) (string, error) {
	req := claudeRequest{
		Model:       c.config.Model,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
		System:      systemPrompt,
		Messages: []Message{
			{Role: "user", Content: userPrompt},
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", &OracleError{Kind: OracleUnavailable, Message: err.Error()}
	}

	httpReq, err := http.NewRequest("POST", c.endpoint("https://api.anthropic.com/v1/messages"), bytes.NewReader(body))
	if err != nil {
		return "", &OracleError{Kind: OracleUnavailable, Message: err.Error()}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.config.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &OracleError{Kind: OracleUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &OracleError{Kind: OracleUnavailable, Message: err.Error()}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &OracleError{Kind: OracleRateLimited, Message: string(respBody)}
	}

	var claudeResp claudeResponse
	if err := json.Unmarshal(respBody, &claudeResp); err != nil {
		return "", &OracleError{Kind: OracleMalformed, Message: err.Error()}
	}

	if claudeResp.Error != nil {
		if claudeResp.Error.Type == "rate_limit_error" {
			return "", &OracleError{Kind: OracleRateLimited, Message: claudeResp.Error.Message}
		}
		return "", &OracleError{Kind: OracleUnavailable, Message: claudeResp.Error.Message}
	}

	if claudeResp.StopReason == "refusal" {
		return "", &OracleError{Kind: OracleBlocked, Message: "response refused by provider safety system"}
	}

	if len(claudeResp.Content) == 0 {
		return "", &OracleError{Kind: OracleMalformed, Message: "empty response content"}
	}

	return claudeResp.Content[0].Text, nil
}

func (c *OracleClient) completeOpenAICompat(systemPrompt, userPrompt string) (string, error) {
	defaultURL := "https://api.openai.com/v1/chat/completions"
	if c.config.Provider == ProviderDeepSeek {
		defaultURL = "https://api.deepseek.com/v1/chat/completions"
	}

	req := openAIRequest{
		Model: c.config.Model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", &OracleError{Kind: OracleUnavailable, Message: err.Error()}
	}

	httpReq, err := http.NewRequest("POST", c.endpoint(defaultURL), bytes.NewReader(body))
	if err != nil {
		return "", &OracleError{Kind: OracleUnavailable, Message: err.Error()}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &OracleError{Kind: OracleUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &OracleError{Kind: OracleUnavailable, Message: err.Error()}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &OracleError{Kind: OracleRateLimited, Message: string(respBody)}
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(respBody, &openAIResp); err != nil {
		return "", &OracleError{Kind: OracleMalformed, Message: err.Error()}
	}

	if openAIResp.Error != nil {
		if openAIResp.Error.Code == "rate_limit_exceeded" {
			return "", &OracleError{Kind: OracleRateLimited, Message: openAIResp.Error.Message}
		}
		return "", &OracleError{Kind: OracleUnavailable, Message: openAIResp.Error.Message}
	}

	if len(openAIResp.Choices) == 0 {
		return "", &OracleError{Kind: OracleMalformed, Message: "empty choices"}
	}

	if openAIResp.Choices[0].FinishReason == "content_filter" {
		return "", &OracleError{Kind: OracleBlocked, Message: "response blocked by provider content filter"}
	}

	return openAIResp.Choices[0].Message.Content, nil
}
