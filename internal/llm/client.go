// Package llm talks to a hosted generative model and turns its replies into moderation verdicts.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	// DefaultEndpoint is the public generateContent API root.
	DefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"
	// MIMETypeJSON asks the model for a bare JSON document.
	MIMETypeJSON = "application/json"

	defaultTimeout      = 20 * time.Second
	defaultMaxRetries   = 2
	defaultRetryWaitMin = 500 * time.Millisecond
	defaultRetryWaitMax = 5 * time.Second
	maxResponseBytes    = 1 << 20
)

var (
	// ErrDisabled is returned by a client built without an API key.
	ErrDisabled = errors.New("llm: client disabled")
	// ErrEmptyResponse means the model produced no candidate text.
	ErrEmptyResponse = errors.New("llm: empty response")

	errMissingModel = errors.New("llm: model is required")
)

// Request is a single prompt to the model.
type Request struct {
	Model            string
	SystemPrompt     string
	Prompt           string
	Temperature      float64
	ResponseMIMEType string
}

// Client generates text for a request.
type Client interface {
	Generate(ctx context.Context, request Request) (string, error)
}

// DisabledClient fails every call with ErrDisabled.
type DisabledClient struct{}

// Generate implements Client.
func (DisabledClient) Generate(context.Context, Request) (string, error) {
	return "", ErrDisabled
}

// Config describes the hosted model client.
type Config struct {
	APIKey       string
	Endpoint     string
	Timeout      time.Duration
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Transport    http.RoundTripper
	Logger       *zap.Logger
}

// New returns a GeminiClient, or a DisabledClient when no API key is configured.
func New(cfg Config) Client {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return DisabledClient{}
	}
	return NewGeminiClient(cfg)
}

// GeminiClient calls the generateContent REST method.
type GeminiClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewGeminiClient constructs the REST client. Transient failures (connection errors and 5xx) are
// retried; 429 is returned to the caller.
func NewGeminiClient(cfg Config) *GeminiClient {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = defaultMaxRetries
	if cfg.MaxRetries > 0 {
		retryClient.RetryMax = cfg.MaxRetries
	}
	retryClient.RetryWaitMin = defaultRetryWaitMin
	if cfg.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = cfg.RetryWaitMin
	}
	retryClient.RetryWaitMax = defaultRetryWaitMax
	if cfg.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = cfg.RetryWaitMax
	}
	retryClient.CheckRetry = retryPolicy
	retryClient.Logger = retryablehttp.LeveledLogger(leveledZap{inner: logger.Sugar().With("subsystem", "llm")})
	if cfg.Transport != nil {
		retryClient.HTTPClient.Transport = cfg.Transport
	}

	client := retryClient.StandardClient()
	client.Timeout = defaultTimeout
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}
	return &GeminiClient{endpoint: endpoint, apiKey: cfg.APIKey, http: client}
}

type part struct {
	Text string `json:"text"`
}

type contentBlock struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMIMEType string  `json:"responseMimeType,omitempty"`
}

type generateRequest struct {
	SystemInstruction *contentBlock    `json:"systemInstruction,omitempty"`
	Contents          []contentBlock   `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content contentBlock `json:"content"`
	} `json:"candidates"`
}

// Generate implements Client.
func (c *GeminiClient) Generate(ctx context.Context, request Request) (string, error) {
	if strings.TrimSpace(request.Model) == "" {
		return "", errMissingModel
	}
	payload := generateRequest{
		Contents: []contentBlock{{Role: "user", Parts: []part{{Text: request.Prompt}}}},
		GenerationConfig: generationConfig{
			Temperature:      request.Temperature,
			ResponseMIMEType: request.ResponseMIMEType,
		},
	}
	if request.SystemPrompt != "" {
		payload.SystemInstruction = &contentBlock{Parts: []part{{Text: request.SystemPrompt}}}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("llm: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.endpoint, request.Model)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")
	httpRequest.Header.Set("x-goog-api-key", c.apiKey)

	start := time.Now()
	response, err := c.http.Do(httpRequest)
	requestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		requestCount.WithLabelValues("error").Inc()
		return "", fmt.Errorf("llm: request failed: %w", err)
	}
	defer response.Body.Close()
	requestCount.WithLabelValues(strconv.Itoa(response.StatusCode)).Inc()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("llm: read response: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: request failed statusCode=%d", response.StatusCode)
	}

	var decoded generateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	var text strings.Builder
	for _, candidate := range decoded.Candidates {
		for _, p := range candidate.Content.Parts {
			text.WriteString(p.Text)
		}
		if text.Len() > 0 {
			break
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", ErrEmptyResponse
	}
	return text.String(), nil
}

func retryPolicy(ctx context.Context, response *http.Response, err error) (bool, error) {
	if err == nil && response.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, response, err)
}

// leveledZap adapts zap to retryablehttp, demoting intermediate errors to warnings.
type leveledZap struct {
	inner *zap.SugaredLogger
}

func (l leveledZap) Error(msg string, keysAndValues ...interface{}) {
	l.inner.Warnw(msg, keysAndValues...)
}

func (l leveledZap) Warn(msg string, keysAndValues ...interface{}) {
	l.inner.Warnw(msg, keysAndValues...)
}

func (l leveledZap) Info(msg string, keysAndValues ...interface{}) {
	l.inner.Infow(msg, keysAndValues...)
}

func (l leveledZap) Debug(msg string, keysAndValues ...interface{}) {
	l.inner.Debugw(msg, keysAndValues...)
}
