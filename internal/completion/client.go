// Package completion calls the language-model worker endpoint.
// The client is stateless: every call carries its full history.
package completion

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

	"mycomanager-backend/internal/models"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const maxErrorBody = 4 << 10

// Request is one completion call. Zero Model, System and MaxTokens take the defaults.
type Request struct {
	History     []models.ChatTurn
	UserText    string
	Model       string
	System      string
	MaxTokens   int
	Temperature float64
}

// ChatRequest builds a chat completion with the default prompt and sampling.
func ChatRequest(history []models.ChatTurn, userText, model string) Request {
	return Request{
		History:     history,
		UserText:    userText,
		Model:       model,
		System:      SystemPrompt,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
	}
}

type payload struct {
	Model       string            `json:"model"`
	System      string            `json:"system"`
	Messages    []models.ChatTurn `json:"messages"`
	MaxTokens   int               `json:"max_tokens"`
	Temperature float64           `json:"temperature"`
	Stream      bool              `json:"stream"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Observer receives one sample per endpoint call.
type Observer interface {
	ObserveCompletion(kind string, err error, elapsed time.Duration)
}

// Config configures a Client.
type Config struct {
	URL          string
	DefaultModel string
	HTTPClient   *http.Client
	Breaker      BreakerConfig
	Observer     Observer
}

// BreakerConfig tunes the circuit breaker around the endpoint.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig trips after mostly failing calls and probes again after a minute.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Client talks to the worker endpoint. It never retries.
type Client struct {
	url          string
	defaultModel string
	httpClient   *http.Client
	cb           *gobreaker.CircuitBreaker
	observer     Observer
	logger       *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	model := cfg.DefaultModel
	if model == "" {
		model = DefaultModel
	}
	bc := cfg.Breaker
	if bc == (BreakerConfig{}) {
		bc = DefaultBreakerConfig()
	}

	c := &Client{
		url:          cfg.URL,
		defaultModel: model,
		httpClient:   httpClient,
		observer:     cfg.Observer,
		logger:       logger,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "completion",
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
		IsSuccessful: countsAsSuccess,
	})
	return c
}

// Only transport failures and 5xx responses count against the endpoint.
func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, ErrMalformedResponse) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status < 500
	}
	return false
}

// DefaultModel returns the model used when a request names none.
func (c *Client) DefaultModel() string {
	return c.defaultModel
}

// Complete sends the history followed by req.UserText and returns content[0].text.
// Errors are *HTTPError, ErrNetwork or ErrMalformedResponse.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	return c.complete(ctx, "chat", req)
}

func (c *Client) complete(ctx context.Context, kind string, req Request) (string, error) {
	started := time.Now()
	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.do(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if c.observer != nil {
		c.observer.ObserveCompletion(kind, err, time.Since(started))
	}
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (c *Client) do(ctx context.Context, req Request) (string, error) {
	p := payload{
		Model:       req.Model,
		System:      req.System,
		Messages:    make([]models.ChatTurn, 0, len(req.History)+1),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      false,
	}
	if p.Model == "" {
		p.Model = c.defaultModel
	}
	if p.System == "" {
		p.System = SystemPrompt
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	p.Messages = append(p.Messages, req.History...)
	p.Messages = append(p.Messages, models.ChatTurn{Role: models.RoleUser, Content: req.UserText})

	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode completion request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("completion request failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Error("completion endpoint error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(raw)))
		return "", &HTTPError{Status: resp.StatusCode, Body: string(raw)}
	}

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		c.logger.Warn("completion response not JSON", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(decoded.Content) == 0 || decoded.Content[0].Text == "" {
		return "", ErrMalformedResponse
	}
	return decoded.Content[0].Text, nil
}

// GenerateTitle asks for a short title for a conversation opened by seed.
// ok is false on any failure; the caller keeps its placeholder.
func (c *Client) GenerateTitle(ctx context.Context, seed, model string) (string, bool) {
	text, err := c.complete(ctx, "title", Request{
		UserText:    TitlePromptPrefix + seed,
		Model:       model,
		System:      TitleSystemPrompt,
		MaxTokens:   TitleMaxTokens,
		Temperature: TitleTemperature,
	})
	if err != nil {
		c.logger.Warn("title generation failed", zap.Error(err))
		return "", false
	}
	title := CleanTitle(text)
	if title == "" {
		return "", false
	}
	return title, true
}

// CleanTitle trims whitespace and surrounding quotes from a model-generated title.
func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`«»“”‘’")
	return strings.TrimSpace(s)
}
