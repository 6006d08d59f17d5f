package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "https://api.deepseek.com"
	defaultModel     = "deepseek-chat"
	defaultMaxTokens = 512

	requestTimeout   = 30 * time.Second
	streamingTimeout = 300 * time.Second

	cacheTTL       = 5 * time.Minute
	maxAttempts    = 3
	initialBackoff = 1 * time.Second
)

// Client communicates with an OpenAI-compatible chat-completion service.
// Non-streaming responses are cached by message sequence and temperature
// for a fixed TTL; timeouts are retried with exponential backoff.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
	cache      *responseCache
	backoff    time.Duration

	timeout       time.Duration
	streamTimeout time.Duration

	logger *slog.Logger
}

// New creates a Client for the given API key, using default endpoint and model.
func New(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		maxTokens: defaultMaxTokens,
		httpClient: &http.Client{
			// Per-request timeouts are enforced via context; streaming
			// reads outlive any sane client-level timeout.
			Timeout: 0,
		},
		cache:         newResponseCache(cacheTTL, realClock{}),
		backoff:       initialBackoff,
		timeout:       requestTimeout,
		streamTimeout: streamingTimeout,
		logger:        slog.Default(),
	}
}

// NewWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewWithBaseURL(apiKey, baseURL string) *Client {
	c := New(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// SetModel overrides the upstream model name.
func (c *Client) SetModel(model string) { c.model = model }

// chatRequest is the JSON body for POST /chat/completions.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

// chatResponse is the non-streaming JSON response.
type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Send sends the conversation and returns the assistant's full reply.
// A cache hit returns without contacting the upstream service.
func (c *Client) Send(ctx context.Context, messages []Message, temperature float64) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("no messages to send")
	}

	key := cacheKey(messages, temperature)
	if text, ok := c.cache.get(key); ok {
		c.logger.Debug("completion cache hit", "messages", len(messages))
		return text, nil
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxAttempts {
		text, err := c.doSend(ctx, body)
		if err == nil {
			c.cache.set(key, text)
			return text, nil
		}
		if !isTimeout(err) {
			return "", err
		}

		lastErr = err
		c.logger.Warn("completion request timed out", "attempt", attempt+1)
		if attempt < maxAttempts-1 {
			if err := c.sleep(ctx, attempt); err != nil {
				return "", err
			}
		}
	}

	return "", fmt.Errorf("after %d attempts: %w (%v)", maxAttempts, ErrUpstreamTimeout, lastErr)
}

// SendStream sends the conversation and returns a live fragment stream.
// The reassembled text of a completed stream is written to the response
// cache so a later non-streaming call for the same conversation hits it.
func (c *Client) SendStream(ctx context.Context, messages []Message, temperature float64) (*Stream, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	key := cacheKey(messages, temperature)
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxAttempts {
		rc, err := c.doRequest(ctx, body, c.streamTimeout)
		if err == nil {
			s := &Stream{fragments: make(chan string, 16)}
			go s.consume(rc, func(full string) { c.cache.set(key, full) })
			return s, nil
		}
		if !isTimeout(err) {
			return nil, err
		}

		lastErr = err
		c.logger.Warn("streaming completion request timed out", "attempt", attempt+1)
		if attempt < maxAttempts-1 {
			if err := c.sleep(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("after %d attempts: %w (%v)", maxAttempts, ErrUpstreamTimeout, lastErr)
}

func (c *Client) doSend(ctx context.Context, body []byte) (string, error) {
	rc, err := c.doRequest(ctx, body, c.timeout)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}

	var result chatResponse
	if err := json.Unmarshal(raw, &result); err != nil || len(result.Choices) == 0 {
		return "", &UpstreamError{Body: string(raw)}
	}
	return result.Choices[0].Message.Content, nil
}

func (c *Client) doRequest(ctx context.Context, body []byte, timeout time.Duration) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(respBody)}
	}

	// The timeout context must stay alive while the caller reads the body.
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// sleep waits out the backoff for the given attempt, doubling each time.
func (c *Client) sleep(ctx context.Context, attempt int) error {
	backoff := c.backoff << attempt
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
