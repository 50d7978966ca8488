package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/wispworks/wisp/internal/config"
)

// Client is the only component allowed to reach the chat platform's API.
// Every call runs through the limiter; 429 responses are absorbed with the
// server's retry-after hint up to maxRetries before failing hard.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *Limiter
	maxRetries int
}

func NewClient(cfg config.PlatformConfig) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    NewLimiter(),
		maxRetries: config.DefaultPostRetries,
	}
}

// NewClientWith builds a client with injected limiter and retry bound (tests).
func NewClientWith(baseURL, token string, limiter *Limiter, maxRetries int) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    limiter,
		maxRetries: maxRetries,
	}
}

// PostMessage posts text to a channel, threaded when threadID is non-empty.
// Returns the platform message ID of the posted message.
func (c *Client) PostMessage(ctx context.Context, channelID, threadID, text string) (string, error) {
	env, err := c.call(ctx, MethodPostMessage, channelID, map[string]any{
		"channel":   channelID,
		"thread_id": threadID,
		"text":      text,
	})
	if err != nil {
		return "", err
	}
	return env.MessageID, nil
}

// AddReaction attaches an emoji marker to a message.
func (c *Client) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	_, err := c.call(ctx, MethodAddReaction, "", map[string]any{
		"channel":    channelID,
		"message_id": messageID,
		"emoji":      emoji,
	})
	return err
}

// History reads up to limit messages from a channel or thread.
func (c *Client) History(ctx context.Context, channelID, threadID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	env, err := c.call(ctx, MethodHistory, "", map[string]any{
		"channel":   channelID,
		"thread_id": threadID,
		"limit":     limit,
	})
	if err != nil {
		return nil, err
	}
	return env.Messages, nil
}

// AuthCheck verifies the token and returns the bot's own user ID.
func (c *Client) AuthCheck(ctx context.Context) (string, error) {
	env, err := c.call(ctx, MethodAuthCheck, "", map[string]any{})
	if err != nil {
		return "", err
	}
	return env.UserID, nil
}

// OpenStream requests a fresh websocket URL for the event subscription.
func (c *Client) OpenStream(ctx context.Context) (string, error) {
	env, err := c.call(ctx, MethodOpenStream, "", map[string]any{})
	if err != nil {
		return "", err
	}
	if env.StreamURL == "" {
		return "", fmt.Errorf("stream.open returned no url")
	}
	return env.StreamURL, nil
}

func (c *Client) call(ctx context.Context, method, dest string, params map[string]any) (*apiEnvelope, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx, method, dest); err != nil {
			return nil, err
		}

		env, retryAfter, err := c.doOnce(ctx, method, params)
		if err == nil {
			return env, nil
		}
		lastErr = err

		if retryAfter <= 0 {
			// Not a rate-limit response; no point hammering.
			break
		}
		log.Printf("[platform] %s rate limited, honoring retry-after %s (attempt %d/%d)",
			method, retryAfter, attempt+1, c.maxRetries)
		c.limiter.Penalize(method, retryAfter)
	}
	// Only a failed post is a delivery failure; read-side methods get the
	// neutral sentinel so callers don't mistake them for lost replies.
	sentinel := ErrRequestFailed
	if method == MethodPostMessage {
		sentinel = ErrDeliveryFailed
	}
	return nil, fmt.Errorf("%w: %s: %v", sentinel, method, lastErr)
}

// doOnce performs a single API call. A positive retryAfter marks the error
// as a rate-limit response the caller may wait out.
func (c *Client) doOnce(ctx context.Context, method string, params map[string]any) (*apiEnvelope, time.Duration, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal %s params: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read %s response: %w", method, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, retryAfterFrom(resp, data), ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}

	var env apiEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, 0, fmt.Errorf("decode %s response: %w", method, err)
	}
	if !env.OK {
		if env.Error == "rate_limited" {
			return nil, retryAfterFrom(resp, data), ErrRateLimited
		}
		return nil, 0, fmt.Errorf("%s: platform error %q", method, env.Error)
	}
	return &env, 0, nil
}

// retryAfterFrom prefers the Retry-After header, falling back to the body
// hint, falling back to a conservative default.
func retryAfterFrom(resp *http.Response, data []byte) time.Duration {
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.ParseFloat(h, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	var env apiEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.RetryAfter > 0 {
		return time.Duration(env.RetryAfter * float64(time.Second))
	}
	return 5 * time.Second
}
