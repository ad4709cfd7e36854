// Package rest implements the outbound API client. Every request is
// scheduled through the rate limiter, and every response's quota headers are
// fed back so the limiter's bookkeeping tracks the server's.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tinyland-inc/clawcord/pkg/logger"
	"github.com/tinyland-inc/clawcord/pkg/ratelimit"
)

// Config holds REST client settings.
type Config struct {
	APIBase string
	Token   string
	Timeout time.Duration
}

type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *ratelimit.Limiter
}

func NewClient(cfg Config, limiter *ratelimit.Limiter) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
	}
}

// APIError is a non-2xx response from the API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Body)
}

type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

// CreateMessage posts content to a channel.
func (c *Client) CreateMessage(ctx context.Context, channelID, content string) (*Message, error) {
	body := map[string]any{"content": content}
	var msg Message
	err := c.do(ctx,
		http.MethodPost, "/channels/"+channelID+"/messages",
		"channels:"+channelID+":messages",
		body, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage removes a message from a channel.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return c.do(ctx,
		http.MethodDelete, "/channels/"+channelID+"/messages/"+messageID,
		"channels:"+channelID+":messages:delete",
		nil, nil)
}

// EditChannel patches channel settings, e.g. name or topic.
func (c *Client) EditChannel(ctx context.Context, channelID string, patch map[string]any) error {
	return c.do(ctx,
		http.MethodPatch, "/channels/"+channelID,
		"channels:"+channelID,
		patch, nil)
}

// CreateScheduledEvent creates a guild scheduled event.
func (c *Client) CreateScheduledEvent(ctx context.Context, guildID, name, startTime string) error {
	body := map[string]any{
		"name":                 name,
		"scheduled_start_time": startTime,
		"privacy_level":        2,
		"entity_type":          3,
	}
	return c.do(ctx,
		http.MethodPost, "/guilds/"+guildID+"/scheduled-events",
		"guilds:"+guildID+":scheduled-events",
		body, nil)
}

// InteractionRespond answers an interaction within its callback window. The
// route is authorized by the interaction token, not the bot token.
func (c *Client) InteractionRespond(ctx context.Context, interactionID, token, content string, ephemeral bool) error {
	data := map[string]any{"content": content}
	if ephemeral {
		data["flags"] = 1 << 6
	}
	body := map[string]any{
		"type": 4, // channel message with source
		"data": data,
	}
	return c.do(ctx,
		http.MethodPost, "/interactions/"+interactionID+"/"+token+"/callback",
		"interactions:callback",
		body, nil)
}

func (c *Client) do(ctx context.Context, method, path, bucketKey string, body, out any) error {
	res, err := c.limiter.Schedule(ctx, bucketKey, func(ctx context.Context) (*ratelimit.Result, error) {
		return c.request(ctx, method, path, bucketKey, body, out)
	})
	if err != nil {
		return err
	}
	if res != nil && res.RetryAfter > 0 && !res.Global {
		logger.DebugCF("rest", "Bucket exhausted", map[string]any{
			"bucket":      res.Bucket,
			"retry_after": res.RetryAfter.String(),
		})
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path, bucketKey string, body, out any) (*ratelimit.Result, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.APIBase+path, reader)
	if err != nil {
		return nil, err
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bot "+c.config.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result := parseRateHeaders(resp, bucketKey)

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return result, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return result, &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, &APIError{Status: resp.StatusCode, Body: string(data)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return result, fmt.Errorf("decoding response: %w", err)
		}
	}
	return result, nil
}

// parseRateHeaders extracts the server's quota bookkeeping for this bucket.
func parseRateHeaders(resp *http.Response, fallbackBucket string) *ratelimit.Result {
	res := &ratelimit.Result{Bucket: fallbackBucket, Remaining: 1}

	if b := resp.Header.Get("X-RateLimit-Bucket"); b != "" {
		res.Bucket = b
	}
	if v := resp.Header.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			res.Remaining = n
		}
	}
	if v := resp.Header.Get("X-RateLimit-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			res.Limit = n
		}
	}
	if v := resp.Header.Get("X-RateLimit-Reset-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			res.Reset = time.Now().Add(time.Duration(secs * float64(time.Second)))
		}
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			res.RetryAfter = time.Duration(secs * float64(time.Second))
		}
	}
	if resp.Header.Get("X-RateLimit-Global") == "true" {
		res.Global = true
	}
	return res
}
