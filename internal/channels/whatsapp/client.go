// Package whatsapp is the Z-API client used to deliver replies and the
// webhook payload types for inbound messages.
package whatsapp

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

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.z-api.io"

// Client talks to one Z-API WhatsApp instance. All outbound calls go through
// a shared rate limiter so burst replies never trip WhatsApp spam detection.
type Client struct {
	baseURL     string
	instance    string
	token       string
	clientToken string
	http        *http.Client
	limiter     *rate.Limiter
}

// NewClient builds a Z-API client. ratePerSecond <= 0 disables limiting.
func NewClient(baseURL, instance, token, clientToken string, ratePerSecond float64, burst int) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		instance:    instance,
		token:       token,
		clientToken: clientToken,
		http:        &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(limit, burst),
	}
}

// SendText delivers one text message to phone.
func (c *Client) SendText(ctx context.Context, phone, message string) error {
	return c.post(ctx, "send-text", map[string]string{
		"phone":   apiPhone(phone),
		"message": message,
	})
}

// SendTyping shows the typing indicator for the given duration. Best effort:
// callers treat failures as cosmetic.
func (c *Client) SendTyping(ctx context.Context, phone string, d time.Duration) error {
	return c.post(ctx, "send-chat-state", map[string]string{
		"phone":      apiPhone(phone),
		"chatState":  "composing",
		"durationMs": fmt.Sprintf("%d", d.Milliseconds()),
	})
}

// MarkRead marks a received message as read. Best effort.
func (c *Client) MarkRead(ctx context.Context, phone, messageID string) error {
	return c.post(ctx, "read-message", map[string]string{
		"phone":     apiPhone(phone),
		"messageId": messageID,
	})
}

func (c *Client) post(ctx context.Context, endpoint string, payload map[string]string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", endpoint, err)
	}

	url := fmt.Sprintf("%s/instances/%s/token/%s/%s", c.baseURL, c.instance, c.token, endpoint)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.clientToken != "" {
		req.Header.Set("Client-Token", c.clientToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: http %d: %s", endpoint, resp.StatusCode, string(body))
	}

	slog.Debug("whatsapp api call", "endpoint", endpoint, "phone", payload["phone"])
	return nil
}

// apiPhone strips the leading + — Z-API expects bare digits.
func apiPhone(phone string) string {
	return strings.TrimPrefix(phone, "+")
}
