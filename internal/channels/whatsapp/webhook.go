package whatsapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound payload errors. Ignorable means the payload is valid Z-API traffic
// the gateway deliberately drops (own messages, groups, non-text).
var (
	ErrIgnored = errors.New("payload ignored")
)

// WebhookPayload is the Z-API message-received callback.
type WebhookPayload struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
	MessageID  string `json:"messageId"`
	Phone      string `json:"phone"`
	FromMe     bool   `json:"fromMe"`
	IsGroup    bool   `json:"isGroup"`
	SenderName string `json:"senderName"`
	Momment    int64  `json:"momment"` // Z-API's spelling; epoch millis

	Text *struct {
		Message string `json:"message"`
	} `json:"text"`
}

// InboundMessage is the normalized result of parsing a webhook payload.
// ReceivedAt is the device-side send time and is zero when the payload
// carried no timestamp; it is recorded as interaction metadata, never used
// for window math, because device clocks are not trustworthy.
type InboundMessage struct {
	MessageID  string
	Phone      string
	SenderName string
	Text       string
	ReceivedAt time.Time
}

// ParseWebhook decodes and filters one webhook body. Returns ErrIgnored for
// traffic the gateway drops on purpose; any other error is a malformed
// payload.
func ParseWebhook(body []byte) (*InboundMessage, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}

	switch {
	case p.FromMe:
		return nil, fmt.Errorf("%w: own message", ErrIgnored)
	case p.IsGroup:
		return nil, fmt.Errorf("%w: group message", ErrIgnored)
	case p.Text == nil || p.Text.Message == "":
		return nil, fmt.Errorf("%w: no text content (type %q)", ErrIgnored, p.Type)
	case p.Phone == "":
		return nil, errors.New("webhook payload missing phone")
	}

	var receivedAt time.Time
	if p.Momment > 0 {
		receivedAt = time.UnixMilli(p.Momment)
	}
	return &InboundMessage{
		MessageID:  p.MessageID,
		Phone:      p.Phone,
		SenderName: p.SenderName,
		Text:       p.Text.Message,
		ReceivedAt: receivedAt,
	}, nil
}
