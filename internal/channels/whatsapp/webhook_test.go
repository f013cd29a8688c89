package whatsapp

import (
	"errors"
	"testing"
	"time"
)

func TestParseWebhook(t *testing.T) {
	body := []byte(`{
		"type": "ReceivedCallback",
		"messageId": "3EB0C431",
		"phone": "5511900000000",
		"fromMe": false,
		"isGroup": false,
		"senderName": "Maria",
		"momment": 1767000000000,
		"text": {"message": "oi, quero saber o preço"}
	}`)

	msg, err := ParseWebhook(body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if msg.Phone != "5511900000000" {
		t.Errorf("Phone = %q", msg.Phone)
	}
	if msg.Text != "oi, quero saber o preço" {
		t.Errorf("Text = %q", msg.Text)
	}
	if msg.SenderName != "Maria" {
		t.Errorf("SenderName = %q", msg.SenderName)
	}
	if !msg.ReceivedAt.Equal(time.UnixMilli(1767000000000)) {
		t.Errorf("ReceivedAt = %v", msg.ReceivedAt)
	}
}

func TestParseWebhookWithoutMomment(t *testing.T) {
	msg, err := ParseWebhook([]byte(`{"phone":"5511900000000","text":{"message":"oi"}}`))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if !msg.ReceivedAt.IsZero() {
		t.Errorf("ReceivedAt = %v, want zero when payload has no timestamp", msg.ReceivedAt)
	}
}

func TestParseWebhookIgnored(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"own message", `{"phone":"5511900000000","fromMe":true,"text":{"message":"oi"}}`},
		{"group message", `{"phone":"5511900000000","isGroup":true,"text":{"message":"oi"}}`},
		{"no text", `{"phone":"5511900000000","type":"AudioCallback"}`},
		{"empty text", `{"phone":"5511900000000","text":{"message":""}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWebhook([]byte(tt.body))
			if !errors.Is(err, ErrIgnored) {
				t.Errorf("got %v, want ErrIgnored", err)
			}
		})
	}
}

func TestParseWebhookInvalid(t *testing.T) {
	if _, err := ParseWebhook([]byte(`not json`)); err == nil || errors.Is(err, ErrIgnored) {
		t.Errorf("malformed body: got %v, want decode error", err)
	}
	if _, err := ParseWebhook([]byte(`{"text":{"message":"oi"}}`)); err == nil || errors.Is(err, ErrIgnored) {
		t.Errorf("missing phone: got %v, want hard error", err)
	}
}

func TestAPIPhone(t *testing.T) {
	if got := apiPhone("+5511900000000"); got != "5511900000000" {
		t.Errorf("apiPhone = %q", got)
	}
	if got := apiPhone("5511900000000"); got != "5511900000000" {
		t.Errorf("apiPhone without plus = %q", got)
	}
}
