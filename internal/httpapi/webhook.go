package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nutriflow/zapgate/internal/buffer"
	"github.com/nutriflow/zapgate/internal/channels/whatsapp"
)

// maxWebhookBody bounds the accepted payload size. Z-API text callbacks are
// a few KB at most.
const maxWebhookBody = 256 * 1024

// handleWebhook is the inbound Z-API callback. It must answer fast: WhatsApp
// retries slow webhooks, which would duplicate messages. All AI work happens
// after the window closes, never on this path.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimiter.Allow(clientIP(r)) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}

	msg, err := whatsapp.ParseWebhook(body)
	if err != nil {
		if errors.Is(err, whatsapp.ErrIgnored) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	// Sender allowlist: used in staging to restrict the bot to test
	// numbers. Disallowed senders are acknowledged but not buffered, so
	// Z-API does not retry them.
	if !s.senderAllowed(buffer.NormalizePhone(msg.Phone)) {
		slog.Debug("sender not in allowlist", "phone", msg.Phone)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	metadata := map[string]string{"message_id": msg.MessageID}
	if msg.SenderName != "" {
		metadata["sender_name"] = msg.SenderName
	}
	if !msg.ReceivedAt.IsZero() {
		metadata["sent_at"] = msg.ReceivedAt.UTC().Format(time.RFC3339)
	}

	result, err := s.manager.Submit(r.Context(), msg.Phone, msg.Text, metadata)
	if err != nil {
		if errors.Is(err, buffer.ErrEmptyPhone) || errors.Is(err, buffer.ErrEmptyMessage) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		slog.Error("webhook intake failed", "phone", msg.Phone, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "intake failed"})
		return
	}

	// Read receipt off the request path; the sender should not wait on it.
	if s.marker != nil && msg.MessageID != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.marker.MarkRead(ctx, result.Phone, msg.MessageID); err != nil {
				slog.Debug("mark read failed", "phone", result.Phone, "error", err)
			}
		}()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "buffered",
		"phone":      result.Phone,
		"expires_at": result.ExpiresAt,
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
