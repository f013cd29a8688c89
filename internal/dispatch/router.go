// Package dispatch routes a completed message batch to the right persona
// and delivers the reply. It sits between the buffering core and the
// WhatsApp channel: the buffer hands it one combined batch per sender, it
// decides who answers.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nutriflow/zapgate/internal/agent"
	"github.com/nutriflow/zapgate/internal/store"
)

// typingPause is how long the typing indicator shows before the reply lands.
// Short enough to not annoy, long enough to read as human.
const typingPause = 2 * time.Second

// Sender delivers outbound messages. Satisfied by whatsapp.Client.
type Sender interface {
	SendText(ctx context.Context, phone, message string) error
	SendTyping(ctx context.Context, phone string, d time.Duration) error
}

// Router implements the buffer dispatcher: persona selection, AI turn,
// delivery, and interaction logging.
type Router struct {
	contacts     store.ContactStore
	interactions store.InteractionStore
	sales        *agent.Persona
	nutrition    *agent.Persona
	sender       Sender
	historyLimit int
}

func NewRouter(contacts store.ContactStore, interactions store.InteractionStore,
	sales, nutrition *agent.Persona, sender Sender, historyLimit int) *Router {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &Router{
		contacts:     contacts,
		interactions: interactions,
		sales:        sales,
		nutrition:    nutrition,
		sender:       sender,
		historyLimit: historyLimit,
	}
}

// Handle processes one batch end to end. An error return tells the buffer
// core to retain the batch and retry.
func (r *Router) Handle(ctx context.Context, phone, combined string) error {
	ctx, span := otel.Tracer("zapgate/dispatch").Start(ctx, "dispatch.Handle")
	defer span.End()

	contact, err := r.contacts.Get(ctx, phone)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}

	// Escalated conversations belong to a human. The batch is consumed
	// without an AI reply so the agent never talks over the operator.
	if contact != nil && contact.Escalated() {
		slog.Info("batch held for human operator", "phone", phone)
		span.SetAttributes(attribute.String("dispatch.outcome", "escalated"))
		return nil
	}

	persona := r.sales
	if contact != nil && contact.Kind == store.KindClient {
		persona = r.nutrition
	}
	if contact == nil {
		if _, err := r.contacts.EnsureLead(ctx, phone, "", "whatsapp"); err != nil {
			return fmt.Errorf("register lead: %w", err)
		}
	}
	span.SetAttributes(attribute.String("dispatch.persona", persona.Name))

	history, err := r.interactions.Recent(ctx, phone, r.historyLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	// Typing indicator is cosmetic. Failures never fail the batch.
	if err := r.sender.SendTyping(ctx, phone, typingPause); err != nil {
		slog.Debug("typing indicator failed", "phone", phone, "error", err)
	}

	reply, err := persona.Reply(ctx, history, combined)
	if err != nil {
		return err
	}

	if err := r.sender.SendText(ctx, phone, reply); err != nil {
		return fmt.Errorf("deliver reply: %w", err)
	}

	if err := r.interactions.Append(ctx, store.Interaction{
		Phone:     phone,
		Agent:     persona.Name,
		Message:   reply,
		Direction: store.DirectionOutgoing,
		Timestamp: time.Now(),
	}); err != nil {
		// The reply is already on the wire. Log the gap instead of
		// forcing a retry that would double-message the sender.
		slog.Error("failed to log outgoing reply", "phone", phone, "error", err)
	}

	slog.Info("reply delivered", "phone", phone, "persona", persona.Name)
	return nil
}
