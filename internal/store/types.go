package store

import "time"

// Interaction directions.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Contact kinds.
const (
	KindLead   = "lead"
	KindClient = "client"
)

// Alert types raised by the buffering core and health checks.
const (
	AlertBufferStuck        = "buffer_stuck"
	AlertBufferStuckLock    = "buffer_stuck_lock"
	AlertBufferProcessError = "buffer_processing_error"
	AlertStaleCompletion    = "buffer_stale_completion"
	AlertHealthStuckLock    = "health_check_stuck_lock"
	AlertHealthUnprocessed  = "health_check_unprocessed"
	AlertHealthHighRetries  = "health_check_high_retries"
)

// BufferRecord is the per-sender accumulator for a pending, not-yet-dispatched
// message window. At most one record exists per phone.
type BufferRecord struct {
	Phone         string     `json:"phone"`
	LastMessageAt time.Time  `json:"last_message_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Processing    bool       `json:"processing"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	LockedBy      string     `json:"locked_by,omitempty"`
	RetryCount    int        `json:"retry_count"`
}

// LockAge returns how long the record has been locked, or 0 if unlocked.
func (b *BufferRecord) LockAge(now time.Time) time.Duration {
	if !b.Processing || b.LockedAt == nil {
		return 0
	}
	return now.Sub(*b.LockedAt)
}

// Interaction is one immutable log entry of the conversation with a sender.
type Interaction struct {
	Phone     string            `json:"phone"`
	Agent     string            `json:"agent"` // "user", "sales", "nutrition", "system"
	Message   string            `json:"message"`
	Direction string            `json:"direction"` // DirectionIncoming or DirectionOutgoing
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Contact is a lead or client record, used for persona routing.
type Contact struct {
	Phone             string    `json:"phone"`
	Name              string    `json:"name,omitempty"`
	Kind              string    `json:"kind"` // KindLead or KindClient
	Source            string    `json:"source,omitempty"`
	Status            string    `json:"status,omitempty"` // "active", "pending_human", ...
	NeedsHumanSupport bool      `json:"needs_human_support,omitempty"`
	Created           time.Time `json:"created"`
	Updated           time.Time `json:"updated"`
}

// Escalated reports whether the contact is flagged for human takeover.
func (c *Contact) Escalated() bool {
	return c.NeedsHumanSupport || c.Status == "pending_human"
}

// Alert is an operator-facing anomaly notification.
type Alert struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Phone   string    `json:"phone,omitempty"`
	Details string    `json:"details,omitempty"`
	Created time.Time `json:"created"`
}

// ConversionStats summarizes the lead → client funnel for the dashboard.
type ConversionStats struct {
	TotalLeads     int     `json:"total_leads"`
	ActiveClients  int     `json:"active_clients"`
	ConversionRate float64 `json:"conversion_rate"`
}
