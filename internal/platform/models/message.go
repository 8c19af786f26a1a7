package models

type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
	MessageReceived  MessageStatus = "received"
)

// Rank orders delivery states: queued < sent < delivered < read. Failed sits
// outside the order.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageSent:
		return 1
	case MessageDelivered:
		return 2
	case MessageRead:
		return 3
	case MessageFailed:
		return -1
	default:
		return 0
	}
}

// Supersedes reports whether s may replace current. Failed always applies
// and, once set, is never replaced.
func (s MessageStatus) Supersedes(current MessageStatus) bool {
	if s == MessageFailed {
		return true
	}
	if current == MessageFailed {
		return false
	}
	return s.Rank() > current.Rank()
}

const (
	SenderAgent    = "agent"
	SenderCustomer = "customer"
)

type Message struct {
	ID              string        `json:"id"`
	ConversationID  string        `json:"conversation_id"`
	TenantID        string        `json:"tenant_id"`
	Sender          string        `json:"sender"`
	Content         string        `json:"content"`
	ExternalID      *string       `json:"external_id,omitempty"`
	Provider        string        `json:"provider"`
	ClientMessageID *string       `json:"client_message_id,omitempty"`
	Status          MessageStatus `json:"status"`
	RetryCount      int           `json:"retry_count"`
	LastRetryAt     *int64        `json:"last_retry_at,omitempty"`
	MediaURL        string        `json:"media_url,omitempty"`
	MediaType       string        `json:"media_type,omitempty"`
	ErrorDetails    string        `json:"error_details,omitempty"`
	CreatedAt       int64         `json:"created_at"`
	UpdatedAt       int64         `json:"updated_at"`
}
