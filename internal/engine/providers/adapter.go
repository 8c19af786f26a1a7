// Package providers normalises the remote messaging APIs behind one
// capability contract.
package providers

import (
	"context"
	"net/http"
	"time"

	"msggateway/internal/platform/models"
)

type InstanceRequest struct {
	TenantHint  string
	Credentials models.Credentials
	// WebhookURL is where the provider should deliver events, when the
	// provider lets us register it.
	WebhookURL string
}

// Target addresses an existing remote instance.
type Target struct {
	InstanceID  string
	Credentials models.Credentials
}

type InstanceResult struct {
	InstanceID  string
	Status      models.ConnectionStatus
	QRPayload   string
	PhoneNumber string
}

type ConnectionResult struct {
	Status    models.ConnectionStatus
	QRPayload string
}

type StatusResult struct {
	Status      models.ConnectionStatus
	PhoneNumber string
}

type SendResult struct {
	ExternalID string
	Timestamp  time.Time
}

const (
	MediaImage    = "image"
	MediaVideo    = "video"
	MediaAudio    = "audio"
	MediaDocument = "document"
)

type MediaMessage struct {
	Phone   string
	URL     string
	Caption string
	Type    string
}

type EventType string

const (
	EventConnection    EventType = "connection"
	EventMessageStatus EventType = "message_status"
	EventMessage       EventType = "message"
	EventIgnored       EventType = "ignored"
)

type ConnectionUpdate struct {
	Status      models.ConnectionStatus
	QRPayload   string
	PhoneNumber string
}

type StatusUpdate struct {
	ExternalID string
	Status     models.MessageStatus
}

type InboundMessage struct {
	ExternalID string
	Phone      string
	PushName   string
	Text       string
	MediaURL   string
	MediaType  string
	FromMe     bool
	Timestamp  time.Time
}

// NormalizedEvent is the provider agnostic shape of one webhook event.
// Exactly one of Connection, Status or Message is set, matching Type.
type NormalizedEvent struct {
	Type       EventType
	InstanceID string
	Connection *ConnectionUpdate
	Status     *StatusUpdate
	Message    *InboundMessage
	// Raw names the provider event, for logs only.
	Raw string
}

// Adapter is implemented once per remote API. Adapters hold no per-tenant
// state; every call carries the connection's credentials.
type Adapter interface {
	Name() string

	CreateInstance(ctx context.Context, req InstanceRequest) (*InstanceResult, error)
	RequestConnection(ctx context.Context, target Target) (*ConnectionResult, error)
	GetStatus(ctx context.Context, target Target) (*StatusResult, error)
	Disconnect(ctx context.Context, target Target) error

	SendText(ctx context.Context, target Target, phone, text string) (*SendResult, error)
	SendMedia(ctx context.Context, target Target, media MediaMessage) (*SendResult, error)

	// InstanceID extracts the remote instance identifier from a raw webhook
	// body, checking the known locations in a fixed order.
	InstanceID(raw []byte) (string, error)
	NormalizeWebhook(raw []byte) ([]NormalizedEvent, error)
	VerifySignature(raw []byte, headers http.Header, creds models.Credentials) bool
}
