package models

type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionQR           ConnectionStatus = "qr"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionError        ConnectionStatus = "error"
)

// HoldsQR reports whether a scan code may be stored alongside the status.
func (s ConnectionStatus) HoldsQR() bool {
	return s == ConnectionConnecting || s == ConnectionQR
}

func (s ConnectionStatus) Valid() bool {
	switch s {
	case ConnectionDisconnected, ConnectionConnecting, ConnectionQR, ConnectionConnected, ConnectionError:
		return true
	}
	return false
}

// Credentials is the provider specific configuration of a connection
// (api url and key, access token and phone number id, instance id and token).
type Credentials map[string]string

func (c Credentials) Get(key string) string {
	if c == nil {
		return ""
	}
	return c[key]
}

type Connection struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	Provider         string           `json:"provider"`
	RemoteInstanceID string           `json:"remote_instance_id"`
	Status           ConnectionStatus `json:"status"`
	WebhookSecret    string           `json:"-"`
	Credentials      Credentials      `json:"-"`
	PhoneNumber      *string          `json:"phone_number,omitempty"`
	QRPayload        *string          `json:"qr_payload,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
	CreatedAt        int64            `json:"created_at"`
	UpdatedAt        int64            `json:"updated_at"`
}

type Contact struct {
	ID        string   `json:"id"`
	TenantID  string   `json:"tenant_id"`
	Phone     string   `json:"phone"`
	Name      string   `json:"name,omitempty"`
	Stage     string   `json:"stage,omitempty"`
	Tags      []string `json:"tags"` // JSON array in DB
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

const (
	ConversationOpen   = "open"
	ConversationClosed = "closed"

	ChannelWhatsApp = "whatsapp"
)

type Conversation struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	ContactID     string `json:"contact_id"`
	Channel       string `json:"channel"`
	InstanceRef   string `json:"instance_ref"`
	Status        string `json:"status"`
	LastMessageAt *int64 `json:"last_message_at,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

type Counter struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Day      string `json:"day"`
	Value    int64  `json:"value"`
}
