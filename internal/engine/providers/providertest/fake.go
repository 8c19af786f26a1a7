// Package providertest provides a scriptable in-memory provider adapter.
package providertest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"msggateway/internal/engine/providers"
	"msggateway/internal/platform/models"
)

type Sent struct {
	Target providers.Target
	Phone  string
	Text   string
	Media  *providers.MediaMessage
}

// Fake implements providers.Adapter. Zero values describe a healthy,
// already connected account.
type Fake struct {
	ProviderName string

	Instance   *providers.InstanceResult
	Connection *providers.ConnectionResult
	Status     *providers.StatusResult

	CreateErr     error
	ConnectErr    error
	StatusErr     error
	DisconnectErr error

	// SendErrs are returned, in order, by successive sends before sends
	// start succeeding.
	SendErrs []error

	RejectSignature bool
	Events          []providers.NormalizedEvent
	NormalizeErr    error

	mu          sync.Mutex
	sent        []Sent
	attempts    int
	disconnects int
}

func (f *Fake) Name() string {
	if f.ProviderName == "" {
		return "fake"
	}
	return f.ProviderName
}

func (f *Fake) CreateInstance(ctx context.Context, req providers.InstanceRequest) (*providers.InstanceResult, error) {
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	if f.Instance != nil {
		return f.Instance, nil
	}
	return &providers.InstanceResult{InstanceID: "inst_" + req.TenantHint, Status: models.ConnectionConnecting}, nil
}

func (f *Fake) RequestConnection(ctx context.Context, target providers.Target) (*providers.ConnectionResult, error) {
	if f.ConnectErr != nil {
		return nil, f.ConnectErr
	}
	if f.Connection != nil {
		return f.Connection, nil
	}
	return &providers.ConnectionResult{Status: models.ConnectionConnected}, nil
}

func (f *Fake) GetStatus(ctx context.Context, target providers.Target) (*providers.StatusResult, error) {
	if f.StatusErr != nil {
		return nil, f.StatusErr
	}
	if f.Status != nil {
		return f.Status, nil
	}
	return &providers.StatusResult{Status: models.ConnectionConnected}, nil
}

func (f *Fake) Disconnect(ctx context.Context, target providers.Target) error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	return f.DisconnectErr
}

func (f *Fake) send(s Sent) (*providers.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts++
	if f.attempts <= len(f.SendErrs) {
		return nil, f.SendErrs[f.attempts-1]
	}
	f.sent = append(f.sent, s)
	return &providers.SendResult{ExternalID: fmt.Sprintf("ext_%d", len(f.sent)), Timestamp: time.Now()}, nil
}

func (f *Fake) SendText(ctx context.Context, target providers.Target, phone, text string) (*providers.SendResult, error) {
	return f.send(Sent{Target: target, Phone: phone, Text: text})
}

func (f *Fake) SendMedia(ctx context.Context, target providers.Target, media providers.MediaMessage) (*providers.SendResult, error) {
	return f.send(Sent{Target: target, Phone: media.Phone, Text: media.Caption, Media: &media})
}

// InstanceID reads the top level "instance" field.
func (f *Fake) InstanceID(raw []byte) (string, error) {
	var doc struct {
		Instance string `json:"instance"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Instance == "" {
		return "", fmt.Errorf("fake: %w", providers.ErrMalformed)
	}
	return doc.Instance, nil
}

func (f *Fake) NormalizeWebhook(raw []byte) ([]providers.NormalizedEvent, error) {
	if f.NormalizeErr != nil {
		return nil, f.NormalizeErr
	}
	instance, err := f.InstanceID(raw)
	if err != nil {
		return nil, err
	}
	events := make([]providers.NormalizedEvent, len(f.Events))
	for i, ev := range f.Events {
		ev.InstanceID = instance
		events[i] = ev
	}
	return events, nil
}

func (f *Fake) VerifySignature(raw []byte, headers http.Header, creds models.Credentials) bool {
	return !f.RejectSignature
}

// Sent returns the successful sends in order.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// Attempts counts every send call, failed or not.
func (f *Fake) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *Fake) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}
