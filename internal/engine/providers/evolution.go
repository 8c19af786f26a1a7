package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"msggateway/internal/pkg/phone"
	"msggateway/internal/platform/config"
	"msggateway/internal/platform/models"
)

const NameEvolution = "evolution"

var evolutionEvents = []string{"MESSAGES_UPSERT", "MESSAGES_UPDATE", "CONNECTION_UPDATE", "QRCODE_UPDATED"}

var instanceNameChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// Evolution talks to a self-hosted Evolution API server. Instances are QR
// linked and need a short warm-up after creation before a code is available.
type Evolution struct {
	rest         *restClient
	baseURL      string
	warmUp       time.Duration
	qrAttempts   int
	qrRetryDelay time.Duration
}

func NewEvolution(cfg config.EvolutionConfig, client *http.Client) *Evolution {
	attempts := cfg.QRAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &Evolution{
		rest:         newRESTClient(NameEvolution, client),
		baseURL:      trimBase(cfg.BaseURL),
		warmUp:       cfg.WarmUp,
		qrAttempts:   attempts,
		qrRetryDelay: cfg.QRRetryDelay,
	}
}

func (e *Evolution) Name() string { return NameEvolution }

func (e *Evolution) endpoint(creds models.Credentials, path string) (string, error) {
	base := trimBase(creds.Get("api_url"))
	if base == "" {
		base = e.baseURL
	}
	if base == "" {
		return "", missingCredential(NameEvolution, "api_url")
	}
	return base + path, nil
}

func (e *Evolution) headers(creds models.Credentials) (http.Header, error) {
	key := creds.Get("api_key")
	if key == "" {
		return nil, missingCredential(NameEvolution, "api_key")
	}
	h := http.Header{}
	h.Set("apikey", key)
	return h, nil
}

func (e *Evolution) call(ctx context.Context, creds models.Credentials, method, path string, body, out interface{}) error {
	u, err := e.endpoint(creds, path)
	if err != nil {
		return err
	}
	h, err := e.headers(creds)
	if err != nil {
		return err
	}
	return e.rest.do(ctx, method, u, h, body, out)
}

func instanceName(hint string, creds models.Credentials) string {
	if name := creds.Get("instance_name"); name != "" {
		return name
	}
	name := instanceNameChars.ReplaceAllString(strings.ToLower(hint), "")
	if name == "" {
		name = "default"
	}
	return "gw_" + name
}

type evolutionQR struct {
	Code        string `json:"code"`
	Base64      string `json:"base64"`
	PairingCode string `json:"pairingCode"`
}

func (e *Evolution) CreateInstance(ctx context.Context, req InstanceRequest) (*InstanceResult, error) {
	name := instanceName(req.TenantHint, req.Credentials)

	body := map[string]interface{}{
		"instanceName": name,
		"qrcode":       true,
		"integration":  "WHATSAPP-BAILEYS",
	}
	if req.WebhookURL != "" {
		body["webhook"] = map[string]interface{}{
			"url":      req.WebhookURL,
			"byEvents": false,
			"base64":   false,
			"events":   evolutionEvents,
		}
	}

	var resp struct {
		Instance struct {
			InstanceName string `json:"instanceName"`
			Status       string `json:"status"`
		} `json:"instance"`
		QRCode evolutionQR `json:"qrcode"`
	}
	err := e.call(ctx, req.Credentials, http.MethodPost, "/instance/create", body, &resp)
	if err != nil {
		// re-linking a tenant reuses its remote instance
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Kind != nil || !strings.Contains(strings.ToLower(apiErr.Body), "already in use") {
			return nil, err
		}
		resp.Instance.InstanceName = name
	}

	result := &InstanceResult{
		InstanceID: name,
		Status:     models.ConnectionConnecting,
		QRPayload:  resp.QRCode.Code,
	}
	if resp.Instance.InstanceName != "" {
		result.InstanceID = resp.Instance.InstanceName
	}
	if mapped, ok := evolutionState(resp.Instance.Status); ok && mapped == models.ConnectionConnected {
		result.Status = mapped
		result.QRPayload = ""
	}
	return result, nil
}

// RequestConnection waits for the instance to warm up, then polls for a scan
// code a few times before giving up. A code can still arrive later through
// the qrcode.updated webhook.
func (e *Evolution) RequestConnection(ctx context.Context, target Target) (*ConnectionResult, error) {
	if err := sleepCtx(ctx, e.warmUp); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < e.qrAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, e.qrRetryDelay); err != nil {
				return nil, err
			}
		}

		var resp struct {
			evolutionQR
			Instance struct {
				State string `json:"state"`
			} `json:"instance"`
		}
		err := e.call(ctx, target.Credentials, http.MethodGet, "/instance/connect/"+url.PathEscape(target.InstanceID), nil, &resp)
		if err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				return nil, err
			}
			lastErr = err
			continue
		}

		if resp.Code != "" {
			return &ConnectionResult{Status: models.ConnectionQR, QRPayload: resp.Code}, nil
		}
		if state, ok := evolutionState(resp.Instance.State); ok && state == models.ConnectionConnected {
			return &ConnectionResult{Status: models.ConnectionConnected}, nil
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return &ConnectionResult{Status: models.ConnectionConnecting}, nil
}

func (e *Evolution) GetStatus(ctx context.Context, target Target) (*StatusResult, error) {
	var resp struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
		State string `json:"state"`
	}
	path := "/instance/connectionState/" + url.PathEscape(target.InstanceID)
	if err := e.call(ctx, target.Credentials, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	raw := resp.Instance.State
	if raw == "" {
		raw = resp.State
	}
	status, ok := evolutionState(raw)
	if !ok {
		return nil, malformed(NameEvolution, "unknown connection state %q", raw)
	}

	result := &StatusResult{Status: status}
	if status == models.ConnectionConnected {
		result.PhoneNumber = e.ownerPhone(ctx, target)
	}
	return result, nil
}

// ownerPhone is best effort; older servers report "owner", newer "ownerJid".
func (e *Evolution) ownerPhone(ctx context.Context, target Target) string {
	var resp []map[string]interface{}
	path := "/instance/fetchInstances?instanceName=" + url.QueryEscape(target.InstanceID)
	if err := e.call(ctx, target.Credentials, http.MethodGet, path, nil, &resp); err != nil || len(resp) == 0 {
		return ""
	}
	return phone.FromJID(firstString(resp[0], "ownerJid", "owner", "instance.owner"))
}

func (e *Evolution) Disconnect(ctx context.Context, target Target) error {
	return e.call(ctx, target.Credentials, http.MethodDelete, "/instance/logout/"+url.PathEscape(target.InstanceID), nil, nil)
}

type evolutionSendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	MessageTimestamp interface{} `json:"messageTimestamp"`
}

func (r *evolutionSendResponse) result() (*SendResult, error) {
	if r.Key.ID == "" {
		return nil, malformed(NameEvolution, "send response without message id")
	}
	return &SendResult{ExternalID: r.Key.ID, Timestamp: unixTime(r.MessageTimestamp)}, nil
}

func (e *Evolution) SendText(ctx context.Context, target Target, to, text string) (*SendResult, error) {
	body := map[string]interface{}{
		"number": phone.Normalize(to),
		"text":   text,
	}
	var resp evolutionSendResponse
	if err := e.call(ctx, target.Credentials, http.MethodPost, "/message/sendText/"+url.PathEscape(target.InstanceID), body, &resp); err != nil {
		return nil, err
	}
	return resp.result()
}

func (e *Evolution) SendMedia(ctx context.Context, target Target, media MediaMessage) (*SendResult, error) {
	body := map[string]interface{}{
		"number":    phone.Normalize(media.Phone),
		"mediatype": media.Type,
		"media":     media.URL,
		"caption":   media.Caption,
	}
	if media.Type == MediaDocument {
		body["fileName"] = fileNameFromURL(media.URL, "document")
	}
	var resp evolutionSendResponse
	if err := e.call(ctx, target.Credentials, http.MethodPost, "/message/sendMedia/"+url.PathEscape(target.InstanceID), body, &resp); err != nil {
		return nil, err
	}
	return resp.result()
}

func (e *Evolution) InstanceID(raw []byte) (string, error) {
	return instanceFrom(NameEvolution, raw, "instance", "instanceName", "data.instance", "data.instanceName")
}

// Evolution does not sign webhooks; the secret in the callback path is the
// only authorisation.
func (e *Evolution) VerifySignature(raw []byte, headers http.Header, creds models.Credentials) bool {
	return true
}

type evolutionWebhook struct {
	Event    string          `json:"event"`
	Instance interface{}     `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type evolutionMessage struct {
	Key struct {
		RemoteJid string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	PushName         string                 `json:"pushName"`
	Message          map[string]interface{} `json:"message"`
	MessageType      string                 `json:"messageType"`
	MessageTimestamp interface{}            `json:"messageTimestamp"`
}

type evolutionReceipt struct {
	KeyID string `json:"keyId"`
	Key   struct {
		ID string `json:"id"`
	} `json:"key"`
	Status interface{} `json:"status"`
	Update struct {
		Status interface{} `json:"status"`
	} `json:"update"`
}

func (e *Evolution) NormalizeWebhook(raw []byte) ([]NormalizedEvent, error) {
	instance, err := e.InstanceID(raw)
	if err != nil {
		return nil, err
	}

	var hook evolutionWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		return nil, malformed(NameEvolution, "invalid json: %v", err)
	}
	event := strings.ReplaceAll(strings.ToLower(hook.Event), "_", ".")

	switch event {
	case "messages.upsert":
		var msgs []evolutionMessage
		if err := decodeOneOrMany(hook.Data, &msgs); err != nil {
			return nil, malformed(NameEvolution, "messages.upsert: %v", err)
		}
		events := make([]NormalizedEvent, 0, len(msgs))
		for _, m := range msgs {
			events = append(events, evolutionInbound(instance, m))
		}
		return events, nil

	case "messages.update":
		var receipts []evolutionReceipt
		if err := decodeOneOrMany(hook.Data, &receipts); err != nil {
			return nil, malformed(NameEvolution, "messages.update: %v", err)
		}
		var events []NormalizedEvent
		for _, r := range receipts {
			id := r.KeyID
			if id == "" {
				id = r.Key.ID
			}
			ack := r.Status
			if ack == nil {
				ack = r.Update.Status
			}
			status, ok := evolutionMessageStatus(ack)
			if id == "" || !ok {
				events = append(events, NormalizedEvent{Type: EventIgnored, InstanceID: instance, Raw: event})
				continue
			}
			events = append(events, NormalizedEvent{
				Type:       EventMessageStatus,
				InstanceID: instance,
				Status:     &StatusUpdate{ExternalID: id, Status: status},
				Raw:        event,
			})
		}
		return events, nil

	case "connection.update":
		var data struct {
			State string `json:"state"`
			Wuid  string `json:"wuid"`
		}
		if err := json.Unmarshal(hook.Data, &data); err != nil {
			return nil, malformed(NameEvolution, "connection.update: %v", err)
		}
		status, ok := evolutionState(data.State)
		if !ok {
			return []NormalizedEvent{{Type: EventIgnored, InstanceID: instance, Raw: event}}, nil
		}
		return []NormalizedEvent{{
			Type:       EventConnection,
			InstanceID: instance,
			Connection: &ConnectionUpdate{Status: status, PhoneNumber: phone.FromJID(data.Wuid)},
			Raw:        event,
		}}, nil

	case "qrcode.updated":
		var data struct {
			QRCode evolutionQR `json:"qrcode"`
		}
		if err := json.Unmarshal(hook.Data, &data); err != nil || data.QRCode.Code == "" {
			return nil, malformed(NameEvolution, "qrcode.updated without code")
		}
		return []NormalizedEvent{{
			Type:       EventConnection,
			InstanceID: instance,
			Connection: &ConnectionUpdate{Status: models.ConnectionQR, QRPayload: data.QRCode.Code},
			Raw:        event,
		}}, nil
	}

	return []NormalizedEvent{{Type: EventIgnored, InstanceID: instance, Raw: event}}, nil
}

func evolutionInbound(instance string, m evolutionMessage) NormalizedEvent {
	if m.Key.ID == "" || phone.IsGroupJID(m.Key.RemoteJid) || m.Key.RemoteJid == "status@broadcast" {
		return NormalizedEvent{Type: EventIgnored, InstanceID: instance, Raw: "messages.upsert"}
	}

	msg := &InboundMessage{
		ExternalID: m.Key.ID,
		Phone:      phone.FromJID(m.Key.RemoteJid),
		PushName:   m.PushName,
		FromMe:     m.Key.FromMe,
		Timestamp:  unixTime(m.MessageTimestamp),
	}

	content := m.Message
	msg.Text = firstString(content, "conversation", "extendedTextMessage.text", "buttonsResponseMessage.selectedDisplayText",
		"listResponseMessage.title")
	for _, kind := range []struct{ key, mediaType string }{
		{"imageMessage", MediaImage},
		{"videoMessage", MediaVideo},
		{"audioMessage", MediaAudio},
		{"documentMessage", MediaDocument},
		{"stickerMessage", MediaImage},
	} {
		if _, ok := content[kind.key]; !ok {
			continue
		}
		msg.MediaType = kind.mediaType
		msg.MediaURL = firstString(content, "mediaUrl", kind.key+".url")
		if msg.Text == "" {
			msg.Text = firstString(content, kind.key+".caption")
		}
		break
	}

	return NormalizedEvent{Type: EventMessage, InstanceID: instance, Message: msg, Raw: "messages.upsert"}
}

func evolutionState(state string) (models.ConnectionStatus, bool) {
	switch strings.ToLower(state) {
	case "open", "connected":
		return models.ConnectionConnected, true
	case "close", "closed", "disconnected", "refused":
		return models.ConnectionDisconnected, true
	case "connecting":
		return models.ConnectionConnecting, true
	case "qr", "qrcode":
		return models.ConnectionQR, true
	}
	return "", false
}

// evolutionMessageStatus accepts both the named and the numeric ack values.
func evolutionMessageStatus(v interface{}) (models.MessageStatus, bool) {
	switch s := v.(type) {
	case string:
		switch strings.ToUpper(s) {
		case "SERVER_ACK":
			return models.MessageSent, true
		case "DELIVERY_ACK":
			return models.MessageDelivered, true
		case "READ", "PLAYED":
			return models.MessageRead, true
		case "ERROR", "FAILED":
			return models.MessageFailed, true
		}
	case float64:
		switch int(s) {
		case 0:
			return models.MessageFailed, true
		case 2:
			return models.MessageSent, true
		case 3:
			return models.MessageDelivered, true
		case 4, 5:
			return models.MessageRead, true
		}
	}
	return "", false
}

func decodeOneOrMany[T any](data json.RawMessage, out *[]T) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return errors.New("missing data")
	}
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(data, out)
	}
	var one T
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*out = []T{one}
	return nil
}

func fileNameFromURL(raw, fallback string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return fallback
	}
	segs := strings.Split(strings.TrimRight(u.Path, "/"), "/")
	if name := segs[len(segs)-1]; name != "" {
		return name
	}
	return fallback
}
