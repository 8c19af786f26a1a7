package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"msggateway/internal/pkg/phone"
	"msggateway/internal/platform/config"
	"msggateway/internal/platform/models"
)

const NameZAPI = "zapi"

// ZAPI is the Z-API hosted service. Instances are provisioned on their side
// and addressed by instance id + token; linking is by QR code.
type ZAPI struct {
	rest         *restClient
	baseURL      string
	qrAttempts   int
	qrRetryDelay time.Duration
}

func NewZAPI(cfg config.ZAPIConfig, client *http.Client) *ZAPI {
	base := trimBase(cfg.BaseURL)
	if base == "" {
		base = "https://api.z-api.io"
	}
	attempts := cfg.QRAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &ZAPI{
		rest:         newRESTClient(NameZAPI, client),
		baseURL:      base,
		qrAttempts:   attempts,
		qrRetryDelay: cfg.QRRetryDelay,
	}
}

func (z *ZAPI) Name() string { return NameZAPI }

func (z *ZAPI) call(ctx context.Context, target Target, method, suffix string, body, out interface{}) error {
	token := target.Credentials.Get("token")
	if token == "" {
		return missingCredential(NameZAPI, "token")
	}
	if target.InstanceID == "" {
		return missingCredential(NameZAPI, "instance_id")
	}

	h := http.Header{}
	if ct := target.Credentials.Get("client_token"); ct != "" {
		h.Set("Client-Token", ct)
	}
	u := fmt.Sprintf("%s/instances/%s/token/%s%s", z.baseURL, url.PathEscape(target.InstanceID), url.PathEscape(token), suffix)
	return z.rest.do(ctx, method, u, h, body, out)
}

type zapiStatus struct {
	Connected           bool   `json:"connected"`
	SmartphoneConnected bool   `json:"smartphoneConnected"`
	Error               string `json:"error"`
}

func (z *ZAPI) status(ctx context.Context, target Target) (*zapiStatus, error) {
	var resp zapiStatus
	if err := z.call(ctx, target, http.MethodGet, "/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateInstance checks the credentials against the instance status and
// points the instance's webhooks at the gateway.
func (z *ZAPI) CreateInstance(ctx context.Context, req InstanceRequest) (*InstanceResult, error) {
	target := Target{InstanceID: req.Credentials.Get("instance_id"), Credentials: req.Credentials}

	st, err := z.status(ctx, target)
	if err != nil {
		return nil, err
	}

	if req.WebhookURL != "" {
		body := map[string]interface{}{"value": req.WebhookURL, "notifySentByMe": true}
		if err := z.call(ctx, target, http.MethodPut, "/update-every-webhooks", body, nil); err != nil {
			log.Warn().Err(err).Str("provider", NameZAPI).Msg("failed to register webhook url")
		}
	}

	result := &InstanceResult{InstanceID: target.InstanceID, Status: models.ConnectionConnecting}
	if st.Connected {
		result.Status = models.ConnectionConnected
		result.PhoneNumber = z.devicePhone(ctx, target)
	}
	return result, nil
}

func (z *ZAPI) RequestConnection(ctx context.Context, target Target) (*ConnectionResult, error) {
	var lastErr error
	for attempt := 0; attempt < z.qrAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, z.qrRetryDelay); err != nil {
				return nil, err
			}
		}

		var resp struct {
			Value     string `json:"value"`
			Connected bool   `json:"connected"`
		}
		err := z.call(ctx, target, http.MethodGet, "/qr-code", nil, &resp)
		if err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if resp.Connected {
			return &ConnectionResult{Status: models.ConnectionConnected}, nil
		}
		if resp.Value != "" {
			return &ConnectionResult{Status: models.ConnectionQR, QRPayload: resp.Value}, nil
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return &ConnectionResult{Status: models.ConnectionConnecting}, nil
}

func (z *ZAPI) GetStatus(ctx context.Context, target Target) (*StatusResult, error) {
	st, err := z.status(ctx, target)
	if err != nil {
		return nil, err
	}
	if !st.Connected {
		return &StatusResult{Status: models.ConnectionDisconnected}, nil
	}
	return &StatusResult{Status: models.ConnectionConnected, PhoneNumber: z.devicePhone(ctx, target)}, nil
}

func (z *ZAPI) devicePhone(ctx context.Context, target Target) string {
	var resp struct {
		Phone string `json:"phone"`
	}
	if err := z.call(ctx, target, http.MethodGet, "/device", nil, &resp); err != nil {
		return ""
	}
	return phone.Normalize(resp.Phone)
}

func (z *ZAPI) Disconnect(ctx context.Context, target Target) error {
	return z.call(ctx, target, http.MethodGet, "/disconnect", nil, nil)
}

type zapiSendResponse struct {
	ZaapID    string `json:"zaapId"`
	MessageID string `json:"messageId"`
	ID        string `json:"id"`
}

func (r *zapiSendResponse) result() (*SendResult, error) {
	id := r.MessageID
	if id == "" {
		id = r.ID
	}
	if id == "" {
		return nil, malformed(NameZAPI, "send response without message id")
	}
	return &SendResult{ExternalID: id, Timestamp: time.Now()}, nil
}

func (z *ZAPI) SendText(ctx context.Context, target Target, to, text string) (*SendResult, error) {
	var resp zapiSendResponse
	body := map[string]interface{}{"phone": phone.Normalize(to), "message": text}
	if err := z.call(ctx, target, http.MethodPost, "/send-text", body, &resp); err != nil {
		return nil, err
	}
	return resp.result()
}

func (z *ZAPI) SendMedia(ctx context.Context, target Target, media MediaMessage) (*SendResult, error) {
	body := map[string]interface{}{"phone": phone.Normalize(media.Phone)}
	var suffix string

	switch media.Type {
	case MediaImage:
		suffix = "/send-image"
		body["image"] = media.URL
		body["caption"] = media.Caption
	case MediaVideo:
		suffix = "/send-video"
		body["video"] = media.URL
		body["caption"] = media.Caption
	case MediaAudio:
		suffix = "/send-audio"
		body["audio"] = media.URL
	default:
		name := fileNameFromURL(media.URL, "document.pdf")
		ext := strings.TrimPrefix(path.Ext(name), ".")
		if ext == "" {
			ext = "pdf"
		}
		suffix = "/send-document/" + url.PathEscape(ext)
		body["document"] = media.URL
		body["fileName"] = name
		body["caption"] = media.Caption
	}

	var resp zapiSendResponse
	if err := z.call(ctx, target, http.MethodPost, suffix, body, &resp); err != nil {
		return nil, err
	}
	return resp.result()
}

func (z *ZAPI) InstanceID(raw []byte) (string, error) {
	return instanceFrom(NameZAPI, raw, "instanceId", "instance_id")
}

// Z-API does not sign webhooks.
func (z *ZAPI) VerifySignature(raw []byte, headers http.Header, creds models.Credentials) bool {
	return true
}

type zapiWebhook struct {
	Type         string      `json:"type"`
	InstanceID   string      `json:"instanceId"`
	MessageID    string      `json:"messageId"`
	Phone        string      `json:"phone"`
	FromMe       bool        `json:"fromMe"`
	IsGroup      bool        `json:"isGroup"`
	IsNewsletter bool        `json:"isNewsletter"`
	Momment      interface{} `json:"momment"`
	Status       string      `json:"status"`
	SenderName   string      `json:"senderName"`
	ChatName     string      `json:"chatName"`
	IDs          []string    `json:"ids"`
	Connected    bool        `json:"connected"`
	Text         struct {
		Message string `json:"message"`
	} `json:"text"`
	Image struct {
		ImageURL string `json:"imageUrl"`
		Caption  string `json:"caption"`
	} `json:"image"`
	Video struct {
		VideoURL string `json:"videoUrl"`
		Caption  string `json:"caption"`
	} `json:"video"`
	Audio struct {
		AudioURL string `json:"audioUrl"`
	} `json:"audio"`
	Document struct {
		DocumentURL string `json:"documentUrl"`
		Caption     string `json:"caption"`
	} `json:"document"`
}

func (z *ZAPI) NormalizeWebhook(raw []byte) ([]NormalizedEvent, error) {
	instance, err := z.InstanceID(raw)
	if err != nil {
		return nil, err
	}

	var hook zapiWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		return nil, malformed(NameZAPI, "invalid json: %v", err)
	}

	switch hook.Type {
	case "ReceivedCallback":
		if hook.MessageID == "" {
			return nil, malformed(NameZAPI, "ReceivedCallback without messageId")
		}
		if hook.IsGroup || hook.IsNewsletter {
			return []NormalizedEvent{{Type: EventIgnored, InstanceID: instance, Raw: hook.Type}}, nil
		}
		return []NormalizedEvent{{
			Type:       EventMessage,
			InstanceID: instance,
			Message:    zapiInbound(hook),
			Raw:        hook.Type,
		}}, nil

	case "MessageStatusCallback":
		status, ok := zapiMessageStatus(hook.Status)
		if !ok {
			return []NormalizedEvent{{Type: EventIgnored, InstanceID: instance, Raw: hook.Type}}, nil
		}
		ids := hook.IDs
		if len(ids) == 0 && hook.MessageID != "" {
			ids = []string{hook.MessageID}
		}
		events := make([]NormalizedEvent, 0, len(ids))
		for _, id := range ids {
			events = append(events, NormalizedEvent{
				Type:       EventMessageStatus,
				InstanceID: instance,
				Status:     &StatusUpdate{ExternalID: id, Status: status},
				Raw:        hook.Type,
			})
		}
		return events, nil

	case "ConnectedCallback":
		return []NormalizedEvent{{
			Type:       EventConnection,
			InstanceID: instance,
			Connection: &ConnectionUpdate{Status: models.ConnectionConnected, PhoneNumber: phone.Normalize(hook.Phone)},
			Raw:        hook.Type,
		}}, nil

	case "DisconnectedCallback":
		return []NormalizedEvent{{
			Type:       EventConnection,
			InstanceID: instance,
			Connection: &ConnectionUpdate{Status: models.ConnectionDisconnected},
			Raw:        hook.Type,
		}}, nil
	}

	return []NormalizedEvent{{Type: EventIgnored, InstanceID: instance, Raw: hook.Type}}, nil
}

func zapiInbound(hook zapiWebhook) *InboundMessage {
	name := hook.SenderName
	if name == "" {
		name = hook.ChatName
	}
	msg := &InboundMessage{
		ExternalID: hook.MessageID,
		Phone:      phone.Normalize(hook.Phone),
		PushName:   name,
		Text:       hook.Text.Message,
		FromMe:     hook.FromMe,
		Timestamp:  unixTime(hook.Momment),
	}

	switch {
	case hook.Image.ImageURL != "":
		msg.MediaType, msg.MediaURL = MediaImage, hook.Image.ImageURL
		if msg.Text == "" {
			msg.Text = hook.Image.Caption
		}
	case hook.Video.VideoURL != "":
		msg.MediaType, msg.MediaURL = MediaVideo, hook.Video.VideoURL
		if msg.Text == "" {
			msg.Text = hook.Video.Caption
		}
	case hook.Audio.AudioURL != "":
		msg.MediaType, msg.MediaURL = MediaAudio, hook.Audio.AudioURL
	case hook.Document.DocumentURL != "":
		msg.MediaType, msg.MediaURL = MediaDocument, hook.Document.DocumentURL
		if msg.Text == "" {
			msg.Text = hook.Document.Caption
		}
	}
	return msg
}

func zapiMessageStatus(s string) (models.MessageStatus, bool) {
	switch strings.ToUpper(s) {
	case "SENT":
		return models.MessageSent, true
	case "RECEIVED", "DELIVERED":
		return models.MessageDelivered, true
	case "READ", "PLAYED":
		return models.MessageRead, true
	case "FAILED", "ERROR":
		return models.MessageFailed, true
	}
	return "", false
}
