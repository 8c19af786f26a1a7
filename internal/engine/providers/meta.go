package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"msggateway/internal/pkg/phone"
	"msggateway/internal/platform/config"
	"msggateway/internal/platform/models"
)

const (
	NameMeta = "meta"

	metaSignatureHeader = "X-Hub-Signature-256"
)

// Meta is the WhatsApp Cloud API. There is no instance to create or link:
// the phone number id is the instance and a valid access token means the
// connection is live.
type Meta struct {
	rest       *restClient
	graphURL   string
	apiVersion string
}

func NewMeta(cfg config.MetaConfig, client *http.Client) *Meta {
	graph := trimBase(cfg.GraphURL)
	if graph == "" {
		graph = "https://graph.facebook.com"
	}
	version := cfg.APIVersion
	if version == "" {
		version = "v20.0"
	}
	return &Meta{
		rest:       newRESTClient(NameMeta, client),
		graphURL:   graph,
		apiVersion: version,
	}
}

func (m *Meta) Name() string { return NameMeta }

func (m *Meta) endpoint(creds models.Credentials, phoneNumberID, suffix string) string {
	version := creds.Get("api_version")
	if version == "" {
		version = m.apiVersion
	}
	return fmt.Sprintf("%s/%s/%s%s", m.graphURL, version, url.PathEscape(phoneNumberID), suffix)
}

func (m *Meta) headers(creds models.Credentials) (http.Header, error) {
	token := creds.Get("access_token")
	if token == "" {
		return nil, missingCredential(NameMeta, "access_token")
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

type metaPhoneNumber struct {
	ID                 string `json:"id"`
	DisplayPhoneNumber string `json:"display_phone_number"`
	VerifiedName       string `json:"verified_name"`
}

func (m *Meta) phoneNumber(ctx context.Context, creds models.Credentials, phoneNumberID string) (*metaPhoneNumber, error) {
	if phoneNumberID == "" {
		return nil, missingCredential(NameMeta, "phone_number_id")
	}
	h, err := m.headers(creds)
	if err != nil {
		return nil, err
	}

	var resp metaPhoneNumber
	u := m.endpoint(creds, phoneNumberID, "?fields=display_phone_number,verified_name")
	if err := m.rest.do(ctx, http.MethodGet, u, h, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateInstance only validates the credentials.
func (m *Meta) CreateInstance(ctx context.Context, req InstanceRequest) (*InstanceResult, error) {
	id := req.Credentials.Get("phone_number_id")
	info, err := m.phoneNumber(ctx, req.Credentials, id)
	if err != nil {
		return nil, err
	}
	return &InstanceResult{
		InstanceID:  id,
		Status:      models.ConnectionConnected,
		PhoneNumber: phone.Normalize(info.DisplayPhoneNumber),
	}, nil
}

func (m *Meta) RequestConnection(ctx context.Context, target Target) (*ConnectionResult, error) {
	return &ConnectionResult{Status: models.ConnectionConnected}, nil
}

func (m *Meta) GetStatus(ctx context.Context, target Target) (*StatusResult, error) {
	info, err := m.phoneNumber(ctx, target.Credentials, target.InstanceID)
	if err != nil {
		return nil, err
	}
	return &StatusResult{Status: models.ConnectionConnected, PhoneNumber: phone.Normalize(info.DisplayPhoneNumber)}, nil
}

// Disconnect has nothing to tear down remotely.
func (m *Meta) Disconnect(ctx context.Context, target Target) error {
	return nil
}

func (m *Meta) send(ctx context.Context, target Target, body map[string]interface{}) (*SendResult, error) {
	h, err := m.headers(target.Credentials)
	if err != nil {
		return nil, err
	}
	body["messaging_product"] = "whatsapp"
	body["recipient_type"] = "individual"

	var resp struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := m.rest.do(ctx, http.MethodPost, m.endpoint(target.Credentials, target.InstanceID, "/messages"), h, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return nil, malformed(NameMeta, "send response without message id")
	}
	return &SendResult{ExternalID: resp.Messages[0].ID, Timestamp: time.Now()}, nil
}

func (m *Meta) SendText(ctx context.Context, target Target, to, text string) (*SendResult, error) {
	return m.send(ctx, target, map[string]interface{}{
		"to":   phone.Normalize(to),
		"type": "text",
		"text": map[string]interface{}{"preview_url": false, "body": text},
	})
}

func (m *Meta) SendMedia(ctx context.Context, target Target, media MediaMessage) (*SendResult, error) {
	kind := media.Type
	switch kind {
	case MediaImage, MediaVideo, MediaAudio, MediaDocument:
	default:
		kind = MediaDocument
	}

	object := map[string]interface{}{"link": media.URL}
	if kind != MediaAudio && media.Caption != "" {
		object["caption"] = media.Caption
	}
	if kind == MediaDocument {
		object["filename"] = fileNameFromURL(media.URL, "document")
	}

	return m.send(ctx, target, map[string]interface{}{
		"to":   phone.Normalize(media.Phone),
		"type": kind,
		kind:   object,
	})
}

func (m *Meta) InstanceID(raw []byte) (string, error) {
	return instanceFrom(NameMeta, raw, "entry.0.changes.0.value.metadata.phone_number_id", "entry.0.id")
}

// VerifySignature checks X-Hub-Signature-256 against the app secret. A
// connection without an app secret cannot be verified and is rejected.
func (m *Meta) VerifySignature(raw []byte, headers http.Header, creds models.Credentials) bool {
	return VerifyHMAC(raw, headers.Get(metaSignatureHeader), creds.Get("app_secret"))
}

type metaWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					DisplayPhoneNumber string `json:"display_phone_number"`
					PhoneNumberID      string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []metaMessage `json:"messages"`
				Statuses []struct {
					ID     string `json:"id"`
					Status string `json:"status"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type metaMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
}

type metaMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Button struct {
		Text string `json:"text"`
	} `json:"button"`
	Interactive struct {
		ButtonReply struct {
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply struct {
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Image    *metaMedia `json:"image"`
	Video    *metaMedia `json:"video"`
	Audio    *metaMedia `json:"audio"`
	Document *metaMedia `json:"document"`
	Sticker  *metaMedia `json:"sticker"`
}

func (m *Meta) NormalizeWebhook(raw []byte) ([]NormalizedEvent, error) {
	var hook metaWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		return nil, malformed(NameMeta, "invalid json: %v", err)
	}
	if len(hook.Entry) == 0 {
		return nil, malformed(NameMeta, "no entries")
	}

	var events []NormalizedEvent
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			instance := value.Metadata.PhoneNumberID
			if instance == "" {
				instance = entry.ID
			}
			if change.Field != "messages" {
				events = append(events, NormalizedEvent{Type: EventIgnored, InstanceID: instance, Raw: change.Field})
				continue
			}

			names := make(map[string]string, len(value.Contacts))
			for _, c := range value.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, msg := range value.Messages {
				events = append(events, NormalizedEvent{
					Type:       EventMessage,
					InstanceID: instance,
					Message:    metaInbound(msg, names[msg.From]),
					Raw:        "messages",
				})
			}

			for _, st := range value.Statuses {
				status, ok := metaMessageStatus(st.Status)
				if !ok || st.ID == "" {
					events = append(events, NormalizedEvent{Type: EventIgnored, InstanceID: instance, Raw: "statuses"})
					continue
				}
				events = append(events, NormalizedEvent{
					Type:       EventMessageStatus,
					InstanceID: instance,
					Status:     &StatusUpdate{ExternalID: st.ID, Status: status},
					Raw:        "statuses",
				})
			}
		}
	}
	return events, nil
}

func metaInbound(msg metaMessage, name string) *InboundMessage {
	in := &InboundMessage{
		ExternalID: msg.ID,
		Phone:      phone.Normalize(msg.From),
		PushName:   name,
		Timestamp:  unixTime(msg.Timestamp),
	}

	switch msg.Type {
	case "text":
		in.Text = msg.Text.Body
	case "button":
		in.Text = msg.Button.Text
	case "interactive":
		in.Text = msg.Interactive.ButtonReply.Title
		if in.Text == "" {
			in.Text = msg.Interactive.ListReply.Title
		}
	}

	// media arrive as ids to be fetched from the Graph API
	for _, media := range []struct {
		kind string
		m    *metaMedia
	}{
		{MediaImage, msg.Image}, {MediaVideo, msg.Video}, {MediaAudio, msg.Audio},
		{MediaDocument, msg.Document}, {MediaImage, msg.Sticker},
	} {
		if media.m == nil {
			continue
		}
		in.MediaType = media.kind
		in.MediaURL = media.m.ID
		if in.Text == "" {
			in.Text = media.m.Caption
		}
		break
	}
	return in
}

func metaMessageStatus(s string) (models.MessageStatus, bool) {
	switch s {
	case "sent":
		return models.MessageSent, true
	case "delivered":
		return models.MessageDelivered, true
	case "read":
		return models.MessageRead, true
	case "failed":
		return models.MessageFailed, true
	}
	return "", false
}
