package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"msggateway/internal/platform/config"
	"msggateway/internal/platform/models"
)

func newTestEvolution(t *testing.T, handler http.HandlerFunc) (*Evolution, models.Credentials) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	e := NewEvolution(config.EvolutionConfig{QRAttempts: 2}, srv.Client())
	return e, models.Credentials{"api_url": srv.URL, "api_key": "k1"}
}

func TestEvolutionNormalizeInboundMessage(t *testing.T) {
	e := NewEvolution(config.EvolutionConfig{}, nil)
	raw := []byte(`{
		"event": "messages.upsert",
		"instance": "unit_1",
		"data": {
			"key": {"remoteJid": "5511999998888@s.whatsapp.net", "fromMe": false, "id": "MSG1"},
			"pushName": "Ana",
			"message": {"conversation": "Hello"},
			"messageTimestamp": 1700000000
		}
	}`)

	events, err := e.NormalizeWebhook(raw)
	if err != nil {
		t.Fatalf("NormalizeWebhook() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	ev := events[0]
	if ev.Type != EventMessage || ev.InstanceID != "unit_1" {
		t.Fatalf("event = %+v", ev)
	}
	m := ev.Message
	if m.ExternalID != "MSG1" || m.Phone != "5511999998888" || m.Text != "Hello" || m.PushName != "Ana" || m.FromMe {
		t.Errorf("message = %+v", m)
	}
	if m.Timestamp.Unix() != 1700000000 {
		t.Errorf("timestamp = %v", m.Timestamp)
	}
}

func TestEvolutionNormalizeVariants(t *testing.T) {
	e := NewEvolution(config.EvolutionConfig{}, nil)

	tests := []struct {
		name       string
		raw        string
		wantType   EventType
		wantStatus models.MessageStatus
		wantConn   models.ConnectionStatus
		wantQR     string
	}{
		{
			name:     "group message ignored",
			raw:      `{"event":"messages.upsert","instance":"i","data":{"key":{"remoteJid":"123@g.us","id":"X"},"message":{"conversation":"hi"}}}`,
			wantType: EventIgnored,
		},
		{
			name:       "named ack",
			raw:        `{"event":"messages.update","instance":"i","data":{"keyId":"X","status":"DELIVERY_ACK"}}`,
			wantType:   EventMessageStatus,
			wantStatus: models.MessageDelivered,
		},
		{
			name:       "numeric ack",
			raw:        `{"event":"MESSAGES_UPDATE","instance":"i","data":[{"key":{"id":"X"},"update":{"status":4}}]}`,
			wantType:   EventMessageStatus,
			wantStatus: models.MessageRead,
		},
		{
			name:     "connection open",
			raw:      `{"event":"connection.update","instance":"i","data":{"state":"open","wuid":"5511999998888@s.whatsapp.net"}}`,
			wantType: EventConnection,
			wantConn: models.ConnectionConnected,
		},
		{
			name:     "qr code",
			raw:      `{"event":"qrcode.updated","data":{"instance":"i","qrcode":{"code":"2@abc"}}}`,
			wantType: EventConnection,
			wantConn: models.ConnectionQR,
			wantQR:   "2@abc",
		},
		{
			name:     "unknown event",
			raw:      `{"event":"presence.update","instance":"i","data":{}}`,
			wantType: EventIgnored,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := e.NormalizeWebhook([]byte(tt.raw))
			if err != nil {
				t.Fatalf("NormalizeWebhook() error = %v", err)
			}
			if len(events) != 1 {
				t.Fatalf("got %d events, want 1", len(events))
			}
			ev := events[0]
			if ev.Type != tt.wantType {
				t.Fatalf("Type = %v, want %v", ev.Type, tt.wantType)
			}
			if ev.InstanceID != "i" {
				t.Errorf("InstanceID = %q", ev.InstanceID)
			}
			if tt.wantStatus != "" && ev.Status.Status != tt.wantStatus {
				t.Errorf("Status = %v, want %v", ev.Status.Status, tt.wantStatus)
			}
			if tt.wantConn != "" {
				if ev.Connection.Status != tt.wantConn {
					t.Errorf("Connection = %v, want %v", ev.Connection.Status, tt.wantConn)
				}
				if ev.Connection.QRPayload != tt.wantQR {
					t.Errorf("QRPayload = %q, want %q", ev.Connection.QRPayload, tt.wantQR)
				}
			}
		})
	}
}

func TestEvolutionInstanceIDMissing(t *testing.T) {
	e := NewEvolution(config.EvolutionConfig{}, nil)

	if _, err := e.InstanceID([]byte(`{"event":"messages.upsert"}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("InstanceID() error = %v, want ErrMalformed", err)
	}
	if _, err := e.InstanceID([]byte(`not json`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("InstanceID() error = %v, want ErrMalformed", err)
	}
}

func TestEvolutionSendText(t *testing.T) {
	var got map[string]interface{}
	e, creds := newTestEvolution(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/message/sendText/unit_1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("apikey") != "k1" {
			t.Errorf("apikey = %q", r.Header.Get("apikey"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"key":{"id":"EXT1"},"messageTimestamp":"1700000000"}`))
	})

	res, err := e.SendText(context.Background(), Target{InstanceID: "unit_1", Credentials: creds}, "+55 (11) 99999-8888", "hi")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if res.ExternalID != "EXT1" {
		t.Errorf("ExternalID = %q", res.ExternalID)
	}
	if got["number"] != "5511999998888" || got["text"] != "hi" {
		t.Errorf("body = %v", got)
	}
}

func TestEvolutionErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrInvalidCredentials},
		{"server error", http.StatusBadGateway, ErrProviderUnavailable},
		{"rate limited", http.StatusTooManyRequests, ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, creds := newTestEvolution(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := e.SendText(context.Background(), Target{InstanceID: "x", Credentials: creds}, "1", "hi")
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEvolutionMissingAPIKey(t *testing.T) {
	e := NewEvolution(config.EvolutionConfig{BaseURL: "http://127.0.0.1:1"}, nil)
	_, err := e.SendText(context.Background(), Target{InstanceID: "x"}, "1", "hi")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("error = %v, want ErrInvalidCredentials", err)
	}
}

func TestEvolutionCreateAndConnect(t *testing.T) {
	e, creds := newTestEvolution(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/instance/create":
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			if body["instanceName"] != "gw_tenant1" {
				t.Errorf("instanceName = %v", body["instanceName"])
			}
			if _, ok := body["webhook"]; !ok {
				t.Error("webhook not registered")
			}
			w.Write([]byte(`{"instance":{"instanceName":"gw_tenant1","status":"created"}}`))
		case "/instance/connect/gw_tenant1":
			w.Write([]byte(`{"code":"2@qr","base64":"data:image/png;base64,xx"}`))
		default:
			http.NotFound(w, r)
		}
	})

	inst, err := e.CreateInstance(context.Background(), InstanceRequest{
		TenantHint:  "Tenant 1!",
		Credentials: creds,
		WebhookURL:  "http://gw/webhook/evolution/s",
	})
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if inst.InstanceID != "gw_tenant1" || inst.Status != models.ConnectionConnecting {
		t.Fatalf("instance = %+v", inst)
	}

	conn, err := e.RequestConnection(context.Background(), Target{InstanceID: inst.InstanceID, Credentials: creds})
	if err != nil {
		t.Fatalf("RequestConnection() error = %v", err)
	}
	if conn.Status != models.ConnectionQR || conn.QRPayload != "2@qr" {
		t.Errorf("connection = %+v", conn)
	}
}

func TestEvolutionCreateReusesExistingInstance(t *testing.T) {
	e, creds := newTestEvolution(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"This name \"gw_t\" is already in use."}`))
	})

	_, err := e.CreateInstance(context.Background(), InstanceRequest{TenantHint: "t", Credentials: creds})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("403 must surface as invalid credentials, got %v", err)
	}

	e, creds = newTestEvolution(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"This name \"gw_t\" is already in use."}`))
	})
	inst, err := e.CreateInstance(context.Background(), InstanceRequest{TenantHint: "t", Credentials: creds})
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if inst.InstanceID != "gw_t" {
		t.Errorf("InstanceID = %q", inst.InstanceID)
	}
}

func TestEvolutionGetStatus(t *testing.T) {
	e, creds := newTestEvolution(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/instance/connectionState/unit_1":
			w.Write([]byte(`{"instance":{"instanceName":"unit_1","state":"open"}}`))
		case "/instance/fetchInstances":
			w.Write([]byte(`[{"ownerJid":"5511999998888@s.whatsapp.net"}]`))
		default:
			http.NotFound(w, r)
		}
	})

	st, err := e.GetStatus(context.Background(), Target{InstanceID: "unit_1", Credentials: creds})
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if st.Status != models.ConnectionConnected || st.PhoneNumber != "5511999998888" {
		t.Errorf("status = %+v", st)
	}
}
