package inbound

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"msggateway/internal/engine/connections"
	"msggateway/internal/engine/metrics"
	"msggateway/internal/engine/notify"
	"msggateway/internal/engine/providers"
	"msggateway/internal/platform/config"
	"msggateway/internal/platform/database"
	"msggateway/internal/platform/database/dbtest"
	"msggateway/internal/platform/models"
	"msggateway/internal/platform/repositories"
	"msggateway/internal/platform/vault"
)

const upsertHello = `{
	"event": "messages.upsert",
	"instance": "unit_1",
	"data": {
		"key": {"remoteJid": "5511999998888@s.whatsapp.net", "fromMe": false, "id": "MSG1"},
		"pushName": "Ana",
		"message": {"conversation": "Hello"},
		"messageTimestamp": 1700000000
	}
}`

type firedTrigger struct {
	tenantID string
	trigger  models.TriggerType
	payload  map[string]interface{}
}

type recordingTrigger struct {
	mu    sync.Mutex
	fired []firedTrigger
}

func (r *recordingTrigger) Fire(ctx context.Context, tenantID string, trigger models.TriggerType, payload map[string]interface{}) ([]*models.AutomationExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, firedTrigger{tenantID, trigger, payload})
	return nil, nil
}

type inlineTasks struct{}

func (inlineTasks) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	fn(ctx)
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingMetrics) Incr(tenantID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[name]++
}

type fixture struct {
	db       *database.DB
	pipeline *Pipeline
	conns    *repositories.ConnectionRepository
	contacts *repositories.ContactRepository
	convs    *repositories.ConversationRepository
	messages *repositories.MessageRepository
	trigger  *recordingTrigger
	counters *countingMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, dbtest.New(t))
}

func newFixtureOn(t *testing.T, db *database.DB) *fixture {
	t.Helper()
	registry := providers.NewRegistryWith(
		providers.NewEvolution(config.EvolutionConfig{}, nil),
		providers.NewMeta(config.MetaConfig{}, nil),
	)
	hub := notify.NewHub(16)

	f := &fixture{
		db:       db,
		conns:    repositories.NewConnectionRepository(db, vault.New("")),
		contacts: repositories.NewContactRepository(db),
		convs:    repositories.NewConversationRepository(db),
		messages: repositories.NewMessageRepository(db),
		trigger:  &recordingTrigger{},
		counters: &countingMetrics{},
	}
	f.pipeline = NewPipeline(Deps{
		Registry:      registry,
		Connections:   f.conns,
		State:         connections.NewService(f.conns, registry, "http://gw.test", hub),
		Contacts:      f.contacts,
		Conversations: f.convs,
		Messages:      f.messages,
		Pending:       NewPendingStatuses(time.Minute),
		Automation:    f.trigger,
		Tasks:         inlineTasks{},
		Counters:      f.counters,
		Events:        hub,
	})
	return f
}

func (f *fixture) connect(t *testing.T, tenantID, provider, instance, secret string, creds models.Credentials) *models.Connection {
	t.Helper()
	conn := &models.Connection{
		TenantID:         tenantID,
		Provider:         provider,
		RemoteInstanceID: instance,
		Status:           models.ConnectionConnected,
		WebhookSecret:    secret,
		Credentials:      creds,
	}
	if err := f.conns.Create(context.Background(), conn); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return conn
}

func (f *fixture) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	if err := f.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestInboundMessageIsStoredOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.connect(t, "t1", "evolution", "unit_1", "s3cret", nil)

	res, err := f.pipeline.Handle(ctx, "evolution", "s3cret", []byte(upsertHello), http.Header{})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.Outcome != OutcomeProcessed || res.TenantID != "t1" {
		t.Fatalf("result = %+v", res)
	}

	contact, err := f.contacts.GetByPhone(ctx, "t1", "5511999998888")
	if err != nil || contact == nil {
		t.Fatalf("contact = %v, %v", contact, err)
	}
	if contact.Name != "Ana" {
		t.Errorf("contact name = %q", contact.Name)
	}
	conv, err := f.convs.GetOpen(ctx, "t1", contact.ID)
	if err != nil || conv == nil {
		t.Fatalf("conversation = %v, %v", conv, err)
	}
	if conv.Channel != models.ChannelWhatsApp {
		t.Errorf("channel = %q", conv.Channel)
	}

	msg, err := f.messages.GetByExternalID(ctx, "evolution", "MSG1")
	if err != nil || msg == nil {
		t.Fatalf("message = %v, %v", msg, err)
	}
	if msg.Content != "Hello" || msg.Status != models.MessageReceived || msg.Sender != models.SenderCustomer {
		t.Errorf("message = %+v", msg)
	}

	res, err = f.pipeline.Handle(ctx, "evolution", "s3cret", []byte(upsertHello), http.Header{})
	if err != nil {
		t.Fatalf("replay Handle() error = %v", err)
	}
	if res.Outcome != OutcomeDeduplicated {
		t.Errorf("replay outcome = %v", res.Outcome)
	}
	if n := f.count(t, "messages"); n != 1 {
		t.Errorf("messages = %d, want 1", n)
	}
	if n := f.count(t, "contacts"); n != 1 {
		t.Errorf("contacts = %d, want 1", n)
	}

	var kinds []models.TriggerType
	for _, tr := range f.trigger.fired {
		kinds = append(kinds, tr.trigger)
	}
	if len(kinds) != 2 || kinds[0] != models.TriggerNewLead || kinds[1] != models.TriggerNewMessage {
		t.Errorf("triggers = %v", kinds)
	}
	if got := f.trigger.fired[1].payload["message"]; got != "Hello" {
		t.Errorf("trigger payload message = %v", got)
	}
	if f.counters.counts[metrics.MessagesReceived] != 1 || f.counters.counts[metrics.MessagesDeduplicated] != 1 {
		t.Errorf("counters = %v", f.counters.counts)
	}
}

func TestInboundConcurrentDeliveriesStoreOnce(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "gateway.db") + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite3", DSN: dsn, MaxOpenConns: 10})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	f := newFixtureOn(t, db)
	f.connect(t, "t1", "evolution", "unit_1", "s3cret", nil)

	const deliveries = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
		errs     []error
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.pipeline.Handle(ctx, "evolution", "s3cret", []byte(upsertHello), http.Header{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			outcomes[res.Outcome]++
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("Handle() errors = %v", errs)
	}
	if outcomes[OutcomeProcessed] != 1 || outcomes[OutcomeDeduplicated] != deliveries-1 {
		t.Errorf("outcomes = %v", outcomes)
	}
	for table, want := range map[string]int{"messages": 1, "contacts": 1, "conversations": 1} {
		if n := f.count(t, table); n != want {
			t.Errorf("%s = %d, want %d", table, n, want)
		}
	}
}

func TestInboundSecretMismatchChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "t1", "evolution", "unit_1", "s3cret", nil)

	res, err := f.pipeline.Handle(context.Background(), "evolution", "wrong", []byte(upsertHello), http.Header{})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.Outcome != OutcomeIgnored {
		t.Errorf("outcome = %v", res.Outcome)
	}
	if n := f.count(t, "messages") + f.count(t, "contacts") + f.count(t, "conversations"); n != 0 {
		t.Errorf("rows written: %d", n)
	}
	if len(f.trigger.fired) != 0 {
		t.Error("automation fired for unknown connection")
	}
}

func TestInboundRejections(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "t1", "evolution", "unit_1", "s3cret", nil)

	if _, err := f.pipeline.Handle(context.Background(), "telegram", "s3cret", []byte(upsertHello), nil); !errors.Is(err, providers.ErrUnsupportedProvider) {
		t.Errorf("unsupported provider error = %v", err)
	}

	res, err := f.pipeline.Handle(context.Background(), "evolution", "s3cret", []byte(`{"event":"messages.upsert"}`), nil)
	if err != nil || res.Outcome != OutcomeMalformed {
		t.Errorf("missing instance: %+v, %v", res, err)
	}

	res, err = f.pipeline.Handle(context.Background(), "evolution", "s3cret", []byte(`{"event":"qrcode.updated","instance":"unit_1","data":{}}`), nil)
	if err != nil || res.Outcome != OutcomeMalformed {
		t.Errorf("bad payload: %+v, %v", res, err)
	}
}

func TestInboundSelfSentIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "t1", "evolution", "unit_1", "s3cret", nil)

	raw := `{"event":"messages.upsert","instance":"unit_1","data":{"key":{"remoteJid":"5511999998888@s.whatsapp.net","fromMe":true,"id":"OWN1"},"message":{"conversation":"sent from phone"}}}`
	res, err := f.pipeline.Handle(context.Background(), "evolution", "s3cret", []byte(raw), nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.Outcome != OutcomeIgnored {
		t.Errorf("outcome = %v", res.Outcome)
	}
	if n := f.count(t, "messages"); n != 0 {
		t.Errorf("messages = %d", n)
	}
}

func TestInboundInvalidSignature(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "t1", "meta", "PN1", "s3cret", models.Credentials{"app_secret": "appsecret"})

	raw := []byte(`{"object":"whatsapp_business_account","entry":[{"id":"W","changes":[{"field":"messages","value":{"metadata":{"phone_number_id":"PN1"},"messages":[{"from":"5511999998888","id":"wamid.1","type":"text","text":{"body":"hi"}}]}}]}]}`)

	h := http.Header{}
	h.Set("X-Hub-Signature-256", "sha256="+providers.Sign("not-the-secret", raw))
	if _, err := f.pipeline.Handle(context.Background(), "meta", "s3cret", raw, h); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Handle() error = %v, want ErrInvalidSignature", err)
	}
	if n := f.count(t, "messages"); n != 0 {
		t.Errorf("messages = %d", n)
	}

	h.Set("X-Hub-Signature-256", "sha256="+providers.Sign("appsecret", raw))
	res, err := f.pipeline.Handle(context.Background(), "meta", "s3cret", raw, h)
	if err != nil || res.Outcome != OutcomeProcessed {
		t.Fatalf("signed delivery: %+v, %v", res, err)
	}
}

func seedOutbound(t *testing.T, f *fixture, externalID string) *models.Message {
	t.Helper()
	ctx := context.Background()
	contact, _, err := f.contacts.ResolveOrCreate(ctx, "t1", "5511999998888", "")
	if err != nil {
		t.Fatal(err)
	}
	conv, err := f.convs.ResolveOpen(ctx, "t1", contact.ID, models.ChannelWhatsApp, "conn")
	if err != nil {
		t.Fatal(err)
	}
	ext := externalID
	msg := &models.Message{
		ConversationID: conv.ID,
		TenantID:       "t1",
		Sender:         models.SenderAgent,
		Content:        "out",
		ExternalID:     &ext,
		Provider:       "evolution",
		Status:         models.MessageSent,
	}
	if err := f.messages.Insert(ctx, msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func statusHook(id, status string) []byte {
	return []byte(`{"event":"messages.update","instance":"unit_1","data":{"keyId":"` + id + `","status":"` + status + `"}}`)
}

func TestInboundStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.connect(t, "t1", "evolution", "unit_1", "s3cret", nil)
	seedOutbound(t, f, "OUT1")

	steps := []struct {
		status string
		want   models.MessageStatus
	}{
		{"READ", models.MessageRead},
		{"DELIVERY_ACK", models.MessageRead},
		{"SERVER_ACK", models.MessageRead},
		{"ERROR", models.MessageFailed},
		{"READ", models.MessageFailed},
	}
	for _, step := range steps {
		if _, err := f.pipeline.Handle(ctx, "evolution", "s3cret", statusHook("OUT1", step.status), nil); err != nil {
			t.Fatalf("Handle(%s) error = %v", step.status, err)
		}
		msg, _ := f.messages.GetByExternalID(ctx, "evolution", "OUT1")
		if msg.Status != step.want {
			t.Errorf("after %s status = %v, want %v", step.status, msg.Status, step.want)
		}
	}
}

func TestInboundStatusBeforeMessageIsReplayed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.connect(t, "t1", "evolution", "unit_1", "s3cret", nil)

	if _, err := f.pipeline.Handle(ctx, "evolution", "s3cret", statusHook("LATE1", "DELIVERY_ACK"), nil); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if f.pipeline.Pending.Len() != 1 {
		t.Fatalf("pending = %d, want 1", f.pipeline.Pending.Len())
	}

	seedOutbound(t, f, "LATE1")
	f.pipeline.ReplayPending(ctx, "t1", "evolution", "LATE1")

	msg, _ := f.messages.GetByExternalID(ctx, "evolution", "LATE1")
	if msg.Status != models.MessageDelivered {
		t.Errorf("status = %v, want delivered", msg.Status)
	}
	if f.pipeline.Pending.Len() != 0 {
		t.Errorf("pending = %d after replay", f.pipeline.Pending.Len())
	}
}

func TestInboundConnectionEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conn := f.connect(t, "t1", "evolution", "unit_1", "s3cret", nil)

	qr := []byte(`{"event":"qrcode.updated","instance":"unit_1","data":{"qrcode":{"code":"2@new"}}}`)
	if _, err := f.pipeline.Handle(ctx, "evolution", "s3cret", qr, nil); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	stored, _ := f.conns.GetByTenant(ctx, conn.TenantID)
	if stored.Status != models.ConnectionQR || stored.QRPayload == nil || *stored.QRPayload != "2@new" {
		t.Fatalf("stored = %+v", stored)
	}

	open := []byte(`{"event":"connection.update","instance":"unit_1","data":{"state":"open","wuid":"5511000000000@s.whatsapp.net"}}`)
	if _, err := f.pipeline.Handle(ctx, "evolution", "s3cret", open, nil); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	stored, _ = f.conns.GetByTenant(ctx, conn.TenantID)
	if stored.Status != models.ConnectionConnected || stored.QRPayload != nil {
		t.Errorf("stored = %+v", stored)
	}
	if stored.PhoneNumber == nil || *stored.PhoneNumber != "5511000000000" {
		t.Errorf("phone = %v", stored.PhoneNumber)
	}
}

func TestVerifyHandshake(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "t1", "meta", "PN1", "s3cret", nil)
	ctx := context.Background()

	got, err := f.pipeline.Verify(ctx, "meta", "s3cret", "subscribe", "s3cret", "12345")
	if err != nil || got != "12345" {
		t.Errorf("Verify() = %q, %v", got, err)
	}
	if _, err := f.pipeline.Verify(ctx, "meta", "s3cret", "subscribe", "nope", "1"); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("wrong token error = %v", err)
	}
	if _, err := f.pipeline.Verify(ctx, "meta", "other", "subscribe", "other", "1"); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("unknown secret error = %v", err)
	}
}
