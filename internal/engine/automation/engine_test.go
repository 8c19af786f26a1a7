package automation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"msggateway/internal/engine/outbound"
	"msggateway/internal/platform/database"
	"msggateway/internal/platform/database/dbtest"
	"msggateway/internal/platform/models"
	"msggateway/internal/platform/repositories"
)

type recordingSender struct {
	mu   sync.Mutex
	reqs []outbound.Request
	err  error
}

func (s *recordingSender) Send(ctx context.Context, req outbound.Request) (*outbound.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	return &outbound.Result{MessageID: "msg_1", Status: models.MessageSent}, nil
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) Incr(tenantID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[name]++
}

type fixture struct {
	db       *database.DB
	engine   *Engine
	flows    *repositories.FlowRepository
	execs    *repositories.ExecutionRepository
	contacts *repositories.ContactRepository
	sender   *recordingSender
	metrics  *countingMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	f := &fixture{
		db:       db,
		flows:    repositories.NewFlowRepository(db),
		execs:    repositories.NewExecutionRepository(db),
		contacts: repositories.NewContactRepository(db),
		sender:   &recordingSender{},
		metrics:  &countingMetrics{},
	}
	f.engine = NewEngine(Deps{
		Flows:      f.flows,
		Executions: f.execs,
		Contacts:   f.contacts,
		Sender:     f.sender,
		Counters:   f.metrics,
	})
	return f
}

func (f *fixture) flow(t *testing.T, flow *models.AutomationFlow) *models.AutomationFlow {
	t.Helper()
	if flow.TenantID == "" {
		flow.TenantID = "t1"
	}
	if flow.TriggerType == "" {
		flow.TriggerType = models.TriggerNewMessage
	}
	flow.Active = true
	if err := f.flows.Create(context.Background(), flow); err != nil {
		t.Fatalf("Create(flow) error = %v", err)
	}
	return flow
}

func (f *fixture) lead(t *testing.T) (*models.Contact, map[string]interface{}) {
	t.Helper()
	c, _, err := f.contacts.ResolveOrCreate(context.Background(), "t1", "5511999998888", "Ana")
	if err != nil {
		t.Fatalf("ResolveOrCreate() error = %v", err)
	}
	return c, map[string]interface{}{
		"lead_id": c.ID,
		"phone":   c.Phone,
		"name":    c.Name,
		"status":  "new",
		"message": "quero um orçamento",
	}
}

func (f *fixture) executions(t *testing.T, flowID string) []*models.AutomationExecution {
	t.Helper()
	execs, err := f.execs.ListByFlow(context.Background(), "t1", flowID, 0)
	if err != nil {
		t.Fatalf("ListByFlow() error = %v", err)
	}
	return execs
}

func TestFireMatchingFlowSendsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	flow := f.flow(t, &models.AutomationFlow{
		Name:       "welcome",
		Conditions: []models.Condition{{Field: "status", Operator: models.OpEquals, Value: "new"}},
		Actions: []models.Action{{
			Type:   models.ActionSendWhatsApp,
			Config: map[string]string{"template": "Olá {{name}}, recebemos: {{message}}"},
		}},
	})
	_, payload := f.lead(t)

	execs, err := f.engine.Fire(ctx, "t1", models.TriggerNewMessage, payload)
	if err != nil {
		t.Fatalf("Fire() error = %v", err)
	}
	if len(execs) != 1 || execs[0].Status != models.ExecutionCompleted {
		t.Fatalf("Fire() = %+v, want one completed execution", execs)
	}
	if execs[0].FinishedAt == nil {
		t.Error("execution has no finish time")
	}

	if len(f.sender.reqs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.sender.reqs))
	}
	req := f.sender.reqs[0]
	if req.Phone != "5511999998888" || req.Text != "Olá Ana, recebemos: quero um orçamento" || req.TenantID != "t1" {
		t.Errorf("request = %+v", req)
	}
	if req.ClientMessageID != execs[0].ID+":0" {
		t.Errorf("ClientMessageID = %q", req.ClientMessageID)
	}

	stored := f.executions(t, flow.ID)
	if len(stored) != 1 || stored[0].Status != models.ExecutionCompleted {
		t.Fatalf("stored executions = %+v", stored)
	}
	if stored[0].Context["status"] != "new" {
		t.Errorf("context snapshot = %v", stored[0].Context)
	}
	if f.metrics.counts["automation_completed"] != 1 {
		t.Errorf("metrics = %v", f.metrics.counts)
	}
}

func TestFireSkipsNonMatchingFlows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, payload := f.lead(t)

	miss := f.flow(t, &models.AutomationFlow{
		Name:       "won only",
		Conditions: []models.Condition{{Field: "status", Operator: models.OpEquals, Value: "won"}},
		Actions:    []models.Action{{Type: models.ActionAddTag, Config: map[string]string{"tag": "x"}}},
	})
	cfgMiss := f.flow(t, &models.AutomationFlow{
		Name:          "other provider",
		TriggerConfig: map[string]interface{}{"provider": "meta"},
		Actions:       []models.Action{{Type: models.ActionAddTag, Config: map[string]string{"tag": "x"}}},
	})
	f.flow(t, &models.AutomationFlow{
		Name:        "other trigger",
		TriggerType: models.TriggerNewLead,
		Actions:     []models.Action{{Type: models.ActionAddTag, Config: map[string]string{"tag": "x"}}},
	})
	inactive := f.flow(t, &models.AutomationFlow{
		Name:    "inactive",
		Actions: []models.Action{{Type: models.ActionAddTag, Config: map[string]string{"tag": "x"}}},
	})
	if _, err := f.flows.SetActive(ctx, "t1", inactive.ID, false); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}

	execs, err := f.engine.Fire(ctx, "t1", models.TriggerNewMessage, payload)
	if err != nil {
		t.Fatalf("Fire() error = %v", err)
	}
	if len(execs) != 0 {
		t.Fatalf("Fire() = %d executions, want 0", len(execs))
	}
	for _, id := range []string{miss.ID, cfgMiss.ID, inactive.ID} {
		if n := len(f.executions(t, id)); n != 0 {
			t.Errorf("flow %s has %d executions", id, n)
		}
	}

	// other tenants never see t1 flows
	execs, _ = f.engine.Fire(ctx, "t2", models.TriggerNewMessage, payload)
	if len(execs) != 0 {
		t.Errorf("t2 Fire() = %d executions", len(execs))
	}
}

func TestFireStopsAtFailingAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sender.err = errors.New("provider said: token=abc123 invalid")
	lead, payload := f.lead(t)

	f.flow(t, &models.AutomationFlow{
		Name: "qualify",
		Actions: []models.Action{
			{Type: models.ActionAddTag, Config: map[string]string{"tag": "interested"}},
			{Type: models.ActionSendWhatsApp, Config: map[string]string{"template": "hi"}},
			{Type: models.ActionChangeStage, Config: map[string]string{"stage": "qualified"}},
		},
	})

	execs, err := f.engine.Fire(ctx, "t1", models.TriggerNewMessage, payload)
	if err != nil {
		t.Fatalf("Fire() error = %v", err)
	}
	if len(execs) != 1 || execs[0].Status != models.ExecutionFailed {
		t.Fatalf("Fire() = %+v, want one failed execution", execs)
	}
	details := execs[0].ErrorDetails
	if !strings.Contains(details, "send_whatsapp") || strings.Contains(details, "abc123") {
		t.Errorf("ErrorDetails = %q", details)
	}

	got, err := f.contacts.GetByID(ctx, "t1", lead.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "interested" {
		t.Errorf("tags = %v, earlier action should remain applied", got.Tags)
	}
	if got.Stage != "" {
		t.Errorf("stage = %q, later action should not run", got.Stage)
	}
	if f.metrics.counts["automation_failed"] != 1 {
		t.Errorf("metrics = %v", f.metrics.counts)
	}
}

func TestLeadActions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lead, _ := f.lead(t)

	f.flow(t, &models.AutomationFlow{
		Name: "tag by phone",
		Actions: []models.Action{
			{Type: models.ActionAddTag, Config: map[string]string{"tag": "from-{{source}}"}},
			{Type: models.ActionChangeStage, Config: map[string]string{"stage": "contacted"}},
		},
	})

	// no lead id, the phone still identifies the contact
	payload := map[string]interface{}{"phone": "+55 (11) 99999-8888", "source": "ads"}
	execs, err := f.engine.Fire(ctx, "t1", models.TriggerNewMessage, payload)
	if err != nil || len(execs) != 1 || execs[0].Status != models.ExecutionCompleted {
		t.Fatalf("Fire() = %+v, %v", execs, err)
	}

	got, _ := f.contacts.GetByID(ctx, "t1", lead.ID)
	if len(got.Tags) != 1 || got.Tags[0] != "from-ads" || got.Stage != "contacted" {
		t.Errorf("contact = %+v", got)
	}

	execs, _ = f.engine.Fire(ctx, "t1", models.TriggerNewMessage, map[string]interface{}{"source": "ads"})
	if len(execs) != 1 || execs[0].Status != models.ExecutionFailed || !strings.Contains(execs[0].ErrorDetails, "no lead") {
		t.Errorf("Fire() without lead = %+v", execs)
	}
}

func TestUnknownActionFails(t *testing.T) {
	f := newFixture(t)
	_, payload := f.lead(t)
	f.flow(t, &models.AutomationFlow{
		Name:    "bad",
		Actions: []models.Action{{Type: "send_email", Config: map[string]string{}}},
	})

	execs, err := f.engine.Fire(context.Background(), "t1", models.TriggerNewMessage, payload)
	if err != nil || len(execs) != 1 || execs[0].Status != models.ExecutionFailed {
		t.Fatalf("Fire() = %+v, %v", execs, err)
	}
}
