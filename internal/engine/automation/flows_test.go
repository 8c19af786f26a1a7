package automation

import (
	"context"
	"errors"
	"testing"

	"msggateway/internal/platform/database/dbtest"
	"msggateway/internal/platform/models"
	"msggateway/internal/platform/repositories"
)

func TestValidateFlow(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{
			name: "minimal",
			raw:  `{"name":"w","trigger_type":"new_message","actions":[{"type":"send_whatsapp","config":{"template":"hi"}}]}`,
			ok:   true,
		},
		{
			name: "full",
			raw: `{"name":"w","trigger_type":"new_lead","trigger_config":{"provider":"meta"},"active":false,
				"conditions":[{"field":"status","operator":"equals","value":"new"},{"field":"name","operator":"is_set"}],
				"actions":[{"type":"add_tag","config":{"tag":"lead"}},{"type":"change_stage","config":{"stage":"open"}}]}`,
			ok: true,
		},
		{"not json", `{"name":`, false},
		{"missing name", `{"trigger_type":"new_message","actions":[{"type":"add_tag","config":{"tag":"x"}}]}`, false},
		{"bad trigger", `{"name":"w","trigger_type":"tick","actions":[{"type":"add_tag","config":{"tag":"x"}}]}`, false},
		{"no actions", `{"name":"w","trigger_type":"new_message","actions":[]}`, false},
		{"unknown action", `{"name":"w","trigger_type":"new_message","actions":[{"type":"send_email","config":{}}]}`, false},
		{"tag without tag", `{"name":"w","trigger_type":"new_message","actions":[{"type":"add_tag","config":{}}]}`, false},
		{"send without template", `{"name":"w","trigger_type":"new_message","actions":[{"type":"send_whatsapp","config":{"to":"1"}}]}`, false},
		{"non string config", `{"name":"w","trigger_type":"new_message","actions":[{"type":"add_tag","config":{"tag":1}}]}`, false},
		{"bad operator", `{"name":"w","trigger_type":"new_message","conditions":[{"field":"a","operator":"like","value":"x"}],"actions":[{"type":"add_tag","config":{"tag":"x"}}]}`, false},
		{"equals without value", `{"name":"w","trigger_type":"new_message","conditions":[{"field":"a","operator":"equals"}],"actions":[{"type":"add_tag","config":{"tag":"x"}}]}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFlow([]byte(tt.raw))
			if tt.ok && err != nil {
				t.Fatalf("ValidateFlow() error = %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidFlow) {
				t.Fatalf("ValidateFlow() error = %v, want ErrInvalidFlow", err)
			}
		})
	}
}

func TestValidateFlowReportsLocations(t *testing.T) {
	err := ValidateFlow([]byte(`{"name":"w","trigger_type":"new_message","actions":[{"type":"add_tag","config":{}}]}`))
	var ferr *FlowError
	if !errors.As(err, &ferr) || len(ferr.Causes) == 0 {
		t.Fatalf("ValidateFlow() error = %v, want *FlowError with causes", err)
	}
}

func TestCatalog(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	flows := repositories.NewFlowRepository(db)
	execs := repositories.NewExecutionRepository(db)
	catalog := NewCatalog(flows, execs)

	flow, err := catalog.Create(ctx, "t1", []byte(`{"name":"welcome","trigger_type":"new_message",
		"conditions":[{"field":"score","operator":"greater_than","value":3}],
		"actions":[{"type":"send_whatsapp","config":{"template":"hi {{name}}"}}]}`))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !flow.Active || flow.ID == "" || flow.TenantID != "t1" {
		t.Errorf("flow = %+v", flow)
	}

	if _, err := catalog.Create(ctx, "t1", []byte(`{"name":"x"}`)); !errors.Is(err, ErrInvalidFlow) {
		t.Errorf("Create(invalid) error = %v", err)
	}

	active, err := flows.ListActive(ctx, "t1", models.TriggerNewMessage)
	if err != nil || len(active) != 1 {
		t.Fatalf("ListActive() = %v, %v", active, err)
	}
	if v, ok := active[0].Conditions[0].Value.(float64); !ok || v != 3 {
		t.Errorf("condition value = %#v", active[0].Conditions[0].Value)
	}

	if err := catalog.Deactivate(ctx, "t2", flow.ID); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("Deactivate(other tenant) error = %v", err)
	}
	if err := catalog.Deactivate(ctx, "t1", flow.ID); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	if active, _ := flows.ListActive(ctx, "t1", models.TriggerNewMessage); len(active) != 0 {
		t.Errorf("flow still active")
	}

	list, err := catalog.List(ctx, "t1")
	if err != nil || len(list) != 1 {
		t.Errorf("List() = %v, %v", list, err)
	}

	if _, err := catalog.Executions(ctx, "t1", "flow_missing", 10); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("Executions(missing) error = %v", err)
	}
	got, err := catalog.Executions(ctx, "t1", flow.ID, 10)
	if err != nil || len(got) != 0 {
		t.Errorf("Executions() = %v, %v", got, err)
	}
}
