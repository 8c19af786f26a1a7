package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"msggateway/internal/platform/models"
	"msggateway/internal/platform/repositories"
)

var ErrFlowNotFound = errors.New("flow not found")

// Catalog manages a tenant's flow definitions and their execution history.
type Catalog struct {
	flows      *repositories.FlowRepository
	executions *repositories.ExecutionRepository
}

func NewCatalog(flows *repositories.FlowRepository, executions *repositories.ExecutionRepository) *Catalog {
	return &Catalog{flows: flows, executions: executions}
}

type flowDocument struct {
	Name          string                 `json:"name"`
	TriggerType   models.TriggerType     `json:"trigger_type"`
	TriggerConfig map[string]interface{} `json:"trigger_config"`
	Conditions    []models.Condition     `json:"conditions"`
	Actions       []models.Action        `json:"actions"`
	Active        *bool                  `json:"active"`
}

// Create validates raw against the flow schema and stores it. Flows are
// active unless the document says otherwise.
func (c *Catalog) Create(ctx context.Context, tenantID string, raw []byte) (*models.AutomationFlow, error) {
	if err := ValidateFlow(raw); err != nil {
		return nil, err
	}
	var doc flowDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFlow, err)
	}

	flow := &models.AutomationFlow{
		TenantID:      tenantID,
		Name:          doc.Name,
		TriggerType:   doc.TriggerType,
		TriggerConfig: doc.TriggerConfig,
		Conditions:    doc.Conditions,
		Actions:       doc.Actions,
		Active:        doc.Active == nil || *doc.Active,
	}
	if flow.Conditions == nil {
		flow.Conditions = []models.Condition{}
	}
	if err := c.flows.Create(ctx, flow); err != nil {
		return nil, err
	}
	return flow, nil
}

func (c *Catalog) List(ctx context.Context, tenantID string) ([]*models.AutomationFlow, error) {
	return c.flows.List(ctx, tenantID)
}

// Deactivate stops a flow from matching future triggers. History is kept.
func (c *Catalog) Deactivate(ctx context.Context, tenantID, flowID string) error {
	ok, err := c.flows.SetActive(ctx, tenantID, flowID, false)
	if err != nil {
		return err
	}
	if !ok {
		return ErrFlowNotFound
	}
	return nil
}

func (c *Catalog) Executions(ctx context.Context, tenantID, flowID string, limit int) ([]*models.AutomationExecution, error) {
	flow, err := c.flows.GetByID(ctx, tenantID, flowID)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		return nil, ErrFlowNotFound
	}
	return c.executions.ListByFlow(ctx, tenantID, flowID, limit)
}
