package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"msggateway/internal/platform/database"
	"msggateway/internal/platform/models"
)

const flowColumns = `id, tenant_id, name, trigger_type, trigger_config, conditions, actions, active, created_at, updated_at`

type FlowRepository struct {
	db *database.DB
}

func NewFlowRepository(db *database.DB) *FlowRepository {
	return &FlowRepository{db: db}
}

func (r *FlowRepository) Create(ctx context.Context, flow *models.AutomationFlow) error {
	now := time.Now().Unix()
	flow.ID = newID("flow_")
	flow.CreatedAt = now
	flow.UpdatedAt = now
	if flow.TriggerConfig == nil {
		flow.TriggerConfig = map[string]interface{}{}
	}

	active := 0
	if flow.Active {
		active = 1
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO automation_flows (`+flowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, flow.ID, flow.TenantID, flow.Name, string(flow.TriggerType), mustJSON(flow.TriggerConfig), mustJSON(flow.Conditions),
		mustJSON(flow.Actions), active, flow.CreatedAt, flow.UpdatedAt)
	return err
}

func (r *FlowRepository) GetByID(ctx context.Context, tenantID, id string) (*models.AutomationFlow, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM automation_flows WHERE tenant_id = ? AND id = ?`, tenantID, id)
	flow, err := scanFlow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return flow, nil
}

func (r *FlowRepository) List(ctx context.Context, tenantID string) ([]*models.AutomationFlow, error) {
	return r.query(ctx, `SELECT `+flowColumns+` FROM automation_flows WHERE tenant_id = ? ORDER BY created_at`, tenantID)
}

// ListActive returns the tenant's active flows for trigger, oldest first.
func (r *FlowRepository) ListActive(ctx context.Context, tenantID string, trigger models.TriggerType) ([]*models.AutomationFlow, error) {
	return r.query(ctx, `
		SELECT `+flowColumns+` FROM automation_flows
		WHERE tenant_id = ? AND trigger_type = ? AND active = 1
		ORDER BY created_at, id
	`, tenantID, string(trigger))
}

func (r *FlowRepository) SetActive(ctx context.Context, tenantID, id string, active bool) (bool, error) {
	v := 0
	if active {
		v = 1
	}
	res, err := r.db.ExecContext(ctx, `UPDATE automation_flows SET active = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		v, time.Now().Unix(), tenantID, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *FlowRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.AutomationFlow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*models.AutomationFlow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

func scanFlow(s interface{ Scan(...interface{}) error }) (*models.AutomationFlow, error) {
	var f models.AutomationFlow
	var trigger, triggerConfig, conditions, actions string
	var active int

	if err := s.Scan(&f.ID, &f.TenantID, &f.Name, &trigger, &triggerConfig, &conditions, &actions, &active, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}

	f.TriggerType = models.TriggerType(trigger)
	f.Active = active == 1
	if err := json.Unmarshal([]byte(triggerConfig), &f.TriggerConfig); err != nil {
		return nil, fmt.Errorf("flow %s trigger config: %w", f.ID, err)
	}
	if err := json.Unmarshal([]byte(conditions), &f.Conditions); err != nil {
		return nil, fmt.Errorf("flow %s conditions: %w", f.ID, err)
	}
	if err := json.Unmarshal([]byte(actions), &f.Actions); err != nil {
		return nil, fmt.Errorf("flow %s actions: %w", f.ID, err)
	}
	return &f, nil
}
