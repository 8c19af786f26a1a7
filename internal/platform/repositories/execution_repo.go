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

type ExecutionRepository struct {
	db *database.DB
}

func NewExecutionRepository(db *database.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

func (r *ExecutionRepository) Create(ctx context.Context, exec *models.AutomationExecution) error {
	exec.ID = newID("exec_")
	exec.StartedAt = time.Now().Unix()
	if exec.Status == "" {
		exec.Status = models.ExecutionProcessing
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO automation_executions (id, flow_id, tenant_id, status, context, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.FlowID, exec.TenantID, string(exec.Status), mustJSON(exec.Context), exec.StartedAt)
	return err
}

func (r *ExecutionRepository) Finish(ctx context.Context, exec *models.AutomationExecution) error {
	now := time.Now().Unix()
	exec.FinishedAt = &now

	_, err := r.db.ExecContext(ctx, `UPDATE automation_executions SET status = ?, error_details = ?, finished_at = ? WHERE id = ?`,
		string(exec.Status), emptyToNull(exec.ErrorDetails), now, exec.ID)
	return err
}

func (r *ExecutionRepository) ListByFlow(ctx context.Context, tenantID, flowID string, limit int) ([]*models.AutomationExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, flow_id, tenant_id, status, context, error_details, started_at, finished_at
		FROM automation_executions
		WHERE tenant_id = ? AND flow_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, tenantID, flowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*models.AutomationExecution
	for rows.Next() {
		var e models.AutomationExecution
		var status, snapshot string
		var errorDetails sql.NullString
		var finishedAt sql.NullInt64

		if err := rows.Scan(&e.ID, &e.FlowID, &e.TenantID, &status, &snapshot, &errorDetails, &e.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		e.Status = models.ExecutionStatus(status)
		e.ErrorDetails = errorDetails.String
		if finishedAt.Valid {
			e.FinishedAt = &finishedAt.Int64
		}
		if err := json.Unmarshal([]byte(snapshot), &e.Context); err != nil {
			return nil, fmt.Errorf("execution %s context: %w", e.ID, err)
		}
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}
