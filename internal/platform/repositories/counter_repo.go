package repositories

import (
	"context"

	"msggateway/internal/platform/database"
	"msggateway/internal/platform/models"
)

type CounterRepository struct {
	db *database.DB
}

func NewCounterRepository(db *database.DB) *CounterRepository {
	return &CounterRepository{db: db}
}

// Add increments the (tenant, name, day) counter by delta.
func (r *CounterRepository) Add(ctx context.Context, tenantID, name, day string, delta int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO counters (tenant_id, name, day, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, name, day) DO UPDATE SET value = counters.value + excluded.value
	`, tenantID, name, day, delta)
	return err
}

func (r *CounterRepository) ListByTenant(ctx context.Context, tenantID, since string) ([]*models.Counter, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, name, day, value FROM counters
		WHERE tenant_id = ? AND day >= ?
		ORDER BY day, name
	`, tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []*models.Counter
	for rows.Next() {
		var c models.Counter
		if err := rows.Scan(&c.TenantID, &c.Name, &c.Day, &c.Value); err != nil {
			return nil, err
		}
		counters = append(counters, &c)
	}
	return counters, rows.Err()
}
