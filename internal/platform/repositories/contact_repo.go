package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"msggateway/internal/platform/database"
	"msggateway/internal/platform/models"
)

var ErrConcurrentUpdate = errors.New("record changed concurrently")

const contactColumns = `id, tenant_id, phone, name, stage, tags, created_at, updated_at`

type ContactRepository struct {
	db *database.DB
}

func NewContactRepository(db *database.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// ResolveOrCreate returns the tenant's contact for phone, creating it when
// missing. created is true only for the caller whose insert won.
func (r *ContactRepository) ResolveOrCreate(ctx context.Context, tenantID, phone, name string) (contact *models.Contact, created bool, err error) {
	now := time.Now().Unix()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO contacts (id, tenant_id, phone, name, stage, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', '[]', ?, ?)
		ON CONFLICT DO NOTHING
	`, newID("ct_"), tenantID, phone, name, now, now)
	if err != nil {
		return nil, false, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		created = true
	}

	contact, err = r.GetByPhone(ctx, tenantID, phone)
	if err != nil {
		return nil, false, err
	}
	if contact == nil {
		return nil, false, sql.ErrNoRows
	}

	if !created && contact.Name == "" && name != "" {
		if _, err := r.db.ExecContext(ctx, `UPDATE contacts SET name = ?, updated_at = ? WHERE id = ? AND name = ''`, name, now, contact.ID); err != nil {
			return nil, false, err
		}
		contact.Name = name
	}
	return contact, created, nil
}

func (r *ContactRepository) GetByPhone(ctx context.Context, tenantID, phone string) (*models.Contact, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE tenant_id = ? AND phone = ?`, tenantID, phone)
	return scanContact(row)
}

func (r *ContactRepository) GetByID(ctx context.Context, tenantID, id string) (*models.Contact, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE tenant_id = ? AND id = ?`, tenantID, id)
	return scanContact(row)
}

// AddTag appends tag unless already present. The write is conditional on the
// tag list read, retried a few times when another writer got there first.
func (r *ContactRepository) AddTag(ctx context.Context, tenantID, contactID, tag string) error {
	for attempt := 0; attempt < 3; attempt++ {
		contact, err := r.GetByID(ctx, tenantID, contactID)
		if err != nil {
			return err
		}
		if contact == nil {
			return sql.ErrNoRows
		}

		for _, t := range contact.Tags {
			if t == tag {
				return nil
			}
		}

		previous := mustJSON(contact.Tags)
		next := mustJSON(append(contact.Tags, tag))
		res, err := r.db.ExecContext(ctx, `UPDATE contacts SET tags = ?, updated_at = ? WHERE id = ? AND tags = ?`,
			next, time.Now().Unix(), contactID, previous)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
	}
	return ErrConcurrentUpdate
}

func (r *ContactRepository) SetStage(ctx context.Context, tenantID, contactID, stage string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE contacts SET stage = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		stage, time.Now().Unix(), tenantID, contactID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanContact(row *sql.Row) (*models.Contact, error) {
	var c models.Contact
	var tags string
	err := row.Scan(&c.ID, &c.TenantID, &c.Phone, &c.Name, &c.Stage, &tags, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return nil, fmt.Errorf("contact %s tags: %w", c.ID, err)
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	return &c, nil
}
