package repositories

import (
	"context"
	"database/sql"
	"time"

	"msggateway/internal/platform/database"
	"msggateway/internal/platform/models"
)

const conversationColumns = `id, tenant_id, contact_id, channel, instance_ref, status, last_message_at, created_at, updated_at`

type ConversationRepository struct {
	db *database.DB
}

func NewConversationRepository(db *database.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// ResolveOpen returns the single open conversation between the tenant and
// contact, creating one tagged with channel and instanceRef when absent.
func (r *ConversationRepository) ResolveOpen(ctx context.Context, tenantID, contactID, channel, instanceRef string) (*models.Conversation, error) {
	now := time.Now().Unix()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversations (id, tenant_id, contact_id, channel, instance_ref, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, newID("cv_"), tenantID, contactID, channel, instanceRef, models.ConversationOpen, now, now)
	if err != nil {
		return nil, err
	}

	conv, err := r.GetOpen(ctx, tenantID, contactID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, sql.ErrNoRows
	}
	return conv, nil
}

func (r *ConversationRepository) GetOpen(ctx context.Context, tenantID, contactID string) (*models.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE tenant_id = ? AND contact_id = ? AND status = ?
	`, tenantID, contactID, models.ConversationOpen)

	var c models.Conversation
	var lastMessageAt sql.NullInt64
	err := row.Scan(&c.ID, &c.TenantID, &c.ContactID, &c.Channel, &c.InstanceRef, &c.Status, &lastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if lastMessageAt.Valid {
		c.LastMessageAt = &lastMessageAt.Int64
	}
	return &c, nil
}

func (r *ConversationRepository) Touch(ctx context.Context, id string, at int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE conversations SET last_message_at = ?, updated_at = ? WHERE id = ?`, at, at, id)
	return err
}
