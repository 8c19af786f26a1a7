package repositories

import (
	"context"
	"database/sql"
	"time"

	"msggateway/internal/platform/database"
	"msggateway/internal/platform/models"
)

const messageColumns = `id, conversation_id, tenant_id, sender, content, external_id, provider, client_message_id, status, retry_count, last_retry_at, media_url, media_type, error_details, created_at, updated_at`

type MessageRepository struct {
	db *database.DB
}

func NewMessageRepository(db *database.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Insert stores msg. A collision on (provider, external_id) or
// (conversation_id, client_message_id) returns ErrDuplicate.
func (r *MessageRepository) Insert(ctx context.Context, msg *models.Message) error {
	now := time.Now().Unix()
	msg.ID = newID("msg_")
	msg.CreatedAt = now
	msg.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, tenant_id, sender, content, external_id, provider, client_message_id,
			status, status_rank, retry_count, media_url, media_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.TenantID, msg.Sender, msg.Content, nullableString(msg.ExternalID), msg.Provider,
		nullableString(msg.ClientMessageID), string(msg.Status), msg.Status.Rank(), msg.RetryCount,
		emptyToNull(msg.MediaURL), emptyToNull(msg.MediaType), msg.CreatedAt, msg.UpdatedAt)
	if database.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

func (r *MessageRepository) GetByExternalID(ctx context.Context, provider, externalID string) (*models.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE provider = ? AND external_id = ?`, provider, externalID)
	return scanMessage(row)
}

func (r *MessageRepository) GetByClientID(ctx context.Context, conversationID, clientMessageID string) (*models.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND client_message_id = ?`,
		conversationID, clientMessageID)
	return scanMessage(row)
}

// RecordAttempt stores the retry bookkeeping after a failed delivery attempt.
func (r *MessageRepository) RecordAttempt(ctx context.Context, id string, retryCount int, at int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE messages SET retry_count = ?, last_retry_at = ?, updated_at = ? WHERE id = ?`,
		retryCount, at, at, id)
	return err
}

func (r *MessageRepository) MarkSent(ctx context.Context, id, externalID string, retryCount int) error {
	now := time.Now().Unix()
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, status_rank = ?, external_id = ?, retry_count = ?, last_retry_at = ?, error_details = NULL, updated_at = ?
		WHERE id = ?
	`, string(models.MessageSent), models.MessageSent.Rank(), emptyToNull(externalID), retryCount, now, now, id)
	if database.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *MessageRepository) MarkFailed(ctx context.Context, id string, retryCount int, details string) error {
	now := time.Now().Unix()
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, status_rank = ?, retry_count = ?, last_retry_at = ?, error_details = ?, updated_at = ?
		WHERE id = ?
	`, string(models.MessageFailed), models.MessageFailed.Rank(), retryCount, now, details, now, id)
	return err
}

// ApplyStatus moves the message identified by (provider, externalID) to
// status when status supersedes the stored one. The comparison happens inside
// the UPDATE so concurrent receipts cannot regress each other.
func (r *MessageRepository) ApplyStatus(ctx context.Context, provider, externalID string, status models.MessageStatus) (applied, found bool, err error) {
	isFailed := 0
	if status == models.MessageFailed {
		isFailed = 1
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, status_rank = ?, updated_at = ?
		WHERE provider = ? AND external_id = ? AND status <> ? AND (? = 1 OR status_rank < ?)
	`, string(status), status.Rank(), time.Now().Unix(), provider, externalID, string(models.MessageFailed), isFailed, status.Rank())
	if err != nil {
		return false, false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, true, nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE provider = ? AND external_id = ?`, provider, externalID).Scan(&exists)
	if err != nil {
		return false, false, err
	}
	return false, exists > 0, nil
}

func scanMessage(row *sql.Row) (*models.Message, error) {
	m, err := scanMessageRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

func scanMessageRow(s interface{ Scan(...interface{}) error }) (*models.Message, error) {
	var m models.Message
	var status string
	var externalID, clientID, mediaURL, mediaType, errorDetails sql.NullString
	var lastRetryAt sql.NullInt64

	err := s.Scan(&m.ID, &m.ConversationID, &m.TenantID, &m.Sender, &m.Content, &externalID, &m.Provider, &clientID,
		&status, &m.RetryCount, &lastRetryAt, &mediaURL, &mediaType, &errorDetails, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	m.Status = models.MessageStatus(status)
	if externalID.Valid {
		m.ExternalID = &externalID.String
	}
	if clientID.Valid {
		m.ClientMessageID = &clientID.String
	}
	if lastRetryAt.Valid {
		m.LastRetryAt = &lastRetryAt.Int64
	}
	m.MediaURL = mediaURL.String
	m.MediaType = mediaType.String
	m.ErrorDetails = errorDetails.String
	return &m, nil
}
