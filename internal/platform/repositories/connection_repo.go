package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"msggateway/internal/platform/database"
	"msggateway/internal/platform/models"
	"msggateway/internal/platform/vault"
)

const connectionColumns = `id, tenant_id, provider, remote_instance_id, status, webhook_secret, credentials, phone_number, qr_payload, last_error, created_at, updated_at`

type ConnectionRepository struct {
	db    *database.DB
	vault *vault.Vault
}

func NewConnectionRepository(db *database.DB, v *vault.Vault) *ConnectionRepository {
	return &ConnectionRepository{db: db, vault: v}
}

func (r *ConnectionRepository) Create(ctx context.Context, conn *models.Connection) error {
	sealed, err := r.vault.Seal(conn.Credentials)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	conn.ID = newID("conn_")
	conn.CreatedAt = now
	conn.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, conn.ID, conn.TenantID, conn.Provider, conn.RemoteInstanceID, string(conn.Status), conn.WebhookSecret, sealed,
		nullableString(conn.PhoneNumber), nullableString(conn.QRPayload), emptyToNull(conn.LastError), conn.CreatedAt, conn.UpdatedAt)
	if database.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Update persists every mutable column. The webhook secret is never written
// after creation.
func (r *ConnectionRepository) Update(ctx context.Context, conn *models.Connection) error {
	sealed, err := r.vault.Seal(conn.Credentials)
	if err != nil {
		return err
	}
	conn.UpdatedAt = time.Now().Unix()

	_, err = r.db.ExecContext(ctx, `
		UPDATE connections
		SET provider = ?, remote_instance_id = ?, status = ?, credentials = ?, phone_number = ?, qr_payload = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, conn.Provider, conn.RemoteInstanceID, string(conn.Status), sealed, nullableString(conn.PhoneNumber),
		nullableString(conn.QRPayload), emptyToNull(conn.LastError), conn.UpdatedAt, conn.ID)
	return err
}

func (r *ConnectionRepository) GetByTenant(ctx context.Context, tenantID string) (*models.Connection, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE tenant_id = ?`, tenantID)
	return r.scanOne(row)
}

// GetByInstance resolves an inbound callback. All three values must match.
func (r *ConnectionRepository) GetByInstance(ctx context.Context, remoteInstanceID, provider, secret string) (*models.Connection, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE remote_instance_id = ? AND provider = ? AND webhook_secret = ?
	`, remoteInstanceID, provider, secret)
	return r.scanOne(row)
}

func (r *ConnectionRepository) GetBySecret(ctx context.Context, provider, secret string) (*models.Connection, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE provider = ? AND webhook_secret = ?`, provider, secret)
	return r.scanOne(row)
}

// ListByStatus returns connections in any of statuses last updated before the
// given unix time.
func (r *ConnectionRepository) ListByStatus(ctx context.Context, statuses []models.ConnectionStatus, updatedBefore int64) ([]*models.Connection, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, 0, len(statuses)+1)
	for i, s := range statuses {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	args = append(args, updatedBefore)

	query := fmt.Sprintf(`SELECT %s FROM connections WHERE status IN (%s) AND updated_at < ? ORDER BY updated_at`,
		connectionColumns, strings.Join(placeholders, ", "))
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []*models.Connection
	for rows.Next() {
		conn, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func (r *ConnectionRepository) scanOne(row *sql.Row) (*models.Connection, error) {
	conn, err := r.scan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return conn, nil
}

func (r *ConnectionRepository) scan(s interface{ Scan(...interface{}) error }) (*models.Connection, error) {
	var c models.Connection
	var status, sealed string
	var phone, qr, lastError sql.NullString

	if err := s.Scan(&c.ID, &c.TenantID, &c.Provider, &c.RemoteInstanceID, &status, &c.WebhookSecret, &sealed,
		&phone, &qr, &lastError, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}

	c.Status = models.ConnectionStatus(status)
	if phone.Valid {
		c.PhoneNumber = &phone.String
	}
	if qr.Valid {
		c.QRPayload = &qr.String
	}
	if lastError.Valid {
		c.LastError = lastError.String
	}

	creds, err := r.vault.Open(sealed)
	if err != nil {
		return nil, err
	}
	c.Credentials = creds

	return &c, nil
}
