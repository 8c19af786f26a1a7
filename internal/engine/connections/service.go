// Package connections owns each tenant's provider link and its state machine.
package connections

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"msggateway/internal/engine/notify"
	"msggateway/internal/engine/providers"
	"msggateway/internal/pkg/sanitize"
	"msggateway/internal/platform/models"
	"msggateway/internal/platform/repositories"
)

var (
	ErrNotConnected = errors.New("tenant has no active connection")
	ErrNotFound     = errors.New("connection not found")
	ErrNoQRCode     = errors.New("no scan code available")
)

type Publisher interface {
	Publish(tenantID string, ev notify.Event)
}

type Service struct {
	repo          *repositories.ConnectionRepository
	registry      *providers.Registry
	publicBaseURL string
	events        Publisher
}

func NewService(repo *repositories.ConnectionRepository, registry *providers.Registry, publicBaseURL string, events Publisher) *Service {
	return &Service{
		repo:          repo,
		registry:      registry,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		events:        events,
	}
}

// Transition is the only way a connection changes state. The scan code is
// kept only while the status can hold one; a transition into connecting or
// qr without a new code keeps the current one.
func Transition(conn *models.Connection, status models.ConnectionStatus, qr string) {
	conn.Status = status
	switch {
	case !status.HoldsQR():
		conn.QRPayload = nil
	case qr != "":
		conn.QRPayload = &qr
	}
	if status != models.ConnectionError {
		conn.LastError = ""
	}
}

func setPhone(conn *models.Connection, phone string) {
	if phone != "" {
		conn.PhoneNumber = &phone
	}
}

func newWebhookSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// WebhookURL is the callback address registered with the provider.
func (s *Service) WebhookURL(conn *models.Connection) string {
	return fmt.Sprintf("%s/webhook/%s/%s", s.publicBaseURL, conn.Provider, conn.WebhookSecret)
}

func (s *Service) Get(ctx context.Context, tenantID string) (*models.Connection, error) {
	conn, err := s.repo.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrNotFound
	}
	return conn, nil
}

// Connect links the tenant's account with provider. The tenant's existing
// row is reused so its webhook secret never changes.
func (s *Service) Connect(ctx context.Context, tenantID, provider string, creds models.Credentials) (*models.Connection, error) {
	adapter, err := s.registry.Resolve(provider)
	if err != nil {
		return nil, err
	}

	conn, err := s.loadOrCreate(ctx, tenantID, adapter.Name(), creds)
	if err != nil {
		return nil, err
	}

	if conn.Provider != adapter.Name() {
		conn.RemoteInstanceID = ""
		conn.PhoneNumber = nil
	}
	conn.Provider = adapter.Name()
	conn.Credentials = creds
	conn.QRPayload = nil

	logger := log.Ctx(ctx).With().Str("tenant_id", tenantID).Str("provider", conn.Provider).Logger()

	inst, err := adapter.CreateInstance(ctx, providers.InstanceRequest{
		TenantHint:  tenantID,
		Credentials: creds,
		WebhookURL:  s.WebhookURL(conn),
	})
	if err != nil {
		return nil, s.fail(ctx, &logger, conn, err)
	}

	conn.RemoteInstanceID = inst.InstanceID
	setPhone(conn, inst.PhoneNumber)
	Transition(conn, models.ConnectionConnecting, inst.QRPayload)
	if inst.Status == models.ConnectionConnected {
		Transition(conn, models.ConnectionConnected, "")
		if err := s.save(ctx, conn); err != nil {
			return nil, err
		}
		return conn, nil
	}

	// persisted before polling so early webhooks can resolve the instance
	if err := s.save(ctx, conn); err != nil {
		return nil, err
	}

	res, err := adapter.RequestConnection(ctx, providers.Target{InstanceID: conn.RemoteInstanceID, Credentials: creds})
	if err != nil {
		return nil, s.fail(ctx, &logger, conn, err)
	}
	Transition(conn, res.Status, res.QRPayload)
	if err := s.save(ctx, conn); err != nil {
		return nil, err
	}

	logger.Info().Str("status", string(conn.Status)).Msg("connection requested")
	return conn, nil
}

func (s *Service) loadOrCreate(ctx context.Context, tenantID, provider string, creds models.Credentials) (*models.Connection, error) {
	conn, err := s.repo.GetByTenant(ctx, tenantID)
	if err != nil || conn != nil {
		return conn, err
	}

	secret, err := newWebhookSecret()
	if err != nil {
		return nil, err
	}
	conn = &models.Connection{
		TenantID:      tenantID,
		Provider:      provider,
		Status:        models.ConnectionDisconnected,
		WebhookSecret: secret,
		Credentials:   creds,
	}
	err = s.repo.Create(ctx, conn)
	if errors.Is(err, repositories.ErrDuplicate) {
		// lost a race with a concurrent connect for the same tenant
		return s.Get(ctx, tenantID)
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Service) fail(ctx context.Context, logger *zerolog.Logger, conn *models.Connection, cause error) error {
	Transition(conn, models.ConnectionError, "")
	conn.LastError = sanitize.Error(cause)
	if err := s.save(ctx, conn); err != nil {
		logger.Error().Err(err).Msg("failed to persist connection error")
	}
	logger.Warn().Err(cause).Msg("provider rejected connection")
	return fmt.Errorf("connect %s: %w", conn.Provider, cause)
}

// save persists conn even when the caller has hung up mid-connect, so the row
// does not stay connecting until the reconciler finds it.
func (s *Service) save(ctx context.Context, conn *models.Connection) error {
	if err := s.repo.Update(context.WithoutCancel(ctx), conn); err != nil {
		return err
	}
	s.publish(conn)
	return nil
}

func (s *Service) publish(conn *models.Connection) {
	if s.events == nil {
		return
	}
	data := map[string]interface{}{"status": conn.Status}
	if conn.PhoneNumber != nil {
		data["phone_number"] = *conn.PhoneNumber
	}
	if conn.QRPayload != nil {
		data["qr_payload"] = *conn.QRPayload
	}
	s.events.Publish(conn.TenantID, notify.Event{Type: notify.EventConnectionStatus, Data: data})
}

// Status checks the live remote state and persists it when it differs. When
// the provider cannot be reached the stored state is returned.
func (s *Service) Status(ctx context.Context, tenantID string) (*models.Connection, error) {
	conn, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := s.refresh(ctx, conn); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("tenant_id", tenantID).Msg("live status check failed, returning stored state")
	}
	return conn, nil
}

func (s *Service) refresh(ctx context.Context, conn *models.Connection) error {
	if conn.RemoteInstanceID == "" || conn.Status == models.ConnectionDisconnected {
		return nil
	}
	adapter, err := s.registry.Resolve(conn.Provider)
	if err != nil {
		return err
	}

	st, err := adapter.GetStatus(ctx, providers.Target{InstanceID: conn.RemoteInstanceID, Credentials: conn.Credentials})
	if err != nil {
		return err
	}

	status := st.Status
	if conn.Status == models.ConnectionQR && status == models.ConnectionConnecting {
		// the code is still waiting to be scanned
		status = models.ConnectionQR
	}
	if status == models.ConnectionDisconnected && conn.Status.HoldsQR() {
		// QR providers report an unlinked instance as closed until it is scanned
		status = conn.Status
	}
	samePhone := st.PhoneNumber == "" || (conn.PhoneNumber != nil && *conn.PhoneNumber == st.PhoneNumber)
	if status == conn.Status && samePhone {
		return nil
	}

	Transition(conn, status, "")
	setPhone(conn, st.PhoneNumber)
	return s.save(ctx, conn)
}

// Disconnect logs the account out remotely, best effort, and marks the
// connection disconnected. The row is kept.
func (s *Service) Disconnect(ctx context.Context, tenantID string) (*models.Connection, error) {
	conn, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if adapter, err := s.registry.Resolve(conn.Provider); err == nil && conn.RemoteInstanceID != "" {
		target := providers.Target{InstanceID: conn.RemoteInstanceID, Credentials: conn.Credentials}
		if err := adapter.Disconnect(ctx, target); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("tenant_id", tenantID).Msg("remote disconnect failed")
		}
	}

	Transition(conn, models.ConnectionDisconnected, "")
	if err := s.save(ctx, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// ApplyRemoteState records a state change reported by the provider. Updates
// are applied in arrival order.
func (s *Service) ApplyRemoteState(ctx context.Context, conn *models.Connection, update *providers.ConnectionUpdate) error {
	if update == nil || !update.Status.Valid() {
		return nil
	}
	Transition(conn, update.Status, update.QRPayload)
	setPhone(conn, update.PhoneNumber)
	return s.save(ctx, conn)
}

// ActiveConnection returns the tenant's connection when it can send.
func (s *Service) ActiveConnection(ctx context.Context, tenantID string) (*models.Connection, error) {
	conn, err := s.repo.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.Status != models.ConnectionConnected {
		return nil, ErrNotConnected
	}
	return conn, nil
}

func (s *Service) QRCodePNG(ctx context.Context, tenantID string, size int) ([]byte, error) {
	conn, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if conn.QRPayload == nil {
		return nil, ErrNoQRCode
	}
	return renderQR(*conn.QRPayload, size)
}

// ReconcilePending re-checks connections stuck in a pending or error state
// for longer than olderThan. It returns how many were checked.
func (s *Service) ReconcilePending(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	pending := []models.ConnectionStatus{models.ConnectionConnecting, models.ConnectionQR, models.ConnectionError}

	conns, err := s.repo.ListByStatus(ctx, pending, cutoff)
	if err != nil {
		return 0, err
	}

	for _, conn := range conns {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := s.refresh(ctx, conn); err != nil {
			log.Warn().Err(err).Str("tenant_id", conn.TenantID).Str("provider", conn.Provider).Msg("reconcile failed")
		}
	}
	return len(conns), nil
}
