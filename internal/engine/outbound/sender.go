// Package outbound delivers agent and automation messages through the
// tenant's active connection.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"msggateway/internal/engine/metrics"
	"msggateway/internal/engine/notify"
	"msggateway/internal/engine/providers"
	"msggateway/internal/pkg/phone"
	"msggateway/internal/pkg/sanitize"
	"msggateway/internal/platform/config"
	"msggateway/internal/platform/models"
	"msggateway/internal/platform/repositories"
)

var (
	ErrSendFailed     = errors.New("message could not be delivered")
	ErrInvalidRequest = errors.New("invalid send request")
)

// SendError reports a message that exhausted its attempts. Reason is safe to
// show to callers.
type SendError struct {
	MessageID string
	Attempts  int
	Reason    string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed after %d attempts: %s", e.Attempts, e.Reason)
}

func (e *SendError) Unwrap() []error {
	return []error{ErrSendFailed, e.Err}
}

type Request struct {
	TenantID        string
	Phone           string
	Text            string
	MediaURL        string
	MediaType       string
	Caption         string
	ClientMessageID string
}

type Result struct {
	MessageID  string               `json:"message_id"`
	ExternalID string               `json:"external_id,omitempty"`
	Status     models.MessageStatus `json:"status"`
	Replayed   bool                 `json:"replayed,omitempty"`
}

type ConnectionSource interface {
	ActiveConnection(ctx context.Context, tenantID string) (*models.Connection, error)
}

// PendingReplayer applies delivery receipts that arrived before the send
// returned.
type PendingReplayer interface {
	ReplayPending(ctx context.Context, tenantID, provider, externalID string)
}

type Counters interface {
	Incr(tenantID, name string)
}

type Publisher interface {
	Publish(tenantID string, ev notify.Event)
}

type Deps struct {
	Registry      *providers.Registry
	Connections   ConnectionSource
	Contacts      *repositories.ContactRepository
	Conversations *repositories.ConversationRepository
	Messages      *repositories.MessageRepository
	Pending       PendingReplayer
	Counters      Counters
	Events        Publisher
}

type Sender struct {
	Deps
	maxAttempts int
	backoffStep time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewSender(d Deps, cfg config.OutboundConfig) *Sender {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &Sender{
		Deps:        d,
		maxAttempts: attempts,
		backoffStep: cfg.BackoffStep,
		sleep:       sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Request) validate() error {
	r.Phone = phone.Normalize(r.Phone)
	r.ClientMessageID = strings.TrimSpace(r.ClientMessageID)
	if r.Phone == "" {
		return fmt.Errorf("%w: phone is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Text) == "" && r.MediaURL == "" {
		return fmt.Errorf("%w: message or media_url is required", ErrInvalidRequest)
	}
	return nil
}

// Send stores and delivers one message. With a ClientMessageID the call is
// idempotent within the conversation: a repeat returns the stored result
// without contacting the provider again.
func (s *Sender) Send(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	conn, err := s.Connections.ActiveConnection(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	adapter, err := s.Registry.Resolve(conn.Provider)
	if err != nil {
		return nil, err
	}

	contact, _, err := s.Contacts.ResolveOrCreate(ctx, req.TenantID, req.Phone, "")
	if err != nil {
		return nil, fmt.Errorf("resolve contact: %w", err)
	}
	conv, err := s.Conversations.ResolveOpen(ctx, req.TenantID, contact.ID, models.ChannelWhatsApp, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}

	if req.ClientMessageID != "" {
		existing, err := s.Messages.GetByClientID(ctx, conv.ID, req.ClientMessageID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return replayed(existing), nil
		}
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		TenantID:       req.TenantID,
		Sender:         models.SenderAgent,
		Content:        req.Text,
		Provider:       conn.Provider,
		Status:         models.MessageQueued,
		MediaURL:       req.MediaURL,
	}
	if req.MediaURL != "" {
		msg.MediaType = mediaType(req.MediaType, req.MediaURL)
		if msg.Content == "" {
			msg.Content = req.Caption
		}
	}
	if req.ClientMessageID != "" {
		id := req.ClientMessageID
		msg.ClientMessageID = &id
	}

	if err := s.Messages.Insert(ctx, msg); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) && req.ClientMessageID != "" {
			existing, gerr := s.Messages.GetByClientID(ctx, conv.ID, req.ClientMessageID)
			if gerr == nil && existing != nil {
				return replayed(existing), nil
			}
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}

	return s.deliver(ctx, adapter, conn, msg, req)
}

// deliver runs to completion once the message row exists, even if the caller
// goes away: the row must end sent or failed, otherwise a retry with the same
// ClientMessageID would replay queued forever.
func (s *Sender) deliver(ctx context.Context, adapter providers.Adapter, conn *models.Connection, msg *models.Message, req Request) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	logger := log.Ctx(ctx).With().Str("tenant_id", req.TenantID).Str("message_id", msg.ID).Str("provider", conn.Provider).Logger()
	target := providers.Target{InstanceID: conn.RemoteInstanceID, Credentials: conn.Credentials}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if err := s.sleep(ctx, time.Duration(attempt)*s.backoffStep); err != nil {
			lastErr = err
			break
		}
		attempts++

		res, err := s.send(ctx, adapter, target, req, msg)
		if err == nil {
			if err := s.Messages.MarkSent(ctx, msg.ID, res.ExternalID, attempts); err != nil {
				return nil, fmt.Errorf("mark sent: %w", err)
			}
			if s.Pending != nil {
				s.Pending.ReplayPending(ctx, req.TenantID, conn.Provider, res.ExternalID)
			}
			s.incr(req.TenantID, metrics.MessagesSent)
			s.publish(req.TenantID, notify.EventMessageSent, map[string]interface{}{
				"message_id":  msg.ID,
				"external_id": res.ExternalID,
				"phone":       req.Phone,
			})
			logger.Info().Int("attempts", attempts).Str("external_id", res.ExternalID).Msg("message sent")
			return &Result{MessageID: msg.ID, ExternalID: res.ExternalID, Status: models.MessageSent}, nil
		}

		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempts).Msg("send attempt failed")
		if rerr := s.Messages.RecordAttempt(ctx, msg.ID, attempts, time.Now().Unix()); rerr != nil {
			logger.Error().Err(rerr).Msg("failed to record send attempt")
		}
		if errors.Is(err, providers.ErrInvalidCredentials) {
			break
		}
	}

	reason := sanitize.Error(lastErr)
	if err := s.Messages.MarkFailed(ctx, msg.ID, attempts, reason); err != nil {
		logger.Error().Err(err).Msg("failed to mark message failed")
	}
	s.incr(req.TenantID, metrics.MessagesFailed)
	s.publish(req.TenantID, notify.EventMessageFailed, map[string]interface{}{
		"message_id": msg.ID,
		"phone":      req.Phone,
		"error":      reason,
	})
	logger.Error().Err(lastErr).Int("attempts", attempts).Msg("message delivery failed")

	return nil, &SendError{MessageID: msg.ID, Attempts: attempts, Reason: reason, Err: lastErr}
}

func (s *Sender) send(ctx context.Context, adapter providers.Adapter, target providers.Target, req Request, msg *models.Message) (*providers.SendResult, error) {
	if req.MediaURL == "" {
		return adapter.SendText(ctx, target, req.Phone, req.Text)
	}
	caption := req.Caption
	if caption == "" {
		caption = req.Text
	}
	return adapter.SendMedia(ctx, target, providers.MediaMessage{
		Phone:   req.Phone,
		URL:     req.MediaURL,
		Caption: caption,
		Type:    msg.MediaType,
	})
}

func replayed(m *models.Message) *Result {
	res := &Result{MessageID: m.ID, Status: m.Status, Replayed: true}
	if m.ExternalID != nil {
		res.ExternalID = *m.ExternalID
	}
	return res
}

// mediaType keeps an explicit type and otherwise guesses from the file
// extension.
func mediaType(explicit, url string) string {
	switch explicit {
	case providers.MediaImage, providers.MediaVideo, providers.MediaAudio, providers.MediaDocument:
		return explicit
	}

	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	switch strings.ToLower(path.Ext(url)) {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif":
		return providers.MediaImage
	case ".mp4", ".3gp", ".mov":
		return providers.MediaVideo
	case ".mp3", ".ogg", ".opus", ".m4a", ".aac", ".amr":
		return providers.MediaAudio
	}
	return providers.MediaDocument
}

func (s *Sender) incr(tenantID, name string) {
	if s.Counters != nil {
		s.Counters.Incr(tenantID, name)
	}
}

func (s *Sender) publish(tenantID, kind string, data interface{}) {
	if s.Events != nil {
		s.Events.Publish(tenantID, notify.Event{Type: kind, Data: data})
	}
}
