// Package inbound turns provider webhooks into stored messages, delivery
// receipts and connection state.
package inbound

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"msggateway/internal/engine/metrics"
	"msggateway/internal/engine/notify"
	"msggateway/internal/engine/providers"
	"msggateway/internal/platform/models"
	"msggateway/internal/platform/repositories"
)

var (
	ErrInvalidSignature = errors.New("webhook signature mismatch")
	ErrUnknownInstance  = errors.New("no connection matches webhook")
)

type Outcome string

const (
	OutcomeProcessed    Outcome = "processed"
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeMalformed    Outcome = "malformed"
)

type Result struct {
	Outcome      Outcome
	TenantID     string
	Processed    int
	Deduplicated int
	Ignored      int
}

func (r *Result) record(o Outcome) {
	switch o {
	case OutcomeProcessed:
		r.Processed++
	case OutcomeDeduplicated:
		r.Deduplicated++
	default:
		r.Ignored++
	}
}

func (r *Result) settle() {
	switch {
	case r.Processed > 0:
		r.Outcome = OutcomeProcessed
	case r.Deduplicated > 0:
		r.Outcome = OutcomeDeduplicated
	default:
		r.Outcome = OutcomeIgnored
	}
}

type ConnectionUpdater interface {
	ApplyRemoteState(ctx context.Context, conn *models.Connection, update *providers.ConnectionUpdate) error
}

type Trigger interface {
	Fire(ctx context.Context, tenantID string, trigger models.TriggerType, payload map[string]interface{}) ([]*models.AutomationExecution, error)
}

type TaskRunner interface {
	Go(ctx context.Context, name string, fn func(ctx context.Context) error)
}

type Counters interface {
	Incr(tenantID, name string)
}

type Publisher interface {
	Publish(tenantID string, ev notify.Event)
}

type Deps struct {
	Registry      *providers.Registry
	Connections   *repositories.ConnectionRepository
	State         ConnectionUpdater
	Contacts      *repositories.ContactRepository
	Conversations *repositories.ConversationRepository
	Messages      *repositories.MessageRepository
	// Pending may be nil, in which case early receipts are dropped.
	Pending    *PendingStatuses
	Automation Trigger
	Tasks      TaskRunner
	Counters   Counters
	Events     Publisher
}

type Pipeline struct {
	Deps
}

func NewPipeline(d Deps) *Pipeline {
	return &Pipeline{Deps: d}
}

// Handle processes one webhook delivery. Only an unsupported provider or a
// bad signature is reported as an error the caller should reject; every
// other problem is reflected in the outcome or returned for logging.
func (p *Pipeline) Handle(ctx context.Context, providerName, secret string, raw []byte, headers http.Header) (*Result, error) {
	adapter, err := p.Registry.Resolve(providerName)
	if err != nil {
		return nil, err
	}
	logger := log.Ctx(ctx).With().Str("provider", adapter.Name()).Logger()

	instance, err := adapter.InstanceID(raw)
	if err != nil {
		logger.Warn().Err(err).Msg("webhook without instance identifier")
		return &Result{Outcome: OutcomeMalformed}, nil
	}

	conn, err := p.Connections.GetByInstance(ctx, instance, adapter.Name(), secret)
	if err != nil {
		return nil, fmt.Errorf("lookup connection: %w", err)
	}
	if conn == nil {
		logger.Warn().Str("instance", instance).Msg("webhook for unknown instance or secret, ignoring")
		return &Result{Outcome: OutcomeIgnored}, nil
	}
	logger = logger.With().Str("tenant_id", conn.TenantID).Logger()

	if !adapter.VerifySignature(raw, headers, conn.Credentials) {
		logger.Warn().Msg("webhook signature rejected")
		return nil, ErrInvalidSignature
	}

	events, err := adapter.NormalizeWebhook(raw)
	if err != nil {
		logger.Warn().Err(err).Msg("malformed webhook payload")
		p.incr(conn.TenantID, metrics.WebhooksMalformed)
		return &Result{Outcome: OutcomeMalformed, TenantID: conn.TenantID}, nil
	}

	result := &Result{TenantID: conn.TenantID}
	var errs []error
	for _, ev := range events {
		outcome, err := p.dispatch(ctx, &logger, conn, ev)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s event: %w", ev.Type, err))
		}
		result.record(outcome)
	}
	result.settle()
	if result.Outcome == OutcomeIgnored {
		p.incr(conn.TenantID, metrics.WebhooksIgnored)
	}
	return result, errors.Join(errs...)
}

func (p *Pipeline) dispatch(ctx context.Context, logger *zerolog.Logger, conn *models.Connection, ev providers.NormalizedEvent) (Outcome, error) {
	if ev.InstanceID != "" && ev.InstanceID != conn.RemoteInstanceID {
		logger.Debug().Str("instance", ev.InstanceID).Msg("event for another instance in batch, skipping")
		return OutcomeIgnored, nil
	}

	switch ev.Type {
	case providers.EventConnection:
		if ev.Connection == nil {
			return OutcomeIgnored, nil
		}
		if err := p.State.ApplyRemoteState(ctx, conn, ev.Connection); err != nil {
			return OutcomeIgnored, err
		}
		logger.Info().Str("status", string(conn.Status)).Msg("connection state updated by provider")
		return OutcomeProcessed, nil

	case providers.EventMessageStatus:
		if ev.Status == nil {
			return OutcomeIgnored, nil
		}
		return p.applyStatus(ctx, logger, conn, ev.Status)

	case providers.EventMessage:
		if ev.Message == nil {
			return OutcomeIgnored, nil
		}
		return p.ingest(ctx, logger, conn, ev.Message)
	}

	logger.Debug().Str("event", ev.Raw).Msg("provider event ignored")
	return OutcomeIgnored, nil
}

func (p *Pipeline) applyStatus(ctx context.Context, logger *zerolog.Logger, conn *models.Connection, st *providers.StatusUpdate) (Outcome, error) {
	applied, found, err := p.Messages.ApplyStatus(ctx, conn.Provider, st.ExternalID, st.Status)
	if err != nil {
		return OutcomeIgnored, err
	}

	if !found {
		if p.Pending == nil {
			logger.Info().Str("external_id", st.ExternalID).Str("status", string(st.Status)).Msg("status for unknown message, dropping")
			return OutcomeIgnored, nil
		}
		p.Pending.Park(conn.Provider, st.ExternalID, st.Status)
		logger.Debug().Str("external_id", st.ExternalID).Str("status", string(st.Status)).Msg("status parked until message is stored")
		return OutcomeProcessed, nil
	}
	if !applied {
		return OutcomeIgnored, nil
	}

	p.incr(conn.TenantID, metrics.StatusUpdates)
	p.publish(conn.TenantID, notify.EventMessageStatus, map[string]interface{}{
		"external_id": st.ExternalID,
		"status":      st.Status,
	})
	return OutcomeProcessed, nil
}

// ReplayPending applies a receipt parked for externalID, once the message it
// belongs to has been stored.
func (p *Pipeline) ReplayPending(ctx context.Context, tenantID, provider, externalID string) {
	if p.Pending == nil {
		return
	}
	status, ok := p.Pending.Take(provider, externalID)
	if !ok {
		return
	}

	applied, _, err := p.Messages.ApplyStatus(ctx, provider, externalID, status)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("external_id", externalID).Msg("failed to apply parked status")
		return
	}
	if applied {
		p.incr(tenantID, metrics.StatusUpdates)
		p.publish(tenantID, notify.EventMessageStatus, map[string]interface{}{
			"external_id": externalID,
			"status":      status,
		})
	}
}

func (p *Pipeline) ingest(ctx context.Context, logger *zerolog.Logger, conn *models.Connection, in *providers.InboundMessage) (Outcome, error) {
	if in.FromMe {
		return OutcomeIgnored, nil
	}
	if in.ExternalID == "" || in.Phone == "" {
		logger.Warn().Msg("inbound message without id or sender")
		return OutcomeIgnored, nil
	}

	existing, err := p.Messages.GetByExternalID(ctx, conn.Provider, in.ExternalID)
	if err != nil {
		return OutcomeIgnored, err
	}
	if existing != nil {
		p.incr(conn.TenantID, metrics.MessagesDeduplicated)
		return OutcomeDeduplicated, nil
	}

	contact, created, err := p.Contacts.ResolveOrCreate(ctx, conn.TenantID, in.Phone, in.PushName)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("resolve contact: %w", err)
	}
	conv, err := p.Conversations.ResolveOpen(ctx, conn.TenantID, contact.ID, models.ChannelWhatsApp, conn.ID)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("resolve conversation: %w", err)
	}

	externalID := in.ExternalID
	msg := &models.Message{
		ConversationID: conv.ID,
		TenantID:       conn.TenantID,
		Sender:         models.SenderCustomer,
		Content:        in.Text,
		ExternalID:     &externalID,
		Provider:       conn.Provider,
		Status:         models.MessageReceived,
		MediaURL:       in.MediaURL,
		MediaType:      in.MediaType,
	}
	if err := p.Messages.Insert(ctx, msg); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			p.incr(conn.TenantID, metrics.MessagesDeduplicated)
			return OutcomeDeduplicated, nil
		}
		return OutcomeIgnored, fmt.Errorf("insert message: %w", err)
	}

	at := in.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	if err := p.Conversations.Touch(ctx, conv.ID, at.Unix()); err != nil {
		logger.Warn().Err(err).Msg("failed to touch conversation")
	}

	p.incr(conn.TenantID, metrics.MessagesReceived)
	p.publish(conn.TenantID, notify.EventMessageReceived, map[string]interface{}{
		"message_id":      msg.ID,
		"conversation_id": conv.ID,
		"contact_id":      contact.ID,
		"phone":           contact.Phone,
		"content":         msg.Content,
		"media_url":       msg.MediaURL,
	})

	payload := triggerPayload(conn, contact, conv, msg)
	if created {
		p.fire(ctx, conn.TenantID, models.TriggerNewLead, payload)
	}
	p.fire(ctx, conn.TenantID, models.TriggerNewMessage, payload)

	logger.Info().Str("message_id", msg.ID).Str("external_id", externalID).Msg("inbound message stored")
	return OutcomeProcessed, nil
}

func triggerPayload(conn *models.Connection, contact *models.Contact, conv *models.Conversation, msg *models.Message) map[string]interface{} {
	tags := make([]interface{}, len(contact.Tags))
	for i, t := range contact.Tags {
		tags[i] = t
	}
	return map[string]interface{}{
		"lead_id":         contact.ID,
		"contact_id":      contact.ID,
		"conversation_id": conv.ID,
		"message_id":      msg.ID,
		"phone":           contact.Phone,
		"name":            contact.Name,
		"stage":           contact.Stage,
		"status":          leadStatus(contact),
		"tags":            tags,
		"message":         msg.Content,
		"media_url":       msg.MediaURL,
		"media_type":      msg.MediaType,
		"provider":        conn.Provider,
		"contact": map[string]interface{}{
			"id":    contact.ID,
			"name":  contact.Name,
			"phone": contact.Phone,
			"stage": contact.Stage,
		},
	}
}

// leadStatus is the contact's stage, or "new" before one has been assigned.
func leadStatus(c *models.Contact) string {
	if c.Stage == "" {
		return "new"
	}
	return c.Stage
}

func (p *Pipeline) fire(ctx context.Context, tenantID string, trigger models.TriggerType, payload map[string]interface{}) {
	if p.Automation == nil || p.Tasks == nil {
		return
	}
	p.Tasks.Go(ctx, "automation:"+string(trigger), func(ctx context.Context) error {
		_, err := p.Automation.Fire(ctx, tenantID, trigger, payload)
		return err
	})
}

// Verify answers the subscription handshake: the challenge is echoed only
// when the verify token equals the connection's webhook secret.
func (p *Pipeline) Verify(ctx context.Context, providerName, secret, mode, token, challenge string) (string, error) {
	adapter, err := p.Registry.Resolve(providerName)
	if err != nil {
		return "", err
	}
	conn, err := p.Connections.GetBySecret(ctx, adapter.Name(), secret)
	if err != nil {
		return "", err
	}
	if conn == nil {
		return "", ErrUnknownInstance
	}
	if mode != "subscribe" || subtle.ConstantTimeCompare([]byte(token), []byte(conn.WebhookSecret)) != 1 {
		return "", ErrInvalidSignature
	}
	return challenge, nil
}

func (p *Pipeline) incr(tenantID, name string) {
	if p.Counters != nil {
		p.Counters.Incr(tenantID, name)
	}
}

func (p *Pipeline) publish(tenantID, kind string, data interface{}) {
	if p.Events != nil {
		p.Events.Publish(tenantID, notify.Event{Type: kind, Data: data})
	}
}
