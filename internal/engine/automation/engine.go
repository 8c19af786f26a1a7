// Package automation runs tenant-defined flows against gateway events.
package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"msggateway/internal/engine/metrics"
	"msggateway/internal/engine/notify"
	"msggateway/internal/engine/outbound"
	"msggateway/internal/pkg/dotpath"
	"msggateway/internal/pkg/phone"
	"msggateway/internal/pkg/sanitize"
	"msggateway/internal/platform/models"
)

var (
	ErrUnknownAction = errors.New("unknown action type")
	ErrMissingLead   = errors.New("trigger context has no lead")
	ErrMissingConfig = errors.New("action config incomplete")
)

type FlowStore interface {
	ListActive(ctx context.Context, tenantID string, trigger models.TriggerType) ([]*models.AutomationFlow, error)
}

type ExecutionStore interface {
	Create(ctx context.Context, exec *models.AutomationExecution) error
	Finish(ctx context.Context, exec *models.AutomationExecution) error
}

type LeadStore interface {
	GetByID(ctx context.Context, tenantID, id string) (*models.Contact, error)
	GetByPhone(ctx context.Context, tenantID, phone string) (*models.Contact, error)
	AddTag(ctx context.Context, tenantID, contactID, tag string) error
	SetStage(ctx context.Context, tenantID, contactID, stage string) error
}

type MessageSender interface {
	Send(ctx context.Context, req outbound.Request) (*outbound.Result, error)
}

type Counters interface {
	Incr(tenantID, name string)
}

type Publisher interface {
	Publish(tenantID string, ev notify.Event)
}

type Deps struct {
	Flows      FlowStore
	Executions ExecutionStore
	Contacts   LeadStore
	Sender     MessageSender
	Counters   Counters
	Events     Publisher
}

type Engine struct {
	Deps
}

func NewEngine(d Deps) *Engine {
	return &Engine{Deps: d}
}

// Fire evaluates every active flow of the tenant registered for trigger.
// Flows whose trigger config or conditions do not match leave no trace. The
// returned executions are already finished.
func (e *Engine) Fire(ctx context.Context, tenantID string, trigger models.TriggerType, payload map[string]interface{}) ([]*models.AutomationExecution, error) {
	flows, err := e.Flows.ListActive(ctx, tenantID, trigger)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}

	var (
		execs []*models.AutomationExecution
		errs  []error
	)
	for _, flow := range flows {
		if !matchesTriggerConfig(flow.TriggerConfig, payload) || !Matches(flow.Conditions, payload) {
			continue
		}
		exec, err := e.run(ctx, flow, payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("flow %s: %w", flow.ID, err))
		}
		if exec != nil {
			execs = append(execs, exec)
		}
	}
	return execs, errors.Join(errs...)
}

// run records the execution and applies the flow's actions in order. Action
// failures end up on the execution row; only storage errors are returned.
func (e *Engine) run(ctx context.Context, flow *models.AutomationFlow, payload map[string]interface{}) (*models.AutomationExecution, error) {
	logger := log.Ctx(ctx).With().Str("tenant_id", flow.TenantID).Str("flow_id", flow.ID).Logger()

	exec := &models.AutomationExecution{
		FlowID:   flow.ID,
		TenantID: flow.TenantID,
		Status:   models.ExecutionProcessing,
		Context:  payload,
	}
	if err := e.Executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	exec.Status = models.ExecutionCompleted
	for i, action := range flow.Actions {
		if err := e.apply(ctx, exec, i, action, payload); err != nil {
			logger.Warn().Err(err).Int("action", i).Str("type", action.Type).Msg("automation action failed")
			exec.Status = models.ExecutionFailed
			exec.ErrorDetails = sanitize.Truncate(fmt.Sprintf("action %d (%s): %s", i, action.Type, sanitize.Error(err)), sanitize.MaxLength)
			break
		}
	}

	if err := e.Executions.Finish(ctx, exec); err != nil {
		return exec, fmt.Errorf("finish execution: %w", err)
	}

	if exec.Status == models.ExecutionCompleted {
		e.incr(flow.TenantID, metrics.AutomationCompleted)
	} else {
		e.incr(flow.TenantID, metrics.AutomationFailed)
	}
	if e.Events != nil {
		e.Events.Publish(flow.TenantID, notify.Event{Type: notify.EventAutomationRun, Data: exec})
	}
	logger.Info().Str("execution_id", exec.ID).Str("status", string(exec.Status)).Msg("automation executed")
	return exec, nil
}

func (e *Engine) apply(ctx context.Context, exec *models.AutomationExecution, index int, action models.Action, payload map[string]interface{}) error {
	cfg := action.Config
	switch action.Type {
	case models.ActionSendWhatsApp:
		text := Render(cfg["template"], payload)
		mediaURL := Render(cfg["media_url"], payload)
		if strings.TrimSpace(text) == "" && mediaURL == "" {
			return fmt.Errorf("%w: template", ErrMissingConfig)
		}
		to := "{{phone}}"
		if cfg["to"] != "" {
			to = cfg["to"]
		}
		_, err := e.Sender.Send(ctx, outbound.Request{
			TenantID:        exec.TenantID,
			Phone:           Render(to, payload),
			Text:            text,
			MediaURL:        mediaURL,
			MediaType:       cfg["media_type"],
			ClientMessageID: fmt.Sprintf("%s:%d", exec.ID, index),
		})
		return err

	case models.ActionAddTag:
		tag := strings.TrimSpace(Render(cfg["tag"], payload))
		if tag == "" {
			return fmt.Errorf("%w: tag", ErrMissingConfig)
		}
		lead, err := e.lead(ctx, exec.TenantID, payload)
		if err != nil {
			return err
		}
		return e.Contacts.AddTag(ctx, exec.TenantID, lead.ID, tag)

	case models.ActionChangeStage:
		stage := strings.TrimSpace(Render(cfg["stage"], payload))
		if stage == "" {
			return fmt.Errorf("%w: stage", ErrMissingConfig)
		}
		lead, err := e.lead(ctx, exec.TenantID, payload)
		if err != nil {
			return err
		}
		// stage_change triggers are raised by the CRM, not here, so a flow
		// cannot re-trigger itself.
		return e.Contacts.SetStage(ctx, exec.TenantID, lead.ID, stage)
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, action.Type)
}

// lead finds the contact the trigger refers to, by id first and phone second.
func (e *Engine) lead(ctx context.Context, tenantID string, payload map[string]interface{}) (*models.Contact, error) {
	for _, path := range []string{"lead_id", "contact_id", "contact.id"} {
		v, ok := dotpath.Lookup(payload, path)
		if !ok {
			continue
		}
		id := stringify(v)
		if id == "" {
			continue
		}
		c, err := e.Contacts.GetByID(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
	}

	if v, ok := dotpath.Lookup(payload, "phone"); ok {
		if p := phone.Normalize(stringify(v)); p != "" {
			c, err := e.Contacts.GetByPhone(ctx, tenantID, p)
			if err != nil {
				return nil, err
			}
			if c != nil {
				return c, nil
			}
		}
	}
	return nil, ErrMissingLead
}

func (e *Engine) incr(tenantID, name string) {
	if e.Counters != nil {
		e.Counters.Incr(tenantID, name)
	}
}
