// Package campaigns sends one message to many recipients at a fixed pace.
package campaigns

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"msggateway/internal/engine/metrics"
	"msggateway/internal/engine/outbound"
	"msggateway/internal/pkg/phone"
	"msggateway/internal/platform/config"
)

const maxRecipients = 1000

var (
	ErrNoRecipients    = errors.New("campaign has no valid recipients")
	ErrTooMany         = fmt.Errorf("campaign exceeds %d recipients", maxRecipients)
	ErrEmptyMessage    = errors.New("campaign has no text or media")
	ErrUnknownCampaign = errors.New("campaign not found")
)

type Campaign struct {
	TenantID   string
	Recipients []string
	Text       string
	MediaURL   string
	MediaType  string
}

// Progress is a snapshot of a running or finished campaign.
type Progress struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Total      int        `json:"total"`
	Sent       int        `json:"sent"`
	Failed     int        `json:"failed"`
	Done       bool       `json:"done"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type MessageSender interface {
	Send(ctx context.Context, req outbound.Request) (*outbound.Result, error)
}

type TaskRunner interface {
	Go(ctx context.Context, name string, fn func(ctx context.Context) error)
}

type Counters interface {
	Incr(tenantID, name string)
}

type Runner struct {
	sender    MessageSender
	tasks     TaskRunner
	counters  Counters
	interval  time.Duration
	retention time.Duration

	mu       sync.Mutex
	progress map[string]*Progress
}

func NewRunner(sender MessageSender, tasks TaskRunner, counters Counters, cfg config.CampaignsConfig) *Runner {
	return &Runner{
		sender:    sender,
		tasks:     tasks,
		counters:  counters,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		progress:  make(map[string]*Progress),
	}
}

// Start validates c and dispatches it in the background. Recipients are
// normalized and de-duplicated; messages go out one at a time, interval apart.
func (r *Runner) Start(ctx context.Context, c Campaign) (*Progress, error) {
	if c.Text == "" && c.MediaURL == "" {
		return nil, ErrEmptyMessage
	}
	recipients := normalizeRecipients(c.Recipients)
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if len(recipients) > maxRecipients {
		return nil, ErrTooMany
	}

	p := &Progress{
		ID:        "cmp_" + uuid.NewString(),
		TenantID:  c.TenantID,
		Total:     len(recipients),
		StartedAt: time.Now(),
	}
	r.mu.Lock()
	r.progress[p.ID] = p
	r.mu.Unlock()

	r.tasks.Go(ctx, "campaign:"+p.ID, func(ctx context.Context) error {
		return r.dispatch(ctx, p.ID, c, recipients)
	})
	snapshot := *p
	return &snapshot, nil
}

func (r *Runner) dispatch(ctx context.Context, id string, c Campaign, recipients []string) error {
	logger := log.Ctx(ctx).With().Str("tenant_id", c.TenantID).Str("campaign_id", id).Logger()
	limiter := rate.NewLimiter(rate.Every(r.interval), 1)
	if r.interval <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}

	var failed int
	for i, to := range recipients {
		if err := limiter.Wait(ctx); err != nil {
			r.finish(id)
			return fmt.Errorf("campaign %s interrupted after %d messages: %w", id, i, err)
		}

		_, err := r.sender.Send(ctx, outbound.Request{
			TenantID:        c.TenantID,
			Phone:           to,
			Text:            c.Text,
			MediaURL:        c.MediaURL,
			MediaType:       c.MediaType,
			ClientMessageID: fmt.Sprintf("%s:%d", id, i),
		})
		r.record(id, err == nil)
		if err != nil {
			failed++
			logger.Warn().Err(err).Str("phone", to).Msg("campaign message failed")
			continue
		}
		if r.counters != nil {
			r.counters.Incr(c.TenantID, metrics.CampaignMessages)
		}
	}

	r.finish(id)
	logger.Info().Int("total", len(recipients)).Int("failed", failed).Msg("campaign finished")
	return nil
}

func (r *Runner) record(id string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.progress[id]
	if ok {
		p.Sent++
	} else {
		p.Failed++
	}
}

func (r *Runner) finish(id string) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.progress[id]
	p.Done = true
	p.FinishedAt = &now
}

// Progress returns the campaign's counters, scoped to its tenant.
func (r *Runner) Progress(tenantID, id string) (*Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.progress[id]
	if !ok || p.TenantID != tenantID {
		return nil, ErrUnknownCampaign
	}
	snapshot := *p
	return &snapshot, nil
}

// Sweep forgets campaigns that finished more than the retention period ago.
// Running campaigns are never dropped.
func (r *Runner) Sweep() {
	r.sweep(time.Now())
}

func (r *Runner) sweep(now time.Time) {
	if r.retention <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.progress {
		if p.Done && now.Sub(*p.FinishedAt) > r.retention {
			delete(r.progress, id)
		}
	}
}

func normalizeRecipients(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		p := phone.Normalize(raw)
		if len(p) < 8 {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
