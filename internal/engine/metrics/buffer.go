// Package metrics buffers per-tenant counters in memory and flushes them to
// storage on a timer. A crash loses at most one flush interval of counts.
package metrics

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	MessagesReceived     = "messages_received"
	MessagesDeduplicated = "messages_deduplicated"
	MessagesSent         = "messages_sent"
	MessagesFailed       = "messages_failed"
	StatusUpdates        = "status_updates"
	WebhooksIgnored      = "webhooks_ignored"
	WebhooksMalformed    = "webhooks_malformed"
	AutomationCompleted  = "automation_completed"
	AutomationFailed     = "automation_failed"
	CampaignMessages     = "campaign_messages"
)

// Sink persists flushed deltas. CounterRepository implements it.
type Sink interface {
	Add(ctx context.Context, tenantID, name, day string, delta int64) error
}

type key struct {
	tenantID string
	name     string
	day      string
}

type Sample struct {
	TenantID string
	Name     string
	Value    int64
}

type Buffer struct {
	sink Sink
	now  func() time.Time

	mu      sync.Mutex
	pending map[key]int64
	totals  map[key]int64
}

func NewBuffer(sink Sink) *Buffer {
	return &Buffer{
		sink:    sink,
		now:     time.Now,
		pending: make(map[key]int64),
		totals:  make(map[key]int64),
	}
}

func (b *Buffer) Incr(tenantID, name string) {
	b.Add(tenantID, name, 1)
}

func (b *Buffer) Add(tenantID, name string, delta int64) {
	if tenantID == "" || delta == 0 {
		return
	}
	k := key{tenantID: tenantID, name: name, day: b.now().UTC().Format("2006-01-02")}

	b.mu.Lock()
	b.pending[k] += delta
	b.totals[key{tenantID: tenantID, name: name}] += delta
	b.mu.Unlock()
}

// Flush writes pending deltas. Deltas that fail to persist are kept for the
// next flush.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[key]int64)
	b.mu.Unlock()

	var firstErr error
	for k, delta := range batch {
		if err := b.sink.Add(ctx, k.tenantID, k.name, k.day, delta); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			b.mu.Lock()
			b.pending[k] += delta
			b.mu.Unlock()
		}
	}
	return firstErr
}

// Run flushes every interval until ctx is done, then flushes once more.
func (b *Buffer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := b.Flush(flushCtx); err != nil {
				log.Error().Err(err).Msg("final metrics flush failed")
			}
			return nil
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				log.Warn().Err(err).Msg("metrics flush failed, will retry")
			}
		}
	}
}

// Snapshot returns the totals counted by this process, sorted by tenant and
// name.
func (b *Buffer) Snapshot() []Sample {
	b.mu.Lock()
	samples := make([]Sample, 0, len(b.totals))
	for k, v := range b.totals {
		samples = append(samples, Sample{TenantID: k.tenantID, Name: k.name, Value: v})
	}
	b.mu.Unlock()

	sort.Slice(samples, func(i, j int) bool {
		if samples[i].Name != samples[j].Name {
			return samples[i].Name < samples[j].Name
		}
		return samples[i].TenantID < samples[j].TenantID
	})
	return samples
}

// WriteText renders the snapshot in the Prometheus text format.
func (b *Buffer) WriteText(w io.Writer) error {
	var last string
	for _, s := range b.Snapshot() {
		metric := "gateway_" + s.Name + "_total"
		if metric != last {
			if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", metric); err != nil {
				return err
			}
			last = metric
		}
		if _, err := fmt.Fprintf(w, "%s{tenant=%q} %d\n", metric, s.TenantID, s.Value); err != nil {
			return err
		}
	}
	return nil
}
