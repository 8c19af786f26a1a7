package inbound

import (
	"sync"
	"sync/atomic"
	"time"

	"msggateway/internal/platform/models"
)

const sweepEvery = 128

type pendingKey struct {
	provider   string
	externalID string
}

type pendingStatus struct {
	Status   models.MessageStatus
	ParkedAt time.Time
}

// PendingStatuses holds delivery receipts that arrived before the message
// they describe was stored. Entries expire after ttl.
type PendingStatuses struct {
	store sync.Map // map[pendingKey]*pendingStatus
	ttl   time.Duration
	parks atomic.Int64
	now   func() time.Time
}

func NewPendingStatuses(ttl time.Duration) *PendingStatuses {
	return &PendingStatuses{ttl: ttl, now: time.Now}
}

// Park remembers status for the external id. When a receipt is already
// parked the one that supersedes it wins.
func (p *PendingStatuses) Park(provider, externalID string, status models.MessageStatus) {
	k := pendingKey{provider: provider, externalID: externalID}
	entry := &pendingStatus{Status: status, ParkedAt: p.now()}

	if prev, loaded := p.store.LoadOrStore(k, entry); loaded {
		old := prev.(*pendingStatus)
		if p.expired(old) || status.Supersedes(old.Status) {
			p.store.Store(k, entry)
		}
	}

	if p.parks.Add(1)%sweepEvery == 0 {
		p.Sweep()
	}
}

// Take removes and returns the parked status for the external id.
func (p *PendingStatuses) Take(provider, externalID string) (models.MessageStatus, bool) {
	val, ok := p.store.LoadAndDelete(pendingKey{provider: provider, externalID: externalID})
	if !ok {
		return "", false
	}
	entry := val.(*pendingStatus)
	if p.expired(entry) {
		return "", false
	}
	return entry.Status, true
}

// Sweep drops expired entries.
func (p *PendingStatuses) Sweep() {
	p.store.Range(func(k, v interface{}) bool {
		if p.expired(v.(*pendingStatus)) {
			p.store.Delete(k)
		}
		return true
	})
}

func (p *PendingStatuses) Len() int {
	n := 0
	p.store.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (p *PendingStatuses) expired(e *pendingStatus) bool {
	return p.now().Sub(e.ParkedAt) > p.ttl
}
