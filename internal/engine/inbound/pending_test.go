package inbound

import (
	"testing"
	"time"

	"msggateway/internal/platform/models"
)

func TestPendingStatuses(t *testing.T) {
	now := time.Unix(1700000000, 0)
	p := NewPendingStatuses(time.Minute)
	p.now = func() time.Time { return now }

	p.Park("evolution", "A", models.MessageDelivered)
	p.Park("evolution", "A", models.MessageSent)
	p.Park("evolution", "B", models.MessageRead)

	got, ok := p.Take("evolution", "A")
	if !ok || got != models.MessageDelivered {
		t.Errorf("Take(A) = %v, %v; a lower receipt must not replace a higher one", got, ok)
	}
	if _, ok := p.Take("evolution", "A"); ok {
		t.Error("Take(A) twice succeeded")
	}
	if _, ok := p.Take("meta", "B"); ok {
		t.Error("receipts must be keyed by provider")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := p.Take("evolution", "B"); ok {
		t.Error("expired receipt returned")
	}

	p.Park("evolution", "C", models.MessageRead)
	now = now.Add(2 * time.Minute)
	p.Sweep()
	if p.Len() != 0 {
		t.Errorf("Len() = %d after sweep", p.Len())
	}
}
