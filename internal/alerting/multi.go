package alerting

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify delivers note to every notifier in turn.
func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Throttle suppresses repeated notifications of the same kind within cooldown.
type Throttle struct {
	next     Notifier
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[Kind]time.Time
}

// NewThrottle wraps next with a per-kind cooldown.
func NewThrottle(next Notifier, cooldown time.Duration) *Throttle {
	return &Throttle{next: next, cooldown: cooldown, now: time.Now, last: make(map[Kind]time.Time)}
}

// Notify forwards note unless one of the same kind was sent within cooldown.
// A failed delivery does not start the cooldown.
func (t *Throttle) Notify(ctx context.Context, note Notification) error {
	now := t.now()

	t.mu.Lock()
	if last, ok := t.last[note.Kind]; ok && now.Sub(last) < t.cooldown {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.next.Notify(ctx, note); err != nil {
		return err
	}

	t.mu.Lock()
	t.last[note.Kind] = now
	t.mu.Unlock()
	return nil
}

var (
	_ Notifier = Multi(nil)
	_ Notifier = (*Throttle)(nil)
)
