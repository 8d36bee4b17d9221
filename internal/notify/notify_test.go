package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"procman/internal/eventbus"
	"procman/pkg/logx"
)

type captureSink struct {
	mu   sync.Mutex
	seen []Notification
}

func (c *captureSink) Deliver(ctx context.Context, n Notification) error {
	c.mu.Lock()
	c.seen = append(c.seen, n)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) snapshot() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.seen...)
}

func TestServiceTranslatesFailureEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sink := &captureSink{}
	svc := NewService(logx.Nop(), bus, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	// Give the subscriber a moment to attach.
	time.Sleep(50 * time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.TypeRetryBudget, Job: "mongo"})
	bus.Publish(eventbus.Event{Type: eventbus.TypeJobStarted, Job: "mongo"}) // not operator-relevant
	bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Job: "backup", ExitCode: 2})

	deadline := time.After(2 * time.Second)
	for {
		got := sink.snapshot()
		if len(got) >= 2 {
			if got[0].Severity != SeverityUrgent || got[0].Job != "mongo" {
				t.Fatalf("first notification = %+v", got[0])
			}
			if got[1].Severity != SeverityWarning || got[1].Job != "backup" {
				t.Fatalf("second notification = %+v", got[1])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out, notifications = %+v", got)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestLogSinkRateLimit(t *testing.T) {
	t.Parallel()
	// 60/min = 1/sec with burst 5: a burst of 20 must not all pass.
	sink := NewLogSink(logx.Nop(), 60)
	delivered := 0
	for i := 0; i < 20; i++ {
		before := sink.dropped
		_ = sink.Deliver(context.Background(), Notification{Job: "x", Message: "boom"})
		if sink.dropped == before {
			delivered++
		}
	}
	if delivered > 6 {
		t.Fatalf("delivered %d notifications, expected burst-limited (<=6)", delivered)
	}
}
