// Package notify turns job lifecycle events into operator notifications.
//
// Delivery mechanics (email, chat, pager) are out of core scope; the core
// only pushes into a Sink. The default sink writes structured log lines,
// rate-limited so a crash-looping program cannot flood the operator.
package notify

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"procman/internal/eventbus"
	"procman/pkg/logx"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityUrgent
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityUrgent:
		return "urgent"
	default:
		return "info"
	}
}

type Notification struct {
	Severity Severity
	Job      string
	Message  string
}

// Sink delivers one notification. Implementations must not block for long;
// the service calls them inline from its drain goroutine.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// LogSink writes notifications as log lines, rate-limited.
type LogSink struct {
	log     logx.Logger
	limiter *rate.Limiter
	dropped int
}

// NewLogSink allows ratePerMin notifications per minute with a small burst.
func NewLogSink(log logx.Logger, ratePerMin int) *LogSink {
	if ratePerMin <= 0 {
		ratePerMin = 30
	}
	return &LogSink{
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerMin)/60.0), 5),
	}
}

func (s *LogSink) Deliver(ctx context.Context, n Notification) error {
	_ = ctx
	if !s.limiter.Allow() {
		s.dropped++
		return nil
	}
	fields := []logx.Field{
		logx.String("job", n.Job),
		logx.String("severity", n.Severity.String()),
	}
	if s.dropped > 0 {
		fields = append(fields, logx.Int("dropped_since_last", s.dropped))
		s.dropped = 0
	}
	switch n.Severity {
	case SeverityUrgent:
		s.log.Error(n.Message, fields...)
	case SeverityWarning:
		s.log.Warn(n.Message, fields...)
	default:
		s.log.Info(n.Message, fields...)
	}
	return nil
}

// Service subscribes to the event bus and forwards operator-relevant
// events to the sink.
type Service struct {
	log  logx.Logger
	bus  eventbus.Bus
	sink Sink
}

func NewService(log logx.Logger, bus eventbus.Bus, sink Sink) *Service {
	return &Service{log: log, bus: bus, sink: sink}
}

// Run drains bus events until ctx is done.
func (s *Service) Run(ctx context.Context) {
	ch, unsub := s.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if n, relevant := translate(e); relevant {
				if err := s.sink.Deliver(ctx, n); err != nil {
					s.log.Warn("notification delivery failed", logx.String("job", e.Job), logx.Err(err))
				}
			}
		}
	}
}

func translate(e eventbus.Event) (Notification, bool) {
	switch e.Type {
	case eventbus.TypeJobRestarted:
		return Notification{
			Severity: SeverityWarning,
			Job:      e.Job,
			Message:  fmt.Sprintf("program %s restarted (attempt %d)", e.Job, e.Attempt),
		}, true
	case eventbus.TypeRetryBudget:
		return Notification{
			Severity: SeverityUrgent,
			Job:      e.Job,
			Message:  fmt.Sprintf("program %s failed more than allowed times, manual start required", e.Job),
		}, true
	case eventbus.TypeJobFailed:
		return Notification{
			Severity: SeverityWarning,
			Job:      e.Job,
			Message:  fmt.Sprintf("job %s failed (exit code %d)", e.Job, e.ExitCode),
		}, true
	default:
		return Notification{}, false
	}
}
