// Package notify delivers alert and escalation notifications.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
	"github.com/vietddude/triage/internal/triage/metrics"
)

const sendTimeout = 10 * time.Second

// Sink delivers one notification.
type Sink interface {
	Name() string
	Send(ctx context.Context, n domain.Notification) error
}

// LogSink writes notifications to the structured log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(ctx context.Context, n domain.Notification) error {
	level := slog.LevelWarn
	if n.Action == domain.ActionEscalate {
		level = slog.LevelError
	}
	slog.Log(ctx, level, "Pipeline failure notification",
		"action", n.Action,
		"pipeline_id", n.PipelineID,
		"run_id", n.RunID,
		"environment", n.Environment,
		"reason", n.Reason,
		"error_type", n.Classification.ErrorType,
		"severity", n.Classification.Severity,
		"confidence", n.Classification.Confidence,
		"rationale", n.Classification.Rationale,
		"decision_id", n.DecisionID,
		"attempt_id", n.AttemptID,
	)
	return nil
}

// Publisher publishes raw payloads on a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisSink publishes notifications as JSON on a Redis channel.
type RedisSink struct {
	pub     Publisher
	channel string
}

func NewRedisSink(pub Publisher, channel string) *RedisSink {
	return &RedisSink{pub: pub, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, n domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return s.pub.Publish(ctx, s.channel, payload)
}

// Dispatcher fans notifications out to sinks from a background worker so the
// caller never blocks on delivery. When the queue is full the notification is
// dropped and counted.
type Dispatcher struct {
	sinks []Sink
	queue chan domain.Notification

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func NewDispatcher(buffer int, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks: sinks,
		queue: make(chan domain.Notification, buffer),
		done:  make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.loop()
}

// Notify enqueues n without blocking.
func (d *Dispatcher) Notify(ctx context.Context, n domain.Notification) {
	select {
	case d.queue <- n:
	default:
		metrics.NotificationsDropped.Inc()
		slog.Error("Notification queue full, dropping",
			"pipeline_id", n.PipelineID,
			"run_id", n.RunID,
			"action", n.Action,
		)
	}
}

// Stop drains queued notifications and stops the worker.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		case <-d.done:
			for {
				select {
				case n := <-d.queue:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(n domain.Notification) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := s.Send(ctx, n)
		cancel()
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues(s.Name(), "error").Inc()
			slog.Error("Notification delivery failed",
				"sink", s.Name(),
				"pipeline_id", n.PipelineID,
				"run_id", n.RunID,
				"error", err,
			)
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(s.Name(), "ok").Inc()
	}
}
