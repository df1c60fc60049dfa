package engine

import (
	"context"
	"log/slog"
	"time"

	"ohbridge/internal/models"
)

const sinkTimeout = 10 * time.Second

// Sink receives every emitted node message
type Sink interface {
	Name() string
	Deliver(ctx context.Context, msg models.Message) error
}

type funcSink struct {
	name string
	fn   func(ctx context.Context, msg models.Message) error
}

func (s funcSink) Name() string { return s.name }

func (s funcSink) Deliver(ctx context.Context, msg models.Message) error { return s.fn(ctx, msg) }

// NewSink adapts a function to a Sink
func NewSink(name string, fn func(ctx context.Context, msg models.Message) error) Sink {
	return funcSink{name: name, fn: fn}
}

// LogSink writes messages to the log
func LogSink(logger *slog.Logger) Sink {
	return NewSink("log", func(_ context.Context, msg models.Message) error {
		logger.Info("message", "node", msg.Node, "topic", msg.Topic, "payload", msg.Payload, "end", msg.End)
		return nil
	})
}

// deliverLoop hands messages to the sinks in emission order
func (e *Engine) deliverLoop() {
	defer e.wg.Done()
	for msg := range e.out {
		for _, s := range e.opts.Sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			if err := s.Deliver(ctx, msg); err != nil {
				e.logger.Warn("sink delivery failed", "sink", s.Name(), "node", msg.Node, "error", err)
			}
			cancel()
		}
	}
}
