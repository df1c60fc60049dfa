package engine

import (
	"context"
	"errors"

	"ohbridge/internal/bus"
	"ohbridge/internal/models"
	"ohbridge/internal/openhab"
	"ohbridge/internal/status"
)

// CommandQueue is a durable alternative to sending commands directly
type CommandQueue interface {
	Enqueue(ctx context.Context, cmd models.OutboundCommand) error
}

// send is the Command Sender side effect of a trigger. It never blocks the
// caller; failures are published on the lifecycle channel.
func (e *Engine) send(cmd models.OutboundCommand) {
	e.mu.RLock()
	if e.stopped {
		e.mu.RUnlock()
		return
	}
	e.wg.Add(1)
	e.mu.RUnlock()
	go func() {
		defer e.wg.Done()
		if err := e.Execute(e.ctx, cmd); err != nil {
			e.ReportCommandError(cmd, err)
		}
	}()
}

// Execute delivers one command through the queue, or to the hub directly
func (e *Engine) Execute(ctx context.Context, cmd models.OutboundCommand) error {
	if e.opts.Queue != nil {
		return e.opts.Queue.Enqueue(ctx, cmd)
	}
	return e.client.SendCommand(ctx, cmd.Item, cmd.Kind, cmd.Payload)
}

// ReportCommandError publishes a failed command on the lifecycle channel
func (e *Engine) ReportCommandError(cmd models.OutboundCommand, err error) {
	if e.ctx.Err() != nil {
		return
	}
	text := err.Error()
	var cerr *openhab.CommandError
	if errors.As(err, &cerr) {
		text = cmd.Item + ": " + cerr.Reason()
	}
	e.logger.Warn("command failed", "node", cmd.Node, "item", cmd.Item, "kind", cmd.Kind, "error", err)
	e.bus.PublishLifecycle(bus.LifecycleEvent{Signal: status.Error, Text: text, Err: err})
}
