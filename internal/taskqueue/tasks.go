package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hibiken/asynq"

	"ohbridge/internal/models"
	"ohbridge/internal/openhab"
)

// TypeSendCommand is the task type for an outbound item command
const TypeSendCommand = "openhab:send_command"

// Sender delivers a command to the hub
type Sender interface {
	SendCommand(ctx context.Context, item string, kind models.CommandKind, payload string) error
}

// NewSendCommandTask wraps cmd in a task
func NewSendCommandTask(cmd models.OutboundCommand) (*asynq.Task, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSendCommand, payload), nil
}

// FailureFunc is told about a command that will not be delivered
type FailureFunc func(cmd models.OutboundCommand, err error)

// HandleSendCommand returns the handler that delivers send_command tasks.
// Rejections the hub will repeat (unknown item, bad credentials) are not retried.
// onFailure, when set, is called once a command is given up on.
func HandleSendCommand(sender Sender, onFailure FailureFunc, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var cmd models.OutboundCommand
		if err := json.Unmarshal(t.Payload(), &cmd); err != nil {
			return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
		}
		err := sender.SendCommand(ctx, cmd.Item, cmd.Kind, cmd.Payload)
		if err == nil {
			logger.Debug("command delivered", "node", cmd.Node, "item", cmd.Item, "kind", cmd.Kind)
			return nil
		}
		logger.Warn("command failed", "node", cmd.Node, "item", cmd.Item, "error", err)

		skip := permanent(err)
		if (skip || lastAttempt(ctx)) && onFailure != nil {
			onFailure(cmd, err)
		}
		if skip {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
}

// retries reads the attempt counters asynq puts on a task context
var retries = func(ctx context.Context) (retried, maxRetry int, ok bool) {
	retried, ok = asynq.GetRetryCount(ctx)
	if !ok {
		return 0, 0, false
	}
	maxRetry, ok = asynq.GetMaxRetry(ctx)
	return retried, maxRetry, ok
}

func lastAttempt(ctx context.Context) bool {
	retried, maxRetry, ok := retries(ctx)
	return ok && retried >= maxRetry
}

func permanent(err error) bool {
	var cerr *openhab.CommandError
	if !errors.As(err, &cerr) {
		return false
	}
	switch cerr.Status {
	case http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest:
		return true
	}
	return false
}
