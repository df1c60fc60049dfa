package taskqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohbridge/internal/logging"
	"ohbridge/internal/models"
	"ohbridge/internal/openhab"
)

type senderFunc func(ctx context.Context, item string, kind models.CommandKind, payload string) error

func (f senderFunc) SendCommand(ctx context.Context, item string, kind models.CommandKind, payload string) error {
	return f(ctx, item, kind, payload)
}

func TestHandleSendCommand(t *testing.T) {
	var got []string
	h := HandleSendCommand(senderFunc(func(_ context.Context, item string, kind models.CommandKind, payload string) error {
		got = append(got, item+" "+string(kind)+" "+payload)
		return nil
	}), nil, logging.Nop())

	task, err := NewSendCommandTask(models.OutboundCommand{Node: "n", Item: "Lamp", Kind: models.Command, Payload: "ON"})
	require.NoError(t, err)
	assert.Equal(t, TypeSendCommand, task.Type())
	require.NoError(t, h.ProcessTask(context.Background(), task))
	assert.Equal(t, []string{"Lamp Command ON"}, got)
}

func TestHandleSendCommandRetries(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		skipRetry bool
	}{
		{"not found", &openhab.CommandError{Op: "command", Item: "Lamp", Status: 404}, true},
		{"not authorized", &openhab.CommandError{Op: "command", Item: "Lamp", Status: 401}, true},
		{"server error", &openhab.CommandError{Op: "command", Item: "Lamp", Status: 503}, false},
		{"network", &openhab.CommandError{Op: "command", Item: "Lamp", Err: errors.New("connection refused")}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := HandleSendCommand(senderFunc(func(context.Context, string, models.CommandKind, string) error {
				return c.err
			}), nil, logging.Nop())
			task, err := NewSendCommandTask(models.OutboundCommand{Item: "Lamp", Kind: models.Command, Payload: "ON"})
			require.NoError(t, err)

			err = h.ProcessTask(context.Background(), task)
			require.Error(t, err)
			assert.ErrorIs(t, err, c.err)
			assert.Equal(t, c.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestHandleBadPayload(t *testing.T) {
	h := HandleSendCommand(senderFunc(func(context.Context, string, models.CommandKind, string) error {
		t.Fatal("must not be called")
		return nil
	}), nil, logging.Nop())
	err := h.ProcessTask(context.Background(), asynq.NewTask(TypeSendCommand, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleSendCommandReportsFailures(t *testing.T) {
	type failure struct {
		item string
		err  error
	}
	cases := []struct {
		name    string
		err     error
		retried int
		report  bool
	}{
		{"permanent on first try", &openhab.CommandError{Op: "command", Item: "Lamp", Status: 404}, 0, true},
		{"transient with retries left", &openhab.CommandError{Op: "command", Item: "Lamp", Status: 503}, 1, false},
		{"transient on last retry", &openhab.CommandError{Op: "command", Item: "Lamp", Status: 503}, 3, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			orig := retries
			retries = func(context.Context) (int, int, bool) { return c.retried, 3, true }
			t.Cleanup(func() { retries = orig })

			var got []failure
			h := HandleSendCommand(senderFunc(func(context.Context, string, models.CommandKind, string) error {
				return c.err
			}), func(cmd models.OutboundCommand, err error) {
				got = append(got, failure{cmd.Item, err})
			}, logging.Nop())
			task, err := NewSendCommandTask(models.OutboundCommand{Node: "n", Item: "Lamp", Kind: models.Command, Payload: "ON"})
			require.NoError(t, err)

			require.Error(t, h.ProcessTask(context.Background(), task))
			if !c.report {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, "Lamp", got[0].item)
			assert.ErrorIs(t, got[0].err, c.err)
		})
	}
}

func TestHandleSendCommandOutsideWorker(t *testing.T) {
	reported := false
	h := HandleSendCommand(senderFunc(func(context.Context, string, models.CommandKind, string) error {
		return errors.New("connection refused")
	}), func(models.OutboundCommand, error) { reported = true }, logging.Nop())
	task, err := NewSendCommandTask(models.OutboundCommand{Item: "Lamp", Kind: models.Command, Payload: "ON"})
	require.NoError(t, err)

	require.Error(t, h.ProcessTask(context.Background(), task))
	assert.False(t, reported, "no retry counters, so the task is not known to be final")
}
