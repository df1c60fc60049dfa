package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"ohbridge/internal/logging"
	"ohbridge/internal/models"
)

// Queue enqueues outbound commands and runs the workers that deliver them
type Queue struct {
	client *asynq.Client
	srv    *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger

	mu        sync.RWMutex
	onFailure FailureFunc
}

// NewQueue prepares a client and a worker server on the Redis at redisAddr
func NewQueue(redisAddr string, sender Sender, logger *slog.Logger) *Queue {
	logger = logging.Component(logger, "taskqueue")
	opt := asynq.RedisClientOpt{Addr: redisAddr}
	q := &Queue{
		client: asynq.NewClient(opt),
		srv: asynq.NewServer(opt, asynq.Config{
			Concurrency: 4,
			Logger:      &asynqLogger{logger},
		}),
		mux:    asynq.NewServeMux(),
		logger: logger,
	}
	q.mux.HandleFunc(TypeSendCommand, HandleSendCommand(sender, q.failed, logger))
	return q
}

// OnFailure sets the function told about commands that are given up on
func (q *Queue) OnFailure(fn FailureFunc) {
	q.mu.Lock()
	q.onFailure = fn
	q.mu.Unlock()
}

func (q *Queue) failed(cmd models.OutboundCommand, err error) {
	q.mu.RLock()
	fn := q.onFailure
	q.mu.RUnlock()
	if fn != nil {
		fn(cmd, err)
	}
}

// Start starts the workers in the background
func (q *Queue) Start() error {
	q.logger.Info("starting workers")
	return q.srv.Start(q.mux)
}

// Enqueue schedules cmd for delivery
func (q *Queue) Enqueue(ctx context.Context, cmd models.OutboundCommand) error {
	task, err := NewSendCommandTask(cmd)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, task, asynq.MaxRetry(3), asynq.Timeout(10*time.Second))
	if err != nil {
		return fmt.Errorf("taskqueue: enqueue %s: %w", cmd.Item, err)
	}
	q.logger.Debug("command enqueued", "task", info.ID, "item", cmd.Item)
	return nil
}

// Stop stops the workers and closes the client
func (q *Queue) Stop() {
	q.logger.Info("stopping workers")
	q.srv.Shutdown()
	q.client.Close()
}

// asynqLogger routes asynq's own logging through slog
type asynqLogger struct{ l *slog.Logger }

func (a *asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a *asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error(fmt.Sprint(args...)) }
