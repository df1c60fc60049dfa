package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ohbridge/auth"
	"ohbridge/internal/config"
	"ohbridge/internal/db"
	"ohbridge/internal/discovery"
	"ohbridge/internal/engine"
	"ohbridge/internal/logging"
	"ohbridge/internal/metrics"
	"ohbridge/internal/models"
	"ohbridge/internal/mqtt"
	"ohbridge/internal/openhab"
	"ohbridge/internal/redis"
	"ohbridge/internal/scheduler"
	"ohbridge/internal/taskqueue"
	"ohbridge/internal/vars"
	"ohbridge/internal/web"
	"ohbridge/internal/web/api"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.InitLogging(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	opts := engine.Options{
		Logger:  logger,
		Metrics: m,
		Sinks:   []engine.Sink{engine.LogSink(logging.Component(logger, "messages"))},
	}

	// mDNS: advertise the bridge and resolve a .local hub host
	if cfg.MDNSLocalName != "" || discovery.IsLocal(cfg.OpenHAB.Host) {
		svc, err := discovery.Start(cfg.MDNSLocalName, logger)
		if err != nil {
			logger.Warn("mDNS unavailable", "error", err)
		} else {
			defer svc.Close()
			if discovery.IsLocal(cfg.OpenHAB.Host) {
				host, err := svc.Resolve(ctx, cfg.OpenHAB.Host)
				if err != nil {
					return fmt.Errorf("resolve %s: %w", cfg.OpenHAB.Host, err)
				}
				logger.Info("resolved hub host", "host", cfg.OpenHAB.Host, "addr", host)
				cfg.OpenHAB.Host = host
			}
		}
	}

	if cfg.RedisAddr != "" {
		redisClient, err := redis.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		opts.Vars = vars.NewRedisScopes(redisClient)
	}

	var history api.History
	if cfg.DBURL != "" {
		dbConn, err := db.NewDB(ctx, cfg.DBURL)
		if err != nil {
			return err
		}
		defer dbConn.Close()
		if err := dbConn.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("db schema: %w", err)
		}
		history = dbConn
		opts.Sinks = append(opts.Sinks, engine.NewSink("history", func(ctx context.Context, msg models.Message) error {
			if msg.Trigger == nil {
				return nil
			}
			return dbConn.RecordMessage(ctx, msg)
		}))
	}

	var publisher *mqtt.Publisher
	if cfg.MQTTBroker != "" {
		mqttClient, err := mqtt.NewMQTTClient(cfg.MQTTBroker, cfg.MQTTClientID, logger)
		if err != nil {
			return err
		}
		defer mqttClient.Disconnect(250)
		publisher = mqtt.NewPublisher(mqttClient, cfg.MQTTTopicPrefix, logger)
		opts.Sinks = append(opts.Sinks, engine.NewSink("mqtt", func(_ context.Context, msg models.Message) error {
			return publisher.Publish(msg)
		}))
	}

	var queue *taskqueue.Queue
	if cfg.TaskQueueEnabled {
		if cfg.RedisAddr == "" {
			return errors.New("TASK_QUEUE_ENABLED needs REDIS_ADDR")
		}
		// Workers use their own hub client.
		queue = taskqueue.NewQueue(cfg.RedisAddr, openhab.NewClient(cfg.OpenHAB, logger, m), logger)
		opts.Queue = queue
	}

	sched := scheduler.NewScheduler(logger)
	sched.Start()
	defer sched.Stop()
	opts.Scheduler = sched

	eng := engine.NewEngine(cfg, opts)
	if queue != nil {
		queue.OnFailure(eng.ReportCommandError)
		if err := queue.Start(); err != nil {
			return fmt.Errorf("task queue: %w", err)
		}
		defer queue.Stop()
	}
	if err := eng.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop()

	if publisher != nil {
		err := publisher.SubscribeInputs(func(node string, payload []byte) {
			if err := eng.Input(node, engine.DecodeInput(payload)); err != nil {
				logger.Warn("mqtt input rejected", "node", node, "error", err)
			}
		})
		if err != nil {
			logger.Warn("mqtt input subscription failed", "error", err)
		}
	}

	var authModule *auth.AuthModule
	if cfg.JWTSecret != "" {
		authModule = auth.NewAuthModule(cfg.JWTSecret, cfg.APIUsers)
	}
	webServer := web.NewWebServer(web.Dependencies{
		Items:   eng.Client(),
		Nodes:   eng,
		History: history,
		Auth:    authModule,
		Metrics: m.Handler(),
		Logger:  logger,
	})
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- webServer.Start(fmt.Sprintf(":%d", cfg.HTTPPort))
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("web server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("web server shutdown", "error", err)
	}
	return nil
}
