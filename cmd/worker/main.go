package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/leave"
	"rollcall/internal/logger"
	"rollcall/internal/notify"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

// The worker drains the queue: it re-resolves session rosters, settles
// leave applications from fresh approval reads, and sweeps overdue
// windows and stale applications on a timer.
func main() {
	cfg := config.Load()

	logger, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker exited", zap.Error(err))
	}
}

func run(cfg config.App, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "")
	}

	attRepo := attendance.NewRepository(db.Client)
	leaveRepo := leave.NewRepository(db.Client)
	notifier := notify.New(cfg.NotifierURL, cfg.NotifierSkip)

	leaves := leave.NewService(leaveRepo, attRepo, notifier, q, logger)
	att := attendance.NewService(attRepo, leaves, q, logger, attendance.Options{
		TermStart:     cfg.TermStart,
		WindowMinutes: cfg.WindowMinutes,
		GraceMinutes:  cfg.GraceMinutes,
	})

	if !cfg.NotifierSkip {
		if err := notifier.Health(ctx); err != nil {
			logger.Warn("notifier not reachable, events will be retried as they occur", zap.Error(err))
		} else {
			logger.Info("notifier connected")
		}
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}

	w := &worker{att: att, leaves: leaves, logger: logger}

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	logger.Info("worker started", zap.Duration("sweep_interval", cfg.SweepInterval))
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				logger.Info("worker stopped")
				return nil
			}
			w.handle(ctx, msg)
		case now := <-ticker.C:
			w.sweep(ctx, now)
		case <-ctx.Done():
			logger.Info("worker stopped")
			return nil
		}
	}
}

type worker struct {
	att    *attendance.Service
	leaves *leave.Service
	logger *zap.Logger
}

func (w *worker) handle(ctx context.Context, msg queue.Message) {
	switch msg.Type {
	case queue.TypeSessionResolve:
		var payload queue.SessionResolve
		if err := json.Unmarshal(msg.Body, &payload); err != nil {
			w.logger.Warn("bad session.resolve payload", zap.Error(err))
			return
		}
		if _, err := w.att.ResolveSession(ctx, payload.SessionID, time.Now()); err != nil {
			w.logger.Warn("session resolve failed", zap.String("session_id", payload.SessionID), zap.Error(err))
		}

	case queue.TypeLeaveRecompute:
		var payload queue.LeaveRecompute
		if err := json.Unmarshal(msg.Body, &payload); err != nil {
			w.logger.Warn("bad leave.recompute payload", zap.Error(err))
			return
		}
		detail, err := w.leaves.Recompute(ctx, payload.ApplicationID, time.Now())
		if err != nil {
			w.logger.Warn("leave recompute failed", zap.String("application_id", payload.ApplicationID), zap.Error(err))
			return
		}
		// The settled application feeds back into the session's rows.
		if _, err := w.att.ResolveSession(ctx, detail.Application.SessionID, time.Now()); err != nil {
			w.logger.Warn("session resolve failed", zap.String("session_id", detail.Application.SessionID), zap.Error(err))
		}

	default:
		w.logger.Warn("unknown message type", zap.String("type", msg.Type))
	}
}

func (w *worker) sweep(ctx context.Context, now time.Time) {
	if _, err := w.att.SweepExpired(ctx, now); err != nil {
		w.logger.Warn("window sweep failed", zap.Error(err))
	}
	if _, err := w.leaves.ExpireStale(ctx, now); err != nil {
		w.logger.Warn("leave sweep failed", zap.Error(err))
	}
}
