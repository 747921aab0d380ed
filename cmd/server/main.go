package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasksync/internal/api"
	"tasksync/internal/db"
	"tasksync/pkg/push"
	"tasksync/pkg/task"
)

const relayChannel = "tasksync:tasksHub"

func main() {
	if os.Getenv("DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.WithField("component", "server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signal handling
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		logger.Infof("received %s, shutting down", sig)
		cancel()
	}()

	pool := connect(ctx, logger)
	defer pool.Close()

	tasks := task.NewPgStore(pool)
	if err := tasks.EnsureTable(ctx); err != nil {
		logger.WithError(err).Fatal("ensure tasks table")
	}

	var hubOpts []push.HubOption
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		hubOpts = append(hubOpts, push.WithOriginPatterns(strings.Split(origins, ",")...))
	}

	// Relay pushes through Redis so clients on other instances see them.
	var relay *push.RedisRelay
	if url := os.Getenv("REDIS_URL"); url != "" {
		opt, err := redis.ParseURL(url)
		if err != nil {
			logger.WithError(err).Fatal("parse REDIS_URL")
		}
		rc := redis.NewClient(opt)
		defer rc.Close()
		relay = push.NewRedisRelay(rc, relayChannel, log.WithField("component", "relay"))
		hubOpts = append(hubOpts, push.WithRelay(relay))
	}

	hub := push.NewHub(log.WithField("component", "hub"), hubOpts...)
	if relay != nil {
		go relay.Run(ctx, hub.Deliver)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           api.New(tasks, hub, log.WithField("component", "http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("shutdown")
		}
	}()

	logger.Infof("tasksync listening on :%s", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("listen")
	}
}

// connect waits up to 30 seconds for the database to come up.
func connect(ctx context.Context, logger *log.Entry) *pgxpool.Pool {
	var err error
	for i := 0; i < 30; i++ {
		var pool *pgxpool.Pool
		pool, err = db.Connect(ctx)
		if err == nil {
			return pool
		}
		logger.WithError(err).Warnf("waiting for database (attempt %d/30)", i+1)
		select {
		case <-ctx.Done():
			logger.Fatal("interrupted while waiting for database")
		case <-time.After(time.Second):
		}
	}
	logger.WithError(err).Fatal("connect")
	return nil
}
