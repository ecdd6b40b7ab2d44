package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ButyrinIA/remy/internal/config"
	"github.com/ButyrinIA/remy/internal/logger"
	"github.com/ButyrinIA/remy/internal/moderation"
	"github.com/ButyrinIA/remy/internal/notify"
	"github.com/ButyrinIA/remy/internal/server"
	"github.com/ButyrinIA/remy/internal/storage"
	"github.com/ButyrinIA/remy/internal/storage/memory"
	"github.com/ButyrinIA/remy/internal/storage/postgres"
	"github.com/avast/retry-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	storageType := flag.String("storage", "", "storage backend: memory or postgres (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *storageType != "" {
		cfg.Storage.Type = *storageType
		if err := cfg.Validate(); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}

	lg := logger.New(cfg.Log)
	defer lg.Sync()

	var store storage.Storage
	switch cfg.Storage.Type {
	case "postgres":
		lg.Info("using postgres storage")
		err = withRetry(lg, "postgres", func() error {
			var err error
			store, err = postgres.New(cfg.Postgres.DSN, lg.Named("postgres"))
			return err
		})
		if err != nil {
			lg.Fatal("init postgres storage", zap.Error(err))
		}
	default:
		lg.Info("using memory storage")
		store = memory.New(lg.Named("memory"))
	}
	defer store.Close()

	opts := []server.Option{}
	notifiers := notify.Multi{notify.NewLogNotifier(lg.Named("notice"))}

	if cfg.Notify.AMQP.URL != "" {
		var amqpNotifier *notify.AMQPNotifier
		err := withRetry(lg, "amqp", func() error {
			var err error
			amqpNotifier, err = notify.DialAMQP(cfg.Notify.AMQP.URL, cfg.Notify.AMQP.Exchange, lg.Named("amqp"))
			return err
		})
		if err != nil {
			lg.Fatal("init amqp notifier", zap.Error(err))
		}
		defer amqpNotifier.Close()
		notifiers = append(notifiers, amqpNotifier)
	}
	if cfg.Notify.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Notify.Redis.Addr,
			Password: cfg.Notify.Redis.Password,
			DB:       cfg.Notify.Redis.DB,
		})
		defer rdb.Close()
		err := withRetry(lg, "redis", func() error {
			return rdb.Ping(context.Background()).Err()
		})
		if err != nil {
			lg.Fatal("connect to redis", zap.Error(err))
		}
		inbox := notify.NewRedisInbox(rdb, lg.Named("inbox"))
		notifiers = append(notifiers, inbox)
		opts = append(opts, server.WithInbox(inbox))
	}
	opts = append(opts, server.WithNotifier(notifiers))

	if cfg.Moderation.WordsFile != "" {
		screener, err := moderation.LoadScreener(cfg.Moderation.WordsFile, lg)
		if err != nil {
			lg.Fatal("load moderation word list", zap.Error(err))
		}
		opts = append(opts, server.WithScreener(screener))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, store, lg, opts...)
	if err := srv.Run(ctx); err != nil {
		lg.Error("server stopped", zap.Error(err))
	}
}

// withRetry runs connect until it succeeds, giving dependencies started
// alongside the server time to come up.
func withRetry(lg *zap.Logger, what string, connect func() error) error {
	return retry.Do(connect,
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			lg.Warn("connection attempt failed", zap.String("target", what), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
}
