// cmd/comments/main.go
//
// Dispatcher process for the comment stream.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"lendingbot/internal/cache"
	"lendingbot/internal/command"
	"lendingbot/internal/config"
	"lendingbot/internal/convert"
	"lendingbot/internal/dispatch"
	"lendingbot/internal/ledger"
	"lendingbot/internal/platform"
	"lendingbot/internal/queue"
	"lendingbot/internal/reputation"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("process", "comments"))
	cfg := config.Load(logger)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	kv := cache.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer kv.Close()

	proxy := platform.NewClient(cfg.PlatformProxyURL, cfg.ProxyTimeout)
	policy := reputation.Policy{
		KarmaMin:          cfg.KarmaMin,
		AccountAgeMin:     cfg.AccountAgeMin,
		KarmaGrowthPerDay: cfg.KarmaGrowthPerDay,
		MinRecheckDays:    cfg.MinRecheckDays,
		RosterRefresh:     cfg.RosterRefresh,
		RecordTTL:         cfg.ReputationTTL,
	}
	repCache := reputation.NewCache(kv, proxy, policy, logger)
	gate := reputation.NewGate(repCache, policy)

	provider := convert.NewHTTPProvider(cfg.RateProviderURL, cfg.RateProviderKey, cfg.ProxyTimeout)
	converter := convert.NewConverter(kv, provider, cfg.ConversionTTL, logger)

	store := ledger.NewPostgresStore(db)
	engine := ledger.NewEngine(store, converter, cfg.RepayUnpaidLoans, logger)

	qcfg := queue.Config{
		Brokers:       cfg.KafkaBrokers,
		Topic:         getenv("KAFKA_COMMENTS_TOPIC", "comments"),
		ReplyTopic:    cfg.ReplyTopic,
		ConsumerGroup: cfg.KafkaGroup + "-comments",
	}
	consumer := queue.NewKafkaConsumer(qcfg, logger)
	defer consumer.Close()
	publisher := queue.NewKafkaPublisher(qcfg)
	defer publisher.Close()

	d := dispatch.New(consumer, publisher, command.NewMatcher(), gate, engine, cfg.ReplyOnDenial, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("comment dispatcher starting", slog.String("topic", qcfg.Topic))
	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("dispatcher stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
