package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chargehub/internal/broker"
	"chargehub/internal/cache"
	"chargehub/internal/config"
	"chargehub/internal/db"
	"chargehub/internal/httpapi"
	"chargehub/internal/logging"
	"chargehub/internal/memstore"
	"chargehub/internal/notify"
	"chargehub/internal/repo"
	"chargehub/internal/services"
	"chargehub/internal/telemetry"

	"github.com/sirupsen/logrus"
)

func main() {
	envErr := config.LoadDotEnv()
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		log.WithError(envErr).Warn(".env not loaded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, cards, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	clock := services.Clock{MaxSkew: cfg.MaxEventSkew}
	processor := services.NewEventsProcessor(tx, clock, log)
	if cfg.CardValidation {
		processor.Cards = services.CardTable{Cards: cards}
	}
	queue := services.NewCommandQueue(tx, clock, log)

	if cfg.RedisAddr != "" {
		c, err := cache.NewRedisIdempotency(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.IdempotencyTTL)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, idempotency cache disabled")
		} else {
			defer c.Close()
			processor.Guard.Cache = c
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		p := broker.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer p.Close()
		processor.Sink = p
		log.WithFields(logrus.Fields{"brokers": cfg.KafkaBrokers, "topic": cfg.KafkaTopic}).Info("kafka event sink enabled")
	}
	if cfg.InfluxURL != "" {
		w := telemetry.NewInfluxWriter(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		defer w.Close()
		processor.Telemetry = w
		log.WithField("bucket", cfg.InfluxBucket).Info("influx telemetry enabled")
	}
	if cfg.MQTTBroker != "" {
		n, err := notify.NewMQTTNotifier(notify.Options{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, log)
		if err != nil {
			log.WithError(err).Warn("mqtt unavailable, command notifications disabled")
		} else {
			defer n.Close()
			queue.Notifier = n
		}
	}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	sweeper := &services.ConnectivitySweeper{
		Tx:           tx,
		OfflineAfter: cfg.OfflineAfter,
		Interval:     cfg.SweepInterval,
		Clock:        clock,
		Log:          log.WithField("component", "sweeper"),
	}
	go sweeper.Run(runCtx)

	srv := httpapi.NewServer(cfg, tx.Reader(), processor, queue, log)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.ListenAddr, "store": cfg.Store, "auth": cfg.AuthMode}).Info("chargehub listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stop()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = httpServer.Shutdown(ctx2)
	log.Info("chargehub shutdown complete")
}

// openStore returns the transactor, the card table and a close func for the
// configured backend.
func openStore(ctx context.Context, cfg config.Config, log *logrus.Logger) (repo.Transactor, repo.CardStore, func()) {
	if cfg.Store == config.StoreMemory {
		log.Warn("using in-memory store, data is lost on exit")
		m := memstore.New()
		return m, m, func() {}
	}

	d, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("database connect failed")
	}
	if cfg.AutoMigrate {
		if err := d.Migrate(ctx); err != nil {
			d.Close()
			log.WithError(err).Fatal("migration failed")
		}
		log.Info("schema applied")
	}
	tx := repo.NewPgTransactor(d.Pool)
	return tx, repo.NewPgStore(d.Pool), d.Close
}
