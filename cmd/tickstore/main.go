package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/basekick-labs/tickstore/internal/api"
	"github.com/basekick-labs/tickstore/internal/archive"
	"github.com/basekick-labs/tickstore/internal/circuitbreaker"
	"github.com/basekick-labs/tickstore/internal/config"
	"github.com/basekick-labs/tickstore/internal/disk"
	"github.com/basekick-labs/tickstore/internal/feed"
	"github.com/basekick-labs/tickstore/internal/logger"
	"github.com/basekick-labs/tickstore/internal/metrics"
	"github.com/basekick-labs/tickstore/internal/origin"
	"github.com/basekick-labs/tickstore/internal/scheduler"
	"github.com/basekick-labs/tickstore/internal/shutdown"
	"github.com/basekick-labs/tickstore/pkg/models"
)

// Version is set at build time
var Version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "restore" {
		os.Exit(runRestoreSubcommand(os.Args[2:]))
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log.Info().Str("version", Version).Msg("Starting tickstore...")

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("tickstore stopped with errors")
		os.Exit(1)
	}
	log.Info().Msg("tickstore stopped")
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	metrics.Init(logger.Get("metrics"))
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Get().Register(registry); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	coord := shutdown.New(cfg.Shutdown.Timeout(), logger.Get("shutdown"))

	set, err := openSeries(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open series: %w", err)
	}
	coord.Register("series", set, shutdown.PrioritySeries)
	log.Info().
		Str("data_dir", cfg.Store.DataDir).
		Str("series", cfg.Store.Series).
		Strs("spans", cfg.Store.Spans).
		Msg("Series opened")

	// Origin
	var breaker *circuitbreaker.Breaker
	if strings.EqualFold(cfg.Origin.Kind, "questdb") {
		pool, b, err := setupOrigin(ctx, cfg.Origin, set)
		if err != nil {
			_ = set.Close()
			return err
		}
		breaker = b
		coord.RegisterFunc("origin", func(context.Context) error {
			pool.Close()
			return nil
		}, shutdown.PriorityOrigin)
	}

	// Scheduled maintenance
	sched := scheduler.New(logger.Get("scheduler"))
	if err := sched.Add(scheduler.Job{
		Name:     "commit",
		Schedule: cfg.Store.CommitSchedule,
		Run:      set.CommitAll,
	}); err != nil {
		_ = set.Close()
		return err
	}
	coord.RegisterFunc("commit", set.CommitAll, shutdown.PriorityCommit)

	if cfg.Archive.Enabled {
		archiver, err := newArchiver(ctx, cfg.Archive)
		if err != nil {
			_ = set.Close()
			return err
		}
		push := func(ctx context.Context) error { return set.ArchiveAll(ctx, archiver) }
		if err := sched.Add(scheduler.Job{
			Name:     "archive",
			Schedule: cfg.Archive.Schedule,
			Timeout:  30 * time.Minute,
			Run:      push,
		}); err != nil {
			_ = set.Close()
			return err
		}
		coord.RegisterFunc("archive", push, shutdown.PriorityArchive)
	}
	sched.Start()
	coord.RegisterFunc("scheduler", sched.Stop, shutdown.PriorityFeed)

	// Feed
	src, err := newFeed(cfg.Feed)
	if err != nil {
		_ = set.Close()
		return err
	}
	if src != nil {
		sub := set.ticks.EnablePassiveSupplier(ctx, set.fanout(src))
		coord.RegisterFunc("feed", func(context.Context) error { return sub.Stop() }, shutdown.PriorityFeed)
		go func() {
			<-sub.Done()
			if err := sub.Err(); err != nil {
				log.Error().Err(err).Msg("Feed stopped, shutting down")
				coord.Trigger()
			}
		}()
	}

	// HTTP
	if cfg.Server.Enabled {
		server := api.NewServer(api.ServerConfig{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		}, registry, logger.Get("api"))
		server.Mount(set.APIs()...)
		if breaker != nil {
			server.SetReadiness(func() error {
				if breaker.State() == circuitbreaker.StateOpen {
					return fmt.Errorf("origin circuit open")
				}
				return nil
			})
		}
		if err := server.Start(); err != nil {
			_ = coord.Shutdown()
			return err
		}
		coord.RegisterFunc("http", server.Shutdown, shutdown.PriorityHTTPServer)
	}

	reason := coord.Wait(ctx)
	log.Info().Str("reason", reason).Msg("Shutting down")
	return coord.Shutdown()
}

func setupOrigin(ctx context.Context, cfg config.OriginConfig, set *seriesSet) (*pgxpool.Pool, *circuitbreaker.Breaker, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	pool, err := origin.Connect(connectCtx, origin.PoolConfig{
		DSN:            cfg.DSN,
		MaxConns:       8,
		ConnectTimeout: timeout,
	})
	if err != nil {
		return nil, nil, err
	}

	qdb, err := origin.NewQuestDB(pool, origin.QuestDBConfig{
		Table:   cfg.Table,
		Columns: origin.TickColumns,
		Timeout: timeout,
	}, origin.ScanTick, logger.Get("origin"))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        "questdb",
		MaxFailures: cfg.BreakerMaxFailures,
		Cooldown:    time.Duration(cfg.BreakerCooldownSeconds) * time.Second,
	}, logger.Get("circuitbreaker"))

	set.ticks.EnableActiveSupplier(origin.Guard(qdb.Supplier(set.ticks.SegmentDuration()), breaker, logger.Get("origin")))
	log.Info().Str("table", cfg.Table).Msg("QuestDB origin enabled")
	return pool, breaker, nil
}

func newFeed(cfg config.FeedConfig) (feed.Source[models.Tick], error) {
	kind := strings.ToLower(cfg.Kind)
	if kind == "" || kind == "none" {
		return nil, nil
	}

	decode, err := feed.DecoderFor[models.Tick](cfg.Format)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "mqtt":
		return feed.NewMQTT(feed.MQTTConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			ClientID: cfg.ClientID,
			Username: cfg.Username,
			Password: cfg.Password,
			QoS:      byte(cfg.QoS),
		}, decode, logger.Get("feed")), nil
	case "kafka":
		return feed.NewKafka(feed.KafkaConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.Topic,
			GroupID:     cfg.GroupID,
			StartOffset: kafka.FirstOffset,
		}, decode, logger.Get("feed")), nil
	default:
		return nil, fmt.Errorf("unknown feed kind %q", cfg.Kind)
	}
}

func newBackend(ctx context.Context, cfg config.ArchiveConfig) (archive.Backend, string, error) {
	if strings.EqualFold(cfg.Backend, "s3") {
		b, err := archive.NewS3Backend(ctx, archive.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
		}, logger.Get("archive"))
		return b, cfg.S3Prefix, err
	}
	b, err := archive.NewLocalBackend(cfg.LocalPath, logger.Get("archive"))
	return b, "", err
}

func newArchiver(ctx context.Context, cfg config.ArchiveConfig) (*archive.Archiver, error) {
	backend, prefix, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive backend: %w", err)
	}
	return archive.New(backend, archive.Config{
		Prefix: prefix,
		Keep:   cfg.Keep,
		Unpack: disk.RestoreSnapshot,
	}, logger.Get("archive")), nil
}
