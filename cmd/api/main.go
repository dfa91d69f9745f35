package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentmarket/auth"
	"agentmarket/config"
	"agentmarket/db"
	"agentmarket/deal"
	"agentmarket/dispute"
	"agentmarket/expiry"
	"agentmarket/listing"
	"agentmarket/logger"
	"agentmarket/matching"
	"agentmarket/notify"
)

func main() {
	configPath := flag.String("config", "", "path to a config file; defaults to ./config.yaml if present")
	flag.Parse()

	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zlog, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zlog.Sync() //nolint:errcheck

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("agentmarket exited", zap.Error(err))
	}
}

func run(cfg config.Config, zlog *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// rates go over the wire as JSON numbers
	decimal.MarshalJSONWithoutQuotes = true

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			return err
		}
		zlog.Info("schema applied")
	}

	sink, closeSinks := buildSink(cfg.Notify, zlog)
	defer closeSinks()
	dispatcher := notify.NewDispatcher(sink, zlog.Named("notify"), cfg.Notify.DeliveryTimeout)

	listingRepo := listing.NewRepository()
	listingService := listing.NewService(pool, listingRepo, zlog.Named("listing"))
	resolver := matching.NewResolver(pool, listingRepo, matching.NewStore(), dispatcher, zlog.Named("matching")).
		WithTTL(cfg.Matching.MatchTTL)
	dealService := deal.NewService(pool, deal.NewRepository(), dispatcher, zlog.Named("deal"))
	disputeService := dispute.NewService(pool, dispute.NewRepository(), dealService, zlog.Named("dispute"))
	sweeper := expiry.NewSweeper(pool, expiry.NewStore(), dispatcher, zlog.Named("expiry"))
	authService := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, zlog.Named("auth")).
		WithAdminSecret(cfg.Auth.AdminSecret)

	server := &Server{
		authService:    authService,
		listingService: listingService,
		resolver:       resolver,
		dealService:    dealService,
		disputeService: disputeService,
		sweeper:        sweeper,
		ready:          pool.Ping,
		log:            zlog.Named("http"),
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var scheduler *expiry.Scheduler
	if cfg.Expiry.Enabled {
		scheduler, err = expiry.NewScheduler(sweeper.Sweep, cfg.Expiry, zlog.Named("expiry"))
		if err != nil {
			return err
		}
		scheduler.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		db.WatchPool(gctx, pool, 15*time.Second)
		return nil
	})
	g.Go(func() error {
		zlog.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zlog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if scheduler != nil {
			scheduler.Stop()
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			zlog.Warn("http shutdown", zap.Error(err))
		}
		if err := dispatcher.Close(shutdownCtx); err != nil {
			zlog.Warn("notifications still in flight at shutdown", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// buildSink assembles the configured notification sinks, each behind its own
// breaker. With nothing configured notifications are only logged.
func buildSink(cfg config.NotifyConfig, zlog *zap.Logger) (notify.Sink, func()) {
	var (
		sinks   notify.Fanout
		closers []func()
	)

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink := notify.NewKafkaSink(cfg.Kafka)
		sinks = append(sinks, notify.NewBreaker(kafkaSink, cfg.Breaker, zlog))
		closers = append(closers, func() {
			if err := kafkaSink.Close(); err != nil {
				zlog.Warn("close kafka writer", zap.Error(err))
			}
		})
		zlog.Info("kafka notifications enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sinks = append(sinks, notify.NewBreaker(notify.NewRedisSink(client, cfg.Redis.ChannelPrefix), cfg.Breaker, zlog))
		closers = append(closers, func() {
			if err := client.Close(); err != nil {
				zlog.Warn("close redis client", zap.Error(err))
			}
		})
		zlog.Info("redis notifications enabled", zap.String("addr", cfg.Redis.Addr))
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	switch len(sinks) {
	case 0:
		return notify.NewLogSink(zlog.Named("notify")), closeAll
	case 1:
		return sinks[0], closeAll
	default:
		return sinks, closeAll
	}
}
