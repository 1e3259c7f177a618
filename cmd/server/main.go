package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackmichael/fedi-indexer/internal/config"
	"github.com/blackmichael/fedi-indexer/internal/domain"
	"github.com/blackmichael/fedi-indexer/internal/httpserver"
	"github.com/blackmichael/fedi-indexer/internal/links"
	"github.com/blackmichael/fedi-indexer/internal/logging"
	"github.com/blackmichael/fedi-indexer/internal/mastodon"
	"github.com/blackmichael/fedi-indexer/internal/sqlite"
	"github.com/blackmichael/fedi-indexer/internal/streaming"
	"github.com/blackmichael/fedi-indexer/internal/writequeue"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := sqlite.NewRepository(ctx, cfg.DatabasePath, cfg.BusyTimeout)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	defer repo.Close()
	logger.Info().Str("path", cfg.DatabasePath).Msg("opened database")

	shorteners, err := links.LoadShorteners(cfg.ShortenersFile)
	if err != nil {
		return err
	}
	resolver, err := links.NewHTTPResolver(links.ResolverOptions{
		Timeout:           cfg.UnshortenTimeout,
		RequestsPerSecond: cfg.UnshortenRPS,
		CacheSize:         cfg.ResolveCacheSize,
		UserAgent:         cfg.UserAgent,
	}, logging.Named(logger, "resolver"))
	if err != nil {
		return err
	}
	normalizer := links.NewNormalizer(shorteners, resolver, links.Options{
		RejectClasses: cfg.RejectClasses,
	}, logging.Named(logger, "links"))

	queue := writequeue.New(repo, writequeue.Options{
		AutoCommit:     true,
		BatchPeriod:    cfg.WriteBatchPeriod,
		MaxDeferred:    cfg.MaxDeferred,
		OptimizePeriod: cfg.OptimizePeriod,
	}, logging.Named(logger, "writeQueue"))

	client := mastodon.NewClient(cfg.APIBaseURL, cfg.AccessToken, cfg.UserAgent)
	if cfg.AutoFollowBack {
		acct, err := client.VerifyCredentials(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("could not verify credentials, follow-back may fail")
		} else {
			logger.Info().Str("acct", acct.Acct).Msg("follow-back enabled")
		}
	}

	indexService := domain.NewIndexService(queue, normalizer, client, repo, domain.IndexServiceOptions{
		AutoFollowBack:    cfg.AutoFollowBack,
		FollowBackReblogs: cfg.FollowBackReblogs,
	}, logging.Named(logger, "index"))

	controller := streaming.NewController(streaming.Options{
		APIBaseURL:             cfg.APIBaseURL,
		AccessToken:            cfg.AccessToken,
		Stream:                 cfg.StreamingTopic,
		UserAgent:              cfg.UserAgent,
		ReconnectDelay:         cfg.ReconnectDelay,
		ForceReconnectInterval: cfg.ForceReconnectInterval,
		StatsInterval:          cfg.StatsInterval,
	}, indexService, logging.Named(logger, "streaming"))

	server := httpserver.NewServer(cfg.Addr(), repo, queue, controller, logging.Named(logger, "http"))

	// The queue outlives the producers so its final flush sees every write.
	queueCtx, stopQueue := context.WithCancel(context.WithoutCancel(ctx))
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		queue.Run(queueCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := controller.Run(gctx)
		indexService.WaitFollows()
		return ignoreCanceled(err)
	})

	if cfg.RetentionMaxAge > 0 {
		g.Go(func() error {
			indexService.StartPurgeJob(gctx, cfg.RetentionInterval, cfg.RetentionMaxAge)
			return nil
		})
	}

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info().Str("addr", cfg.Addr()).Str("stream", cfg.StreamingTopic).Msg("server started")

	err = g.Wait()
	logger.Info().Msg("shutting down")

	stopQueue()
	<-queueDone

	stats := queue.Stats()
	logger.Info().
		Int64("committed", stats.Committed).
		Int64("dropped", stats.Dropped).
		Int64("discarded", stats.Discarded).
		Int("pending", stats.Pending).
		Msg("write queue stopped")

	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
