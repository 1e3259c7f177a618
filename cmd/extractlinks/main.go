package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/blackmichael/fedi-indexer/internal/config"
	"github.com/blackmichael/fedi-indexer/internal/domain"
	"github.com/blackmichael/fedi-indexer/internal/links"
	"github.com/blackmichael/fedi-indexer/internal/logging"
	"github.com/blackmichael/fedi-indexer/internal/sqlite"
	"github.com/blackmichael/fedi-indexer/internal/writequeue"
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

	var (
		dbPath string
		limit  int
	)
	flag.StringVar(&dbPath, "db", cfg.DatabasePath, "SQLite database path")
	flag.IntVar(&limit, "limit", 100, "Number of most recent posts to re-extract links from")
	flag.Parse()

	if limit < 1 {
		return fmt.Errorf("--limit must be at least 1")
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := sqlite.NewRepository(ctx, dbPath, cfg.BusyTimeout)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	defer repo.Close()

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
		AutoCommit:  false,
		MaxDeferred: cfg.MaxDeferred,
	}, logging.Named(logger, "writeQueue"))

	indexService := domain.NewIndexService(queue, normalizer, nil, repo, domain.IndexServiceOptions{}, logging.Named(logger, "index"))

	n, err := indexService.BackfillLinks(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Printf("Extracted %d links from up to %d recent posts\n", n, limit)
	return nil
}
