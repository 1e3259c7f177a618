package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/blackmichael/fedi-indexer/internal/config"
	"github.com/blackmichael/fedi-indexer/internal/domain"
	"github.com/blackmichael/fedi-indexer/internal/links"
	"github.com/blackmichael/fedi-indexer/internal/logging"
	"github.com/blackmichael/fedi-indexer/internal/sqlite"
	"github.com/blackmichael/fedi-indexer/internal/writequeue"
	"github.com/rs/zerolog"
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
		dbPath     string
		flushEvery int
		resolve    bool
	)
	flag.StringVar(&dbPath, "db", cfg.DatabasePath, "SQLite database path")
	flag.IntVar(&flushEvery, "flush-every", 500, "Commit after this many imported activities")
	flag.BoolVar(&resolve, "resolve", false, "Resolve shortened links while importing")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] outbox.json...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return fmt.Errorf("at least one outbox file is required")
	}
	if flushEvery < 1 {
		return fmt.Errorf("--flush-every must be at least 1")
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := sqlite.NewRepository(ctx, dbPath, cfg.BusyTimeout)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	defer repo.Close()

	var resolver links.Resolver
	if resolve {
		r, err := links.NewHTTPResolver(links.ResolverOptions{
			Timeout:           cfg.UnshortenTimeout,
			RequestsPerSecond: cfg.UnshortenRPS,
			CacheSize:         cfg.ResolveCacheSize,
			UserAgent:         cfg.UserAgent,
		}, logging.Named(logger, "resolver"))
		if err != nil {
			return err
		}
		resolver = r
	}
	shorteners, err := links.LoadShorteners(cfg.ShortenersFile)
	if err != nil {
		return err
	}
	normalizer := links.NewNormalizer(shorteners, resolver, links.Options{
		RejectClasses: cfg.RejectClasses,
	}, logging.Named(logger, "links"))

	// The importer paces its own commits.
	queue := writequeue.New(repo, writequeue.Options{
		AutoCommit:  false,
		MaxDeferred: max(cfg.MaxDeferred, flushEvery*4),
	}, logging.Named(logger, "writeQueue"))

	indexService := domain.NewIndexService(queue, normalizer, nil, nil, domain.IndexServiceOptions{}, logging.Named(logger, "index"))

	for _, filename := range flag.Args() {
		if err := importOutbox(ctx, filename, indexService, queue, flushEvery, logger); err != nil {
			return err
		}
	}

	counts, err := repo.Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Database now holds %d posts and %d links\n", counts.Posts, counts.Links)
	return nil
}

type outbox struct {
	OrderedItems []json.RawMessage `json:"orderedItems"`
}

func importOutbox(
	ctx context.Context,
	filename string,
	svc *domain.IndexService,
	queue *writequeue.Queue,
	flushEvery int,
	logger zerolog.Logger,
) error {
	logger.Info().Str("file", filename).Msg("importing")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer f.Close()

	var ob outbox
	if err := json.NewDecoder(f).Decode(&ob); err != nil {
		return fmt.Errorf("decode outbox %s: %w", filename, err)
	}
	if len(ob.OrderedItems) == 0 {
		logger.Error().Str("file", filename).Msg("no items found in outbox")
		return nil
	}

	count := len(ob.OrderedItems)
	logger.Info().Int("count", count).Msg("found activities in outbox")

	var done atomic.Int64
	start := time.Now()
	progressCtx, stopProgress := context.WithCancel(ctx)
	defer stopProgress()
	go reportProgress(progressCtx, filename, count, &done, start, logger)

	var imported, skipped int
	for i, raw := range ob.OrderedItems {
		if ctx.Err() != nil {
			break
		}
		ok, err := svc.ImportActivity(ctx, raw)
		switch {
		case err != nil:
			logger.Warn().Err(err).Int("index", i).Msg("skipping activity")
			skipped++
		case ok:
			imported++
		default:
			skipped++
		}
		done.Add(1)

		if (i+1)%flushEvery == 0 {
			if err := queue.FlushNow(ctx); err != nil {
				logger.Error().Err(err).Int("index", i).Msg("flush failed")
			}
		}
	}

	if err := queue.FlushNow(context.WithoutCancel(ctx)); err != nil {
		logger.Error().Err(err).Msg("final flush failed")
	}

	logger.Info().
		Str("file", filename).
		Int("imported", imported).
		Int("skipped", skipped).
		Dur("duration", time.Since(start)).
		Msg("import finished")
	return ctx.Err()
}

func reportProgress(ctx context.Context, filename string, count int, done *atomic.Int64, start time.Time, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := done.Load()
			elapsed := time.Since(start)
			avg := elapsed / time.Duration(n+1)
			logger.Info().
				Str("file", filename).
				Float64("progress", float64(n)/float64(count)*100).
				Dur("elapsed", elapsed).
				Dur("eta", avg*time.Duration(int64(count)-n)).
				Dur("avgTime", avg).
				Msg("import progress")
		}
	}
}
