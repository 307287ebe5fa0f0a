// Package crawler wires the frontier, the page fetcher, and a pool of
// workers into a runnable crawl.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crawlfrontier/internal/config"
	"crawlfrontier/internal/docid"
	"crawlfrontier/internal/fetcher"
	"crawlfrontier/internal/frontier"
	"crawlfrontier/internal/robots"
	"crawlfrontier/internal/storage"
	"crawlfrontier/pkg/types"
)

// Engine orchestrates scheduling, fetching, and persisting crawl results.
type Engine struct {
	cfg   config.Config
	runID string

	frontier *frontier.Frontier
	fetcher  *fetcher.PageFetcher
	robots   *robots.Agent
	docids   *docid.Server
	sink     storage.PageSink

	logger *slog.Logger

	wg        sync.WaitGroup
	closers   []func() error
	closeOnce sync.Once
}

// NewEngine builds a crawler engine from configuration.
func NewEngine(cfg config.Config) (*Engine, error) {
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	front, err := frontier.New(frontier.Config{
		PolitenessDelay: cfg.Frontier.PolitenessDelay.Duration,
		Resumable:       cfg.Frontier.Resumable,
		StorageFolder:   cfg.Frontier.StorageFolder,
		MaxPages:        cfg.Frontier.MaxPages,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open frontier: %w", err)
	}

	ids, err := docid.Open(cfg.Frontier.StorageFolder, cfg.Frontier.Resumable)
	if err != nil {
		front.Close()
		return nil, fmt.Errorf("open docid server: %w", err)
	}

	pages := fetcher.New(fetcher.Options{
		UserAgent:       cfg.Crawl.UserAgent,
		Timeout:         cfg.Crawl.RequestTimeout.Duration,
		MaxBodyBytes:    cfg.Crawl.MaxBodyBytes,
		PolitenessDelay: cfg.Frontier.PolitenessDelay.Duration,
		RateRequests:    cfg.Crawl.RateLimitPerHost.Requests,
		RateWindow:      cfg.Crawl.RateLimitPerHost.Window.Duration,
	})

	engine := &Engine{
		cfg:      cfg,
		runID:    runID,
		frontier: front,
		fetcher:  pages,
		robots:   robots.NewAgent(cfg.Robots, pages.Client()),
		docids:   ids,
		logger:   logger,
	}
	engine.closers = append(engine.closers, front.Close, ids.Close)

	if cfg.DB.Driver != "" && cfg.DB.DSN != "" {
		sink, err := storage.NewSQLWriter(cfg.DB)
		if err != nil {
			engine.Close()
			return nil, err
		}
		engine.sink = sink
		engine.closers = append(engine.closers, sink.Close)
	}
	return engine, nil
}

// Run executes the crawl until the frontier drains or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer e.Close()

	if err := e.scheduleSeeds(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < e.cfg.Worker.Concurrency; i++ {
		w := &worker{
			id:     fmt.Sprintf("worker-%d", i+1),
			engine: e,
			logger: e.logger.With("worker", i+1),
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			w.run(ctx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.watchForDrain(ctx)
	}()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		e.logger.Warn("context cancelled, shutting down")
		e.frontier.Finish()
		<-done
		return ctx.Err()
	case <-done:
		return nil
	}
}

// watchForDrain finishes the frontier once nothing is queued or assigned.
func (e *Engine) watchForDrain(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.frontier.QueueSize() == 0 && e.frontier.NumInProgress() == 0 {
				e.logger.Info("frontier drained", "scheduled", e.frontier.Scheduled())
				e.frontier.Finish()
				return
			}
		}
	}
}

func (e *Engine) scheduleSeeds() error {
	seeds := make([]types.WebURL, 0, len(e.cfg.Crawl.Seeds))
	for _, seed := range e.cfg.Crawl.Seeds {
		parsed, err := url.Parse(seed.URL)
		if err != nil {
			return fmt.Errorf("parse seed %q: %w", seed.URL, err)
		}
		if parsed.Scheme == "" {
			parsed.Scheme = "https"
		}
		if parsed.Host == "" {
			return fmt.Errorf("seed %q missing host", seed.URL)
		}

		id, seen, err := e.docids.GetOrAssign(parsed.String())
		if err != nil {
			return err
		}
		if seen {
			// Already discovered in a previous run; a resumable crawl
			// still holds any unfinished work for it in the frontier.
			continue
		}
		seeds = append(seeds, types.WebURL{
			Docid:     id,
			SeedDocid: id,
			Priority:  int8(seed.Priority),
			Depth:     0,
			URL:       parsed.String(),
			Host:      types.HostOf(parsed),
		})
	}

	rejected, err := e.frontier.ScheduleAll(seeds)
	if err != nil {
		return fmt.Errorf("schedule seeds: %w", err)
	}
	e.logger.Info("seeds scheduled", "accepted", len(seeds)-len(rejected), "rejected", len(rejected))
	return nil
}

// Close releases resources owned by the engine.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		for _, closer := range e.closers {
			if cerr := closer(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}
