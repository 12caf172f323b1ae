// Package worker implements the crawl loop that drives runs page by page.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tfaulkner/listing-crawler/internal/coordinator"
	"github.com/tfaulkner/listing-crawler/internal/listing"
	"github.com/tfaulkner/listing-crawler/internal/metrics"
	"github.com/tfaulkner/listing-crawler/internal/pagesource"
)

// ErrQueueClosed reports that the crawl queue has shut down and no
// further requests will arrive.
var ErrQueueClosed = errors.New("queue closed")

// Request asks for one crawl of a city in a given mode. An empty Mode
// falls back to the worker's configured default.
type Request struct {
	City string
	Mode string
}

// Queue hands crawl requests to workers.
type Queue interface {
	Enqueue(ctx context.Context, req Request) error
	Dequeue(ctx context.Context) (Request, error)
}

// Config controls Worker behavior.
type Config struct {
	PageSize    int
	DefaultMode string
}

// Worker consumes crawl requests and executes the fetch loop: start a
// run, feed pages to the coordinator until it says stop or the source
// runs dry, then finalize.
type Worker struct {
	queue  Queue
	coord  *coordinator.Coordinator
	source pagesource.Source
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(
	queue Queue,
	coord *coordinator.Coordinator,
	source pagesource.Source,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	return &Worker{
		queue:  queue,
		coord:  coord,
		source: source,
		cfg:    cfg,
		logger: logger,
	}
}

// Run blocks, consuming crawl requests until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued crawl request", zap.String("city", req.City), zap.String("mode", req.Mode))
		if _, err := w.CrawlCity(ctx, req); err != nil {
			w.logger.Error("crawl failed",
				zap.String("city", req.City),
				zap.Error(err),
			)
		}
	}
}

// CrawlCity runs one complete crawl for a city and returns the report.
func (w *Worker) CrawlCity(ctx context.Context, req Request) (listing.RunReport, error) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	modeName := req.Mode
	if modeName == "" {
		modeName = w.cfg.DefaultMode
	}

	record, validation, err := w.coord.StartRun(ctx, req.City, modeName, nil)
	if err != nil {
		return listing.RunReport{}, fmt.Errorf("start run: %w", err)
	}
	if len(validation.Warnings) > 0 {
		w.logger.Warn("mode configuration warnings",
			zap.String("run_id", record.ID),
			zap.Strings("warnings", validation.Warnings),
		)
	}

	for page := 1; ; page++ {
		pg, meta, err := w.source.FetchPage(ctx, req.City, page, w.cfg.PageSize)
		if err != nil {
			w.failRun(ctx, record, fmt.Errorf("fetch page %d: %w", page, err))
			return listing.RunReport{}, fmt.Errorf("fetch page %d: %w", page, err)
		}
		w.logger.Debug("page fetched",
			zap.String("run_id", record.ID),
			zap.Int("page", page),
			zap.Int("listings", len(pg.Listings)),
			zap.Int("attempts", meta.Attempts),
			zap.Duration("latency", meta.Latency),
		)
		if len(pg.Listings) == 0 {
			break
		}

		texts, urls := pg.Texts()
		eval, err := w.coord.EvaluatePage(ctx, record.ID, page, texts, urls)
		if err != nil {
			w.failRun(ctx, record, fmt.Errorf("evaluate page %d: %w", page, err))
			return listing.RunReport{}, fmt.Errorf("evaluate page %d: %w", page, err)
		}
		metrics.ObservePageVerdict(req.City, string(eval.Verdict))

		if eval.Verdict == listing.VerdictStop {
			w.logger.Info("stopping crawl",
				zap.String("run_id", record.ID),
				zap.Int("page", page),
				zap.String("reason", eval.Reason),
				zap.Float64("confidence", eval.Confidence),
			)
			break
		}
		if !pg.HasMore {
			break
		}
	}

	report, err := w.coord.FinalizeRun(ctx, record.ID)
	if err != nil {
		return listing.RunReport{}, fmt.Errorf("finalize run: %w", err)
	}
	metrics.ObserveRun(string(report.Run.Status), report.Run.Mode)
	return report, nil
}

func (w *Worker) failRun(ctx context.Context, record listing.RunRecord, cause error) {
	if err := w.coord.FailRun(ctx, record.ID, cause); err != nil {
		w.logger.Error("fail run status update",
			zap.String("run_id", record.ID),
			zap.Error(err),
		)
	}
	metrics.ObserveRun(string(listing.RunStatusFailed), record.Mode)
}
