package crawler

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"crawlfrontier/internal/storage"
	"crawlfrontier/pkg/types"
)

// worker repeatedly claims the next eligible URL from the frontier, fetches
// it, schedules the links it discovers, and reports completion.
type worker struct {
	id     string
	engine *Engine
	logger *slog.Logger
}

// ID returns the worker's stable identifier.
func (w *worker) ID() string {
	return w.id
}

// OnSeedEnd is invoked by the frontier when the last offspring of a seed
// leaves through this worker.
func (w *worker) OnSeedEnd(seedDocid int64) {
	w.logger.Info("seed fully crawled", "seed", seedDocid)
}

func (w *worker) run(ctx context.Context) {
	e := w.engine
	for {
		u := e.frontier.NextURL(ctx, w, e.fetcher)
		if u == nil {
			if e.frontier.Finished() || ctx.Err() != nil {
				return
			}
			continue
		}
		w.process(ctx, *u)
	}
}

func (w *worker) process(ctx context.Context, u types.WebURL) {
	e := w.engine

	parsed, err := url.Parse(u.URL)
	if err != nil {
		w.logger.Warn("unparseable url in frontier", "url", u.URL, "error", err)
		w.finish(u)
		return
	}

	if !e.robots.Allowed(ctx, parsed) {
		w.logger.Debug("blocked by robots", "url", u.URL)
		w.finish(u)
		return
	}

	page, err := e.fetcher.Fetch(ctx, u)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down mid-claim: hand the URL back so a future run
			// fetches it instead of losing it.
			e.frontier.Abandon(w, u, e.fetcher)
			return
		}
		w.logger.Warn("fetch failed", "url", u.URL, "error", err)
		w.finish(u)
		return
	}

	if e.sink != nil {
		if err := e.sink.SavePage(ctx, storage.FromResult(u, page)); err != nil {
			w.logger.Error("persist failed", "url", u.URL, "error", err)
		}
	}

	if int(u.Depth) < e.cfg.Crawl.MaxDepth && isHTML(page.ContentType) {
		w.scheduleChildren(u, page)
	}
	w.finish(u)
}

// finish reports a URL as processed, logging rather than propagating store
// failures: the crawl keeps going because a failed completion is handed back
// with Abandon, which releases the claim while the record stays in the store
// to be dispatched again.
func (w *worker) finish(u types.WebURL) {
	if err := w.engine.frontier.SetProcessed(w, u); err != nil {
		w.logger.Error("completion not recorded", "url", u.URL, "error", err)
		w.engine.frontier.Abandon(w, u, w.engine.fetcher)
	}
}

func (w *worker) scheduleChildren(parent types.WebURL, page *types.Page) {
	e := w.engine

	base := page.FinalURL
	if base == nil {
		base = page.URL
	}
	links := extractLinks(base, page.Body, e.cfg.Crawl.MaxLinksPerPage)

	children := make([]types.WebURL, 0, len(links))
	for _, link := range links {
		host := types.HostOf(link)
		if host == "" {
			continue
		}
		if !e.cfg.Crawl.FollowExternal && host != parent.Host {
			continue
		}

		id, seen, err := e.docids.GetOrAssign(link.String())
		if err != nil {
			w.logger.Error("docid assignment failed", "url", link.String(), "error", err)
			continue
		}
		if seen {
			continue
		}
		children = append(children, types.WebURL{
			Docid:       id,
			SeedDocid:   parent.SeedDocid,
			ParentDocid: parent.Docid,
			Priority:    parent.Priority,
			Depth:       parent.Depth + 1,
			URL:         link.String(),
			Host:        host,
		})
	}
	if len(children) == 0 {
		return
	}

	rejected, err := e.frontier.ScheduleAll(children)
	if err != nil {
		w.logger.Error("scheduling discovered links failed", "parent", parent.URL, "error", err)
		return
	}
	w.logger.Debug("links scheduled",
		"parent", parent.URL,
		"found", len(links),
		"accepted", len(children)-len(rejected))
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml")
}
