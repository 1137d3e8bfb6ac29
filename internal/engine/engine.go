package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/docstore"
	"github.com/JakeFAU/crawl-supervisor/internal/domainfilter"
	"github.com/JakeFAU/crawl-supervisor/internal/frontier"
	"github.com/JakeFAU/crawl-supervisor/internal/hash/sha256"
	"github.com/JakeFAU/crawl-supervisor/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-supervisor/internal/policy/robots"
)

// Request context keys.
const (
	ctxFrontierURL = "frontier_url"
	ctxDepth       = "depth"
	ctxDontFilter  = "dont_filter"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// Stats summarises one Run.
type Stats struct {
	Requested int
	Stored    int
	Dropped   int
	Errors    int
	// Exhausted is true when the frontier has no pending URLs left.
	Exhausted bool
}

// Engine crawls one Spec at a time.
type Engine struct {
	fs       afero.Fs
	docs     docstore.Store
	reporter *Reporter
	logger   *zap.Logger
	hasher   *sha256.Hasher
	clock    Clock
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for document timestamps.
func WithClock(clock Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// New builds an Engine. reporter and logger may be nil.
func New(fs afero.Fs, docs docstore.Store, reporter *Reporter, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if fs == nil {
		return nil, fmt.Errorf("filesystem is required")
	}
	if docs == nil {
		return nil, fmt.Errorf("document store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if reporter == nil {
		reporter = NewReporter(nil, logger)
	}
	e := &Engine{
		fs:       fs,
		docs:     docs,
		reporter: reporter,
		logger:   logger.Named("engine"),
		hasher:   sha256.New(),
		clock:    utcClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// crawl is the state of one Run.
type crawl struct {
	*Engine
	ctx      context.Context
	spec     Spec
	opts     Options
	filter   *domainfilter.Filter
	frontier *frontier.Frontier
	limiter  *ratelimit.Limiter
	robots   robots.Policy
	seeds    map[string]struct{}

	requested atomic.Int64
	stored    atomic.Int64
	dropped   atomic.Int64
	errors    atomic.Int64
	limited   atomic.Bool

	// skipped holds URLs left pending because the page limit was hit.
	skipped sync.Map
}

// Run crawls until the frontier is exhausted, the page limit is reached or
// ctx is cancelled. Errors while handling individual pages are reported and
// do not stop the crawl.
func (e *Engine) Run(ctx context.Context, spec Spec) (Stats, error) {
	if err := spec.Validate(); err != nil {
		return Stats{}, err
	}
	opts, err := ParseOptions(spec.Config)
	if err != nil {
		return Stats{}, fmt.Errorf("engine config: %w", err)
	}
	filter, err := domainfilter.New(domainfilter.Config{Allow: spec.AllowDomains, Block: spec.BlockDomains})
	if err != nil {
		return Stats{}, fmt.Errorf("domain filter: %w", err)
	}
	fr, err := frontier.Open(e.fs, spec.StateDir)
	if err != nil {
		return Stats{}, err
	}
	defer func() {
		if cerr := fr.Close(); cerr != nil {
			e.logger.Warn("close frontier", zap.Error(cerr))
		}
	}()

	c := &crawl{
		Engine:   e,
		ctx:      ctx,
		spec:     spec,
		opts:     opts,
		filter:   filter,
		frontier: fr,
		limiter:  ratelimit.New(ratelimit.Config{RPS: opts.Rate, Burst: opts.Burst}),
		robots:   robots.New(opts.ObeyRobots, opts.UserAgent, e.logger),
		seeds:    make(map[string]struct{}, len(spec.StartURLs)),
	}
	for _, raw := range spec.StartURLs {
		u, err := normalizeURL(raw)
		if err != nil {
			return Stats{}, fmt.Errorf("start url %q: %w", raw, err)
		}
		c.seeds[u] = struct{}{}
	}
	if fr.Fresh() {
		for _, raw := range spec.StartURLs {
			u, _ := normalizeURL(raw)
			if _, err := fr.Add(u, 0); err != nil {
				return Stats{}, err
			}
		}
	}
	e.logger.Info("crawl starting",
		zap.String("job_id", spec.JobID),
		zap.Int("run", spec.Run),
		zap.Bool("cold_start", fr.Fresh()),
		zap.Int("known_urls", fr.Len()),
	)

	collector, err := c.collector()
	if err != nil {
		return Stats{}, err
	}
	err = c.loop(collector)
	stats := c.stats()
	e.logger.Info("crawl finished",
		zap.String("job_id", spec.JobID),
		zap.Int("requested", stats.Requested),
		zap.Int("stored", stats.Stored),
		zap.Int("errors", stats.Errors),
		zap.Bool("exhausted", stats.Exhausted),
	)
	return stats, err
}

func (c *crawl) loop(collector *colly.Collector) error {
	for {
		if err := c.ctx.Err(); err != nil {
			return fmt.Errorf("crawl interrupted: %w", err)
		}
		batch := c.frontier.Pending()
		if len(batch) == 0 || c.limited.Load() {
			return nil
		}
		for _, entry := range batch {
			rctx := colly.NewContext()
			rctx.Put(ctxFrontierURL, entry.URL)
			rctx.Put(ctxDepth, strconv.Itoa(entry.Depth))
			if _, ok := c.seeds[entry.URL]; ok {
				rctx.Put(ctxDontFilter, "1")
			}
			if err := collector.Request("GET", entry.URL, nil, rctx, nil); err != nil {
				c.errors.Add(1)
				c.reporter.Error(fmt.Sprintf("schedule %s: %v", entry.URL, err))
				c.markDone(entry.URL)
			}
		}
		collector.Wait()

		if err := c.ctx.Err(); err != nil {
			return fmt.Errorf("crawl interrupted: %w", err)
		}
		// Anything colly dropped without a callback would otherwise be
		// rescheduled forever.
		for _, entry := range batch {
			if _, ok := c.skipped.Load(entry.URL); ok {
				continue
			}
			c.markDone(entry.URL)
		}
	}
}

func (c *crawl) collector() (*colly.Collector, error) {
	collector := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(c.opts.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(c.opts.RequestTimeout)
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: c.opts.Parallelism,
		Delay:       c.opts.Delay,
	}); err != nil {
		return nil, fmt.Errorf("set collector limits: %w", err)
	}
	collector.OnRequest(c.handleRequest)
	collector.OnResponse(c.handleResponse)
	collector.OnHTML("a[href]", c.handleLink)
	collector.OnScraped(func(r *colly.Response) {
		c.markDone(r.Ctx.Get(ctxFrontierURL))
	})
	collector.OnError(c.handleError)
	return collector, nil
}

func (c *crawl) handleRequest(r *colly.Request) {
	key := r.Ctx.Get(ctxFrontierURL)
	if c.ctx.Err() != nil {
		r.Abort()
		return
	}
	if c.filter.Decide(key, r.Ctx.Get(ctxDontFilter) == "1") == domainfilter.Drop {
		c.dropped.Add(1)
		c.logger.Debug("dropped by domain filter", zap.String("url", key))
		c.markDone(key)
		r.Abort()
		return
	}
	if !c.robots.Allowed(c.ctx, key) {
		c.dropped.Add(1)
		c.logger.Debug("disallowed by robots.txt", zap.String("url", key))
		c.markDone(key)
		r.Abort()
		return
	}
	if c.opts.MaxPages > 0 && c.requested.Add(1) > int64(c.opts.MaxPages) {
		c.limited.Store(true)
		c.skipped.Store(key, struct{}{})
		r.Abort()
		return
	}
	if c.opts.MaxPages == 0 {
		c.requested.Add(1)
	}
	// A canceled wait leaves the URL pending for the next run.
	if err := c.limiter.Wait(c.ctx, key); err != nil {
		r.Abort()
	}
}

func (c *crawl) handleResponse(r *colly.Response) {
	key := r.Ctx.Get(ctxFrontierURL)
	doc := docstore.Document{
		JobID:       c.spec.JobID,
		URL:         key,
		StatusCode:  r.StatusCode,
		ContentHash: c.hasher.Hash(r.Body),
		Bytes:       len(r.Body),
		FetchedAt:   c.clock.Now(),
	}
	if err := c.docs.Put(c.ctx, doc); err != nil {
		c.errors.Add(1)
		c.reporter.Exception(fmt.Errorf("store %s: %w", key, err), false)
		return
	}
	c.stored.Add(1)
}

func (c *crawl) handleLink(e *colly.HTMLElement) {
	depth, _ := strconv.Atoi(e.Request.Ctx.Get(ctxDepth))
	if c.opts.MaxDepth > 0 && depth+1 > c.opts.MaxDepth {
		return
	}
	link, err := normalizeURL(e.Request.AbsoluteURL(e.Attr("href")))
	if err != nil {
		return
	}
	if _, err := c.frontier.Add(link, depth+1); err != nil {
		c.errors.Add(1)
		c.reporter.Exception(err, false)
	}
}

func (c *crawl) handleError(r *colly.Response, err error) {
	key := r.Ctx.Get(ctxFrontierURL)
	if c.ctx.Err() != nil {
		return
	}
	c.errors.Add(1)
	c.reporter.Error(fmt.Sprintf("fetch %s: %v (status %d)", key, err, r.StatusCode))
	c.markDone(key)
}

func (c *crawl) markDone(url string) {
	if url == "" {
		return
	}
	if err := c.frontier.Done(url); err != nil {
		c.errors.Add(1)
		c.reporter.Exception(err, false)
	}
}

func (c *crawl) stats() Stats {
	requested := c.requested.Load()
	if c.opts.MaxPages > 0 && requested > int64(c.opts.MaxPages) {
		requested = int64(c.opts.MaxPages)
	}
	return Stats{
		Requested: int(requested),
		Stored:    int(c.stored.Load()),
		Dropped:   int(c.dropped.Load()),
		Errors:    int(c.errors.Load()),
		Exhausted: len(c.frontier.Pending()) == 0,
	}
}
