// Package catalog polls the games catalog and invalidates cached bundles
// whose catalog entry changed or disappeared.
package catalog

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zeebo/blake3"

	"github.com/fruitsalade/bundleproxy/internal/bundle"
	"github.com/fruitsalade/bundleproxy/internal/events"
	"github.com/fruitsalade/bundleproxy/internal/logging"
	"github.com/fruitsalade/bundleproxy/internal/metrics"
	"github.com/fruitsalade/bundleproxy/pkg/models"
)

// DefaultSchedule polls every ten minutes.
const DefaultSchedule = "@every 10m"

// Fetcher downloads the catalog document.
type Fetcher interface {
	GetBytes(ctx context.Context, rawURL string) ([]byte, string, error)
}

// Invalidator drops a cached bundle.
type Invalidator interface {
	Invalidate(ctx context.Context, backendID, root string) error
}

// Notifier receives catalog events.
type Notifier interface {
	Publish(events.Event)
}

// Config holds watcher configuration.
type Config struct {
	URL      string
	Schedule string
	// Prefix is the bundle-root prefix stripped from game links.
	Prefix string
	// Backends whose cached copies are invalidated on change.
	Backends []string
	Timeout  time.Duration
}

// Result summarizes one catalog check.
type Result struct {
	Games       int
	Baseline    bool
	Changed     []string
	Removed     []string
	Invalidated int
}

// Watcher compares successive catalog versions game by game.
type Watcher struct {
	cfg    Config
	fetch  Fetcher
	inv    Invalidator
	notify Notifier

	mu       sync.Mutex
	digests  map[string]string
	baseline bool

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWatcher creates a watcher. notify may be nil.
func NewWatcher(cfg Config, fetch Fetcher, inv Invalidator, notify Notifier) *Watcher {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())

	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)

	return &Watcher{
		cfg:     cfg,
		fetch:   fetch,
		inv:     inv,
		notify:  notify,
		digests: make(map[string]string),
		cron:    cron.New(cron.WithParser(parser)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start runs an initial check in the background and schedules the rest.
func (w *Watcher) Start() error {
	if _, err := w.cron.AddFunc(w.cfg.Schedule, w.run); err != nil {
		return fmt.Errorf("invalid catalog schedule %q: %w", w.cfg.Schedule, err)
	}
	w.cron.Start()
	go w.run()

	logging.Info("catalog watcher started",
		logging.String("url", w.cfg.URL),
		logging.String("schedule", w.cfg.Schedule))
	return nil
}

// Stop cancels a running check and waits for scheduled jobs to finish.
func (w *Watcher) Stop() {
	w.cancel()
	ctx := w.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(30 * time.Second):
		logging.Warn("catalog watcher shutdown timeout")
	}
}

func (w *Watcher) run() {
	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.Timeout)
	defer cancel()

	res, err := w.Check(ctx)
	if err != nil {
		logging.Warn("catalog check failed", logging.Err(err))
		return
	}
	if len(res.Changed)+len(res.Removed) > 0 {
		logging.Info("catalog changed",
			logging.Int("changed", len(res.Changed)),
			logging.Int("removed", len(res.Removed)),
			logging.Int("invalidated", res.Invalidated))
	}
}

// Check downloads the catalog once. The first successful check only
// records digests; later checks invalidate games whose entry changed or
// was removed.
func (w *Watcher) Check(ctx context.Context) (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, _, err := w.fetch.GetBytes(ctx, w.cfg.URL)
	if err != nil {
		metrics.RecordCatalogCheck("error")
		return Result{}, fmt.Errorf("fetch catalog: %w", err)
	}
	var cat models.Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		metrics.RecordCatalogCheck("error")
		return Result{}, bundle.DecodeFailed("catalog", err)
	}

	next := Digests(cat)
	res := Result{Games: len(cat.Games)}

	if !w.baseline {
		w.digests = next
		w.baseline = true
		res.Baseline = true
		metrics.RecordCatalogCheck("unchanged")
		return res, nil
	}

	for link, d := range next {
		if old, ok := w.digests[link]; ok && old != d {
			res.Changed = append(res.Changed, link)
		}
	}
	for link := range w.digests {
		if _, ok := next[link]; !ok {
			res.Removed = append(res.Removed, link)
		}
	}
	slices.Sort(res.Changed)
	slices.Sort(res.Removed)
	w.digests = next

	if len(res.Changed)+len(res.Removed) == 0 {
		metrics.RecordCatalogCheck("unchanged")
		return res, nil
	}
	metrics.RecordCatalogCheck("changed")

	for _, link := range slices.Concat(res.Changed, res.Removed) {
		res.Invalidated += w.invalidate(ctx, link)
	}
	if w.notify != nil {
		w.notify.Publish(events.Event{
			Type:    events.EventCatalogChanged,
			Members: len(res.Changed) + len(res.Removed),
		})
	}
	return res, nil
}

func (w *Watcher) invalidate(ctx context.Context, link string) int {
	n := 0
	for _, backend := range w.cfg.Backends {
		ref, err := w.resolve(backend, link)
		if err != nil {
			logging.Debug("catalog link not resolvable",
				logging.String("backend", backend),
				logging.String("link", link),
				logging.Err(err))
			continue
		}
		if err := w.inv.Invalidate(ctx, backend, ref.Root); err != nil {
			logging.Warn("catalog invalidation failed",
				logging.String("backend", backend),
				logging.String("root", ref.Root),
				logging.Err(err))
			continue
		}
		n++
	}
	return n
}

// resolve maps a game link to the bundle a backend caches it under. Only
// zip links name archive bundles.
func (w *Watcher) resolve(backend, link string) (bundle.Ref, error) {
	isZip := strings.HasSuffix(strings.ToLower(link), ".zip")
	if backend == bundle.BackendArchive {
		if !isZip {
			return bundle.Ref{}, bundle.InvalidPathf("%q is not an archive", link)
		}
		return bundle.ResolveArchive(link, "")
	}
	if isZip {
		return bundle.Ref{}, bundle.InvalidPathf("%q is an archive", link)
	}
	return bundle.Resolve(link, w.cfg.Prefix)
}

// Digests returns a blake3 digest of every game's raw catalog entry, keyed
// by link. Games sharing a link are hashed together in catalog order.
func Digests(cat models.Catalog) map[string]string {
	hashers := make(map[string]*blake3.Hasher)
	for _, g := range cat.Games {
		if g.Link == "" {
			continue
		}
		h, ok := hashers[g.Link]
		if !ok {
			h = blake3.New()
			hashers[g.Link] = h
		}
		h.Write(g.Raw)
	}
	out := make(map[string]string, len(hashers))
	for link, h := range hashers {
		out[link] = hex.EncodeToString(h.Sum(nil))
	}
	return out
}
