package cache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/bundleproxy/internal/bundle"
	"github.com/fruitsalade/bundleproxy/internal/events"
	"github.com/fruitsalade/bundleproxy/internal/logging"
	"github.com/fruitsalade/bundleproxy/internal/metrics"
)

// Status is the build state of one bundle root.
type Status int

const (
	StatusAbsent Status = iota
	StatusPending
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "absent"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State describes one (backend, root) bundle. Values returned by
// BundleCache are snapshots and safe to read without locking.
type State struct {
	Backend    string    `json:"backend"`
	Root       string    `json:"root"`
	Entry      string    `json:"entry"`
	Generation int64     `json:"generation"`
	Status     Status    `json:"status"`
	Streamed   int       `json:"streamed,omitempty"`
	Open       bool      `json:"open,omitempty"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`

	// MemberKeys holds the cache keys of every member of the bundle.
	MemberKeys map[string]struct{} `json:"-"`
	// Err is the cause of a failed build.
	Err error `json:"-"`
}

// Has reports whether key is a member of the bundle.
func (s *State) Has(key string) bool {
	_, ok := s.MemberKeys[key]
	return ok
}

func (s *State) clone() *State {
	cp := *s
	cp.MemberKeys = maps.Clone(s.MemberKeys)
	return &cp
}

// Source is what a build needs from a backend.
type Source interface {
	ID() string
	Enumerates() bool
	List(ctx context.Context, ref bundle.Ref) iter.Seq2[bundle.Member, error]
	Fetch(ctx context.Context, p string) (bundle.Content, error)
}

// Notifier receives state transitions.
type Notifier interface {
	Publish(events.Event)
}

// Config holds BundleCache settings.
type Config struct {
	// Generation is the cache version stamped on every entry. Entries of
	// other generations are misses and are removed by Prune.
	Generation int
	// FetchConcurrency bounds member fetches within one build.
	FetchConcurrency int
	// MaxStreamBytes skips members with a larger size hint during builds;
	// they are streamed on demand instead. Zero caches everything.
	MaxStreamBytes int64
	// BuildTimeout bounds a build that outlives its callers' requests.
	BuildTimeout time.Duration
}

// BundleCache owns the member store and the per-root state machine
// Absent -> Pending -> Ready | Failed. A Failed state is treated as Absent
// by the next EnsureCached; nothing is retried internally.
type BundleCache struct {
	store  Store
	cfg    Config
	notify Notifier

	group singleflight.Group

	mu      sync.Mutex
	states  map[string]*State
	gens    map[string]int64
	flights map[string]*flight
}

// flight is the detached context shared by the callers waiting on one
// build. The build is cancelled when the last waiter gives up.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
	waiting int // waiters attached to the singleflight call
}

// New creates a BundleCache over store. notify may be nil.
func New(store Store, cfg Config, notify Notifier) *BundleCache {
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 8
	}
	return &BundleCache{
		store:   store,
		cfg:     cfg,
		notify:  notify,
		states:  make(map[string]*State),
		gens:    make(map[string]int64),
		flights: make(map[string]*flight),
	}
}

// Store returns the underlying store.
func (c *BundleCache) Store() Store { return c.store }

// Generation returns the cache version entries are stamped with.
func (c *BundleCache) Generation() int { return c.cfg.Generation }

// EnsureCached makes sure every member of ref is cached, enumerating and
// fetching at most once per root and generation however many callers ask
// concurrently. It returns the Ready state.
func (c *BundleCache) EnsureCached(ctx context.Context, ref bundle.Ref, src Source) (*State, error) {
	id := RootPrefix(src.ID(), ref.Root)
	entryKey := Key(src.ID(), "", ref.Entry)

	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		st := c.states[id]
		if st != nil && st.Status == StatusReady && st.Has(entryKey) {
			snap := st.clone()
			c.mu.Unlock()
			return snap, nil
		}
		gen := c.gens[id]
		c.mu.Unlock()

		if st == nil {
			if snap, ok := c.restore(ctx, src.ID(), ref, id, gen); ok {
				return snap, nil
			}
		}

		snap, err := c.await(ctx, ref, src, id, gen)
		if err != nil && attempt == 0 && errors.Is(err, context.Canceled) && ctx.Err() == nil {
			// Joined a build abandoned by all of its earlier waiters.
			continue
		}
		return snap, err
	}
}

func (c *BundleCache) await(ctx context.Context, ref bundle.Ref, src Source, id string, gen int64) (*State, error) {
	key := id + "@" + strconv.FormatInt(gen, 10)
	f := c.join(ctx, key)
	defer c.leave(key, f)

	ch := c.group.DoChan(key, func() (any, error) {
		return c.build(f.ctx, ref, src, id, gen)
	})
	c.mu.Lock()
	f.waiting++
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return res.Val.(*State).clone(), nil
	}
}

func (c *BundleCache) join(ctx context.Context, key string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := c.flights[key]
	if f == nil {
		bctx := context.WithoutCancel(ctx)
		var cancel context.CancelFunc
		if c.cfg.BuildTimeout > 0 {
			bctx, cancel = context.WithTimeout(bctx, c.cfg.BuildTimeout)
		} else {
			bctx, cancel = context.WithCancel(bctx)
		}
		f = &flight{ctx: bctx, cancel: cancel}
		c.flights[key] = f
	} else {
		metrics.RecordBuildJoined()
	}
	f.waiters++
	return f
}

func (c *BundleCache) leave(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f.waiters--
	f.waiting--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
}

// restore rebuilds a Ready state from a persisted marker, if the store
// keeps markers and the entry document is still cached.
func (c *BundleCache) restore(ctx context.Context, backendID string, ref bundle.Ref, id string, gen int64) (*State, bool) {
	ms, ok := c.store.(MarkerStore)
	if !ok {
		return nil, false
	}
	m, found, err := ms.GetMarker(ctx, backendID, ref.Root)
	if err != nil {
		logging.WithContext(ctx).Warn("read cache marker", logging.String("root", ref.Root), logging.Err(err))
		return nil, false
	}
	if !found || m.Generation != c.cfg.Generation {
		return nil, false
	}

	st := &State{
		Backend:    backendID,
		Root:       ref.Root,
		Entry:      m.Entry,
		Generation: gen,
		Status:     StatusReady,
		Open:       m.Open,
		UpdatedAt:  m.CachedAt,
		MemberKeys: make(map[string]struct{}, len(m.Members)),
	}
	for _, k := range m.Members {
		st.MemberKeys[k] = struct{}{}
	}
	entryKey := Key(backendID, "", ref.Entry)
	if !st.Has(entryKey) {
		return nil, false
	}
	if _, ok := c.Get(ctx, entryKey); !ok {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[id] != gen {
		return nil, false
	}
	if cur := c.states[id]; cur == nil {
		c.states[id] = st
	}
	logging.WithContext(ctx).Debug("bundle restored from marker",
		logging.Bundle(backendID, ref.Root))
	return st.clone(), true
}

func (c *BundleCache) build(ctx context.Context, ref bundle.Ref, src Source, id string, gen int64) (*State, error) {
	start := time.Now()
	backend := src.ID()
	log := logging.WithContext(ctx)

	c.mu.Lock()
	prev := c.states[id]
	if prev != nil {
		prev = prev.clone()
	}
	pending := &State{
		Backend:    backend,
		Root:       ref.Root,
		Entry:      ref.Entry,
		Generation: gen,
		Status:     StatusPending,
		UpdatedAt:  start,
	}
	if c.gens[id] == gen {
		c.states[id] = pending
	}
	c.mu.Unlock()
	c.publish(events.EventPending, pending)

	st, err := c.populate(ctx, ref, src, id, gen, prev)
	metrics.RecordBundleBuild(backend, time.Since(start), err == nil)
	if err != nil {
		failed := pending.clone()
		failed.Status = StatusFailed
		failed.Err = err
		failed.Error = err.Error()
		failed.UpdatedAt = time.Now()
		c.install(id, gen, failed)
		log.Warn("bundle build failed",
			logging.Bundle(backend, ref.Root),
			logging.Err(err),
		)
		c.publish(events.EventFailed, failed)
		return nil, err
	}

	snap, ok := c.install(id, gen, st)
	if !ok {
		log.Debug("bundle invalidated during build", logging.String("root", ref.Root))
		return snap, nil
	}
	c.saveMarker(ctx, st)

	log.Info("bundle cached",
		logging.Bundle(backend, ref.Root),
		logging.Int("members", len(snap.MemberKeys)),
		logging.Int("streamed", snap.Streamed),
		logging.Duration("elapsed", time.Since(start)),
	)
	c.publish(events.EventReady, snap)
	return snap, nil
}

func (c *BundleCache) populate(ctx context.Context, ref bundle.Ref, src Source, id string, gen int64, prev *State) (*State, error) {
	backend := src.ID()

	var members []bundle.Member
	for m, err := range src.List(ctx, ref) {
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	entry := ref.EntryMember()
	hasEntry := false
	for _, m := range members {
		if m.Path == entry {
			hasEntry = true
			break
		}
	}
	if !hasEntry {
		m := bundle.NewMember(entry, 0)
		m.Entry = true
		members = append(members, m)
	}

	st := &State{
		Backend:    backend,
		Root:       ref.Root,
		Entry:      ref.Entry,
		Generation: gen,
		Status:     StatusReady,
		Open:       !src.Enumerates(),
		MemberKeys: make(map[string]struct{}, len(members)),
	}
	if st.Open && prev != nil && prev.Status == StatusReady {
		maps.Copy(st.MemberKeys, prev.MemberKeys)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.FetchConcurrency)
	for _, m := range members {
		p := ref.MemberPath(m.Path)
		key := Key(backend, "", p)
		st.MemberKeys[key] = struct{}{}

		if m.Path != entry && c.cfg.MaxStreamBytes > 0 && m.SizeHint > c.cfg.MaxStreamBytes {
			st.Streamed++
			continue
		}
		if _, ok := c.lookup(ctx, key); ok {
			continue
		}
		g.Go(func() error {
			content, err := src.Fetch(gctx, p)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", p, err)
			}
			return c.putIfCurrent(gctx, id, gen, key, content)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	st.UpdatedAt = time.Now()
	return st, nil
}

// install replaces the state of id unless the root was invalidated since
// the build started.
// install stores st unless the root was invalidated since gen was read.
// It returns a copy of st taken under the lock; once installed, st itself
// may be modified by Remember.
func (c *BundleCache) install(id string, gen int64, st *State) (*State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[id] != gen {
		return st.clone(), false
	}
	c.states[id] = st
	return st.clone(), true
}

func (c *BundleCache) saveMarker(ctx context.Context, st *State) {
	ms, ok := c.store.(MarkerStore)
	if !ok {
		return
	}
	c.mu.Lock()
	m := &Marker{
		Entry:      st.Entry,
		Members:    make([]string, 0, len(st.MemberKeys)),
		Open:       st.Open,
		Generation: c.cfg.Generation,
		CachedAt:   st.UpdatedAt,
	}
	for k := range st.MemberKeys {
		m.Members = append(m.Members, k)
	}
	c.mu.Unlock()

	if err := ms.PutMarker(ctx, st.Backend, st.Root, m); err != nil {
		logging.WithContext(ctx).Warn("write cache marker", logging.String("root", st.Root), logging.Err(err))
	}
}

// Get returns the cached entry for key. Store errors count as misses.
func (c *BundleCache) Get(ctx context.Context, key string) (*Entry, bool) {
	e, ok := c.lookup(ctx, key)
	metrics.RecordCacheLookup(c.store.Name(), ok)
	return e, ok
}

func (c *BundleCache) lookup(ctx context.Context, key string) (*Entry, bool) {
	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		logging.WithContext(ctx).Warn("cache store read failed", logging.String("key", key), logging.Err(err))
		return nil, false
	}
	if !ok || e.Generation != c.cfg.Generation {
		return nil, false
	}
	return e, true
}

// Put stores member bytes under key with the current generation.
func (c *BundleCache) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return c.store.Put(ctx, &Entry{
		Key:         key,
		Bytes:       data,
		ContentType: contentType,
		FetchedAt:   time.Now(),
		Generation:  c.cfg.Generation,
	})
}

// putIfCurrent drops writes from builds of an invalidated generation.
func (c *BundleCache) putIfCurrent(ctx context.Context, id string, gen int64, key string, content bundle.Content) error {
	c.mu.Lock()
	current := c.gens[id] == gen
	c.mu.Unlock()
	if !current {
		return nil
	}
	return c.Put(ctx, key, content.Bytes, content.ContentType)
}

// Invalidate bumps the generation of a root, forgets its state and
// removes its entries. Builds still running for the old generation can
// no longer install state or write entries.
func (c *BundleCache) Invalidate(ctx context.Context, backendID, root string) error {
	id := RootPrefix(backendID, root)

	c.mu.Lock()
	c.gens[id]++
	gen := c.gens[id]
	delete(c.states, id)
	c.mu.Unlock()

	n, err := c.store.DeletePrefix(ctx, id)
	if err != nil {
		return fmt.Errorf("invalidate %s: %w", id, err)
	}
	if ms, ok := c.store.(MarkerStore); ok {
		if err := ms.DeleteMarker(ctx, backendID, root); err != nil {
			return fmt.Errorf("invalidate %s marker: %w", id, err)
		}
	}

	logging.WithContext(ctx).Info("bundle invalidated",
		logging.Bundle(backendID, root),
		logging.Int("entries", n),
	)
	c.publish(events.EventInvalidated, &State{Backend: backendID, Root: root, Generation: gen})
	return nil
}

// Prune removes every entry whose generation differs from the current
// cache version.
func (c *BundleCache) Prune(ctx context.Context) (int, error) {
	n, err := c.store.Prune(ctx, c.cfg.Generation)
	if err != nil {
		return n, fmt.Errorf("prune: %w", err)
	}
	metrics.RecordCachePruned(n)
	if n > 0 {
		logging.WithContext(ctx).Info("pruned stale cache entries",
			logging.Int("entries", n), logging.Int("generation", c.cfg.Generation))
	}
	if c.notify != nil {
		c.notify.Publish(events.Event{Type: events.EventPruned, Members: n, Generation: int64(c.cfg.Generation)})
	}
	return n, nil
}

// State returns a snapshot of the state of a root.
func (c *BundleCache) State(backendID, root string) (*State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[RootPrefix(backendID, root)]
	if !ok {
		return nil, false
	}
	return st.clone(), true
}

// Contains reports whether a backend path belongs to a Ready bundle:
// either a listed member or, for bundles whose membership grows on
// demand, any path under the bundle root.
func (c *BundleCache) Contains(backendID, backendPath string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner(backendID, backendPath) != nil
}

// Remember adds a path discovered after the build to the bundle owning it.
func (c *BundleCache) Remember(backendID, backendPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.owner(backendID, backendPath); st != nil && st.Open {
		st.MemberKeys[Key(backendID, "", backendPath)] = struct{}{}
	}
}

// owner returns the Ready state with the longest root containing
// backendPath. Must be called with lock held.
func (c *BundleCache) owner(backendID, backendPath string) *State {
	key := Key(backendID, "", backendPath)
	var best *State
	for id, st := range c.states {
		if st.Status != StatusReady || !strings.HasPrefix(key, id) {
			continue
		}
		if !st.Open && !st.Has(key) {
			continue
		}
		if best == nil || len(st.Root) > len(best.Root) {
			best = st
		}
	}
	return best
}

// Stats summarizes the store and the known bundle states.
type Stats struct {
	Store      string         `json:"store"`
	Generation int            `json:"generation"`
	Entries    int            `json:"entries"`
	Bytes      int64          `json:"bytes"`
	States     map[string]int `json:"states"`
	Builds     int            `json:"builds"`
	Waiting    int            `json:"waiting"`
}

// Stats returns store and state counts.
func (c *BundleCache) Stats(ctx context.Context) (Stats, error) {
	ss, err := c.store.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("store stats: %w", err)
	}
	metrics.SetCacheEntries(ss.Entries)

	st := Stats{
		Store:      c.store.Name(),
		Generation: c.cfg.Generation,
		Entries:    ss.Entries,
		Bytes:      ss.Bytes,
		States:     make(map[string]int),
	}
	c.mu.Lock()
	for _, s := range c.states {
		st.States[s.Status.String()]++
	}
	for _, f := range c.flights {
		st.Builds++
		st.Waiting += f.waiting
	}
	c.mu.Unlock()
	return st, nil
}

func (c *BundleCache) publish(typ string, st *State) {
	if c.notify == nil {
		return
	}
	c.notify.Publish(events.Event{
		Type:       typ,
		Backend:    st.Backend,
		Root:       st.Root,
		Generation: st.Generation,
		Members:    len(st.MemberKeys),
		Error:      st.Error,
	})
}
