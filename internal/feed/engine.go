package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/instaplus/internal/posts"
	"go.uber.org/zap"
)

var errMissingFetcher = errors.New("feed: fetcher required")

// Fetcher loads one page. An empty cursor requests the first page.
type Fetcher interface {
	FetchPage(ctx context.Context, cursor string) (Page, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, cursor string) (Page, error)

func (f FetcherFunc) FetchPage(ctx context.Context, cursor string) (Page, error) {
	return f(ctx, cursor)
}

type Config struct {
	Fetcher Fetcher
	Logger  *zap.Logger
	// OnChange is called after every state or item change, without locks held.
	OnChange func(State)
}

// Engine owns the merged feed list and drives State.
type Engine struct {
	fetcher  Fetcher
	logger   *zap.Logger
	onChange func(State)

	mu          sync.Mutex
	state       State
	items       []posts.Post
	seen        map[string]struct{}
	cancel      context.CancelFunc
	initialized bool
	closed      bool
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		fetcher:  cfg.Fetcher,
		logger:   logger,
		onChange: cfg.OnChange,
		state:    InitialState(),
		seen:     make(map[string]struct{}),
	}, nil
}

// Init loads the first page once. Later calls are no-ops.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	if e.initialized || e.closed {
		e.mu.Unlock()
		return nil
	}
	e.initialized = true
	e.mu.Unlock()
	return e.fetch(ctx, false)
}

// LoadMore fetches the next page on explicit request, replacing any fetch in flight.
func (e *Engine) LoadMore(ctx context.Context) error {
	return e.fetch(ctx, false)
}

// OnSentinel handles a proximity-to-end signal. It is ignored while loading or when exhausted.
func (e *Engine) OnSentinel(ctx context.Context) error {
	return e.fetch(ctx, true)
}

// Reset aborts the fetch in flight, clears the list and reloads the first page.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.state = Reset(e.state)
	e.items = nil
	e.seen = make(map[string]struct{})
	e.initialized = true
	state := e.state
	e.mu.Unlock()
	e.notify(state)
	return e.fetch(ctx, false)
}

// Close cancels the fetch in flight. The engine ignores every later call.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.state = Reset(e.state)
	e.state.HasMore = false
}

// Items returns a copy of the merged list in first-seen order.
func (e *Engine) Items() []posts.Post {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]posts.Post(nil), e.items...)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) fetch(ctx context.Context, automatic bool) error {
	e.mu.Lock()
	if e.closed || !e.state.HasMore || (automatic && !e.state.CanAutoFetch()) {
		e.mu.Unlock()
		return nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.state = BeginFetch(e.state)
	generation := e.state.Generation
	cursor := e.state.Cursor
	started := e.state
	e.mu.Unlock()
	e.notify(started)

	page, err := e.fetcher.FetchPage(fetchCtx, cursor)
	if err == nil && fetchCtx.Err() != nil {
		err = fetchCtx.Err()
	}

	e.mu.Lock()
	var applied bool
	if err != nil {
		e.state, applied = FailFetch(e.state, generation, err)
	} else {
		e.state, applied = ApplyPage(e.state, generation, page)
		if applied {
			e.merge(page.Items)
		}
	}
	if applied && e.state.Generation == generation {
		e.cancel = nil
	}
	state := e.state
	e.mu.Unlock()
	cancel()

	if !applied {
		return nil
	}
	e.notify(state)
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("feed page fetch failed", zap.String("cursor", cursor), zap.Error(err))
		return state.Err
	}
	return nil
}

// merge appends unseen posts. Caller holds mu.
func (e *Engine) merge(incoming []posts.Post) {
	for _, post := range incoming {
		if _, ok := e.seen[post.ID]; ok {
			continue
		}
		e.seen[post.ID] = struct{}{}
		e.items = append(e.items, post)
	}
}

func (e *Engine) notify(state State) {
	if e.onChange != nil {
		e.onChange(state)
	}
}
