// Package storyviewer walks a list of story sets author by author with autoplay.
package storyviewer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/media"
	"github.com/MarcoPoloResearchLab/instaplus/internal/stories"
	"go.uber.org/zap"
)

const (
	// TickInterval is the autoplay cadence.
	TickInterval = 100 * time.Millisecond
	// TickStep is the progress gained per tick, in percent.
	TickStep = 2.0

	notifyTimeout = 10 * time.Second
)

var (
	ErrNoStories     = errors.New("storyviewer: no stories to show")
	ErrAuthorMissing = errors.New("storyviewer: start author has no stories")
)

//go:generate go run go.uber.org/mock/mockgen -source=viewer.go -destination=mocks/mock.go

// Notifier records that the viewer saw an author's stories. *apiclient.Client satisfies it.
type Notifier interface {
	MarkStoryViewed(ctx context.Context, authorID string) error
}

type Config struct {
	Sets []stories.Set
	// StartAuthor selects the first author shown. Empty means the first set.
	StartAuthor string
	// Viewed seeds the set of authors already seen in this session.
	Viewed   []string
	Notifier Notifier
	Logger   *zap.Logger
	// OnChange is called after every position or progress change, without locks held.
	OnChange func(Snapshot)
}

// Snapshot is the externally visible viewer state.
type Snapshot struct {
	AuthorIndex int
	StoryIndex  int
	AuthorID    string
	Item        media.Item
	Progress    float64
	Paused      bool
	Closed      bool
}

// Viewer is an open story viewer positioned at (author, story).
type Viewer struct {
	authors  []string
	stories  map[string][]media.Item
	notifier Notifier
	logger   *zap.Logger
	onChange func(Snapshot)
	notifies sync.WaitGroup

	mu          sync.Mutex
	authorIndex int
	storyIndex  int
	progress    float64
	paused      bool
	closed      bool
	viewed      map[string]struct{}
	done        chan struct{}
}

func New(cfg Config) (*Viewer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	viewer := &Viewer{
		stories:  make(map[string][]media.Item),
		notifier: cfg.Notifier,
		logger:   logger,
		onChange: cfg.OnChange,
		viewed:   make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	for _, set := range cfg.Sets {
		if len(set.Items) == 0 {
			continue
		}
		if _, duplicate := viewer.stories[set.AuthorID]; duplicate {
			continue
		}
		viewer.authors = append(viewer.authors, set.AuthorID)
		viewer.stories[set.AuthorID] = append([]media.Item(nil), set.Items...)
	}
	if len(viewer.authors) == 0 {
		return nil, ErrNoStories
	}
	if cfg.StartAuthor != "" {
		index := -1
		for position, author := range viewer.authors {
			if author == cfg.StartAuthor {
				index = position
				break
			}
		}
		if index < 0 {
			return nil, ErrAuthorMissing
		}
		viewer.authorIndex = index
	}
	for _, author := range cfg.Viewed {
		viewer.viewed[author] = struct{}{}
	}

	viewer.mu.Lock()
	notify := viewer.enterAuthorLocked()
	viewer.mu.Unlock()
	viewer.notify(notify)
	return viewer, nil
}

// Next advances one story, then to the next author, then closes the viewer.
func (v *Viewer) Next() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	notify := v.nextLocked()
	snapshot := v.snapshotLocked()
	v.mu.Unlock()
	v.notify(notify)
	v.changed(snapshot)
}

// Previous steps back one story, then to the previous author's first story. At the
// very first story it does nothing except restart the progress.
func (v *Viewer) Previous() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	var notify string
	switch {
	case v.storyIndex > 0:
		v.storyIndex--
	case v.authorIndex > 0:
		v.authorIndex--
		v.storyIndex = 0
		notify = v.enterAuthorLocked()
	}
	v.progress = 0
	snapshot := v.snapshotLocked()
	v.mu.Unlock()
	v.notify(notify)
	v.changed(snapshot)
}

// Tick advances autoplay by one step and moves on when the item is complete.
func (v *Viewer) Tick() {
	v.mu.Lock()
	if v.closed || v.paused {
		v.mu.Unlock()
		return
	}
	v.progress += TickStep
	var notify string
	if v.progress >= 100 {
		notify = v.nextLocked()
	}
	snapshot := v.snapshotLocked()
	v.mu.Unlock()
	v.notify(notify)
	v.changed(snapshot)
}

// Run drives Tick every TickInterval until ctx ends or the viewer closes.
func (v *Viewer) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.done:
			return
		case <-ticker.C:
			v.Tick()
		}
	}
}

func (v *Viewer) Pause() {
	v.setPaused(true)
}

func (v *Viewer) Resume() {
	v.setPaused(false)
}

func (v *Viewer) Toggle() {
	v.mu.Lock()
	paused := !v.paused
	v.mu.Unlock()
	v.setPaused(paused)
}

// Close ends the viewer. Later calls are no-ops.
func (v *Viewer) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closeLocked()
	snapshot := v.snapshotLocked()
	v.mu.Unlock()
	v.changed(snapshot)
}

// Done is closed when the viewer closes.
func (v *Viewer) Done() <-chan struct{} {
	return v.done
}

func (v *Viewer) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

// Viewed reports whether author was entered during this session or seeded as viewed.
func (v *Viewer) Viewed(author string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.viewed[author]
	return ok
}

// Wait blocks until outstanding viewed notifications have finished.
func (v *Viewer) Wait() {
	v.notifies.Wait()
}

func (v *Viewer) setPaused(paused bool) {
	v.mu.Lock()
	if v.closed || v.paused == paused {
		v.mu.Unlock()
		return
	}
	v.paused = paused
	snapshot := v.snapshotLocked()
	v.mu.Unlock()
	v.changed(snapshot)
}

func (v *Viewer) nextLocked() string {
	v.progress = 0
	author := v.authors[v.authorIndex]
	if v.storyIndex < len(v.stories[author])-1 {
		v.storyIndex++
		return ""
	}
	if v.authorIndex < len(v.authors)-1 {
		v.authorIndex++
		v.storyIndex = 0
		return v.enterAuthorLocked()
	}
	v.closeLocked()
	return ""
}

func (v *Viewer) closeLocked() {
	v.closed = true
	close(v.done)
}

// enterAuthorLocked marks the current author viewed and returns it when it was new.
func (v *Viewer) enterAuthorLocked() string {
	author := v.authors[v.authorIndex]
	if _, seen := v.viewed[author]; seen {
		return ""
	}
	v.viewed[author] = struct{}{}
	return author
}

func (v *Viewer) notify(author string) {
	if author == "" || v.notifier == nil {
		return
	}
	v.notifies.Add(1)
	go func() {
		defer v.notifies.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := v.notifier.MarkStoryViewed(ctx, author); err != nil {
			v.logger.Warn("mark story viewed failed", zap.String("author_id", author), zap.Error(err))
		}
	}()
}

func (v *Viewer) changed(snapshot Snapshot) {
	if v.onChange != nil {
		v.onChange(snapshot)
	}
}

func (v *Viewer) snapshotLocked() Snapshot {
	author := v.authors[v.authorIndex]
	return Snapshot{
		AuthorIndex: v.authorIndex,
		StoryIndex:  v.storyIndex,
		AuthorID:    author,
		Item:        v.stories[author][v.storyIndex],
		Progress:    v.progress,
		Paused:      v.paused,
		Closed:      v.closed,
	}
}
