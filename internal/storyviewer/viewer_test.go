package storyviewer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/media"
	"github.com/MarcoPoloResearchLab/instaplus/internal/stories"
	mock_storyviewer "github.com/MarcoPoloResearchLab/instaplus/internal/storyviewer/mocks"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingNotifier struct {
	mu      sync.Mutex
	authors []string
	err     error
}

func (n *recordingNotifier) MarkStoryViewed(_ context.Context, authorID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.authors = append(n.authors, authorID)
	return n.err
}

func (n *recordingNotifier) marked() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.authors...)
}

func set(author string, count int) stories.Set {
	items := make([]media.Item, 0, count)
	for index := 0; index < count; index++ {
		items = append(items, media.Item{Kind: media.KindImage, Src: author + "-" + string(rune('a'+index))})
	}
	return stories.Set{AuthorID: author, Items: items}
}

func position(t *testing.T, viewer *Viewer, author, story int) {
	t.Helper()
	snapshot := viewer.Snapshot()
	if snapshot.AuthorIndex != author || snapshot.StoryIndex != story {
		t.Fatalf("expected position (%d,%d), got (%d,%d)", author, story, snapshot.AuthorIndex, snapshot.StoryIndex)
	}
}

func TestViewerNavigation(t *testing.T) {
	notifier := &recordingNotifier{}
	viewer, err := New(Config{Sets: []stories.Set{set("ann", 2), set("ben", 3), set("cat", 1)}, Notifier: notifier})
	if err != nil {
		t.Fatalf("new viewer: %v", err)
	}

	position(t, viewer, 0, 0)
	viewer.Previous()
	position(t, viewer, 0, 0)

	viewer.Next()
	position(t, viewer, 0, 1)
	viewer.Next()
	position(t, viewer, 1, 0)
	viewer.Next()
	viewer.Next()
	position(t, viewer, 1, 2)

	viewer.Previous()
	position(t, viewer, 1, 1)
	viewer.Previous()
	viewer.Previous()
	position(t, viewer, 0, 0)

	viewer.Next()
	viewer.Next()
	viewer.Next()
	viewer.Next()
	viewer.Next()
	position(t, viewer, 2, 0)
	viewer.Next()
	if !viewer.Snapshot().Closed {
		t.Fatalf("next past the last story should close the viewer")
	}
	select {
	case <-viewer.Done():
	default:
		t.Fatalf("done channel should be closed")
	}
	viewer.Next()
	viewer.Close()

	viewer.Wait()
	marked := notifier.marked()
	if len(marked) != 3 || marked[0] != "ann" || marked[1] != "ben" || marked[2] != "cat" {
		t.Fatalf("each author should be marked viewed once, got %v", marked)
	}
}

func TestViewerPreviousAcrossAuthorsLandsOnFirstStory(t *testing.T) {
	viewer, err := New(Config{Sets: []stories.Set{set("ann", 3), set("ben", 2)}, StartAuthor: "ben"})
	if err != nil {
		t.Fatalf("new viewer: %v", err)
	}
	position(t, viewer, 1, 0)
	viewer.Previous()
	position(t, viewer, 0, 0)
	if viewer.Snapshot().Item.Src != "ann-a" {
		t.Fatalf("expected first story of ann, got %s", viewer.Snapshot().Item.Src)
	}
}

func TestViewerSeededViewedAuthorsAreNotRenotified(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	notifier := &recordingNotifier{err: errors.New("offline")}
	viewer, err := New(Config{
		Sets:     []stories.Set{set("ann", 1), set("ben", 1)},
		Viewed:   []string{"ann"},
		Notifier: notifier,
		Logger:   zap.New(core),
	})
	if err != nil {
		t.Fatalf("new viewer: %v", err)
	}
	viewer.Next()
	viewer.Previous()
	viewer.Next()
	viewer.Wait()

	if marked := notifier.marked(); len(marked) != 1 || marked[0] != "ben" {
		t.Fatalf("expected only ben notified, got %v", marked)
	}
	if !viewer.Viewed("ann") || !viewer.Viewed("ben") {
		t.Fatalf("both authors should be viewed")
	}
	if logs.FilterMessage("mark story viewed failed").Len() != 1 {
		t.Fatalf("expected notification failure logged")
	}
}

func TestViewerAutoplay(t *testing.T) {
	viewer, err := New(Config{Sets: []stories.Set{set("ann", 2)}})
	if err != nil {
		t.Fatalf("new viewer: %v", err)
	}

	for tick := 0; tick < 49; tick++ {
		viewer.Tick()
	}
	if progress := viewer.Snapshot().Progress; progress != 98 {
		t.Fatalf("expected 98%% progress, got %v", progress)
	}
	viewer.Tick()
	position(t, viewer, 0, 1)
	if viewer.Snapshot().Progress != 0 {
		t.Fatalf("progress should reset on advance")
	}

	viewer.Tick()
	viewer.Pause()
	viewer.Tick()
	if progress := viewer.Snapshot().Progress; progress != TickStep {
		t.Fatalf("paused viewer must not progress, got %v", progress)
	}
	viewer.Toggle()
	if viewer.Snapshot().Paused {
		t.Fatalf("toggle should resume")
	}
	viewer.Toggle()
	viewer.Resume()
	viewer.Tick()
	if progress := viewer.Snapshot().Progress; progress != 2*TickStep {
		t.Fatalf("expected progress after resume, got %v", progress)
	}

	viewer.Previous()
	if viewer.Snapshot().Progress != 0 {
		t.Fatalf("manual navigation should reset progress")
	}
}

func TestViewerRunStopsWhenClosed(t *testing.T) {
	var mu sync.Mutex
	changes := 0
	viewer, err := New(Config{
		Sets: []stories.Set{set("ann", 1)},
		OnChange: func(Snapshot) {
			mu.Lock()
			changes++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("new viewer: %v", err)
	}

	finished := make(chan struct{})
	go func() {
		viewer.Run(context.Background())
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatalf("autoplay never finished the only story")
	}
	if !viewer.Snapshot().Closed {
		t.Fatalf("viewer should be closed after autoplay")
	}
	mu.Lock()
	defer mu.Unlock()
	if changes < 50 {
		t.Fatalf("expected a change per tick, got %d", changes)
	}
}

func TestNewViewerRejectsEmptyInput(t *testing.T) {
	if _, err := New(Config{Sets: []stories.Set{{AuthorID: "ann"}}}); !errors.Is(err, ErrNoStories) {
		t.Fatalf("expected ErrNoStories, got %v", err)
	}
	if _, err := New(Config{Sets: []stories.Set{set("ann", 1)}, StartAuthor: "zed"}); !errors.Is(err, ErrAuthorMissing) {
		t.Fatalf("expected ErrAuthorMissing, got %v", err)
	}
}

func TestViewerNotifiesEachNewAuthorOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := mock_storyviewer.NewMockNotifier(ctrl)
	notifier.EXPECT().MarkStoryViewed(gomock.Any(), "ann").Return(nil).Times(1)
	notifier.EXPECT().MarkStoryViewed(gomock.Any(), "ben").Return(nil).Times(1)

	viewer, err := New(Config{Sets: []stories.Set{set("ann", 1), set("ben", 2)}, Notifier: notifier})
	if err != nil {
		t.Fatalf("new viewer: %v", err)
	}
	viewer.Next()
	viewer.Previous()
	viewer.Next()
	viewer.Next()
	viewer.Next()
	viewer.Wait()
}
