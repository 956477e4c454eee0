package compose

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/instaplus/internal/apiclient"
	"github.com/MarcoPoloResearchLab/instaplus/internal/media"
	"github.com/MarcoPoloResearchLab/instaplus/internal/stories"
	"go.uber.org/zap"
)

const (
	StatusStoryUploading  = "Uploading…"
	StatusStoryGenerating = "Generating…"
	StatusStoryReady      = "Ready to post"
)

var errMissingGenerator = errors.New("compose: story generator required")

// StoryCreator submits a story. *apiclient.Client satisfies it.
type StoryCreator interface {
	CreateStory(ctx context.Context, item media.Item) (stories.Story, error)
}

// StoryGenerator renders a photo into a themed story image stored as an
// unsaved upload. *apiclient.Client satisfies it.
type StoryGenerator interface {
	GenerateStory(ctx context.Context, photo apiclient.File, theme, prompt string) (media.Item, error)
}

type StoryDraftConfig struct {
	Gateway   Gateway
	Stories   StoryCreator
	Generator StoryGenerator
	Logger    *zap.Logger
}

// StoryDraft holds the single media of a story being composed.
type StoryDraft struct {
	gateway   Gateway
	stories   StoryCreator
	generator StoryGenerator
	logger    *zap.Logger
	ledger    *ledger

	mu         sync.Mutex
	current    *media.Item
	uploading  bool
	submitting bool
	abandoned  bool
	status     string
}

func NewStoryDraft(cfg StoryDraftConfig) (*StoryDraft, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoryDraft{
		gateway:   cfg.Gateway,
		stories:   cfg.Stories,
		generator: cfg.Generator,
		logger:    logger,
		ledger:    newLedger(cfg.Gateway, logger),
	}, nil
}

// Select replaces the current media with file. The previous unsaved upload is deleted first.
func (s *StoryDraft) Select(ctx context.Context, file apiclient.File) (media.Item, error) {
	return s.replace(ctx, file.Name, StatusStoryUploading, func(ctx context.Context) (media.Item, error) {
		uploaded, err := s.gateway.UploadMedia(ctx, []apiclient.File{file})
		if err == nil && len(uploaded) == 0 {
			err = &PartialFailure{Requested: 1}
		}
		if err != nil {
			return media.Item{}, err
		}
		return uploaded[0], nil
	})
}

// Generate replaces the current media with an image generated from photo and
// theme. The result is tracked like an upload: unsaved until submitted.
func (s *StoryDraft) Generate(ctx context.Context, photo apiclient.File, theme, prompt string) (media.Item, error) {
	if s.generator == nil {
		return media.Item{}, errMissingGenerator
	}
	return s.replace(ctx, photo.Name, StatusStoryGenerating, func(ctx context.Context) (media.Item, error) {
		return s.generator.GenerateStory(ctx, photo, theme, prompt)
	})
}

func (s *StoryDraft) replace(ctx context.Context, name, status string, produce func(context.Context) (media.Item, error)) (media.Item, error) {
	s.mu.Lock()
	if s.abandoned {
		s.mu.Unlock()
		return media.Item{}, ErrAbandoned
	}
	if s.submitting {
		s.mu.Unlock()
		return media.Item{}, ErrSubmitInProgress
	}
	if s.uploading {
		s.status = StatusUploadInProgress
		s.mu.Unlock()
		return media.Item{}, ErrUploadInProgress
	}
	var previous string
	if s.current != nil {
		previous = s.current.PublicID
	}
	s.current = nil
	s.uploading = true
	s.status = status
	s.mu.Unlock()

	if previous != "" {
		s.ledger.release(ctx, s.ledger.take(previous))
	}

	item, err := produce(ctx)

	s.mu.Lock()
	s.uploading = false
	if s.abandoned {
		s.mu.Unlock()
		if err == nil {
			s.ledger.releaseAsync(publicIDs([]media.Item{item}))
		}
		return media.Item{}, ErrAbandoned
	}
	if err != nil {
		s.status = StatusUploadFailed
		s.mu.Unlock()
		s.logger.Warn("story upload failed", zap.String("file", name), zap.Error(err))
		return media.Item{}, err
	}
	s.current = &item
	s.status = StatusStoryReady
	s.ledger.track(item.PublicID)
	s.mu.Unlock()
	return item, nil
}

// Submit publishes the current media as a story. Select and a second submit are
// refused until it returns.
func (s *StoryDraft) Submit(ctx context.Context) (stories.Story, error) {
	if s.stories == nil {
		return stories.Story{}, errors.New("compose: story creator required")
	}
	s.mu.Lock()
	if s.submitting {
		s.mu.Unlock()
		return stories.Story{}, ErrSubmitInProgress
	}
	if s.uploading {
		s.status = StatusUploadInProgress
		s.mu.Unlock()
		return stories.Story{}, ErrUploadInProgress
	}
	if s.current == nil {
		s.mu.Unlock()
		return stories.Story{}, ErrEmptyDraft
	}
	item := *s.current
	s.submitting = true
	s.status = StatusSubmitting
	s.mu.Unlock()

	story, err := s.stories.CreateStory(ctx, item)

	s.mu.Lock()
	s.submitting = false
	abandoned := s.abandoned
	if err != nil {
		s.status = StatusStoryReady
		if abandoned {
			s.current = nil
		}
		s.mu.Unlock()
		if abandoned {
			s.ledger.releaseAsync(s.ledger.take())
		}
		return stories.Story{}, err
	}
	s.ledger.commit()
	s.current = nil
	s.status = ""
	s.mu.Unlock()
	return story, nil
}

// Abandon ends the session and waits for the unsaved upload to be deleted. An
// in-flight submit keeps its upload and deletes it only if the submit fails.
func (s *StoryDraft) Abandon(ctx context.Context) {
	if s.markAbandoned() {
		return
	}
	s.ledger.release(ctx, s.ledger.take())
}

// AbandonAsync ends the session without waiting for cleanup.
func (s *StoryDraft) AbandonAsync() {
	if s.markAbandoned() {
		return
	}
	s.ledger.releaseAsync(s.ledger.take())
}

func (s *StoryDraft) Wait() {
	s.ledger.wait()
}

// Current returns the selected media, if any.
func (s *StoryDraft) Current() (media.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return media.Item{}, false
	}
	return *s.current, true
}

func (s *StoryDraft) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *StoryDraft) Unsaved(publicID string) bool {
	return s.ledger.isUnsaved(publicID)
}

func (s *StoryDraft) markAbandoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned = true
	if s.submitting {
		return true
	}
	s.current = nil
	return false
}
