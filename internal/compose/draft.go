package compose

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/instaplus/internal/apiclient"
	"github.com/MarcoPoloResearchLab/instaplus/internal/media"
	"github.com/MarcoPoloResearchLab/instaplus/internal/posts"
	"go.uber.org/zap"
)

// MaxAttachments bounds the media of one post.
const MaxAttachments = 5

const (
	StatusLimitReached     = "You can upload up to 5 items"
	StatusUploadInProgress = "An upload is in progress — please wait…"
	StatusUploadFailed     = "Upload failed"
	StatusSubmitting       = "Sharing…"
)

var (
	ErrUploadInProgress = errors.New("compose: an upload is in progress")
	ErrSubmitInProgress = errors.New("compose: the draft is being submitted")
	ErrLimitReached     = errors.New("compose: attachment limit reached")
	ErrItemUploading    = errors.New("compose: attachment is still uploading")
	ErrEmptyDraft       = errors.New("compose: draft has no media")
	ErrOutOfRange       = errors.New("compose: attachment index out of range")
	ErrAbandoned        = errors.New("compose: draft was abandoned")
	errMissingGateway   = errors.New("compose: media gateway required")
)

// PartialFailure reports an upload batch the server answered with fewer items than sent.
type PartialFailure struct {
	Requested int
	Uploaded  int
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("compose: %d of %d uploads completed", e.Uploaded, e.Requested)
}

// PostCreator submits a finished draft. *apiclient.Client satisfies it.
type PostCreator interface {
	CreatePost(ctx context.Context, caption string, items []media.Item) (posts.Post, error)
}

// Attachment is one slot of a draft. Uploading slots are placeholders.
type Attachment struct {
	Item      media.Item
	Name      string
	Uploading bool
}

type DraftConfig struct {
	Gateway Gateway
	Posts   PostCreator
	Logger  *zap.Logger
}

// Draft is a post being composed.
type Draft struct {
	gateway Gateway
	posts   PostCreator
	logger  *zap.Logger
	ledger  *ledger

	mu          sync.Mutex
	attachments []Attachment
	selected    int
	uploading   bool
	submitting  bool
	abandoned   bool
	status      string
}

func NewDraft(cfg DraftConfig) (*Draft, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Draft{
		gateway: cfg.Gateway,
		posts:   cfg.Posts,
		logger:  logger,
		ledger:  newLedger(cfg.Gateway, logger),
	}, nil
}

// AddFiles uploads files as one batch. Files beyond the remaining room are dropped
// before dispatch. Placeholders are appended first and replaced in place on success.
func (d *Draft) AddFiles(ctx context.Context, files []apiclient.File) ([]media.Item, error) {
	d.mu.Lock()
	if d.abandoned {
		d.mu.Unlock()
		return nil, ErrAbandoned
	}
	if d.submitting {
		d.mu.Unlock()
		return nil, ErrSubmitInProgress
	}
	if d.uploading {
		d.status = StatusUploadInProgress
		d.mu.Unlock()
		return nil, ErrUploadInProgress
	}
	room := MaxAttachments - len(d.attachments)
	if room <= 0 {
		d.status = StatusLimitReached
		d.mu.Unlock()
		return nil, ErrLimitReached
	}
	d.status = ""
	if len(files) > room {
		files = files[:room]
		d.status = StatusLimitReached
	}
	if len(files) == 0 {
		d.mu.Unlock()
		return nil, nil
	}
	start := len(d.attachments)
	for _, file := range files {
		kind, _ := media.DetectKind(file.ContentType, file.Name)
		d.attachments = append(d.attachments, Attachment{Item: media.Item{Kind: kind}, Name: file.Name, Uploading: true})
	}
	d.uploading = true
	d.mu.Unlock()

	uploaded, err := d.gateway.UploadMedia(ctx, files)

	d.mu.Lock()
	d.uploading = false
	if d.abandoned {
		d.mu.Unlock()
		d.ledger.releaseAsync(publicIDs(uploaded))
		return nil, ErrAbandoned
	}
	if len(uploaded) > len(files) {
		uploaded = uploaded[:len(files)]
	}
	for offset, item := range uploaded {
		d.attachments[start+offset] = Attachment{Item: item, Name: files[offset].Name}
	}
	d.ledger.track(publicIDs(uploaded)...)
	failedFrom := start + len(uploaded)
	failedTo := start + len(files)
	if failedFrom < failedTo {
		d.attachments = append(d.attachments[:failedFrom:failedFrom], d.attachments[failedTo:]...)
		d.clampSelectionLocked()
	}
	switch {
	case err != nil:
		d.status = StatusUploadFailed
	case len(uploaded) < len(files):
		d.status = StatusUploadFailed
		err = &PartialFailure{Requested: len(files), Uploaded: len(uploaded)}
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.Warn("media upload failed", zap.Int("files", len(files)), zap.Int("uploaded", len(uploaded)), zap.Error(err))
		return uploaded, err
	}
	return uploaded, nil
}

// Remove drops the attachment at index. An unsaved upload is deleted upstream before returning.
func (d *Draft) Remove(ctx context.Context, index int) error {
	d.mu.Lock()
	if d.submitting {
		d.mu.Unlock()
		return ErrSubmitInProgress
	}
	if index < 0 || index >= len(d.attachments) {
		d.mu.Unlock()
		return ErrOutOfRange
	}
	if d.attachments[index].Uploading || d.uploading {
		d.status = StatusUploadInProgress
		d.mu.Unlock()
		return ErrItemUploading
	}
	removed := d.attachments[index]
	d.attachments = append(d.attachments[:index:index], d.attachments[index+1:]...)
	d.clampSelectionLocked()
	d.mu.Unlock()

	d.ledger.release(ctx, d.ledger.take(removed.Item.PublicID))
	return nil
}

// Submit creates the post. On success the uploads belong to the post and the draft is emptied.
// The draft refuses edits and a second submit until the first one returns.
func (d *Draft) Submit(ctx context.Context, caption string) (posts.Post, error) {
	if d.posts == nil {
		return posts.Post{}, errors.New("compose: post creator required")
	}
	d.mu.Lock()
	if d.submitting {
		d.mu.Unlock()
		return posts.Post{}, ErrSubmitInProgress
	}
	if d.uploading {
		d.status = StatusUploadInProgress
		d.mu.Unlock()
		return posts.Post{}, ErrUploadInProgress
	}
	items := make([]media.Item, 0, len(d.attachments))
	for _, attachment := range d.attachments {
		items = append(items, attachment.Item)
	}
	if len(items) == 0 {
		d.mu.Unlock()
		return posts.Post{}, ErrEmptyDraft
	}
	d.submitting = true
	d.status = StatusSubmitting
	d.mu.Unlock()

	post, err := d.posts.CreatePost(ctx, strings.TrimSpace(caption), items)

	d.mu.Lock()
	d.submitting = false
	abandoned := d.abandoned
	if err != nil {
		d.status = ""
		d.mu.Unlock()
		if abandoned {
			d.ledger.releaseAsync(d.ledger.take())
		}
		return posts.Post{}, err
	}
	d.ledger.commit()
	d.attachments = nil
	d.selected = 0
	d.status = ""
	d.mu.Unlock()
	return post, nil
}

// Clear empties the draft and deletes its unsaved uploads. The draft stays usable.
func (d *Draft) Clear(ctx context.Context) error {
	d.mu.Lock()
	if d.submitting {
		d.mu.Unlock()
		return ErrSubmitInProgress
	}
	if d.uploading {
		d.status = StatusUploadInProgress
		d.mu.Unlock()
		return ErrUploadInProgress
	}
	d.attachments = nil
	d.selected = 0
	d.status = ""
	d.mu.Unlock()
	d.ledger.release(ctx, d.ledger.take())
	return nil
}

// Abandon ends the session and waits for unsaved uploads to be deleted. While a
// submit is in flight the uploads are left to it: a failed submit deletes them.
func (d *Draft) Abandon(ctx context.Context) {
	if d.markAbandoned() {
		return
	}
	d.ledger.release(ctx, d.ledger.take())
}

// AbandonAsync ends the session without waiting for cleanup.
func (d *Draft) AbandonAsync() {
	if d.markAbandoned() {
		return
	}
	d.ledger.releaseAsync(d.ledger.take())
}

// Wait blocks until asynchronous cleanups have finished.
func (d *Draft) Wait() {
	d.ledger.wait()
}

func (d *Draft) Attachments() []Attachment {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Attachment(nil), d.attachments...)
}

func (d *Draft) Unsaved(publicID string) bool {
	return d.ledger.isUnsaved(publicID)
}

func (d *Draft) Status() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Draft) Submitting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submitting
}

func (d *Draft) Uploading() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uploading
}

func (d *Draft) Selected() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected
}

// Select moves the preview to index, clamped into range.
func (d *Draft) Select(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selected = index
	d.clampSelectionLocked()
}

// markAbandoned reports whether a submit is still in flight.
func (d *Draft) markAbandoned() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.abandoned = true
	if d.submitting {
		return true
	}
	d.attachments = nil
	d.selected = 0
	return false
}

func (d *Draft) clampSelectionLocked() {
	if d.selected >= len(d.attachments) {
		d.selected = len(d.attachments) - 1
	}
	if d.selected < 0 {
		d.selected = 0
	}
}

func publicIDs(items []media.Item) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if item.PublicID != "" {
			ids = append(ids, item.PublicID)
		}
	}
	return ids
}
