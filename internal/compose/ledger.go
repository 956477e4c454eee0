// Package compose manages the client side of post and story drafts: attachment
// uploads, placeholders and cleanup of uploads that were never submitted.
package compose

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/apiclient"
	"github.com/MarcoPoloResearchLab/instaplus/internal/media"
	"go.uber.org/zap"
)

const asyncCleanupTimeout = 30 * time.Second

//go:generate go run go.uber.org/mock/mockgen -source=ledger.go -destination=mocks/mock.go

// Gateway uploads and deletes media. *apiclient.Client satisfies it.
type Gateway interface {
	UploadMedia(ctx context.Context, files []apiclient.File) ([]media.Item, error)
	DeleteMedia(ctx context.Context, publicIDs []string) (media.DeleteResult, error)
}

// ledger tracks uploads owned by a draft that have not been attached to a
// submitted post or story. Each public id is released upstream at most once.
type ledger struct {
	gateway Gateway
	logger  *zap.Logger

	mu       sync.Mutex
	unsaved  []string
	released map[string]struct{}
	cleanups sync.WaitGroup
}

func newLedger(gateway Gateway, logger *zap.Logger) *ledger {
	return &ledger{gateway: gateway, logger: logger, released: make(map[string]struct{})}
}

func (l *ledger) track(publicIDs ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range publicIDs {
		if id == "" || l.containsLocked(id) {
			continue
		}
		if _, gone := l.released[id]; gone {
			continue
		}
		l.unsaved = append(l.unsaved, id)
	}
}

func (l *ledger) isUnsaved(publicID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.containsLocked(publicID)
}

// commit hands ownership of every unsaved id to a submitted post or story.
func (l *ledger) commit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unsaved = nil
}

// take removes ids from the unsaved set and returns the ones not yet released.
// With no ids it takes the whole set.
func (l *ledger) take(publicIDs ...string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(publicIDs) == 0 {
		publicIDs = l.unsaved
	}
	taken := make([]string, 0, len(publicIDs))
	for _, id := range publicIDs {
		if !l.containsLocked(id) {
			continue
		}
		l.removeLocked(id)
		l.released[id] = struct{}{}
		taken = append(taken, id)
	}
	return taken
}

// release deletes ids upstream and waits for the answer. Failures are logged only.
func (l *ledger) release(ctx context.Context, publicIDs []string) {
	if len(publicIDs) == 0 {
		return
	}
	result, err := l.gateway.DeleteMedia(ctx, publicIDs)
	if err != nil {
		l.logger.Warn("unsaved media cleanup failed", zap.Strings("public_ids", publicIDs), zap.Error(err))
		return
	}
	if len(result.Attached) > 0 {
		l.logger.Debug("unsaved media already attached", zap.Strings("public_ids", result.Attached))
	}
}

// releaseAsync deletes ids upstream without waiting.
func (l *ledger) releaseAsync(publicIDs []string) {
	if len(publicIDs) == 0 {
		return
	}
	l.cleanups.Add(1)
	go func() {
		defer l.cleanups.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncCleanupTimeout)
		defer cancel()
		l.release(ctx, publicIDs)
	}()
}

// wait blocks until every asynchronous cleanup finished.
func (l *ledger) wait() {
	l.cleanups.Wait()
}

func (l *ledger) containsLocked(id string) bool {
	for _, existing := range l.unsaved {
		if existing == id {
			return true
		}
	}
	return false
}

func (l *ledger) removeLocked(id string) {
	for index, existing := range l.unsaved {
		if existing == id {
			l.unsaved = append(l.unsaved[:index:index], l.unsaved[index+1:]...)
			return
		}
	}
}
