// Package feed implements cursor pagination with de-duplication and in-flight cancellation.
package feed

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/instaplus/internal/posts"
)

// LoadFailedMessage is shown when a page fetch fails for a reason other than cancellation.
const LoadFailedMessage = "Failed to load posts"

// ErrLoadFailed wraps every non-cancellation fetch failure.
var ErrLoadFailed = errors.New("feed: failed to load posts")

// Page is one fetched slice of the feed.
type Page = posts.Page

type Status int

const (
	StatusIdle Status = iota
	StatusLoading
)

func (s Status) String() string {
	if s == StatusLoading {
		return "loading"
	}
	return "idle"
}

// State is the pagination state. Transitions are pure: each returns a new value.
type State struct {
	Status     Status
	Cursor     string
	HasMore    bool
	Err        error
	Generation uint64
}

// InitialState is the state before the first page.
func InitialState() State {
	return State{Status: StatusIdle, HasMore: true}
}

// Message returns the user-facing error text, or "" when there is none.
func (s State) Message() string {
	if s.Err == nil {
		return ""
	}
	return LoadFailedMessage
}

// BeginFetch starts a new generation. Any response for an older generation is stale.
func BeginFetch(s State) State {
	s.Status = StatusLoading
	s.Err = nil
	s.Generation++
	return s
}

// ApplyPage records a page for generation. Stale pages leave the state unchanged.
func ApplyPage(s State, generation uint64, page Page) (State, bool) {
	if generation != s.Generation || s.Status != StatusLoading {
		return s, false
	}
	s.Status = StatusIdle
	s.Cursor = page.NextCursor
	s.HasMore = page.NextCursor != ""
	s.Err = nil
	return s, true
}

// FailFetch records a failure for generation. Cancellations end the fetch silently.
func FailFetch(s State, generation uint64, err error) (State, bool) {
	if generation != s.Generation || s.Status != StatusLoading {
		return s, false
	}
	s.Status = StatusIdle
	if errors.Is(err, context.Canceled) {
		return s, true
	}
	s.Err = errors.Join(ErrLoadFailed, err)
	return s, true
}

// Reset drops the cursor and invalidates every outstanding fetch.
func Reset(s State) State {
	return State{Status: StatusIdle, HasMore: true, Generation: s.Generation + 1}
}

// CanAutoFetch reports whether a proximity signal may start a fetch.
func (s State) CanAutoFetch() bool {
	return s.HasMore && s.Status != StatusLoading
}
