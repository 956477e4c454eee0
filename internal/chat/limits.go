package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/instaplus/internal/messages"
)

// Limits bounds the message composer input.
type Limits struct {
	MaxRunes    int
	MaxNewlines int
}

// DefaultLimits mirrors the server-side message limits.
var DefaultLimits = Limits{MaxRunes: messages.MaxTextRunes, MaxNewlines: messages.MaxTextNewlines}

// Accept returns proposed when it fits the limits and current otherwise. Input is
// refused at the keystroke, never clipped on submit.
func (l Limits) Accept(current, proposed string) string {
	if utf8.RuneCountInString(proposed) > l.MaxRunes {
		return current
	}
	if strings.Count(proposed, "\n") > l.MaxNewlines {
		return current
	}
	return proposed
}

type ValidationReason string

const (
	ReasonEmpty           ValidationReason = "empty"
	ReasonTooLong         ValidationReason = "too_long"
	ReasonTooManyNewlines ValidationReason = "too_many_newlines"
)

// ValidationError is raised before any request is dispatched.
type ValidationError struct {
	Reason ValidationReason
}

func (e *ValidationError) Error() string {
	switch e.Reason {
	case ReasonEmpty:
		return "message is empty"
	case ReasonTooLong:
		return "message is too long"
	case ReasonTooManyNewlines:
		return "message has too many lines"
	default:
		return "message is invalid"
	}
}

// Validate checks text against the limits.
func (l Limits) Validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Reason: ReasonEmpty}
	}
	if utf8.RuneCountInString(text) > l.MaxRunes {
		return &ValidationError{Reason: ReasonTooLong}
	}
	if strings.Count(text, "\n") > l.MaxNewlines {
		return &ValidationError{Reason: ReasonTooManyNewlines}
	}
	return nil
}
