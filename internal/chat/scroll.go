package chat

// ScrollTracker decides when the message pane should jump to the newest message.
type ScrollTracker struct {
	conversationID string
	length         int
	grown          bool
}

// Shrink rebases the tracker after messages were removed from a list of from
// entries, leaving to. Growth that happened before the removal still scrolls on
// the next observation, and later growth is measured from the shorter list.
func (s *ScrollTracker) Shrink(from, to int) {
	if from > s.length {
		s.grown = true
	}
	s.length = to
}

// Observe records the rendered list and reports whether to scroll to the bottom.
// A conversation switch always scrolls once. Within a conversation only growth scrolls.
func (s *ScrollTracker) Observe(conversationID string, length int) bool {
	if conversationID != s.conversationID {
		s.conversationID = conversationID
		s.length = length
		s.grown = false
		return true
	}
	grew := s.grown || length > s.length
	s.grown = false
	s.length = length
	return grew
}
