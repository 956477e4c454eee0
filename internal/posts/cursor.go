package posts

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidCursor reports a cursor that was not issued by this service.
var ErrInvalidCursor = errors.New("posts: invalid cursor")

// Cursor marks the last post of a page in (created_at DESC, id DESC) order.
type Cursor struct {
	CreatedAtNanos int64
	PostID         string
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAtNanos, 10) + ":" + c.PostID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Encode. An empty token yields the zero cursor.
func DecodeCursor(token string) (Cursor, bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, false, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, false, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	timestamp, postID, found := strings.Cut(string(raw), ":")
	if !found || postID == "" {
		return Cursor{}, false, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return Cursor{}, false, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return Cursor{CreatedAtNanos: nanos, PostID: postID}, true, nil
}
