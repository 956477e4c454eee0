// Package apiclient is the REST client used by the InstaPlus client core.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/media"
	"github.com/MarcoPoloResearchLab/instaplus/internal/messages"
	"github.com/MarcoPoloResearchLab/instaplus/internal/posts"
	"github.com/MarcoPoloResearchLab/instaplus/internal/stories"
	"github.com/MarcoPoloResearchLab/instaplus/internal/users"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 30 * time.Second
	jsonContentType = "application/json"
)

var (
	// ErrNoToken is returned by user-specific calls made without a session token.
	// Callers treat it as "nothing to do".
	ErrNoToken     = errors.New("apiclient: no session token")
	errMissingBase = errors.New("apiclient: base url required")
)

// UpstreamError is a non-2xx response from the API.
type UpstreamError struct {
	Status  int
	Code    string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("upstream %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an UpstreamError carrying status.
func IsStatus(err error, status int) bool {
	var upstream *UpstreamError
	return errors.As(err, &upstream) && upstream.Status == status
}

type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

// File is one file of an upload batch.
type File struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// PostQuery selects a feed page.
type PostQuery struct {
	Limit  int
	Cursor string
	Tab    string
}

func New(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errMissingBase
	}
	baseURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("apiclient: parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		token:      strings.TrimSpace(cfg.Token),
	}, nil
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// RealtimeURL returns the WebSocket endpoint carrying the session token.
func (c *Client) RealtimeURL() (string, error) {
	token := c.Token()
	if token == "" {
		return "", ErrNoToken
	}
	endpoint := c.resolve("/realtime", nil)
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	endpoint.RawQuery = url.Values{"access_token": []string{token}}.Encode()
	return endpoint.String(), nil
}

func (c *Client) ListPosts(ctx context.Context, query PostQuery) (posts.Page, error) {
	values := url.Values{}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Cursor != "" {
		values.Set("cursor", query.Cursor)
	}
	authenticated := false
	if query.Tab != "" {
		values.Set("tab", query.Tab)
		authenticated = query.Tab != "all"
	}
	var page posts.Page
	err := c.do(ctx, http.MethodGet, "/posts", values, nil, &page, authenticated)
	return page, err
}

func (c *Client) CreatePost(ctx context.Context, caption string, items []media.Item) (posts.Post, error) {
	references := make([]map[string]string, 0, len(items))
	for _, item := range items {
		references = append(references, map[string]string{"public_id": item.PublicID})
	}
	var post posts.Post
	err := c.do(ctx, http.MethodPost, "/posts", nil, map[string]interface{}{"caption": caption, "media": references}, &post, true)
	return post, err
}

func (c *Client) ListConversations(ctx context.Context) ([]messages.Conversation, error) {
	var response struct {
		Conversations []messages.Conversation `json:"conversations"`
	}
	err := c.do(ctx, http.MethodGet, "/messages/conversations", nil, nil, &response, true)
	return response.Conversations, err
}

func (c *Client) StartConversation(ctx context.Context, userID string) (messages.Conversation, error) {
	var conversation messages.Conversation
	err := c.do(ctx, http.MethodPost, "/messages/start/"+url.PathEscape(userID), nil, nil, &conversation, true)
	return conversation, err
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]messages.Message, error) {
	var response struct {
		Messages []messages.Message `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(conversationID), nil, nil, &response, true)
	return response.Messages, err
}

func (c *Client) SendMessage(ctx context.Context, conversationID, text string) (messages.Message, error) {
	var message messages.Message
	err := c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(conversationID), nil, map[string]string{"text": text}, &message, true)
	return message, err
}

func (c *Client) EditMessage(ctx context.Context, messageID, text string) (messages.Message, error) {
	var message messages.Message
	err := c.do(ctx, http.MethodPatch, "/messages/"+url.PathEscape(messageID), nil, map[string]string{"text": text}, &message, true)
	return message, err
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil, nil, true)
}

// UploadMedia sends one multipart batch and returns the stored items in order.
func (c *Client) UploadMedia(ctx context.Context, files []File) ([]media.Item, error) {
	var response struct {
		Media []media.Item `json:"media"`
	}
	if err := c.postMultipart(ctx, "/upload/media", "files", files, nil, &response); err != nil {
		return nil, err
	}
	return response.Media, nil
}

// GenerateStory sends a photo and a theme to the story generator. The returned
// item is an unsaved upload like any other until a story is created from it.
func (c *Client) GenerateStory(ctx context.Context, photo File, theme, prompt string) (media.Item, error) {
	fields := map[string]string{"theme": theme}
	if prompt != "" {
		fields["prompt"] = prompt
	}
	var response struct {
		Media media.Item `json:"media"`
	}
	if err := c.postMultipart(ctx, "/upload/generate-story", "photo", []File{photo}, fields, &response); err != nil {
		return media.Item{}, err
	}
	return response.Media, nil
}

func (c *Client) postMultipart(ctx context.Context, path, fileField string, files []File, fields map[string]string, target interface{}) error {
	token := c.Token()
	if token == "" {
		return ErrNoToken
	}
	var payload bytes.Buffer
	writer := multipart.NewWriter(&payload)
	for _, file := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fileField, file.Name))
		contentType := file.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			return fmt.Errorf("apiclient: create part: %w", err)
		}
		if _, err := io.Copy(part, file.Body); err != nil {
			return fmt.Errorf("apiclient: copy %s: %w", file.Name, err)
		}
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return fmt.Errorf("apiclient: write %s: %w", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("apiclient: close multipart: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path, nil).String(), &payload)
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())
	request.Header.Set("Authorization", "Bearer "+token)
	return c.execute(request, target)
}

func (c *Client) DeleteMedia(ctx context.Context, publicIDs []string) (media.DeleteResult, error) {
	var result media.DeleteResult
	err := c.do(ctx, http.MethodDelete, "/upload/media", nil, map[string][]string{"public_ids": publicIDs}, &result, true)
	return result, err
}

func (c *Client) ListStories(ctx context.Context) ([]stories.Set, error) {
	var response struct {
		Stories []stories.Set `json:"stories"`
	}
	err := c.do(ctx, http.MethodGet, "/stories", nil, nil, &response, false)
	return response.Stories, err
}

func (c *Client) CreateStory(ctx context.Context, item media.Item) (stories.Story, error) {
	var story stories.Story
	body := map[string]interface{}{"media": map[string]string{"public_id": item.PublicID}}
	err := c.do(ctx, http.MethodPost, "/stories", nil, body, &story, true)
	return story, err
}

func (c *Client) ListViewedStories(ctx context.Context) ([]string, error) {
	var response struct {
		Viewed []string `json:"viewed"`
	}
	err := c.do(ctx, http.MethodGet, "/stories/viewed", nil, nil, &response, true)
	return response.Viewed, err
}

func (c *Client) MarkStoryViewed(ctx context.Context, authorID string) error {
	return c.do(ctx, http.MethodPatch, "/stories/viewed", nil, map[string]string{"author_id": authorID}, nil, true)
}

func (c *Client) Me(ctx context.Context) (users.Profile, error) {
	var profile users.Profile
	err := c.do(ctx, http.MethodGet, "/users/me", nil, nil, &profile, true)
	return profile, err
}

func (c *Client) Follow(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/users/"+url.PathEscape(userID)+"/follow", nil, nil, nil, true)
}

func (c *Client) Unfollow(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, "/users/"+url.PathEscape(userID)+"/follow", nil, nil, nil, true)
}

func (c *Client) resolve(path string, query url.Values) *url.URL {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	endpoint.RawPath = ""
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}
	return &endpoint
}

// do issues a JSON request. Authenticated calls without a token fail with ErrNoToken before any I/O.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, target interface{}, authenticated bool) error {
	token := c.Token()
	if authenticated && token == "" {
		return ErrNoToken
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: encode body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.resolve(path, query).String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	return c.execute(request, target)
}

func (c *Client) execute(request *http.Request, target interface{}) error {
	request.Header.Set("Accept", jsonContentType)
	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctxErr := request.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return decodeUpstreamError(response)
	}
	if target == nil || response.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		c.logger.Warn("failed to decode api response", zap.String("path", request.URL.Path), zap.Error(err))
		return fmt.Errorf("apiclient: decode %s: %w", request.URL.Path, err)
	}
	return nil
}

func decodeUpstreamError(response *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(response.Body, 64*1024))
	var payload struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		Details string `json:"details"`
	}
	upstream := &UpstreamError{Status: response.StatusCode, Message: http.StatusText(response.StatusCode)}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Error != "" {
			upstream.Message = payload.Error
		}
		if payload.Details != "" {
			upstream.Message = payload.Error + ": " + payload.Details
		}
		upstream.Code = payload.Code
	}
	return upstream
}
