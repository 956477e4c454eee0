// Package storygen turns a user's photo into a themed story image using an
// external generative-image service. Prompt construction belongs to that service.
package storygen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/instaplus/internal/media"
	"github.com/MarcoPoloResearchLab/instaplus/internal/serviceerr"
	"go.uber.org/zap"
)

const (
	MaxThemeRunes  = 64
	MaxPromptRunes = 2000

	opGenerate     = "storygen.generate"
	opNew          = "storygen.new"
	defaultTimeout = 60 * time.Second
	// generated images are base64 in JSON, so allow headroom over the raw limit
	maxResponseBytes = 64 << 20
)

var (
	ErrPhotoRequired = errors.New("storygen: photo is required")
	ErrPhotoNotImage = errors.New("storygen: photo must be an image")
	ErrThemeRequired = errors.New("storygen: theme is required")
	ErrThemeTooLong  = errors.New("storygen: theme too long")
	ErrPromptTooLong = errors.New("storygen: prompt too long")
	ErrNoImage       = errors.New("storygen: service returned no image")
)

// Request is one generation: the user's photo and the scene theme. Prompt
// optionally overrides the service's theme prompt.
type Request struct {
	Photo       []byte
	ContentType string
	Theme       string
	Prompt      string
}

// Image is a generated picture ready to be stored as an upload.
type Image struct {
	Data        []byte
	ContentType string
}

// Generator produces a themed image from a photo.
type Generator interface {
	Generate(ctx context.Context, request Request) (Image, error)
}

// Validate checks a request before any call is made. Failures wrap
// serviceerr.ErrInvalidInput.
func (r Request) Validate() error {
	invalid := func(reason string, cause error) error {
		return serviceerr.New(opGenerate, reason, fmt.Errorf("%w: %w", serviceerr.ErrInvalidInput, cause))
	}
	switch {
	case len(r.Photo) == 0:
		return invalid("photo_required", ErrPhotoRequired)
	case !isImage(r.ContentType):
		return invalid("photo_not_image", ErrPhotoNotImage)
	case strings.TrimSpace(r.Theme) == "":
		return invalid("theme_required", ErrThemeRequired)
	case utf8.RuneCountInString(strings.TrimSpace(r.Theme)) > MaxThemeRunes:
		return invalid("theme_too_long", ErrThemeTooLong)
	case utf8.RuneCountInString(r.Prompt) > MaxPromptRunes:
		return invalid("prompt_too_long", ErrPromptTooLong)
	}
	return nil
}

func isImage(contentType string) bool {
	kind, ok := media.DetectKind(contentType, "")
	return ok && kind == media.KindImage
}

type HTTPConfig struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPGenerator calls a JSON image-generation endpoint. The photo and the result
// travel as base64 inline data.
type HTTPGenerator struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

type generateRequest struct {
	Theme  string     `json:"theme"`
	Prompt string     `json:"prompt,omitempty"`
	Image  inlineData `json:"image"`
}

type generateResponse struct {
	Image *inlineData `json:"image"`
	Text  string      `json:"text"`
}

func NewHTTPGenerator(cfg HTTPConfig) (*HTTPGenerator, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, serviceerr.New(opNew, "invalid_endpoint", errors.New("generator endpoint must be an http or https url"))
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPGenerator{
		endpoint:   endpoint,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (g *HTTPGenerator) Generate(ctx context.Context, request Request) (Image, error) {
	if err := request.Validate(); err != nil {
		return Image{}, err
	}
	payload, err := json.Marshal(generateRequest{
		Theme:  strings.TrimSpace(request.Theme),
		Prompt: strings.TrimSpace(request.Prompt),
		Image:  inlineData{MimeType: request.ContentType, Data: request.Photo},
	})
	if err != nil {
		return Image{}, serviceerr.New(opGenerate, "encode_failed", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Image{}, serviceerr.New(opGenerate, "request_failed", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	response, err := g.httpClient.Do(httpRequest)
	if err != nil {
		if ctx.Err() != nil {
			return Image{}, ctx.Err()
		}
		g.logger.Warn("story generation request failed", zap.Error(err))
		return Image{}, serviceerr.New(opGenerate, "request_failed", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return Image{}, serviceerr.New(opGenerate, "read_failed", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		g.logger.Warn("story generation rejected", zap.Int("status", response.StatusCode), zap.String("theme", request.Theme))
		return Image{}, serviceerr.New(opGenerate, "upstream_status", fmt.Errorf("generator answered %d", response.StatusCode))
	}

	var decoded generateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Image{}, serviceerr.New(opGenerate, "decode_failed", err)
	}
	if decoded.Image == nil || len(decoded.Image.Data) == 0 || !isImage(decoded.Image.MimeType) {
		g.logger.Info("story generation returned no image", zap.String("theme", request.Theme), zap.String("text", decoded.Text))
		return Image{}, serviceerr.New(opGenerate, "no_image", ErrNoImage)
	}
	return Image{Data: decoded.Image.Data, ContentType: decoded.Image.MimeType}, nil
}
