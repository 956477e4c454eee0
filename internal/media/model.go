package media

import (
	"mime"
	"path/filepath"
	"strings"
)

// Kind distinguishes images from videos.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Item is the media descriptor embedded in posts and stories.
type Item struct {
	Kind     Kind    `json:"kind"`
	Src      string  `json:"src"`
	PublicID string  `json:"public_id"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Asset is the ownership ledger row for one stored upload.
type Asset struct {
	PublicID         string  `gorm:"column:public_id;primaryKey;size:64;not null"`
	OwnerID          string  `gorm:"column:owner_id;size:190;not null;index"`
	Kind             Kind    `gorm:"column:kind;size:16;not null"`
	FileName         string  `gorm:"column:file_name;size:190;not null"`
	ContentType      string  `gorm:"column:content_type;size:128"`
	SizeBytes        int64   `gorm:"column:size_bytes;not null"`
	Width            int     `gorm:"column:width"`
	Height           int     `gorm:"column:height"`
	Duration         float64 `gorm:"column:duration"`
	Attached         bool    `gorm:"column:attached;not null;default:false;index"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null;index"`
}

func (Asset) TableName() string {
	return "media_assets"
}

func (a Asset) item(publicPath string) Item {
	return Item{
		Kind:     a.Kind,
		Src:      strings.TrimRight(publicPath, "/") + "/" + a.FileName,
		PublicID: a.PublicID,
		Width:    a.Width,
		Height:   a.Height,
		Duration: a.Duration,
	}
}

var videoExtensions = map[string]bool{".mp4": true, ".mov": true, ".webm": true, ".m4v": true, ".mkv": true}

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".bmp": true}

// DetectKind classifies an upload by content type, falling back to the file extension.
func DetectKind(contentType, fileName string) (Kind, bool) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return KindImage, true
	case strings.HasPrefix(mediaType, "video/"):
		return KindVideo, true
	}
	extension := strings.ToLower(filepath.Ext(fileName))
	switch {
	case imageExtensions[extension]:
		return KindImage, true
	case videoExtensions[extension]:
		return KindVideo, true
	}
	return "", false
}

func extensionFor(kind Kind, contentType, fileName string) string {
	extension := strings.ToLower(filepath.Ext(fileName))
	if imageExtensions[extension] || videoExtensions[extension] {
		return extension
	}
	if extensions, err := mime.ExtensionsByType(contentType); err == nil && len(extensions) > 0 {
		return extensions[0]
	}
	if kind == KindVideo {
		return ".mp4"
	}
	return ".jpg"
}
