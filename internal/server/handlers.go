package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/instaplus/internal/media"
	"github.com/MarcoPoloResearchLab/instaplus/internal/posts"
	"github.com/MarcoPoloResearchLab/instaplus/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/instaplus/internal/storygen"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	tabAll       = "all"
	tabFollowing = "following"

	uploadFormField       = "files"
	photoFormField        = "photo"
	themeFormField        = "theme"
	promptFormField       = "prompt"
	multipartOverheadByte = 1 << 20
)

type mediaReference struct {
	PublicID string `json:"public_id" binding:"required"`
}

type createPostRequest struct {
	Caption string           `json:"caption" binding:"max=2200"`
	Media   []mediaReference `json:"media" binding:"required,min=1,max=5,dive"`
}

type createStoryRequest struct {
	Media *mediaReference `json:"media" binding:"required"`
}

type messageTextRequest struct {
	Text string `json:"text" binding:"required,max=1000,maxlines=10"`
}

type deleteMediaRequest struct {
	PublicIDs []string `json:"public_ids" binding:"required,min=1,max=50,dive,required"`
}

type markViewedRequest struct {
	AuthorID string `json:"author_id" binding:"required"`
}

func currentUserID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}

func (h *httpHandler) handleListPosts(c *gin.Context) {
	query := posts.Query{Cursor: c.Query("cursor")}
	if rawLimit := c.Query("limit"); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		query.Limit = limit
	}

	tab := strings.ToLower(strings.TrimSpace(c.DefaultQuery("tab", tabAll)))
	switch tab {
	case tabAll:
	case tabFollowing:
		userID := currentUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		followees, err := h.users.Followees(c.Request.Context(), userID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		query.AuthorIDs = append(followees, userID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tab"})
		return
	}

	page, err := h.posts.List(c.Request.Context(), query)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleCreatePost(c *gin.Context) {
	var request createPostRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, err)
		return
	}
	publicIDs := make([]string, 0, len(request.Media))
	for _, item := range request.Media {
		publicIDs = append(publicIDs, item.PublicID)
	}
	post, err := h.posts.Create(c.Request.Context(), currentUserID(c), request.Caption, publicIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, post)
}

func (h *httpHandler) handleListConversations(c *gin.Context) {
	conversations, err := h.messages.ListConversations(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (h *httpHandler) handleStartConversation(c *gin.Context) {
	conversation, err := h.messages.Start(c.Request.Context(), currentUserID(c), c.Param("userId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conversation)
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	list, err := h.messages.ListMessages(c.Request.Context(), currentUserID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": list})
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	var request messageTextRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, err)
		return
	}
	message, err := h.messages.Send(c.Request.Context(), currentUserID(c), c.Param("id"), request.Text)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *httpHandler) handleEditMessage(c *gin.Context) {
	var request messageTextRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, err)
		return
	}
	message, err := h.messages.Edit(c.Request.Context(), currentUserID(c), c.Param("id"), request.Text)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	message, err := h.messages.Delete(c.Request.Context(), currentUserID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": message.ID, "conversation_id": message.ConversationID})
}

func (h *httpHandler) handleUploadMedia(c *gin.Context) {
	maxFileBytes := h.media.MaxFileBytes()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(media.MaxFilesPerUpload)*maxFileBytes+multipartOverheadByte)

	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_multipart"})
		return
	}
	defer func() {
		_ = form.RemoveAll()
	}()

	headers := form.File[uploadFormField]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no_files"})
		return
	}
	if len(headers) > media.MaxFilesPerUpload {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too_many_files"})
		return
	}

	uploads := make([]media.Upload, 0, len(headers))
	opened := make([]multipart.File, 0, len(headers))
	defer func() {
		for _, file := range opened {
			_ = file.Close()
		}
	}()
	for _, header := range headers {
		if header.Size > maxFileBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large", "file": header.Filename})
			return
		}
		file, err := header.Open()
		if err != nil {
			h.logger.Warn("failed to open uploaded file", zap.String("file", header.Filename), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_multipart"})
			return
		}
		opened = append(opened, file)
		uploads = append(uploads, media.Upload{
			FileName:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Body:        file,
		})
	}

	items, err := h.media.Upload(c.Request.Context(), currentUserID(c), uploads)
	if err != nil {
		if errors.Is(err, media.ErrFileTooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"media": items})
}

// handleGenerateStory renders the caller's photo into a themed image and stores
// the result as an unattached upload, so it is posted or swept like any other.
func (h *httpHandler) handleGenerateStory(c *gin.Context) {
	maxFileBytes := h.media.MaxFileBytes()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxFileBytes+multipartOverheadByte)

	header, err := c.FormFile(photoFormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload_too_large"})
		case errors.Is(err, http.ErrMissingFile):
			c.JSON(http.StatusBadRequest, gin.H{"error": "photo_required"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_multipart"})
		}
		return
	}
	if strings.TrimSpace(c.PostForm(themeFormField)) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "theme_required"})
		return
	}
	if header.Size > maxFileBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large", "file": header.Filename})
		return
	}
	photo, err := readFormFile(header)
	if err != nil {
		h.logger.Warn("failed to open uploaded file", zap.String("file", header.Filename), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_multipart"})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(photo)
	}
	request := storygen.Request{
		Photo:       photo,
		ContentType: contentType,
		Theme:       c.PostForm(themeFormField),
		Prompt:      c.PostForm(promptFormField),
	}
	if err := request.Validate(); err != nil {
		h.respondError(c, err)
		return
	}
	if h.generator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "generator_unavailable"})
		return
	}

	image, err := h.generator.Generate(c.Request.Context(), request)
	if err != nil {
		switch {
		case errors.Is(err, serviceerr.ErrInvalidInput), errors.Is(err, context.Canceled):
			h.respondError(c, err)
		default:
			h.logger.Warn("story generation failed", zap.String("user_id", currentUserID(c)), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "generation_failed", "code": serviceerr.CodeOf(err)})
		}
		return
	}

	items, err := h.media.Upload(c.Request.Context(), currentUserID(c), []media.Upload{{
		FileName:    "generated-story",
		ContentType: image.ContentType,
		Body:        bytes.NewReader(image.Data),
	}})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"media": items[0]})
}

func readFormFile(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

func (h *httpHandler) handleDeleteMedia(c *gin.Context) {
	var request deleteMediaRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, err)
		return
	}
	result, err := h.media.Delete(c.Request.Context(), currentUserID(c), request.PublicIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleListStories(c *gin.Context) {
	sets, err := h.stories.ListSets(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stories": sets})
}

func (h *httpHandler) handleCreateStory(c *gin.Context) {
	var request createStoryRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, err)
		return
	}
	story, err := h.stories.Create(c.Request.Context(), currentUserID(c), request.Media.PublicID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, story)
}

func (h *httpHandler) handleListViewed(c *gin.Context) {
	viewed, err := h.stories.ListViewed(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"viewed": viewed})
}

func (h *httpHandler) handleMarkViewed(c *gin.Context) {
	var request markViewedRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, err)
		return
	}
	if err := h.stories.MarkViewed(c.Request.Context(), currentUserID(c), request.AuthorID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMe(c *gin.Context) {
	profile, err := h.users.Profile(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleFollow(c *gin.Context) {
	if err := h.users.Follow(c.Request.Context(), currentUserID(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnfollow(c *gin.Context) {
	if err := h.users.Unfollow(c.Request.Context(), currentUserID(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
