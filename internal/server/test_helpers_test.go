package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/auth"
	"github.com/MarcoPoloResearchLab/instaplus/internal/database"
	"github.com/MarcoPoloResearchLab/instaplus/internal/ids"
	"github.com/MarcoPoloResearchLab/instaplus/internal/media"
	"github.com/MarcoPoloResearchLab/instaplus/internal/messages"
	"github.com/MarcoPoloResearchLab/instaplus/internal/posts"
	"github.com/MarcoPoloResearchLab/instaplus/internal/realtime"
	"github.com/MarcoPoloResearchLab/instaplus/internal/stories"
	"github.com/MarcoPoloResearchLab/instaplus/internal/storygen"
	"github.com/MarcoPoloResearchLab/instaplus/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "server-test-secret"
	testIssuer        = "instaplus-auth"
	testMaxFileBytes  = 1024
)

type stubProber struct{}

func (stubProber) Probe(media.Kind, string) (media.Dimensions, error) {
	return media.Dimensions{Width: 320, Height: 240}, nil
}

type testStack struct {
	handler   http.Handler
	hub       *realtime.Hub
	validator *auth.SessionValidator

	mu  sync.Mutex
	now time.Time
}

type stackOptions struct {
	limiter   *UserRateLimiter
	logger    *zap.Logger
	generator storygen.Generator
}

func newTestStack(t *testing.T, options stackOptions) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	stack := &testStack{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time {
		stack.mu.Lock()
		defer stack.mu.Unlock()
		stack.now = stack.now.Add(time.Second)
		return stack.now
	}

	db, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Clock:         stack.current,
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	store, err := media.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create users service: %v", err)
	}
	mediaService, err := media.NewService(media.ServiceConfig{
		Database:     db,
		Store:        store,
		Prober:       stubProber{},
		IDProvider:   &ids.Sequence{Prefix: "asset-"},
		Clock:        clock,
		MaxFileBytes: testMaxFileBytes,
	})
	if err != nil {
		t.Fatalf("failed to create media service: %v", err)
	}
	postService, err := posts.NewService(posts.ServiceConfig{Database: db, Assets: mediaService, IDProvider: &ids.Sequence{Prefix: "post-"}, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create posts service: %v", err)
	}
	storyService, err := stories.NewService(stories.ServiceConfig{Database: db, Assets: mediaService, IDProvider: &ids.Sequence{Prefix: "story-"}, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create stories service: %v", err)
	}
	messageService, err := messages.NewService(messages.ServiceConfig{Database: db, IDProvider: &ids.Sequence{Prefix: "id-"}, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create messages service: %v", err)
	}

	hub := realtime.NewHub(realtime.HubConfig{InstanceID: "test"})
	handler, err := NewHTTPHandler(Dependencies{
		Validator:   validator,
		Users:       userService,
		Posts:       postService,
		Stories:     storyService,
		Messages:    messageService,
		Media:       mediaService,
		Hub:         hub,
		Generator:   options.generator,
		RateLimiter: options.limiter,
		Logger:      options.logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	stack.handler = handler
	stack.hub = hub
	stack.validator = validator
	return stack
}

func (s *testStack) current() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *testStack) token(t *testing.T, userID string, ttl time.Duration) string {
	t.Helper()
	issuedAt := s.current()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:          userID,
		Username:        userID,
		UserDisplayName: "User " + userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func (s *testStack) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode body %q: %v", recorder.Body.String(), err)
	}
}
