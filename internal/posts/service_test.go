package posts

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/ids"
	"github.com/MarcoPoloResearchLab/instaplus/internal/media"
	"github.com/MarcoPoloResearchLab/instaplus/internal/serviceerr"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// ledgerClaim records which post claimed an asset inside the create transaction.
type ledgerClaim struct {
	PublicID string `gorm:"primaryKey"`
	OwnerID  string
}

type fakeLedger struct{}

func (fakeLedger) AttachWithin(tx *gorm.DB, ownerID string, publicIDs []string) ([]media.Item, error) {
	items := make([]media.Item, 0, len(publicIDs))
	for _, publicID := range publicIDs {
		var claim ledgerClaim
		err := tx.Where("public_id = ?", publicID).Take(&claim).Error
		switch {
		case err == nil && claim.OwnerID != ownerID:
			return nil, serviceerr.New("media.attach", "unknown_media", serviceerr.ErrNotFound)
		case err == nil:
			return nil, serviceerr.New("media.attach", "already_attached", serviceerr.ErrInvalidInput)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, err
		}
		if err := tx.Create(&ledgerClaim{PublicID: publicID, OwnerID: ownerID}).Error; err != nil {
			return nil, err
		}
		items = append(items, media.Item{Kind: media.KindImage, Src: "/uploads/" + publicID + ".jpg", PublicID: publicID})
	}
	return items, nil
}

type fixedID string

func (f fixedID) NewID() (string, error) {
	return string(f), nil
}

func newTestService(t *testing.T, clock func() time.Time) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Post{}, &ledgerClaim{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Assets:     fakeLedger{},
		IDProvider: &ids.Sequence{Prefix: "post-"},
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func steppingClock() func() time.Time {
	current := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func seedPosts(t *testing.T, service *Service, authors ...string) {
	t.Helper()
	for index, author := range authors {
		if _, err := service.Create(context.Background(), author, fmt.Sprintf("caption %d", index), []string{fmt.Sprintf("media-%d", index)}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
}

func TestListPaginatesNewestFirstWithoutDuplicates(t *testing.T) {
	service := newTestService(t, steppingClock())
	seedPosts(t, service, "a", "a", "a", "a", "a", "a", "a")

	seen := map[string]bool{}
	var order []string
	cursor := ""
	pages := 0
	for {
		page, err := service.List(context.Background(), Query{Limit: 3, Cursor: cursor})
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		pages++
		for _, post := range page.Items {
			if seen[post.ID] {
				t.Fatalf("post %s returned twice", post.ID)
			}
			seen[post.ID] = true
			order = append(order, post.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if pages != 3 || len(order) != 7 {
		t.Fatalf("expected 7 posts over 3 pages, got %d over %d", len(order), pages)
	}
	if order[0] != "post-7" || order[6] != "post-1" {
		t.Fatalf("expected newest first, got %v", order)
	}
}

func TestListBreaksTimestampTiesByID(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	service := newTestService(t, func() time.Time { return fixed })
	seedPosts(t, service, "a", "a", "a")

	first, err := service.List(context.Background(), Query{Limit: 2})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	second, err := service.List(context.Background(), Query{Limit: 2, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(first.Items) != 2 || len(second.Items) != 1 {
		t.Fatalf("unexpected page sizes %d %d", len(first.Items), len(second.Items))
	}
	if second.Items[0].ID != "post-1" || second.NextCursor != "" {
		t.Fatalf("unexpected tail page %+v", second)
	}
}

func TestListFiltersByAuthors(t *testing.T) {
	service := newTestService(t, steppingClock())
	seedPosts(t, service, "a", "b", "c", "b")

	page, err := service.List(context.Background(), Query{AuthorIDs: []string{"b"}})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected two posts by b, got %d", len(page.Items))
	}
	for _, post := range page.Items {
		if post.AuthorID != "b" {
			t.Fatalf("unexpected author %s", post.AuthorID)
		}
	}

	empty, err := service.List(context.Background(), Query{AuthorIDs: []string{}})
	if err != nil || len(empty.Items) != 0 {
		t.Fatalf("expected empty page for empty author set, got %+v %v", empty, err)
	}
}

func TestListRejectsForeignCursor(t *testing.T) {
	service := newTestService(t, steppingClock())
	_, err := service.List(context.Background(), Query{Cursor: "not-a-cursor"})
	if !errors.Is(err, ErrInvalidCursor) || !errors.Is(err, serviceerr.ErrInvalidInput) {
		t.Fatalf("expected invalid cursor, got %v", err)
	}
}

func TestCreateValidatesMedia(t *testing.T) {
	service := newTestService(t, steppingClock())
	if _, err := service.Create(context.Background(), "a", "caption", nil); !errors.Is(err, ErrMediaRequired) {
		t.Fatalf("expected media required, got %v", err)
	}
	tooMany := []string{"1", "2", "3", "4", "5", "6"}
	if _, err := service.Create(context.Background(), "a", "caption", tooMany); !errors.Is(err, ErrTooManyMedia) {
		t.Fatalf("expected too many media, got %v", err)
	}
}

func TestCreateReturnsCanonicalMedia(t *testing.T) {
	service := newTestService(t, steppingClock())
	post, err := service.Create(context.Background(), "a", "  hello  ", []string{"m1", "m2"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if post.Caption != "hello" || len(post.Media) != 2 || post.Media[1].Src != "/uploads/m2.jpg" {
		t.Fatalf("unexpected post %+v", post)
	}
	if post.CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be populated")
	}
}

func TestCreateReleasesMediaWhenInsertFails(t *testing.T) {
	service := newTestService(t, steppingClock())
	ctx := context.Background()
	first, err := service.Create(ctx, "a", "first", []string{"m1"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	service.idProvider = fixedID(first.ID)
	if _, err := service.Create(ctx, "a", "duplicate id", []string{"m2"}); err == nil {
		t.Fatalf("expected insert to fail on a duplicate post id")
	}
	var claims int64
	service.db.Model(&ledgerClaim{}).Where("public_id = ?", "m2").Count(&claims)
	if claims != 0 {
		t.Fatalf("expected the media claim to roll back with the failed insert")
	}

	service.idProvider = &ids.Sequence{Prefix: "retry-"}
	retried, err := service.Create(ctx, "a", "retry", []string{"m2"})
	if err != nil || retried.Media[0].PublicID != "m2" {
		t.Fatalf("expected released media to be usable again, got %+v %v", retried, err)
	}
	if _, err := service.Create(ctx, "a", "reuse", []string{"m1"}); !errors.Is(err, serviceerr.ErrInvalidInput) {
		t.Fatalf("expected attached media to be refused, got %v", err)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	token := Cursor{CreatedAtNanos: 1700000000123456789, PostID: "0190-abc"}.Encode()
	decoded, ok, err := DecodeCursor(token)
	if err != nil || !ok {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.CreatedAtNanos != 1700000000123456789 || decoded.PostID != "0190-abc" {
		t.Fatalf("unexpected cursor %+v", decoded)
	}
	if _, ok, err := DecodeCursor(""); ok || err != nil {
		t.Fatalf("expected empty cursor to mean first page")
	}
}
