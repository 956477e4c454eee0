package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/instaplus/internal/media"
	"github.com/MarcoPoloResearchLab/instaplus/internal/messages"
	"github.com/MarcoPoloResearchLab/instaplus/internal/posts"
	"github.com/MarcoPoloResearchLab/instaplus/internal/stories"
	"github.com/MarcoPoloResearchLab/instaplus/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table owned by the API.
func Models() []interface{} {
	return []interface{}{
		&users.Identity{},
		&users.Follow{},
		&media.Asset{},
		&posts.Post{},
		&stories.Story{},
		&stories.View{},
		&messages.Conversation{},
		&messages.Participant{},
		&messages.Message{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := migrateUserIDs(db); err != nil && logger != nil {
		logger.Warn("user id migration failed", zap.Error(err))
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// migrateUserIDs strips provider prefixes that older clients stored as user ids.
func migrateUserIDs(db *gorm.DB) error {
	const prefix = "google:"
	start := len(prefix) + 1
	statements := []string{
		"UPDATE user_follows SET follower_id = substr(follower_id, %d) WHERE follower_id LIKE '%s%%';",
		"UPDATE user_follows SET followee_id = substr(followee_id, %d) WHERE followee_id LIKE '%s%%';",
		"UPDATE posts SET author_id = substr(author_id, %d) WHERE author_id LIKE '%s%%';",
		"UPDATE stories SET author_id = substr(author_id, %d) WHERE author_id LIKE '%s%%';",
	}
	for _, statement := range statements {
		if err := db.Exec(fmt.Sprintf(statement, start, prefix)).Error; err != nil {
			return err
		}
	}
	return nil
}
