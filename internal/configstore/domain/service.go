package domain

import (
	"context"

	"gorm.io/gorm"
)

type Service interface {
	// Get returns the stored entry for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (*Entry, error)
	// Set validates and writes a new value, bumping the version and
	// appending a ChangeRecord. The stored value is untouched when
	// validation fails.
	Set(ctx context.Context, key string, value any, changedBy string) (*Entry, error)
	// List returns all entries ordered by key.
	List(ctx context.Context) ([]Entry, error)
	// Changes returns the audit trail for one key, newest first.
	Changes(ctx context.Context, key string) ([]ChangeRecord, error)

	GetInt(ctx context.Context, key string) (int, error)
	GetIntOr(ctx context.Context, key string, def int) int
	GetString(ctx context.Context, key string) (string, error)
	GetBool(ctx context.Context, key string) (bool, error)
	GetIntSlice(ctx context.Context, key string) ([]int, error)
}

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, key string) (*Entry, error)
	List(ctx context.Context, db *gorm.DB) ([]Entry, error)
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) error
	Update(ctx context.Context, db *gorm.DB, entry *Entry) error
	InsertChange(ctx context.Context, db *gorm.DB, change *ChangeRecord) error
	Changes(ctx context.Context, db *gorm.DB, key string) ([]ChangeRecord, error)
}
