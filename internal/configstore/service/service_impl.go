package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/craftpage/metering/internal/cache"
	"github.com/craftpage/metering/internal/config"
	configstoredomain "github.com/craftpage/metering/internal/configstore/domain"
	syseventdomain "github.com/craftpage/metering/internal/sysevent/domain"
	"github.com/craftpage/metering/pkg/keylock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     configstoredomain.Repository
	Platform *config.PlatformConfigHolder
	Events   syseventdomain.Service `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     configstoredomain.Repository
	platform *config.PlatformConfigHolder
	events   syseventdomain.Service

	cache    cache.Cache[string, configstoredomain.Entry]
	cacheTTL time.Duration
	locks    *keylock.KeyLock
}

func New(p Params) configstoredomain.Service {
	ttl := 30 * time.Second
	if p.Platform != nil {
		if sec := p.Platform.Get().ConfigCacheTTLSec; sec > 0 {
			ttl = time.Duration(sec) * time.Second
		}
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("configstore.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		platform: p.Platform,
		events:   p.Events,
		cache:    cache.NewTTLCache[string, configstoredomain.Entry](),
		cacheTTL: ttl,
		locks:    keylock.New(),
	}
}

func (s *Service) Get(ctx context.Context, key string) (*configstoredomain.Entry, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, configstoredomain.ErrInvalidKey
	}

	if cached, ok := s.cache.Get(key); ok {
		return &cached, nil
	}

	entry, err := s.repo.Find(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		if value, ok := s.defaultValue(key); ok {
			fallback, err := entryFromValue(key, value)
			if err != nil {
				return nil, err
			}
			return fallback, nil
		}
		return nil, configstoredomain.ErrKeyNotFound
	}

	s.cache.Set(key, *entry, s.cacheTTL)
	return entry, nil
}

func (s *Service) Set(ctx context.Context, key string, value any, changedBy string) (*configstoredomain.Entry, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, configstoredomain.ErrInvalidKey
	}
	if err := s.validate(key, value); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, configstoredomain.ErrInvalidValue
	}

	// Serialize writers per key so versions stay gapless.
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	now := time.Now().UTC()
	var entry *configstoredomain.Entry

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.Find(ctx, tx, key)
		if err != nil {
			return err
		}

		change := &configstoredomain.ChangeRecord{
			ID:        s.genID.Generate(),
			Key:       key,
			NewValue:  datatypes.JSON(raw),
			ChangedBy: strings.TrimSpace(changedBy),
			ChangedAt: now,
		}

		if existing == nil {
			entry = &configstoredomain.Entry{
				Key:       key,
				Value:     datatypes.JSON(raw),
				Version:   1,
				UpdatedAt: now,
			}
			change.Version = 1
			if err := s.repo.Insert(ctx, tx, entry); err != nil {
				return err
			}
		} else {
			change.OldValue = existing.Value
			change.Version = existing.Version + 1

			entry = &configstoredomain.Entry{
				Key:       key,
				Value:     datatypes.JSON(raw),
				Version:   existing.Version + 1,
				UpdatedAt: now,
			}
			if err := s.repo.Update(ctx, tx, entry); err != nil {
				return err
			}
		}

		return s.repo.InsertChange(ctx, tx, change)
	})
	if err != nil {
		return nil, err
	}

	s.cache.Delete(key)

	if s.events != nil {
		_ = s.events.Record(ctx, syseventdomain.Input{
			Kind:     syseventdomain.KindConfigChanged,
			Severity: syseventdomain.SeverityInfo,
			Message:  "configuration value changed",
			Context: map[string]any{
				"key":     key,
				"version": entry.Version,
			},
		})
	}

	return entry, nil
}

func (s *Service) List(ctx context.Context) ([]configstoredomain.Entry, error) {
	return s.repo.List(ctx, s.db)
}

func (s *Service) Changes(ctx context.Context, key string) ([]configstoredomain.ChangeRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, configstoredomain.ErrInvalidKey
	}
	return s.repo.Changes(ctx, s.db, key)
}

func (s *Service) GetInt(ctx context.Context, key string) (int, error) {
	entry, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	var value int
	if err := json.Unmarshal(entry.Value, &value); err != nil {
		return 0, configstoredomain.ErrWrongType
	}
	return value, nil
}

func (s *Service) GetIntOr(ctx context.Context, key string, def int) int {
	value, err := s.GetInt(ctx, key)
	if err != nil {
		return def
	}
	return value
}

func (s *Service) GetString(ctx context.Context, key string) (string, error) {
	entry, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	var value string
	if err := json.Unmarshal(entry.Value, &value); err != nil {
		return "", configstoredomain.ErrWrongType
	}
	return value, nil
}

func (s *Service) GetBool(ctx context.Context, key string) (bool, error) {
	entry, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	var value bool
	if err := json.Unmarshal(entry.Value, &value); err != nil {
		return false, configstoredomain.ErrWrongType
	}
	return value, nil
}

func (s *Service) GetIntSlice(ctx context.Context, key string) ([]int, error) {
	entry, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var value []int
	if err := json.Unmarshal(entry.Value, &value); err != nil {
		return nil, configstoredomain.ErrWrongType
	}
	return value, nil
}

// defaultValue resolves file-level fallbacks for keys with no stored row.
func (s *Service) defaultValue(key string) (any, bool) {
	if s.platform == nil {
		return nil, false
	}
	platform := s.platform.Get()

	switch key {
	case configstoredomain.KeyVectorDimension:
		return platform.VectorDimension, true
	case configstoredomain.KeyQuotaThresholds:
		return platform.QuotaThresholds, true
	}
	if metric, ok := strings.CutPrefix(key, configstoredomain.QuotaDefaultKey("")); ok {
		if limit, found := platform.QuotaDefaults[metric]; found {
			return limit, true
		}
	}
	return nil, false
}

func (s *Service) validate(key string, value any) error {
	switch {
	case key == configstoredomain.KeyVectorDimension:
		dim, ok := asInt(value)
		if !ok || dim < 64 || dim > 4096 {
			return configstoredomain.ErrInvalidValue
		}
	case key == configstoredomain.KeyQuotaThresholds:
		thresholds, ok := asIntSlice(value)
		if !ok || len(thresholds) == 0 {
			return configstoredomain.ErrInvalidValue
		}
		prev := 0
		for _, p := range thresholds {
			if p < 1 || p > 100 || p <= prev {
				return configstoredomain.ErrInvalidValue
			}
			prev = p
		}
	case strings.HasPrefix(key, configstoredomain.QuotaDefaultKey("")):
		limit, ok := asInt(value)
		if !ok || limit < -1 {
			return configstoredomain.ErrInvalidValue
		}
	}
	return nil
}

func entryFromValue(key string, value any) (*configstoredomain.Entry, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode default for %s: %w", key, err)
	}
	return &configstoredomain.Entry{
		Key:   key,
		Value: datatypes.JSON(raw),
	}, nil
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}

func asIntSlice(value any) ([]int, bool) {
	switch v := value.(type) {
	case []int:
		return v, true
	case []any:
		out := make([]int, 0, len(v))
		for _, item := range v {
			parsed, ok := asInt(item)
			if !ok {
				return nil, false
			}
			out = append(out, parsed)
		}
		return out, true
	default:
		return nil, false
	}
}
