package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-live-game-session/internal/content"
	apperrors "github.com/koopa0/system-design/14-live-game-session/pkg/errors"
)

// ContentBackend 內容的後端存儲
type ContentBackend interface {
	GetContent(ctx context.Context, id string) (content.Content, error)
	CreateContent(ctx context.Context, c content.Content) (content.Content, error)
	ListContentsByOwner(ctx context.Context, ownerID string) ([]content.Content, error)
}

// notFoundMarker 負快取標記
const notFoundMarker = "null"

// CachedContentStore 內容的 cache-aside 快取
//
// 一個 session-started 會讓整間教室同時抓同一份內容，快取吸收這波讀取。
// Redis 故障時直接回源，不影響正確性。
type CachedContentStore struct {
	backend     ContentBackend
	client      *redis.Client
	ttl         time.Duration
	negativeTTL time.Duration
	keyPrefix   string
	logger      *slog.Logger
}

// NewCachedContentStore 創建快取層；ttl 為 0 時預設 10 分鐘
func NewCachedContentStore(backend ContentBackend, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedContentStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedContentStore{
		backend:     backend,
		client:      client,
		ttl:         ttl,
		negativeTTL: time.Minute,
		keyPrefix:   "content:",
		logger:      logger.With("component", "content_cache"),
	}
}

// GetContent 先讀快取，未命中回源並回填
func (s *CachedContentStore) GetContent(ctx context.Context, id string) (content.Content, error) {
	key := s.keyPrefix + id

	data, err := s.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if data == notFoundMarker {
			return content.Content{}, apperrors.ErrContentNotFound
		}
		var c content.Content
		if err := json.Unmarshal([]byte(data), &c); err == nil {
			return c, nil
		}
		s.logger.Warn("快取資料損壞，回源", "key", key)
	case errors.Is(err, redis.Nil):
	default:
		s.logger.Warn("讀取快取失敗，回源", "key", key, "error", err)
	}

	c, err := s.backend.GetContent(ctx, id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			s.set(ctx, key, notFoundMarker, s.negativeTTL)
		}
		return content.Content{}, err
	}

	if encoded, err := json.Marshal(c); err == nil {
		s.set(ctx, key, string(encoded), s.ttl)
	}
	return c, nil
}

// CreateContent 寫入後端並清除可能存在的負快取
func (s *CachedContentStore) CreateContent(ctx context.Context, c content.Content) (content.Content, error) {
	created, err := s.backend.CreateContent(ctx, c)
	if err != nil {
		return content.Content{}, err
	}
	if err := s.client.Del(ctx, s.keyPrefix+created.ID).Err(); err != nil {
		s.logger.Warn("清除快取失敗", "content_id", created.ID, "error", err)
	}
	return created, nil
}

// ListContentsByOwner 不快取
func (s *CachedContentStore) ListContentsByOwner(ctx context.Context, ownerID string) ([]content.Content, error) {
	return s.backend.ListContentsByOwner(ctx, ownerID)
}

func (s *CachedContentStore) set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		s.logger.Warn("寫入快取失敗", "key", key, "error", err)
	}
}
