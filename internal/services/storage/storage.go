package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dsa-guru-ai-go/internal/config"
	"github.com/dsa-guru-ai-go/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Storage interface defines storage operations
type Storage interface {
	// Session operations
	GetSession(ctx context.Context, clientID string) (*models.SessionSnapshot, error)
	SaveSession(ctx context.Context, snap *models.SessionSnapshot) error
	DeleteSession(ctx context.Context, clientID string) error

	// Challenge operations
	GetChallenge(ctx context.Context, clientID string) (*models.ChallengeState, error)
	SaveChallenge(ctx context.Context, state *models.ChallengeState) error

	// Cleanup operations
	CleanupExpired(ctx context.Context, expiration time.Duration) error
	Close() error
}

// Manager manages different storage backends
type Manager struct {
	storage Storage
	logger  *logrus.Logger
	stop    chan struct{}
}

// NewManager creates a new storage manager
func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	var storage Storage

	switch cfg.Storage.Type {
	case "redis":
		redisStorage, err := NewRedisStorage(&cfg.Storage.Redis, logger)
		if err != nil {
			return nil, err
		}
		storage = redisStorage
	case "sqlite":
		sqliteStorage, err := NewSQLiteStorage(cfg.Storage.SQLite.Path, logger)
		if err != nil {
			return nil, err
		}
		storage = sqliteStorage
	case "memory":
		storage = NewMemoryStorage(&cfg.Storage.Memory, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	manager := NewManagerWith(storage, logger)

	if cfg.Storage.Memory.CleanupInterval > 0 {
		go manager.startCleanup(cfg.Storage.Memory.CleanupInterval, cfg.Session.IdleTimeout)
	}

	logger.WithField("type", cfg.Storage.Type).Info("Storage initialized")
	return manager, nil
}

// NewManagerWith wraps an existing backend
func NewManagerWith(storage Storage, logger *logrus.Logger) *Manager {
	return &Manager{
		storage: storage,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

func (m *Manager) startCleanup(interval, expiration time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := m.storage.CleanupExpired(ctx, expiration); err != nil {
				m.logger.WithError(err).Error("Failed to cleanup expired sessions")
			}
			cancel()
		}
	}
}

// Delegate methods to underlying storage
func (m *Manager) GetSession(ctx context.Context, clientID string) (*models.SessionSnapshot, error) {
	return m.storage.GetSession(ctx, clientID)
}

func (m *Manager) SaveSession(ctx context.Context, snap *models.SessionSnapshot) error {
	return m.storage.SaveSession(ctx, snap)
}

func (m *Manager) DeleteSession(ctx context.Context, clientID string) error {
	return m.storage.DeleteSession(ctx, clientID)
}

func (m *Manager) GetChallenge(ctx context.Context, clientID string) (*models.ChallengeState, error) {
	return m.storage.GetChallenge(ctx, clientID)
}

func (m *Manager) SaveChallenge(ctx context.Context, state *models.ChallengeState) error {
	return m.storage.SaveChallenge(ctx, state)
}

// Close stops the cleanup loop and releases the backend
func (m *Manager) Close() error {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	return m.storage.Close()
}

// RedisStorage implements storage using Redis
type RedisStorage struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

func NewRedisStorage(cfg *config.RedisConfig, logger *logrus.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{
		client: client,
		ttl:    cfg.TTL,
		logger: logger,
	}, nil
}

func (r *RedisStorage) GetSession(ctx context.Context, clientID string) (*models.SessionSnapshot, error) {
	var snap models.SessionSnapshot
	found, err := r.getJSON(ctx, sessionKey(clientID), &snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

func (r *RedisStorage) SaveSession(ctx context.Context, snap *models.SessionSnapshot) error {
	return r.setJSON(ctx, sessionKey(snap.ClientID), snap)
}

func (r *RedisStorage) DeleteSession(ctx context.Context, clientID string) error {
	return r.client.Del(ctx, sessionKey(clientID), challengeKey(clientID)).Err()
}

func (r *RedisStorage) GetChallenge(ctx context.Context, clientID string) (*models.ChallengeState, error) {
	var state models.ChallengeState
	found, err := r.getJSON(ctx, challengeKey(clientID), &state)
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

func (r *RedisStorage) SaveChallenge(ctx context.Context, state *models.ChallengeState) error {
	return r.setJSON(ctx, challengeKey(state.ClientID), state)
}

func (r *RedisStorage) CleanupExpired(ctx context.Context, expiration time.Duration) error {
	// Redis handles expiration automatically
	return nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}

func (r *RedisStorage) getJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisStorage) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, r.ttl).Err()
}

// MemoryStorage implements storage using in-memory cache
type MemoryStorage struct {
	sessions   *cache.Cache
	challenges *cache.Cache
	logger     *logrus.Logger
}

func NewMemoryStorage(cfg *config.MemoryConfig, logger *logrus.Logger) *MemoryStorage {
	return &MemoryStorage{
		sessions:   cache.New(cfg.DefaultExpiration, cfg.CleanupInterval),
		challenges: cache.New(cfg.DefaultExpiration, cfg.CleanupInterval),
		logger:     logger,
	}
}

// Values are stored as JSON so callers never share memory with the store.

func (m *MemoryStorage) GetSession(ctx context.Context, clientID string) (*models.SessionSnapshot, error) {
	val, found := m.sessions.Get(sessionKey(clientID))
	if !found {
		return nil, nil
	}
	var snap models.SessionSnapshot
	if err := json.Unmarshal(val.([]byte), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *MemoryStorage) SaveSession(ctx context.Context, snap *models.SessionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.sessions.SetDefault(sessionKey(snap.ClientID), data)
	return nil
}

func (m *MemoryStorage) DeleteSession(ctx context.Context, clientID string) error {
	m.sessions.Delete(sessionKey(clientID))
	m.challenges.Delete(challengeKey(clientID))
	return nil
}

func (m *MemoryStorage) GetChallenge(ctx context.Context, clientID string) (*models.ChallengeState, error) {
	val, found := m.challenges.Get(challengeKey(clientID))
	if !found {
		return nil, nil
	}
	var state models.ChallengeState
	if err := json.Unmarshal(val.([]byte), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (m *MemoryStorage) SaveChallenge(ctx context.Context, state *models.ChallengeState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	m.challenges.SetDefault(challengeKey(state.ClientID), data)
	return nil
}

func (m *MemoryStorage) CleanupExpired(ctx context.Context, expiration time.Duration) error {
	// go-cache handles cleanup automatically
	return nil
}

func (m *MemoryStorage) Close() error {
	m.sessions.Flush()
	m.challenges.Flush()
	return nil
}

func sessionKey(clientID string) string {
	return fmt.Sprintf("session:%s", clientID)
}

func challengeKey(clientID string) string {
	return fmt.Sprintf("challenge:%s", clientID)
}
