package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dsa-guru-ai-go/internal/config"
	"github.com/dsa-guru-ai-go/internal/models"
	"github.com/dsa-guru-ai-go/internal/services/challenge"
	"github.com/dsa-guru-ai-go/internal/services/oracle"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Store persists client state between restarts
type Store interface {
	GetSession(ctx context.Context, clientID string) (*models.SessionSnapshot, error)
	SaveSession(ctx context.Context, snap *models.SessionSnapshot) error
	DeleteSession(ctx context.Context, clientID string) error
	GetChallenge(ctx context.Context, clientID string) (*models.ChallengeState, error)
	SaveChallenge(ctx context.Context, state *models.ChallengeState) error
}

// Metrics combines chat and challenge metrics
type Metrics interface {
	RecordOracleRequest(kind, status string, duration time.Duration)
	RecordJudgment(caught bool, balance int)
}

// RegistryOptions configures a Registry
type RegistryOptions struct {
	Session    config.SessionConfig
	Challenge  config.ChallengeConfig
	Translator Translator
	Metrics    Metrics
}

// Client is one browser or chat participant
type Client struct {
	ID        string
	Chat      *Manager
	Challenge *challenge.Game

	saveMu  sync.Mutex
	deleted bool
}

// Registry hands out live clients, loading them from the store on first use
// and dropping them from memory after the idle timeout.
type Registry struct {
	clients *cache.Cache
	mu      sync.Mutex
	store   Store
	oracle  oracle.Service
	opts    RegistryOptions
	logger  *logrus.Logger
}

// NewRegistry creates a registry
func NewRegistry(store Store, o oracle.Service, opts RegistryOptions, logger *logrus.Logger) *Registry {
	idle := opts.Session.IdleTimeout
	if idle <= 0 {
		idle = cache.NoExpiration
	}
	cleanup := idle / 2
	if cleanup <= 0 || cleanup > 10*time.Minute {
		cleanup = 10 * time.Minute
	}

	r := &Registry{
		clients: cache.New(idle, cleanup),
		store:   store,
		oracle:  o,
		opts:    opts,
		logger:  logger,
	}
	r.clients.OnEvicted(func(id string, v interface{}) {
		if c, ok := v.(*Client); ok {
			c.Chat.Close()
			logger.WithField("client_id", id).Debug("Client evicted")
		}
	})
	return r
}

// Get returns the live client for id, restoring or creating it as needed
func (r *Registry) Get(ctx context.Context, id string) (*Client, error) {
	if id == "" {
		return nil, fmt.Errorf("client id is required")
	}

	if v, ok := r.clients.Get(id); ok {
		// slide the idle window; Replace fails once the client is gone
		if err := r.clients.Replace(id, v, cache.DefaultExpiration); err == nil {
			return v.(*Client), nil
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.clients.Get(id); ok {
		return v.(*Client), nil
	}

	c, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	r.clients.SetDefault(id, c)
	return c, nil
}

// Delete forgets a client both in memory and in the store. Replies still in
// flight for the deleted client are not written back.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.clients.Get(id); ok {
		c := v.(*Client)
		c.Chat.SetOnChange(nil)
		c.Challenge.SetOnChange(nil)

		// waits for a save already under way
		c.saveMu.Lock()
		c.deleted = true
		c.saveMu.Unlock()
	}
	r.clients.Delete(id)

	if err := r.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Count returns the number of live clients
func (r *Registry) Count() int {
	return r.clients.ItemCount()
}

// Close releases every live client
func (r *Registry) Close() {
	for id := range r.clients.Items() {
		r.clients.Delete(id)
	}
}

func (r *Registry) load(ctx context.Context, id string) (*Client, error) {
	snap, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	var state *State
	if snap != nil {
		state = StateFromSnapshot(snap)
	} else {
		state = NewState(r.opts.Session.VoiceOutput, r.opts.Session.VoiceLanguage, r.opts.Session.SpeechLanguage)
	}

	chOpts := challenge.Options{
		InitialBalance: r.opts.Challenge.InitialBalance,
		HistorySize:    r.opts.Challenge.HistorySize,
		Difficulty:     r.opts.Challenge.Difficulty,
	}
	opts := Options{
		WelcomeDelay: r.opts.Session.WelcomeDelay,
		Translator:   r.opts.Translator,
	}
	if r.opts.Metrics != nil {
		chOpts.Metrics = r.opts.Metrics
		opts.Metrics = r.opts.Metrics
	}

	cs, err := r.store.GetChallenge(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}
	var game *challenge.Game
	if cs != nil {
		game = challenge.Restore(*cs, r.oracle, chOpts, r.logger)
	} else {
		game = challenge.NewGame(r.oracle, chOpts, r.logger)
	}

	c := &Client{
		ID:        id,
		Chat:      NewManager(state, r.oracle, opts, r.logger),
		Challenge: game,
	}
	c.Chat.SetOnChange(func() { r.saveSession(c) })
	c.Challenge.SetOnChange(func() { r.saveChallenge(c) })

	r.logger.WithFields(logrus.Fields{
		"client_id": id,
		"restored":  snap != nil,
	}).Info("Client session opened")
	return c, nil
}

// Saves hold the client's save lock while snapshotting so that a later
// snapshot is never overwritten by an earlier one.

func (r *Registry) saveSession(c *Client) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	if c.deleted {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.store.SaveSession(ctx, c.Chat.Snapshot(c.ID)); err != nil {
		r.logger.WithError(err).WithField("client_id", c.ID).Error("Failed to save session")
	}
}

func (r *Registry) saveChallenge(c *Client) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	if c.deleted {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state := c.Challenge.State(c.ID)
	if err := r.store.SaveChallenge(ctx, &state); err != nil {
		r.logger.WithError(err).WithField("client_id", c.ID).Error("Failed to save challenge")
	}
}
