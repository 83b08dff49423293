package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dsa-guru-ai-go/internal/config"
	"github.com/dsa-guru-ai-go/internal/models"
	"github.com/dsa-guru-ai-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()

	sqlite, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "data", "sessions.db"), logger.Discard())
	require.NoError(t, err)

	memory := NewMemoryStorage(&config.MemoryConfig{
		DefaultExpiration: time.Hour,
		CleanupInterval:   time.Minute,
	}, logger.Discard())

	all := map[string]Storage{"memory": memory, "sqlite": sqlite}
	t.Cleanup(func() {
		for _, s := range all {
			s.Close()
		}
	})
	return all
}

func sampleSnapshot(clientID string) *models.SessionSnapshot {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return &models.SessionSnapshot{
		ClientID: clientID,
		Modes: map[models.Mode][]models.Message{
			models.ModeDSA: {
				{ID: "1", Role: models.RoleUser, Content: "what is a trie", CreatedAt: created},
				{ID: "2", Role: models.RoleAssistant, Content: "a prefix tree", CreatedAt: created},
			},
			models.ModeDefault: {},
		},
		VoiceOutput:    true,
		VoiceLanguage:  "hi-IN",
		SpeechLanguage: "en-US",
		UpdatedAt:      created,
	}
}

func TestStorage_SessionRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := s.GetSession(ctx, "alice")
			require.NoError(t, err)
			assert.Nil(t, got)

			want := sampleSnapshot("alice")
			require.NoError(t, s.SaveSession(ctx, want))

			got, err = s.GetSession(ctx, "alice")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, want.Modes[models.ModeDSA], got.Modes[models.ModeDSA])
			assert.Equal(t, "hi-IN", got.VoiceLanguage)
			assert.True(t, got.VoiceOutput)

			// overwrite
			want.VoiceOutput = false
			require.NoError(t, s.SaveSession(ctx, want))
			got, err = s.GetSession(ctx, "alice")
			require.NoError(t, err)
			assert.False(t, got.VoiceOutput)
		})
	}
}

func TestStorage_ChallengeRoundTripAndDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := s.GetChallenge(ctx, "bob")
			require.NoError(t, err)
			assert.Nil(t, got)

			state := &models.ChallengeState{
				ClientID:   "bob",
				Balance:    12,
				Streak:     2,
				History:    []models.Judgment{{Question: "Is 91 prime?", Caught: true}},
				Difficulty: "medium",
			}
			require.NoError(t, s.SaveChallenge(ctx, state))
			require.NoError(t, s.SaveSession(ctx, sampleSnapshot("bob")))

			got, err = s.GetChallenge(ctx, "bob")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, 12, got.Balance)
			assert.Equal(t, 2, got.Streak)
			require.Len(t, got.History, 1)
			assert.True(t, got.History[0].Caught)

			require.NoError(t, s.DeleteSession(ctx, "bob"))
			snap, err := s.GetSession(ctx, "bob")
			require.NoError(t, err)
			assert.Nil(t, snap)
			got, err = s.GetChallenge(ctx, "bob")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestSQLiteStorage_CleanupExpired(t *testing.T) {
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "sessions.db"), logger.Discard())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, sampleSnapshot("alice")))

	// zero expiration keeps everything
	require.NoError(t, s.CleanupExpired(ctx, 0))
	got, err := s.GetSession(ctx, "alice")
	require.NoError(t, err)
	assert.NotNil(t, got)

	require.NoError(t, s.CleanupExpired(ctx, time.Hour))
	got, err = s.GetSession(ctx, "alice")
	require.NoError(t, err)
	assert.NotNil(t, got)

	_, err = s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ?`, time.Now().Add(-2*time.Hour).Unix())
	require.NoError(t, err)
	require.NoError(t, s.CleanupExpired(ctx, time.Hour))
	got, err = s.GetSession(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestManager_DelegatesToBackend(t *testing.T) {
	m := NewManagerWith(NewMemoryStorage(&config.MemoryConfig{
		DefaultExpiration: time.Hour,
		CleanupInterval:   time.Minute,
	}, logger.Discard()), logger.Discard())
	ctx := context.Background()

	require.NoError(t, m.SaveSession(ctx, sampleSnapshot("carol")))
	got, err := m.GetSession(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "carol", got.ClientID)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNewManager_RejectsUnknownType(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Type = "cassandra"
	_, err := NewManager(cfg, logger.Discard())
	assert.Error(t, err)
}
