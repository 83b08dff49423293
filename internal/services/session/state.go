package session

import (
	"time"

	"github.com/dsa-guru-ai-go/internal/models"
)

type modeState struct {
	messages []models.Message
	busy     bool
	draft    string
}

// State is the chat state of one client: one message list per mode plus voice settings.
// It is owned by a Manager and must not be shared between managers.
type State struct {
	modes          map[models.Mode]*modeState
	voiceOutput    bool
	voiceLanguage  string
	speechLanguage string
}

// NewState creates an empty state with a list for every known mode
func NewState(voiceOutput bool, voiceLanguage, speechLanguage string) *State {
	s := &State{
		modes:          make(map[models.Mode]*modeState, len(models.AllModes)),
		voiceOutput:    voiceOutput,
		voiceLanguage:  voiceLanguage,
		speechLanguage: speechLanguage,
	}
	for _, m := range models.AllModes {
		s.modes[m] = &modeState{}
	}
	return s
}

// StateFromSnapshot rebuilds a state from its persisted form. Messages of
// unknown modes are dropped; pending replies are not restored.
func StateFromSnapshot(snap *models.SessionSnapshot) *State {
	s := NewState(snap.VoiceOutput, snap.VoiceLanguage, snap.SpeechLanguage)
	for mode, msgs := range snap.Modes {
		ms, ok := s.modes[mode]
		if !ok {
			continue
		}
		ms.messages = append([]models.Message(nil), msgs...)
	}
	return s
}

// Snapshot returns a deep copy of the state for persistence
func (s *State) Snapshot(clientID string) *models.SessionSnapshot {
	snap := &models.SessionSnapshot{
		ClientID:       clientID,
		Modes:          make(map[models.Mode][]models.Message, len(s.modes)),
		VoiceOutput:    s.voiceOutput,
		VoiceLanguage:  s.voiceLanguage,
		SpeechLanguage: s.speechLanguage,
		UpdatedAt:      time.Now(),
	}
	for mode, ms := range s.modes {
		snap.Modes[mode] = append([]models.Message{}, ms.messages...)
	}
	return snap
}

func (s *State) mode(m models.Mode) (*modeState, error) {
	ms, ok := s.modes[m]
	if !ok {
		return nil, models.ErrUnknownMode
	}
	return ms, nil
}
