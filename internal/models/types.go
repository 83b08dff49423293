package models

import (
	"errors"
	"fmt"
	"time"
)

// Mode identifies a persona and the conversation history that belongs to it
type Mode string

const (
	ModeDefault Mode = "default"
	ModeDSA     Mode = "dsa"
	ModeUPSC    Mode = "upsc"
	ModeLove    Mode = "love"
	ModeGym     Mode = "gym"
)

// AllModes lists the fixed set of modes in display order
var AllModes = []Mode{ModeDefault, ModeDSA, ModeUPSC, ModeLove, ModeGym}

// ErrUnknownMode is returned when a mode name is not part of the fixed set
var ErrUnknownMode = errors.New("unknown mode")

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	for _, m := range AllModes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Role is the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a chat message
type Message struct {
	ID             string    `json:"id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	FromVoice      bool      `json:"fromVoice,omitempty"`
	EnglishContent string    `json:"englishContent,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SessionSnapshot is the persisted form of a client's chat state
type SessionSnapshot struct {
	ClientID       string             `json:"client_id"`
	Modes          map[Mode][]Message `json:"modes"`
	VoiceOutput    bool               `json:"voice_output"`
	VoiceLanguage  string             `json:"voice_language"`
	SpeechLanguage string             `json:"speech_language"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Judgment records one round of the challenge game
type Judgment struct {
	Question string    `json:"question"`
	Caught   bool      `json:"caught"`
	At       time.Time `json:"at"`
}

// ChallengeState is the persisted form of a client's challenge game
type ChallengeState struct {
	ClientID   string     `json:"client_id"`
	Balance    int        `json:"balance"`
	Streak     int        `json:"streak"`
	History    []Judgment `json:"history"`
	Question   string     `json:"question"`
	Answer     string     `json:"answer"`
	Answered   bool       `json:"answered"`
	Difficulty string     `json:"difficulty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// CacheEntry represents a cached value
type CacheEntry struct {
	Key       string
	Value     string
	CreatedAt time.Time
}
