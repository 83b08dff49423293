// Package session keeps per-mode conversation history for a client and
// mediates request/response cycles with the model oracle.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dsa-guru-ai-go/internal/models"
	"github.com/dsa-guru-ai-go/internal/persona"
	"github.com/dsa-guru-ai-go/internal/services/oracle"
	"github.com/dsa-guru-ai-go/internal/services/speech"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FallbackReply is appended when the oracle cannot be reached
const FallbackReply = "Sorry, I encountered an error while processing your request. Please try again."

// ErrBusy is returned when a mode already has a reply pending
var ErrBusy = errors.New("a reply is already pending for this mode")

// Announcer speaks assistant messages
type Announcer interface {
	Announce(text, englishContent string)
	Silence()
	SetLanguage(lang string)
}

// Translator renders replies into English for speech
type Translator interface {
	English(ctx context.Context, text string) string
}

// Recorder receives oracle timing metrics
type Recorder interface {
	RecordOracleRequest(kind, status string, duration time.Duration)
}

// Options configures a Manager
type Options struct {
	WelcomeDelay time.Duration
	Translator   Translator
	Metrics      Recorder
	NewID        func() string
}

// Exchange is the outcome of one Send: the user message and the reply, if any
type Exchange struct {
	User  *models.Message `json:"user"`
	Reply *models.Message `json:"reply,omitempty"`
}

// Manager owns one client's State
type Manager struct {
	mu           sync.Mutex
	state        *State
	oracle       oracle.Service
	voice        Announcer
	translator   Translator
	metrics      Recorder
	welcomeDelay time.Duration
	newID        func() string
	onChange     func()
	timers       map[*time.Timer]struct{}
	closed       bool
	logger       *logrus.Logger
}

// NewManager creates a manager around state
func NewManager(state *State, o oracle.Service, opts Options, logger *logrus.Logger) *Manager {
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.New().String() }
	}
	return &Manager{
		state:        state,
		oracle:       o,
		translator:   opts.Translator,
		metrics:      opts.Metrics,
		welcomeDelay: opts.WelcomeDelay,
		newID:        newID,
		timers:       make(map[*time.Timer]struct{}),
		logger:       logger,
	}
}

// SetAnnouncer attaches the speech sink. nil detaches it.
func (m *Manager) SetAnnouncer(a Announcer) {
	m.mu.Lock()
	m.voice = a
	lang := m.state.speechLanguage
	m.mu.Unlock()

	if a != nil {
		a.SetLanguage(lang)
	}
}

// DetachAnnouncer removes a only if it is still the attached sink
func (m *Manager) DetachAnnouncer(a Announcer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.voice == a {
		m.voice = nil
	}
}

// SetOnChange registers a hook called after every state mutation, outside the lock
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// SubmitUserMessage appends a user message and marks the mode busy.
// Empty or whitespace-only text is ignored and returns nil, nil.
func (m *Manager) SubmitUserMessage(mode models.Mode, text string, fromVoice bool) (*models.Message, error) {
	msg, _, err := m.submit(mode, text, fromVoice)
	return msg, err
}

func (m *Manager) submit(mode models.Mode, text string, fromVoice bool) (*models.Message, []models.Message, error) {
	text = strings.TrimSpace(text)

	m.mu.Lock()
	ms, err := m.state.mode(mode)
	if err != nil {
		m.mu.Unlock()
		return nil, nil, err
	}
	if text == "" {
		m.mu.Unlock()
		return nil, nil, nil
	}
	if ms.busy {
		m.mu.Unlock()
		return nil, nil, ErrBusy
	}

	history := append([]models.Message(nil), ms.messages...)
	msg := models.Message{
		ID:        m.newID(),
		Role:      models.RoleUser,
		Content:   text,
		FromVoice: fromVoice,
		CreatedAt: time.Now(),
	}
	ms.messages = append(ms.messages, msg)
	ms.draft = ""
	ms.busy = true
	m.mu.Unlock()

	m.changed()
	return &msg, history, nil
}

// RequestAssistantReply asks the oracle for the next turn of mode given the
// prior history and the new user text. Transport failures become a fallback
// message; a response without candidate text appends nothing. The returned
// error is only non-nil for an unknown mode.
func (m *Manager) RequestAssistantReply(ctx context.Context, mode models.Mode, history []models.Message, newText string) (*models.Message, error) {
	if _, err := m.lookup(mode); err != nil {
		return nil, err
	}

	turns := make([]oracle.Turn, 0, len(history)+1)
	for _, msg := range history {
		turns = append(turns, oracle.Turn{Role: msg.Role, Text: msg.Content})
	}
	turns = append(turns, oracle.Turn{Role: models.RoleUser, Text: newText})

	start := time.Now()
	text, ok, err := m.oracle.Generate(ctx, persona.Instruction(mode), turns)

	log := m.logger.WithFields(logrus.Fields{
		"mode":     mode,
		"turns":    len(turns),
		"duration": time.Since(start),
	})

	switch {
	case err != nil:
		m.record("chat", "error", start)
		log.WithError(err).Error("Failed to get assistant reply")

		msg, appendErr := m.AppendAssistantMessage(mode, FallbackReply, "")
		if appendErr != nil {
			return nil, appendErr
		}
		m.announce(FallbackReply, "")
		return msg, nil

	case !ok:
		m.record("chat", "empty", start)
		log.Warn("Oracle produced no reply")
		m.settle(mode)
		return nil, nil
	}

	m.record("chat", "success", start)

	var english string
	if mode == models.ModeDefault && m.translator != nil && speech.ContainsHindi(text) {
		english = m.translator.English(ctx, text)
	}

	msg, err := m.AppendAssistantMessage(mode, text, english)
	if err != nil {
		return nil, err
	}
	m.announce(text, english)
	log.Debug("Assistant reply appended")
	return msg, nil
}

// Send submits text in mode and waits for the reply. Returns nil, nil for empty text.
func (m *Manager) Send(ctx context.Context, mode models.Mode, text string, fromVoice bool) (*Exchange, error) {
	userMsg, history, err := m.submit(mode, text, fromVoice)
	if err != nil || userMsg == nil {
		return nil, err
	}

	reply, err := m.RequestAssistantReply(ctx, mode, history, userMsg.Content)
	if err != nil {
		return nil, err
	}
	return &Exchange{User: userMsg, Reply: reply}, nil
}

// AppendAssistantMessage appends a reply with a fresh id and clears the busy flag
func (m *Manager) AppendAssistantMessage(mode models.Mode, content, englishContent string) (*models.Message, error) {
	m.mu.Lock()
	ms, err := m.state.mode(mode)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	msg := models.Message{
		ID:             m.newID(),
		Role:           models.RoleAssistant,
		Content:        content,
		EnglishContent: englishContent,
		CreatedAt:      time.Now(),
	}
	ms.messages = append(ms.messages, msg)
	ms.busy = false
	m.mu.Unlock()

	m.changed()
	return &msg, nil
}

// EnsureWelcome seeds a welcome message into an empty mode and reports whether it did.
// With voice output enabled the welcome is announced after the welcome delay.
func (m *Manager) EnsureWelcome(mode models.Mode) (bool, error) {
	m.mu.Lock()
	ms, err := m.state.mode(mode)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	if len(ms.messages) > 0 {
		m.mu.Unlock()
		return false, nil
	}

	text := persona.WelcomeText(mode)
	ms.messages = append(ms.messages, models.Message{
		ID:        m.newID(),
		Role:      models.RoleAssistant,
		Content:   text,
		CreatedAt: time.Now(),
	})
	if m.state.voiceOutput && !m.closed {
		m.scheduleLocked(m.welcomeDelay, func() { m.announce(text, "") })
	}
	m.mu.Unlock()

	m.changed()
	return true, nil
}

// History returns a copy of the messages of mode
func (m *Manager) History(mode models.Mode) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, err := m.state.mode(mode)
	if err != nil {
		return nil, err
	}
	return append([]models.Message{}, ms.messages...), nil
}

// Busy reports whether mode has a reply pending
func (m *Manager) Busy(mode models.Mode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, err := m.state.mode(mode)
	return err == nil && ms.busy
}

// SetDraft stores the input buffer of mode, e.g. a live transcript
func (m *Manager) SetDraft(mode models.Mode, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, err := m.state.mode(mode)
	if err != nil {
		return err
	}
	ms.draft = text
	return nil
}

// Draft returns the input buffer of mode
func (m *Manager) Draft(mode models.Mode) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ms, err := m.state.mode(mode); err == nil {
		return ms.draft
	}
	return ""
}

// VoiceOutput reports whether replies are announced
func (m *Manager) VoiceOutput() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.voiceOutput
}

// SetVoiceOutput toggles announcements. Disabling stops the current utterance.
func (m *Manager) SetVoiceOutput(enabled bool) {
	m.mu.Lock()
	m.state.voiceOutput = enabled
	voice := m.voice
	m.mu.Unlock()

	if !enabled && voice != nil {
		voice.Silence()
	}
	m.changed()
}

// Languages returns the recognition and synthesis languages
func (m *Manager) Languages() (voiceLanguage, speechLanguage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.voiceLanguage, m.state.speechLanguage
}

// SetLanguages changes the recognition and synthesis languages
func (m *Manager) SetLanguages(voiceLanguage, speechLanguage string) {
	m.mu.Lock()
	m.state.voiceLanguage = voiceLanguage
	m.state.speechLanguage = speechLanguage
	voice := m.voice
	m.mu.Unlock()

	if voice != nil {
		voice.SetLanguage(speechLanguage)
	}
	m.changed()
}

// Snapshot returns the persisted form of the state
func (m *Manager) Snapshot(clientID string) *models.SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Snapshot(clientID)
}

// Close cancels pending announcements
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	m.timers = make(map[*time.Timer]struct{})
}

func (m *Manager) lookup(mode models.Mode) (*modeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.mode(mode)
}

// settle clears the busy flag without appending anything
func (m *Manager) settle(mode models.Mode) {
	m.mu.Lock()
	if ms, err := m.state.mode(mode); err == nil {
		ms.busy = false
	}
	m.mu.Unlock()
}

func (m *Manager) announce(text, englishContent string) {
	m.mu.Lock()
	voice, enabled := m.voice, m.state.voiceOutput
	m.mu.Unlock()

	if !enabled || voice == nil {
		return
	}
	voice.Announce(text, englishContent)
}

func (m *Manager) scheduleLocked(delay time.Duration, fn func()) {
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, t)
		closed := m.closed
		m.mu.Unlock()
		if !closed {
			fn()
		}
	})
	m.timers[t] = struct{}{}
}

func (m *Manager) changed() {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *Manager) record(kind, status string, start time.Time) {
	if m.metrics != nil {
		m.metrics.RecordOracleRequest(kind, status, time.Since(start))
	}
}
