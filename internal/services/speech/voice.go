package speech

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
)

// Utterance is a single request to the speech synthesis sink
type Utterance struct {
	Text  string  `json:"text"`
	Lang  string  `json:"lang"`
	Rate  float64 `json:"rate"`
	Pitch float64 `json:"pitch"`
}

// Sink speaks utterances. Speak is fire-and-forget; Cancel stops whatever is playing.
type Sink interface {
	Speak(ctx context.Context, u Utterance) error
	Cancel()
}

// Preset pairs the recognition language with the synthesis language
type Preset struct {
	Name           string `json:"name"`
	Label          string `json:"label"`
	VoiceLanguage  string `json:"voiceLanguage"`
	SpeechLanguage string `json:"speechLanguage"`
}

// Presets offered to clients
var Presets = []Preset{
	{Name: "en-US", Label: "English (US)", VoiceLanguage: "en-US", SpeechLanguage: "en-US"},
	{Name: "en-IN", Label: "English (Indian)", VoiceLanguage: "en-IN", SpeechLanguage: "en-IN"},
	{Name: "hi-IN", Label: "Hindi input, English speech", VoiceLanguage: "hi-IN", SpeechLanguage: "en-US"},
}

// LookupPreset finds a preset by name
func LookupPreset(name string) (Preset, bool) {
	for _, p := range Presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// ParseLanguage normalises a BCP 47 tag, falling back to en-US
func ParseLanguage(tag string) language.Tag {
	t, err := language.Parse(tag)
	if err != nil {
		return language.AmericanEnglish
	}
	return t
}

// Voice announces assistant text through a Sink
type Voice struct {
	mu     sync.Mutex
	sink   Sink
	lang   language.Tag
	logger *logrus.Logger
}

// NewVoice creates a voice speaking in the given language
func NewVoice(sink Sink, lang string, logger *logrus.Logger) *Voice {
	return &Voice{
		sink:   sink,
		lang:   ParseLanguage(lang),
		logger: logger,
	}
}

// SetLanguage changes the synthesis language
func (v *Voice) SetLanguage(lang string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lang = ParseLanguage(lang)
}

// Announce cancels any in-progress utterance and speaks text. When
// englishContent is set it is spoken instead of text.
func (v *Voice) Announce(text, englishContent string) {
	v.mu.Lock()
	sink, lang := v.sink, v.lang
	v.mu.Unlock()

	if sink == nil {
		return
	}

	spoken := englishContent
	if spoken == "" {
		spoken = ExtractEnglish(text)
	}

	sink.Cancel()
	err := sink.Speak(context.Background(), Utterance{
		Text:  spoken,
		Lang:  lang.String(),
		Rate:  0.9,
		Pitch: 1.0,
	})
	if err != nil {
		v.logger.WithError(err).Warn("Failed to announce")
	}
}

// Silence stops the current utterance
func (v *Voice) Silence() {
	v.mu.Lock()
	sink := v.sink
	v.mu.Unlock()
	if sink != nil {
		sink.Cancel()
	}
}

func (p Preset) String() string {
	return fmt.Sprintf("%s (%s/%s)", p.Label, p.VoiceLanguage, p.SpeechLanguage)
}
