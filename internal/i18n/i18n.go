package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dsa-guru-ai-go/internal/config"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var locales embed.FS

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a new localizer. Built-in catalogues are always
// loaded; files in cfg.Directory named <lang>.json override them.
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	def := cfg.DefaultLanguage
	if def == "" {
		def = "en"
	}
	defTag, err := language.Parse(def)
	if err != nil {
		return nil, fmt.Errorf("invalid default language %q: %w", def, err)
	}

	bundle := i18n.NewBundle(defTag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := locales.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("failed to read built-in locales: %w", err)
	}
	for _, e := range entries {
		if _, err := bundle.LoadMessageFileFS(locales, "locales/"+e.Name()); err != nil {
			return nil, fmt.Errorf("failed to load built-in locale %s: %w", e.Name(), err)
		}
	}

	if cfg.Directory != "" {
		for _, lang := range cfg.Languages {
			path := filepath.Join(cfg.Directory, fmt.Sprintf("%s.json", lang))
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if _, err := bundle.LoadMessageFile(path); err != nil {
				return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
			}
		}
	}

	languages := append([]string{def}, cfg.Languages...)
	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range languages {
		localizers[lang] = i18n.NewLocalizer(bundle, lang, def)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: def,
		localizers:      localizers,
	}, nil
}

// Get returns localized message. lang may be a full tag such as "hi-IN"
// or an Accept-Language header value.
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		if base := baseLanguage(lang); base != "" {
			localizer, exists = l.localizers[base]
		}
	}
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if msg == "" && err != nil {
		return messageID // Fallback to message ID
	}

	return msg
}

// Languages returns the languages with a catalogue
func (l *Localizer) Languages() []language.Tag {
	return l.bundle.LanguageTags()
}

func baseLanguage(lang string) string {
	tags, _, err := language.ParseAcceptLanguage(lang)
	if err != nil || len(tags) == 0 {
		return ""
	}
	base, _ := tags[0].Base()
	return base.String()
}

// Message IDs
const (
	MsgRateLimitExceeded = "rate_limit_exceeded"
	MsgInputTooLong      = "input_too_long"
	MsgReplyPending      = "reply_pending"
	MsgQuestionPending   = "question_pending"
	MsgUnknownMode       = "unknown_mode"
	MsgModeChanged       = "mode_changed"
	MsgModes             = "modes"
	MsgChallengeCorrect  = "challenge_correct"
	MsgChallengeCaught   = "challenge_caught"
	MsgChallengeHint     = "challenge_hint"
	MsgChallengeUsage    = "challenge_usage"
	MsgJudgeUsage        = "judge_usage"
	MsgNoQuestion        = "no_question"
	MsgBalance           = "balance"
	MsgDifficultyUsage   = "difficulty_usage"
	MsgDifficultyChanged = "difficulty_changed"
	MsgHelp              = "help"
	MsgUnknownCommand    = "unknown_command"
	MsgError             = "error"
)
