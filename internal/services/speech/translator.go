package speech

import (
	"context"

	"github.com/dsa-guru-ai-go/internal/models"
	"github.com/dsa-guru-ai-go/internal/persona"
	"github.com/dsa-guru-ai-go/internal/services/cache"
	"github.com/dsa-guru-ai-go/internal/services/oracle"
	"github.com/sirupsen/logrus"
)

const cacheNamespace = "english"

// Translator produces English renderings of replies for speech synthesis
type Translator struct {
	oracle oracle.Service
	cache  cache.Service
	logger *logrus.Logger
}

// NewTranslator creates a translator
func NewTranslator(o oracle.Service, c cache.Service, logger *logrus.Logger) *Translator {
	return &Translator{oracle: o, cache: c, logger: logger}
}

// English returns an English version of text, or "" when none could be produced
func (t *Translator) English(ctx context.Context, text string) string {
	if cached, ok := t.cache.Get(ctx, cacheNamespace, text); ok {
		return cached
	}

	english, ok, err := t.oracle.Generate(ctx, "", []oracle.Turn{
		{Role: models.RoleUser, Text: persona.TranslationPrompt(text)},
	})
	if err != nil {
		t.logger.WithError(err).Warn("Failed to get English version")
		return ""
	}
	if !ok {
		return ""
	}

	if err := t.cache.Set(ctx, cacheNamespace, text, english); err != nil {
		t.logger.WithError(err).Warn("Failed to cache English version")
	}
	return english
}
