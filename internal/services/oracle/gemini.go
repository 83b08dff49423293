package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dsa-guru-ai-go/internal/config"
	"github.com/dsa-guru-ai-go/internal/models"
	"github.com/sirupsen/logrus"
	"google.golang.org/genai"
)

// Turn is one role-tagged entry of a conversation sent to the model
type Turn struct {
	Role models.Role
	Text string
}

// Service is the external language-model oracle.
//
// Generate returns err != nil for transport or HTTP failures. When the
// response decodes but carries no candidate text, ok is false and err is nil.
type Service interface {
	Generate(ctx context.Context, instruction string, turns []Turn) (text string, ok bool, err error)
}

// Gemini implements Service against the generateContent endpoint
type Gemini struct {
	client      *genai.Client
	model       string
	maxAttempts int
	timeout     time.Duration
	backoff     func(attempt int) time.Duration
	logger      *logrus.Logger
}

// NewGemini creates a new Gemini oracle
func NewGemini(ctx context.Context, cfg *config.OracleConfig, logger *logrus.Logger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
		HTTPOptions: genai.HTTPOptions{
			BaseURL: cfg.BaseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	logger.WithFields(logrus.Fields{
		"model":    cfg.Model,
		"baseURL":  cfg.BaseURL,
		"attempts": attempts,
	}).Info("Oracle initialized")

	return &Gemini{
		client:      client,
		model:       cfg.Model,
		maxAttempts: attempts,
		timeout:     cfg.Timeout,
		backoff: func(attempt int) time.Duration {
			// Exponential backoff: 2s, 4s, 8s
			return time.Duration(2<<uint(attempt-1)) * time.Second
		},
		logger: logger,
	}, nil
}

// Generate sends the conversation and returns the first candidate's text
func (g *Gemini) Generate(ctx context.Context, instruction string, turns []Turn) (string, bool, error) {
	var lastErr error

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		text, ok, err := g.generateOnce(ctx, instruction, turns, attempt)
		if err == nil {
			return text, ok, nil
		}

		lastErr = err
		if isClientError(err) {
			break
		}

		g.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err.Error(),
			"model":   g.model,
		}).Warn("Oracle request failed")

		if attempt < g.maxAttempts {
			select {
			case <-ctx.Done():
				return "", false, ctx.Err()
			case <-time.After(g.backoff(attempt)):
			}
		}
	}

	return "", false, fmt.Errorf("oracle request failed: %w", lastErr)
}

func (g *Gemini) generateOnce(ctx context.Context, instruction string, turns []Turn, attempt int) (string, bool, error) {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := genai.RoleUser
		if t.Role == models.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}

	var genCfg *genai.GenerateContentConfig
	if instruction != "" {
		genCfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
		}
	}

	reqCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	g.logger.WithFields(logrus.Fields{
		"model":   g.model,
		"turns":   len(contents),
		"attempt": attempt,
	}).Debug("Sending oracle request")

	resp, err := g.client.Models.GenerateContent(reqCtx, g.model, contents, genCfg)
	if err != nil {
		return "", false, err
	}

	text, ok := firstCandidateText(resp)
	if !ok {
		g.logger.WithField("model", g.model).Warn("Oracle response carried no candidate text")
	}
	return text, ok, nil
}

// firstCandidateText extracts candidates[0].content.parts[0].text
func firstCandidateText(resp *genai.GenerateContentResponse) (string, bool) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", false
	}
	c := resp.Candidates[0]
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 || c.Content.Parts[0] == nil {
		return "", false
	}
	return c.Content.Parts[0].Text, true
}

func isClientError(err error) bool {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		code = apiErrPtr.Code
	}
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}
