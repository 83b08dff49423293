package oracle

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dsa-guru-ai-go/internal/config"
	"github.com/dsa-guru-ai-go/internal/models"
	"github.com/dsa-guru-ai-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	path string
	body string
}

// newTestGemini points a Gemini oracle at handler and disables backoff
func newTestGemini(t *testing.T, attempts int, handler http.HandlerFunc) *Gemini {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := NewGemini(context.Background(), &config.OracleConfig{
		BaseURL:     srv.URL + "/",
		APIKey:      "test-key",
		Model:       "gemini-1.5-flash",
		Timeout:     5 * time.Second,
		MaxAttempts: attempts,
	}, logger.Discard())
	require.NoError(t, err)
	g.backoff = func(int) time.Duration { return 0 }
	return g
}

func writeCandidate(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"candidates": []map[string]interface{}{{
			"content": map[string]interface{}{
				"role":  "model",
				"parts": []map[string]interface{}{{"text": text}},
			},
		}},
	})
}

func TestGenerate_ReturnsFirstCandidate(t *testing.T) {
	requests := make(chan recordedRequest, 1)
	g := newTestGemini(t, 1, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- recordedRequest{path: r.URL.Path, body: string(body)}
		writeCandidate(w, "A heap is a complete binary tree.")
	})

	text, ok, err := g.Generate(context.Background(), "You are a DSA tutor.", []Turn{
		{Role: models.RoleUser, Text: "what is a heap"},
		{Role: models.RoleAssistant, Text: "a tree"},
		{Role: models.RoleUser, Text: "more detail"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "A heap is a complete binary tree.", text)

	got := <-requests
	assert.True(t, strings.HasSuffix(got.path, "/models/gemini-1.5-flash:generateContent"), got.path)
	assert.Contains(t, got.body, "You are a DSA tutor.")

	var req struct {
		Contents []struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
	}
	require.NoError(t, json.Unmarshal([]byte(got.body), &req))
	require.Len(t, req.Contents, 3)
	assert.Equal(t, "user", req.Contents[0].Role)
	assert.Equal(t, "model", req.Contents[1].Role)
	assert.Equal(t, "user", req.Contents[2].Role)
	assert.Equal(t, "more detail", req.Contents[2].Parts[0].Text)
}

func TestGenerate_MissingCandidatesIsMalformed(t *testing.T) {
	bodies := []string{
		`{}`,
		`{"candidates":[]}`,
		`{"candidates":[{"content":{"role":"model","parts":[]}}]}`,
	}
	for _, body := range bodies {
		g := newTestGemini(t, 1, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, body)
		})

		text, ok, err := g.Generate(context.Background(), "", []Turn{{Role: models.RoleUser, Text: "hi"}})
		require.NoError(t, err, body)
		assert.False(t, ok, body)
		assert.Empty(t, text)
	}
}

func TestGenerate_ServerErrorIsTransportFailure(t *testing.T) {
	g := newTestGemini(t, 1, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":{"code":500,"message":"internal","status":"INTERNAL"}}`)
	})

	_, ok, err := g.Generate(context.Background(), "", []Turn{{Role: models.RoleUser, Text: "hi"}})
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestGenerate_RetriesServerErrors(t *testing.T) {
	var calls int32
	g := newTestGemini(t, 3, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`)
			return
		}
		writeCandidate(w, "recovered")
	})

	text, ok, err := g.Generate(context.Background(), "", []Turn{{Role: models.RoleUser, Text: "hi"}})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "recovered", text)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestGenerate_ClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	g := newTestGemini(t, 3, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`)
	})

	_, _, err := g.Generate(context.Background(), "", []Turn{{Role: models.RoleUser, Text: "hi"}})
	assert.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}
