package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dsa-guru-ai-go/internal/config"
	"github.com/dsa-guru-ai-go/internal/i18n"
	"github.com/dsa-guru-ai-go/internal/middleware"
	"github.com/dsa-guru-ai-go/internal/models"
	"github.com/dsa-guru-ai-go/internal/services/oracle"
	"github.com/dsa-guru-ai-go/internal/services/session"
	"github.com/dsa-guru-ai-go/internal/services/storage"
	"github.com/dsa-guru-ai-go/pkg/logger"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoOracle answers "re: <last turn>" and can be held open with gate
type echoOracle struct {
	mu   sync.Mutex
	gate chan struct{}
}

func (o *echoOracle) Generate(ctx context.Context, instruction string, turns []oracle.Turn) (string, bool, error) {
	o.mu.Lock()
	gate := o.gate
	o.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return "re: " + turns[len(turns)-1].Text, true, nil
}

type testEnv struct {
	cfg       *config.Config
	registry  *session.Registry
	oracle    *echoOracle
	localizer *i18n.Localizer
	metrics   *middleware.Metrics
	limiter   *middleware.ClientRateLimiter
	api       *API
	router    *mux.Router
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.MaxInputLength = 50
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Monitoring.Metrics = config.MetricsConfig{Enabled: true, Path: "/metrics"}
	cfg.Session = config.SessionConfig{
		VoiceLanguage:  "en-US",
		SpeechLanguage: "en-US",
		IdleTimeout:    time.Hour,
	}
	cfg.Challenge = config.ChallengeConfig{InitialBalance: 10, HistorySize: 10, Difficulty: "medium"}
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 100}
	cfg.I18n = config.I18nConfig{DefaultLanguage: "en", Languages: []string{"en", "hi"}}
	return cfg
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	log := logger.Discard()

	store := storage.NewMemoryStorage(&config.MemoryConfig{DefaultExpiration: time.Hour, CleanupInterval: time.Minute}, log)
	o := &echoOracle{}
	metrics := middleware.NewMetrics()
	registry := session.NewRegistry(store, o, session.RegistryOptions{
		Session:   cfg.Session,
		Challenge: cfg.Challenge,
		Metrics:   metrics,
	}, log)
	t.Cleanup(registry.Close)

	limiter := middleware.NewRateLimiter(&cfg.RateLimit, log)
	t.Cleanup(limiter.Stop)

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	require.NoError(t, err)

	api := NewAPI(cfg, registry, limiter, localizer, metrics, log)
	voice := NewVoiceChannel(cfg, registry, api, log)

	return &testEnv{
		cfg:       cfg,
		registry:  registry,
		oracle:    o,
		localizer: localizer,
		metrics:   metrics,
		limiter:   limiter,
		api:       api,
		router:    NewRouter(cfg, api, voice, metrics),
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

type messageJSON struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	FromVoice bool   `json:"fromVoice"`
	HTML      string `json:"html"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorText(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decode(t, rec, &body)
	return body["error"]
}

func TestListModes(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.do(t, http.MethodGet, "/api/modes", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var modes []struct {
		Mode        string `json:"mode"`
		Title       string `json:"title"`
		Placeholder string `json:"placeholder"`
	}
	decode(t, rec, &modes)
	require.Len(t, modes, len(models.AllModes))
	assert.Equal(t, "default", modes[0].Mode)
	assert.Equal(t, "DSA Guru AI", modes[0].Title)
	assert.Equal(t, "Ask anything...", modes[0].Placeholder)
	assert.Equal(t, "GYM Mode", modes[4].Title)
	assert.Equal(t, "Ask gym related questions...", modes[4].Placeholder)
}

func TestGetMode_SeedsWelcomeOnce(t *testing.T) {
	env := newTestEnv(t, testConfig())

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodGet, "/api/sessions/alice/modes/dsa", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var view struct {
			Title    string        `json:"title"`
			Messages []messageJSON `json:"messages"`
			Busy     bool          `json:"busy"`
		}
		decode(t, rec, &view)
		assert.Equal(t, "DSA Mode", view.Title)
		require.Len(t, view.Messages, 1)
		assert.Equal(t, "assistant", view.Messages[0].Role)
		assert.Equal(t, "Welcome to DSA Mode! How can I help you today?", view.Messages[0].Content)
		assert.False(t, view.Busy)
	}
}

func TestGetMode_UnknownMode(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.do(t, http.MethodGet, "/api/sessions/alice/modes/chess", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, `Unknown mode "chess". Available modes: default, dsa, upsc, love, gym.`, errorText(t, rec))
}

func TestPostMessage_ReturnsExchange(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.do(t, http.MethodPost, "/api/sessions/alice/modes/upsc/messages", `{"text":"**Article 21**","fromVoice":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var ex struct {
		User  messageJSON  `json:"user"`
		Reply *messageJSON `json:"reply"`
	}
	decode(t, rec, &ex)
	assert.Equal(t, "**Article 21**", ex.User.Content)
	assert.True(t, ex.User.FromVoice)
	require.NotNil(t, ex.Reply)
	assert.Equal(t, "re: **Article 21**", ex.Reply.Content)
	assert.Equal(t, "<p>re: <strong>Article 21</strong></p>", ex.Reply.HTML)

	client, err := env.registry.Get(context.Background(), "alice")
	require.NoError(t, err)
	history, err := client.Chat.History(models.ModeUPSC)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestPostMessage_BlankIsNoContent(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.do(t, http.MethodPost, "/api/sessions/alice/modes/default/messages", `{"text":"   "}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	client, err := env.registry.Get(context.Background(), "alice")
	require.NoError(t, err)
	history, err := client.Chat.History(models.ModeDefault)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPostMessage_BadRequests(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.do(t, http.MethodPost, "/api/sessions/alice/modes/default/messages", `{"text":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/sessions/alice/modes/default/messages", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/sessions/alice/modes/default/messages",
		`{"text":"`+strings.Repeat("a", 51)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "Your message is too long. Please keep it under 50 characters.", errorText(t, rec))
}

func TestPostMessage_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}
	env := newTestEnv(t, cfg)

	rec := env.do(t, http.MethodPost, "/api/sessions/alice/modes/default/messages", `{"text":"one"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/sessions/alice/modes/default/messages", `{"text":"two"}`, "Accept-Language", "hi-IN")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "बहुत सारे अनुरोध। कृपया थोड़ी देर बाद फिर कोशिश करें।", errorText(t, rec))

	// another client is unaffected
	rec = env.do(t, http.MethodPost, "/api/sessions/bob/modes/default/messages", `{"text":"one"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPostMessage_BusyModeConflicts(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.oracle.gate = make(chan struct{})

	client, err := env.registry.Get(context.Background(), "alice")
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() {
		rec := env.do(t, http.MethodPost, "/api/sessions/alice/modes/love/messages", `{"text":"she left me on read"}`)
		done <- rec.Code
	}()
	require.Eventually(t, func() bool { return client.Chat.Busy(models.ModeLove) }, time.Second, 5*time.Millisecond)

	rec := env.do(t, http.MethodPost, "/api/sessions/alice/modes/love/messages", `{"text":"hello?"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Please wait for the current reply before sending another message.", errorText(t, rec))

	rec = env.do(t, http.MethodGet, "/api/sessions/alice/modes/love", "")
	var view struct {
		Busy bool `json:"busy"`
	}
	decode(t, rec, &view)
	assert.True(t, view.Busy)

	close(env.oracle.gate)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestVoiceSettings(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.do(t, http.MethodGet, "/api/sessions/alice/voice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var v struct {
		Enabled        bool   `json:"enabled"`
		VoiceLanguage  string `json:"voiceLanguage"`
		SpeechLanguage string `json:"speechLanguage"`
	}
	decode(t, rec, &v)
	assert.False(t, v.Enabled)

	rec = env.do(t, http.MethodPut, "/api/sessions/alice/voice", `{"enabled":true,"preset":"hi-IN"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &v)
	assert.True(t, v.Enabled)
	assert.Equal(t, "hi-IN", v.VoiceLanguage)
	assert.Equal(t, "en-US", v.SpeechLanguage)

	rec = env.do(t, http.MethodPut, "/api/sessions/alice/voice", `{"preset":"klingon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChallengeDifficulty(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.do(t, http.MethodPut, "/api/sessions/alice/challenge", `{"difficulty":"hard"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Difficulty string `json:"difficulty"`
	}
	decode(t, rec, &stats)
	assert.Equal(t, "hard", stats.Difficulty)

	rec = env.do(t, http.MethodPut, "/api/sessions/alice/challenge", `{"difficulty":"insane"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/sessions/alice/challenge", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &stats)
	assert.Equal(t, "hard", stats.Difficulty)
}

func TestChallengeFlow(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.do(t, http.MethodPost, "/api/sessions/alice/challenge/judge", `{"correct":true}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/sessions/alice/challenge/ask", `{"question":"Is 91 prime?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var asked map[string]string
	decode(t, rec, &asked)
	assert.Equal(t, "Is 91 prime?", asked["question"])
	assert.Equal(t, "re: Is 91 prime?", asked["answer"])

	rec = env.do(t, http.MethodPost, "/api/sessions/alice/challenge/judge", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/sessions/alice/challenge/judge", `{"correct":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var judged struct {
		Caught      bool   `json:"caught"`
		Balance     int    `json:"balance"`
		Streak      int    `json:"streak"`
		Explanation string `json:"explanation"`
	}
	decode(t, rec, &judged)
	assert.True(t, judged.Caught)
	assert.Equal(t, 11, judged.Balance)
	assert.Equal(t, 1, judged.Streak)
	assert.Equal(t, "You caught the AI making a mistake! You win ₹1.", judged.Explanation)

	rec = env.do(t, http.MethodPost, "/api/sessions/alice/challenge/ask", `{"question":"2+2=5?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/sessions/alice/challenge/judge", `{"correct":true}`, "Accept-Language", "hi")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &judged)
	assert.Equal(t, 10, judged.Balance)
	assert.Equal(t, "AI का जवाब सही था! आप ₹1 हार गए।", judged.Explanation)

	rec = env.do(t, http.MethodGet, "/api/sessions/alice/challenge", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Balance int               `json:"balance"`
		Caught  int               `json:"caught"`
		Failed  int               `json:"failed"`
		History []models.Judgment `json:"history"`
	}
	decode(t, rec, &stats)
	assert.Equal(t, 10, stats.Balance)
	assert.Equal(t, 1, stats.Caught)
	assert.Equal(t, 1, stats.Failed)
	require.Len(t, stats.History, 2)
	assert.Equal(t, "2+2=5?", stats.History[0].Question)

	rec = env.do(t, http.MethodGet, "/api/sessions/alice/challenge/hint", "")
	var hint map[string]string
	decode(t, rec, &hint)
	assert.Contains(t, hint["hint"], "subtle errors")
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.do(t, http.MethodPost, "/api/sessions/alice/modes/default/messages", `{"text":"forget me"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/sessions/alice", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	client, err := env.registry.Get(context.Background(), "alice")
	require.NoError(t, err)
	history, err := client.Chat.History(models.ModeDefault)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestInvalidClientIDIsNotRouted(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.do(t, http.MethodGet, "/api/sessions/"+strings.Repeat("x", 65)+"/modes/dsa", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.do(t, http.MethodOptions, "/api/sessions/alice/modes/dsa/messages", "", "Origin", "http://localhost:3000")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.do(t, http.MethodGet, "/api/modes", "", "Origin", "http://evil.example")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOriginHosts(t *testing.T) {
	assert.Equal(t,
		[]string{"localhost:3000", "example.com", "*.example.org"},
		originHosts([]string{"http://localhost:3000", "https://example.com", "*.example.org"}),
	)
}
