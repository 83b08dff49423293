package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/dsa-guru-ai-go/internal/config"
	"github.com/dsa-guru-ai-go/internal/i18n"
	"github.com/dsa-guru-ai-go/internal/middleware"
	"github.com/dsa-guru-ai-go/internal/models"
	"github.com/dsa-guru-ai-go/internal/persona"
	"github.com/dsa-guru-ai-go/internal/services/challenge"
	"github.com/dsa-guru-ai-go/internal/services/session"
	"github.com/dsa-guru-ai-go/internal/services/speech"
	"github.com/dsa-guru-ai-go/pkg/logger"
	"github.com/dsa-guru-ai-go/pkg/markdown"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const (
	clientPattern = "{client:[A-Za-z0-9_-]{1,64}}"
	maxBodyBytes  = 1 << 20
)

// API serves the JSON endpoints used by the browser client
type API struct {
	config    *config.Config
	registry  *session.Registry
	limiter   middleware.RateLimiter
	security  *middleware.SecurityMiddleware
	localizer *i18n.Localizer
	metrics   *middleware.Metrics
	logger    *logrus.Logger
}

// NewAPI creates the HTTP API
func NewAPI(
	cfg *config.Config,
	registry *session.Registry,
	limiter middleware.RateLimiter,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *API {
	return &API{
		config:    cfg,
		registry:  registry,
		limiter:   limiter,
		security:  middleware.NewSecurityMiddleware(cfg.Server.MaxInputLength, logger),
		localizer: localizer,
		metrics:   metrics,
		logger:    logger,
	}
}

// NewRouter wires the API, the voice channel and the health/metrics endpoints
func NewRouter(cfg *config.Config, api *API, voice *VoiceChannel, metrics *middleware.Metrics) *mux.Router {
	router := mux.NewRouter()
	router.Use(metrics.Instrument)
	router.Use(corsMiddleware(cfg.Server.AllowedOrigins))

	middleware.RegisterRoutes(router, &cfg.Monitoring.Metrics)
	api.Register(router)
	if voice != nil {
		router.HandleFunc("/ws/"+clientPattern, voice.ServeWS).Methods(http.MethodGet)
	}

	// preflight for any path
	router.MatcherFunc(func(r *http.Request, _ *mux.RouteMatch) bool {
		return r.Method == http.MethodOptions
	}).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return router
}

// Register mounts the API routes
func (a *API) Register(router *mux.Router) {
	r := router.PathPrefix("/api").Subrouter()

	r.HandleFunc("/modes", a.listModes).Methods(http.MethodGet)
	r.HandleFunc("/voice/presets", a.listPresets).Methods(http.MethodGet)

	s := "/sessions/" + clientPattern
	r.HandleFunc(s, a.deleteSession).Methods(http.MethodDelete)
	r.HandleFunc(s+"/modes/{mode}", a.getMode).Methods(http.MethodGet)
	r.HandleFunc(s+"/modes/{mode}/messages", a.postMessage).Methods(http.MethodPost)
	r.HandleFunc(s+"/voice", a.getVoice).Methods(http.MethodGet)
	r.HandleFunc(s+"/voice", a.putVoice).Methods(http.MethodPut)
	r.HandleFunc(s+"/challenge", a.getChallenge).Methods(http.MethodGet)
	r.HandleFunc(s+"/challenge", a.putChallenge).Methods(http.MethodPut)
	r.HandleFunc(s+"/challenge/ask", a.askChallenge).Methods(http.MethodPost)
	r.HandleFunc(s+"/challenge/judge", a.judgeChallenge).Methods(http.MethodPost)
	r.HandleFunc(s+"/challenge/hint", a.challengeHint).Methods(http.MethodGet)
}

type modeInfo struct {
	Mode        models.Mode `json:"mode"`
	Title       string      `json:"title"`
	Topic       string      `json:"topic"`
	Placeholder string      `json:"placeholder"`
}

type messageView struct {
	models.Message
	HTML string `json:"html"`
}

type modeView struct {
	modeInfo
	Messages []messageView `json:"messages"`
	Busy     bool          `json:"busy"`
	Draft    string        `json:"draft,omitempty"`
}

type exchangeView struct {
	User  messageView  `json:"user"`
	Reply *messageView `json:"reply,omitempty"`
}

type voiceView struct {
	Enabled        bool            `json:"enabled"`
	VoiceLanguage  string          `json:"voiceLanguage"`
	SpeechLanguage string          `json:"speechLanguage"`
	Presets        []speech.Preset `json:"presets"`
}

type judgeView struct {
	challenge.Result
	Explanation string `json:"explanation"`
}

func (a *API) listModes(w http.ResponseWriter, r *http.Request) {
	modes := make([]modeInfo, 0, len(models.AllModes))
	for _, m := range models.AllModes {
		modes = append(modes, infoFor(m))
	}
	writeJSON(w, http.StatusOK, modes)
}

func (a *API) listPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, speech.Presets)
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client"]
	if err := a.registry.Delete(r.Context(), clientID); err != nil {
		a.logger.WithError(err).WithField("client_id", clientID).Error("Failed to delete session")
		a.writeLocalizedError(w, r, http.StatusInternalServerError, i18n.MsgError, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getMode(w http.ResponseWriter, r *http.Request) {
	client, mode, ok := a.resolveMode(w, r)
	if !ok {
		return
	}

	if _, err := client.Chat.EnsureWelcome(mode); err != nil {
		a.logger.WithError(err).Error("Failed to seed welcome message")
	}
	history, err := client.Chat.History(mode)
	if err != nil {
		a.writeLocalizedError(w, r, http.StatusInternalServerError, i18n.MsgError, nil)
		return
	}

	writeJSON(w, http.StatusOK, modeView{
		modeInfo: infoFor(mode),
		Messages: a.views(history),
		Busy:     client.Chat.Busy(mode),
		Draft:    client.Chat.Draft(mode),
	})
}

func (a *API) postMessage(w http.ResponseWriter, r *http.Request) {
	client, mode, ok := a.resolveMode(w, r)
	if !ok {
		return
	}

	var req struct {
		Text      string `json:"text"`
		FromVoice bool   `json:"fromVoice"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !a.admit(w, r, client.ID, req.Text) {
		return
	}

	source := "text"
	if req.FromVoice {
		source = "voice"
	}
	a.metrics.RecordMessageReceived(string(mode), source)

	// the reply is recorded even if the browser goes away
	ctx := context.WithoutCancel(r.Context())
	ex, err := client.Chat.Send(ctx, mode, req.Text, req.FromVoice)
	switch {
	case errors.Is(err, session.ErrBusy):
		a.writeLocalizedError(w, r, http.StatusConflict, i18n.MsgReplyPending, nil)
		return
	case err != nil:
		logger.WithClient(a.logger, client.ID, string(mode)).WithError(err).Error("Failed to send message")
		a.writeLocalizedError(w, r, http.StatusInternalServerError, i18n.MsgError, nil)
		return
	case ex == nil:
		w.WriteHeader(http.StatusNoContent)
		return
	}

	view := exchangeView{User: a.view(*ex.User)}
	if ex.Reply != nil {
		reply := a.view(*ex.Reply)
		view.Reply = &reply
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) getVoice(w http.ResponseWriter, r *http.Request) {
	client, ok := a.resolveClient(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, voiceFor(client.Chat))
}

func (a *API) putVoice(w http.ResponseWriter, r *http.Request) {
	client, ok := a.resolveClient(w, r)
	if !ok {
		return
	}

	var req struct {
		Enabled *bool  `json:"enabled"`
		Preset  string `json:"preset"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Preset != "" {
		preset, found := speech.LookupPreset(req.Preset)
		if !found {
			writeError(w, http.StatusBadRequest, "unknown voice preset: "+req.Preset)
			return
		}
		client.Chat.SetLanguages(preset.VoiceLanguage, preset.SpeechLanguage)
	}
	if req.Enabled != nil {
		client.Chat.SetVoiceOutput(*req.Enabled)
	}

	writeJSON(w, http.StatusOK, voiceFor(client.Chat))
}

func (a *API) getChallenge(w http.ResponseWriter, r *http.Request) {
	client, ok := a.resolveClient(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, client.Challenge.Stats())
}

func (a *API) putChallenge(w http.ResponseWriter, r *http.Request) {
	client, ok := a.resolveClient(w, r)
	if !ok {
		return
	}

	var req struct {
		Difficulty string `json:"difficulty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := client.Challenge.SetDifficulty(req.Difficulty); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, client.Challenge.Stats())
}

func (a *API) askChallenge(w http.ResponseWriter, r *http.Request) {
	client, ok := a.resolveClient(w, r)
	if !ok {
		return
	}

	var req struct {
		Question string `json:"question"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !a.admit(w, r, client.ID, req.Question) {
		return
	}
	a.metrics.RecordMessageReceived("challenge", "text")

	answer, err := client.Challenge.Ask(context.WithoutCancel(r.Context()), req.Question)
	if errors.Is(err, challenge.ErrBusy) {
		a.writeLocalizedError(w, r, http.StatusConflict, i18n.MsgQuestionPending, nil)
		return
	}
	if err != nil {
		a.writeLocalizedError(w, r, http.StatusInternalServerError, i18n.MsgError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"question": strings.TrimSpace(req.Question),
		"answer":   answer,
		"html":     markdown.ToHTML(answer),
	})
}

func (a *API) judgeChallenge(w http.ResponseWriter, r *http.Request) {
	client, ok := a.resolveClient(w, r)
	if !ok {
		return
	}

	var req struct {
		Correct *bool `json:"correct"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Correct == nil {
		writeError(w, http.StatusBadRequest, "correct is required")
		return
	}

	res, err := client.Challenge.Judge(*req.Correct)
	switch {
	case errors.Is(err, challenge.ErrBusy):
		a.writeLocalizedError(w, r, http.StatusConflict, i18n.MsgQuestionPending, nil)
		return
	case errors.Is(err, challenge.ErrNoQuestion):
		a.writeLocalizedError(w, r, http.StatusConflict, i18n.MsgNoQuestion, nil)
		return
	}

	writeJSON(w, http.StatusOK, judgeView{
		Result:      res,
		Explanation: a.localizer.Get(language(r), explanationID(res), nil),
	})
}

func (a *API) challengeHint(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"hint": a.localizer.Get(language(r), i18n.MsgChallengeHint, nil),
	})
}

// admit applies the rate limit and input checks shared by oracle-bound endpoints
func (a *API) admit(w http.ResponseWriter, r *http.Request, clientID, text string) bool {
	if !a.limiter.Allow(clientID) {
		a.metrics.RecordRateLimitExceeded("http")
		a.writeLocalizedError(w, r, http.StatusTooManyRequests, i18n.MsgRateLimitExceeded, nil)
		return false
	}
	if err := a.security.ValidateInput(text); err != nil {
		a.logger.WithError(err).WithField("client_id", clientID).Warn("Input validation failed")
		if errors.Is(err, middleware.ErrInputTooLong) {
			a.writeLocalizedError(w, r, http.StatusRequestEntityTooLarge, i18n.MsgInputTooLong, map[string]interface{}{
				"Max": a.config.Server.MaxInputLength,
			})
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return false
	}
	return true
}

func (a *API) resolveClient(w http.ResponseWriter, r *http.Request) (*session.Client, bool) {
	clientID := mux.Vars(r)["client"]
	client, err := a.registry.Get(r.Context(), clientID)
	if err != nil {
		a.logger.WithError(err).WithField("client_id", clientID).Error("Failed to open session")
		a.writeLocalizedError(w, r, http.StatusInternalServerError, i18n.MsgError, nil)
		return nil, false
	}
	return client, true
}

func (a *API) resolveMode(w http.ResponseWriter, r *http.Request) (*session.Client, models.Mode, bool) {
	raw := mux.Vars(r)["mode"]
	mode, err := models.ParseMode(raw)
	if err != nil {
		a.writeLocalizedError(w, r, http.StatusNotFound, i18n.MsgUnknownMode, map[string]interface{}{
			"Mode":  raw,
			"Modes": modeList(),
		})
		return nil, "", false
	}
	client, ok := a.resolveClient(w, r)
	return client, mode, ok
}

func (a *API) view(msg models.Message) messageView {
	return messageView{
		Message: msg,
		HTML:    a.security.SanitizeOutput(markdown.ToHTML(msg.Content)),
	}
}

func (a *API) views(msgs []models.Message) []messageView {
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, a.view(m))
	}
	return out
}

func (a *API) writeLocalizedError(w http.ResponseWriter, r *http.Request, status int, messageID string, data map[string]interface{}) {
	writeError(w, status, a.localizer.Get(language(r), messageID, data))
}

func infoFor(m models.Mode) modeInfo {
	return modeInfo{
		Mode:        m,
		Title:       persona.Title(m),
		Topic:       persona.Topic(m),
		Placeholder: persona.Placeholder(m),
	}
}

func voiceFor(chat *session.Manager) voiceView {
	voiceLang, speechLang := chat.Languages()
	return voiceView{
		Enabled:        chat.VoiceOutput(),
		VoiceLanguage:  voiceLang,
		SpeechLanguage: speechLang,
		Presets:        speech.Presets,
	}
}

func explanationID(res challenge.Result) string {
	if res.Caught {
		return i18n.MsgChallengeCaught
	}
	return i18n.MsgChallengeCorrect
}

func modeList() string {
	names := make([]string, 0, len(models.AllModes))
	for _, m := range models.AllModes {
		names = append(names, string(m))
	}
	return strings.Join(names, ", ")
}

func language(r *http.Request) string {
	return r.Header.Get("Accept-Language")
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func corsMiddleware(allowed []string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && originAllowed(allowed, origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Accept-Language")
				h.Add("Vary", "Origin")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
