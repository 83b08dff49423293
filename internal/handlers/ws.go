package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/dsa-guru-ai-go/internal/config"
	"github.com/dsa-guru-ai-go/internal/i18n"
	"github.com/dsa-guru-ai-go/internal/middleware"
	"github.com/dsa-guru-ai-go/internal/models"
	"github.com/dsa-guru-ai-go/internal/services/session"
	"github.com/dsa-guru-ai-go/internal/services/speech"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Frame types exchanged on the voice channel
const (
	FrameTranscript = "transcript" // in: interim recognition result
	FrameDone       = "done"       // in: recognition ended
	FrameCancel     = "cancel"     // in: recognition aborted; out: stop speaking
	FrameMode       = "mode"       // in: switch the mode utterances are sent to
	FrameSpeak      = "speak"      // out: utterance to synthesise
	FrameMessage    = "message"    // out: message appended to the history
	FrameError      = "error"      // out
)

// Frame is one JSON message on the voice channel
type Frame struct {
	Type       string            `json:"type"`
	Mode       string            `json:"mode,omitempty"`
	Transcript string            `json:"transcript,omitempty"`
	Utterance  *speech.Utterance `json:"utterance,omitempty"`
	Message    *messageView      `json:"message,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// VoiceChannel bridges browser speech recognition and synthesis to a session
type VoiceChannel struct {
	config   *config.Config
	registry *session.Registry
	limiter  middleware.RateLimiter
	metrics  *middleware.Metrics
	api      *API
	logger   *logrus.Logger
}

// NewVoiceChannel creates the websocket voice handler
func NewVoiceChannel(cfg *config.Config, registry *session.Registry, api *API, logger *logrus.Logger) *VoiceChannel {
	return &VoiceChannel{
		config:   cfg,
		registry: registry,
		limiter:  api.limiter,
		metrics:  api.metrics,
		api:      api,
		logger:   logger,
	}
}

// ServeWS upgrades the request and runs the channel until the peer leaves
func (v *VoiceChannel) ServeWS(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client"]
	client, err := v.registry.Get(r.Context(), clientID)
	if err != nil {
		v.logger.WithError(err).WithField("client_id", clientID).Error("Failed to open session")
		writeError(w, http.StatusInternalServerError, "failed to open session")
		return
	}

	opts := &websocket.AcceptOptions{OriginPatterns: originHosts(v.config.Server.AllowedOrigins)}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		v.logger.WithError(err).Error("Websocket accept failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &voiceConn{
		channel: v,
		conn:    conn,
		client:  client,
		send:    make(chan Frame, 64),
		mode:    models.ModeDefault,
		lang:    language(r),
		logger:  v.logger.WithField("client_id", clientID),
	}
	_, speechLang := client.Chat.Languages()
	voice := speech.NewVoice(c, speechLang, v.logger)
	client.Chat.SetAnnouncer(voice)
	v.metrics.VoiceChannelOpened()

	defer func() {
		client.Chat.DetachAnnouncer(voice)
		c.cancelRecognition()
		v.metrics.VoiceChannelClosed()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// voiceConn is one open channel. It implements speech.Sink.
type voiceConn struct {
	channel *VoiceChannel
	conn    *websocket.Conn
	client  *session.Client
	send    chan Frame

	mu   sync.Mutex
	mode models.Mode
	sub  *speech.Subscription
	lang string

	logger *logrus.Entry
}

// Speak queues an utterance for the browser's synthesiser
func (c *voiceConn) Speak(ctx context.Context, u speech.Utterance) error {
	return c.enqueue(Frame{Type: FrameSpeak, Utterance: &u})
}

// Cancel tells the browser to stop speaking
func (c *voiceConn) Cancel() {
	c.enqueue(Frame{Type: FrameCancel})
}

func (c *voiceConn) enqueue(f Frame) error {
	select {
	case c.send <- f:
		return nil
	default:
		return errors.New("voice channel send buffer full")
	}
}

func (c *voiceConn) readPump(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.logger.WithField("status", websocket.CloseStatus(err)).Debug("Voice channel closed")
			} else {
				c.logger.WithError(err).Debug("Voice channel read error")
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.enqueue(Frame{Type: FrameError, Error: "invalid frame"})
			continue
		}
		c.handleFrame(ctx, f)
	}
}

func (c *voiceConn) handleFrame(ctx context.Context, f Frame) {
	switch f.Type {
	case FrameMode:
		mode, err := models.ParseMode(f.Mode)
		if err != nil {
			c.enqueue(Frame{Type: FrameError, Error: err.Error()})
			return
		}
		c.cancelRecognition()
		c.mu.Lock()
		c.mode = mode
		c.mu.Unlock()

	case FrameTranscript:
		sub := c.subscription(ctx)
		sub.Publish(f.Transcript)
		if err := c.client.Chat.SetDraft(c.currentMode(), f.Transcript); err != nil {
			c.logger.WithError(err).Warn("Failed to update draft")
		}

	case FrameDone:
		c.mu.Lock()
		sub := c.sub
		c.sub = nil
		c.mu.Unlock()
		if sub != nil {
			sub.Finish()
		}

	case FrameCancel:
		c.cancelRecognition()

	default:
		c.enqueue(Frame{Type: FrameError, Error: "unknown frame type: " + f.Type})
	}
}

// subscription returns the active recognition stream, starting one if needed
func (c *voiceConn) subscription(ctx context.Context) *speech.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub == nil {
		c.sub = speech.NewSubscription(32)
		go c.collect(ctx, c.sub, c.mode)
	}
	return c.sub
}

func (c *voiceConn) cancelRecognition() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

func (c *voiceConn) currentMode() models.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// collect waits for the final transcript and submits it after the submit delay
func (c *voiceConn) collect(ctx context.Context, sub *speech.Subscription, mode models.Mode) {
	transcript, err := speech.Collect(ctx, sub.Events())
	if err != nil {
		if !errors.Is(err, speech.ErrCancelled) && !errors.Is(err, context.Canceled) {
			c.logger.WithError(err).Warn("Speech recognition failed")
		}
		return
	}
	if transcript == "" {
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(c.channel.config.Session.SubmitDelay):
	}

	if !c.channel.limiter.Allow(c.client.ID) {
		c.channel.metrics.RecordRateLimitExceeded("ws")
		c.enqueue(Frame{Type: FrameError, Error: c.channel.api.localizer.Get(c.lang, i18n.MsgRateLimitExceeded, nil)})
		return
	}
	if err := c.channel.api.security.ValidateInput(transcript); err != nil {
		c.enqueue(Frame{Type: FrameError, Error: err.Error()})
		return
	}
	c.channel.metrics.RecordMessageReceived(string(mode), "voice")

	ex, err := c.client.Chat.Send(context.WithoutCancel(ctx), mode, transcript, true)
	if errors.Is(err, session.ErrBusy) {
		c.enqueue(Frame{Type: FrameError, Error: c.channel.api.localizer.Get(c.lang, i18n.MsgReplyPending, nil)})
		return
	}
	if err != nil || ex == nil {
		return
	}

	user := c.channel.api.view(*ex.User)
	c.enqueue(Frame{Type: FrameMessage, Mode: string(mode), Message: &user})
	if ex.Reply != nil {
		reply := c.channel.api.view(*ex.Reply)
		c.enqueue(Frame{Type: FrameMessage, Mode: string(mode), Message: &reply})
	}
}

func (c *voiceConn) writePump(ctx context.Context) {
	for {
		select {
		case f := <-c.send:
			data, err := json.Marshal(f)
			if err != nil {
				c.logger.WithError(err).Error("Failed to encode frame")
				continue
			}
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// originHosts turns configured origins into the host patterns websocket.Accept expects
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}
