package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dsa-guru-ai-go/internal/config"
	"github.com/dsa-guru-ai-go/internal/i18n"
	"github.com/dsa-guru-ai-go/internal/middleware"
	"github.com/dsa-guru-ai-go/internal/models"
	"github.com/dsa-guru-ai-go/internal/persona"
	"github.com/dsa-guru-ai-go/internal/services/challenge"
	"github.com/dsa-guru-ai-go/internal/services/session"
	"github.com/dsa-guru-ai-go/pkg/markdown"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// Sender is the part of the bot API the handler needs
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// TelegramHandler serves chats through a Telegram bot
type TelegramHandler struct {
	bot       Sender
	self      tgbotapi.User
	config    *config.Config
	registry  *session.Registry
	limiter   middleware.RateLimiter
	security  *middleware.SecurityMiddleware
	localizer *i18n.Localizer
	metrics   *middleware.Metrics
	logger    *logrus.Logger

	mu    sync.Mutex
	modes map[int64]models.Mode
}

// NewTelegramHandler creates a new Telegram handler
func NewTelegramHandler(
	bot Sender,
	self tgbotapi.User,
	cfg *config.Config,
	registry *session.Registry,
	limiter middleware.RateLimiter,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *TelegramHandler {
	return &TelegramHandler{
		bot:       bot,
		self:      self,
		config:    cfg,
		registry:  registry,
		limiter:   limiter,
		security:  middleware.NewSecurityMiddleware(cfg.Server.MaxInputLength, logger),
		localizer: localizer,
		metrics:   metrics,
		logger:    logger,
		modes:     make(map[int64]models.Mode),
	}
}

// Run consumes updates until ctx is cancelled. Anything that waits on the
// oracle is answered in the background; other commands and callbacks are
// handled in order.
func (h *TelegramHandler) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if m := update.Message; m != nil && (!m.IsCommand() || m.Command() == "challenge") {
				go h.HandleUpdate(ctx, update)
				continue
			}
			h.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate processes a single update
func (h *TelegramHandler) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	var err error
	switch {
	case update.CallbackQuery != nil:
		err = h.handleCallbackQuery(ctx, update.CallbackQuery)
	case update.Message == nil:
		return
	case update.Message.IsCommand():
		err = h.handleCommand(ctx, update.Message)
	default:
		err = h.handleMessage(ctx, update.Message)
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to handle update")
	}
}

func (h *TelegramHandler) handleCommand(ctx context.Context, message *tgbotapi.Message) error {
	chatID := message.Chat.ID
	lang := userLanguage(message.From)
	args := strings.TrimSpace(message.CommandArguments())

	switch message.Command() {
	case "start", "help":
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgHelp, nil))
	case "modes":
		return h.handleModes(chatID, lang)
	case "mode":
		return h.handleMode(ctx, chatID, args, lang)
	case "challenge":
		return h.handleChallenge(ctx, message, args, lang)
	case "judge":
		correct, ok := parseVerdict(args)
		if !ok {
			return h.reply(chatID, h.localizer.Get(lang, i18n.MsgJudgeUsage, nil))
		}
		return h.handleJudge(ctx, chatID, correct, lang)
	case "balance":
		return h.handleBalance(ctx, chatID, lang)
	case "difficulty":
		return h.handleDifficulty(ctx, chatID, args, lang)
	case "hint":
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgChallengeHint, nil))
	default:
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgUnknownCommand, nil))
	}
}

func (h *TelegramHandler) handleCallbackQuery(ctx context.Context, callback *tgbotapi.CallbackQuery) error {
	if callback.Message == nil {
		return nil
	}
	chatID := callback.Message.Chat.ID
	lang := userLanguage(callback.From)

	action, value, _ := strings.Cut(callback.Data, ":")
	var err error
	switch action {
	case "mode":
		err = h.handleMode(ctx, chatID, value, lang)
	case "judge":
		correct, ok := parseVerdict(value)
		if ok {
			err = h.handleJudge(ctx, chatID, correct, lang)
		}
	}

	if _, cbErr := h.bot.Request(tgbotapi.NewCallback(callback.ID, "")); cbErr != nil {
		h.logger.WithError(cbErr).Warn("Failed to answer callback")
	}
	return err
}

func (h *TelegramHandler) handleModes(chatID int64, lang string) error {
	lines := make([]string, 0, len(models.AllModes))
	for _, m := range models.AllModes {
		lines = append(lines, fmt.Sprintf("• %s: %s", m, persona.Title(m)))
	}
	msg := tgbotapi.NewMessage(chatID, h.localizer.Get(lang, i18n.MsgModes, map[string]interface{}{
		"Modes": strings.Join(lines, "\n"),
	}))
	msg.ReplyMarkup = modeKeyboard(h.chatMode(chatID))
	_, err := h.bot.Send(msg)
	return err
}

func (h *TelegramHandler) handleMode(ctx context.Context, chatID int64, arg, lang string) error {
	mode, err := models.ParseMode(strings.ToLower(arg))
	if err != nil {
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgUnknownMode, map[string]interface{}{
			"Mode":  arg,
			"Modes": modeList(),
		}))
	}

	h.mu.Lock()
	h.modes[chatID] = mode
	h.mu.Unlock()

	if err := h.reply(chatID, h.localizer.Get(lang, i18n.MsgModeChanged, map[string]interface{}{
		"Title": persona.Title(mode),
	})); err != nil {
		return err
	}

	client, err := h.registry.Get(ctx, telegramClientID(chatID))
	if err != nil {
		return err
	}
	seeded, err := client.Chat.EnsureWelcome(mode)
	if err != nil || !seeded {
		return err
	}
	return h.reply(chatID, persona.WelcomeText(mode))
}

func (h *TelegramHandler) handleChallenge(ctx context.Context, message *tgbotapi.Message, question, lang string) error {
	chatID := message.Chat.ID
	if question == "" {
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgChallengeUsage, nil))
	}
	if !h.admit(chatID, question, lang) {
		return nil
	}

	client, err := h.registry.Get(ctx, telegramClientID(chatID))
	if err != nil {
		return err
	}
	h.typing(chatID)
	h.metrics.RecordMessageReceived("challenge", "telegram")

	answer, err := client.Challenge.Ask(ctx, question)
	if errors.Is(err, challenge.ErrBusy) {
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgQuestionPending, nil))
	}
	if err != nil {
		return err
	}
	if answer == "" {
		return nil
	}

	msg := tgbotapi.NewMessage(chatID, markdown.ToTelegramHTML(answer))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyToMessageID = message.MessageID
	msg.ReplyMarkup = judgeKeyboard()
	return h.sendWithFallback(msg, answer)
}

func (h *TelegramHandler) handleJudge(ctx context.Context, chatID int64, correct bool, lang string) error {
	client, err := h.registry.Get(ctx, telegramClientID(chatID))
	if err != nil {
		return err
	}

	res, err := client.Challenge.Judge(correct)
	switch {
	case errors.Is(err, challenge.ErrBusy):
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgQuestionPending, nil))
	case errors.Is(err, challenge.ErrNoQuestion):
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgNoQuestion, nil))
	}

	text := fmt.Sprintf("%s\n₹%d", h.localizer.Get(lang, explanationID(res), nil), res.Balance)
	return h.reply(chatID, text)
}

func (h *TelegramHandler) handleBalance(ctx context.Context, chatID int64, lang string) error {
	client, err := h.registry.Get(ctx, telegramClientID(chatID))
	if err != nil {
		return err
	}
	stats := client.Challenge.Stats()
	return h.reply(chatID, h.localizer.Get(lang, i18n.MsgBalance, map[string]interface{}{
		"Balance":    stats.Balance,
		"Streak":     stats.Streak,
		"Caught":     stats.Caught,
		"Failed":     stats.Failed,
		"Difficulty": stats.Difficulty,
	}))
}

func (h *TelegramHandler) handleDifficulty(ctx context.Context, chatID int64, level, lang string) error {
	client, err := h.registry.Get(ctx, telegramClientID(chatID))
	if err != nil {
		return err
	}
	d, err := client.Challenge.SetDifficulty(level)
	if errors.Is(err, challenge.ErrUnknownDifficulty) {
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgDifficultyUsage, map[string]interface{}{
			"Levels": strings.Join(challenge.Difficulties, "|"),
		}))
	}
	if err != nil {
		return err
	}
	return h.reply(chatID, h.localizer.Get(lang, i18n.MsgDifficultyChanged, map[string]interface{}{
		"Difficulty": d,
	}))
}

func (h *TelegramHandler) handleMessage(ctx context.Context, message *tgbotapi.Message) error {
	if !h.shouldRespond(message) {
		return nil
	}

	chatID := message.Chat.ID
	lang := userLanguage(message.From)
	text := h.cleanMessage(message.Text)
	if text == "" {
		return nil
	}
	if !h.admit(chatID, text, lang) {
		return nil
	}

	client, err := h.registry.Get(ctx, telegramClientID(chatID))
	if err != nil {
		return err
	}
	mode := h.chatMode(chatID)
	h.metrics.RecordMessageReceived(string(mode), "telegram")
	h.typing(chatID)

	ex, err := client.Chat.Send(ctx, mode, text, false)
	if errors.Is(err, session.ErrBusy) {
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgReplyPending, nil))
	}
	if err != nil {
		return err
	}
	if ex == nil || ex.Reply == nil {
		return nil
	}

	msg := tgbotapi.NewMessage(chatID, h.security.SanitizeOutput(markdown.ToTelegramHTML(ex.Reply.Content)))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyToMessageID = message.MessageID
	return h.sendWithFallback(msg, ex.Reply.Content)
}

// shouldRespond answers every private message; in groups only mentions
// of the bot and replies to it are answered
func (h *TelegramHandler) shouldRespond(message *tgbotapi.Message) bool {
	if message.Chat.IsPrivate() {
		return true
	}
	if h.self.UserName != "" && strings.Contains(strings.ToLower(message.Text), "@"+strings.ToLower(h.self.UserName)) {
		return true
	}
	reply := message.ReplyToMessage
	return reply != nil && reply.From != nil && reply.From.ID == h.self.ID
}

// cleanMessage strips the bot mention
func (h *TelegramHandler) cleanMessage(text string) string {
	if h.self.UserName != "" {
		text = strings.ReplaceAll(text, "@"+h.self.UserName, "")
	}
	return strings.TrimSpace(text)
}

func (h *TelegramHandler) admit(chatID int64, text, lang string) bool {
	if !h.limiter.Allow(telegramClientID(chatID)) {
		h.metrics.RecordRateLimitExceeded("telegram")
		if err := h.reply(chatID, h.localizer.Get(lang, i18n.MsgRateLimitExceeded, nil)); err != nil {
			h.logger.WithError(err).Error("Failed to send rate limit message")
		}
		return false
	}
	if err := h.security.ValidateInput(text); err != nil {
		h.logger.WithError(err).Warn("Input validation failed")
		if errors.Is(err, middleware.ErrInputTooLong) {
			h.reply(chatID, h.localizer.Get(lang, i18n.MsgInputTooLong, map[string]interface{}{
				"Max": h.config.Server.MaxInputLength,
			}))
		}
		return false
	}
	return true
}

func (h *TelegramHandler) chatMode(chatID int64) models.Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.modes[chatID]; ok {
		return m
	}
	return models.ModeDefault
}

func (h *TelegramHandler) reply(chatID int64, text string) error {
	_, err := h.bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

// sendWithFallback retries as plain text when Telegram rejects the HTML
func (h *TelegramHandler) sendWithFallback(msg tgbotapi.MessageConfig, plain string) error {
	if _, err := h.bot.Send(msg); err != nil {
		h.logger.WithError(err).Warn("Failed to send HTML response, trying plain text")
		msg.ParseMode = ""
		msg.Text = plain
		if _, err := h.bot.Send(msg); err != nil {
			return fmt.Errorf("failed to send response: %w", err)
		}
	}
	return nil
}

func (h *TelegramHandler) typing(chatID int64) {
	if _, err := h.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		h.logger.WithError(err).Debug("Failed to send typing action")
	}
}

func telegramClientID(chatID int64) string {
	return fmt.Sprintf("tg%d", chatID)
}

func userLanguage(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	return u.LanguageCode
}

// parseVerdict reads the player's verdict on the AI's answer
func parseVerdict(s string) (correct bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "correct", "right", "yes", "true":
		return true, true
	case "wrong", "incorrect", "mistake", "no", "false":
		return false, true
	}
	return false, false
}

func modeKeyboard(current models.Mode) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(models.AllModes))
	for _, m := range models.AllModes {
		label := persona.Title(m)
		if m == current {
			label = "✅ " + label
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, "mode:"+string(m)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func judgeKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("✅ Correct", "judge:correct"),
		tgbotapi.NewInlineKeyboardButtonData("❌ Wrong", "judge:wrong"),
	))
}
