package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dsa-guru-ai-go/internal/config"
	"github.com/dsa-guru-ai-go/internal/handlers"
	"github.com/dsa-guru-ai-go/internal/i18n"
	"github.com/dsa-guru-ai-go/internal/middleware"
	"github.com/dsa-guru-ai-go/internal/services/cache"
	"github.com/dsa-guru-ai-go/internal/services/oracle"
	"github.com/dsa-guru-ai-go/internal/services/session"
	"github.com/dsa-guru-ai-go/internal/services/speech"
	"github.com/dsa-guru-ai-go/internal/services/storage"
	"github.com/dsa-guru-ai-go/pkg/logger"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting DSA Guru server...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := middleware.NewMetrics()

	storageManager, err := storage.NewManager(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}
	defer storageManager.Close()

	gemini, err := oracle.NewGemini(ctx, &cfg.Oracle, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize oracle")
	}

	cacheService := cache.NewCache(&cfg.Cache, metrics, log)
	translator := speech.NewTranslator(gemini, cacheService, log)

	registry := session.NewRegistry(storageManager, gemini, session.RegistryOptions{
		Session:    cfg.Session,
		Challenge:  cfg.Challenge,
		Translator: translator,
		Metrics:    metrics,
	}, log)
	defer registry.Close()

	rateLimiter := middleware.NewRateLimiter(&cfg.RateLimit, log)
	defer rateLimiter.Stop()

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	api := handlers.NewAPI(cfg, registry, rateLimiter, localizer, metrics, log)
	voice := handlers.NewVoiceChannel(cfg, registry, api, log)
	router := handlers.NewRouter(cfg, api, voice, metrics)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"port":    cfg.Server.Port,
			"metrics": cfg.Monitoring.Metrics.Enabled,
		}).Info("HTTP server listening")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	if cfg.Telegram.Enabled {
		bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			log.WithError(err).Fatal("Failed to create bot")
		}
		bot.Debug = cfg.Logging.Level == "debug"
		log.WithField("username", bot.Self.UserName).Info("Bot authorized")

		u := tgbotapi.NewUpdate(0)
		u.Timeout = cfg.Telegram.UpdateTimeout
		updates := bot.GetUpdatesChan(u)

		telegram := handlers.NewTelegramHandler(bot, bot.Self, cfg, registry, rateLimiter, localizer, metrics, log)
		go telegram.Run(ctx, updates)
		defer bot.StopReceivingUpdates()
	}

	go startPeriodicTasks(ctx, registry, metrics)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}

	log.Info("Server stopped")
}

// startPeriodicTasks keeps the active session gauge current
func startPeriodicTasks(ctx context.Context, registry *session.Registry, metrics *middleware.Metrics) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetActiveSessions(float64(registry.Count()))
		}
	}
}
