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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shelfnotes.io/reading-companion/internal/api"
	"shelfnotes.io/reading-companion/internal/auth"
	"shelfnotes.io/reading-companion/internal/capture"
	"shelfnotes.io/reading-companion/internal/capture/audio"
	"shelfnotes.io/reading-companion/internal/capture/deepgram"
	"shelfnotes.io/reading-companion/internal/config"
	"shelfnotes.io/reading-companion/internal/core"
	"shelfnotes.io/reading-companion/internal/logging"
	"shelfnotes.io/reading-companion/internal/store"
)

func main() {
	readerFlag := flag.String("token", "", "Print an API token for the given reader id and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Production: cfg.Production, FilePath: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	if !cfg.DotEnvLoaded {
		logger.Debug("No .env file found, using environment only")
	}

	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		logger.Fatal("Failed to set up token issuer", zap.Error(err))
	}
	if *readerFlag != "" {
		token, err := issuer.Generate(*readerFlag)
		if err != nil {
			logger.Fatal("Failed to mint token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, issuer, logger); err != nil {
		logger.Fatal("Server stopped with error", zap.Error(err))
	}
	logger.Info("Server exiting gracefully")
}

func openStore(cfg config.Config) (store.Durable, error) {
	switch cfg.StoreBackend {
	case "redis":
		return store.NewRedisStore(store.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisPrefix,
		})
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewSQLiteStore(cfg.DatabaseURL)
	}
}

func run(cfg config.Config, issuer *auth.Issuer, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	durable, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.StoreBackend, err)
	}
	defer durable.Close()
	logger.Info("Store opened", zap.String("backend", cfg.StoreBackend))

	books := store.NewBookRepository(durable, logger.Named("books"))
	notes := store.NewNoteRepository(durable, logger.Named("notes"))
	sessionRepo := store.NewSessionRepository(durable, logger.Named("sessions"))
	chats := store.NewChatRepository(durable, logger.Named("chats"))

	gemini, err := core.NewGeminiService(ctx, core.GeminiConfig{
		APIKey:         cfg.GeminiAPIKey,
		ChatModel:      cfg.GeminiChatModel,
		EmbeddingModel: cfg.GeminiEmbeddingModel,
	}, logger.Named("gemini"))
	if err != nil {
		return err
	}
	defer gemini.Close()

	sessions := core.NewSessionService(sessionRepo, logger.Named("sessions"))
	retriever := core.NewNoteRetriever(notes, gemini, logger.Named("retriever"))
	chat := core.NewChatService(chats, books, retriever, gemini, logger.Named("chat"))

	fanout, err := core.NewFanOut(core.FanOutDeps{
		Chat:      chat,
		Answerer:  gemini,
		Notes:     notes,
		Books:     books,
		Retriever: retriever,
	}, cfg.FanOutTimeout, logger.Named("fanout"))
	if err != nil {
		return err
	}
	// Closed before the store so in-flight answers can still be saved.
	defer func() {
		if err := fanout.Close(); err != nil {
			logger.Warn("Fan-out close failed", zap.Error(err))
		}
	}()

	pipeline := core.NewNotePipeline(notes, sessions, fanout, logger.Named("pipeline"))
	svc := api.Services{
		Books:    core.NewBookService(books, notes, sessionRepo, logger.Named("books")),
		Sessions: sessions,
		Reading:  core.NewReadingService(sessions, books, notes, gemini, logger.Named("reading")),
		Pipeline: pipeline,
		Chat:     chat,
		OCR:      core.NewGeminiOCR(gemini),
	}

	catalog, err := core.NewGoogleBooksCatalog(ctx, core.CatalogConfig{
		APIKey:   cfg.GoogleBooksAPIKey,
		Language: cfg.CatalogLanguage,
	}, logger.Named("catalog"))
	if err != nil {
		logger.Warn("Book catalog disabled", zap.Error(err))
	} else {
		svc.Catalog = catalog
	}

	if cfg.DeepgramAPIKey != "" {
		voice := core.NewVoiceNotes(pipeline, logger.Named("voice"))
		controller := capture.NewController(
			capture.StaticPermissions{MicrophoneGranted: cfg.MicrophoneGranted, SpeechGranted: cfg.SpeechGranted},
			audio.NewFFmpegInput(audio.Config{
				Command:     cfg.FFmpegPath,
				SampleRate:  cfg.SampleRate,
				InputFormat: cfg.AudioInputFormat,
				InputDevice: cfg.AudioInputDevice,
			}),
			deepgram.NewRecognizer(deepgram.Config{
				APIKey:      cfg.DeepgramAPIKey,
				Model:       cfg.DeepgramModel,
				SmartFormat: true,
			}, logger.Named("deepgram")),
			voice,
			capture.Config{Recognition: capture.RecognitionConfig{
				SampleRate:     cfg.SampleRate,
				Channels:       1,
				Encoding:       "linear16",
				Language:       cfg.Language,
				InterimResults: true,
				Hints:          cfg.CaptureHints,
			}},
			logger.Named("capture"),
		)
		voice.Attach(controller)
		svc.Voice = voice
		defer func() {
			if _, ok := controller.Stop(); ok {
				logger.Info("Stopped live capture on shutdown")
			}
		}()
	} else {
		logger.Info("DEEPGRAM_API_KEY not set, live capture disabled")
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.NewRouter(api.NewAPIHandler(svc, issuer, logger.Named("api"))),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // chat replies wait on the model
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting server", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %w", cfg.HTTPAddr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
