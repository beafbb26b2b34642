package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"everecho/internal/ratelimit"
	"everecho/internal/util"
	"everecho/pkg/ai"
	"everecho/pkg/speech"
	"everecho/pkg/storage"
	"everecho/pkg/store"
	"everecho/pkg/trainer"
	"everecho/services/api/internal/app"
	"everecho/services/api/internal/config"
	"everecho/services/api/internal/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api_exit", "error", err)
		os.Exit(1)
	}
}

func run() error {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = config.ConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	var sessions store.SessionStore
	switch cfg.SessionBackend {
	case "jwt":
		sessions, err = store.NewJWTSessionStore(cfg.JWTSecret, "everecho", cfg.SessionTTL)
	default:
		sessions, err = store.NewRedisSessionStore(cfg.RedisAddr, cfg.RedisPassword, cfg.SessionTTL)
	}
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	var objects storage.ObjectStore
	if strings.TrimSpace(cfg.Minio.Endpoint) != "" {
		objects, err = storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
	} else {
		dir := cfg.StorageDir
		if dir == "" {
			dir = "data/objects"
		}
		slog.Warn("object_store_local", "dir", dir)
		objects, err = storage.NewFileStore(dir)
	}
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	generator, err := ai.NewOpenAIGenerator(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)
	if err != nil {
		return fmt.Errorf("init reply generator: %w", err)
	}

	var synthesizer speech.Synthesizer
	synthesizer, err = speech.NewOpenAISynthesizer(
		cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.TTSModel, cfg.OpenAI.TTSVoice, objects,
	)
	if err != nil {
		slog.Warn("speech_disabled", "error", err)
		synthesizer = speech.NewNoopSynthesizer(objects)
	}

	var notifier trainer.Notifier = trainer.NoopNotifier{}
	var bus *trainer.AMQPBus
	if strings.TrimSpace(cfg.AMQPURL) != "" {
		bus, err = trainer.NewAMQPBus(cfg.AMQPURL)
		if err != nil {
			return fmt.Errorf("connect training bus: %w", err)
		}
		defer bus.Close()
		notifier = bus
	}

	application := app.New(dataStore, sessions, objects, generator, synthesizer, notifier, app.Config{
		MaxUploadBytes:     cfg.MaxUploadBytes,
		AllowedMimeTypes:   cfg.AllowedMimeTypes,
		ReadinessThreshold: cfg.ReadinessThreshold,
		ProgressStep:       cfg.ProgressStep,
	})

	opts := server.Options{MaxUploadBytes: cfg.MaxUploadBytes}
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		opts.AuthLimiter, err = ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword, "everecho:ratelimit:auth", cfg.RateLimit.AuthPerMinute, time.Minute,
		)
		if err != nil {
			return fmt.Errorf("init auth limiter: %w", err)
		}
		opts.UploadLimiter, err = ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword, "everecho:ratelimit:upload", cfg.RateLimit.UploadPerMinute, time.Minute,
		)
		if err != nil {
			return fmt.Errorf("init upload limiter: %w", err)
		}
		opts.ChatLimiter, err = ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword, "everecho:ratelimit:chat", cfg.RateLimit.ChatPerMinute, time.Minute,
		)
		if err != nil {
			return fmt.Errorf("init chat limiter: %w", err)
		}
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      server.New(application, opts).Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		slog.Info("api_listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if bus != nil {
		group.Go(func() error {
			err := bus.ConsumeVerdicts(groupCtx, application.ApplyTrainingVerdict)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("api_stopped")
	return nil
}
