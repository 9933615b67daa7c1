// campaignd runs the campaign flow engine with its HTTP operator
// surface. Channel delivery and CRM/chat integrations are external
// collaborators; this binary wires logging stand-ins so flows can be
// exercised end to end without them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/campaign-engine/ai"
	"github.com/songzhibin97/campaign-engine/api"
	"github.com/songzhibin97/campaign-engine/config"
	"github.com/songzhibin97/campaign-engine/engine"
	"github.com/songzhibin97/campaign-engine/executor"
	"github.com/songzhibin97/campaign-engine/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "campaignd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, err := newStorage(cfg)
	if err != nil {
		return err
	}

	execCfg := executor.Config{
		Sender: &logSender{log: log},
		CRM:    &logCRM{log: log},
		Chat:   &logChat{log: log},
		Logger: log,
	}
	if cfg.AI.APIKey != "" {
		execCfg.Completer = ai.NewOpenAIClient(cfg.AI.APIKey, cfg.AI.Model, cfg.AI.BaseURL)
	}
	registry := executor.NewRegistry(execCfg)

	snowflake := generator.NewSnowflake(time.Now().Add(-time.Second), 1)
	eng, err := engine.New(snowflake, store, nil, registry,
		engine.WithLogger(log),
		engine.WithWorkers(cfg.Workers),
		engine.WithMaxSteps(cfg.MaxSteps),
		engine.WithSessionTTL(cfg.SessionTTL.Std()),
		engine.WithClaimTTL(cfg.ClaimTTL.Std()),
	)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := eng.Run(ctx, cfg.TickInterval.Std()); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("dispatcher stopped", "err", err)
		}
	}()

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: api.NewServer(eng, log).Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
		eng.Stop(shutdownCtx)
	}()

	log.Info("campaignd listening", "addr", cfg.Listen, "storage", cfg.Storage.Driver)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case "redis":
		return storage.NewRedisStorage(storage.RedisOptions{
			Addr:         cfg.Storage.Redis.Addr,
			Password:     cfg.Storage.Redis.Password,
			DB:           cfg.Storage.Redis.DB,
			PoolSize:     cfg.Storage.Redis.PoolSize,
			MinIdleConns: cfg.Storage.Redis.MinIdleConns,
		})
	case "", "memory":
		return storage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// logSender stands in for the WhatsApp channel sender collaborator.
type logSender struct {
	log *slog.Logger
}

func (s *logSender) Send(ctx context.Context, contactID, channelID, content string) error {
	s.log.Info("send", "contact", contactID, "channel", channelID, "content", content)
	return nil
}

func (s *logSender) SendMedia(ctx context.Context, contactID, channelID, mediaType, assetURL, caption string) error {
	s.log.Info("send media", "contact", contactID, "channel", channelID,
		"type", mediaType, "asset", assetURL, "caption", caption)
	return nil
}

type logCRM struct {
	log *slog.Logger
}

func (c *logCRM) Apply(ctx context.Context, contactID, action, value string) error {
	c.log.Info("crm action", "contact", contactID, "action", action, "value", value)
	return nil
}

type logChat struct {
	log *slog.Logger
}

func (c *logChat) AddTags(ctx context.Context, contactID string, tags []string) error {
	c.log.Info("chat add tags", "contact", contactID, "tags", tags)
	return nil
}

func (c *logChat) RemoveTags(ctx context.Context, contactID string, tags []string) error {
	c.log.Info("chat remove tags", "contact", contactID, "tags", tags)
	return nil
}
