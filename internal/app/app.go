package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/recoverly/recoverly/internal/chat"
	"github.com/recoverly/recoverly/internal/config"
	"github.com/recoverly/recoverly/internal/contextbuilder"
	db "github.com/recoverly/recoverly/internal/core/database"
	"github.com/recoverly/recoverly/internal/core/llm"
	"github.com/recoverly/recoverly/internal/ratelimit"
)

type App struct {
	Store  *db.Client
	Model  *llm.Gemini
	Server *Server
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	store, err := db.NewClient(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	log.Println("Database initialized and ready.")

	model, err := llm.NewGemini(appCtx, cfg.AIAPIKey, cfg.GenModel)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the model client, %w", err)
	}

	limiter := ratelimit.New(store, cfg)
	builder := contextbuilder.New(store, cfg)
	orchestrator := chat.NewOrchestrator(store, limiter, builder, model, cfg)

	server := NewServer(cfg, store, orchestrator, limiter)

	return &App{Store: store.(*db.Client), Model: model, Server: server}, nil
}

func (a *App) Close() {
	if a.Model != nil {
		_ = a.Model.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
}
