//go:build wireinject

package main

import (
	"context"

	"github.com/google/wire"

	"github.com/lecoder/lecoder/internal/app"
	"github.com/lecoder/lecoder/internal/auth"
	"github.com/lecoder/lecoder/internal/colab"
	"github.com/lecoder/lecoder/internal/config"
	"github.com/lecoder/lecoder/internal/core"
	"github.com/lecoder/lecoder/internal/storage"
)

func wireApp(ctx context.Context, conf *config.Config) (*app.App, func(), error) {
	panic(wire.Build(
		auth.Load,
		provideColabClient,
		wire.Bind(new(core.ColabRepo), new(*colab.Client)),
		provideConnectionFactory,
		provideRuntimeUseCase,
		provideSessionStore,
		provideHistoryStore,
		wire.Bind(new(core.HistoryRepo), new(*storage.HistoryStore)),
		provideSessionUseCase,
		core.NewPool,
		core.NewHistoryUseCase,
		app.New,
	))
}
