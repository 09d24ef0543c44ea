package main

import (
	"github.com/lecoder/lecoder/internal/auth"
	"github.com/lecoder/lecoder/internal/colab"
	"github.com/lecoder/lecoder/internal/config"
	"github.com/lecoder/lecoder/internal/connection"
	"github.com/lecoder/lecoder/internal/core"
	"github.com/lecoder/lecoder/internal/storage"
)

// provideColabClient is a Wire provider for the Colab API host client,
// authenticated by the stored OAuth session.
func provideColabClient(conf *config.Config, session *auth.Session) *colab.Client {
	return colab.NewClient(conf.ColabAPIURL(), agentString(conf), session.TokenSource())
}

// provideConnectionFactory is a Wire provider for the kernel
// connection factory, tuned from configuration.
func provideConnectionFactory(conf *config.Config, client *colab.Client) core.ConnectionFactory {
	cfg := connection.DefaultConfig()
	cfg.KernelName = conf.ConnectKernelName()
	cfg.ReadyTimeout = conf.ConnectReadyTimeout()
	cfg.ReconnectReadyTimeout = conf.ConnectReconnectReadyTimeout()
	cfg.MaxReconnectAttempts = conf.ConnectMaxReconnectAttempts()
	return connection.NewFactory(client, agentString(conf), cfg)
}

// provideRuntimeUseCase is a Wire provider for the runtime manager. It
// loads the install-stable notebook hash from the state directory.
func provideRuntimeUseCase(conf *config.Config, client *colab.Client, connect core.ConnectionFactory) (*core.RuntimeUseCase, error) {
	dir, err := conf.StateDir()
	if err != nil {
		return nil, err
	}
	notebookHash, err := storage.InstallID(dir)
	if err != nil {
		return nil, err
	}
	return core.NewRuntimeUseCase(client, connect, notebookHash), nil
}

// provideSessionStore is a Wire provider for the durable session
// store.
func provideSessionStore(conf *config.Config) (*storage.SessionStore, error) {
	dir, err := conf.StateDir()
	if err != nil {
		return nil, err
	}
	return storage.NewSessionStore(dir)
}

// provideHistoryStore is a Wire provider for the execution history
// store.
func provideHistoryStore(conf *config.Config) (*storage.HistoryStore, error) {
	dir, err := conf.StateDir()
	if err != nil {
		return nil, err
	}
	return storage.NewHistoryStore(dir)
}

// provideSessionUseCase is a Wire provider for the session manager,
// scoped to the authenticated account.
func provideSessionUseCase(store *storage.SessionStore, runtimes *core.RuntimeUseCase, client *colab.Client, pool *core.Pool, session *auth.Session) *core.SessionUseCase {
	return core.NewSessionUseCase(store, runtimes, client, pool, session.Account.ID)
}
